// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestKey(t *testing.T) {
	got := Key("discord", "123", "456")
	want := "discord/123/456"
	if got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

func TestGetOrCreate_Idempotent(t *testing.T) {
	root := t.TempDir()
	manager := NewManager(root, "workspaces")

	event := Event{Platform: "discord", UserID: "123", ChannelID: "456", IsDM: true}

	first, err := manager.GetOrCreate(event)
	if err != nil {
		t.Fatalf("GetOrCreate() first call: %v", err)
	}
	second, err := manager.GetOrCreate(event)
	if err != nil {
		t.Fatalf("GetOrCreate() second call: %v", err)
	}

	if first.Path != second.Path {
		t.Errorf("GetOrCreate() not idempotent: %q != %q", first.Path, second.Path)
	}

	if info, err := os.Stat(first.Path); err != nil || !info.IsDir() {
		t.Errorf("expected workspace directory to exist at %s", first.Path)
	}
}

func TestGetOrCreate_DistinctKeysDistinctPaths(t *testing.T) {
	root := t.TempDir()
	manager := NewManager(root, "workspaces")

	a, err := manager.GetOrCreate(Event{Platform: "discord", UserID: "1", ChannelID: "2"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := manager.GetOrCreate(Event{Platform: "discord", UserID: "1", ChannelID: "3"})
	if err != nil {
		t.Fatal(err)
	}

	if a.Path == b.Path {
		t.Errorf("distinct workspace keys produced the same path: %s", a.Path)
	}
}

func TestValidateInside_RejectsEscape(t *testing.T) {
	root := t.TempDir()
	manager := NewManager(root, "workspaces")

	ws, err := manager.GetOrCreate(Event{Platform: "discord", UserID: "1", ChannelID: "2"})
	if err != nil {
		t.Fatal(err)
	}

	inside := filepath.Join(ws.Path, "notes.txt")
	if err := os.WriteFile(inside, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	ok, err := manager.ValidateInside(ws, inside)
	if err != nil {
		t.Fatalf("ValidateInside(inside): %v", err)
	}
	if !ok {
		t.Error("expected path inside workspace to validate")
	}

	outside := filepath.Join(root, "elsewhere.txt")
	if err := os.WriteFile(outside, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	ok, err = manager.ValidateInside(ws, outside)
	if err != nil {
		t.Fatalf("ValidateInside(outside): %v", err)
	}
	if ok {
		t.Error("expected path outside workspace to be rejected")
	}
}

func TestValidateInside_RejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	manager := NewManager(root, "workspaces")

	ws, err := manager.GetOrCreate(Event{Platform: "discord", UserID: "1", ChannelID: "2"})
	if err != nil {
		t.Fatal(err)
	}

	secretDir := filepath.Join(root, "secret")
	if err := os.MkdirAll(secretDir, 0o755); err != nil {
		t.Fatal(err)
	}

	link := filepath.Join(ws.Path, "escape")
	if err := os.Symlink(secretDir, link); err != nil {
		t.Skipf("symlinks unsupported in this environment: %v", err)
	}

	ok, err := manager.ValidateInside(ws, filepath.Join(link, "target.txt"))
	if err != nil {
		t.Fatalf("ValidateInside(symlink escape): %v", err)
	}
	if ok {
		t.Error("expected symlink escaping the workspace to be rejected")
	}
}

func TestGetOrCreate_RepeatedCallsSamePath(t *testing.T) {
	root := t.TempDir()
	manager := NewManager(root, "workspaces")
	event := Event{Platform: "misskey", UserID: "u1", ChannelID: "c1"}

	var paths []string
	for i := 0; i < 5; i++ {
		ws, err := manager.GetOrCreate(event)
		if err != nil {
			t.Fatal(err)
		}
		paths = append(paths, ws.Path)
	}
	for _, p := range paths[1:] {
		if p != paths[0] {
			t.Errorf("repeated GetOrCreate produced different paths: %v", paths)
		}
	}
}
