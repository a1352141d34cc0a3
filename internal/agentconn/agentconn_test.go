// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentconn

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestConnector(t *testing.T) *Connector {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(logger, nil, nil)
	c.workspacePath = t.TempDir()
	return c
}

func TestPathInsideWorkspace_AcceptsPathUnderRoot(t *testing.T) {
	c := newTestConnector(t)
	target := filepath.Join(c.workspacePath, "notes.md")
	if err := os.WriteFile(target, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !c.pathInsideWorkspace(target) {
		t.Fatalf("expected %s to be inside workspace %s", target, c.workspacePath)
	}
}

func TestPathInsideWorkspace_RejectsEscape(t *testing.T) {
	c := newTestConnector(t)
	outside := filepath.Join(filepath.Dir(c.workspacePath), "other-file.txt")
	if c.pathInsideWorkspace(outside) {
		t.Fatalf("expected %s to be rejected as outside workspace %s", outside, c.workspacePath)
	}
}

func TestPathInsideWorkspace_RejectsSymlinkEscape(t *testing.T) {
	c := newTestConnector(t)
	outsideDir := t.TempDir()
	secret := filepath.Join(outsideDir, "secret.txt")
	if err := os.WriteFile(secret, []byte("shh"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(c.workspacePath, "link")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if c.pathInsideWorkspace(link) {
		t.Fatalf("expected symlink escape to %s to be rejected", secret)
	}
}

func TestBuildEnv_IncludesCredential(t *testing.T) {
	env := buildEnv(CredentialEnv{Name: "GITHUB_TOKEN", Value: "abc123"})
	found := false
	for _, kv := range env {
		if kv == "GITHUB_TOKEN=abc123" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected GITHUB_TOKEN in env, got %v", env)
	}
}

func TestBuildEnv_OmitsCredentialWhenEmpty(t *testing.T) {
	env := buildEnv(CredentialEnv{})
	for _, kv := range env {
		if len(kv) >= 1 && kv[0] == '=' {
			t.Fatalf("unexpected malformed env entry: %q", kv)
		}
	}
	if len(env) != 2 {
		t.Fatalf("expected only PATH and HOME, got %v", env)
	}
}

func TestNewSession_RejectsUnsupportedTransport(t *testing.T) {
	c := newTestConnector(t)
	c.capabilities = agentCapabilities{ToolServerTransports: []string{"stdio"}}

	_, err := c.NewSession(context.Background(), []string{"sse:search-tools"})
	if err == nil {
		t.Fatal("expected an error for an unsupported tool server transport")
	}
}

func TestAgentCapabilities_Supports(t *testing.T) {
	caps := agentCapabilities{ToolServerTransports: []string{"stdio", "sse"}}
	if !caps.supports("stdio") {
		t.Error("expected stdio to be supported")
	}
	if caps.supports("http") {
		t.Error("expected http to be unsupported")
	}
}

func TestMustMarshal_RoundTrips(t *testing.T) {
	data := mustMarshal(map[string]any{"sessionId": "abc"})
	var decoded struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.SessionID != "abc" {
		t.Fatalf("unexpected round trip: %s", data)
	}
}
