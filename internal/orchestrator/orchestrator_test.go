// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relaybridge/relaybridge/internal/adapter"
	"github.com/relaybridge/relaybridge/internal/clock"
	gatewaycontext "github.com/relaybridge/relaybridge/internal/context"
	"github.com/relaybridge/relaybridge/internal/session"
	"github.com/relaybridge/relaybridge/internal/skill"
	"github.com/relaybridge/relaybridge/internal/workspace"
)

func writeSystemPrompt(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "system-prompt.md")
	if err := os.WriteFile(path, []byte("You are a helpful assistant."), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHandle_AgentStartFailureDispatchesGenericFailure(t *testing.T) {
	root := t.TempDir()
	workspaces := workspace.NewManager(root, "workspaces")

	assembler := gatewaycontext.New(gatewaycontext.Config{
		RecentMessageLimit: 10,
		TokenLimit:         8000,
		SystemPromptPath:   writeSystemPrompt(t),
	})

	fake := clock.Fake(time.Unix(0, 0))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.New(fake, logger)
	bindings := skill.NewBindings()

	orch := New(workspaces, assembler, sessions, bindings, AgentConfig{
		Command: "relaybridge-test-agent-binary-that-does-not-exist",
	}, filepath.Join(root, "skills"), logger)

	mock := adapter.NewMock("discord", "bot-1", adapter.Capabilities{Search: true})

	event := adapter.Event{
		Platform:  "discord",
		ChannelID: "chan-1",
		UserID:    "user-1",
		IsDM:      true,
		Content:   "hello there",
		Timestamp: time.Unix(0, 0),
	}

	orch.Handle(context.Background(), event, mock, 120_000)

	replies := mock.SentReplies()
	if len(replies) != 1 {
		t.Fatalf("expected exactly one dispatched reply, got %d", len(replies))
	}
	if replies[0].Content != genericFailureMessage {
		t.Fatalf("expected generic failure message, got %q", replies[0].Content)
	}
	if sessions.ActiveCount() != 0 {
		t.Fatalf("expected session to be removed after handling, got %d active", sessions.ActiveCount())
	}
}

func TestApprovePermission_RegisteredSkillNames(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := &Orchestrator{logger: logger}

	if !orch.approvePermission("call-1", "send-reply", nil, "/work") {
		t.Fatal("expected send-reply to be approved")
	}
	if orch.approvePermission("call-2", "shell-exec", nil, "/work") {
		t.Fatal("expected unrecognized tool name to be rejected")
	}
}

func TestApprovePermission_ReadUnderSkillsDir(t *testing.T) {
	skillsDir := filepath.Join(t.TempDir(), "skills")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := &Orchestrator{logger: logger, skillsDir: skillsDir, skillScriptPath: filepath.Join(skillsDir, skillScriptName)}

	input := []byte(`{"file_path":"` + filepath.Join(skillsDir, "invoke-skill") + `"}`)
	if !orch.approvePermission("call-1", "Read", input, "/work") {
		t.Fatal("expected a read under the skills directory to be approved")
	}

	outsideInput := []byte(`{"file_path":"/etc/passwd"}`)
	if orch.approvePermission("call-2", "Read", outsideInput, "/work") {
		t.Fatal("expected a read outside the skills directory to be rejected")
	}
}

func TestApprovePermission_ShellExecReferencingSkillScript(t *testing.T) {
	skillsDir := filepath.Join(t.TempDir(), "skills")
	scriptPath := filepath.Join(skillsDir, skillScriptName)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := &Orchestrator{logger: logger, skillsDir: skillsDir, skillScriptPath: scriptPath}

	approvedInput := []byte(`{"command":"` + scriptPath + ` memory-search && ` + scriptPath + ` send-reply"}`)
	if !orch.approvePermission("call-1", "Bash", approvedInput, "/work") {
		t.Fatal("expected shell execution referencing the skill script in every command to be approved")
	}

	mixedInput := []byte(`{"command":"` + scriptPath + ` memory-search && rm -rf /"}`)
	if orch.approvePermission("call-2", "Bash", mixedInput, "/work") {
		t.Fatal("expected shell execution with a command not referencing the skill script to be rejected")
	}
}

func TestBuildPrompt_NamesRequiredTerminalSkill(t *testing.T) {
	prompt := buildPrompt("system", "user")
	if !strings.Contains(prompt, "send-reply is the required terminal skill") {
		t.Fatalf("expected prompt to name send-reply as the required terminal skill, got: %s", prompt)
	}
	if !strings.Contains(prompt, "# System Instructions") || !strings.Contains(prompt, "# Context and Message") || !strings.Contains(prompt, "# Instructions") {
		t.Fatalf("expected all three fixed sections, got: %s", prompt)
	}
}
