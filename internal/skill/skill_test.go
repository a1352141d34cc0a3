// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package skill

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/relaybridge/relaybridge/internal/adapter"
	"github.com/relaybridge/relaybridge/internal/clock"
	"github.com/relaybridge/relaybridge/internal/memory"
	"github.com/relaybridge/relaybridge/internal/session"
	"github.com/relaybridge/relaybridge/internal/workspace"
)

func setup(t *testing.T, isDM bool) (*Registry, *session.Registry, string) {
	t.Helper()
	fake := clock.Fake(time.Unix(0, 0))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.New(fake, logger)

	ws := &workspace.Workspace{Key: "discord/1/2", Path: t.TempDir(), IsDM: isDM, Platform: "discord", UserID: "1", ChannelID: "2"}
	log := memory.NewLog(ws.Path, isDM)
	mock := adapter.NewMock("discord", "bot-1", adapter.Capabilities{Search: true})

	registry := NewRegistry()
	bindings := NewBindings()
	id := sessions.Register(&session.Record{})
	bindings.Set(id, &Binding{Workspace: ws, Log: log, Adapter: mock, ChannelID: ws.ChannelID})
	registry.bindings = bindings

	return registry, sessions, id
}

func TestMemorySave_RejectsEmptyContent(t *testing.T) {
	registry, sessions, id := setup(t, true)
	sess, _ := sessions.Get(id)
	result, err := registry.handleMemorySave(context.Background(), sess, map[string]any{"content": ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Error != "Missing or invalid 'content' parameter" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestMemorySave_RejectsPrivateOutsideDM(t *testing.T) {
	registry, sessions, id := setup(t, false)
	sess, _ := sessions.Get(id)
	result, err := registry.handleMemorySave(context.Background(), sess, map[string]any{"content": "x", "visibility": "private"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Error != "Private memories can only be saved in DM contexts" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestMemorySearch_RejectsMissingQuery(t *testing.T) {
	registry, sessions, id := setup(t, true)
	sess, _ := sessions.Get(id)

	result, err := registry.handleMemorySearch(context.Background(), sess, map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Error != "Missing or invalid 'query' parameter" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestMemorySaveThenSearch(t *testing.T) {
	registry, sessions, id := setup(t, true)
	sess, _ := sessions.Get(id)

	result, err := registry.handleMemorySave(context.Background(), sess, map[string]any{"content": "User likes hiking in mountains"})
	if err != nil || !result.Success {
		t.Fatalf("save failed: result=%+v err=%v", result, err)
	}

	result, err = registry.handleMemorySearch(context.Background(), sess, map[string]any{"query": "hiking mountains"})
	if err != nil || !result.Success {
		t.Fatalf("search failed: result=%+v err=%v", result, err)
	}
	results, ok := result.Data.([]memory.Resolved)
	if !ok || len(results) != 1 || results[0].Content != "User likes hiking in mountains" {
		t.Fatalf("unexpected search results: %+v", result.Data)
	}
}

func TestMemoryPatch_RequiresAtLeastOneField(t *testing.T) {
	registry, sessions, id := setup(t, true)
	sess, _ := sessions.Get(id)

	saveResult, _ := registry.handleMemorySave(context.Background(), sess, map[string]any{"content": "x"})
	event := saveResult.Data.(memory.Event)

	result, err := registry.handleMemoryPatch(context.Background(), sess, map[string]any{"memory_id": event.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Error != "At least one of 'enabled', 'visibility', or 'importance' must be provided" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSendReply_OnlyOncePerWorkspaceChannel(t *testing.T) {
	registry, sessions, id := setup(t, true)
	sess, _ := sessions.Get(id)

	result, err := registry.handleSendReply(context.Background(), sess, map[string]any{"message": "hello"})
	if err != nil || !result.Success {
		t.Fatalf("first reply failed: result=%+v err=%v", result, err)
	}

	result, err = registry.handleSendReply(context.Background(), sess, map[string]any{"message": "again"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Error != "Reply can only be sent once per interaction" {
		t.Fatalf("expected second reply rejected, got: %+v", result)
	}
}

func TestSendReply_RejectsEmptyMessage(t *testing.T) {
	registry, sessions, id := setup(t, true)
	sess, _ := sessions.Get(id)

	result, err := registry.handleSendReply(context.Background(), sess, map[string]any{"message": "   "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Error != "Message cannot be empty" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestFetchContext_SearchUnsupported(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.New(fake, logger)

	ws := &workspace.Workspace{Key: "discord/1/2", Path: t.TempDir(), IsDM: true, Platform: "discord", UserID: "1", ChannelID: "2"}
	log := memory.NewLog(ws.Path, true)
	mock := adapter.NewMock("discord", "bot-1", adapter.Capabilities{Search: false})

	registry := NewRegistry()
	bindings := NewBindings()
	id := sessions.Register(&session.Record{})
	bindings.Set(id, &Binding{Workspace: ws, Log: log, Adapter: mock, ChannelID: ws.ChannelID})
	registry.bindings = bindings

	sess, _ := sessions.Get(id)
	result, err := registry.handleFetchContext(context.Background(), sess, map[string]any{"type": "search_messages", "query": "q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Error != "Platform does not support message search" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestFetchContext_SearchMessagesUsesBindingGuildID(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := session.New(fake, logger)

	ws := &workspace.Workspace{Key: "discord/1/2", Path: t.TempDir(), IsDM: false, Platform: "discord", UserID: "1", ChannelID: "2"}
	log := memory.NewLog(ws.Path, false)
	mock := adapter.NewMock("discord", "bot-1", adapter.Capabilities{Search: true})

	registry := NewRegistry()
	bindings := NewBindings()
	id := sessions.Register(&session.Record{})
	bindings.Set(id, &Binding{Workspace: ws, Log: log, Adapter: mock, ChannelID: ws.ChannelID, GuildID: "guild-42"})
	registry.bindings = bindings

	sess, _ := sessions.Get(id)
	_, err := registry.handleFetchContext(context.Background(), sess, map[string]any{"type": "search_messages", "query": "q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.LastSearchGuildID() != "guild-42" {
		t.Fatalf("expected search to be scoped to binding's guild id, got %q", mock.LastSearchGuildID())
	}
}

func TestFetchContext_InvalidType(t *testing.T) {
	registry, sessions, id := setup(t, true)
	sess, _ := sessions.Get(id)
	result, err := registry.handleFetchContext(context.Background(), sess, map[string]any{"type": "nonsense"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Error != "Invalid 'type' parameter. Must be one of: recent_messages, search_messages, user_info" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

