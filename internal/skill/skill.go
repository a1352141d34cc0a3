// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package skill implements the five skill handlers an agent
// subprocess invokes through the Skill HTTP Gateway: memory-save,
// memory-search, memory-patch, send-reply, and fetch-context.
//
// Validation error strings are literal per SPEC_FULL §6 — downstream
// tooling parses them — so they are never built with fmt.Sprintf
// beyond the places the spec explicitly allows interpolation.
package skill

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/relaybridge/relaybridge/internal/adapter"
	"github.com/relaybridge/relaybridge/internal/gateway"
	"github.com/relaybridge/relaybridge/internal/memory"
	"github.com/relaybridge/relaybridge/internal/session"
	"github.com/relaybridge/relaybridge/internal/workspace"
)

// Binding is the per-session context a skill handler runs against.
type Binding struct {
	Workspace *workspace.Workspace
	Log       *memory.Log
	Adapter   adapter.Adapter
	ChannelID string
	GuildID   string
}

// Registry dispatches skill calls to handlers and tracks the
// per-(workspace,channel) reply dedup key independently of the
// session registry's per-session reply_sent flag — SPEC_FULL §4.5
// requires both to guard, whichever detects a repeat first wins.
type Registry struct {
	replied  sync.Map // workspace_key+"/"+channel_id -> struct{}
	bindings *Bindings
}

// NewRegistry constructs an empty skill Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Bindings looks up the Binding for an active session by id. The
// orchestrator registers one binding per session before dispatching
// its prompt and removes it once the session ends.
type Bindings struct {
	mu sync.RWMutex
	m  map[string]*Binding
}

// NewBindings constructs an empty session-id -> Binding table.
func NewBindings() *Bindings {
	return &Bindings{m: make(map[string]*Binding)}
}

// Set associates sessionID with binding.
func (b *Bindings) Set(sessionID string, binding *Binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[sessionID] = binding
}

// Remove discards the binding for sessionID.
func (b *Bindings) Remove(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, sessionID)
}

func (b *Bindings) get(sessionID string) (*Binding, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	binding, ok := b.m[sessionID]
	return binding, ok
}

// RegisterAll wires every skill handler into gw, resolving each
// call's Binding from bindings by the session id the gateway already
// validated.
func (r *Registry) RegisterAll(gw *gateway.Server, bindings *Bindings) {
	r.bindings = bindings
	gw.RegisterSkill("memory-save", r.handleMemorySave)
	gw.RegisterSkill("memory-search", r.handleMemorySearch)
	gw.RegisterSkill("memory-patch", r.handleMemoryPatch)
	gw.RegisterSkill("send-reply", r.handleSendReply)
	gw.RegisterSkill("fetch-context", r.handleFetchContext)
}

func fail(message string) (gateway.Result, error) {
	return gateway.Result{Success: false, Error: message}, nil
}

func (r *Registry) handleMemorySave(ctx context.Context, sess *session.Record, parameters map[string]any) (gateway.Result, error) {
	binding, ok := r.bindings.get(sess.ID)
	if !ok {
		return gateway.Result{}, fmt.Errorf("skill handler invoked without a binding")
	}

	content, ok := parameters["content"].(string)
	if !ok || strings.TrimSpace(content) == "" {
		return fail("Missing or invalid 'content' parameter")
	}

	visibility := stringOr(parameters["visibility"], memory.VisibilityPublic)
	if visibility != memory.VisibilityPublic && visibility != memory.VisibilityPrivate {
		return fail("Invalid 'visibility' parameter. Must be 'public' or 'private'")
	}

	importance := stringOr(parameters["importance"], memory.ImportanceNormal)
	if importance != memory.ImportanceHigh && importance != memory.ImportanceNormal {
		return fail("Invalid 'importance' parameter. Must be 'high' or 'normal'")
	}

	if visibility == memory.VisibilityPrivate && !binding.Workspace.IsDM {
		return fail("Private memories can only be saved in DM contexts")
	}

	event, err := binding.Log.Add(content, visibility, importance)
	if err != nil {
		return gateway.Result{}, err
	}
	return gateway.Result{Success: true, Data: event}, nil
}

func (r *Registry) handleMemorySearch(ctx context.Context, sess *session.Record, parameters map[string]any) (gateway.Result, error) {
	binding, ok := r.bindings.get(sess.ID)
	if !ok {
		return gateway.Result{}, fmt.Errorf("skill handler invoked without a binding")
	}

	query, ok := parameters["query"].(string)
	if !ok {
		return fail("Missing or invalid 'query' parameter")
	}

	limit, err := positiveIntOr(parameters["limit"], 10)
	if err != nil {
		return fail("Invalid 'limit' parameter. Must be a positive number")
	}

	results, err := binding.Log.Search(query, limit, 0)
	if err != nil {
		return gateway.Result{}, err
	}
	return gateway.Result{Success: true, Data: results}, nil
}

func (r *Registry) handleMemoryPatch(ctx context.Context, sess *session.Record, parameters map[string]any) (gateway.Result, error) {
	binding, ok := r.bindings.get(sess.ID)
	if !ok {
		return gateway.Result{}, fmt.Errorf("skill handler invoked without a binding")
	}

	memoryID, ok := parameters["memory_id"].(string)
	if !ok || memoryID == "" {
		return fail("Missing or invalid 'memory_id' parameter")
	}

	var changes memory.PatchChangeSet
	provided := false

	if raw, exists := parameters["enabled"]; exists {
		enabled, ok := raw.(bool)
		if !ok {
			return fail("Invalid 'enabled' parameter. Must be a boolean")
		}
		changes.Enabled = &enabled
		provided = true
	}
	if raw, exists := parameters["visibility"]; exists {
		visibility, ok := raw.(string)
		if !ok || (visibility != memory.VisibilityPublic && visibility != memory.VisibilityPrivate) {
			return fail("Invalid 'visibility' parameter. Must be 'public' or 'private'")
		}
		changes.Visibility = &visibility
		provided = true
	}
	if raw, exists := parameters["importance"]; exists {
		importance, ok := raw.(string)
		if !ok || (importance != memory.ImportanceHigh && importance != memory.ImportanceNormal) {
			return fail("Invalid 'importance' parameter. Must be 'high' or 'normal'")
		}
		changes.Importance = &importance
		provided = true
	}

	if !provided {
		return fail("At least one of 'enabled', 'visibility', or 'importance' must be provided")
	}

	patch, err := binding.Log.Patch(memoryID, changes)
	if err != nil {
		return gateway.Result{}, err
	}
	return gateway.Result{Success: true, Data: patch}, nil
}

func (r *Registry) handleSendReply(ctx context.Context, sess *session.Record, parameters map[string]any) (gateway.Result, error) {
	binding, ok := r.bindings.get(sess.ID)
	if !ok {
		return gateway.Result{}, fmt.Errorf("skill handler invoked without a binding")
	}

	message, ok := parameters["message"].(string)
	if !ok {
		return fail("Missing or invalid 'message' parameter")
	}
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return fail("Message cannot be empty")
	}

	if raw, exists := parameters["attachments"]; exists {
		attachments, ok := raw.([]any)
		if !ok {
			return fail("Invalid 'attachments' parameter. Must be an array")
		}
		_ = attachments // content ignored, type-checked only
	}

	dedupKey := binding.Workspace.Key + "/" + binding.ChannelID
	if _, already := r.replied.LoadOrStore(dedupKey, struct{}{}); already {
		return fail("Reply can only be sent once per interaction")
	}

	if err := binding.Adapter.SendReply(ctx, binding.ChannelID, message, adapter.ReplyOptions{}); err != nil {
		r.replied.Delete(dedupKey)
		return gateway.Result{}, err
	}

	return gateway.Result{Success: true}, nil
}

func (r *Registry) handleFetchContext(ctx context.Context, sess *session.Record, parameters map[string]any) (gateway.Result, error) {
	binding, ok := r.bindings.get(sess.ID)
	if !ok {
		return gateway.Result{}, fmt.Errorf("skill handler invoked without a binding")
	}

	fetchType, ok := parameters["type"].(string)
	if !ok || fetchType == "" {
		return fail("Missing or invalid 'type' parameter")
	}

	limit, err := positiveIntOr(parameters["limit"], 20)
	if err != nil {
		return fail("Invalid 'limit' parameter. Must be a positive number")
	}

	switch fetchType {
	case "recent_messages":
		messages, err := binding.Adapter.FetchRecent(ctx, binding.ChannelID, limit)
		if err != nil {
			return gateway.Result{}, err
		}
		return gateway.Result{Success: true, Data: messages}, nil

	case "search_messages":
		query, ok := parameters["query"].(string)
		if !ok || query == "" {
			return fail("Missing or invalid 'query' parameter for search_messages type")
		}
		if !binding.Adapter.Capabilities().Search {
			return fail("Platform does not support message search")
		}
		messages, err := binding.Adapter.SearchRelated(ctx, binding.GuildID, binding.ChannelID, query, limit)
		if err != nil {
			return gateway.Result{}, err
		}
		return gateway.Result{Success: true, Data: messages}, nil

	case "user_info":
		username, err := binding.Adapter.GetUsername(ctx, binding.Workspace.UserID)
		if err != nil {
			return gateway.Result{}, err
		}
		return gateway.Result{Success: true, Data: map[string]any{
			"userId":   binding.Workspace.UserID,
			"username": username,
			"platform": binding.Workspace.Platform,
			"isDm":     binding.Workspace.IsDM,
		}}, nil

	default:
		return fail("Invalid 'type' parameter. Must be one of: recent_messages, search_messages, user_info")
	}
}

func stringOr(value any, fallback string) string {
	if s, ok := value.(string); ok && s != "" {
		return s
	}
	return fallback
}

func positiveIntOr(value any, fallback int) (int, error) {
	if value == nil {
		return fallback, nil
	}
	switch v := value.(type) {
	case float64:
		if v <= 0 || v != float64(int(v)) {
			return 0, fmt.Errorf("limit must be a positive integer")
		}
		return int(v), nil
	case int:
		if v <= 0 {
			return 0, fmt.Errorf("limit must be a positive integer")
		}
		return v, nil
	default:
		return 0, fmt.Errorf("limit must be a positive integer")
	}
}
