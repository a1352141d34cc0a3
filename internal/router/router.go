// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package router dispatches normalized platform events to handlers:
// an in-process active-set rejects a second concurrent dispatch of the
// same (platform, message_id) pair, and predicate-based routes pick
// which handler runs, falling back to a default that invokes the
// session orchestrator. The active-set dedup follows the same
// sync.Map-based idiom the teacher uses for tracking in-flight work
// across concurrent goroutines (lib/service's room/invite bookkeeping),
// generalized here from "rooms already joined" to "events already
// in flight."
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/relaybridge/relaybridge/internal/adapter"
)

// Handler processes one admitted event.
type Handler func(ctx context.Context, event adapter.Event, adp adapter.Adapter)

// Predicate decides whether a Route applies to an event.
type Predicate func(event adapter.Event) bool

// Route pairs a Predicate with the Handler that should run when it matches.
type Route struct {
	Name      string
	Predicate Predicate
	Handler   Handler
}

// Router dispatches events to the first matching Route, or to the
// default handler when none match, while suppressing duplicate
// concurrent dispatch of the same (platform, message_id) key.
type Router struct {
	mu      sync.RWMutex
	routes  []Route
	def     Handler
	active  sync.Map // "{platform}:{message_id}" -> struct{}
	logger  *slog.Logger
}

// New constructs a Router whose default handler runs when no Route matches.
func New(defaultHandler Handler, logger *slog.Logger) *Router {
	return &Router{def: defaultHandler, logger: logger}
}

// AddRoute appends route to the end of the route list; routes are
// tried in the order added, first match wins.
func (r *Router) AddRoute(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

// DM matches any event delivered in a direct message.
func DM(event adapter.Event) bool { return event.IsDM }

// Guild matches any event delivered in a guild/server channel.
func Guild(event adapter.Event) bool { return !event.IsDM }

// Platform matches events from exactly the named platform.
func Platform(platform string) Predicate {
	return func(event adapter.Event) bool { return event.Platform == platform }
}

// KeywordContains matches events whose content contains keyword, case-sensitively.
func KeywordContains(keyword string) Predicate {
	return func(event adapter.Event) bool { return strings.Contains(event.Content, keyword) }
}

// Dispatch admits event for processing unless its (platform, message_id)
// key is already in flight, in which case it is rejected non-retryably
// and this call is a no-op. Otherwise the matching route (or the
// default handler) runs synchronously in the caller's goroutine — the
// caller is expected to invoke Dispatch from its own per-event
// goroutine, per SPEC_FULL §5's scheduling model.
func (r *Router) Dispatch(ctx context.Context, event adapter.Event, adp adapter.Adapter) bool {
	requestID := uuid.NewString()
	key := event.Platform + ":" + event.MessageID
	if _, alreadyInFlight := r.active.LoadOrStore(key, struct{}{}); alreadyInFlight {
		r.logger.Debug("rejecting duplicate concurrent dispatch", "key", key, "request_id", requestID)
		return false
	}
	defer r.active.Delete(key)

	r.logger.Debug("dispatching event", "key", key, "request_id", requestID)
	handler := r.resolve(event)
	handler(ctx, event, adp)
	return true
}

func (r *Router) resolve(event adapter.Event) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, route := range r.routes {
		if route.Predicate(event) {
			return route.Handler
		}
	}
	return r.def
}
