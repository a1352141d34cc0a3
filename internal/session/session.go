// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the session registry: the short-lived,
// token-identified binding between one agent invocation, one
// workspace, and one platform event. Expiry is swept on the shared
// clock abstraction rather than bare time.Sleep, following the
// teacher's lib/service.RunSyncLoop convention of threading a
// clock.Clock through anything that waits.
package session

import (
	"crypto/rand"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relaybridge/relaybridge/internal/clock"
)

// Record is one active session (SPEC_FULL §3).
type Record struct {
	ID           string
	Platform     string
	ChannelID    string
	UserID       string
	WorkspaceKey string
	WorkspacePath string
	TriggerEvent any
	StartedAt    time.Time
	TimeoutMS    int64

	replySent int32 // accessed only via atomic ops
}

// Registry holds active sessions and sweeps expired ones.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Record
	clk      clock.Clock
	logger   *slog.Logger
	entropy  *ulid.MonotonicEntropy
}

// New constructs an empty Registry. clk drives both id generation
// timestamps and the sweeper.
func New(clk clock.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Record),
		clk:      clk,
		logger:   logger,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// GenerateID returns a globally-unique session id prefixed "sess_",
// built from a monotonic ULID so ids sort by creation time.
func (r *Registry) GenerateID() string {
	r.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(r.clk.Now()), r.entropy)
	r.mu.Unlock()
	return "sess_" + strings.ToLower(id.String())
}

// Register stores record (assigning an id if record.ID is empty) and
// returns the id.
func (r *Registry) Register(record *Record) string {
	if record.ID == "" {
		record.ID = r.GenerateID()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = r.clk.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[record.ID] = record
	return record.ID
}

// Get returns the record for id, treating an expired entry as absent
// and removing it eagerly.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(id)
}

func (r *Registry) getLocked(id string) (*Record, bool) {
	record, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	if r.expiredLocked(record) {
		delete(r.sessions, id)
		return nil, false
	}
	return record, true
}

func (r *Registry) expiredLocked(record *Record) bool {
	if record.TimeoutMS <= 0 {
		return false
	}
	deadline := record.StartedAt.Add(time.Duration(record.TimeoutMS) * time.Millisecond)
	return r.clk.Now().After(deadline)
}

// Has reports whether id refers to a live, unexpired session.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// MarkReplySent atomically transitions a session's reply_sent flag
// from false to true. Returns false if the session is unknown/expired
// or the flag was already set — never true more than once per session
// (SPEC_FULL §5's per-session ordering guarantee).
func (r *Registry) MarkReplySent(id string) bool {
	r.mu.Lock()
	record, ok := r.getLocked(id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	return atomic.CompareAndSwapInt32(&record.replySent, 0, 1)
}

// HasReplySent reports whether id's reply_sent flag is set.
func (r *Registry) HasReplySent(id string) bool {
	record, ok := r.Get(id)
	if !ok {
		return false
	}
	return atomic.LoadInt32(&record.replySent) == 1
}

// Remove deletes id from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// ActiveCount returns the number of sessions currently tracked
// (including any not yet lazily reaped by a Get/sweep).
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// sweep removes every expired session, returning how many were reaped.
func (r *Registry) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	reaped := 0
	for id, record := range r.sessions {
		if r.expiredLocked(record) {
			delete(r.sessions, id)
			reaped++
		}
	}
	return reaped
}

// RunSweeper periodically sweeps expired sessions until done is
// closed. An interval of zero or less defaults to one minute.
func (r *Registry) RunSweeper(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := r.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if n := r.sweep(); n > 0 {
				r.logger.Debug("swept expired sessions", "count", n)
			}
		}
	}
}
