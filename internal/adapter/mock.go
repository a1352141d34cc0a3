// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrSearchUnsupported is returned by SearchRelated when the adapter's
// capabilities do not include search — SPEC_FULL §6's literal
// "Platform does not support message search" is produced by the skill
// handler layer, which checks Capabilities().Search before calling
// SearchRelated, not here.
var ErrSearchUnsupported = errors.New("search not supported")

// Mock is a reference Platform Adapter implementing the contract
// entirely in-process, with no network I/O, for integration tests and
// local exercising of the orchestrator end to end. It is grounded on
// the teacher's mockSession test-double convention (lib/credential's
// in-memory stand-in for a real session), generalized here from a
// single-platform test double into a full adapter implementation.
type Mock struct {
	mu sync.Mutex

	platform      string
	selfUserID    string
	dmAllowed     bool
	commandPrefix string
	mentionToken  string
	caps          Capabilities
	status        ConnectionStatus

	handler  Handler
	replies  []sentReply
	history  map[string][]Message // channelID -> messages, oldest first
	usernames map[string]string
	lastSearchGuildID string
}

// sentReply records one SendReply call for test assertions.
type sentReply struct {
	ChannelID string
	Content   string
	ReplyTo   string
}

// NewMock constructs a Mock adapter. dmAllowed/commandPrefix/mentionToken
// drive ShouldEmit the same way a real platform's gateway settings would.
func NewMock(platform, selfUserID string, caps Capabilities) *Mock {
	return &Mock{
		platform:  platform,
		selfUserID: selfUserID,
		dmAllowed: true,
		caps:      caps,
		status:    StatusDisconnected,
		history:   make(map[string][]Message),
		usernames: make(map[string]string),
	}
}

func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusConnected
	return nil
}

func (m *Mock) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = StatusDisconnected
	return nil
}

func (m *Mock) OnEvent(handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Deliver simulates an inbound platform message, applying the same
// self/bot filtering and emission rules a real adapter applies before
// invoking the registered handler.
func (m *Mock) Deliver(raw Event, isBot bool, mentioned bool) {
	m.mu.Lock()
	if m.isSelfLocked(raw.UserID) || isBot {
		m.mu.Unlock()
		return
	}
	emit, cleaned := ShouldEmit(raw.Content, raw.IsDM, m.dmAllowed, mentioned, m.mentionToken, m.commandPrefix)
	handler := m.handler
	m.history[raw.ChannelID] = append(m.history[raw.ChannelID], Message{
		MessageID: raw.MessageID,
		UserID:    raw.UserID,
		Username:  m.usernames[raw.UserID],
		Content:   raw.Content,
		Timestamp: raw.Timestamp,
		IsBot:     isBot,
	})
	m.mu.Unlock()

	if !emit || handler == nil {
		return
	}
	raw.Content = cleaned
	handler(raw)
}

func (m *Mock) SendReply(ctx context.Context, channelID, content string, opts ReplyOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.caps.MaxMessageLength > 0 {
		content = TruncateReply(content, m.caps.MaxMessageLength)
	}
	m.replies = append(m.replies, sentReply{ChannelID: channelID, Content: content, ReplyTo: opts.ReplyTo})
	return nil
}

func (m *Mock) FetchRecent(ctx context.Context, channelID string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.history[channelID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	result := make([]Message, limit)
	copy(result, all[len(all)-limit:])
	return result, nil
}

func (m *Mock) SearchRelated(ctx context.Context, guildID, channelID, query string, limit int) ([]Message, error) {
	if !m.caps.Search {
		return nil, fmt.Errorf("platform adapter %s: %w", m.platform, ErrSearchUnsupported)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastSearchGuildID = guildID

	var matched []Message
	for _, msg := range m.history[channelID] {
		if containsFold(msg.Content, query) {
			matched = append(matched, msg)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *Mock) GetUsername(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name, ok := m.usernames[userID]; ok {
		return name, nil
	}
	return userID, nil
}

// SetUsername registers a display name for userID, for tests that
// assert on fetched-history usernames.
func (m *Mock) SetUsername(userID, username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usernames[userID] = username
}

func (m *Mock) IsSelf(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isSelfLocked(userID)
}

func (m *Mock) isSelfLocked(userID string) bool {
	return userID != "" && userID == m.selfUserID
}

func (m *Mock) Capabilities() Capabilities {
	return m.caps
}

func (m *Mock) ConnectionStatus() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SentReplies returns every reply dispatched so far, for test assertions.
func (m *Mock) SentReplies() []sentReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentReply, len(m.replies))
	copy(out, m.replies)
	return out
}

// LastSearchGuildID returns the guildID passed to the most recent
// SearchRelated call, for test assertions.
func (m *Mock) LastSearchGuildID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSearchGuildID
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
