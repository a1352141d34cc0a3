// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package adapter defines the platform adapter contract every chat
// surface (Discord, Misskey, Slack, ...) must implement, plus an
// in-process Mock adapter used for tests and local exercising of the
// orchestrator end to end. Connection management, mention/prefix
// filtering and reply truncation are specified here once so every
// concrete adapter behaves identically at the boundary.
package adapter

import (
	"context"
	"strings"
	"time"
)

// ConnectionStatus reports an adapter's current link state.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// Capabilities describes what a platform adapter can do, so the
// context assembler and skill handlers can degrade gracefully.
type Capabilities struct {
	FetchHistory     bool
	Search           bool
	DM               bool
	Guild            bool
	Reactions        bool
	MaxMessageLength int
}

// Event is a normalized, platform-agnostic representation of an
// incoming user message (SPEC_FULL §3).
type Event struct {
	Platform  string
	ChannelID string
	UserID    string
	MessageID string
	IsDM      bool
	GuildID   string
	Content   string
	Timestamp time.Time
}

// Message is a historical record returned by fetch/search (SPEC_FULL §3).
type Message struct {
	MessageID string
	UserID    string
	Username  string
	Content   string
	Timestamp time.Time
	IsBot     bool
}

// ReplyOptions controls how send_reply threads and scopes its reply.
type ReplyOptions struct {
	ReplyTo string // message_id to thread the reply to, if the platform supports it
}

// Handler is invoked for each admitted, filtered event.
type Handler func(Event)

// Adapter is the contract every concrete platform integration and the
// Mock implementation satisfy.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	OnEvent(handler Handler)
	SendReply(ctx context.Context, channelID, content string, opts ReplyOptions) error
	FetchRecent(ctx context.Context, channelID string, limit int) ([]Message, error)
	SearchRelated(ctx context.Context, guildID, channelID, query string, limit int) ([]Message, error)
	GetUsername(ctx context.Context, userID string) (string, error)
	IsSelf(userID string) bool
	Capabilities() Capabilities
	ConnectionStatus() ConnectionStatus
}

// TruncateReply applies §4.3's reply-truncation rule: content longer
// than maxLength is cut to maxLength-3 runes with "..." appended.
func TruncateReply(content string, maxLength int) string {
	runes := []rune(content)
	if len(runes) <= maxLength {
		return content
	}
	if maxLength <= 3 {
		return string(runes[:maxLength])
	}
	return string(runes[:maxLength-3]) + "..."
}

// ShouldEmit decides whether a raw inbound message should become an
// Event, per §4.3: DM-allowed messages, direct mentions (with the
// mention token stripped from content), or a configured command prefix.
func ShouldEmit(content string, isDM, dmAllowed, mentioned bool, mentionToken, commandPrefix string) (emit bool, cleanedContent string) {
	if isDM && dmAllowed {
		return true, content
	}
	if mentioned {
		cleaned := content
		if mentionToken != "" {
			cleaned = strings.TrimSpace(strings.Replace(content, mentionToken, "", 1))
		}
		return true, cleaned
	}
	if commandPrefix != "" && strings.HasPrefix(content, commandPrefix) {
		return true, content
	}
	return false, ""
}
