// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package context assembles the prompt context handed to an agent
// subprocess: system prompt, important memories, recent and related
// conversation history, and the triggering message, rendered into the
// exact section order and headings the agent connector expects.
//
// Section composition follows lib/agent.AgentContext.SystemPrompt's
// strings.Builder convention of building a document section by
// section, each guarded by an emptiness check.
package context

import (
	stdcontext "context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/relaybridge/relaybridge/internal/adapter"
	"github.com/relaybridge/relaybridge/internal/memory"
)

// Config parameterizes assembly (SPEC_FULL §4.4).
type Config struct {
	RecentMessageLimit int
	MemoryMaxChars     int
	TokenLimit         int
	SystemPromptPath   string
}

// TriggerMessage is the synthetic message built from the inbound event.
type TriggerMessage struct {
	Username string
	Content  string
}

// Assembled is the fully composed context (SPEC_FULL §3).
type Assembled struct {
	SystemPrompt     string
	ImportantMemories []memory.Resolved
	RecentMessages   []adapter.Message
	RelatedMessages  []adapter.Message
	TriggerMessage   TriggerMessage
	EstimatedTokens  int
}

// Fetcher is the subset of adapter.Adapter the assembler needs, kept
// narrow so tests can supply a minimal stand-in.
type Fetcher interface {
	FetchRecent(ctx stdcontext.Context, channelID string, limit int) ([]adapter.Message, error)
	SearchRelated(ctx stdcontext.Context, guildID, channelID, query string, limit int) ([]adapter.Message, error)
	GetUsername(ctx stdcontext.Context, userID string) (string, error)
	Capabilities() adapter.Capabilities
}

// Assembler caches the system prompt file's contents until Invalidate
// is called, mirroring lib/agent's "load and cache, invalidatable"
// contract for context-building inputs that rarely change.
type Assembler struct {
	cfg Config

	mu             sync.Mutex
	systemPrompt   string
	systemPromptOK bool
}

// New constructs an Assembler for cfg.
func New(cfg Config) *Assembler {
	if cfg.RecentMessageLimit <= 0 {
		cfg.RecentMessageLimit = 20
	}
	return &Assembler{cfg: cfg}
}

// Invalidate discards the cached system prompt, forcing the next
// Assemble call to reread it from disk.
func (a *Assembler) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.systemPromptOK = false
}

func (a *Assembler) loadSystemPrompt() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.systemPromptOK {
		return a.systemPrompt, nil
	}

	data, err := os.ReadFile(a.cfg.SystemPromptPath)
	if err != nil {
		return "", fmt.Errorf("reading system prompt %s: %w", a.cfg.SystemPromptPath, err)
	}

	a.systemPrompt = string(data)
	a.systemPromptOK = true
	return a.systemPrompt, nil
}

// Assemble builds the full context for event within workspace,
// pulling important memories from log and conversation history from
// fetcher.
func (a *Assembler) Assemble(ctx stdcontext.Context, event adapter.Event, log *memory.Log, fetcher Fetcher) (Assembled, error) {
	systemPrompt, err := a.loadSystemPrompt()
	if err != nil {
		return Assembled{}, err
	}

	important, err := log.Important(0)
	if err != nil {
		return Assembled{}, fmt.Errorf("loading important memories: %w", err)
	}

	recent, err := fetcher.FetchRecent(ctx, event.ChannelID, a.cfg.RecentMessageLimit)
	if err != nil {
		return Assembled{}, fmt.Errorf("fetching recent messages: %w", err)
	}

	var related []adapter.Message
	if event.GuildID != "" && fetcher.Capabilities().Search {
		related, err = fetcher.SearchRelated(ctx, event.GuildID, event.ChannelID, event.Content, 10)
		if err != nil {
			return Assembled{}, fmt.Errorf("searching related messages: %w", err)
		}
	}

	username := event.UserID
	if resolved, err := fetcher.GetUsername(ctx, event.UserID); err == nil {
		username = resolved
	}

	assembled := Assembled{
		SystemPrompt:      systemPrompt,
		ImportantMemories: important,
		RecentMessages:    recent,
		RelatedMessages:   related,
		TriggerMessage:    TriggerMessage{Username: username, Content: event.Content},
	}
	assembled.EstimatedTokens = EstimateTokens(systemPrompt) + EstimateTokens(formatUserMessage(assembled))
	return assembled, nil
}

// EstimateTokens applies SPEC_FULL §4.4's deterministic per-codepoint
// heuristic: CJK ranges count as 1, other non-ASCII as 0.5, ASCII as
// 0.25, the sum scaled ×1.10 and rounded up.
func EstimateTokens(text string) int {
	var total float64
	for _, r := range text {
		switch {
		case isCJK(r):
			total += 1
		case r > 127:
			total += 0.5
		default:
			total += 0.25
		}
	}
	return ceil(total * 1.10)
}

func isCJK(r rune) bool {
	return (r >= 0x3040 && r <= 0x30FF) ||
		(r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}

func ceil(f float64) int {
	i := int(f)
	if f > float64(i) {
		return i + 1
	}
	return i
}

// Format renders assembled into the system/user message pair the agent
// connector sends as the initial prompt, composing sections in the
// exact order and headings SPEC_FULL §4.4 fixes, then truncating the
// user message from the end if the total exceeds cfg.TokenLimit.
func (a *Assembler) Format(assembled Assembled) (systemMessage, userMessage string, estimatedTokens int) {
	userMessage = formatUserMessage(assembled)
	systemMessage = assembled.SystemPrompt

	systemTokens := EstimateTokens(systemMessage)
	userTokens := EstimateTokens(userMessage)

	if a.cfg.TokenLimit > 0 && systemTokens+userTokens > a.cfg.TokenLimit {
		userMessage = truncateToTokenBudget(userMessage, a.cfg.TokenLimit-systemTokens)
		userTokens = EstimateTokens(userMessage)
	}

	return systemMessage, userMessage, systemTokens + userTokens
}

// truncateToTokenBudget binary-searches the character length of
// userMessage so its estimated token count fits within budget,
// appending an ellipsis, per SPEC_FULL §4.4.
func truncateToTokenBudget(userMessage string, budget int) string {
	if budget <= 0 {
		return "..."
	}
	runes := []rune(userMessage)
	if EstimateTokens(userMessage) <= budget {
		return userMessage
	}

	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		candidate := string(runes[:mid]) + "..."
		if EstimateTokens(candidate) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo]) + "..."
}

func formatUserMessage(assembled Assembled) string {
	var builder strings.Builder

	if len(assembled.ImportantMemories) > 0 {
		builder.WriteString("## Important Memories\n\n")
		for i, m := range assembled.ImportantMemories {
			fmt.Fprintf(&builder, "%d. %s\n", i+1, m.Content)
		}
		builder.WriteString("\n")
	}

	builder.WriteString("## Recent Conversation\n\n")
	for _, msg := range assembled.RecentMessages {
		tag := "[User]"
		if msg.IsBot {
			tag = "[Bot]"
		}
		fmt.Fprintf(&builder, "%s %s: %s\n", tag, msg.Username, msg.Content)
	}

	if len(assembled.RelatedMessages) > 0 {
		builder.WriteString("\n## Related Messages from this Server\n\n")
		for _, msg := range assembled.RelatedMessages {
			tag := "[User]"
			if msg.IsBot {
				tag = "[Bot]"
			}
			fmt.Fprintf(&builder, "%s %s: %s\n", tag, msg.Username, msg.Content)
		}
	}

	builder.WriteString("\n## Current Message\n\n")
	fmt.Fprintf(&builder, "%s: %s\n", assembled.TriggerMessage.Username, assembled.TriggerMessage.Content)
	builder.WriteString("Please respond to the current message above.\n")

	return builder.String()
}
