// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator runs the seven-step flow that turns one
// normalized platform event into an agent invocation: resolve the
// workspace, assemble context, build the prompt, register a session,
// connect an agent subprocess, run the prompt to completion, and
// always clean up. This mirrors lib/agentdriver/run.go's Run loop
// (spawn, drive to completion, always tear down) generalized from a
// single fire-and-forget subprocess call into the full per-event
// lifecycle described at SPEC_FULL §4.9.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaybridge/relaybridge/internal/adapter"
	"github.com/relaybridge/relaybridge/internal/agentconn"
	gatewaycontext "github.com/relaybridge/relaybridge/internal/context"
	"github.com/relaybridge/relaybridge/internal/memory"
	"github.com/relaybridge/relaybridge/internal/session"
	"github.com/relaybridge/relaybridge/internal/skill"
	"github.com/relaybridge/relaybridge/internal/workspace"
)

// genericFailureMessage is dispatched verbatim when a prompt completes
// without a reply, per SPEC_FULL §4.9 and §6.
const genericFailureMessage = "I encountered an issue processing your message. Please try again."

// Outcome classifies how a prompt ended, driving whether a generic
// failure message is dispatched.
type Outcome int

const (
	outcomeSuccess Outcome = iota
	outcomeNoReply
	outcomeCancelled
	outcomeDuplicateSuppressed
	outcomeError
)

// AgentConfig names the subprocess to spawn and the model to select.
type AgentConfig struct {
	Command    string
	Args       []string
	Model      string
	Credential agentconn.CredentialEnv
}

// Orchestrator wires together every component needed to dispatch one
// event to completion.
type Orchestrator struct {
	workspaces      *workspace.Manager
	assembler       *gatewaycontext.Assembler
	sessions        *session.Registry
	bindings        *skill.Bindings
	agentCfg        AgentConfig
	skillsDir       string
	skillScriptPath string
	logger          *slog.Logger
}

// skillScriptName is the invoke-skill wrapper script an agent
// subprocess shells out to from inside the well-known skills
// directory (SPEC_FULL §4.7/§4.8).
const skillScriptName = "invoke-skill"

// New constructs an Orchestrator from its collaborators. bindings is
// shared with the skill.Registry the gateway dispatches through, so a
// session's Binding set here is visible to its skill calls. skillsDir
// is the well-known directory requestPermission's auto-approval rule
// trusts reads and shell invocations of the invoke-skill script from.
func New(
	workspaces *workspace.Manager,
	assembler *gatewaycontext.Assembler,
	sessions *session.Registry,
	bindings *skill.Bindings,
	agentCfg AgentConfig,
	skillsDir string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		workspaces:      workspaces,
		assembler:       assembler,
		sessions:        sessions,
		bindings:        bindings,
		agentCfg:        agentCfg,
		skillsDir:       skillsDir,
		skillScriptPath: filepath.Join(skillsDir, skillScriptName),
		logger:          logger,
	}
}

// Handle runs the full lifecycle for one event against adp, the
// platform adapter that delivered it.
func (o *Orchestrator) Handle(ctx context.Context, event adapter.Event, adp adapter.Adapter, timeoutMS int64) {
	ws, err := o.workspaces.GetOrCreate(workspace.Event{
		Platform:  event.Platform,
		UserID:    event.UserID,
		ChannelID: event.ChannelID,
		IsDM:      event.IsDM,
	})
	if err != nil {
		o.logger.Error("failed to resolve workspace", "error", err, "platform", event.Platform, "channel_id", event.ChannelID)
		o.dispatchFailure(ctx, adp, event.ChannelID)
		return
	}

	log := memory.NewLog(ws.Path, ws.IsDM)

	assembled, err := o.assembler.Assemble(ctx, event, log, adp)
	if err != nil {
		o.logger.Error("failed to assemble context", "error", err, "workspace", ws.Key)
		o.dispatchFailure(ctx, adp, event.ChannelID)
		return
	}
	systemMessage, userMessage, _ := o.assembler.Format(assembled)
	prompt := buildPrompt(systemMessage, userMessage)

	record := &session.Record{
		Platform:      event.Platform,
		ChannelID:     event.ChannelID,
		UserID:        event.UserID,
		WorkspaceKey:  ws.Key,
		WorkspacePath: ws.Path,
		TriggerEvent:  event,
		TimeoutMS:     timeoutMS,
	}
	sessionID := o.sessions.Register(record)

	o.bindings.Set(sessionID, &skill.Binding{
		Workspace: ws,
		Log:       log,
		Adapter:   adp,
		ChannelID: event.ChannelID,
		GuildID:   event.GuildID,
	})

	runCtx := ctx
	if timeoutMS > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
		defer cancel()
	}

	outcome := o.runAgent(runCtx, sessionID, ws, prompt)

	o.sessions.Remove(sessionID)
	o.bindings.Remove(sessionID)

	switch outcome {
	case outcomeSuccess, outcomeCancelled, outcomeDuplicateSuppressed:
		return
	case outcomeNoReply, outcomeError:
		o.dispatchFailure(ctx, adp, event.ChannelID)
	}
}

// runAgent constructs and drives one agent connector through
// initialize, newSession, setSessionModel, prompt, and always
// disconnects before returning, per SPEC_FULL §4.8/§4.9.
func (o *Orchestrator) runAgent(ctx context.Context, sessionID string, ws *workspace.Workspace, prompt string) Outcome {
	connector := agentconn.New(o.logger, o.approvePermission, o.logSessionUpdate)

	err := connector.Start(ctx, agentconn.Config{
		Command:       o.agentCfg.Command,
		Args:          o.agentCfg.Args,
		WorkspacePath: ws.Path,
		Credential:    o.agentCfg.Credential,
	})
	if err != nil {
		o.logger.Error("failed to start agent subprocess", "error", err, "session_id", sessionID)
		connector.Disconnect()
		return outcomeError
	}
	defer connector.Disconnect()

	agentSessionID, err := connector.NewSession(ctx, nil)
	if err != nil {
		o.logger.Error("failed to create agent session", "error", err, "session_id", sessionID)
		return outcomeError
	}

	if o.agentCfg.Model != "" {
		if err := connector.SetModel(ctx, agentSessionID, o.agentCfg.Model); err != nil {
			o.logger.Error("failed to set agent model", "error", err, "session_id", sessionID)
			return outcomeError
		}
	}

	if err := connector.Prompt(ctx, agentSessionID, prompt); err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled
		}
		o.logger.Error("agent prompt failed", "error", err, "session_id", sessionID)
		return outcomeError
	}

	if o.sessions.HasReplySent(sessionID) {
		return outcomeSuccess
	}
	return outcomeNoReply
}

// approvePermission auto-approves a requestPermission call per SPEC_FULL
// §4.8's three conditions: (a) the tool call names one of the five
// registered skills, (b) it is a read against a path under the
// well-known skills directory, or (c) it is a shell execution whose
// every command references our skill script path. Everything else is
// rejected; the skill handlers themselves independently validate every
// parameter regardless of approval.
func (o *Orchestrator) approvePermission(toolCallID, toolName string, rawInput json.RawMessage, cwd string) bool {
	switch toolName {
	case "memory-save", "memory-search", "memory-patch", "send-reply", "fetch-context":
		return true
	}
	if o.skillsDir == "" {
		return false
	}
	if path := extractReadPath(toolName, rawInput); path != "" {
		return isUnderSkillsDir(o.skillsDir, resolvePath(cwd, path))
	}
	if commands := extractShellCommands(toolName, rawInput); commands != nil {
		return everyCommandReferencesSkillScript(commands, o.skillScriptPath)
	}
	return false
}

// extractReadPath returns the target filesystem path for a read-like
// tool call, or "" if toolName isn't one the gateway recognizes as a
// read.
func extractReadPath(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	var fieldName string
	switch toolName {
	case "Read":
		fieldName = "file_path"
	case "Glob", "Grep":
		fieldName = "path"
	default:
		return ""
	}

	var fields map[string]json.RawMessage
	if json.Unmarshal(input, &fields) != nil {
		return ""
	}
	raw, ok := fields[fieldName]
	if !ok {
		return ""
	}
	var path string
	if json.Unmarshal(raw, &path) != nil {
		return ""
	}
	return path
}

// extractShellCommands returns the individual commands a shell
// execution tool call runs, split on the shell's sequencing
// operators, or nil if toolName isn't a shell execution tool.
func extractShellCommands(toolName string, input json.RawMessage) []string {
	if toolName != "Bash" || len(input) == 0 {
		return nil
	}

	var fields map[string]json.RawMessage
	if json.Unmarshal(input, &fields) != nil {
		return nil
	}
	raw, ok := fields["command"]
	if !ok {
		return nil
	}
	var command string
	if json.Unmarshal(raw, &command) != nil {
		return nil
	}

	for _, sep := range []string{"&&", "||", ";", "|"} {
		command = strings.ReplaceAll(command, sep, "\x00")
	}
	return strings.Split(command, "\x00")
}

// resolvePath resolves a potentially relative path against cwd.
// Absolute paths are cleaned but not modified.
func resolvePath(cwd, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(cwd, path))
}

func isUnderSkillsDir(skillsDir, path string) bool {
	rel, err := filepath.Rel(skillsDir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func everyCommandReferencesSkillScript(commands []string, skillScriptPath string) bool {
	if skillScriptPath == "" {
		return false
	}
	found := false
	for _, cmd := range commands {
		if strings.TrimSpace(cmd) == "" {
			continue
		}
		if !strings.Contains(cmd, skillScriptPath) {
			return false
		}
		found = true
	}
	return found
}

func (o *Orchestrator) logSessionUpdate(update json.RawMessage) {
	o.logger.Debug("agent session update", "bytes", len(update))
}

// dispatchFailure sends the generic failure reply, swallowing any
// adapter error beyond logging it — a failed apology must never panic
// the orchestrator.
func (o *Orchestrator) dispatchFailure(ctx context.Context, adp adapter.Adapter, channelID string) {
	if err := adp.SendReply(ctx, channelID, genericFailureMessage, adapter.ReplyOptions{}); err != nil {
		o.logger.Error("failed to dispatch generic failure message", "error", err, "channel_id", channelID)
	}
}

// buildPrompt concatenates the fixed sections SPEC_FULL §4.9 requires,
// explicitly naming send-reply as the required terminal skill.
func buildPrompt(systemMessage, userMessage string) string {
	return fmt.Sprintf(
		"# System Instructions\n\n%s\n\n# Context and Message\n\n%s\n\n# Instructions\n\n"+
			"You have access to the following skills: memory-save, memory-search, memory-patch, fetch-context, and send-reply. "+
			"send-reply is the required terminal skill: you must call it exactly once to deliver your response to the user. "+
			"Use memory-save and memory-patch to record or update durable facts, memory-search and fetch-context to retrieve "+
			"prior context, then conclude by calling send-reply with your final message.\n",
		systemMessage, userMessage,
	)
}

