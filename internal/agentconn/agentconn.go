// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentconn owns the agent subprocess and the bidirectional
// JSON-RPC duplex with it: we are the client, sending initialize,
// newSession, setSessionModel, prompt, cancel; the agent is the
// server, but also calls back into us as its own client for
// requestPermission, sessionUpdate, readTextFile, and writeTextFile.
//
// The spawn/pipe/stderr-drain shape and the split between a "what to
// run" Driver and a "the running instance" Process follow
// lib/agentdriver's Driver/Process interfaces; the JSON-RPC envelope
// types and newline-delimited dispatch loop follow cmd/bureau/mcp's
// protocol and server files, generalized from an MCP server (our own
// tools) into an ACP client (the agent is the server here).
package agentconn

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/relaybridge/relaybridge/internal/clock"
	"github.com/relaybridge/relaybridge/internal/errs"
	"github.com/relaybridge/relaybridge/internal/rpc"
	"github.com/relaybridge/relaybridge/internal/workspace"
)

// Config describes how to spawn the agent subprocess.
type Config struct {
	Command       string
	Args          []string
	WorkspacePath string
	Credential    CredentialEnv
}

// CredentialEnv is the single per-agent-type credential injected into
// the subprocess environment (SPEC_FULL §6).
type CredentialEnv struct {
	Name  string // e.g. "GITHUB_TOKEN" or "GEMINI_API_KEY"
	Value string
}

// PermissionCallback decides whether to auto-approve a requestPermission
// call. cwd is the session's workspace path, needed to resolve any
// relative path the tool call's rawInput carries.
type PermissionCallback func(toolCallID, toolName string, rawInput json.RawMessage, cwd string) bool

// UpdateCallback observes sessionUpdate notifications (log-only sink).
type UpdateCallback func(update json.RawMessage)

// Connector owns one subprocess and its JSON-RPC duplex for the
// lifetime of a single session.
type Connector struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *rpc.Reader
	writer *rpc.Writer
	logger *slog.Logger
	manager *workspace.Manager
	clk    clock.Clock

	workspacePath string

	nextID    int64
	pending   sync.Map // id string -> chan rpc.Response
	onPermit  PermissionCallback
	onUpdate  UpdateCallback
	readDone  chan struct{}

	capabilities agentCapabilities
}

// agentCapabilities is what the agent reports in its initialize
// response: the tool server transports it knows how to speak.
// NewSession validates requested transports against this set before
// sending, per SPEC_FULL §4.8.
type agentCapabilities struct {
	ToolServerTransports []string `json:"toolServerTransports"`
}

func (c agentCapabilities) supports(transport string) bool {
	for _, t := range c.ToolServerTransports {
		if t == transport {
			return true
		}
	}
	return false
}

// New constructs a Connector without spawning anything yet.
func New(logger *slog.Logger, onPermit PermissionCallback, onUpdate UpdateCallback) *Connector {
	return &Connector{logger: logger, onPermit: onPermit, onUpdate: onUpdate, manager: workspace.NewManager("", ""), clk: clock.Real()}
}

// Start spawns the subprocess, wires stdin/stdout for JSON-RPC and
// drains stderr as warning logs, then sends initialize.
func (c *Connector) Start(ctx context.Context, cfg Config) error {
	c.workspacePath = cfg.WorkspacePath

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkspacePath
	cmd.Env = buildEnv(cfg.Credential)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errs.Wrap(errs.Agent, "opening agent stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errs.Wrap(errs.Agent, "opening agent stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errs.Wrap(errs.Agent, "opening agent stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return errs.Wrap(errs.Agent, fmt.Sprintf("starting agent subprocess %s", cfg.Command), err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.reader = rpc.NewReader(stdout)
	c.writer = rpc.NewWriter(stdin)
	c.readDone = make(chan struct{})

	go c.drainStderr(stderr)
	go c.dispatchLoop()

	return c.initialize(ctx)
}

// buildEnv inherits PATH and HOME and injects the single per-agent
// credential, per SPEC_FULL §6.
func buildEnv(cred CredentialEnv) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	if cred.Name != "" {
		env = append(env, cred.Name+"="+cred.Value)
	}
	return env
}

func (c *Connector) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Warn("agent stderr", "line", scanner.Text())
	}
}

// dispatchLoop reads every incoming message and routes it: responses
// to our outstanding requests go to the matching pending channel;
// requests (the agent calling back into us) are dispatched to the
// client-role handlers.
func (c *Connector) dispatchLoop() {
	defer close(c.readDone)
	for {
		raw, err := c.reader.ReadMessage()
		if err != nil {
			if err != io.EOF {
				c.logger.Warn("agent connection read error", "error", err)
			}
			return
		}

		isRequest, req, resp, err := rpc.ParseEnvelope(raw)
		if err != nil {
			c.logger.Warn("agent sent malformed message", "error", err)
			continue
		}

		if !isRequest {
			if ch, ok := c.pending.LoadAndDelete(string(resp.ID)); ok {
				ch.(chan rpc.Response) <- resp
			}
			continue
		}

		c.handleClientRequest(req)
	}
}

func (c *Connector) handleClientRequest(req rpc.Request) {
	switch req.Method {
	case "requestPermission":
		c.handleRequestPermission(req)
	case "sessionUpdate":
		if c.onUpdate != nil {
			c.onUpdate(req.Params)
		}
	case "readTextFile":
		c.handleReadTextFile(req)
	case "writeTextFile":
		c.handleWriteTextFile(req)
	default:
		if !req.IsNotification() {
			c.writer.WriteError(req.ID, rpc.CodeMethodNotFound, "unknown method: "+req.Method)
		}
	}
}

type permissionParams struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	RawInput   json.RawMessage `json:"rawInput"`
}

func (c *Connector) handleRequestPermission(req rpc.Request) {
	var params permissionParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.writer.WriteError(req.ID, rpc.CodeInvalidParams, "invalid requestPermission params")
		return
	}

	approved := c.onPermit != nil && c.onPermit(params.ToolCallID, params.ToolName, params.RawInput, c.workspacePath)
	c.writer.WriteResult(req.ID, map[string]any{"approved": approved})
}

type fileParams struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

func (c *Connector) handleReadTextFile(req rpc.Request) {
	var params fileParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.writer.WriteError(req.ID, rpc.CodeInvalidParams, "invalid readTextFile params")
		return
	}
	if !c.pathInsideWorkspace(params.Path) {
		c.writer.WriteError(req.ID, rpc.CodeInvalidRequest, "access denied: path outside workspace")
		return
	}
	data, err := os.ReadFile(params.Path)
	if err != nil {
		c.writer.WriteError(req.ID, rpc.CodeInternalError, err.Error())
		return
	}
	c.writer.WriteResult(req.ID, map[string]any{"content": string(data)})
}

func (c *Connector) handleWriteTextFile(req rpc.Request) {
	var params fileParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.writer.WriteError(req.ID, rpc.CodeInvalidParams, "invalid writeTextFile params")
		return
	}
	if !c.pathInsideWorkspace(params.Path) {
		c.writer.WriteError(req.ID, rpc.CodeInvalidRequest, "access denied: path outside workspace")
		return
	}
	if err := os.WriteFile(params.Path, []byte(params.Content), 0o644); err != nil {
		c.writer.WriteError(req.ID, rpc.CodeInternalError, err.Error())
		return
	}
	c.writer.WriteResult(req.ID, map[string]any{})
}

// pathInsideWorkspace checks the fully-resolved target against the
// bound workspace path, reusing internal/workspace's symlink-aware
// resolution rather than a simple prefix check (SPEC_FULL §4.8/§9).
func (c *Connector) pathInsideWorkspace(path string) bool {
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.workspacePath, path)
	}
	ok, err := c.manager.ValidateInside(&workspace.Workspace{Path: c.workspacePath}, path)
	return err == nil && ok
}

// call sends a request to the agent and blocks for its response.
func (c *Connector) call(ctx context.Context, method string, params any) (rpc.Response, error) {
	id := fmt.Sprintf("%d", atomic.AddInt64(&c.nextID, 1))
	raw, err := json.Marshal(params)
	if err != nil {
		return rpc.Response{}, err
	}

	ch := make(chan rpc.Response, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	if err := c.writer.WriteRequest(rpc.Request{ID: json.RawMessage(`"` + id + `"`), Method: method, Params: raw}); err != nil {
		return rpc.Response{}, err
	}

	select {
	case <-ctx.Done():
		return rpc.Response{}, ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	}
}

// Initialize is sent immediately after spawn. The agent's reported
// capabilities are remembered so later calls, like NewSession, can
// reject requests the agent can't actually serve before sending them.
func (c *Connector) initialize(ctx context.Context) error {
	resp, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "1",
		"clientCapabilities": map[string]any{
			"readTextFile":  true,
			"writeTextFile": true,
			"terminal":      false,
		},
	})
	if err != nil {
		return errs.Wrap(errs.Agent, "initializing agent connection", err)
	}

	var capabilities agentCapabilities
	if err := json.Unmarshal(mustMarshal(resp.Result), &capabilities); err != nil {
		return errs.Wrap(errs.Agent, "parsing initialize result", err)
	}
	c.capabilities = capabilities
	return nil
}

// NewSession creates an agent session bound to the workspace path.
// toolServers names co-spawned tool servers as "transport:name" pairs;
// any transport the agent didn't report supporting in initialize is
// rejected before the request is sent, per SPEC_FULL §4.8.
func (c *Connector) NewSession(ctx context.Context, toolServers []string) (string, error) {
	for _, server := range toolServers {
		transport := server
		if i := strings.IndexByte(server, ':'); i >= 0 {
			transport = server[:i]
		}
		if !c.capabilities.supports(transport) {
			return "", errs.New(errs.Agent, fmt.Sprintf("agent does not support tool server transport %q", transport))
		}
	}

	resp, err := c.call(ctx, "newSession", map[string]any{
		"cwd":         c.workspacePath,
		"toolServers": toolServers,
	})
	if err != nil {
		return "", errs.Wrap(errs.Agent, "creating agent session", err)
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(mustMarshal(resp.Result), &result); err != nil {
		return "", errs.Wrap(errs.Agent, "parsing newSession result", err)
	}
	return result.SessionID, nil
}

// SetModel sets the model for sessionID.
func (c *Connector) SetModel(ctx context.Context, sessionID, model string) error {
	_, err := c.call(ctx, "setSessionModel", map[string]any{"sessionId": sessionID, "model": model})
	if err != nil {
		return errs.Wrap(errs.Agent, "setting session model", err)
	}
	return nil
}

// Prompt sends the assembled prompt text and waits for completion.
func (c *Connector) Prompt(ctx context.Context, sessionID, text string) error {
	_, err := c.call(ctx, "prompt", map[string]any{"sessionId": sessionID, "prompt": text})
	if err != nil {
		return errs.Wrap(errs.Agent, "sending prompt", err)
	}
	return nil
}

// Cancel sends a protocol cancel without waiting for acknowledgement.
func (c *Connector) Cancel(sessionID string) {
	raw, _ := json.Marshal(map[string]any{"sessionId": sessionID})
	_ = c.writer.WriteRequest(rpc.Request{Method: "cancel", Params: raw})
}

// Disconnect sends SIGTERM and waits up to 2s for exit, then discards
// the connection. Any wait error is logged, never propagated.
func (c *Connector) Disconnect() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}

	_ = c.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			c.logger.Warn("agent subprocess exited with error", "error", err)
		}
	case <-c.clk.After(2 * time.Second):
		c.logger.Warn("agent subprocess did not exit in time, killing")
		_ = c.cmd.Process.Kill()
		<-done
	}

	_ = c.stdin.Close()
}

func mustMarshal(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
