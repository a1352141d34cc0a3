// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the Skill HTTP Gateway: a single
// POST /api/skill/{name} route bound to loopback that dispatches to
// registered skill handlers on behalf of the agent subprocess.
//
// Listener lifecycle (bind, signal readiness, serve, graceful
// shutdown with a bounded drain deadline) follows
// lib/service.HTTPServer exactly, generalized from webhook ingestion
// to skill invocation: same Ready()/Addr() shape, same shutdown
// timeout default, same slog lifecycle messages.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/relaybridge/relaybridge/internal/session"
)

var skillNamePattern = regexp.MustCompile(`^[a-z-]+$`)

// Result is what a skill handler returns.
type Result struct {
	Success bool
	Data    any
	Error   string
}

// Handler runs one skill invocation against sess and parameters. A
// non-nil error represents an unhandled exception (500); a Result
// with Success=false represents a deliberate, handler-reported
// failure (400) — SPEC_FULL §4.7 distinguishes the two.
type Handler func(ctx context.Context, sess *session.Record, parameters map[string]any) (Result, error)

// Server is the Skill HTTP Gateway.
type Server struct {
	address         string
	registry        *session.Registry
	handlers        map[string]Handler
	logger          *slog.Logger
	shutdownTimeout time.Duration

	ready chan struct{}
	addr  net.Addr
}

// Config configures a Server.
type Config struct {
	BindHost        string
	BindPort        int
	ShutdownTimeout time.Duration
}

// New constructs a Server bound to cfg.BindHost:cfg.BindPort, which
// must resolve to a loopback address — enforced at Serve time, not
// construction, so configuration errors surface through the same
// fatal-at-startup path as every other configuration error.
func New(cfg Config, registry *session.Registry, logger *slog.Logger) *Server {
	timeout := cfg.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		address:         fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort),
		registry:        registry,
		handlers:        make(map[string]Handler),
		logger:          logger,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// RegisterSkill binds name (e.g. "memory-save") to handler.
func (s *Server) RegisterSkill(name string, handler Handler) {
	s.handlers[name] = handler
}

// Ready returns a channel closed once the server is bound and accepting.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the resolved listen address. Valid after Ready() closes.
func (s *Server) Addr() net.Addr { return s.addr }

// Serve binds and serves until ctx is cancelled, then drains
// in-flight requests up to shutdownTimeout.
func (s *Server) Serve(ctx context.Context) error {
	if !isLoopbackAddress(s.address) {
		return fmt.Errorf("gateway: bind address %s is not loopback", s.address)
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("skill gateway listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("skill gateway shutting down")
	case err := <-serveDone:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("skill gateway shutdown error", "error", err)
		return fmt.Errorf("skill gateway shutdown: %w", err)
	}
	s.logger.Info("skill gateway stopped")
	return nil
}

func isLoopbackAddress(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, apiResponse{Success: false, Error: "Method not allowed"})
		return
	}

	name, ok := parseSkillPath(r.URL.Path)
	if !ok {
		writeJSON(w, http.StatusNotFound, apiResponse{Success: false, Error: "Not found"})
		return
	}

	var body struct {
		SessionID  string         `json:"sessionId"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: "Missing sessionId"})
		return
	}

	sess, ok := s.registry.Get(body.SessionID)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, apiResponse{Success: false, Error: "Invalid or expired session"})
		return
	}

	handler, ok := s.handlers[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, apiResponse{Success: false, Error: "Unknown skill: " + name})
		return
	}

	if name == "send-reply" && s.registry.HasReplySent(sess.ID) {
		writeJSON(w, http.StatusConflict, apiResponse{Success: false, Error: "Reply already sent for this session"})
		return
	}

	result, err := s.runHandler(r.Context(), handler, sess, body.Parameters)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiResponse{Success: false, Error: err.Error()})
		return
	}

	if !result.Success {
		writeJSON(w, http.StatusBadRequest, apiResponse{Success: false, Error: result.Error})
		return
	}

	if name == "send-reply" {
		s.registry.MarkReplySent(sess.ID)
	}

	writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: result.Data})
}

// runHandler recovers a panicking handler as an unhandled exception
// (500) so one skill's bug never crashes the gateway process itself
// (SPEC_FULL §7), while still reporting it the same way an explicit
// handler error would be.
func (s *Server) runHandler(ctx context.Context, handler Handler, sess *session.Record, parameters map[string]any) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("skill handler panicked", "panic", r)
			err = fmt.Errorf("%v", r)
		}
	}()
	return handler(ctx, sess, parameters)
}

func parseSkillPath(path string) (string, bool) {
	const prefix = "/api/skill/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	name := strings.TrimPrefix(path, prefix)
	if name == "" || !skillNamePattern.MatchString(name) {
		return "", false
	}
	return name, true
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
