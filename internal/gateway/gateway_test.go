// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaybridge/relaybridge/internal/clock"
	"github.com/relaybridge/relaybridge/internal/session"
)

func newTestServer(t *testing.T) (*Server, *session.Registry, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Unix(0, 0))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := session.New(fake, logger)
	srv := New(Config{BindHost: "127.0.0.1", BindPort: 0}, registry, logger)
	return srv, registry, fake
}

func post(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestServeHTTP_MissingSessionID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := post(t, srv, "/api/skill/send-reply", map[string]any{"parameters": map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServeHTTP_UnknownSkill(t *testing.T) {
	srv, registry, _ := newTestServer(t)
	id := registry.Register(&session.Record{})
	rec := post(t, srv, "/api/skill/does-not-exist", map[string]any{"sessionId": id, "parameters": map[string]any{}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var resp apiResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Error) < 13 || resp.Error[:13] != "Unknown skill" {
		t.Fatalf("expected error to start with 'Unknown skill', got %q", resp.Error)
	}
}

func TestServeHTTP_SendReplyOnlyOnce(t *testing.T) {
	srv, registry, _ := newTestServer(t)
	srv.RegisterSkill("send-reply", func(_ context.Context, _ *session.Record, _ map[string]any) (Result, error) {
		return Result{Success: true}, nil
	})
	id := registry.Register(&session.Record{})

	rec := post(t, srv, "/api/skill/send-reply", map[string]any{"sessionId": id, "parameters": map[string]any{"message": "hi"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on first reply, got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = post(t, srv, "/api/skill/send-reply", map[string]any{"sessionId": id, "parameters": map[string]any{"message": "hi again"}})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate reply, got %d", rec.Code)
	}
}

func TestServeHTTP_ExpiredSessionReturns401(t *testing.T) {
	srv, registry, fake := newTestServer(t)
	id := registry.Register(&session.Record{TimeoutMS: 100})
	fake.Advance(200 * time.Millisecond)

	rec := post(t, srv, "/api/skill/send-reply", map[string]any{"sessionId": id, "parameters": map[string]any{}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired session, got %d", rec.Code)
	}
}

func TestServeHTTP_UnhandledExceptionReturns500(t *testing.T) {
	srv, registry, _ := newTestServer(t)
	id := registry.Register(&session.Record{})
	srv.RegisterSkill("boom", func(_ context.Context, _ *session.Record, _ map[string]any) (Result, error) {
		return Result{}, errors.New("kaboom")
	})

	rec := post(t, srv, "/api/skill/boom", map[string]any{"sessionId": id, "parameters": map[string]any{}})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestServeHTTP_OptionsReturnsNoContent(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/skill/send-reply", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/skill/send-reply", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
