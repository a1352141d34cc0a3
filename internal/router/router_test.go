// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/relaybridge/relaybridge/internal/adapter"
)

func newTestRouter(def Handler) *Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(def, logger)
}

func TestDispatch_RunsDefaultHandlerWhenNoRouteMatches(t *testing.T) {
	var ran bool
	router := newTestRouter(func(ctx context.Context, event adapter.Event, adp adapter.Adapter) {
		ran = true
	})

	ok := router.Dispatch(context.Background(), adapter.Event{Platform: "discord", MessageID: "m1"}, nil)
	if !ok || !ran {
		t.Fatalf("expected default handler to run, ok=%v ran=%v", ok, ran)
	}
}

func TestDispatch_FirstMatchingRouteWins(t *testing.T) {
	var routeRan, defaultRan bool
	router := newTestRouter(func(ctx context.Context, event adapter.Event, adp adapter.Adapter) {
		defaultRan = true
	})
	router.AddRoute(Route{
		Name:      "dm-route",
		Predicate: DM,
		Handler: func(ctx context.Context, event adapter.Event, adp adapter.Adapter) {
			routeRan = true
		},
	})

	router.Dispatch(context.Background(), adapter.Event{Platform: "discord", MessageID: "m1", IsDM: true}, nil)

	if !routeRan || defaultRan {
		t.Fatalf("expected DM route to run instead of default, routeRan=%v defaultRan=%v", routeRan, defaultRan)
	}
}

func TestDispatch_RejectsConcurrentDuplicateMessageID(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runCount int
	var mu sync.Mutex

	router := newTestRouter(func(ctx context.Context, event adapter.Event, adp adapter.Adapter) {
		mu.Lock()
		runCount++
		mu.Unlock()
		close(started)
		<-release
	})

	event := adapter.Event{Platform: "discord", MessageID: "dup-1"}

	var wg sync.WaitGroup
	var secondAdmitted bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		router.Dispatch(context.Background(), event, nil)
	}()

	<-started
	secondAdmitted = router.Dispatch(context.Background(), event, nil)
	close(release)
	wg.Wait()

	if secondAdmitted {
		t.Fatal("expected concurrent duplicate dispatch to be rejected")
	}
	mu.Lock()
	defer mu.Unlock()
	if runCount != 1 {
		t.Fatalf("expected handler to run exactly once, ran %d times", runCount)
	}
}

func TestDispatch_AllowsSameMessageIDAfterCompletion(t *testing.T) {
	var runCount int
	router := newTestRouter(func(ctx context.Context, event adapter.Event, adp adapter.Adapter) {
		runCount++
	})
	event := adapter.Event{Platform: "discord", MessageID: "m2"}

	router.Dispatch(context.Background(), event, nil)
	router.Dispatch(context.Background(), event, nil)

	if runCount != 2 {
		t.Fatalf("expected handler to run twice across sequential dispatches, ran %d times", runCount)
	}
}
