// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/relaybridge/relaybridge/internal/clock"
)

// ReconnectConfig parameterizes the exponential-backoff reconnect loop
// every adapter shares (SPEC_FULL §4.3: base 1s, cap 60s, ×2 per
// attempt, ±10% jitter, infinite unless MaxAttempts is set).
type ReconnectConfig struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int // 0 means unlimited
}

// DefaultReconnectConfig matches §4.3's fixed parameters.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{Base: time.Second, Cap: 60 * time.Second}
}

// RunReconnectLoop calls connect repeatedly until it succeeds, ctx is
// cancelled, or MaxAttempts is exhausted. It generalizes
// lib/service.RunSyncLoop's doubling backoff by adding ±10% jitter, as
// SPEC_FULL §4.3/§9 requires for the platform reconnect case (the
// teacher's sync loop has no jitter; a connection storm across many
// adapters reconnecting at once is the reason to add it here).
func RunReconnectLoop(ctx context.Context, clk clock.Clock, cfg ReconnectConfig, logger *slog.Logger, connect func(context.Context) error) error {
	backoff := cfg.Base
	if backoff <= 0 {
		backoff = time.Second
	}
	cap := cfg.Cap
	if cap <= 0 {
		cap = 60 * time.Second
	}

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}

		wait := withJitter(backoff)
		logger.Warn("platform adapter connect failed, retrying", "error", err, "attempt", attempt, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(wait):
		}

		backoff *= 2
		if backoff > cap {
			backoff = cap
		}
	}
}

// withJitter scales d by a uniform random factor in [0.9, 1.1].
func withJitter(d time.Duration) time.Duration {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return d
	}
	// fraction in [0, 1)
	fraction := float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
	factor := 0.9 + 0.2*fraction
	return time.Duration(float64(d) * factor)
}
