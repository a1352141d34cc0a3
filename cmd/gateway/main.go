// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command gateway is the orchestration daemon: it loads configuration,
// wires the session registry, skill gateway, context assembler,
// workspace manager, router, and orchestrator together, connects the
// in-process Mock platform adapter, and serves until signaled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaybridge/relaybridge/internal/adapter"
	"github.com/relaybridge/relaybridge/internal/agentconn"
	"github.com/relaybridge/relaybridge/internal/clock"
	"github.com/relaybridge/relaybridge/internal/config"
	gatewaycontext "github.com/relaybridge/relaybridge/internal/context"
	"github.com/relaybridge/relaybridge/internal/gateway"
	"github.com/relaybridge/relaybridge/internal/orchestrator"
	"github.com/relaybridge/relaybridge/internal/router"
	"github.com/relaybridge/relaybridge/internal/session"
	"github.com/relaybridge/relaybridge/internal/skill"
	"github.com/relaybridge/relaybridge/internal/workspace"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Run the conversational agent gateway daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to gateway.yaml (overrides GATEWAY_CONFIG)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return fmt.Errorf("preparing data directories: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	credential, err := resolveCredential(cfg.Agent)
	if err != nil {
		return err
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	clk := clock.Real()
	sessions := session.New(clk, logger)
	bindings := skill.NewBindings()
	skills := skill.NewRegistry()

	gw := gateway.New(gateway.Config{
		BindHost:        cfg.Gateway.BindHost,
		BindPort:        cfg.Gateway.BindPort,
		ShutdownTimeout: cfg.Gateway.ShutdownTimeout,
	}, sessions, logger)
	skills.RegisterAll(gw, bindings)

	workspaces := workspace.NewManager(cfg.Paths.Root, cfg.Paths.WorkspacesDir)
	assembler := gatewaycontext.New(gatewaycontext.Config{
		RecentMessageLimit: cfg.Context.RecentMessageLimit,
		MemoryMaxChars:     cfg.Context.MemoryMaxChars,
		TokenLimit:         cfg.Context.TokenLimit,
		SystemPromptPath:   cfg.Paths.SystemPromptPath,
	})

	orch := orchestrator.New(workspaces, assembler, sessions, bindings, orchestrator.AgentConfig{
		Command:    cfg.Agent.Command,
		Args:       cfg.Agent.Args,
		Model:      cfg.Agent.Model,
		Credential: agentconn.CredentialEnv{Name: cfg.Agent.CredentialEnvVar, Value: credential},
	}, cfg.Paths.SkillsDir, logger)

	platformAdapter := adapter.NewMock(string(cfg.Environment), "gateway-self", adapter.Capabilities{
		FetchHistory: true, Search: true, DM: true, Guild: true,
	})

	eventRouter := router.New(func(ctx context.Context, event adapter.Event, adp adapter.Adapter) {
		orch.Handle(ctx, event, adp, cfg.Session.DefaultTimeoutMS)
	}, logger)

	platformAdapter.OnEvent(func(event adapter.Event) {
		eventRouter.Dispatch(ctx, event, platformAdapter)
	})

	if err := platformAdapter.Connect(ctx); err != nil {
		return fmt.Errorf("connecting platform adapter: %w", err)
	}

	sweepDone := make(chan struct{})
	go sessions.RunSweeper(cfg.Session.SweepInterval, sweepDone)
	defer close(sweepDone)

	logger.Info("gateway starting", "environment", cfg.Environment, "bind", fmt.Sprintf("%s:%d", cfg.Gateway.BindHost, cfg.Gateway.BindPort))

	if err := gw.Serve(ctx); err != nil {
		return fmt.Errorf("serving gateway: %w", err)
	}

	_ = platformAdapter.Disconnect(context.Background())
	logger.Info("gateway stopped")
	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// resolveCredential sources the agent launch credential from config
// with environment-variable fallback, per SPEC_FULL §6. A missing
// credential at spawn time is a fatal configuration error.
func resolveCredential(cfg config.AgentConfig) (string, error) {
	if cfg.Credential != "" {
		return cfg.Credential, nil
	}
	if value := os.Getenv(cfg.CredentialEnvVar); value != "" {
		return value, nil
	}

	switch cfg.CredentialEnvVar {
	case "GITHUB_TOKEN":
		return "", fmt.Errorf("GitHub token not configured: set agent.credential in config or the GITHUB_TOKEN environment variable")
	case "GEMINI_API_KEY":
		return "", fmt.Errorf("Gemini API key not configured: set agent.credential in config or the GEMINI_API_KEY environment variable")
	default:
		return "", fmt.Errorf("%s not configured: set agent.credential in config or the %s environment variable", cfg.CredentialEnvVar, cfg.CredentialEnvVar)
	}
}
