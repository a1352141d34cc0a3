// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the gateway.
//
// Configuration is loaded from a single file specified by:
//   - GATEWAY_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures deterministic,
// auditable configuration with no hidden overrides.
//
// The config file may contain environment-specific sections (development,
// staging, production) that override base values when the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the master configuration for the gateway.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Gateway configures the skill HTTP gateway (SPEC_FULL §4.7).
	Gateway GatewayConfig `yaml:"gateway"`

	// Session configures the session registry (SPEC_FULL §4.6).
	Session SessionConfig `yaml:"session"`

	// Context configures the context assembler (SPEC_FULL §4.4).
	Context ContextConfig `yaml:"context"`

	// Agent configures the spawned reasoning agent subprocess (SPEC_FULL §4.8).
	Agent AgentConfig `yaml:"agent"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`

	// EnvironmentOverrides contains per-environment overrides, applied
	// after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Gateway *GatewayConfig `yaml:"gateway,omitempty"`
	Session *SessionConfig `yaml:"session,omitempty"`
	Context *ContextConfig `yaml:"context,omitempty"`
	Agent   *AgentConfig   `yaml:"agent,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for gateway data.
	Root string `yaml:"root"`

	// WorkspacesDir is the subdirectory (under Root) where per-conversation
	// workspaces are created: {Root}/{WorkspacesDir}/{platform}/{user_id}/{channel_id}.
	WorkspacesDir string `yaml:"workspaces_dir"`

	// SystemPromptPath is the file the context assembler loads as the
	// fixed system prompt text.
	SystemPromptPath string `yaml:"system_prompt_path"`

	// SkillsDir is the well-known directory holding the invoke-skill
	// wrapper script(s) an agent subprocess may shell out to. The
	// requestPermission auto-approval rule (SPEC_FULL §4.8) treats reads
	// under this directory, and shell executions that reference the
	// skill script path inside it, as implicitly trusted.
	SkillsDir string `yaml:"skills_dir"`
}

// GatewayConfig configures the skill HTTP gateway.
type GatewayConfig struct {
	// BindHost must resolve to a loopback interface. Default: 127.0.0.1
	BindHost string `yaml:"bind_host"`

	// BindPort is the TCP port. Default: 3001
	BindPort int `yaml:"bind_port"`

	// ShutdownTimeout bounds graceful drain on shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SessionConfig configures the session registry.
type SessionConfig struct {
	// DefaultTimeoutMS is the default session.timeout_ms when an event
	// does not specify one. Default: 120000 (2 minutes).
	DefaultTimeoutMS int64 `yaml:"default_timeout_ms"`

	// SweepInterval is how often expired sessions are swept. Default: 60s.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ContextConfig configures the context assembler.
type ContextConfig struct {
	RecentMessageLimit int `yaml:"recent_message_limit"`
	MemoryMaxChars     int `yaml:"memory_max_chars"`
	TokenLimit         int `yaml:"token_limit"`
}

// AgentConfig configures the spawned reasoning agent subprocess.
type AgentConfig struct {
	// Command is the agent binary to spawn (e.g. "copilot", "gemini").
	Command string `yaml:"command"`
	// Args are extra arguments passed to Command.
	Args []string `yaml:"args"`
	// Model is the model identifier passed via setSessionModel.
	Model string `yaml:"model"`
	// CredentialEnvVar names the environment variable injected into the
	// subprocess (GITHUB_TOKEN or GEMINI_API_KEY).
	CredentialEnvVar string `yaml:"credential_env_var"`
	// Credential is the plaintext credential value read from config. It
	// takes precedence; the environment variable named by
	// CredentialEnvVar is read only when Credential is empty.
	Credential string `yaml:"credential"`
	// SealedCredential is a base64 age-encrypted credential value. It is
	// loaded from the config file, but cmd/gateway's credential
	// resolution does not read or decrypt it: only Credential and
	// CredentialEnvVar are consulted.
	SealedCredential string `yaml:"sealed_credential"`
	// SealedPrivateKeyPath is the path to the age private key used to
	// decrypt SealedCredential.
	SealedPrivateKeyPath string `yaml:"sealed_private_key_path"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error". Default: "info".
	Level string `yaml:"level"`
	// Format is "text" or "json". Default: "text".
	Format string `yaml:"format"`
}

// Default returns the default configuration. These defaults exist
// primarily to ensure all fields have sensible zero-values, not as a
// fallback — the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "gateway")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:             defaultRoot,
			WorkspacesDir:    "workspaces",
			SystemPromptPath: filepath.Join(defaultRoot, "system-prompt.md"),
			SkillsDir:        filepath.Join(defaultRoot, "skills"),
		},
		Gateway: GatewayConfig{
			BindHost:        "127.0.0.1",
			BindPort:        3001,
			ShutdownTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			DefaultTimeoutMS: 120_000,
			SweepInterval:    60 * time.Second,
		},
		Context: ContextConfig{
			RecentMessageLimit: 20,
			MemoryMaxChars:     2000,
			TokenLimit:         8000,
		},
		Agent: AgentConfig{
			Command: "copilot",
			Model:   "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the GATEWAY_CONFIG environment variable.
// There are no fallbacks or defaults — if GATEWAY_CONFIG is not set, this
// fails. This ensures deterministic, auditable configuration with no
// hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("GATEWAY_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("GATEWAY_CONFIG environment variable not set; " +
			"set it to the path of your gateway.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do
// not override config values — this ensures deterministic, auditable
// configuration. The only expansion performed is ${HOME} and similar path
// variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			// Production defaults: JSON log format only. No bind host
			// default is applied here; Validate rejects a blank or
			// non-loopback bind host.
			overrides = &ConfigOverrides{
				Logging: &LoggingConfig{Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.WorkspacesDir != "" {
			c.Paths.WorkspacesDir = overrides.Paths.WorkspacesDir
		}
		if overrides.Paths.SystemPromptPath != "" {
			c.Paths.SystemPromptPath = overrides.Paths.SystemPromptPath
		}
		if overrides.Paths.SkillsDir != "" {
			c.Paths.SkillsDir = overrides.Paths.SkillsDir
		}
	}

	if overrides.Gateway != nil {
		if overrides.Gateway.BindHost != "" {
			c.Gateway.BindHost = overrides.Gateway.BindHost
		}
		if overrides.Gateway.BindPort != 0 {
			c.Gateway.BindPort = overrides.Gateway.BindPort
		}
		if overrides.Gateway.ShutdownTimeout != 0 {
			c.Gateway.ShutdownTimeout = overrides.Gateway.ShutdownTimeout
		}
	}

	if overrides.Session != nil {
		if overrides.Session.DefaultTimeoutMS != 0 {
			c.Session.DefaultTimeoutMS = overrides.Session.DefaultTimeoutMS
		}
		if overrides.Session.SweepInterval != 0 {
			c.Session.SweepInterval = overrides.Session.SweepInterval
		}
	}

	if overrides.Context != nil {
		if overrides.Context.RecentMessageLimit != 0 {
			c.Context.RecentMessageLimit = overrides.Context.RecentMessageLimit
		}
		if overrides.Context.MemoryMaxChars != 0 {
			c.Context.MemoryMaxChars = overrides.Context.MemoryMaxChars
		}
		if overrides.Context.TokenLimit != 0 {
			c.Context.TokenLimit = overrides.Context.TokenLimit
		}
	}

	if overrides.Agent != nil {
		if overrides.Agent.Command != "" {
			c.Agent.Command = overrides.Agent.Command
		}
		if len(overrides.Agent.Args) > 0 {
			c.Agent.Args = overrides.Agent.Args
		}
		if overrides.Agent.Model != "" {
			c.Agent.Model = overrides.Agent.Model
		}
		if overrides.Agent.CredentialEnvVar != "" {
			c.Agent.CredentialEnvVar = overrides.Agent.CredentialEnvVar
		}
	}

	if overrides.Logging != nil {
		if overrides.Logging.Level != "" {
			c.Logging.Level = overrides.Logging.Level
		}
		if overrides.Logging.Format != "" {
			c.Logging.Format = overrides.Logging.Format
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"GATEWAY_ROOT": c.Paths.Root,
		"HOME":         os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["GATEWAY_ROOT"] = c.Paths.Root

	c.Paths.WorkspacesDir = expandVars(c.Paths.WorkspacesDir, vars)
	c.Paths.SystemPromptPath = expandVars(c.Paths.SystemPromptPath, vars)
	c.Paths.SkillsDir = expandVars(c.Paths.SkillsDir, vars)
	c.Agent.SealedPrivateKeyPath = expandVars(c.Agent.SealedPrivateKeyPath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors, joining every field
// error found rather than failing on the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.WorkspacesDir == "" {
		errs = append(errs, fmt.Errorf("paths.workspaces_dir is required"))
	}
	if c.Paths.SkillsDir == "" {
		errs = append(errs, fmt.Errorf("paths.skills_dir is required"))
	}

	if c.Gateway.BindHost != "127.0.0.1" && c.Gateway.BindHost != "localhost" && c.Gateway.BindHost != "::1" {
		errs = append(errs, fmt.Errorf("gateway.bind_host must be a loopback address, got %q", c.Gateway.BindHost))
	}
	if c.Gateway.BindPort <= 0 || c.Gateway.BindPort > 65535 {
		errs = append(errs, fmt.Errorf("gateway.bind_port must be between 1 and 65535, got %d", c.Gateway.BindPort))
	}

	if c.Session.DefaultTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("session.default_timeout_ms must be positive"))
	}

	if c.Context.TokenLimit <= 0 {
		errs = append(errs, fmt.Errorf("context.token_limit must be positive"))
	}

	if c.Agent.Command == "" {
		errs = append(errs, fmt.Errorf("agent.command is required"))
	}
	if c.Agent.CredentialEnvVar == "" {
		errs = append(errs, fmt.Errorf("agent.credential_env_var is required"))
	}

	logLevels := []string{"debug", "info", "warn", "error"}
	if !contains(logLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of: %v", logLevels))
	}
	logFormats := []string{"text", "json"}
	if !contains(logFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: %v", logFormats))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	workspacesRoot := filepath.Join(c.Paths.Root, c.Paths.WorkspacesDir)
	for _, path := range []string{c.Paths.Root, workspacesRoot, c.Paths.SkillsDir} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
