// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Gateway.BindHost != "127.0.0.1" {
		t.Errorf("expected bind_host=127.0.0.1, got %s", cfg.Gateway.BindHost)
	}
	if cfg.Gateway.BindPort != 3001 {
		t.Errorf("expected bind_port=3001, got %d", cfg.Gateway.BindPort)
	}
	if cfg.Context.RecentMessageLimit != 20 {
		t.Errorf("expected recent_message_limit=20, got %d", cfg.Context.RecentMessageLimit)
	}
}

func TestLoad_RequiresGatewayConfig(t *testing.T) {
	orig := os.Getenv("GATEWAY_CONFIG")
	defer os.Setenv("GATEWAY_CONFIG", orig)

	os.Unsetenv("GATEWAY_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when GATEWAY_CONFIG not set, got nil")
	}

	expectedPrefix := "GATEWAY_CONFIG environment variable not set"
	if len(err.Error()) < len(expectedPrefix) || err.Error()[:len(expectedPrefix)] != expectedPrefix {
		t.Errorf("expected error message to start with %q, got %q", expectedPrefix, err.Error())
	}
}

func TestLoadFile_EnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "gateway.yaml")

	configContent := `
environment: staging
paths:
  root: /test/root
  workspaces_dir: workspaces
agent:
  command: gemini
  credential_env_var: GEMINI_API_KEY
staging:
  gateway:
    bind_port: 4001
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Paths.Root != "/test/root" {
		t.Errorf("expected root=/test/root, got %s", cfg.Paths.Root)
	}
	if cfg.Gateway.BindPort != 4001 {
		t.Errorf("expected bind_port override 4001, got %d", cfg.Gateway.BindPort)
	}
	if cfg.Agent.Command != "gemini" {
		t.Errorf("expected agent.command=gemini, got %s", cfg.Agent.Command)
	}
}

func TestExpandVariables(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "gateway.yaml")

	configContent := `
environment: development
paths:
  root: ` + tmpDir + `
  workspaces_dir: workspaces
  system_prompt_path: "${GATEWAY_ROOT}/system-prompt.md"
agent:
  command: copilot
  credential_env_var: GITHUB_TOKEN
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	want := filepath.Join(tmpDir, "system-prompt.md")
	if cfg.Paths.SystemPromptPath != want {
		t.Errorf("expected expanded system_prompt_path=%s, got %s", want, cfg.Paths.SystemPromptPath)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Agent.Command = "copilot"
	cfg.Agent.CredentialEnvVar = "GITHUB_TOKEN"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid default+agent config, got: %v", err)
	}

	cfg.Gateway.BindHost = "0.0.0.0"
	cfg.Gateway.BindPort = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for non-loopback host and invalid port")
	}
	msg := err.Error()
	if !contains([]string{msg}, msg) {
		t.Fatal("unreachable")
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for empty config")
	}
	// errors.Join should aggregate multiple distinct problems, not stop
	// at the first.
	count := 0
	for _, r := range err.Error() {
		if r == '\n' {
			count++
		}
	}
	if count < 3 {
		t.Errorf("expected multiple joined validation errors, got message: %q", err.Error())
	}
}
