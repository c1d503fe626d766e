package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if !cfg.Web.Enabled {
		t.Error("expected web enabled by default")
	}
	if cfg.Store.Path != "data/moot.db" {
		t.Errorf("expected store path data/moot.db, got %s", cfg.Store.Path)
	}
	if !cfg.Iteration.Anonymize {
		t.Error("expected anonymization on by default")
	}
	if cfg.Iteration.RoundCeiling != 20 {
		t.Errorf("expected round ceiling 20, got %d", cfg.Iteration.RoundCeiling)
	}
	if cfg.Iteration.AgentTimeout != 60*time.Second {
		t.Errorf("expected agent timeout 60s, got %v", cfg.Iteration.AgentTimeout)
	}
	if cfg.Iteration.Strategy != "max_rounds" {
		t.Errorf("expected default strategy max_rounds, got %s", cfg.Iteration.Strategy)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	// Point config to a non-existent file so we use defaults
	t.Setenv("MOOT_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("MOOT_WEB_PASSWORD", "secret")
	t.Setenv("MOOT_WEB_PORT", "9090")
	t.Setenv("MOOT_TASK_BUDGET", "5m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Iteration.TaskBudget != 5*time.Minute {
		t.Errorf("expected task budget 5m, got %v", cfg.Iteration.TaskBudget)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
nats:
  port: 14222
web:
  port: 3000
  enabled: false
iteration:
  anonymize: false
  strategy: convergence
  threshold: 0.85
  agent_timeout: 90s
agents:
  - id: drafter
    capabilities:
      roles: [proposer]
      domain: finance
  - id: reviewer
    capabilities:
      roles: [critic]
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MOOT_CONFIG", cfgPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.NATS.Port != 14222 {
		t.Errorf("expected nats port 14222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 3000 {
		t.Errorf("expected web port 3000, got %d", cfg.Web.Port)
	}
	if cfg.Web.Enabled {
		t.Error("expected web disabled")
	}
	if cfg.Iteration.Anonymize {
		t.Error("expected anonymization off")
	}
	if cfg.Iteration.Strategy != "convergence" || cfg.Iteration.Threshold != 0.85 {
		t.Errorf("iteration config = %+v", cfg.Iteration)
	}
	if cfg.Iteration.AgentTimeout != 90*time.Second {
		t.Errorf("expected agent timeout 90s, got %v", cfg.Iteration.AgentTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.Store.Path != "data/moot.db" {
		t.Errorf("expected default store path, got %s", cfg.Store.Path)
	}

	if len(cfg.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(cfg.Agents))
	}
	if cfg.Agents[0].ID != "drafter" {
		t.Errorf("expected drafter, got %s", cfg.Agents[0].ID)
	}
	if _, ok := cfg.Agents[0].Capabilities["domain"]; !ok {
		t.Errorf("capabilities not parsed: %v", cfg.Agents[0].Capabilities)
	}
}

func TestLoadRejectsDuplicateAgents(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
agents:
  - id: twin
  - id: twin
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MOOT_CONFIG", cfgPath)

	if _, err := Load(); err == nil {
		t.Error("expected error for duplicate agent ids")
	}
}
