// Package config loads the daemon configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Web       WebConfig       `yaml:"web"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Iteration IterationConfig `yaml:"iteration"`
	Agents    []AgentConfig   `yaml:"agents"`
}

type NATSConfig struct {
	Port int `yaml:"port"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// IterationConfig carries the orchestration defaults a task submission
// may override per task.
type IterationConfig struct {
	Anonymize    bool          `yaml:"anonymize"`
	AgentTimeout time.Duration `yaml:"agent_timeout"`
	Concurrency  int           `yaml:"concurrency"`
	RoundCeiling int           `yaml:"round_ceiling"`
	TaskBudget   time.Duration `yaml:"task_budget"`
	Strategy     string        `yaml:"strategy"`
	MaxRounds    int           `yaml:"max_rounds"`
	Threshold    float64       `yaml:"threshold"`
}

// AgentConfig declares one agent in the static roster. Capabilities
// accept scalars or lists; they are coerced to sets once, at load.
type AgentConfig struct {
	ID           string         `yaml:"id"`
	Capabilities map[string]any `yaml:"capabilities"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port: 4222,
		},
		Store: StoreConfig{
			Path: "data/moot.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Iteration: IterationConfig{
			Anonymize:    true,
			AgentTimeout: 60 * time.Second,
			Concurrency:  8,
			RoundCeiling: 20,
			TaskBudget:   10 * time.Minute,
			Strategy:     "max_rounds",
			MaxRounds:    3,
			Threshold:    0.9,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("MOOT_CONFIG")
	if path == "" {
		path = "config/moot.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MOOT_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("MOOT_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("MOOT_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("MOOT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MOOT_TASK_BUDGET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Iteration.TaskBudget = d
		}
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent roster: empty id")
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("agent roster: duplicate id %s", a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return nil
}
