package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dshills/stageflow/pipeline"
	"github.com/dshills/stageflow/pipeline/worker"
)

// fileConfig is the YAML configuration for the CLI.
type fileConfig struct {
	// BaseDir roots checkpoints, artifacts, and the default sqlite store.
	BaseDir string `yaml:"base_dir"`

	// Store selects run-step persistence: memory, sqlite, or mysql.
	Store      string `yaml:"store"`
	SQLitePath string `yaml:"sqlite_path"`
	MySQLDSN   string `yaml:"mysql_dsn"`

	// Provider selects the worker backend: anthropic, openai, google,
	// or mock.
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`

	// Limits overrides pipeline.RuntimeConfig keys.
	Limits map[string]int `yaml:"limits"`

	// MaxSteps bounds one engine invocation.
	MaxSteps int `yaml:"max_steps"`

	// JSONLogs switches event output to JSON lines.
	JSONLogs bool `yaml:"json_logs"`
}

func loadConfig(path string) (fileConfig, error) {
	cfg := fileConfig{
		BaseDir:  "runs",
		Store:    "memory",
		Provider: "mock",
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = "runs"
	}
	if cfg.Store == "" {
		cfg.Store = "memory"
	}
	if cfg.Provider == "" {
		cfg.Provider = "mock"
	}
	return cfg, nil
}

func (c fileConfig) runtime() pipeline.RuntimeConfig {
	return pipeline.RuntimeConfig(c.Limits).Normalize()
}

func (c fileConfig) apiKey(defaultEnv string) string {
	env := c.APIKeyEnv
	if env == "" {
		env = defaultEnv
	}
	return os.Getenv(env)
}

// buildWorker constructs the worker backend named by the config.
func (c fileConfig) buildWorker(ctx context.Context) (worker.Worker, func(), error) {
	noop := func() {}
	switch c.Provider {
	case "mock":
		return worker.NewMockWorker(), noop, nil
	case "anthropic":
		key := c.apiKey("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, noop, fmt.Errorf("anthropic: no API key in environment")
		}
		model := c.Model
		if model == "" {
			model = "claude-sonnet-4-20250514"
		}
		return worker.NewChatWorker(worker.NewAnthropicModel(key, model)), noop, nil
	case "openai":
		key := c.apiKey("OPENAI_API_KEY")
		if key == "" {
			return nil, noop, fmt.Errorf("openai: no API key in environment")
		}
		model := c.Model
		if model == "" {
			model = "gpt-4o"
		}
		return worker.NewChatWorker(worker.NewOpenAIModel(key, model)), noop, nil
	case "google":
		key := c.apiKey("GOOGLE_API_KEY")
		if key == "" {
			return nil, noop, fmt.Errorf("google: no API key in environment")
		}
		model := c.Model
		if model == "" {
			model = "gemini-1.5-pro"
		}
		gm, err := worker.NewGoogleModel(ctx, key, model)
		if err != nil {
			return nil, noop, err
		}
		return worker.NewChatWorker(gm), func() { _ = gm.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown provider %q", c.Provider)
	}
}
