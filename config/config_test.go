package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artemishq/artemis/supervisor"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Board.Path != "board.json" {
		t.Errorf("expected default board path board.json, got %s", cfg.Board.Path)
	}
	if cfg.Pipeline.MaxParallelDevelopers != 3 {
		t.Errorf("expected 3 parallel developers by default, got %d", cfg.Pipeline.MaxParallelDevelopers)
	}
	if cfg.Pipeline.MaxReviewRetries != 2 {
		t.Errorf("expected 2 review retries by default, got %d", cfg.Pipeline.MaxReviewRetries)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing board path",
			modify:  func(c *Config) { c.Board.Path = "" },
			wantErr: true,
		},
		{
			name:    "missing state dir",
			modify:  func(c *Config) { c.State.Dir = "" },
			wantErr: true,
		},
		{
			name:    "zero parallel developers",
			modify:  func(c *Config) { c.Pipeline.MaxParallelDevelopers = 0 },
			wantErr: true,
		},
		{
			name:    "negative review retries",
			modify:  func(c *Config) { c.Pipeline.MaxReviewRetries = -1 },
			wantErr: true,
		},
		{
			name:    "negative daily budget",
			modify:  func(c *Config) { c.Budget.Daily = -10 },
			wantErr: true,
		},
		{
			name: "negative stage retry delay",
			modify: func(c *Config) {
				c.Stages = map[string]supervisor.RecoveryStrategy{
					"development": {RetryDelay: -time.Second},
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
repo:
  root: "/test/repo"
board:
  path: "/test/board.json"
rag:
  redis_addr: "localhost:6379"
nats:
  url: "nats://test:4222"
budget:
  daily: 25.5
stages:
  development:
    max_retries: 5
    timeout: 10m
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Repo.Root != "/test/repo" {
		t.Errorf("expected repo root /test/repo, got %s", cfg.Repo.Root)
	}
	if cfg.Board.Path != "/test/board.json" {
		t.Errorf("expected board path /test/board.json, got %s", cfg.Board.Path)
	}
	if cfg.RAG.RedisAddr != "localhost:6379" {
		t.Errorf("expected redis addr localhost:6379, got %s", cfg.RAG.RedisAddr)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Budget.Daily != 25.5 {
		t.Errorf("expected daily budget 25.5, got %f", cfg.Budget.Daily)
	}
	dev, ok := cfg.Stages["development"]
	if !ok {
		t.Fatal("expected development stage override")
	}
	if dev.MaxRetries != 5 {
		t.Errorf("expected development max_retries 5, got %d", dev.MaxRetries)
	}
	if dev.Timeout != 10*time.Minute {
		t.Errorf("expected development timeout 10m, got %v", dev.Timeout)
	}
	// Fields not present in the file keep their defaults.
	if cfg.Pipeline.MaxParallelDevelopers != 3 {
		t.Errorf("expected default parallel developers, got %d", cfg.Pipeline.MaxParallelDevelopers)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Board: BoardConfig{
			Path: "/override/board.json",
		},
		RAG: RAGConfig{
			RedisAddr: "redis:6379",
		},
		Stages: map[string]supervisor.RecoveryStrategy{
			"testing": {MaxRetries: 1},
		},
	}

	base.Merge(override)

	if base.Board.Path != "/override/board.json" {
		t.Errorf("expected board path /override/board.json, got %s", base.Board.Path)
	}
	if base.RAG.RedisAddr != "redis:6379" {
		t.Errorf("expected redis addr redis:6379, got %s", base.RAG.RedisAddr)
	}
	// State dir should remain from base since override didn't set it
	if base.State.Dir != filepath.Join(".artemis", "state") {
		t.Errorf("expected state dir to remain default, got %s", base.State.Dir)
	}
	if base.Stages["testing"].MaxRetries != 1 {
		t.Errorf("expected testing stage override to be merged")
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Board.Path = "/saved/board.json"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Board.Path != "/saved/board.json" {
		t.Errorf("expected board path /saved/board.json, got %s", loaded.Board.Path)
	}
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("ARTEMIS_BOARD_PATH", "/env/board.json")
	t.Setenv("ARTEMIS_RAG_ADDR", "env-redis:6379")
	t.Setenv("ARTEMIS_DAILY_BUDGET", "12.5")
	t.Setenv("ARTEMIS_MAX_PARALLEL_DEVELOPERS", "7")

	cfg := DefaultConfig()
	NewLoader(nil).applyEnv(cfg)

	if cfg.Board.Path != "/env/board.json" {
		t.Errorf("expected board path from env, got %s", cfg.Board.Path)
	}
	if cfg.RAG.RedisAddr != "env-redis:6379" {
		t.Errorf("expected redis addr from env, got %s", cfg.RAG.RedisAddr)
	}
	if cfg.Budget.Daily != 12.5 {
		t.Errorf("expected daily budget from env, got %f", cfg.Budget.Daily)
	}
	if cfg.Pipeline.MaxParallelDevelopers != 7 {
		t.Errorf("expected parallel developers from env, got %d", cfg.Pipeline.MaxParallelDevelopers)
	}
}

func TestLoaderEnvIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("ARTEMIS_DAILY_BUDGET", "not-a-number")

	cfg := DefaultConfig()
	NewLoader(nil).applyEnv(cfg)

	if cfg.Budget.Daily != 0 {
		t.Errorf("expected invalid env budget to be ignored, got %f", cfg.Budget.Daily)
	}
}
