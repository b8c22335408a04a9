// Package config provides configuration loading and management for Artemis.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/artemishq/artemis/supervisor"
)

// Config represents the complete Artemis configuration
type Config struct {
	Repo     RepoConfig     `yaml:"repo"`
	Board    BoardConfig    `yaml:"board"`
	State    StateConfig    `yaml:"state"`
	Reports  ReportConfig   `yaml:"reports"`
	RAG      RAGConfig      `yaml:"rag"`
	NATS     NATSConfig     `yaml:"nats"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Budget   BudgetConfig   `yaml:"budget"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`

	// Stages overrides supervision parameters per stage name. Absent
	// stages run with the defaults.
	Stages map[string]supervisor.RecoveryStrategy `yaml:"stages"`
}

// RepoConfig configures the repository settings
type RepoConfig struct {
	// Root is the repository root path (auto-detected from git if empty)
	Root string `yaml:"root"`
}

// BoardConfig configures the kanban board backing file
type BoardConfig struct {
	// Path is the board JSON file. Required; the board is externally owned.
	Path string `yaml:"path"`
	// Watch enables hot-reloading the board when the file changes.
	Watch bool `yaml:"watch"`
}

// StateConfig configures state machine snapshot persistence
type StateConfig struct {
	// Dir holds the per-card state snapshots (default: .artemis/state)
	Dir string `yaml:"dir"`
}

// ReportConfig configures pipeline report output
type ReportConfig struct {
	// Dir receives pipeline_full_report_<card_id>.json files
	Dir string `yaml:"dir"`
}

// RAGConfig configures the artifact knowledge store
type RAGConfig struct {
	// RedisAddr is the backing redis address (empty = disabled)
	RedisAddr string `yaml:"redis_addr"`
}

// NATSConfig configures the messenger transport
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to run an embedded NATS server
	Embedded bool `yaml:"embedded"`
	// StoreDir is the embedded server's JetStream directory
	StoreDir string `yaml:"store_dir"`
}

// PipelineConfig tunes orchestration behavior
type PipelineConfig struct {
	// MaxParallelDevelopers bounds the development worker pool
	MaxParallelDevelopers int `yaml:"max_parallel_developers"`
	// MaxReviewRetries bounds the code-review retry loop
	MaxReviewRetries int `yaml:"max_review_retries"`
	// RetryOnNeedsImprovement spends a review retry on a
	// NEEDS_IMPROVEMENT verdict instead of proceeding
	RetryOnNeedsImprovement bool `yaml:"retry_on_needs_improvement"`
}

// BudgetConfig caps pipeline spend in dollars (0 = uncapped)
type BudgetConfig struct {
	Daily   float64 `yaml:"daily"`
	Monthly float64 `yaml:"monthly"`
}

// SandboxConfig confines developer output
type SandboxConfig struct {
	// AllowedPatterns are doublestar globs artifact files must match
	// (empty = allow all paths)
	AllowedPatterns []string `yaml:"allowed_patterns"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Repo: RepoConfig{
			Root: "", // Auto-detect
		},
		Board: BoardConfig{
			Path:  "board.json",
			Watch: true,
		},
		State: StateConfig{
			Dir: filepath.Join(".artemis", "state"),
		},
		Reports: ReportConfig{
			Dir: filepath.Join(".artemis", "reports"),
		},
		RAG: RAGConfig{
			RedisAddr: "",
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
			StoreDir: filepath.Join(".artemis", "nats"),
		},
		Pipeline: PipelineConfig{
			MaxParallelDevelopers: 3,
			MaxReviewRetries:      2,
		},
		Budget: BudgetConfig{},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Board.Path == "" {
		return fmt.Errorf("board.path is required")
	}
	if c.State.Dir == "" {
		return fmt.Errorf("state.dir is required")
	}
	if c.Reports.Dir == "" {
		return fmt.Errorf("reports.dir is required")
	}
	if c.Pipeline.MaxParallelDevelopers < 1 {
		return fmt.Errorf("pipeline.max_parallel_developers must be >= 1")
	}
	if c.Pipeline.MaxReviewRetries < 0 {
		return fmt.Errorf("pipeline.max_review_retries must be >= 0")
	}
	if c.Budget.Daily < 0 || c.Budget.Monthly < 0 {
		return fmt.Errorf("budget limits must be >= 0")
	}
	for name, strategy := range c.Stages {
		if err := strategy.Validate(); err != nil {
			return fmt.Errorf("stages.%s: %w", name, err)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Repo.Root != "" {
		c.Repo.Root = other.Repo.Root
	}

	if other.Board.Path != "" {
		c.Board.Path = other.Board.Path
	}
	c.Board.Watch = c.Board.Watch || other.Board.Watch

	if other.State.Dir != "" {
		c.State.Dir = other.State.Dir
	}
	if other.Reports.Dir != "" {
		c.Reports.Dir = other.Reports.Dir
	}
	if other.RAG.RedisAddr != "" {
		c.RAG.RedisAddr = other.RAG.RedisAddr
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}

	if other.Pipeline.MaxParallelDevelopers != 0 {
		c.Pipeline.MaxParallelDevelopers = other.Pipeline.MaxParallelDevelopers
	}
	if other.Pipeline.MaxReviewRetries != 0 {
		c.Pipeline.MaxReviewRetries = other.Pipeline.MaxReviewRetries
	}
	c.Pipeline.RetryOnNeedsImprovement = c.Pipeline.RetryOnNeedsImprovement ||
		other.Pipeline.RetryOnNeedsImprovement

	if other.Budget.Daily != 0 {
		c.Budget.Daily = other.Budget.Daily
	}
	if other.Budget.Monthly != 0 {
		c.Budget.Monthly = other.Budget.Monthly
	}

	if len(other.Sandbox.AllowedPatterns) > 0 {
		c.Sandbox.AllowedPatterns = other.Sandbox.AllowedPatterns
	}
	if len(other.Stages) > 0 {
		if c.Stages == nil {
			c.Stages = make(map[string]supervisor.RecoveryStrategy, len(other.Stages))
		}
		for name, strategy := range other.Stages {
			c.Stages[name] = strategy
		}
	}
}
