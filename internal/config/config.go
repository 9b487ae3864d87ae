// Package config loads steward configuration from .steward/config.yaml with
// environment variable overrides. All tunables the engine treats as policy
// (confidence floor, retry bounds, evolution behavior) live here rather than
// in code, since the intended deployment is cross-domain.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all steward configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Engine tunables
	Engine EngineConfig `yaml:"engine"`

	// Structured store
	Store StoreConfig `yaml:"store"`

	// Embedding engine for the fuzzy index
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Associative memory (Mangle)
	Memory MemoryConfig `yaml:"memory"`

	// Workflow registry seeds
	Workflow WorkflowConfig `yaml:"workflow"`

	// HTTP API
	API APIConfig `yaml:"api"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig tunes the matcher/executor pipeline.
type EngineConfig struct {
	// Minimum confidence for a candidate binding to be considered at all.
	MatchFloor float64 `yaml:"match_floor"`

	// Maximum workflows shortlisted per request before slot extraction.
	ShortlistSize int `yaml:"shortlist_size"`

	// Maximum instances considered per slot during extraction.
	SlotTopK int `yaml:"slot_top_k"`

	// Retry policy for StoreConflict / Timeout.
	MaxRetries   int    `yaml:"max_retries"`
	RetryBackoff string `yaml:"retry_backoff"` // duration, doubles per attempt

	// Per-collaborator call budget.
	CallTimeout string `yaml:"call_timeout"`

	// When false the evolution controller is skipped entirely and unmatched
	// requests fail with NoCandidate.
	EvolutionEnabled bool `yaml:"evolution_enabled"`
}

// StoreConfig configures the SQLite structured store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// EmbeddingConfig configures the fuzzy index embedding engine.
type EmbeddingConfig struct {
	// Provider: "local" (deterministic hashing, no network) or "ollama"
	Provider string `yaml:"provider"`

	OllamaEndpoint string `yaml:"ollama_endpoint"` // Default: "http://localhost:11434"
	OllamaModel    string `yaml:"ollama_model"`    // Default: "embeddinggemma"

	// Dimensions for the local provider.
	Dimensions int `yaml:"dimensions"`
}

// MemoryConfig configures the associative memory engine.
type MemoryConfig struct {
	FactLimit    int    `yaml:"fact_limit"`
	QueryTimeout string `yaml:"query_timeout"`
}

// WorkflowConfig configures workflow seed loading.
type WorkflowConfig struct {
	// Directory of YAML workflow definition files loaded at boot.
	SeedDir string `yaml:"seed_dir"`

	// Watch the seed directory and hot-register new definitions.
	WatchSeeds bool `yaml:"watch_seeds"`
}

// APIConfig configures the HTTP projection/ingress server.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig controls categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "steward",
		Version: "0.1.0",
		Engine: EngineConfig{
			MatchFloor:       0.35,
			ShortlistSize:    5,
			SlotTopK:         5,
			MaxRetries:       3,
			RetryBackoff:     "50ms",
			CallTimeout:      "10s",
			EvolutionEnabled: true,
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(".steward", "steward.db"),
		},
		Embedding: EmbeddingConfig{
			Provider:       "local",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			Dimensions:     128,
		},
		Memory: MemoryConfig{
			FactLimit:    100000,
			QueryTimeout: "5s",
		},
		Workflow: WorkflowConfig{
			SeedDir:    filepath.Join(".steward", "workflows"),
			WatchSeeds: false,
		},
		API: APIConfig{
			ListenAddr: ":8087",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads config from the workspace, applying env overrides on top.
// A missing config file is not an error; defaults are used.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(workspace, ".steward", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies STEWARD_* environment variables over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("STEWARD_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("STEWARD_MATCH_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Engine.MatchFloor = f
		}
	}
	if v := os.Getenv("STEWARD_LISTEN_ADDR"); v != "" {
		c.API.ListenAddr = v
	}
	if v := os.Getenv("STEWARD_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("STEWARD_OLLAMA_ENDPOINT"); v != "" {
		c.Embedding.OllamaEndpoint = v
	}
	if v := os.Getenv("STEWARD_SEED_DIR"); v != "" {
		c.Workflow.SeedDir = v
	}
	if v := os.Getenv("STEWARD_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
}

// Validate checks config invariants.
func (c *Config) Validate() error {
	if c.Engine.MatchFloor < 0 || c.Engine.MatchFloor > 1 {
		return fmt.Errorf("engine.match_floor must be in [0,1], got %v", c.Engine.MatchFloor)
	}
	if c.Engine.ShortlistSize <= 0 {
		return fmt.Errorf("engine.shortlist_size must be positive")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must be non-negative")
	}
	if _, err := c.RetryBackoff(); err != nil {
		return err
	}
	if _, err := c.CallTimeout(); err != nil {
		return err
	}
	switch c.Embedding.Provider {
	case "local", "ollama":
	default:
		return fmt.Errorf("embedding.provider must be local or ollama, got %q", c.Embedding.Provider)
	}
	return nil
}

// RetryBackoff parses the retry backoff duration.
func (c *Config) RetryBackoff() (time.Duration, error) {
	d, err := time.ParseDuration(c.Engine.RetryBackoff)
	if err != nil {
		return 0, fmt.Errorf("invalid engine.retry_backoff %q: %w", c.Engine.RetryBackoff, err)
	}
	return d, nil
}

// CallTimeout parses the collaborator call timeout.
func (c *Config) CallTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.Engine.CallTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid engine.call_timeout %q: %w", c.Engine.CallTimeout, err)
	}
	return d, nil
}

// MemoryQueryTimeout parses the memory query timeout, defaulting to 5s.
func (c *Config) MemoryQueryTimeout() time.Duration {
	d, err := time.ParseDuration(c.Memory.QueryTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// Save writes the config back to the workspace (used by `steward init`).
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".steward")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}
