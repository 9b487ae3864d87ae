package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "steward", cfg.Name)
	assert.Equal(t, 0.35, cfg.Engine.MatchFloor)
	assert.Equal(t, 5, cfg.Engine.ShortlistSize)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.True(t, cfg.Engine.EvolutionEnabled)
	assert.Equal(t, "local", cfg.Embedding.Provider)
	assert.Equal(t, ":8087", cfg.API.ListenAddr)
}

func TestLoadFromFile(t *testing.T) {
	workspace := t.TempDir()
	dir := filepath.Join(workspace, ".steward")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
engine:
  match_floor: 0.5
  evolution_enabled: false
store:
  database_path: /tmp/steward-test.db
logging:
  debug_mode: true
`), 0o644))

	cfg, err := Load(workspace)
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Engine.MatchFloor)
	assert.False(t, cfg.Engine.EvolutionEnabled)
	assert.Equal(t, "/tmp/steward-test.db", cfg.Store.DatabasePath)
	assert.True(t, cfg.Logging.DebugMode)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Engine.ShortlistSize)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("db path", func(t *testing.T) {
		t.Setenv("STEWARD_DB_PATH", "/tmp/env-override.db")
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, "/tmp/env-override.db", cfg.Store.DatabasePath)
	})

	t.Run("match floor", func(t *testing.T) {
		t.Setenv("STEWARD_MATCH_FLOOR", "0.6")
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, 0.6, cfg.Engine.MatchFloor)
	})

	t.Run("invalid match floor ignored", func(t *testing.T) {
		t.Setenv("STEWARD_MATCH_FLOOR", "not-a-number")
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, 0.35, cfg.Engine.MatchFloor)
	})

	t.Run("listen addr and debug", func(t *testing.T) {
		t.Setenv("STEWARD_LISTEN_ADDR", ":9090")
		t.Setenv("STEWARD_DEBUG", "true")
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.API.ListenAddr)
		assert.True(t, cfg.Logging.DebugMode)
	})

	t.Run("env wins over file", func(t *testing.T) {
		workspace := t.TempDir()
		dir := filepath.Join(workspace, ".steward")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
			[]byte("store:\n  database_path: /tmp/from-file.db\n"), 0o644))

		t.Setenv("STEWARD_DB_PATH", "/tmp/from-env.db")
		cfg, err := Load(workspace)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/from-env.db", cfg.Store.DatabasePath)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"match floor above one", func(c *Config) { c.Engine.MatchFloor = 1.5 }},
		{"negative match floor", func(c *Config) { c.Engine.MatchFloor = -0.1 }},
		{"zero shortlist", func(c *Config) { c.Engine.ShortlistSize = 0 }},
		{"negative retries", func(c *Config) { c.Engine.MaxRetries = -1 }},
		{"bad backoff", func(c *Config) { c.Engine.RetryBackoff = "soon" }},
		{"bad call timeout", func(c *Config) { c.Engine.CallTimeout = "whenever" }},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "sentencepiece" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()

	backoff, err := cfg.RetryBackoff()
	require.NoError(t, err)
	assert.Equal(t, "50ms", backoff.String())

	timeout, err := cfg.CallTimeout()
	require.NoError(t, err)
	assert.Equal(t, "10s", timeout.String())

	cfg.Memory.QueryTimeout = "oops"
	assert.Equal(t, "5s", cfg.MemoryQueryTimeout().String())
}

func TestSaveRoundTrip(t *testing.T) {
	workspace := t.TempDir()
	cfg := DefaultConfig()
	cfg.Engine.MatchFloor = 0.42
	cfg.Logging.Categories = map[string]bool{"matcher": true}
	require.NoError(t, cfg.Save(workspace))

	loaded, err := Load(workspace)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("config changed across save/load (-saved +loaded):\n%s", diff)
	}
}
