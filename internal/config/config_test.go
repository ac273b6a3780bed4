package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/mdk/internal/config"
	"github.com/relves/mdk/internal/engine"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mdk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), *cfg)
	assert.Equal(t, engine.DefaultConfig(), cfg.EngineConfig())

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, `
log:
  level: debug
  format: text
storage:
  backend: memory
  cache_size: 50
engine:
  snapshot_retention: 3
  snapshot_ttl: 2h
`)
	t.Setenv("MDK_ENGINE__SNAPSHOT_RETENTION", "9")
	t.Setenv("MDK_METRICS__ADDR", "127.0.0.1:9100")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, config.BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 50, cfg.Storage.CacheSize)
	assert.Equal(t, 9, cfg.Engine.SnapshotRetention)
	assert.Equal(t, 2*time.Hour, cfg.Engine.SnapshotTTL)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Addr)
	// Untouched keys keep their defaults.
	assert.Equal(t, engine.DefaultMaxEventAge, cfg.Engine.MaxEventAge)
	assert.True(t, cfg.Storage.Keyring.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*config.Config){
		"unknown backend":    func(c *config.Config) { c.Storage.Backend = "redis" },
		"no data dir":        func(c *config.Config) { c.Storage.DataDir = "" },
		"no keyring service": func(c *config.Config) { c.Storage.Keyring.Service = "" },
		"memory cache size":  func(c *config.Config) { c.Storage.Backend, c.Storage.CacheSize = config.BackendMemory, 0 },
		"log level":          func(c *config.Config) { c.Log.Level = "loud" },
		"log format":         func(c *config.Config) { c.Log.Format = "xml" },
		"snapshot retention": func(c *config.Config) { c.Engine.SnapshotRetention = 0 },
		"past epochs":        func(c *config.Config) { c.Engine.MaxPastEpochs = -1 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := config.Default()
	cfg.Storage.Keyring = config.KeyringSection{}
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("MDK_STORAGE__BACKEND", "tape")
	_, err := config.Load("")
	assert.ErrorContains(t, err, "storage.backend")
}
