// Package config loads mdkctl configuration.
//
// Sources are applied in order, later ones overriding earlier ones:
// defaults, a YAML file, then MDK_ environment variables. Nested keys in
// the environment are separated by a double underscore, so
// MDK_ENGINE__SNAPSHOT_RETENTION sets engine.snapshot_retention.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/relves/mdk/internal/engine"
	"github.com/relves/mdk/internal/storage/memory"
)

const EnvPrefix = "MDK_"

const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

type Config struct {
	Log     LogSection     `koanf:"log"`
	Storage StorageSection `koanf:"storage"`
	Engine  EngineSection  `koanf:"engine"`
	Metrics MetricsSection `koanf:"metrics"`
}

type LogSection struct {
	// Level is one of debug, info, warn or error.
	Level string `koanf:"level"`
	// Format is json or text.
	Format string `koanf:"format"`
}

type StorageSection struct {
	Backend string `koanf:"backend"`
	// DataDir holds one database per identity.
	DataDir   string         `koanf:"data_dir"`
	CacheSize int            `koanf:"cache_size"`
	Keyring   KeyringSection `koanf:"keyring"`
}

type KeyringSection struct {
	// Enabled keeps the database key in the OS keyring. When disabled the
	// database is stored unencrypted.
	Enabled bool   `koanf:"enabled"`
	Service string `koanf:"service"`
}

type EngineSection struct {
	MaxEventAge       time.Duration `koanf:"max_event_age"`
	SnapshotRetention int           `koanf:"snapshot_retention"`
	SnapshotTTL       time.Duration `koanf:"snapshot_ttl"`
	MaxPastEpochs     int           `koanf:"max_past_epochs"`
}

type MetricsSection struct {
	// Addr serves /metrics when set.
	Addr string `koanf:"addr"`
}

func Default() Config {
	e := engine.DefaultConfig()
	return Config{
		Log: LogSection{Level: "info", Format: "json"},
		Storage: StorageSection{
			Backend:   BackendSQLite,
			DataDir:   "./data",
			CacheSize: memory.DefaultCacheSize,
			Keyring:   KeyringSection{Enabled: true, Service: "mdk"},
		},
		Engine: EngineSection{
			MaxEventAge:       e.MaxEventAge,
			SnapshotRetention: e.SnapshotRetention,
			SnapshotTTL:       e.SnapshotTTL,
			MaxPastEpochs:     e.MaxPastEpochs,
		},
	}
}

// Load reads path (when non-empty) and the environment on top of Default.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(mapProvider(defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps MDK_STORAGE__DATA_DIR to storage.data_dir.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// defaults is Default as the nested map koanf merges.
func defaults() map[string]any {
	d := Default()
	return map[string]any{
		"log": map[string]any{
			"level":  d.Log.Level,
			"format": d.Log.Format,
		},
		"storage": map[string]any{
			"backend":    d.Storage.Backend,
			"data_dir":   d.Storage.DataDir,
			"cache_size": d.Storage.CacheSize,
			"keyring": map[string]any{
				"enabled": d.Storage.Keyring.Enabled,
				"service": d.Storage.Keyring.Service,
			},
		},
		"engine": map[string]any{
			"max_event_age":      d.Engine.MaxEventAge.String(),
			"snapshot_retention": d.Engine.SnapshotRetention,
			"snapshot_ttl":       d.Engine.SnapshotTTL.String(),
			"max_past_epochs":    d.Engine.MaxPastEpochs,
		},
		"metrics": map[string]any{
			"addr": d.Metrics.Addr,
		},
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir is required for the sqlite backend"))
		}
		if c.Storage.Keyring.Enabled && c.Storage.Keyring.Service == "" {
			errs = append(errs, errors.New("storage.keyring.service is required when the keyring is enabled"))
		}
	case BackendMemory:
		if c.Storage.CacheSize <= 0 {
			errs = append(errs, errors.New("storage.cache_size must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if c.Engine.SnapshotRetention < 1 {
		errs = append(errs, errors.New("engine.snapshot_retention must be at least 1"))
	}
	if c.Engine.MaxPastEpochs < 0 {
		errs = append(errs, fmt.Errorf("engine.max_past_epochs must not be negative: %d", c.Engine.MaxPastEpochs))
	}
	return errors.Join(errs...)
}

func (l LogSection) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q", l.Level)
	}
	return level, nil
}

// EngineConfig converts the engine section for engine.WithConfig.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		MaxEventAge:       c.Engine.MaxEventAge,
		SnapshotRetention: c.Engine.SnapshotRetention,
		SnapshotTTL:       c.Engine.SnapshotTTL,
		MaxPastEpochs:     c.Engine.MaxPastEpochs,
	}
}
