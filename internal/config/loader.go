package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RANKD_"

// FileEnv names the variable holding an optional YAML config path.
const FileEnv = "RANKD_CONFIG"

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New(ctx))
//  2. file (YAML) if RANKD_CONFIG is set
//  3. env (prefix RANKD_)
func Load(ctx context.Context) (*Config, error) {
	base := New(ctx)

	k := koanf.New(".")

	if path := os.Getenv(FileEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: file %s: %w", ErrLoadConfig, path, err)
		}
	}

	// RANKD_QUEUE_CAPACITY -> queue_capacity. Keys are flat, underscores preserved.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(s)
		return strings.TrimPrefix(s, strings.ToLower(EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the service relies on.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.QueueCapacity <= 0:
		return fmt.Errorf("%w: queue_capacity must be positive", ErrInvalidConfig)
	case c.MaxDrain < 0:
		return fmt.Errorf("%w: max_drain must not be negative", ErrInvalidConfig)
	case c.DrainIntervalMS <= 0 || c.SyncIntervalMS <= 0:
		return fmt.Errorf("%w: drain and sync intervals must be positive", ErrInvalidConfig)
	case c.DrainBatchSize <= 0:
		return fmt.Errorf("%w: drain_batch_size must be positive", ErrInvalidConfig)
	case c.MaxWindow <= 0:
		return fmt.Errorf("%w: max_window must be positive", ErrInvalidConfig)
	}
	switch c.StoreDriver {
	case StoreDriverMemory:
	case StoreDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres_dsn is required for the postgres driver", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store_driver %q", ErrInvalidConfig, c.StoreDriver)
	}
	for i, lb := range c.Leaderboards {
		if lb.Slug == "" {
			return fmt.Errorf("%w: leaderboards[%d] has no slug", ErrInvalidConfig, i)
		}
	}
	return nil
}
