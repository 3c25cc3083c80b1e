// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Durations are configured in milliseconds and exposed through accessor methods.
// - Provide New(ctx) to build a Config with defaults; Load layers file and env on top.
// - Errors returned from this package wrap ErrLoadConfig or ErrInvalidConfig.
package config

import (
	"context"
	"time"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// StoreDriver selects the durable store: postgres or memory.
	StoreDriver string `koanf:"store_driver"`
	PostgresDSN string `koanf:"postgres_dsn"`

	// RedisAddr enables the distributed cache when non-empty.
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// NatsURL enables the NATS score subscriber when non-empty.
	NatsURL     string `koanf:"nats_url"`
	NatsSubject string `koanf:"nats_subject"`

	// QueueCapacity bounds the ingestion queue.
	QueueCapacity int `koanf:"queue_capacity"`
	// MaxDrain caps how many updates one drain takes; 0 means everything buffered.
	MaxDrain int `koanf:"max_drain"`

	DrainIntervalMS int `koanf:"drain_interval_ms"`
	DrainBatchSize  int `koanf:"drain_batch_size"`

	SyncIntervalMS int `koanf:"sync_interval_ms"`
	// CacheFreshMS is how recently a key must have been rebuilt to be skipped by a pass.
	CacheFreshMS  int `koanf:"cache_fresh_ms"`
	CacheTTLMS    int `koanf:"cache_ttl_ms"`
	MetadataTTLMS int `koanf:"metadata_ttl_ms"`
	RequestTTLMS  int `koanf:"request_ttl_ms"`

	// MaxWindow caps before/after and slice limits on the HTTP surface.
	MaxWindow int `koanf:"max_window"`

	// DedupeSize sets how many recent event ids are remembered.
	DedupeSize int `koanf:"dedupe_size"`

	// Leaderboards replaces the built-in catalogue when non-empty.
	Leaderboards []Leaderboard `koanf:"leaderboards"`
}

// Leaderboard is the file form of one leaderboard definition.
type Leaderboard struct {
	Slug         string   `koanf:"slug"`
	Title        string   `koanf:"title"`
	Scope        string   `koanf:"scope"`
	Intervals    []string `koanf:"intervals"`
	MinimumScore float64  `koanf:"minimum_score"`
	ScoreKind    string   `koanf:"score_kind"`
	Delta        bool     `koanf:"delta"`
}

// New creates a Config populated with defaults.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:        "info",
		Addr:            ":9080",
		StoreDriver:     StoreDriverMemory,
		NatsSubject:     "rankd.scores",
		QueueCapacity:   100_000,
		MaxDrain:        0,
		DrainIntervalMS: 2_000,
		DrainBatchSize:  500,
		SyncIntervalMS:  30_000,
		CacheFreshMS:    20_000,
		CacheTTLMS:      30 * 60 * 1000,
		MetadataTTLMS:   10 * 60 * 1000,
		RequestTTLMS:    5 * 60 * 1000,
		MaxWindow:       100,
		DedupeSize:      500_000,
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// DrainInterval is the batch drain worker tick.
func (c *Config) DrainInterval() time.Duration { return ms(c.DrainIntervalMS) }

// SyncInterval is the cache synchronizer tick.
func (c *Config) SyncInterval() time.Duration { return ms(c.SyncIntervalMS) }

// CacheFresh is the freshness window used to skip recently rebuilt keys.
func (c *Config) CacheFresh() time.Duration { return ms(c.CacheFreshMS) }

// CacheTTL is the expiry of live sorted sets.
func (c *Config) CacheTTL() time.Duration { return ms(c.CacheTTLMS) }

// MetadataTTL is the expiry of entity metadata hashes.
func (c *Config) MetadataTTL() time.Duration { return ms(c.MetadataTTLMS) }

// RequestTTL is the expiry of request markers.
func (c *Config) RequestTTL() time.Duration { return ms(c.RequestTTLMS) }
