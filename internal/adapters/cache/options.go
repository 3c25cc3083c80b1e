package cache

import (
	"time"

	"github.com/okian/rankd/pkg/logger"
)

// Default expirations.
const (
	DefaultCacheTTL    = 30 * time.Minute
	DefaultMetadataTTL = 10 * time.Minute
	DefaultRequestTTL  = 5 * time.Minute
)

// Option configures the Redis cache.
type Option func(*Redis)

// WithLogger sets the cache logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Redis) {
		if l != nil {
			r.log = l
		}
	}
}

// WithCacheTTL sets the expiry of live sorted sets.
func WithCacheTTL(d time.Duration) Option {
	return func(r *Redis) {
		if d > 0 {
			r.cacheTTL = d
		}
	}
}

// WithMetadataTTL sets the expiry of member metadata hashes.
func WithMetadataTTL(d time.Duration) Option {
	return func(r *Redis) {
		if d > 0 {
			r.metadataTTL = d
		}
	}
}

// WithRequestTTL sets the expiry of request markers.
func WithRequestTTL(d time.Duration) Option {
	return func(r *Redis) {
		if d > 0 {
			r.requestTTL = d
		}
	}
}

// WithSubmitter sets the submitter used for fire-and-forget writes.
func WithSubmitter(s *Submitter) Option {
	return func(r *Redis) {
		if s != nil {
			r.async = s
		}
	}
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithSyncInterval sets the tick between passes.
func WithSyncInterval(d time.Duration) SyncOption {
	return func(s *Synchronizer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithFreshWindow sets how recently a key must have been rebuilt to be skipped.
func WithFreshWindow(d time.Duration) SyncOption {
	return func(s *Synchronizer) {
		if d >= 0 {
			s.fresh = d
		}
	}
}

// WithSyncLogger sets the synchronizer logger.
func WithSyncLogger(l logger.Logger) SyncOption {
	return func(s *Synchronizer) {
		if l != nil {
			s.log = l
		}
	}
}
