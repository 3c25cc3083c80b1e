// Package service ties the ranking components together: it accepts score
// reports, runs the drain and sync workers and answers rank queries.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/okian/rankd/internal/adapters/cache"
	eventqueue "github.com/okian/rankd/internal/adapters/mq/queue"
	drainworker "github.com/okian/rankd/internal/adapters/mq/worker"
	"github.com/okian/rankd/internal/adapters/repository"
	"github.com/okian/rankd/internal/domain/dedupe"
	"github.com/okian/rankd/internal/domain/leaderboard"
	"github.com/okian/rankd/pkg/logger"
	"github.com/okian/rankd/pkg/metrics"
)

// Service implements the producer and consumer contracts of the ranking engine.
type Service struct {
	mu sync.RWMutex

	// Core components
	registry *leaderboard.Registry
	store    repository.Store
	cache    *cache.Redis
	syncer   *cache.Synchronizer
	deduper  dedupe.Deduper
	queue    *eventqueue.InMemoryQueue
	worker   *drainworker.DrainWorker

	// Configuration
	queueCapacity int
	maxDrain      int
	dedupeSize    int
	batchSize     int
	drainInterval time.Duration
	maxWindow     int
	syncOpts      []cache.SyncOption

	dropLog *rate.Limiter
	tracer  trace.Tracer
	clock   func() time.Time

	// State
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithCache enables the distributed cache and its synchronizer.
func WithCache(c *cache.Redis, opts ...cache.SyncOption) Option {
	return func(s *Service) {
		s.cache = c
		s.syncOpts = opts
	}
}

// WithQueueCapacity bounds the ingestion queue.
func WithQueueCapacity(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queueCapacity = n
		}
	}
}

// WithMaxDrain caps how many updates a single drain takes.
func WithMaxDrain(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxDrain = n
		}
	}
}

// WithDedupeSize sets how many recent event ids are remembered.
func WithDedupeSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.dedupeSize = n
		}
	}
}

// WithDrainInterval sets how often buffered updates are written.
func WithDrainInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.drainInterval = d
		}
	}
}

// WithBatchSize sets the store chunk size.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMaxWindow caps window sides and slice limits.
func WithMaxWindow(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxWindow = n
		}
	}
}

// WithClock sets the time source for reports without a timestamp.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Service over a frozen registry and a store. The service
// owns the store and the cache from here on and closes them in Stop.
func New(registry *leaderboard.Registry, store repository.Store, opts ...Option) *Service {
	s := &Service{
		registry:      registry,
		store:         store,
		queueCapacity: 100_000,
		dedupeSize:    500_000,
		batchSize:     500,
		drainInterval: 2 * time.Second,
		maxWindow:     100,
		dropLog:       rate.NewLimiter(rate.Every(5*time.Second), 1),
		tracer:        otel.Tracer("github.com/okian/rankd/internal/app"),
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	if s.cache != nil {
		syncOpts := append([]cache.SyncOption{cache.WithSyncLogger(s.logger.Named("sync"))}, s.syncOpts...)
		s.syncer = cache.NewSynchronizer(s.cache, s.store, s.registry, syncOpts...)
	}
	return s
}

// Start writes the catalogue to the store and launches the drain worker and,
// with a cache, the synchronizer. The workers outlive ctx until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	s.logger.Info(ctx, "starting ranking service...")

	if err := leaderboard.SyncCatalogue(ctx, s.registry, s.store); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.queue = eventqueue.NewInMemoryQueue(
		eventqueue.WithCapacity(s.queueCapacity),
		eventqueue.WithMaxDrain(s.maxDrain),
	)
	wopts := []drainworker.Option{
		drainworker.WithLogger(s.logger),
		drainworker.WithInterval(s.drainInterval),
		drainworker.WithBatchSize(s.batchSize),
	}
	if s.cache != nil {
		wopts = append(wopts, drainworker.WithAfterApply(s.bumpCache))
	}
	s.worker = drainworker.NewDrainWorker(s.queue, s.store, wopts...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker.Run(runCtx)
	}()
	if s.syncer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.syncer.Run(runCtx)
		}()
	}

	s.started = true
	s.logger.Info(ctx, "ranking service started",
		logger.Int("leaderboards", s.registry.Len()),
		logger.Int("queueCapacity", s.queueCapacity),
		logger.Int("dedupeSize", s.dedupeSize),
		logger.Bool("cache", s.cache != nil),
	)
	return nil
}

// Stop rejects new reports, drains what is buffered into the store, waits
// for pending cache writes and closes the store and cache.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	s.logger.Info(ctx, "stopping ranking service...")

	var errs []error
	_ = s.queue.Close()
	if err := s.worker.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.cancel()
	s.wg.Wait()

	if s.cache != nil {
		s.cache.Submitter().Wait()
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	s.logger.Info(ctx, "ranking service stopped", logger.Int64("dropped", s.queue.Dropped()))
	return errors.Join(errs...)
}

// Health reports whether the service is running and its cache reachable.
func (s *Service) Health(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrStopped
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	return nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]interface{}{
		"started":       s.started,
		"leaderboards":  s.registry.Len(),
		"queueCapacity": s.queueCapacity,
		"dedupeSize":    s.dedupeSize,
		"batchSize":     s.batchSize,
		"maxWindow":     s.maxWindow,
		"cacheEnabled":  s.cache != nil,
	}

	if s.started {
		queueLen := s.queue.Len(ctx)
		stats["queueLength"] = queueLen
		stats["dropped"] = s.queue.Dropped()
		stats["dedupeEntries"] = s.deduper.Size()

		metrics.UpdateQueueSize(queueLen)
	}

	return stats
}
