package cache

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/okian/rankd/internal/domain/leaderboard"
	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/pkg/logger"
	"github.com/okian/rankd/pkg/metrics"
)

// Source is the store side of a sync pass.
type Source interface {
	RepairDuplicates(ctx context.Context) (int, error)
	CurrentEntries(ctx context.Context, slug, mode string) ([]model.Entry, error)
}

// Catalogue resolves slugs to definitions.
type Catalogue interface {
	Get(slug string) (leaderboard.Definition, bool)
}

// PassResult summarizes one sync pass.
type PassResult struct {
	Repaired int
	Wanted   int
	Rebuilt  int
	Fresh    int
	Dropped  int
	Failed   int
}

// Synchronizer periodically rebuilds the cached rankings that readers asked for.
type Synchronizer struct {
	cache    *Redis
	store    Source
	catalog  Catalogue
	slot     *semaphore.Weighted
	trigger  chan struct{}
	interval time.Duration
	fresh    time.Duration
	log      logger.Logger
}

// NewSynchronizer wires a synchronizer; defaults are a 30s tick and a 20s
// freshness window.
func NewSynchronizer(c *Redis, store Source, catalog Catalogue, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		cache:    c,
		store:    store,
		catalog:  catalog,
		slot:     semaphore.NewWeighted(1),
		trigger:  make(chan struct{}, 1),
		interval: 30 * time.Second,
		fresh:    20 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("synchronizer")
	}
	return s
}

// Run ticks until ctx is done. A tick or trigger that finds a pass already
// running is skipped.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info(ctx, "synchronizer started", logger.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info(context.Background(), "synchronizer stopped")
			return nil
		case <-ticker.C:
			s.pass(ctx, "timer")
		case <-s.trigger:
			s.pass(ctx, "trigger")
		}
	}
}

// Trigger requests an immediate pass without waiting for it.
func (s *Synchronizer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// RunPass executes one pass now. It returns false when another pass holds the slot.
func (s *Synchronizer) RunPass(ctx context.Context) (PassResult, bool) {
	return s.pass(ctx, "manual")
}

func (s *Synchronizer) pass(ctx context.Context, trigger string) (PassResult, bool) {
	if !s.slot.TryAcquire(1) {
		s.log.Debug(ctx, "sync pass already running", logger.String("trigger", trigger))
		return PassResult{}, false
	}
	defer s.slot.Release(1)

	start := time.Now()
	var res PassResult
	defer func() {
		metrics.RecordSyncPass(trigger, time.Since(start).Seconds())
		s.log.Debug(ctx, "sync pass finished",
			logger.String("trigger", trigger),
			logger.Int("wanted", res.Wanted),
			logger.Int("rebuilt", res.Rebuilt),
			logger.Int("fresh", res.Fresh),
			logger.Int("dropped", res.Dropped),
			logger.Int("failed", res.Failed),
			logger.Duration("took", time.Since(start)),
		)
	}()

	repaired, err := s.store.RepairDuplicates(ctx)
	if err != nil {
		metrics.RecordSyncError()
		s.log.Error(ctx, "duplicate repair failed", logger.Error(err))
	}
	res.Repaired = repaired

	keys, err := s.cache.Wanted(ctx)
	if err != nil {
		metrics.RecordSyncError()
		s.log.Error(ctx, "listing wanted keys failed", logger.Error(err))
		return res, true
	}
	res.Wanted = len(keys)

	for _, k := range keys {
		if ctx.Err() != nil {
			break
		}
		switch err := s.rebuild(ctx, k); {
		case err == nil:
			res.Rebuilt++
		case errors.Is(err, errFresh):
			res.Fresh++
		case errors.Is(err, errUnknownKey):
			res.Dropped++
		default:
			res.Failed++
			metrics.RecordSyncError()
			s.log.Warn(ctx, "rebuild failed", logger.String("key", k.String()), logger.Error(err))
		}
	}
	return res, true
}

var (
	errFresh      = errors.New("key is fresh")
	errUnknownKey = errors.New("key names no current leaderboard")
)

func (s *Synchronizer) rebuild(ctx context.Context, k Key) error {
	def, ok := s.catalog.Get(k.Slug)
	if !ok || !def.HasInterval(leaderboard.Current) {
		if err := s.cache.Forget(ctx, k); err != nil {
			return err
		}
		s.log.Warn(ctx, "dropping request for unknown leaderboard", logger.String("key", k.String()))
		return errUnknownKey
	}
	fresh, err := s.cache.IsFresh(ctx, k, s.fresh)
	if err != nil {
		return err
	}
	if fresh {
		return errFresh
	}
	entries, err := s.store.CurrentEntries(ctx, k.Slug, k.Mode)
	if err != nil {
		return err
	}
	return s.cache.Rebuild(ctx, k.Slug, k.Mode, entries, def.MinimumScore)
}
