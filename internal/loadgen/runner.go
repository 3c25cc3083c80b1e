package loadgen

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/okian/rankd/pkg/logger"
)

// ErrMismatch is returned when a served rank differs from the expected one.
var ErrMismatch = errors.New("rank mismatch")

// Run executes one load run: health check, submission, settle, verification.
// Every run reports into a fresh mode so earlier data does not disturb the
// expected order.
func Run(ctx context.Context, cfg Config) (Stats, error) {
	var stats Stats
	start := time.Now()
	log := logger.Get().Named("loadgen")
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	c := newClient(cfg.BaseURL, cfg.Timeout)

	log.Info(ctx, "starting load run",
		logger.String("baseURL", cfg.BaseURL),
		logger.String("leaderboard", cfg.Leaderboard),
		logger.Int("entities", cfg.Entities),
		logger.Int("workers", cfg.Workers),
	)

	if err := c.health(ctx); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	mode := "loadgen-" + uuid.NewString()[:8]
	events := generate(cfg, mode)
	accepted := submit(ctx, c, cfg.Workers, events, &stats)
	log.Info(ctx, "events submitted",
		logger.Int64("accepted", stats.Accepted),
		logger.Int64("duplicate", stats.Duplicate),
		logger.Int64("rejected", stats.Rejected),
		logger.Int64("failed", stats.Failed),
	)

	select {
	case <-ctx.Done():
		return stats, ctx.Err()
	case <-time.After(cfg.Settle):
	}

	err := verify(ctx, c, cfg, mode, accepted, &stats)
	stats.Duration = time.Since(start)
	log.Info(ctx, "load run finished",
		logger.Int("verified", stats.Verified),
		logger.Int("mismatched", stats.Mismatched),
		logger.Duration("took", stats.Duration),
	)
	return stats, err
}

// generate builds one report per entity with distinct scores, followed by
// cfg.Duplicates re-sends of earlier reports.
func generate(cfg Config, mode string) []Event {
	ts := time.Now().UTC().Format(time.RFC3339)
	perm := rand.Perm(cfg.Entities)
	events := make([]Event, 0, cfg.Entities+cfg.Duplicates)
	for i := range cfg.Entities {
		events = append(events, Event{
			EventID:     uuid.NewString(),
			Leaderboard: cfg.Leaderboard,
			EntityID:    fmt.Sprintf("%s-%05d", mode, i),
			Mode:        mode,
			Score:       float64((perm[i] + 1) * 10),
			TS:          ts,
		})
	}
	for i := 0; i < cfg.Duplicates && cfg.Entities > 0; i++ {
		events = append(events, events[i%cfg.Entities])
	}
	return events
}

// submit posts events concurrently and returns the events the service accepted.
func submit(ctx context.Context, c *client, workers int, events []Event, stats *Stats) []Event {
	var (
		mu       sync.Mutex
		accepted []Event
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, e := range events {
		g.Go(func() error {
			atomic.AddInt64(&stats.Submitted, 1)
			status, ack, err := c.post(gctx, e)
			switch {
			case err != nil:
				atomic.AddInt64(&stats.Failed, 1)
			case status == http.StatusAccepted:
				atomic.AddInt64(&stats.Accepted, 1)
				mu.Lock()
				accepted = append(accepted, e)
				mu.Unlock()
			case status == http.StatusOK && ack.Duplicate:
				atomic.AddInt64(&stats.Duplicate, 1)
			default:
				atomic.AddInt64(&stats.Rejected, 1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return accepted
}

// verify reads every accepted entity's authoritative rank and compares it
// with its position among the accepted scores, then checks the top page.
func verify(ctx context.Context, c *client, cfg Config, mode string, accepted []Event, stats *Stats) error {
	if len(accepted) == 0 {
		return errors.New("no accepted events to verify")
	}
	slices.SortFunc(accepted, func(a, b Event) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})

	var mismatched atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i, e := range accepted {
		want := i + 1
		g.Go(func() error {
			got, err := c.rank(gctx, cfg.Leaderboard, mode, e.EntityID)
			if err != nil {
				return err
			}
			if got.Entry.Rank != want {
				mismatched.Add(1)
				if cfg.Verbose {
					logger.Get().Named("loadgen").Warn(gctx, "rank mismatch",
						logger.String("entity", e.EntityID),
						logger.Int("want", want),
						logger.Int("got", got.Entry.Rank),
					)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("rank retrieval failed: %w", err)
	}
	stats.Verified = len(accepted)
	stats.Mismatched = int(mismatched.Load())

	top, err := c.top(ctx, cfg.Leaderboard, mode, min(10, len(accepted)))
	if err != nil {
		return fmt.Errorf("leaderboard retrieval failed: %w", err)
	}
	for i, e := range top {
		if e.EntityID != accepted[i].EntityID {
			stats.Mismatched++
		}
	}

	if stats.Mismatched > 0 {
		return fmt.Errorf("%w: %d of %d entries", ErrMismatch, stats.Mismatched, stats.Verified)
	}
	return nil
}
