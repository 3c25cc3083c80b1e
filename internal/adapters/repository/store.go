// Package repository is the durable ranking store: one row per (leaderboard,
// interval, entity), with authoritative rank, slice and window queries.
package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/rankd/internal/domain/leaderboard"
	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/pkg/metrics"
)

// Board addresses one ranking: a leaderboard slug at one interval. An empty
// Identifier on a recurring interval means the interval containing now.
type Board struct {
	Slug       string
	Interval   leaderboard.Interval
	Identifier string
}

// CurrentBoard addresses the non-expiring ranking of slug.
func CurrentBoard(slug string) Board {
	return Board{Slug: slug, Interval: leaderboard.Current}
}

// Store provides read/write access to the ranking state.
type Store interface {
	leaderboard.CatalogueWriter

	// UpsertScore applies one raw score to every interval of def.
	UpsertScore(ctx context.Context, def leaderboard.Definition, u model.ScoreUpdate) error
	// ApplyUpdates applies a chunk of updates; unknown slugs are skipped.
	ApplyUpdates(ctx context.Context, updates []model.ScoreUpdate) (int, error)

	// GetRank returns the entity's entry. Rank is model.NotRanked when the
	// entity has no row, is filtered out, or is below the minimum score.
	GetRank(ctx context.Context, b Board, entityID string, f model.Filter) (model.Entry, error)
	// GetSlice returns qualifying entries ordered by (score DESC, id DESC).
	GetSlice(ctx context.Context, b Board, offset, limit int, f model.Filter) ([]model.Entry, error)
	// GetNeighborWindow returns the anchor and up to before/after entries around it.
	GetNeighborWindow(ctx context.Context, b Board, a model.Anchor, before, after int, f model.Filter) (model.Window, error)

	MarkRemoved(ctx context.Context, entityID string) (int, error)
	Restore(ctx context.Context, entityID string) (int, error)

	// EnsureIntervalRowsExist seeds missing rows of the current intervals for entityID.
	EnsureIntervalRowsExist(ctx context.Context, entityID string) (int, error)
	// BackfillInterval seeds one row per entity that has a current row but none in identifier.
	BackfillInterval(ctx context.Context, slug string, interval leaderboard.Interval, identifier string) (int, error)
	// RepairDuplicates deletes all but the oldest row of every duplicated key.
	RepairDuplicates(ctx context.Context) (int, error)

	// CurrentEntries lists non-removed qualifying current rows of slug, optionally
	// one partition, in rank order and with display metadata.
	CurrentEntries(ctx context.Context, slug, mode string) ([]model.Entry, error)

	Close() error
}

// catalogue is the store's view of the leaderboards written by EnsureLeaderboards.
type catalogue struct {
	mu   sync.RWMutex
	defs map[string]leaderboard.Definition
}

func (c *catalogue) set(defs []leaderboard.Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.defs == nil {
		c.defs = make(map[string]leaderboard.Definition, len(defs))
	}
	for _, d := range defs {
		c.defs[d.Slug] = d
	}
}

func (c *catalogue) get(slug string) (leaderboard.Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[slug]
	return d, ok
}

func (c *catalogue) all() []leaderboard.Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]leaderboard.Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	return out
}

// resolve validates b against the catalogue and fills the identifier.
func (c *catalogue) resolve(b Board, now time.Time) (leaderboard.Definition, Board, error) {
	def, ok := c.get(b.Slug)
	if !ok {
		return leaderboard.Definition{}, b, fmt.Errorf("%w: %s", ErrUnknownLeaderboard, b.Slug)
	}
	if b.Interval == 0 {
		b.Interval = leaderboard.Current
	}
	if !def.HasInterval(b.Interval) {
		return leaderboard.Definition{}, b, fmt.Errorf("%w: %s has no %s interval", ErrUnknownLeaderboard, b.Slug, b.Interval)
	}
	switch {
	case !b.Interval.Recurring():
		b.Identifier = ""
	case b.Identifier == "":
		b.Identifier = leaderboard.Identifier(b.Interval, now)
	}
	return def, b, nil
}

// rollover remembers the last identifier seen per recurring board.
type rollover struct {
	mu   sync.Mutex
	last map[string]string
}

// observe records ident and reports whether it differs from the previous one.
// The first observation counts as a change so a restart catches up on missed rollovers.
func (r *rollover) observe(slug string, interval leaderboard.Interval, ident string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		r.last = make(map[string]string)
	}
	key := slug + "/" + interval.String()
	if r.last[key] == ident {
		return false
	}
	r.last[key] = ident
	return true
}

// forget drops the remembered identifier so the next observation retries.
func (r *rollover) forget(slug string, interval leaderboard.Interval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.last, slug+"/"+interval.String())
}

// sliceFunc reads a ranked slice of a board.
type sliceFunc func(offset, limit int) ([]model.Entry, error)

// windowAt builds a window around rank given the number of ranked entries.
// A rank past the end yields the last entries as Before and no anchor.
func windowAt(rank, total, before, after int, slice sliceFunc) (model.Window, error) {
	if before < 0 || after < 0 {
		return model.Window{}, ErrInvalidLimit
	}
	if rank > total {
		rank = total + 1
	}
	offset := max(0, rank-1-before)
	entries, err := slice(offset, rank+after-offset)
	if err != nil {
		return model.Window{}, err
	}
	var w model.Window
	for i := range entries {
		e := entries[i]
		switch {
		case e.Rank < rank:
			w.Before = append(w.Before, e)
		case e.Rank == rank:
			w.Anchor = &e
		default:
			w.After = append(w.After, e)
		}
	}
	return w, nil
}

func observe(op string, start time.Time, err error) {
	metrics.RecordStoreLatency(op, time.Since(start).Seconds())
	if err != nil {
		metrics.RecordStoreError(op)
	}
}
