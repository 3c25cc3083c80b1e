package leaderboard

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Registry is the frozen catalogue, built once at startup and shared read-only.
type Registry struct {
	bySlug map[string]Definition
	all    []Definition
}

// NewRegistry validates defs and freezes them.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{bySlug: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.bySlug[d.Slug]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSlug, d.Slug)
		}
		d.Intervals = slices.Clone(d.Intervals)
		r.bySlug[d.Slug] = d
		r.all = append(r.all, d)
	}
	slices.SortFunc(r.all, func(a, b Definition) int { return strings.Compare(a.Slug, b.Slug) })
	return r, nil
}

// Get returns the definition for slug.
func (r *Registry) Get(slug string) (Definition, bool) {
	d, ok := r.bySlug[slug]
	return d, ok
}

// All returns every definition sorted by slug. The slice is a copy.
func (r *Registry) All() []Definition {
	return slices.Clone(r.all)
}

// Len returns the number of definitions.
func (r *Registry) Len() int { return len(r.all) }

// Identifier returns the canonical interval key for t: "2024-W05" for weeks
// (ISO year and week), "2024-05" for months and "" for current.
func Identifier(i Interval, t time.Time) string {
	t = t.UTC()
	switch i {
	case Weekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case Monthly:
		return fmt.Sprintf("%d-%02d", t.Year(), int(t.Month()))
	}
	return ""
}

// CatalogueWriter persists definitions into durable catalogue rows.
type CatalogueWriter interface {
	EnsureLeaderboards(ctx context.Context, defs []Definition) error
}

// SyncCatalogue writes every definition of r through w.
func SyncCatalogue(ctx context.Context, r *Registry, w CatalogueWriter) error {
	if err := w.EnsureLeaderboards(ctx, r.All()); err != nil {
		return fmt.Errorf("sync catalogue: %w", err)
	}
	return nil
}
