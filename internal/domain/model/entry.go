package model

import (
	"fmt"
	"strings"
	"time"
)

// ModeAll is the partition wildcard: no game mode filter.
const ModeAll = "all"

// NotRanked is the rank of an entity that is absent, removed or below the minimum.
const NotRanked = -1

// Entry is one ranked row of a leaderboard interval.
type Entry struct {
	ID        int64
	EntityID  string
	Mode      string
	Score     float64
	Baseline  float64
	Removed   bool
	Rank      int
	UpdatedAt time.Time

	DisplayName  string
	ProfileLabel string
	BackingID    string
}

// Ranked reports whether the entry holds a real rank.
func (e Entry) Ranked() bool { return e.Rank > 0 }

// Before reports whether e orders strictly ahead of o: higher score first,
// then higher id at equal score.
func (e Entry) Before(o Entry) bool {
	if e.Score != o.Score {
		return e.Score > o.Score
	}
	return e.ID > o.ID
}

// RemovedFilter selects entries by their removal flag.
type RemovedFilter uint8

const (
	NotRemoved RemovedFilter = iota
	Removed
	All
)

func (f RemovedFilter) String() string {
	switch f {
	case Removed:
		return "removed"
	case All:
		return "all"
	default:
		return "not_removed"
	}
}

// Match reports whether an entry with the given flag passes the filter.
func (f RemovedFilter) Match(removed bool) bool {
	switch f {
	case Removed:
		return removed
	case All:
		return true
	default:
		return !removed
	}
}

// ParseRemovedFilter accepts not_removed (or empty), removed and all.
func ParseRemovedFilter(s string) (RemovedFilter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "not_removed", "active":
		return NotRemoved, nil
	case "removed":
		return Removed, nil
	case "all":
		return All, nil
	}
	return NotRemoved, fmt.Errorf("unknown removed filter %q", s)
}

// Filter narrows a ranking to one partition and removal state.
type Filter struct {
	Mode    string
	Removed RemovedFilter
}

// AnyMode reports whether the filter spans every partition.
func (f Filter) AnyMode() bool { return f.Mode == "" || f.Mode == ModeAll }

// Match reports whether the entry is counted under this filter.
func (f Filter) Match(e Entry) bool {
	if !f.Removed.Match(e.Removed) {
		return false
	}
	return f.AnyMode() || e.Mode == f.Mode
}

// NormalizeMode maps the empty mode to ModeAll.
func NormalizeMode(mode string) string {
	if mode == "" {
		return ModeAll
	}
	return mode
}

// Anchor is the reference point of a neighbor window: an entity or an explicit rank.
type Anchor struct {
	EntityID string
	Rank     int
}

// ByRank reports whether the anchor is an explicit rank.
func (a Anchor) ByRank() bool { return a.Rank > 0 }

// Window is an anchor entry with its neighbors in leaderboard order.
// Before holds better-ranked entries ending next to the anchor; After holds
// worse-ranked entries starting next to it.
type Window struct {
	Anchor *Entry
	Before []Entry
	After  []Entry
}
