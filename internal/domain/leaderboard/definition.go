// Package leaderboard holds the immutable catalogue of leaderboard definitions.
package leaderboard

import (
	"fmt"
	"strings"
)

// Scope selects which identifier keys a leaderboard's rows.
type Scope uint8

const (
	ScopeMember Scope = iota + 1
	ScopeProfile
)

func (s Scope) String() string {
	switch s {
	case ScopeMember:
		return "member"
	case ScopeProfile:
		return "profile"
	}
	return "unknown"
}

// ParseScope parses member or profile.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "member":
		return ScopeMember, nil
	case "profile":
		return ScopeProfile, nil
	}
	return 0, fmt.Errorf("%w: unknown scope %q", ErrInvalidDefinition, s)
}

// Interval is the time window a leaderboard row belongs to.
type Interval uint8

const (
	Current Interval = iota + 1
	Weekly
	Monthly
)

func (i Interval) String() string {
	switch i {
	case Current:
		return "current"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	}
	return "unknown"
}

// Recurring reports whether the interval rolls over.
func (i Interval) Recurring() bool { return i == Weekly || i == Monthly }

// ParseInterval parses current, weekly or monthly. Empty means current.
func ParseInterval(s string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "current":
		return Current, nil
	case "weekly":
		return Weekly, nil
	case "monthly":
		return Monthly, nil
	}
	return 0, fmt.Errorf("%w: unknown interval %q", ErrInvalidDefinition, s)
}

// ScoreKind is the value domain of a leaderboard's scores.
type ScoreKind uint8

const (
	KindNumeric ScoreKind = iota + 1
	KindDecimal
	KindInt
)

func (k ScoreKind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindDecimal:
		return "decimal"
	case KindInt:
		return "int"
	}
	return "unknown"
}

// ParseScoreKind parses numeric, decimal or int. Empty means numeric.
func ParseScoreKind(s string) (ScoreKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "numeric":
		return KindNumeric, nil
	case "decimal":
		return KindDecimal, nil
	case "int":
		return KindInt, nil
	}
	return 0, fmt.Errorf("%w: unknown score kind %q", ErrInvalidDefinition, s)
}

// Definition describes one leaderboard and the intervals it is ranked over.
type Definition struct {
	Slug         string
	Title        string
	Scope        Scope
	Intervals    []Interval
	MinimumScore float64
	Kind         ScoreKind
	// Delta ranks recurring intervals by raw minus baseline instead of the raw value.
	Delta bool
}

// HasInterval reports whether the definition is ranked over i.
func (d Definition) HasInterval(i Interval) bool {
	for _, have := range d.Intervals {
		if have == i {
			return true
		}
	}
	return false
}

// Qualifies reports whether score reaches the minimum.
func (d Definition) Qualifies(score float64) bool {
	return score >= d.MinimumScore
}

func (d Definition) validate() error {
	if d.Slug == "" {
		return fmt.Errorf("%w: empty slug", ErrInvalidDefinition)
	}
	if strings.ContainsAny(d.Slug, ": ") {
		return fmt.Errorf("%w: slug %q contains a reserved character", ErrInvalidDefinition, d.Slug)
	}
	if d.Scope != ScopeMember && d.Scope != ScopeProfile {
		return fmt.Errorf("%w: %s has no scope", ErrInvalidDefinition, d.Slug)
	}
	if d.Kind < KindNumeric || d.Kind > KindInt {
		return fmt.Errorf("%w: %s has no score kind", ErrInvalidDefinition, d.Slug)
	}
	if len(d.Intervals) == 0 {
		return fmt.Errorf("%w: %s has no intervals", ErrInvalidDefinition, d.Slug)
	}
	seen := make(map[Interval]bool, len(d.Intervals))
	for _, i := range d.Intervals {
		if i < Current || i > Monthly {
			return fmt.Errorf("%w: %s has an unknown interval", ErrInvalidDefinition, d.Slug)
		}
		if seen[i] {
			return fmt.Errorf("%w: %s lists %s twice", ErrInvalidDefinition, d.Slug, i)
		}
		seen[i] = true
	}
	return nil
}

// Parse builds a Definition from its textual form.
func Parse(slug, title, scope string, intervals []string, minimum float64, kind string, delta bool) (Definition, error) {
	d := Definition{Slug: slug, Title: title, MinimumScore: minimum, Delta: delta}
	var err error
	if d.Scope, err = ParseScope(scope); err != nil {
		return Definition{}, err
	}
	if d.Kind, err = ParseScoreKind(kind); err != nil {
		return Definition{}, err
	}
	for _, s := range intervals {
		i, err := ParseInterval(s)
		if err != nil {
			return Definition{}, err
		}
		d.Intervals = append(d.Intervals, i)
	}
	if d.Title == "" {
		d.Title = slug
	}
	return d, d.validate()
}
