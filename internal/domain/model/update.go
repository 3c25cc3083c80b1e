// Package model contains domain models passed between layers.
package model

import "time"

// ScoreUpdate is one raw score reported for an entity on a leaderboard.
type ScoreUpdate struct {
	EventID  string    // optional idempotency key
	Slug     string    // leaderboard slug
	EntityID string    // member or profile id, depending on the leaderboard scope
	Mode     string    // game mode, stored as the partition tag
	Score    float64   // raw cumulative value
	At       time.Time // when the score was observed

	// Optional display fields, written to the entity directory.
	DisplayName  string
	ProfileLabel string
	BackingID    string
}

// HasDisplay reports whether the update carries any display field.
func (u ScoreUpdate) HasDisplay() bool {
	return u.DisplayName != "" || u.ProfileLabel != "" || u.BackingID != ""
}
