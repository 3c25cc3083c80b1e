package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrUnknownLeaderboard = errors.New("unknown leaderboard")
	ErrInvalidLimit       = errors.New("invalid limit")
	ErrInvalidAnchor      = errors.New("window anchor needs an entity or a rank")
)
