package leaderboard

import "errors"

var (
	ErrInvalidDefinition = errors.New("invalid leaderboard definition")
	ErrDuplicateSlug     = errors.New("duplicate leaderboard slug")
)
