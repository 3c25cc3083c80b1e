// Package scoring normalises raw scores into a leaderboard's value domain and
// derives interval scores from baselines.
package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/okian/rankd/internal/domain/leaderboard"
)

// DecimalPlaces is the precision kept for decimal leaderboards.
const DecimalPlaces = 2

// ErrInvalidScore is returned for NaN or infinite scores.
var ErrInvalidScore = errors.New("invalid score")

// Normalize converts raw into kind's domain: ints are truncated toward zero,
// decimals rounded half away from zero to DecimalPlaces.
func Normalize(kind leaderboard.ScoreKind, raw float64) (float64, error) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidScore, raw)
	}
	switch kind {
	case leaderboard.KindInt:
		return math.Trunc(raw), nil
	case leaderboard.KindDecimal:
		return decimal.NewFromFloat(raw).Round(DecimalPlaces).InexactFloat64(), nil
	}
	return raw, nil
}

// IntervalScore is the score an interval row ranks by: raw minus baseline for
// delta leaderboards on recurring intervals, raw otherwise.
func IntervalScore(def leaderboard.Definition, interval leaderboard.Interval, raw, baseline float64) float64 {
	if !def.Delta || !interval.Recurring() {
		return raw
	}
	if def.Kind == leaderboard.KindDecimal {
		d := decimal.NewFromFloat(raw).Sub(decimal.NewFromFloat(baseline)).Round(DecimalPlaces)
		return d.InexactFloat64()
	}
	return raw - baseline
}

// Seed returns the (score, baseline) pair of a freshly seeded interval row for an
// entity whose cumulative value is current.
func Seed(def leaderboard.Definition, interval leaderboard.Interval, current float64) (score, baseline float64) {
	if def.Delta && interval.Recurring() {
		return 0, current
	}
	return current, current
}
