package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/okian/rankd/internal/domain/leaderboard"
	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/internal/domain/scoring"
	"github.com/okian/rankd/pkg/logger"
	"github.com/okian/rankd/pkg/metrics"
)

// Outcome is what happened to a score report.
type Outcome uint8

const (
	Accepted Outcome = iota
	Duplicate
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	}
	return "dropped"
}

// Report validates u and enqueues it. Reports carrying an event id are
// deduplicated; a report rejected by a full queue is forgotten again so the
// producer can retry it.
func (s *Service) Report(ctx context.Context, u model.ScoreUpdate) (Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return Dropped, ErrStopped
	}
	if err := s.checkUpdate(u); err != nil {
		return Dropped, err
	}

	tracked := u.EventID != ""
	if !tracked {
		u.EventID = uuid.NewString()
	} else if s.deduper.SeenAndRecord(ctx, u.EventID) {
		metrics.RecordReportDuplicate()
		s.logger.Debug(ctx, "duplicate report skipped", logger.String("eventID", u.EventID))
		return Duplicate, nil
	}
	if u.At.IsZero() {
		u.At = s.clock()
	}

	if !s.queue.Enqueue(ctx, u) {
		if tracked {
			s.deduper.Unrecord(ctx, u.EventID)
		}
		if s.dropLog.Allow() {
			s.logger.Warn(ctx, "ingestion queue full, dropping reports",
				logger.Int("capacity", s.queue.Capacity()),
				logger.Int64("droppedTotal", s.queue.Dropped()),
			)
		}
		return Dropped, nil
	}
	return Accepted, nil
}

// ReportScore is the minimal producer call. It returns false when the report
// was not accepted.
func (s *Service) ReportScore(ctx context.Context, slug, entityID string, score float64) bool {
	outcome, err := s.Report(ctx, model.ScoreUpdate{Slug: slug, EntityID: entityID, Score: score})
	return err == nil && outcome != Dropped
}

func (s *Service) checkUpdate(u model.ScoreUpdate) error {
	def, ok := s.registry.Get(u.Slug)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLeaderboard, u.Slug)
	}
	if strings.TrimSpace(u.EntityID) == "" {
		return fmt.Errorf("%w: missing entity id", ErrInvalidInput)
	}
	if !validMode(u.Mode) {
		return fmt.Errorf("%w: mode %q", ErrInvalidInput, u.Mode)
	}
	if _, err := scoring.Normalize(def.Kind, u.Score); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// validMode rejects modes that cannot be encoded in a cache key.
func validMode(mode string) bool {
	return !strings.ContainsAny(mode, ": \t\n")
}

type bump struct {
	slug, mode, entityID string
	score                float64
}

// bumpCache mirrors a written chunk into the cached current rankings, both
// the all-modes key and the entity's own mode key.
func (s *Service) bumpCache(_ context.Context, applied []model.ScoreUpdate) {
	bumps := make([]bump, 0, len(applied))
	for _, u := range applied {
		def, ok := s.registry.Get(u.Slug)
		if !ok || !def.HasInterval(leaderboard.Current) {
			continue
		}
		score, err := scoring.Normalize(def.Kind, u.Score)
		if err != nil {
			continue
		}
		bumps = append(bumps, bump{slug: u.Slug, mode: model.ModeAll, entityID: u.EntityID, score: score})
		if mode := model.NormalizeMode(u.Mode); mode != model.ModeAll {
			bumps = append(bumps, bump{slug: u.Slug, mode: mode, entityID: u.EntityID, score: score})
		}
	}
	if len(bumps) == 0 {
		return
	}
	// Bumps for one entity must land in the order their chunks were applied.
	s.cache.Submitter().SubmitOrdered("bump", func(ctx context.Context) error {
		var errs []error
		for _, b := range bumps {
			if err := s.cache.Bump(ctx, b.slug, b.mode, b.entityID, b.score); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
