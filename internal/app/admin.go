package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/okian/rankd/internal/adapters/cache"
	"github.com/okian/rankd/pkg/logger"
)

// MarkRemoved hides the entity from default rankings everywhere and returns
// the number of rows flagged.
func (s *Service) MarkRemoved(ctx context.Context, entityID string) (int, error) {
	if strings.TrimSpace(entityID) == "" {
		return 0, fmt.Errorf("%w: missing entity id", ErrInvalidInput)
	}
	n, err := s.store.MarkRemoved(ctx, entityID)
	if err != nil {
		return 0, fmt.Errorf("mark removed: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Remove(ctx, entityID); err != nil {
			s.logger.Warn(ctx, "cache removal failed", logger.String("entity", entityID), logger.Error(err))
		}
		s.syncer.Trigger()
	}
	s.logger.Info(ctx, "entity removed", logger.String("entity", entityID), logger.Int("rows", n))
	return n, nil
}

// Restore reverses MarkRemoved and seeds interval rows the entity missed
// while it was hidden.
func (s *Service) Restore(ctx context.Context, entityID string) (int, error) {
	if strings.TrimSpace(entityID) == "" {
		return 0, fmt.Errorf("%w: missing entity id", ErrInvalidInput)
	}
	n, err := s.store.Restore(ctx, entityID)
	if err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}
	seeded, err := s.store.EnsureIntervalRowsExist(ctx, entityID)
	if err != nil {
		s.logger.Warn(ctx, "seeding interval rows failed", logger.String("entity", entityID), logger.Error(err))
	}
	if s.cache != nil {
		if err := s.cache.Restore(ctx, entityID); err != nil {
			s.logger.Warn(ctx, "cache restore failed", logger.String("entity", entityID), logger.Error(err))
		}
		s.syncer.Trigger()
	}
	s.logger.Info(ctx, "entity restored",
		logger.String("entity", entityID),
		logger.Int("rows", n),
		logger.Int("seeded", seeded),
	)
	return n, nil
}

// TriggerSync runs one synchronizer pass now.
func (s *Service) TriggerSync(ctx context.Context) (cache.PassResult, error) {
	if s.syncer == nil {
		return cache.PassResult{}, fmt.Errorf("%w: cache disabled", ErrNotFound)
	}
	res, ran := s.syncer.RunPass(ctx)
	if !ran {
		return res, ErrSyncBusy
	}
	return res, nil
}
