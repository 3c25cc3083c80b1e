package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/rankd/internal/adapters/repository"
	"github.com/okian/rankd/internal/domain/leaderboard"
	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/pkg/logger"
	"github.com/okian/rankd/pkg/metrics"
)

// Where a rank answer came from.
const (
	SourceStore = "store"
	SourceCache = "cache"
	SourceNone  = "none"
)

// RankRequest asks for an entity's position, or the entity at AtRank, with
// optional neighbors on each side.
type RankRequest struct {
	Slug     string
	EntityID string
	Mode     string
	Interval leaderboard.Interval
	// Identifier selects a past recurring interval; empty means the one containing now.
	Identifier string
	AtRank     int
	Before     int
	After      int
	Removed    model.RemovedFilter
	// Authoritative forces the store even when the cache could answer.
	Authoritative bool
}

func (r RankRequest) windowed() bool { return r.AtRank > 0 || r.Before > 0 || r.After > 0 }

// RankResult is the answer to a RankRequest. Entry.Rank is model.NotRanked
// when the entity is not ranked or the answer is cold.
type RankResult struct {
	Slug     string
	Entry    model.Entry
	MinScore float64
	Before   []model.Entry
	After    []model.Entry
	// Cold means no backend could answer yet; the cached ranking has been requested.
	Cold   bool
	Source string
}

// GetRank answers a rank query. Current, non-removed queries are served by
// the cache unless Authoritative is set; everything else reads the store.
// Backend failures degrade to the other backend and then to a cold result, so
// only ErrUnknownLeaderboard and ErrInvalidInput are returned.
func (s *Service) GetRank(ctx context.Context, req RankRequest) (RankResult, error) {
	ctx, span := s.tracer.Start(ctx, "Service.GetRank", trace.WithAttributes(
		attribute.String("rankd.leaderboard", req.Slug),
		attribute.String("rankd.entity", req.EntityID),
		attribute.Int("rankd.at_rank", req.AtRank),
	))
	defer span.End()

	def, err := s.checkRank(&req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RankResult{}, err
	}

	res, err := s.route(ctx, def, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RankResult{}, err
	}

	outcome := "unranked"
	switch {
	case res.Cold:
		outcome = "cold"
	case res.Entry.Ranked():
		outcome = "ranked"
	}
	metrics.RecordRankQuery(res.Source, outcome)
	span.SetAttributes(
		attribute.String("rankd.source", res.Source),
		attribute.Bool("rankd.cold", res.Cold),
	)
	return res, nil
}

func (s *Service) route(ctx context.Context, def leaderboard.Definition, req RankRequest) (RankResult, error) {
	cacheable := s.cache != nil && req.Interval == leaderboard.Current && req.Removed == model.NotRemoved
	cacheTried := false

	if cacheable && !req.Authoritative {
		cacheTried = true
		res, err := s.fromCache(ctx, def, req)
		if err == nil {
			return res, nil
		}
		metrics.RecordRankQuery(SourceCache, "error")
		s.logger.Warn(ctx, "cache read failed, using store",
			logger.String("leaderboard", req.Slug),
			logger.Error(err),
		)
	}

	res, err := s.fromStore(ctx, def, req)
	if err == nil {
		return res, nil
	}
	switch {
	case errors.Is(err, repository.ErrUnknownLeaderboard):
		return RankResult{}, fmt.Errorf("%w: %w", ErrUnknownLeaderboard, err)
	case errors.Is(err, repository.ErrInvalidLimit), errors.Is(err, repository.ErrInvalidAnchor):
		return RankResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	metrics.RecordRankQuery(SourceStore, "error")
	s.logger.Error(ctx, "store read failed",
		logger.String("leaderboard", req.Slug),
		logger.Error(err),
	)

	if cacheable && !cacheTried {
		if res, err := s.fromCache(ctx, def, req); err == nil {
			return res, nil
		}
	}
	return RankResult{
		Slug:     req.Slug,
		Entry:    model.Entry{EntityID: req.EntityID, Rank: model.NotRanked},
		MinScore: def.MinimumScore,
		Cold:     true,
		Source:   SourceNone,
	}, nil
}

func (s *Service) fromStore(ctx context.Context, def leaderboard.Definition, req RankRequest) (RankResult, error) {
	b := repository.Board{Slug: req.Slug, Interval: req.Interval, Identifier: req.Identifier}
	f := model.Filter{Mode: req.Mode, Removed: req.Removed}
	res := RankResult{Slug: req.Slug, MinScore: def.MinimumScore, Source: SourceStore}

	if !req.windowed() {
		e, err := s.store.GetRank(ctx, b, req.EntityID, f)
		if err != nil {
			return RankResult{}, err
		}
		res.Entry = e
		return res, nil
	}
	w, err := s.store.GetNeighborWindow(ctx, b, model.Anchor{EntityID: req.EntityID, Rank: req.AtRank}, req.Before, req.After, f)
	if err != nil {
		return RankResult{}, err
	}
	res.fill(req, w)
	return res, nil
}

func (s *Service) fromCache(ctx context.Context, def leaderboard.Definition, req RankRequest) (RankResult, error) {
	mode := model.NormalizeMode(req.Mode)
	res := RankResult{Slug: req.Slug, Source: SourceCache}

	if !req.windowed() {
		lk, err := s.cache.GetRank(ctx, req.Slug, mode, req.EntityID)
		if err != nil {
			return RankResult{}, err
		}
		res.Entry = model.Entry{EntityID: req.EntityID, Rank: lk.Rank, Score: lk.Score}
		res.MinScore, res.Cold = lk.MinScore, lk.Cold
	} else {
		w, lk, err := s.cache.GetWindow(ctx, req.Slug, mode, model.Anchor{EntityID: req.EntityID, Rank: req.AtRank}, req.Before, req.After)
		if err != nil {
			return RankResult{}, err
		}
		res.fill(req, w)
		res.MinScore, res.Cold = lk.MinScore, lk.Cold
	}
	if res.Cold {
		res.MinScore = def.MinimumScore
	}
	return res, nil
}

func (r *RankResult) fill(req RankRequest, w model.Window) {
	r.Before, r.After = w.Before, w.After
	if w.Anchor != nil {
		r.Entry = *w.Anchor
		return
	}
	r.Entry = model.Entry{EntityID: req.EntityID, Rank: model.NotRanked}
}

func (s *Service) checkRank(req *RankRequest) (leaderboard.Definition, error) {
	def, err := s.checkBoard(req.Slug, &req.Interval, req.Mode)
	if err != nil {
		return def, err
	}
	switch {
	case strings.TrimSpace(req.EntityID) == "" && req.AtRank <= 0:
		return def, fmt.Errorf("%w: an entity or a rank is required", ErrInvalidInput)
	case req.AtRank < 0 || req.Before < 0 || req.After < 0:
		return def, fmt.Errorf("%w: negative rank or window", ErrInvalidInput)
	case req.Before > s.maxWindow || req.After > s.maxWindow:
		return def, fmt.Errorf("%w: window larger than %d", ErrInvalidInput, s.maxWindow)
	}
	return def, nil
}

func (s *Service) checkBoard(slug string, interval *leaderboard.Interval, mode string) (leaderboard.Definition, error) {
	def, ok := s.registry.Get(slug)
	if !ok {
		return def, fmt.Errorf("%w: %s", ErrUnknownLeaderboard, slug)
	}
	if *interval == 0 {
		*interval = leaderboard.Current
	}
	if !def.HasInterval(*interval) {
		return def, fmt.Errorf("%w: %s has no %s interval", ErrInvalidInput, slug, *interval)
	}
	if !validMode(mode) {
		return def, fmt.Errorf("%w: mode %q", ErrInvalidInput, mode)
	}
	return def, nil
}

// BoardRank is an entity's standing on one leaderboard.
type BoardRank struct {
	Slug  string
	Title string
	Entry model.Entry
}

// GetRanks returns the entity's current ranks on every leaderboard it is
// ranked on, read from the store.
func (s *Service) GetRanks(ctx context.Context, entityID, mode string) ([]BoardRank, error) {
	if strings.TrimSpace(entityID) == "" {
		return nil, fmt.Errorf("%w: missing entity id", ErrInvalidInput)
	}
	if !validMode(mode) {
		return nil, fmt.Errorf("%w: mode %q", ErrInvalidInput, mode)
	}
	var out []BoardRank
	for _, def := range s.registry.All() {
		if !def.HasInterval(leaderboard.Current) {
			continue
		}
		e, err := s.store.GetRank(ctx, repository.CurrentBoard(def.Slug), entityID, model.Filter{Mode: mode})
		if err != nil {
			return nil, fmt.Errorf("rank on %s: %w", def.Slug, err)
		}
		if e.Ranked() {
			out = append(out, BoardRank{Slug: def.Slug, Title: def.Title, Entry: e})
		}
	}
	return out, nil
}

// SliceRequest asks for a page of a ranking.
type SliceRequest struct {
	Slug       string
	Mode       string
	Interval   leaderboard.Interval
	Identifier string
	Offset     int
	Limit      int
	Removed    model.RemovedFilter
}

// GetSlice returns a page of a ranking from the store.
func (s *Service) GetSlice(ctx context.Context, req SliceRequest) ([]model.Entry, error) {
	if _, err := s.checkBoard(req.Slug, &req.Interval, req.Mode); err != nil {
		return nil, err
	}
	if req.Offset < 0 || req.Limit <= 0 || req.Limit > s.maxWindow {
		return nil, fmt.Errorf("%w: offset %d limit %d", ErrInvalidInput, req.Offset, req.Limit)
	}
	b := repository.Board{Slug: req.Slug, Interval: req.Interval, Identifier: req.Identifier}
	entries, err := s.store.GetSlice(ctx, b, req.Offset, req.Limit, model.Filter{Mode: req.Mode, Removed: req.Removed})
	if errors.Is(err, repository.ErrUnknownLeaderboard) {
		return nil, fmt.Errorf("%w: %w", ErrUnknownLeaderboard, err)
	}
	return entries, err
}
