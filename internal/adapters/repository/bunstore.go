package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/okian/rankd/internal/adapters/repository/migrations"
	"github.com/okian/rankd/internal/domain/leaderboard"
	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/internal/domain/scoring"
	"github.com/okian/rankd/pkg/logger"
	"github.com/okian/rankd/pkg/metrics"
)

type leaderboardRow struct {
	bun.BaseModel `bun:"table:leaderboards,alias:lb"`

	ID           int64   `bun:"id,pk,autoincrement"`
	Slug         string  `bun:"slug,notnull"`
	Title        string  `bun:"title,notnull"`
	IntervalKind string  `bun:"interval_kind,notnull"`
	MinimumScore float64 `bun:"minimum_score,notnull"`
	Scope        string  `bun:"scope,notnull"`
	ScoreKind    string  `bun:"score_kind,notnull"`
}

type entryRow struct {
	bun.BaseModel `bun:"table:leaderboard_entries,alias:le"`

	ID                 int64     `bun:"id,pk,autoincrement"`
	LeaderboardID      int64     `bun:"leaderboard_id,notnull"`
	IntervalIdentifier *string   `bun:"interval_identifier"`
	MemberID           *string   `bun:"member_id"`
	ProfileID          *string   `bun:"profile_id"`
	Score              float64   `bun:"score,notnull"`
	BaselineScore      float64   `bun:"baseline_score,notnull"`
	IsRemoved          bool      `bun:"is_removed,notnull,default:false"`
	PartitionTag       string    `bun:"partition_tag,notnull,default:''"`
	UpdatedAt          time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

func (r *entryRow) setEntity(scope leaderboard.Scope, entityID string) {
	id := entityID
	if scope == leaderboard.ScopeProfile {
		r.ProfileID = &id
		return
	}
	r.MemberID = &id
}

func (r entryRow) entityID() string {
	switch {
	case r.MemberID != nil:
		return *r.MemberID
	case r.ProfileID != nil:
		return *r.ProfileID
	}
	return ""
}

func (r entryRow) entry() model.Entry {
	return model.Entry{
		ID: r.ID, EntityID: r.entityID(), Mode: r.PartitionTag, Score: r.Score, Baseline: r.BaselineScore,
		Removed: r.IsRemoved, UpdatedAt: r.UpdatedAt,
	}
}

type entityRow struct {
	bun.BaseModel `bun:"table:leaderboard_entities,alias:ent"`

	EntityID     string    `bun:"entity_id,pk"`
	DisplayName  string    `bun:"display_name,notnull,default:''"`
	ProfileLabel string    `bun:"profile_label,notnull,default:''"`
	BackingID    string    `bun:"backing_id,notnull,default:''"`
	IsRemoved    bool      `bun:"is_removed,notnull,default:false"`
	UpdatedAt    time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

// keyColumn is the entries column holding the entity id for scope.
func keyColumn(scope leaderboard.Scope) string {
	if scope == leaderboard.ScopeProfile {
		return "profile_id"
	}
	return "member_id"
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// boardRef is a resolved board: its leaderboards row and interval identifier.
type boardRef struct {
	id    int64
	ident *string
	def   leaderboard.Definition
	col   string
}

// rows restricts a query to the board.
func (r boardRef) rows(q *bun.SelectQuery) *bun.SelectQuery {
	q = q.Where("leaderboard_id = ?", r.id)
	if r.ident == nil {
		return q.Where("interval_identifier IS NULL")
	}
	return q.Where("interval_identifier = ?", *r.ident)
}

// ranked restricts a board query to qualifying rows matching f.
func (r boardRef) ranked(f model.Filter) func(*bun.SelectQuery) *bun.SelectQuery {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		q = r.rows(q).Where("score >= ?", r.def.MinimumScore)
		switch f.Removed {
		case model.NotRemoved:
			q = q.Where("is_removed = FALSE")
		case model.Removed:
			q = q.Where("is_removed = TRUE")
		}
		if !f.AnyMode() {
			q = q.Where("partition_tag = ?", f.Mode)
		}
		return q
	}
}

// BunStore is the PostgreSQL Store built on bun.
type BunStore struct {
	db   *bun.DB
	cat  catalogue
	roll rollover
	opts options

	idsMu sync.RWMutex
	ids   map[string]int64
}

// Open connects to PostgreSQL through pgdriver and verifies the connection.
func Open(ctx context.Context, dsn string) (*bun.DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// NewBunStore wraps an open database. The schema must already be migrated.
func NewBunStore(db *bun.DB, opts ...Option) *BunStore {
	return &BunStore{
		db:   db,
		opts: buildOptions("bunstore", opts),
		ids:  make(map[string]int64),
	}
}

func (s *BunStore) Close() error { return s.db.Close() }

func idKey(slug string, interval leaderboard.Interval) string {
	return slug + "/" + interval.String()
}

func (s *BunStore) EnsureLeaderboards(ctx context.Context, defs []leaderboard.Definition) (err error) {
	start := time.Now()
	defer func() { observe("ensure_leaderboards", start, err) }()

	for _, def := range defs {
		for _, interval := range def.Intervals {
			row := &leaderboardRow{
				Slug:         def.Slug,
				Title:        def.Title,
				IntervalKind: interval.String(),
				MinimumScore: def.MinimumScore,
				Scope:        def.Scope.String(),
				ScoreKind:    def.Kind.String(),
			}
			_, err := s.db.NewInsert().
				Model(row).
				On("CONFLICT (slug, interval_kind) DO UPDATE").
				Set("title = EXCLUDED.title").
				Set("minimum_score = EXCLUDED.minimum_score").
				Set("scope = EXCLUDED.scope").
				Set("score_kind = EXCLUDED.score_kind").
				Returning("id").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to upsert leaderboard %s/%s: %w", def.Slug, interval, err)
			}
			s.idsMu.Lock()
			s.ids[idKey(def.Slug, interval)] = row.ID
			s.idsMu.Unlock()
		}
	}
	s.cat.set(defs)
	return nil
}

func (s *BunStore) leaderboardID(ctx context.Context, slug string, interval leaderboard.Interval) (int64, error) {
	key := idKey(slug, interval)
	s.idsMu.RLock()
	id, ok := s.ids[key]
	s.idsMu.RUnlock()
	if ok {
		return id, nil
	}
	var row leaderboardRow
	err := s.db.NewSelect().
		Model(&row).
		Column("id").
		Where("slug = ? AND interval_kind = ?", slug, interval.String()).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownLeaderboard, key)
		}
		return 0, fmt.Errorf("failed to load leaderboard %s: %w", key, err)
	}
	s.idsMu.Lock()
	s.ids[key] = row.ID
	s.idsMu.Unlock()
	return row.ID, nil
}

func (s *BunStore) ref(ctx context.Context, def leaderboard.Definition, interval leaderboard.Interval, ident string) (boardRef, error) {
	id, err := s.leaderboardID(ctx, def.Slug, interval)
	if err != nil {
		return boardRef{}, err
	}
	return boardRef{id: id, ident: nullable(ident), def: def, col: keyColumn(def.Scope)}, nil
}

func (s *BunStore) resolve(ctx context.Context, b Board) (boardRef, error) {
	def, b, err := s.cat.resolve(b, s.opts.clock())
	if err != nil {
		return boardRef{}, err
	}
	return s.ref(ctx, def, b.Interval, b.Identifier)
}

// findRow returns the oldest row of entityID on the board, or nil.
func findRow(ctx context.Context, db bun.IDB, ref boardRef, entityID string) (*entryRow, error) {
	row := new(entryRow)
	err := db.NewSelect().
		Model(row).
		Apply(ref.rows).
		Where("? = ?", bun.Ident(ref.col), entityID).
		OrderExpr("id ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	return row, nil
}

// insertRow reports false when a concurrent writer already holds the key.
func insertRow(ctx context.Context, db bun.IDB, ref boardRef, entityID, mode string, score, baseline float64, removed bool, now time.Time) (bool, error) {
	row := &entryRow{
		LeaderboardID:      ref.id,
		IntervalIdentifier: ref.ident,
		Score:              score,
		BaselineScore:      baseline,
		IsRemoved:          removed,
		PartitionTag:       mode,
		UpdatedAt:          now,
	}
	row.setEntity(ref.def.Scope, entityID)
	res, err := db.NewInsert().Model(row).On("CONFLICT DO NOTHING").Exec(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func updateRow(ctx context.Context, db bun.IDB, id int64, score float64, mode string, now time.Time) error {
	q := db.NewUpdate().
		Model((*entryRow)(nil)).
		Set("score = ?", score).
		Set("updated_at = ?", now).
		Where("id = ?", id)
	if mode != "" {
		q = q.Set("partition_tag = ?", mode)
	}
	if _, err := q.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	return nil
}

func (s *BunStore) UpsertScore(ctx context.Context, def leaderboard.Definition, u model.ScoreUpdate) (err error) {
	start := time.Now()
	defer func() { observe("upsert_score", start, err) }()

	s.cat.set([]leaderboard.Definition{def})
	now := s.opts.clock()
	if err := s.rollover(ctx, def, now); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.upsertTx(ctx, tx, def, u, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *BunStore) upsertTx(ctx context.Context, tx bun.IDB, def leaderboard.Definition, u model.ScoreUpdate, now time.Time) error {
	raw, err := scoring.Normalize(def.Kind, u.Score)
	if err != nil {
		return err
	}
	removed, err := tx.NewSelect().
		Model((*entityRow)(nil)).
		Where("entity_id = ? AND is_removed = TRUE", u.EntityID).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to load entity: %w", err)
	}

	var prev *entryRow
	if def.HasInterval(leaderboard.Current) {
		ref, err := s.ref(ctx, def, leaderboard.Current, "")
		if err != nil {
			return err
		}
		if prev, err = findRow(ctx, tx, ref, u.EntityID); err != nil {
			return err
		}
	}

	for _, interval := range def.Intervals {
		if !interval.Recurring() {
			continue
		}
		ref, err := s.ref(ctx, def, interval, leaderboard.Identifier(interval, now))
		if err != nil {
			return err
		}
		row, err := findRow(ctx, tx, ref, u.EntityID)
		if err != nil {
			return err
		}
		if row != nil {
			if err := updateRow(ctx, tx, row.ID, scoring.IntervalScore(def, interval, raw, row.BaselineScore), u.Mode, now); err != nil {
				return err
			}
			continue
		}
		baseline := raw
		if def.Delta && prev != nil {
			baseline = prev.Score
		}
		score := scoring.IntervalScore(def, interval, raw, baseline)
		if !def.Delta && !def.Qualifies(score) {
			continue
		}
		inserted, err := insertRow(ctx, tx, ref, u.EntityID, u.Mode, score, baseline, removed, now)
		if err != nil {
			return err
		}
		if inserted {
			continue
		}
		if row, err = findRow(ctx, tx, ref, u.EntityID); err != nil {
			return err
		}
		if row == nil {
			continue
		}
		if err := updateRow(ctx, tx, row.ID, scoring.IntervalScore(def, interval, raw, row.BaselineScore), u.Mode, now); err != nil {
			return err
		}
	}

	if def.HasInterval(leaderboard.Current) {
		ref, err := s.ref(ctx, def, leaderboard.Current, "")
		if err != nil {
			return err
		}
		if prev == nil && def.Qualifies(raw) {
			inserted, err := insertRow(ctx, tx, ref, u.EntityID, u.Mode, raw, 0, removed, now)
			if err != nil {
				return err
			}
			if !inserted {
				if prev, err = findRow(ctx, tx, ref, u.EntityID); err != nil {
					return err
				}
			}
		}
		if prev != nil {
			if err := updateRow(ctx, tx, prev.ID, raw, u.Mode, now); err != nil {
				return err
			}
		}
	}

	if u.HasDisplay() {
		ent := &entityRow{
			EntityID:     u.EntityID,
			DisplayName:  u.DisplayName,
			ProfileLabel: u.ProfileLabel,
			BackingID:    u.BackingID,
			UpdatedAt:    now,
		}
		_, err := tx.NewInsert().
			Model(ent).
			On("CONFLICT (entity_id) DO UPDATE").
			Set("display_name = EXCLUDED.display_name").
			Set("profile_label = EXCLUDED.profile_label").
			Set("backing_id = EXCLUDED.backing_id").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to upsert entity: %w", err)
		}
	}
	return nil
}

// rollover backfills every recurring interval of def whose identifier changed.
// Without a current interval there is nothing to seed from.
func (s *BunStore) rollover(ctx context.Context, def leaderboard.Definition, now time.Time) error {
	if !def.HasInterval(leaderboard.Current) {
		return nil
	}
	for _, interval := range def.Intervals {
		if !interval.Recurring() {
			continue
		}
		ident := leaderboard.Identifier(interval, now)
		if !s.roll.observe(def.Slug, interval, ident) {
			continue
		}
		n, err := s.seed(ctx, def, interval, ident, "", now)
		if err != nil {
			s.roll.forget(def.Slug, interval)
			return err
		}
		if n > 0 {
			metrics.RecordBackfilledRows(n)
			s.opts.logger.Info(ctx, "interval rolled over",
				logger.String("slug", def.Slug),
				logger.String("interval", interval.String()),
				logger.String("identifier", ident),
				logger.Int("seeded", n),
			)
		}
	}
	return nil
}

// ApplyUpdates applies the chunk in one transaction. Updates for unknown
// leaderboards, with invalid scores, or for a leaderboard whose rollover
// failed are skipped; any other database error rolls back the whole chunk.
func (s *BunStore) ApplyUpdates(ctx context.Context, updates []model.ScoreUpdate) (applied int, err error) {
	start := time.Now()
	defer func() { observe("apply_updates", start, err) }()

	now := s.opts.clock()
	seen := make(map[string]bool)
	failed := make(map[string]bool)
	for _, u := range updates {
		def, ok := s.cat.get(u.Slug)
		if !ok || seen[u.Slug] {
			continue
		}
		seen[u.Slug] = true
		if err := s.rollover(ctx, def, now); err != nil {
			s.opts.logger.Warn(ctx, "skipping updates after failed rollover",
				logger.String("slug", u.Slug),
				logger.Error(err),
			)
			failed[u.Slug] = true
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range updates {
		u := updates[i]
		def, ok := s.cat.get(u.Slug)
		if !ok {
			s.opts.logger.Warn(ctx, "skipping update for unknown leaderboard", logger.String("slug", u.Slug))
			continue
		}
		if failed[u.Slug] {
			continue
		}
		if err := s.upsertTx(ctx, tx, def, u, now); err != nil {
			if errors.Is(err, scoring.ErrInvalidScore) {
				s.opts.logger.Warn(ctx, "skipping invalid update",
					logger.String("slug", u.Slug),
					logger.String("entity", u.EntityID),
					logger.Error(err),
				)
				continue
			}
			return 0, err
		}
		applied++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit updates: %w", err)
	}
	return applied, nil
}

// attach fills display metadata from the entity directory.
func (s *BunStore) attach(ctx context.Context, entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.EntityID)
	}
	var ents []entityRow
	if err := s.db.NewSelect().Model(&ents).Where("entity_id IN (?)", bun.In(ids)).Scan(ctx); err != nil {
		return fmt.Errorf("failed to load entities: %w", err)
	}
	byID := make(map[string]entityRow, len(ents))
	for _, e := range ents {
		byID[e.EntityID] = e
	}
	for i := range entries {
		if ent, ok := byID[entries[i].EntityID]; ok {
			entries[i].DisplayName = ent.DisplayName
			entries[i].ProfileLabel = ent.ProfileLabel
			entries[i].BackingID = ent.BackingID
		}
	}
	return nil
}

func (s *BunStore) GetRank(ctx context.Context, b Board, entityID string, f model.Filter) (entry model.Entry, err error) {
	start := time.Now()
	defer func() { observe("get_rank", start, err) }()

	ref, err := s.resolve(ctx, b)
	if err != nil {
		return model.Entry{}, err
	}
	return s.rank(ctx, ref, entityID, f)
}

func (s *BunStore) rank(ctx context.Context, ref boardRef, entityID string, f model.Filter) (model.Entry, error) {
	row, err := findRow(ctx, s.db, ref, entityID)
	if err != nil {
		return model.Entry{}, err
	}
	if row == nil {
		return model.Entry{EntityID: entityID, Rank: model.NotRanked}, nil
	}
	e := row.entry()
	one := []model.Entry{e}
	if err := s.attach(ctx, one); err != nil {
		return model.Entry{}, err
	}
	e = one[0]
	if !f.Match(e) || !ref.def.Qualifies(row.Score) {
		e.Rank = model.NotRanked
		return e, nil
	}
	ahead, err := s.db.NewSelect().
		Model((*entryRow)(nil)).
		Apply(ref.ranked(f)).
		Where("(score > ? OR (score = ? AND id > ?))", row.Score, row.Score, row.ID).
		Count(ctx)
	if err != nil {
		return model.Entry{}, fmt.Errorf("failed to count entries ahead: %w", err)
	}
	e.Rank = ahead + 1
	return e, nil
}

func (s *BunStore) GetSlice(ctx context.Context, b Board, offset, limit int, f model.Filter) (out []model.Entry, err error) {
	start := time.Now()
	defer func() { observe("get_slice", start, err) }()

	if offset < 0 || limit <= 0 {
		return nil, ErrInvalidLimit
	}
	ref, err := s.resolve(ctx, b)
	if err != nil {
		return nil, err
	}
	return s.slice(ctx, ref, offset, limit, f)
}

func (s *BunStore) slice(ctx context.Context, ref boardRef, offset, limit int, f model.Filter) ([]model.Entry, error) {
	var rows []entryRow
	q := s.db.NewSelect().
		Model(&rows).
		Apply(ref.ranked(f)).
		OrderExpr("score DESC, id DESC").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to load slice: %w", err)
	}
	out := make([]model.Entry, 0, len(rows))
	for i, r := range rows {
		e := r.entry()
		e.Rank = offset + i + 1
		out = append(out, e)
	}
	if err := s.attach(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BunStore) GetNeighborWindow(ctx context.Context, b Board, a model.Anchor, before, after int, f model.Filter) (w model.Window, err error) {
	start := time.Now()
	defer func() { observe("get_window", start, err) }()

	ref, err := s.resolve(ctx, b)
	if err != nil {
		return model.Window{}, err
	}
	rank := a.Rank
	switch {
	case a.ByRank():
	case a.EntityID != "":
		e, err := s.rank(ctx, ref, a.EntityID, f)
		if err != nil {
			return model.Window{}, err
		}
		if !e.Ranked() {
			return model.Window{}, nil
		}
		rank = e.Rank
	default:
		return model.Window{}, ErrInvalidAnchor
	}
	total, err := s.db.NewSelect().Model((*entryRow)(nil)).Apply(ref.ranked(f)).Count(ctx)
	if err != nil {
		return model.Window{}, fmt.Errorf("failed to count entries: %w", err)
	}
	return windowAt(rank, total, before, after, func(offset, limit int) ([]model.Entry, error) {
		if limit <= 0 {
			return nil, nil
		}
		return s.slice(ctx, ref, offset, limit, f)
	})
}

func (s *BunStore) MarkRemoved(ctx context.Context, entityID string) (int, error) {
	return s.flagRemoved(ctx, entityID, true)
}

func (s *BunStore) Restore(ctx context.Context, entityID string) (int, error) {
	return s.flagRemoved(ctx, entityID, false)
}

func (s *BunStore) flagRemoved(ctx context.Context, entityID string, removed bool) (n int, err error) {
	start := time.Now()
	defer func() { observe("flag_removed", start, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.opts.clock()
	res, err := tx.NewUpdate().
		Model((*entryRow)(nil)).
		Set("is_removed = ?", removed).
		Set("updated_at = ?", now).
		Where("(member_id = ? OR profile_id = ?)", entityID, entityID).
		Where("is_removed <> ?", removed).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to flag entries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	// The entity row carries the flag to rows created later.
	ent := &entityRow{EntityID: entityID, IsRemoved: removed, UpdatedAt: now}
	_, err = tx.NewInsert().
		Model(ent).
		On("CONFLICT (entity_id) DO UPDATE").
		Set("is_removed = EXCLUDED.is_removed").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to flag entity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return int(affected), nil
}

// seed inserts, in one statement, an interval row for every entity (or just
// entityID) with a current row and no row under ident.
func (s *BunStore) seed(ctx context.Context, def leaderboard.Definition, interval leaderboard.Interval, ident, entityID string, now time.Time) (int, error) {
	cur, err := s.ref(ctx, def, leaderboard.Current, "")
	if err != nil {
		return 0, err
	}
	dst, err := s.ref(ctx, def, interval, ident)
	if err != nil {
		return 0, err
	}
	score := "c.score"
	if def.Delta {
		score = "0"
	}
	col := bun.Ident(cur.col)

	var b strings.Builder
	b.WriteString(`INSERT INTO leaderboard_entries
		(leaderboard_id, interval_identifier, member_id, profile_id, score, baseline_score, is_removed, partition_tag, updated_at)
	SELECT ?, ?, c.member_id, c.profile_id, ` + score + `, c.score, c.is_removed, c.partition_tag, ?
	FROM leaderboard_entries AS c
	WHERE c.leaderboard_id = ? AND c.interval_identifier IS NULL
	AND c.id = (SELECT min(d.id) FROM leaderboard_entries AS d
		WHERE d.leaderboard_id = c.leaderboard_id AND d.interval_identifier IS NULL AND d.? = c.?)
	AND NOT EXISTS (SELECT 1 FROM leaderboard_entries AS e
		WHERE e.leaderboard_id = ? AND e.interval_identifier = ? AND e.? = c.?)`)
	args := []any{dst.id, ident, now, cur.id, col, col, dst.id, ident, col, col}
	if entityID != "" {
		b.WriteString(` AND c.? = ?`)
		args = append(args, col, entityID)
	}
	b.WriteString(` ORDER BY c.id ON CONFLICT DO NOTHING`)

	res, err := s.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to seed %s/%s %s: %w", def.Slug, interval, ident, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (s *BunStore) EnsureIntervalRowsExist(ctx context.Context, entityID string) (n int, err error) {
	start := time.Now()
	defer func() { observe("ensure_interval_rows", start, err) }()

	now := s.opts.clock()
	for _, def := range s.cat.all() {
		if !def.HasInterval(leaderboard.Current) {
			continue
		}
		for _, interval := range def.Intervals {
			if !interval.Recurring() {
				continue
			}
			seeded, err := s.seed(ctx, def, interval, leaderboard.Identifier(interval, now), entityID, now)
			if err != nil {
				return n, err
			}
			n += seeded
		}
	}
	return n, nil
}

func (s *BunStore) BackfillInterval(ctx context.Context, slug string, interval leaderboard.Interval, identifier string) (n int, err error) {
	start := time.Now()
	defer func() { observe("backfill", start, err) }()

	def, ok := s.cat.get(slug)
	if !ok || !def.HasInterval(interval) || !interval.Recurring() {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnknownLeaderboard, slug, interval)
	}
	if !def.HasInterval(leaderboard.Current) {
		return 0, nil
	}
	n, err = s.seed(ctx, def, interval, identifier, "", s.opts.clock())
	if err == nil && n > 0 {
		metrics.RecordBackfilledRows(n)
	}
	return n, err
}

type duplicateKey struct {
	LeaderboardID      int64   `bun:"leaderboard_id"`
	IntervalIdentifier *string `bun:"interval_identifier"`
	MemberID           *string `bun:"member_id"`
	ProfileID          *string `bun:"profile_id"`
	Count              int     `bun:"n"`
}

func (s *BunStore) RepairDuplicates(ctx context.Context) (n int, err error) {
	start := time.Now()
	defer func() { observe("repair_duplicates", start, err) }()

	var dups []duplicateKey
	err = s.db.NewSelect().
		Model((*entryRow)(nil)).
		Column("leaderboard_id", "interval_identifier", "member_id", "profile_id").
		ColumnExpr("count(*) AS n").
		Group("leaderboard_id", "interval_identifier", "member_id", "profile_id").
		Having("count(*) > 1").
		Scan(ctx, &dups)
	if err != nil {
		return 0, fmt.Errorf("failed to find duplicates: %w", err)
	}
	if len(dups) == 0 {
		return 0, nil
	}
	for _, d := range dups {
		entity := entryRow{MemberID: d.MemberID, ProfileID: d.ProfileID}
		ident := ""
		if d.IntervalIdentifier != nil {
			ident = *d.IntervalIdentifier
		}
		s.opts.logger.Warn(ctx, "duplicate leaderboard entries",
			logger.Int64("leaderboard_id", d.LeaderboardID),
			logger.String("identifier", ident),
			logger.String("entity", entity.entityID()),
			logger.Int("rows", d.Count),
		)
	}

	res, err := s.db.ExecContext(ctx, migrations.DeleteDuplicateEntries)
	if err != nil {
		return 0, fmt.Errorf("failed to delete duplicates: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	metrics.RecordDuplicateRepairs(int(deleted))
	return int(deleted), nil
}

func (s *BunStore) CurrentEntries(ctx context.Context, slug, mode string) ([]model.Entry, error) {
	def, ok := s.cat.get(slug)
	if !ok || !def.HasInterval(leaderboard.Current) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLeaderboard, slug)
	}
	ref, err := s.ref(ctx, def, leaderboard.Current, "")
	if err != nil {
		return nil, err
	}
	return s.slice(ctx, ref, 0, 0, model.Filter{Mode: mode})
}
