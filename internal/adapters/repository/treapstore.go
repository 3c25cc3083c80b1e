package repository

import (
	"cmp"
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/okian/rankd/internal/domain/leaderboard"
	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/internal/domain/scoring"
	"github.com/okian/rankd/pkg/logger"
)

// Treap-based, in-memory Store implementation.
//
// Each board keeps its non-removed rows in a treap ordered by (score DESC,
// id DESC), so in-order traversal yields the leaderboard from best to worst
// and subtree sizes give ranks in O(log n). Removed rows and partition filters
// fall back to a filtered scan.

type row struct {
	id        int64
	entity    string
	mode      string
	score     float64
	baseline  float64
	removed   bool
	updatedAt time.Time
}

type node struct {
	r     *row
	score float64
	id    int64
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

// ahead reports whether (aScore, aID) ranks strictly better than (bScore, bID).
func ahead(aScore float64, aID int64, bScore float64, bID int64) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	return aID > bID
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, r *row) *node {
	if n == nil {
		return &node{r: r, score: r.score, id: r.id, prio: rand.Uint64(), size: 1} //nolint:gosec // treap balance only
	}
	if ahead(r.score, r.id, n.score, n.id) {
		n.left = insert(n.left, r)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, r)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, score float64, id int64) *node {
	if n == nil {
		return nil
	}
	if score == n.score && id == n.id {
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, score, id)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, score, id)
		}
	} else if ahead(score, id, n.score, n.id) {
		n.left = deleteNode(n.left, score, id)
	} else {
		n.right = deleteNode(n.right, score, id)
	}
	fix(n)
	return n
}

// countAhead returns how many nodes rank strictly better than (score, id).
func countAhead(n *node, score float64, id int64) int {
	count := 0
	for n != nil {
		if ahead(n.score, n.id, score, id) {
			count += nsize(n.left) + 1
			n = n.right
		} else {
			n = n.left
		}
	}
	return count
}

// walkFrom visits rows in rank order starting at the skip-th one until visit returns false.
func walkFrom(n *node, skip int, visit func(*row) bool) bool {
	if n == nil {
		return true
	}
	ls := nsize(n.left)
	if skip < ls {
		if !walkFrom(n.left, skip, visit) {
			return false
		}
		skip = 0
	} else {
		skip -= ls
	}
	if skip == 0 {
		if !visit(n.r) {
			return false
		}
	} else {
		skip--
	}
	return walkFrom(n.right, skip, visit)
}

type boardKey struct {
	slug     string
	interval leaderboard.Interval
	ident    string
}

type boardState struct {
	rows map[string]*row
	root *node // non-removed rows only
}

type entityInfo struct {
	name, profile, backing string
}

// TreapStore is the in-memory Store used for tests and single-node deployments.
type TreapStore struct {
	mu       sync.RWMutex
	cat      catalogue
	roll     rollover
	boards   map[boardKey]*boardState
	entities map[string]entityInfo
	removed  map[string]bool
	nextID   int64
	opts     options
}

// NewTreapStore constructs an empty in-memory store.
func NewTreapStore(opts ...Option) *TreapStore {
	return &TreapStore{
		boards:   make(map[boardKey]*boardState),
		entities: make(map[string]entityInfo),
		removed:  make(map[string]bool),
		opts:     buildOptions("treapstore", opts),
	}
}

func (s *TreapStore) Close() error { return nil }

func (s *TreapStore) EnsureLeaderboards(_ context.Context, defs []leaderboard.Definition) error {
	s.cat.set(defs)
	return nil
}

func (s *TreapStore) board(k boardKey) *boardState {
	st, ok := s.boards[k]
	if !ok {
		st = &boardState{rows: make(map[string]*row)}
		s.boards[k] = st
	}
	return st
}

func (s *TreapStore) lookup(k boardKey) *boardState {
	if st, ok := s.boards[k]; ok {
		return st
	}
	return &boardState{}
}

func (s *TreapStore) addRow(st *boardState, entity, mode string, score, baseline float64, removed bool, now time.Time) *row {
	s.nextID++
	r := &row{id: s.nextID, entity: entity, mode: mode, score: score, baseline: baseline, removed: removed, updatedAt: now}
	st.rows[entity] = r
	if !removed {
		st.root = insert(st.root, r)
	}
	return r
}

func (s *TreapStore) setScore(st *boardState, r *row, score float64) {
	if !r.removed {
		st.root = deleteNode(st.root, r.score, r.id)
	}
	r.score = score
	if !r.removed {
		st.root = insert(st.root, r)
	}
}

func (s *TreapStore) setRemoved(st *boardState, r *row, removed bool) bool {
	if r.removed == removed {
		return false
	}
	if removed {
		st.root = deleteNode(st.root, r.score, r.id)
	} else {
		st.root = insert(st.root, r)
	}
	r.removed = removed
	return true
}

func (s *TreapStore) UpsertScore(ctx context.Context, def leaderboard.Definition, u model.ScoreUpdate) (err error) {
	start := time.Now()
	defer func() { observe("upsert_score", start, err) }()

	raw, err := scoring.Normalize(def.Kind, u.Score)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cat.set([]leaderboard.Definition{def})
	now := s.opts.clock()
	s.rolloverLocked(ctx, def, now)

	var prevCurrent *row
	if def.HasInterval(leaderboard.Current) {
		prevCurrent = s.lookup(boardKey{slug: def.Slug, interval: leaderboard.Current}).rows[u.EntityID]
	}
	removed := s.removed[u.EntityID]

	// Recurring intervals first: a fresh delta row takes the current value before it moves.
	for _, interval := range def.Intervals {
		if !interval.Recurring() {
			continue
		}
		st := s.board(boardKey{slug: def.Slug, interval: interval, ident: leaderboard.Identifier(interval, now)})
		if r, ok := st.rows[u.EntityID]; ok {
			s.setScore(st, r, scoring.IntervalScore(def, interval, raw, r.baseline))
			touch(r, u.Mode, now)
			continue
		}
		baseline := raw
		if def.Delta && prevCurrent != nil {
			baseline = prevCurrent.score
		}
		score := scoring.IntervalScore(def, interval, raw, baseline)
		if !def.Delta && !def.Qualifies(score) {
			continue
		}
		s.addRow(st, u.EntityID, u.Mode, score, baseline, removed, now)
	}

	if def.HasInterval(leaderboard.Current) {
		st := s.board(boardKey{slug: def.Slug, interval: leaderboard.Current})
		if r, ok := st.rows[u.EntityID]; ok {
			s.setScore(st, r, raw)
			touch(r, u.Mode, now)
		} else if def.Qualifies(raw) {
			s.addRow(st, u.EntityID, u.Mode, raw, 0, removed, now)
		}
	}

	if u.HasDisplay() {
		s.entities[u.EntityID] = entityInfo{name: u.DisplayName, profile: u.ProfileLabel, backing: u.BackingID}
	}
	return nil
}

func touch(r *row, mode string, now time.Time) {
	if mode != "" {
		r.mode = mode
	}
	r.updatedAt = now
}

// rolloverLocked backfills every recurring interval of def whose identifier changed.
func (s *TreapStore) rolloverLocked(ctx context.Context, def leaderboard.Definition, now time.Time) {
	for _, interval := range def.Intervals {
		if !interval.Recurring() {
			continue
		}
		ident := leaderboard.Identifier(interval, now)
		if !s.roll.observe(def.Slug, interval, ident) {
			continue
		}
		n := s.backfillLocked(def, interval, ident, now)
		if n > 0 {
			s.opts.logger.Info(ctx, "interval rolled over",
				logger.String("slug", def.Slug),
				logger.String("interval", interval.String()),
				logger.String("identifier", ident),
				logger.Int("seeded", n),
			)
		}
	}
}

func (s *TreapStore) backfillLocked(def leaderboard.Definition, interval leaderboard.Interval, ident string, now time.Time) int {
	cur := s.lookup(boardKey{slug: def.Slug, interval: leaderboard.Current})
	if len(cur.rows) == 0 {
		return 0
	}
	// Seed in current-row id order so new ids keep the relative age of entities.
	src := make([]*row, 0, len(cur.rows))
	for _, r := range cur.rows {
		src = append(src, r)
	}
	slices.SortFunc(src, func(a, b *row) int { return cmp.Compare(a.id, b.id) })

	st := s.board(boardKey{slug: def.Slug, interval: interval, ident: ident})
	n := 0
	for _, c := range src {
		if _, ok := st.rows[c.entity]; ok {
			continue
		}
		score, baseline := scoring.Seed(def, interval, c.score)
		s.addRow(st, c.entity, c.mode, score, baseline, c.removed, now)
		n++
	}
	return n
}

func (s *TreapStore) ApplyUpdates(ctx context.Context, updates []model.ScoreUpdate) (int, error) {
	applied := 0
	for i := range updates {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		u := updates[i]
		def, ok := s.cat.get(u.Slug)
		if !ok {
			s.opts.logger.Warn(ctx, "skipping update for unknown leaderboard", logger.String("slug", u.Slug))
			continue
		}
		if err := s.UpsertScore(ctx, def, u); err != nil {
			s.opts.logger.Warn(ctx, "skipping invalid update",
				logger.String("slug", u.Slug),
				logger.String("entity", u.EntityID),
				logger.Error(err),
			)
			continue
		}
		applied++
	}
	return applied, nil
}

func fastPath(f model.Filter) bool {
	return f.Removed == model.NotRemoved && f.AnyMode()
}

func (s *TreapStore) toEntry(r *row) model.Entry {
	info := s.entities[r.entity]
	return model.Entry{
		ID: r.id, EntityID: r.entity, Mode: r.mode, Score: r.score, Baseline: r.baseline,
		Removed: r.removed, UpdatedAt: r.updatedAt,
		DisplayName: info.name, ProfileLabel: info.profile, BackingID: info.backing,
	}
}

// ranked returns the qualifying rows matching f in rank order.
func (s *TreapStore) ranked(st *boardState, def leaderboard.Definition, f model.Filter) []*row {
	out := make([]*row, 0, len(st.rows))
	for _, r := range st.rows {
		if def.Qualifies(r.score) && f.Match(model.Entry{Mode: r.mode, Removed: r.removed}) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b *row) int {
		if ahead(a.score, a.id, b.score, b.id) {
			return -1
		}
		return 1
	})
	return out
}

func (s *TreapStore) GetRank(_ context.Context, b Board, entityID string, f model.Filter) (entry model.Entry, err error) {
	start := time.Now()
	defer func() { observe("get_rank", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	def, b, err := s.cat.resolve(b, s.opts.clock())
	if err != nil {
		return model.Entry{}, err
	}
	return s.rankLocked(s.lookup(boardKey{b.Slug, b.Interval, b.Identifier}), def, entityID, f), nil
}

func (s *TreapStore) rankLocked(st *boardState, def leaderboard.Definition, entityID string, f model.Filter) model.Entry {
	r, ok := st.rows[entityID]
	if !ok {
		return model.Entry{EntityID: entityID, Rank: model.NotRanked}
	}
	e := s.toEntry(r)
	if !f.Match(e) || !def.Qualifies(r.score) {
		e.Rank = model.NotRanked
		return e
	}
	if fastPath(f) {
		e.Rank = countAhead(st.root, r.score, r.id) + 1
		return e
	}
	e.Rank = 1
	for _, o := range st.rows {
		if o != r && f.Match(model.Entry{Mode: o.mode, Removed: o.removed}) && ahead(o.score, o.id, r.score, r.id) {
			e.Rank++
		}
	}
	return e
}

func (s *TreapStore) GetSlice(_ context.Context, b Board, offset, limit int, f model.Filter) (out []model.Entry, err error) {
	start := time.Now()
	defer func() { observe("get_slice", start, err) }()

	if offset < 0 || limit <= 0 {
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, b, err := s.cat.resolve(b, s.opts.clock())
	if err != nil {
		return nil, err
	}
	return s.sliceLocked(s.lookup(boardKey{b.Slug, b.Interval, b.Identifier}), def, offset, limit, f), nil
}

func (s *TreapStore) sliceLocked(st *boardState, def leaderboard.Definition, offset, limit int, f model.Filter) []model.Entry {
	out := make([]model.Entry, 0, min(limit, len(st.rows)))
	emit := func(r *row) bool {
		if len(out) == limit || !def.Qualifies(r.score) {
			return false
		}
		e := s.toEntry(r)
		e.Rank = offset + len(out) + 1
		out = append(out, e)
		return true
	}
	if fastPath(f) {
		walkFrom(st.root, offset, emit)
		return out
	}
	rows := s.ranked(st, def, f)
	if offset >= len(rows) {
		return out
	}
	for _, r := range rows[offset:] {
		if !emit(r) {
			break
		}
	}
	return out
}

func (s *TreapStore) countLocked(st *boardState, def leaderboard.Definition, f model.Filter) int {
	if fastPath(f) {
		return countAhead(st.root, def.MinimumScore, 0)
	}
	return len(s.ranked(st, def, f))
}

func (s *TreapStore) GetNeighborWindow(_ context.Context, b Board, a model.Anchor, before, after int, f model.Filter) (w model.Window, err error) {
	start := time.Now()
	defer func() { observe("get_window", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	def, b, err := s.cat.resolve(b, s.opts.clock())
	if err != nil {
		return model.Window{}, err
	}
	st := s.lookup(boardKey{b.Slug, b.Interval, b.Identifier})

	rank := a.Rank
	switch {
	case a.ByRank():
	case a.EntityID != "":
		e := s.rankLocked(st, def, a.EntityID, f)
		if !e.Ranked() {
			return model.Window{}, nil
		}
		rank = e.Rank
	default:
		return model.Window{}, ErrInvalidAnchor
	}
	return windowAt(rank, s.countLocked(st, def, f), before, after, func(offset, limit int) ([]model.Entry, error) {
		if limit <= 0 {
			return nil, nil
		}
		return s.sliceLocked(st, def, offset, limit, f), nil
	})
}

func (s *TreapStore) MarkRemoved(_ context.Context, entityID string) (int, error) {
	return s.flagRemoved(entityID, true), nil
}

func (s *TreapStore) Restore(_ context.Context, entityID string) (int, error) {
	return s.flagRemoved(entityID, false), nil
}

func (s *TreapStore) flagRemoved(entityID string, removed bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if removed {
		s.removed[entityID] = true
	} else {
		delete(s.removed, entityID)
	}
	n := 0
	for _, st := range s.boards {
		if r, ok := st.rows[entityID]; ok && s.setRemoved(st, r, removed) {
			n++
		}
	}
	return n
}

func (s *TreapStore) EnsureIntervalRowsExist(_ context.Context, entityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.clock()
	n := 0
	for _, def := range s.cat.all() {
		cur, ok := s.lookup(boardKey{slug: def.Slug, interval: leaderboard.Current}).rows[entityID]
		if !ok {
			continue
		}
		for _, interval := range def.Intervals {
			if !interval.Recurring() {
				continue
			}
			st := s.board(boardKey{slug: def.Slug, interval: interval, ident: leaderboard.Identifier(interval, now)})
			if _, ok := st.rows[entityID]; ok {
				continue
			}
			score, baseline := scoring.Seed(def, interval, cur.score)
			s.addRow(st, entityID, cur.mode, score, baseline, cur.removed, now)
			n++
		}
	}
	return n, nil
}

func (s *TreapStore) BackfillInterval(_ context.Context, slug string, interval leaderboard.Interval, identifier string) (n int, err error) {
	start := time.Now()
	defer func() { observe("backfill", start, err) }()

	def, ok := s.cat.get(slug)
	if !ok || !def.HasInterval(interval) || !interval.Recurring() {
		return 0, fmt.Errorf("%w: %s/%s", ErrUnknownLeaderboard, slug, interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n = s.backfillLocked(def, interval, identifier, s.opts.clock())
	return n, nil
}

// RepairDuplicates is a no-op: rows are keyed by entity, so duplicates cannot exist.
func (s *TreapStore) RepairDuplicates(context.Context) (int, error) { return 0, nil }

func (s *TreapStore) CurrentEntries(_ context.Context, slug, mode string) ([]model.Entry, error) {
	def, ok := s.cat.get(slug)
	if !ok || !def.HasInterval(leaderboard.Current) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLeaderboard, slug)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.lookup(boardKey{slug: slug, interval: leaderboard.Current})
	f := model.Filter{Mode: mode}
	out := make([]model.Entry, 0, nsize(st.root))
	walkFrom(st.root, 0, func(r *row) bool {
		if !def.Qualifies(r.score) {
			return false
		}
		if f.AnyMode() || r.mode == mode {
			e := s.toEntry(r)
			e.Rank = len(out) + 1
			out = append(out, e)
		}
		return true
	})
	return out, nil
}
