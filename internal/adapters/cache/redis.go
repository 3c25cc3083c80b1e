// Package cache is the lazily populated Redis copy of current-interval
// rankings, plus the synchronizer that rebuilds the keys readers ask for.
//
// Readers never wait for a rebuild: a miss arms a request marker and reports
// the key as cold; the synchronizer later fulfils the marker from the store.
// A ranking counts as cached while its minimum-score key exists, so a rebuilt
// but empty ranking is a hit.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/pkg/logger"
	"github.com/okian/rankd/pkg/metrics"
)

// zaddChunk bounds the members sent in one ZADD during a rebuild.
const zaddChunk = 1000

// bumpScript updates a member of a live ranking only while that ranking is
// cached. Removed entities are ignored and scores under the cached minimum
// take the member out. An entity new to the ranking gets the next entry id,
// so it sorts ahead of older entries with the same score.
//
// KEYS: live, removed, min, order, seq. ARGV: score, entity, id width.
var bumpScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[3])
if ttl == -2 then
  return -1
end
if redis.call('SISMEMBER', KEYS[2], ARGV[2]) == 1 then
  return -2
end
local member = redis.call('HGET', KEYS[4], ARGV[2])
local min = redis.call('GET', KEYS[3])
if tonumber(ARGV[1]) < tonumber(min) then
  if member then
    redis.call('ZREM', KEYS[1], member)
  end
  return 0
end
if not member then
  local id = string.format('%d', redis.call('INCR', KEYS[5]))
  member = string.rep('0', tonumber(ARGV[3]) - #id) .. id .. ':' .. ARGV[2]
  redis.call('HSET', KEYS[4], ARGV[2], member)
end
local added = redis.call('ZADD', KEYS[1], ARGV[1], member)
if ttl > 0 then
  for _, key in ipairs({KEYS[1], KEYS[4]}) do
    if redis.call('PTTL', key) == -1 then
      redis.call('PEXPIRE', key, ttl)
    end
  end
end
return added
`)

// lookupScript reads one ranking atomically. It returns nil when the ranking
// is not cached, otherwise {min, size, rank, score} with rank -1 and an empty
// score for an entity that is not ranked.
//
// KEYS: live, order, min. ARGV: entity or "".
var lookupScript = redis.NewScript(`
local min = redis.call('GET', KEYS[3])
if not min then
  return false
end
local size = redis.call('ZCARD', KEYS[1])
local rank = -1
local score = ''
if ARGV[1] ~= '' then
  local member = redis.call('HGET', KEYS[2], ARGV[1])
  if member then
    local r = redis.call('ZREVRANK', KEYS[1], member)
    if r then
      rank = r
      score = redis.call('ZSCORE', KEYS[1], member)
    end
  end
end
return {min, size, rank, score}
`)

// removeScript takes an entity out of one live ranking. The order entry is
// kept so the entity returns with its old id.
//
// KEYS: live, order. ARGV: entity.
var removeScript = redis.NewScript(`
local member = redis.call('HGET', KEYS[2], ARGV[1])
if not member then
  return 0
end
return redis.call('ZREM', KEYS[1], member)
`)

// Lookup is the cache's answer for one entity or rank.
type Lookup struct {
	// Cold means the ranking is not cached; a rebuild has been requested.
	Cold     bool
	Rank     int
	Score    float64
	MinScore float64
	// Size is the number of cached entries.
	Size int
}

// Redis is the distributed ranking cache.
type Redis struct {
	client      redis.UniversalClient
	async       *Submitter
	log         logger.Logger
	cacheTTL    time.Duration
	metadataTTL time.Duration
	requestTTL  time.Duration
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// New wraps client.
func New(client redis.UniversalClient, opts ...Option) *Redis {
	r := &Redis{
		client:      client,
		cacheTTL:    DefaultCacheTTL,
		metadataTTL: DefaultMetadataTTL,
		requestTTL:  DefaultRequestTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Get().Named("cache")
	}
	if r.async == nil {
		r.async = NewSubmitter(0, 0, r.log.Named("async"))
	}
	return r
}

// Submitter returns the submitter used for background writes.
func (r *Redis) Submitter() *Submitter { return r.async }

// Close stops accepting background writes and releases the client.
func (r *Redis) Close() error {
	r.async.Close()
	return r.client.Close()
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

// touchRequest arms or heartbeats the request marker of k without blocking.
func (r *Redis) touchRequest(k Key, job string) {
	r.async.Submit(job, func(ctx context.Context) error {
		return r.client.Set(ctx, k.request(), 1, r.requestTTL).Err()
	})
}

// lookup reads the state of k and, when entityID is set, the entity's position.
func (r *Redis) lookup(ctx context.Context, k Key, entityID string) (Lookup, error) {
	vals, err := lookupScript.Run(ctx, r.client, []string{k.live(), k.order(), k.minScore()}, entityID).Slice()
	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheLookup("cold")
		r.touchRequest(k, "arm_request")
		return Lookup{Cold: true, Rank: model.NotRanked}, nil
	}
	if err == nil && len(vals) != 4 {
		err = fmt.Errorf("unexpected reply of %d values", len(vals))
	}
	if err != nil {
		metrics.RecordCacheLookup("error")
		return Lookup{}, fmt.Errorf("cache lookup %s: %w", k, err)
	}
	r.touchRequest(k, "heartbeat")

	lk := Lookup{Rank: model.NotRanked, Size: int(replyInt(vals[1]))}
	lk.MinScore, _ = replyFloat(vals[0])
	if rank := replyInt(vals[2]); rank >= 0 {
		lk.Rank = int(rank) + 1
		lk.Score, _ = replyFloat(vals[3])
		metrics.RecordCacheLookup("hit")
	} else {
		metrics.RecordCacheLookup("miss")
	}
	return lk, nil
}

func replyInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

func replyFloat(v any) (float64, error) {
	switch n := v.(type) {
	case string:
		return strconv.ParseFloat(n, 64)
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("unexpected reply %T", v)
}

// GetRank returns the cached position of entityID. A cold key arms the
// request marker; a hit refreshes it.
func (r *Redis) GetRank(ctx context.Context, slug, mode, entityID string) (Lookup, error) {
	k := NewKey(slug, mode)
	if !k.valid() {
		return Lookup{}, fmt.Errorf("%w: %s", ErrInvalidKey, k)
	}
	return r.lookup(ctx, k, entityID)
}

// GetWindow returns the anchor and its neighbors from the cached ranking,
// with display metadata from the member hashes.
func (r *Redis) GetWindow(ctx context.Context, slug, mode string, a model.Anchor, before, after int) (model.Window, Lookup, error) {
	k := NewKey(slug, mode)
	if !k.valid() {
		return model.Window{}, Lookup{}, fmt.Errorf("%w: %s", ErrInvalidKey, k)
	}
	entity := a.EntityID
	if a.ByRank() {
		entity = ""
	}
	lk, err := r.lookup(ctx, k, entity)
	if err != nil || lk.Cold {
		return model.Window{}, lk, err
	}

	rank := a.Rank
	if !a.ByRank() {
		if !lk.Ranked() {
			return model.Window{}, lk, nil
		}
		rank = lk.Rank
	}
	if rank > lk.Size {
		rank = lk.Size + 1
	}
	start := max(0, rank-1-before)
	stop := rank - 1 + after
	if stop < start {
		return model.Window{}, lk, nil
	}
	zs, err := r.client.ZRevRangeWithScores(ctx, k.live(), int64(start), int64(stop)).Result()
	if err != nil {
		return model.Window{}, Lookup{}, fmt.Errorf("cache window %s: %w", k, err)
	}
	entries := make([]model.Entry, 0, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		entries = append(entries, model.Entry{EntityID: memberEntity(member), Score: z.Score, Rank: start + i + 1})
	}
	if err := r.fillMetadata(ctx, entries); err != nil {
		return model.Window{}, Lookup{}, err
	}

	var w model.Window
	for i := range entries {
		e := entries[i]
		switch {
		case e.Rank < rank:
			w.Before = append(w.Before, e)
		case e.Rank == rank:
			w.Anchor = &e
			lk.Rank, lk.Score = e.Rank, e.Score
		default:
			w.After = append(w.After, e)
		}
	}
	return w, lk, nil
}

// Ranked reports whether the lookup found the entity.
func (l Lookup) Ranked() bool { return !l.Cold && l.Rank > 0 }

func (r *Redis) fillMetadata(ctx context.Context, entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(entries))
	for i, e := range entries {
		cmds[i] = pipe.HGetAll(ctx, memberKey(e.EntityID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache metadata: %w", err)
	}
	for i, cmd := range cmds {
		m := cmd.Val()
		entries[i].ProfileLabel = m["profile"]
		entries[i].DisplayName = m["name"]
		entries[i].BackingID = m["uuid"]
	}
	return nil
}

// Rebuild replaces the live ranking of (slug, mode) with entries. The new set
// and its entity-to-member index are staged under temp keys and renamed over
// the live keys inside one MULTI/EXEC, so readers see either the old or the
// new ranking. An empty entry set leaves a cached, empty ranking.
func (r *Redis) Rebuild(ctx context.Context, slug, mode string, entries []model.Entry, minScore float64) error {
	k := NewKey(slug, mode)
	if !k.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidKey, k)
	}
	var seq int64
	for _, e := range entries {
		seq = max(seq, e.ID)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k.temp(), k.orderTemp())
		pipe.Set(ctx, k.minScore(), strconv.FormatFloat(minScore, 'f', -1, 64), r.cacheTTL)
		pipe.Set(ctx, k.seq(), seq, r.cacheTTL)
		if len(entries) == 0 {
			pipe.Del(ctx, k.live(), k.order())
			return nil
		}
		for lo := 0; lo < len(entries); lo += zaddChunk {
			hi := min(lo+zaddChunk, len(entries))
			zs := make([]redis.Z, 0, hi-lo)
			fields := make([]any, 0, 2*(hi-lo))
			for _, e := range entries[lo:hi] {
				member := rankMember(e.ID, e.EntityID)
				zs = append(zs, redis.Z{Score: e.Score, Member: member})
				fields = append(fields, e.EntityID, member)
			}
			pipe.ZAdd(ctx, k.temp(), zs...)
			pipe.HSet(ctx, k.orderTemp(), fields...)
		}
		pipe.Rename(ctx, k.temp(), k.live())
		pipe.Rename(ctx, k.orderTemp(), k.order())
		pipe.Expire(ctx, k.live(), r.cacheTTL)
		pipe.Expire(ctx, k.order(), r.cacheTTL)
		for _, e := range entries {
			mk := memberKey(e.EntityID)
			pipe.HSet(ctx, mk, "profile", e.ProfileLabel, "name", e.DisplayName, "uuid", e.BackingID)
			pipe.Expire(ctx, mk, r.metadataTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache rebuild %s: %w", k, err)
	}
	metrics.RecordCacheRebuild(len(entries))
	return nil
}

// Bump writes one score into the live ranking of (slug, mode) if that
// ranking is currently cached.
func (r *Redis) Bump(ctx context.Context, slug, mode, entityID string, score float64) error {
	k := NewKey(slug, mode)
	if !k.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidKey, k)
	}
	keys := []string{k.live(), removedKey, k.minScore(), k.order(), k.seq()}
	err := bumpScript.Run(ctx, r.client, keys, score, entityID, memberIDWidth).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache bump %s: %w", k, err)
	}
	return nil
}

// Remove hides entityID from every cached ranking until Restore.
func (r *Redis) Remove(ctx context.Context, entityID string) error {
	if err := r.client.SAdd(ctx, removedKey, entityID).Err(); err != nil {
		return fmt.Errorf("cache remove %s: %w", entityID, err)
	}
	keys, err := r.scan(ctx, livePrefix+"*", parseLiveKey)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := removeScript.Run(ctx, r.client, []string{k.live(), k.order()}, entityID).Err(); err != nil {
			return fmt.Errorf("cache remove %s from %s: %w", entityID, k, err)
		}
	}
	return nil
}

// Restore lets entityID back into cached rankings. It reappears with the
// next rebuild or bump.
func (r *Redis) Restore(ctx context.Context, entityID string) error {
	if err := r.client.SRem(ctx, removedKey, entityID).Err(); err != nil {
		return fmt.Errorf("cache restore %s: %w", entityID, err)
	}
	return nil
}

// Wanted lists the keys with a live request marker.
func (r *Redis) Wanted(ctx context.Context) ([]Key, error) {
	return r.scan(ctx, requestPrefix+"*", parseRequestKey)
}

func (r *Redis) scan(ctx context.Context, match string, parse func(string) (Key, bool)) ([]Key, error) {
	var (
		out    []Key
		cursor uint64
	)
	seen := make(map[Key]bool)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("cache scan %s: %w", match, err)
		}
		for _, raw := range keys {
			if k, ok := parse(raw); ok && !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

// Forget drops the request marker of k.
func (r *Redis) Forget(ctx context.Context, k Key) error {
	if err := r.client.Del(ctx, k.request()).Err(); err != nil {
		return fmt.Errorf("cache forget %s: %w", k, err)
	}
	return nil
}

// IsFresh reports whether k was rebuilt within window, judged by how much of
// the minimum-score key's TTL remains.
func (r *Redis) IsFresh(ctx context.Context, k Key, window time.Duration) (bool, error) {
	ttl, err := r.client.TTL(ctx, k.minScore()).Result()
	if err != nil {
		return false, fmt.Errorf("cache ttl %s: %w", k, err)
	}
	if ttl <= 0 {
		return false, nil
	}
	return ttl > r.cacheTTL-window, nil
}
