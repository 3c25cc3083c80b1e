package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/pkg/logger"
)

func newTestCache(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := New(client,
		WithLogger(logger.NewNop()),
		WithCacheTTL(30*time.Minute),
		WithRequestTTL(5*time.Minute),
	)
	return c, mr
}

func entries(scores ...float64) []model.Entry {
	out := make([]model.Entry, len(scores))
	for i, s := range scores {
		out[i] = model.Entry{EntityID: fmt.Sprintf("e%02d", i+1), Score: s, DisplayName: fmt.Sprintf("name-%d", i+1)}
	}
	return out
}

// cachedEntities lists the entity ids of a live ranking in miniredis order.
func cachedEntities(mr *miniredis.Miniredis, key string) []string {
	members, err := mr.ZMembers(key)
	if err != nil {
		return nil
	}
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = memberEntity(m)
	}
	return out
}

func TestRedisCache(t *testing.T) {
	Convey("Given an empty cache", t, func() {
		c, mr := newTestCache(t)
		ctx := context.Background()

		Convey("When a rank is looked up on a cold key", func() {
			lk, err := c.GetRank(ctx, "experience", "", "e01")
			c.Submitter().Wait()

			Convey("Then it reports cold and arms the request marker", func() {
				So(err, ShouldBeNil)
				So(lk.Cold, ShouldBeTrue)
				So(lk.Rank, ShouldEqual, model.NotRanked)
				So(mr.Exists("lb-req:experience:all"), ShouldBeTrue)
				So(mr.TTL("lb-req:experience:all"), ShouldEqual, 5*time.Minute)
			})

			Convey("Then the marker is listed as wanted", func() {
				keys, err := c.Wanted(ctx)
				So(err, ShouldBeNil)
				So(keys, ShouldResemble, []Key{{Slug: "experience", Mode: "all"}})

				So(c.Forget(ctx, keys[0]), ShouldBeNil)
				keys, err = c.Wanted(ctx)
				So(err, ShouldBeNil)
				So(keys, ShouldBeEmpty)
			})
		})

		Convey("When a ranking is rebuilt", func() {
			So(c.Rebuild(ctx, "experience", "all", entries(100, 50, 10), 5), ShouldBeNil)

			Convey("Then lookups hit with ranks, scores and the minimum", func() {
				lk, err := c.GetRank(ctx, "experience", "all", "e02")
				So(err, ShouldBeNil)
				So(lk.Cold, ShouldBeFalse)
				So(lk.Rank, ShouldEqual, 2)
				So(lk.Score, ShouldEqual, 50)
				So(lk.MinScore, ShouldEqual, 5)
				So(lk.Size, ShouldEqual, 3)
			})

			Convey("Then an absent entity is a hit without a rank", func() {
				lk, err := c.GetRank(ctx, "experience", "all", "nobody")
				So(err, ShouldBeNil)
				So(lk.Cold, ShouldBeFalse)
				So(lk.Ranked(), ShouldBeFalse)
			})

			Convey("Then the staging keys are gone and ttls are set", func() {
				So(mr.Exists("lb:experience:all:temp"), ShouldBeFalse)
				So(mr.Exists("lb-ord:experience:all:temp"), ShouldBeFalse)
				So(mr.TTL("lb:experience:all"), ShouldEqual, 30*time.Minute)
				So(mr.TTL("lb-ord:experience:all"), ShouldEqual, 30*time.Minute)
				So(mr.HGet("member:e01", "name"), ShouldEqual, "name-1")
				So(mr.TTL("member:e01"), ShouldEqual, DefaultMetadataTTL)
			})

			Convey("Then a second rebuild replaces the whole set", func() {
				So(c.Rebuild(ctx, "experience", "all", []model.Entry{{EntityID: "z", Score: 7}}, 5), ShouldBeNil)
				So(cachedEntities(mr, "lb:experience:all"), ShouldResemble, []string{"z"})
				lk, err := c.GetRank(ctx, "experience", "all", "e01")
				So(err, ShouldBeNil)
				So(lk.Ranked(), ShouldBeFalse)
			})

			Convey("Then an empty rebuild leaves a cached, empty ranking", func() {
				So(c.Rebuild(ctx, "experience", "all", nil, 5), ShouldBeNil)
				So(mr.Exists("lb:experience:all"), ShouldBeFalse)

				lk, err := c.GetRank(ctx, "experience", "all", "e01")
				So(err, ShouldBeNil)
				So(lk.Cold, ShouldBeFalse)
				So(lk.Rank, ShouldEqual, model.NotRanked)
				So(lk.Size, ShouldEqual, 0)
				So(lk.MinScore, ShouldEqual, 5)

				Convey("And a bump repopulates it with the ranking's ttl", func() {
					So(c.Bump(ctx, "experience", "all", "n1", 40), ShouldBeNil)
					lk, err := c.GetRank(ctx, "experience", "all", "n1")
					So(err, ShouldBeNil)
					So(lk.Rank, ShouldEqual, 1)
					So(mr.TTL("lb:experience:all"), ShouldEqual, 30*time.Minute)
					So(mr.TTL("lb-ord:experience:all"), ShouldEqual, 30*time.Minute)
				})
			})

			Convey("Then the key is fresh only inside the window", func() {
				fresh, err := c.IsFresh(ctx, NewKey("experience", "all"), 20*time.Second)
				So(err, ShouldBeNil)
				So(fresh, ShouldBeTrue)

				mr.FastForward(time.Minute)
				fresh, err = c.IsFresh(ctx, NewKey("experience", "all"), 20*time.Second)
				So(err, ShouldBeNil)
				So(fresh, ShouldBeFalse)
			})
		})

		Convey("When bumping scores", func() {
			Convey("Then a cold ranking is left alone", func() {
				So(c.Bump(ctx, "experience", "all", "e01", 10), ShouldBeNil)
				So(mr.Exists("lb:experience:all"), ShouldBeFalse)
			})

			Convey("Then a cached ranking is updated", func() {
				So(c.Rebuild(ctx, "experience", "all", entries(100, 50), 20), ShouldBeNil)
				So(c.Bump(ctx, "experience", "all", "e02", 500), ShouldBeNil)
				lk, err := c.GetRank(ctx, "experience", "all", "e02")
				So(err, ShouldBeNil)
				So(lk.Rank, ShouldEqual, 1)

				Convey("And a score under the minimum takes the member out", func() {
					So(c.Bump(ctx, "experience", "all", "e02", 3), ShouldBeNil)
					lk, err := c.GetRank(ctx, "experience", "all", "e02")
					So(err, ShouldBeNil)
					So(lk.Ranked(), ShouldBeFalse)
				})
			})

			Convey("Then removed entities are hidden until restored", func() {
				So(c.Rebuild(ctx, "experience", "all", entries(100, 50), 0), ShouldBeNil)
				So(c.Remove(ctx, "e01"), ShouldBeNil)

				lk, err := c.GetRank(ctx, "experience", "all", "e01")
				So(err, ShouldBeNil)
				So(lk.Ranked(), ShouldBeFalse)

				So(c.Bump(ctx, "experience", "all", "e01", 900), ShouldBeNil)
				lk, err = c.GetRank(ctx, "experience", "all", "e01")
				So(err, ShouldBeNil)
				So(lk.Ranked(), ShouldBeFalse)

				So(c.Restore(ctx, "e01"), ShouldBeNil)
				So(c.Bump(ctx, "experience", "all", "e01", 900), ShouldBeNil)
				lk, err = c.GetRank(ctx, "experience", "all", "e01")
				So(err, ShouldBeNil)
				So(lk.Rank, ShouldEqual, 1)
			})
		})

		Convey("When entries tie on score", func() {
			tied := []model.Entry{
				{ID: 7, EntityID: "a", Score: 100},
				{ID: 3, EntityID: "b", Score: 100},
				{ID: 5, EntityID: "c", Score: 50},
			}
			So(c.Rebuild(ctx, "experience", "all", tied, 0), ShouldBeNil)

			Convey("Then the higher entry id ranks first, as in the store", func() {
				lk, err := c.GetRank(ctx, "experience", "all", "a")
				So(err, ShouldBeNil)
				So(lk.Rank, ShouldEqual, 1)
				lk, err = c.GetRank(ctx, "experience", "all", "b")
				So(err, ShouldBeNil)
				So(lk.Rank, ShouldEqual, 2)

				w, _, err := c.GetWindow(ctx, "experience", "all", model.Anchor{Rank: 1}, 0, 2)
				So(err, ShouldBeNil)
				So(w.Anchor.EntityID, ShouldEqual, "a")
				So(w.After[0].EntityID, ShouldEqual, "b")
				So(w.After[1].EntityID, ShouldEqual, "c")
			})

			Convey("Then a newcomer with the same score ranks ahead of both", func() {
				So(c.Bump(ctx, "experience", "all", "0-first-by-name", 100), ShouldBeNil)
				lk, err := c.GetRank(ctx, "experience", "all", "0-first-by-name")
				So(err, ShouldBeNil)
				So(lk.Rank, ShouldEqual, 1)
				seq, err := mr.Get("lb-seq:experience:all")
				So(err, ShouldBeNil)
				So(seq, ShouldEqual, "8")
			})

			Convey("Then a bumped entity keeps its entry id", func() {
				So(c.Bump(ctx, "experience", "all", "b", 50), ShouldBeNil)
				So(c.Bump(ctx, "experience", "all", "b", 100), ShouldBeNil)
				lk, err := c.GetRank(ctx, "experience", "all", "b")
				So(err, ShouldBeNil)
				So(lk.Rank, ShouldEqual, 2)
			})
		})

		Convey("When readers race a rebuild that changes the ranking size", func() {
			small, large := entries(30, 20, 10), entries(70, 60, 50, 40, 30, 20, 10)
			So(c.Rebuild(ctx, "experience", "all", small, 0), ShouldBeNil)

			var (
				wg      sync.WaitGroup
				reads   atomic.Int64
				torn    atomic.Int64
				cold    atomic.Int64
				failed  atomic.Int64
				stopped atomic.Bool
			)
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for !stopped.Load() {
						lk, err := c.GetRank(ctx, "experience", "all", "e01")
						switch {
						case err != nil:
							failed.Add(1)
						case lk.Cold:
							cold.Add(1)
						case lk.Size != 3 && lk.Size != 7:
							torn.Add(1)
						}
						reads.Add(1)
					}
				}()
			}
			var rebuildErr error
			for i := 0; i < 50 && rebuildErr == nil; i++ {
				next := large
				if i%2 == 1 {
					next = small
				}
				rebuildErr = c.Rebuild(ctx, "experience", "all", next, 0)
			}
			stopped.Store(true)
			wg.Wait()
			c.Submitter().Wait()

			Convey("Then every read sees one whole ranking", func() {
				So(rebuildErr, ShouldBeNil)
				So(reads.Load(), ShouldBeGreaterThan, 0)
				So(failed.Load(), ShouldEqual, 0)
				So(cold.Load(), ShouldEqual, 0)
				So(torn.Load(), ShouldEqual, 0)
			})
		})

		Convey("When reading a window at rank 5", func() {
			So(c.Rebuild(ctx, "experience", "all", entries(100, 90, 80, 70, 60, 50, 40, 30, 20, 10), 0), ShouldBeNil)
			w, lk, err := c.GetWindow(ctx, "experience", "all", model.Anchor{Rank: 5}, 2, 2)

			Convey("Then two neighbors sit on each side", func() {
				So(err, ShouldBeNil)
				So(lk.Rank, ShouldEqual, 5)
				So(w.Anchor, ShouldNotBeNil)
				So(w.Anchor.EntityID, ShouldEqual, "e05")
				So(w.Anchor.DisplayName, ShouldEqual, "name-5")
				So(len(w.Before), ShouldEqual, 2)
				So(w.Before[0].Rank, ShouldEqual, 3)
				So(w.Before[1].Rank, ShouldEqual, 4)
				So(len(w.After), ShouldEqual, 2)
				So(w.After[0].Rank, ShouldEqual, 6)
				So(w.After[1].Rank, ShouldEqual, 7)
			})
		})

		Convey("When reading a window around an entity at the top", func() {
			So(c.Rebuild(ctx, "experience", "all", entries(100, 90, 80), 0), ShouldBeNil)
			w, lk, err := c.GetWindow(ctx, "experience", "all", model.Anchor{EntityID: "e01"}, 3, 1)

			Convey("Then the window is clipped at the top", func() {
				So(err, ShouldBeNil)
				So(lk.Rank, ShouldEqual, 1)
				So(w.Before, ShouldBeEmpty)
				So(w.Anchor.EntityID, ShouldEqual, "e01")
				So(len(w.After), ShouldEqual, 1)
			})
		})

		Convey("When a key cannot be encoded", func() {
			_, err := c.GetRank(ctx, "experience", "a:b", "e01")

			Convey("Then it is rejected", func() {
				So(errors.Is(err, ErrInvalidKey), ShouldBeTrue)
			})
		})
	})
}
