package service_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/rankd/internal/adapters/cache"
	"github.com/okian/rankd/internal/adapters/repository"
	service "github.com/okian/rankd/internal/app"
	"github.com/okian/rankd/internal/domain/leaderboard"
	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/pkg/logger"
)

func newRegistry() *leaderboard.Registry {
	reg, err := leaderboard.NewRegistry(
		leaderboard.Definition{
			Slug: "experience", Title: "Experience", Scope: leaderboard.ScopeMember, Kind: leaderboard.KindInt, Delta: true,
			Intervals: []leaderboard.Interval{leaderboard.Current, leaderboard.Weekly},
		},
		leaderboard.Definition{
			Slug: "farming-weight", Title: "Farming Weight", Scope: leaderboard.ScopeMember, Kind: leaderboard.KindDecimal,
			Intervals: []leaderboard.Interval{leaderboard.Current}, MinimumScore: 100,
		},
	)
	if err != nil {
		panic(err)
	}
	return reg
}

func newStore() *repository.TreapStore {
	return repository.NewTreapStore(repository.WithLogger(logger.NewNop()))
}

func seed(store repository.Store, slug string, scores map[string]float64) {
	var us []model.ScoreUpdate
	for id, score := range scores {
		us = append(us, model.ScoreUpdate{Slug: slug, EntityID: id, Score: score, DisplayName: "name-" + id})
	}
	if _, err := store.ApplyUpdates(context.Background(), us); err != nil {
		panic(err)
	}
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestService_Lifecycle(t *testing.T) {
	Convey("Given a new service", t, func() {
		ctx := context.Background()
		svc := service.New(newRegistry(), newStore(), service.WithLogger(logger.NewNop()))

		Convey("Then it is not started", func() {
			So(svc.GetStats()["started"], ShouldEqual, false)
			So(errors.Is(svc.Health(ctx), service.ErrStopped), ShouldBeTrue)

			_, err := svc.Report(ctx, model.ScoreUpdate{Slug: "experience", EntityID: "a", Score: 1})
			So(errors.Is(err, service.ErrStopped), ShouldBeTrue)
		})

		Convey("When it is started and stopped", func() {
			So(svc.Start(ctx), ShouldBeNil)
			So(svc.Start(ctx), ShouldBeNil)
			stats := svc.GetStats()
			So(stats["started"], ShouldEqual, true)
			So(stats["leaderboards"], ShouldEqual, 2)
			So(stats["cacheEnabled"], ShouldEqual, false)
			So(svc.Health(ctx), ShouldBeNil)

			So(svc.Stop(ctx), ShouldBeNil)
			So(svc.Stop(ctx), ShouldBeNil)

			Convey("Then it reports stopped", func() {
				So(svc.GetStats()["started"], ShouldEqual, false)
			})
		})
	})
}

func TestService_Report(t *testing.T) {
	Convey("Given a started service with a slow drain", t, func() {
		ctx := context.Background()
		store := newStore()
		svc := service.New(newRegistry(), store,
			service.WithLogger(logger.NewNop()),
			service.WithQueueCapacity(2),
			service.WithDrainInterval(time.Hour),
		)
		So(svc.Start(ctx), ShouldBeNil)

		Convey("When reports are invalid", func() {
			_, unknown := svc.Report(ctx, model.ScoreUpdate{Slug: "ghost", EntityID: "a", Score: 1})
			_, noEntity := svc.Report(ctx, model.ScoreUpdate{Slug: "experience", Score: 1})
			_, nan := svc.Report(ctx, model.ScoreUpdate{Slug: "experience", EntityID: "a", Score: math.NaN()})
			_, badMode := svc.Report(ctx, model.ScoreUpdate{Slug: "experience", EntityID: "a", Score: 1, Mode: "iron:man"})

			Convey("Then they are rejected with typed errors", func() {
				So(errors.Is(unknown, service.ErrUnknownLeaderboard), ShouldBeTrue)
				So(errors.Is(noEntity, service.ErrInvalidInput), ShouldBeTrue)
				So(errors.Is(nan, service.ErrInvalidInput), ShouldBeTrue)
				So(errors.Is(badMode, service.ErrInvalidInput), ShouldBeTrue)
			})
		})

		Convey("When the same event id is reported twice", func() {
			first, err1 := svc.Report(ctx, model.ScoreUpdate{EventID: "ev-1", Slug: "experience", EntityID: "a", Score: 1})
			second, err2 := svc.Report(ctx, model.ScoreUpdate{EventID: "ev-1", Slug: "experience", EntityID: "a", Score: 1})

			Convey("Then the second is a duplicate", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(first, ShouldEqual, service.Accepted)
				So(second, ShouldEqual, service.Duplicate)
			})
		})

		Convey("When more reports arrive than the queue holds", func() {
			So(svc.ReportScore(ctx, "experience", "a", 1), ShouldBeTrue)
			So(svc.ReportScore(ctx, "experience", "b", 2), ShouldBeTrue)
			outcome, err := svc.Report(ctx, model.ScoreUpdate{EventID: "ev-9", Slug: "experience", EntityID: "c", Score: 3})

			Convey("Then the overflow is dropped and its id forgotten", func() {
				So(err, ShouldBeNil)
				So(outcome, ShouldEqual, service.Dropped)
				So(svc.GetStats()["dropped"], ShouldEqual, int64(1))

				again, err := svc.Report(ctx, model.ScoreUpdate{EventID: "ev-9", Slug: "experience", EntityID: "c", Score: 3})
				So(err, ShouldBeNil)
				So(again, ShouldEqual, service.Dropped)
			})

			Convey("Then stopping drains the accepted reports into the store", func() {
				So(svc.Stop(ctx), ShouldBeNil)
				e, err := store.GetRank(ctx, repository.CurrentBoard("experience"), "b", model.Filter{})
				So(err, ShouldBeNil)
				So(e.Rank, ShouldEqual, 1)
			})
		})

		Reset(func() { _ = svc.Stop(ctx) })
	})
}

func TestService_StoreQueries(t *testing.T) {
	Convey("Given a service reading from the store", t, func() {
		ctx := context.Background()
		store := newStore()
		svc := service.New(newRegistry(), store, service.WithLogger(logger.NewNop()), service.WithMaxWindow(10))
		So(svc.Start(ctx), ShouldBeNil)
		seed(store, "experience", map[string]float64{"a": 100, "b": 50, "c": 10})

		Convey("When ranks are requested", func() {
			ranks := map[string]int{}
			for _, id := range []string{"a", "b", "c", "nobody"} {
				res, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: id})
				So(err, ShouldBeNil)
				So(res.Source, ShouldEqual, service.SourceStore)
				ranks[id] = res.Entry.Rank
			}

			Convey("Then they follow the scores", func() {
				So(ranks, ShouldResemble, map[string]int{"a": 1, "b": 2, "c": 3, "nobody": model.NotRanked})
			})
		})

		Convey("When the leader is removed", func() {
			n, err := svc.MarkRemoved(ctx, "a")
			So(err, ShouldBeNil)
			So(n, ShouldBeGreaterThan, 0)

			Convey("Then everyone below moves up", func() {
				res, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "b"})
				So(err, ShouldBeNil)
				So(res.Entry.Rank, ShouldEqual, 1)

				gone, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "a"})
				So(err, ShouldBeNil)
				So(gone.Entry.Ranked(), ShouldBeFalse)

				removed, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "a", Removed: model.Removed})
				So(err, ShouldBeNil)
				So(removed.Entry.Rank, ShouldEqual, 1)
			})

			Convey("Then restoring puts the leader back", func() {
				_, err := svc.Restore(ctx, "a")
				So(err, ShouldBeNil)
				res, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "a"})
				So(err, ShouldBeNil)
				So(res.Entry.Rank, ShouldEqual, 1)
			})
		})

		Convey("When a window is requested at rank 2", func() {
			res, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", AtRank: 2, Before: 1, After: 1})

			Convey("Then one neighbor sits on each side", func() {
				So(err, ShouldBeNil)
				So(res.Entry.EntityID, ShouldEqual, "b")
				So(len(res.Before), ShouldEqual, 1)
				So(res.Before[0].EntityID, ShouldEqual, "a")
				So(len(res.After), ShouldEqual, 1)
				So(res.After[0].EntityID, ShouldEqual, "c")
			})
		})

		Convey("When the weekly interval is requested", func() {
			res, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "a", Interval: leaderboard.Weekly})

			Convey("Then it is answered from the store", func() {
				So(err, ShouldBeNil)
				So(res.Source, ShouldEqual, service.SourceStore)
			})
		})

		Convey("When requests are malformed", func() {
			_, unknown := svc.GetRank(ctx, service.RankRequest{Slug: "ghost", EntityID: "a"})
			_, noTarget := svc.GetRank(ctx, service.RankRequest{Slug: "experience"})
			_, wide := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "a", Before: 11})
			_, monthly := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "a", Interval: leaderboard.Monthly})
			_, slice := svc.GetSlice(ctx, service.SliceRequest{Slug: "experience", Limit: 11})

			Convey("Then only the typed errors come back", func() {
				So(errors.Is(unknown, service.ErrUnknownLeaderboard), ShouldBeTrue)
				So(errors.Is(noTarget, service.ErrInvalidInput), ShouldBeTrue)
				So(errors.Is(wide, service.ErrInvalidInput), ShouldBeTrue)
				So(errors.Is(monthly, service.ErrInvalidInput), ShouldBeTrue)
				So(errors.Is(slice, service.ErrInvalidInput), ShouldBeTrue)
			})
		})

		Convey("When a slice and the cross-board ranks are requested", func() {
			seed(store, "farming-weight", map[string]float64{"b": 250.5, "c": 20})
			page, err := svc.GetSlice(ctx, service.SliceRequest{Slug: "experience", Offset: 1, Limit: 5})
			So(err, ShouldBeNil)
			ranks, err := svc.GetRanks(ctx, "b", "")
			So(err, ShouldBeNil)

			Convey("Then both come from the store", func() {
				So(len(page), ShouldEqual, 2)
				So(page[0].EntityID, ShouldEqual, "b")
				So(len(ranks), ShouldEqual, 2)
				So(ranks[0].Slug, ShouldEqual, "experience")
				So(ranks[0].Entry.Rank, ShouldEqual, 2)
				So(ranks[1].Slug, ShouldEqual, "farming-weight")
				So(ranks[1].Entry.Rank, ShouldEqual, 1)
			})
		})

		Convey("When a sync is requested without a cache", func() {
			_, err := svc.TriggerSync(ctx)
			So(errors.Is(err, service.ErrNotFound), ShouldBeTrue)
		})

		Reset(func() { _ = svc.Stop(ctx) })
	})
}

func TestService_CacheQueries(t *testing.T) {
	Convey("Given a service with a cache", t, func() {
		ctx := context.Background()
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		c := cache.New(client, cache.WithLogger(logger.NewNop()))
		store := newStore()
		svc := service.New(newRegistry(), store,
			service.WithLogger(logger.NewNop()),
			service.WithCache(c, cache.WithSyncInterval(time.Hour)),
			service.WithDrainInterval(10*time.Millisecond),
		)
		So(svc.Start(ctx), ShouldBeNil)
		scores := map[string]float64{}
		for i := 1; i <= 10; i++ {
			scores[fmt.Sprintf("e%02d", i)] = float64(1000 - i*10)
		}
		seed(store, "experience", scores)

		Convey("When a rank is read before the ranking is cached", func() {
			res, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "e03"})
			So(err, ShouldBeNil)
			c.Submitter().Wait()

			Convey("Then the answer is cold", func() {
				So(res.Cold, ShouldBeTrue)
				So(res.Source, ShouldEqual, service.SourceCache)
				So(res.Entry.Rank, ShouldEqual, model.NotRanked)
			})

			Convey("Then one sync pass warms it", func() {
				pass, err := svc.TriggerSync(ctx)
				So(err, ShouldBeNil)
				So(pass.Rebuilt, ShouldEqual, 1)

				res, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "e03"})
				So(err, ShouldBeNil)
				So(res.Cold, ShouldBeFalse)
				So(res.Source, ShouldEqual, service.SourceCache)
				So(res.Entry.Rank, ShouldEqual, 3)

				Convey("And a window at rank 5 carries two neighbors per side", func() {
					w, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", AtRank: 5, Before: 2, After: 2})
					So(err, ShouldBeNil)
					So(w.Entry.EntityID, ShouldEqual, "e05")
					So(w.Entry.DisplayName, ShouldEqual, "name-e05")
					So(len(w.Before), ShouldEqual, 2)
					So(len(w.After), ShouldEqual, 2)
				})

				Convey("And new reports are bumped into the cached ranking", func() {
					So(svc.ReportScore(ctx, "experience", "e10", 5000), ShouldBeTrue)
					So(eventually(func() bool {
						r, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "e10"})
						return err == nil && r.Entry.Rank == 1
					}), ShouldBeTrue)
				})

				Convey("And successive reports leave the latest score cached", func() {
					for i := 1; i <= 20; i++ {
						So(svc.ReportScore(ctx, "experience", "e09", float64(2000+i*100)), ShouldBeTrue)
						time.Sleep(2 * time.Millisecond)
					}
					So(eventually(func() bool {
						r, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "e09"})
						return err == nil && r.Entry.Rank == 1 && r.Entry.Score == 4000
					}), ShouldBeTrue)
					c.Submitter().Wait()
					r, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "e09"})
					So(err, ShouldBeNil)
					So(r.Entry.Score, ShouldEqual, 4000)
				})

				Convey("And a removed entity leaves the cached ranking", func() {
					_, err := svc.MarkRemoved(ctx, "e01")
					So(err, ShouldBeNil)
					r, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "e03"})
					So(err, ShouldBeNil)
					So(r.Entry.Rank, ShouldEqual, 2)
				})
			})
		})

		Convey("When an authoritative rank is requested", func() {
			res, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "e03", Authoritative: true})

			Convey("Then the store answers", func() {
				So(err, ShouldBeNil)
				So(res.Source, ShouldEqual, service.SourceStore)
				So(res.Entry.Rank, ShouldEqual, 3)
			})
		})

		Convey("When the cache is unreachable", func() {
			mr.Close()
			res, err := svc.GetRank(ctx, service.RankRequest{Slug: "experience", EntityID: "e03"})

			Convey("Then the store answers instead", func() {
				So(err, ShouldBeNil)
				So(res.Source, ShouldEqual, service.SourceStore)
				So(res.Entry.Rank, ShouldEqual, 3)
			})
		})

		Reset(func() { _ = svc.Stop(ctx) })
	})
}
