package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/rankd/internal/adapters/http/api"
	"github.com/okian/rankd/internal/adapters/repository"
	service "github.com/okian/rankd/internal/app"
	"github.com/okian/rankd/internal/config"
	"github.com/okian/rankd/internal/domain/leaderboard"
	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/pkg/logger"
)

func TestApp(t *testing.T) {
	convey.Convey("Given the rankd command line", t, func() {
		app := newApp()

		convey.Convey("Then it exposes serve, migrate and loadgen", func() {
			names := make([]string, 0, len(app.Commands))
			for _, c := range app.Commands {
				names = append(names, c.Name)
			}
			convey.So(names, convey.ShouldResemble, []string{"serve", "migrate", "loadgen"})
			convey.So(app.DefaultCommand, convey.ShouldEqual, "serve")
		})

		convey.Convey("Then migrate carries the bun migrator subcommands", func() {
			migrate := app.Command("migrate")
			convey.So(migrate, convey.ShouldNotBeNil)
			names := make([]string, 0, len(migrate.Subcommands))
			for _, c := range migrate.Subcommands {
				names = append(names, c.Name)
			}
			convey.So(names, convey.ShouldResemble, []string{"init", "migrate", "rollback", "status"})
			convey.So(migrate.Flags, convey.ShouldHaveLength, 1)
		})
	})
}

func TestMigrationDSN(t *testing.T) {
	convey.Convey("Given a DSN flag", t, func() {
		dsn, err := migrationDSN(context.Background(), "postgres://u:p@db:5432/rankd")

		convey.Convey("Then the flag wins over the configuration", func() {
			convey.So(err, convey.ShouldBeNil)
			convey.So(dsn, convey.ShouldEqual, "postgres://u:p@db:5432/rankd")
		})
	})
}

func TestBuildRegistry(t *testing.T) {
	convey.Convey("Given a configuration", t, func() {
		cfg := config.New(context.Background())

		convey.Convey("When it names no leaderboards", func() {
			reg, err := buildRegistry(cfg)

			convey.Convey("Then the built-in catalogue is used", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(reg.Len(), convey.ShouldEqual, len(leaderboard.DefaultCatalogue()))
				_, ok := reg.Get("experience")
				convey.So(ok, convey.ShouldBeTrue)
			})
		})

		convey.Convey("When it names its own leaderboards", func() {
			cfg.Leaderboards = []config.Leaderboard{{
				Slug: "kills", Title: "Kills", Scope: "member",
				Intervals: []string{"current", "weekly"}, ScoreKind: "int", Delta: true,
			}}
			reg, err := buildRegistry(cfg)

			convey.Convey("Then they replace the built-in catalogue", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(reg.Len(), convey.ShouldEqual, 1)
				def, ok := reg.Get("kills")
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(def.HasInterval(leaderboard.Weekly), convey.ShouldBeTrue)
				_, ok = reg.Get("experience")
				convey.So(ok, convey.ShouldBeFalse)
			})
		})

		convey.Convey("When a leaderboard is malformed", func() {
			cfg.Leaderboards = []config.Leaderboard{{Slug: "kills", Scope: "guild", Intervals: []string{"current"}}}
			_, err := buildRegistry(cfg)

			convey.Convey("Then the definition error is returned", func() {
				convey.So(errors.Is(err, leaderboard.ErrInvalidDefinition), convey.ShouldBeTrue)
			})
		})
	})
}

func TestOpenStore(t *testing.T) {
	convey.Convey("Given a store driver", t, func() {
		ctx := context.Background()
		cfg := config.New(ctx)

		convey.Convey("When it is memory", func() {
			store, err := openStore(ctx, cfg)

			convey.Convey("Then a treap store is opened", func() {
				convey.So(err, convey.ShouldBeNil)
				_, ok := store.(*repository.TreapStore)
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(store.Close(), convey.ShouldBeNil)
			})
		})

		convey.Convey("When it is unknown", func() {
			cfg.StoreDriver = "sqlite"
			_, err := openStore(ctx, cfg)

			convey.Convey("Then the configuration is rejected", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})
	})
}

func TestServiceWiring(t *testing.T) {
	convey.Convey("Given a running in-memory service", t, func() {
		ctx := context.Background()
		reg, err := leaderboard.NewRegistry(leaderboard.DefaultCatalogue()...)
		convey.So(err, convey.ShouldBeNil)
		store := repository.NewTreapStore(repository.WithLogger(logger.NewNop()))
		svc := service.New(reg, store,
			service.WithLogger(logger.NewNop()),
			service.WithDrainInterval(10*time.Millisecond),
		)
		convey.So(svc.Start(ctx), convey.ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()

		convey.Convey("When a subscriber message is handed over", func() {
			handle := reportHandler(svc)

			convey.Convey("Then a valid report is accepted", func() {
				err := handle(ctx, model.ScoreUpdate{Slug: "experience", EntityID: "a", Score: 10})
				convey.So(err, convey.ShouldBeNil)
			})

			convey.Convey("Then an unknown leaderboard is reported back", func() {
				err := handle(ctx, model.ScoreUpdate{Slug: "ghost", EntityID: "a", Score: 10})
				convey.So(errors.Is(err, service.ErrUnknownLeaderboard), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the router is assembled", func() {
			apiServer := newTestAPIServer(svc)
			h := newRouter(ctx, apiServer)

			convey.Convey("Then API and docs routes are both served", func() {
				for _, path := range []string{"/healthz", "/openapi.yaml", "/leaderboards/experience"} {
					w := httptest.NewRecorder()
					h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, http.NoBody))
					convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
				}
			})
		})
	})
}

func newTestAPIServer(svc *service.Service) *api.Server {
	return api.NewServer(svc, 100, logger.NewNop())
}
