package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/okian/rankd/internal/adapters/cache"
	"github.com/okian/rankd/internal/adapters/http/api"
	"github.com/okian/rankd/internal/adapters/http/swagger"
	"github.com/okian/rankd/internal/adapters/mq/natsub"
	"github.com/okian/rankd/internal/adapters/repository"
	service "github.com/okian/rankd/internal/app"
	"github.com/okian/rankd/internal/config"
	"github.com/okian/rankd/internal/domain/leaderboard"
	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the ranking service",
		Action: func(c *cli.Context) error { return serve(c.Context) },
	}
}

func serve(parent context.Context) error {
	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	opts := []service.Option{
		service.WithLogger(log.Named("service")),
		service.WithQueueCapacity(cfg.QueueCapacity),
		service.WithMaxDrain(cfg.MaxDrain),
		service.WithDedupeSize(cfg.DedupeSize),
		service.WithDrainInterval(cfg.DrainInterval()),
		service.WithBatchSize(cfg.DrainBatchSize),
		service.WithMaxWindow(cfg.MaxWindow),
	}
	if cfg.RedisAddr != "" {
		client, err := cache.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			_ = store.Close()
			return err
		}
		c := cache.New(client,
			cache.WithCacheTTL(cfg.CacheTTL()),
			cache.WithMetadataTTL(cfg.MetadataTTL()),
			cache.WithRequestTTL(cfg.RequestTTL()),
		)
		opts = append(opts, service.WithCache(c,
			cache.WithSyncInterval(cfg.SyncInterval()),
			cache.WithFreshWindow(cfg.CacheFresh()),
		))
		log.Info(ctx, "redis cache enabled", logger.String("addr", cfg.RedisAddr))
	}

	svc := service.New(registry, store, opts...)
	if err := svc.Start(ctx); err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to start service: %w", err)
	}

	var sub *natsub.Subscriber
	if cfg.NatsURL != "" {
		nc, err := natsub.Connect(cfg.NatsURL)
		if err != nil {
			_ = svc.Stop(context.Background())
			return err
		}
		defer nc.Close()
		sub = natsub.New(nc, cfg.NatsSubject, reportHandler(svc), log.Named("natsub"))
		if err := sub.Start(ctx); err != nil {
			_ = svc.Stop(context.Background())
			return err
		}
	}

	apiServer := api.NewServer(svc, cfg.MaxWindow, log.Named("api"))
	srv := apiServer.NewHTTPServer(cfg.Addr)
	srv.Handler = newRouter(ctx, apiServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(ctx, "shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if sub != nil {
			if err := sub.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := svc.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	log.Info(context.Background(), "server stopped")
	return err
}

// newRouter serves the API with its documentation routes alongside.
func newRouter(ctx context.Context, apiServer *api.Server) http.Handler {
	r := chi.NewRouter()
	swagger.Register(ctx, r)
	r.Mount("/", apiServer.Router())
	return r
}

// buildRegistry loads the configured catalogue, or the built-in one when
// the configuration names no leaderboards.
func buildRegistry(cfg *config.Config) (*leaderboard.Registry, error) {
	if len(cfg.Leaderboards) == 0 {
		return leaderboard.NewRegistry(leaderboard.DefaultCatalogue()...)
	}
	defs := make([]leaderboard.Definition, 0, len(cfg.Leaderboards))
	for _, lb := range cfg.Leaderboards {
		def, err := leaderboard.Parse(lb.Slug, lb.Title, lb.Scope, lb.Intervals, lb.MinimumScore, lb.ScoreKind, lb.Delta)
		if err != nil {
			return nil, fmt.Errorf("leaderboard %q: %w", lb.Slug, err)
		}
		defs = append(defs, def)
	}
	return leaderboard.NewRegistry(defs...)
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		db, err := repository.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return repository.NewBunStore(db, repository.WithLogger(logger.Get().Named("bunstore"))), nil
	case config.StoreDriverMemory, "":
		return repository.NewTreapStore(repository.WithLogger(logger.Get().Named("treapstore"))), nil
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", config.ErrInvalidConfig, cfg.StoreDriver)
	}
}

// reportHandler feeds subscriber messages into the service. Rejected and
// dropped reports come back as errors so the subscriber logs them.
func reportHandler(svc *service.Service) natsub.Handler {
	return func(ctx context.Context, u model.ScoreUpdate) error {
		outcome, err := svc.Report(ctx, u)
		if err != nil {
			return err
		}
		if outcome == service.Dropped {
			return errors.New("report dropped: ingestion queue full")
		}
		return nil
	}
}
