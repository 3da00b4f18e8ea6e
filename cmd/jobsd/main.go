// Command jobsd serves the jobs API: submission, claiming, and state
// reporting over HTTP, with the orphan reaper sweeping in the
// background.
//
// Configuration is read from the environment:
//
//	BIDS_LISTEN_ADDR       address to serve on (default ":8080")
//	BIDS_STORE_URL         backend by scheme: memory://, sqlite://jobs.db,
//	                       mongodb://..., postgres://..., redis://...
//	                       (default "memory://")
//	BIDS_ORPHAN_DEADLINE   how long a running job may go untouched
//	                       before the reaper fails it (default "5m")
//	BIDS_REAP_INTERVAL     orphan sweep cadence (default "1m"); set to
//	                       "0" to disable the reaper
//	BIDS_SHUTDOWN_TIMEOUT  graceful shutdown budget (default "30s")
//	BIDS_LOG_LEVEL         debug, info, warn, or error (default "info")
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/api"
	"github.com/nellh/bids-core/reaper"
	"github.com/nellh/bids-core/store"
	"github.com/nellh/bids-core/store/memory"
	"github.com/nellh/bids-core/store/mongo"
	"github.com/nellh/bids-core/store/postgres"
	"github.com/nellh/bids-core/store/redis"
	"github.com/nellh/bids-core/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("jobsd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	cfg := bidscore.DefaultConfig()
	listenAddr := envOr("BIDS_LISTEN_ADDR", ":8080")
	storeURL := envOr("BIDS_STORE_URL", "memory://")
	cfg.OrphanDeadline = envDuration("BIDS_ORPHAN_DEADLINE", cfg.OrphanDeadline)
	cfg.ReapInterval = envDuration("BIDS_REAP_INTERVAL", cfg.ReapInterval)
	cfg.ShutdownTimeout = envDuration("BIDS_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, storeURL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Warn("close store", slog.String("error", closeErr.Error()))
		}
	}()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	scheduler, err := bidscore.New(st, bidscore.WithLogger(logger))
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Mount("/", api.New(scheduler, api.WithLogger(logger)).Handler())

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var sweeper *reaper.Reaper
	if cfg.ReapInterval > 0 {
		sweeper = reaper.New(scheduler,
			reaper.WithDeadline(cfg.OrphanDeadline),
			reaper.WithInterval(cfg.ReapInterval),
			reaper.WithLogger(logger),
		)
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("start reaper: %w", err)
		}
	} else {
		logger.Warn("reaper disabled, orphaned jobs will stay running")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("jobsd listening",
			slog.String("addr", listenAddr),
			slog.String("store", storeURL),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down", slog.Duration("timeout", cfg.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if sweeper != nil {
			if err := sweeper.Stop(shutdownCtx); err != nil {
				logger.Warn("stop reaper", slog.String("error", err.Error()))
			}
		}
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore picks a backend from the URL scheme.
func openStore(ctx context.Context, rawURL string, logger *slog.Logger) (store.Store, error) {
	scheme, rest, _ := strings.Cut(rawURL, "://")

	switch scheme {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(rest, sqlite.WithLogger(logger))
	case "mongodb", "mongodb+srv":
		return mongo.New(ctx, rawURL, mongo.WithLogger(logger))
	case "postgres", "postgresql":
		return postgres.New(ctx, rawURL, postgres.WithLogger(logger))
	case "redis", "rediss":
		return redis.New(ctx, rawURL, redis.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unsupported store url %q", rawURL)
	}
}

// ── environment helpers ──────────────────────────────────────────────

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	if raw == "0" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration, using default",
			slog.String("var", key),
			slog.String("value", raw),
			slog.Duration("default", def),
		)
		return def
	}
	return d
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("BIDS_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
