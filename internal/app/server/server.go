package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"retropay/internal/domain/audit"
	"retropay/internal/domain/auth"
	"retropay/internal/domain/retropay"
	"retropay/internal/platform/config"
	"retropay/internal/platform/db"
	"retropay/internal/platform/jobs"
	"retropay/internal/platform/lock"
	"retropay/internal/platform/metrics"
	"retropay/internal/transport/http/api"
	retropayhandler "retropay/internal/transport/http/handlers/retropay"
	"retropay/internal/transport/http/middleware"
)

const (
	lockPrefix      = "retropay:"
	shutdownTimeout = 15 * time.Second
)

type App struct {
	Config  config.Config
	DB      *db.Pool
	Redis   *redis.Client
	Jobs    *jobs.Service
	Metrics *metrics.Collector
	Router  http.Handler
}

// Deps are the collaborators the HTTP router needs. Ready backs /readyz.
type Deps struct {
	Service     *retropay.Service
	History     retropayhandler.History
	Idempotency retropayhandler.Idempotency
	Metrics     *metrics.Collector
	Ready       func(ctx context.Context) error
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db connect failed: %w", err)
	}
	if cfg.RunMigrations {
		if err := db.Migrate(ctx, pool, cfg.MigrationsDir); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}

	app := &App{Config: cfg, DB: pool, Metrics: metrics.New()}

	var locker lock.Locker = lock.Noop{}
	if cfg.RedisAddr != "" {
		rdb, err := lock.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("redis connect failed: %w", err)
		}
		app.Redis = rdb
		locker = lock.NewRedisLocker(rdb, lockPrefix, cfg.TransitionLockTTL)
	} else {
		slog.Warn("REDIS_ADDR not set, transitions rely on record versions only")
	}

	trail := audit.New(pool)
	service := retropay.NewService(
		retropay.NewStore(pool),
		retropay.NewDirectory(pool),
		retropay.WithLocker(locker),
		retropay.WithObserver(retropayhandler.NewRecorder(trail, app.Metrics)),
	)

	app.Jobs = jobs.New(pool, service, cfg.ReconcileInterval)
	app.Router = NewRouter(cfg, Deps{
		Service:     service,
		History:     trail,
		Idempotency: middleware.NewIdempotencyStore(pool),
		Metrics:     app.Metrics,
		Ready: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return err
			}
			if app.Redis != nil {
				return app.Redis.Ping(ctx).Err()
			}
			return nil
		},
	})
	return app, nil
}

func NewRouter(cfg config.Config, d Deps) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger(d.Metrics))
	router.Use(middleware.Recoverer)
	router.Use(middleware.SecureHeaders(cfg.IsProduction()))
	router.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	router.Use(middleware.Auth(cfg.JWTSecret))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if d.Ready != nil {
			if err := d.Ready(ctx); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if cfg.MetricsEnabled && d.Metrics != nil {
		router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			api.Success(w, d.Metrics.Snapshot(), middleware.GetRequestID(r.Context()))
		})
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireUser)
		r.Use(middleware.RateLimit(cfg.RateLimitPerMinute, time.Minute))
		r.Use(middleware.TransitionRateLimit(cfg.RateLimitPerMinute, time.Minute))

		handler := retropayhandler.NewHandler(d.Service, auth.Policy{}, d.History, d.Idempotency, d.Metrics)
		handler.RegisterRoutes(r)
	})
	return router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	jobCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	a.Jobs.Start(jobCtx)

	srv := &http.Server{
		Addr:              a.Config.Addr,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("retro pay server listening", "addr", a.Config.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	slog.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			slog.Warn("redis close failed", "err", err)
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
