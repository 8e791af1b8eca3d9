package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-omnipost"
	"github.com/goliatone/go-omnipost/internal/jobs"
	"github.com/goliatone/go-omnipost/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "omnipost: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	loaded := loadEnvFiles(".env", ".env.local")

	cfg := omnipost.DefaultConfig()
	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	module, err := omnipost.New(cfg)
	if err != nil {
		return err
	}
	defer module.Close()

	container := module.Container()
	logger := logging.ModuleLogger(container.LoggerProvider(), "omnipost.cmd")
	logger.Info("omnipost.starting", "env_files", loaded, "storage", cfg.Storage.Driver, "redis", cfg.Redis.Enabled)

	if db := container.BunDB(); db != nil {
		applied, err := omnipost.Migrate(ctx, db)
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			logger.Info("omnipost.migrated", "versions", applied)
		}
	}

	jobsLogger := logging.JobsLogger(container.LoggerProvider())
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return jobs.Every(ctx, "dispatch", cfg.Publishing.DispatchInterval, jobsLogger, func(ctx context.Context) error {
			_, err := module.Dispatcher().Dispatch(ctx)
			return err
		})
	})
	g.Go(func() error {
		return jobs.Every(ctx, "worker", cfg.Publishing.WorkerInterval, jobsLogger, func(ctx context.Context) error {
			_, err := module.Worker().Process(ctx)
			return err
		})
	})
	g.Go(func() error {
		return jobs.Every(ctx, "escalation", cfg.Approvals.EscalationInterval, jobsLogger, func(ctx context.Context) error {
			_, err := module.Approvals().EscalateOverdue(ctx)
			return err
		})
	})
	g.Go(func() error {
		return jobs.Every(ctx, "token_watch", cfg.Publishing.TokenWatchInterval, jobsLogger, func(ctx context.Context) error {
			_, err := module.TokenWatcher().Run(ctx)
			return err
		})
	})

	g.Go(func() error {
		return jobs.Every(ctx, "health", cfg.Alerts.HealthInterval, jobsLogger, func(ctx context.Context) error {
			_, err := module.Health().Sweep(ctx)
			return err
		})
	})

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /healthz", module.Health().Handler())
		if prom := container.Prometheus(); prom != nil {
			mux.Handle("/metrics", prom.Handler())
		}
		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("omnipost.http.listening", "addr", server.Addr, "metrics", container.Prometheus() != nil)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("omnipost.stopped")
	return err
}
