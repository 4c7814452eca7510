/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the obligation engine server: HTTP API, cron
  scheduler and their dependencies. Handles configuration, dependency
  injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file + OBLIGATIONS_* environment)
  2. Build logger
  3. Open SQLite store
  4. Pick lock backend (Redis or in-process) and ledger (HTTP or in-memory)
  5. Wire engine, budget applier, scheduler and router
  6. Start scheduler and server, wait for a signal

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (optional)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler from starting new jobs
  2. Stop accepting new connections, drain active requests
  3. Wait for running jobs (bounded by server.shutdown_timeout)
  4. Close database and Redis connections

EXAMPLES:
  # Defaults: in-memory ledger, in-process locks, ./data/obligations.db
  ./server

  # Several instances sharing Redis locks
  OBLIGATIONS_REDIS_ENABLED=true OBLIGATIONS_REDIS_ADDR=redis:6379 ./server -config=prod.yaml

SEE ALSO:
  - config/config.go: Every setting and its default
  - api/server.go: Router configuration
  - api/scheduler.go: Cron jobs
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/obligation-engine/api"
	"github.com/warp/obligation-engine/budget"
	"github.com/warp/obligation-engine/config"
	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/factory"
	"github.com/warp/obligation-engine/generic"
	"github.com/warp/obligation-engine/ledger"
	"github.com/warp/obligation-engine/lock"
	"github.com/warp/obligation-engine/obligation"
	"github.com/warp/obligation-engine/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	// Store
	if dir := filepath.Dir(cfg.Database.Path); cfg.Database.Path != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	// Locks
	var locker lock.Locker = lock.NewMemory()
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		locker = lock.NewRedis(client, "")
		logger.Info("using redis locks", zap.String("addr", cfg.Redis.Addr))
	} else {
		logger.Warn("using in-process locks; run a single instance")
	}

	// Ledger
	currency := generic.Currency(cfg.Currency)
	var ledgerSvc ledger.Service
	switch cfg.Ledger.Mode {
	case "http":
		ledgerSvc = ledger.NewHTTPClient(ledger.HTTPConfig{
			BaseURL:         cfg.Ledger.BaseURL,
			Timeout:         cfg.Ledger.Timeout,
			BreakerFailures: cfg.Ledger.BreakerFailures,
			BreakerCooldown: cfg.Ledger.BreakerCooldown,
		})
		logger.Info("using http ledger", zap.String("base_url", cfg.Ledger.BaseURL))
	default:
		ledgerSvc = ledger.NewMemory(currency)
		logger.Warn("using in-memory ledger; balances are lost on restart")
	}

	notifier := engine.NewLogNotifier(logger)
	eng := engine.New(engine.Deps{
		Store:    store,
		Ledger:   ledgerSvc,
		Locker:   locker,
		Quoter:   obligation.NewAmortizedQuoter(),
		Notifier: notifier,
		Logger:   logger,
	}, engine.Config{
		Workers: cfg.Scheduler.Workers,
		LockTTL: cfg.Scheduler.LockTTL,
	})
	budgets := budget.NewApplier(store, logger)

	// Scheduler
	var scheduler *api.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler, err = api.NewScheduler(api.SchedulerOptions{
			SweepSpec:    cfg.Scheduler.SweepSpec,
			BudgetSpec:   cfg.Scheduler.BudgetSpec,
			ReminderSpec: cfg.Scheduler.ReminderSpec,
			Location:     cfg.Location(),
			JobTimeout:   cfg.Scheduler.JobTimeout,
		}, eng, budgets, notifier, logger)
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	// HTTP
	handler := api.NewHandler(eng, budgets, store, factory.NewObligationFactory().WithCurrency(currency),
		cfg.Location(), logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, api.RouterOptions{}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.Stringer("signal", sig))
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var jobsDone context.Context
	if scheduler != nil {
		jobsDone = scheduler.Stop()
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if jobsDone != nil {
		select {
		case <-jobsDone.Done():
		case <-ctx.Done():
			logger.Warn("scheduler jobs still running at shutdown")
		}
	}

	logger.Info("server stopped")
	return nil
}
