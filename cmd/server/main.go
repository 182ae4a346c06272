/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing ledger service: HTTP API, cutoff
  scheduler and, when a token is configured, the Telegram bot.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment, then apply flags
  2. Initialize logger and tracer
  3. Open the store (sqlite, postgres or memory)
  4. Build ledger, rate resolver and reconciler
  5. Start HTTP server, scheduler and bot under one errgroup

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: PORT or 8080)
  -db      SQLite database path (default: DB_PATH or billing.db)
           Use ":memory:" for in-memory database
  -driver  Store driver: sqlite | postgres | memory

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop polling Telegram and the scheduler
  2. Wait for active requests to complete (30s timeout)
  3. Flush traces and close the store

EXAMPLES:
  # Run with file database
  ./server -db="./data/billing.db"

  # Run against postgres with a bot
  DB_DRIVER=postgres DATABASE_URL=postgres://... TELEGRAM_TOKEN=... ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - bot/bot.go: Telegram transport
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/bot"
	"github.com/warp/billing-engine/command"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/observability"
	"github.com/warp/billing-engine/rates"
	"github.com/warp/billing-engine/store/postgres"
	"github.com/warp/billing-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	// Flags
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.StringVar(&cfg.DBDriver, "driver", cfg.DBDriver, "Store driver: sqlite, postgres or memory")
	flag.Parse()

	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.OTLPEndpoint, "billing-engine")
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	// Initialize store
	st, pinger, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.DBDriver, err)
	}
	defer closeStore()
	logger.Info("store ready", zap.String("driver", cfg.DBDriver))

	metrics := observability.NewMetrics()

	// Rate feed
	var fetcher billing.RateFetcher
	if cfg.RateFeedURL != "" {
		f := rates.NewHTTPFetcher(
			&http.Client{Timeout: cfg.HTTPTimeout},
			cfg.RateFeedURL, cfg.RateFeedPath,
			rates.Resilience{MaxRetries: cfg.MaxRetries, InitialBackoff: cfg.InitialBackoff},
			logger,
		)
		f.Recorder = metrics
		fetcher = f
	} else {
		logger.Info("no rate feed configured, realtime rates disabled")
	}

	ledger := billing.NewLedger(st, cfg.Location(), logger)
	engine := billing.NewReconciler(ledger, billing.NewRateResolver(st, fetcher, logger), billing.Options{
		Logger:          logger,
		Metrics:         metrics,
		CacheChats:      cfg.CacheChats,
		CacheMaxItems:   cfg.CacheMaxItems,
		CacheStaleAfter: cfg.CacheStaleAfter,
		HistorySize:     cfg.HistorySize,
		ConfirmTTL:      cfg.ConfirmTTL,
	})

	// HTTP server
	handler := api.NewHandler(engine, pinger, logger)
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: api.NewRouter(handler, api.RouterOptions{
			Metrics: metrics.Handler(),
			Logger:  logger,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Telegram bot
	var tgBot *bot.Bot
	if cfg.TelegramToken != "" {
		tg, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			return fmt.Errorf("telegram login: %w", err)
		}
		botID := cfg.BotID
		if botID == 0 {
			botID = tg.Self.ID
		}
		tgBot = bot.New(tg, command.NewExecutor(engine, logger), botID, logger)
		if err := tgBot.RegisterCommands(); err != nil {
			logger.Warn("register bot commands failed", zap.Error(err))
		}
		logger.Info("telegram bot ready", zap.String("username", tg.Self.UserName))
	}

	scheduler := api.NewCutoffScheduler(engine, logger)
	if cfg.SchedulerInterval > 0 {
		scheduler.CheckInterval = cfg.SchedulerInterval
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if tgBot != nil {
		g.Go(func() error { return tgBot.Run(gCtx) })
	}

	return g.Wait()
}

// openStore returns the configured store, its health check (nil for the
// in-memory store) and a close function.
func openStore(ctx context.Context, cfg *config.Config) (billing.Store, api.Pinger, func(), error) {
	switch cfg.DBDriver {
	case "sqlite":
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, func() { s.Close() }, nil

	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, nil, errors.New("DATABASE_URL is required")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		s, err := postgres.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return s, s, func() { s.Close() }, nil

	case "memory":
		return store.NewMemory(), nil, func() {}, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown driver %q", cfg.DBDriver)
}
