package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/callmarket/params"
	"github.com/uhyunpark/callmarket/pkg/api"
	"github.com/uhyunpark/callmarket/pkg/app/core/orderbook"
	"github.com/uhyunpark/callmarket/pkg/app/exchange"
	"github.com/uhyunpark/callmarket/pkg/metrics"
	"github.com/uhyunpark/callmarket/pkg/storage"
	"github.com/uhyunpark/callmarket/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "level", cfg.Log.Level, "log_file", cfg.Log.File)

	execution, err := orderbook.ParseExecution(cfg.Engine.Execution)
	if err != nil {
		sugar.Fatalw("invalid_config", "err", err)
	}

	// ---- Journal ----
	journal, err := storage.OpenJournal(cfg.Storage.JournalDir, util.SystemClock(), logger.Named("journal"))
	if err != nil {
		sugar.Fatalw("journal_open_failed", "dir", cfg.Storage.JournalDir, "err", err)
	}
	defer journal.Close()
	if cfg.Storage.JournalDir == "" {
		sugar.Info("journal_in_memory")
	}

	// ---- Exchange ----
	ex := exchange.New(
		orderbook.Config{Workers: cfg.Engine.Workers, Execution: execution},
		exchange.WithLogger(logger),
		exchange.WithJournal(journal),
		exchange.WithMetrics(metrics.New()),
	)

	if cfg.Bootstrap != "" {
		b, err := params.LoadBootstrap(cfg.Bootstrap)
		if err != nil {
			sugar.Fatalw("bootstrap_load_failed", "file", cfg.Bootstrap, "err", err)
		}
		if err := ex.Bootstrap(b); err != nil {
			sugar.Fatalw("bootstrap_failed", "file", cfg.Bootstrap, "err", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Simulated order flow (optional) ----
	// Enable with: FEEDER_ENABLED=true FEEDER_INTERVAL_MS=200 FEEDER_BATCH=10
	if cfg.Feeder.Enabled {
		fc := exchange.DefaultFeederConfig()
		fc.Interval = cfg.Feeder.Interval
		fc.BatchSize = cfg.Feeder.BatchSize
		cancelFeeder := exchange.StartFeeder(ctx, ex, fc)
		defer cancelFeeder()
	}

	// ---- API Server ----
	apiServer := api.NewServer(ex, cfg.API.AllowedOrigins, logger.Named("api"))
	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("node_starting",
		"tick", cfg.Engine.TickInterval,
		"workers", cfg.Engine.Workers,
		"execution", execution.String(),
		"instruments", ex.Directory().Count(),
		"accounts", ex.Accounts().Count(),
		"api_addr", cfg.API.Addr)

	// Round trigger loop; returns on SIGINT/SIGTERM
	if err := ex.Run(ctx, cfg.Engine.TickInterval); err != nil {
		sugar.Errorw("round_loop_failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	sugar.Infow("node_stopped", "rounds", ex.Book().Round())
}
