package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alejandrodnm/liquidator/config"
	"github.com/alejandrodnm/liquidator/internal/adapters/metrics"
	"github.com/alejandrodnm/liquidator/internal/adapters/notify"
	"github.com/alejandrodnm/liquidator/internal/adapters/onchain"
	"github.com/alejandrodnm/liquidator/internal/adapters/positions"
	"github.com/alejandrodnm/liquidator/internal/adapters/storage"
	"github.com/alejandrodnm/liquidator/internal/application/liquidator"
	"github.com/alejandrodnm/liquidator/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one poll + dispatch cycle and exit")
	report := flag.Bool("report", false, "print outcome history and pending in-flight accounts, then exit")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		os.Exit(1)
	}
	defer store.Close()

	if *report {
		runReport(context.Background(), store)
		return
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	slog.Info("liquidator starting",
		"config", *configPath,
		"market", cfg.Chain.MarketAddress,
		"chain_id", cfg.Chain.ChainID,
		"poll_interval", cfg.PollInterval(),
		"batch_size", cfg.Engine.BatchSize,
		"once", *once,
	)

	market, err := onchain.NewMarketClient(onchain.MarketConfig{
		RPCURL:        cfg.Chain.RPCURL,
		MarketAddress: cfg.Chain.MarketAddress,
		PrivateKey:    cfg.Chain.PrivateKey,
		ChainID:       cfg.Chain.ChainID,
		RatePerSec:    cfg.Chain.RatePerSec,
		Burst:         cfg.Chain.Burst,
		GasCeiling:    cfg.Chain.GasCeiling,
	})
	if err != nil {
		slog.Error("failed to create market client, check LIQUIDATOR_PRIVATE_KEY and chain settings", "err", err)
		os.Exit(1)
	}
	defer market.Close()
	slog.Info("market client ready", "absorber", market.Address().Hex())

	source, err := newPositionSource(cfg.Positions)
	if err != nil {
		slog.Error("failed to create position source", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	promMetrics, err := metrics.New(reg)
	if err != nil {
		slog.Error("failed to register metrics", "err", err)
		os.Exit(1)
	}
	reporter := notify.NewMulti(notify.NewConsole(), store, promMetrics)

	engine, err := liquidator.New(engineConfig(cfg), market, source, store, reporter)
	if err != nil {
		slog.Error("failed to create engine", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *once {
		runOnce(ctx, engine)
		return
	}

	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, reg)
		errCh := srv.Start()
		go func() {
			if err, ok := <-errCh; ok && err != nil {
				slog.Error("metrics server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx) //nolint:errcheck // best-effort on exit
		}()
		slog.Info("metrics listening", "addr", cfg.Metrics.Addr)
	}

	go forceOnSecondSignal(ctx, engine)

	if err := engine.Run(ctx); err != nil {
		slog.Error("engine exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("liquidator stopped cleanly")
}

// forceOnSecondSignal exits immediately on a second SIGINT/SIGTERM after
// logging what is still in flight. The journal keeps those entries.
func forceOnSecondSignal(ctx context.Context, engine *liquidator.Engine) {
	<-ctx.Done()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	pending := engine.LogPending()
	slog.Error("forced shutdown", "in_flight", pending)
	os.Exit(2)
}

func runOnce(ctx context.Context, engine *liquidator.Engine) {
	if _, err := engine.Recover(ctx); err != nil {
		slog.Warn("journal recovery failed", "err", err)
	}
	result, err := engine.RunOnce(ctx)
	if err != nil {
		slog.Error("cycle failed", "err", err)
		os.Exit(1)
	}
	slog.Info("cycle complete",
		"tracked", result.Tracked,
		"checked", result.Checked,
		"check_failures", result.CheckFailures,
		"discovered", result.Discovered,
		"batches", result.Batches,
		"submitted", result.Submitted,
		"dropped", result.Dropped,
		"terminal_events", len(result.Events),
		"degraded", result.Degraded,
	)
	if stats := engine.Scheduler().Stats(); stats.Candidates > 0 {
		slog.Info("candidates waiting on backoff", "candidates", stats.Candidates)
	}
}

func newPositionSource(cfg config.PositionsConfig) (ports.PositionSource, error) {
	if cfg.IndexerURL != "" {
		return positions.NewIndexerClient(cfg.IndexerURL, cfg.RatePerSec), nil
	}
	return positions.NewStatic(cfg.Accounts)
}

func engineConfig(cfg *config.Config) liquidator.Config {
	return liquidator.Config{
		PollInterval:     cfg.PollInterval(),
		Workers:          cfg.Engine.Workers,
		CheckConcurrency: cfg.Engine.CheckConcurrency,
		SubmitTimeout:    cfg.SubmitTimeout(),
		ShutdownTimeout:  cfg.ShutdownTimeout(),
		MaxTracked:       cfg.Engine.MaxTracked,
		Scheduler: liquidator.SchedulerConfig{
			BatchSize: cfg.Engine.BatchSize,
			Policy: liquidator.Policy{
				BackoffBase:   cfg.BackoffBase(),
				BackoffMax:    cfg.BackoffMax(),
				MaxAttempts:   cfg.Engine.MaxAttempts,
				InitialFee:    cfg.InitialFeeWei(),
				FeeMultiplier: cfg.Fees.Multiplier,
				MaxFee:        cfg.MaxFeeWei(),
			},
		},
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
