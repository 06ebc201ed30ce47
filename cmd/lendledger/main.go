package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lendledger/internal/config"
	"lendledger/internal/engine"
	"lendledger/internal/event"
	"lendledger/internal/ledger"
	"lendledger/internal/observability"
	"lendledger/internal/oracle"
	"lendledger/internal/persistence"
	"lendledger/internal/query"
	"lendledger/internal/server"
	"lendledger/internal/transfer"
)

func main() {
	logger := observability.NewLogger("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}
	logger.Info().Msg("postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Msg("migrations applied")

	// --- NATS ---
	nc, js, err := oracle.Connect(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	logger.Info().Msg("nats connected")

	if err := oracle.EnsurePriceStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure price stream")
	}
	if err := event.EnsureEventStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure event stream")
	}

	// --- Price feed ---
	feed := oracle.NewFeedCache(js, observability.NewLogger("oracle"))
	if err := feed.Subscribe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("subscribe price feed")
	}
	defer feed.Stop()

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Event pipeline channels ---
	// Persist blocks under backpressure, publish drops when full.
	persistChan := make(chan event.Envelope, cfg.PersistBufferSize)
	publishChan := make(chan event.Envelope, cfg.PublishBufferSize)

	// --- Engine ---
	bank := transfer.NewBank(cfg.PoolAccount)
	eng, err := engine.New(
		engine.Config{
			Owner:           cfg.Owner,
			PoolAccount:     cfg.PoolAccount,
			CollateralAsset: cfg.CollateralAsset,
			DebtAsset:       cfg.DebtAsset,
			ThresholdPct:    cfg.LiquidationThresholdPct,
			BonusPct:        cfg.LiquidationBonusPct,
			MaxQuoteAge:     cfg.MaxQuoteAge,
		},
		ledger.New(),
		feed,
		bank,
		persistChan,
		publishChan,
		observability.NewLogger("engine"),
		metrics,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("build engine")
	}

	// --- Workers ---
	errChan := make(chan error, 8)

	// The recorder runs until persistChan closes, so shutdown drains
	// every buffered envelope into Postgres.
	recorder := persistence.NewRecorder(
		db, persistChan,
		cfg.PersistBatchSize, cfg.PersistFlushTimeout,
		observability.NewLogger("recorder"), metrics,
	)
	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		if err := recorder.Run(ctx); err != nil {
			errChan <- fmt.Errorf("recorder: %w", err)
		}
	}()

	publisher := event.NewPublisher(js, publishChan, observability.NewLogger("publisher"))
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	// --- HTTP API ---
	history := query.NewHistoryService(db)
	api := server.NewAPI(eng, history, healthChecker, metrics, observability.NewLogger("http"))
	apiDone := make(chan struct{})
	go func() {
		defer close(apiDone)
		if err := api.Start(ctx, cfg.HTTPAddr); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	// --- Metrics server ---
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Uint64("threshold_pct", cfg.LiquidationThresholdPct).
		Msg("lendledger ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	healthChecker.SetReady(false)
	cancel()
	feed.Stop()

	// The HTTP server must finish draining in-flight requests before
	// the channels close: a handler mid-operation may still emit.
	select {
	case <-apiDone:
	case <-time.After(10 * time.Second):
		logger.Error().Msg("http server drain timed out")
	}

	close(persistChan)
	close(publishChan)

	// The recorder exits once it has drained the closed persist channel
	// and flushed the remainder.
	select {
	case <-recorderDone:
	case <-time.After(30 * time.Second):
		logger.Error().Msg("recorder drain timed out")
	}

	logger.Info().Msg("lendledger shutdown complete")
}
