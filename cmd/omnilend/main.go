package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"omnilend/internal/config"
	"omnilend/internal/core"
	"omnilend/internal/ingestion"
	"omnilend/internal/ledger"
	"omnilend/internal/observability"
	"omnilend/internal/persistence"
	"omnilend/internal/projection"
	"omnilend/internal/query"
	"omnilend/internal/server"
	"omnilend/internal/transport"
)

func main() {
	logger := observability.NewLogger("main")
	logger.Info().Msg("omnilend starting")

	cfg, err := config.Load(os.Getenv("OMNILEND_CONFIG"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
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

	migrator := persistence.NewMigrator(db, cfg.Engine.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}

	// --- NATS ---
	nc, js, err := transport.ConnectNATS(cfg.NATS.URL, observability.NewLogger("nats"))
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	logger.Info().Msg("nats connected")

	if err := transport.EnsureOutboundStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure withdrawals stream")
	}
	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure gateway stream")
	}
	if err := ingestion.EnsureLedgerEventsStream(ctx, js, logger); err != nil {
		logger.Fatal().Err(err).Msg("ensure ledger events stream")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The persist channel blocks (backpressure); projection and publish
	// channels drop when full.
	corePersistChan := make(chan core.CoreOutput, cfg.Engine.PersistChanSize)
	persistChan := make(chan core.CoreOutput, cfg.Engine.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Engine.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, 4096)

	// --- Engine ---
	assets := make([]ledger.Asset, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets = append(assets, ledger.Asset{
			Symbol:   a.Symbol,
			Address:  common.HexToAddress(a.Address),
			Decimals: a.Decimals,
			ChainID:  a.ChainID,
		})
	}

	engine := core.NewLedgerCore(core.CoreConfig{
		TrustedGateway: cfg.GatewayAddress(),
		Operator:       cfg.OperatorAddress(),
		Registry:       ledger.NewAssetRegistry(assets),
		Policy:         ledger.NewBasisPointsPolicy(cfg.Policy.LTVBps),
		Gateway:        transport.NewNATSGateway(js, observability.NewLogger("gateway")),
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		DedupCapacity:  cfg.Engine.DedupLRUCapacity,
		Metrics:        metrics,
		Logger:         observability.NewLogger("core"),
		PersistChan:    corePersistChan,
		ProjectionChan: projectionChan,
	})

	// --- Recovery: restore projections + replay log tail ---
	positionRepo := persistence.NewPositionRepo(db)
	writer := persistence.NewEventLogWriter(db)

	if err := persistence.RecoverLedger(ctx, engine, positionRepo, writer,
		cfg.Engine.DedupLRUCapacity, metrics, observability.NewLogger("recovery")); err != nil {
		logger.Fatal().Err(err).Msg("state recovery")
	}

	// --- Workers ---
	errChan := make(chan error, 10)

	persistWorker := persistence.NewWorker(db, persistChan,
		cfg.Engine.PersistBatchSize, cfg.Engine.PersistFlushTimeout,
		metrics, observability.NewLogger("persistence"))
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	projWorker := projection.NewWorker(positionRepo, projectionChan, observability.NewLogger("projection"))
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	publisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLogger("publisher"))
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	// Bridge: fan engine outputs to the persistence worker (blocking) and
	// the outbound publisher (best-effort).
	go func() {
		defer close(persistChan)
		for {
			select {
			case <-ctx.Done():
				return
			case out, ok := <-corePersistChan:
				if !ok {
					return
				}
				persistChan <- out
				select {
				case publishChan <- ingestion.PublishableFromOutput(out):
				default:
				}
			}
		}
	}()

	go engine.Run(ctx)

	// --- Ingestion ---
	rawEventChan := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawEventChan, observability.NewLogger("subscriber"))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	runner := ingestion.NewRunner(rawEventChan, engine, observability.NewLogger("ingestion"))
	go func() {
		errChan <- runner.Run(ctx)
	}()

	// --- HTTP API ---
	queryService := query.NewQueryService(db, positionRepo)
	apiLogger := observability.NewLogger("http")

	httpServer := server.NewServer(
		server.Config{Port: cfg.Server.Port, APIKey: cfg.Operator.APIKey},
		server.Handlers{
			Actions:   server.NewActionHandler(engine, apiLogger),
			Positions: server.NewPositionHandler(queryService, apiLogger),
			Health:    healthChecker,
		},
		metrics,
		apiLogger,
	)
	go func() {
		errChan <- httpServer.Start()
	}()

	// --- Metrics server ---
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.Server.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", engine.Sequence()).
		Int("port", cfg.Server.Port).
		Msg("omnilend ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("goroutine failed, shutting down")
		}
	}

	healthChecker.SetReady(false)
	subscriber.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}

	// Persistence worker does its final flush on context cancellation; give
	// it a moment before the process exits.
	time.Sleep(500 * time.Millisecond)

	logger.Info().Msg("omnilend shutdown complete")
}
