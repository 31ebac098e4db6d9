package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"marginwatch/internal/aggregate"
	"marginwatch/internal/api"
	"marginwatch/internal/config"
	"marginwatch/internal/event"
	"marginwatch/internal/ingestion"
	"marginwatch/internal/manager"
	"marginwatch/internal/market"
	"marginwatch/internal/monitor"
	"marginwatch/internal/observability"
	"marginwatch/internal/oracle"
	"marginwatch/internal/persistence"
	"marginwatch/internal/query"
	"marginwatch/internal/risk"
	"marginwatch/internal/store"
	"marginwatch/internal/venue/memvenue"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: marginwatch starting...")

	configPath := os.Getenv("MW_CONFIG")
	if configPath == "" {
		// Fall back to defaults plus environment when no file is present.
		if _, err := os.Stat("config.yaml"); err == nil {
			configPath = "config.yaml"
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	// --- Market registry ---
	registry := market.NewRegistry()
	for _, m := range cfg.Markets {
		id, err := registry.Add(m.ToMarket())
		if err != nil {
			log.Fatalf("FATAL: register market %s/%s: %v", m.CollateralToken, m.LoanToken, err)
		}
		log.Printf("INFO: market %s/%s registered as %s", m.CollateralToken, m.LoanToken, id)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Venues ---
	// Lending and the margin exchange run in-process; the oracle is fed
	// from the NATS price stream.
	lending := memvenue.NewLendingMarket()
	exchange := memvenue.NewMarginExchange()
	priceFeed := oracle.NewFeed(cfg.OracleMaxAge.Std())

	subs := store.NewSubAccountStore()
	payouts := risk.NewPayoutLedger()
	agg := aggregate.New(registry, lending, exchange, priceFeed)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	if err := ingestion.EnsurePriceStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure price stream: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	// --- Price feed: NATS -> oracle ---
	tickChan := make(chan ingestion.RawTick, 4096)
	priceSubscriber := ingestion.NewPriceSubscriber(js, tickChan)
	if err := priceSubscriber.Subscribe(ctx); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}
	feedLoop := ingestion.NewFeedLoop(tickChan, priceFeed, observability.NewLogger("feed"))

	// --- Outbound publisher ---
	publishChan := make(chan ingestion.PublishableEvent, 4096)
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan)

	// --- Liquidation sink: Postgres history + outbound events ---
	historyWriter := persistence.NewHistoryWriter(db)
	sink := &liquidationSink{
		writer:  historyWriter,
		publish: publishChan,
		metrics: metrics,
		log:     observability.NewLogger("sink"),
	}

	// --- Risk engine ---
	engine, err := risk.NewEngine(risk.Config{
		LiquidationThreshold: cfg.Risk.LiquidationThreshold,
		LiquidationIncentive: cfg.Risk.LiquidationIncentive,
		FeeRecipient:         cfg.Risk.FeeRecipient,
		CallTimeout:          cfg.Risk.CallTimeout.Std(),
	}, registry, agg, lending, exchange, subs, payouts, sink, observability.NewLogger("risk"))
	if err != nil {
		log.Fatalf("FATAL: risk engine: %v", err)
	}

	// --- Monitor ---
	snapshotChan := make(chan persistence.HealthSnapshotRow, 4096)
	mon := monitor.New(monitor.Config{
		Interval:      cfg.Monitor.Interval.Std(),
		Keeper:        cfg.Monitor.Keeper,
		AutoLiquidate: cfg.Monitor.AutoLiquidate,
	}, engine, subs, snapshotChan, publishChan, metrics, observability.NewLogger("monitor"))

	// --- Account manager ---
	mgr := manager.New(registry, lending, exchange, priceFeed, agg, engine, subs,
		cfg.Monitor.Keeper, observability.NewLogger("manager"))

	// --- HTTP API ---
	queryService := query.NewQueryService(db)
	handler := api.NewHandler(engine, registry, subs, mgr, queryService, observability.NewLogger("api"))
	router := api.NewRouter(&api.Dependencies{
		Handler: handler,
		Health:  healthChecker,
		Logger:  observability.NewLogger("http"),
		Metrics: metrics,
	})
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// 1. Snapshot worker
	snapWorker := persistence.NewSnapshotWorker(db, snapshotChan, cfg.SnapshotBatchSize, cfg.SnapshotFlushTimeout.Std(), metrics)
	go func() {
		errChan <- snapWorker.Run(ctx)
	}()

	// 2. Outbound event publisher
	go func() {
		errChan <- outboundPublisher.Run(ctx)
	}()

	// 3. Price feed loop
	go func() {
		errChan <- feedLoop.Run(ctx)
	}()

	// 4. Monitor scan loop
	go func() {
		errChan <- mon.Run(ctx)
	}()

	// 5. HTTP API server
	go func() {
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			httpServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: HTTP API listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	// 6. Prometheus metrics server
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
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Mark service as ready after all goroutines started
	healthChecker.SetReady(true)

	log.Printf("INFO: marginwatch ready (markets=%d, http=%s, metrics=%s, auto_liquidate=%v)",
		registry.Len(), cfg.HTTPAddr, cfg.MetricsAddr, cfg.Monitor.AutoLiquidate)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	cancel()
	priceSubscriber.Stop()

	// Give the snapshot worker and publisher time to drain.
	time.Sleep(500 * time.Millisecond)
	log.Println("INFO: marginwatch stopped")
}

// liquidationSink bridges completed liquidations to Postgres history and
// the outbound event stream. Both legs are best-effort: a failed write is
// logged, never propagated back into the engine.
type liquidationSink struct {
	writer  *persistence.HistoryWriter
	publish chan<- ingestion.PublishableEvent
	metrics *observability.Metrics
	log     zerolog.Logger
}

func (s *liquidationSink) LiquidationCompleted(ctx context.Context, result risk.LiquidationResult) {
	if err := s.writer.RecordLiquidation(ctx, result); err != nil {
		s.metrics.PersistErrors.WithLabelValues("liquidations").Inc()
		s.log.Error().
			Str("liquidation_id", result.LiquidationID.String()).
			Err(err).
			Msg("failed to record liquidation")
	} else {
		s.metrics.PersistWrites.WithLabelValues("liquidations").Inc()
	}

	var debtRepaid int64
	for _, r := range result.Repayments {
		debtRepaid += r.Amount
	}
	seizures := make([]event.SeizureLeg, 0, len(result.Seizures))
	for _, sz := range result.Seizures {
		seizures = append(seizures, event.SeizureLeg{
			MarketID:        string(sz.Market),
			Token:           sz.Token,
			Amount:          sz.LiquidatorAmount + sz.IncentiveAmount,
			LiquidatorShare: sz.LiquidatorAmount,
			IncentiveShare:  sz.IncentiveAmount,
		})
		s.metrics.CollateralSeized.WithLabelValues(sz.Token).Add(float64(sz.LiquidatorAmount + sz.IncentiveAmount))
	}
	s.metrics.DebtRepaidTotal.Add(float64(debtRepaid))
	s.metrics.EquityWithdrawn.Add(float64(result.EquityWithdrawn))

	evt := &event.LiquidationCompleted{
		LiquidationID:   result.LiquidationID,
		AccountID:       result.Account,
		Caller:          result.Caller,
		EquityWithdrawn: result.EquityWithdrawn,
		DebtRepaid:      debtRepaid,
		Seizures:        seizures,
		CompletedAtUs:   result.CompletedAt.UnixMicro(),
	}
	select {
	case s.publish <- ingestion.PublishableEvent{
		EventType:      evt.EventType().String(),
		IdempotencyKey: evt.IdempotencyKey(),
		Account:        result.Account,
		Payload:        evt,
		Timestamp:      result.CompletedAt,
	}:
	default:
		s.log.Warn().
			Str("liquidation_id", result.LiquidationID.String()).
			Msg("publish channel full, dropping completion event")
	}
}
