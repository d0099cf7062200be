package main

import (
	"VaultLedger/internal/config"
	"VaultLedger/internal/core"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/projection"
	"VaultLedger/internal/query"
	"VaultLedger/internal/server"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := observability.NewLogger("main")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	level := observability.ParseLogLevel(cfg.Log.Level)
	logger := observability.NewLoggerWithLevel("main", level)

	if err := run(cfg, level, logger); err != nil {
		logger.Fatal().Err(err).Msg("vaultledger stopped")
	}
}

func run(cfg config.Config, level zerolog.Level, logger zerolog.Logger) error {
	logger.Info().Msg("VaultLedger starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Msg("postgres connected, migrations applied")

	pool, err := query.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.QueryMaxConns)
	if err != nil {
		return fmt.Errorf("query pool: %w", err)
	}
	defer pool.Close()

	// --- Observability ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})

	// --- Deterministic core ---
	// The persist channel blocks the core when full, the projection channel drops
	persistCh := make(chan core.CoreOutput, cfg.Channels.PersistSize)
	projectionCh := make(chan core.CoreOutput, cfg.Channels.ProjectionSize)

	c := core.NewDeterministicCore(0, persistCh, projectionCh, nil, metrics)
	c.SetPayloadEncoder(ingestion.EncodeEvent)

	snapMgr := persistence.NewSnapshotManager(db)
	replayed, err := recoverCore(ctx, c, snapMgr, observability.NewLoggerWithLevel("recovery", level), metrics)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	startSequence := c.GetSequence()
	logger.Info().Int("replayed", replayed).Int64("next_sequence", startSequence).Msg("recovery complete")

	// Attached only now so replayed events are not reported as duplicates
	c.AttachDBChecker(persistence.NewPostgresIdempotencyChecker(db, cfg.Idempotency.DBTimeout))

	coreCtx, stopCore := context.WithCancel(context.Background())
	defer stopCore()
	dispatcher := core.NewDispatcher(c, cfg.Channels.DispatchQueue, metrics)
	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		dispatcher.Run(coreCtx)
	}()

	// Workers outlive the ingress context so they can drain at shutdown
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var workers, publishers sync.WaitGroup
	errCh := make(chan error, 8)

	persistWorker := persistence.NewPersistenceWorker(
		persistence.NewEventLogWriter(db), persistCh,
		cfg.Persist.BatchSize, cfg.Persist.FlushTimeout, metrics,
	)
	persistWorker.SetLogger(observability.NewLoggerWithLevel("persistence", level))

	projWorker := projection.NewProjectionWorker(db, projectionCh, observability.NewLoggerWithLevel("projection", level), metrics)

	// --- NATS ---
	var (
		nc         *nats.Conn
		subscriber *ingestion.NATSSubscriber
	)
	if cfg.NATS.Enabled {
		natsLogger := observability.NewLoggerWithLevel("ingestion", level)
		conn, js, err := ingestion.ConnectNATS(cfg.NATS.URL, natsLogger)
		if err != nil {
			return err
		}
		nc = conn
		defer nc.Close()
		healthChecker.AddCheck("nats", func() error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js, natsLogger); err != nil {
			return fmt.Errorf("ensure inbound streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, natsLogger); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}

		publisher := ingestion.NewOutboundPublisher(js, cfg.NATS.PublishBuffer, natsLogger, metrics)
		persistWorker.SetAfterFlush(publisher.EnqueueRecords)
		publishers.Add(1)
		go func() {
			defer publishers.Done()
			publisher.Run(workerCtx)
		}()

		rawCh := make(chan ingestion.RawEvent, cfg.NATS.Buffer)
		subjects := ingestion.DefaultSubjects()
		subscriber = ingestion.NewNATSSubscriber(js, rawCh, natsLogger)
		if err := subscriber.Subscribe(ctx, subjects); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		pump := ingestion.NewPump(rawCh, dispatcher, subjects, natsLogger, metrics)
		go pump.Run(ctx)
	}

	workers.Add(2)
	go func() {
		defer workers.Done()
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("persistence worker: %w", err)
		}
	}()
	go func() {
		defer workers.Done()
		projWorker.Run(workerCtx)
	}()

	// --- Snapshots ---
	snaps := &snapshotter{
		snapMgr: snapMgr,
		logger:  observability.NewLoggerWithLevel("snapshot", level),
		metrics: metrics,
	}
	go snaps.runPeriodic(ctx, dispatcher, cfg.Snapshot.IntervalEvents, cfg.Snapshot.CheckPeriod, startSequence-1)

	// --- API ---
	var auth *server.Authenticator
	if cfg.Auth.Enabled {
		if auth, err = server.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.AdminSubjects); err != nil {
			return err
		}
	}
	adminGate := server.AdminGate{Open: cfg.Auth.AllowOpenAdmin}
	switch {
	case auth == nil && adminGate.Open:
		logger.Warn().Msg("auth disabled and allow_open_admin set: FundAccount, Revalue and admin RPCs are open to every caller")
	case auth == nil:
		logger.Warn().Msg("auth disabled: operator commands are refused")
	}
	queryService := query.NewQueryService(pool)
	lendingSvc := server.NewLendingService(ingestion.NewDirectIngest(dispatcher), queryService, adminGate, metrics)
	adminSvc := server.NewAdminService(
		func(ctx context.Context) (int64, int, error) {
			seq, size, err := snaps.capture(ctx, dispatcher)
			if errors.Is(err, errSnapshotAhead) {
				return 0, 0, status.Error(codes.Unavailable, err.Error())
			}
			return seq, size, err
		},
		func(ctx context.Context) (int64, error) {
			var view projection.StateView
			if err := dispatcher.Read(ctx, func(c *core.DeterministicCore) error {
				view = projection.CaptureState(c)
				return nil
			}); err != nil {
				return 0, err
			}
			return view.Sequence, projection.RebuildProjections(ctx, db, view, observability.NewLoggerWithLevel("projection", level))
		},
		queryService,
		adminGate,
		metrics,
	)

	grpcServer, err := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Lending:       lendingSvc,
		Admin:         adminSvc,
		HealthChecker: healthChecker,
		Auth:          auth,
		Logger:        observability.NewLoggerWithLevel("server", level),
	})
	if err != nil {
		return err
	}
	go func() { errCh <- grpcServer.StartGRPC(ctx) }()
	go func() { errCh <- grpcServer.StartHTTP(ctx) }()

	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, ReadHeaderTimeout: 5 * time.Second}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	metricsServer.Handler = metricsMux
	go func() {
		logger.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("next_sequence", startSequence).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Bool("nats", cfg.NATS.Enabled).
		Bool("auth", auth != nil).
		Msg("VaultLedger ready")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop ingress, then the core, then let the workers drain what the
	// core emitted before taking the final snapshot.
	healthChecker.SetReady(false)
	stop()
	if subscriber != nil {
		subscriber.Stop()
	}

	stopCore()
	<-coreDone
	close(persistCh)
	close(projectionCh)
	workers.Wait()
	stopWorkers()
	publishers.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, _, err := snaps.save(shutdownCtx, c.CreateSnapshotState()); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}

	logger.Info().Msg("VaultLedger shutdown complete")
	return runErr
}
