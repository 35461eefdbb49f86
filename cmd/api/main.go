package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/accounts"
	"github.com/nanogen/backend/internal/auth"
	"github.com/nanogen/backend/internal/config"
	"github.com/nanogen/backend/internal/dashboard"
	"github.com/nanogen/backend/internal/database"
	"github.com/nanogen/backend/internal/execution"
	"github.com/nanogen/backend/internal/jobs"
	"github.com/nanogen/backend/internal/ledger"
	"github.com/nanogen/backend/internal/lock"
	"github.com/nanogen/backend/internal/logger"
	"github.com/nanogen/backend/internal/middleware"
	"github.com/nanogen/backend/internal/notify"
	"github.com/nanogen/backend/internal/payments"
	"github.com/nanogen/backend/internal/provider"
	"github.com/nanogen/backend/internal/referral"
	"github.com/nanogen/backend/internal/router"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ParseFlags(flag.CommandLine, os.Args[1:]); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck
	zap.ReplaceGlobals(log)

	catalog := config.DefaultCatalog()
	if cfg.CatalogPath != "" {
		if catalog, err = config.LoadCatalog(cfg.CatalogPath); err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	if !cfg.MigrationsOff {
		if err := database.Migrate(cfg.DatabaseURL, log); err != nil {
			return err
		}
		migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
		if err != nil {
			return fmt.Errorf("create River migrator: %w", err)
		}
		if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
			return fmt.Errorf("River migrate up: %w", err)
		}
		log.Info("River migrations applied")
	}

	// Notifications go to Kafka when brokers are configured.
	var sink notify.Sink = notify.NewLogSink(log)
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := notify.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		kafkaSink := notify.NewKafkaSink(producer, cfg.KafkaTopic, 1024, log)
		defer kafkaSink.Close()
		sink = kafkaSink
	}

	var locker lock.Locker = lock.Nop{}
	if cfg.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer client.Close()
		locker = lock.NewRedisLocker(client, "nanogen:lock:")
	}

	authSvc := auth.NewService(cfg.JWTSecret, cfg.TokenTTL, cfg.BotKeyHash)

	// Ledger
	ledgerSvc := ledger.NewService(ledger.NewRepository(pool), log)

	// Referral and accounts
	accountRepo := accounts.NewRepository(pool)
	referralSvc := referral.NewService(referral.NewRepository(pool), accountRepo, ledgerSvc, catalog, sink, log)
	accountSvc := accounts.NewService(accountRepo, ledgerSvc, referralSvc, authSvc, catalog, log)

	paymentSvc := payments.NewService(payments.NewRepository(pool), ledgerSvc, referralSvc, catalog, locker, sink, log)

	// Jobs: queue funcs are set after the River client is created (breaks init cycle)
	var queueMu sync.Mutex
	var riverClient *river.Client[pgx.Tx]
	client := func() *river.Client[pgx.Tx] {
		queueMu.Lock()
		defer queueMu.Unlock()
		if riverClient == nil {
			panic("river client not wired")
		}
		return riverClient
	}
	insertProcess := func(ctx context.Context, tx pgx.Tx, args execution.ProcessGenerationArgs) (int64, error) {
		res, err := client().InsertTx(ctx, tx, args, nil)
		if err != nil {
			return 0, err
		}
		return res.Job.ID, nil
	}
	cancelRun := func(ctx context.Context, runID int64) error {
		_, err := client().JobCancel(ctx, runID)
		return err
	}

	params, err := jobs.NewParamValidator()
	if err != nil {
		return fmt.Errorf("compile parameter schemas: %w", err)
	}
	jobsSvc := jobs.NewService(jobs.NewRepository(pool), ledgerSvc, catalog, params, sink, insertProcess, cancelRun, log)

	// Execution workers (use jobsSvc as GenerationService)
	gen := catalog.Generation
	aiml := provider.NewAIMLClient(cfg.AIMLBaseURL, cfg.AIMLAPIKey, log)
	workers := river.NewWorkers()
	execution.Register(workers,
		execution.NewProcessGenerationWorker(jobsSvc, aiml, gen.PollInterval, gen.Timeout, log),
		execution.NewReconcileWorker(jobsSvc, log),
	)

	rc, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault:          {MaxWorkers: 2},
			execution.QueueGenerations: {MaxWorkers: cfg.QueueWorkers},
		},
		Workers:      workers,
		PeriodicJobs: execution.PeriodicJobs(gen.SweepInterval),
	})
	if err != nil {
		return fmt.Errorf("create River client: %w", err)
	}
	queueMu.Lock()
	riverClient = rc
	queueMu.Unlock()

	handler := router.New(router.Handlers{
		Accounts:  accounts.NewHandler(accountSvc, log),
		Dashboard: dashboard.NewHandler(accountSvc, ledgerSvc, catalog, log),
		Jobs:      jobs.NewHandler(jobsSvc, log),
		Payments:  payments.NewHandler(paymentSvc, log),
		Referral:  referral.NewHandler(referralSvc, log),
	}, authSvc, middleware.NewAccountLimiter(cfg.RequestRate, cfg.RequestBurst), log)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Bot-Key"},
		AllowCredentials: true,
	}).Handler(handler)

	// Start River client (processes generations)
	if err := rc.Start(ctx); err != nil {
		return fmt.Errorf("start River client: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", zap.String("addr", cfg.RunAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown", zap.Error(err))
	}
	// in-flight generations stay PROCESSING and resume on the next start
	if err := rc.Stop(shutdownCtx); err != nil {
		log.Error("River stop", zap.Error(err))
	}
	return nil
}
