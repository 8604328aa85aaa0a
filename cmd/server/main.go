package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/makeastudio/api/internal/auth"
	"github.com/makeastudio/api/internal/client"
	"github.com/makeastudio/api/internal/config"
	"github.com/makeastudio/api/internal/logging"
	"github.com/makeastudio/api/internal/realtime"
	"github.com/makeastudio/api/internal/server"
	"github.com/makeastudio/api/internal/service"
	"github.com/makeastudio/api/internal/store"
	"github.com/makeastudio/api/internal/worker"
)

// runGrace is how long an asynq task may outlive the provider deadline
// while it relocates and finalizes the output.
const runGrace = 10 * time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	db, err := store.Open(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis not available, rate limiting fails open")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	storage, err := client.NewStorage(cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if storage == nil {
		logger.Warn().Msg("object storage not configured, provider URLs are kept as-is")
	}

	groq := client.NewGroqClient(&cfg.Groq, logger)
	if !groq.IsConfigured() {
		logger.Warn().Msg("GROQ_API_KEY not set, prompt synthesis will fail")
	}
	replicate := client.NewReplicateClient(&cfg.Replicate, logger)
	if !replicate.IsConfigured() {
		logger.Warn().Msg("REPLICATE_API_TOKEN not set, generation will fail")
	}

	hub := realtime.NewHub(realtime.Options{}, logger)
	go hub.Run(ctx, time.Minute)

	ledger := service.NewCreditLedger(db, cfg.Pipeline.CourtesyRefunds, logger)

	var (
		scheduler service.Scheduler
		local     *service.LocalScheduler
		asynqCli  *asynq.Client
	)
	if cfg.Pipeline.Scheduler == "local" {
		local = service.NewLocalScheduler(cfg.Pipeline.WorkerConcurrency, logger)
		scheduler = local
	} else {
		asynqCli = asynq.NewClient(redisOpt)
		defer asynqCli.Close()
		inspector := asynq.NewInspector(redisOpt)
		defer inspector.Close()
		scheduler = service.NewAsynqScheduler(asynqCli, inspector, cfg.Pipeline.HardDeadline+runGrace, logger)
	}

	orch := service.NewOrchestrator(service.Deps{
		Store:       db,
		Ledger:      ledger,
		Completer:   groq,
		Predictions: client.NewPoller(replicate, logger),
		Relocator:   service.NewRelocator(storage, cfg.Storage.FetchMaxBytes, logger),
		Hub:         hub,
		Scheduler:   scheduler,
		Catalog:     service.NewCatalog(&cfg.Replicate),
		Pipeline:    cfg.Pipeline,
		Logger:      logger,
	})

	// Background execution: asynq worker + periodic sweep, or in-process
	var stopWorkers func()
	if local != nil {
		local.Bind(orch.Run)
		stopWorkers = startLocalSweeper(ctx, orch, cfg.Pipeline.SweepInterval, logger)
	} else {
		stopWorkers, err = startWorkerServer(cfg, redisOpt, orch, logger)
		if err != nil {
			return err
		}
	}

	verifier := buildVerifier(ctx, cfg, logger)

	app := server.NewApp(server.Deps{
		Config:   cfg,
		Jobs:     orch,
		Credits:  ledger,
		Verifier: verifier,
		Redis:    redisClient,
		Ready:    db.Ping,
		Logger:   logger,
	})

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	logger.Info().Str("addr", addr).Str("scheduler", cfg.Pipeline.Scheduler).Msg("server starting")
	listenErr := app.Listen(addr)

	stopWorkers()
	if local != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := local.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("in-flight runs canceled at shutdown")
		}
	}
	return listenErr
}

// buildVerifier prefers Zitadel tokens and falls back to HMAC tokens signed
// with the shared secret.
func buildVerifier(ctx context.Context, cfg *config.Config, logger zerolog.Logger) auth.Verifier {
	var chain auth.Chain
	if cfg.Zitadel.Issuer != "" {
		jwks, err := auth.NewJWKSVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			logger.Warn().Err(err).Msg("JWKS verifier not initialized")
		} else {
			chain = append(chain, jwks)
			logger.Info().Str("issuer", cfg.Zitadel.Issuer).Msg("zitadel JWKS verifier initialized")
		}
	}
	if cfg.JWT.Secret != "" {
		chain = append(chain, auth.NewHMACVerifier(cfg.JWT.Secret))
	}
	return chain
}

func startWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, orch *service.Orchestrator, logger zerolog.Logger) (func(), error) {
	asynqLogger := logging.NewAsynqLogger(logger)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Pipeline.WorkerConcurrency,
		Queues: map[string]int{
			service.QueueGeneration:  9,
			service.QueueMaintenance: 1,
		},
		Logger:          asynqLogger,
		ShutdownTimeout: 30 * time.Second,
	})

	mux := asynq.NewServeMux()
	worker.Register(mux,
		worker.NewGenerationWorker(orch, logger),
		worker.NewSweepWorker(orch, logger),
	)
	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("start asynq server: %w", err)
	}

	sweeps := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger:   asynqLogger,
		Location: time.UTC,
	})
	cronspec := fmt.Sprintf("@every %s", cfg.Pipeline.SweepInterval)
	if _, err := sweeps.Register(cronspec, service.NewSweepTask(),
		asynq.Queue(service.QueueMaintenance),
		asynq.Unique(cfg.Pipeline.SweepInterval),
		asynq.MaxRetry(0),
	); err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("register sweep: %w", err)
	}
	if err := sweeps.Start(); err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("start sweep scheduler: %w", err)
	}

	return func() {
		sweeps.Shutdown()
		srv.Shutdown()
	}, nil
}

// startLocalSweeper runs the sweep on a ticker when no task queue is used.
func startLocalSweeper(ctx context.Context, orch *service.Orchestrator, interval time.Duration, logger zerolog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := orch.Sweep(ctx); err != nil && ctx.Err() == nil {
					logger.Error().Err(err).Msg("sweep failed")
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
