package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/artifact"
	"github.com/cuongbtq/image-enhancer/internal/bootstrap"
	"github.com/cuongbtq/image-enhancer/internal/config"
	"github.com/cuongbtq/image-enhancer/internal/domain"
	"github.com/cuongbtq/image-enhancer/internal/jobstore"
	"github.com/cuongbtq/image-enhancer/internal/processor"
	"github.com/cuongbtq/image-enhancer/internal/sweeper"
	"github.com/cuongbtq/image-enhancer/internal/worker"
	"github.com/cuongbtq/image-enhancer/shared/metrics"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging, "worker-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize PostgreSQL client
	dbClient, err := bootstrap.InitPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Prefetch matches the pool size so every slot holds at most one task
	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, cfg.Worker.Concurrency, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	artifacts, err := artifact.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	reporter, redisClient, err := bootstrap.InitProgress(ctx, &cfg.Redis, appLogger.Logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	factory, err := processor.NewFactory(cfg.Processor, appLogger.Component("processor"))
	if err != nil {
		return fmt.Errorf("failed to initialize processor: %w", err)
	}

	jobs := jobstore.NewPostgresStore(dbClient.GetDB(), appLogger.Logger)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Logger,
		Broker:            rabbitClient,
		Jobs:              jobs,
		Artifacts:         artifacts,
		Progress:          reporter,
		NewProcessor:      factory,
		WorkerID:          workerID(),
		Concurrency:       cfg.Worker.Concurrency,
		MaxTasksPerChild:  cfg.Worker.MaxTasksPerChild,
		Scale:             cfg.Processor.Scale,
		JobTimeout:        cfg.Worker.JobTimeout,
		SoftTimeout:       cfg.Worker.SoftTimeout(),
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Retry: domain.RetryPolicy{
			MaxRetries: cfg.Worker.Retry.MaxRetries,
			Delay:      cfg.Worker.Retry.Delay,
		},
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	if cfg.Retention.Enabled {
		sw := sweeper.New(sweeper.Config{
			Logger:    appLogger.Logger,
			Artifacts: artifacts,
			Jobs:      jobs,
			Window:    cfg.Retention.Window(),
			BatchSize: cfg.Retention.BatchSize,
		})
		g.Go(func() error {
			return sw.Run(gctx, cfg.Retention.Interval)
		})
	}

	if cfg.Worker.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Worker.MetricsAddr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			appLogger.Info("Metrics server listening", slog.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	appLogger.Info("Worker service started successfully")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
		select {
		case runErr = <-done:
		case <-time.After(cfg.Worker.ShutdownTimeout):
			appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
			return errors.New("shutdown timeout exceeded")
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		appLogger.Error("Worker error", slog.Any("error", runErr))
		return runErr
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// workerID is unique per process so consumer tags never collide
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
