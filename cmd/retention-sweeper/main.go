package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/image-enhancer/internal/artifact"
	"github.com/cuongbtq/image-enhancer/internal/bootstrap"
	"github.com/cuongbtq/image-enhancer/internal/config"
	"github.com/cuongbtq/image-enhancer/internal/jobstore"
	"github.com/cuongbtq/image-enhancer/internal/sweeper"
	"github.com/joho/godotenv"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	once := flag.Bool("once", false, "Run a single sweep and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateRetentionConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging, "retention-sweeper")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := bootstrap.InitPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	artifacts, err := artifact.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	sw := sweeper.New(sweeper.Config{
		Logger:    appLogger.Logger,
		Artifacts: artifacts,
		Jobs:      jobstore.NewPostgresStore(dbClient.GetDB(), appLogger.Logger),
		Window:    cfg.Retention.Window(),
		BatchSize: cfg.Retention.BatchSize,
	})

	if *once {
		report, err := sw.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		appLogger.Info("Sweep complete",
			slog.Int("inputs", report.Inputs),
			slog.Int("outputs", report.Outputs),
			slog.Int("records", report.Records),
			slog.Int("failed", report.Failed),
		)
		return nil
	}

	return sw.Run(ctx, cfg.Retention.Interval)
}
