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

	"github.com/cuongbtq/image-enhancer/internal/api/handler"
	"github.com/cuongbtq/image-enhancer/internal/api/router"
	"github.com/cuongbtq/image-enhancer/internal/api/service"
	"github.com/cuongbtq/image-enhancer/internal/artifact"
	"github.com/cuongbtq/image-enhancer/internal/bootstrap"
	"github.com/cuongbtq/image-enhancer/internal/config"
	"github.com/cuongbtq/image-enhancer/internal/jobstore"
	"github.com/gin-gonic/gin"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging, "api-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx := context.Background()

	// Initialize PostgreSQL client
	dbClient, err := bootstrap.InitPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, 0, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	// Initialize artifact store
	artifacts, err := artifact.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	appLogger.Info("Artifact store ready", slog.String("driver", cfg.Storage.Driver))

	// Initialize progress side channel
	reporter, redisClient, err := bootstrap.InitProgress(ctx, &cfg.Redis, appLogger.Logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	jobs := service.NewJobService(service.Dependencies{
		Logger:      appLogger.Component("job_service"),
		Jobs:        jobstore.NewPostgresStore(dbClient.GetDB(), appLogger.Logger),
		Artifacts:   artifacts,
		Publisher:   rabbitClient,
		Progress:    reporter,
		Upload:      cfg.Upload,
		MaxInFlight: cfg.MaxInFlight(),
	})

	checks := map[string]handler.HealthCheck{
		"database": dbClient.HealthCheck,
		"broker": func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		},
	}
	if redisClient != nil {
		checks["redis"] = redisClient.HealthCheck
	}

	// Initialize router
	r := initRouter(cfg, &handler.Dependencies{
		Logger: appLogger.Logger,
		Jobs:   jobs,
		Port:   cfg.Server.Port,
		Checks: checks,
	})

	// Create HTTP server
	addr := cfg.Server.Addr()
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		slog.Int("max_in_flight", cfg.MaxInFlight()),
	)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	limiter := router.NewClientLimiter(cfg.Admission.RatePerMinute, cfg.Admission.Burst)

	return router.SetupRouter(deps, limiter)
}
