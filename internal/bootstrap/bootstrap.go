// Package bootstrap builds the infrastructure clients shared by the binaries
// from the loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/config"
	"github.com/cuongbtq/image-enhancer/internal/jobstore"
	"github.com/cuongbtq/image-enhancer/internal/progress"
	"github.com/cuongbtq/image-enhancer/shared/logger"
	"github.com/cuongbtq/image-enhancer/shared/postgresql"
	"github.com/cuongbtq/image-enhancer/shared/rabbitmq"
	"github.com/cuongbtq/image-enhancer/shared/redis"
)

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
	}

	return logger.New(loggerCfg)
}

// InitPostgreSQL connects to PostgreSQL and applies the job schema when
// auto_migrate is set
func InitPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		URL:             cfg.URL,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	client, err := postgresql.NewClient(dbConfig, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := jobstore.Migrate(ctx, client); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("Database schema up to date")
	}

	return client, nil
}

// RabbitMQConfig maps the broker section onto the client configuration. The
// task topology always has a dead-letter queue and a delayed retry queue.
func RabbitMQConfig(cfg *config.RabbitMQConfig, prefetch int) *rabbitmq.Config {
	return &rabbitmq.Config{
		URL:                cfg.URL,
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      prefetch,
		DeadLetter:         true,
		RetryQueue:         true,
	}
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, prefetch int, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(RabbitMQConfig(cfg, prefetch), logger)
}

// InitProgress returns the Redis progress reporter when Redis is enabled and a
// no-op reporter otherwise. The returned client is nil when Redis is disabled.
func InitProgress(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (progress.Reporter, *redis.Client, error) {
	if !cfg.Enabled {
		logger.Info("Redis disabled, progress reporting off")
		return progress.Noop{}, nil, nil
	}

	client, err := redis.NewClient(ctx, &redis.Config{URL: cfg.URL}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	return progress.NewRedisReporter(client.GetClient(), cfg.ProgressTTL), client, nil
}
