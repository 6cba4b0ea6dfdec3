package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	URL           string
	RetryAttempts int
	RetryInterval time.Duration
}

// Client represents a Redis client
type Client struct {
	rdb    *goredis.Client
	logger *slog.Logger
}

// NewClient parses the URL and pings the server, retrying on failure
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	opts, err := goredis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	attempts := config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	rdb := goredis.NewClient(opts)

	for attempt := 1; attempt <= attempts; attempt++ {
		logger.Info("Connecting to Redis",
			slog.String("addr", opts.Addr),
			slog.Int("attempt", attempt),
		)

		err = rdb.Ping(ctx).Err()
		if err == nil {
			break
		}

		logger.Error("Failed to ping Redis",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			select {
			case <-ctx.Done():
				_ = rdb.Close()
				return nil, ctx.Err()
			case <-time.After(config.RetryInterval):
			}
		}
	}

	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", attempts, err)
	}

	logger.Info("Successfully connected to Redis", slog.String("addr", opts.Addr))

	return &Client{rdb: rdb, logger: logger}, nil
}

// GetClient returns the underlying go-redis client
func (c *Client) GetClient() *goredis.Client {
	return c.rdb
}

// HealthCheck pings the server
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")
	return c.rdb.Close()
}
