package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/api/service"
)

// HealthCheck pings one dependency
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger *slog.Logger
	Jobs   *service.JobService
	Port   int

	// Checks are reported by GET /health, keyed by dependency name
	Checks map[string]HealthCheck

	// RetryAfter is advertised when an upload is rejected for capacity
	RetryAfter time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	jobs       *service.JobService
	retryAfter time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	retryAfter := deps.RetryAfter
	if retryAfter <= 0 {
		retryAfter = 5 * time.Second
	}

	return &JobHandler{
		logger:     deps.Logger,
		jobs:       deps.Jobs,
		retryAfter: retryAfter,
	}
}
