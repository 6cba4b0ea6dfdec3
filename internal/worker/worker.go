package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/artifact"
	"github.com/cuongbtq/image-enhancer/internal/domain"
	"github.com/cuongbtq/image-enhancer/internal/jobstore"
	"github.com/cuongbtq/image-enhancer/internal/processor"
	"github.com/cuongbtq/image-enhancer/internal/progress"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned by Start when the broker stops delivering
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Broker is the part of the RabbitMQ client the worker uses
type Broker interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
	PublishDelayed(ctx context.Context, body []byte, contentType string, delay time.Duration) error
}

// Config holds worker configuration
type Config struct {
	Logger       *slog.Logger
	Broker       Broker
	Jobs         jobstore.Store
	Artifacts    artifact.Store
	Progress     progress.Reporter
	NewProcessor processor.Factory

	WorkerID          string
	Concurrency       int
	MaxTasksPerChild  int
	Scale             int
	JobTimeout        time.Duration
	SoftTimeout       time.Duration
	HeartbeatInterval time.Duration
	Retry             domain.RetryPolicy
}

// Worker consumes enhancement tasks and runs them on a fixed pool of slots
type Worker struct {
	logger       *slog.Logger
	broker       Broker
	jobs         jobstore.Store
	artifacts    artifact.Store
	progress     progress.Reporter
	newProcessor processor.Factory

	workerID          string
	concurrency       int
	maxTasksPerChild  int
	scale             int
	jobTimeout        time.Duration
	softTimeout       time.Duration
	heartbeatInterval time.Duration
	retry             domain.RetryPolicy

	jobsChan chan *taskDelivery
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	reporter := cfg.Progress
	if reporter == nil {
		reporter = progress.Noop{}
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	soft := cfg.SoftTimeout
	if soft <= 0 || soft > cfg.JobTimeout {
		soft = cfg.JobTimeout
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	scale := cfg.Scale
	if scale < 1 {
		scale = 1
	}

	return &Worker{
		logger:            cfg.Logger.With(slog.String("component", "worker"), slog.String("worker_id", cfg.WorkerID)),
		broker:            cfg.Broker,
		jobs:              cfg.Jobs,
		artifacts:         cfg.Artifacts,
		progress:          reporter,
		newProcessor:      cfg.NewProcessor,
		workerID:          cfg.WorkerID,
		concurrency:       concurrency,
		maxTasksPerChild:  cfg.MaxTasksPerChild,
		scale:             scale,
		jobTimeout:        cfg.JobTimeout,
		softTimeout:       soft,
		heartbeatInterval: heartbeat,
		retry:             cfg.Retry,
		jobsChan:          make(chan *taskDelivery),
		stopChan:          make(chan struct{}),
	}
}

// Start consumes until ctx is cancelled, Stop is called or the broker closes
// the delivery channel. It returns after every slot has finished its task.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("soft_timeout", w.softTimeout),
		slog.Int("max_tasks_per_child", w.maxTasksPerChild),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)

	err = w.startMessageDispatcher(ctx, deliveries)

	close(w.jobsChan)
	w.wg.Wait()

	w.logger.Info("Worker stopped")
	return err
}

// Stop asks the dispatcher and idle slots to exit
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}
