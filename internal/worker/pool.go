package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/domain"
	"github.com/cuongbtq/image-enhancer/shared/metrics"
)

// Task outcomes, used as metric labels
const (
	outcomeSuccess  = "success"
	outcomeRetry    = "retry"
	outcomeFailed   = "failed"
	outcomeRequeued = "requeued"
	outcomeSkipped  = "skipped"
)

// settleTimeout bounds the bookkeeping done after a task returns
const settleTimeout = 30 * time.Second

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	logger := w.logger.With(slog.String("worker_name", workerName))

	exec := NewExecContext(w.newProcessor, w.maxTasksPerChild, logger)
	defer exec.Close()

	logger.Info("Worker goroutine started")

	for {
		select {
		case <-w.stopChan:
			logger.Info("Worker goroutine stopping - stopChan closed")
			return

		case <-ctx.Done():
			logger.Info("Worker goroutine stopping - context canceled")
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				logger.Info("Worker goroutine stopping - jobsChan closed")
				return
			}

			logger.Info("Worker received task",
				slog.String("job_id", msg.Task.JobID),
				slog.Int("attempt", msg.Task.AttemptCount),
				slog.Uint64("delivery_tag", msg.DeliveryTag),
				slog.Bool("redelivered", msg.Redelivered),
			)

			metrics.WorkerBusy.Inc()
			start := time.Now()

			err := w.processJob(ctx, exec, msg)
			outcome := w.settle(ctx, msg, err)

			exec.TaskDone()
			metrics.WorkerBusy.Dec()
			metrics.TaskTotal.WithLabelValues(outcome).Inc()
			metrics.TaskDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		}
	}
}

// settle acknowledges the delivery according to the task result and records
// retries and terminal failures on the job
func (w *Worker) settle(ctx context.Context, msg *taskDelivery, err error) string {
	task := msg.Task
	logger := w.logger.With(slog.String("job_id", task.JobID), slog.Int("attempt", task.AttemptCount))

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	switch {
	case err == nil:
		w.ack(logger, msg)
		logger.Info("Task completed successfully")
		return outcomeSuccess

	case errors.Is(err, errStale):
		w.ack(logger, msg)
		return outcomeSkipped

	case ctx.Err() != nil:
		logger.Warn("Task interrupted by shutdown, requeueing", slog.String("error", err.Error()))
		w.requeue(msg)
		return outcomeRequeued
	}

	logger.Error("Task failed", slog.String("error", err.Error()))

	if w.shouldRetry(err, task) {
		if retried := w.scheduleRetry(bg, logger, msg, err); retried {
			return outcomeRetry
		}
		w.requeue(msg)
		return outcomeRequeued
	}

	w.fail(bg, logger, task, err)
	w.ack(logger, msg)
	return outcomeFailed
}

// shouldRetry determines whether a failed attempt goes back on the queue
func (w *Worker) shouldRetry(err error, task domain.TaskMessage) bool {
	var retryableErr *domain.RetryableError
	if !errors.As(err, &retryableErr) {
		return false
	}
	return w.retry.ShouldRetry(task.AttemptCount)
}

// scheduleRetry marks the job queued and parks a copy with the next attempt
// number in the retry queue. The original delivery is acked only once the copy
// is published.
func (w *Worker) scheduleRetry(ctx context.Context, logger *slog.Logger, msg *taskDelivery, cause error) bool {
	next := msg.Task
	next.AttemptCount++

	body, err := json.Marshal(next)
	if err != nil {
		logger.Error("Failed to encode retry task", slog.String("error", err.Error()))
		return false
	}

	if err := w.jobs.MarkRetrying(ctx, next.JobID, cause.Error()); err != nil {
		logger.Warn("Failed to mark job for retry", slog.String("error", err.Error()))
	}

	// stale stage and percent from the failed attempt must not outlive it
	if err := w.progress.Clear(ctx, next.JobID); err != nil {
		logger.Debug("Failed to clear progress", slog.String("error", err.Error()))
	}

	if err := w.broker.PublishDelayed(ctx, body, "application/json", w.retry.Delay); err != nil {
		logger.Error("Failed to publish retry", slog.String("error", err.Error()))
		return false
	}

	metrics.TaskRetries.Inc()
	logger.Info("Task scheduled for retry",
		slog.Int("next_attempt", next.AttemptCount),
		slog.Int("max_retries", w.retry.MaxRetries),
		slog.Duration("delay", w.retry.Delay),
	)

	w.ack(logger, msg)
	return true
}

// fail records a terminal failure and removes the input
func (w *Worker) fail(ctx context.Context, logger *slog.Logger, task domain.TaskMessage, cause error) {
	if task.AttemptCount > w.retry.MaxRetries {
		cause = fmt.Errorf("%w: %v", domain.ErrMaxRetriesExceeded, cause)
	}

	if err := w.jobs.MarkFailed(ctx, task.JobID, cause.Error()); err != nil {
		logger.Error("Failed to mark job failed", slog.String("error", err.Error()))
	}

	if err := w.artifacts.Delete(ctx, task.InputKey); err != nil {
		logger.Warn("Failed to delete input after failure", slog.String("error", err.Error()))
	}

	if err := w.progress.Clear(ctx, task.JobID); err != nil {
		logger.Debug("Failed to clear progress", slog.String("error", err.Error()))
	}

	logger.Warn("Job failed permanently", slog.String("error", cause.Error()))
}

func (w *Worker) ack(logger *slog.Logger, msg *taskDelivery) {
	if err := msg.delivery.Ack(false); err != nil {
		logger.Error("Failed to ACK message", slog.String("error", err.Error()))
	}
}
