package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/artifact"
	"github.com/cuongbtq/image-enhancer/internal/domain"
	"github.com/cuongbtq/image-enhancer/internal/processor"
	"github.com/cuongbtq/image-enhancer/internal/progress"
)

// errStale marks a task whose job was deleted or already finished
var errStale = errors.New("task no longer applies")

// processJob runs one attempt of a task. Errors wrapped in RetryableError may
// be retried; anything else is terminal.
func (w *Worker) processJob(ctx context.Context, exec *ExecContext, msg *taskDelivery) error {
	task := msg.Task
	logger := w.logger.With(slog.String("job_id", task.JobID), slog.Int("attempt", task.AttemptCount))

	// Step 1: Claim job (queued|processing → processing)
	job, err := w.jobs.Claim(ctx, task.JobID, w.workerID)
	switch {
	case errors.Is(err, domain.ErrJobFinished):
		logger.Info("Job already finished, skipping")
		return fmt.Errorf("%w: %v", errStale, err)
	case errors.Is(err, domain.ErrJobNotFound):
		logger.Warn("Job record not found, dropping task")
		return fmt.Errorf("%w: %v", errStale, err)
	case err != nil:
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	// Step 2: Heartbeat while running
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.sendJobHeartbeat(hbCtx, job.ID)

	// Step 3: Redelivery after a finished attempt
	hasInput, err := artifact.Exists(ctx, w.artifacts, task.InputKey)
	if err != nil {
		return domain.NewRetryableError(&domain.StorageError{Op: "stat input", Err: err})
	}
	if !hasInput {
		return w.completeFromOutput(ctx, logger, job.ID)
	}

	// Step 4: Enhance under the soft and hard limits
	result, err := w.execute(ctx, exec, logger, job.ID, task.InputKey)
	if err != nil {
		return err
	}

	// Step 5: Input goes once the output is safely stored
	if err := w.artifacts.Delete(ctx, task.InputKey); err != nil {
		logger.Warn("Failed to delete input", slog.String("error", err.Error()))
	}

	if err := w.jobs.MarkCompleted(ctx, job.ID, *result); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			// Deleted by the client while running
			logger.Warn("Job deleted during processing, discarding output")
			if delErr := w.artifacts.Delete(ctx, result.OutputKey); delErr != nil {
				logger.Warn("Failed to discard output", slog.String("error", delErr.Error()))
			}
			return fmt.Errorf("%w: %v", errStale, err)
		}
		return domain.NewRetryableError(fmt.Errorf("failed to mark job completed: %w", err))
	}

	if err := w.progress.Clear(ctx, job.ID); err != nil {
		logger.Debug("Failed to clear progress", slog.String("error", err.Error()))
	}

	logger.Info("Job completed",
		slog.String("original_size", result.OriginalSize),
		slog.String("enhanced_size", result.EnhancedSize),
	)
	return nil
}

// completeFromOutput finishes a job whose previous attempt stored the output
// and removed the input but was never acknowledged
func (w *Worker) completeFromOutput(ctx context.Context, logger *slog.Logger, jobID string) error {
	outputKey := domain.OutputKey(jobID)

	hasOutput, err := artifact.Exists(ctx, w.artifacts, outputKey)
	if err != nil {
		return domain.NewRetryableError(&domain.StorageError{Op: "stat output", Err: err})
	}
	if !hasOutput {
		return domain.ErrInputMissing
	}

	logger.Info("Output already present, completing without reprocessing")
	if err := w.jobs.MarkCompleted(ctx, jobID, domain.Result{OutputKey: outputKey}); err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to mark job completed: %w", err))
	}
	return nil
}

// execute loads, enhances, measures and stores one image
func (w *Worker) execute(ctx context.Context, exec *ExecContext, logger *slog.Logger, jobID, inputKey string) (*domain.Result, error) {
	hardDeadline := time.Now().Add(w.jobTimeout)

	taskCtx, cancel := context.WithTimeout(ctx, w.softTimeout)
	defer cancel()

	fail := func(stage domain.Stage, err error) (*domain.Result, error) {
		var timeout *domain.TimeoutError
		if !errors.As(err, &timeout) && ctx.Err() == nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			logger.Warn("Soft time limit exceeded",
				slog.String("stage", string(stage)),
				slog.Duration("soft_limit", w.softTimeout),
			)
			err = &domain.TimeoutError{Limit: w.softTimeout}
		}
		return nil, domain.NewRetryableError(&domain.ProcessingError{Stage: stage, Err: err})
	}

	w.report(taskCtx, logger, jobID, domain.StageLoading)
	original, err := w.loadInput(taskCtx, inputKey)
	if err != nil {
		return fail(domain.StageLoading, err)
	}

	w.report(taskCtx, logger, jobID, domain.StageEnhancing)
	enhanced, err := w.enhance(ctx, taskCtx, exec, original, time.Until(hardDeadline))
	if err != nil {
		var timeout *domain.TimeoutError
		if errors.As(err, &timeout) {
			logger.Error("Hard time limit exceeded, processor abandoned",
				slog.Duration("limit", timeout.Limit),
			)
		}
		return fail(domain.StageEnhancing, err)
	}

	w.report(taskCtx, logger, jobID, domain.StageComputingMetrics)
	quality, err := processor.ComputeMetrics(original, enhanced)
	if err != nil {
		logger.Warn("Failed to compute quality metrics", slog.String("error", err.Error()))
	}

	w.report(taskCtx, logger, jobID, domain.StageSaving)
	var buf bytes.Buffer
	if err := processor.EncodeJPEG(&buf, enhanced); err != nil {
		return fail(domain.StageSaving, err)
	}

	outputKey := domain.OutputKey(jobID)
	if err := w.artifacts.Put(taskCtx, outputKey, &buf, int64(buf.Len()), "image/jpeg"); err != nil {
		return fail(domain.StageSaving, &domain.StorageError{Op: "write output", Err: err})
	}

	return &domain.Result{
		OutputKey:    outputKey,
		OriginalSize: processor.Size(original),
		EnhancedSize: processor.Size(enhanced),
		Metrics:      quality,
	}, nil
}

func (w *Worker) loadInput(ctx context.Context, key string) (image.Image, error) {
	rc, err := w.artifacts.Get(ctx, key)
	if err != nil {
		return nil, &domain.StorageError{Op: "read input", Err: err}
	}
	defer rc.Close()

	img, err := processor.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

type enhanceResult struct {
	img image.Image
	err error
}

// enhance runs the processor on its own goroutine so the hard limit holds even
// when the processor ignores cancellation. A processor that overruns is
// abandoned and closed once it eventually returns.
func (w *Worker) enhance(parent, ctx context.Context, exec *ExecContext, img image.Image, hard time.Duration) (image.Image, error) {
	proc, err := exec.Processor()
	if err != nil {
		return nil, err
	}

	done := make(chan enhanceResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- enhanceResult{err: fmt.Errorf("processor panic: %v", r)}
			}
		}()
		out, err := proc.Enhance(ctx, img, w.scale)
		done <- enhanceResult{img: out, err: err}
	}()

	timer := time.NewTimer(hard)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.img, r.err
	case <-timer.C:
		w.abandon(exec, done)
		return nil, &domain.TimeoutError{Limit: w.jobTimeout}
	case <-parent.Done():
		w.abandon(exec, done)
		return nil, parent.Err()
	}
}

func (w *Worker) abandon(exec *ExecContext, done <-chan enhanceResult) {
	stuck := exec.Abandon()
	if stuck == nil {
		return
	}
	go func() {
		<-done
		if err := stuck.Close(); err != nil {
			w.logger.Warn("Failed to close abandoned processor", slog.String("error", err.Error()))
		}
	}()
}

// report publishes the stage; losing it never fails the task
func (w *Worker) report(ctx context.Context, logger *slog.Logger, jobID string, stage domain.Stage) {
	if err := w.progress.Report(ctx, jobID, stage, progress.PercentFor(stage)); err != nil {
		logger.Debug("Failed to report progress",
			slog.String("stage", string(stage)),
			slog.String("error", err.Error()),
		)
	}
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.jobs.Heartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
