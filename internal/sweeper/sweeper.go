// Package sweeper purges artifacts and finished job records past the
// retention window.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/artifact"
	"github.com/cuongbtq/image-enhancer/internal/domain"
	"github.com/cuongbtq/image-enhancer/internal/jobstore"
	"github.com/cuongbtq/image-enhancer/shared/metrics"
)

const (
	kindInput  = "input"
	kindOutput = "output"
	kindRecord = "record"
)

// Config holds sweeper dependencies. Jobs may be nil to sweep artifacts only.
type Config struct {
	Logger    *slog.Logger
	Artifacts artifact.Store
	Jobs      jobstore.Store
	Window    time.Duration
	BatchSize int
}

// Report counts what one sweep removed
type Report struct {
	Inputs  int
	Outputs int
	Records int
	Failed  int
}

// Sweeper deletes inputs, outputs and terminal records older than Window.
// Window must exceed the worker hard time limit so in-flight jobs are never
// touched.
type Sweeper struct {
	logger    *slog.Logger
	artifacts artifact.Store
	jobs      jobstore.Store
	window    time.Duration
	batchSize int
	now       func() time.Time
}

// New creates a sweeper
func New(cfg Config) *Sweeper {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{
		logger:    cfg.Logger.With(slog.String("component", "sweeper")),
		artifacts: cfg.Artifacts,
		jobs:      cfg.Jobs,
		window:    cfg.Window,
		batchSize: batch,
		now:       time.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	s.logger.Info("Retention sweeper started",
		slog.Duration("window", s.window),
		slog.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Sweep failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Retention sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass. Individual delete failures are logged and counted;
// only listing failures abort the pass.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	cutoff := s.now().Add(-s.window)

	n, failed, err := s.sweepPrefix(ctx, domain.UploadsPrefix, cutoff, kindInput)
	report.Inputs, report.Failed = n, report.Failed+failed
	if err != nil {
		return report, err
	}

	n, failed, err = s.sweepPrefix(ctx, domain.ProcessedPrefix, cutoff, kindOutput)
	report.Outputs, report.Failed = n, report.Failed+failed
	if err != nil {
		return report, err
	}

	if s.jobs != nil {
		n, failed, err = s.sweepRecords(ctx, cutoff)
		report.Records, report.Failed = n, report.Failed+failed
		if err != nil {
			return report, err
		}
	}

	if report.Inputs+report.Outputs+report.Records > 0 || report.Failed > 0 {
		s.logger.Info("Sweep finished",
			slog.Int("inputs", report.Inputs),
			slog.Int("outputs", report.Outputs),
			slog.Int("records", report.Records),
			slog.Int("failed", report.Failed),
		)
	}
	return report, nil
}

func (s *Sweeper) sweepPrefix(ctx context.Context, prefix string, cutoff time.Time, kind string) (int, int, error) {
	items, err := s.artifacts.List(ctx, prefix)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	deleted, failed := 0, 0
	for _, item := range items {
		if !item.ModTime.Before(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deleted, failed, err
		}
		if err := s.artifacts.Delete(ctx, item.Key); err != nil {
			s.logger.Warn("Failed to delete expired artifact",
				slog.String("key", item.Key),
				slog.String("error", err.Error()),
			)
			failed++
			continue
		}
		deleted++
		metrics.SweeperDeleted.WithLabelValues(kind).Inc()
		s.logger.Debug("Deleted expired artifact", slog.String("key", item.Key))
	}
	return deleted, failed, nil
}

// sweepRecords deletes terminal records in batches until a short batch
func (s *Sweeper) sweepRecords(ctx context.Context, cutoff time.Time) (int, int, error) {
	deleted, failed := 0, 0
	for {
		ids, err := s.jobs.ListExpired(ctx, cutoff, s.batchSize)
		if err != nil {
			return deleted, failed, fmt.Errorf("failed to list expired jobs: %w", err)
		}

		progress := false
		for _, id := range ids {
			ok, err := s.jobs.Delete(ctx, id)
			if err != nil {
				s.logger.Warn("Failed to delete expired job",
					slog.String("job_id", id),
					slog.String("error", err.Error()),
				)
				failed++
				continue
			}
			progress = true
			if ok {
				deleted++
				metrics.SweeperDeleted.WithLabelValues(kindRecord).Inc()
			}
		}

		if len(ids) < s.batchSize || !progress {
			return deleted, failed, nil
		}
	}
}
