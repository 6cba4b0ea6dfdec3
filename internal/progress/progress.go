// Package progress carries the observability-only stage of running tasks
// from workers to the gateway. Losing an update never affects correctness.
package progress

import (
	"context"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/domain"
)

// Progress percentages reported at each stage
const (
	PercentQueued    = 0
	PercentLoading   = 0
	PercentEnhancing = 25
	PercentMetrics   = 75
	PercentSaving    = 90
)

// State is the last reported stage of a job
type State struct {
	Stage     domain.Stage
	Progress  int
	UpdatedAt time.Time
}

// Reporter publishes and reads task progress
type Reporter interface {
	Report(ctx context.Context, jobID string, stage domain.Stage, percent int) error
	Get(ctx context.Context, jobID string) (State, bool, error)
	Clear(ctx context.Context, jobID string) error
}

// PercentFor maps a stage to its nominal progress value
func PercentFor(stage domain.Stage) int {
	switch stage {
	case domain.StageEnhancing:
		return PercentEnhancing
	case domain.StageComputingMetrics:
		return PercentMetrics
	case domain.StageSaving:
		return PercentSaving
	default:
		return PercentQueued
	}
}

// Noop discards reports
type Noop struct{}

func (Noop) Report(context.Context, string, domain.Stage, int) error { return nil }
func (Noop) Get(context.Context, string) (State, bool, error)        { return State{}, false, nil }
func (Noop) Clear(context.Context, string) error                     { return nil }
