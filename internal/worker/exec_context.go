package worker

import (
	"fmt"
	"log/slog"

	"github.com/cuongbtq/image-enhancer/internal/processor"
)

// ExecContext owns the processor of one pool slot. The processor is built on
// first use and rebuilt after maxTasks tasks. It is not safe for concurrent use.
type ExecContext struct {
	logger   *slog.Logger
	factory  processor.Factory
	maxTasks int

	proc  processor.Processor
	tasks int
	built int
}

// NewExecContext creates an execution context; maxTasks <= 0 never recycles
func NewExecContext(factory processor.Factory, maxTasks int, logger *slog.Logger) *ExecContext {
	return &ExecContext{
		logger:   logger,
		factory:  factory,
		maxTasks: maxTasks,
	}
}

// Processor returns the live processor, building it if needed
func (e *ExecContext) Processor() (processor.Processor, error) {
	if e.proc != nil {
		return e.proc, nil
	}

	p, err := e.factory()
	if err != nil {
		return nil, fmt.Errorf("failed to build processor: %w", err)
	}

	e.proc = p
	e.tasks = 0
	e.built++
	e.logger.Debug("Processor initialized", slog.Int("generation", e.built))
	return p, nil
}

// TaskDone counts a finished task and recycles the processor at the limit
func (e *ExecContext) TaskDone() {
	if e.proc == nil {
		return
	}

	e.tasks++
	if e.maxTasks > 0 && e.tasks >= e.maxTasks {
		e.logger.Info("Recycling processor",
			slog.Int("tasks", e.tasks),
			slog.Int("max_tasks", e.maxTasks),
		)
		e.release()
	}
}

// Abandon forgets a processor stuck past the hard limit. The caller must
// close the returned processor once its in-flight call returns.
func (e *ExecContext) Abandon() processor.Processor {
	p := e.proc
	e.proc = nil
	e.tasks = 0
	return p
}

// Generations reports how many processors have been built
func (e *ExecContext) Generations() int {
	return e.built
}

// Close releases the processor
func (e *ExecContext) Close() {
	e.release()
}

func (e *ExecContext) release() {
	if e.proc == nil {
		return
	}
	if err := e.proc.Close(); err != nil {
		e.logger.Warn("Failed to close processor", slog.String("error", err.Error()))
	}
	e.proc = nil
	e.tasks = 0
}
