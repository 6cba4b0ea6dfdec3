// Package jobstore persists the lifecycle record of each enhancement job.
package jobstore

import (
	"context"
	"embed"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/domain"
	"github.com/cuongbtq/image-enhancer/shared/postgresql"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema
func Migrate(ctx context.Context, pg *postgresql.Client) error {
	return pg.Migrate(ctx, migrations, "migrations")
}

// Store is the job record repository shared by the gateway, worker and sweeper.
// Transition methods return domain.ErrJobNotFound when no row was changed.
type Store interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Claim moves a queued or processing job to processing and counts the attempt.
	// Terminal jobs yield domain.ErrJobFinished.
	Claim(ctx context.Context, id, workerID string) (*domain.Job, error)
	Heartbeat(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, result domain.Result) error
	MarkRetrying(ctx context.Context, id, errMsg string) error
	MarkFailed(ctx context.Context, id, errMsg string) error

	Delete(ctx context.Context, id string) (bool, error)
	CountActive(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	List(ctx context.Context, filter Filter) ([]domain.Job, error)

	// ListExpired returns ids of terminal jobs submitted before the cutoff, oldest first
	ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// Filter selects a page of jobs, newest first
type Filter struct {
	Status   domain.Status
	PageSize int
	Cursor   *Cursor
}

// Cursor is the keyset position of the last job on the previous page
type Cursor struct {
	SubmittedAt time.Time
	ID          string
}

// before reports whether j sorts after the cursor in newest-first order
func (c *Cursor) before(j *domain.Job) bool {
	if c == nil {
		return true
	}
	if j.SubmittedAt.Equal(c.SubmittedAt) {
		return j.ID < c.ID
	}
	return j.SubmittedAt.Before(c.SubmittedAt)
}
