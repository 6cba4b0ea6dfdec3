package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/domain"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `
	id, original_filename, input_key, output_key, size_bytes, status, attempts,
	worker_id, error_message, metrics, original_size, enhanced_size,
	submitted_at, started_at, completed_at, updated_at`

// PostgresStore handles all job record operations on PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

type jobRow struct {
	ID               string         `db:"id"`
	OriginalFilename string         `db:"original_filename"`
	InputKey         string         `db:"input_key"`
	OutputKey        sql.NullString `db:"output_key"`
	SizeBytes        int64          `db:"size_bytes"`
	Status           string         `db:"status"`
	Attempts         int            `db:"attempts"`
	WorkerID         sql.NullString `db:"worker_id"`
	ErrorMessage     sql.NullString `db:"error_message"`
	Metrics          []byte         `db:"metrics"`
	OriginalSize     sql.NullString `db:"original_size"`
	EnhancedSize     sql.NullString `db:"enhanced_size"`
	SubmittedAt      time.Time      `db:"submitted_at"`
	StartedAt        *time.Time     `db:"started_at"`
	CompletedAt      *time.Time     `db:"completed_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		ID:               r.ID,
		OriginalFilename: r.OriginalFilename,
		InputKey:         r.InputKey,
		OutputKey:        r.OutputKey.String,
		SizeBytes:        r.SizeBytes,
		Status:           domain.Status(r.Status),
		Attempts:         r.Attempts,
		WorkerID:         r.WorkerID.String,
		ErrorMessage:     r.ErrorMessage.String,
		OriginalSize:     r.OriginalSize.String,
		EnhancedSize:     r.EnhancedSize.String,
		SubmittedAt:      r.SubmittedAt,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		UpdatedAt:        r.UpdatedAt,
	}

	if len(r.Metrics) > 0 {
		var m domain.QualityMetrics
		if err := json.Unmarshal(r.Metrics, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
		job.Metrics = &m
	}

	return job, nil
}

// Create inserts a new queued job
func (s *PostgresStore) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO enhancement_jobs (
			id, original_filename, input_key, size_bytes,
			status, attempts, submitted_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.OriginalFilename,
		job.InputKey,
		job.SizeBytes,
		string(job.Status),
		job.Attempts,
		job.SubmittedAt,
		job.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// Get retrieves a job by its ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM enhancement_jobs WHERE id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain()
}

// Claim uses a conditional UPDATE so a terminal job is never picked up again.
// processing -> processing is allowed: a redelivered task resumes a job whose
// previous worker died before acknowledging.
func (s *PostgresStore) Claim(ctx context.Context, id, workerID string) (*domain.Job, error) {
	query := `
		UPDATE enhancement_jobs
		SET status = $1,
		    worker_id = $2,
		    attempts = attempts + 1,
		    started_at = COALESCE(started_at, NOW()),
		    updated_at = NOW()
		WHERE id = $3
		  AND status IN ($4, $5)
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query,
		string(domain.StatusProcessing), workerID, id,
		string(domain.StatusQueued), string(domain.StatusProcessing),
	)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}

		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}

		s.logger.Warn("Failed to claim job - already finished",
			slog.String("job_id", id),
			slog.String("worker_id", workerID),
		)
		return nil, domain.ErrJobFinished
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", id),
		slog.String("worker_id", workerID),
		slog.Int("attempts", row.Attempts),
	)

	return row.toDomain()
}

// Heartbeat refreshes updated_at for a job that is still processing
func (s *PostgresStore) Heartbeat(ctx context.Context, id string) error {
	query := `
		UPDATE enhancement_jobs
		SET updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	result, err := s.db.ExecContext(ctx, query, id, string(domain.StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	return requireRow(result, "heartbeat")
}

// MarkCompleted records the output and metrics of a successful attempt
func (s *PostgresStore) MarkCompleted(ctx context.Context, id string, result domain.Result) error {
	query := `
		UPDATE enhancement_jobs
		SET status = $1,
		    output_key = $2,
		    original_size = $3,
		    enhanced_size = $4,
		    metrics = $5::jsonb,
		    error_message = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $6
	`

	var metrics sql.NullString
	if result.Metrics != nil {
		data, err := json.Marshal(result.Metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics: %w", err)
		}
		metrics = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, query,
		string(domain.StatusCompleted),
		result.OutputKey,
		nullString(result.OriginalSize),
		nullString(result.EnhancedSize),
		metrics,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	if err := requireRow(res, "complete"); err != nil {
		return err
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", id),
		slog.String("status", string(domain.StatusCompleted)),
	)
	return nil
}

// MarkRetrying puts a failed attempt back to queued while a redelivery is pending
func (s *PostgresStore) MarkRetrying(ctx context.Context, id, errMsg string) error {
	query := `
		UPDATE enhancement_jobs
		SET status = $1,
		    error_message = $2,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE id = $3
		  AND status IN ($4, $5)
	`

	res, err := s.db.ExecContext(ctx, query,
		string(domain.StatusQueued), errMsg, id,
		string(domain.StatusQueued), string(domain.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to mark job retrying: %w", err)
	}

	return requireRow(res, "retry")
}

// MarkFailed terminalizes a job; a completed job is left untouched
func (s *PostgresStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	query := `
		UPDATE enhancement_jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3
		  AND status <> $4
	`

	res, err := s.db.ExecContext(ctx, query,
		string(domain.StatusFailed), errMsg, id, string(domain.StatusCompleted),
	)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	if err := requireRow(res, "fail"); err != nil {
		return err
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", id),
		slog.String("status", string(domain.StatusFailed)),
	)
	return nil
}

// Delete removes the record and reports whether one existed
func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM enhancement_jobs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// CountActive counts jobs that are queued or processing
func (s *PostgresStore) CountActive(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM enhancement_jobs WHERE status IN ($1, $2)`

	var n int
	err := s.db.GetContext(ctx, &n, query, string(domain.StatusQueued), string(domain.StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of jobs in every status
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}

	err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS count FROM enhancement_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[domain.Status]int, len(rows))
	for _, r := range rows {
		counts[domain.Status(r.Status)] = r.Count
	}
	return counts, nil
}

// List returns up to PageSize+1 jobs so callers can tell whether another page exists
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM enhancement_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (submitted_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.SubmittedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY submitted_at DESC, id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// ListExpired returns terminal jobs submitted before the cutoff
func (s *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM enhancement_jobs
		WHERE status IN ($1, $2) AND submitted_at < $3
		ORDER BY submitted_at
		LIMIT $4
	`

	var ids []string
	err := s.db.SelectContext(ctx, &ids, query,
		string(domain.StatusCompleted), string(domain.StatusFailed), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}
	return ids, nil
}

func requireRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, domain.ErrJobNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
