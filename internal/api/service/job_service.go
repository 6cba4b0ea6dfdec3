// Package service implements the gateway's job operations on top of the
// record store, the artifact store and the broker.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/artifact"
	"github.com/cuongbtq/image-enhancer/internal/config"
	"github.com/cuongbtq/image-enhancer/internal/domain"
	"github.com/cuongbtq/image-enhancer/internal/jobstore"
	"github.com/cuongbtq/image-enhancer/internal/progress"
	"github.com/cuongbtq/image-enhancer/shared/metrics"
	"github.com/google/uuid"
)

// Client-facing status values. Queued and processing records both read as processing.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Publisher enqueues task messages
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Dependencies holds everything the job service talks to
type Dependencies struct {
	Logger    *slog.Logger
	Jobs      jobstore.Store
	Artifacts artifact.Store
	Publisher Publisher
	Progress  progress.Reporter
	Upload    config.UploadConfig

	// MaxInFlight caps queued plus processing jobs; zero disables the check
	MaxInFlight int
}

// JobService implements submit, status, result, delete, stats and list
type JobService struct {
	logger      *slog.Logger
	jobs        jobstore.Store
	artifacts   artifact.Store
	publisher   Publisher
	progress    progress.Reporter
	upload      config.UploadConfig
	maxInFlight int

	// reserved counts admitted uploads whose record is not written yet
	admitMu  sync.Mutex
	reserved int

	newID func() string
	now   func() time.Time
}

// NewJobService creates a job service
func NewJobService(deps Dependencies) *JobService {
	reporter := deps.Progress
	if reporter == nil {
		reporter = progress.Noop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &JobService{
		logger:      logger.With(slog.String("component", "job_service")),
		jobs:        deps.Jobs,
		artifacts:   deps.Artifacts,
		publisher:   deps.Publisher,
		progress:    reporter,
		upload:      deps.Upload,
		maxInFlight: deps.MaxInFlight,
		newID:       func() string { return uuid.New().String() },
		now:         time.Now,
	}
}

// Upload is a submitted file
type Upload struct {
	Filename string
	Size     int64
	Body     io.Reader
}

// JobStatus is the client view of a job
type JobStatus struct {
	JobID       string
	Status      string
	Stage       domain.Stage
	Progress    int
	ResultURL   string
	CompletedAt *time.Time
	Metrics     *domain.QualityMetrics
	Error       string

	OriginalFilename string
	OriginalSize     string
	EnhancedSize     string
	Attempts         int
}

// Stats summarises artifact counts and submission limits
type Stats struct {
	Uploads           int
	Results           int
	MaxFileSizeMB     float64
	AllowedExtensions []string
	MaxInFlight       int
	Jobs              map[domain.Status]int
}

// Page is one page of the job listing
type Page struct {
	Jobs []domain.Job
	Next *jobstore.Cursor
}

// ResultURL is the download path of a completed job
func ResultURL(jobID string) string {
	return "/api/result/" + jobID
}

// Validate checks a submission against the allowlist and size bounds and
// returns the normalised extension
func (s *JobService) Validate(filename string, size int64) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", domain.NewValidationError("No filename provided")
	}

	ext := domain.FileExtension(filename)
	if !slices.Contains(s.upload.AllowedExtensions, ext) {
		return "", domain.NewValidationError("Invalid file type '%s'. Allowed: %s",
			ext, strings.Join(s.upload.AllowedExtensions, ", "))
	}

	if size <= 0 {
		return "", domain.NewValidationError("Empty file")
	}
	if size > s.upload.MaxFileSize {
		return "", s.FileTooLarge()
	}

	return ext, nil
}

// MaxFileSize is the largest accepted upload in bytes
func (s *JobService) MaxFileSize() int64 {
	return s.upload.MaxFileSize
}

// FileTooLarge is the validation error for an oversized upload
func (s *JobService) FileTooLarge() error {
	return domain.NewValidationError("File too large. Maximum: %gMB", s.upload.MaxFileSizeMB())
}

// Submit validates the upload, checks admission, stores the input, records
// the job and enqueues its task. Any failure after the input is written
// removes what was created.
func (s *JobService) Submit(ctx context.Context, up Upload) (*domain.Job, error) {
	ext, err := s.Validate(up.Filename, up.Size)
	if err != nil {
		return nil, err
	}

	release, err := s.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	now := s.now().UTC()
	job := &domain.Job{
		ID:               s.newID(),
		OriginalFilename: up.Filename,
		SizeBytes:        up.Size,
		Status:           domain.StatusQueued,
		SubmittedAt:      now,
		UpdatedAt:        now,
	}
	job.InputKey = domain.InputKey(job.ID, ext)

	logger := s.logger.With(slog.String("job_id", job.ID))

	if err := s.artifacts.Put(ctx, job.InputKey, io.LimitReader(up.Body, up.Size), up.Size, contentType(ext)); err != nil {
		s.removeInput(logger, job.InputKey)
		return nil, &domain.StorageError{Op: "write input", Err: err}
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		s.removeInput(logger, job.InputKey)
		return nil, &domain.StorageError{Op: "create job", Err: err}
	}

	body, err := json.Marshal(domain.TaskMessage{
		JobID:        job.ID,
		InputKey:     job.InputKey,
		AttemptCount: 1,
		SubmittedAt:  now.Unix(),
	})
	if err != nil {
		s.rollback(logger, job)
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}

	if err := s.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		s.rollback(logger, job)
		return nil, &domain.DispatchError{Err: err}
	}

	metrics.JobsSubmitted.Inc()
	logger.Info("Job submitted",
		slog.String("filename", up.Filename),
		slog.Int64("size", up.Size),
	)

	return job, nil
}

// admit reserves a slot for one submission until Submit returns, by which
// time its record counts as active. Reservations are per process, so with
// several gateway replicas the limit is only approximate.
func (s *JobService) admit(ctx context.Context) (func(), error) {
	if s.maxInFlight <= 0 {
		return func() {}, nil
	}

	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	active, err := s.jobs.CountActive(ctx)
	if err != nil {
		return nil, &domain.StorageError{Op: "count active jobs", Err: err}
	}
	if active+s.reserved >= s.maxInFlight {
		metrics.AdmissionRejected.WithLabelValues("capacity").Inc()
		s.logger.Warn("Rejecting upload, too many jobs in flight",
			slog.Int("active", active),
			slog.Int("reserved", s.reserved),
			slog.Int("limit", s.maxInFlight),
		)
		return nil, domain.ErrOverCapacity
	}

	s.reserved++
	return func() {
		s.admitMu.Lock()
		s.reserved--
		s.admitMu.Unlock()
	}, nil
}

// rollback runs on a detached context so a cancelled request still cleans up
func (s *JobService) rollback(logger *slog.Logger, job *domain.Job) {
	s.removeInput(logger, job.InputKey)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.jobs.Delete(ctx, job.ID); err != nil {
		logger.Error("Failed to roll back job record", slog.String("error", err.Error()))
	}
}

func (s *JobService) removeInput(logger *slog.Logger, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.artifacts.Delete(ctx, key); err != nil {
		logger.Error("Failed to roll back input artifact",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// Status returns the client view of a job. The record is authoritative; jobs
// without a record fall back to artifact existence.
func (s *JobService) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return s.deriveStatus(ctx, jobID)
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get job", Err: err}
	}

	st := &JobStatus{
		JobID:            job.ID,
		OriginalFilename: job.OriginalFilename,
		OriginalSize:     job.OriginalSize,
		EnhancedSize:     job.EnhancedSize,
		Attempts:         job.Attempts,
	}

	switch job.Status {
	case domain.StatusCompleted:
		st.Status = StatusCompleted
		st.Progress = 100
		st.ResultURL = ResultURL(job.ID)
		st.CompletedAt = job.CompletedAt
		st.Metrics = job.Metrics
	case domain.StatusFailed:
		st.Status = StatusFailed
		st.Error = job.ErrorMessage
		st.CompletedAt = job.CompletedAt
	default:
		st.Status = StatusProcessing
		st.Stage = domain.StageQueued
		if job.Status == domain.StatusProcessing {
			st.Stage = domain.StageLoading
		}
		st.Progress = progress.PercentFor(st.Stage)
		s.applyProgress(ctx, st)
	}

	return st, nil
}

func (s *JobService) applyProgress(ctx context.Context, st *JobStatus) {
	state, ok, err := s.progress.Get(ctx, st.JobID)
	if err != nil {
		s.logger.Debug("Progress unavailable",
			slog.String("job_id", st.JobID),
			slog.String("error", err.Error()),
		)
		return
	}
	if ok {
		st.Stage = state.Stage
		st.Progress = state.Progress
	}
}

func (s *JobService) deriveStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	out, err := s.artifacts.Stat(ctx, domain.OutputKey(jobID))
	switch {
	case err == nil:
		completedAt := out.ModTime
		return &JobStatus{
			JobID:       jobID,
			Status:      StatusCompleted,
			Progress:    100,
			ResultURL:   ResultURL(jobID),
			CompletedAt: &completedAt,
		}, nil
	case !errors.Is(err, artifact.ErrNotFound):
		return nil, &domain.StorageError{Op: "stat output", Err: err}
	}

	_, found, err := artifact.FindInput(ctx, s.artifacts, jobID)
	if err != nil {
		return nil, &domain.StorageError{Op: "find input", Err: err}
	}
	if !found {
		return nil, domain.ErrJobNotFound
	}

	st := &JobStatus{
		JobID:  jobID,
		Status: StatusProcessing,
		Stage:  domain.StageQueued,
	}
	s.applyProgress(ctx, st)
	return st, nil
}

// Result opens the enhanced image of a completed job
func (s *JobService) Result(ctx context.Context, jobID string) (io.ReadCloser, artifact.Info, error) {
	key := domain.OutputKey(jobID)

	info, err := s.artifacts.Stat(ctx, key)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, artifact.Info{}, domain.ErrResultNotReady
	}
	if err != nil {
		return nil, artifact.Info{}, &domain.StorageError{Op: "stat output", Err: err}
	}

	rc, err := s.artifacts.Get(ctx, key)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, artifact.Info{}, domain.ErrResultNotReady
	}
	if err != nil {
		return nil, artifact.Info{}, &domain.StorageError{Op: "read output", Err: err}
	}
	return rc, info, nil
}

// Delete removes a job's input, output and record. It returns the names of
// the artifacts removed and ErrJobNotFound when nothing existed.
func (s *JobService) Delete(ctx context.Context, jobID string) ([]string, error) {
	deleted := []string{}

	inputs, err := s.artifacts.List(ctx, domain.InputPrefix(jobID))
	if err != nil {
		return nil, &domain.StorageError{Op: "list inputs", Err: err}
	}
	for _, in := range inputs {
		if err := s.artifacts.Delete(ctx, in.Key); err != nil {
			return nil, &domain.StorageError{Op: "delete input", Err: err}
		}
		deleted = append(deleted, domain.ArtifactName(in.Key))
	}

	outKey := domain.OutputKey(jobID)
	hasOutput, err := artifact.Exists(ctx, s.artifacts, outKey)
	if err != nil {
		return nil, &domain.StorageError{Op: "stat output", Err: err}
	}
	if hasOutput {
		if err := s.artifacts.Delete(ctx, outKey); err != nil {
			return nil, &domain.StorageError{Op: "delete output", Err: err}
		}
		deleted = append(deleted, domain.ArtifactName(outKey))
	}

	hadRecord, err := s.jobs.Delete(ctx, jobID)
	if err != nil {
		return nil, &domain.StorageError{Op: "delete job", Err: err}
	}

	if err := s.progress.Clear(ctx, jobID); err != nil {
		s.logger.Debug("Failed to clear progress", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}

	if len(deleted) == 0 && !hadRecord {
		return nil, domain.ErrJobNotFound
	}

	s.logger.Info("Job deleted",
		slog.String("job_id", jobID),
		slog.Any("files", deleted),
	)
	return deleted, nil
}

// Stats counts stored artifacts and jobs per status
func (s *JobService) Stats(ctx context.Context) (*Stats, error) {
	uploads, err := artifact.Count(ctx, s.artifacts, domain.UploadsPrefix)
	if err != nil {
		return nil, &domain.StorageError{Op: "count uploads", Err: err}
	}
	results, err := artifact.Count(ctx, s.artifacts, domain.ProcessedPrefix)
	if err != nil {
		return nil, &domain.StorageError{Op: "count results", Err: err}
	}
	byStatus, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, &domain.StorageError{Op: "count jobs", Err: err}
	}

	return &Stats{
		Uploads:           uploads,
		Results:           results,
		MaxFileSizeMB:     s.upload.MaxFileSizeMB(),
		AllowedExtensions: s.upload.AllowedExtensions,
		MaxInFlight:       s.maxInFlight,
		Jobs:              byStatus,
	}, nil
}

// List returns one page of jobs, newest first
func (s *JobService) List(ctx context.Context, filter jobstore.Filter) (*Page, error) {
	jobs, err := s.jobs.List(ctx, filter)
	if err != nil {
		return nil, &domain.StorageError{Op: "list jobs", Err: err}
	}

	page := &Page{Jobs: jobs}
	if filter.PageSize > 0 && len(jobs) > filter.PageSize {
		page.Jobs = jobs[:filter.PageSize]
		last := page.Jobs[len(page.Jobs)-1]
		page.Next = &jobstore.Cursor{SubmittedAt: last.SubmittedAt, ID: last.ID}
	}
	return page, nil
}

func contentType(ext string) string {
	switch ext {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
