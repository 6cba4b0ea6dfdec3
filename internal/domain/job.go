package domain

import (
	"time"
)

// Status is the persisted lifecycle state of an enhancement job
type Status string

// Job status constants
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further worker transition is expected
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Stage is the observability-only sub-state of a running task
type Stage string

const (
	StageQueued           Stage = "queued"
	StageLoading          Stage = "loading"
	StageEnhancing        Stage = "enhancing"
	StageComputingMetrics Stage = "computing_metrics"
	StageSaving           Stage = "saving"
)

// Job represents one client submission and its persisted outcome
type Job struct {
	ID               string
	OriginalFilename string
	InputKey         string
	OutputKey        string
	SizeBytes        int64
	Status           Status
	Attempts         int
	WorkerID         string
	ErrorMessage     string
	Metrics          *QualityMetrics
	OriginalSize     string
	EnhancedSize     string
	SubmittedAt      time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time
}

// QualityMetrics compares an enhanced image against its source
type QualityMetrics struct {
	PSNR          float64 `json:"psnr"`
	SSIM          float64 `json:"ssim"`
	SharpnessGain float64 `json:"sharpness_gain"`
}

// Result is what a successful task attempt records on the job
type Result struct {
	OutputKey    string
	OriginalSize string
	EnhancedSize string
	Metrics      *QualityMetrics
}

// TaskMessage represents the broker-carried unit of work
type TaskMessage struct {
	JobID        string `json:"job_id"`
	InputKey     string `json:"input_key"`
	AttemptCount int    `json:"attempt_count"`
	SubmittedAt  int64  `json:"submitted_at"`
}

// JobMessage is a decoded task paired with its broker delivery tag
type JobMessage struct {
	Task        TaskMessage
	DeliveryTag uint64
	Redelivered bool
}
