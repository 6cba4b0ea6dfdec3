package dto

import (
	"time"

	"github.com/cuongbtq/image-enhancer/internal/domain"
)

// UploadResponse is returned by POST /api/upload
type UploadResponse struct {
	JobID            string `json:"job_id"`
	TaskID           string `json:"task_id"`
	Status           string `json:"status"`
	OriginalFilename string `json:"original_filename"`
	FileSize         int64  `json:"file_size"`
	Message          string `json:"message"`
}

// StatusResponse is returned by GET /api/status/:job_id
type StatusResponse struct {
	JobID            string                 `json:"job_id"`
	Status           string                 `json:"status"`
	Message          string                 `json:"message,omitempty"`
	Stage            domain.Stage           `json:"stage,omitempty"`
	Progress         int                    `json:"progress"`
	ResultURL        string                 `json:"result_url,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	Metrics          *domain.QualityMetrics `json:"metrics,omitempty"`
	Error            string                 `json:"error,omitempty"`
	OriginalFilename string                 `json:"original_filename,omitempty"`
	OriginalSize     string                 `json:"original_size,omitempty"`
	EnhancedSize     string                 `json:"enhanced_size,omitempty"`
	Attempts         int                    `json:"attempts,omitempty"`
}

// DeleteResponse is returned by DELETE /api/job/:job_id
type DeleteResponse struct {
	JobID        string   `json:"job_id"`
	DeletedFiles []string `json:"deleted_files"`
	Message      string   `json:"message"`
}

// StatsResponse is returned by GET /api/stats
type StatsResponse struct {
	Uploads           int            `json:"uploads"`
	Results           int            `json:"results"`
	MaxFileSizeMB     float64        `json:"max_file_size_mb"`
	AllowedExtensions []string       `json:"allowed_extensions"`
	MaxInFlight       int            `json:"max_in_flight"`
	Jobs              map[string]int `json:"jobs"`
}

// ListJobsRequest represents query parameters for listing jobs
type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ListJobsResponse represents the response for listing jobs
type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO represents a job record in API responses
type JobDTO struct {
	JobID            string                 `json:"job_id"`
	OriginalFilename string                 `json:"original_filename"`
	SizeBytes        int64                  `json:"size_bytes"`
	Status           string                 `json:"status"`
	Attempts         int                    `json:"attempts"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	Metrics          *domain.QualityMetrics `json:"metrics,omitempty"`
	SubmittedAt      time.Time              `json:"submitted_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// NewJobDTO converts a job record
func NewJobDTO(j domain.Job) JobDTO {
	return JobDTO{
		JobID:            j.ID,
		OriginalFilename: j.OriginalFilename,
		SizeBytes:        j.SizeBytes,
		Status:           string(j.Status),
		Attempts:         j.Attempts,
		ErrorMessage:     j.ErrorMessage,
		Metrics:          j.Metrics,
		SubmittedAt:      j.SubmittedAt,
		StartedAt:        j.StartedAt,
		CompletedAt:      j.CompletedAt,
	}
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Port      int               `json:"port"`
	Checks    map[string]string `json:"checks,omitempty"`
}
