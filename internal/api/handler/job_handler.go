package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/cuongbtq/image-enhancer/internal/api/dto"
	"github.com/cuongbtq/image-enhancer/internal/api/service"
	"github.com/cuongbtq/image-enhancer/internal/domain"
	"github.com/cuongbtq/image-enhancer/internal/jobstore"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	// multipartOverhead allows for boundaries and part headers around the file
	multipartOverhead = 1 << 20
)

// Upload handles POST /api/upload
// Stores the image and queues it for enhancement
func (h *JobHandler) Upload(c *gin.Context) {
	h.logger.Info("Upload called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	// Cap the body before multipart parsing spools it to disk
	limit := h.jobs.MaxFileSize() + multipartOverhead
	if c.Request.ContentLength > limit {
		h.logger.Warn("Rejecting oversized upload", slog.Int64("content_length", c.Request.ContentLength))
		h.writeError(c, h.jobs.FileTooLarge())
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("Rejecting oversized upload", slog.Int64("limit", tooLarge.Limit))
			h.writeError(c, h.jobs.FileTooLarge())
			return
		}
		h.logger.Warn("Missing upload file", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "No file provided",
		})
		return
	}

	f, err := fh.Open()
	if err != nil {
		h.logger.Error("Failed to open upload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read uploaded file",
		})
		return
	}
	defer f.Close()

	job, err := h.jobs.Submit(c.Request.Context(), service.Upload{
		Filename: fh.Filename,
		Size:     fh.Size,
		Body:     f,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.UploadResponse{
		JobID:            job.ID,
		TaskID:           job.ID,
		Status:           string(domain.StatusQueued),
		OriginalFilename: job.OriginalFilename,
		FileSize:         job.SizeBytes,
		Message:          "Image uploaded and queued for processing",
	})
}

// GetStatus handles GET /api/status/:job_id
func (h *JobHandler) GetStatus(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	st, err := h.jobs.Status(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := dto.StatusResponse{
		JobID:            st.JobID,
		Status:           st.Status,
		Stage:            st.Stage,
		Progress:         st.Progress,
		ResultURL:        st.ResultURL,
		CompletedAt:      st.CompletedAt,
		Metrics:          st.Metrics,
		Error:            st.Error,
		OriginalFilename: st.OriginalFilename,
		OriginalSize:     st.OriginalSize,
		EnhancedSize:     st.EnhancedSize,
		Attempts:         st.Attempts,
	}
	if st.Status == service.StatusProcessing {
		resp.Message = "Enhancement in progress"
	}

	c.JSON(http.StatusOK, resp)
}

// GetResult handles GET /api/result/:job_id
// Streams the enhanced JPEG
func (h *JobHandler) GetResult(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	rc, info, err := h.jobs.Result(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer rc.Close()

	c.DataFromReader(http.StatusOK, info.Size, "image/jpeg", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf(`inline; filename="enhanced_%s.jpg"`, jobID),
	})
}

// DeleteJob handles DELETE /api/job/:job_id
// Removes the job's artifacts and record
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	deleted, err := h.jobs.Delete(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.DeleteResponse{
		JobID:        jobID,
		DeletedFiles: deleted,
		Message:      "Job deleted successfully",
	})
}

// GetStats handles GET /api/stats
func (h *JobHandler) GetStats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}

	jobs := make(map[string]int, len(stats.Jobs))
	for status, n := range stats.Jobs {
		jobs[string(status)] = n
	}

	c.JSON(http.StatusOK, dto.StatsResponse{
		Uploads:           stats.Uploads,
		Results:           stats.Results,
		MaxFileSizeMB:     stats.MaxFileSizeMB,
		AllowedExtensions: stats.AllowedExtensions,
		MaxInFlight:       stats.MaxInFlight,
		Jobs:              jobs,
	})
}

// ListJobs handles GET /api/jobs
// Lists jobs newest first with optional status filter and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	h.logger.Info("ListJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	status := domain.Status(req.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status filter",
		})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	page, err := h.jobs.List(c.Request.Context(), jobstore.Filter{
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(page.Jobs))}
	for i, job := range page.Jobs {
		resp.Jobs[i] = dto.NewJobDTO(job)
	}
	if page.Next != nil {
		resp.NextCursor = EncodeJobCursor(page.Next)
	}

	c.JSON(http.StatusOK, resp)
}

// jobID reads the path id. Ids are UUIDs; anything else cannot name a job.
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")

	h.logger.Info("Job request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Invalid job_id format", slog.String("job_id", jobID))
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return "", false
	}
	return jobID, true
}

// writeError maps service errors to HTTP responses
func (h *JobHandler) writeError(c *gin.Context, err error) {
	var validation *domain.ValidationError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Message})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, domain.ErrResultNotReady):
		c.JSON(http.StatusNotFound, gin.H{"error": "Result not found or still processing"})
	case errors.Is(err, domain.ErrOverCapacity):
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(h.retryAfter.Seconds()))))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server busy, too many jobs in flight"})
	default:
		h.logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)

		var dispatch *domain.DispatchError
		msg := "Internal server error"
		if errors.As(err, &dispatch) {
			msg = "Failed to queue job"
		}
		var storage *domain.StorageError
		if errors.As(err, &storage) {
			msg = "Storage error"
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
