package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/api/dto"
	"github.com/cuongbtq/image-enhancer/internal/api/service"
	"github.com/cuongbtq/image-enhancer/internal/artifact"
	"github.com/cuongbtq/image-enhancer/internal/config"
	"github.com/cuongbtq/image-enhancer/internal/domain"
	"github.com/cuongbtq/image-enhancer/internal/jobstore"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPublisher struct {
	err error
}

func (p *stubPublisher) PublishWithRetry(context.Context, []byte, string) error {
	return p.err
}

type testServer struct {
	engine    *gin.Engine
	jobs      *jobstore.MemoryStore
	artifacts *artifact.FSStore
	publisher *stubPublisher
}

func newTestServer(t *testing.T, maxInFlight int) *testServer {
	t.Helper()
	return newTestServerWithUpload(t, maxInFlight, config.Default().Upload)
}

func newTestServerWithUpload(t *testing.T, maxInFlight int, upload config.UploadConfig) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)

	ts := &testServer{
		jobs:      jobstore.NewMemoryStore(),
		artifacts: store,
		publisher: &stubPublisher{},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewJobService(service.Dependencies{
		Logger:      logger,
		Jobs:        ts.jobs,
		Artifacts:   ts.artifacts,
		Publisher:   ts.publisher,
		Upload:      upload,
		MaxInFlight: maxInFlight,
	})

	deps := &Dependencies{
		Logger:     logger,
		Jobs:       svc,
		Port:       38291,
		RetryAfter: 10 * time.Second,
		Checks: map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
		},
	}

	h := NewJobHandler(deps)
	r := gin.New()
	r.GET("/health", NewHealthHandler(deps).Health)
	r.POST("/api/upload", h.Upload)
	r.GET("/api/status/:job_id", h.GetStatus)
	r.GET("/api/result/:job_id", h.GetResult)
	r.DELETE("/api/job/:job_id", h.DeleteJob)
	r.GET("/api/stats", h.GetStats)
	r.GET("/api/jobs", h.ListJobs)
	ts.engine = r

	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func (ts *testServer) upload(t *testing.T, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return ts.do(req)
}

func (ts *testServer) get(path string) *httptest.ResponseRecorder {
	return ts.do(httptest.NewRequest(http.MethodGet, path, nil))
}

// complete does what a worker does after a successful attempt
func (ts *testServer) complete(t *testing.T, jobID string) {
	t.Helper()
	ctx := context.Background()

	job, err := ts.jobs.Claim(ctx, jobID, "worker-1")
	require.NoError(t, err)
	require.NoError(t, ts.artifacts.Put(ctx, domain.OutputKey(jobID), bytes.NewReader([]byte("\xff\xd8jpeg")), 6, "image/jpeg"))
	require.NoError(t, ts.artifacts.Delete(ctx, job.InputKey))
	require.NoError(t, ts.jobs.MarkCompleted(ctx, jobID, domain.Result{OutputKey: domain.OutputKey(jobID)}))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestJobLifecycle(t *testing.T) {
	ts := newTestServer(t, 0)

	// Upload a 2 KB png.
	w := ts.upload(t, "photo.png", bytes.Repeat([]byte{1}, 2048))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	up := decode[dto.UploadResponse](t, w)
	assert.NotEmpty(t, up.JobID)
	assert.Equal(t, up.JobID, up.TaskID)
	assert.Equal(t, "queued", up.Status)
	assert.Equal(t, "photo.png", up.OriginalFilename)
	assert.Equal(t, int64(2048), up.FileSize)
	assert.Equal(t, "Image uploaded and queued for processing", up.Message)

	// Input present, no output yet.
	w = ts.get("/api/status/" + up.JobID)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[dto.StatusResponse](t, w)
	assert.Equal(t, "processing", st.Status)
	assert.Equal(t, "Enhancement in progress", st.Message)
	assert.Empty(t, st.ResultURL)

	_, err := ts.artifacts.Stat(context.Background(), domain.InputKey(up.JobID, "png"))
	require.NoError(t, err)

	// Result is not ready.
	w = ts.get("/api/result/" + up.JobID)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Worker finishes.
	ts.complete(t, up.JobID)

	w = ts.get("/api/status/" + up.JobID)
	require.Equal(t, http.StatusOK, w.Code)
	st = decode[dto.StatusResponse](t, w)
	assert.Equal(t, "completed", st.Status)
	assert.Equal(t, "/api/result/"+up.JobID, st.ResultURL)
	assert.NotNil(t, st.CompletedAt)

	w = ts.get("/api/result/" + up.JobID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, fmt.Sprintf(`inline; filename="enhanced_%s.jpg"`, up.JobID), w.Header().Get("Content-Disposition"))
	assert.Equal(t, []byte("\xff\xd8jpeg"), w.Body.Bytes())

	// Delete removes the output, then the job is gone.
	w = ts.do(httptest.NewRequest(http.MethodDelete, "/api/job/"+up.JobID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	del := decode[dto.DeleteResponse](t, w)
	assert.Equal(t, []string{up.JobID + "_enhanced.jpg"}, del.DeletedFiles)
	assert.Equal(t, "Job deleted successfully", del.Message)

	w = ts.do(httptest.NewRequest(http.MethodDelete, "/api/job/"+up.JobID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.get("/api/status/" + up.JobID)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  []byte
		errMsg   string
	}{
		{name: "bad extension", filename: "notes.txt", content: []byte("hello"), errMsg: "Invalid file type 'txt'"},
		{name: "empty file", filename: "x.jpg", content: nil, errMsg: "Empty file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, 0)

			w := ts.upload(t, tt.filename, tt.content)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.errMsg)

			items, err := ts.artifacts.List(context.Background(), domain.UploadsPrefix)
			require.NoError(t, err)
			assert.Empty(t, items)
		})
	}
}

func TestUpload_MissingFile(t *testing.T) {
	ts := newTestServer(t, 0)

	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	w := ts.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "No file provided")
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// countingReader records how much of the request body the server consumed
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func oversizedBody(t *testing.T, fileSize int64) (*countingReader, string) {
	t.Helper()

	var head bytes.Buffer
	mw := multipart.NewWriter(&head)
	_, err := mw.CreateFormFile("file", "huge.png")
	require.NoError(t, err)
	tail := "\r\n--" + mw.Boundary() + "--\r\n"

	body := io.MultiReader(&head, io.LimitReader(zeroReader{}, fileSize), strings.NewReader(tail))
	return &countingReader{r: body}, mw.FormDataContentType()
}

func TestUpload_OversizedBodyIsNotDrained(t *testing.T) {
	upload := config.Default().Upload
	upload.MaxFileSize = 64 << 10
	const streamed = 16 << 20

	tests := []struct {
		name          string
		contentLength int64
		maxRead       int64
	}{
		{name: "unknown length", contentLength: -1, maxRead: upload.MaxFileSize + multipartOverhead + 1},
		{name: "declared length", contentLength: streamed, maxRead: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServerWithUpload(t, 0, upload)
			body, contentType := oversizedBody(t, streamed)

			req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
			req.Header.Set("Content-Type", contentType)
			req.ContentLength = tt.contentLength

			w := ts.do(req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "File too large. Maximum: 0.0625MB")
			assert.LessOrEqual(t, body.n, tt.maxRead)

			items, err := ts.artifacts.List(context.Background(), domain.UploadsPrefix)
			require.NoError(t, err)
			assert.Empty(t, items)
		})
	}
}

func TestUpload_OverCapacity(t *testing.T) {
	ts := newTestServer(t, 1)

	w := ts.upload(t, "a.png", []byte("png"))
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.upload(t, "b.png", []byte("png"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "10", w.Header().Get("Retry-After"))

	items, err := ts.artifacts.List(context.Background(), domain.UploadsPrefix)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestUpload_DispatchFailure(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.publisher.err = errors.New("connection refused")

	w := ts.upload(t, "a.png", []byte("png"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Failed to queue job")

	items, err := ts.artifacts.List(context.Background(), domain.UploadsPrefix)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestGetStatus_FailedJob(t *testing.T) {
	ts := newTestServer(t, 0)

	up := decode[dto.UploadResponse](t, ts.upload(t, "a.png", []byte("png")))
	require.NoError(t, ts.jobs.MarkFailed(context.Background(), up.JobID, "decode image: unknown format"))

	w := ts.get("/api/status/" + up.JobID)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[dto.StatusResponse](t, w)
	assert.Equal(t, "failed", st.Status)
	assert.Equal(t, "decode image: unknown format", st.Error)
}

func TestJobEndpoints_UnknownIDs(t *testing.T) {
	ts := newTestServer(t, 0)

	for _, path := range []string{
		"/api/status/3f1c2f0e-8a7e-4c59-9a55-1f0a9b1c2d3e",
		"/api/status/not-a-uuid",
		"/api/result/3f1c2f0e-8a7e-4c59-9a55-1f0a9b1c2d3e",
	} {
		w := ts.get(path)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}

	w := ts.do(httptest.NewRequest(http.MethodDelete, "/api/job/3f1c2f0e-8a7e-4c59-9a55-1f0a9b1c2d3e", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStats(t *testing.T) {
	ts := newTestServer(t, 0)

	ts.upload(t, "a.png", []byte("png"))
	ts.upload(t, "b.jpg", []byte("jpg"))

	w := ts.get("/api/stats")
	require.Equal(t, http.StatusOK, w.Code)

	stats := decode[dto.StatsResponse](t, w)
	assert.Equal(t, 2, stats.Uploads)
	assert.Equal(t, 0, stats.Results)
	assert.Equal(t, 50.0, stats.MaxFileSizeMB)
	assert.Equal(t, []string{"jpg", "jpeg", "png", "webp"}, stats.AllowedExtensions)
	assert.Equal(t, 2, stats.Jobs["queued"])
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t, 0)

	for i := 0; i < 3; i++ {
		w := ts.upload(t, fmt.Sprintf("%d.png", i), []byte("png"))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := ts.get("/api/jobs?page_size=2")
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[dto.ListJobsResponse](t, w)
	require.Len(t, first.Jobs, 2)
	require.NotEmpty(t, first.NextCursor)

	w = ts.get("/api/jobs?page_size=2&cursor=" + first.NextCursor)
	require.Equal(t, http.StatusOK, w.Code)
	second := decode[dto.ListJobsResponse](t, w)
	require.Len(t, second.Jobs, 1)
	assert.Empty(t, second.NextCursor)

	seen := map[string]bool{}
	for _, j := range append(first.Jobs, second.Jobs...) {
		seen[j.JobID] = true
	}
	assert.Len(t, seen, 3)

	w = ts.get("/api/jobs?status=PENDING")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.get("/api/jobs?cursor=bm90LWEtY3Vyc29y")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 0)

	w := ts.get("/health")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[dto.HealthResponse](t, w)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 38291, resp.Port)
	assert.Equal(t, "ok", resp.Checks["database"])
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHealth_Unhealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHealthHandler(&Dependencies{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Checks: map[string]HealthCheck{
			"broker": func(context.Context) error { return errors.New("not connected") },
		},
	})

	r := gin.New()
	r.GET("/health", h.Health)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp dto.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "not connected", resp.Checks["broker"])
}
