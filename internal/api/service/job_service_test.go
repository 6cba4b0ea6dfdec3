package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/image-enhancer/internal/artifact"
	"github.com/cuongbtq/image-enhancer/internal/config"
	"github.com/cuongbtq/image-enhancer/internal/domain"
	"github.com/cuongbtq/image-enhancer/internal/jobstore"
	"github.com/cuongbtq/image-enhancer/internal/progress"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages [][]byte
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, body)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

type failingPutStore struct {
	artifact.Store
}

func (failingPutStore) Put(context.Context, string, io.Reader, int64, string) error {
	return errors.New("disk full")
}

type fixture struct {
	svc       *JobService
	jobs      *jobstore.MemoryStore
	artifacts *artifact.FSStore
	publisher *fakePublisher
}

func newFixture(t *testing.T, maxInFlight int) *fixture {
	t.Helper()

	store, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		jobs:      jobstore.NewMemoryStore(),
		artifacts: store,
		publisher: &fakePublisher{},
	}
	f.svc = NewJobService(Dependencies{
		Jobs:      f.jobs,
		Artifacts: f.artifacts,
		Publisher: f.publisher,
		Upload: config.UploadConfig{
			MaxFileSize:       1024,
			AllowedExtensions: []string{"jpg", "jpeg", "png", "webp"},
		},
		MaxInFlight: maxInFlight,
	})
	return f
}

func upload(name string, size int) Upload {
	return Upload{Filename: name, Size: int64(size), Body: bytes.NewReader(bytes.Repeat([]byte{'x'}, size))}
}

func (f *fixture) listAll(t *testing.T, prefix string) []artifact.Info {
	t.Helper()
	items, err := f.artifacts.List(context.Background(), prefix)
	require.NoError(t, err)
	return items
}

func TestJobService_Validate(t *testing.T) {
	f := newFixture(t, 0)

	tests := []struct {
		name     string
		filename string
		size     int64
		wantExt  string
		errMsg   string
	}{
		{name: "png", filename: "photo.png", size: 2048 / 2, wantExt: "png"},
		{name: "uppercase extension", filename: "PHOTO.JPG", size: 10, wantExt: "jpg"},
		{name: "exactly max size", filename: "a.webp", size: 1024, wantExt: "webp"},
		{name: "one byte over max", filename: "a.webp", size: 1025, errMsg: "File too large"},
		{name: "empty file", filename: "x.jpg", size: 0, errMsg: "Empty file"},
		{name: "bad extension", filename: "notes.txt", size: 10, errMsg: "Invalid file type 'txt'"},
		{name: "no filename", filename: "", size: 10, errMsg: "No filename provided"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext, err := f.svc.Validate(tt.filename, tt.size)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.True(t, domain.IsValidation(err))
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantExt, ext)
		})
	}
}

func TestJobService_Submit(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, upload("photo.png", 512))
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.StatusQueued, job.Status)
	assert.Equal(t, domain.InputKey(job.ID, "png"), job.InputKey)

	info, err := f.artifacts.Stat(ctx, job.InputKey)
	require.NoError(t, err)
	assert.Equal(t, int64(512), info.Size)

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "photo.png", stored.OriginalFilename)

	require.Equal(t, 1, f.publisher.count())
	assert.Contains(t, string(f.publisher.messages[0]), `"job_id":"`+job.ID+`"`)
	assert.Contains(t, string(f.publisher.messages[0]), `"attempt_count":1`)
}

func TestJobService_SubmitRejectsInvalidWithoutSideEffects(t *testing.T) {
	f := newFixture(t, 0)

	for _, up := range []Upload{upload("notes.txt", 10), upload("x.jpg", 0), upload("big.png", 1025)} {
		_, err := f.svc.Submit(context.Background(), up)
		require.Error(t, err)
		assert.True(t, domain.IsValidation(err))
	}

	assert.Empty(t, f.listAll(t, domain.UploadsPrefix))
	assert.Zero(t, f.publisher.count())
	active, err := f.jobs.CountActive(context.Background())
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestJobService_SubmitDispatchFailureRollsBack(t *testing.T) {
	f := newFixture(t, 0)
	f.publisher.err = errors.New("broker down")

	_, err := f.svc.Submit(context.Background(), upload("photo.png", 100))
	require.Error(t, err)

	var dispatchErr *domain.DispatchError
	assert.ErrorAs(t, err, &dispatchErr)
	assert.Empty(t, f.listAll(t, domain.UploadsPrefix))

	counts, err := f.jobs.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestJobService_SubmitStorageFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.svc.artifacts = failingPutStore{Store: f.artifacts}

	_, err := f.svc.Submit(context.Background(), upload("photo.png", 100))
	require.Error(t, err)

	var storageErr *domain.StorageError
	assert.ErrorAs(t, err, &storageErr)
	assert.Zero(t, f.publisher.count())
}

func TestJobService_Admission(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, upload("a.png", 10))
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, upload("b.png", 10))
	require.ErrorIs(t, err, domain.ErrOverCapacity)

	assert.Len(t, f.listAll(t, domain.UploadsPrefix), 1)
	assert.Equal(t, 1, f.publisher.count())
}

// slowCountStore widens the window between counting and creating
type slowCountStore struct {
	jobstore.Store
}

func (s slowCountStore) CountActive(ctx context.Context) (int, error) {
	time.Sleep(2 * time.Millisecond)
	return s.Store.CountActive(ctx)
}

func TestJobService_AdmissionUnderConcurrency(t *testing.T) {
	f := newFixture(t, 3)
	f.svc.jobs = slowCountStore{Store: f.jobs}
	const n = 24

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Submit(context.Background(), upload(fmt.Sprintf("img-%d.png", i), 16))
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, domain.ErrOverCapacity) {
				rejected++
				return
			}
			assert.NoError(t, err)
			accepted++
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	assert.Equal(t, n-3, rejected)
	assert.Equal(t, 3, f.publisher.count())
	assert.Len(t, f.listAll(t, domain.UploadsPrefix), 3)
}

func TestJobService_AdmissionReleasedOnFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.publisher.err = errors.New("broker down")
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, upload("a.png", 10))
	require.Error(t, err)

	f.publisher.err = nil
	_, err = f.svc.Submit(ctx, upload("b.png", 10))
	assert.NoError(t, err, "a failed submission gives its slot back")
}

func TestJobService_ConcurrentSubmissions(t *testing.T) {
	f := newFixture(t, 0)
	const n = 128

	var wg sync.WaitGroup
	ids := make(chan string, n)
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := f.svc.Submit(context.Background(), upload(fmt.Sprintf("img-%d.jpg", i), 64))
			if err != nil {
				errs <- err
				return
			}
			ids <- job.ID
		}(i)
	}
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate job id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Len(t, f.listAll(t, domain.UploadsPrefix), n)
	assert.Equal(t, n, f.publisher.count())
}

func TestJobService_Status(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, upload("photo.png", 100))
	require.NoError(t, err)

	t.Run("queued reads as processing", func(t *testing.T) {
		st, err := f.svc.Status(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, st.Status)
		assert.Equal(t, domain.StageQueued, st.Stage)
		assert.Empty(t, st.ResultURL)
	})

	t.Run("completed", func(t *testing.T) {
		_, err := f.jobs.Claim(ctx, job.ID, "w1")
		require.NoError(t, err)
		require.NoError(t, f.jobs.MarkCompleted(ctx, job.ID, domain.Result{
			OutputKey:    domain.OutputKey(job.ID),
			OriginalSize: "10x10",
			EnhancedSize: "40x40",
			Metrics:      &domain.QualityMetrics{PSNR: 30, SSIM: 0.9, SharpnessGain: 1.2},
		}))

		st, err := f.svc.Status(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, st.Status)
		assert.Equal(t, "/api/result/"+job.ID, st.ResultURL)
		assert.NotNil(t, st.CompletedAt)
		require.NotNil(t, st.Metrics)
		assert.Equal(t, 0.9, st.Metrics.SSIM)
		assert.Equal(t, "40x40", st.EnhancedSize)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := f.svc.Status(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestJobService_StatusFailed(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, upload("photo.png", 100))
	require.NoError(t, err)
	require.NoError(t, f.jobs.MarkFailed(ctx, job.ID, "decode failed"))

	st, err := f.svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Equal(t, "decode failed", st.Error)
}

func TestJobService_StatusUsesProgress(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t, 0)
	f.svc.progress = progress.NewRedisReporter(rdb, time.Hour)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, upload("photo.png", 100))
	require.NoError(t, err)
	_, err = f.jobs.Claim(ctx, job.ID, "w1")
	require.NoError(t, err)
	require.NoError(t, f.svc.progress.Report(ctx, job.ID, domain.StageEnhancing, progress.PercentEnhancing))

	st, err := f.svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, st.Status)
	assert.Equal(t, domain.StageEnhancing, st.Stage)
	assert.Equal(t, progress.PercentEnhancing, st.Progress)

	mr.Close()
	st, err = f.svc.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageLoading, st.Stage)
}

func TestJobService_StatusFallsBackToArtifacts(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.artifacts.Put(ctx, domain.InputKey("legacy-1", "png"), bytes.NewReader([]byte("in")), 2, "image/png"))
	st, err := f.svc.Status(ctx, "legacy-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, st.Status)

	require.NoError(t, f.artifacts.Put(ctx, domain.OutputKey("legacy-1"), bytes.NewReader([]byte("out")), 3, "image/jpeg"))
	st, err = f.svc.Status(ctx, "legacy-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "/api/result/legacy-1", st.ResultURL)
	assert.NotNil(t, st.CompletedAt)
}

func TestJobService_Result(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, _, err := f.svc.Result(ctx, "j1")
	assert.ErrorIs(t, err, domain.ErrResultNotReady)

	require.NoError(t, f.artifacts.Put(ctx, domain.OutputKey("j1"), bytes.NewReader([]byte("jpeg")), 4, "image/jpeg"))

	rc, info, err := f.svc.Result(ctx, "j1")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))
	assert.Equal(t, int64(4), info.Size)
}

func TestJobService_Delete(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, upload("photo.png", 100))
	require.NoError(t, err)

	// Completed: input gone, output present.
	require.NoError(t, f.artifacts.Delete(ctx, job.InputKey))
	require.NoError(t, f.artifacts.Put(ctx, domain.OutputKey(job.ID), bytes.NewReader([]byte("out")), 3, "image/jpeg"))

	deleted, err := f.svc.Delete(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID + "_enhanced.jpg"}, deleted)

	_, err = f.jobs.Get(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = f.svc.Delete(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestJobService_DeleteInputAndRecord(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, upload("photo.webp", 100))
	require.NoError(t, err)

	deleted, err := f.svc.Delete(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID + ".webp"}, deleted)
	assert.Empty(t, f.listAll(t, domain.UploadsPrefix))
}

func TestJobService_DeleteRecordOnly(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, upload("photo.png", 100))
	require.NoError(t, err)
	require.NoError(t, f.artifacts.Delete(ctx, job.InputKey))
	require.NoError(t, f.jobs.MarkFailed(ctx, job.ID, "boom"))

	deleted, err := f.svc.Delete(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestJobService_Stats(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Submit(ctx, upload(fmt.Sprintf("%d.png", i), 10))
		require.NoError(t, err)
	}
	require.NoError(t, f.artifacts.Put(ctx, domain.OutputKey("done"), bytes.NewReader([]byte("o")), 1, "image/jpeg"))

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Uploads)
	assert.Equal(t, 1, stats.Results)
	assert.Equal(t, 8, stats.MaxInFlight)
	assert.InDelta(t, 1024.0/1024/1024, stats.MaxFileSizeMB, 1e-9)
	assert.Equal(t, []string{"jpg", "jpeg", "png", "webp"}, stats.AllowedExtensions)
	assert.Equal(t, 3, stats.Jobs[domain.StatusQueued])
}

func TestJobService_List(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	f.svc.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	for i := 0; i < 5; i++ {
		_, err := f.svc.Submit(ctx, upload(fmt.Sprintf("%d.png", i), 10))
		require.NoError(t, err)
	}

	first, err := f.svc.List(ctx, jobstore.Filter{PageSize: 3})
	require.NoError(t, err)
	require.Len(t, first.Jobs, 3)
	require.NotNil(t, first.Next)
	assert.Equal(t, "4.png", first.Jobs[0].OriginalFilename)

	second, err := f.svc.List(ctx, jobstore.Filter{PageSize: 3, Cursor: first.Next})
	require.NoError(t, err)
	require.Len(t, second.Jobs, 2)
	assert.Nil(t, second.Next)
	assert.Equal(t, "0.png", second.Jobs[1].OriginalFilename)
}
