package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuongbtq/image-enhancer/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReporter(t *testing.T, ttl time.Duration) (*RedisReporter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewRedisReporter(rdb, ttl), mr
}

func TestRedisReporter_ReportAndGet(t *testing.T) {
	ctx := context.Background()
	r, mr := newReporter(t, time.Hour)

	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	require.NoError(t, r.Report(ctx, "job-1", domain.StageEnhancing, PercentEnhancing))

	st, ok, err := r.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StageEnhancing, st.Stage)
	assert.Equal(t, 25, st.Progress)
	assert.Equal(t, fixed, st.UpdatedAt)

	assert.Equal(t, time.Hour, mr.TTL("job:progress:job-1"))
	assert.Equal(t, "enhancing", mr.HGet("job:progress:job-1", "stage"))
}

func TestRedisReporter_Expires(t *testing.T) {
	ctx := context.Background()
	r, mr := newReporter(t, time.Minute)

	require.NoError(t, r.Report(ctx, "job-1", domain.StageLoading, PercentLoading))
	mr.FastForward(2 * time.Minute)

	_, ok, err := r.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisReporter_Clear(t *testing.T) {
	ctx := context.Background()
	r, _ := newReporter(t, time.Hour)

	require.NoError(t, r.Report(ctx, "job-1", domain.StageSaving, PercentSaving))
	require.NoError(t, r.Clear(ctx, "job-1"))
	require.NoError(t, r.Clear(ctx, "job-1"))

	_, ok, err := r.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisReporter_Unavailable(t *testing.T) {
	r, mr := newReporter(t, time.Hour)
	mr.Close()

	err := r.Report(context.Background(), "job-1", domain.StageLoading, 0)
	assert.Error(t, err)
}

func TestPercentFor(t *testing.T) {
	assert.Equal(t, 0, PercentFor(domain.StageLoading))
	assert.Equal(t, 25, PercentFor(domain.StageEnhancing))
	assert.Equal(t, 75, PercentFor(domain.StageComputingMetrics))
	assert.Equal(t, 90, PercentFor(domain.StageSaving))
}

func TestNoop(t *testing.T) {
	var r Reporter = Noop{}
	require.NoError(t, r.Report(context.Background(), "j", domain.StageLoading, 0))
	_, ok, err := r.Get(context.Background(), "j")
	require.NoError(t, err)
	assert.False(t, ok)
}
