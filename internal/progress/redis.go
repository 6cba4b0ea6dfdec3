package progress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "job:progress:"

// RedisReporter stores one hash per job and lets it expire after ttl
type RedisReporter struct {
	rdb goredis.Cmdable
	ttl time.Duration
	now func() time.Time
}

// NewRedisReporter creates a reporter over an existing client
func NewRedisReporter(rdb goredis.Cmdable, ttl time.Duration) *RedisReporter {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisReporter{rdb: rdb, ttl: ttl, now: time.Now}
}

func key(jobID string) string {
	return keyPrefix + jobID
}

func (r *RedisReporter) Report(ctx context.Context, jobID string, stage domain.Stage, percent int) error {
	k := key(jobID)

	_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, k,
			"stage", string(stage),
			"progress", percent,
			"updated_at", r.now().UTC().Format(time.RFC3339Nano),
		)
		pipe.Expire(ctx, k, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to report progress: %w", err)
	}
	return nil
}

func (r *RedisReporter) Get(ctx context.Context, jobID string) (State, bool, error) {
	fields, err := r.rdb.HGetAll(ctx, key(jobID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("failed to read progress: %w", err)
	}
	if len(fields) == 0 {
		return State{}, false, nil
	}

	st := State{Stage: domain.Stage(fields["stage"])}
	if v, ok := fields["progress"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			st.Progress = n
		}
	}
	if v, ok := fields["updated_at"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.UpdatedAt = ts
		}
	}
	return st, true, nil
}

func (r *RedisReporter) Clear(ctx context.Context, jobID string) error {
	if err := r.rdb.Del(ctx, key(jobID)).Err(); err != nil {
		return fmt.Errorf("failed to clear progress: %w", err)
	}
	return nil
}
