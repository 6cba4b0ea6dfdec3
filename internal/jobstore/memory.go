package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/domain"
)

// MemoryStore is a process-local Store for tests and single-binary runs
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
}

func clone(j *domain.Job) *domain.Job {
	c := *j
	if j.Metrics != nil {
		m := *j.Metrics
		c.Metrics = &m
	}
	return &c
}

func (s *MemoryStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("failed to create job: duplicate id %s", job.ID)
	}

	c := clone(job)
	c.UpdatedAt = job.SubmittedAt
	s.jobs[job.ID] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return clone(j), nil
}

func (s *MemoryStore) Claim(_ context.Context, id, workerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Status.Terminal() {
		return nil, domain.ErrJobFinished
	}

	now := s.now()
	j.Status = domain.StatusProcessing
	j.WorkerID = workerID
	j.Attempts++
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now
	return clone(j), nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, id string) error {
	return s.update(id, "heartbeat", func(j *domain.Job) bool {
		if j.Status != domain.StatusProcessing {
			return false
		}
		j.UpdatedAt = s.now()
		return true
	})
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string, result domain.Result) error {
	return s.update(id, "complete", func(j *domain.Job) bool {
		now := s.now()
		j.Status = domain.StatusCompleted
		j.OutputKey = result.OutputKey
		j.OriginalSize = result.OriginalSize
		j.EnhancedSize = result.EnhancedSize
		j.Metrics = nil
		if result.Metrics != nil {
			m := *result.Metrics
			j.Metrics = &m
		}
		j.ErrorMessage = ""
		j.CompletedAt = &now
		j.UpdatedAt = now
		return true
	})
}

func (s *MemoryStore) MarkRetrying(_ context.Context, id, errMsg string) error {
	return s.update(id, "retry", func(j *domain.Job) bool {
		if j.Status.Terminal() {
			return false
		}
		j.Status = domain.StatusQueued
		j.ErrorMessage = errMsg
		j.WorkerID = ""
		j.UpdatedAt = s.now()
		return true
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, errMsg string) error {
	return s.update(id, "fail", func(j *domain.Job) bool {
		if j.Status == domain.StatusCompleted {
			return false
		}
		now := s.now()
		j.Status = domain.StatusFailed
		j.ErrorMessage = errMsg
		j.CompletedAt = &now
		j.UpdatedAt = now
		return true
	})
}

func (s *MemoryStore) update(id, op string, fn func(j *domain.Job) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || !fn(j) {
		return fmt.Errorf("%s: %w", op, domain.ErrJobNotFound)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok, nil
}

func (s *MemoryStore) CountActive(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[domain.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.Status]int)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if !filter.Cursor.before(j) {
			continue
		}
		out = append(out, *clone(j))
	}

	sort.Slice(out, func(a, b int) bool {
		if out[a].SubmittedAt.Equal(out[b].SubmittedAt) {
			return out[a].ID > out[b].ID
		}
		return out[a].SubmittedAt.After(out[b].SubmittedAt)
	})

	if limit := filter.PageSize + 1; len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*domain.Job
	for _, j := range s.jobs {
		if j.Status.Terminal() && j.SubmittedAt.Before(before) {
			expired = append(expired, j)
		}
	}

	sort.Slice(expired, func(a, b int) bool {
		return expired[a].SubmittedAt.Before(expired[b].SubmittedAt)
	})

	ids := make([]string, 0, len(expired))
	for _, j := range expired {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, j.ID)
	}
	return ids, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
