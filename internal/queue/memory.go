package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zeidalqadri/tenderflow-sub000/internal/observability"
)

// MemoryStore keeps the full job set in process. It backs tests and local
// single-node runs; RedisStore is the shared-deployment backend.
type MemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	waiting map[string][]string
	seq     map[string]map[string]uint64
	counter uint64
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*Job),
		waiting: make(map[string][]string),
		seq:     make(map[string]map[string]uint64),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock. Tests use it to promote delayed jobs
// without sleeping.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) labels(queueName string) map[string]string {
	return map[string]string{"queue": queueName, "backend": "memory"}
}

func (s *MemoryStore) Enqueue(_ context.Context, job *Job) error {
	if job.Payload != nil {
		if err := job.Payload.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cp := *job
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.NotBefore.After(now) {
		cp.State = StateDelayed
	} else {
		cp.State = StateWaiting
		s.pushWaiting(&cp)
	}
	s.jobs[cp.ID] = &cp
	observability.Default.IncCounter("jobs_enqueued_total", s.labels(cp.Queue), 1)
	return nil
}

// pushWaiting records arrival order; callers hold s.mu.
func (s *MemoryStore) pushWaiting(job *Job) {
	s.counter++
	if s.seq[job.Queue] == nil {
		s.seq[job.Queue] = make(map[string]uint64)
	}
	s.seq[job.Queue][job.ID] = s.counter
	s.waiting[job.Queue] = append(s.waiting[job.Queue], job.ID)
}

func (s *MemoryStore) Claim(_ context.Context, queueName string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	// Promote due delayed jobs before picking.
	for _, job := range s.jobs {
		if job.Queue == queueName && job.State == StateDelayed && !job.NotBefore.After(now) {
			job.State = StateWaiting
			job.UpdatedAt = now
			s.pushWaiting(job)
		}
	}

	ids := s.waiting[queueName]
	if len(ids) == 0 {
		return nil, nil
	}
	// Highest priority first, FIFO within a priority band.
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := s.jobs[ids[i]], s.jobs[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return s.seq[queueName][a.ID] < s.seq[queueName][b.ID]
	})
	job := s.jobs[ids[0]]
	s.waiting[queueName] = ids[1:]
	job.State = StateActive
	job.Attempts++
	job.UpdatedAt = now
	observability.Default.IncCounter("jobs_claimed_total", s.labels(queueName), 1)
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) Ack(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.State = StateCompleted
	job.Progress = 100
	job.Error = ""
	job.UpdatedAt = s.now()
	observability.Default.IncCounter("jobs_completed_total", s.labels(job.Queue), 1)
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, jobID, reason string, retryAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return 0, ErrNotFound
	}
	job.Error = reason
	job.UpdatedAt = s.now()
	if job.Attempts < job.MaxAttempts {
		job.State = StateDelayed
		job.NotBefore = retryAt
		observability.Default.IncCounter("jobs_retried_total", s.labels(job.Queue), 1)
		return job.MaxAttempts - job.Attempts, nil
	}
	job.State = StateFailed
	observability.Default.IncCounter("jobs_failed_total", s.labels(job.Queue), 1)
	return 0, nil
}

func (s *MemoryStore) FailPermanent(_ context.Context, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.State = StateFailed
	job.Error = reason
	job.UpdatedAt = s.now()
	observability.Default.IncCounter("jobs_failed_total", s.labels(job.Queue), 1)
	return nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Progress = progress
	job.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) ListFailed(_ context.Context, queueName string, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, 16)
	for _, job := range s.jobs {
		if job.Queue == queueName && job.State == StateFailed {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Retry(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.State != StateFailed {
		return ErrNotFailed
	}
	job.State = StateWaiting
	job.Attempts = 0
	job.Error = ""
	job.Progress = 0
	job.UpdatedAt = s.now()
	s.pushWaiting(job)
	observability.Default.IncCounter("jobs_manual_retried_total", s.labels(job.Queue), 1)
	return nil
}

func (s *MemoryStore) Depth(_ context.Context, queueName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, job := range s.jobs {
		if job.Queue == queueName && (job.State == StateWaiting || job.State == StateDelayed) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }
