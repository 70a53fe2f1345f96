package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps job records in memory. Records are never deleted.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[JobID]*Job
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[JobID]*Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create seeds a job with every step queued.
func (m *MemoryStore) Create(ctx context.Context, nj NewJob) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	job, err := Seed(nj, m.now())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return job.Clone(), nil
}

// UpdateStep performs the read-modify-write of a single step.
func (m *MemoryStore) UpdateStep(ctx context.Context, id JobID, index int, step Step) error {
	return m.mutate(ctx, id, func(job *Job) error {
		return ApplyStep(job, index, step, m.now())
	})
}

// Complete marks the job completed with its result.
func (m *MemoryStore) Complete(ctx context.Context, id JobID, result Result) error {
	return m.mutate(ctx, id, func(job *Job) error {
		return ApplyFinal(job, JobStatusCompleted, result, m.now())
	})
}

// Fail marks the job failed with its result.
func (m *MemoryStore) Fail(ctx context.Context, id JobID, result Result) error {
	return m.mutate(ctx, id, func(job *Job) error {
		return ApplyFinal(job, JobStatusFailed, result, m.now())
	})
}

func (m *MemoryStore) mutate(ctx context.Context, id JobID, fn func(*Job) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id.IsEphemeral() {
		return ErrEphemeralJob
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	// Work on a copy so a rejected write leaves the record untouched.
	next := job.Clone()
	if err := fn(next); err != nil {
		return err
	}
	m.jobs[id] = next
	return nil
}

// Get retrieves a job by ID.
func (m *MemoryStore) Get(ctx context.Context, id JobID) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListActive returns running jobs matching the filter.
func (m *MemoryStore) ListActive(ctx context.Context, filter ListFilter) ([]*Job, error) {
	return m.list(ctx, func(job *Job) bool {
		return filter.Matches(job) && job.Status == JobStatusRunning
	})
}

// ListRecent returns jobs matching the filter updated within the window.
func (m *MemoryStore) ListRecent(ctx context.Context, filter ListFilter, within time.Duration) ([]*Job, error) {
	cutoff := m.now().Add(-within)
	return m.list(ctx, func(job *Job) bool {
		return filter.Matches(job) && !job.UpdatedAt.Before(cutoff)
	})
}

func (m *MemoryStore) list(ctx context.Context, keep func(*Job) bool) ([]*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Job, 0)
	for _, job := range m.jobs {
		if keep(job) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
