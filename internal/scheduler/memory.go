package scheduler

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

const defaultMaxAttempts = 3

var ErrRunAtRequired = errors.New("scheduler: run_at is required")

// Option configures the in-memory queue.
type Option func(*MemoryQueue)

// WithClock overrides the queue clock.
func WithClock(clock func() time.Time) Option {
	return func(q *MemoryQueue) {
		if clock != nil {
			q.now = clock
		}
	}
}

// WithDefaultMaxAttempts sets the attempt budget of jobs enqueued without one.
func WithDefaultMaxAttempts(limit int) Option {
	return func(q *MemoryQueue) {
		if limit > 0 {
			q.maxAttempts = limit
		}
	}
}

// MemoryQueue keeps publish jobs in process. It backs tests and single-node
// deployments that run without Redis.
type MemoryQueue struct {
	mu          sync.Mutex
	now         func() time.Time
	maxAttempts int
	jobs        map[string]*interfaces.Job
	// byKey points at the live job for a dedupe key. Finished jobs drop out of
	// it so GetByKey only ever sees the current attempt chain.
	byKey map[string]string
	seq   map[string]uint64
	next  uint64
}

// DepthReporter is implemented by queues that can count waiting jobs.
type DepthReporter interface {
	Pending(ctx context.Context) (int, error)
}

var (
	_ interfaces.Scheduler = (*MemoryQueue)(nil)
	_ DepthReporter        = (*MemoryQueue)(nil)
)

// NewInMemory returns an empty in-process queue.
func NewInMemory(opts ...Option) *MemoryQueue {
	q := &MemoryQueue{
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
		jobs:        make(map[string]*interfaces.Job),
		byKey:       make(map[string]string),
		seq:         make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores spec as a pending job. A job already holding the same key is
// discarded, whatever its state.
func (q *MemoryQueue) Enqueue(_ context.Context, spec interfaces.JobSpec) (*interfaces.Job, error) {
	if spec.RunAt.IsZero() {
		return nil, ErrRunAtRequired
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = q.maxAttempts
	}
	spec.Payload = maps.Clone(spec.Payload)

	q.mu.Lock()
	defer q.mu.Unlock()

	if spec.Key != "" {
		if previous, ok := q.byKey[spec.Key]; ok {
			delete(q.jobs, previous)
			delete(q.seq, previous)
		}
	}

	now := q.now()
	job := &interfaces.Job{
		ID:        uuid.NewString(),
		JobSpec:   spec,
		Status:    interfaces.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.next++
	q.jobs[job.ID] = job
	q.seq[job.ID] = q.next
	if job.Key != "" {
		q.byKey[job.Key] = job.ID
	}
	return snapshot(job), nil
}

func (q *MemoryQueue) Cancel(_ context.Context, id string) error {
	return q.update(id, func(job *interfaces.Job) {
		q.finishLocked(job, interfaces.JobStatusCanceled)
	})
}

func (q *MemoryQueue) CancelByKey(_ context.Context, key string) error {
	if key == "" {
		return nil
	}
	q.mu.Lock()
	id, ok := q.byKey[key]
	q.mu.Unlock()
	if !ok {
		return interfaces.ErrJobNotFound
	}
	return q.update(id, func(job *interfaces.Job) {
		q.finishLocked(job, interfaces.JobStatusCanceled)
	})
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*interfaces.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, interfaces.ErrJobNotFound
	}
	return snapshot(job), nil
}

func (q *MemoryQueue) GetByKey(_ context.Context, key string) (*interfaces.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[q.byKey[key]]
	if key == "" || !ok {
		return nil, interfaces.ErrJobNotFound
	}
	return snapshot(job), nil
}

// ListDue returns pending jobs due at or before until, earliest run time
// first. Jobs sharing a run time keep their enqueue order.
func (q *MemoryQueue) ListDue(_ context.Context, until time.Time, limit int) ([]*interfaces.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	due := q.dueLocked(until, limit)
	out := make([]*interfaces.Job, len(due))
	for i, job := range due {
		out[i] = snapshot(job)
	}
	return out, nil
}

// Claim flips up to limit due jobs to running under one lock, so two workers
// sharing the queue never receive the same job.
func (q *MemoryQueue) Claim(_ context.Context, until time.Time, limit int) ([]*interfaces.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	due := q.dueLocked(until, limit)
	out := make([]*interfaces.Job, len(due))
	for i, job := range due {
		job.Status = interfaces.JobStatusRunning
		job.UpdatedAt = now
		out[i] = snapshot(job)
	}
	return out, nil
}

// Pending counts jobs waiting to run, due or not.
func (q *MemoryQueue) Pending(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, job := range q.jobs {
		if job.Status == interfaces.JobStatusPending {
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) MarkDone(_ context.Context, id string) error {
	return q.update(id, func(job *interfaces.Job) {
		q.finishLocked(job, interfaces.JobStatusCompleted)
	})
}

// MarkFailed records failure and puts the job back in line until its attempt
// budget is spent.
func (q *MemoryQueue) MarkFailed(_ context.Context, id string, failure error) error {
	return q.update(id, func(job *interfaces.Job) {
		job.Attempt++
		job.LastError = ""
		if failure != nil {
			job.LastError = failure.Error()
		}
		if job.MaxAttempts > 0 && job.Attempt >= job.MaxAttempts {
			q.finishLocked(job, interfaces.JobStatusFailed)
			return
		}
		job.Status = interfaces.JobStatusPending
		job.UpdatedAt = q.now()
	})
}

func (q *MemoryQueue) update(id string, fn func(*interfaces.Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return interfaces.ErrJobNotFound
	}
	fn(job)
	return nil
}

func (q *MemoryQueue) finishLocked(job *interfaces.Job, status interfaces.JobStatus) {
	job.Status = status
	job.UpdatedAt = q.now()
	if job.Key != "" && q.byKey[job.Key] == job.ID {
		delete(q.byKey, job.Key)
	}
}

func (q *MemoryQueue) dueLocked(until time.Time, limit int) []*interfaces.Job {
	var due []*interfaces.Job
	for _, job := range q.jobs {
		if job.Status == interfaces.JobStatusPending && !job.RunAt.After(until) {
			due = append(due, job)
		}
	}
	slices.SortFunc(due, func(a, b *interfaces.Job) int {
		if c := a.RunAt.Compare(b.RunAt); c != 0 {
			return c
		}
		return cmp.Compare(q.seq[a.ID], q.seq[b.ID])
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

func snapshot(job *interfaces.Job) *interfaces.Job {
	clone := *job
	clone.Payload = maps.Clone(job.Payload)
	return &clone
}
