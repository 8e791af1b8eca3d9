package interfaces

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound reports missing jobs when looking them up by ID or key.
	ErrJobNotFound = errors.New("scheduler: job not found")
)

// Scheduler coordinates delayed execution of publication jobs.
type Scheduler interface {
	// Enqueue stores a pending job. A job holding the same key is replaced, which is how
	// a variant cycle reschedules its next attempt.
	Enqueue(ctx context.Context, spec JobSpec) (*Job, error)
	// Cancel stops a job from running.
	Cancel(ctx context.Context, id string) error
	// CancelByKey cancels the live job for key.
	CancelByKey(ctx context.Context, key string) error
	Get(ctx context.Context, id string) (*Job, error)
	// GetByKey returns the live job for key.
	GetByKey(ctx context.Context, key string) (*Job, error)
	// ListDue peeks at pending jobs due at or before until without claiming them.
	ListDue(ctx context.Context, until time.Time, limit int) ([]*Job, error)
	// Claim moves due jobs to running so concurrent workers never process the
	// same job twice.
	Claim(ctx context.Context, until time.Time, limit int) ([]*Job, error)
	MarkDone(ctx context.Context, id string) error
	// MarkFailed requeues the job, or fails it once MaxAttempts is spent.
	MarkFailed(ctx context.Context, id string, err error) error
}

// JobStatus describes the lifecycle of a scheduled job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusCanceled  JobStatus = "canceled"
	JobStatusFailed    JobStatus = "failed"
)

// JobSpec captures the required information to enqueue a job.
type JobSpec struct {
	// Key uniquely identifies the job so that new requests can safely replace existing entries.
	Key string
	// Type describes the action to perform (e.g. omnipost.variant.publish).
	Type string
	// RunAt specifies when the job should execute.
	RunAt time.Time
	// Payload carries contextual data required by the worker.
	Payload map[string]any
	// MaxAttempts caps MarkFailed requeues. Zero takes the scheduler default.
	MaxAttempts int
}

// Active reports whether the job may still run.
func (j *Job) Active() bool {
	return j != nil && (j.Status == JobStatusPending || j.Status == JobStatusRunning)
}

// Job represents a stored job entry with metadata managed by the scheduler implementation.
type Job struct {
	JobSpec
	ID        string
	Attempt   int
	LastError string
	Status    JobStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
