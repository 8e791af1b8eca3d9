package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/metrics"
	"github.com/goliatone/go-omnipost/internal/publishing"
	"github.com/goliatone/go-omnipost/internal/scheduler"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// Publisher runs one publication attempt.
type Publisher interface {
	AttemptPublish(ctx context.Context, req publishing.AttemptRequest) (*publishing.Outcome, error)
}

// Worker claims due publish jobs and hands them to the orchestrator.
type Worker struct {
	scheduler interfaces.Scheduler
	publisher Publisher
	logger    interfaces.Logger
	metrics   metrics.Recorder
	now       func() time.Time
	batchSize int
}

// Option configures workers, dispatchers and sweeps.
type Option func(*options)

type options struct {
	logger    interfaces.Logger
	metrics   metrics.Recorder
	now       func() time.Time
	batchSize int
}

func WithLogger(logger interfaces.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(recorder metrics.Recorder) Option {
	return func(o *options) {
		o.metrics = recorder
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.now = clock
		}
	}
}

func WithBatchSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.batchSize = size
		}
	}
}

func applyOptions(opts []Option) options {
	resolved := options{
		logger:    logging.NoOp(),
		now:       time.Now,
		batchSize: 50,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}
	resolved.metrics = metrics.Ensure(resolved.metrics)
	return resolved
}

func NewWorker(sched interfaces.Scheduler, publisher Publisher, opts ...Option) *Worker {
	o := applyOptions(opts)
	return &Worker{
		scheduler: sched,
		publisher: publisher,
		logger:    o.logger,
		metrics:   o.metrics,
		now:       o.now,
		batchSize: o.batchSize,
	}
}

// Process claims one batch of due jobs and runs them. It returns the number
// of jobs handled.
func (w *Worker) Process(ctx context.Context) (int, error) {
	if w.scheduler == nil {
		return 0, errors.New("jobs: scheduler is nil")
	}
	if w.publisher == nil {
		return 0, errors.New("jobs: publisher is nil")
	}
	jobs, err := w.scheduler.Claim(ctx, w.now(), w.batchSize)
	if err != nil {
		return 0, err
	}
	w.metrics.JobsClaimed(len(jobs))
	for _, job := range jobs {
		if job == nil {
			continue
		}
		if err := w.handleJob(logging.ContextWithJob(ctx, job.ID, job.Type), job); err != nil {
			w.logger.Error("jobs.worker.job_failed", "job_id", job.ID, "job_type", job.Type, "error", err)
			if markErr := w.scheduler.MarkFailed(ctx, job.ID, err); markErr != nil {
				w.logger.Error("jobs.worker.mark_failed", "job_id", job.ID, "error", markErr)
			}
		}
	}
	return len(jobs), nil
}

func (w *Worker) handleJob(ctx context.Context, job *interfaces.Job) error {
	switch job.Type {
	case scheduler.JobTypeVariantPublish:
		return w.processVariantPublish(ctx, job)
	default:
		w.logger.Warn("jobs.worker.unknown_type", "job_id", job.ID, "job_type", job.Type)
		return w.done(ctx, job)
	}
}

func (w *Worker) processVariantPublish(ctx context.Context, job *interfaces.Job) error {
	payload, err := scheduler.ParseVariantPublishPayload(job.Payload)
	if err != nil {
		// A malformed payload never becomes valid on retry.
		w.logger.Error("jobs.worker.payload_invalid", "job_id", job.ID, "error", err)
		return w.done(ctx, job)
	}
	queuedAt := job.CreatedAt
	if queuedAt.IsZero() {
		queuedAt = job.RunAt
	}
	outcome, err := w.publisher.AttemptPublish(ctx, publishing.AttemptRequest{
		VariantID:     payload.VariantID,
		Cycle:         payload.Cycle,
		AttemptNumber: payload.Attempt,
		QueuedAt:      queuedAt,
		ActorID:       payload.RequestedBy,
	})
	if err != nil {
		return fmt.Errorf("attempt publish %s: %w", payload.VariantID, err)
	}
	logger := logging.WithVariantContext(w.logger.WithContext(ctx), payload.VariantID.String(), outcome.Cycle, outcome.AttemptNumber, outcome.Platform)
	if !outcome.Requeue() {
		logger.Debug("jobs.worker.settled", "outcome", string(outcome.Kind), "reason", outcome.Reason)
		return w.done(ctx, job)
	}
	// Enqueue replaces this job through its key, so it must not be marked
	// done afterwards.
	next := scheduler.VariantPublishPayload{
		VariantID:   payload.VariantID,
		Cycle:       outcome.Cycle,
		Attempt:     outcome.NextAttempt,
		RequestedBy: payload.RequestedBy,
	}
	if next.Cycle <= 0 {
		next.Cycle = payload.Cycle
	}
	if next.Attempt <= 0 {
		next.Attempt = payload.Attempt
	}
	runAt := w.now().Add(outcome.RetryAfter)
	if _, err := w.scheduler.Enqueue(ctx, scheduler.VariantPublishJob(next, runAt)); err != nil {
		return fmt.Errorf("requeue variant %s: %w", payload.VariantID, err)
	}
	logger.Info("jobs.worker.requeued",
		"outcome", string(outcome.Kind),
		"reason", outcome.Reason,
		"next_attempt", next.Attempt,
		"run_at", runAt.UTC().Format(time.RFC3339),
	)
	return nil
}

func (w *Worker) done(ctx context.Context, job *interfaces.Job) error {
	err := w.scheduler.MarkDone(ctx, job.ID)
	if errors.Is(err, interfaces.ErrJobNotFound) {
		return nil
	}
	return err
}
