package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/publishing"
	"github.com/goliatone/go-omnipost/internal/runtimeconfig"
	"github.com/goliatone/go-omnipost/internal/scheduler"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// VariantSource lists variants that need a publish job.
type VariantSource interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*publishing.Variant, error)
	ListStalled(ctx context.Context, before time.Time, limit int) ([]*publishing.Variant, error)
}

// AttemptHistory exposes the attempts of a variant.
type AttemptHistory interface {
	ListAttempts(ctx context.Context, variantID uuid.UUID) ([]*publishing.Attempt, error)
}

// DispatcherConfig bounds one dispatch pass.
type DispatcherConfig struct {
	Batch       int
	StaleAfter  time.Duration
	MaxAttempts int
}

// DispatcherConfigFromRuntime maps the runtime configuration.
func DispatcherConfigFromRuntime(cfg runtimeconfig.Config) DispatcherConfig {
	return DispatcherConfig{
		Batch:       cfg.Publishing.DispatchBatch,
		StaleAfter:  cfg.Publishing.StaleAttemptAfter,
		MaxAttempts: cfg.Publishing.MaxAttempts,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Batch <= 0 {
		c.Batch = 100
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// DispatchReport summarises one dispatch pass.
type DispatchReport struct {
	Due       int
	Stalled   int
	Enqueued  int
	Recovered int
	Held      int
	Skipped   int
}

// Dispatcher turns due variants into publish jobs. It skips variants that
// already have an active job for their current cycle, so running it often
// is safe. Jobs left running past StaleAfter are replaced.
type Dispatcher struct {
	variants  VariantSource
	attempts  AttemptHistory
	crisis    publishing.CrisisGate
	scheduler interfaces.Scheduler
	cfg       DispatcherConfig
	logger    interfaces.Logger
	now       func() time.Time
}

func NewDispatcher(variants VariantSource, attempts AttemptHistory, crisis publishing.CrisisGate, sched interfaces.Scheduler, cfg DispatcherConfig, opts ...Option) *Dispatcher {
	o := applyOptions(opts)
	cfg = cfg.withDefaults()
	return &Dispatcher{
		variants:  variants,
		attempts:  attempts,
		crisis:    crisis,
		scheduler: sched,
		cfg:       cfg,
		logger:    o.logger,
		now:       o.now,
	}
}

// Dispatch enqueues attempt 1 for due scheduled variants and re-arms
// publishing variants whose job was lost.
func (d *Dispatcher) Dispatch(ctx context.Context) (DispatchReport, error) {
	var report DispatchReport
	if d.variants == nil || d.scheduler == nil {
		return report, errors.New("jobs: dispatcher is not configured")
	}
	now := d.now()

	due, err := d.variants.ListDue(ctx, now, d.cfg.Batch)
	if err != nil {
		return report, fmt.Errorf("list due variants: %w", err)
	}
	report.Due = len(due)
	for _, variant := range due {
		enqueued, err := d.arm(ctx, variant, 1, now, &report)
		if err != nil {
			return report, err
		}
		if enqueued {
			report.Enqueued++
		}
	}

	stalled, err := d.variants.ListStalled(ctx, now.Add(-d.cfg.StaleAfter), d.cfg.Batch)
	if err != nil {
		return report, fmt.Errorf("list stalled variants: %w", err)
	}
	report.Stalled = len(stalled)
	for _, variant := range stalled {
		attempt, err := d.resumeAttempt(ctx, variant)
		if err != nil {
			return report, err
		}
		enqueued, err := d.arm(ctx, variant, attempt, now, &report)
		if err != nil {
			return report, err
		}
		if enqueued {
			report.Recovered++
		}
	}

	if report.Enqueued > 0 || report.Recovered > 0 {
		d.logger.Info("jobs.dispatch.completed",
			"due", report.Due,
			"enqueued", report.Enqueued,
			"recovered", report.Recovered,
			"held", report.Held,
		)
	}
	return report, nil
}

func (d *Dispatcher) arm(ctx context.Context, variant *publishing.Variant, attempt int, now time.Time, report *DispatchReport) (bool, error) {
	if variant == nil {
		return false, nil
	}
	logger := logging.WithVariantContext(d.logger, variant.ID.String(), variant.PublishCycle, attempt, variant.Platform)
	if d.crisis != nil {
		active, err := d.crisis.IsActive(ctx, variant.BrandID, variant.Platform)
		if err != nil {
			return false, fmt.Errorf("crisis check: %w", err)
		}
		if active {
			report.Held++
			logger.Debug("jobs.dispatch.held")
			return false, nil
		}
	}
	key := scheduler.VariantPublishJobKey(variant.ID, variant.PublishCycle)
	existing, err := d.scheduler.GetByKey(ctx, key)
	switch {
	case err == nil && existing.Active() && !d.lost(existing, now):
		report.Skipped++
		return false, nil
	case err != nil && !errors.Is(err, interfaces.ErrJobNotFound):
		return false, fmt.Errorf("lookup job %s: %w", key, err)
	}
	if _, err := d.scheduler.Enqueue(ctx, scheduler.VariantPublishJob(scheduler.VariantPublishPayload{
		VariantID: variant.ID,
		Cycle:     variant.PublishCycle,
		Attempt:   attempt,
	}, now)); err != nil {
		return false, fmt.Errorf("enqueue variant %s: %w", variant.ID, err)
	}
	logger.Info("jobs.dispatch.enqueued")
	return true, nil
}

// lost reports a job claimed by a worker that never finished it.
func (d *Dispatcher) lost(job *interfaces.Job, now time.Time) bool {
	return job.Status == interfaces.JobStatusRunning && job.UpdatedAt.Before(now.Add(-d.cfg.StaleAfter))
}

// resumeAttempt picks the attempt number for a publishing variant without a
// job. An open attempt is retried under its own number once the orchestrator
// abandons it; otherwise the next number is used, capped at the maximum.
func (d *Dispatcher) resumeAttempt(ctx context.Context, variant *publishing.Variant) (int, error) {
	if d.attempts == nil {
		return 1, nil
	}
	rows, err := d.attempts.ListAttempts(ctx, variant.ID)
	if err != nil {
		return 0, fmt.Errorf("list attempts %s: %w", variant.ID, err)
	}
	var last *publishing.Attempt
	for _, row := range rows {
		if row.PublishCycle != variant.PublishCycle {
			continue
		}
		if last == nil || row.AttemptNo > last.AttemptNo || (row.AttemptNo == last.AttemptNo && row.Open()) {
			last = row
		}
	}
	if last == nil {
		return 1, nil
	}
	next := last.AttemptNo
	if !last.Open() {
		next++
	}
	return min(next, d.cfg.MaxAttempts), nil
}
