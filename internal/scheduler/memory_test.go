package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestInMemoryEnqueueReplacesJobWithSameKey(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewInMemory(WithClock(fixedClock(now)))
	variantID := uuid.New()

	first, err := s.Enqueue(ctx, VariantPublishJob(VariantPublishPayload{VariantID: variantID, Cycle: 1}, now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := s.Enqueue(ctx, VariantPublishJob(VariantPublishPayload{VariantID: variantID, Cycle: 1, Attempt: 2}, now))
	if err != nil {
		t.Fatalf("enqueue replacement: %v", err)
	}
	if _, err := s.Get(ctx, first.ID); !errors.Is(err, interfaces.ErrJobNotFound) {
		t.Fatalf("expected replaced job to be gone, got %v", err)
	}
	got, err := s.GetByKey(ctx, VariantPublishJobKey(variantID, 1))
	if err != nil {
		t.Fatalf("get by key: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("expected key to point at %s, got %s", second.ID, got.ID)
	}
}

func TestInMemoryClaimMovesDueJobsToRunning(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewInMemory(WithClock(fixedClock(now)))

	due, _ := s.Enqueue(ctx, interfaces.JobSpec{Key: "a", Type: JobTypeVariantPublish, RunAt: now.Add(-time.Minute)})
	_, _ = s.Enqueue(ctx, interfaces.JobSpec{Key: "b", Type: JobTypeVariantPublish, RunAt: now.Add(time.Minute)})

	claimed, err := s.Claim(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID {
		t.Fatalf("expected only the due job, got %+v", claimed)
	}
	if claimed[0].Status != interfaces.JobStatusRunning {
		t.Fatalf("expected running status, got %s", claimed[0].Status)
	}
	again, err := s.Claim(ctx, now, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("running job claimed twice: %+v", again)
	}
	if job, _ := s.GetByKey(ctx, "a"); !job.Active() {
		t.Fatalf("running job should count as active")
	}
}

func TestInMemoryMarkDoneKeepsReplacementKey(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewInMemory(WithClock(fixedClock(now)))

	running, _ := s.Enqueue(ctx, interfaces.JobSpec{Key: "k", Type: JobTypeVariantPublish, RunAt: now})
	if _, err := s.Claim(ctx, now, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// A retry enqueued while the first run is still finishing.
	retry, _ := s.Enqueue(ctx, interfaces.JobSpec{Key: "k", Type: JobTypeVariantPublish, RunAt: now.Add(time.Minute)})

	if err := s.MarkDone(ctx, running.ID); !errors.Is(err, interfaces.ErrJobNotFound) {
		t.Fatalf("expected replaced job to be missing, got %v", err)
	}
	got, err := s.GetByKey(ctx, "k")
	if err != nil || got.ID != retry.ID {
		t.Fatalf("expected key to reference retry job, got %+v err=%v", got, err)
	}
}

func TestInMemoryMarkFailedHonoursMaxAttempts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewInMemory(WithClock(fixedClock(now)), WithDefaultMaxAttempts(2))

	job, _ := s.Enqueue(ctx, interfaces.JobSpec{Key: "k", Type: JobTypeVariantPublish, RunAt: now})
	if err := s.MarkFailed(ctx, job.ID, errors.New("boom")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := s.Get(ctx, job.ID)
	if got.Status != interfaces.JobStatusPending || got.LastError != "boom" {
		t.Fatalf("expected pending retry, got %+v", got)
	}
	if err := s.MarkFailed(ctx, job.ID, errors.New("boom again")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ = s.Get(ctx, job.ID)
	if got.Status != interfaces.JobStatusFailed {
		t.Fatalf("expected failed status, got %s", got.Status)
	}
	if _, err := s.GetByKey(ctx, "k"); !errors.Is(err, interfaces.ErrJobNotFound) {
		t.Fatalf("expected key to be released, got %v", err)
	}
}

func TestInMemoryEnqueueRequiresRunAt(t *testing.T) {
	s := NewInMemory()
	if _, err := s.Enqueue(context.Background(), interfaces.JobSpec{Key: "k"}); !errors.Is(err, ErrRunAtRequired) {
		t.Fatalf("expected ErrRunAtRequired, got %v", err)
	}
}

func TestVariantPublishPayloadRoundTrip(t *testing.T) {
	variantID := uuid.New()
	actorID := uuid.New()
	spec := VariantPublishJob(VariantPublishPayload{VariantID: variantID, Cycle: 3, Attempt: 2, RequestedBy: actorID}, time.Now())
	if spec.Key != "variant:"+variantID.String()+":cycle:3" {
		t.Fatalf("unexpected key %q", spec.Key)
	}

	// JSON decoding turns numbers into float64.
	payload := map[string]any{
		"variant_id":   variantID.String(),
		"cycle":        float64(3),
		"attempt":      float64(2),
		"requested_by": actorID.String(),
	}
	got, err := ParseVariantPublishPayload(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := VariantPublishPayload{VariantID: variantID, Cycle: 3, Attempt: 2, RequestedBy: actorID}
	if got != want {
		t.Fatalf("payload mismatch: want %+v got %+v", want, got)
	}

	if _, err := ParseVariantPublishPayload(map[string]any{"variant_id": "nope"}); err == nil {
		t.Fatalf("expected invalid variant id error")
	}
}

func TestInMemoryListDueKeepsEnqueueOrderForSameRunAt(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewInMemory(WithClock(fixedClock(now)))

	var ids []string
	for _, key := range []string{"c", "a", "b"} {
		job, err := s.Enqueue(ctx, interfaces.JobSpec{Key: key, Type: JobTypeVariantPublish, RunAt: now})
		if err != nil {
			t.Fatalf("enqueue %s: %v", key, err)
		}
		ids = append(ids, job.ID)
	}

	due, err := s.ListDue(ctx, now, 2)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 || due[0].ID != ids[0] || due[1].ID != ids[1] {
		t.Fatalf("expected first two enqueued jobs in order, got %+v", due)
	}
	if due[0].Status != interfaces.JobStatusPending {
		t.Fatalf("list due must not claim, got %s", due[0].Status)
	}
}

func TestInMemoryCancelByKeyReleasesKey(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewInMemory(WithClock(fixedClock(now)))

	job, _ := s.Enqueue(ctx, interfaces.JobSpec{Key: "variant", Type: JobTypeVariantPublish, RunAt: now})
	if err := s.CancelByKey(ctx, "variant"); err != nil {
		t.Fatalf("cancel by key: %v", err)
	}
	if _, err := s.GetByKey(ctx, "variant"); !errors.Is(err, interfaces.ErrJobNotFound) {
		t.Fatalf("expected key released, got %v", err)
	}
	got, err := s.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != interfaces.JobStatusCanceled {
		t.Fatalf("expected canceled, got %s", got.Status)
	}
	if err := s.CancelByKey(ctx, "variant"); !errors.Is(err, interfaces.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound on second cancel, got %v", err)
	}
}
