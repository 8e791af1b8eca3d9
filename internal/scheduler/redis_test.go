package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

func newRedisScheduler(t *testing.T, now time.Time) (interfaces.Scheduler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "test:", WithRedisClock(fixedClock(now))), mr
}

func TestRedisSchedulerClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s, _ := newRedisScheduler(t, now)
	variantID := uuid.New()

	job, err := s.Enqueue(ctx, VariantPublishJob(VariantPublishPayload{VariantID: variantID, Cycle: 1}, now.Add(-time.Second)))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.Enqueue(ctx, interfaces.JobSpec{Key: "later", Type: JobTypeVariantPublish, RunAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("enqueue later: %v", err)
	}

	due, err := s.ListDue(ctx, now, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("list due: %+v err=%v", due, err)
	}

	claimed, err := s.Claim(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != job.ID || claimed[0].Status != interfaces.JobStatusRunning {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	payload, err := ParseVariantPublishPayload(claimed[0].Payload)
	if err != nil || payload.VariantID != variantID || payload.Cycle != 1 || payload.Attempt != 1 {
		t.Fatalf("payload did not survive json: %+v err=%v", payload, err)
	}

	again, err := s.Claim(ctx, now, 10)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected nothing left to claim, got %+v err=%v", again, err)
	}
	byKey, err := s.GetByKey(ctx, VariantPublishJobKey(variantID, 1))
	if err != nil || !byKey.Active() {
		t.Fatalf("running job should stay active: %+v err=%v", byKey, err)
	}
}

func TestRedisSchedulerReplaceAndMarkDone(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s, mr := newRedisScheduler(t, now)

	first, _ := s.Enqueue(ctx, interfaces.JobSpec{Key: "k", Type: JobTypeVariantPublish, RunAt: now})
	if _, err := s.Claim(ctx, now, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	retry, err := s.Enqueue(ctx, interfaces.JobSpec{Key: "k", Type: JobTypeVariantPublish, RunAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("enqueue retry: %v", err)
	}
	if _, err := s.Get(ctx, first.ID); !errors.Is(err, interfaces.ErrJobNotFound) {
		t.Fatalf("expected replaced job to be deleted, got %v", err)
	}

	if err := s.MarkDone(ctx, retry.ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	done, err := s.Get(ctx, retry.ID)
	if err != nil || done.Status != interfaces.JobStatusCompleted {
		t.Fatalf("expected completed job, got %+v err=%v", done, err)
	}
	if _, err := s.GetByKey(ctx, "k"); !errors.Is(err, interfaces.ErrJobNotFound) {
		t.Fatalf("expected key released, got %v", err)
	}
	if ttl := mr.TTL("test:{scheduler}:job:" + retry.ID); ttl != DefaultRetention {
		t.Fatalf("expected retention ttl, got %s", ttl)
	}
}

func TestRedisSchedulerMarkFailedRequeues(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s, _ := newRedisScheduler(t, now)

	job, _ := s.Enqueue(ctx, interfaces.JobSpec{Key: "k", Type: JobTypeVariantPublish, RunAt: now, MaxAttempts: 2})
	if _, err := s.Claim(ctx, now, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkFailed(ctx, job.ID, errors.New("boom")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	claimed, err := s.Claim(ctx, now, 1)
	if err != nil || len(claimed) != 1 || claimed[0].LastError != "boom" {
		t.Fatalf("expected requeued job, got %+v err=%v", claimed, err)
	}
	if err := s.MarkFailed(ctx, job.ID, errors.New("boom")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := s.Get(ctx, job.ID)
	if got.Status != interfaces.JobStatusFailed {
		t.Fatalf("expected failed after max attempts, got %s", got.Status)
	}
}

func TestRedisSchedulerCancelByKey(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s, _ := newRedisScheduler(t, now)

	job, _ := s.Enqueue(ctx, interfaces.JobSpec{Key: "k", Type: JobTypeVariantPublish, RunAt: now})
	if err := s.CancelByKey(ctx, "k"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := s.Get(ctx, job.ID)
	if got.Status != interfaces.JobStatusCanceled {
		t.Fatalf("expected canceled, got %s", got.Status)
	}
	claimed, _ := s.Claim(ctx, now, 10)
	if len(claimed) != 0 {
		t.Fatalf("canceled job must not be claimed")
	}
}

func TestRedisSchedulerEnqueueCopiesPayload(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s, _ := newRedisScheduler(t, now)

	payload := map[string]any{"variant_id": uuid.NewString(), "cycle": 1}
	for _, key := range []string{"", "keyed"} {
		job, err := s.Enqueue(ctx, interfaces.JobSpec{Key: key, Type: JobTypeVariantPublish, RunAt: now, Payload: payload})
		if err != nil {
			t.Fatalf("enqueue %q: %v", key, err)
		}
		job.Payload["cycle"] = 99
		if payload["cycle"] != 1 {
			t.Fatalf("returned job must not share the caller payload (key %q)", key)
		}
		stored, err := s.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get %q: %v", key, err)
		}
		if cycle, _ := intValue(stored.Payload["cycle"]); cycle != 1 {
			t.Fatalf("stored payload changed: %+v", stored.Payload)
		}
	}
}

func TestPendingCountsWaitingJobs(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	redisQueue, _ := newRedisScheduler(t, now)
	queues := map[string]interfaces.Scheduler{
		"memory": NewInMemory(WithClock(fixedClock(now))),
		"redis":  redisQueue,
	}
	for name, queue := range queues {
		t.Run(name, func(t *testing.T) {
			depth, ok := queue.(DepthReporter)
			if !ok {
				t.Fatalf("%T does not report depth", queue)
			}
			_, _ = queue.Enqueue(ctx, interfaces.JobSpec{Key: "due", Type: JobTypeVariantPublish, RunAt: now.Add(-time.Minute)})
			_, _ = queue.Enqueue(ctx, interfaces.JobSpec{Key: "later", Type: JobTypeVariantPublish, RunAt: now.Add(time.Hour)})
			if n, err := depth.Pending(ctx); err != nil || n != 2 {
				t.Fatalf("expected 2 pending, got %d err=%v", n, err)
			}
			if _, err := queue.Claim(ctx, now, 10); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if n, err := depth.Pending(ctx); err != nil || n != 1 {
				t.Fatalf("claimed jobs are not pending, got %d err=%v", n, err)
			}
		})
	}
}
