package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// DefaultRetention keeps finished jobs readable for queue views.
const DefaultRetention = 24 * time.Hour

// enqueueScript replaces the job registered under a key in one step.
// KEYS: key index, due set. ARGV: id, job key prefix, job json, score.
var enqueueScript = goredis.NewScript(`
local previous = redis.call('get', KEYS[1])
if previous then
  redis.call('zrem', KEYS[2], previous)
  redis.call('del', ARGV[2] .. previous)
end
redis.call('set', ARGV[2] .. ARGV[1], ARGV[3])
redis.call('set', KEYS[1], ARGV[1])
redis.call('zadd', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// claimScript pops due ids from the sorted set. Whoever removes an id owns it.
var claimScript = goredis.NewScript(`
local ids = redis.call('zrangebyscore', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('zrem', KEYS[1], id)
end
return ids
`)

var releaseKeyScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
end
return 0
`)

// RedisOption customises the Redis scheduler.
type RedisOption func(*redisScheduler)

func WithRedisClock(clock func() time.Time) RedisOption {
	return func(s *redisScheduler) {
		if clock != nil {
			s.now = clock
		}
	}
}

func WithRedisIDGenerator(generator func() string) RedisOption {
	return func(s *redisScheduler) {
		if generator != nil {
			s.id = generator
		}
	}
}

func WithRetention(retention time.Duration) RedisOption {
	return func(s *redisScheduler) {
		if retention > 0 {
			s.retention = retention
		}
	}
}

func WithRedisMaxAttempts(limit int) RedisOption {
	return func(s *redisScheduler) {
		if limit > 0 {
			s.maxAttempt = limit
		}
	}
}

// NewRedis returns a scheduler shared by every worker process. Due jobs live in
// a sorted set scored by run time; job bodies are JSON strings. All keys share
// one hash tag so the scripts stay valid on a cluster.
func NewRedis(client goredis.UniversalClient, prefix string, opts ...RedisOption) interfaces.Scheduler {
	s := &redisScheduler{
		client:     client,
		base:       prefix + "{scheduler}:",
		now:        time.Now,
		id:         func() string { return uuid.NewString() },
		retention:  DefaultRetention,
		maxAttempt: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ DepthReporter = (*redisScheduler)(nil)

type redisScheduler struct {
	client     goredis.UniversalClient
	base       string
	now        func() time.Time
	id         func() string
	retention  time.Duration
	maxAttempt int
}

type jobRecord struct {
	ID          string         `json:"id"`
	Key         string         `json:"key,omitempty"`
	Type        string         `json:"type"`
	RunAt       time.Time      `json:"run_at"`
	Payload     map[string]any `json:"payload,omitempty"`
	MaxAttempts int            `json:"max_attempts"`
	Attempt     int            `json:"attempt"`
	LastError   string         `json:"last_error,omitempty"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func toRecord(job *interfaces.Job) jobRecord {
	return jobRecord{
		ID:          job.ID,
		Key:         job.Key,
		Type:        job.Type,
		RunAt:       job.RunAt,
		Payload:     job.Payload,
		MaxAttempts: job.MaxAttempts,
		Attempt:     job.Attempt,
		LastError:   job.LastError,
		Status:      string(job.Status),
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
}

func (r jobRecord) job() *interfaces.Job {
	return &interfaces.Job{
		JobSpec: interfaces.JobSpec{
			Key:         r.Key,
			Type:        r.Type,
			RunAt:       r.RunAt,
			Payload:     r.Payload,
			MaxAttempts: r.MaxAttempts,
		},
		ID:        r.ID,
		Attempt:   r.Attempt,
		LastError: r.LastError,
		Status:    interfaces.JobStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (s *redisScheduler) jobKey(id string) string { return s.base + "job:" + id }
func (s *redisScheduler) indexKey(key string) string {
	return s.base + "key:" + key
}
func (s *redisScheduler) dueKey() string { return s.base + "due" }

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *redisScheduler) Enqueue(ctx context.Context, spec interfaces.JobSpec) (*interfaces.Job, error) {
	if spec.RunAt.IsZero() {
		return nil, ErrRunAtRequired
	}
	now := s.now()
	job := &interfaces.Job{
		JobSpec: interfaces.JobSpec{
			Key:         spec.Key,
			Type:        spec.Type,
			RunAt:       spec.RunAt,
			Payload:     maps.Clone(spec.Payload),
			MaxAttempts: spec.MaxAttempts,
		},
		ID:        s.id(),
		Status:    interfaces.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = s.maxAttempt
	}
	body, err := json.Marshal(toRecord(job))
	if err != nil {
		return nil, fmt.Errorf("scheduler: encode job: %w", err)
	}

	if job.Key == "" {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, s.jobKey(job.ID), body, 0)
		pipe.ZAdd(ctx, s.dueKey(), goredis.Z{Score: score(job.RunAt), Member: job.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("scheduler: enqueue: %w", err)
		}
		return snapshot(job), nil
	}

	keys := []string{s.indexKey(job.Key), s.dueKey()}
	if err := enqueueScript.Run(ctx, s.client, keys, job.ID, s.base+"job:", string(body), score(job.RunAt)).Err(); err != nil {
		return nil, fmt.Errorf("scheduler: enqueue: %w", err)
	}
	return snapshot(job), nil
}

func (s *redisScheduler) Cancel(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.finish(ctx, job, interfaces.JobStatusCanceled, "")
}

func (s *redisScheduler) CancelByKey(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	job, err := s.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	return s.finish(ctx, job, interfaces.JobStatusCanceled, "")
}

func (s *redisScheduler) Get(ctx context.Context, id string) (*interfaces.Job, error) {
	raw, err := s.client.Get(ctx, s.jobKey(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, interfaces.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: get job: %w", err)
	}
	var record jobRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("scheduler: decode job %s: %w", id, err)
	}
	return record.job(), nil
}

func (s *redisScheduler) GetByKey(ctx context.Context, key string) (*interfaces.Job, error) {
	if key == "" {
		return nil, interfaces.ErrJobNotFound
	}
	id, err := s.client.Get(ctx, s.indexKey(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, interfaces.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: get job key: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *redisScheduler) ListDue(ctx context.Context, until time.Time, limit int) ([]*interfaces.Job, error) {
	by := &goredis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", until.UnixMilli())}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("scheduler: list due: %w", err)
	}
	return s.load(ctx, ids, interfaces.JobStatusPending)
}

// Claim removes due ids atomically and flips the jobs to running.
func (s *redisScheduler) Claim(ctx context.Context, until time.Time, limit int) ([]*interfaces.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := claimScript.Run(ctx, s.client, []string{s.dueKey()}, until.UnixMilli(), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("scheduler: claim: %w", err)
	}
	jobs, err := s.load(ctx, ids, interfaces.JobStatusPending)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, job := range jobs {
		job.Status = interfaces.JobStatusRunning
		job.UpdatedAt = now
		if err := s.save(ctx, job, 0); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// Pending counts jobs in the due set, which holds every job waiting to run.
func (s *redisScheduler) Pending(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.dueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("scheduler: count pending: %w", err)
	}
	return int(n), nil
}

func (s *redisScheduler) MarkDone(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.finish(ctx, job, interfaces.JobStatusCompleted, "")
}

func (s *redisScheduler) MarkFailed(ctx context.Context, id string, failure error) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	job.Attempt++
	message := ""
	if failure != nil {
		message = failure.Error()
	}
	if job.MaxAttempts > 0 && job.Attempt >= job.MaxAttempts {
		return s.finish(ctx, job, interfaces.JobStatusFailed, message)
	}
	job.Status = interfaces.JobStatusPending
	job.LastError = message
	job.UpdatedAt = s.now()
	if err := s.save(ctx, job, 0); err != nil {
		return err
	}
	if err := s.client.ZAdd(ctx, s.dueKey(), goredis.Z{Score: score(job.RunAt), Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("scheduler: requeue: %w", err)
	}
	return nil
}

// finish stores a final status with the retention ttl and releases the key
// index when it still points at the job.
func (s *redisScheduler) finish(ctx context.Context, job *interfaces.Job, status interfaces.JobStatus, message string) error {
	job.Status = status
	job.UpdatedAt = s.now()
	if message != "" {
		job.LastError = message
	}
	if err := s.save(ctx, job, s.retention); err != nil {
		return err
	}
	if err := s.client.ZRem(ctx, s.dueKey(), job.ID).Err(); err != nil {
		return fmt.Errorf("scheduler: remove due: %w", err)
	}
	if job.Key != "" {
		if err := releaseKeyScript.Run(ctx, s.client, []string{s.indexKey(job.Key)}, job.ID).Err(); err != nil {
			return fmt.Errorf("scheduler: release key: %w", err)
		}
	}
	return nil
}

func (s *redisScheduler) save(ctx context.Context, job *interfaces.Job, ttl time.Duration) error {
	body, err := json.Marshal(toRecord(job))
	if err != nil {
		return fmt.Errorf("scheduler: encode job: %w", err)
	}
	if err := s.client.Set(ctx, s.jobKey(job.ID), body, ttl).Err(); err != nil {
		return fmt.Errorf("scheduler: save job: %w", err)
	}
	return nil
}

func (s *redisScheduler) load(ctx context.Context, ids []string, status interfaces.JobStatus) ([]*interfaces.Job, error) {
	jobs := make([]*interfaces.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, interfaces.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status != status {
			continue
		}
		job.Payload = maps.Clone(job.Payload)
		jobs = append(jobs, job)
	}
	return jobs, nil
}
