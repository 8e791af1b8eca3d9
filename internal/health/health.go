package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/goliatone/go-omnipost/internal/kvstore"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/metrics"
	"github.com/goliatone/go-omnipost/internal/publishing"
	"github.com/goliatone/go-omnipost/internal/runtimeconfig"
	"github.com/goliatone/go-omnipost/internal/scheduler"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// Status grades a single check.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Overall report states. Any error makes the report unhealthy, any warning
// makes it degraded.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// Check is the outcome of one dependency check.
type Check struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Latency string         `json:"latency,omitempty"`
}

// Report aggregates every configured check.
type Report struct {
	Status    string           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// Pinger is satisfied by *bun.DB and *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// AccountSource lists connected accounts whose token lapses before an instant.
type AccountSource interface {
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*publishing.Account, error)
}

// Config tunes thresholds.
type Config struct {
	QueueDepthThreshold int
	TokenWarning        time.Duration
	CheckTimeout        time.Duration
	KeyPrefix           string
}

// ConfigFromRuntime maps the runtime configuration.
func ConfigFromRuntime(cfg runtimeconfig.Config) Config {
	return Config{
		QueueDepthThreshold: cfg.Alerts.QueueDepthThreshold,
		TokenWarning:        cfg.Publishing.TokenRefreshThreshold,
		CheckTimeout:        cfg.Publishing.CallTimeout,
		KeyPrefix:           cfg.Redis.KeyPrefix,
	}
}

func (c Config) withDefaults() Config {
	if c.QueueDepthThreshold <= 0 {
		c.QueueDepthThreshold = 100
	}
	if c.TokenWarning <= 0 {
		c.TokenWarning = 7 * 24 * time.Hour
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 5 * time.Second
	}
	return c
}

// Option wires a dependency into the checker. Unwired dependencies are
// skipped in the report.
type Option func(*Checker)

func WithDB(db Pinger) Option {
	return func(c *Checker) { c.db = db }
}

func WithRedis(client goredis.UniversalClient) Option {
	return func(c *Checker) { c.redis = client }
}

// WithCache checks a set/get/del round trip and dedupes queue alerts.
func WithCache(store kvstore.Store) Option {
	return func(c *Checker) { c.cache = store }
}

func WithQueue(queue scheduler.DepthReporter) Option {
	return func(c *Checker) { c.queue = queue }
}

func WithAccounts(accounts AccountSource) Option {
	return func(c *Checker) { c.accounts = accounts }
}

func WithNotifier(notifier interfaces.Notifier) Option {
	return func(c *Checker) { c.notifier = notifier }
}

func WithMetrics(recorder metrics.Recorder) Option {
	return func(c *Checker) {
		if recorder != nil {
			c.metrics = recorder
		}
	}
}

func WithLogger(logger interfaces.Logger) Option {
	return func(c *Checker) { c.logger = logging.OrNoOp(logger) }
}

func WithClock(clock func() time.Time) Option {
	return func(c *Checker) {
		if clock != nil {
			c.now = clock
		}
	}
}

// Checker reports the state of the runtime dependencies and raises the
// queue_depth alert.
type Checker struct {
	cfg      Config
	db       Pinger
	redis    goredis.UniversalClient
	cache    kvstore.Store
	queue    scheduler.DepthReporter
	accounts AccountSource
	notifier interfaces.Notifier
	metrics  metrics.Recorder
	logger   interfaces.Logger
	now      func() time.Time
}

func New(cfg Config, opts ...Option) *Checker {
	c := &Checker{
		cfg:     cfg.withDefaults(),
		metrics: metrics.Noop(),
		logger:  logging.NoOp(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check runs every configured check concurrently.
func (c *Checker) Check(ctx context.Context) Report {
	checks := map[string]func(context.Context) Check{}
	if c.db != nil {
		checks["database"] = c.checkDatabase
	}
	if c.redis != nil {
		checks["redis"] = c.checkRedis
	}
	if c.cache != nil {
		checks["cache"] = c.checkCache
	}
	if c.queue != nil {
		checks["queue"] = c.checkQueue
	}
	if c.accounts != nil {
		checks["tokens"] = c.checkTokens
	}

	report := Report{
		Status:    Healthy,
		Checks:    make(map[string]Check, len(checks)),
		Timestamp: c.now().UTC(),
	}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
			defer cancel()
			started := time.Now()
			result := fn(checkCtx)
			result.Latency = time.Since(started).Round(time.Millisecond).String()
			mu.Lock()
			report.Checks[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	for name, check := range report.Checks {
		switch check.Status {
		case StatusError:
			report.Status = Unhealthy
			c.logger.Warn("health.check.failed", "check", name, "message", check.Message)
		case StatusWarning:
			if report.Status == Healthy {
				report.Status = Degraded
			}
		}
	}
	return report
}

// Handler serves the report as JSON, answering 503 when unhealthy.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		code := http.StatusOK
		if report.Status == Unhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(report); err != nil {
			c.logger.Warn("health.handler.encode_failed", "error", err)
		}
	})
}

func (c *Checker) checkDatabase(ctx context.Context) Check {
	if err := c.db.PingContext(ctx); err != nil {
		return Check{Status: StatusError, Message: err.Error()}
	}
	return Check{Status: StatusOK}
}

func (c *Checker) checkRedis(ctx context.Context) Check {
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return Check{Status: StatusError, Message: err.Error()}
	}
	return Check{Status: StatusOK}
}

func (c *Checker) checkCache(ctx context.Context) Check {
	key := c.cfg.KeyPrefix + "health:" + uuid.NewString()
	if err := c.cache.Set(ctx, key, "ok", time.Minute); err != nil {
		return Check{Status: StatusError, Message: err.Error()}
	}
	defer func() {
		if err := c.cache.Del(context.WithoutCancel(ctx), key); err != nil {
			c.logger.Warn("health.cache.cleanup_failed", "error", err)
		}
	}()
	value, ok, err := c.cache.Get(ctx, key)
	switch {
	case err != nil:
		return Check{Status: StatusError, Message: err.Error()}
	case !ok || value != "ok":
		return Check{Status: StatusError, Message: "cache round trip lost the value"}
	}
	return Check{Status: StatusOK}
}

func (c *Checker) checkQueue(ctx context.Context) Check {
	depth, err := c.queue.Pending(ctx)
	if err != nil {
		return Check{Status: StatusError, Message: err.Error()}
	}
	c.metrics.QueueDepth(depth)
	check := Check{
		Status:  StatusOK,
		Details: map[string]any{"pending": depth, "threshold": c.cfg.QueueDepthThreshold},
	}
	switch {
	case depth > 5*c.cfg.QueueDepthThreshold:
		check.Status = StatusError
		check.Message = "queue backlog is critical"
	case depth > c.cfg.QueueDepthThreshold:
		check.Status = StatusWarning
		check.Message = "queue backlog is high"
	}
	return check
}

// tokenScanLimit caps how many accounts a token check loads.
const tokenScanLimit = 500

func (c *Checker) checkTokens(ctx context.Context) Check {
	now := c.now().UTC()
	accounts, err := c.accounts.ListExpiring(ctx, now.Add(c.cfg.TokenWarning), tokenScanLimit)
	if err != nil {
		return Check{Status: StatusError, Message: err.Error()}
	}
	expired, expiring := 0, 0
	for _, account := range accounts {
		if account == nil || account.TokenExpiresAt == nil {
			continue
		}
		if account.TokenExpiresAt.After(now) {
			expiring++
		} else {
			expired++
		}
	}
	check := Check{
		Status:  StatusOK,
		Details: map[string]any{"expired": expired, "expiring": expiring},
	}
	switch {
	case expired > 0:
		check.Status = StatusError
		check.Message = fmt.Sprintf("%d connected accounts hold expired tokens", expired)
	case expiring > 0:
		check.Status = StatusWarning
		check.Message = fmt.Sprintf("%d tokens expire within %s", expiring, c.cfg.TokenWarning)
	}
	return check
}

// SweepReport summarises one health sweep.
type SweepReport struct {
	Pending  int
	Alerted  bool
	Failures []string
}

// Sweep publishes the queue depth gauge and sends at most one queue_depth
// alert per hour while the backlog sits at or above the threshold. Failed
// checks are listed in the report.
func (c *Checker) Sweep(ctx context.Context) (SweepReport, error) {
	var out SweepReport
	report := c.Check(ctx)
	for name, check := range report.Checks {
		if check.Status == StatusError {
			out.Failures = append(out.Failures, name)
		}
	}
	if c.queue == nil {
		return out, nil
	}
	depth, err := c.queue.Pending(ctx)
	if err != nil {
		return out, fmt.Errorf("queue depth: %w", err)
	}
	out.Pending = depth
	c.metrics.QueueDepth(depth)
	if depth < c.cfg.QueueDepthThreshold {
		return out, nil
	}
	out.Alerted = c.alertDepth(ctx, depth)
	return out, nil
}

func (c *Checker) alertDepth(ctx context.Context, depth int) bool {
	if c.notifier == nil {
		return false
	}
	now := c.now().UTC()
	if c.cache != nil {
		bucket := now.Truncate(time.Hour).Unix()
		key := c.cfg.KeyPrefix + "alert:queue_depth:" + strconv.FormatInt(bucket, 10)
		first, err := c.cache.SetNX(ctx, key, strconv.Itoa(depth), time.Hour)
		if err != nil {
			c.logger.Warn("health.queue.dedupe_failed", "error", err)
			return false
		}
		if !first {
			return false
		}
	}
	err := c.notifier.Notify(ctx, interfaces.Alert{
		Audience: []interfaces.Audience{interfaces.AudienceSystem, interfaces.AudienceAdministrators},
		Kind:     interfaces.AlertQueueDepth,
		Subject:  fmt.Sprintf("%d publish jobs are waiting in the queue", depth),
		Context: map[string]any{
			"pending":   depth,
			"threshold": c.cfg.QueueDepthThreshold,
		},
	})
	status := "sent"
	if err != nil {
		status = "failed"
		c.logger.Warn("health.queue.notify_failed", "error", err)
	}
	c.metrics.AlertSent(string(interfaces.AlertQueueDepth), status)
	return err == nil
}
