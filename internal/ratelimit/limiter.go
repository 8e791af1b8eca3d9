// Package ratelimit shapes outbound traffic per platform account and trips a
// circuit breaker after repeated failures. All state lives in a kvstore.Store
// so every worker process shares the same counters.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-omnipost/internal/kvstore"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/metrics"
	"github.com/goliatone/go-omnipost/internal/runtimeconfig"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// Limit is a quota of calls per window.
type Limit struct {
	Quota  int
	Window time.Duration
}

// Config captures quotas and breaker parameters.
type Config struct {
	Limits           map[string]Limit
	Default          Limit
	FailureThreshold int
	FailureTTL       time.Duration
	Cooldown         time.Duration
	KeyPrefix        string
}

// ConfigFromRuntime builds limiter settings from the runtime configuration.
func ConfigFromRuntime(cfg runtimeconfig.Config) Config {
	limits := make(map[string]Limit, len(cfg.Platforms))
	for name := range cfg.Platforms {
		quota, window := cfg.PlatformLimit(name)
		limits[name] = Limit{Quota: quota, Window: window}
	}
	return Config{
		Limits:           limits,
		Default:          Limit{Quota: cfg.RateLimit.DefaultQuota, Window: cfg.RateLimit.DefaultWindow},
		FailureThreshold: cfg.RateLimit.FailureThreshold,
		FailureTTL:       cfg.RateLimit.FailureTTL,
		Cooldown:         cfg.RateLimit.Cooldown,
		KeyPrefix:        cfg.RateLimit.KeyPrefix,
	}
}

// Limiter implements the per-account rate limit and circuit breaker.
type Limiter struct {
	store   kvstore.Store
	cfg     Config
	logger  interfaces.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

// Option configures the limiter.
type Option func(*Limiter)

func WithLogger(logger interfaces.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(recorder metrics.Recorder) Option {
	return func(l *Limiter) {
		l.metrics = metrics.Ensure(recorder)
	}
}

// WithClock overrides the clock used to stamp circuit openings.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// New constructs a limiter over store.
func New(store kvstore.Store, cfg Config, opts ...Option) *Limiter {
	if cfg.Default.Quota <= 0 {
		cfg.Default.Quota = 100
	}
	if cfg.Default.Window <= 0 {
		cfg.Default.Window = time.Hour
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = time.Hour
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 300 * time.Second
	}
	l := &Limiter{
		store:   store,
		cfg:     cfg,
		logger:  logging.NoOp(),
		metrics: metrics.Noop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether a call may be made now: the circuit is closed and the
// window usage is below the quota.
func (l *Limiter) Allow(ctx context.Context, platform, account string) (bool, error) {
	open, err := l.IsCircuitOpen(ctx, platform, account)
	if err != nil || open {
		return false, err
	}
	usage, err := l.usage(ctx, platform, account)
	if err != nil {
		return false, err
	}
	return usage < l.limit(platform).Quota, nil
}

// RecordAttempt counts one outbound call against the current window. The
// window starts at the first call and is never extended by later calls.
func (l *Limiter) RecordAttempt(ctx context.Context, platform, account string) error {
	_, err := l.store.IncrWithTTL(ctx, l.rateKey(platform, account), l.limit(platform).Window)
	if err != nil {
		return fmt.Errorf("ratelimit: record attempt: %w", err)
	}
	return nil
}

// RecordSuccess resets the failure counter and closes the circuit.
func (l *Limiter) RecordSuccess(ctx context.Context, platform, account string) error {
	if err := l.store.Del(ctx, l.failureKey(platform, account), l.circuitKey(platform, account)); err != nil {
		return fmt.Errorf("ratelimit: record success: %w", err)
	}
	return nil
}

// RecordFailure counts a failed call and opens the circuit for the cool-down
// once the threshold is reached.
func (l *Limiter) RecordFailure(ctx context.Context, platform, account string) error {
	failures, err := l.store.IncrWithTTL(ctx, l.failureKey(platform, account), l.cfg.FailureTTL)
	if err != nil {
		return fmt.Errorf("ratelimit: record failure: %w", err)
	}
	if failures < int64(l.cfg.FailureThreshold) {
		return nil
	}
	openedAt := strconv.FormatInt(l.now().Unix(), 10)
	if err := l.store.Set(ctx, l.circuitKey(platform, account), openedAt, l.cfg.Cooldown); err != nil {
		return fmt.Errorf("ratelimit: open circuit: %w", err)
	}
	l.metrics.CircuitOpened(platform)
	l.logger.Warn("ratelimit.circuit.opened",
		"platform", platform,
		"account", account,
		"failures", failures,
		"cooldown", l.cfg.Cooldown.String(),
	)
	return nil
}

// WaitTime returns how long a caller should wait before trying again: the
// remaining cool-down when the circuit is open, else the time until the
// window resets when the quota is used up, else zero.
func (l *Limiter) WaitTime(ctx context.Context, platform, account string) (time.Duration, error) {
	open, err := l.IsCircuitOpen(ctx, platform, account)
	if err != nil {
		return 0, err
	}
	if open {
		return l.store.TTL(ctx, l.circuitKey(platform, account))
	}
	usage, err := l.usage(ctx, platform, account)
	if err != nil {
		return 0, err
	}
	if usage < l.limit(platform).Quota {
		return 0, nil
	}
	return l.store.TTL(ctx, l.rateKey(platform, account))
}

// IsCircuitOpen reports whether the breaker key is present.
func (l *Limiter) IsCircuitOpen(ctx context.Context, platform, account string) (bool, error) {
	open, err := l.store.Exists(ctx, l.circuitKey(platform, account))
	if err != nil {
		return false, fmt.Errorf("ratelimit: circuit lookup: %w", err)
	}
	return open, nil
}

// Remaining returns the calls left in the current window.
func (l *Limiter) Remaining(ctx context.Context, platform, account string) (int, error) {
	usage, err := l.usage(ctx, platform, account)
	if err != nil {
		return 0, err
	}
	remaining := l.limit(platform).Quota - usage
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (l *Limiter) usage(ctx context.Context, platform, account string) (int, error) {
	raw, ok, err := l.store.Get(ctx, l.rateKey(platform, account))
	if err != nil {
		return 0, fmt.Errorf("ratelimit: usage lookup: %w", err)
	}
	if !ok {
		return 0, nil
	}
	usage, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: corrupt counter %q: %w", raw, err)
	}
	return usage, nil
}

func (l *Limiter) limit(platform string) Limit {
	if limit, ok := l.cfg.Limits[normalize(platform)]; ok && limit.Quota > 0 && limit.Window > 0 {
		return limit
	}
	return l.cfg.Default
}

func (l *Limiter) rateKey(platform, account string) string {
	return l.key("rate_limit", platform, account)
}

func (l *Limiter) failureKey(platform, account string) string {
	return l.key("rate_limit_failures", platform, account)
}

func (l *Limiter) circuitKey(platform, account string) string {
	return l.key("circuit_breaker", platform, account)
}

// key renders {prefix}{kind}:{platform}[:{account}].
func (l *Limiter) key(kind, platform, account string) string {
	key := l.cfg.KeyPrefix + kind + ":" + normalize(platform)
	if account = strings.TrimSpace(account); account != "" {
		key += ":" + account
	}
	return key
}

func normalize(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}
