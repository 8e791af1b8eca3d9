package runtimeconfig

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrPlatformQuotaInvalid       = errors.New("omnipost config: platform quota must be positive")
	ErrPlatformWindowInvalid      = errors.New("omnipost config: platform window must be positive")
	ErrFailureThresholdInvalid    = errors.New("omnipost config: circuit failure threshold must be positive")
	ErrCooldownInvalid            = errors.New("omnipost config: circuit cooldown must be positive")
	ErrMaxAttemptsInvalid         = errors.New("omnipost config: max attempts must be positive")
	ErrBackoffScheduleRequired    = errors.New("omnipost config: backoff schedule must cover every retry")
	ErrLockTTLInvalid             = errors.New("omnipost config: publish lock ttl must exceed the call timeout")
	ErrCrisisTTLInvalid           = errors.New("omnipost config: crisis flag ttl must be positive")
	ErrApprovalSLAInvalid         = errors.New("omnipost config: approval sla must be positive")
	ErrStorageDriverUnknown       = errors.New("omnipost config: storage driver is invalid")
	ErrStorageDSNRequired         = errors.New("omnipost config: storage dsn is required")
	ErrRedisAddrRequired          = errors.New("omnipost config: redis address is required when redis is enabled")
	ErrRedisModeInvalid           = errors.New("omnipost config: redis mode is invalid")
	ErrCommandsCronRequiresEngine = errors.New("omnipost config: command cron registration requires commands to be enabled")
	ErrLoggingLevelInvalid        = errors.New("omnipost config: logging level is invalid")
	ErrLoggingFormatInvalid       = errors.New("omnipost config: logging format is invalid")
	ErrMetricsAddrRequired        = errors.New("omnipost config: metrics listen address is required when metrics are enabled")
)

// Config aggregates every tunable of the publication runtime.
type Config struct {
	Platforms  map[string]PlatformConfig
	RateLimit  RateLimitConfig
	Publishing PublishingConfig
	Crisis     CrisisConfig
	Approvals  ApprovalsConfig
	Alerts     AlertsConfig
	Storage    StorageConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Notifier   NotifierConfig
	Metrics    MetricsConfig
	Logging    LoggingConfig
	Commands   CommandsConfig
}

// PlatformConfig captures per-platform quota and API settings.
type PlatformConfig struct {
	Quota        int
	Window       time.Duration
	BaseURL      string
	APIVersion   string
	ClientID     string
	ClientSecret string
}

// RateLimitConfig captures the limiter and circuit breaker defaults.
type RateLimitConfig struct {
	DefaultQuota     int
	DefaultWindow    time.Duration
	FailureThreshold int
	FailureTTL       time.Duration
	Cooldown         time.Duration
	KeyPrefix        string
}

// PublishingConfig captures orchestrator and loop behaviour.
type PublishingConfig struct {
	MaxAttempts           int
	Backoff               []time.Duration
	TokenRefreshThreshold time.Duration
	CallTimeout           time.Duration
	LockTTL               time.Duration
	LockRetryDelay        time.Duration
	StaleAttemptAfter     time.Duration
	DispatchBatch         int
	DispatchInterval      time.Duration
	WorkerBatch           int
	WorkerInterval        time.Duration
	TokenWatchInterval    time.Duration
}

// CrisisConfig captures kill switch behaviour.
type CrisisConfig struct {
	FlagTTL   time.Duration
	KeyPrefix string
}

// ApprovalsConfig captures approval SLA settings.
type ApprovalsConfig struct {
	SLA                time.Duration
	EscalationBatch    int
	EscalationInterval time.Duration
}

// AlertsConfig captures the failure threshold and queue depth alert policy.
type AlertsConfig struct {
	FailureThreshold int
	Window           time.Duration
	// QueueDepthThreshold is the pending job count that raises a queue_depth
	// alert. Health reports a warning above it and an error above five times it.
	QueueDepthThreshold int
	HealthInterval      time.Duration
}

// StorageConfig lists the SQL driver used by bun repositories. An empty
// driver keeps every repository in memory.
type StorageConfig struct {
	Driver string
	DSN    string
}

// RedisConfig mirrors the connection options of redis.UniversalClient.
type RedisConfig struct {
	Enabled      bool
	Mode         string
	Addrs        []string
	MasterName   string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string
}

// CacheConfig captures repository cache toggles.
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// NotifierConfig captures the outbound webhook notifier.
type NotifierConfig struct {
	WebhookURL string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Timeout    time.Duration
	// QueueSize and Workers bound background webhook delivery.
	QueueSize int
	Workers   int
}

// MetricsConfig captures prometheus exposition. ListenAddr also serves
// /healthz when metrics are disabled.
type MetricsConfig struct {
	Enabled    bool
	ListenAddr string
	Namespace  string
}

// LoggingConfig captures go-logger options.
type LoggingConfig struct {
	Level     string
	Format    string
	AddSource bool
	Focus     []string
}

// CommandsConfig captures optional command-layer behaviour.
type CommandsConfig struct {
	Enabled                bool
	AutoRegisterDispatcher bool
	AutoRegisterCron       bool
	MaxRetries             int
	DispatchCron           string
	WorkerCron             string
	EscalationCron         string
	TokenWatchCron         string
	HealthCron             string
}

// DefaultConfig returns production defaults for the publication runtime.
func DefaultConfig() Config {
	return Config{
		Platforms: map[string]PlatformConfig{
			"facebook": {
				Quota:      200,
				Window:     time.Hour,
				BaseURL:    "https://graph.facebook.com",
				APIVersion: "v18.0",
			},
			"linkedin": {
				Quota:      500,
				Window:     24 * time.Hour,
				BaseURL:    "https://api.linkedin.com",
				APIVersion: "202401",
			},
		},
		RateLimit: RateLimitConfig{
			DefaultQuota:     100,
			DefaultWindow:    time.Hour,
			FailureThreshold: 5,
			FailureTTL:       time.Hour,
			Cooldown:         300 * time.Second,
		},
		Publishing: PublishingConfig{
			MaxAttempts:           3,
			Backoff:               []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
			TokenRefreshThreshold: 7 * 24 * time.Hour,
			CallTimeout:           30 * time.Second,
			LockTTL:               2 * time.Minute,
			LockRetryDelay:        30 * time.Second,
			StaleAttemptAfter:     10 * time.Minute,
			DispatchBatch:         100,
			DispatchInterval:      time.Minute,
			WorkerBatch:           25,
			WorkerInterval:        5 * time.Second,
			TokenWatchInterval:    time.Hour,
		},
		Crisis: CrisisConfig{
			FlagTTL: 24 * time.Hour,
		},
		Approvals: ApprovalsConfig{
			SLA:                4 * time.Hour,
			EscalationBatch:    200,
			EscalationInterval: 5 * time.Minute,
		},
		Alerts: AlertsConfig{
			FailureThreshold:    5,
			Window:              time.Hour,
			QueueDepthThreshold: 100,
			HealthInterval:      5 * time.Minute,
		},
		Storage: StorageConfig{},
		Redis: RedisConfig{
			Mode:         "standalone",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			KeyPrefix:    "omnipost:",
		},
		Cache: CacheConfig{
			Enabled:    true,
			DefaultTTL: time.Minute,
		},
		Notifier: NotifierConfig{
			MaxRetries: 3,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
			Timeout:    10 * time.Second,
			QueueSize:  256,
			Workers:    2,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9102",
			Namespace:  "omnipost",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Commands: CommandsConfig{
			MaxRetries:     3,
			DispatchCron:   "@every 1m",
			EscalationCron: "@every 5m",
			TokenWatchCron: "@every 1h",
			HealthCron:     "@every 5m",
		},
	}
}

// PlatformLimit resolves the quota and window for a platform, falling back to
// the rate limit defaults when the platform is not configured.
func (cfg Config) PlatformLimit(platform string) (int, time.Duration) {
	quota, window := cfg.RateLimit.DefaultQuota, cfg.RateLimit.DefaultWindow
	if p, ok := cfg.Platforms[strings.ToLower(strings.TrimSpace(platform))]; ok {
		if p.Quota > 0 {
			quota = p.Quota
		}
		if p.Window > 0 {
			window = p.Window
		}
	}
	return quota, window
}

// Validate performs high-level consistency checks.
func (cfg Config) Validate() error {
	for name, p := range cfg.Platforms {
		if p.Quota <= 0 {
			return fmt.Errorf("%w: %s", ErrPlatformQuotaInvalid, name)
		}
		if p.Window <= 0 {
			return fmt.Errorf("%w: %s", ErrPlatformWindowInvalid, name)
		}
	}
	if cfg.RateLimit.DefaultQuota <= 0 {
		return fmt.Errorf("%w: default", ErrPlatformQuotaInvalid)
	}
	if cfg.RateLimit.DefaultWindow <= 0 {
		return fmt.Errorf("%w: default", ErrPlatformWindowInvalid)
	}
	if cfg.RateLimit.FailureThreshold <= 0 {
		return ErrFailureThresholdInvalid
	}
	if cfg.RateLimit.Cooldown <= 0 {
		return ErrCooldownInvalid
	}
	if cfg.Publishing.MaxAttempts <= 0 {
		return ErrMaxAttemptsInvalid
	}
	if len(cfg.Publishing.Backoff) < cfg.Publishing.MaxAttempts-1 {
		return ErrBackoffScheduleRequired
	}
	if cfg.Publishing.LockTTL <= cfg.Publishing.CallTimeout {
		return ErrLockTTLInvalid
	}
	if cfg.Crisis.FlagTTL <= 0 {
		return ErrCrisisTTLInvalid
	}
	if cfg.Approvals.SLA <= 0 {
		return ErrApprovalSLAInvalid
	}
	switch normalize(cfg.Storage.Driver) {
	case "":
	case "postgres", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return ErrStorageDSNRequired
		}
	default:
		return fmt.Errorf("%w: %s", ErrStorageDriverUnknown, cfg.Storage.Driver)
	}
	if cfg.Redis.Enabled {
		if len(cfg.Redis.Addrs) == 0 {
			return ErrRedisAddrRequired
		}
		switch normalize(cfg.Redis.Mode) {
		case "", "standalone", "sentinel", "cluster":
		default:
			return fmt.Errorf("%w: %s", ErrRedisModeInvalid, cfg.Redis.Mode)
		}
	}
	if cfg.Commands.AutoRegisterCron && !cfg.Commands.Enabled {
		return ErrCommandsCronRequiresEngine
	}
	if level := strings.TrimSpace(cfg.Logging.Level); level != "" && !isSupportedLevel(level) {
		return fmt.Errorf("%w: %s", ErrLoggingLevelInvalid, level)
	}
	if format := strings.TrimSpace(cfg.Logging.Format); format != "" && !isSupportedFormat(format) {
		return fmt.Errorf("%w: %s", ErrLoggingFormatInvalid, format)
	}
	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.ListenAddr) == "" {
		return ErrMetricsAddrRequired
	}
	return nil
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func isSupportedLevel(level string) bool {
	switch normalize(level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal":
		return true
	default:
		return false
	}
}

func isSupportedFormat(format string) bool {
	switch normalize(format) {
	case "json", "console", "pretty":
		return true
	default:
		return false
	}
}
