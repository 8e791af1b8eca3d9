package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/goliatone/go-omnipost/internal/runtimeconfig"
)

const envPrefix = "OMNIPOST_"

// loadEnvFiles overlays .env files found in the working directory onto the
// process environment and returns the ones it loaded.
func loadEnvFiles(files ...string) []string {
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			continue
		}
		loaded = append(loaded, file)
	}
	return loaded
}

type envReader struct {
	getenv func(string) string
	errs   []string
}

func (r *envReader) str(key string, dst *string) {
	if value := strings.TrimSpace(r.getenv(envPrefix + key)); value != "" {
		*dst = value
	}
}

func (r *envReader) integer(key string, dst *int) {
	value := strings.TrimSpace(r.getenv(envPrefix + key))
	if value == "" {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		r.errs = append(r.errs, envPrefix+key)
		return
	}
	*dst = parsed
}

func (r *envReader) boolean(key string, dst *bool) {
	value := strings.TrimSpace(r.getenv(envPrefix + key))
	if value == "" {
		return
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		r.errs = append(r.errs, envPrefix+key)
		return
	}
	*dst = parsed
}

func (r *envReader) duration(key string, dst *time.Duration) {
	value := strings.TrimSpace(r.getenv(envPrefix + key))
	if value == "" {
		return
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		r.errs = append(r.errs, envPrefix+key)
		return
	}
	*dst = parsed
}

func (r *envReader) list(key string, dst *[]string) {
	value := strings.TrimSpace(r.getenv(envPrefix + key))
	if value == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

// applyEnv overlays OMNIPOST_* variables onto cfg.
func applyEnv(cfg *runtimeconfig.Config, getenv func(string) string) error {
	r := &envReader{getenv: getenv}

	r.str("STORAGE_DRIVER", &cfg.Storage.Driver)
	r.str("STORAGE_DSN", &cfg.Storage.DSN)

	r.list("REDIS_ADDRS", &cfg.Redis.Addrs)
	cfg.Redis.Enabled = len(cfg.Redis.Addrs) > 0
	r.str("REDIS_MODE", &cfg.Redis.Mode)
	r.str("REDIS_MASTER", &cfg.Redis.MasterName)
	r.str("REDIS_USERNAME", &cfg.Redis.Username)
	r.str("REDIS_PASSWORD", &cfg.Redis.Password)
	r.integer("REDIS_DB", &cfg.Redis.DB)
	r.str("REDIS_PREFIX", &cfg.Redis.KeyPrefix)

	r.str("WEBHOOK_URL", &cfg.Notifier.WebhookURL)
	r.integer("WEBHOOK_QUEUE_SIZE", &cfg.Notifier.QueueSize)
	r.integer("WEBHOOK_WORKERS", &cfg.Notifier.Workers)

	r.str("METRICS_ADDR", &cfg.Metrics.ListenAddr)
	r.boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)

	r.str("LOG_LEVEL", &cfg.Logging.Level)
	r.str("LOG_FORMAT", &cfg.Logging.Format)

	r.integer("MAX_ATTEMPTS", &cfg.Publishing.MaxAttempts)
	r.duration("CALL_TIMEOUT", &cfg.Publishing.CallTimeout)
	r.duration("LOCK_TTL", &cfg.Publishing.LockTTL)
	r.duration("DISPATCH_INTERVAL", &cfg.Publishing.DispatchInterval)
	r.duration("WORKER_INTERVAL", &cfg.Publishing.WorkerInterval)
	r.duration("TOKEN_WATCH_INTERVAL", &cfg.Publishing.TokenWatchInterval)
	r.duration("CRISIS_TTL", &cfg.Crisis.FlagTTL)
	r.duration("APPROVAL_SLA", &cfg.Approvals.SLA)
	r.duration("ESCALATION_INTERVAL", &cfg.Approvals.EscalationInterval)
	r.integer("ALERT_QUEUE_DEPTH", &cfg.Alerts.QueueDepthThreshold)
	r.duration("HEALTH_INTERVAL", &cfg.Alerts.HealthInterval)

	for name, platform := range cfg.Platforms {
		key := strings.ToUpper(name) + "_"
		r.str(key+"CLIENT_ID", &platform.ClientID)
		r.str(key+"CLIENT_SECRET", &platform.ClientSecret)
		r.str(key+"BASE_URL", &platform.BaseURL)
		r.integer(key+"QUOTA", &platform.Quota)
		r.duration(key+"WINDOW", &platform.Window)
		cfg.Platforms[name] = platform
	}

	if len(r.errs) > 0 {
		return fmt.Errorf("invalid environment values: %s", strings.Join(r.errs, ", "))
	}
	return nil
}
