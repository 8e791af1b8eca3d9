package logging

import (
	"context"
	"strings"

	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

const (
	rootModule       = "omnipost"
	publishingModule = "omnipost.publishing"
	rateLimitModule  = "omnipost.ratelimit"
	crisisModule     = "omnipost.crisis"
	approvalsModule  = "omnipost.approvals"
	schedulerModule  = "omnipost.scheduler"
	jobsModule       = "omnipost.jobs"
	notifyModule     = "omnipost.notify"
	platformsModule  = "omnipost.platforms"
	healthModule     = "omnipost.health"
)

const (
	fieldVariantID = "variant_id"
	fieldCycle     = "publish_cycle"
	fieldAttempt   = "attempt"
	fieldPlatform  = "platform"
	fieldBrandID   = "brand_id"
)

// ModuleLogger returns a module-scoped logger, defaulting to a no-op
// implementation when no provider is supplied. Every entry carries the module
// identifier so downstream sinks can filter predictably.
func ModuleLogger(provider interfaces.LoggerProvider, module string) interfaces.Logger {
	if strings.TrimSpace(module) == "" {
		module = rootModule
	}

	logger := NoOp()
	if provider != nil {
		if provided := provider.GetLogger(module); provided != nil {
			logger = provided
		}
	}

	return WithFields(logger, map[string]any{
		"module": module,
	})
}

func PublishingLogger(provider interfaces.LoggerProvider) interfaces.Logger {
	return ModuleLogger(provider, publishingModule)
}

func RateLimitLogger(provider interfaces.LoggerProvider) interfaces.Logger {
	return ModuleLogger(provider, rateLimitModule)
}

func CrisisLogger(provider interfaces.LoggerProvider) interfaces.Logger {
	return ModuleLogger(provider, crisisModule)
}

func ApprovalsLogger(provider interfaces.LoggerProvider) interfaces.Logger {
	return ModuleLogger(provider, approvalsModule)
}

// SchedulerLogger returns the logger namespace reserved for the job queue.
func SchedulerLogger(provider interfaces.LoggerProvider) interfaces.Logger {
	return ModuleLogger(provider, schedulerModule)
}

// JobsLogger returns the logger namespace reserved for workers and sweeps.
func JobsLogger(provider interfaces.LoggerProvider) interfaces.Logger {
	return ModuleLogger(provider, jobsModule)
}

func NotifyLogger(provider interfaces.LoggerProvider) interfaces.Logger {
	return ModuleLogger(provider, notifyModule)
}

func HealthLogger(provider interfaces.LoggerProvider) interfaces.Logger {
	return ModuleLogger(provider, healthModule)
}

func PlatformsLogger(provider interfaces.LoggerProvider) interfaces.Logger {
	return ModuleLogger(provider, platformsModule)
}

// WithVariantContext enriches a logger with the identifiers of a publication
// attempt. Zero values are skipped.
func WithVariantContext(logger interfaces.Logger, variantID string, cycle, attempt int, platform string) interfaces.Logger {
	fields := map[string]any{}
	if trimmed := strings.TrimSpace(variantID); trimmed != "" {
		fields[fieldVariantID] = trimmed
	}
	if cycle > 0 {
		fields[fieldCycle] = cycle
	}
	if attempt > 0 {
		fields[fieldAttempt] = attempt
	}
	if trimmed := strings.TrimSpace(platform); trimmed != "" {
		fields[fieldPlatform] = trimmed
	}
	return WithFields(logger, fields)
}

// WithBrand tags a logger with the brand identifier.
func WithBrand(logger interfaces.Logger, brandID string) interfaces.Logger {
	if strings.TrimSpace(brandID) == "" {
		return logger
	}
	return WithFields(logger, map[string]any{fieldBrandID: brandID})
}

// NoOp returns a logger that drops every entry.
func NoOp() interfaces.Logger {
	return noopLogger{}
}

// OrNoOp returns logger, or NoOp when it is nil.
func OrNoOp(logger interfaces.Logger) interfaces.Logger {
	if logger == nil {
		return noopLogger{}
	}
	return logger
}

type noopLogger struct{}

var _ interfaces.Logger = noopLogger{}

func (noopLogger) Trace(string, ...any) {}
func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Fatal(string, ...any) {}

func (n noopLogger) WithFields(map[string]any) interfaces.Logger {
	return n
}

func (n noopLogger) WithContext(context.Context) interfaces.Logger {
	return n
}
