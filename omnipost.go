// Package omnipost schedules, approves and publishes social media variants
// across platforms with rate limiting, crisis halts and durable attempt
// tracking.
package omnipost

import (
	"github.com/goliatone/go-omnipost/internal/approvals"
	"github.com/goliatone/go-omnipost/internal/audit"
	"github.com/goliatone/go-omnipost/internal/crisis"
	"github.com/goliatone/go-omnipost/internal/di"
	"github.com/goliatone/go-omnipost/internal/health"
	"github.com/goliatone/go-omnipost/internal/jobs"
	"github.com/goliatone/go-omnipost/internal/publishing"
	"github.com/goliatone/go-omnipost/internal/ratelimit"
)

// ApprovalService exports the content approval state machine.
type ApprovalService = *approvals.Service

// PublishingService exports the human facing variant operations.
type PublishingService = *publishing.Service

// Orchestrator exports the single attempt publication engine.
type Orchestrator = *publishing.Orchestrator

// CrisisSwitch exports the brand kill switch.
type CrisisSwitch = *crisis.Switch

// RateLimiter exports the per-platform quota and circuit breaker.
type RateLimiter = *ratelimit.Limiter

// AuditRecorder exports the audit trail contract.
type AuditRecorder = audit.Recorder

// Module represents the top level publication runtime façade.
type Module struct {
	container *di.Container
}

// New constructs a module using the provided configuration and optional DI overrides.
func New(cfg Config, opts ...di.Option) (*Module, error) {
	container, err := di.NewContainer(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Module{container: container}, nil
}

// Container exposes the underlying DI container for advanced integrations.
func (m *Module) Container() *di.Container {
	return m.container
}

// Approvals returns the approval service.
func (m *Module) Approvals() ApprovalService {
	return m.container.ApprovalService()
}

// Publishing returns the variant service.
func (m *Module) Publishing() PublishingService {
	return m.container.PublishingService()
}

// Orchestrator returns the attempt engine used by the worker.
func (m *Module) Orchestrator() Orchestrator {
	return m.container.Orchestrator()
}

// Crisis returns the crisis switch.
func (m *Module) Crisis() CrisisSwitch {
	return m.container.CrisisSwitch()
}

// RateLimiter returns the platform rate limiter.
func (m *Module) RateLimiter() RateLimiter {
	return m.container.RateLimiter()
}

// Audit returns the audit recorder.
func (m *Module) Audit() AuditRecorder {
	return m.container.AuditRecorder()
}

// Worker returns the job worker.
func (m *Module) Worker() *jobs.Worker {
	return m.container.JobWorker()
}

// Dispatcher returns the due variant dispatcher.
func (m *Module) Dispatcher() *jobs.Dispatcher {
	return m.container.Dispatcher()
}

// TokenWatcher returns the credential expiry sweep.
func (m *Module) TokenWatcher() *jobs.TokenWatcher {
	return m.container.TokenWatcher()
}

// Health returns the dependency checker behind /healthz and the health sweep.
func (m *Module) Health() *health.Checker {
	return m.container.HealthChecker()
}

// Close releases connections the module opened.
func (m *Module) Close() error {
	return m.container.Close()
}
