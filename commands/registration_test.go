package commands

import (
	"errors"
	"testing"

	command "github.com/goliatone/go-command"

	approvalscmd "github.com/goliatone/go-omnipost/internal/commands/approvals"
	auditcmd "github.com/goliatone/go-omnipost/internal/commands/audit"
	sweepscmd "github.com/goliatone/go-omnipost/internal/commands/sweeps"
	"github.com/goliatone/go-omnipost/internal/di"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/runtimeconfig"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

type noopProvider struct{}

func (noopProvider) GetLogger(string) interfaces.Logger { return logging.NoOp() }

func newContainer(t *testing.T, mutate func(*runtimeconfig.Config)) *di.Container {
	t.Helper()
	cfg := runtimeconfig.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	container, err := di.NewContainer(cfg, di.WithLoggerProvider(noopProvider{}))
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	return container
}

func TestRegisterContainerCommandsBuildsHandlers(t *testing.T) {
	container := newContainer(t, func(cfg *runtimeconfig.Config) {
		cfg.Commands.EscalationCron = "@every 15m"
	})

	registry := &recordingRegistry{}
	dispatcher := &recordingDispatcher{}
	cron := &recordingCron{}

	result, err := RegisterContainerCommands(container, RegistrationOptions{
		Registry:      registry,
		Dispatcher:    dispatcher,
		CronRegistrar: cron.Registrar(),
	})
	if err != nil {
		t.Fatalf("register commands: %v", err)
	}

	// 3 publishing, 2 crisis, 4 approvals, 4 sweeps, 1 audit.
	if len(result.Handlers) != 14 {
		t.Fatalf("expected 14 handlers, got %d", len(result.Handlers))
	}
	if len(result.Handlers) != len(registry.handlers) {
		t.Fatalf("expected registry to record all handlers, got %d of %d", len(registry.handlers), len(result.Handlers))
	}
	if len(dispatcher.subscriptions) != len(result.Handlers) {
		t.Fatalf("expected a subscription per handler, got %d", len(dispatcher.subscriptions))
	}
	if len(cron.registrations) != 5 {
		t.Fatalf("expected escalation and four sweeps on cron, got %d", len(cron.registrations))
	}
	expressions := map[string]bool{}
	for _, reg := range cron.registrations {
		expressions[reg.config.Expression] = true
		if reg.handler == nil {
			t.Fatal("expected cron handler func")
		}
	}
	for _, want := range []string{"@every 15m", "@every 1m", "@every 5s", "@every 1h", "@every 5m"} {
		if !expressions[want] {
			t.Fatalf("expected cron expression %q in %v", want, expressions)
		}
	}
}

func TestRegisterContainerCommandsWithoutRegistrars(t *testing.T) {
	container := newContainer(t, nil)

	result, err := RegisterContainerCommands(container, RegistrationOptions{DisableSweeps: true})
	if err != nil {
		t.Fatalf("register commands: %v", err)
	}
	if len(result.Subscriptions) != 0 {
		t.Fatalf("expected no dispatcher subscriptions without dispatcher, got %d", len(result.Subscriptions))
	}

	var hasExport, hasEscalate bool
	for _, handler := range result.Handlers {
		switch handler.(type) {
		case *auditcmd.ExportAuditHandler:
			hasExport = true
		case *approvalscmd.EscalateOverdueHandler:
			hasEscalate = true
		case *sweepscmd.DispatchDueHandler, *sweepscmd.ProcessJobsHandler, *sweepscmd.WatchTokensHandler, *sweepscmd.HealthSweepHandler:
			t.Fatalf("expected sweeps to be skipped, got %T", handler)
		}
	}
	if !hasExport || !hasEscalate {
		t.Fatalf("expected export and escalation handlers, got export=%v escalate=%v", hasExport, hasEscalate)
	}
}

func TestRegisterContainerCommandsJoinsRegistrarErrors(t *testing.T) {
	container := newContainer(t, nil)
	cron := &recordingCron{err: errors.New("cron down")}

	result, err := RegisterContainerCommands(container, RegistrationOptions{CronRegistrar: cron.Registrar()})
	if !errors.Is(err, cron.err) {
		t.Fatalf("expected cron error, got %v", err)
	}
	if len(result.Handlers) == 0 {
		t.Fatal("expected handlers to be returned alongside the error")
	}
}

func TestRegisterContainerCommandsNilContainer(t *testing.T) {
	result, err := RegisterContainerCommands(nil, RegistrationOptions{})
	if err != nil || len(result.Handlers) != 0 {
		t.Fatalf("expected empty result, got %v %v", result, err)
	}
}

type recordingRegistry struct {
	handlers []any
}

func (r *recordingRegistry) RegisterCommand(handler any) error {
	r.handlers = append(r.handlers, handler)
	return nil
}

type cronRegistration struct {
	config  command.HandlerConfig
	handler func() error
}

type recordingCron struct {
	registrations []cronRegistration
	err           error
}

func (c *recordingCron) Registrar() CronRegistrar {
	return func(cfg command.HandlerConfig, handler any) error {
		if c.err != nil {
			return c.err
		}
		var fn func() error
		if h, ok := handler.(func() error); ok {
			fn = h
		}
		c.registrations = append(c.registrations, cronRegistration{
			config:  cfg,
			handler: fn,
		})
		return nil
	}
}

type recordingDispatcher struct {
	subscriptions []*recordingSubscription
}

func (d *recordingDispatcher) RegisterCommand(handler any) (CommandSubscription, error) {
	sub := &recordingSubscription{handler: handler}
	d.subscriptions = append(d.subscriptions, sub)
	return sub, nil
}

type recordingSubscription struct {
	handler      any
	unsubscribed bool
}

func (s *recordingSubscription) Unsubscribe() {
	s.unsubscribed = true
}
