package commands

import (
	"errors"

	command "github.com/goliatone/go-command"

	internalcommands "github.com/goliatone/go-omnipost/internal/commands"
	approvalscmd "github.com/goliatone/go-omnipost/internal/commands/approvals"
	auditcmd "github.com/goliatone/go-omnipost/internal/commands/audit"
	crisiscmd "github.com/goliatone/go-omnipost/internal/commands/crisis"
	publishingcmd "github.com/goliatone/go-omnipost/internal/commands/publishing"
	sweepscmd "github.com/goliatone/go-omnipost/internal/commands/sweeps"
	"github.com/goliatone/go-omnipost/internal/di"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// CommandRegistry records command handlers so hosts can expose them via CLI or cron.
type CommandRegistry interface {
	RegisterCommand(handler any) error
}

// CommandDispatcher subscribes command handlers to a dispatcher implementation.
type CommandDispatcher interface {
	RegisterCommand(handler any) (CommandSubscription, error)
}

// CommandSubscription allows hosts to tear down dispatcher subscriptions.
type CommandSubscription interface {
	Unsubscribe()
}

// CronRegistrar registers command handlers with a cron scheduler.
type CronRegistrar func(command.HandlerConfig, any) error

// RegistrationOptions configures how handlers are registered during construction.
type RegistrationOptions struct {
	Registry       CommandRegistry
	Dispatcher     CommandDispatcher
	CronRegistrar  CronRegistrar
	LoggerProvider interfaces.LoggerProvider
	// DisableSweeps skips the dispatch, worker, token and health sweeps when the host
	// runs those loops itself.
	DisableSweeps bool
}

// RegistrationResult captures the constructed command handlers and any dispatcher subscriptions.
type RegistrationResult struct {
	Handlers      []any
	Subscriptions []CommandSubscription
}

// RegisterContainerCommands builds the command handlers exposed by the provided container and
// optionally registers them with registry/dispatcher/cron integrations.
func RegisterContainerCommands(container *di.Container, opts RegistrationOptions) (*RegistrationResult, error) {
	if container == nil {
		return &RegistrationResult{}, nil
	}

	cfg := container.Config
	recorder := container.Metrics()

	provider := opts.LoggerProvider
	if provider == nil {
		provider = container.LoggerProvider()
	}

	if opts.Registry != nil && opts.CronRegistrar != nil {
		if reg, ok := opts.Registry.(interface {
			SetCronRegister(func(command.HandlerConfig, any) error) *command.Registry
		}); ok && reg != nil {
			reg.SetCronRegister(opts.CronRegistrar)
		}
	}

	result := &RegistrationResult{
		Handlers:      make([]any, 0),
		Subscriptions: make([]CommandSubscription, 0),
	}

	var errs error

	register := func(handler any) {
		if handler == nil {
			return
		}
		result.Handlers = append(result.Handlers, handler)

		if opts.Registry != nil {
			if err := opts.Registry.RegisterCommand(handler); err != nil {
				errs = errors.Join(errs, err)
			}
		}

		if opts.Dispatcher != nil {
			subscription, err := opts.Dispatcher.RegisterCommand(handler)
			if err != nil {
				errs = errors.Join(errs, err)
			} else if subscription != nil {
				result.Subscriptions = append(result.Subscriptions, subscription)
			}
		}

		if opts.CronRegistrar != nil {
			if cronCmd, ok := handler.(command.CronCommand); ok {
				if err := opts.CronRegistrar(cronCmd.CronOptions(), cronCmd.CronHandler()); err != nil {
					errs = errors.Join(errs, err)
				}
			}
		}
	}

	loggerFor := func(module string) interfaces.Logger {
		return internalcommands.CommandLogger(provider, module)
	}

	// Publishing commands.
	if service := container.PublishingService(); service != nil {
		logger := loggerFor("publishing")
		register(publishingcmd.NewScheduleVariantHandler(service, logger, recorder))
		register(publishingcmd.NewPublishNowHandler(service, logger, recorder))
		register(publishingcmd.NewRescheduleVariantHandler(service, logger, recorder))
	}

	// Crisis commands.
	if sw := container.CrisisSwitch(); sw != nil {
		logger := loggerFor("crisis")
		register(crisiscmd.NewEnableCrisisHandler(sw, logger, recorder))
		register(crisiscmd.NewDisableCrisisHandler(sw, logger, recorder))
	}

	// Approval commands.
	if service := container.ApprovalService(); service != nil {
		logger := loggerFor("approvals")
		register(approvalscmd.NewSubmitContentHandler(service, logger, recorder))
		register(approvalscmd.NewApproveContentHandler(service, logger, recorder))
		register(approvalscmd.NewRejectContentHandler(service, logger, recorder))
		register(approvalscmd.NewEscalateOverdueHandler(service, logger, recorder,
			approvalscmd.EscalateWithCronExpression(cfg.Commands.EscalationCron)))
	}

	// Sweeps.
	if !opts.DisableSweeps {
		logger := loggerFor("sweeps")
		if dispatcher := container.Dispatcher(); dispatcher != nil {
			register(sweepscmd.NewDispatchDueHandler(dispatcher, logger, recorder, cfg.Commands.DispatchCron))
		}
		if worker := container.JobWorker(); worker != nil {
			register(sweepscmd.NewProcessJobsHandler(worker, logger, recorder, cfg.Commands.WorkerCron))
		}
		if watcher := container.TokenWatcher(); watcher != nil {
			register(sweepscmd.NewWatchTokensHandler(watcher, logger, recorder, cfg.Commands.TokenWatchCron))
		}
		if checker := container.HealthChecker(); checker != nil {
			register(sweepscmd.NewHealthSweepHandler(checker, logger, recorder, cfg.Commands.HealthCron))
		}
	}

	// Audit commands.
	if recorder := container.AuditRecorder(); recorder != nil {
		register(auditcmd.NewExportAuditHandler(recorder, loggerFor("audit")))
	}

	if errs != nil && len(result.Handlers) == 0 {
		return result, errs
	}

	if len(result.Handlers) == 0 {
		return result, errors.New("no command handlers registered; ensure services are configured")
	}

	return result, errs
}
