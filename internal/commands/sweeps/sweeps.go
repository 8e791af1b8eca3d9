package sweepscmd

import (
	"context"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	command "github.com/goliatone/go-command"

	"github.com/goliatone/go-omnipost/internal/commands"
	"github.com/goliatone/go-omnipost/internal/health"
	"github.com/goliatone/go-omnipost/internal/jobs"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/metrics"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

const (
	dispatchDueMessageType = "omnipost.sweeps.dispatch_due"
	processJobsMessageType = "omnipost.sweeps.process_jobs"
	watchTokensMessageType = "omnipost.sweeps.watch_tokens"
	healthSweepMessageType = "omnipost.sweeps.health"
)

// Dispatcher turns due variants into jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context) (jobs.DispatchReport, error)
}

// Worker runs claimed publish jobs.
type Worker interface {
	Process(ctx context.Context) (int, error)
}

// TokenWatcher refreshes or flags expiring credentials.
type TokenWatcher interface {
	Run(ctx context.Context) (jobs.TokenReport, error)
}

// HealthSweeper checks dependencies and alerts on queue backlog.
type HealthSweeper interface {
	Sweep(ctx context.Context) (health.SweepReport, error)
}

// DispatchDueCommand runs one dispatcher pass.
type DispatchDueCommand struct{}

// Type implements command.Message.
func (DispatchDueCommand) Type() string { return dispatchDueMessageType }

// Validate satisfies command.Message.
func (DispatchDueCommand) Validate() error {
	return validation.ValidateStruct(&DispatchDueCommand{})
}

// ProcessJobsCommand drains one batch of due jobs through the worker.
type ProcessJobsCommand struct{}

// Type implements command.Message.
func (ProcessJobsCommand) Type() string { return processJobsMessageType }

// Validate satisfies command.Message.
func (ProcessJobsCommand) Validate() error {
	return validation.ValidateStruct(&ProcessJobsCommand{})
}

// WatchTokensCommand runs one token expiry sweep.
type WatchTokensCommand struct{}

// Type implements command.Message.
func (WatchTokensCommand) Type() string { return watchTokensMessageType }

// Validate satisfies command.Message.
func (WatchTokensCommand) Validate() error {
	return validation.ValidateStruct(&WatchTokensCommand{})
}

// HealthSweepCommand runs one health sweep.
type HealthSweepCommand struct{}

// Type implements command.Message.
func (HealthSweepCommand) Type() string { return healthSweepMessageType }

// Validate satisfies command.Message.
func (HealthSweepCommand) Validate() error {
	return validation.ValidateStruct(&HealthSweepCommand{})
}

// cronHandler is the shape shared by every sweep handler.
type cronHandler[T command.Message] struct {
	inner      *commands.Handler[T]
	cronConfig command.HandlerConfig
	cli        command.CLIConfig
}

func newCronHandler[T command.Message](exec command.CommandFunc[T], logger interfaces.Logger, recorder metrics.Recorder, operation, expression string, cli command.CLIConfig) cronHandler[T] {
	return cronHandler[T]{
		inner:      commands.NewHandler(exec, commands.Instrument[T](logger, recorder, operation)...),
		cronConfig: command.HandlerConfig{Expression: strings.TrimSpace(expression)},
		cli:        cli,
	}
}

func (h cronHandler[T]) run(ctx context.Context) error {
	var msg T
	return h.inner.Execute(ctx, msg)
}

// DispatchDueHandler runs the dispatcher on demand or on a cron.
type DispatchDueHandler struct {
	cronHandler[DispatchDueCommand]
}

func NewDispatchDueHandler(dispatcher Dispatcher, logger interfaces.Logger, recorder metrics.Recorder, expression string) *DispatchDueHandler {
	logger = logging.OrNoOp(logger)
	exec := func(ctx context.Context, _ DispatchDueCommand) error {
		report, err := dispatcher.Dispatch(ctx)
		if err != nil {
			return err
		}
		logging.WithFields(logger, map[string]any{
			"due":       report.Due,
			"enqueued":  report.Enqueued,
			"recovered": report.Recovered,
			"held":      report.Held,
		}).Debug("sweeps.command.dispatch.completed")
		return nil
	}
	return &DispatchDueHandler{newCronHandler(exec, logger, recorder, "sweeps.dispatch_due", defaultExpression(expression, "@every 30s"), command.CLIConfig{
		Path:        []string{"sweeps", "dispatch"},
		Group:       "sweeps",
		Description: "Enqueue publish jobs for due and stalled variants",
	})}
}

// Execute satisfies command.Commander[DispatchDueCommand].
func (h *DispatchDueHandler) Execute(ctx context.Context, msg DispatchDueCommand) error {
	return h.inner.Execute(ctx, msg)
}

// CronHandler satisfies command.CronCommand.
func (h *DispatchDueHandler) CronHandler() func() error {
	return func() error { return h.run(context.Background()) }
}

// CronOptions satisfies command.CronCommand.
func (h *DispatchDueHandler) CronOptions() command.HandlerConfig { return h.cronConfig }

// CLIHandler exposes the handler to CLI integrations.
func (h *DispatchDueHandler) CLIHandler() any { return h }

// CLIOptions describes the CLI metadata.
func (h *DispatchDueHandler) CLIOptions() command.CLIConfig { return h.cli }

// ProcessJobsHandler drains due jobs through the worker.
type ProcessJobsHandler struct {
	cronHandler[ProcessJobsCommand]
}

func NewProcessJobsHandler(worker Worker, logger interfaces.Logger, recorder metrics.Recorder, expression string) *ProcessJobsHandler {
	logger = logging.OrNoOp(logger)
	exec := func(ctx context.Context, _ ProcessJobsCommand) error {
		processed, err := worker.Process(ctx)
		if err != nil {
			return err
		}
		logging.WithFields(logger, map[string]any{"processed": processed}).Debug("sweeps.command.process.completed")
		return nil
	}
	return &ProcessJobsHandler{newCronHandler(exec, logger, recorder, "sweeps.process_jobs", defaultExpression(expression, "@every 10s"), command.CLIConfig{
		Path:        []string{"sweeps", "process"},
		Group:       "sweeps",
		Description: "Run due publish jobs",
	})}
}

// Execute satisfies command.Commander[ProcessJobsCommand].
func (h *ProcessJobsHandler) Execute(ctx context.Context, msg ProcessJobsCommand) error {
	return h.inner.Execute(ctx, msg)
}

// CronHandler satisfies command.CronCommand.
func (h *ProcessJobsHandler) CronHandler() func() error {
	return func() error { return h.run(context.Background()) }
}

// CronOptions satisfies command.CronCommand.
func (h *ProcessJobsHandler) CronOptions() command.HandlerConfig { return h.cronConfig }

// CLIHandler exposes the handler to CLI integrations.
func (h *ProcessJobsHandler) CLIHandler() any { return h }

// CLIOptions describes the CLI metadata.
func (h *ProcessJobsHandler) CLIOptions() command.CLIConfig { return h.cli }

// WatchTokensHandler runs the token expiry sweep.
type WatchTokensHandler struct {
	cronHandler[WatchTokensCommand]
}

func NewWatchTokensHandler(watcher TokenWatcher, logger interfaces.Logger, recorder metrics.Recorder, expression string) *WatchTokensHandler {
	logger = logging.OrNoOp(logger)
	exec := func(ctx context.Context, _ WatchTokensCommand) error {
		report, err := watcher.Run(ctx)
		if err != nil {
			return err
		}
		logging.WithFields(logger, map[string]any{
			"scanned":   report.Scanned,
			"refreshed": report.Refreshed,
			"expired":   report.Expired,
			"notified":  report.Notified,
		}).Debug("sweeps.command.tokens.completed")
		return nil
	}
	return &WatchTokensHandler{newCronHandler(exec, logger, recorder, "sweeps.watch_tokens", defaultExpression(expression, "@every 1h"), command.CLIConfig{
		Path:        []string{"sweeps", "tokens"},
		Group:       "sweeps",
		Description: "Refresh or flag account tokens close to expiry",
	})}
}

// Execute satisfies command.Commander[WatchTokensCommand].
func (h *WatchTokensHandler) Execute(ctx context.Context, msg WatchTokensCommand) error {
	return h.inner.Execute(ctx, msg)
}

// CronHandler satisfies command.CronCommand.
func (h *WatchTokensHandler) CronHandler() func() error {
	return func() error { return h.run(context.Background()) }
}

// CronOptions satisfies command.CronCommand.
func (h *WatchTokensHandler) CronOptions() command.HandlerConfig { return h.cronConfig }

// CLIHandler exposes the handler to CLI integrations.
func (h *WatchTokensHandler) CLIHandler() any { return h }

// CLIOptions describes the CLI metadata.
func (h *WatchTokensHandler) CLIOptions() command.CLIConfig { return h.cli }

// HealthSweepHandler records queue depth and raises queue_depth alerts.
type HealthSweepHandler struct {
	cronHandler[HealthSweepCommand]
}

func NewHealthSweepHandler(sweeper HealthSweeper, logger interfaces.Logger, recorder metrics.Recorder, expression string) *HealthSweepHandler {
	logger = logging.OrNoOp(logger)
	exec := func(ctx context.Context, _ HealthSweepCommand) error {
		report, err := sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		entry := logging.WithFields(logger, map[string]any{
			"pending": report.Pending,
			"alerted": report.Alerted,
		})
		if len(report.Failures) > 0 {
			entry.Warn("sweeps.command.health.degraded", "failures", report.Failures)
			return nil
		}
		entry.Debug("sweeps.command.health.completed")
		return nil
	}
	return &HealthSweepHandler{newCronHandler(exec, logger, recorder, "sweeps.health", defaultExpression(expression, "@every 5m"), command.CLIConfig{
		Path:        []string{"sweeps", "health"},
		Group:       "sweeps",
		Description: "Check dependencies and alert on publish queue backlog",
	})}
}

// Execute satisfies command.Commander[HealthSweepCommand].
func (h *HealthSweepHandler) Execute(ctx context.Context, msg HealthSweepCommand) error {
	return h.inner.Execute(ctx, msg)
}

// CronHandler satisfies command.CronCommand.
func (h *HealthSweepHandler) CronHandler() func() error {
	return func() error { return h.run(context.Background()) }
}

// CronOptions satisfies command.CronCommand.
func (h *HealthSweepHandler) CronOptions() command.HandlerConfig { return h.cronConfig }

// CLIHandler exposes the handler to CLI integrations.
func (h *HealthSweepHandler) CLIHandler() any { return h }

// CLIOptions describes the CLI metadata.
func (h *HealthSweepHandler) CLIOptions() command.CLIConfig { return h.cli }

func defaultExpression(expression, fallback string) string {
	if trimmed := strings.TrimSpace(expression); trimmed != "" {
		return trimmed
	}
	return fallback
}
