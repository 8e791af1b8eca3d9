package approvalscmd

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	command "github.com/goliatone/go-command"

	"github.com/goliatone/go-omnipost/internal/commands"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/metrics"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

const escalateOverdueMessageType = "omnipost.approvals.escalate_overdue"

// EscalateOverdueCommand runs one approval SLA sweep.
type EscalateOverdueCommand struct{}

// Type implements command.Message.
func (EscalateOverdueCommand) Type() string { return escalateOverdueMessageType }

// Validate satisfies command.Message.
func (EscalateOverdueCommand) Validate() error {
	return validation.ValidateStruct(&EscalateOverdueCommand{})
}

type escalateHandlerConfig struct {
	cronConfig command.HandlerConfig
	timeout    time.Duration
}

// EscalateHandlerOption customises the escalation handler.
type EscalateHandlerOption func(*escalateHandlerConfig)

// EscalateWithCronExpression overrides the cron expression of the sweep.
func EscalateWithCronExpression(expression string) EscalateHandlerOption {
	return func(cfg *escalateHandlerConfig) {
		if trimmed := strings.TrimSpace(expression); trimmed != "" {
			cfg.cronConfig.Expression = trimmed
		}
	}
}

// EscalateWithTimeout overrides the default execution timeout.
func EscalateWithTimeout(timeout time.Duration) EscalateHandlerOption {
	return func(cfg *escalateHandlerConfig) {
		cfg.timeout = timeout
	}
}

// EscalateOverdueHandler notifies approvers about items past their SLA.
type EscalateOverdueHandler struct {
	inner      *commands.Handler[EscalateOverdueCommand]
	cronConfig command.HandlerConfig
}

func NewEscalateOverdueHandler(service Service, logger interfaces.Logger, recorder metrics.Recorder, opts ...EscalateHandlerOption) *EscalateOverdueHandler {
	cfg := escalateHandlerConfig{
		cronConfig: command.HandlerConfig{Expression: "@every 5m"},
		timeout:    commands.DefaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	logger = logging.OrNoOp(logger)
	exec := func(ctx context.Context, _ EscalateOverdueCommand) error {
		report, err := service.EscalateOverdue(ctx)
		if err != nil {
			return err
		}
		logging.WithFields(logger, map[string]any{
			"scanned":   report.Scanned,
			"escalated": report.Escalated,
		}).Debug("approvals.command.escalate.completed")
		return nil
	}
	handlerOpts := commands.Instrument[EscalateOverdueCommand](logger, recorder, "approvals.escalate_overdue")
	handlerOpts = append(handlerOpts, commands.WithTimeout[EscalateOverdueCommand](cfg.timeout))
	return &EscalateOverdueHandler{
		inner:      commands.NewHandler(exec, handlerOpts...),
		cronConfig: cfg.cronConfig,
	}
}

// Execute satisfies command.Commander[EscalateOverdueCommand].
func (h *EscalateOverdueHandler) Execute(ctx context.Context, msg EscalateOverdueCommand) error {
	return h.inner.Execute(ctx, msg)
}

// CronHandler satisfies command.CronCommand.
func (h *EscalateOverdueHandler) CronHandler() func() error {
	return func() error {
		return h.Execute(context.Background(), EscalateOverdueCommand{})
	}
}

// CronOptions satisfies command.CronCommand.
func (h *EscalateOverdueHandler) CronOptions() command.HandlerConfig {
	return h.cronConfig
}

// CLIHandler exposes the sweep to CLI integrations.
func (h *EscalateOverdueHandler) CLIHandler() any {
	return h
}

// CLIOptions describes the CLI metadata for the escalation sweep.
func (h *EscalateOverdueHandler) CLIOptions() command.CLIConfig {
	return command.CLIConfig{
		Path:        []string{"approvals", "escalate"},
		Group:       "approvals",
		Description: "Escalate approvals that passed their SLA",
	}
}
