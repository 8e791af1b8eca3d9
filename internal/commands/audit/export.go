package auditcmd

import (
	"context"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	command "github.com/goliatone/go-command"
	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/audit"
	"github.com/goliatone/go-omnipost/internal/commands"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

const exportAuditMessageType = "omnipost.audit.export"

// AuditLog exposes read operations for recorded audit events.
type AuditLog interface {
	List(ctx context.Context, filter audit.Filter) ([]audit.Event, error)
}

// ExportAuditCommand retrieves recorded audit events and emits them through the logger.
type ExportAuditCommand struct {
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
	Action     string `json:"action,omitempty"`
	MaxRecords *int   `json:"max_records,omitempty"`
}

// Type implements command.Message.
func (ExportAuditCommand) Type() string { return exportAuditMessageType }

// Validate ensures the command payload is well-formed.
func (m ExportAuditCommand) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.MaxRecords, validation.By(func(value any) error {
			if m.MaxRecords == nil {
				return nil
			}
			if *m.MaxRecords < 0 {
				return validation.NewError("omnipost.audit.export.max_records_invalid", "max_records must be zero or positive")
			}
			return nil
		})),
		validation.Field(&m.EntityID, validation.By(func(value any) error {
			if strings.TrimSpace(m.EntityID) != "" && strings.TrimSpace(m.EntityType) == "" {
				return validation.NewError("omnipost.audit.export.entity_type_required", "entity_type is required with entity_id")
			}
			return nil
		})),
	)
}

func (m ExportAuditCommand) filter() audit.Filter {
	filter := audit.Filter{
		EntityType: strings.TrimSpace(m.EntityType),
		EntityID:   strings.TrimSpace(m.EntityID),
		Action:     strings.TrimSpace(m.Action),
	}
	if m.MaxRecords != nil {
		filter.Limit = *m.MaxRecords
	}
	return filter
}

// ExportAuditHandler logs recorded audit events up to the provided limit.
type ExportAuditHandler struct {
	log     AuditLog
	logger  interfaces.Logger
	timeout time.Duration
}

// ExportHandlerOption customises the export handler.
type ExportHandlerOption func(*ExportAuditHandler)

// ExportWithTimeout overrides the default execution timeout.
func ExportWithTimeout(timeout time.Duration) ExportHandlerOption {
	return func(h *ExportAuditHandler) {
		h.timeout = timeout
	}
}

// NewExportAuditHandler constructs a handler wired to the provided audit log implementation.
func NewExportAuditHandler(log AuditLog, logger interfaces.Logger, opts ...ExportHandlerOption) *ExportAuditHandler {
	handler := &ExportAuditHandler{
		log:     log,
		logger:  logging.OrNoOp(logger),
		timeout: commands.DefaultTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(handler)
		}
	}
	return handler
}

// Execute satisfies command.Commander[ExportAuditCommand].
func (h *ExportAuditHandler) Execute(ctx context.Context, msg ExportAuditCommand) error {
	if err := commands.WrapValidationError(command.ValidateMessage(msg)); err != nil {
		return err
	}
	ctx, cancel := commands.Bound(ctx, h.timeout)
	defer cancel()

	if err := ctx.Err(); err != nil {
		return commands.WrapContextError(err)
	}

	filter := msg.filter()
	if msg.MaxRecords != nil && *msg.MaxRecords == 0 {
		return nil
	}
	events, err := h.log.List(ctx, filter)
	if err != nil {
		return commands.WrapExecuteError(err)
	}
	limit := len(events)
	if filter.Limit > 0 && filter.Limit < limit {
		limit = filter.Limit
	}

	baseLogger := logging.WithFields(h.logger, map[string]any{
		"operation":   "audit.export",
		"entity_type": filter.EntityType,
		"action":      filter.Action,
	})

	for idx := 0; idx < limit; idx++ {
		event := events[idx]
		fields := map[string]any{
			"index":       idx,
			"entity_type": event.EntityType,
			"entity_id":   event.EntityID,
			"action":      event.Action,
			"occurred_at": event.OccurredAt.Format(time.RFC3339),
			"metadata":    event.Metadata,
		}
		if event.ActorID != uuid.Nil {
			fields["actor_id"] = event.ActorID.String()
		}
		logging.WithFields(baseLogger, fields).Debug("audit.command.export.event")
	}

	logging.WithFields(baseLogger, map[string]any{
		"exported": limit,
		"total":    len(events),
	}).Info("audit.command.export.completed")
	return nil
}

// CLIHandler satisfies command.CLICommand by returning the handler.
func (h *ExportAuditHandler) CLIHandler() any {
	return h
}

// CLIOptions describes the CLI metadata for audit export.
func (h *ExportAuditHandler) CLIOptions() command.CLIConfig {
	return command.CLIConfig{
		Path:        []string{"audit", "export"},
		Group:       "audit",
		Description: "Export crisis, approval and publication audit events to the logger",
	}
}
