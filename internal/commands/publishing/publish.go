package publishingcmd

import (
	"context"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	command "github.com/goliatone/go-command"
	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/commands"
	"github.com/goliatone/go-omnipost/internal/metrics"
	"github.com/goliatone/go-omnipost/internal/publishing"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

const (
	scheduleVariantMessageType   = "omnipost.publishing.schedule"
	publishNowMessageType        = "omnipost.publishing.publish_now"
	rescheduleVariantMessageType = "omnipost.publishing.reschedule"
)

// Service is the slice of the publishing service driven by commands.
type Service interface {
	ScheduleVariant(ctx context.Context, req publishing.ScheduleRequest) (*publishing.Variant, error)
	PublishNow(ctx context.Context, req publishing.PublishNowRequest) (*publishing.Variant, error)
	Reschedule(ctx context.Context, req publishing.RescheduleRequest) (*publishing.Variant, error)
}

// ScheduleVariantCommand moves a draft variant of approved content to scheduled.
type ScheduleVariantCommand struct {
	VariantID   uuid.UUID `json:"variant_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ActorID     uuid.UUID `json:"actor_id,omitempty"`
}

// Type implements command.Message.
func (ScheduleVariantCommand) Type() string { return scheduleVariantMessageType }

// Validate ensures the variant and the run time are present.
func (m ScheduleVariantCommand) Validate() error {
	errs := validation.Errors{}
	if m.VariantID == uuid.Nil {
		errs["variant_id"] = validation.NewError("omnipost.publishing.schedule.variant_id_required", "variant_id is required")
	}
	if m.ScheduledAt.IsZero() {
		errs["scheduled_at"] = validation.NewError("omnipost.publishing.schedule.scheduled_at_required", "scheduled_at is required")
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// PublishNowCommand starts a fresh publish cycle that runs immediately.
type PublishNowCommand struct {
	VariantID uuid.UUID `json:"variant_id"`
	ActorID   uuid.UUID `json:"actor_id,omitempty"`
}

// Type implements command.Message.
func (PublishNowCommand) Type() string { return publishNowMessageType }

// Validate ensures the variant is present.
func (m PublishNowCommand) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.VariantID, validation.By(requiredUUID("omnipost.publishing.publish_now.variant_id_required"))),
	)
}

// RescheduleVariantCommand starts a fresh cycle at a new time.
type RescheduleVariantCommand struct {
	VariantID   uuid.UUID `json:"variant_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ActorID     uuid.UUID `json:"actor_id,omitempty"`
}

// Type implements command.Message.
func (RescheduleVariantCommand) Type() string { return rescheduleVariantMessageType }

// Validate ensures the variant and the new run time are present.
func (m RescheduleVariantCommand) Validate() error {
	errs := validation.Errors{}
	if m.VariantID == uuid.Nil {
		errs["variant_id"] = validation.NewError("omnipost.publishing.reschedule.variant_id_required", "variant_id is required")
	}
	if m.ScheduledAt.IsZero() {
		errs["scheduled_at"] = validation.NewError("omnipost.publishing.reschedule.scheduled_at_required", "scheduled_at is required")
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func requiredUUID(code string) validation.RuleFunc {
	return func(value any) error {
		if id, ok := value.(uuid.UUID); ok && id != uuid.Nil {
			return nil
		}
		return validation.NewError(code, "value is required")
	}
}

// ScheduleVariantHandler schedules variants through the publishing service.
type ScheduleVariantHandler struct {
	inner *commands.Handler[ScheduleVariantCommand]
}

func NewScheduleVariantHandler(service Service, logger interfaces.Logger, recorder metrics.Recorder, opts ...commands.HandlerOption[ScheduleVariantCommand]) *ScheduleVariantHandler {
	exec := func(ctx context.Context, msg ScheduleVariantCommand) error {
		_, err := service.ScheduleVariant(ctx, publishing.ScheduleRequest{
			VariantID:   msg.VariantID,
			ScheduledAt: msg.ScheduledAt,
			ActorID:     msg.ActorID,
		})
		return err
	}
	handlerOpts := commands.Instrument[ScheduleVariantCommand](logger, recorder, "publishing.schedule")
	handlerOpts = append(handlerOpts, opts...)
	return &ScheduleVariantHandler{inner: commands.NewHandler(exec, handlerOpts...)}
}

// Execute satisfies command.Commander[ScheduleVariantCommand].
func (h *ScheduleVariantHandler) Execute(ctx context.Context, msg ScheduleVariantCommand) error {
	return h.inner.Execute(ctx, msg)
}

// PublishNowHandler starts an immediate publish cycle.
type PublishNowHandler struct {
	inner *commands.Handler[PublishNowCommand]
}

func NewPublishNowHandler(service Service, logger interfaces.Logger, recorder metrics.Recorder, opts ...commands.HandlerOption[PublishNowCommand]) *PublishNowHandler {
	exec := func(ctx context.Context, msg PublishNowCommand) error {
		_, err := service.PublishNow(ctx, publishing.PublishNowRequest{
			VariantID: msg.VariantID,
			ActorID:   msg.ActorID,
		})
		return err
	}
	handlerOpts := commands.Instrument[PublishNowCommand](logger, recorder, "publishing.publish_now")
	handlerOpts = append(handlerOpts, opts...)
	return &PublishNowHandler{inner: commands.NewHandler(exec, handlerOpts...)}
}

// Execute satisfies command.Commander[PublishNowCommand].
func (h *PublishNowHandler) Execute(ctx context.Context, msg PublishNowCommand) error {
	return h.inner.Execute(ctx, msg)
}

// CLIHandler exposes the handler to CLI integrations.
func (h *PublishNowHandler) CLIHandler() any {
	return h
}

// CLIOptions describes the CLI metadata for publish now.
func (h *PublishNowHandler) CLIOptions() command.CLIConfig {
	return command.CLIConfig{
		Path:        []string{"publishing", "publish-now"},
		Group:       "publishing",
		Description: "Start a fresh publish cycle for a variant immediately",
	}
}

// RescheduleVariantHandler moves a variant to a new publish time.
type RescheduleVariantHandler struct {
	inner *commands.Handler[RescheduleVariantCommand]
}

func NewRescheduleVariantHandler(service Service, logger interfaces.Logger, recorder metrics.Recorder, opts ...commands.HandlerOption[RescheduleVariantCommand]) *RescheduleVariantHandler {
	exec := func(ctx context.Context, msg RescheduleVariantCommand) error {
		_, err := service.Reschedule(ctx, publishing.RescheduleRequest{
			VariantID:   msg.VariantID,
			ScheduledAt: msg.ScheduledAt,
			ActorID:     msg.ActorID,
		})
		return err
	}
	handlerOpts := commands.Instrument[RescheduleVariantCommand](logger, recorder, "publishing.reschedule")
	handlerOpts = append(handlerOpts, opts...)
	return &RescheduleVariantHandler{inner: commands.NewHandler(exec, handlerOpts...)}
}

// Execute satisfies command.Commander[RescheduleVariantCommand].
func (h *RescheduleVariantHandler) Execute(ctx context.Context, msg RescheduleVariantCommand) error {
	return h.inner.Execute(ctx, msg)
}
