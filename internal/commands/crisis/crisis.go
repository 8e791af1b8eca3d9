package crisiscmd

import (
	"context"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	command "github.com/goliatone/go-command"
	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/commands"
	"github.com/goliatone/go-omnipost/internal/crisis"
	"github.com/goliatone/go-omnipost/internal/metrics"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

const (
	enableCrisisMessageType  = "omnipost.crisis.enable"
	disableCrisisMessageType = "omnipost.crisis.disable"
)

// Switch is the slice of the crisis switch driven by commands.
type Switch interface {
	Enable(ctx context.Context, req crisis.EnableRequest) error
	Disable(ctx context.Context, req crisis.DisableRequest) error
}

// EnableCrisisCommand halts publication for a brand, optionally for one platform.
type EnableCrisisCommand struct {
	BrandID  uuid.UUID `json:"brand_id"`
	Platform string    `json:"platform,omitempty"`
	ActorID  uuid.UUID `json:"actor_id"`
}

// Type implements command.Message.
func (EnableCrisisCommand) Type() string { return enableCrisisMessageType }

// Validate requires the brand and the acting user.
func (m EnableCrisisCommand) Validate() error {
	return validateScope("omnipost.crisis.enable", m.BrandID, m.ActorID, m.Platform)
}

// DisableCrisisCommand lifts crisis mode.
type DisableCrisisCommand struct {
	BrandID  uuid.UUID `json:"brand_id"`
	Platform string    `json:"platform,omitempty"`
	ActorID  uuid.UUID `json:"actor_id"`
}

// Type implements command.Message.
func (DisableCrisisCommand) Type() string { return disableCrisisMessageType }

// Validate requires the brand and the acting user.
func (m DisableCrisisCommand) Validate() error {
	return validateScope("omnipost.crisis.disable", m.BrandID, m.ActorID, m.Platform)
}

func validateScope(prefix string, brandID, actorID uuid.UUID, platform string) error {
	errs := validation.Errors{}
	if brandID == uuid.Nil {
		errs["brand_id"] = validation.NewError(prefix+".brand_id_required", "brand_id is required")
	}
	if actorID == uuid.Nil {
		errs["actor_id"] = validation.NewError(prefix+".actor_id_required", "actor_id is required")
	}
	if platform != "" && strings.TrimSpace(platform) == "" {
		errs["platform"] = validation.NewError(prefix+".platform_invalid", "platform must not be blank")
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// EnableCrisisHandler turns the kill switch on.
type EnableCrisisHandler struct {
	inner *commands.Handler[EnableCrisisCommand]
}

func NewEnableCrisisHandler(sw Switch, logger interfaces.Logger, recorder metrics.Recorder, opts ...commands.HandlerOption[EnableCrisisCommand]) *EnableCrisisHandler {
	exec := func(ctx context.Context, msg EnableCrisisCommand) error {
		return sw.Enable(ctx, crisis.EnableRequest{
			BrandID:  msg.BrandID,
			Platform: msg.Platform,
			ActorID:  msg.ActorID,
		})
	}
	handlerOpts := commands.Instrument[EnableCrisisCommand](logger, recorder, "crisis.enable")
	handlerOpts = append(handlerOpts, opts...)
	return &EnableCrisisHandler{inner: commands.NewHandler(exec, handlerOpts...)}
}

// Execute satisfies command.Commander[EnableCrisisCommand].
func (h *EnableCrisisHandler) Execute(ctx context.Context, msg EnableCrisisCommand) error {
	return h.inner.Execute(ctx, msg)
}

// CLIHandler exposes the handler to CLI integrations.
func (h *EnableCrisisHandler) CLIHandler() any {
	return h
}

// CLIOptions describes the CLI metadata for enabling crisis mode.
func (h *EnableCrisisHandler) CLIOptions() command.CLIConfig {
	return command.CLIConfig{
		Path:        []string{"crisis", "enable"},
		Group:       "crisis",
		Description: "Halt publication for a brand or one of its platforms",
	}
}

// DisableCrisisHandler turns the kill switch off.
type DisableCrisisHandler struct {
	inner *commands.Handler[DisableCrisisCommand]
}

func NewDisableCrisisHandler(sw Switch, logger interfaces.Logger, recorder metrics.Recorder, opts ...commands.HandlerOption[DisableCrisisCommand]) *DisableCrisisHandler {
	exec := func(ctx context.Context, msg DisableCrisisCommand) error {
		return sw.Disable(ctx, crisis.DisableRequest{
			BrandID:  msg.BrandID,
			Platform: msg.Platform,
			ActorID:  msg.ActorID,
		})
	}
	handlerOpts := commands.Instrument[DisableCrisisCommand](logger, recorder, "crisis.disable")
	handlerOpts = append(handlerOpts, opts...)
	return &DisableCrisisHandler{inner: commands.NewHandler(exec, handlerOpts...)}
}

// Execute satisfies command.Commander[DisableCrisisCommand].
func (h *DisableCrisisHandler) Execute(ctx context.Context, msg DisableCrisisCommand) error {
	return h.inner.Execute(ctx, msg)
}

// CLIHandler exposes the handler to CLI integrations.
func (h *DisableCrisisHandler) CLIHandler() any {
	return h
}

// CLIOptions describes the CLI metadata for disabling crisis mode.
func (h *DisableCrisisHandler) CLIOptions() command.CLIConfig {
	return command.CLIConfig{
		Path:        []string{"crisis", "disable"},
		Group:       "crisis",
		Description: "Resume publication for a brand or one of its platforms",
	}
}
