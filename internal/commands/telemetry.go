package commands

import (
	"context"
	"time"

	command "github.com/goliatone/go-command"

	"github.com/goliatone/go-omnipost/internal/metrics"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// TelemetryStatus captures the result category for command execution.
type TelemetryStatus string

const (
	// TelemetryStatusSuccess indicates the command completed without errors.
	TelemetryStatusSuccess TelemetryStatus = "success"
	// TelemetryStatusFailed indicates the command execution returned an error.
	TelemetryStatusFailed TelemetryStatus = "failed"
	// TelemetryStatusContextError indicates execution failed due to context cancellation or deadline.
	TelemetryStatusContextError TelemetryStatus = "context_error"
)

// TelemetryInfo describes a command execution outcome provided to telemetry callbacks.
type TelemetryInfo struct {
	Command   string
	Operation string
	Fields    map[string]any
	Duration  time.Duration
	Error     error
	Status    TelemetryStatus
	Logger    interfaces.Logger
}

// Telemetry represents an optional callback invoked after command execution.
type Telemetry[T command.Message] func(ctx context.Context, msg T, info TelemetryInfo)

// MetricsTelemetry reports command outcomes and durations to the recorder.
func MetricsTelemetry[T command.Message](recorder metrics.Recorder) Telemetry[T] {
	recorder = metrics.Ensure(recorder)
	return func(_ context.Context, _ T, info TelemetryInfo) {
		recorder.CommandExecuted(info.Command, string(info.Status), info.Duration)
	}
}

// Instrument builds the default option set shared by every omnipost handler.
func Instrument[T command.Message](logger interfaces.Logger, recorder metrics.Recorder, operation string) []HandlerOption[T] {
	return []HandlerOption[T]{
		WithLogger[T](logger),
		WithOperation[T](operation),
		WithTelemetry(MetricsTelemetry[T](recorder)),
	}
}
