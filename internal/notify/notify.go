// Package notify delivers operational alerts to administrators, approvers and
// managers. Delivery problems are logged and returned but callers treat them
// as non-fatal.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/metrics"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger interfaces.Logger
}

func NewLogNotifier(logger interfaces.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.NoOp()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, alert interfaces.Alert) error {
	args := []any{
		"kind", string(alert.Kind),
		"audience", audienceNames(alert.Audience),
		"subject", alert.Subject,
	}
	if alert.BrandID != "" {
		args = append(args, "brand_id", alert.BrandID)
	}
	if len(alert.Recipients) > 0 {
		args = append(args, "recipients", alert.Recipients)
	}
	for key, value := range alert.Context {
		args = append(args, key, value)
	}
	n.logger.Warn("notify.alert", args...)
	return nil
}

// Multi delivers to every notifier and joins the errors.
type Multi []interfaces.Notifier

func (m Multi) Notify(ctx context.Context, alert interfaces.Alert) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Instrumented counts deliveries through the metrics recorder.
type Instrumented struct {
	Next    interfaces.Notifier
	Metrics metrics.Recorder
}

func (n Instrumented) Notify(ctx context.Context, alert interfaces.Alert) error {
	recorder := metrics.Ensure(n.Metrics)
	if n.Next == nil {
		recorder.AlertSent(string(alert.Kind), "dropped")
		return nil
	}
	if err := n.Next.Notify(ctx, alert); err != nil {
		recorder.AlertSent(string(alert.Kind), "failed")
		return err
	}
	recorder.AlertSent(string(alert.Kind), "delivered")
	return nil
}

// Recording keeps alerts in memory; used by tests and local runs.
type Recording struct {
	mu     sync.Mutex
	alerts []interfaces.Alert
	err    error
}

func NewRecording() *Recording {
	return &Recording{}
}

func (r *Recording) Notify(_ context.Context, alert interfaces.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return r.err
}

// Alerts returns a snapshot of delivered alerts.
func (r *Recording) Alerts() []interfaces.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interfaces.Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// OfKind returns the alerts of a single kind.
func (r *Recording) OfKind(kind interfaces.AlertKind) []interfaces.Alert {
	var out []interfaces.Alert
	for _, alert := range r.Alerts() {
		if alert.Kind == kind {
			out = append(out, alert)
		}
	}
	return out
}

// Fail makes subsequent deliveries return err after recording the alert.
func (r *Recording) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func audienceNames(audience []interfaces.Audience) []string {
	out := make([]string, len(audience))
	for i, a := range audience {
		out[i] = string(a)
	}
	return out
}
