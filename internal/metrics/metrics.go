// Package metrics exposes publication runtime counters through prometheus.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives runtime observations. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// PublishOutcome counts orchestrator outcomes by platform and kind.
	PublishOutcome(platform, kind string)
	// AttemptSealed observes a sealed attempt with its result and error class.
	AttemptSealed(platform, result, class string, duration time.Duration)
	// CircuitOpened counts breaker trips.
	CircuitOpened(platform string)
	// CommandExecuted observes a command handler execution.
	CommandExecuted(command, status string, duration time.Duration)
	// AlertSent counts notifier deliveries by kind and status.
	AlertSent(kind, status string)
	// JobsClaimed counts jobs handed to a worker.
	JobsClaimed(n int)
	// QueueDepth sets the number of pending jobs seen by the last health sweep.
	QueueDepth(n int)
}

// Prometheus is a Recorder backed by a dedicated registry.
type Prometheus struct {
	registry *prometheus.Registry

	outcomes        *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	circuits        *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	alerts          *prometheus.CounterVec
	jobsClaimed     prometheus.Counter
	queueDepth      prometheus.Gauge
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus registers every collector under namespace on a fresh registry.
func NewPrometheus(namespace string) *Prometheus {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = "omnipost"
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Prometheus{
		registry: registry,
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_outcomes_total",
			Help:      "Publication orchestrator outcomes by platform and kind",
		}, []string{"platform", "kind"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_attempts_total",
			Help:      "Sealed publication attempts by platform, result and error class",
		}, []string{"platform", "result", "class"}),
		attemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_attempt_duration_seconds",
			Help:      "Duration of publication attempts from start to seal",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform"}),
		circuits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_opened_total",
			Help:      "Circuit breaker trips by platform",
		}, []string{"platform"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Command executions by command and status",
		}, []string{"command", "status"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command execution duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts delivered by kind and status",
		}, []string{"kind", "status"}),
		jobsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed by publication workers",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending_jobs",
			Help:      "Pending publish jobs at the last health sweep",
		}),
	}
}

func (p *Prometheus) PublishOutcome(platform, kind string) {
	p.outcomes.WithLabelValues(label(platform), label(kind)).Inc()
}

func (p *Prometheus) AttemptSealed(platform, result, class string, duration time.Duration) {
	p.attempts.WithLabelValues(label(platform), label(result), label(class)).Inc()
	p.attemptDuration.WithLabelValues(label(platform)).Observe(duration.Seconds())
}

func (p *Prometheus) CircuitOpened(platform string) {
	p.circuits.WithLabelValues(label(platform)).Inc()
}

func (p *Prometheus) CommandExecuted(command, status string, duration time.Duration) {
	p.commands.WithLabelValues(label(command), label(status)).Inc()
	p.commandDuration.WithLabelValues(label(command)).Observe(duration.Seconds())
}

func (p *Prometheus) AlertSent(kind, status string) {
	p.alerts.WithLabelValues(label(kind), label(status)).Inc()
}

func (p *Prometheus) JobsClaimed(n int) {
	if n > 0 {
		p.jobsClaimed.Add(float64(n))
	}
}

func (p *Prometheus) QueueDepth(n int) {
	p.queueDepth.Set(float64(max(n, 0)))
}

// Registry exposes the underlying registry for tests and custom collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func label(value string) string {
	if value = strings.TrimSpace(value); value == "" {
		return "none"
	}
	return value
}

// Noop discards every observation.
func Noop() Recorder {
	return noop{}
}

type noop struct{}

func (noop) PublishOutcome(string, string)                       {}
func (noop) AttemptSealed(string, string, string, time.Duration) {}
func (noop) CircuitOpened(string)                                {}
func (noop) CommandExecuted(string, string, time.Duration)       {}
func (noop) AlertSent(string, string)                            {}
func (noop) JobsClaimed(int)                                     {}
func (noop) QueueDepth(int)                                      {}

// Ensure returns a usable recorder, defaulting to Noop.
func Ensure(recorder Recorder) Recorder {
	if recorder == nil {
		return Noop()
	}
	return recorder
}
