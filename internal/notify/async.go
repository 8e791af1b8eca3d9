package notify

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

var (
	// ErrQueueFull reports an alert dropped because the delivery queue is saturated.
	ErrQueueFull = goerrors.New("notify: delivery queue full", goerrors.CategoryRateLimit).
			WithTextCode("NOTIFY_QUEUE_FULL")
	// ErrNotifierClosed reports an alert sent after Close.
	ErrNotifierClosed = errors.New("notify: notifier closed")
)

// AsyncConfig bounds the background delivery queue.
type AsyncConfig struct {
	QueueSize int
	Workers   int
	// Timeout caps a single delivery, retries included.
	Timeout time.Duration
}

// Async hands alerts to a bounded queue drained by background workers, so a
// slow endpoint never holds the caller. Delivery errors are logged.
type Async struct {
	next    interfaces.Notifier
	logger  interfaces.Logger
	timeout time.Duration
	queue   chan queued
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type queued struct {
	ctx   context.Context
	alert interfaces.Alert
}

// NewAsync starts the workers delivering to next.
func NewAsync(next interfaces.Notifier, cfg AsyncConfig, logger interfaces.Logger) *Async {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if logger == nil {
		logger = logging.NoOp()
	}
	a := &Async{
		next:    next,
		logger:  logger,
		timeout: cfg.Timeout,
		queue:   make(chan queued, cfg.QueueSize),
	}
	for range cfg.Workers {
		a.wg.Add(1)
		go a.run()
	}
	return a
}

// Notify enqueues the alert and returns without waiting for delivery. The
// request context is detached so values survive but cancellation does not.
func (a *Async) Notify(ctx context.Context, alert interfaces.Alert) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrNotifierClosed
	}
	alert.Audience = append([]interfaces.Audience(nil), alert.Audience...)
	alert.Recipients = append([]string(nil), alert.Recipients...)
	alert.Context = maps.Clone(alert.Context)
	select {
	case a.queue <- queued{ctx: context.WithoutCancel(ctx), alert: alert}:
		return nil
	default:
		a.logger.Warn("notify.async.dropped", "kind", string(alert.Kind))
		return ErrQueueFull
	}
}

// Close stops accepting alerts and waits for queued ones until ctx is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for item := range a.queue {
		a.deliver(item)
	}
}

func (a *Async) deliver(item queued) {
	ctx, cancel := context.WithTimeout(item.ctx, a.timeout)
	defer cancel()
	if err := a.next.Notify(ctx, item.alert); err != nil {
		a.logger.Error("notify.async.failed", "kind", string(item.alert.Kind), "error", err)
	}
}
