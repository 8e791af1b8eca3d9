package jobs

import (
	"context"
	"time"

	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// Every runs fn immediately and then on each tick until ctx is cancelled.
// Errors are logged and never stop the loop.
func Every(ctx context.Context, name string, interval time.Duration, logger interfaces.Logger, fn func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil && logger != nil {
			logger.Error("jobs.loop.failed", "loop", name, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
