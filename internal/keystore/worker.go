package keystore

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is the retention period when none is configured.
const DefaultInterval = 5 * time.Minute

// StartWorker runs one retention pass immediately and then one per interval
// until ctx is done. Pass failures are logged by the pruner and the next
// tick tries again.
func StartWorker(ctx context.Context, p *Pruner, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	_, _ = p.Prune(ctx)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Key retention worker started", "interval", interval, "keep", p.keep)

		for {
			select {
			case <-ticker.C:
				_, _ = p.Prune(ctx)
			case <-ctx.Done():
				slog.Info("Key retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
