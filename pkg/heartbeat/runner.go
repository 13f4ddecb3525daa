package heartbeat

import (
	"context"
	"log/slog"
	"time"
)

// Runner periodically evaluates all tracked actors for inactivity.
type Runner struct {
	ledger   *Ledger
	interval time.Duration
	logger   *slog.Logger
}

// NewRunner creates a watchdog runner. A non-positive interval disables it.
func NewRunner(ledger *Ledger, interval time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{ledger: ledger, interval: interval, logger: logger}
}

// Run evaluates on a fixed cadence until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if r.interval <= 0 {
		r.logger.Info("watchdog disabled")
		return nil
	}

	r.logger.Info("watchdog started", "interval", r.interval.String())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("watchdog stopped")
			return ctx.Err()
		case now := <-ticker.C:
			triggered, err := r.ledger.EvaluateAll(ctx, now)
			if err != nil {
				r.logger.Error("watchdog evaluation failed", "error", err)
				continue
			}
			if len(triggered) > 0 {
				r.logger.Warn("watchdog triggered actors", "actorIDs", triggered)
			}
		}
	}
}
