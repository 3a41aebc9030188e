package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/loadcosmos/mnu-events-sub001/internal/ratelimit"
)

// StartRateLimitSweep periodically drops stale limiter entries until ctx
// is cancelled. It returns a channel closed when the loop exits.
func StartRateLimitSweep(ctx context.Context, sweeper ratelimit.Sweeper, interval time.Duration, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	if sweeper == nil {
		close(done)
		return done
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case tick := <-ticker.C:
				if removed := sweeper.Sweep(tick); removed > 0 {
					logger.Debug("rate limit sweep", "removed", removed)
				}
			}
		}
	}()
	return done
}
