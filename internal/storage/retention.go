package storage

import (
	"context"
	"log/slog"
	"time"
)

// RunRetention deletes records older than maxAge every interval until ctx
// is done. A non-positive maxAge or interval disables it.
func RunRetention(ctx context.Context, s Storage, maxAge, interval time.Duration, logger *slog.Logger) {
	if maxAge <= 0 || interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := s.Cleanup(ctx, now.Add(-maxAge))
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("retention cleanup failed", "error", err)
				}
				continue
			}
			if removed > 0 {
				logger.Info("retention cleanup", "removed", removed, "max_age", maxAge)
			}
		}
	}
}
