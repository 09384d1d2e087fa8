package platform

import (
	"context"
	"log/slog"
	"time"
)

// Defaults for transient I/O retries.
const (
	RetryAttempts = 3
	RetryBackoff  = 50 * time.Millisecond
)

// Retry calls fn up to maxAttempts times with doubling backoff between
// attempts. Returns the last error, or ctx.Err() if cancelled while waiting.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}

		slog.Warn("transient failure, retrying",
			"component", "platform",
			"attempt", attempt+1,
			"error", lastErr,
		)

		timer := time.NewTimer(baseDelay * (1 << attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
