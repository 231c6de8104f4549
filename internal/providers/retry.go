package providers

import (
	"context"
	"time"
)

// Retry runs op, retrying with linear backoff while isRetryable(err) holds,
// up to maxAttempts total tries. Grounded on the teacher's
// providers.BaseProvider.Retry helper, which uses the same linear-backoff
// shape rather than exponential — tuned for LLM API rate limits that
// recover on a fixed cadence rather than doubling delays.
func Retry(ctx context.Context, maxAttempts int, delay time.Duration, isRetryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay * time.Duration(attempt)):
			}
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
