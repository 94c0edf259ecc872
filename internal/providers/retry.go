package providers

import (
	"context"
	"time"
)

// retryConfig holds shared retry parameters for LLM providers, grounded on
// the reference BaseProvider but using exponential rather than linear
// backoff, matching the reference executor's
// backoff * time.Duration(1<<uint(attempt)) pattern.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func defaultRetryConfig() retryConfig {
	return retryConfig{maxRetries: 3, baseDelay: time.Second, maxDelay: 30 * time.Second}
}

// withRetry runs op, retrying with exponential backoff while isRetryable
// returns true for the error it produced, up to maxRetries attempts.
func withRetry(ctx context.Context, cfg retryConfig, op func() error) error {
	var lastErr error
	delay := cfg.baseDelay
	for attempt := 1; attempt <= cfg.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) || attempt >= cfg.maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > cfg.maxDelay {
			delay = cfg.maxDelay
		}
	}
	return lastErr
}
