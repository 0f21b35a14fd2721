package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calder-labs/stagecoach/logging"
)

// ProviderError wraps a communication failure with a model backend
// (unreachable, rate-limited). It is retryable at the call site.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err is (or wraps) a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// RetryConfig bounds provider-call retries with exponential backoff.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns the baseline retry policy for provider calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// CompleteWithRetry drains a provider call into a final response, retrying
// communication failures with bounded exponential backoff. Exhaustion returns
// the last error; the pipeline's synthesis state turns it into user-facing
// text, never a raw trace.
func CompleteWithRetry(ctx context.Context, p Provider, req Request, cfg RetryConfig, logger logging.Logger) (*Response, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := Complete(ctx, p, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == attempts {
			break
		}
		logger.Warn("model.call.retry",
			"provider", p.Info().Provider,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return nil, &ProviderError{Provider: p.Info().Provider, Err: lastErr}
}
