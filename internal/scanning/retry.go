package scanning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy retries provider calls that were rejected for rate limiting.
// Any other failure is returned immediately.
type RetryPolicy struct {
	// MaxRetries is the number of attempts made after the first one.
	MaxRetries int
	// InitialBackoff is the wait before the first retry; it doubles after each retry.
	InitialBackoff time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy waits 2s, 4s and 8s between four attempts.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:     3,
	InitialBackoff: 2 * time.Second,
}

// rateLimitedError marks a provider failure as retryable
type rateLimitedError struct {
	err error
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %v", e.err)
}

func (e *rateLimitedError) Unwrap() error {
	return e.err
}

func rateLimited(err error) error {
	return &rateLimitedError{err: err}
}

// run calls fn until it succeeds, fails with a non rate-limit error, or the
// retries are used up. The returned error is always an *ExtractionError.
func (p RetryPolicy) run(ctx context.Context, provider string, fn func(ctx context.Context) (string, error)) (string, error) {
	backoff := p.InitialBackoff
	for attempt := 1; ; attempt++ {
		text, err := fn(ctx)
		if err == nil {
			return text, nil
		}

		var limited *rateLimitedError
		if !errors.As(err, &limited) {
			return "", remoteError(err)
		}
		if attempt > p.MaxRetries {
			return "", &ExtractionError{
				Kind: KindRateLimitExhausted,
				Err:  fmt.Errorf("%s: gave up after %d attempts: %w", provider, attempt, limited.err),
			}
		}

		slog.Warn("Extraction rate limited, retrying",
			"provider", provider,
			"attempt", attempt,
			"backoff", backoff,
		)
		if err := p.wait(ctx, backoff); err != nil {
			return "", remoteError(fmt.Errorf("waiting to retry %s: %w", provider, err))
		}
		backoff *= 2
	}
}

func (p RetryPolicy) wait(ctx context.Context, d time.Duration) error {
	if p.sleep != nil {
		return p.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
