package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	pkgerrors "magpie/pkg/errors"
)

// IsRetryable is the pure classification used by the worker pool to
// decide between re-scheduling and terminal failure. Timeouts and
// transport errors are retryable; errors marked fatal (validation,
// 4xx-class provider rejections) are not. Unknown errors default to
// retryable, matching the bias of the rest of the pipeline towards
// eventual delivery.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var fatalErr pkgerrors.FatalError
	if errors.As(err, &fatalErr) && fatalErr.IsFatal() {
		return false
	}

	var retryableErr pkgerrors.RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}

	return true
}

// ClassifyStatus maps a provider HTTP status to the error taxonomy:
// 5xx and 429 are transient, other 4xx are permanent.
func ClassifyStatus(status int) *pkgerrors.Error {
	switch {
	case status >= 500:
		return pkgerrors.ErrProviderTransient.WithDetail("status", status)
	case status == 429:
		return pkgerrors.ErrProviderTransient.WithDetail("status", status)
	case status >= 400:
		return pkgerrors.ErrProviderPermanent.WithDetail("status", status)
	default:
		return nil
	}
}

// Retry executes fn under the policy, sleeping NextDelay-shaped
// intervals between attempts. Fatal errors abort immediately; context
// cancellation is respected between attempts.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.BaseDelay
	exp.MaxInterval = policy.MaxDelay
	exp.Multiplier = 2.0
	exp.MaxElapsedTime = 0
	if !policy.JitterEnabled {
		exp.RandomizationFactor = 0
	} else {
		exp.RandomizationFactor = JitterFraction
	}

	var b backoff.BackOff = exp
	b = backoff.WithContext(b, ctx)
	b = backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1))

	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(operation, b)
}

// RetryWithCallback behaves like Retry but reports each failed attempt
// and the delay before the next one, used for retry metrics and logs.
func RetryWithCallback(ctx context.Context, policy Policy, fn func() error, onRetry func(attempt int, err error, nextDelay time.Duration)) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if onRetry != nil && attempt < policy.MaxAttempts && IsRetryable(err) {
			onRetry(attempt, err, NextDelay(policy, attempt))
		}
		return err
	}

	return Retry(ctx, policy, wrapped)
}
