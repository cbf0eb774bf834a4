package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magpie/internal/logger"
	"magpie/internal/queue"
	"magpie/pkg/circuitbreaker"
	pkgerrors "magpie/pkg/errors"
	"magpie/pkg/retry"
)

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   4,
		BaseDelay:     2 * time.Second,
		MaxDelay:      16 * time.Second,
		JitterEnabled: false,
	}
}

func newTestExecutor(t *testing.T, registry *Registry) *Executor {
	t.Helper()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		RecoveryTimeout:  30 * time.Second,
		FailureThreshold: 5,
	})
	return NewExecutor(registry, breakers, testPolicy(), 5*time.Second, logger.NopLogger())
}

func claimedJob(t *testing.T, attempts int) *queue.Job {
	t.Helper()
	job := queue.NewJob("scraping", "content_scrape", map[string]interface{}{
		"source":      "tiktok",
		"external_id": "evt-1",
		"content_url": "https://example.com/v/1",
	}, queue.PriorityMedium, 4)
	job.Status = queue.StatusActive
	job.Attempts = attempts
	return job
}

func TestExecutor_Completed(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("content_scrape", func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		return map[string]interface{}{"items": 3}, nil
	}))

	exec := newTestExecutor(t, registry)
	res := exec.Execute(context.Background(), claimedJob(t, 1))

	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, map[string]interface{}{"items": 3}, res.Result)
	assert.NoError(t, res.Err)
}

func TestExecutor_TransientErrorRetries(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("content_scrape", func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		return nil, pkgerrors.ErrProviderTransient
	}))

	exec := newTestExecutor(t, registry)
	res := exec.Execute(context.Background(), claimedJob(t, 1))

	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.Equal(t, 2*time.Second, res.Delay)
}

func TestExecutor_BackoffScheduleDoubles(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("content_scrape", func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		return nil, pkgerrors.ErrProviderTransient
	}))
	exec := newTestExecutor(t, registry)

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range wantDelays {
		res := exec.Execute(context.Background(), claimedJob(t, i+1))
		require.Equal(t, OutcomeRetry, res.Outcome)
		assert.Equal(t, want, res.Delay)
	}
}

func TestExecutor_PermanentErrorFails(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("content_scrape", func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		return nil, pkgerrors.ErrProviderPermanent
	}))

	exec := newTestExecutor(t, registry)
	res := exec.Execute(context.Background(), claimedJob(t, 1))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, pkgerrors.Is(res.Err, pkgerrors.ErrProviderPermanent))
}

func TestExecutor_AttemptsExhausted(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("content_scrape", func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		return nil, pkgerrors.ErrProviderTransient
	}))

	exec := newTestExecutor(t, registry)
	res := exec.Execute(context.Background(), claimedJob(t, 4))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, pkgerrors.Is(res.Err, pkgerrors.ErrAttemptsExhausted))
}

func TestExecutor_CircuitOpenRequeues(t *testing.T) {
	registry := NewRegistry()
	calls := 0
	require.NoError(t, registry.Register("content_scrape", func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		calls++
		return nil, pkgerrors.ErrProviderTransient
	}))

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		MaxRequests:      1,
		Interval:         time.Minute,
		RecoveryTimeout:  30 * time.Second,
		FailureThreshold: 1,
	})
	exec := NewExecutor(registry, breakers, testPolicy(), 5*time.Second, logger.NopLogger())

	// First attempt trips the breaker.
	res := exec.Execute(context.Background(), claimedJob(t, 1))
	require.Equal(t, OutcomeRetry, res.Outcome)
	require.Equal(t, 1, calls)

	// Breaker is now open: the handler must not run and the job goes
	// back without losing the attempt.
	res = exec.Execute(context.Background(), claimedJob(t, 1))
	assert.Equal(t, OutcomeRequeue, res.Outcome)
	assert.Equal(t, 1, calls)
	assert.True(t, pkgerrors.IsCircuitOpen(res.Err))
	assert.Equal(t, 30*time.Second, res.Delay)
}

func TestExecutor_UnknownJobTypeFails(t *testing.T) {
	exec := newTestExecutor(t, NewRegistry())
	res := exec.Execute(context.Background(), claimedJob(t, 1))

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Error(t, res.Err)
}

func TestExecutor_HandlerPanicFailsJob(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("content_scrape", func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		panic("boom")
	}))

	exec := newTestExecutor(t, registry)
	res := exec.Execute(context.Background(), claimedJob(t, 1))

	// The panic fails the attempt instead of crashing the worker.
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Error(t, res.Err)
}

func TestExecutor_TimeoutIsRetryable(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("content_scrape", func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig("test"))
	exec := NewExecutor(registry, breakers, testPolicy(), 50*time.Millisecond, logger.NopLogger())

	res := exec.Execute(context.Background(), claimedJob(t, 1))
	assert.Equal(t, OutcomeRetry, res.Outcome)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
}
