package worker

import (
	"context"
	"fmt"
	"time"

	"magpie/internal/constants"
	"magpie/internal/logger"
	"magpie/internal/queue"
	"magpie/pkg/circuitbreaker"
	pkgerrors "magpie/pkg/errors"
	"magpie/pkg/metrics"
	"magpie/pkg/retry"
	"magpie/pkg/tracing"
)

// Outcome is the executor's verdict on one attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	// OutcomeRetry re-schedules the job with a backoff delay.
	OutcomeRetry Outcome = "retry"
	// OutcomeRequeue puts the job back untouched because the breaker
	// rejected the call before the provider was invoked. The attempt is
	// not consumed.
	OutcomeRequeue Outcome = "requeue"
	OutcomeFailed  Outcome = "failed"
)

// ExecutionResult carries the verdict plus what the store needs to
// apply it.
type ExecutionResult struct {
	Outcome Outcome
	Result  map[string]interface{}
	Err     error
	Delay   time.Duration
}

// Executor runs a single claimed job through its handler under a
// timeout, a per-job-type circuit breaker, and the retry
// classification rules.
type Executor struct {
	registry *Registry
	breakers *circuitbreaker.Registry
	policy   retry.Policy
	timeout  time.Duration
	logger   logger.Logger
}

func NewExecutor(registry *Registry, breakers *circuitbreaker.Registry, policy retry.Policy, timeout time.Duration, log logger.Logger) *Executor {
	if timeout <= 0 {
		timeout = constants.DefaultHandlerTimeout
	}
	return &Executor{
		registry: registry,
		breakers: breakers,
		policy:   policy,
		timeout:  timeout,
		logger:   log,
	}
}

// Execute runs one attempt. The job has already been claimed, so
// job.Attempts counts this attempt.
func (e *Executor) Execute(ctx context.Context, job *queue.Job) ExecutionResult {
	ctx, span := tracing.GetTracer("worker-executor").Start(ctx, "worker.execute")
	defer span.End()

	handler, ok := e.registry.Get(job.Type)
	if !ok {
		return ExecutionResult{
			Outcome: OutcomeFailed,
			Err:     fmt.Errorf("no handler registered for job type %s", job.Type),
		}
	}

	breaker := e.breakers.Get(job.Type)

	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := breaker.Execute(attemptCtx, func() (interface{}, error) {
		return e.runHandler(attemptCtx, handler, job)
	})
	breaker.RecordRequest(err == nil)

	if err == nil {
		result, _ := raw.(map[string]interface{})
		return ExecutionResult{Outcome: OutcomeCompleted, Result: result}
	}

	if pkgerrors.IsCircuitOpen(err) {
		metrics.JobsRequeuedTotal.WithLabelValues(job.Queue, "circuit_open").Inc()
		return ExecutionResult{
			Outcome: OutcomeRequeue,
			Err:     err,
			Delay:   e.breakers.RecoveryTimeout(job.Type),
		}
	}

	if retry.IsRetryable(err) {
		if job.Attempts < job.MaxAttempts {
			metrics.RetryAttemptsTotal.WithLabelValues(job.Queue, job.Type).Inc()
			return ExecutionResult{
				Outcome: OutcomeRetry,
				Err:     err,
				Delay:   retry.NextDelay(e.policy, job.Attempts),
			}
		}
		return ExecutionResult{
			Outcome: OutcomeFailed,
			Err:     pkgerrors.Wrap(err, pkgerrors.ErrAttemptsExhausted),
		}
	}

	return ExecutionResult{Outcome: OutcomeFailed, Err: err}
}

// runHandler isolates handler panics from the breaker's goroutine so a
// bad handler fails the attempt instead of crashing the worker.
func (e *Executor) runHandler(ctx context.Context, handler JobHandler, job *queue.Job) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.RecoverPanic(r)
			e.logger.ErrorwCtx(ctx, "Panic recovered during job execution",
				"error", err,
				"job_type", job.Type,
			)
		}
	}()
	return handler(ctx, job)
}
