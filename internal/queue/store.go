package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound signals the job id does not exist in the store.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition signals the job exists but its current status
	// does not allow the requested transition. Terminal statuses are
	// immutable.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the durable job queue. Dequeue returns (nil, nil) when no job
// is ready. All transition methods are atomic with respect to concurrent
// dequeues of the same job.
type Store interface {
	Enqueue(ctx context.Context, job *Job) error
	// Dequeue claims the ready job with the highest effective priority,
	// FIFO within a priority. Claiming increments attempts.
	Dequeue(ctx context.Context, queueName string) (*Job, error)
	MarkCompleted(ctx context.Context, id string, result map[string]interface{}) error
	MarkFailed(ctx context.Context, id string, jobErr string) error
	// MarkRetrying schedules another attempt after delay. The attempt
	// itself is counted at the next claim.
	MarkRetrying(ctx context.Context, id string, delay time.Duration, jobErr string) error
	// Requeue puts an active job back without counting the claim as an
	// attempt. Used when a circuit breaker rejected the call before the
	// dependency was ever invoked.
	Requeue(ctx context.Context, id string, delay time.Duration) error
	// Cancel moves a pre-active job to cancelled.
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]*Job, error)
	CountByStatus(ctx context.Context, queueName string) (map[Status]int64, error)
	// BoostAged raises the effective priority of jobs that have waited
	// longer than olderThan, one level per call, so sustained urgent
	// traffic cannot starve them forever.
	BoostAged(ctx context.Context, queueName string, olderThan time.Duration) (int64, error)
}
