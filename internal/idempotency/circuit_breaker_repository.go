package idempotency

import (
	"context"
	"fmt"
	"time"

	"magpie/internal/config"
	"magpie/pkg/circuitbreaker"
)

// CircuitBreakerRepository guards the Redis repository so a Redis outage
// fails fast instead of stalling every admission on connection timeouts.
type CircuitBreakerRepository struct {
	repo Repository
	cb   *circuitbreaker.Wrapper
}

func NewCircuitBreakerRepository(repo Repository, cfg config.CircuitBreakerConfig) *CircuitBreakerRepository {
	if !cfg.Enabled {
		return &CircuitBreakerRepository{
			repo: repo,
			cb:   nil,
		}
	}

	cbConfig := circuitbreaker.DefaultConfig("redis-idempotency")
	if cfg.MaxRequests > 0 {
		cbConfig.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		cbConfig.Interval = cfg.Interval
	}
	if cfg.RecoveryTimeout > 0 {
		cbConfig.RecoveryTimeout = cfg.RecoveryTimeout
	}
	if cfg.FailureThreshold > 0 {
		cbConfig.FailureThreshold = cfg.FailureThreshold
	}

	return &CircuitBreakerRepository{
		repo: repo,
		cb:   circuitbreaker.NewWrapper(cbConfig),
	}
}

func (r *CircuitBreakerRepository) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if r.cb == nil {
		return r.repo.SetNX(ctx, key, value, ttl)
	}

	result, err := r.cb.Execute(ctx, func() (interface{}, error) {
		return r.repo.SetNX(ctx, key, value, ttl)
	})

	r.cb.RecordRequest(err == nil)

	if err != nil {
		return false, err
	}

	success, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("repository returned invalid result type")
	}

	return success, nil
}

func (r *CircuitBreakerRepository) Del(ctx context.Context, key string) error {
	if r.cb == nil {
		return r.repo.Del(ctx, key)
	}

	_, err := r.cb.Execute(ctx, func() (interface{}, error) {
		return nil, r.repo.Del(ctx, key)
	})

	r.cb.RecordRequest(err == nil)
	return err
}

func (r *CircuitBreakerRepository) KeyCount(ctx context.Context, prefix string) (int, error) {
	if r.cb == nil {
		return r.repo.KeyCount(ctx, prefix)
	}

	result, err := r.cb.Execute(ctx, func() (interface{}, error) {
		return r.repo.KeyCount(ctx, prefix)
	})

	r.cb.RecordRequest(err == nil)

	if err != nil {
		return 0, err
	}

	count, ok := result.(int)
	if !ok {
		return 0, fmt.Errorf("repository returned invalid result type")
	}

	return count, nil
}

func (r *CircuitBreakerRepository) State() string {
	if r.cb == nil {
		return "disabled"
	}
	return r.cb.State().String()
}

func (r *CircuitBreakerRepository) IsOpen() bool {
	if r.cb == nil {
		return false
	}
	return r.cb.IsOpen()
}
