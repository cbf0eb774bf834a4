package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"magpie/internal/config"
	"magpie/internal/constants"
	"magpie/internal/logger"
	"magpie/pkg/metrics"
	"magpie/pkg/tracing"
)

type redisErrorHandlingStatus int

const (
	redisErrorHandlingDeny redisErrorHandlingStatus = iota
	redisErrorHandlingAllow
)

// Service decides whether an external event has been seen before. The
// first check for a given (source, external id) pair claims the key and
// reports the event as new; every later check within the TTL reports it
// as a duplicate.
type Service struct {
	repo   Repository
	cfg    config.IdempotencyConfig
	logger logger.Logger
}

func NewService(repo Repository, cfg config.IdempotencyConfig, log logger.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = constants.DefaultIdempotencyTTL
		log.Infow("No idempotency TTL configured, using default", "ttl", cfg.TTL)
	}
	return &Service{
		repo:   repo,
		cfg:    cfg,
		logger: log,
	}
}

// Key derives the idempotency cache key for an event. Two events with
// the same source and external id always map to the same key.
func Key(source, externalID string) string {
	sum := sha256.Sum256([]byte(source + ":" + externalID))
	return constants.CacheKeyPrefixIdempotency + hex.EncodeToString(sum[:])
}

// CheckAndSet atomically claims the key for this event. It returns true
// when the event is new and false when it is a duplicate.
func (s *Service) CheckAndSet(ctx context.Context, source, externalID string) (bool, error) {
	ctx, span := tracing.GetTracer("idempotency-service").Start(ctx, "idempotency.check_and_set")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	key := Key(source, externalID)
	start := time.Now()
	isNew, err := s.repo.SetNX(ctx, key, time.Now().Unix(), s.cfg.TTL)
	duration := time.Since(start)

	if err != nil {
		return s.handleRedisError(ctx, err, duration, source, externalID)
	}

	s.recordMetrics(duration, isNew)
	return isNew, nil
}

// Release frees the key claimed by CheckAndSet so a later redelivery of
// the same event is admitted again. Callers use it to compensate when
// the work guarded by the key never happened.
func (s *Service) Release(ctx context.Context, source, externalID string) error {
	return s.repo.Del(ctx, Key(source, externalID))
}

// TTL reports the configured retention window for idempotency keys.
func (s *Service) TTL() time.Duration {
	return s.cfg.TTL
}

func (s *Service) handleRedisError(ctx context.Context, err error, duration time.Duration, source, externalID string) (bool, error) {
	s.recordMetricsWithStatus(duration, "error")
	status := s.getRedisErrorHandlingStatus(ctx, err, source)

	if status == redisErrorHandlingAllow {
		return true, nil
	}
	return false, fmt.Errorf("redis error during idempotency check for event %s/%s: %w", source, externalID, err)
}

func (s *Service) getRedisErrorHandlingStatus(ctx context.Context, err error, source string) redisErrorHandlingStatus {
	if s.cfg.OnRedisError == constants.FallbackAllow {
		metrics.FallbackUsageTotal.WithLabelValues("idempotency", "allow_on_error", err.Error()).Inc()
		s.logger.WarnwCtx(ctx, "Redis error during idempotency check, admitting event (fallback: allow)",
			"error", err,
			"source", source,
		)
		return redisErrorHandlingAllow
	}

	metrics.FallbackUsageTotal.WithLabelValues("idempotency", "deny_on_error", err.Error()).Inc()
	return redisErrorHandlingDeny
}

func (s *Service) recordMetrics(duration time.Duration, isNew bool) {
	status := "duplicate"
	if isNew {
		status = "new"
	}
	s.recordMetricsWithStatus(duration, status)
}

func (s *Service) recordMetricsWithStatus(duration time.Duration, status string) {
	metrics.IdempotencyChecksTotal.WithLabelValues(status).Inc()
	metrics.ObserveIdempotencyCheck(duration, status)
}
