package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"magpie/internal/audit"
	"magpie/internal/config"
	"magpie/internal/constants"
	"magpie/internal/idempotency"
	"magpie/internal/logger"
	"magpie/internal/queue"
	"magpie/pkg/cel"
	pkgerrors "magpie/pkg/errors"
	"magpie/pkg/logging"
	"magpie/pkg/metrics"
	"magpie/pkg/ratelimit"
	"magpie/pkg/tracing"
)

// Service runs the admission pipeline: signature, timestamp, rate
// limit, payload validation with content filters, idempotency, enqueue.
// The gates run in that order so the cheap cryptographic checks shield
// everything behind them, and the rate limiter only counts
// authenticated traffic.
type Service struct {
	cfg     config.WebhookConfig
	queues  map[string]config.QueueConfig
	limiter *ratelimit.PerSource
	idem    *idempotency.Service
	store   queue.Store
	filters map[string]*FilterSet
	audit   audit.Recorder
	logger  logger.Logger
}

func NewService(cfg *config.Config, limiter *ratelimit.PerSource, idem *idempotency.Service, store queue.Store, recorder audit.Recorder, log logger.Logger) (*Service, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	filters := make(map[string]*FilterSet, len(cfg.Webhook.Sources))
	for source, srcCfg := range cfg.Webhook.Sources {
		fs, err := NewFilterSet(evaluator, srcCfg.Filters)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", source, err)
		}
		filters[source] = fs
	}

	queues := make(map[string]config.QueueConfig, len(cfg.Queues))
	for _, qc := range cfg.Queues {
		queues[qc.Name] = qc
	}

	return &Service{
		cfg:     cfg.Webhook,
		queues:  queues,
		limiter: limiter,
		idem:    idem,
		store:   store,
		filters: filters,
		audit:   recorder,
		logger:  log,
	}, nil
}

// Admit decides the fate of one webhook request. It is synchronous and
// fast: it never waits on job execution, only on the idempotency store
// and the enqueue write.
func (s *Service) Admit(ctx context.Context, source string, body []byte, signatureHeader, timestampHeader string) (*AdmissionResult, error) {
	ctx, span := tracing.GetTracer("gateway-service").Start(ctx, "gateway.admit")
	defer span.End()

	start := time.Now()

	srcCfg, ok := s.cfg.Sources[source]
	if !ok {
		err := pkgerrors.ErrNotFound.WithDetail("source", source)
		s.finish(ctx, source, "", "unknown_source", "", err, start)
		return nil, err
	}

	if err := VerifySignature(srcCfg.Secret, body, signatureHeader); err != nil {
		s.finish(ctx, source, "", "signature_invalid", "", err, start)
		return nil, err
	}

	maxSkew := s.cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = constants.DefaultMaxSkew
	}
	if err := VerifyTimestamp(timestampHeader, maxSkew, time.Now()); err != nil {
		s.finish(ctx, source, "", "timestamp_expired", "", err, start)
		return nil, err
	}

	if s.cfg.RateLimit.Enabled && !s.limiter.Allow(source) {
		metrics.RateLimitRequestsTotal.WithLabelValues(source, "limited").Inc()
		err := pkgerrors.ErrRateLimited
		s.finish(ctx, source, "", "rate_limited", "", err, start)
		return nil, err
	}
	metrics.RateLimitRequestsTotal.WithLabelValues(source, "allowed").Inc()

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		appErr := pkgerrors.ErrPayloadMalformed.WithCause(err)
		s.finish(ctx, source, "", "payload_malformed", "", appErr, start)
		return nil, appErr
	}
	if event.ExternalID == "" || event.EventType == "" {
		appErr := pkgerrors.ErrPayloadMalformed.WithDetail("reason", "external_id and event_type are required")
		s.finish(ctx, source, event.ExternalID, "payload_malformed", "", appErr, start)
		return nil, appErr
	}

	priority, valid := priorityOrDefault(event.Priority)
	if !valid {
		appErr := pkgerrors.ErrPayloadMalformed.WithDetail("reason", "unknown priority").WithDetail("priority", event.Priority)
		s.finish(ctx, source, event.ExternalID, "payload_malformed", "", appErr, start)
		return nil, appErr
	}

	jobPayload := make(map[string]interface{}, len(event.Payload)+2)
	for k, v := range event.Payload {
		jobPayload[k] = v
	}
	jobPayload["source"] = source
	jobPayload["external_id"] = event.ExternalID

	if err := queue.ValidatePayload(event.EventType, jobPayload); err != nil {
		appErr := pkgerrors.ErrPayloadMalformed.WithCause(err)
		s.finish(ctx, source, event.ExternalID, "payload_malformed", "", appErr, start)
		return nil, appErr
	}

	if fs := s.filters[source]; fs != nil && fs.Len() > 0 {
		rejected, expr, err := fs.Rejects(ctx, source, event.EventType, event.Payload)
		if err != nil {
			s.logger.WarnwCtx(ctx, "Content filter evaluation failed, admitting event",
				"error", err,
				"source", source,
			)
		} else if rejected {
			s.finishFiltered(ctx, source, event.ExternalID, expr, start)
			return &AdmissionResult{Status: AdmissionFiltered}, nil
		}
	}

	isNew, err := s.idem.CheckAndSet(ctx, source, event.ExternalID)
	if err != nil {
		appErr := pkgerrors.Wrap(err, pkgerrors.ErrInternal)
		s.finish(ctx, source, event.ExternalID, "idempotency_error", "", appErr, start)
		return nil, appErr
	}
	if !isNew {
		s.finish(ctx, source, event.ExternalID, AdmissionDuplicate, "", nil, start)
		return &AdmissionResult{Status: AdmissionDuplicate}, nil
	}

	maxAttempts := constants.DefaultMaxAttempts
	if qc, ok := s.queues[srcCfg.Queue]; ok && qc.MaxAttempts > 0 {
		maxAttempts = qc.MaxAttempts
	}

	job := queue.NewJob(srcCfg.Queue, event.EventType, jobPayload, priority, maxAttempts)
	job.TraceID = logging.GetTraceID(ctx)

	if err := s.store.Enqueue(ctx, job); err != nil {
		// The key was claimed but no job exists. Release it so the
		// caller's redelivery is admitted instead of deduplicated
		// against work that never happened.
		if relErr := s.idem.Release(ctx, source, event.ExternalID); relErr != nil {
			s.logger.WarnwCtx(ctx, "Failed to release idempotency key after enqueue error",
				"error", relErr,
				"source", source,
				"external_id", event.ExternalID,
			)
		}
		appErr := pkgerrors.Wrap(err, pkgerrors.ErrInternal)
		s.finish(ctx, source, event.ExternalID, "enqueue_error", "", appErr, start)
		return nil, appErr
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(srcCfg.Queue, string(priority)).Inc()
	s.finish(ctx, source, event.ExternalID, AdmissionAdmitted, job.ID, nil, start)

	s.logger.InfowCtx(ctx, "Webhook admitted",
		"source", source,
		"external_id", event.ExternalID,
		"job_id", job.ID,
		"queue", srcCfg.Queue,
		"priority", priority,
	)

	return &AdmissionResult{Status: AdmissionAdmitted, JobID: job.ID}, nil
}

func (s *Service) finish(ctx context.Context, source, externalID, outcome, jobID string, err error, start time.Time) {
	metrics.ObserveAdmission(source, outcome, time.Since(start))

	entry := audit.Entry{
		Source:     source,
		ExternalID: externalID,
		Outcome:    outcome,
		JobID:      jobID,
	}
	if err != nil {
		entry.Reason = err.Error()
	}
	if auditErr := s.audit.Record(ctx, entry); auditErr != nil {
		s.logger.WarnwCtx(ctx, "Failed to record admission audit entry",
			"error", auditErr,
			"source", source,
			"outcome", outcome,
		)
	}
}

func (s *Service) finishFiltered(ctx context.Context, source, externalID, expr string, start time.Time) {
	metrics.ObserveAdmission(source, AdmissionFiltered, time.Since(start))

	entry := audit.Entry{
		Source:     source,
		ExternalID: externalID,
		Outcome:    AdmissionFiltered,
		Reason:     "content filter matched",
		Details:    map[string]interface{}{"filter": expr},
	}
	if auditErr := s.audit.Record(ctx, entry); auditErr != nil {
		s.logger.WarnwCtx(ctx, "Failed to record admission audit entry",
			"error", auditErr,
			"source", source,
			"outcome", AdmissionFiltered,
		)
	}
}
