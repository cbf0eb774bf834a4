package worker

import (
	"context"
	"encoding/json"
	"time"

	"magpie/internal/broker"
	"magpie/internal/logger"
	"magpie/internal/queue"
	pkgerrors "magpie/pkg/errors"
	"magpie/pkg/models"
)

// CompletionPublisher emits one event per terminal job so downstream
// consumers (dashboards, notification systems) learn the outcome
// without polling the store. Publish failures are logged, not
// propagated: the store is the source of truth and already holds the
// terminal status.
type CompletionPublisher struct {
	producer broker.Producer
	topic    string
	logger   logger.Logger
}

func NewCompletionPublisher(producer broker.Producer, topic string, log logger.Logger) *CompletionPublisher {
	return &CompletionPublisher{
		producer: producer,
		topic:    topic,
		logger:   log,
	}
}

func (p *CompletionPublisher) Publish(ctx context.Context, job *queue.Job, jobErr error) {
	event := models.CompletionEvent{
		JobID:      job.ID,
		Queue:      job.Queue,
		JobType:    job.Type,
		Status:     string(job.Status),
		Attempts:   job.Attempts,
		TraceID:    job.TraceID,
		FinishedAt: time.Now().UTC(),
	}

	if job.Result != nil {
		body, err := json.Marshal(job.Result)
		if err != nil {
			p.logger.WarnwCtx(ctx, "Failed to marshal job result for completion event",
				"error", err,
				"job_id", job.ID,
			)
		} else {
			event.Result = body
		}
	}

	if jobErr != nil {
		event.Error = jobErr.Error()
		event.ErrorCode = pkgerrors.Code(jobErr)
	}

	if err := p.producer.Publish(ctx, p.topic, event); err != nil {
		p.logger.ErrorwCtx(ctx, "Failed to publish completion event",
			"error", err,
			"job_id", job.ID,
			"topic", p.topic,
		)
	}
}
