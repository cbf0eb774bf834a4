package broker

import (
	"context"

	"magpie/internal/logger"
	"magpie/pkg/models"
)

// NoopProducer drops completion events. Used when no broker is configured,
// for example in local development or unit tests.
type NoopProducer struct {
	logger logger.Logger
}

func NewNoopProducer(log logger.Logger) *NoopProducer {
	return &NoopProducer{logger: log}
}

func (p *NoopProducer) Publish(ctx context.Context, topic string, event models.CompletionEvent) error {
	p.logger.DebugwCtx(ctx, "Dropping completion event, no broker configured",
		"topic", topic,
		"job_id", event.JobID,
		"status", event.Status,
	)
	return nil
}

func (p *NoopProducer) Close() error {
	return nil
}
