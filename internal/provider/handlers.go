package provider

import (
	"context"
	"fmt"

	"magpie/internal/config"
	"magpie/internal/logger"
	"magpie/internal/queue"
	"magpie/internal/worker"
)

// RegisterHandlers wires one handler per configured provider into the
// worker registry. Each handler forwards the job payload to its
// provider endpoint and records the response as the job result.
func RegisterHandlers(registry *worker.Registry, providers map[string]config.ProviderConfig, log logger.Logger) error {
	for jobType, cfg := range providers {
		if cfg.BaseURL == "" {
			return fmt.Errorf("provider for job type %s has no base_url", jobType)
		}

		client := NewClient(cfg, log)
		handler := func(ctx context.Context, job *queue.Job) (map[string]interface{}, error) {
			return client.Process(ctx, job.Type, job.Payload)
		}
		if err := registry.Register(jobType, handler); err != nil {
			return err
		}

		log.Infow("Registered provider handler",
			"job_type", jobType,
			"base_url", cfg.BaseURL,
		)
	}
	return nil
}
