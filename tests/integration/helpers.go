package integration

import (
	"time"

	"magpie/internal/config"
	"magpie/internal/constants"
	"magpie/internal/logger"
	"magpie/internal/queue"
)

const (
	containerStartupTimeout = 60
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestIdempotencyConfig() config.IdempotencyConfig {
	return config.IdempotencyConfig{
		TTL:          time.Minute,
		OnRedisError: constants.FallbackAllow,
	}
}

func createTestJob(queueName, jobType string, priority queue.Priority) *queue.Job {
	return queue.NewJob(queueName, jobType, map[string]interface{}{
		"source":      "tiktok",
		"external_id": "ext-1",
		"content_url": "https://example.com/v/1",
	}, priority, 3)
}
