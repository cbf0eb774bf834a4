package config

import (
	"fmt"
	"time"

	"magpie/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func applyDefaults(cfg *Config) {
	if cfg.Webhook.MaxSkew <= 0 {
		cfg.Webhook.MaxSkew = constants.DefaultMaxSkew
	}
	if cfg.Idempotency.TTL <= 0 {
		cfg.Idempotency.TTL = constants.DefaultIdempotencyTTL
	}
	if cfg.Idempotency.OnRedisError == "" {
		cfg.Idempotency.OnRedisError = constants.FallbackDeny
	}
	if cfg.Worker.PollInterval <= 0 {
		cfg.Worker.PollInterval = constants.DefaultPollInterval
	}
	if cfg.Worker.HandlerTimeout <= 0 {
		cfg.Worker.HandlerTimeout = constants.DefaultHandlerTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 4
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = 2 * time.Second
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = 16 * time.Second
	}
	if cfg.Broker.Kafka.CompletionTopic == "" {
		cfg.Broker.Kafka.CompletionTopic = constants.DefaultCompletionTopic
	}
	for i := range cfg.Queues {
		if cfg.Queues[i].Concurrency <= 0 {
			cfg.Queues[i].Concurrency = 4
		}
		if cfg.Queues[i].Workers <= 0 {
			cfg.Queues[i].Workers = cfg.Queues[i].Concurrency
		}
		if cfg.Queues[i].MaxAttempts <= 0 {
			cfg.Queues[i].MaxAttempts = cfg.Retry.MaxAttempts
		}
	}
	if cfg.Aging.Threshold <= 0 {
		cfg.Aging.Threshold = 5 * time.Minute
	}
	if cfg.Aging.Interval <= 0 {
		cfg.Aging.Interval = 30 * time.Second
	}
}

func ValidateStatic(cfg *Config) error {
	var errs []error

	if err := validateServer(cfg.Server); err != nil {
		errs = append(errs, err)
	}

	if err := validateBroker(cfg.Broker); err != nil {
		errs = append(errs, err)
	}

	if err := validateWebhook(cfg.Webhook); err != nil {
		errs = append(errs, err)
	}

	if err := validateQueues(cfg.Queues); err != nil {
		errs = append(errs, err)
	}

	if err := validateIdempotency(cfg.Idempotency); err != nil {
		errs = append(errs, err)
	}

	if err := validateProviders(cfg.Providers); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout_seconds",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeoutSeconds <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout_seconds",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "", "noop":
		return nil
	case "kafka":
		return validateKafka(cfg.Kafka)
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka, noop)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	return nil
}

func validateWebhook(cfg WebhookConfig) error {
	if len(cfg.Sources) == 0 {
		return &ValidationError{
			Field:   "webhook.sources",
			Message: "at least one webhook source must be configured",
		}
	}

	for name, src := range cfg.Sources {
		if src.Secret == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("webhook.sources.%s.secret", name),
				Message: "source secret is required (set via WEBHOOK_SECRET_" + name + " or config)",
			}
		}
		if src.Queue == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("webhook.sources.%s.queue", name),
				Message: "source must name a target queue",
			}
		}
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.RPS <= 0 {
		return &ValidationError{
			Field:   "webhook.rate_limit.rps",
			Message: "rps must be positive when rate limiting is enabled",
		}
	}

	return nil
}

func validateQueues(queues []QueueConfig) error {
	seen := make(map[string]struct{}, len(queues))
	for i, q := range queues {
		if q.Name == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("queues[%d].name", i),
				Message: "queue name is required",
			}
		}
		if _, dup := seen[q.Name]; dup {
			return &ValidationError{
				Field:   fmt.Sprintf("queues[%d].name", i),
				Message: fmt.Sprintf("duplicate queue name: %s", q.Name),
			}
		}
		seen[q.Name] = struct{}{}
	}
	return nil
}

func validateProviders(providers map[string]ProviderConfig) error {
	for jobType, p := range providers {
		if p.BaseURL == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("providers.%s.base_url", jobType),
				Message: "provider base_url is required",
			}
		}
	}
	return nil
}

func validateIdempotency(cfg IdempotencyConfig) error {
	switch cfg.OnRedisError {
	case constants.FallbackAllow, constants.FallbackDeny:
		return nil
	default:
		return &ValidationError{
			Field:   "idempotency.on_redis_error",
			Message: fmt.Sprintf("must be %q or %q, got %q", constants.FallbackAllow, constants.FallbackDeny, cfg.OnRedisError),
		}
	}
}
