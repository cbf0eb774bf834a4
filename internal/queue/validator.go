package queue

import (
	"fmt"
)

// payloadSchemas is the closed set of job types the pipeline accepts,
// keyed by type with the payload fields each type requires.
var payloadSchemas = map[string][]string{
	"content_scrape":    {"source", "external_id", "content_url"},
	"profile_sync":      {"source", "external_id", "username"},
	"engagement_report": {"source", "external_id", "metric_window"},
	"media_transcode":   {"source", "external_id", "media_url", "format"},
}

// KnownJobType reports whether the pipeline has a schema for this type.
func KnownJobType(jobType string) bool {
	_, ok := payloadSchemas[jobType]
	return ok
}

// ValidatePayload checks the payload against the schema for jobType.
// Required fields must be present and non-empty strings.
func ValidatePayload(jobType string, payload map[string]interface{}) error {
	required, ok := payloadSchemas[jobType]
	if !ok {
		return fmt.Errorf("unknown job type: %s", jobType)
	}

	for _, field := range required {
		val, exists := payload[field]
		if !exists {
			return fmt.Errorf("payload field %q is required for job type %s", field, jobType)
		}
		s, isString := val.(string)
		if !isString || s == "" {
			return fmt.Errorf("payload field %q must be a non-empty string", field)
		}
	}

	return nil
}

// ValidateJob checks a job before it enters the store.
func ValidateJob(job *Job) error {
	if job.Queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if !job.Priority.Valid() {
		return fmt.Errorf("invalid priority: %s", job.Priority)
	}
	if job.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	return ValidatePayload(job.Type, job.Payload)
}
