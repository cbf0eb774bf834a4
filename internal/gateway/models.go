package gateway

import (
	"magpie/internal/queue"
)

// WebhookEvent is the parsed envelope of an inbound notification.
// ExternalID is the provider's own identifier for the event and drives
// idempotency. EventType selects the job type the event turns into.
type WebhookEvent struct {
	ExternalID string                 `json:"external_id" binding:"required"`
	EventType  string                 `json:"event_type" binding:"required"`
	Priority   string                 `json:"priority,omitempty"`
	Payload    map[string]interface{} `json:"payload"`
}

// Admission statuses. Rejections are expressed as errors, not statuses.
const (
	AdmissionAdmitted  = "admitted"
	AdmissionDuplicate = "duplicate"
	AdmissionFiltered  = "filtered"
)

// AdmissionResult is what the webhook caller sees: the decision and,
// when a job was created, its id.
type AdmissionResult struct {
	Status string `json:"status"`
	JobID  string `json:"job_id,omitempty"`
}

// priorityOrDefault maps the optional envelope priority onto the queue
// enum, defaulting to medium.
func priorityOrDefault(raw string) (queue.Priority, bool) {
	if raw == "" {
		return queue.PriorityMedium, true
	}
	p := queue.Priority(raw)
	return p, p.Valid()
}
