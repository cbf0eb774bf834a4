package queue

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs within a queue. Higher weight is served first.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

var priorityWeights = map[Priority]int{
	PriorityLow:    0,
	PriorityMedium: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

func (p Priority) Valid() bool {
	_, ok := priorityWeights[p]
	return ok
}

// Weight maps the priority to its scheduling weight.
func (p Priority) Weight() int {
	return priorityWeights[p]
}

// MaxPriorityWeight is the ceiling the aging boost can raise a job to.
const MaxPriorityWeight = 3

type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether a job in this status can never change again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is one unit of asynchronous work admitted through the gateway.
// Attempts counts claims, not failures: it is incremented when a worker
// claims the job, so attempts <= max_attempts always holds.
type Job struct {
	ID                string                 `bson:"_id" json:"id"`
	Queue             string                 `bson:"queue" json:"queue"`
	Type              string                 `bson:"type" json:"type"`
	Priority          Priority               `bson:"priority" json:"priority"`
	EffectivePriority int                    `bson:"effective_priority" json:"effective_priority"`
	Payload           map[string]interface{} `bson:"payload" json:"payload"`
	Status            Status                 `bson:"status" json:"status"`
	Attempts          int                    `bson:"attempts" json:"attempts"`
	MaxAttempts       int                    `bson:"max_attempts" json:"max_attempts"`
	LastError         string                 `bson:"last_error,omitempty" json:"last_error,omitempty"`
	Result            map[string]interface{} `bson:"result,omitempty" json:"result,omitempty"`
	TraceID           string                 `bson:"trace_id,omitempty" json:"trace_id,omitempty"`
	ScheduledAt       time.Time              `bson:"scheduled_at" json:"scheduled_at"`
	CreatedAt         time.Time              `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time              `bson:"updated_at" json:"updated_at"`
	StartedAt         *time.Time             `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt       *time.Time             `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// NewJob builds a queued job ready for Enqueue. The payload must already
// have passed ValidatePayload for the job type.
func NewJob(queueName, jobType string, payload map[string]interface{}, priority Priority, maxAttempts int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:                uuid.New().String(),
		Queue:             queueName,
		Type:              jobType,
		Priority:          priority,
		EffectivePriority: priority.Weight(),
		Payload:           payload,
		Status:            StatusQueued,
		Attempts:          0,
		MaxAttempts:       maxAttempts,
		ScheduledAt:       now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	Queue  string
	Status Status
	Limit  int64
}
