package models

import (
	"encoding/json"
	"time"
)

// CompletionEvent is published whenever a job reaches a terminal
// state. Downstream consumers (dashboards, notification fan-out) only
// ever see this envelope, never the job store itself.
type CompletionEvent struct {
	JobID      string          `json:"job_id"`
	Queue      string          `json:"queue"`
	JobType    string          `json:"job_type"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	Result     json.RawMessage `json:"result,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Error      string          `json:"error,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}
