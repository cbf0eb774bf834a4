package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry records one admission decision. Every webhook request that
// reaches the gateway produces exactly one entry, accepted or not.
type Entry struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	ExternalID string                 `json:"external_id"`
	Outcome    string                 `json:"outcome"`
	Reason     string                 `json:"reason,omitempty"`
	JobID      string                 `json:"job_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	Source  string
	Outcome string
	Limit   int
}

type Recorder interface {
	Record(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter ListFilter) ([]Entry, error)
}

// PostgresRecorder persists admission decisions for compliance review
// and abuse investigation.
type PostgresRecorder struct {
	db *sql.DB
}

func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

func (r *PostgresRecorder) Record(ctx context.Context, entry Entry) error {
	query := `
		INSERT INTO admission_audit_logs (id, source, external_id, outcome, reason, job_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	id := entry.ID
	if id == "" {
		id = uuid.New().String()
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var details []byte
	if entry.Details != nil {
		var err error
		details, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
	}

	var jobID *string
	if entry.JobID != "" {
		jobID = &entry.JobID
	}

	var reason *string
	if entry.Reason != "" {
		reason = &entry.Reason
	}

	_, err := r.db.ExecContext(ctx, query,
		id, entry.Source, entry.ExternalID, entry.Outcome,
		reason, jobID, details, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) List(ctx context.Context, filter ListFilter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, source, external_id, outcome, reason, job_id, details, created_at
		FROM admission_audit_logs
	`
	var args []interface{}
	var where []string

	if filter.Source != "" {
		args = append(args, filter.Source)
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	if filter.Outcome != "" {
		args = append(args, filter.Outcome)
		where = append(where, fmt.Sprintf("outcome = $%d", len(args)))
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var reason, jobID sql.NullString
		var details []byte

		if err := rows.Scan(
			&entry.ID, &entry.Source, &entry.ExternalID, &entry.Outcome,
			&reason, &jobID, &details, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		entry.Reason = reason.String
		entry.JobID = jobID.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}
	return entries, nil
}

// NopRecorder drops entries. Used when Postgres is not configured.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, entry Entry) error { return nil }

func (NopRecorder) List(ctx context.Context, filter ListFilter) ([]Entry, error) {
	return nil, nil
}
