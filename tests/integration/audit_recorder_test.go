package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magpie/internal/audit"
)

func TestPostgresRecorder_RecordAndList(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	ctx := context.Background()
	recorder := audit.NewPostgresRecorder(infra.PostgresDB)

	jobID := uuid.New().String()
	require.NoError(t, recorder.Record(ctx, audit.Entry{
		Source:     "tiktok",
		ExternalID: "video-1",
		Outcome:    "admitted",
		JobID:      jobID,
		Details:    map[string]interface{}{"queue": "scraping"},
	}))
	require.NoError(t, recorder.Record(ctx, audit.Entry{
		Source:     "tiktok",
		ExternalID: "video-2",
		Outcome:    "rejected",
		Reason:     "signature_invalid",
	}))
	require.NoError(t, recorder.Record(ctx, audit.Entry{
		Source:     "instagram",
		ExternalID: "post-1",
		Outcome:    "admitted",
		JobID:      uuid.New().String(),
	}))

	entries, err := recorder.List(ctx, audit.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	for _, e := range entries {
		assert.NotEmpty(t, e.ID)
		assert.WithinDuration(t, time.Now(), e.CreatedAt, time.Minute)
	}
}

func TestPostgresRecorder_ListFilters(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, false, false)

	ctx := context.Background()
	recorder := audit.NewPostgresRecorder(infra.PostgresDB)

	require.NoError(t, recorder.Record(ctx, audit.Entry{
		Source:     "tiktok",
		ExternalID: "video-1",
		Outcome:    "admitted",
		JobID:      uuid.New().String(),
	}))
	require.NoError(t, recorder.Record(ctx, audit.Entry{
		Source:     "tiktok",
		ExternalID: "video-2",
		Outcome:    "rejected",
		Reason:     "rate_limited",
	}))
	require.NoError(t, recorder.Record(ctx, audit.Entry{
		Source:     "reddit",
		ExternalID: "comment-1",
		Outcome:    "rejected",
		Reason:     "timestamp_expired",
	}))

	bySource, err := recorder.List(ctx, audit.ListFilter{Source: "tiktok"})
	require.NoError(t, err)
	assert.Len(t, bySource, 2)

	byOutcome, err := recorder.List(ctx, audit.ListFilter{Outcome: "rejected"})
	require.NoError(t, err)
	assert.Len(t, byOutcome, 2)

	both, err := recorder.List(ctx, audit.ListFilter{Source: "tiktok", Outcome: "rejected"})
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, "rate_limited", both[0].Reason)

	limited, err := recorder.List(ctx, audit.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
