package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magpie/internal/queue"
	"magpie/pkg/migrations"
)

func setupMongoStore(t *testing.T) *queue.MongoStore {
	t.Helper()

	infra := SetupTestInfraWithOptions(t, false, true, false)

	ctx := context.Background()
	require.NoError(t, migrations.EnsureJobIndexes(ctx, infra.MongoDB))

	return queue.NewMongoStore(infra.MongoDB)
}

func TestMongoStore_EnqueueDequeue(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()

	job := createTestJob("scraping", "content_scrape", queue.PriorityMedium)
	require.NoError(t, store.Enqueue(ctx, job))

	claimed, err := store.Dequeue(ctx, "scraping")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, queue.StatusActive, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	empty, err := store.Dequeue(ctx, "scraping")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestMongoStore_DequeuePriorityOrder(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()

	low := createTestJob("scraping", "content_scrape", queue.PriorityLow)
	urgent := createTestJob("scraping", "content_scrape", queue.PriorityUrgent)
	high := createTestJob("scraping", "content_scrape", queue.PriorityHigh)

	require.NoError(t, store.Enqueue(ctx, low))
	require.NoError(t, store.Enqueue(ctx, urgent))
	require.NoError(t, store.Enqueue(ctx, high))

	var order []string
	for i := 0; i < 3; i++ {
		claimed, err := store.Dequeue(ctx, "scraping")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		order = append(order, claimed.ID)
	}

	assert.Equal(t, []string{urgent.ID, high.ID, low.ID}, order)
}

func TestMongoStore_ConcurrentDequeueClaimsEachJobOnce(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()

	const jobCount = 20
	for i := 0; i < jobCount; i++ {
		require.NoError(t, store.Enqueue(ctx, createTestJob("scraping", "content_scrape", queue.PriorityMedium)))
	}

	var mu sync.Mutex
	claimed := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := store.Dequeue(ctx, "scraping")
				require.NoError(t, err)
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobCount)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "job %s claimed more than once", id)
	}
}

func TestMongoStore_MarkRetryingDelaysNextClaim(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()

	job := createTestJob("scraping", "content_scrape", queue.PriorityMedium)
	require.NoError(t, store.Enqueue(ctx, job))

	claimed, err := store.Dequeue(ctx, "scraping")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, store.MarkRetrying(ctx, job.ID, time.Second, "provider timeout"))

	// Not ready until the delay elapses.
	early, err := store.Dequeue(ctx, "scraping")
	require.NoError(t, err)
	assert.Nil(t, early)

	time.Sleep(1500 * time.Millisecond)

	again, err := store.Dequeue(ctx, "scraping")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
	assert.Equal(t, "provider timeout", again.LastError)
}

func TestMongoStore_TerminalStatusIsImmutable(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()

	job := createTestJob("scraping", "content_scrape", queue.PriorityMedium)
	require.NoError(t, store.Enqueue(ctx, job))

	claimed, err := store.Dequeue(ctx, "scraping")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, store.MarkCompleted(ctx, job.ID, map[string]interface{}{"items": 3}))

	err = store.MarkFailed(ctx, job.ID, "late failure")
	assert.ErrorIs(t, err, queue.ErrInvalidTransition)

	err = store.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, queue.ErrInvalidTransition)

	stored, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, stored.Status)
}

func TestMongoStore_BoostAgedRaisesEffectivePriority(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()

	old := createTestJob("scraping", "content_scrape", queue.PriorityLow)
	require.NoError(t, store.Enqueue(ctx, old))

	time.Sleep(1100 * time.Millisecond)

	fresh := createTestJob("scraping", "content_scrape", queue.PriorityLow)
	require.NoError(t, store.Enqueue(ctx, fresh))

	boosted, err := store.BoostAged(ctx, "scraping", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), boosted)

	stored, err := store.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityLow.Weight()+1, stored.EffectivePriority)

	untouched, err := store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityLow.Weight(), untouched.EffectivePriority)
}

func TestMongoStore_CountByStatus(t *testing.T) {
	store := setupMongoStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Enqueue(ctx, createTestJob("scraping", "content_scrape", queue.PriorityMedium)))
	}

	claimed, err := store.Dequeue(ctx, "scraping")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.MarkCompleted(ctx, claimed.ID, nil))

	counts, err := store.CountByStatus(ctx, "scraping")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[queue.StatusQueued])
	assert.Equal(t, int64(1), counts[queue.StatusCompleted])
}
