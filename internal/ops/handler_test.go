package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magpie/internal/audit"
	"magpie/internal/logger"
	"magpie/internal/queue"
	"magpie/pkg/circuitbreaker"
)

type countingIdemRepo struct {
	keys int
}

func (r countingIdemRepo) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return true, nil
}

func (r countingIdemRepo) Del(ctx context.Context, key string) error {
	return nil
}

func (r countingIdemRepo) KeyCount(ctx context.Context, prefix string) (int, error) {
	return r.keys, nil
}

func newTestHandler(t *testing.T) (*gin.Engine, *queue.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := queue.NewMemoryStore()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig("test"))
	handler := NewHandler(store, breakers, audit.NopRecorder{}, nil, countingIdemRepo{keys: 2}, []string{"scraping"}, logger.NopLogger())

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, store
}

func enqueueTestJob(t *testing.T, store *queue.MemoryStore) *queue.Job {
	t.Helper()
	job := queue.NewJob("scraping", "content_scrape", map[string]interface{}{
		"source":      "tiktok",
		"external_id": "evt-1",
		"content_url": "https://example.com/v/1",
	}, queue.PriorityMedium, 4)
	require.NoError(t, store.Enqueue(context.Background(), job))
	return job
}

func TestHandler_ListJobs(t *testing.T) {
	router, store := newTestHandler(t)
	enqueueTestJob(t, store)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?queue=scraping", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var jobs []queue.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 1)
}

func TestHandler_GetJob(t *testing.T) {
	router, store := newTestHandler(t)
	job := enqueueTestJob(t, store)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CancelJob(t *testing.T) {
	router, store := newTestHandler(t)
	job := enqueueTestJob(t, store)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var cancelled queue.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, queue.StatusCancelled, cancelled.Status)

	// A second cancel hits the terminal-state guard.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_QueueStats(t *testing.T) {
	router, store := newTestHandler(t)
	enqueueTestJob(t, store)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/queues/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Queues          map[string]map[string]int64 `json:"queues"`
		IdempotencyKeys int                         `json:"idempotency_keys"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, int64(1), response.Queues["scraping"]["queued"])
	assert.Equal(t, 2, response.IdempotencyKeys)
}

func TestHandler_ListBreakers(t *testing.T) {
	router, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/breakers", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Contains(t, response, "local")
}
