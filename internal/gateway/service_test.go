package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magpie/internal/audit"
	"magpie/internal/config"
	"magpie/internal/idempotency"
	"magpie/internal/logger"
	"magpie/internal/queue"
	pkgerrors "magpie/pkg/errors"
	"magpie/pkg/ratelimit"
)

// memoryIdemRepo is an in-process stand-in for the Redis repository.
type memoryIdemRepo struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (r *memoryIdemRepo) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys == nil {
		r.keys = make(map[string]bool)
	}
	if r.keys[key] {
		return false, nil
	}
	r.keys[key] = true
	return true, nil
}

func (r *memoryIdemRepo) Del(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
	return nil
}

func (r *memoryIdemRepo) KeyCount(ctx context.Context, prefix string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys), nil
}

// failOnceStore fails the first enqueue, then delegates.
type failOnceStore struct {
	queue.Store
	failed bool
}

func (s *failOnceStore) Enqueue(ctx context.Context, job *queue.Job) error {
	if !s.failed {
		s.failed = true
		return fmt.Errorf("write concern timeout")
	}
	return s.Store.Enqueue(ctx, job)
}

type testEnv struct {
	service *Service
	store   *queue.MemoryStore
	limiter *ratelimit.PerSource
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Webhook: config.WebhookConfig{
			MaxSkew: 5 * time.Minute,
			Sources: map[string]config.SourceConfig{
				"tiktok": {
					Secret: "tiktok-secret",
					Queue:  "scraping",
				},
			},
			RateLimit: config.RateLimitConfig{Enabled: false},
		},
		Queues: []config.QueueConfig{
			{Name: "scraping", Concurrency: 2, Workers: 2, MaxAttempts: 4},
		},
		Idempotency: config.IdempotencyConfig{TTL: time.Hour, OnRedisError: "deny"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := queue.NewMemoryStore()
	idem := idempotency.NewService(&memoryIdemRepo{}, cfg.Idempotency, logger.NopLogger())
	limiter := ratelimit.NewPerSource(ratelimit.Config{RPS: 1000, Burst: 1000})
	t.Cleanup(limiter.Stop)

	service, err := NewService(cfg, limiter, idem, store, audit.NopRecorder{}, logger.NopLogger())
	require.NoError(t, err)

	return &testEnv{service: service, store: store, limiter: limiter}
}

func signedRequest(t *testing.T, secret string, event WebhookEvent) (body []byte, sig, ts string) {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body, ComputeSignature(secret, body), fmt.Sprintf("%d", time.Now().Unix())
}

func scrapeEvent(externalID string) WebhookEvent {
	return WebhookEvent{
		ExternalID: externalID,
		EventType:  "content_scrape",
		Payload: map[string]interface{}{
			"content_url": "https://example.com/v/1",
		},
	}
}

func TestService_AdmitCreatesOneJob(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	body, sig, ts := signedRequest(t, "tiktok-secret", scrapeEvent("evt-1"))
	result, err := env.service.Admit(ctx, "tiktok", body, sig, ts)
	require.NoError(t, err)
	assert.Equal(t, AdmissionAdmitted, result.Status)
	require.NotEmpty(t, result.JobID)

	job, err := env.store.Get(ctx, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, job.Status)
	assert.Equal(t, "scraping", job.Queue)
	assert.Equal(t, "content_scrape", job.Type)
	assert.Equal(t, queue.PriorityMedium, job.Priority)
	assert.Equal(t, "tiktok", job.Payload["source"])
	assert.Equal(t, "evt-1", job.Payload["external_id"])
}

func TestService_DuplicateIsIdempotentSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	body, sig, ts := signedRequest(t, "tiktok-secret", scrapeEvent("evt-1"))

	first, err := env.service.Admit(ctx, "tiktok", body, sig, ts)
	require.NoError(t, err)
	require.Equal(t, AdmissionAdmitted, first.Status)

	second, err := env.service.Admit(ctx, "tiktok", body, sig, ts)
	require.NoError(t, err)
	assert.Equal(t, AdmissionDuplicate, second.Status)
	assert.Empty(t, second.JobID)

	jobs, err := env.store.List(ctx, queue.ListFilter{Queue: "scraping"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestService_EnqueueFailureDoesNotBurnIdempotencyKey(t *testing.T) {
	env := newTestEnv(t, nil)
	env.service.store = &failOnceStore{Store: env.store}
	ctx := context.Background()

	body, sig, ts := signedRequest(t, "tiktok-secret", scrapeEvent("evt-1"))

	_, err := env.service.Admit(ctx, "tiktok", body, sig, ts)
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrInternal))

	// The redelivery must be admitted, not reported as a duplicate of a
	// job that was never written.
	result, err := env.service.Admit(ctx, "tiktok", body, sig, ts)
	require.NoError(t, err)
	assert.Equal(t, AdmissionAdmitted, result.Status)

	jobs, err := env.store.List(ctx, queue.ListFilter{Queue: "scraping"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestService_TamperedBodyRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	body, sig, ts := signedRequest(t, "tiktok-secret", scrapeEvent("evt-1"))
	tampered := append([]byte{}, body...)
	tampered[len(tampered)-2] = 'X'

	_, err := env.service.Admit(ctx, "tiktok", tampered, sig, ts)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrSignatureInvalid))

	jobs, err := env.store.List(ctx, queue.ListFilter{Queue: "scraping"})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestService_StaleTimestampRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	body, sig, _ := signedRequest(t, "tiktok-secret", scrapeEvent("evt-1"))
	stale := fmt.Sprintf("%d", time.Now().Add(-time.Hour).Unix())

	_, err := env.service.Admit(ctx, "tiktok", body, sig, stale)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrTimestampExpired))
}

func TestService_UnknownSourceRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	body, sig, ts := signedRequest(t, "tiktok-secret", scrapeEvent("evt-1"))
	_, err := env.service.Admit(context.Background(), "myspace", body, sig, ts)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrNotFound))
}

func TestService_MalformedPayloadRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		body []byte
	}{
		{name: "not json", body: []byte("not json at all")},
		{name: "missing external_id", body: []byte(`{"event_type":"content_scrape","payload":{"content_url":"u"}}`)},
		{name: "missing event_type", body: []byte(`{"external_id":"evt-1","payload":{"content_url":"u"}}`)},
		{name: "unknown event_type", body: []byte(`{"external_id":"evt-1","event_type":"mystery","payload":{}}`)},
		{name: "schema violation", body: []byte(`{"external_id":"evt-1","event_type":"content_scrape","payload":{}}`)},
		{name: "bad priority", body: []byte(`{"external_id":"evt-1","event_type":"content_scrape","priority":"extreme","payload":{"content_url":"u"}}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := ComputeSignature("tiktok-secret", tt.body)
			ts := fmt.Sprintf("%d", time.Now().Unix())
			_, err := env.service.Admit(ctx, "tiktok", tt.body, sig, ts)
			assert.True(t, pkgerrors.Is(err, pkgerrors.ErrPayloadMalformed))
		})
	}
}

func TestService_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Webhook.RateLimit = config.RateLimitConfig{Enabled: true}
	})
	// Swap in a tight limiter: one request, no refill worth noticing.
	env.limiter.Stop()
	tight := ratelimit.NewPerSource(ratelimit.Config{RPS: 0.001, Burst: 1})
	t.Cleanup(tight.Stop)
	env.service.limiter = tight

	ctx := context.Background()

	body, sig, ts := signedRequest(t, "tiktok-secret", scrapeEvent("evt-1"))
	_, err := env.service.Admit(ctx, "tiktok", body, sig, ts)
	require.NoError(t, err)

	body2, sig2, ts2 := signedRequest(t, "tiktok-secret", scrapeEvent("evt-2"))
	_, err = env.service.Admit(ctx, "tiktok", body2, sig2, ts2)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrRateLimited))
}

func TestService_ContentFilterDropsEvent(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		src := cfg.Webhook.Sources["tiktok"]
		src.Filters = []string{`payload.promotional == true`}
		cfg.Webhook.Sources["tiktok"] = src
	})
	ctx := context.Background()

	event := scrapeEvent("evt-1")
	event.Payload["promotional"] = true
	body, sig, ts := signedRequest(t, "tiktok-secret", event)

	result, err := env.service.Admit(ctx, "tiktok", body, sig, ts)
	require.NoError(t, err)
	assert.Equal(t, AdmissionFiltered, result.Status)

	jobs, err := env.store.List(ctx, queue.ListFilter{Queue: "scraping"})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestService_PriorityFromEnvelope(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	event := scrapeEvent("evt-1")
	event.Priority = "urgent"
	body, sig, ts := signedRequest(t, "tiktok-secret", event)

	result, err := env.service.Admit(ctx, "tiktok", body, sig, ts)
	require.NoError(t, err)

	job, err := env.store.Get(ctx, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityUrgent, job.Priority)
	assert.Equal(t, queue.PriorityUrgent.Weight(), job.EffectivePriority)
}
