package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magpie/internal/config"
	"magpie/internal/constants"
	"magpie/internal/logger"
)

type fakeRepo struct {
	mu   sync.Mutex
	keys map[string]time.Duration
	err  error
}

func (r *fakeRepo) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys == nil {
		r.keys = make(map[string]time.Duration)
	}
	if _, exists := r.keys[key]; exists {
		return false, nil
	}
	r.keys[key] = ttl
	return true, nil
}

func (r *fakeRepo) Del(ctx context.Context, key string) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
	return nil
}

func (r *fakeRepo) KeyCount(ctx context.Context, prefix string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys), nil
}

func TestKey_DeterministicAndPrefixed(t *testing.T) {
	k1 := Key("tiktok", "evt-1")
	k2 := Key("tiktok", "evt-1")
	k3 := Key("instagram", "evt-1")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.True(t, strings.HasPrefix(k1, constants.CacheKeyPrefixIdempotency))
}

func TestService_CheckAndSet_NewThenDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{}
	svc := NewService(repo, config.IdempotencyConfig{TTL: time.Hour}, logger.NopLogger())

	isNew, err := svc.CheckAndSet(ctx, "tiktok", "evt-1")
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = svc.CheckAndSet(ctx, "tiktok", "evt-1")
	require.NoError(t, err)
	assert.False(t, isNew)

	// A different source with the same external id is a different event.
	isNew, err = svc.CheckAndSet(ctx, "instagram", "evt-1")
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestService_CheckAndSet_UsesConfiguredTTL(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{}
	svc := NewService(repo, config.IdempotencyConfig{TTL: 48 * time.Hour}, logger.NopLogger())

	_, err := svc.CheckAndSet(ctx, "tiktok", "evt-1")
	require.NoError(t, err)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, ttl := range repo.keys {
		assert.Equal(t, 48*time.Hour, ttl)
	}
}

func TestService_ReleaseFreesClaimedKey(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{}
	svc := NewService(repo, config.IdempotencyConfig{TTL: time.Hour}, logger.NopLogger())

	isNew, err := svc.CheckAndSet(ctx, "tiktok", "evt-1")
	require.NoError(t, err)
	require.True(t, isNew)

	require.NoError(t, svc.Release(ctx, "tiktok", "evt-1"))

	isNew, err = svc.CheckAndSet(ctx, "tiktok", "evt-1")
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestService_DefaultTTLApplied(t *testing.T) {
	svc := NewService(&fakeRepo{}, config.IdempotencyConfig{}, logger.NopLogger())
	assert.Equal(t, constants.DefaultIdempotencyTTL, svc.TTL())
}

func TestService_RedisErrorFallbackDeny(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{err: errors.New("connection refused")}
	svc := NewService(repo, config.IdempotencyConfig{TTL: time.Hour, OnRedisError: constants.FallbackDeny}, logger.NopLogger())

	isNew, err := svc.CheckAndSet(ctx, "tiktok", "evt-1")
	assert.Error(t, err)
	assert.False(t, isNew)
}

func TestService_RedisErrorFallbackAllow(t *testing.T) {
	ctx := context.Background()
	repo := &fakeRepo{err: errors.New("connection refused")}
	svc := NewService(repo, config.IdempotencyConfig{TTL: time.Hour, OnRedisError: constants.FallbackAllow}, logger.NopLogger())

	isNew, err := svc.CheckAndSet(ctx, "tiktok", "evt-1")
	require.NoError(t, err)
	assert.True(t, isNew)
}
