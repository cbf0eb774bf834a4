package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"magpie/internal/config"
	"magpie/internal/idempotency"
)

func TestIdempotencyRepository_SetNX(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)

	ctx := context.Background()
	repo := idempotency.NewRepository(infra.RedisClient)

	key := "idem:test:key1"
	ttl := 5 * time.Second

	success, err := repo.SetNX(ctx, key, time.Now().Unix(), ttl)
	require.NoError(t, err)
	assert.True(t, success)

	success, err = repo.SetNX(ctx, key, time.Now().Unix(), ttl)
	require.NoError(t, err)
	assert.False(t, success)
}

func TestIdempotencyRepository_SetNX_TTL(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)

	ctx := context.Background()
	repo := idempotency.NewRepository(infra.RedisClient)

	key := "idem:test:key2"

	success, err := repo.SetNX(ctx, key, time.Now().Unix(), time.Second)
	require.NoError(t, err)
	assert.True(t, success)

	// Wait for TTL to expire
	time.Sleep(2 * time.Second)

	success, err = repo.SetNX(ctx, key, time.Now().Unix(), time.Second)
	require.NoError(t, err)
	assert.True(t, success)
}

func TestIdempotencyRepository_DelReopensKey(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)

	ctx := context.Background()
	repo := idempotency.NewRepository(infra.RedisClient)

	key := "idem:test:key3"

	success, err := repo.SetNX(ctx, key, time.Now().Unix(), time.Minute)
	require.NoError(t, err)
	require.True(t, success)

	require.NoError(t, repo.Del(ctx, key))

	success, err = repo.SetNX(ctx, key, time.Now().Unix(), time.Minute)
	require.NoError(t, err)
	assert.True(t, success)
}

func TestIdempotencyService_CheckAndSet(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)

	ctx := context.Background()
	repo := idempotency.NewCircuitBreakerRepository(
		idempotency.NewRepository(infra.RedisClient),
		config.CircuitBreakerConfig{Enabled: true},
	)
	service := idempotency.NewService(repo, createTestIdempotencyConfig(), createTestLogger())

	isNew, err := service.CheckAndSet(ctx, "tiktok", "video-42")
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = service.CheckAndSet(ctx, "tiktok", "video-42")
	require.NoError(t, err)
	assert.False(t, isNew)

	// Same delivery ID from another source is a distinct event.
	isNew, err = service.CheckAndSet(ctx, "instagram", "video-42")
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestIdempotencyService_FallbackAllowOnRedisOutage(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, false, true)

	ctx := context.Background()
	repo := idempotency.NewRepository(infra.RedisClient)
	service := idempotency.NewService(repo, createTestIdempotencyConfig(), createTestLogger())

	require.NoError(t, infra.RedisClient.Close())

	isNew, err := service.CheckAndSet(ctx, "tiktok", "video-43")
	require.NoError(t, err)
	assert.True(t, isNew)
}
