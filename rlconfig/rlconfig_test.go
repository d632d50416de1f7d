package rlconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsToLocalBolt(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Namespace)
	assert.Equal(t, "bolt", cfg.Store.Backend)
	assert.Equal(t, "./ratelimit.db", cfg.Store.BoltPath)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("RATELIMIT_STORE_BACKEND", "dynamodb")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsNonPositiveWorkerCount(t *testing.T) {
	t.Setenv("RATELIMIT_AGGREGATOR_WORKERS", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_AcceptsRedisBackendWithURL(t *testing.T) {
	t.Setenv("RATELIMIT_STORE_BACKEND", "redis")
	t.Setenv("RATELIMIT_REDIS_URL", "redis://cache.internal:6379/1")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://cache.internal:6379/1", cfg.Store.RedisURL)
}
