package commands

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/chatbridge/internal/cache"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

func TestOpenCacheBackend_MemoryByDefault(t *testing.T) {
	backend := openCacheBackend(context.Background(), &types.Config{})
	defer backend.Close()
	assert.IsType(t, &cache.MemoryBackend{}, backend)
}

func TestOpenCacheBackend_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &types.Config{Cache: &types.CacheConfig{RedisURL: "redis://" + mr.Addr()}}

	backend := openCacheBackend(context.Background(), cfg)
	defer backend.Close()
	assert.IsType(t, &cache.RedisBackend{}, backend)
}

func TestOpenCacheBackend_UnreachableRedisFallsBackToMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	cfg := &types.Config{Cache: &types.CacheConfig{RedisURL: "redis://" + addr}}

	backend := openCacheBackend(context.Background(), cfg)
	defer backend.Close()
	require.IsType(t, &cache.MemoryBackend{}, backend)

	replies := cache.New(backend, time.Minute)
	var calls int
	gen := func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "Olá!", nil
	}
	for i := 0; i < 2; i++ {
		reply, err := replies.GetOrGenerate(context.Background(), "Usuário: Oi", gen)
		require.NoError(t, err)
		assert.Equal(t, "Olá!", reply)
	}
	assert.Equal(t, 1, calls)
}
