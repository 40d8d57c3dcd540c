package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockScriptsInitialized(t *testing.T) {
	require.NotNil(t, lockAcquireScript)
	require.NotNil(t, lockReleaseScript)
	require.NotNil(t, lockExtendScript)
}

func TestTryAcquireLock_ValidatesInput(t *testing.T) {
	ctx := context.Background()

	_, err := TryAcquireLock(ctx, nil, "k", "t", time.Second)
	require.Error(t, err)

	require.Error(t, ReleaseLock(ctx, nil, "k", "t"))
	require.Error(t, ExtendLock(ctx, nil, "k", "t", time.Second))
}

func TestOpenRedis_RequiresAddr(t *testing.T) {
	_, err := OpenRedis(context.Background(), RedisConfig{})
	require.ErrorContains(t, err, "redis addr is required")
}

func TestDurationOr(t *testing.T) {
	require.Equal(t, time.Second, durationOr(0, time.Second))
	require.Equal(t, time.Second, durationOr(-time.Minute, time.Second))
	require.Equal(t, time.Minute, durationOr(time.Minute, time.Second))
}
