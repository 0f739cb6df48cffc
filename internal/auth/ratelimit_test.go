package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsFirstAttempt(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	assert.True(t, rl.Allow("key-1"))
}

func TestRateLimiterBlocksAfterMaxAttempts(t *testing.T) {
	cfg := RateLimiterConfig{MaxAttempts: 3, WindowSize: time.Minute, BlockDuration: time.Minute, CleanupInterval: time.Minute}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow("key-1"))
	}
	assert.False(t, rl.Allow("key-1"), "fourth attempt within the window should be blocked")
}

func TestRateLimiterUnblocksAfterBlockDuration(t *testing.T) {
	cfg := RateLimiterConfig{MaxAttempts: 1, WindowSize: time.Hour, BlockDuration: 10 * time.Millisecond, CleanupInterval: time.Minute}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	require.True(t, rl.Allow("key-1"))
	require.False(t, rl.Allow("key-1"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, rl.Allow("key-1"))
}

func TestRateLimiterResetClearsHistory(t *testing.T) {
	cfg := RateLimiterConfig{MaxAttempts: 1, WindowSize: time.Hour, BlockDuration: time.Hour, CleanupInterval: time.Minute}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	require.True(t, rl.Allow("key-1"))
	require.False(t, rl.Allow("key-1"))

	rl.Reset("key-1")
	assert.True(t, rl.Allow("key-1"))
}

func TestRateLimiterWindowResetsAfterWindowSize(t *testing.T) {
	cfg := RateLimiterConfig{MaxAttempts: 1, WindowSize: 10 * time.Millisecond, BlockDuration: time.Hour, CleanupInterval: time.Minute}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	require.True(t, rl.Allow("key-1"))
	time.Sleep(20 * time.Millisecond)
	assert.True(t, rl.Allow("key-1"), "a fresh window should admit another attempt")
}
