// ratelimit.go is the teacher's internal/api.RateLimiter kept almost
// verbatim (struct shape, Allow/RecordFailure/cleanup-loop), retargeted
// from source-IP keys onto api-key id keys per spec.md §4.I's auth
// rate-limit counter; the Gin middleware wrapper is dropped since the
// REST surface is out of scope.
package auth

import (
	"sync"
	"time"
)

// RateLimiterConfig configures the fixed-window limiter.
type RateLimiterConfig struct {
	MaxAttempts     int
	WindowSize      time.Duration
	BlockDuration   time.Duration
	CleanupInterval time.Duration
}

// DefaultRateLimiterConfig mirrors spec.md §3 AuthSession defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxAttempts:     20,
		WindowSize:      5 * time.Minute,
		BlockDuration:   5 * time.Minute,
		CleanupInterval: 1 * time.Minute,
	}
}

type keyRecord struct {
	Attempts  int
	FirstSeen time.Time
	BlockedAt time.Time
	IsBlocked bool
}

// RateLimiter enforces a fixed-window attempt cap per api-key id, not a
// sliding window: a key's window resets WindowSize after its first
// attempt in that window, so a burst right at the reset boundary can
// admit close to 2x MaxAttempts in a short span. Documented limitation,
// not a bug — it matches the semantics original_source's
// sv2-core/src/auth.rs window_start/rate_limit_window implements.
type RateLimiter struct {
	cfg     RateLimiterConfig
	mu      sync.RWMutex
	records map[string]*keyRecord
	stopCh  chan struct{}
}

// NewRateLimiter starts a limiter with its cleanup loop running.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		cfg:     cfg,
		records: make(map[string]*keyRecord),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether key may proceed, advancing its window/block state.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	record, exists := rl.records[key]
	if !exists {
		rl.records[key] = &keyRecord{Attempts: 1, FirstSeen: now}
		return true
	}

	if record.IsBlocked {
		if now.Sub(record.BlockedAt) > rl.cfg.BlockDuration {
			record.IsBlocked = false
			record.Attempts = 1
			record.FirstSeen = now
			return true
		}
		return false
	}

	if now.Sub(record.FirstSeen) > rl.cfg.WindowSize {
		record.Attempts = 1
		record.FirstSeen = now
		return true
	}

	record.Attempts++
	if record.Attempts > rl.cfg.MaxAttempts {
		record.IsBlocked = true
		record.BlockedAt = now
		return false
	}
	return true
}

// RecordFailure counts a failed authentication attempt against key.
func (rl *RateLimiter) RecordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	record, exists := rl.records[key]
	if !exists {
		rl.records[key] = &keyRecord{Attempts: 1, FirstSeen: time.Now()}
		return
	}
	record.Attempts++
	if record.Attempts > rl.cfg.MaxAttempts {
		record.IsBlocked = true
		record.BlockedAt = time.Now()
	}
}

// Reset clears key's attempt history, e.g. after a successful auth.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.records, key)
}

// BlockedUntil reports when key will be unblocked, or the zero time.
func (rl *RateLimiter) BlockedUntil(key string) time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	record, exists := rl.records[key]
	if !exists || !record.IsBlocked {
		return time.Time{}
	}
	return record.BlockedAt.Add(rl.cfg.BlockDuration)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := time.Now()
	expiry := rl.cfg.WindowSize + rl.cfg.BlockDuration
	for key, record := range rl.records {
		if now.Sub(record.FirstSeen) > expiry {
			delete(rl.records, key)
		}
	}
}

// Stop halts the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}
