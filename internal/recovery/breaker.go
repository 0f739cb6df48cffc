// Package recovery implements spec.md §4.I's recovery core: a retry
// executor with exponential backoff and jitter wrapping any fallible
// operation, an optional circuit breaker guarding each wrapped
// operation's target, and a per-feature graceful-degradation tracker.
//
// Grounded on internal/monitoring/recovery/orchestrator.go's restart
// backoff loop (capped exponential delay, consecutive-failure
// bookkeeping, structured log.Printf-with-tag lines) — that file
// recovers whole services by shelling out to docker restart; nothing in
// the teacher implements a breaker with Closed/Open/HalfOpen states, so
// that state machine is built directly from §4.I/§7's three-state
// description.
package recovery

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/chimera-pool/chimera-pool-core/internal/errs"
)

// BreakerState is one of the three states spec.md §4.I names.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker's transition thresholds.
type BreakerConfig struct {
	Threshold int           // consecutive failures before Closed -> Open
	ResetMs   time.Duration // Open -> HalfOpen delay
}

// CircuitBreaker implements spec.md §4.I's three-state breaker: Closed
// admits calls, Open rejects immediately with System("circuit open"),
// HalfOpen admits exactly one probe and resolves back to Closed or Open
// based on its outcome.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu               sync.Mutex
	state            BreakerState
	consecutiveFails int
	openedAt         time.Time
	probeInFlight    bool
}

// NewCircuitBreaker builds a breaker starting Closed.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.ResetMs <= 0 {
		cfg.ResetMs = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State reports the breaker's current state, promoting Open to HalfOpen
// if reset_ms has elapsed since it opened.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybePromoteLocked()
	return b.state
}

func (b *CircuitBreaker) maybePromoteLocked() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.ResetMs {
		b.state = StateHalfOpen
		b.probeInFlight = false
	}
}

// Guard runs fn if the breaker admits it, recording the outcome against
// the breaker's state. Returns System("circuit open") without invoking
// fn when the breaker is Open.
func (b *CircuitBreaker) Guard(fn func() error) error {
	if !b.allow() {
		return errs.New(errs.KindSystem, "circuit open")
	}
	err := fn()
	b.recordResult(err == nil)
	return err
}

// allow decides whether a call may proceed, reserving the single probe
// slot if the breaker is HalfOpen.
func (b *CircuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybePromoteLocked()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default: // StateOpen
		return false
	}
}

// recordResult updates breaker state after a guarded call completes.
func (b *CircuitBreaker) recordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		if success {
			b.state = StateClosed
			b.consecutiveFails = 0
			log.Printf("[CircuitBreaker] probe succeeded, closing")
		} else {
			b.state = StateOpen
			b.openedAt = time.Now()
			log.Printf("[CircuitBreaker] probe failed, reopening")
		}
	case StateClosed:
		if success {
			b.consecutiveFails = 0
			return
		}
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.Threshold {
			b.state = StateOpen
			b.openedAt = time.Now()
			log.Printf("[CircuitBreaker] opening after %d consecutive failures", b.consecutiveFails)
		}
	}
}

// RetryConfig configures the backoff an Executor applies between attempts.
type RetryConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	JitterFactor  float64 // 0..1, fraction of the delay randomized
}

// Executor wraps fallible operations with retry-with-backoff and an
// optional circuit breaker, per spec.md §4.I.
type Executor struct {
	cfg     RetryConfig
	breaker *CircuitBreaker
}

// NewExecutor builds an Executor. breaker may be nil to retry without
// guarding a shared breaker.
func NewExecutor(cfg RetryConfig, breaker *CircuitBreaker) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	return &Executor{cfg: cfg, breaker: breaker}
}

// Do runs fn, retrying on error up to MaxRetries with capped exponential
// backoff plus jitter, short-circuiting through the breaker when one is
// attached.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := e.cfg.BaseDelay
	var lastErr error

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if e.breaker != nil && !e.breaker.allow() {
			return errs.New(errs.KindSystem, "circuit open")
		}

		err := fn(ctx)
		if e.breaker != nil {
			e.breaker.recordResult(err == nil)
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == e.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay, e.cfg.JitterFactor)):
		}
		delay = capDuration(time.Duration(float64(delay)*e.cfg.Multiplier), e.cfg.MaxDelay)
	}
	return lastErr
}

func jittered(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	spread := float64(d) * factor
	offset := (rand.Float64()*2 - 1) * spread
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return 0
	}
	return result
}

func capDuration(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

// DegradationController tracks per-feature failure counts and marks a
// feature disabled once it exceeds a threshold, per spec.md §4.I. A
// successful call re-enables it.
type DegradationController struct {
	threshold int

	mu       sync.Mutex
	failures map[string]int
	disabled map[string]bool
}

// NewDegradationController builds a controller with the given
// per-feature failure threshold.
func NewDegradationController(threshold int) *DegradationController {
	if threshold <= 0 {
		threshold = 3
	}
	return &DegradationController{
		threshold: threshold,
		failures:  make(map[string]int),
		disabled:  make(map[string]bool),
	}
}

// RecordSuccess clears a feature's failure count and re-enables it.
func (d *DegradationController) RecordSuccess(feature string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failures, feature)
	if d.disabled[feature] {
		delete(d.disabled, feature)
		log.Printf("[DegradationController] re-enabling %s", feature)
	}
}

// RecordFailure increments a feature's failure count, disabling it once
// the configured threshold is exceeded.
func (d *DegradationController) RecordFailure(feature string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[feature]++
	if d.failures[feature] > d.threshold && !d.disabled[feature] {
		d.disabled[feature] = true
		log.Printf("[DegradationController] disabling %s after %d failures", feature, d.failures[feature])
	}
}

// IsFeatureEnabled reports whether callers should perform feature's
// optional work (persistence, telemetry, ...).
func (d *DegradationController) IsFeatureEnabled(feature string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.disabled[feature]
}
