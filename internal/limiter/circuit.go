// Package limiter implements per-upstream and gateway-wide admission
// control: a bounded concurrency slot pool with a priority queue, and a
// per-upstream three-state circuit breaker, each a concrete type configured
// by its own Config struct.
package limiter

import (
	"math"
	"sync"
	"time"
)

// CircuitState is one of the three admission states a breaker can be in.
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half_open"
)

// CircuitConfig holds the breaker's tuning parameters.
type CircuitConfig struct {
	FailureThreshold  float64 // fraction in [0,1]; trip when failedRequests/totalRequests >= this
	MinimumRequests   int     // circuit stays closed below this total, regardless of ratio
	CooldownPeriod    time.Duration
	HalfOpenMaxProbes int
}

// DefaultCircuitConfig is a conservative starting point: trip once at least
// 5 requests have been seen and half of them failed, cool down for a
// second, then allow one probe through.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		FailureThreshold:  0.5,
		MinimumRequests:   5,
		CooldownPeriod:    time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker is a three-state admission guard that trips on an
// upstream's failure ratio. The ratio covers every outcome recorded since
// the breaker last closed; no rolling window of recent outcomes is kept.
// Safe for concurrent use.
type CircuitBreaker struct {
	cfg           CircuitConfig
	onStateChange func(CircuitState)

	mu               sync.Mutex
	state            CircuitState
	totalRequests    int
	failedRequests   int
	lastFailure      time.Time
	halfOpenInFlight int
	halfOpenFailed   bool
}

// NewCircuitBreaker creates a breaker starting in the closed state.
func NewCircuitBreaker(cfg CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// OnStateChange installs a callback invoked whenever the breaker transitions
// states, for a metrics sink to record. Not
// called for the initial closed state.
func (b *CircuitBreaker) OnStateChange(fn func(CircuitState)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

func (b *CircuitBreaker) setStateLocked(s CircuitState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onStateChange != nil {
		fn, state := b.onStateChange, s
		go fn(state)
	}
}

// Allow reports whether a new call should be admitted, and if not, the
// seconds the caller should wait before retrying (only meaningful when
// ok is false and the breaker is open).
func (b *CircuitBreaker) Allow() (ok bool, retryAfterSeconds int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) >= b.cfg.CooldownPeriod {
			b.setStateLocked(StateHalfOpen)
			b.halfOpenInFlight = 0
			b.halfOpenFailed = false
			return b.admitHalfOpenLocked()
		}
		return false, int(math.Ceil(b.cfg.CooldownPeriod.Seconds()))
	case StateHalfOpen:
		return b.admitHalfOpenLocked()
	default: // StateClosed
		return true, 0
	}
}

func (b *CircuitBreaker) admitHalfOpenLocked() (bool, int) {
	if b.halfOpenInFlight >= b.cfg.HalfOpenMaxProbes {
		return false, int(math.Ceil(b.cfg.CooldownPeriod.Seconds()))
	}
	b.halfOpenInFlight++
	return true, 0
}

// RecordSuccess reports a successful call outcome.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInFlight--
		if !b.halfOpenFailed && b.halfOpenInFlight <= 0 {
			b.resetLocked()
		}
	case StateClosed:
		b.maybeTripLocked()
	}
}

// RecordFailure reports a failed call outcome, feeding the circuit breaker.
// Queue timeouts must NOT be reported here — only calls that were actually
// admitted and then failed.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.failedRequests++
	b.lastFailure = time.Now()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInFlight--
		b.halfOpenFailed = true
		b.setStateLocked(StateOpen)
	case StateClosed:
		b.maybeTripLocked()
	}
}

func (b *CircuitBreaker) maybeTripLocked() {
	if b.totalRequests < b.cfg.MinimumRequests {
		return
	}
	if float64(b.failedRequests)/float64(b.totalRequests) >= b.cfg.FailureThreshold {
		b.setStateLocked(StateOpen)
	}
}

func (b *CircuitBreaker) resetLocked() {
	b.setStateLocked(StateClosed)
	b.totalRequests = 0
	b.failedRequests = 0
	b.halfOpenFailed = false
}

// State returns the breaker's current state, for observability.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
