// Package resilience provides the retry and circuit-breaker primitives that
// guard the synthesis engine.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open) with
// a single-probe half-open phase. [Retry] recovers transient synthesis faults
// with exponential backoff. [BreakerSet] keys breakers on engine/device
// pairs so a CPU fallback is not penalised for GPU failures.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is the fast-fail answer from [CircuitBreaker.Execute] while
// the breaker is open, or while the half-open probe slot is taken.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen admits exactly one probe call. Its outcome decides
	// whether the breaker closes or re-opens.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log messages, typically the "engine/device" key.
	Name string

	// MaxFailures is the consecutive-failure count that opens the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting the
	// half-open probe. Default: 60s.
	ResetTimeout time.Duration
}

// CircuitBreaker guards a downstream call site. While open it answers in
// microseconds instead of letting callers pile up on a dead backend.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	probeInFlight   bool
}

// NewCircuitBreaker builds a breaker, filling zero config fields with the
// documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		state:        StateClosed,
	}
}

// Execute runs fn if the breaker admits the call, otherwise it returns
// [ErrCircuitOpen] without touching fn. Rejected calls do not count toward
// the failure streak.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probing, ok := cb.admit()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()
	cb.settle(probing, err)
	return err
}

// admit decides whether a call may proceed and reports whether it is the
// half-open probe.
func (cb *CircuitBreaker) admit() (probing, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.resetTimeout {
			return false, false
		}
		cb.state = StateHalfOpen
		cb.probeInFlight = false
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)

	case StateHalfOpen:
		if cb.probeInFlight {
			// The single probe slot is taken.
			return false, false
		}
	}

	if cb.state == StateHalfOpen {
		cb.probeInFlight = true
		return true, true
	}
	return false, true
}

// settle applies the call outcome to the breaker state.
func (cb *CircuitBreaker) settle(probing bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probing {
		cb.probeInFlight = false
	}

	if err == nil {
		cb.consecutiveFail = 0
		if probing {
			cb.state = StateClosed
			slog.Info("circuit breaker closed after successful probe", "name", cb.name)
		}
		return
	}

	cb.lastFailure = time.Now()
	if probing {
		// A failed probe re-opens for a full reset window.
		cb.state = StateOpen
		cb.consecutiveFail = cb.maxFailures
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return
	}

	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// State reports the breaker's mode. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the stored state flips on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed] and clears the failure
// streak.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.probeInFlight = false
	slog.Info("circuit breaker manually reset", "name", cb.name)
}

// BreakerSet lazily hands out one [CircuitBreaker] per key. Keys are
// "engine/device" pairs. Safe for concurrent use.
type BreakerSet struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet builds the set; members inherit cfg with Name replaced by
// their key.
func NewBreakerSet(cfg CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// For returns the breaker for key, creating it on first use.
func (bs *BreakerSet) For(key string) *CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	cb, ok := bs.breakers[key]
	if !ok {
		cfg := bs.cfg
		cfg.Name = key
		cb = NewCircuitBreaker(cfg)
		bs.breakers[key] = cb
	}
	return cb
}
