package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// BreakerState is the state of one dispatch target's circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows submit attempts through.
	BreakerClosed BreakerState = iota
	// BreakerOpen blocks submit attempts until openTimeout elapses.
	BreakerOpen
	// BreakerHalfOpen allows a limited number of probe attempts.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// DispatchBreaker guards submit attempts against one dispatch target — a
// group:database pair, or a single remote node — tripping open after
// maxFailures consecutive failures and probing recovery in half-open state.
// Grounded on the per-model AI breaker pattern (one breaker instance per
// target identity, success/failure counters feeding a failure rate) rather
// than a generic request-wrapper breaker: a dispatch target is a node or a
// group, not an arbitrary outbound HTTP service.
type DispatchBreaker struct {
	mu                sync.RWMutex
	target            string
	maxFailures       int
	openTimeout       time.Duration
	halfOpenMax       int
	state             BreakerState
	consecutiveFails  int
	halfOpenSuccesses int
	lastFailure       time.Time
	totalAttempts     int
	totalFailures     int
}

// NewDispatchBreaker constructs a breaker for one dispatch target.
func NewDispatchBreaker(target string, maxFailures int, openTimeout time.Duration) *DispatchBreaker {
	return &DispatchBreaker{
		target:      target,
		maxFailures: maxFailures,
		openTimeout: openTimeout,
		halfOpenMax: 3,
		state:       BreakerClosed,
	}
}

// Call runs fn if the breaker admits the attempt, recording the outcome.
func (b *DispatchBreaker) Call(fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.openTimeout {
		b.state = BreakerHalfOpen
		b.halfOpenSuccesses = 0
	}

	if !b.admit() {
		return fmt.Errorf("dispatch target %s: breaker %s", b.target, b.state)
	}

	b.totalAttempts++
	err := fn()
	b.record(err)
	return err
}

func (b *DispatchBreaker) admit() bool {
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		return b.halfOpenSuccesses < b.halfOpenMax
	default:
		return false
	}
}

func (b *DispatchBreaker) record(err error) {
	if err != nil {
		b.consecutiveFails++
		b.totalFailures++
		b.lastFailure = time.Now()
		if b.consecutiveFails >= b.maxFailures {
			b.state = BreakerOpen
		}
		return
	}

	if b.state == BreakerClosed {
		b.consecutiveFails = 0
	}
	if b.state == BreakerHalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.halfOpenMax {
			b.state = BreakerClosed
			b.consecutiveFails = 0
			b.halfOpenSuccesses = 0
		}
	}
}

// State returns the breaker's current state.
func (b *DispatchBreaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// GetState is an alias for State, kept for call sites that read it inline
// alongside the circuit_breaker_status gauge update.
func (b *DispatchBreaker) GetState() BreakerState {
	return b.State()
}

// GetFailures returns the current consecutive-failure count.
func (b *DispatchBreaker) GetFailures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.consecutiveFails
}

// IsOpen reports whether the breaker is currently open.
func (b *DispatchBreaker) IsOpen() bool { return b.State() == BreakerOpen }

// IsClosed reports whether the breaker is currently closed.
func (b *DispatchBreaker) IsClosed() bool { return b.State() == BreakerClosed }

// IsHalfOpen reports whether the breaker is currently probing recovery.
func (b *DispatchBreaker) IsHalfOpen() bool { return b.State() == BreakerHalfOpen }

// Reset returns the breaker to closed state, clearing all counters.
func (b *DispatchBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutiveFails = 0
	b.halfOpenSuccesses = 0
	b.totalAttempts = 0
	b.totalFailures = 0
}

// BreakerStats is a point-in-time snapshot of one target's breaker, used by
// the debug/breakers introspection endpoint.
type BreakerStats struct {
	Target           string  `json:"target"`
	State            string  `json:"state"`
	ConsecutiveFails int     `json:"consecutive_fails"`
	TotalAttempts    int     `json:"total_attempts"`
	TotalFailures    int     `json:"total_failures"`
	FailureRate      float64 `json:"failure_rate"`
}

// Stats returns a snapshot of this breaker's counters.
func (b *DispatchBreaker) Stats() BreakerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var rate float64
	if b.totalAttempts > 0 {
		rate = float64(b.totalFailures) / float64(b.totalAttempts)
	}
	return BreakerStats{
		Target:           b.target,
		State:            b.state.String(),
		ConsecutiveFails: b.consecutiveFails,
		TotalAttempts:    b.totalAttempts,
		TotalFailures:    b.totalFailures,
		FailureRate:      rate,
	}
}

// breakerRegistry holds one DispatchBreaker per dispatch target, created
// lazily the first time a target is submitted to.
type breakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*DispatchBreaker
}

var globalBreakers = &breakerRegistry{breakers: make(map[string]*DispatchBreaker)}

func (r *breakerRegistry) getOrCreate(target string, maxFailures int, openTimeout time.Duration) *DispatchBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[target]; ok {
		return b
	}
	b := NewDispatchBreaker(target, maxFailures, openTimeout)
	r.breakers[target] = b
	return b
}

// GetCircuitBreaker gets or creates the breaker for a dispatch target.
func GetCircuitBreaker(target string, maxFailures int, openTimeout time.Duration) *DispatchBreaker {
	return globalBreakers.getOrCreate(target, maxFailures, openTimeout)
}

// IsCircuitBreakerOpen reports whether target's breaker is currently open.
// Returns false for a target with no breaker yet (nothing has failed).
func IsCircuitBreakerOpen(target string) bool {
	globalBreakers.mu.RLock()
	b, ok := globalBreakers.breakers[target]
	globalBreakers.mu.RUnlock()
	return ok && b.State() == BreakerOpen
}

// ResetCircuitBreaker resets one target's breaker, if it exists.
func ResetCircuitBreaker(target string) {
	globalBreakers.mu.RLock()
	b, ok := globalBreakers.breakers[target]
	globalBreakers.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// ResetAllCircuitBreakers resets every registered breaker.
func ResetAllCircuitBreakers() {
	globalBreakers.mu.RLock()
	defer globalBreakers.mu.RUnlock()
	for _, b := range globalBreakers.breakers {
		b.Reset()
	}
}

// BreakerSnapshots returns a stats snapshot of every registered breaker,
// sorted by target, for operational introspection.
func BreakerSnapshots() []BreakerStats {
	globalBreakers.mu.RLock()
	defer globalBreakers.mu.RUnlock()
	out := make([]BreakerStats, 0, len(globalBreakers.breakers))
	for _, b := range globalBreakers.breakers {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}
