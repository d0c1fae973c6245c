// Package resilience protects backend dialing from hammering a dead endpoint.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open).
// [Failover] orders several endpoints of the same kind, each behind its own
// breaker, so a failing primary backend is bypassed in favour of the next
// healthy one.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through; success
	// closes the breaker and any failure re-opens it.
	StateHalfOpen
)

// String returns the state name.
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
	// Name labels the breaker in logs, usually the endpoint it guards.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 1.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the
	// breaker's mutex released.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(name string, from, to State)
	now          func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeSuccesses  int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value fields get defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		now:          cfg.Now,
	}
}

// Execute runs fn unless the breaker rejects the call with [ErrCircuitOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, changed, err := cb.admit()
	cb.notify(changed)
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	if err != nil {
		changed = cb.recordFailure(probe)
	} else {
		changed = cb.recordSuccess(probe)
	}
	cb.mu.Unlock()
	cb.notify(changed)
	return err
}

type transition struct {
	from, to State
	ok       bool
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, changed transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, transition{}, ErrCircuitOpen
		}
		changed = cb.setState(StateHalfOpen)
		cb.probes = 0
		cb.probeSuccesses = 0
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenMax {
			return false, changed, ErrCircuitOpen
		}
		cb.probes++
		return true, changed, nil
	}
	return false, changed, nil
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probe bool) transition {
	if probe {
		cb.openedAt = cb.now()
		return cb.setState(StateOpen)
	}
	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
		cb.openedAt = cb.now()
		return cb.setState(StateOpen)
	}
	return transition{}
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probe bool) transition {
	if probe {
		cb.probeSuccesses++
		if cb.state == StateHalfOpen && cb.probeSuccesses >= cb.halfOpenMax {
			cb.consecutiveFail = 0
			return cb.setState(StateClosed)
		}
		return transition{}
	}
	cb.consecutiveFail = 0
	return transition{}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) transition {
	from := cb.state
	if from == to {
		return transition{}
	}
	cb.state = to
	return transition{from: from, to: to, ok: true}
}

func (cb *CircuitBreaker) notify(t transition) {
	if !t.ok {
		return
	}
	slog.Info("circuit breaker state changed", "name", cb.name, "from", t.from, "to", t.to)
	if cb.onChange != nil {
		cb.onChange(cb.name, t.from, t.to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	changed := cb.setState(StateClosed)
	cb.consecutiveFail = 0
	cb.probes = 0
	cb.probeSuccesses = 0
	cb.mu.Unlock()
	cb.notify(changed)
}
