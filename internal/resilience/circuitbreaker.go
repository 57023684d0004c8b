// Package resilience provides the failure-handling primitives shared by the
// pipeline engines: retry schedules with fault classification, a three-state
// circuit breaker, and provider failover groups with tiered canned
// responses for the LLM path.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// is open and its cooldown has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to decide
	// whether the upstream has recovered.
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
	}
	return "unknown"
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is the cooldown before an open breaker admits probe
	// calls again. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget in the half-open state. The breaker
	// closes after this many consecutive probe successes. Default: 3.
	HalfOpenMax int
}

// CircuitBreaker is a classic three-state breaker. A run of failures opens
// it; after a cooldown a few probe calls decide whether it closes again.
type CircuitBreaker struct {
	name     string
	trip     int
	cooldown time.Duration
	quota    int

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	probeErr bool
}

// NewCircuitBreaker creates a breaker, replacing zero-valued config fields
// with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:     cfg.Name,
		trip:     cfg.MaxFailures,
		cooldown: cfg.ResetTimeout,
		quota:    cfg.HalfOpenMax,
	}
	if cb.trip <= 0 {
		cb.trip = 5
	}
	if cb.cooldown <= 0 {
		cb.cooldown = 30 * time.Second
	}
	if cb.quota <= 0 {
		cb.quota = 3
	}
	return cb
}

// Execute runs fn if the breaker admits the call, then folds the result
// into the breaker state.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()
	cb.observe(err != nil, probe)
	return err
}

// admit decides whether a call may proceed, performing the open → half-open
// transition when the cooldown has elapsed. It reports whether the admitted
// call is a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if time.Since(cb.openedAt) < cb.cooldown {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeErr = false
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
	}

	// Half-open: spend one unit of the probe budget.
	if cb.probes >= cb.quota {
		return false, ErrCircuitOpen
	}
	cb.probes++
	return true, nil
}

// observe folds one call outcome into the breaker state.
func (cb *CircuitBreaker) observe(failed, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case failed && probe:
		// One failed probe is enough to re-open.
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.failures = cb.trip
		cb.probeErr = true
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)

	case failed:
		cb.failures++
		cb.openedAt = time.Now()
		if cb.failures >= cb.trip {
			cb.state = StateOpen
			slog.Warn("circuit breaker opened",
				"name", cb.name, "consecutive_failures", cb.failures)
		}

	case probe:
		if !cb.probeErr && cb.probes >= cb.quota {
			cb.state = StateClosed
			cb.failures = 0
			slog.Info("circuit breaker closed after successful probes", "name", cb.name)
		}

	default:
		cb.failures = 0
	}
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports half-open; the actual transition happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeErr = false
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
