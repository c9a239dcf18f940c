// Package circuitbreaker implements the circuit-breaker pattern for upstream
// calls. Each route owns its own Breaker unless routes are configured to pool
// their failure budget.
//
// State transitions:
//
//	Closed   → Open      when consecutive failures ≥ MaxFailures
//	Open     → HalfOpen  on the first gating check after ResetTimeout elapses
//	HalfOpen → Closed    when a trial call succeeds
//	HalfOpen → Open      when a trial call fails (openedAt is refreshed)
//
// State lives in an immutable snapshot swapped with compare-and-swap, so
// breakers never block each other and no lock is held across a call.
package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State represents the circuit breaker's current state.
type State int32

const (
	// StateClosed is normal operation; calls pass through.
	StateClosed State = iota
	// StateOpen: upstream is considered failing; calls are rejected immediately.
	StateOpen
	// StateHalfOpen lets a bounded number of trial calls probe for recovery.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
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

// Defaults applied by Settings for zero or negative values.
const (
	DefaultMaxFailures       = 5
	DefaultCallTimeout       = 10 * time.Second
	DefaultResetTimeout      = 30 * time.Second
	DefaultHalfOpenMaxTrials = 1
)

var (
	// ErrCircuitOpen is returned when a call is rejected without being attempted.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrCallTimeout is returned when a gated call exceeds the call timeout.
	ErrCallTimeout = errors.New("circuit breaker call timeout")
	// ErrCanceled is returned by Execute when the caller's context ended
	// before the call completed. Such a call does not count for or against
	// the upstream.
	ErrCanceled = errors.New("circuit breaker call canceled by caller")
)

// Breaker is the gate consumed by Execute. Allow either rejects the call with
// an error wrapping ErrCircuitOpen or admits it and returns a done callback
// that must be invoked exactly once with the call's outcome.
type Breaker interface {
	Name() string
	State() State
	CallTimeout() time.Duration
	Allow() (done func(err error), err error)
}

// Settings configures a breaker.
type Settings struct {
	MaxFailures       int
	CallTimeout       time.Duration
	ResetTimeout      time.Duration
	HalfOpenMaxTrials int
	// OnStateChange is called after every committed transition.
	OnStateChange func(name string, from, to State)
	// Clock overrides time.Now, mostly for tests.
	Clock func() time.Time
}

func (s Settings) withDefaults() Settings {
	if s.MaxFailures <= 0 {
		s.MaxFailures = DefaultMaxFailures
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = DefaultCallTimeout
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultResetTimeout
	}
	if s.HalfOpenMaxTrials <= 0 {
		s.HalfOpenMaxTrials = DefaultHalfOpenMaxTrials
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
	return s
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

// classify maps a call error to its effect on the breaker. Only ErrCanceled,
// which Execute derives from the caller's context, is neutral. Errors that
// merely wrap context.DeadlineExceeded, such as net dial timeouts, are
// upstream failures.
func classify(err error) outcome {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, ErrCanceled):
		return outcomeIgnored
	default:
		return outcomeFailure
	}
}

// Snapshot is a point-in-time view of a CircuitBreaker.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
}

type snapshot struct {
	state      State
	failures   int
	openedAt   time.Time
	trials     int
	generation uint64
}

// CircuitBreaker is the native lock-free Breaker implementation.
type CircuitBreaker struct {
	name     string
	settings Settings
	current  atomic.Pointer[snapshot]
}

var _ Breaker = (*CircuitBreaker)(nil)

// New creates a closed CircuitBreaker.
func New(name string, s Settings) *CircuitBreaker {
	cb := &CircuitBreaker{name: name, settings: s.withDefaults()}
	cb.current.Store(&snapshot{state: StateClosed})
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// CallTimeout returns the timeout applied to each gated call.
func (cb *CircuitBreaker) CallTimeout() time.Duration { return cb.settings.CallTimeout }

// State returns the effective state. An open breaker whose reset timeout has
// elapsed reports HalfOpen; the transition itself is committed by Allow.
func (cb *CircuitBreaker) State() State {
	cur := cb.current.Load()
	if cur.state == StateOpen && cb.resetElapsed(cur) {
		return StateHalfOpen
	}
	return cur.state
}

// Snapshot returns the committed state with its counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cur := cb.current.Load()
	return Snapshot{State: cur.state, ConsecutiveFailures: cur.failures, OpenedAt: cur.openedAt}
}

func (cb *CircuitBreaker) resetElapsed(s *snapshot) bool {
	return cb.settings.Clock().Sub(s.openedAt) >= cb.settings.ResetTimeout
}

// Allow gates a call. Entering HalfOpen and admitting the first trial is a
// single CAS, so exactly HalfOpenMaxTrials calls probe the upstream.
func (cb *CircuitBreaker) Allow() (func(error), error) {
	for {
		cur := cb.current.Load()
		switch cur.state {
		case StateClosed:
			return cb.doneFunc(cur.generation, false), nil

		case StateOpen:
			if !cb.resetElapsed(cur) {
				return nil, ErrCircuitOpen
			}
			next := &snapshot{
				state:      StateHalfOpen,
				failures:   cur.failures,
				openedAt:   cur.openedAt,
				trials:     1,
				generation: cur.generation + 1,
			}
			if cb.current.CompareAndSwap(cur, next) {
				cb.notify(StateOpen, StateHalfOpen)
				return cb.doneFunc(next.generation, true), nil
			}

		case StateHalfOpen:
			if cur.trials >= cb.settings.HalfOpenMaxTrials {
				return nil, ErrCircuitOpen
			}
			next := *cur
			next.trials++
			if cb.current.CompareAndSwap(cur, &next) {
				return cb.doneFunc(next.generation, true), nil
			}
		}
	}
}

func (cb *CircuitBreaker) doneFunc(generation uint64, trial bool) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			switch classify(err) {
			case outcomeSuccess:
				cb.onSuccess(generation)
			case outcomeFailure:
				cb.onFailure(generation)
			case outcomeIgnored:
				if trial {
					cb.releaseTrial(generation)
				}
			}
		})
	}
}

// Results from a previous generation are dropped: a slow call admitted while
// closed must not re-open or close a breaker that has since moved on.
func (cb *CircuitBreaker) onSuccess(generation uint64) {
	for {
		cur := cb.current.Load()
		if cur.generation != generation {
			return
		}
		var next *snapshot
		switch cur.state {
		case StateClosed:
			if cur.failures == 0 {
				return
			}
			cp := *cur
			cp.failures = 0
			next = &cp
		case StateHalfOpen:
			next = &snapshot{state: StateClosed, generation: cur.generation + 1}
		default:
			return
		}
		if cb.current.CompareAndSwap(cur, next) {
			if cur.state != next.state {
				cb.notify(cur.state, next.state)
			}
			return
		}
	}
}

func (cb *CircuitBreaker) onFailure(generation uint64) {
	for {
		cur := cb.current.Load()
		if cur.generation != generation {
			return
		}
		cp := *cur
		cp.failures++
		switch cur.state {
		case StateClosed:
			if cp.failures >= cb.settings.MaxFailures {
				cp = snapshot{
					state:      StateOpen,
					failures:   cp.failures,
					openedAt:   cb.settings.Clock(),
					generation: cur.generation + 1,
				}
			}
		case StateHalfOpen:
			cp = snapshot{
				state:      StateOpen,
				failures:   cp.failures,
				openedAt:   cb.settings.Clock(),
				generation: cur.generation + 1,
			}
		default:
			return
		}
		if cb.current.CompareAndSwap(cur, &cp) {
			if cur.state != cp.state {
				cb.notify(cur.state, cp.state)
			}
			return
		}
	}
}

func (cb *CircuitBreaker) releaseTrial(generation uint64) {
	for {
		cur := cb.current.Load()
		if cur.generation != generation || cur.state != StateHalfOpen || cur.trials == 0 {
			return
		}
		next := *cur
		next.trials--
		if cb.current.CompareAndSwap(cur, &next) {
			return
		}
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(cb.name, from, to)
	}
}
