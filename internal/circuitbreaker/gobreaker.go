package circuitbreaker

import (
	"fmt"
	"math"
	"time"

	"github.com/sony/gobreaker"
)

// GoBreaker adapts a sony/gobreaker two-step breaker to the Breaker
// interface. It trips on consecutive failures like the native breaker.
// gobreaker's two-step API has no neutral outcome, so a call cancelled by its
// caller is reported as a success while closed and as a failure while
// half-open, where it must not close the breaker.
type GoBreaker struct {
	gb          *gobreaker.TwoStepCircuitBreaker
	callTimeout time.Duration
}

var _ Breaker = (*GoBreaker)(nil)

// NewGoBreaker creates a GoBreaker. Settings.Clock is not supported by
// gobreaker and is ignored.
//
// HalfOpenMaxTrials becomes gobreaker's MaxRequests: up to that many trials
// are admitted while half-open and all of them must succeed, consecutively,
// before the breaker closes. The native breaker closes on the first trial
// success.
func NewGoBreaker(name string, s Settings) *GoBreaker {
	s = s.withDefaults()
	threshold := toUint32(s.MaxFailures)
	onChange := s.OnStateChange

	return &GoBreaker{
		callTimeout: s.CallTimeout,
		gb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: toUint32(s.HalfOpenMaxTrials),
			Timeout:     s.ResetTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if onChange != nil {
					onChange(name, fromGobreaker(from), fromGobreaker(to))
				}
			},
		}),
	}
}

// Name returns the breaker name.
func (b *GoBreaker) Name() string { return b.gb.Name() }

// CallTimeout returns the timeout applied to each gated call.
func (b *GoBreaker) CallTimeout() time.Duration { return b.callTimeout }

// State returns the current state as reported by gobreaker.
func (b *GoBreaker) State() State { return fromGobreaker(b.gb.State()) }

// Allow gates a call. gobreaker's ErrOpenState and ErrTooManyRequests are
// both reported as ErrCircuitOpen.
func (b *GoBreaker) Allow() (func(error), error) {
	done, err := b.gb.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return func(err error) {
		switch classify(err) {
		case outcomeSuccess:
			done(true)
		case outcomeIgnored:
			done(b.gb.State() != gobreaker.StateHalfOpen)
		default:
			done(false)
		}
	}, nil
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func toUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if uint64(n) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
