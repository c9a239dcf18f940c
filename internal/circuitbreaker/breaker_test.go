package circuitbreaker

import (
	"context"
	"net"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDial = errors.New("dial tcp: connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock, maxFailures int) *CircuitBreaker {
	return New("test", Settings{
		MaxFailures:  maxFailures,
		CallTimeout:  time.Second,
		ResetTimeout: 30 * time.Second,
		Clock:        clock.Now,
	})
}

func fail(cb Breaker) error {
	_, err := Execute(context.Background(), cb, func(context.Context) (struct{}, error) {
		return struct{}{}, errDial
	})
	return err
}

func succeed(cb Breaker) error {
	_, err := Execute(context.Background(), cb, func(context.Context) (string, error) {
		return "ok", nil
	})
	return err
}

func TestInitialStateClosed(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 3)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "test", cb.Name())
	assert.Equal(t, time.Second, cb.CallTimeout())
}

func TestNewAppliesDefaults(t *testing.T) {
	cb := New("defaults", Settings{})

	assert.Equal(t, DefaultMaxFailures, cb.settings.MaxFailures)
	assert.Equal(t, DefaultCallTimeout, cb.settings.CallTimeout)
	assert.Equal(t, DefaultResetTimeout, cb.settings.ResetTimeout)
	assert.Equal(t, DefaultHalfOpenMaxTrials, cb.settings.HalfOpenMaxTrials)
}

func TestOpensAfterMaxFailures(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 3)

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, fail(cb), errDial)
		assert.Equal(t, StateClosed, cb.State())
	}
	require.ErrorIs(t, fail(cb), errDial)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, 3, cb.Snapshot().ConsecutiveFailures)

	var calls int
	_, err := Execute(context.Background(), cb, func(context.Context) (int, error) {
		calls++
		return 0, nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls, "open breaker must not invoke the operation")
	assert.Equal(t, 3, cb.Snapshot().ConsecutiveFailures, "rejections do not count as failures")
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 3)

	_ = fail(cb)
	_ = fail(cb)
	require.NoError(t, succeed(cb))
	assert.Zero(t, cb.Snapshot().ConsecutiveFailures)

	_ = fail(cb)
	_ = fail(cb)
	assert.Equal(t, StateClosed, cb.State())
}

func TestStaysOpenUntilResetTimeout(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1)
	_ = fail(cb)

	clock.Advance(29 * time.Second)
	assert.Equal(t, StateOpen, cb.State())
	require.ErrorIs(t, succeed(cb), ErrCircuitOpen)

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestHalfOpenTrialSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 2)
	_ = fail(cb)
	_ = fail(cb)
	clock.Advance(30 * time.Second)

	require.NoError(t, succeed(cb))

	snap := cb.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1)
	_ = fail(cb)
	firstOpened := cb.Snapshot().OpenedAt

	clock.Advance(31 * time.Second)
	require.ErrorIs(t, fail(cb), errDial)

	snap := cb.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, clock.Now(), snap.OpenedAt)
	assert.True(t, snap.OpenedAt.After(firstOpened))
	require.ErrorIs(t, succeed(cb), ErrCircuitOpen)
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1)
	_ = fail(cb)
	clock.Advance(30 * time.Second)

	done, err := cb.Allow()
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.Snapshot().State)

	_, err = cb.Allow()
	require.ErrorIs(t, err, ErrCircuitOpen)

	done(nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenBoundedTrials(t *testing.T) {
	clock := newFakeClock()
	cb := New("bounded", Settings{
		MaxFailures:       1,
		ResetTimeout:      time.Second,
		HalfOpenMaxTrials: 2,
		Clock:             clock.Now,
	})
	_ = fail(cb)
	clock.Advance(time.Second)

	_, err := cb.Allow()
	require.NoError(t, err)
	_, err = cb.Allow()
	require.NoError(t, err)
	_, err = cb.Allow()
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestConcurrentHalfOpenAdmitsOneTrial(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1)
	_ = fail(cb)
	clock.Advance(30 * time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cb.Allow(); err == nil {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	cb := New("slow", Settings{MaxFailures: 1, CallTimeout: 10 * time.Millisecond})

	_, err := Execute(context.Background(), cb, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	require.ErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCallTimeoutAbandonsStuckOperation(t *testing.T) {
	cb := New("stuck", Settings{MaxFailures: 5, CallTimeout: 10 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)

	_, err := Execute(context.Background(), cb, func(context.Context) (int, error) {
		<-release
		return 1, nil
	})

	require.ErrorIs(t, err, ErrCallTimeout)
	assert.Equal(t, 1, cb.Snapshot().ConsecutiveFailures)
}

func TestCallerCancellationIsNeutral(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Execute(ctx, cb, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	require.ErrorIs(t, err, ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Snapshot().ConsecutiveFailures)
}

func TestCancelledTrialReleasesSlot(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1)
	_ = fail(cb)
	clock.Advance(30 * time.Second)

	done, err := cb.Allow()
	require.NoError(t, err)
	done(ErrCanceled)

	assert.Equal(t, StateHalfOpen, cb.Snapshot().State)
	_, err = cb.Allow()
	require.NoError(t, err, "trial slot should be free again")
}

func TestStaleResultIsDropped(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1)

	slowDone, err := cb.Allow()
	require.NoError(t, err)
	_ = fail(cb)
	require.Equal(t, StateOpen, cb.State())

	slowDone(nil)
	assert.Equal(t, StateOpen, cb.State(), "a result admitted before the trip must not close the breaker")
}

func TestDoneIsIdempotent(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 2)

	done, err := cb.Allow()
	require.NoError(t, err)
	done(errDial)
	done(errDial)

	assert.Equal(t, 1, cb.Snapshot().ConsecutiveFailures)
}

func TestExecuteReturnsValueWithError(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 5)
	errStatus := errors.New("upstream returned 503")

	v, err := Execute(context.Background(), cb, func(context.Context) (int, error) {
		return 503, errStatus
	})

	require.ErrorIs(t, err, errStatus)
	assert.Equal(t, 503, v)
	assert.Equal(t, 1, cb.Snapshot().ConsecutiveFailures)
}

func TestExecuteRecoversPanic(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 5)

	_, err := Execute(context.Background(), cb, func(context.Context) (int, error) {
		panic("boom")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, 1, cb.Snapshot().ConsecutiveFailures)
}

func TestOnStateChangeSequence(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var transitions []string
	cb := New("seq", Settings{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Clock:        clock.Now,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = fail(cb)
	clock.Advance(time.Second)
	_ = fail(cb)
	clock.Advance(time.Second)
	_ = succeed(cb)

	assert.Equal(t, []string{
		"seq:closed->open",
		"seq:open->half_open",
		"seq:half_open->open",
		"seq:open->half_open",
		"seq:half_open->closed",
	}, transitions)
}

func TestConcurrentFailuresTripOnce(t *testing.T) {
	var trips atomic.Int32
	cb := New("race", Settings{
		MaxFailures: 5,
		OnStateChange: func(_ string, _, to State) {
			if to == StateOpen {
				trips.Add(1)
			}
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fail(cb)
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, int32(1), trips.Load())
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

// dialTimeout fails the way a blackholed upstream does: a net dial timeout,
// which matches context.DeadlineExceeded without the caller having given up.
func dialTimeout(ctx context.Context) (struct{}, error) {
	d := net.Dialer{Timeout: time.Nanosecond}
	conn, err := d.DialContext(ctx, "tcp", "192.0.2.1:80")
	if conn != nil {
		_ = conn.Close()
	}
	return struct{}{}, err
}

func TestDialTimeoutCountsAsFailure(t *testing.T) {
	engines := map[string]Breaker{
		"native":    newTestBreaker(newFakeClock(), 2),
		"gobreaker": NewGoBreaker("gb", Settings{MaxFailures: 2, CallTimeout: time.Second, ResetTimeout: time.Minute}),
	}
	for name, cb := range engines {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 2; i++ {
				_, err := Execute(context.Background(), cb, dialTimeout)
				require.Error(t, err)
				require.ErrorIs(t, err, context.DeadlineExceeded)
				require.NotErrorIs(t, err, ErrCanceled)
			}
			assert.Equal(t, StateOpen, cb.State())
		})
	}
}

func TestCancelledCallerWithFailingOpIsNeutral(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 1)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := Execute(ctx, cb, func(context.Context) (struct{}, error) {
		cancel()
		return struct{}{}, errDial
	})

	require.ErrorIs(t, err, ErrCanceled)
	require.ErrorIs(t, err, errDial)
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Snapshot().ConsecutiveFailures)
}
