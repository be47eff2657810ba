package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketbridge/marketbridge/internal/core"
)

var errBoom = errors.New("boom")

func TestCircuitBreakerTransitions(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	cb := NewCircuitBreaker(3, time.Minute, clock.Now)

	calls := 0
	failing := func() error {
		calls++
		return errBoom
	}

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Call(failing), errBoom)
	}
	require.Equal(t, StateOpen, cb.State())
	require.Equal(t, 3, cb.FailureCount())
	require.Equal(t, 3, calls)

	require.ErrorIs(t, cb.Call(failing), core.ErrCircuitOpen)
	require.Equal(t, 3, calls)

	clock.Advance(time.Minute)
	require.ErrorIs(t, cb.Call(failing), core.ErrCircuitOpen, "timeout boundary is inclusive")

	clock.Advance(time.Second)
	require.NoError(t, cb.Call(func() error {
		calls++
		require.Equal(t, StateHalfOpen, cb.State())
		return nil
	}))
	require.Equal(t, 4, calls)
	require.Equal(t, StateClosed, cb.State())
	require.Zero(t, cb.FailureCount())
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	cb := NewCircuitBreaker(2, 10*time.Second, clock.Now)

	require.Error(t, cb.Call(func() error { return errBoom }))
	require.Error(t, cb.Call(func() error { return errBoom }))
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(11 * time.Second)
	require.ErrorIs(t, cb.Call(func() error { return errBoom }), errBoom)
	require.Equal(t, StateOpen, cb.State())
	require.Equal(t, 3, cb.FailureCount())

	require.ErrorIs(t, cb.Call(func() error { return nil }), core.ErrCircuitOpen)
}

func TestCircuitBreakerSingleProbe(t *testing.T) {
	clock := newFakeClock(time.Unix(0, 0))
	cb := NewCircuitBreaker(1, time.Second, clock.Now)

	require.Error(t, cb.Call(func() error { return errBoom }))
	clock.Advance(2 * time.Second)

	release := make(chan struct{})
	probeDone := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		probeDone <- cb.Call(func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	require.ErrorIs(t, cb.Call(func() error { return nil }), core.ErrCircuitOpen)

	close(release)
	require.NoError(t, <-probeDone)
	require.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour, nil)
	require.Error(t, cb.Call(func() error { return errBoom }))
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	require.Equal(t, StateClosed, cb.State())
	require.Zero(t, cb.FailureCount())
	require.NoError(t, cb.Call(func() error { return nil }))
}

func TestBreakerStateString(t *testing.T) {
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "open", StateOpen.String())
	require.Equal(t, "half_open", StateHalfOpen.String())
}
