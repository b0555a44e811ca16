// SPDX-License-Identifier: MIT

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

var errBoom = errors.New("boom")

func newTestBreaker(clk *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker("test", 5, 30*time.Second, WithClock(clk))
}

func TestOpensAtThreshold(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clk)

	for i := 0; i < 4; i++ {
		require.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
		assert.Equal(t, StateClosed, cb.State())
	}
	require.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// Short-circuits while open.
	err := cb.Execute(func() error { return nil })
	require.ErrorIs(t, err, ErrBreakerOpen)
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clk)
	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
	require.Equal(t, StateOpen, cb.State())

	clk.Advance(31 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clk)
	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
	clk.Advance(31 * time.Second)
	require.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// The failed probe resets the open timer; still short-circuiting.
	require.ErrorIs(t, cb.Execute(func() error { return nil }), ErrBreakerOpen)
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clk)
	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
	clk.Advance(31 * time.Second)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	go func() {
		_ = cb.Execute(func() error {
			close(probeStarted)
			<-release
			return nil
		})
	}()
	<-probeStarted

	// A second caller while the probe is in flight is rejected.
	require.ErrorIs(t, cb.Execute(func() error { return nil }), ErrBreakerOpen)
	close(release)
}

func TestShouldCountFilter(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	counted := errors.New("counted")
	cb := NewCircuitBreaker("filter", 2, 30*time.Second,
		WithClock(clk),
		WithShouldCount(func(err error) bool { return errors.Is(err, counted) }))

	// Auth-style failures pass through without tripping.
	for i := 0; i < 10; i++ {
		require.ErrorIs(t, cb.Execute(func() error { return errBoom }), errBoom)
	}
	assert.Equal(t, StateClosed, cb.State())

	_ = cb.Execute(func() error { return counted })
	_ = cb.Execute(func() error { return counted })
	assert.Equal(t, StateOpen, cb.State())
}

func TestSuccessClearsFailureCounter(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	cb := newTestBreaker(clk)
	for i := 0; i < 4; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
	require.NoError(t, cb.Execute(func() error { return nil }))
	for i := 0; i < 4; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestRegistryIsolatesKeys(t *testing.T) {
	reg := NewRegistry(2, 30*time.Second)
	player := reg.For("player")
	top := reg.For("top")

	_ = player.Execute(func() error { return errBoom })
	_ = player.Execute(func() error { return errBoom })

	assert.Equal(t, StateOpen, player.State())
	assert.Equal(t, StateClosed, top.State())
	assert.Same(t, player, reg.For("player"))
}
