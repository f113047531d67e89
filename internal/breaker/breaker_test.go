package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

func testManager(openTimeout time.Duration, sink feed.EventSink) *Manager {
	cfg := config.BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      openTimeout,
		Window:           time.Minute,
	}
	return NewManager(cfg, zerolog.Nop(), sink)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	m := testManager(time.Minute, nil)
	m.Register("binance")

	boom := errors.New("stream error")
	for i := 0; i < 4; i++ {
		m.Report("binance", boom)
		assert.True(t, m.Allow("binance"), "failure %d must not trip", i+1)
	}
	m.Report("binance", boom)

	assert.False(t, m.Allow("binance"))
	assert.Equal(t, "open", m.State("binance"))
}

func TestBreakerFailsFastWhenOpen(t *testing.T) {
	m := testManager(time.Minute, nil)
	m.Register("kraken")

	for i := 0; i < 5; i++ {
		m.Report("kraken", errors.New("down"))
	}

	called := false
	err := m.Execute(context.Background(), "kraken", func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, feed.ErrCircuitOpen)
	assert.False(t, called, "open circuit must not dispatch")
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	m := testManager(50*time.Millisecond, nil)
	m.Register("coinbase")

	for i := 0; i < 5; i++ {
		m.Report("coinbase", errors.New("down"))
	}
	require.Equal(t, "open", m.State("coinbase"))

	time.Sleep(80 * time.Millisecond)

	// Two consecutive probe successes close the circuit.
	for i := 0; i < 2; i++ {
		err := m.Execute(context.Background(), "coinbase", func(context.Context) error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, "closed", m.State("coinbase"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	m := testManager(50*time.Millisecond, nil)
	m.Register("coinbase")

	for i := 0; i < 5; i++ {
		m.Report("coinbase", errors.New("down"))
	}
	time.Sleep(80 * time.Millisecond)

	err := m.Execute(context.Background(), "coinbase", func(context.Context) error {
		return errors.New("still down")
	})
	require.Error(t, err)
	assert.Equal(t, "open", m.State("coinbase"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	m := testManager(time.Minute, nil)
	m.Register("binance")

	for i := 0; i < 4; i++ {
		m.Report("binance", errors.New("blip"))
	}
	require.NoError(t, m.Execute(context.Background(), "binance", func(context.Context) error { return nil }))

	// Four more failures after the success stay under the threshold.
	for i := 0; i < 4; i++ {
		m.Report("binance", errors.New("blip"))
	}
	assert.True(t, m.Allow("binance"))
}

func TestTransitionEventsEmitted(t *testing.T) {
	var events []feed.Event
	m := testManager(time.Minute, func(ev feed.Event) { events = append(events, ev) })
	m.Register("binance")

	for i := 0; i < 5; i++ {
		m.Report("binance", errors.New("down"))
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, feed.EventCircuitTransition, last.Kind)
	assert.Equal(t, "binance", last.Source)
	assert.Equal(t, "open", last.To)
}

func TestUnregisteredSourceAllowed(t *testing.T) {
	m := testManager(time.Minute, nil)
	assert.True(t, m.Allow("unknown"))
	assert.Equal(t, "unregistered", m.State("unknown"))

	err := m.Execute(context.Background(), "unknown", func(context.Context) error { return nil })
	assert.Error(t, err, "execute needs a registered breaker")
}

func TestSnapshot(t *testing.T) {
	m := testManager(time.Minute, nil)
	m.Register("binance")
	m.Register("kraken")
	m.Report("kraken", errors.New("down"))

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "closed", snap["binance"].State)
	assert.Equal(t, uint32(1), snap["kraken"].ConsecutiveFailures)
}
