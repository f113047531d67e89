package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

func testWarmerConfig() config.WarmerConfig {
	return config.WarmerConfig{
		Enabled:             true,
		AggressiveInterval:  3 * time.Second,
		AggressiveWorkers:   16,
		PredictiveInterval:  7 * time.Second,
		PredictiveWorkers:   12,
		MaintenanceInterval: 20 * time.Second,
		MaintenanceWorkers:  8,
		PatternIdleEvict:    24 * time.Hour,
	}
}

// countingSource is a DataSource stub that counts invocations.
type countingSource struct {
	calls atomic.Int64
	err   error
}

func (s *countingSource) fetch(ctx context.Context, id feed.ID) (*feed.AggregatedPrice, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	price := aggPrice(id.Name, 50000)
	return &price, nil
}

func TestFirstAccessTriggersImmediateWarm(t *testing.T) {
	src := &countingSource{}
	c := NewRealTime(testCacheConfig())
	w := NewWarmer(testWarmerConfig(), c, src.fetch, zerolog.Nop(), nil)
	w.Start(context.Background())
	defer w.Stop()

	id := feed.MustID(feed.Crypto, "BTC/USD")
	w.TrackFeedAccess(id)

	require.Eventually(t, func() bool {
		return src.calls.Load() >= 1
	}, time.Second, 10*time.Millisecond)

	_, ok := c.GetPrice(id)
	assert.True(t, ok, "warm must populate the cache")
}

func TestWarmSkipsFreshEntry(t *testing.T) {
	src := &countingSource{}
	c := NewRealTime(testCacheConfig())
	w := NewWarmer(testWarmerConfig(), c, src.fetch, zerolog.Nop(), nil)

	id := feed.MustID(feed.Crypto, "BTC/USD")
	c.SetPrice(id, aggPrice("BTC/USD", 50000))

	w.WarmFeedCache(context.Background(), id)
	assert.Equal(t, int64(0), src.calls.Load())
}

func TestWarmFailureRecorded(t *testing.T) {
	src := &countingSource{err: errors.New("no consensus")}
	c := NewRealTime(testCacheConfig())
	w := NewWarmer(testWarmerConfig(), c, src.fetch, zerolog.Nop(), nil)
	w.Start(context.Background())
	defer w.Stop()

	id := feed.MustID(feed.Crypto, "BTC/USD")
	w.TrackFeedAccess(id)

	require.Eventually(t, func() bool {
		for _, p := range w.Patterns() {
			if p.Feed == id && p.WarmingFailures >= 1 {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestAccessPatternTracking(t *testing.T) {
	src := &countingSource{}
	c := NewRealTime(testCacheConfig())
	w := NewWarmer(testWarmerConfig(), c, src.fetch, zerolog.Nop(), nil)

	id := feed.MustID(feed.Crypto, "ETH/USD")
	w.TrackFeedAccess(id)
	time.Sleep(20 * time.Millisecond)
	w.TrackFeedAccess(id)

	patterns := w.Patterns()
	require.Len(t, patterns, 1)
	p := patterns[0]
	assert.Equal(t, int64(2), p.AccessCount)
	assert.Greater(t, p.AverageInterval, time.Duration(0))
	assert.True(t, p.PredictedNextAccess.After(p.LastAccessed))
	assert.Greater(t, p.Priority, 0.0)
}

func TestPriorityGrowsWithAccess(t *testing.T) {
	c := NewRealTime(testCacheConfig())
	w := NewWarmer(testWarmerConfig(), c, (&countingSource{}).fetch, zerolog.Nop(), nil)
	now := time.Now()

	cold := &pattern{accessCount: 2, lastAccessed: now, volumeBoost: 1.0}
	hot := &pattern{accessCount: 200, lastAccessed: now, volumeBoost: 1.0}
	assert.Greater(t, w.priorityOf(hot, now), w.priorityOf(cold, now))

	// Idle decay pushes a stale pattern below a recently touched one.
	idle := &pattern{accessCount: 200, lastAccessed: now.Add(-40 * time.Hour), volumeBoost: 1.0}
	assert.Greater(t, w.priorityOf(hot, now), w.priorityOf(idle, now))
}

func TestPriorityClamped(t *testing.T) {
	c := NewRealTime(testCacheConfig())
	w := NewWarmer(testWarmerConfig(), c, (&countingSource{}).fetch, zerolog.Nop(), nil)
	now := time.Now()

	floor := &pattern{accessCount: 1, lastAccessed: now.Add(-200 * time.Hour), volumeBoost: 1.0}
	assert.GreaterOrEqual(t, w.priorityOf(floor, now), 0.05)

	ceiling := &pattern{
		accessCount:     1 << 40,
		lastAccessed:    now,
		averageInterval: time.Second,
		warmingSuccess:  1000,
		volumeBoost:     1.5,
	}
	assert.LessOrEqual(t, w.priorityOf(ceiling, now), 100.0)
}

func TestVolumeBoostCapped(t *testing.T) {
	c := NewRealTime(testCacheConfig())
	w := NewWarmer(testWarmerConfig(), c, (&countingSource{}).fetch, zerolog.Nop(), nil)

	id := feed.MustID(feed.Crypto, "BTC/USD")
	w.TrackFeedAccess(id)
	w.NoteVolume(id, 1e12)

	w.mu.Lock()
	boost := w.patterns[id].volumeBoost
	w.mu.Unlock()
	assert.Equal(t, 1.5, boost)
}

func TestSelectFeedsOrdersByPriority(t *testing.T) {
	c := NewRealTime(testCacheConfig())
	w := NewWarmer(testWarmerConfig(), c, (&countingSource{}).fetch, zerolog.Nop(), nil)
	now := time.Now()

	hot := feed.MustID(feed.Crypto, "BTC/USD")
	cold := feed.MustID(feed.Crypto, "DOGE/USD")
	w.patterns[hot] = &pattern{accessCount: 100, lastAccessed: now, priority: 50, volumeBoost: 1.0}
	w.patterns[cold] = &pattern{accessCount: 2, lastAccessed: now, priority: 1, volumeBoost: 1.0}

	out := w.selectFeeds(func(*pattern) bool { return true })
	require.Len(t, out, 2)
	assert.Equal(t, hot, out[0])
}

func TestMaintenanceEvictsIdlePatterns(t *testing.T) {
	c := NewRealTime(testCacheConfig())
	w := NewWarmer(testWarmerConfig(), c, (&countingSource{}).fetch, zerolog.Nop(), nil)

	stale := feed.MustID(feed.Crypto, "OLD/USD")
	live := feed.MustID(feed.Crypto, "BTC/USD")
	w.patterns[stale] = &pattern{lastAccessed: time.Now().Add(-25 * time.Hour), volumeBoost: 1.0}
	w.patterns[live] = &pattern{lastAccessed: time.Now(), volumeBoost: 1.0}

	w.maintenanceSweep(context.Background())

	w.mu.Lock()
	_, staleKept := w.patterns[stale]
	_, liveKept := w.patterns[live]
	w.mu.Unlock()
	assert.False(t, staleKept)
	assert.True(t, liveKept)
}
