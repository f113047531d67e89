package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		MaxEntries:     4096,
		WarmFreshness:  200 * time.Millisecond,
		ServeFreshness: 2 * time.Second,
		ResizeFillPct:  0.9,
	}
}

func aggPrice(symbol string, price float64) feed.AggregatedPrice {
	return feed.AggregatedPrice{
		Symbol:         symbol,
		Price:          price,
		Timestamp:      time.Now(),
		Sources:        []string{"binance"},
		Confidence:     0.9,
		ConsensusScore: 0.95,
	}
}

func TestCacheRoundTrip(t *testing.T) {
	c := NewRealTime(testCacheConfig())
	id := feed.MustID(feed.Crypto, "BTC/USD")

	_, ok := c.GetPrice(id)
	assert.False(t, ok)

	c.SetPrice(id, aggPrice("BTC/USD", 50000))
	entry, ok := c.GetPrice(id)
	require.True(t, ok)
	assert.Equal(t, 50000.0, entry.Price.Price)
	assert.True(t, entry.FreshWithin(c.ServeFreshness()))
}

func TestCacheReturnsStaleEntries(t *testing.T) {
	c := NewRealTime(testCacheConfig())
	id := feed.MustID(feed.Crypto, "BTC/USD")

	c.SetPrice(id, aggPrice("BTC/USD", 50000))
	entry, ok := c.GetPrice(id)
	require.True(t, ok)

	// Freshness is the caller's policy; an aged entry is still served.
	assert.False(t, entry.FreshWithin(0))
}

func TestCacheOverwriteKeepsSingleEntry(t *testing.T) {
	c := NewRealTime(testCacheConfig())
	id := feed.MustID(feed.Crypto, "BTC/USD")

	c.SetPrice(id, aggPrice("BTC/USD", 50000))
	c.SetPrice(id, aggPrice("BTC/USD", 50100))

	assert.Equal(t, 1, c.Len())
	entry, _ := c.GetPrice(id)
	assert.Equal(t, 50100.0, entry.Price.Price)
}

func TestCacheInvalidate(t *testing.T) {
	c := NewRealTime(testCacheConfig())
	id := feed.MustID(feed.Crypto, "BTC/USD")

	c.SetPrice(id, aggPrice("BTC/USD", 50000))
	c.InvalidateOnPriceUpdate(id)

	_, ok := c.GetPrice(id)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheBoundedWithResize(t *testing.T) {
	cfg := testCacheConfig()
	cfg.MaxEntries = 16
	c := NewRealTime(cfg)

	for i := 0; i < 200; i++ {
		id := feed.MustID(feed.Crypto, fmt.Sprintf("T%d/USD", i))
		c.SetPrice(id, aggPrice(id.Name, float64(i)))
	}

	// Auto-resize may quadruple the budget but never past the ceiling.
	assert.LessOrEqual(t, c.Len(), 16*maxResizeFactor)
	assert.Less(t, c.Len(), 200)
}

func TestCacheClear(t *testing.T) {
	c := NewRealTime(testCacheConfig())
	c.SetPrice(feed.MustID(feed.Crypto, "BTC/USD"), aggPrice("BTC/USD", 50000))
	c.SetPrice(feed.MustID(feed.Crypto, "ETH/USD"), aggPrice("ETH/USD", 3000))

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCacheStats(t *testing.T) {
	c := NewRealTime(testCacheConfig())
	id := feed.MustID(feed.Crypto, "BTC/USD")

	c.GetPrice(id) // miss
	c.SetPrice(id, aggPrice("BTC/USD", 50000))
	c.GetPrice(id) // hit
	c.GetPrice(id) // hit

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 0.01)
	assert.Greater(t, stats.MemoryBytes, int64(0))
}

func TestRollingRateExpiresOldBuckets(t *testing.T) {
	var r rollingRate
	r.record(true)
	r.record(false)
	assert.InDelta(t, 0.5, r.rate(), 1e-9)
}
