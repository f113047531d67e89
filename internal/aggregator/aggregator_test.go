package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

var btcUSD = feed.MustID(feed.Crypto, "BTC/USD")

func testAggregator() *Aggregator {
	cfg := config.AggregatorConfig{
		MinSources:           3,
		MaxStaleness:         2 * time.Second,
		MinConfidence:        0.1,
		LenientConfidence:    0.05,
		DecayLambda:          5e-5,
		OutlierThreshold:     0.1,
		ResultCacheTTL:       500 * time.Millisecond,
		WeightUpdateInterval: time.Minute,
	}
	return New(cfg, zerolog.Nop())
}

func update(source string, price float64, age time.Duration, conf float64) feed.PriceUpdate {
	return feed.PriceUpdate{
		Symbol:     "BTC/USD",
		Price:      price,
		Timestamp:  time.Now().Add(-age).UnixMilli(),
		Source:     source,
		Confidence: conf,
	}
}

func TestAggregateThreeFreshSources(t *testing.T) {
	a := testAggregator()
	updates := []feed.PriceUpdate{
		update("binance", 50000, 100*time.Millisecond, 0.95),
		update("coinbase", 50050, 150*time.Millisecond, 0.9),
		update("kraken", 49950, 200*time.Millisecond, 0.9),
	}

	result, err := a.Aggregate(context.Background(), btcUSD, updates)
	require.NoError(t, err)

	assert.Equal(t, "BTC/USD", result.Symbol)
	assert.InDelta(t, 50000, result.Price, 60)
	assert.ElementsMatch(t, []string{"binance", "coinbase", "kraken"}, result.Sources)
	assert.Greater(t, result.ConsensusScore, 0.9)
	assert.Greater(t, result.Confidence, 0.85)
}

func TestWeightedMedianFollowsWeight(t *testing.T) {
	a := testAggregator()
	// Binance carries the largest base weight; the median lands on
	// its price once its cumulative weight crosses half the total.
	updates := []feed.PriceUpdate{
		update("kraken", 49900, 100*time.Millisecond, 0.9),
		update("binance", 50000, 100*time.Millisecond, 0.95),
		update("coinbase", 50100, 100*time.Millisecond, 0.9),
	}

	result, err := a.Aggregate(context.Background(), btcUSD, updates)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, result.Price)
}

func TestSingleFreshSourceBeatsStale(t *testing.T) {
	a := testAggregator()
	updates := []feed.PriceUpdate{
		update("binance", 50000, 100*time.Millisecond, 0.95),
		update("coinbase", 48000, 3*time.Second, 0.9),
		update("kraken", 48100, 3*time.Second, 0.9),
	}

	result, err := a.Aggregate(context.Background(), btcUSD, updates)
	require.NoError(t, err)

	// The strict pass keeps only the fresh print; stale quotes never
	// dilute it even though the set drops below the source minimum.
	assert.Equal(t, 50000.0, result.Price)
	assert.Equal(t, []string{"binance"}, result.Sources)
}

func TestOutlierTrimmedAboveFourPoints(t *testing.T) {
	a := testAggregator()
	updates := []feed.PriceUpdate{
		update("binance", 50000, 100*time.Millisecond, 0.95),
		update("coinbase", 50100, 100*time.Millisecond, 0.9),
		update("kraken", 49950, 100*time.Millisecond, 0.9),
		update("okx", 49900, 100*time.Millisecond, 0.85),
		update("bybit", 60000, 100*time.Millisecond, 0.85),
	}

	result, err := a.Aggregate(context.Background(), btcUSD, updates)
	require.NoError(t, err)

	assert.NotContains(t, result.Sources, "bybit")
	assert.InDelta(t, 50000, result.Price, 150)
}

func TestOutliersKeptAtFourOrFewer(t *testing.T) {
	a := testAggregator()
	updates := []feed.PriceUpdate{
		update("binance", 50000, 100*time.Millisecond, 0.95),
		update("coinbase", 50100, 100*time.Millisecond, 0.9),
		update("kraken", 60000, 100*time.Millisecond, 0.9),
	}

	result, err := a.Aggregate(context.Background(), btcUSD, updates)
	require.NoError(t, err)
	assert.Contains(t, result.Sources, "kraken")
}

func TestLenientPassWhenAllStrictFiltered(t *testing.T) {
	a := testAggregator()
	// Aged past the strict bound but inside the doubled lenient one.
	updates := []feed.PriceUpdate{
		update("binance", 50000, 3*time.Second, 0.95),
		update("coinbase", 50050, 3*time.Second, 0.9),
		update("kraken", 49950, 3*time.Second, 0.9),
	}

	result, err := a.Aggregate(context.Background(), btcUSD, updates)
	require.NoError(t, err)
	assert.Len(t, result.Sources, 3)
}

func TestLenientPassStillNeedsMinSources(t *testing.T) {
	a := testAggregator()
	updates := []feed.PriceUpdate{
		update("binance", 50000, 3*time.Second, 0.95),
		update("coinbase", 50050, 3*time.Second, 0.9),
	}

	_, err := a.Aggregate(context.Background(), btcUSD, updates)
	assert.ErrorIs(t, err, feed.ErrInsufficientSources)
}

func TestAggregateErrors(t *testing.T) {
	a := testAggregator()

	_, err := a.Aggregate(context.Background(), btcUSD, nil)
	assert.ErrorIs(t, err, feed.ErrNoUpdates)

	// Everything past even the lenient bound.
	_, err = a.Aggregate(context.Background(), btcUSD, []feed.PriceUpdate{
		update("binance", 50000, 10*time.Second, 0.95),
	})
	assert.ErrorIs(t, err, feed.ErrNoValidData)
}

func TestAggregateHonorsContext(t *testing.T) {
	a := testAggregator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Aggregate(ctx, btcUSD, []feed.PriceUpdate{
		update("binance", 50000, 100*time.Millisecond, 0.95),
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResultCacheServesIdenticalInput(t *testing.T) {
	a := testAggregator()
	updates := []feed.PriceUpdate{
		update("binance", 50000, 100*time.Millisecond, 0.95),
		update("coinbase", 50050, 100*time.Millisecond, 0.9),
		update("kraken", 49950, 100*time.Millisecond, 0.9),
	}

	first, err := a.Aggregate(context.Background(), btcUSD, updates)
	require.NoError(t, err)
	second, err := a.Aggregate(context.Background(), btcUSD, updates)
	require.NoError(t, err)

	// Cached verbatim, including the computation timestamp.
	assert.Equal(t, first.Timestamp, second.Timestamp)

	hits, _, _ := a.CacheStats()
	assert.GreaterOrEqual(t, hits, int64(1))
}

func TestFingerprintOrderIndependent(t *testing.T) {
	a := update("binance", 50000, 0, 0.95)
	b := update("kraken", 49950, 0, 0.9)

	assert.Equal(t,
		fingerprint([]feed.PriceUpdate{a, b}),
		fingerprint([]feed.PriceUpdate{b, a}))
	assert.NotEqual(t,
		fingerprint([]feed.PriceUpdate{a}),
		fingerprint([]feed.PriceUpdate{b}))
}

func TestValidateUpdate(t *testing.T) {
	a := testAggregator()
	now := time.Now()

	assert.NoError(t, a.ValidateUpdate(update("binance", 50000, 100*time.Millisecond, 0.95), now))
	assert.Error(t, a.ValidateUpdate(update("binance", 50000, 3*time.Second, 0.95), now))
	assert.Error(t, a.ValidateUpdate(update("binance", -1, 0, 0.95), now))
}

func TestTimeDecayPrefersFresher(t *testing.T) {
	a := testAggregator()
	now := time.Now()

	fresh := a.weigh([]feed.PriceUpdate{update("binance", 50000, 50*time.Millisecond, 0.95)}, now)
	aged := a.weigh([]feed.PriceUpdate{update("binance", 50000, 1900*time.Millisecond, 0.95)}, now)

	assert.Greater(t, fresh[0].weight, aged[0].weight)
}

func TestUnknownSourceGetsFloorWeight(t *testing.T) {
	table := newWeightTable()

	known := table.lookup("binance")
	unknown := table.lookup("newexchange")

	assert.Equal(t, 0.25, known.BaseWeight)
	assert.Equal(t, tier1Multiplier, known.TierMultiplier)
	assert.Equal(t, unknownBaseWeight, unknown.BaseWeight)
	assert.Equal(t, tier2Multiplier, unknown.TierMultiplier)

	// Remembered for subsequent sweeps.
	snap := table.snapshot()
	_, ok := snap["newexchange"]
	assert.True(t, ok)
}

func TestConsensusScoreBounds(t *testing.T) {
	a := testAggregator()

	perfect := []weighted{
		{update: update("binance", 50000, 0, 0.95), weight: 0.3},
		{update: update("kraken", 50000, 0, 0.9), weight: 0.24},
	}
	assert.InDelta(t, 1.0, a.consensusScore(perfect, 50000), 1e-9)

	// Dispersion at the outlier threshold floors the score at zero.
	wide := []weighted{
		{update: update("binance", 55000, 0, 0.95), weight: 0.3},
		{update: update("kraken", 45000, 0, 0.9), weight: 0.3},
	}
	assert.Equal(t, 0.0, a.consensusScore(wide, 50000))
}
