// Package aggregator computes the consensus price for a feed from a
// set of validated per-exchange updates: time-decayed tier-weighted
// median with IQR outlier rejection and agreement scoring.
package aggregator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// Aggregator is the consensus engine. Safe for concurrent use.
type Aggregator struct {
	cfg     config.AggregatorConfig
	log     zerolog.Logger
	weights *weightTable
	cache   *resultCache
}

// weighted pairs a retained update with its combined weight.
type weighted struct {
	update feed.PriceUpdate
	weight float64
}

func New(cfg config.AggregatorConfig, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		log:     logger.With().Str("component", "aggregator").Logger(),
		weights: newWeightTable(),
		cache:   newResultCache(cfg.ResultCacheTTL),
	}
}

// ValidateUpdate is the strict single-update check used at the
// service ingest boundary: base invariant plus the staleness bound.
func (a *Aggregator) ValidateUpdate(u feed.PriceUpdate, now time.Time) error {
	if !u.Valid() {
		return fmt.Errorf("update from %s: %w", u.Source, feed.ErrNoValidData)
	}
	if u.Age(now) > a.cfg.MaxStaleness {
		return fmt.Errorf("update from %s aged %v: %w", u.Source, u.Age(now), feed.ErrNoValidData)
	}
	return nil
}

// Aggregate computes the consensus price for id over updates.
// Identical input sets inside the result-cache TTL return the cached
// result verbatim.
func (a *Aggregator) Aggregate(ctx context.Context, id feed.ID, updates []feed.PriceUpdate) (*feed.AggregatedPrice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return nil, fmt.Errorf("feed %s: %w", id, feed.ErrNoUpdates)
	}

	key := fingerprint(updates)
	if cached, ok := a.cache.get(key); ok {
		return &cached, nil
	}

	now := time.Now()
	retained, lenient, err := a.validate(id, updates, now)
	if err != nil {
		return nil, err
	}

	retained = a.trimOutliers(retained)
	points := a.weigh(retained, now)

	price := weightedMedian(points)
	consensus := a.consensusScore(points, price)
	confidence := a.confidence(points, consensus)

	result := feed.AggregatedPrice{
		Symbol:         id.Name,
		Price:          price,
		Timestamp:      now,
		Sources:        distinctSources(retained),
		Confidence:     confidence,
		ConsensusScore: consensus,
	}

	if lenient {
		a.log.Warn().Str("feed", id.String()).
			Int("retained", len(retained)).
			Msg("consensus computed from lenient validation pass")
	}

	a.cache.put(key, result)
	return &result, nil
}

// validate runs the two-pass filter. The lenient pass (doubled
// staleness cap, lowered confidence floor) engages only when strict
// retains nothing, so a stale print can never dilute a fresh one.
func (a *Aggregator) validate(id feed.ID, updates []feed.PriceUpdate, now time.Time) ([]feed.PriceUpdate, bool, error) {
	strict := filter(updates, now, a.cfg.MaxStaleness, a.cfg.MinConfidence)
	if len(strict) > 0 {
		if n := len(distinctSources(strict)); n < a.cfg.MinSources {
			a.log.Debug().Str("feed", id.String()).Int("sources", n).
				Int("min", a.cfg.MinSources).Msg("below minimum source count")
		}
		return strict, false, nil
	}

	lenientSet := filter(updates, now, 2*a.cfg.MaxStaleness, a.cfg.LenientConfidence)
	if len(lenientSet) == 0 {
		return nil, false, fmt.Errorf("feed %s: %w", id, feed.ErrNoValidData)
	}
	if n := len(distinctSources(lenientSet)); n < a.cfg.MinSources {
		a.log.Warn().Str("feed", id.String()).Int("sources", n).
			Int("min", a.cfg.MinSources).Msg("insufficient sources after lenient pass")
		return nil, false, fmt.Errorf("feed %s: %d of %d sources: %w",
			id, n, a.cfg.MinSources, feed.ErrInsufficientSources)
	}
	return lenientSet, true, nil
}

func filter(updates []feed.PriceUpdate, now time.Time, maxAge time.Duration, minConf float64) []feed.PriceUpdate {
	out := make([]feed.PriceUpdate, 0, len(updates))
	for _, u := range updates {
		if !u.Valid() || u.Confidence < minConf || u.Age(now) > maxAge {
			continue
		}
		out = append(out, u)
	}
	return out
}

// trimOutliers applies the 1.5*IQR fence when more than four points
// are present; smaller sets pass through untouched.
func (a *Aggregator) trimOutliers(updates []feed.PriceUpdate) []feed.PriceUpdate {
	n := len(updates)
	if n <= 4 {
		return updates
	}

	prices := make([]float64, n)
	for i, u := range updates {
		prices[i] = u.Price
	}
	sort.Float64s(prices)

	q1 := prices[n/4]
	q3 := prices[(3*n)/4]
	iqr := q3 - q1
	lo, hi := q1-1.5*iqr, q3+1.5*iqr

	out := make([]feed.PriceUpdate, 0, n)
	for _, u := range updates {
		if u.Price >= lo && u.Price <= hi {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		// Degenerate fence; keep the originals rather than erroring.
		return updates
	}
	return out
}

// weigh computes combinedWeight = baseWeight * tierMultiplier *
// exp(-lambda * ageMs) * confidence for each retained update.
func (a *Aggregator) weigh(updates []feed.PriceUpdate, now time.Time) []weighted {
	points := make([]weighted, len(updates))
	for i, u := range updates {
		sw := a.weights.lookup(u.Source)
		ageMs := float64(u.Age(now)) / float64(time.Millisecond)
		if ageMs < 0 {
			ageMs = 0
		}
		timeWeight := math.Exp(-a.cfg.DecayLambda * ageMs)
		points[i] = weighted{
			update: u,
			weight: sw.BaseWeight * sw.TierMultiplier * timeWeight * u.Confidence,
		}
	}
	return points
}

// weightedMedian walks the points in price order and returns the
// first price whose cumulative weight crosses half the total. A zero
// total weight degenerates to the plain median.
func weightedMedian(points []weighted) float64 {
	sorted := make([]weighted, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].update.Price < sorted[j].update.Price
	})

	var total float64
	for _, p := range sorted {
		total += p.weight
	}
	if total <= 0 {
		n := len(sorted)
		if n%2 == 1 {
			return sorted[n/2].update.Price
		}
		return (sorted[n/2-1].update.Price + sorted[n/2].update.Price) / 2
	}

	half := total / 2
	var cum float64
	for _, p := range sorted {
		cum += p.weight
		if cum >= half {
			return p.update.Price
		}
	}
	return sorted[len(sorted)-1].update.Price
}

// consensusScore normalizes weighted mean absolute deviation from
// the median by the outlier threshold: 1.0 at perfect agreement,
// approaching 0 as dispersion nears the threshold.
func (a *Aggregator) consensusScore(points []weighted, median float64) float64 {
	if median <= 0 {
		return 0
	}
	var devSum, weightSum float64
	for _, p := range points {
		devSum += p.weight * math.Abs(p.update.Price-median) / median
		weightSum += p.weight
	}
	if weightSum <= 0 {
		return 0
	}
	score := 1 - (devSum/weightSum)/a.cfg.OutlierThreshold
	return math.Max(0, score)
}

// confidence blends the weighted average input confidence with the
// consensus score and a small source-count bonus.
func (a *Aggregator) confidence(points []weighted, consensus float64) float64 {
	var confSum, weightSum float64
	sources := make(map[string]struct{}, len(points))
	for _, p := range points {
		confSum += p.weight * p.update.Confidence
		weightSum += p.weight
		sources[p.update.Source] = struct{}{}
	}

	avgConf := 0.0
	if weightSum > 0 {
		avgConf = confSum / weightSum
	}
	bonus := math.Min(0.2, 0.04*float64(len(sources)))

	return math.Max(0, math.Min(1, 0.7*avgConf+0.3*consensus+bonus))
}

func distinctSources(updates []feed.PriceUpdate) []string {
	seen := make(map[string]struct{}, len(updates))
	out := make([]string, 0, len(updates))
	for _, u := range updates {
		if _, dup := seen[u.Source]; dup {
			continue
		}
		seen[u.Source] = struct{}{}
		out = append(out, u.Source)
	}
	sort.Strings(out)
	return out
}

// CacheStats exposes result-cache accounting for health reporting.
func (a *Aggregator) CacheStats() (hits, misses int64, entries int) {
	return a.cache.stats()
}

// SourceWeights returns a copy of the live weight table.
func (a *Aggregator) SourceWeights() map[string]SourceWeightInfo {
	snap := a.weights.snapshot()
	out := make(map[string]SourceWeightInfo, len(snap))
	for name, w := range snap {
		out[name] = SourceWeightInfo{
			BaseWeight:     w.BaseWeight,
			TierMultiplier: w.TierMultiplier,
			Reliability:    w.Reliability,
			LastUpdated:    w.LastUpdated,
		}
	}
	return out
}

// SourceWeightInfo is the exported view of one weight record.
type SourceWeightInfo struct {
	BaseWeight     float64   `json:"base_weight"`
	TierMultiplier float64   `json:"tier_multiplier"`
	Reliability    float64   `json:"reliability"`
	LastUpdated    time.Time `json:"last_updated"`
}

// RunWeightOptimizer drives the periodic weight sweep until ctx is
// cancelled. The sweep currently refreshes record timestamps; it is
// the hook for data-driven reliability adjustment.
func (a *Aggregator) RunWeightOptimizer(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.WeightUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.weights.sweep(now)
			a.log.Debug().Msg("weight optimization sweep completed")
		}
	}
}
