package aggregator

import (
	"sync"
	"time"
)

const (
	tier1Multiplier   = 1.2
	tier2Multiplier   = 1.0
	unknownBaseWeight = 0.05
)

// sourceWeight is the precomputed per-source weighting record.
// Reliability is adjusted by the periodic optimizer sweep and is not
// persisted across restarts.
type sourceWeight struct {
	BaseWeight     float64
	TierMultiplier float64
	Reliability    float64
	LastUpdated    time.Time
}

// baselineWeights is the immutable exchange table. Tier 1 venues get
// the >1 multiplier; everything else, including the REST fallback,
// rides at tier 2.
var baselineWeights = map[string]sourceWeight{
	"binance":       {BaseWeight: 0.25, TierMultiplier: tier1Multiplier},
	"coinbase":      {BaseWeight: 0.22, TierMultiplier: tier1Multiplier},
	"kraken":        {BaseWeight: 0.20, TierMultiplier: tier1Multiplier},
	"okx":           {BaseWeight: 0.15, TierMultiplier: tier2Multiplier},
	"bybit":         {BaseWeight: 0.12, TierMultiplier: tier2Multiplier},
	"bitstamp":      {BaseWeight: 0.10, TierMultiplier: tier2Multiplier},
	"gemini":        {BaseWeight: 0.08, TierMultiplier: tier2Multiplier},
	"bitmart":       {BaseWeight: 0.06, TierMultiplier: tier2Multiplier},
	"rest-fallback": {BaseWeight: 0.08, TierMultiplier: tier2Multiplier},
}

// weightTable holds the live per-source records.
type weightTable struct {
	mu      sync.RWMutex
	sources map[string]sourceWeight
}

func newWeightTable() *weightTable {
	now := time.Now()
	sources := make(map[string]sourceWeight, len(baselineWeights))
	for name, w := range baselineWeights {
		w.Reliability = 1.0
		w.LastUpdated = now
		sources[name] = w
	}
	return &weightTable{sources: sources}
}

// lookup returns the record for source, falling back to the unknown
// default. Unknown sources are remembered so the optimizer sweep
// covers them too.
func (t *weightTable) lookup(source string) sourceWeight {
	t.mu.RLock()
	w, ok := t.sources[source]
	t.mu.RUnlock()
	if ok {
		return w
	}

	w = sourceWeight{
		BaseWeight:     unknownBaseWeight,
		TierMultiplier: tier2Multiplier,
		Reliability:    1.0,
		LastUpdated:    time.Now(),
	}
	t.mu.Lock()
	if existing, raced := t.sources[source]; raced {
		w = existing
	} else {
		t.sources[source] = w
	}
	t.mu.Unlock()
	return w
}

// sweep refreshes LastUpdated on every record. It is the reserved
// hook for data-driven reliability adjustment; the refresh itself
// keeps snapshot consumers honest about staleness.
func (t *weightTable) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, w := range t.sources {
		w.LastUpdated = now
		t.sources[name] = w
	}
}

// snapshot copies the table for health reporting.
func (t *weightTable) snapshot() map[string]sourceWeight {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]sourceWeight, len(t.sources))
	for name, w := range t.sources {
		out[name] = w
	}
	return out
}
