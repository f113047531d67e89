package feed

import (
	"math"
	"time"
)

// MaxStaleness is the default age bound for an update to contribute
// to consensus under strict validation.
const MaxStaleness = 2000 * time.Millisecond

// PriceUpdate is one normalized print from an exchange adapter.
// Timestamp is the exchange event time in ms since epoch; Volume is
// the traded base volume attached to the print, zero when the venue
// does not report it.
type PriceUpdate struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	Timestamp  int64   `json:"timestamp"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
	Volume     float64 `json:"volume,omitempty"`
}

// Valid reports whether the update satisfies the base invariant:
// positive finite price, confidence in [0,1], non-negative volume.
// Staleness is checked by the aggregator, which owns the age policy.
func (u PriceUpdate) Valid() bool {
	if u.Price <= 0 || math.IsInf(u.Price, 0) || math.IsNaN(u.Price) {
		return false
	}
	if u.Confidence < 0 || u.Confidence > 1 {
		return false
	}
	if u.Volume < 0 {
		return false
	}
	return u.Symbol != "" && u.Source != ""
}

// Age returns the update's age relative to now.
func (u PriceUpdate) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(u.Timestamp))
}

// AggregatedPrice is one consensus result. Sources lists the
// contributing source IDs and is never empty for a valid result;
// Confidence and ConsensusScore are derived by the aggregator.
type AggregatedPrice struct {
	Symbol         string    `json:"symbol"`
	Price          float64   `json:"price"`
	Timestamp      time.Time `json:"timestamp"`
	Sources        []string  `json:"sources"`
	Confidence     float64   `json:"confidence"`
	ConsensusScore float64   `json:"consensus_score"`
}

// SourceStatus is the coarse health classification of a data source.
type SourceStatus string

const (
	StatusHealthy   SourceStatus = "healthy"
	StatusDegraded  SourceStatus = "degraded"
	StatusUnhealthy SourceStatus = "unhealthy"
	StatusRecovered SourceStatus = "recovered"
)

// SourceHealth is a point-in-time snapshot of one source, exposed by
// copy from the data manager.
type SourceHealth struct {
	Source        string        `json:"source"`
	Status        SourceStatus  `json:"status"`
	Connected     bool          `json:"connected"`
	ErrorCount    int64         `json:"error_count"`
	RecoveryCount int64         `json:"recovery_count"`
	LastLatency   time.Duration `json:"last_latency"`
	LastUpdateAge time.Duration `json:"last_update_age"`
	Dropped       int64         `json:"dropped"`
}

// VolumeWindow is the per-exchange traded volume for one feed over a
// caller-chosen window.
type VolumeWindow struct {
	Feed     ID                 `json:"feed"`
	WindowMs int64              `json:"window_ms"`
	Volumes  map[string]float64 `json:"volumes"`
}

// SystemHealth is the top-level health report.
type SystemHealth struct {
	Status      string             `json:"status"` // "healthy", "degraded", "unhealthy"
	Sources     []SourceHealth     `json:"sources"`
	Aggregation AggregationHealth  `json:"aggregation"`
	Cache       CacheHealth        `json:"cache"`
	Breakers    map[string]string  `json:"breakers,omitempty"`
	Freshness   map[string]float64 `json:"freshness_ms,omitempty"`
	Counters    map[string]float64 `json:"counters,omitempty"`
}

// AggregationHealth summarizes aggregator throughput.
type AggregationHealth struct {
	SuccessRate float64 `json:"success_rate"`
	ErrorCount  int64   `json:"error_count"`
	Total       int64   `json:"total"`
}

// CacheHealth summarizes real-time cache performance.
type CacheHealth struct {
	HitRate     float64 `json:"hit_rate"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Entries     int     `json:"entries"`
	MemoryBytes int64   `json:"memory_bytes"`
}
