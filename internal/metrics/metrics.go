// Package metrics holds the Prometheus instrumentation for the feed
// provider.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Prefix is the fully qualified name prefix shared by every provider
// metric.
const Prefix = "feedprovider_"

// Registry bundles every metric the provider exports.
type Registry struct {
	reg *prometheus.Registry

	UpdatesReceived *prometheus.CounterVec
	UpdatesDropped  *prometheus.CounterVec
	UpdatesRejected *prometheus.CounterVec

	Aggregations      *prometheus.CounterVec
	AggregateDuration *prometheus.HistogramVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheSize   prometheus.Gauge

	WarmingRuns   *prometheus.CounterVec
	WarmedFeeds   *prometheus.CounterVec
	ActivePattern prometheus.Gauge

	CircuitTransitions *prometheus.CounterVec
	Failovers          *prometheus.CounterVec

	ResponseTime *prometheus.HistogramVec
	SourceUp     *prometheus.GaugeVec
}

// New builds a registry with all provider metrics registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		UpdatesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedprovider_updates_received_total",
				Help: "Normalized price updates accepted by the data manager",
			},
			[]string{"source"},
		),
		UpdatesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedprovider_updates_dropped_total",
				Help: "Updates dropped by per-source channel overflow (drop-oldest)",
			},
			[]string{"source"},
		),
		UpdatesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedprovider_updates_rejected_total",
				Help: "Updates rejected at the ingest boundary",
			},
			[]string{"source", "reason"},
		),

		Aggregations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedprovider_aggregations_total",
				Help: "Consensus aggregation attempts by result",
			},
			[]string{"result"},
		),
		AggregateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedprovider_aggregate_duration_seconds",
				Help:    "Duration of one consensus computation",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"feed"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedprovider_cache_hits_total",
				Help: "Real-time cache hits by tier",
			},
			[]string{"tier"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedprovider_cache_misses_total",
				Help: "Real-time cache misses by tier",
			},
			[]string{"tier"},
		),
		CacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "feedprovider_cache_entries",
				Help: "Entries currently held by the real-time cache",
			},
		),

		WarmingRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedprovider_warming_runs_total",
				Help: "Warmer strategy sweeps by strategy",
			},
			[]string{"strategy"},
		),
		WarmedFeeds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedprovider_warmed_feeds_total",
				Help: "Feeds warmed by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		ActivePattern: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "feedprovider_access_patterns",
				Help: "Feed access patterns currently tracked",
			},
		),

		CircuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedprovider_circuit_transitions_total",
				Help: "Circuit breaker transitions by source and target state",
			},
			[]string{"source", "to"},
		),
		Failovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedprovider_failovers_total",
				Help: "Failover attempts by source and outcome",
			},
			[]string{"source", "outcome"},
		),

		ResponseTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedprovider_response_seconds",
				Help:    "End-to-end GetValue latency",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"op"},
		),
		SourceUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "feedprovider_source_up",
				Help: "1 when the source adapter is connected",
			},
			[]string{"source"},
		),
	}

	r.reg.MustRegister(
		r.UpdatesReceived, r.UpdatesDropped, r.UpdatesRejected,
		r.Aggregations, r.AggregateDuration,
		r.CacheHits, r.CacheMisses, r.CacheSize,
		r.WarmingRuns, r.WarmedFeeds, r.ActivePattern,
		r.CircuitTransitions, r.Failovers,
		r.ResponseTime, r.SourceUp,
	)
	return r
}

// Prometheus exposes the underlying registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// CounterTotals gathers current counter values whose fully qualified
// names start with prefix, keyed by "name{label=value,...}". Used by
// the health report to fold exported counters into the JSON payload.
func (r *Registry) CounterTotals(prefix string) map[string]float64 {
	out := make(map[string]float64)
	families, err := r.reg.Gather()
	if err != nil {
		return out
	}
	for _, fam := range families {
		if fam.GetType() != dto.MetricType_COUNTER || !strings.HasPrefix(fam.GetName(), prefix) {
			continue
		}
		for _, m := range fam.GetMetric() {
			key := fam.GetName()
			if labels := m.GetLabel(); len(labels) > 0 {
				parts := make([]string, 0, len(labels))
				for _, lp := range labels {
					parts = append(parts, lp.GetName()+"="+lp.GetValue())
				}
				key += "{" + strings.Join(parts, ",") + "}"
			}
			out[key] = m.GetCounter().GetValue()
		}
	}
	return out
}
