package cache

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/metrics"
)

// DataSource produces a fresh consensus value for a feed; the warmer
// is wired to the aggregation service through this callback.
type DataSource func(ctx context.Context, id feed.ID) (*feed.AggregatedPrice, error)

const (
	aggressiveRecency  = 5 * time.Minute
	aggressiveMinCount = 5
	predictiveHorizon  = 60 * time.Second
	maintenanceRecency = time.Hour
	immediateInterval  = 30 * time.Second
	warmCallTimeout    = 2 * time.Second
)

// pattern is the per-feed access history driving warming decisions.
type pattern struct {
	accessCount         int64
	lastAccessed        time.Time
	averageInterval     time.Duration
	predictedNextAccess time.Time
	warmingSuccess      int64
	warmingFailures     int64
	priority            float64
	volumeBoost         float64 // [1.0, 1.5]
}

// Warmer observes access patterns and proactively refreshes the
// real-time cache on three independent schedules.
type Warmer struct {
	cfg    config.WarmerConfig
	log    zerolog.Logger
	cache  *RealTime
	source DataSource
	met    *metrics.Registry // optional

	mu       sync.Mutex
	patterns map[feed.ID]*pattern

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// PatternSnapshot is the exported view of one access pattern.
type PatternSnapshot struct {
	Feed                feed.ID       `json:"feed"`
	AccessCount         int64         `json:"access_count"`
	LastAccessed        time.Time     `json:"last_accessed"`
	AverageInterval     time.Duration `json:"average_interval"`
	PredictedNextAccess time.Time     `json:"predicted_next_access"`
	WarmingSuccess      int64         `json:"warming_success"`
	WarmingFailures     int64         `json:"warming_failures"`
	Priority            float64       `json:"priority"`
}

func NewWarmer(cfg config.WarmerConfig, cache *RealTime, source DataSource, logger zerolog.Logger, met *metrics.Registry) *Warmer {
	return &Warmer{
		cfg:      cfg,
		log:      logger.With().Str("component", "warmer").Logger(),
		cache:    cache,
		source:   source,
		met:      met,
		patterns: make(map[feed.ID]*pattern),
	}
}

// Start launches the three strategy loops. Stop cancels them and
// waits for in-flight warms.
func (w *Warmer) Start(ctx context.Context) {
	w.runCtx, w.cancel = context.WithCancel(ctx)

	loops := []struct {
		name     string
		interval time.Duration
		run      func(context.Context)
	}{
		{"aggressive", w.cfg.AggressiveInterval, w.aggressiveSweep},
		{"predictive", w.cfg.PredictiveInterval, w.predictiveSweep},
		{"maintenance", w.cfg.MaintenanceInterval, w.maintenanceSweep},
	}
	for _, loop := range loops {
		w.wg.Add(1)
		go func(name string, interval time.Duration, run func(context.Context)) {
			defer w.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-w.runCtx.Done():
					return
				case <-ticker.C:
					if w.met != nil {
						w.met.WarmingRuns.WithLabelValues(name).Inc()
					}
					run(w.runCtx)
				}
			}
		}(loop.name, loop.interval, loop.run)
	}
}

func (w *Warmer) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

// TrackFeedAccess records one read of id and updates the prediction
// state. First touches, hot counters and tight intervals trigger an
// immediate warm.
func (w *Warmer) TrackFeedAccess(id feed.ID) {
	now := time.Now()

	w.mu.Lock()
	p, ok := w.patterns[id]
	if !ok {
		p = &pattern{volumeBoost: 1.0}
		w.patterns[id] = p
		if w.met != nil {
			w.met.ActivePattern.Set(float64(len(w.patterns)))
		}
	}

	if p.accessCount > 0 {
		interval := now.Sub(p.lastAccessed)
		p.averageInterval = (p.averageInterval + interval) / 2
		p.predictedNextAccess = now.Add(p.averageInterval)
	}
	p.accessCount++
	p.lastAccessed = now
	p.priority = w.priorityOf(p, now)

	immediate := p.accessCount == 1 ||
		p.accessCount >= 3 ||
		(p.averageInterval > 0 && p.averageInterval < immediateInterval)
	w.mu.Unlock()

	if immediate && w.runCtx != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.WarmFeedCache(w.runCtx, id)
		}()
	}
}

// NoteVolume folds an observed traded volume into the feed's
// priority boost, capped at x1.5.
func (w *Warmer) NoteVolume(id feed.ID, volume float64) {
	if volume <= 0 {
		return
	}
	boost := 1 + math.Log10(1+volume)/20
	if boost > 1.5 {
		boost = 1.5
	}

	w.mu.Lock()
	if p, ok := w.patterns[id]; ok {
		p.volumeBoost = boost
	}
	w.mu.Unlock()
}

// priorityOf combines access volume, recency, frequency, warming
// success rate, idle decay over an adaptive half-life and the volume
// boost; clamped to [0.05, 100]. Caller holds the lock.
func (w *Warmer) priorityOf(p *pattern, now time.Time) float64 {
	base := math.Log2(1 + float64(p.accessCount))

	idle := now.Sub(p.lastAccessed)
	recency := 1.0
	switch {
	case idle < 30*time.Minute:
		recency = 3.0
	case idle < 2*time.Hour:
		recency = 2.2
	case idle < 8*time.Hour:
		recency = 1.6
	}

	frequency := 1.0
	switch {
	case p.averageInterval > 0 && p.averageInterval < 15*time.Second:
		frequency = 2.2
	case p.averageInterval > 0 && p.averageInterval < time.Minute:
		frequency = 1.8
	}

	success := 1.0
	if attempts := p.warmingSuccess + p.warmingFailures; attempts > 0 {
		rate := float64(p.warmingSuccess) / float64(attempts)
		success = 0.3 + 1.4*rate
	}

	// Half-life adapts from 12h for cold feeds toward 48h for feeds
	// with deep history.
	halfLife := 12*time.Hour + time.Duration(float64(36*time.Hour)*math.Min(1, float64(p.accessCount)/100))
	decay := math.Exp(-math.Ln2 * float64(idle) / float64(halfLife))

	priority := base * recency * frequency * success * decay * p.volumeBoost
	return math.Max(0.05, math.Min(100, priority))
}

// WarmFeedCache refreshes one feed unless the cached entry is still
// fresh by the warm rule.
func (w *Warmer) WarmFeedCache(ctx context.Context, id feed.ID) {
	if entry, ok := w.cache.GetPrice(id); ok && entry.FreshWithin(w.cache.WarmFreshness()) {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, warmCallTimeout)
	price, err := w.source(callCtx, id)
	cancel()

	w.mu.Lock()
	p, tracked := w.patterns[id]
	if err != nil || price == nil {
		if tracked {
			p.warmingFailures++
		}
		w.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			w.log.Debug().Err(err).Str("feed", id.String()).Msg("warm failed")
		}
		return
	}
	if tracked {
		p.warmingSuccess++
	}
	w.mu.Unlock()

	w.cache.SetPrice(id, *price)
}

func (w *Warmer) aggressiveSweep(ctx context.Context) {
	now := time.Now()
	targets := w.selectFeeds(func(p *pattern) bool {
		return now.Sub(p.lastAccessed) <= aggressiveRecency && p.accessCount >= aggressiveMinCount
	})
	w.warmAll(ctx, "aggressive", targets, w.cfg.AggressiveWorkers)
}

func (w *Warmer) predictiveSweep(ctx context.Context) {
	now := time.Now()
	targets := w.selectFeeds(func(p *pattern) bool {
		until := p.predictedNextAccess.Sub(now)
		return until > 0 && until <= predictiveHorizon
	})
	w.warmAll(ctx, "predictive", targets, w.cfg.PredictiveWorkers)
}

// maintenanceSweep warms anything touched in the last hour and
// evicts patterns idle past the configured bound.
func (w *Warmer) maintenanceSweep(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	for id, p := range w.patterns {
		if now.Sub(p.lastAccessed) > w.cfg.PatternIdleEvict {
			delete(w.patterns, id)
		}
	}
	if w.met != nil {
		w.met.ActivePattern.Set(float64(len(w.patterns)))
	}
	w.mu.Unlock()

	targets := w.selectFeeds(func(p *pattern) bool {
		return now.Sub(p.lastAccessed) <= maintenanceRecency
	})
	w.warmAll(ctx, "maintenance", targets, w.cfg.MaintenanceWorkers)
}

// selectFeeds snapshots matching feeds ordered by priority, highest
// first.
func (w *Warmer) selectFeeds(match func(*pattern) bool) []feed.ID {
	type candidate struct {
		id       feed.ID
		priority float64
	}

	w.mu.Lock()
	cands := make([]candidate, 0, len(w.patterns))
	for id, p := range w.patterns {
		if match(p) {
			cands = append(cands, candidate{id: id, priority: p.priority})
		}
	}
	w.mu.Unlock()

	sort.Slice(cands, func(i, j int) bool { return cands[i].priority > cands[j].priority })
	out := make([]feed.ID, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

// warmAll fans the targets across a bounded worker pool. Failures
// are collected into the pattern stats and the pool moves on.
func (w *Warmer) warmAll(ctx context.Context, strategy string, targets []feed.ID, workers int) {
	if len(targets) == 0 {
		return
	}
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, id := range targets {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(id feed.ID) {
			defer wg.Done()
			defer func() { <-sem }()
			before := w.failureCount(id)
			w.WarmFeedCache(ctx, id)
			if w.met != nil {
				outcome := "ok"
				if w.failureCount(id) > before {
					outcome = "error"
				}
				w.met.WarmedFeeds.WithLabelValues(strategy, outcome).Inc()
			}
		}(id)
	}
	wg.Wait()
}

func (w *Warmer) failureCount(id feed.ID) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.patterns[id]; ok {
		return p.warmingFailures
	}
	return 0
}

// Patterns snapshots the tracked access patterns.
func (w *Warmer) Patterns() []PatternSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]PatternSnapshot, 0, len(w.patterns))
	for id, p := range w.patterns {
		out = append(out, PatternSnapshot{
			Feed:                id,
			AccessCount:         p.accessCount,
			LastAccessed:        p.lastAccessed,
			AverageInterval:     p.averageInterval,
			PredictedNextAccess: p.predictedNextAccess,
			WarmingSuccess:      p.warmingSuccess,
			WarmingFailures:     p.warmingFailures,
			Priority:            p.priority,
		})
	}
	return out
}
