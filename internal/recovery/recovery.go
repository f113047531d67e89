// Package recovery coordinates reconnection and failover for the
// adapter fleet: backups are activated while a primary is down and
// released once it has been stable again for a run of health checks.
package recovery

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/metrics"
)

// Sources abstracts what recovery needs from the data manager.
type Sources interface {
	Adapter(name string) (adapters.Adapter, bool)
	SubscribeToFeed(id feed.ID, sources []string) error
	UnsubscribeFromFeed(id feed.ID, sources []string)
}

// Recovery owns the per-feed source preference order and the
// reconnect scheduling for failed sources.
type Recovery struct {
	cfg    config.RecoveryConfig
	log    zerolog.Logger
	met    *metrics.Registry // optional
	srcs   Sources
	events feed.EventSink // optional

	mu    sync.Mutex
	plans map[feed.ID]*feedPlan
	// reconnect attempt counter per source
	attempts map[string]int
	// reconnect already scheduled
	pending map[string]bool
	// consecutive healthy checks for reconnected primaries
	stability map[string]int
	// backups activated on a primary's behalf: source -> activations
	activated map[string][]activation

	rng *rand.Rand

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type feedPlan struct {
	id      feed.ID
	primary []string
	backup  []string
	active  map[string]bool // backups currently serving
}

type activation struct {
	id     feed.ID
	backup string
}

func New(cfg config.RecoveryConfig, srcs Sources, logger zerolog.Logger, met *metrics.Registry, events feed.EventSink) *Recovery {
	return &Recovery{
		cfg:       cfg,
		log:       logger.With().Str("component", "recovery").Logger(),
		met:       met,
		srcs:      srcs,
		events:    events,
		plans:     make(map[feed.ID]*feedPlan),
		attempts:  make(map[string]int),
		pending:   make(map[string]bool),
		stability: make(map[string]int),
		activated: make(map[string][]activation),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RegisterFeed declares the ordered primary and backup sources for a
// feed.
func (r *Recovery) RegisterFeed(id feed.ID, primary, backup []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[id] = &feedPlan{
		id:      id,
		primary: append([]string(nil), primary...),
		backup:  append([]string(nil), backup...),
		active:  make(map[string]bool),
	}
}

// Start launches the stability check loop.
func (r *Recovery) Start(ctx context.Context) {
	r.runCtx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.runCtx.Done():
				return
			case <-ticker.C:
				r.checkStability()
				r.reconcile()
			}
		}
	}()
}

// Stop cancels scheduled reconnects and waits for them.
func (r *Recovery) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// HandleEvent consumes manager events; only disconnects are acted on.
func (r *Recovery) HandleEvent(ev feed.Event) {
	if ev.Kind != feed.EventSourceDisconnected {
		return
	}
	r.onDisconnect(ev.Source)
}

func (r *Recovery) onDisconnect(source string) {
	start := time.Now()
	activatedNames := r.activateBackups(source)

	r.scheduleReconnect(source)

	success := len(activatedNames) > 0
	if r.met != nil {
		outcome := "no_backup"
		if success {
			outcome = "backup_active"
		}
		r.met.Failovers.WithLabelValues(source, outcome).Inc()
	}
	r.log.Warn().Str("source", source).Strs("activated", activatedNames).
		Dur("took", time.Since(start)).Msg("failover completed")
	if r.events != nil {
		r.events(feed.Event{
			Kind:      feed.EventFailoverCompleted,
			Source:    source,
			Success:   success,
			Activated: activatedNames,
			Elapsed:   time.Since(start),
			At:        time.Now(),
		})
	}
}

// activateBackups brings up the next viable backup for every feed the
// failed source was serving, whether as a primary or as an already
// activated backup.
func (r *Recovery) activateBackups(source string) []string {
	r.mu.Lock()
	var toActivate []activation
	for _, plan := range r.plans {
		if !contains(plan.primary, source) && !plan.active[source] {
			continue
		}
		// A failed active backup stops serving; its slot is refilled
		// the same way a primary's is.
		delete(plan.active, source)
		for _, b := range plan.backup {
			if plan.active[b] || b == source {
				continue
			}
			plan.active[b] = true
			toActivate = append(toActivate, activation{id: plan.id, backup: b})
			r.activated[source] = append(r.activated[source], activation{id: plan.id, backup: b})
			break // one backup per feed per failover
		}
	}
	r.mu.Unlock()

	var names []string
	for _, act := range toActivate {
		a, ok := r.srcs.Adapter(act.backup)
		if !ok {
			continue
		}
		if !a.IsConnected() && r.runCtx != nil {
			if err := a.Connect(r.runCtx); err != nil {
				r.log.Warn().Err(err).Str("backup", act.backup).Msg("backup connect failed")
				continue
			}
		}
		if err := r.srcs.SubscribeToFeed(act.id, []string{act.backup}); err != nil {
			r.log.Warn().Err(err).Str("backup", act.backup).Msg("backup subscribe failed")
			continue
		}
		names = append(names, act.backup)
		r.log.Info().Str("backup", act.backup).Str("feed", act.id.String()).
			Msg("backup source activated")
	}
	return names
}

// scheduleReconnect arms one backoff-delayed reconnect attempt for
// the source; further attempts re-arm themselves until success or
// shutdown.
func (r *Recovery) scheduleReconnect(source string) {
	r.mu.Lock()
	if r.pending[source] || r.runCtx == nil {
		r.mu.Unlock()
		return
	}
	r.pending[source] = true
	attempt := r.attempts[source]
	r.attempts[source] = attempt + 1
	r.mu.Unlock()

	delay := r.backoff(attempt)
	r.log.Info().Str("source", source).Dur("delay", delay).Int("attempt", attempt+1).
		Msg("reconnect scheduled")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-r.runCtx.Done():
			return
		case <-time.After(delay):
		}
		r.tryReconnect(source)
	}()
}

// backoff computes base*2^attempt capped, with +-jitter applied.
func (r *Recovery) backoff(attempt int) time.Duration {
	d := float64(r.cfg.BackoffBase) * math.Pow(2, float64(attempt))
	if d > float64(r.cfg.BackoffCap) {
		d = float64(r.cfg.BackoffCap)
	}

	r.mu.Lock()
	jitter := 1 + r.cfg.JitterPct*(2*r.rng.Float64()-1)
	r.mu.Unlock()

	return time.Duration(d * jitter)
}

func (r *Recovery) tryReconnect(source string) {
	r.mu.Lock()
	r.pending[source] = false
	r.mu.Unlock()

	a, ok := r.srcs.Adapter(source)
	if !ok {
		return
	}
	if err := a.Connect(r.runCtx); err != nil {
		r.log.Warn().Err(err).Str("source", source).Msg("reconnect failed")
		r.scheduleReconnect(source)
		return
	}

	// Resubscribe every feed this source serves.
	r.mu.Lock()
	r.attempts[source] = 0
	r.stability[source] = 0
	var ids []feed.ID
	for _, plan := range r.plans {
		if contains(plan.primary, source) || contains(plan.backup, source) {
			ids = append(ids, plan.id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.srcs.SubscribeToFeed(id, []string{source}); err != nil {
			r.log.Warn().Err(err).Str("source", source).Str("feed", id.String()).
				Msg("resubscribe after reconnect failed")
		}
	}

	r.log.Info().Str("source", source).Msg("connection restored")
	if r.events != nil {
		r.events(feed.Event{Kind: feed.EventConnectionRestored, Source: source, At: time.Now()})
	}
}

// checkStability counts consecutive healthy checks for sources that
// recently reconnected and still hold backups active on their
// behalf; after the configured run, redundant backups are released.
func (r *Recovery) checkStability() {
	r.mu.Lock()
	watched := make([]string, 0, len(r.activated))
	for source := range r.activated {
		watched = append(watched, source)
	}
	r.mu.Unlock()

	for _, source := range watched {
		a, ok := r.srcs.Adapter(source)
		if !ok {
			continue
		}

		r.mu.Lock()
		if !a.IsConnected() {
			r.stability[source] = 0
			r.mu.Unlock()
			continue
		}
		r.stability[source]++
		stable := r.stability[source] >= r.cfg.StabilityChecks
		var release []activation
		if stable {
			release = r.activated[source]
			delete(r.activated, source)
			for _, act := range release {
				if plan, ok := r.plans[act.id]; ok {
					delete(plan.active, act.backup)
				}
			}
		}
		r.mu.Unlock()

		for _, act := range release {
			r.srcs.UnsubscribeFromFeed(act.id, []string{act.backup})
			r.log.Info().Str("primary", source).Str("backup", act.backup).
				Str("feed", act.id.String()).Msg("redundant backup released")
		}
	}
}

// reconcile sweeps the registered plans for sources that should be
// serving but sit disconnected with no reconnect in flight. The
// disconnect event that normally triggers recovery travels a bounded
// queue and can be lost under load; the sweep makes failover converge
// regardless of event delivery.
func (r *Recovery) reconcile() {
	r.mu.Lock()
	serving := make(map[string]bool)
	for _, plan := range r.plans {
		for _, p := range plan.primary {
			serving[p] = true
		}
		for b := range plan.active {
			serving[b] = true
		}
	}
	for source := range serving {
		if r.pending[source] {
			delete(serving, source)
		}
	}
	r.mu.Unlock()

	for source := range serving {
		a, ok := r.srcs.Adapter(source)
		if !ok || a.IsConnected() {
			continue
		}
		r.log.Warn().Str("source", source).
			Msg("disconnected source with no recovery in flight")
		r.onDisconnect(source)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
