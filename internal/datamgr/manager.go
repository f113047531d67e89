// Package datamgr is the fan-in hub between the adapter fleet and
// the aggregation service: it validates and routes updates, tracks
// per-source health and freshness and accounts traded volumes.
package datamgr

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/breaker"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/metrics"
)

const (
	routeWorkers   = 4
	routeQueueSize = 512
	// lastUpdate older than this degrades the source
	degradedAfter = 30 * time.Second
)

// UpdateSink receives validated, routed updates; the aggregation
// service implements it.
type UpdateSink interface {
	AddPriceUpdate(id feed.ID, u feed.PriceUpdate) error
}

// Manager owns the adapter fleet. Per-feed routing is serialized by
// feed-hash worker so per-source dedup downstream is race-free;
// across feeds, routing runs in parallel.
type Manager struct {
	log      zerolog.Logger
	met      *metrics.Registry // optional
	breakers *breaker.Manager
	sink     UpdateSink
	events   feed.EventSink // optional
	volumes  *volumeBook

	// onVolume lets the warmer fold traded volume into priorities.
	onVolume func(feed.ID, float64)

	mu      sync.RWMutex
	sources map[string]*sourceState
	// canonical symbol -> declared feed
	feedsBySymbol map[string]feed.ID
	// last accepted update time per feed, for freshness
	feedLastUpdate map[feed.ID]time.Time

	routes [routeWorkers]chan routedUpdate

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type routedUpdate struct {
	id feed.ID
	u  feed.PriceUpdate
}

type sourceState struct {
	adapter adapters.Adapter

	mu            sync.Mutex
	status        feed.SourceStatus
	errorCount    int64
	recoveryCount int64
	lastLatency   time.Duration
	lastUpdate    time.Time
}

func New(breakers *breaker.Manager, sink UpdateSink, logger zerolog.Logger, met *metrics.Registry, events feed.EventSink) *Manager {
	m := &Manager{
		log:            logger.With().Str("component", "datamgr").Logger(),
		met:            met,
		breakers:       breakers,
		sink:           sink,
		events:         events,
		volumes:        newVolumeBook(),
		sources:        make(map[string]*sourceState),
		feedsBySymbol:  make(map[string]feed.ID),
		feedLastUpdate: make(map[feed.ID]time.Time),
	}
	for i := range m.routes {
		m.routes[i] = make(chan routedUpdate, routeQueueSize)
	}
	return m
}

// SetVolumeHook wires the warmer's volume boost input.
func (m *Manager) SetVolumeHook(hook func(feed.ID, float64)) { m.onVolume = hook }

// Start launches the routing workers. Consumer loops for each
// adapter start when the adapter is added.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for i := range m.routes {
		m.wg.Add(1)
		go func(ch <-chan routedUpdate) {
			defer m.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case r := <-ch:
					if err := m.sink.AddPriceUpdate(r.id, r.u); err != nil {
						m.log.Debug().Err(err).Str("source", r.u.Source).Msg("sink rejected update")
					}
				}
			}
		}(m.routes[i])
	}
}

// Stop cancels routing and consumer loops; adapters are disconnected
// by the integration layer which owns their lifecycle ordering.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// AddDataSource registers the adapter, its breaker, and starts
// consuming its streams. The adapter must already be constructed;
// connecting it is the caller's (or recovery's) job.
func (m *Manager) AddDataSource(ctx context.Context, a adapters.Adapter) error {
	name := a.Name()

	m.mu.Lock()
	if _, dup := m.sources[name]; dup {
		m.mu.Unlock()
		return fmt.Errorf("data source %q already registered", name)
	}
	st := &sourceState{adapter: a, status: feed.StatusUnhealthy}
	m.sources[name] = st
	m.mu.Unlock()

	m.breakers.Register(name)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.consumeUpdates(ctx, name, a)
	}()
	go func() {
		defer m.wg.Done()
		m.consumeStates(ctx, name, a)
	}()

	m.log.Info().Str("source", name).Msg("data source registered")
	return nil
}

// RemoveDataSource disconnects and forgets the source.
func (m *Manager) RemoveDataSource(name string) error {
	m.mu.Lock()
	st, ok := m.sources[name]
	if ok {
		delete(m.sources, name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("data source %q not registered", name)
	}
	return st.adapter.Disconnect()
}

// Adapter returns the registered adapter for name.
func (m *Manager) Adapter(name string) (adapters.Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sources[name]
	if !ok {
		return nil, false
	}
	return st.adapter, true
}

// SubscribeToFeed subscribes the named sources to the feed and
// registers the symbol mapping. Per-symbol subscription errors are
// reported as drops, not hard failures.
func (m *Manager) SubscribeToFeed(id feed.ID, sources []string) error {
	m.mu.Lock()
	m.feedsBySymbol[strings.ToUpper(id.Name)] = id
	m.mu.Unlock()

	var firstErr error
	for _, name := range sources {
		a, ok := m.Adapter(name)
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("source %q not registered", name)
			}
			continue
		}
		if err := a.Subscribe([]string{id.Name}); err != nil {
			m.log.Warn().Err(err).Str("source", name).Str("feed", id.String()).
				Msg("per-symbol subscription dropped")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// UnsubscribeFromFeed removes the feed from the named sources.
func (m *Manager) UnsubscribeFromFeed(id feed.ID, sources []string) {
	for _, name := range sources {
		if a, ok := m.Adapter(name); ok {
			if err := a.Unsubscribe([]string{id.Name}); err != nil {
				m.log.Debug().Err(err).Str("source", name).Msg("unsubscribe failed")
			}
		}
	}
}

func (m *Manager) consumeUpdates(ctx context.Context, name string, a adapters.Adapter) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-a.Updates():
			if !ok {
				return
			}
			m.ingest(name, u)
		}
	}
}

// ingest applies the boundary checks, updates health stats and
// routes by feed hash.
func (m *Manager) ingest(name string, u feed.PriceUpdate) {
	if !u.Valid() {
		m.reject(name, "invalid")
		return
	}
	if !m.breakers.Allow(u.Source) {
		m.reject(name, "circuit_open")
		return
	}

	m.mu.RLock()
	id, known := m.feedsBySymbol[strings.ToUpper(u.Symbol)]
	st := m.sources[name]
	m.mu.RUnlock()
	if !known {
		m.reject(name, "unknown_feed")
		return
	}

	now := time.Now()
	if st != nil {
		st.mu.Lock()
		st.lastUpdate = now
		st.lastLatency = u.Age(now)
		if st.status == feed.StatusUnhealthy {
			st.status = feed.StatusRecovered
		}
		st.mu.Unlock()
	}

	m.mu.Lock()
	if now.After(m.feedLastUpdate[id]) {
		m.feedLastUpdate[id] = now
	}
	m.mu.Unlock()

	m.volumes.add(id, u.Source, u.Volume, now)
	if m.onVolume != nil && u.Volume > 0 {
		m.onVolume(id, u.Volume)
	}

	if m.met != nil {
		m.met.UpdatesReceived.WithLabelValues(name).Inc()
	}

	ch := m.routes[feedHash(id)%routeWorkers]
	select {
	case ch <- routedUpdate{id: id, u: u}:
	default:
		// Drop-oldest keeps the newest print flowing under burst.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- routedUpdate{id: id, u: u}:
		default:
		}
		if m.met != nil {
			m.met.UpdatesDropped.WithLabelValues(name).Inc()
		}
	}

	if m.events != nil {
		m.events(feed.Event{Kind: feed.EventPriceUpdate, Source: name, Feed: id, At: now})
	}
}

func (m *Manager) reject(name, reason string) {
	if m.met != nil {
		m.met.UpdatesRejected.WithLabelValues(name, reason).Inc()
	}
}

func (m *Manager) consumeStates(ctx context.Context, name string, a adapters.Adapter) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-a.States():
			if !ok {
				return
			}
			m.handleState(name, s)
		}
	}
}

func (m *Manager) handleState(name string, s adapters.ConnState) {
	m.mu.RLock()
	st := m.sources[name]
	m.mu.RUnlock()
	if st == nil {
		return
	}

	if m.met != nil {
		up := 0.0
		if s.Connected {
			up = 1.0
		}
		m.met.SourceUp.WithLabelValues(name).Set(up)
	}

	st.mu.Lock()
	if s.Connected {
		st.recoveryCount++
		st.status = feed.StatusRecovered
	} else {
		st.errorCount++
		st.status = feed.StatusUnhealthy
	}
	st.mu.Unlock()

	if !s.Connected {
		m.breakers.Report(name, fmt.Errorf("%w: %v", feed.ErrSourceTransient, s.Err))
		m.log.Warn().Str("source", name).Err(s.Err).Msg("source disconnected")
		if m.events != nil {
			m.events(feed.Event{Kind: feed.EventSourceDisconnected, Source: name, At: s.At})
		}
	}
}

// TriggerSourceFailover force-marks a source unhealthy and emits the
// disconnect event so recovery takes over. Used by operators and the
// health monitor.
func (m *Manager) TriggerSourceFailover(name, reason string) {
	m.mu.RLock()
	st := m.sources[name]
	m.mu.RUnlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	st.status = feed.StatusUnhealthy
	st.errorCount++
	st.mu.Unlock()

	m.log.Warn().Str("source", name).Str("reason", reason).Msg("failover triggered")
	if m.events != nil {
		m.events(feed.Event{Kind: feed.EventSourceDisconnected, Source: name, At: time.Now()})
	}
}

// GetConnectionHealth snapshots every source.
func (m *Manager) GetConnectionHealth() []feed.SourceHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.sources))
	states := make([]*sourceState, 0, len(m.sources))
	for name, st := range m.sources {
		names = append(names, name)
		states = append(states, st)
	}
	m.mu.RUnlock()

	now := time.Now()
	out := make([]feed.SourceHealth, len(states))
	for i, st := range states {
		st.mu.Lock()
		h := feed.SourceHealth{
			Source:        names[i],
			Status:        st.status,
			Connected:     st.adapter.IsConnected(),
			ErrorCount:    st.errorCount,
			RecoveryCount: st.recoveryCount,
			LastLatency:   st.lastLatency,
		}
		if !st.lastUpdate.IsZero() {
			h.LastUpdateAge = now.Sub(st.lastUpdate)
		}
		// Connected but silent past the bound means degraded.
		if h.Connected && h.Status != feed.StatusUnhealthy && h.LastUpdateAge > degradedAfter && !st.lastUpdate.IsZero() {
			h.Status = feed.StatusDegraded
		}
		st.mu.Unlock()

		if d, ok := st.adapter.(interface{ Dropped() int64 }); ok {
			h.Dropped = d.Dropped()
		}
		out[i] = h
	}
	return out
}

// GetDataFreshness returns the age of the newest accepted update for
// the feed, or false if nothing has arrived yet.
func (m *Manager) GetDataFreshness(id feed.ID) (time.Duration, bool) {
	m.mu.RLock()
	last, ok := m.feedLastUpdate[id]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return time.Since(last), true
}

// Volumes sums per-exchange volume for the feed over the window.
func (m *Manager) Volumes(id feed.ID, window time.Duration) map[string]float64 {
	return m.volumes.window(id, window, time.Now())
}

func feedHash(id feed.ID) uint32 {
	h := fnv.New32a()
	h.Write([]byte{byte(id.Category)})
	h.Write([]byte(id.Name))
	return h.Sum32()
}
