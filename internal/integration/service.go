// Package integration assembles the provider: adapters, breakers,
// data manager, aggregation service, real-time cache, warmer and
// recovery, behind one read API.
package integration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/aggregator"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/aggsvc"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/breaker"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/datamgr"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/metrics"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/recovery"
)

// eventQueueSize bounds the cross-component event fan-in.
const eventQueueSize = 1024

// Result is one outcome from a multi-feed read. Exactly one of Price
// and Err is set.
type Result struct {
	Feed  feed.ID
	Price *feed.AggregatedPrice
	Err   error
}

// Service is the top-level provider facade. Construct with New, then
// Start; reads are valid between Start and Stop.
type Service struct {
	cfg config.Config
	log zerolog.Logger

	met      *metrics.Registry
	breakers *breaker.Manager
	agg      *aggregator.Aggregator
	svc      *aggsvc.Service
	manager  *datamgr.Manager
	cache    *cache.RealTime
	warmer   *cache.Warmer
	recovery *recovery.Recovery

	feeds map[feed.ID]config.FeedConfig

	events chan feed.Event
	// optional external observer, set before Start
	onEvent feed.EventSink

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New wires the component graph. Nothing connects or runs until
// Start.
func New(cfg config.Config, logger zerolog.Logger) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		log:    logger.With().Str("component", "integration").Logger(),
		met:    metrics.New(),
		feeds:  make(map[feed.ID]config.FeedConfig, len(cfg.Feeds)),
		events: make(chan feed.Event, eventQueueSize),
	}

	for _, fc := range cfg.Feeds {
		id, err := fc.ID()
		if err != nil {
			return nil, err
		}
		s.feeds[id] = fc
	}

	s.breakers = breaker.NewManager(cfg.Breaker, logger, s.emit)
	s.agg = aggregator.New(cfg.Aggregator, logger)
	s.svc = aggsvc.New(cfg.Service, cfg.Aggregator.MaxStaleness, s.agg, logger, s.met)
	s.manager = datamgr.New(s.breakers, s.svc, logger, s.met, s.emit)
	s.cache = cache.NewRealTime(cfg.Cache)
	s.warmer = cache.NewWarmer(cfg.Warmer, s.cache, s.svc.GetAggregatedPrice, logger, s.met)
	s.recovery = recovery.New(cfg.Recovery, s.manager, logger, s.met, s.emit)

	// Reads drive warming priorities; traded volume boosts them.
	s.svc.SetAccessHook(s.warmer.TrackFeedAccess)
	s.manager.SetVolumeHook(s.warmer.NoteVolume)
	// Every consensus result lands in the read cache.
	s.svc.SetResultSink(s.onPriceReady)

	return s, nil
}

// SetEventHook registers an external observer for the event stream.
// Must be called before Start.
func (s *Service) SetEventHook(sink feed.EventSink) { s.onEvent = sink }

// Metrics exposes the prometheus registry for the HTTP layer.
func (s *Service) Metrics() *metrics.Registry { return s.met }

// Feeds lists the declared feeds.
func (s *Service) Feeds() []feed.ID {
	out := make([]feed.ID, 0, len(s.feeds))
	for id := range s.feeds {
		out = append(out, id)
	}
	return out
}

// emit enqueues an event, dropping the oldest under backpressure so
// emitters never block.
func (s *Service) emit(ev feed.Event) {
	select {
	case s.events <- ev:
	default:
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- ev:
		default:
		}
	}
}

func (s *Service) onPriceReady(ev feed.Event) {
	if ev.Kind == feed.EventPriceReady && ev.Price != nil {
		s.cache.SetPrice(ev.Feed, *ev.Price)
	}
	s.emit(ev)
}

// Start connects the fleet, subscribes the declared feeds and starts
// the background loops. Any failure leaves the service stopped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("integration: already started")
	}
	s.started = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatchEvents(runCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.agg.RunWeightOptimizer(runCtx)
	}()

	s.manager.Start(runCtx)
	s.svc.Start(runCtx)
	if s.cfg.Warmer.Enabled {
		s.warmer.Start(runCtx)
	}
	s.recovery.Start(runCtx)

	if err := s.bringUpSources(ctx); err != nil {
		s.Stop()
		return err
	}
	if err := s.subscribeFeeds(); err != nil {
		s.Stop()
		return err
	}

	s.log.Info().Int("feeds", len(s.feeds)).
		Strs("sources", s.cfg.Adapters.Enabled).Msg("provider started")
	s.emit(feed.Event{Kind: feed.EventInitialized, At: time.Now()})
	return nil
}

// bringUpSources constructs and registers every enabled adapter and
// connects primaries in parallel. A source that fails to connect is
// left to recovery; only construction errors abort startup.
func (s *Service) bringUpSources(ctx context.Context) error {
	opts := adapters.Options{
		Logger:      s.log,
		BufferSize:  s.cfg.Adapters.BufferSize,
		CallTimeout: s.cfg.Adapters.CallTimeout,
		BaseURL:     s.cfg.Adapters.RESTBaseURL,
		RPS:         s.cfg.Adapters.RESTRPS,
		Symbols:     s.feedNames(),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range s.cfg.Adapters.Enabled {
		a, err := adapters.NewAdapter(name, opts)
		if err != nil {
			return err
		}
		if err := s.manager.AddDataSource(gctx, a); err != nil {
			return err
		}
		g.Go(func() error {
			if err := a.Connect(gctx); err != nil {
				// Recovery picks it up via the disconnect event.
				s.log.Warn().Err(err).Str("source", a.Name()).
					Msg("initial connect failed, deferring to recovery")
				s.manager.TriggerSourceFailover(a.Name(), "initial connect failed")
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) subscribeFeeds() error {
	for id, fc := range s.feeds {
		s.recovery.RegisterFeed(id, fc.Primary, fc.Backup)
		if err := s.manager.SubscribeToFeed(id, fc.Primary); err != nil {
			s.log.Warn().Err(err).Str("feed", id.String()).
				Msg("partial feed subscription")
		}
	}
	return nil
}

func (s *Service) feedNames() []string {
	out := make([]string, 0, len(s.feeds))
	for id := range s.feeds {
		out = append(out, id.Name)
	}
	return out
}

// dispatchEvents routes the fan-in: disconnects drive recovery, and
// every event reaches the external observer when one is set.
func (s *Service) dispatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			switch ev.Kind {
			case feed.EventSourceDisconnected:
				// Failover can dial backups, which blocks for seconds;
				// never stall the dispatcher behind it. Recovery's own
				// reconciliation sweep covers any event lost to the
				// bounded queue.
				s.wg.Add(1)
				go func() {
					defer s.wg.Done()
					s.recovery.HandleEvent(ev)
				}()
			case feed.EventCircuitTransition:
				s.met.CircuitTransitions.WithLabelValues(ev.Source, ev.To).Inc()
			case feed.EventPriceReady:
				s.met.CacheSize.Set(float64(s.cache.Len()))
			}
			if s.onEvent != nil {
				s.onEvent(ev)
			}
		}
	}
}

// GetValue returns the consensus price for id, serving from the
// real-time cache when the entry is inside the serve-freshness
// window and falling through to aggregation otherwise.
func (s *Service) GetValue(ctx context.Context, id feed.ID) (*feed.AggregatedPrice, error) {
	if _, ok := s.feeds[id]; !ok {
		return nil, fmt.Errorf("%w: %s", feed.ErrFeedUnknown, id)
	}

	start := time.Now()
	defer func() {
		s.met.ResponseTime.WithLabelValues("get_value").Observe(time.Since(start).Seconds())
	}()

	if entry, ok := s.cache.GetPrice(id); ok && entry.FreshWithin(s.cache.ServeFreshness()) {
		s.met.CacheHits.WithLabelValues("realtime").Inc()
		s.warmer.TrackFeedAccess(id)
		price := entry.Price
		return &price, nil
	}
	s.met.CacheMisses.WithLabelValues("realtime").Inc()

	price, err := s.svc.GetAggregatedPrice(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.SetPrice(id, *price)
	return price, nil
}

// GetValues resolves each feed concurrently and reports per-feed
// outcomes; one failing feed never hides the others.
func (s *Service) GetValues(ctx context.Context, ids []feed.ID) []Result {
	results := make([]Result, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			price, err := s.GetValue(ctx, id)
			results[i] = Result{Feed: id, Price: price, Err: err}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // goroutines never return errors

	return results
}

// GetVolumes sums per-exchange traded volume for the feed over the
// trailing window.
func (s *Service) GetVolumes(id feed.ID, window time.Duration) (feed.VolumeWindow, error) {
	if _, ok := s.feeds[id]; !ok {
		return feed.VolumeWindow{}, fmt.Errorf("%w: %s", feed.ErrFeedUnknown, id)
	}
	return feed.VolumeWindow{
		Feed:     id,
		WindowMs: window.Milliseconds(),
		Volumes:  s.manager.Volumes(id, window),
	}, nil
}

// VolumeResult is one outcome from a multi-feed volume read. Exactly
// one of Window and Err carries data.
type VolumeResult struct {
	Feed   feed.ID
	Window feed.VolumeWindow
	Err    error
}

// GetAllVolumes resolves the trailing volume window for each feed and
// reports per-feed outcomes; an unknown feed never hides the others.
func (s *Service) GetAllVolumes(ids []feed.ID, window time.Duration) []VolumeResult {
	results := make([]VolumeResult, len(ids))
	for i, id := range ids {
		vw, err := s.GetVolumes(id, window)
		results[i] = VolumeResult{Feed: id, Window: vw, Err: err}
	}
	return results
}

// Subscribe registers cb for consensus results on id; the returned
// func unsubscribes.
func (s *Service) Subscribe(id feed.ID, cb aggsvc.Subscriber) (func(), error) {
	if _, ok := s.feeds[id]; !ok {
		return nil, fmt.Errorf("%w: %s", feed.ErrFeedUnknown, id)
	}
	return s.svc.Subscribe(id, cb), nil
}

// GetSystemHealth aggregates source, aggregation, cache, breaker and
// freshness views into one report.
func (s *Service) GetSystemHealth() feed.SystemHealth {
	sources := s.manager.GetConnectionHealth()

	breakers := make(map[string]string)
	for name, st := range s.breakers.Snapshot() {
		breakers[name] = st.State
	}

	freshness := make(map[string]float64, len(s.feeds))
	for id := range s.feeds {
		if age, ok := s.manager.GetDataFreshness(id); ok {
			freshness[id.String()] = float64(age.Milliseconds())
		}
	}

	health := feed.SystemHealth{
		Sources:     sources,
		Aggregation: s.svc.Health(),
		Cache:       s.cache.Stats(),
		Breakers:    breakers,
		Freshness:   freshness,
		Counters:    s.met.CounterTotals(metrics.Prefix),
	}
	health.Status = overallStatus(sources)
	return health
}

// overallStatus rolls source states up: all connected and quiet means
// healthy, none connected means unhealthy, anything between degrades.
func overallStatus(sources []feed.SourceHealth) string {
	if len(sources) == 0 {
		return "unhealthy"
	}
	connected, degraded := 0, 0
	for _, h := range sources {
		if h.Connected {
			connected++
		}
		if h.Status == feed.StatusDegraded || h.Status == feed.StatusUnhealthy {
			degraded++
		}
	}
	switch {
	case connected == 0:
		return "unhealthy"
	case degraded > 0 || connected < len(sources):
		return "degraded"
	default:
		return "healthy"
	}
}

// Warmer exposes the pattern snapshot for the HTTP layer.
func (s *Service) Warmer() *cache.Warmer { return s.warmer }

// Stop tears the service down in reverse order: no new work, drain
// the loops, then disconnect the fleet. Sources that take longer than
// the shutdown grace are abandoned.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.recovery.Stop()
	if s.cfg.Warmer.Enabled {
		s.warmer.Stop()
	}
	s.svc.Stop()
	s.manager.Stop()
	s.wg.Wait()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, name := range s.cfg.Adapters.Enabled {
			if a, ok := s.manager.Adapter(name); ok {
				if err := a.Disconnect(); err != nil {
					s.log.Debug().Err(err).Str("source", name).Msg("disconnect failed")
				}
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.Server.ShutdownGrace):
		s.log.Warn().Msg("source disconnect exceeded shutdown grace")
	}

	s.log.Info().Msg("provider stopped")
}
