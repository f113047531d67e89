// Package aggsvc sits between the data manager and the consensus
// engine: it buffers updates per feed, debounces them into batch
// ticks, memoizes results and fans them out to subscribers.
package aggsvc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/aggregator"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/metrics"
)

// Subscriber receives successfully aggregated prices for one feed.
type Subscriber func(feed.AggregatedPrice)

// batchWorkers bounds concurrent aggregate calls per tick.
const batchWorkers = 8

// Service owns the per-feed buffering state. All public methods are
// safe for concurrent use; per-feed state is guarded by a feed-level
// lock so bursts on one feed never stall another.
type Service struct {
	cfg          config.ServiceConfig
	maxStaleness time.Duration
	agg          *aggregator.Aggregator
	log          zerolog.Logger
	met          *metrics.Registry // optional

	mu    sync.Mutex
	feeds map[feed.ID]*feedState

	// onAccess feeds the warmer's pattern tracker; onResult carries
	// priceReady events to the integration layer. Either may be nil.
	onAccess func(feed.ID)
	onResult feed.EventSink

	total  atomic.Int64
	errors atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type feedState struct {
	mu          sync.Mutex
	latest      map[string]feed.PriceUpdate // per-source latest wins
	dirty       bool
	cached      *feed.AggregatedPrice
	cachedAt    time.Time
	subscribers map[string]Subscriber

	// delivery queue, appended in completion order; one deliverer
	// goroutine drains it so subscribers observe that order.
	queue      []feed.AggregatedPrice
	delivering bool
}

func New(cfg config.ServiceConfig, maxStaleness time.Duration, agg *aggregator.Aggregator, logger zerolog.Logger, met *metrics.Registry) *Service {
	return &Service{
		cfg:          cfg,
		maxStaleness: maxStaleness,
		agg:          agg,
		log:          logger.With().Str("component", "aggsvc").Logger(),
		met:          met,
		feeds:        make(map[feed.ID]*feedState),
	}
}

// SetAccessHook wires the warmer's pattern tracker.
func (s *Service) SetAccessHook(hook func(feed.ID)) { s.onAccess = hook }

// SetResultSink wires the priceReady event sink.
func (s *Service) SetResultSink(sink feed.EventSink) { s.onResult = sink }

func (s *Service) state(id feed.ID) *feedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.feeds[id]
	if !ok {
		fs = &feedState{
			latest:      make(map[string]feed.PriceUpdate),
			subscribers: make(map[string]Subscriber),
		}
		s.feeds[id] = fs
	}
	return fs
}

// AddPriceUpdate validates and buffers one update. Accepted updates
// replace the source's previous entry, mark the feed dirty and
// invalidate the short result cache.
func (s *Service) AddPriceUpdate(id feed.ID, u feed.PriceUpdate) error {
	if err := s.agg.ValidateUpdate(u, time.Now()); err != nil {
		return err
	}

	fs := s.state(id)
	fs.mu.Lock()
	fs.latest[u.Source] = u
	fs.dirty = true
	fs.cached = nil
	fs.mu.Unlock()

	if s.onAccess != nil {
		s.onAccess(id)
	}
	return nil
}

// GetAggregatedPrice returns the consensus price for id: the cached
// result when clean and inside the TTL, otherwise a fresh
// aggregation over the per-source buffer filtered to fresh updates.
// Errors are returned, never panicked, so the caller decides whether
// stale cache is acceptable.
func (s *Service) GetAggregatedPrice(ctx context.Context, id feed.ID) (*feed.AggregatedPrice, error) {
	fs := s.state(id)

	fs.mu.Lock()
	if !fs.dirty && fs.cached != nil && time.Since(fs.cachedAt) <= s.cfg.ResultCacheTTL {
		cached := *fs.cached
		fs.mu.Unlock()
		return &cached, nil
	}
	now := time.Now()
	fresh := make([]feed.PriceUpdate, 0, len(fs.latest))
	for _, u := range fs.latest {
		if u.Age(now) <= s.maxStaleness {
			fresh = append(fresh, u)
		}
	}
	fs.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.agg.Aggregate(callCtx, id, fresh)
	s.total.Add(1)
	if s.met != nil {
		s.met.AggregateDuration.WithLabelValues(id.Name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.errors.Add(1)
		if s.met != nil {
			s.met.Aggregations.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	if s.met != nil {
		s.met.Aggregations.WithLabelValues("ok").Inc()
	}

	fs.mu.Lock()
	fs.cached = result
	fs.cachedAt = time.Now()
	fs.dirty = false
	fs.queue = append(fs.queue, *result)
	startDeliverer := !fs.delivering
	if startDeliverer {
		fs.delivering = true
	}
	fs.mu.Unlock()

	if startDeliverer {
		s.wg.Add(1)
		go s.deliverLoop(id, fs)
	}
	return result, nil
}

// deliverLoop drains the feed's queue one result at a time, so
// subscribers see results in the order aggregations completed even
// when completions race. Exits when the queue empties; the next
// completion starts a fresh one.
func (s *Service) deliverLoop(id feed.ID, fs *feedState) {
	defer s.wg.Done()
	for {
		fs.mu.Lock()
		if len(fs.queue) == 0 {
			fs.delivering = false
			fs.mu.Unlock()
			return
		}
		price := fs.queue[0]
		fs.queue = fs.queue[1:]
		subs := make([]Subscriber, 0, len(fs.subscribers))
		for _, cb := range fs.subscribers {
			subs = append(subs, cb)
		}
		fs.mu.Unlock()

		s.deliver(id, price, subs)
	}
}

// deliver runs the sink and subscribers synchronously; a panicking
// subscriber is isolated and logged, later subscribers still receive
// the result.
func (s *Service) deliver(id feed.ID, price feed.AggregatedPrice, subs []Subscriber) {
	if s.onResult != nil {
		s.onResult(feed.Event{
			Kind:  feed.EventPriceReady,
			Feed:  id,
			Price: &price,
			At:    time.Now(),
		})
	}
	for _, cb := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).
						Str("feed", id.String()).
						Msg("subscriber panicked; continuing delivery")
				}
			}()
			cb(price)
		}()
	}
}

// Subscribe registers cb for id and returns an unsubscribe func that
// removes the registration synchronously.
func (s *Service) Subscribe(id feed.ID, cb Subscriber) func() {
	fs := s.state(id)
	key := uuid.NewString()

	fs.mu.Lock()
	fs.subscribers[key] = cb
	fs.mu.Unlock()

	return func() {
		fs.mu.Lock()
		delete(fs.subscribers, key)
		fs.mu.Unlock()
	}
}

// Start launches the batch scheduler: every tick, dirty feeds are
// consolidated and aggregated once each regardless of burst volume.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.BatchTick)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.processBatch(runCtx)
			}
		}
	}()
}

// Stop cancels the scheduler and drains in-flight notifications.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) processBatch(ctx context.Context) {
	s.mu.Lock()
	dirty := make([]feed.ID, 0, len(s.feeds))
	for id, fs := range s.feeds {
		fs.mu.Lock()
		if fs.dirty {
			dirty = append(dirty, id)
		}
		fs.mu.Unlock()
	}
	s.mu.Unlock()

	if len(dirty) == 0 {
		return
	}

	sem := make(chan struct{}, batchWorkers)
	var wg sync.WaitGroup
	for _, id := range dirty {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(id feed.ID) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := s.GetAggregatedPrice(ctx, id); err != nil && ctx.Err() == nil {
				s.log.Debug().Err(err).Str("feed", id.String()).Msg("batch aggregation failed")
			}
		}(id)
	}
	wg.Wait()
}

// Health reports aggregation throughput for the system health view.
func (s *Service) Health() feed.AggregationHealth {
	total := s.total.Load()
	errs := s.errors.Load()
	rate := 0.0
	if total > 0 {
		rate = float64(total-errs) / float64(total)
	}
	return feed.AggregationHealth{SuccessRate: rate, ErrorCount: errs, Total: total}
}
