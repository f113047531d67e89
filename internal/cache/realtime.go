// Package cache provides the bounded real-time price cache and the
// predictive warmer that keeps it populated ahead of reads.
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

const (
	shardCount = 16
	// rough per-entry footprint for the memory estimate
	entryOverheadBytes = 160
	// auto-resize never grows past this multiple of the configured bound
	maxResizeFactor = 4
)

// Entry is one cached consensus value.
type Entry struct {
	Price    feed.AggregatedPrice
	StoredAt time.Time
}

// FreshWithin reports whether the entry is younger than window.
func (e Entry) FreshWithin(window time.Duration) bool {
	return time.Since(e.StoredAt) <= window
}

// RealTime is a sharded feed->price cache with per-shard LRU
// eviction and TTL-style freshness predicates applied by callers.
// Reads on distinct shards never contend.
type RealTime struct {
	cfg    config.CacheConfig
	shards [shardCount]*shard

	maxEntries atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
	window     rollingRate
}

type shard struct {
	mu    sync.Mutex
	items map[feed.ID]*list.Element
	order *list.List // front = most recent
}

type lruItem struct {
	id    feed.ID
	entry Entry
}

func NewRealTime(cfg config.CacheConfig) *RealTime {
	c := &RealTime{cfg: cfg}
	c.maxEntries.Store(int64(cfg.MaxEntries))
	for i := range c.shards {
		c.shards[i] = &shard{
			items: make(map[feed.ID]*list.Element),
			order: list.New(),
		}
	}
	return c
}

func (c *RealTime) shardFor(id feed.ID) *shard {
	h := fnv.New32a()
	h.Write([]byte{byte(id.Category)})
	h.Write([]byte(id.Name))
	return c.shards[h.Sum32()%shardCount]
}

// GetPrice returns the entry for id. A present-but-stale entry is
// still returned; freshness policy belongs to the caller. Misses and
// hits are both accounted.
func (c *RealTime) GetPrice(id feed.ID) (Entry, bool) {
	s := c.shardFor(id)
	s.mu.Lock()
	elem, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		c.window.record(false)
		return Entry{}, false
	}
	s.order.MoveToFront(elem)
	entry := elem.Value.(*lruItem).entry
	s.mu.Unlock()

	c.hits.Add(1)
	c.window.record(true)
	return entry, true
}

// SetPrice stores price under id. Older timestamps are not rejected;
// the aggregator is the authoritative writer. The per-shard LRU tail
// is evicted when the cache is over budget, and the budget itself
// grows (bounded) when the fill ratio crosses the resize threshold.
func (c *RealTime) SetPrice(id feed.ID, price feed.AggregatedPrice) {
	entry := Entry{Price: price, StoredAt: time.Now()}

	s := c.shardFor(id)
	s.mu.Lock()
	if elem, ok := s.items[id]; ok {
		elem.Value.(*lruItem).entry = entry
		s.order.MoveToFront(elem)
		s.mu.Unlock()
		return
	}
	s.items[id] = s.order.PushFront(&lruItem{id: id, entry: entry})

	perShard := int(c.maxEntries.Load()) / shardCount
	if perShard < 1 {
		perShard = 1
	}
	for len(s.items) > perShard {
		tail := s.order.Back()
		if tail == nil {
			break
		}
		item := tail.Value.(*lruItem)
		s.order.Remove(tail)
		delete(s.items, item.id)
	}
	s.mu.Unlock()

	c.maybeResize()
}

func (c *RealTime) maybeResize() {
	limit := c.maxEntries.Load()
	ceiling := int64(c.cfg.MaxEntries) * maxResizeFactor
	if limit >= ceiling {
		return
	}
	if float64(c.Len()) >= c.cfg.ResizeFillPct*float64(limit) {
		next := limit * 2
		if next > ceiling {
			next = ceiling
		}
		c.maxEntries.CompareAndSwap(limit, next)
	}
}

// InvalidateOnPriceUpdate drops the entry for id outright so the
// next read repopulates from the aggregation path.
func (c *RealTime) InvalidateOnPriceUpdate(id feed.ID) {
	s := c.shardFor(id)
	s.mu.Lock()
	if elem, ok := s.items[id]; ok {
		s.order.Remove(elem)
		delete(s.items, id)
	}
	s.mu.Unlock()
}

// Len returns the total entry count across shards.
func (c *RealTime) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.items)
		s.mu.Unlock()
	}
	return total
}

// Clear empties the cache; counters are preserved.
func (c *RealTime) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[feed.ID]*list.Element)
		s.order.Init()
		s.mu.Unlock()
	}
}

// WarmFreshness is the freshness window the warmer uses to decide
// whether an entry still needs refreshing.
func (c *RealTime) WarmFreshness() time.Duration { return c.cfg.WarmFreshness }

// ServeFreshness is the freshness window for serving values to
// callers.
func (c *RealTime) ServeFreshness() time.Duration { return c.cfg.ServeFreshness }

// Stats snapshots cache accounting. HitRate covers the rolling
// window; Hits/Misses are lifetime totals.
func (c *RealTime) Stats() feed.CacheHealth {
	entries := c.Len()
	return feed.CacheHealth{
		HitRate:     c.window.rate(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Entries:     entries,
		MemoryBytes: int64(entries) * entryOverheadBytes,
	}
}

// rollingRate tracks hit rate over the trailing 60 seconds with
// per-second buckets.
type rollingRate struct {
	mu      sync.Mutex
	hits    [60]int64
	total   [60]int64
	stamped [60]int64 // unix second each bucket was last written
}

func (r *rollingRate) record(hit bool) {
	now := time.Now().Unix()
	idx := now % 60

	r.mu.Lock()
	if r.stamped[idx] != now {
		r.hits[idx] = 0
		r.total[idx] = 0
		r.stamped[idx] = now
	}
	r.total[idx]++
	if hit {
		r.hits[idx]++
	}
	r.mu.Unlock()
}

func (r *rollingRate) rate() float64 {
	now := time.Now().Unix()

	r.mu.Lock()
	defer r.mu.Unlock()
	var hits, total int64
	for i := 0; i < 60; i++ {
		if now-r.stamped[i] < 60 {
			hits += r.hits[i]
			total += r.total[i]
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
