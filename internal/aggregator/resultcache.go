package aggregator

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// resultCache memoizes consensus results keyed by a fingerprint of
// the input set, so identical bursts inside the TTL are served
// without recomputing.
type resultCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[uint64]resultEntry
	hits    int64
	misses  int64
}

type resultEntry struct {
	result   feed.AggregatedPrice
	inserted time.Time
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{
		ttl:     ttl,
		entries: make(map[uint64]resultEntry),
	}
}

// fingerprint hashes the input set with FNV-64a over the sorted
// (source, price rounded to cents, second-granular timestamp)
// tuples. Full-width, so collisions are not a practical concern.
func fingerprint(updates []feed.PriceUpdate) uint64 {
	parts := make([]string, len(updates))
	for i, u := range updates {
		parts[i] = fmt.Sprintf("%s:%d:%d", u.Source, int64(math.Round(u.Price*100)), u.Timestamp/1000)
	}
	sort.Strings(parts)

	h := fnv.New64a()
	h.Write([]byte(strings.Join(parts, "|")))
	return h.Sum64()
}

func (c *resultCache) get(key uint64) (feed.AggregatedPrice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Since(entry.inserted) > c.ttl {
		c.misses++
		return feed.AggregatedPrice{}, false
	}
	c.hits++
	return entry.result, true
}

// put inserts the result and, with 10% probability, sweeps entries
// older than twice the TTL.
func (c *resultCache) put(key uint64, result feed.AggregatedPrice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = resultEntry{result: result, inserted: time.Now()}

	if rand.Float64() < 0.1 {
		cutoff := time.Now().Add(-2 * c.ttl)
		for k, e := range c.entries {
			if e.inserted.Before(cutoff) {
				delete(c.entries, k)
			}
		}
	}
}

func (c *resultCache) stats() (hits, misses int64, entries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.entries)
}
