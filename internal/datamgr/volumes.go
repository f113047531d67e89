package datamgr

import (
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// volumeHorizon bounds how much trade-volume history is retained per
// feed and source; queries beyond it are truncated.
const volumeHorizon = time.Hour

type volumeSample struct {
	at     time.Time
	volume float64
}

// volumeBook accumulates per-feed per-source traded volume from the
// same streams that feed consensus. No separate pull path.
type volumeBook struct {
	mu      sync.Mutex
	samples map[feed.ID]map[string][]volumeSample
}

func newVolumeBook() *volumeBook {
	return &volumeBook{samples: make(map[feed.ID]map[string][]volumeSample)}
}

func (b *volumeBook) add(id feed.ID, source string, volume float64, at time.Time) {
	if volume <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bySource, ok := b.samples[id]
	if !ok {
		bySource = make(map[string][]volumeSample)
		b.samples[id] = bySource
	}

	samples := append(bySource[source], volumeSample{at: at, volume: volume})
	// Prune anything past the horizon while we hold the lock.
	cutoff := at.Add(-volumeHorizon)
	trim := 0
	for trim < len(samples) && samples[trim].at.Before(cutoff) {
		trim++
	}
	bySource[source] = samples[trim:]
}

// window sums per-exchange volume for id over the trailing window.
func (b *volumeBook) window(id feed.ID, window time.Duration, now time.Time) map[string]float64 {
	if window > volumeHorizon {
		window = volumeHorizon
	}
	cutoff := now.Add(-window)

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]float64)
	for source, samples := range b.samples[id] {
		var sum float64
		for _, s := range samples {
			if !s.at.Before(cutoff) {
				sum += s.volume
			}
		}
		if sum > 0 {
			out[source] = sum
		}
	}
	return out
}
