// Package adapters contains the per-exchange drivers that translate
// native streaming protocols into normalized price updates.
package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// ConnState is a connection transition emitted by an adapter.
type ConnState struct {
	Source    string
	Connected bool
	Err       error
	At        time.Time
}

// Capabilities describes what an adapter can do.
type Capabilities struct {
	Streaming  bool
	REST       bool
	Volume     bool
	Categories []feed.Category
}

// Adapter is the per-exchange driver contract. Updates and States
// are owned by the adapter and closed on Disconnect. Transport
// errors surface as a disconnected ConnState after at most one
// immediate reconnect attempt; sustained failure is the recovery
// layer's problem.
type Adapter interface {
	Name() string
	Capabilities() Capabilities

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// Subscribe/Unsubscribe take canonical feed names (BASE/QUOTE).
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error

	Updates() <-chan feed.PriceUpdate
	States() <-chan ConnState
}

// Options carries the wiring every adapter constructor receives.
type Options struct {
	Logger      zerolog.Logger
	BufferSize  int
	CallTimeout time.Duration

	// REST fallback only
	BaseURL string
	RPS     float64
	Symbols []string
}

// Constructor builds a named adapter.
type Constructor func(Options) Adapter

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// RegisterAdapter installs a constructor under name. Called from
// package init funcs; duplicate names panic.
func RegisterAdapter(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("adapter %q registered twice", name))
	}
	registry[name] = ctor
}

// NewAdapter builds the named adapter or errors if unknown.
func NewAdapter(name string, opts Options) (Adapter, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown adapter %q (have %v)", name, RegisteredAdapters())
	}
	return ctor(opts), nil
}

// RegisteredAdapters lists registered adapter names, sorted.
func RegisteredAdapters() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
