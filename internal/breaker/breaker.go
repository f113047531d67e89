// Package breaker guards outbound source calls with per-source
// circuit breakers.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// Manager owns one gobreaker per registered source. Transitions are
// forwarded to the event sink for health and alerting.
type Manager struct {
	cfg    config.BreakerConfig
	log    zerolog.Logger
	onEvnt feed.EventSink

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Status is a copyable view of one breaker.
type Status struct {
	Source              string
	State               string
	ConsecutiveFailures uint32
	Requests            uint32
	TotalFailures       uint32
}

// NewManager creates an empty breaker manager. sink may be nil.
func NewManager(cfg config.BreakerConfig, logger zerolog.Logger, sink feed.EventSink) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      logger.With().Str("component", "breaker").Logger(),
		onEvnt:   sink,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Register creates the breaker for a source. Registering the same
// source twice resets its state.
func (m *Manager) Register(source string) {
	settings := gobreaker.Settings{
		Name: source,
		// Half-open admits up to SuccessThreshold in-flight probes
		// rather than a strictly single one: gobreaker requires
		// MaxRequests consecutive successes to close, so a lower
		// MaxRequests would also lower the effective success
		// threshold. That many consecutive successes close the
		// circuit, any failure reopens it.
		MaxRequests: m.cfg.SuccessThreshold,
		Interval:    m.cfg.Window,
		Timeout:     m.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.Warn().Str("source", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit state changed")
			if m.onEvnt != nil {
				m.onEvnt(feed.Event{
					Kind:   feed.EventCircuitTransition,
					Source: name,
					From:   from.String(),
					To:     to.String(),
					At:     time.Now(),
				})
			}
		},
	}

	m.mu.Lock()
	m.breakers[source] = gobreaker.NewCircuitBreaker(settings)
	m.mu.Unlock()
}

func (m *Manager) breaker(source string) (*gobreaker.CircuitBreaker, error) {
	m.mu.RLock()
	cb, ok := m.breakers[source]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no breaker registered for source %q", source)
	}
	return cb, nil
}

// Allow reports whether a call to the source would currently be
// dispatched. Unregistered sources are allowed.
func (m *Manager) Allow(source string) bool {
	m.mu.RLock()
	cb, ok := m.breakers[source]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	return cb.State() != gobreaker.StateOpen
}

// Execute runs fn under the source's breaker. An open circuit fails
// fast with feed.ErrCircuitOpen and never dispatches fn. Context
// cancellation inside fn counts as a failure like any other error.
func (m *Manager) Execute(ctx context.Context, source string, fn func(context.Context) error) error {
	cb, err := m.breaker(source)
	if err != nil {
		return err
	}

	_, err = cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("source %s: %w", source, feed.ErrCircuitOpen)
	}
	return err
}

// Report feeds an out-of-band outcome (adapter stream error, health
// probe) into the source's failure accounting.
func (m *Manager) Report(source string, callErr error) {
	cb, err := m.breaker(source)
	if err != nil {
		return
	}
	// Routed through Execute so gobreaker counts it; an open state
	// already dominates, so rejections are ignored here.
	cb.Execute(func() (interface{}, error) { return nil, callErr }) //nolint:errcheck
}

// State returns the textual state of the source's breaker.
func (m *Manager) State(source string) string {
	m.mu.RLock()
	cb, ok := m.breakers[source]
	m.mu.RUnlock()
	if !ok {
		return "unregistered"
	}
	return cb.State().String()
}

// Snapshot returns the status of every registered breaker.
func (m *Manager) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		out[name] = Status{
			Source:              name,
			State:               cb.State().String(),
			ConsecutiveFailures: counts.ConsecutiveFailures,
			Requests:            counts.Requests,
			TotalFailures:       counts.TotalFailures,
		}
	}
	return out
}
