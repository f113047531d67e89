package feed

import "time"

// EventKind tags cross-component notifications delivered to the
// integration service.
type EventKind string

const (
	EventPriceUpdate        EventKind = "price_update"
	EventPriceReady         EventKind = "price_ready"
	EventSourceDisconnected EventKind = "source_disconnected"
	EventConnectionRestored EventKind = "connection_restored"
	EventFailoverCompleted  EventKind = "failover_completed"
	EventCircuitTransition  EventKind = "circuit_transition"
	EventInitialized        EventKind = "initialized"
)

// Event is a typed notification. Only the fields relevant to the
// kind are populated.
type Event struct {
	Kind      EventKind
	Source    string
	Feed      ID
	Price     *AggregatedPrice
	From      string // circuit transitions
	To        string
	Success   bool          // failover outcome
	Activated []string      // backups activated during failover
	Elapsed   time.Duration // failover duration
	At        time.Time
}

// EventSink receives events. Implementations must not block; the
// emitting component calls sinks inline on its own goroutine.
type EventSink func(Event)
