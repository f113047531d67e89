package feed

import "errors"

// Error kinds crossing component boundaries. Callers classify with
// errors.Is; wrapping adds context without changing the kind.
var (
	// ErrNoUpdates: the aggregator was invoked with an empty input set.
	ErrNoUpdates = errors.New("no updates")

	// ErrNoValidData: validation retained zero updates even after the
	// lenient pass.
	ErrNoValidData = errors.New("no valid data")

	// ErrInsufficientSources: fewer distinct sources than the
	// configured minimum survived validation.
	ErrInsufficientSources = errors.New("insufficient sources")

	// ErrCircuitOpen: the source's breaker is open; the call was
	// rejected without dispatch.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrSourceTransient: adapter disconnect or timeout; recovery
	// retries with backoff, callers normally never see this.
	ErrSourceTransient = errors.New("transient source failure")

	// ErrCacheMiss: no entry, or entry outside the freshness window.
	ErrCacheMiss = errors.New("cache miss")

	// ErrFeedUnknown: the feed is not declared in configuration.
	ErrFeedUnknown = errors.New("unknown feed")
)
