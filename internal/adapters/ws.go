package adapters

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// wsClient is the shared transport loop embedded by the streaming
// adapters. The concrete adapter supplies the message handler and
// the resubscribe hook; wsClient owns dialing, the read pump, the
// single immediate reconnect attempt and the output channels.
type wsClient struct {
	name        string
	url         string
	log         zerolog.Logger
	dialTimeout time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	loopDone  chan struct{}

	updates   chan feed.PriceUpdate
	states    chan ConnState
	dropped   atomic.Int64
	closeOnce sync.Once

	// handle decodes one raw frame; resub re-sends subscriptions
	// after a successful in-loop reconnect.
	handle func([]byte)
	resub  func() error
}

func newWSClient(name, url string, opts Options) *wsClient {
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &wsClient{
		name:        name,
		url:         url,
		log:         opts.Logger.With().Str("adapter", name).Logger(),
		dialTimeout: timeout,
		updates:     make(chan feed.PriceUpdate, bufSize),
		states:      make(chan ConnState, 8),
	}
}

func (w *wsClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connected {
		return nil
	}

	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}
	w.conn = conn
	w.connected = true

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.loopDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		w.readLoop(loopCtx)
	}(w.loopDone)

	w.log.Info().Str("url", w.url).Msg("websocket connected")
	w.emitState(ConnState{Source: w.name, Connected: true, At: time.Now()})
	return nil
}

func (w *wsClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = w.dialTimeout
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	return conn, err
}

func (w *wsClient) Disconnect() error {
	w.mu.Lock()
	if !w.connected {
		w.mu.Unlock()
		return nil
	}
	w.connected = false
	if w.cancel != nil {
		w.cancel()
	}
	conn := w.conn
	w.conn = nil
	done := w.loopDone
	w.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	// The read loop is the only writer on the output channels; wait
	// for it before closing them.
	if done != nil {
		<-done
	}
	w.closeOnce.Do(func() {
		close(w.updates)
		close(w.states)
	})
	return err
}

func (w *wsClient) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *wsClient) Updates() <-chan feed.PriceUpdate { return w.updates }
func (w *wsClient) States() <-chan ConnState         { return w.states }
func (w *wsClient) Dropped() int64                   { return w.dropped.Load() }

// writeJSON serializes a control message under the connection lock.
func (w *wsClient) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected || w.conn == nil {
		return feed.ErrSourceTransient
	}
	return w.conn.WriteJSON(v)
}

func (w *wsClient) readLoop(ctx context.Context) {
	retried := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// One immediate reconnect attempt; sustained failures
			// belong to the recovery layer.
			if !retried {
				retried = true
				if reconn, derr := w.dial(ctx); derr == nil {
					w.mu.Lock()
					w.conn = reconn
					w.mu.Unlock()
					if w.resub != nil {
						if rerr := w.resub(); rerr == nil {
							w.log.Warn().Msg("websocket reconnected in place")
							retried = false
							continue
						}
					} else {
						retried = false
						continue
					}
				}
			}
			w.log.Warn().Err(err).Msg("websocket read failed, disconnecting")
			w.markDisconnected(err)
			return
		}
		retried = false
		if w.handle != nil {
			w.handle(message)
		}
	}
}

func (w *wsClient) markDisconnected(cause error) {
	w.mu.Lock()
	wasConnected := w.connected
	w.connected = false
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		w.emitState(ConnState{Source: w.name, Connected: false, Err: cause, At: time.Now()})
	}
}

// emitUpdate never blocks the transport loop: when the buffer is
// full the oldest pending update is discarded and counted.
func (w *wsClient) emitUpdate(u feed.PriceUpdate) {
	select {
	case w.updates <- u:
	default:
		select {
		case <-w.updates:
			w.dropped.Add(1)
		default:
		}
		select {
		case w.updates <- u:
		default:
			w.dropped.Add(1)
		}
	}
}

func (w *wsClient) emitState(s ConnState) {
	select {
	case w.states <- s:
	default:
	}
}
