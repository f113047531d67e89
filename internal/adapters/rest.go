package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

const (
	restDefaultBaseURL = "https://api.binance.com"
	restConfidence     = 0.7 // polled quotes carry less weight than streams
	restPollInterval   = time.Second
)

func init() {
	RegisterAdapter("rest-fallback", func(opts Options) Adapter { return NewRESTFallback(opts) })
}

// RESTFallback polls a spot ticker endpoint when the streaming fleet
// is degraded. It honors a request budget via a token-bucket limiter
// so the fallback can never exhaust the venue's free tier.
type RESTFallback struct {
	log     zerolog.Logger
	baseURL string
	client  *http.Client
	limiter *rate.Limiter

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	subs      map[string]string // feed name -> native symbol
	closeOnce sync.Once

	updates chan feed.PriceUpdate
	states  chan ConnState
}

type restTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func NewRESTFallback(opts Options) *RESTFallback {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = restDefaultBaseURL
	}
	rps := opts.RPS
	if rps <= 0 {
		rps = 5
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 64
	}

	r := &RESTFallback{
		log:     opts.Logger.With().Str("adapter", "rest-fallback").Logger(),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		subs:    make(map[string]string),
		updates: make(chan feed.PriceUpdate, bufSize),
		states:  make(chan ConnState, 8),
	}
	for _, name := range opts.Symbols {
		r.subs[strings.ToUpper(name)] = r.NormalizeSymbol(name)
	}
	return r
}

func (r *RESTFallback) Name() string { return "rest-fallback" }

func (r *RESTFallback) Capabilities() Capabilities {
	return Capabilities{
		REST:       true,
		Categories: []feed.Category{feed.Crypto},
	}
}

// NormalizeSymbol follows the USDT-at-par rule of the streaming
// binance adapter so both paths land on the same feed.
func (r *RESTFallback) NormalizeSymbol(name string) string {
	base, quote, _ := strings.Cut(strings.ToUpper(name), "/")
	if quote == "USD" {
		quote = "USDT"
	}
	return base + quote
}

func (r *RESTFallback) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		return nil
	}
	r.connected = true

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.loopDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		r.pollLoop(loopCtx)
	}(r.loopDone)

	r.emitState(ConnState{Source: r.Name(), Connected: true, At: time.Now()})
	return nil
}

func (r *RESTFallback) Disconnect() error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil
	}
	r.connected = false
	if r.cancel != nil {
		r.cancel()
	}
	done := r.loopDone
	r.mu.Unlock()

	if done != nil {
		<-done
	}
	r.closeOnce.Do(func() {
		close(r.updates)
		close(r.states)
	})
	return nil
}

func (r *RESTFallback) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *RESTFallback) Subscribe(symbols []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range symbols {
		r.subs[strings.ToUpper(name)] = r.NormalizeSymbol(name)
	}
	return nil
}

func (r *RESTFallback) Unsubscribe(symbols []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range symbols {
		delete(r.subs, strings.ToUpper(name))
	}
	return nil
}

func (r *RESTFallback) Updates() <-chan feed.PriceUpdate { return r.updates }
func (r *RESTFallback) States() <-chan ConnState         { return r.states }

func (r *RESTFallback) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(restPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *RESTFallback) pollOnce(ctx context.Context) {
	r.mu.Lock()
	targets := make(map[string]string, len(r.subs))
	for name, native := range r.subs {
		targets[name] = native
	}
	r.mu.Unlock()

	for name, native := range targets {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		price, err := r.fetchPrice(ctx, native)
		if err != nil {
			r.log.Debug().Err(err).Str("symbol", native).Msg("fallback poll failed")
			continue
		}
		u := feed.PriceUpdate{
			Symbol:     name,
			Price:      price,
			Timestamp:  time.Now().UnixMilli(),
			Source:     r.Name(),
			Confidence: restConfidence,
		}
		if u.Valid() {
			select {
			case r.updates <- u:
			default:
			}
		}
	}
}

func (r *RESTFallback) fetchPrice(ctx context.Context, native string) (float64, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", r.baseURL, native)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", feed.ErrSourceTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("ticker endpoint: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, err
	}
	var tick restTicker
	if err := json.Unmarshal(body, &tick); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(tick.Price, 64)
}

func (r *RESTFallback) emitState(s ConnState) {
	select {
	case r.states <- s:
	default:
	}
}

var _ Adapter = (*RESTFallback)(nil)
