package adapters

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

const (
	binanceWSURL      = "wss://stream.binance.com:9443/ws"
	binanceConfidence = 0.95
)

func init() {
	RegisterAdapter("binance", func(opts Options) Adapter { return NewBinance(opts) })
}

// Binance streams aggregate trades from the Binance combined socket.
// USD feeds are served by the USDT market at par.
type Binance struct {
	*wsClient

	subMu sync.Mutex
	// canonical feed name -> native stream symbol (lowercase)
	subs  map[string]string
	bySym map[string]string // native symbol (upper) -> feed name
	subID int
}

// binanceTrade is the aggTrade stream payload.
type binanceTrade struct {
	Event    string `json:"e"`
	Symbol   string `json:"s"`
	Price    string `json:"p"`
	Quantity string `json:"q"`
	TradeTS  int64  `json:"T"`
}

func NewBinance(opts Options) *Binance {
	b := &Binance{
		wsClient: newWSClient("binance", binanceWSURL, opts),
		subs:     make(map[string]string),
		bySym:    make(map[string]string),
	}
	b.wsClient.handle = b.handleMessage
	b.wsClient.resub = b.resubscribe
	return b
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) Capabilities() Capabilities {
	return Capabilities{
		Streaming:  true,
		Volume:     true,
		Categories: []feed.Category{feed.Crypto},
	}
}

// NormalizeSymbol maps a canonical feed name to Binance's native
// symbol. USD quotes trade against USDT at par.
func (b *Binance) NormalizeSymbol(name string) string {
	base, quote, _ := strings.Cut(strings.ToUpper(name), "/")
	if quote == "USD" {
		quote = "USDT"
	}
	return base + quote
}

func (b *Binance) Subscribe(symbols []string) error {
	if !b.IsConnected() {
		return feed.ErrSourceTransient
	}

	params := make([]string, 0, len(symbols))
	b.subMu.Lock()
	for _, name := range symbols {
		native := b.NormalizeSymbol(name)
		b.subs[name] = strings.ToLower(native)
		b.bySym[native] = strings.ToUpper(name)
		params = append(params, strings.ToLower(native)+"@aggTrade")
	}
	b.subID++
	id := b.subID
	b.subMu.Unlock()

	return b.writeJSON(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     id,
	})
}

func (b *Binance) Unsubscribe(symbols []string) error {
	params := make([]string, 0, len(symbols))
	b.subMu.Lock()
	for _, name := range symbols {
		if native, ok := b.subs[name]; ok {
			params = append(params, native+"@aggTrade")
			delete(b.bySym, strings.ToUpper(native))
			delete(b.subs, name)
		}
	}
	b.subID++
	id := b.subID
	b.subMu.Unlock()

	if len(params) == 0 {
		return nil
	}
	return b.writeJSON(map[string]interface{}{
		"method": "UNSUBSCRIBE",
		"params": params,
		"id":     id,
	})
}

func (b *Binance) resubscribe() error {
	b.subMu.Lock()
	params := make([]string, 0, len(b.subs))
	for _, native := range b.subs {
		params = append(params, native+"@aggTrade")
	}
	b.subID++
	id := b.subID
	b.subMu.Unlock()

	if len(params) == 0 {
		return nil
	}
	return b.writeJSON(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     id,
	})
}

func (b *Binance) handleMessage(raw []byte) {
	var trade binanceTrade
	if err := json.Unmarshal(raw, &trade); err != nil || !b.validate(trade) {
		return
	}

	b.subMu.Lock()
	name, ok := b.bySym[trade.Symbol]
	b.subMu.Unlock()
	if !ok {
		return
	}

	if u, ok := b.normalize(name, trade); ok {
		b.emitUpdate(u)
	}
}

// validate is the pure pre-normalization check on a raw frame.
func (b *Binance) validate(t binanceTrade) bool {
	if t.Event != "aggTrade" || t.Symbol == "" || t.TradeTS <= 0 {
		return false
	}
	price, err := strconv.ParseFloat(t.Price, 64)
	return err == nil && price > 0
}

// normalize converts a validated frame into a PriceUpdate.
func (b *Binance) normalize(name string, t binanceTrade) (feed.PriceUpdate, bool) {
	price, err := strconv.ParseFloat(t.Price, 64)
	if err != nil {
		return feed.PriceUpdate{}, false
	}
	qty, _ := strconv.ParseFloat(t.Quantity, 64)

	u := feed.PriceUpdate{
		Symbol:     name,
		Price:      price,
		Timestamp:  t.TradeTS,
		Source:     "binance",
		Confidence: binanceConfidence,
		Volume:     qty,
	}
	return u, u.Valid()
}

var _ Adapter = (*Binance)(nil)
