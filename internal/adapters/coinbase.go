package adapters

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

const (
	coinbaseWSURL      = "wss://ws-feed.exchange.coinbase.com"
	coinbaseConfidence = 0.9
)

func init() {
	RegisterAdapter("coinbase", func(opts Options) Adapter { return NewCoinbase(opts) })
}

// Coinbase streams the ticker channel from Coinbase Exchange.
type Coinbase struct {
	*wsClient

	subMu sync.Mutex
	subs  map[string]string // feed name -> product id
	byPid map[string]string // product id -> feed name
}

// coinbaseTicker is the ticker channel payload.
type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	LastSize  string `json:"last_size"`
	Time      string `json:"time"`
}

func NewCoinbase(opts Options) *Coinbase {
	c := &Coinbase{
		wsClient: newWSClient("coinbase", coinbaseWSURL, opts),
		subs:     make(map[string]string),
		byPid:    make(map[string]string),
	}
	c.wsClient.handle = c.handleMessage
	c.wsClient.resub = c.resubscribe
	return c
}

func (c *Coinbase) Name() string { return "coinbase" }

func (c *Coinbase) Capabilities() Capabilities {
	return Capabilities{
		Streaming:  true,
		Volume:     true,
		Categories: []feed.Category{feed.Crypto},
	}
}

// NormalizeSymbol maps BASE/QUOTE to Coinbase's BASE-QUOTE product id.
func (c *Coinbase) NormalizeSymbol(name string) string {
	return strings.ReplaceAll(strings.ToUpper(name), "/", "-")
}

func (c *Coinbase) Subscribe(symbols []string) error {
	if !c.IsConnected() {
		return feed.ErrSourceTransient
	}

	products := make([]string, 0, len(symbols))
	c.subMu.Lock()
	for _, name := range symbols {
		pid := c.NormalizeSymbol(name)
		c.subs[name] = pid
		c.byPid[pid] = strings.ToUpper(name)
		products = append(products, pid)
	}
	c.subMu.Unlock()

	return c.writeJSON(map[string]interface{}{
		"type":        "subscribe",
		"product_ids": products,
		"channels":    []string{"ticker"},
	})
}

func (c *Coinbase) Unsubscribe(symbols []string) error {
	products := make([]string, 0, len(symbols))
	c.subMu.Lock()
	for _, name := range symbols {
		if pid, ok := c.subs[name]; ok {
			products = append(products, pid)
			delete(c.byPid, pid)
			delete(c.subs, name)
		}
	}
	c.subMu.Unlock()

	if len(products) == 0 {
		return nil
	}
	return c.writeJSON(map[string]interface{}{
		"type":        "unsubscribe",
		"product_ids": products,
		"channels":    []string{"ticker"},
	})
}

func (c *Coinbase) resubscribe() error {
	c.subMu.Lock()
	products := make([]string, 0, len(c.subs))
	for _, pid := range c.subs {
		products = append(products, pid)
	}
	c.subMu.Unlock()

	if len(products) == 0 {
		return nil
	}
	return c.writeJSON(map[string]interface{}{
		"type":        "subscribe",
		"product_ids": products,
		"channels":    []string{"ticker"},
	})
}

func (c *Coinbase) handleMessage(raw []byte) {
	var tick coinbaseTicker
	if err := json.Unmarshal(raw, &tick); err != nil || !c.validate(tick) {
		return
	}

	c.subMu.Lock()
	name, ok := c.byPid[tick.ProductID]
	c.subMu.Unlock()
	if !ok {
		return
	}

	if u, ok := c.normalize(name, tick); ok {
		c.emitUpdate(u)
	}
}

func (c *Coinbase) validate(t coinbaseTicker) bool {
	if t.Type != "ticker" || t.ProductID == "" || t.Time == "" {
		return false
	}
	price, err := strconv.ParseFloat(t.Price, 64)
	return err == nil && price > 0
}

func (c *Coinbase) normalize(name string, t coinbaseTicker) (feed.PriceUpdate, bool) {
	price, err := strconv.ParseFloat(t.Price, 64)
	if err != nil {
		return feed.PriceUpdate{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, t.Time)
	if err != nil {
		return feed.PriceUpdate{}, false
	}
	size, _ := strconv.ParseFloat(t.LastSize, 64)

	u := feed.PriceUpdate{
		Symbol:     name,
		Price:      price,
		Timestamp:  ts.UnixMilli(),
		Source:     "coinbase",
		Confidence: coinbaseConfidence,
		Volume:     size,
	}
	return u, u.Valid()
}

var _ Adapter = (*Coinbase)(nil)
