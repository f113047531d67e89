package adapters

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

const (
	krakenWSURL      = "wss://ws.kraken.com"
	krakenConfidence = 0.9
)

func init() {
	RegisterAdapter("kraken", func(opts Options) Adapter { return NewKraken(opts) })
}

// Kraken streams the trade channel from Kraken's public socket.
// Kraken names BTC as XBT; the reverse map restores the canonical
// feed name on the way in.
type Kraken struct {
	*wsClient

	subMu  sync.Mutex
	subs   map[string]string // feed name -> kraken pair
	byPair map[string]string // kraken pair -> feed name
}

func NewKraken(opts Options) *Kraken {
	k := &Kraken{
		wsClient: newWSClient("kraken", krakenWSURL, opts),
		subs:     make(map[string]string),
		byPair:   make(map[string]string),
	}
	k.wsClient.handle = k.handleMessage
	k.wsClient.resub = k.resubscribe
	return k
}

func (k *Kraken) Name() string { return "kraken" }

func (k *Kraken) Capabilities() Capabilities {
	return Capabilities{
		Streaming:  true,
		Volume:     true,
		Categories: []feed.Category{feed.Crypto},
	}
}

// NormalizeSymbol maps BASE/QUOTE to Kraken's pair notation.
func (k *Kraken) NormalizeSymbol(name string) string {
	name = strings.ToUpper(name)
	if strings.HasPrefix(name, "BTC/") {
		name = "XBT/" + strings.TrimPrefix(name, "BTC/")
	}
	return name
}

func (k *Kraken) Subscribe(symbols []string) error {
	if !k.IsConnected() {
		return feed.ErrSourceTransient
	}

	pairs := make([]string, 0, len(symbols))
	k.subMu.Lock()
	for _, name := range symbols {
		pair := k.NormalizeSymbol(name)
		k.subs[name] = pair
		k.byPair[pair] = strings.ToUpper(name)
		pairs = append(pairs, pair)
	}
	k.subMu.Unlock()

	return k.writeJSON(map[string]interface{}{
		"event":        "subscribe",
		"pair":         pairs,
		"subscription": map[string]interface{}{"name": "trade"},
	})
}

func (k *Kraken) Unsubscribe(symbols []string) error {
	pairs := make([]string, 0, len(symbols))
	k.subMu.Lock()
	for _, name := range symbols {
		if pair, ok := k.subs[name]; ok {
			pairs = append(pairs, pair)
			delete(k.byPair, pair)
			delete(k.subs, name)
		}
	}
	k.subMu.Unlock()

	if len(pairs) == 0 {
		return nil
	}
	return k.writeJSON(map[string]interface{}{
		"event":        "unsubscribe",
		"pair":         pairs,
		"subscription": map[string]interface{}{"name": "trade"},
	})
}

func (k *Kraken) resubscribe() error {
	k.subMu.Lock()
	pairs := make([]string, 0, len(k.subs))
	for _, pair := range k.subs {
		pairs = append(pairs, pair)
	}
	k.subMu.Unlock()

	if len(pairs) == 0 {
		return nil
	}
	return k.writeJSON(map[string]interface{}{
		"event":        "subscribe",
		"pair":         pairs,
		"subscription": map[string]interface{}{"name": "trade"},
	})
}

// handleMessage decodes Kraken's array-framed trade messages:
// [channelID, [[price, volume, time, side, orderType, misc], ...],
// "trade", "XBT/USD"]. Event frames (subscriptionStatus, heartbeat)
// arrive as objects and are skipped.
func (k *Kraken) handleMessage(raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 4 {
		return
	}

	var channel, pair string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil || channel != "trade" {
		return
	}
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return
	}

	k.subMu.Lock()
	name, ok := k.byPair[pair]
	k.subMu.Unlock()
	if !ok {
		return
	}

	var trades [][]json.RawMessage
	if err := json.Unmarshal(frame[1], &trades); err != nil {
		return
	}
	for _, t := range trades {
		if u, ok := k.normalize(name, t); ok {
			k.emitUpdate(u)
		}
	}
}

// normalize converts one [price, volume, time, ...] tuple.
func (k *Kraken) normalize(name string, t []json.RawMessage) (feed.PriceUpdate, bool) {
	if len(t) < 3 {
		return feed.PriceUpdate{}, false
	}
	var priceStr, volStr, timeStr string
	if json.Unmarshal(t[0], &priceStr) != nil ||
		json.Unmarshal(t[1], &volStr) != nil ||
		json.Unmarshal(t[2], &timeStr) != nil {
		return feed.PriceUpdate{}, false
	}

	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil || price <= 0 {
		return feed.PriceUpdate{}, false
	}
	vol, _ := strconv.ParseFloat(volStr, 64)
	ts, err := strconv.ParseFloat(timeStr, 64)
	if err != nil || ts <= 0 {
		return feed.PriceUpdate{}, false
	}

	u := feed.PriceUpdate{
		Symbol:     name,
		Price:      price,
		Timestamp:  int64(ts * 1000),
		Source:     "kraken",
		Confidence: krakenConfidence,
		Volume:     vol,
	}
	return u, u.Valid()
}

var _ Adapter = (*Kraken)(nil)
