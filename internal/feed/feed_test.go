package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"canonical", "BTC/USD", "BTC/USD", false},
		{"lowercase normalized", "eth/usd", "ETH/USD", false},
		{"whitespace trimmed", "  BTC/USD  ", "BTC/USD", false},
		{"missing slash", "BTCUSD", "", true},
		{"empty base", "/USD", "", true},
		{"empty quote", "BTC/", "", true},
		{"double slash", "BTC/USD/EUR", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewID(Crypto, tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id.Name)
		})
	}
}

func TestIDParts(t *testing.T) {
	id := MustID(Crypto, "btc/usd")
	assert.Equal(t, "BTC", id.Base())
	assert.Equal(t, "USD", id.Quote())
	assert.Equal(t, "crypto:BTC/USD", id.String())
}

func TestIDAsMapKey(t *testing.T) {
	a := MustID(Crypto, "BTC/USD")
	b := MustID(Crypto, "btc/usd")
	c := MustID(Forex, "BTC/USD")

	m := map[ID]int{a: 1}
	assert.Equal(t, 1, m[b], "normalized IDs must collide")
	_, ok := m[c]
	assert.False(t, ok, "category is part of identity")
}

func TestParseCategory(t *testing.T) {
	for _, s := range []string{"crypto", "CRYPTO", "forex", "commodity", "stock"} {
		_, err := ParseCategory(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseCategory("bond")
	assert.Error(t, err)
}

func TestPriceUpdateValid(t *testing.T) {
	base := PriceUpdate{
		Symbol:     "BTC/USD",
		Price:      50000,
		Timestamp:  time.Now().UnixMilli(),
		Source:     "binance",
		Confidence: 0.95,
	}
	assert.True(t, base.Valid())

	tests := []struct {
		name   string
		mutate func(*PriceUpdate)
	}{
		{"zero price", func(u *PriceUpdate) { u.Price = 0 }},
		{"negative price", func(u *PriceUpdate) { u.Price = -1 }},
		{"confidence above one", func(u *PriceUpdate) { u.Confidence = 1.1 }},
		{"negative confidence", func(u *PriceUpdate) { u.Confidence = -0.1 }},
		{"negative volume", func(u *PriceUpdate) { u.Volume = -5 }},
		{"no symbol", func(u *PriceUpdate) { u.Symbol = "" }},
		{"no source", func(u *PriceUpdate) { u.Source = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := base
			tt.mutate(&u)
			assert.False(t, u.Valid())
		})
	}
}

func TestPriceUpdateAge(t *testing.T) {
	now := time.Now()
	u := PriceUpdate{Timestamp: now.Add(-1500 * time.Millisecond).UnixMilli()}
	age := u.Age(now)
	assert.InDelta(t, 1500, float64(age.Milliseconds()), 2)
}
