package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTFallbackNormalizeSymbol(t *testing.T) {
	r := NewRESTFallback(testOpts())
	assert.Equal(t, "BTCUSDT", r.NormalizeSymbol("BTC/USD"))
	assert.Equal(t, "ETHEUR", r.NormalizeSymbol("eth/eur"))
}

func TestRESTFallbackPolls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/api/v3/ticker/price", req.URL.Path)
		require.Equal(t, "BTCUSDT", req.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"50000.25"}`))
	}))
	defer srv.Close()

	opts := testOpts()
	opts.BaseURL = srv.URL
	opts.RPS = 100
	opts.Symbols = []string{"BTC/USD"}
	r := NewRESTFallback(opts)

	require.NoError(t, r.Connect(context.Background()))
	defer r.Disconnect()
	assert.True(t, r.IsConnected())

	select {
	case u := <-r.Updates():
		assert.Equal(t, "BTC/USD", u.Symbol)
		assert.Equal(t, 50000.25, u.Price)
		assert.Equal(t, "rest-fallback", u.Source)
		assert.Equal(t, restConfidence, u.Confidence)
	case <-time.After(3 * time.Second):
		t.Fatal("no polled update")
	}
}

func TestRESTFallbackServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	opts := testOpts()
	opts.BaseURL = srv.URL
	r := NewRESTFallback(opts)

	_, err := r.fetchPrice(context.Background(), "BTCUSDT")
	assert.Error(t, err)
}

func TestRESTFallbackDisconnectIdempotent(t *testing.T) {
	r := NewRESTFallback(testOpts())
	require.NoError(t, r.Connect(context.Background()))
	require.NoError(t, r.Disconnect())
	require.NoError(t, r.Disconnect())
	assert.False(t, r.IsConnected())
}
