package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Len(t, cfg.Feeds, 2)
	assert.Equal(t, 3, cfg.Aggregator.MinSources)
	assert.Equal(t, 2*time.Second, cfg.Aggregator.MaxStaleness)
	assert.Equal(t, 100*time.Millisecond, cfg.Service.BatchTick)
	assert.Equal(t, 4096, cfg.Cache.MaxEntries)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Second, cfg.Recovery.BackoffBase)
	assert.Equal(t, 60*time.Second, cfg.Recovery.BackoffCap)
	assert.Equal(t, ":8090", cfg.Server.Listen)
}

func TestLoadFromYAML(t *testing.T) {
	doc := `
feeds:
  - category: crypto
    name: BTC/USD
    primary: [binance, coinbase]
    backup: [kraken]
aggregator:
  min_sources: 2
  max_staleness: 1s
server:
  listen: ":9000"
log_level: debug
`
	path := filepath.Join(t.TempDir(), "provider.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Aggregator.MinSources)
	assert.Equal(t, time.Second, cfg.Aggregator.MaxStaleness)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Unset fields still get defaults.
	assert.Equal(t, 100*time.Millisecond, cfg.Service.BatchTick)

	require.Len(t, cfg.Feeds, 1)
	id, err := cfg.Feeds[0].ID()
	require.NoError(t, err)
	assert.Equal(t, "BTC/USD", id.Name)
	assert.Equal(t, []string{"kraken"}, cfg.Feeds[0].Backup)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("feeds: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no feeds", func(c *Config) { c.Feeds = nil }},
		{"bad category", func(c *Config) { c.Feeds[0].Category = "bond" }},
		{"bad name", func(c *Config) { c.Feeds[0].Name = "BTCUSD" }},
		{"duplicate feed", func(c *Config) { c.Feeds = append(c.Feeds, c.Feeds[0]) }},
		{"no primaries", func(c *Config) { c.Feeds[0].Primary = nil }},
		{"zero min sources", func(c *Config) { c.Aggregator.MinSources = -1 }},
		{"resize pct over one", func(c *Config) { c.Cache.ResizeFillPct = 1.5 }},
		{"jitter out of range", func(c *Config) { c.Recovery.JitterPct = 1.0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
