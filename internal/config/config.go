// Package config loads the provider configuration from YAML and
// applies defaults after unmarshal.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub003/internal/feed"
)

// Config is the root configuration document.
type Config struct {
	Feeds      []FeedConfig     `yaml:"feeds"`
	Adapters   AdaptersConfig   `yaml:"adapters"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Service    ServiceConfig    `yaml:"service"`
	Cache      CacheConfig      `yaml:"cache"`
	Warmer     WarmerConfig     `yaml:"warmer"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Server     ServerConfig     `yaml:"server"`
	LogLevel   string           `yaml:"log_level"`
}

// FeedConfig declares one feed and its source preference order.
type FeedConfig struct {
	Category string   `yaml:"category"` // crypto, forex, commodity, stock
	Name     string   `yaml:"name"`     // BASE/QUOTE
	Primary  []string `yaml:"primary"`
	Backup   []string `yaml:"backup"`
}

// ID resolves the declared feed into a validated feed.ID.
func (f FeedConfig) ID() (feed.ID, error) {
	cat, err := feed.ParseCategory(f.Category)
	if err != nil {
		return feed.ID{}, err
	}
	return feed.NewID(cat, f.Name)
}

// AdaptersConfig configures the source fleet.
type AdaptersConfig struct {
	Enabled     []string      `yaml:"enabled"` // adapter names from the registry
	CallTimeout time.Duration `yaml:"call_timeout"`
	BufferSize  int           `yaml:"buffer_size"` // per-source channel depth
	RESTBaseURL string        `yaml:"rest_base_url"`
	RESTRPS     float64       `yaml:"rest_rps"` // fallback REST requests/sec
}

// AggregatorConfig parameterizes the consensus engine.
type AggregatorConfig struct {
	MinSources           int           `yaml:"min_sources"`
	MaxStaleness         time.Duration `yaml:"max_staleness"`
	MinConfidence        float64       `yaml:"min_confidence"`
	LenientConfidence    float64       `yaml:"lenient_confidence"`
	DecayLambda          float64       `yaml:"decay_lambda"` // per ms
	OutlierThreshold     float64       `yaml:"outlier_threshold"`
	ResultCacheTTL       time.Duration `yaml:"result_cache_ttl"`
	WeightUpdateInterval time.Duration `yaml:"weight_update_interval"`
}

// ServiceConfig parameterizes the aggregation service layer.
type ServiceConfig struct {
	BatchTick      time.Duration `yaml:"batch_tick"`
	ResultCacheTTL time.Duration `yaml:"result_cache_ttl"`
	CallTimeout    time.Duration `yaml:"call_timeout"` // aggregation re-entry bound
}

// CacheConfig parameterizes the real-time cache.
type CacheConfig struct {
	MaxEntries     int           `yaml:"max_entries"`
	WarmFreshness  time.Duration `yaml:"warm_freshness"`
	ServeFreshness time.Duration `yaml:"serve_freshness"`
	ResizeFillPct  float64       `yaml:"resize_fill_pct"` // auto-resize trigger
}

// WarmerConfig parameterizes the three warming strategies.
type WarmerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	AggressiveInterval  time.Duration `yaml:"aggressive_interval"`
	AggressiveWorkers   int           `yaml:"aggressive_workers"`
	PredictiveInterval  time.Duration `yaml:"predictive_interval"`
	PredictiveWorkers   int           `yaml:"predictive_workers"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	MaintenanceWorkers  int           `yaml:"maintenance_workers"`
	PatternIdleEvict    time.Duration `yaml:"pattern_idle_evict"`
}

// BreakerConfig parameterizes per-source circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	Window           time.Duration `yaml:"window"` // rolling count reset
}

// RecoveryConfig parameterizes reconnection and failover.
type RecoveryConfig struct {
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffCap      time.Duration `yaml:"backoff_cap"`
	JitterPct       float64       `yaml:"jitter_pct"`
	StabilityChecks int           `yaml:"stability_checks"` // healthy checks before backup release
	CheckInterval   time.Duration `yaml:"check_interval"`
}

// ServerConfig configures the monitoring HTTP server.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MetricsDisabled bool          `yaml:"metrics_disabled"`
}

// Load reads and validates the YAML config at path. A missing or
// malformed file is a config error (process exit code 2).
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Default returns the built-in configuration used when no file is
// given: three tier-1 venues over BTC/USD and ETH/USD.
func Default() Config {
	cfg := Config{
		Feeds: []FeedConfig{
			{Category: "crypto", Name: "BTC/USD", Primary: []string{"binance", "coinbase", "kraken"}},
			{Category: "crypto", Name: "ETH/USD", Primary: []string{"binance", "coinbase", "kraken"}},
		},
		Adapters: AdaptersConfig{Enabled: []string{"binance", "coinbase", "kraken"}},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values in place.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Adapters.CallTimeout == 0 {
		c.Adapters.CallTimeout = 10 * time.Second
	}
	if c.Adapters.BufferSize == 0 {
		c.Adapters.BufferSize = 256
	}
	if c.Adapters.RESTRPS == 0 {
		c.Adapters.RESTRPS = 5
	}

	if c.Aggregator.MinSources == 0 {
		c.Aggregator.MinSources = 3
	}
	if c.Aggregator.MaxStaleness == 0 {
		c.Aggregator.MaxStaleness = feed.MaxStaleness
	}
	if c.Aggregator.MinConfidence == 0 {
		c.Aggregator.MinConfidence = 0.1
	}
	if c.Aggregator.LenientConfidence == 0 {
		c.Aggregator.LenientConfidence = 0.05
	}
	if c.Aggregator.DecayLambda == 0 {
		c.Aggregator.DecayLambda = 5e-5
	}
	if c.Aggregator.OutlierThreshold == 0 {
		c.Aggregator.OutlierThreshold = 0.1
	}
	if c.Aggregator.ResultCacheTTL == 0 {
		c.Aggregator.ResultCacheTTL = 500 * time.Millisecond
	}
	if c.Aggregator.WeightUpdateInterval == 0 {
		c.Aggregator.WeightUpdateInterval = time.Minute
	}

	if c.Service.BatchTick == 0 {
		c.Service.BatchTick = 100 * time.Millisecond
	}
	if c.Service.ResultCacheTTL == 0 {
		c.Service.ResultCacheTTL = time.Second
	}
	if c.Service.CallTimeout == 0 {
		c.Service.CallTimeout = 2 * time.Second
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 4096
	}
	if c.Cache.WarmFreshness == 0 {
		c.Cache.WarmFreshness = 200 * time.Millisecond
	}
	if c.Cache.ServeFreshness == 0 {
		c.Cache.ServeFreshness = 2 * time.Second
	}
	if c.Cache.ResizeFillPct == 0 {
		c.Cache.ResizeFillPct = 0.9
	}

	if c.Warmer.AggressiveInterval == 0 {
		c.Warmer.AggressiveInterval = 3 * time.Second
	}
	if c.Warmer.AggressiveWorkers == 0 {
		c.Warmer.AggressiveWorkers = 16
	}
	if c.Warmer.PredictiveInterval == 0 {
		c.Warmer.PredictiveInterval = 7 * time.Second
	}
	if c.Warmer.PredictiveWorkers == 0 {
		c.Warmer.PredictiveWorkers = 12
	}
	if c.Warmer.MaintenanceInterval == 0 {
		c.Warmer.MaintenanceInterval = 20 * time.Second
	}
	if c.Warmer.MaintenanceWorkers == 0 {
		c.Warmer.MaintenanceWorkers = 8
	}
	if c.Warmer.PatternIdleEvict == 0 {
		c.Warmer.PatternIdleEvict = 24 * time.Hour
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 2
	}
	if c.Breaker.OpenTimeout == 0 {
		c.Breaker.OpenTimeout = 30 * time.Second
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = time.Minute
	}

	if c.Recovery.BackoffBase == 0 {
		c.Recovery.BackoffBase = time.Second
	}
	if c.Recovery.BackoffCap == 0 {
		c.Recovery.BackoffCap = 60 * time.Second
	}
	if c.Recovery.JitterPct == 0 {
		c.Recovery.JitterPct = 0.2
	}
	if c.Recovery.StabilityChecks == 0 {
		c.Recovery.StabilityChecks = 3
	}
	if c.Recovery.CheckInterval == 0 {
		c.Recovery.CheckInterval = 5 * time.Second
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8090"
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 5 * time.Second
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
}

// Validate rejects configurations the wiring cannot honor.
func (c *Config) Validate() error {
	if len(c.Feeds) == 0 {
		return fmt.Errorf("config: no feeds declared")
	}
	seen := make(map[feed.ID]bool, len(c.Feeds))
	for _, fc := range c.Feeds {
		id, err := fc.ID()
		if err != nil {
			return fmt.Errorf("config: feed %q: %w", fc.Name, err)
		}
		if seen[id] {
			return fmt.Errorf("config: duplicate feed %s", id)
		}
		seen[id] = true
		if len(fc.Primary) == 0 {
			return fmt.Errorf("config: feed %s has no primary sources", id)
		}
	}
	if c.Aggregator.MinSources < 1 {
		return fmt.Errorf("config: aggregator.min_sources must be >= 1")
	}
	if c.Cache.ResizeFillPct <= 0 || c.Cache.ResizeFillPct > 1 {
		return fmt.Errorf("config: cache.resize_fill_pct must be in (0,1]")
	}
	if c.Recovery.JitterPct < 0 || c.Recovery.JitterPct >= 1 {
		return fmt.Errorf("config: recovery.jitter_pct must be in [0,1)")
	}
	return nil
}
