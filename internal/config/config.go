// Package config provides configuration loading for the token feed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvWSURL         = "TOKENFEED_WS_URL"
	EnvMarketDataURL = "TOKENFEED_MARKET_DATA_URL"
	EnvLogLevel      = "TOKENFEED_LOG_LEVEL"
	EnvLogFormat     = "TOKENFEED_LOG_FORMAT"
	EnvMetricsAddr   = "TOKENFEED_METRICS_ADDR"
	EnvWatch         = "TOKENFEED_WATCH"
)

// Config represents the feed configuration.
type Config struct {
	// Streaming connection settings
	Stream StreamConfig `yaml:"stream"`

	// Debounce windows
	Batching BatchingConfig `yaml:"batching"`

	// Dedup cache sizes
	Dedup DedupConfig `yaml:"dedup"`

	// REST polling settings
	Poll PollConfig `yaml:"poll"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging"`

	// Metrics endpoint settings
	Metrics MetricsConfig `yaml:"metrics"`

	// Tokens the tokenfeed command subscribes to at startup
	Watch WatchConfig `yaml:"watch"`

	// Event recording settings
	Storage StorageConfig `yaml:"storage"`
}

// StreamConfig contains WebSocket settings.
type StreamConfig struct {
	// WebSocket URL
	URL string `yaml:"url"`

	// Dial handshake timeout
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// Ping period; zero disables pings
	PingInterval time.Duration `yaml:"ping_interval"`

	// Read deadline refreshed on every frame or pong; zero disables it
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// Delay before the first reconnect attempt
	BaseDelay time.Duration `yaml:"base_delay"`

	// Multiplier applied per further attempt
	GrowthFactor float64 `yaml:"growth_factor"`

	// Attempts after which the connection stays down
	MaxAttempts int `yaml:"max_attempts"`

	// Replay subscriptions after every successful reconnect
	ResubscribeOnReconnect bool `yaml:"resubscribe_on_reconnect"`
}

// BatchingConfig contains the debounce windows.
type BatchingConfig struct {
	// Quiet period before a token's trades are flushed
	TradeWindow time.Duration `yaml:"trade_window"`

	// Quiet period before new-token announcements are flushed
	NewTokenWindow time.Duration `yaml:"new_token_window"`
}

// DedupConfig contains the bounded recency cache sizes.
type DedupConfig struct {
	TradeCapacity   int `yaml:"trade_capacity"`
	MetricsCapacity int `yaml:"metrics_capacity"`
}

// PollConfig contains REST market-data settings.
type PollConfig struct {
	// Market-data API base URL
	BaseURL string `yaml:"base_url"`

	// Shared refresh period
	Interval time.Duration `yaml:"interval"`

	// Snapshot validity
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Per-fetch timeout
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// Request rate ceiling; zero disables limiting
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Log level: debug, info, warn, error
	Level string `yaml:"level"`

	// Log format: text or json
	Format string `yaml:"format"`

	// Optional rotated log file; stderr only when empty
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	// Listen address for /metrics; disabled when empty
	ListenAddr string `yaml:"listen_addr"`
}

// WatchConfig lists startup subscriptions.
type WatchConfig struct {
	Tokens    []string `yaml:"tokens"`
	NewTokens bool     `yaml:"new_tokens"`
}

// StorageConfig contains event recording settings.
type StorageConfig struct {
	// Storage type: "file" or "null"
	Type string `yaml:"type"`

	// Output directory for file storage
	OutputDir string `yaml:"output_dir"`

	// How often to start a new file; zero keeps one file
	RotationInterval time.Duration `yaml:"rotation_interval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Stream: StreamConfig{
			URL:                    "wss://pumpportal.fun/api/data",
			HandshakeTimeout:       10 * time.Second,
			PingInterval:           25 * time.Second,
			ReadTimeout:            60 * time.Second,
			BaseDelay:              5 * time.Second,
			GrowthFactor:           1.5,
			MaxAttempts:            5,
			ResubscribeOnReconnect: true,
		},
		Batching: BatchingConfig{
			TradeWindow:    500 * time.Millisecond,
			NewTokenWindow: 1 * time.Second,
		},
		Dedup: DedupConfig{
			TradeCapacity:   1000,
			MetricsCapacity: 500,
		},
		Poll: PollConfig{
			BaseURL:           "https://api.dexscreener.com",
			Interval:          30 * time.Second,
			CacheTTL:          30 * time.Second,
			FetchTimeout:      10 * time.Second,
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Storage: StorageConfig{
			Type:             "null",
			OutputDir:        "data",
			RotationInterval: time.Hour,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return config, nil
}

// ApplyEnv overlays the TOKENFEED_* environment variables that are set.
func (c *Config) ApplyEnv() {
	c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvWSURL); ok && v != "" {
		c.Stream.URL = v
	}
	if v, ok := lookup(EnvMarketDataURL); ok && v != "" {
		c.Poll.BaseURL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Logging.Format = v
	}
	if v, ok := lookup(EnvMetricsAddr); ok {
		c.Metrics.ListenAddr = v
	}
	if v, ok := lookup(EnvWatch); ok && v != "" {
		c.Watch.Tokens = splitList(v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if c.Stream.BaseDelay <= 0 {
		return fmt.Errorf("stream.base_delay must be positive")
	}
	if c.Stream.GrowthFactor < 1 {
		return fmt.Errorf("stream.growth_factor must be at least 1, got %v", c.Stream.GrowthFactor)
	}
	if c.Stream.MaxAttempts < 1 {
		return fmt.Errorf("stream.max_attempts must be positive")
	}
	if c.Batching.TradeWindow <= 0 || c.Batching.NewTokenWindow <= 0 {
		return fmt.Errorf("batching windows must be positive")
	}
	if c.Dedup.TradeCapacity < 1 || c.Dedup.MetricsCapacity < 1 {
		return fmt.Errorf("dedup capacities must be positive")
	}
	if c.Poll.BaseURL == "" {
		return fmt.Errorf("poll.base_url is required")
	}
	if c.Poll.Interval <= 0 || c.Poll.CacheTTL <= 0 || c.Poll.FetchTimeout <= 0 {
		return fmt.Errorf("poll interval, cache_ttl and fetch_timeout must be positive")
	}
	if c.Poll.RequestsPerSecond < 0 {
		return fmt.Errorf("poll.requests_per_second must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if f := strings.ToLower(c.Logging.Format); f != "text" && f != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	if c.Storage.Type != "file" && c.Storage.Type != "null" {
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}
	if c.Storage.Type == "file" && c.Storage.OutputDir == "" {
		return fmt.Errorf("output_dir required for file storage")
	}
	return nil
}
