package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"market_pulse/internal/domain"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is a browser-like user agent string to avoid bot detection
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	envPrefix = "MARKET_PULSE_"
)

// InstrumentConfig seeds one row of the instrument catalog.
type InstrumentConfig struct {
	Symbol    string          `yaml:"symbol"`
	Name      string          `yaml:"name"`
	Category  domain.Category `yaml:"category"`
	BasePrice decimal.Decimal `yaml:"base_price"`
	Stream    bool            `yaml:"stream"` // live ticker stream available on the exchange
	IconURL   string          `yaml:"icon_url"`
}

// VolatilityConfig overrides one category of the default volatility profiles.
type VolatilityConfig struct {
	BaseVolatility   float64 `yaml:"base_volatility"`
	UpdateIntervalMs int64   `yaml:"update_interval_ms"`
	TrendPersistence float64 `yaml:"trend_persistence"`
	MaxDeviation     float64 `yaml:"max_deviation"`
}

// Config holds every setting of the application.
// It is loaded from YAML first; environment variables then override deployment values.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Exchange struct {
		WSURL       string `yaml:"ws_url"`
		RestURL     string `yaml:"rest_url"`
		SnapshotURL string `yaml:"snapshot_url"`
		TimeoutSec  int    `yaml:"timeout_sec"`
	} `yaml:"exchange"`

	Feed struct {
		BaseDelayMs        int `yaml:"base_delay_ms"`
		MaxDelayMs         int `yaml:"max_delay_ms"`
		MaxRetries         int `yaml:"max_retries"`
		SlowRetrySec       int `yaml:"slow_retry_sec"`
		HeartbeatWindowSec int `yaml:"heartbeat_window_sec"`
		HeartbeatCheckSec  int `yaml:"heartbeat_check_sec"`
	} `yaml:"feed"`

	Engine struct {
		FlushIntervalMs int `yaml:"flush_interval_ms"`
		SimTickMs       int `yaml:"sim_tick_ms"`
		InboxSize       int `yaml:"inbox_size"`
		SnapshotPollSec int `yaml:"snapshot_poll_sec"`
	} `yaml:"engine"`

	History struct {
		Interval  string `yaml:"interval"`
		PageLimit int    `yaml:"page_limit"`
	} `yaml:"history"`

	Instruments []InstrumentConfig                   `yaml:"instruments"`
	Volatility  map[domain.Category]VolatilityConfig `yaml:"volatility"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Server struct {
		Addr string `yaml:"addr"`
		Mode string `yaml:"mode"` // gin mode: debug, release, test
	} `yaml:"server"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Icons struct {
		Dir  string `yaml:"dir"`
		Size int    `yaml:"size"`
	} `yaml:"icons"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
// A .env file next to the binary is loaded first when present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseConfig(data)
}

// ParseConfig parses YAML, applies defaults and env overrides, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Exchange.TimeoutSec <= 0 {
		c.Exchange.TimeoutSec = 10
	}
	if c.Feed.BaseDelayMs <= 0 {
		c.Feed.BaseDelayMs = 1000
	}
	if c.Feed.MaxDelayMs <= 0 {
		c.Feed.MaxDelayMs = 60000
	}
	if c.Feed.MaxRetries <= 0 {
		c.Feed.MaxRetries = 5
	}
	if c.Feed.SlowRetrySec <= 0 {
		c.Feed.SlowRetrySec = 60
	}
	if c.Feed.HeartbeatWindowSec <= 0 {
		c.Feed.HeartbeatWindowSec = 30
	}
	if c.Feed.HeartbeatCheckSec <= 0 {
		c.Feed.HeartbeatCheckSec = 5
	}
	if c.Engine.FlushIntervalMs <= 0 {
		c.Engine.FlushIntervalMs = 250
	}
	if c.Engine.SimTickMs <= 0 {
		c.Engine.SimTickMs = 500
	}
	if c.Engine.InboxSize <= 0 {
		c.Engine.InboxSize = 4096
	}
	if c.Engine.SnapshotPollSec <= 0 {
		c.Engine.SnapshotPollSec = 30
	}
	if c.History.Interval == "" {
		c.History.Interval = "1m"
	}
	if c.History.PageLimit <= 0 {
		c.History.PageLimit = 500
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/market_pulse.db"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Icons.Dir == "" {
		c.Icons.Dir = "assets/icons"
	}
	if c.Icons.Size <= 0 {
		c.Icons.Size = 64
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Exchange.WSURL, "ws://") && !strings.HasPrefix(c.Exchange.WSURL, "wss://") {
		return &domain.ConfigError{Field: "exchange.ws_url", Err: fmt.Errorf("invalid websocket URL %q", c.Exchange.WSURL)}
	}
	if !strings.HasPrefix(c.Exchange.RestURL, "http://") && !strings.HasPrefix(c.Exchange.RestURL, "https://") {
		return &domain.ConfigError{Field: "exchange.rest_url", Err: fmt.Errorf("invalid REST URL %q", c.Exchange.RestURL)}
	}
	if c.Exchange.SnapshotURL != "" && !strings.HasPrefix(c.Exchange.SnapshotURL, "http://") && !strings.HasPrefix(c.Exchange.SnapshotURL, "https://") {
		return &domain.ConfigError{Field: "exchange.snapshot_url", Err: fmt.Errorf("invalid snapshot URL %q", c.Exchange.SnapshotURL)}
	}
	if c.Feed.MaxDelayMs < c.Feed.BaseDelayMs {
		return &domain.ConfigError{Field: "feed.max_delay_ms", Err: errors.New("must not be below base_delay_ms")}
	}
	if _, err := domain.IntervalSeconds(c.History.Interval); err != nil {
		return &domain.ConfigError{Field: "history.interval", Err: err}
	}
	if len(c.Instruments) == 0 {
		return &domain.ConfigError{Field: "instruments", Err: errors.New("at least one instrument is required")}
	}

	valid := make(map[domain.Category]bool)
	for _, cat := range domain.Categories() {
		valid[cat] = true
	}

	seen := make(map[string]bool)
	for i, inst := range c.Instruments {
		field := fmt.Sprintf("instruments[%d]", i)
		symbol := domain.NormalizeSymbol(inst.Symbol)
		if symbol == "" {
			return &domain.ConfigError{Field: field + ".symbol", Err: domain.ErrInvalidSymbol}
		}
		if seen[symbol] {
			return &domain.ConfigError{Field: field + ".symbol", Err: fmt.Errorf("duplicate symbol %s", symbol)}
		}
		seen[symbol] = true
		if !valid[inst.Category] {
			return &domain.ConfigError{Field: field + ".category", Err: fmt.Errorf("unknown category %q", inst.Category)}
		}
		if inst.BasePrice.IsNegative() {
			return &domain.ConfigError{Field: field + ".base_price", Err: errors.New("must not be negative")}
		}
	}

	for cat := range c.Volatility {
		if !valid[cat] {
			return &domain.ConfigError{Field: "volatility." + string(cat), Err: fmt.Errorf("unknown category %q", cat)}
		}
	}

	return nil
}

// FlushInterval returns the coalescer flush period.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Engine.FlushIntervalMs) * time.Millisecond
}

// SimTick returns the period at which degraded symbols are stepped.
func (c *Config) SimTick() time.Duration {
	return time.Duration(c.Engine.SimTickMs) * time.Millisecond
}

// SnapshotPoll returns the snapshot polling period.
func (c *Config) SnapshotPoll() time.Duration {
	return time.Duration(c.Engine.SnapshotPollSec) * time.Second
}

// HTTPTimeout returns the timeout applied to exchange REST calls.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Exchange.TimeoutSec) * time.Second
}

// overrideWithEnv overwrites deployment values when the matching variable is set.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv(envPrefix + "WS_URL"); v != "" {
		cfg.Exchange.WSURL = v
	}
	if v := os.Getenv(envPrefix + "REST_URL"); v != "" {
		cfg.Exchange.RestURL = v
	}
	if v := os.Getenv(envPrefix + "SNAPSHOT_URL"); v != "" {
		cfg.Exchange.SnapshotURL = v
	}
	if v := os.Getenv(envPrefix + "DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv(envPrefix + "SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv(envPrefix + "REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv(envPrefix + "REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv(envPrefix + "REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
