package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for tickdeck.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Upstream Upstream       `yaml:"upstream"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Redis    Redis          `yaml:"redis"`
	Cache    CacheConfig    `yaml:"cache"`
	Watch    WatchConfig    `yaml:"watch"`
	Logging  Logging        `yaml:"logging"`
	Archive  Archive        `yaml:"archive"`
	Symbols  []SymbolConfig `yaml:"symbols"`
}

// Storage holds paths for client-side persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Upstream selects and configures the market-data provider.
type Upstream struct {
	Provider        string `yaml:"provider"` // "coingecko" or "alpaca"
	BaseURL         string `yaml:"base_url"`
	VSCurrency      string `yaml:"vs_currency"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Alpaca holds credentials and endpoints for the Alpaca market-data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Redis configures the optional shared-cache backend. When disabled the
// server keeps its shared cache in process memory.
type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TTLConfig is a fresh/stale threshold pair for one cache kind, in seconds.
// Entries younger than fresh are served as-is; entries younger than stale are
// served while a refresh runs; older entries are treated as a cache miss.
type TTLConfig struct {
	FreshSeconds int `yaml:"fresh_seconds"`
	StaleSeconds int `yaml:"stale_seconds"`
}

// Fresh returns the fresh threshold as a duration.
func (t TTLConfig) Fresh() time.Duration { return time.Duration(t.FreshSeconds) * time.Second }

// Stale returns the stale threshold as a duration.
func (t TTLConfig) Stale() time.Duration { return time.Duration(t.StaleSeconds) * time.Second }

// CacheConfig holds per-kind TTL pairs. The thresholds are fixed per cache
// kind and never renegotiated at runtime.
type CacheConfig struct {
	Prices  TTLConfig `yaml:"prices"`
	Candles TTLConfig `yaml:"candles"`
}

// WatchConfig controls the terminal watcher client.
type WatchConfig struct {
	ServerURL           string `yaml:"server_url"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	SwitchQuietMillis   int    `yaml:"switch_quiet_millis"`
}

// PollInterval returns the poll cadence as a duration.
func (w WatchConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// SwitchQuiet returns the debounce quiet period for selection switches.
func (w WatchConfig) SwitchQuiet() time.Duration {
	return time.Duration(w.SwitchQuietMillis) * time.Millisecond
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Archive configures the parquet candle archive.
type Archive struct {
	Enabled bool `yaml:"enabled"`
}

// SymbolConfig maps a display symbol to its upstream provider identifier
// (e.g. BTC → bitcoin for the CoinGecko API).
type SymbolConfig struct {
	Symbol string `yaml:"symbol"`
	ID     string `yaml:"id"`
}

// SymbolNames returns the display symbols in configured order.
func (c *Config) SymbolNames() []string {
	names := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		names = append(names, s.Symbol)
	}
	return names
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a Config with all defaults filled in, used when no config
// file is present.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyDefaults fills any fields still unset after file and env loading.
func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/tickdeck.db"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Upstream.Provider == "" {
		cfg.Upstream.Provider = "coingecko"
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if cfg.Upstream.VSCurrency == "" {
		cfg.Upstream.VSCurrency = "usd"
	}
	if cfg.Upstream.TimeoutSeconds == 0 {
		cfg.Upstream.TimeoutSeconds = 10
	}
	if cfg.Upstream.RateLimitPerMin == 0 {
		cfg.Upstream.RateLimitPerMin = 30
	}

	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	if cfg.Cache.Prices.FreshSeconds == 0 {
		cfg.Cache.Prices.FreshSeconds = 60
	}
	if cfg.Cache.Prices.StaleSeconds == 0 {
		cfg.Cache.Prices.StaleSeconds = 900
	}
	if cfg.Cache.Candles.FreshSeconds == 0 {
		cfg.Cache.Candles.FreshSeconds = 300
	}
	if cfg.Cache.Candles.StaleSeconds == 0 {
		cfg.Cache.Candles.StaleSeconds = 3600
	}

	if cfg.Watch.ServerURL == "" {
		cfg.Watch.ServerURL = "http://localhost:8080"
	}
	if cfg.Watch.PollIntervalSeconds == 0 {
		cfg.Watch.PollIntervalSeconds = 60
	}
	if cfg.Watch.SwitchQuietMillis == 0 {
		cfg.Watch.SwitchQuietMillis = 350
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []SymbolConfig{
			{Symbol: "BTC", ID: "bitcoin"},
			{Symbol: "ETH", ID: "ethereum"},
			{Symbol: "SOL", ID: "solana"},
			{Symbol: "ADA", ID: "cardano"},
			{Symbol: "DOT", ID: "polkadot"},
		}
	}
}
