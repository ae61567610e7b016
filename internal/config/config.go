// Package config defines the process configuration and its validation. It is
// loaded once at startup and read-only thereafter.
package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Operating modes.
const (
	ModeFull    = "full"
	ModeMonitor = "monitor"
	ModeServer  = "server"
)

// Ledger drivers.
const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
	LedgerSQLite   = "sqlite"
)

// Config is the root configuration structure. Fields are populated from a
// TOML or YAML file and then overridden by environment variables.
type Config struct {
	Trading   TradingConfig   `toml:"trading" yaml:"trading"`
	Ingest    IngestConfig    `toml:"ingest" yaml:"ingest"`
	Detector  DetectorConfig  `toml:"detector" yaml:"detector"`
	Registry  RegistryConfig  `toml:"registry" yaml:"registry"`
	Execution ExecutionConfig `toml:"execution" yaml:"execution"`
	Sources   SourcesConfig   `toml:"sources" yaml:"sources"`
	Router    RouterConfig    `toml:"router" yaml:"router"`
	Ledger    LedgerConfig    `toml:"ledger" yaml:"ledger"`
	Redis     RedisConfig     `toml:"redis" yaml:"redis"`
	S3        S3Config        `toml:"s3" yaml:"s3"`
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Notify    NotifyConfig    `toml:"notify" yaml:"notify"`
	Mode      string          `toml:"mode" yaml:"mode"`
	LogLevel  string          `toml:"log_level" yaml:"log_level"`
}

// TradingConfig holds the monetary risk bounds.
type TradingConfig struct {
	SlippageBps        int     `toml:"slippage_bps" yaml:"slippage_bps"`
	MaxSlippageBps     int     `toml:"max_slippage_bps" yaml:"max_slippage_bps"`
	MinProfitThreshold float64 `toml:"min_profit_threshold" yaml:"min_profit_threshold"`
	MaxPositionSize    float64 `toml:"max_position_size" yaml:"max_position_size"`
	MinTradeSize       float64 `toml:"min_trade_size" yaml:"min_trade_size"`
	FeeEstimate        float64 `toml:"fee_estimate" yaml:"fee_estimate"`
	PoolFeeBps         float64 `toml:"pool_fee_bps" yaml:"pool_fee_bps"`
	MinLiquidity       float64 `toml:"min_liquidity" yaml:"min_liquidity"`
	MinScore           float64 `toml:"min_score" yaml:"min_score"`
	// AutoExecute submits detected opportunities without operator action.
	AutoExecute bool `toml:"auto_execute" yaml:"auto_execute"`
	// DryRun routes swaps to the deterministic fake executor.
	DryRun bool `toml:"dry_run" yaml:"dry_run"`
}

// IngestConfig holds the adapter and queue parameters.
type IngestConfig struct {
	PollInterval duration `toml:"poll_interval" yaml:"poll_interval"`
	PollTimeout  duration `toml:"poll_timeout" yaml:"poll_timeout"`
	QueueSize    int      `toml:"queue_size" yaml:"queue_size"`
}

// DetectorConfig holds the opportunity detector parameters.
type DetectorConfig struct {
	StalenessWindow duration `toml:"staleness_window" yaml:"staleness_window"`
	Workers         int      `toml:"workers" yaml:"workers"`
}

// RegistryConfig holds the pool registry parameters.
type RegistryConfig struct {
	SilenceWindow duration `toml:"silence_window" yaml:"silence_window"`
	SweepInterval duration `toml:"sweep_interval" yaml:"sweep_interval"`
}

// ExecutionConfig holds the coordinator parameters and retry policy.
type ExecutionConfig struct {
	Timeout        duration `toml:"timeout" yaml:"timeout"`
	MaxConcurrent  int      `toml:"max_concurrent" yaml:"max_concurrent"`
	MaxRetries     int      `toml:"max_retries" yaml:"max_retries"`
	RetryBaseDelay duration `toml:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay  duration `toml:"retry_max_delay" yaml:"retry_max_delay"`
}

// SourcesConfig holds the pool data feeds. Empty URLs disable a feed.
type SourcesConfig struct {
	DataAPIURL       string   `toml:"data_api_url" yaml:"data_api_url"`
	DataAPIKey       string   `toml:"data_api_key" yaml:"data_api_key"`
	DataAPIRateLimit float64  `toml:"data_api_rate_limit" yaml:"data_api_rate_limit"`
	RPCURL           string   `toml:"rpc_url" yaml:"rpc_url"`
	RPCPairs         []string `toml:"rpc_pairs" yaml:"rpc_pairs"`
	PushStreamURL    string   `toml:"push_stream_url" yaml:"push_stream_url"`
	WebhookSecret    string   `toml:"webhook_secret" yaml:"webhook_secret"`
}

// RouterConfig holds the swap-routing service endpoint and credentials.
type RouterConfig struct {
	URL          string   `toml:"url" yaml:"url"`
	APIKey       string   `toml:"api_key" yaml:"api_key"`
	PollInterval duration `toml:"poll_interval" yaml:"poll_interval"`
	// Quotes enables the authoritative quote at validation.
	Quotes bool `toml:"quotes" yaml:"quotes"`
}

// LedgerConfig selects the trade ledger backend.
type LedgerConfig struct {
	Driver        string `toml:"driver" yaml:"driver"`
	DatabaseURL   string `toml:"database_url" yaml:"database_url"`
	SQLitePath    string `toml:"sqlite_path" yaml:"sqlite_path"`
	MaxConns      int    `toml:"max_conns" yaml:"max_conns"`
	MinConns      int    `toml:"min_conns" yaml:"min_conns"`
	RunMigrations bool   `toml:"run_migrations" yaml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables
// Redis.
type RedisConfig struct {
	Addr         string `toml:"addr" yaml:"addr"`
	Password     string `toml:"password" yaml:"password"`
	DB           int    `toml:"db" yaml:"db"`
	PoolSize     int    `toml:"pool_size" yaml:"pool_size"`
	MaxRetries   int    `toml:"max_retries" yaml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled" yaml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len" yaml:"stream_max_len"`
}

// S3Config holds object storage parameters. An empty Bucket disables the
// archive.
type S3Config struct {
	Endpoint        string   `toml:"endpoint" yaml:"endpoint"`
	Region          string   `toml:"region" yaml:"region"`
	Bucket          string   `toml:"bucket" yaml:"bucket"`
	AccessKey       string   `toml:"access_key" yaml:"access_key"`
	SecretKey       string   `toml:"secret_key" yaml:"secret_key"`
	UseSSL          bool     `toml:"use_ssl" yaml:"use_ssl"`
	ForcePathStyle  bool     `toml:"force_path_style" yaml:"force_path_style"`
	ArchiveInterval duration `toml:"archive_interval" yaml:"archive_interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled           bool     `toml:"enabled" yaml:"enabled"`
	Port              int      `toml:"port" yaml:"port"`
	APIKey            string   `toml:"api_key" yaml:"api_key"`
	CORSOrigins       []string `toml:"cors_origins" yaml:"cors_origins"`
	ExecuteRateLimit  int      `toml:"execute_rate_limit" yaml:"execute_rate_limit"`
	ExecuteRateWindow duration `toml:"execute_rate_window" yaml:"execute_rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" yaml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id" yaml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" yaml:"discord_webhook_url"`
	Events            []string `toml:"events" yaml:"events"`
}

// duration is a wrapper around time.Duration that decodes from strings like
// "5m" or "30s".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the documented default values.
func Defaults() Config {
	return Config{
		Trading: TradingConfig{
			SlippageBps:        50,
			MaxSlippageBps:     100,
			MinProfitThreshold: 0.01,
			MaxPositionSize:    1.0,
			MinTradeSize:       0.001,
			FeeEstimate:        0.001,
			AutoExecute:        true,
		},
		Ingest: IngestConfig{
			PollInterval: duration{time.Second},
			PollTimeout:  duration{10 * time.Second},
			QueueSize:    1024,
		},
		Detector: DetectorConfig{
			StalenessWindow: duration{5 * time.Second},
			Workers:         8,
		},
		Registry: RegistryConfig{
			SilenceWindow: duration{2 * time.Minute},
			SweepInterval: duration{10 * time.Second},
		},
		Execution: ExecutionConfig{
			Timeout:        duration{30 * time.Second},
			MaxConcurrent:  16,
			MaxRetries:     3,
			RetryBaseDelay: duration{250 * time.Millisecond},
			RetryMaxDelay:  duration{5 * time.Second},
		},
		Sources: SourcesConfig{
			DataAPIRateLimit: 5,
		},
		Router: RouterConfig{
			PollInterval: duration{500 * time.Millisecond},
			Quotes:       true,
		},
		Ledger: LedgerConfig{
			Driver:        LedgerMemory,
			SQLitePath:    "poolsniper.db",
			MaxConns:      10,
			MinConns:      1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MaxRetries:   3,
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Region:          "us-east-1",
			UseSSL:          true,
			ArchiveInterval: duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled:           true,
			Port:              8080,
			ExecuteRateLimit:  10,
			ExecuteRateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"confirmed", "failed", "timed_out"},
		},
		Mode:     ModeFull,
		LogLevel: "info",
	}
}

// Live reports whether trades go to the real routing service.
func (c *Config) Live() bool {
	return c.Mode == ModeFull && !c.Trading.DryRun
}

var validModes = map[string]bool{
	ModeFull:    true,
	ModeMonitor: true,
	ModeServer:  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDrivers = map[string]bool{
	LedgerMemory:   true,
	LedgerPostgres: true,
	LedgerSQLite:   true,
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, monitor, server)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Trading
	t := c.Trading
	if t.SlippageBps < 0 {
		errs = append(errs, "trading: slippage_bps must be >= 0")
	}
	if t.SlippageBps > t.MaxSlippageBps {
		errs = append(errs, fmt.Sprintf("trading: slippage_bps %d exceeds max_slippage_bps %d", t.SlippageBps, t.MaxSlippageBps))
	}
	if t.MaxSlippageBps > 10_000 {
		errs = append(errs, "trading: max_slippage_bps must be <= 10000")
	}
	if t.MinProfitThreshold < 0 {
		errs = append(errs, "trading: min_profit_threshold must be >= 0")
	}
	if t.MaxPositionSize <= 0 {
		errs = append(errs, "trading: max_position_size must be > 0")
	}
	if t.MinTradeSize <= 0 || t.MinTradeSize >= t.MaxPositionSize {
		errs = append(errs, "trading: min_trade_size must be > 0 and below max_position_size")
	}
	if t.FeeEstimate < 0 || t.PoolFeeBps < 0 || t.PoolFeeBps >= 10_000 {
		errs = append(errs, "trading: fee_estimate and pool_fee_bps must be non-negative, pool_fee_bps below 10000")
	}
	if t.MinScore < 0 || t.MinScore > 1 {
		errs = append(errs, "trading: min_score must be within [0, 1]")
	}

	// Intervals
	positive := map[string]time.Duration{
		"ingest.poll_interval":       c.Ingest.PollInterval.Duration,
		"ingest.poll_timeout":        c.Ingest.PollTimeout.Duration,
		"detector.staleness_window":  c.Detector.StalenessWindow.Duration,
		"execution.timeout":          c.Execution.Timeout.Duration,
		"execution.retry_base_delay": c.Execution.RetryBaseDelay.Duration,
		"execution.retry_max_delay":  c.Execution.RetryMaxDelay.Duration,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			errs = append(errs, name+" must be > 0")
		}
	}
	if c.Registry.SilenceWindow.Duration < 0 {
		errs = append(errs, "registry.silence_window must be >= 0")
	}
	if c.Ingest.QueueSize < 1 {
		errs = append(errs, "ingest.queue_size must be >= 1")
	}
	if c.Detector.Workers < 1 {
		errs = append(errs, "detector.workers must be >= 1")
	}
	if c.Execution.MaxConcurrent < 1 {
		errs = append(errs, "execution.max_concurrent must be >= 1")
	}
	if c.Execution.MaxRetries < 0 {
		errs = append(errs, "execution.max_retries must be >= 0")
	}

	// Credentials
	if c.Live() {
		if c.Router.URL == "" {
			errs = append(errs, "router: url is required for live trading (set ROUTER_URL or DRY_RUN=true)")
		}
		if c.Router.APIKey == "" {
			errs = append(errs, "router: api_key is required for live trading (set ROUTER_API_KEY)")
		}
	}
	if c.Sources.DataAPIURL != "" && c.Sources.DataAPIKey == "" {
		errs = append(errs, "sources: data_api_key is required when data_api_url is set")
	}
	if c.Sources.RPCURL != "" && len(c.Sources.RPCPairs) == 0 {
		errs = append(errs, "sources: rpc_pairs must list at least one pair when rpc_url is set")
	}

	// Ledger
	switch {
	case !validDrivers[c.Ledger.Driver]:
		errs = append(errs, fmt.Sprintf("ledger: unknown driver %q (valid: memory, postgres, sqlite)", c.Ledger.Driver))
	case c.Ledger.Driver == LedgerPostgres && strings.TrimSpace(c.Ledger.DatabaseURL) == "":
		errs = append(errs, "ledger: database_url is required for the postgres driver")
	case c.Ledger.Driver == LedgerSQLite && c.Ledger.SQLitePath == "":
		errs = append(errs, "ledger: sqlite_path is required for the sqlite driver")
	}
	if c.Ledger.Driver == LedgerPostgres && c.Ledger.MinConns > c.Ledger.MaxConns {
		errs = append(errs, "ledger: min_conns must not exceed max_conns")
	}

	// S3
	if c.S3.Bucket != "" && c.S3.ArchiveInterval.Duration <= 0 {
		errs = append(errs, "s3: archive_interval must be > 0")
	}

	// Server
	if c.Server.Enabled || c.Mode == ModeServer {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
