package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load starts from Defaults, decodes the file at path when it exists (TOML,
// or YAML for .yaml/.yml), loads .env if present and finally applies
// environment overrides. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	cfg.Mode = strings.ToLower(cfg.Mode)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.Ledger.Driver = strings.ToLower(cfg.Ledger.Driver)

	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: decode yaml %s: %w", path, err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("config: decode toml %s: %w", path, err)
		}
	}
	return nil
}

// applyEnvOverrides overwrites Config fields from the environment when a
// variable is set and non-empty. Names are the unprefixed ones operators
// already use; later aliases win over earlier names.
func applyEnvOverrides(cfg *Config) {
	// ── Trading ──
	setInt(&cfg.Trading.SlippageBps, "SLIPPAGE_BPS")
	setInt(&cfg.Trading.MaxSlippageBps, "MAX_SLIPPAGE_BPS")
	setFloat64(&cfg.Trading.MinProfitThreshold, "MIN_PROFIT_THRESHOLD")
	setFloat64(&cfg.Trading.MaxPositionSize, "MAX_POSITION_SIZE")
	setFloat64(&cfg.Trading.MinTradeSize, "MIN_TRADE_SIZE")
	setFloat64(&cfg.Trading.FeeEstimate, "FEE_ESTIMATE")
	setFloat64(&cfg.Trading.PoolFeeBps, "POOL_FEE_BPS")
	setFloat64(&cfg.Trading.MinLiquidity, "MIN_LIQUIDITY")
	setFloat64(&cfg.Trading.MinScore, "MIN_SCORE")
	setBool(&cfg.Trading.AutoExecute, "AUTO_EXECUTE")
	setBool(&cfg.Trading.DryRun, "DRY_RUN")

	// ── Ingest ──
	setMillis(&cfg.Ingest.PollInterval, "POOL_CHECK_INTERVAL_MS")
	setDuration(&cfg.Ingest.PollInterval, "POLL_INTERVAL")
	setDuration(&cfg.Ingest.PollTimeout, "POLL_TIMEOUT")
	setInt(&cfg.Ingest.QueueSize, "QUEUE_SIZE")

	// ── Detector / registry ──
	setDuration(&cfg.Detector.StalenessWindow, "STALENESS_WINDOW")
	setInt(&cfg.Detector.Workers, "DETECTOR_WORKERS")
	setDuration(&cfg.Registry.SilenceWindow, "SILENCE_WINDOW")
	setDuration(&cfg.Registry.SweepInterval, "SWEEP_INTERVAL")

	// ── Execution ──
	setDuration(&cfg.Execution.Timeout, "EXECUTION_TIMEOUT")
	setInt(&cfg.Execution.MaxConcurrent, "MAX_CONCURRENT_ATTEMPTS")
	setInt(&cfg.Execution.MaxRetries, "MAX_RETRIES")
	setDuration(&cfg.Execution.RetryBaseDelay, "RETRY_BASE_DELAY")
	setDuration(&cfg.Execution.RetryMaxDelay, "RETRY_MAX_DELAY")

	// ── Sources ──
	setStr(&cfg.Sources.DataAPIURL, "DATA_API_URL")
	setStr(&cfg.Sources.DataAPIKey, "DATA_API_KEY")
	setFloat64(&cfg.Sources.DataAPIRateLimit, "DATA_API_RATE_LIMIT")
	setStr(&cfg.Sources.RPCURL, "RPC_URL")
	setStringSlice(&cfg.Sources.RPCPairs, "RPC_PAIRS")
	setStr(&cfg.Sources.PushStreamURL, "PUSH_STREAM_URL")
	setStr(&cfg.Sources.WebhookSecret, "WEBHOOK_SECRET")

	// ── Router ──
	setStr(&cfg.Router.URL, "ROUTER_URL")
	setStr(&cfg.Router.APIKey, "ROUTER_API_KEY")
	setDuration(&cfg.Router.PollInterval, "ROUTER_POLL_INTERVAL")
	setBool(&cfg.Router.Quotes, "ROUTER_QUOTES")

	// ── Ledger ──
	setStr(&cfg.Ledger.Driver, "LEDGER_DRIVER")
	setStr(&cfg.Ledger.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.Ledger.SQLitePath, "SQLITE_PATH")
	setInt(&cfg.Ledger.MaxConns, "DATABASE_MAX_CONNS")
	setBool(&cfg.Ledger.RunMigrations, "RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveInterval, "ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ENABLE_DASHBOARD")
	setInt(&cfg.Server.Port, "DASHBOARD_PORT")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Server.APIKey, "API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "CORS_ORIGINS")
	setInt(&cfg.Server.ExecuteRateLimit, "EXECUTE_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setMillis(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			dst.Duration = time.Duration(ms) * time.Millisecond
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
