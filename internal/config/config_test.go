package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func dryRun() *Config {
	cfg := Defaults()
	cfg.Trading.DryRun = true
	return &cfg
}

func TestDefaults_ValidInDryRun(t *testing.T) {
	require.NoError(t, dryRun().Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Trading.SlippageBps)
	assert.Equal(t, time.Second, cfg.Ingest.PollInterval.Duration)
	assert.Equal(t, LedgerMemory, cfg.Ledger.Driver)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "poolsniper.toml", `
mode = "monitor"

[trading]
slippage_bps = 30
min_profit_threshold = 0.5

[execution]
timeout = "45s"

[sources]
rpc_url = "http://node:8545"
rpc_pairs = ["0xabc", "0xdef"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeMonitor, cfg.Mode)
	assert.Equal(t, 30, cfg.Trading.SlippageBps)
	assert.Equal(t, 0.5, cfg.Trading.MinProfitThreshold)
	assert.Equal(t, 45*time.Second, cfg.Execution.Timeout.Duration)
	assert.Equal(t, []string{"0xabc", "0xdef"}, cfg.Sources.RPCPairs)
	// Untouched fields keep their defaults.
	assert.Equal(t, 100, cfg.Trading.MaxSlippageBps)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "poolsniper.yaml", `
mode: server
ingest:
  poll_interval: 250ms
  queue_size: 64
ledger:
  driver: sqlite
  sqlite_path: /tmp/ledger.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeServer, cfg.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Ingest.PollInterval.Duration)
	assert.Equal(t, 64, cfg.Ingest.QueueSize)
	assert.Equal(t, LedgerSQLite, cfg.Ledger.Driver)
	assert.Equal(t, "/tmp/ledger.db", cfg.Ledger.SQLitePath)
}

func TestLoad_MalformedFile(t *testing.T) {
	_, err := Load(writeFile(t, "bad.toml", "mode = "))
	require.Error(t, err)
	_, err = Load(writeFile(t, "bad.yml", "mode: [unterminated"))
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "poolsniper.toml", "[trading]\nslippage_bps = 30\n")
	t.Setenv("SLIPPAGE_BPS", "75")
	t.Setenv("MIN_PROFIT_THRESHOLD", "0.02")
	t.Setenv("MAX_POSITION_SIZE", "5")
	t.Setenv("POOL_CHECK_INTERVAL_MS", "1500")
	t.Setenv("EXECUTION_TIMEOUT", "1m")
	t.Setenv("DASHBOARD_PORT", "9000")
	t.Setenv("RPC_PAIRS", " 0x1 , ,0x2")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("MODE", "MONITOR")
	t.Setenv("MAX_RETRIES", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.Trading.SlippageBps)
	assert.Equal(t, 0.02, cfg.Trading.MinProfitThreshold)
	assert.Equal(t, 5.0, cfg.Trading.MaxPositionSize)
	assert.Equal(t, 1500*time.Millisecond, cfg.Ingest.PollInterval.Duration)
	assert.Equal(t, time.Minute, cfg.Execution.Timeout.Duration)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"0x1", "0x2"}, cfg.Sources.RPCPairs)
	assert.True(t, cfg.Trading.DryRun)
	assert.Equal(t, ModeMonitor, cfg.Mode)
	assert.Equal(t, 3, cfg.Execution.MaxRetries, "unparseable values are ignored")
}

func TestLoad_PollIntervalWinsOverMillisAlias(t *testing.T) {
	t.Setenv("POOL_CHECK_INTERVAL_MS", "1500")
	t.Setenv("POLL_INTERVAL", "2s")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Ingest.PollInterval.Duration)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := dryRun()
	cfg.Mode = "trade"
	cfg.Trading.SlippageBps = 200
	cfg.Trading.MaxPositionSize = 0
	cfg.Execution.Timeout = duration{}
	cfg.Ledger.Driver = "mongo"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"slippage_bps 200 exceeds max_slippage_bps 100",
		"max_position_size must be > 0",
		"execution.timeout must be > 0",
		`unknown driver "mongo"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_RequiredCredentials(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"live trading without router key", func(c *Config) {
			c.Trading.DryRun = false
			c.Router.URL = "http://router"
		}, "ROUTER_API_KEY"},
		{"data api without key", func(c *Config) { c.Sources.DataAPIURL = "http://data" }, "data_api_key"},
		{"postgres without dsn", func(c *Config) { c.Ledger.Driver = LedgerPostgres }, "database_url"},
		{"rpc without pairs", func(c *Config) { c.Sources.RPCURL = "http://node" }, "rpc_pairs"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := dryRun()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidate_MonitorNeedsNoRouter(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = ModeMonitor
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Live())
}

func TestRedactedConfig(t *testing.T) {
	cfg := dryRun()
	cfg.Router.APIKey = "router-secret"
	cfg.Ledger.DatabaseURL = "postgres://u:p@h/db"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Notify.Events = []string{"failed"}

	out := RedactedConfig(cfg)
	assert.Equal(t, "***", out.Router.APIKey)
	assert.Equal(t, "***", out.Ledger.DatabaseURL)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Empty(t, out.Server.APIKey, "empty secrets stay empty")
	assert.Equal(t, "router-secret", cfg.Router.APIKey)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "failed", cfg.Notify.Events[0])
}
