package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.Pool.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrentBuckets)
	assert.Equal(t, 30*time.Minute, cfg.Engine.LockTTL())
	assert.Equal(t, 500, cfg.Retry.InitialBackoffMs)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0.001)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, "collection.runs", cfg.Events.KafkaTopic)
	assert.Equal(t, "collection-daily", cfg.Temporal.TaskQueue)
	assert.InDelta(t, 0.8, cfg.Monitoring.NotSentRatioThreshold, 0.001)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Vendors)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
  database_url: collection.db
log:
  level: debug
  format: console
server:
  port: 9090
engine:
  snapshot_path: configs/snapshot.yaml
  max_concurrent_buckets: 8
vendors:
  - name: robocall
    base_url: https://robocall.example.com/v1
    rate_limit: 5
    burst: 2
  - name: predictive
    base_url: https://predictive.example.com
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "configs/snapshot.yaml", cfg.Engine.SnapshotPath)
	assert.Equal(t, 8, cfg.Engine.MaxConcurrentBuckets)
	require.Len(t, cfg.Vendors, 2)
	assert.Equal(t, "robocall", cfg.Vendors[0].Name)
	assert.InDelta(t, 5.0, cfg.Vendors[0].RateLimit, 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 1800, cfg.Engine.LockTTLSecs)
	require.NoError(t, cfg.Validate("run"))
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("COLLECTION_STORE_DRIVER", "postgres")
	t.Setenv("COLLECTION_LOG_LEVEL", "warn")
	t.Setenv("COLLECTION_REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("COLLECTION_SERVER_PORT", "3000")
	t.Setenv("COLLECTION_MONITORING_NOT_SENT_RATIO_THRESHOLD", "0.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.InDelta(t, 0.5, cfg.Monitoring.NotSentRatioThreshold, 0.001)
}

func TestLoadEnvWithoutDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("COLLECTION_STORE_DATABASE_URL", "postgres://db/collection")
	t.Setenv("COLLECTION_REDIS_ADDR", "redis:6379")
	t.Setenv("COLLECTION_REDIS_PASSWORD", "hunter2")
	t.Setenv("COLLECTION_EVENTS_WEBHOOK_URL", "https://hooks.example.com/runs")
	t.Setenv("COLLECTION_EVENTS_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("COLLECTION_ENGINE_SNAPSHOT_PATH", "/etc/collection/snapshot.yaml")
	t.Setenv("COLLECTION_MONITORING_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("COLLECTION_STORE_POOL_MAX_CONNS", "25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/collection", cfg.Store.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, "https://hooks.example.com/runs", cfg.Events.WebhookURL)
	assert.Equal(t, "k1:9092,k2:9092", cfg.Events.KafkaBrokers)
	assert.Equal(t, "/etc/collection/snapshot.yaml", cfg.Engine.SnapshotPath)
	assert.Equal(t, "otel:4317", cfg.Monitoring.OTLPEndpoint)
	assert.Equal(t, int32(25), cfg.Store.Pool.MaxConns)
	// Unset keys keep their defaults.
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	require.NoError(t, cfg.Validate("store"))
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURL = "postgres://localhost/collection"
	cfg.Server.Port = 8080
	cfg.Engine.MaxConcurrentBuckets = 4
	cfg.Engine.LockTTLSecs = 1800
	cfg.Retry.Multiplier = 2
	cfg.Temporal.HostPort = "localhost:7233"
	cfg.Temporal.TaskQueue = "collection-daily"
	cfg.Monitoring.NotSentRatioThreshold = 0.8
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"run", "serve", "worker", "store", "export"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_StoreRequired(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg = validDefaults()
	cfg.Store.Driver = "mysql"
	err = cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mysql" is not supported`)
}

func TestValidateRun_ConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Engine.MaxConcurrentBuckets = 0
	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_buckets must be between 1 and 32")

	cfg.Engine.MaxConcurrentBuckets = 33
	assert.Error(t, cfg.Validate("run"))

	cfg.Engine.MaxConcurrentBuckets = 32
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRun_Vendors(t *testing.T) {
	cfg := validDefaults()
	cfg.Vendors = []VendorConfig{
		{Name: "robocall", BaseURL: "https://a"},
		{Name: "robocall", BaseURL: "https://b"},
		{Name: "predictive"},
	}
	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vendors[1] duplicates robocall")
	assert.Contains(t, err.Error(), "vendors[2] needs name and base_url")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateWorker_MissingTemporal(t *testing.T) {
	cfg := validDefaults()
	cfg.Temporal.TaskQueue = ""
	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporal.host_port and temporal.task_queue")
}

func TestValidate_NotSentRatio(t *testing.T) {
	cfg := validDefaults()
	cfg.Monitoring.NotSentRatioThreshold = 1.5
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_sent_ratio_threshold")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestRetryAndCircuitConversion(t *testing.T) {
	rc := RetryConfig{InitialBackoffMs: 100, MaxBackoffMs: 2000, Multiplier: 3, JitterFraction: 0}.Policy(4)
	assert.Equal(t, 4, rc.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, rc.InitialBackoff)
	assert.Equal(t, 2*time.Second, rc.MaxBackoff)

	cb := CircuitConfig{FailureThreshold: 7, ResetTimeoutSecs: 10}.Breaker()
	assert.Equal(t, 7, cb.FailureThreshold)
	assert.Equal(t, 10*time.Second, cb.ResetTimeout)
}

func TestValidateExport_Drops(t *testing.T) {
	cfg := validDefaults()
	cfg.Export.Drops = map[string]string{"agency_alpha": "ftp://drop.alpha.example.com/inbox"}
	require.NoError(t, cfg.Validate("export"))

	cfg.Export.Drops["agency_beta"] = "https://drop.beta.example.com"
	err := cfg.Validate("export")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export.drops.agency_beta must be an ftp:// url")
}
