package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/collection-cli/internal/resilience"
	"github.com/sells-group/collection-cli/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Vendors    []VendorConfig   `yaml:"vendors" mapstructure:"vendors"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Events     EventsConfig     `yaml:"events" mapstructure:"events"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string           `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string           `yaml:"database_url" mapstructure:"database_url"`
	Pool        store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the ops HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// EngineConfig configures bucket jobs.
type EngineConfig struct {
	// SnapshotPath is the YAML business configuration. Empty uses the
	// built-in default.
	SnapshotPath         string `yaml:"snapshot_path" mapstructure:"snapshot_path"`
	MaxConcurrentBuckets int    `yaml:"max_concurrent_buckets" mapstructure:"max_concurrent_buckets"`
	LockTTLSecs          int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// LockTTL returns the run lock lifetime.
func (c EngineConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSecs) * time.Second
}

// VendorConfig is one dialer vendor's API.
type VendorConfig struct {
	Name      string  `yaml:"name" mapstructure:"name"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey    string  `yaml:"api_key" mapstructure:"api_key"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst     int     `yaml:"burst" mapstructure:"burst"`
}

// RetryConfig is the vendor page backoff policy. The attempt count comes
// from the snapshot.
type RetryConfig struct {
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// Policy converts the config for the resilience package. Zero fields fall
// back to resilience defaults when the policy runs.
func (c RetryConfig) Policy(maxAttempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Duration(c.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.MaxBackoffMs) * time.Millisecond,
		Multiplier:     c.Multiplier,
		JitterFraction: c.JitterFraction,
	}
}

// CircuitConfig configures the per-vendor circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Breaker converts the config for the resilience package.
func (c CircuitConfig) Breaker() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     time.Duration(c.ResetTimeoutSecs) * time.Second,
	}
}

// EventsConfig selects run event sinks. Log output is always on.
type EventsConfig struct {
	WebhookURL   string   `yaml:"webhook_url" mapstructure:"webhook_url"`
	WebhookTypes []string `yaml:"webhook_types" mapstructure:"webhook_types"`
	KafkaBrokers string   `yaml:"kafka_brokers" mapstructure:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" mapstructure:"kafka_topic"`
}

// RedisConfig enables the shared run lock. Empty Addr keeps the lock in
// process.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// TemporalConfig configures the daily workflow.
type TemporalConfig struct {
	HostPort            string `yaml:"host_port" mapstructure:"host_port"`
	Namespace           string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue           string `yaml:"task_queue" mapstructure:"task_queue"`
	ActivityTimeoutSecs int    `yaml:"activity_timeout_secs" mapstructure:"activity_timeout_secs"`
	MaxAttempts         int    `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// MonitoringConfig configures alerting and metrics export.
type MonitoringConfig struct {
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
	// NotSentRatioThreshold alerts when a bucket's NOT_SENT share exceeds it.
	NotSentRatioThreshold float64 `yaml:"not_sent_ratio_threshold" mapstructure:"not_sent_ratio_threshold"`
	// MinCandidates keeps tiny buckets from tripping the ratio alert.
	MinCandidates      int    `yaml:"min_candidates" mapstructure:"min_candidates"`
	DLQThreshold       int    `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
	OTLPEndpoint       string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	OTLPInsecure       bool   `yaml:"otlp_insecure" mapstructure:"otlp_insecure"`
	ExportIntervalSecs int    `yaml:"export_interval_secs" mapstructure:"export_interval_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("COLLECTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about, so keys
	// without a default (store.database_url, redis.addr, ...) are bound here.
	bindEnvKeys(v, reflect.TypeOf(Config{}), "")

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.pool.max_conns", 10)
	v.SetDefault("store.pool.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("engine.max_concurrent_buckets", 4)
	v.SetDefault("engine.lock_ttl_secs", 1800)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("events.kafka_topic", "collection.runs")
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "collection-daily")
	v.SetDefault("temporal.activity_timeout_secs", 3600)
	v.SetDefault("temporal.max_attempts", 3)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.not_sent_ratio_threshold", 0.8)
	v.SetDefault("monitoring.min_candidates", 50)
	v.SetDefault("monitoring.dlq_threshold", 1)
	v.SetDefault("monitoring.export_interval_secs", 60)
	v.SetDefault("export.dir", ".")
	v.SetDefault("export.ftp_timeout_secs", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// bindEnvKeys binds every scalar and string-list mapstructure key of t to
// its COLLECTION_ environment variable. Vendors and maps come from the file.
func bindEnvKeys(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		switch {
		case f.Type.Kind() == reflect.Struct:
			bindEnvKeys(v, f.Type, key)
		case f.Type.Kind() == reflect.Map:
		case f.Type.Kind() == reflect.Slice && f.Type.Elem().Kind() == reflect.Struct:
		default:
			_ = v.BindEnv(key)
		}
	}
}

// Validate checks the settings a command mode needs.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required (sqlite file path)")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	switch mode {
	case "run":
		if c.Engine.MaxConcurrentBuckets < 1 || c.Engine.MaxConcurrentBuckets > 32 {
			errs = append(errs, "engine.max_concurrent_buckets must be between 1 and 32")
		}
		if c.Engine.LockTTLSecs <= 0 {
			errs = append(errs, "engine.lock_ttl_secs must be > 0")
		}
		seen := map[string]bool{}
		for i, vc := range c.Vendors {
			if vc.Name == "" || vc.BaseURL == "" {
				errs = append(errs, fmt.Sprintf("vendors[%d] needs name and base_url", i))
			}
			if seen[vc.Name] {
				errs = append(errs, fmt.Sprintf("vendors[%d] duplicates %s", i, vc.Name))
			}
			seen[vc.Name] = true
		}
		if c.Retry.Multiplier < 1 {
			errs = append(errs, "retry.multiplier must be >= 1")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "worker":
		if c.Temporal.HostPort == "" || c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.host_port and temporal.task_queue are required")
		}
	case "store":
	case "export":
		for ch, u := range c.Export.Drops {
			if !strings.HasPrefix(u, "ftp://") {
				errs = append(errs, fmt.Sprintf("export.drops.%s must be an ftp:// url", ch))
			}
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Monitoring.NotSentRatioThreshold < 0 || c.Monitoring.NotSentRatioThreshold > 1 {
		errs = append(errs, "monitoring.not_sent_ratio_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

// ExportConfig configures placement workbooks and agency FTP drops.
type ExportConfig struct {
	Dir            string `yaml:"dir" mapstructure:"dir"`
	FTPTimeoutSecs int    `yaml:"ftp_timeout_secs" mapstructure:"ftp_timeout_secs"`
	// Drops maps an agency channel id to its ftp:// drop URL.
	Drops map[string]string `yaml:"drops" mapstructure:"drops"`
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
