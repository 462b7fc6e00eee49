// Package config provides configuration types for quotaguard.
//
// Configuration comes from a YAML file and QUOTAGUARD_* environment
// variables. Durations are strings parsed with time.ParseDuration.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level process configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Policy    PolicyConfig    `yaml:"policy" mapstructure:"policy"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Abuse     AbuseConfig     `yaml:"abuse" mapstructure:"abuse"`
	Events    EventsConfig    `yaml:"events" mapstructure:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode switches to the memory backend and colored logs when nothing
	// else is configured.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server and logging.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to ":8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn or error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`

	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`

	// AdminTier is the tier used when rate limiting the admin endpoints by client IP.
	AdminTier string `yaml:"admin_tier" mapstructure:"admin_tier"`

	// TrustedProxies are the addresses or CIDR ranges of reverse proxies whose
	// X-Forwarded-For and X-Real-IP headers are believed. Empty means the
	// client IP is always the connection's peer address.
	TrustedProxies []string `yaml:"trusted_proxies" mapstructure:"trusted_proxies" validate:"dive,cidr|ip"`

	// AdminKeys protect the admin endpoints with bearer keys. Empty leaves
	// them open.
	AdminKeys []AdminKeyConfig `yaml:"admin_keys" mapstructure:"admin_keys" validate:"dive"`
}

// AdminKeyConfig is one operator key, stored as a hash produced by
// `quotaguard hash-key`.
type AdminKeyConfig struct {
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// KeyHash is an Argon2id PHC string or "sha256:<hex>".
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required"`

	// ExpiresAt is an RFC 3339 timestamp. Empty never expires.
	ExpiresAt string `yaml:"expires_at" mapstructure:"expires_at" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

// PolicyConfig locates the policy document.
type PolicyConfig struct {
	// File is the policy YAML. Empty runs with the built-in fallback policy only.
	File string `yaml:"file" mapstructure:"file"`

	// Watch reloads the policy when the file changes.
	Watch bool `yaml:"watch" mapstructure:"watch"`
}

// StoreConfig configures the counter and violation stores.
type StoreConfig struct {
	Primary  PrimaryStoreConfig  `yaml:"primary" mapstructure:"primary"`
	Fallback FallbackStoreConfig `yaml:"fallback" mapstructure:"fallback"`

	// ProbeInterval is how often an unhealthy primary is re-probed.
	ProbeInterval string `yaml:"probe_interval" mapstructure:"probe_interval" validate:"omitempty,duration"`
}

// PrimaryStoreConfig configures the shared low-latency store.
type PrimaryStoreConfig struct {
	// Backend is "redis" or "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"required,oneof=redis memory"`

	// Timeout is the per-call budget before falling back.
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	// Addrs is one address for a single node, or a seed list for cluster mode.
	Addrs       []string `yaml:"addrs" mapstructure:"addrs" validate:"dive,hostname_port"`
	Username    string   `yaml:"username" mapstructure:"username"`
	Password    string   `yaml:"password" mapstructure:"password"`
	DB          int      `yaml:"db" mapstructure:"db" validate:"min=0"`
	PoolSize    int      `yaml:"pool_size" mapstructure:"pool_size" validate:"omitempty,min=1"`
	KeyPrefix   string   `yaml:"key_prefix" mapstructure:"key_prefix"`
	DialTimeout string   `yaml:"dial_timeout" mapstructure:"dial_timeout" validate:"omitempty,duration"`
}

// FallbackStoreConfig configures the durable SQL store.
type FallbackStoreConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Driver is "sqlite", "postgres" or "mysql".
	Driver string `yaml:"driver" mapstructure:"driver" validate:"omitempty,oneof=sqlite postgres mysql"`

	DSN string `yaml:"dsn" mapstructure:"dsn"`

	// Timeout is the per-call budget on the fallback.
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty,duration"`

	MaxOpenConns int `yaml:"max_open_conns" mapstructure:"max_open_conns" validate:"omitempty,min=1"`

	// SweepInterval is how often expired rows are deleted.
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty,duration"`

	// AutoMigrate creates the schema on startup.
	AutoMigrate bool `yaml:"auto_migrate" mapstructure:"auto_migrate"`
}

// AbuseConfig holds the escalation ladder.
type AbuseConfig struct {
	ShortBlockThreshold int    `yaml:"short_block_threshold" mapstructure:"short_block_threshold" validate:"omitempty,min=1"`
	LongBlockThreshold  int    `yaml:"long_block_threshold" mapstructure:"long_block_threshold" validate:"omitempty,min=1"`
	ShortBlock          string `yaml:"short_block" mapstructure:"short_block" validate:"omitempty,duration"`
	LongBlock           string `yaml:"long_block" mapstructure:"long_block" validate:"omitempty,duration"`
	ObservationWindow   string `yaml:"observation_window" mapstructure:"observation_window" validate:"omitempty,duration"`
	CleanPeriod         string `yaml:"clean_period" mapstructure:"clean_period" validate:"omitempty,duration"`
	ManualReviewCycles  int    `yaml:"manual_review_cycles" mapstructure:"manual_review_cycles" validate:"omitempty,min=1"`

	Patterns PatternsConfig `yaml:"patterns" mapstructure:"patterns"`
}

// PatternsConfig tunes the automated-traffic heuristics.
type PatternsConfig struct {
	Enabled         bool    `yaml:"enabled" mapstructure:"enabled"`
	SampleSize      int     `yaml:"sample_size" mapstructure:"sample_size" validate:"omitempty,min=2,max=1024"`
	EvaluateEvery   int     `yaml:"evaluate_every" mapstructure:"evaluate_every" validate:"omitempty,min=1"`
	MaxMeanInterval string  `yaml:"max_mean_interval" mapstructure:"max_mean_interval" validate:"omitempty,duration"`
	UniformCV       float64 `yaml:"uniform_cv" mapstructure:"uniform_cv" validate:"omitempty,gt=0"`
	SequentialRun   int     `yaml:"sequential_run" mapstructure:"sequential_run" validate:"omitempty,min=2"`
}

// EventsConfig configures event delivery.
type EventsConfig struct {
	// Output is "stdout", "stderr", "none" or "file:///absolute/dir" for
	// rotating JSON-lines files.
	Output string `yaml:"output" mapstructure:"output" validate:"required,event_output"`

	// RetentionDays and MaxFileSizeMB apply to file output.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`

	RedisStream RedisStreamConfig `yaml:"redis_stream" mapstructure:"redis_stream"`

	// RecentSize is the number of events kept in memory for /v1/events/recent.
	RecentSize int `yaml:"recent_size" mapstructure:"recent_size" validate:"omitempty,min=1"`

	ChannelSize   int    `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`
	BatchSize     int    `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long Emit waits on a full channel. "0" drops immediately.
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`

	// WarningThreshold is the channel fill percentage (0-100) that logs a warning.
	WarningThreshold int `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"min=0,max=100"`
}

// RedisStreamConfig mirrors events into a redis stream on the primary client.
type RedisStreamConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Stream  string `yaml:"stream" mapstructure:"stream"`
	MaxLen  int64  `yaml:"max_len" mapstructure:"max_len" validate:"min=0"`
}

// TelemetryConfig configures OpenTelemetry export to stdout.
type TelemetryConfig struct {
	Tracing         bool   `yaml:"tracing" mapstructure:"tracing"`
	Metrics         bool   `yaml:"metrics" mapstructure:"metrics"`
	MetricsInterval string `yaml:"metrics_interval" mapstructure:"metrics_interval" validate:"omitempty,duration"`
}

// SetDevDefaults applies development defaults. They run before validation so
// a bare `quotaguard serve --dev` starts without a config file.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.Store.Primary.Backend == "" {
		c.Store.Primary.Backend = "memory"
	}
	if c.Server.LogLevel == "" || c.Server.LogLevel == "info" {
		c.Server.LogLevel = "debug"
	}
	if !viper.IsSet("abuse.patterns.enabled") {
		c.Abuse.Patterns.Enabled = true
	}
}

// SetDefaults applies default values where a field is unset.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}
	if c.Server.AdminTier == "" {
		c.Server.AdminTier = "admin"
	}

	// Store defaults
	if c.Store.Primary.Timeout == "" {
		c.Store.Primary.Timeout = "3ms"
	}
	if len(c.Store.Primary.Redis.Addrs) == 0 {
		c.Store.Primary.Redis.Addrs = []string{"127.0.0.1:6379"}
	}
	if c.Store.Primary.Redis.PoolSize == 0 {
		c.Store.Primary.Redis.PoolSize = 64
	}
	if c.Store.Primary.Redis.KeyPrefix == "" {
		c.Store.Primary.Redis.KeyPrefix = "qg"
	}
	if c.Store.Primary.Redis.DialTimeout == "" {
		c.Store.Primary.Redis.DialTimeout = "1s"
	}
	if c.Store.Fallback.Driver == "" {
		c.Store.Fallback.Driver = "sqlite"
	}
	if c.Store.Fallback.Timeout == "" {
		c.Store.Fallback.Timeout = "25ms"
	}
	if c.Store.Fallback.MaxOpenConns == 0 {
		c.Store.Fallback.MaxOpenConns = 16
	}
	if c.Store.Fallback.SweepInterval == "" {
		c.Store.Fallback.SweepInterval = "1m"
	}
	if c.Store.ProbeInterval == "" {
		c.Store.ProbeInterval = "1s"
	}

	// Abuse defaults
	if c.Abuse.ShortBlockThreshold == 0 {
		c.Abuse.ShortBlockThreshold = 3
	}
	if c.Abuse.LongBlockThreshold == 0 {
		c.Abuse.LongBlockThreshold = 6
	}
	if c.Abuse.ShortBlock == "" {
		c.Abuse.ShortBlock = "1m"
	}
	if c.Abuse.LongBlock == "" {
		c.Abuse.LongBlock = "15m"
	}
	if c.Abuse.ObservationWindow == "" {
		c.Abuse.ObservationWindow = "1h"
	}
	if c.Abuse.CleanPeriod == "" {
		c.Abuse.CleanPeriod = "24h"
	}
	if c.Abuse.ManualReviewCycles == 0 {
		c.Abuse.ManualReviewCycles = 3
	}
	if c.Abuse.Patterns.SampleSize == 0 {
		c.Abuse.Patterns.SampleSize = 32
	}
	if c.Abuse.Patterns.EvaluateEvery == 0 {
		c.Abuse.Patterns.EvaluateEvery = 8
	}
	if c.Abuse.Patterns.MaxMeanInterval == "" {
		c.Abuse.Patterns.MaxMeanInterval = "1s"
	}
	if c.Abuse.Patterns.UniformCV == 0 {
		c.Abuse.Patterns.UniformCV = 0.05
	}
	if c.Abuse.Patterns.SequentialRun == 0 {
		c.Abuse.Patterns.SequentialRun = 16
	}

	// Event defaults
	if c.Events.Output == "" {
		c.Events.Output = "stdout"
	}
	if c.Events.RetentionDays == 0 {
		c.Events.RetentionDays = 7
	}
	if c.Events.MaxFileSizeMB == 0 {
		c.Events.MaxFileSizeMB = 100
	}
	if c.Events.RedisStream.Stream == "" {
		c.Events.RedisStream.Stream = "quotaguard:events"
	}
	if c.Events.RedisStream.MaxLen == 0 {
		c.Events.RedisStream.MaxLen = 100000
	}
	if c.Events.RecentSize == 0 {
		c.Events.RecentSize = 1000
	}
	if c.Events.ChannelSize == 0 {
		c.Events.ChannelSize = 1000
	}
	if c.Events.BatchSize == 0 {
		c.Events.BatchSize = 100
	}
	if c.Events.FlushInterval == "" {
		c.Events.FlushInterval = "1s"
	}
	if c.Events.SendTimeout == "" {
		c.Events.SendTimeout = "1ms"
	}
	if !viper.IsSet("events.warning_threshold") && c.Events.WarningThreshold == 0 {
		c.Events.WarningThreshold = 80
	}

	if c.Telemetry.MetricsInterval == "" {
		c.Telemetry.MetricsInterval = "60s"
	}
}

// Duration parses a validated duration field. Unparseable or empty values
// yield fallback; Validate rejects those before this is reached.
func Duration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
