package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for quotaguard.yaml/.yml in standard locations.
// The search requires an explicit YAML extension so the binary itself never matches.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No search paths: ReadInConfig returns ConfigFileNotFoundError.
		viper.SetConfigName("quotaguard")
		viper.SetConfigType("yaml")
	}

	// QUOTAGUARD_STORE_PRIMARY_REDIS_PASSWORD -> store.primary.redis.password
	viper.SetEnvPrefix("QUOTAGUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	return findConfigFileInPaths([]string{
		".",
		filepath.Join(home, ".quotaguard"),
		"/etc/quotaguard",
	})
}

// findConfigFileInPaths returns the first quotaguard.yaml or .yml found in paths.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "quotaguard"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// envKeys are the scalar keys that can be overridden from the environment.
// AutomaticEnv only sees keys viper already knows about, so nested keys
// absent from the file must be bound explicitly.
var envKeys = []string{
	"server.http_addr",
	"server.log_level",
	"server.log_format",
	"server.shutdown_timeout",
	"server.admin_tier",
	"server.trusted_proxies",

	"policy.file",
	"policy.watch",

	"store.primary.backend",
	"store.primary.timeout",
	"store.primary.redis.addrs",
	"store.primary.redis.username",
	"store.primary.redis.password",
	"store.primary.redis.db",
	"store.primary.redis.pool_size",
	"store.primary.redis.key_prefix",
	"store.fallback.enabled",
	"store.fallback.driver",
	"store.fallback.dsn",
	"store.fallback.timeout",
	"store.fallback.auto_migrate",
	"store.probe_interval",

	"abuse.short_block_threshold",
	"abuse.long_block_threshold",
	"abuse.short_block",
	"abuse.long_block",
	"abuse.patterns.enabled",

	"events.output",
	"events.redis_stream.enabled",
	"events.redis_stream.stream",
	"events.channel_size",
	"events.send_timeout",

	"telemetry.tracing",
	"telemetry.metrics",

	"dev_mode",
}

func bindNestedEnvKeys() {
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides,
// defaults, dev defaults and validation.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration and applies defaults but neither dev
// defaults nor validation. Callers apply CLI overrides such as --dev and then
// call SetDevDefaults and Validate themselves.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Environment-only configuration.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the loaded config file path, or "" in env-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
