// Package config loads the server configuration from defaults, an optional
// YAML file and RELEASE_EDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "RELEASE_EDGE"

// Config is the root configuration.
type Config struct {
	Environment string        `mapstructure:"environment" validate:"required,oneof=dev staging prod e2e-tests"`
	Server      ServerConfig  `mapstructure:"server"`
	Storage     StorageConfig `mapstructure:"storage"`
	Origin      OriginConfig  `mapstructure:"origin"`
	Listing     ListingConfig `mapstructure:"listing"`
	Data        DataConfig    `mapstructure:"data"`
	Cache       CacheConfig   `mapstructure:"cache"`
	Tasks       TasksConfig   `mapstructure:"tasks"`
	Purge       PurgeConfig   `mapstructure:"purge"`
	Log         LogConfig     `mapstructure:"log"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address         string        `mapstructure:"address" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`

	// InternalToken, when set, is required as a bearer token on the
	// /_edge/metrics endpoint.
	InternalToken string `mapstructure:"internal_token"`
}

// StorageConfig describes the S3-compatible bucket.
type StorageConfig struct {
	Bucket           string        `mapstructure:"bucket" validate:"required"`
	Endpoint         string        `mapstructure:"endpoint" validate:"omitempty,url"`
	Region           string        `mapstructure:"region" validate:"required"`
	AccessKeyID      string        `mapstructure:"access_key_id" validate:"required_with=SecretAccessKey"`
	SecretAccessKey  string        `mapstructure:"secret_access_key" validate:"required_with=AccessKeyID"`
	UsePathStyle     bool          `mapstructure:"use_path_style"`
	MaxKeys          int32         `mapstructure:"max_keys" validate:"min=1,max=1000"`
	RetryLimit       int           `mapstructure:"retry_limit" validate:"min=1,max=10"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" validate:"min=0"`
	Coalesce         bool          `mapstructure:"coalesce"`
}

// OriginConfig points at the secondary origin used on failover.
type OriginConfig struct {
	Host string `mapstructure:"host" validate:"omitempty,url"`
}

// ListingConfig controls directory listings.
type ListingConfig struct {
	Mode string `mapstructure:"mode" validate:"required,oneof=on restricted off"`

	// CachePath is the bbolt file holding precomputed listings. Empty
	// disables the listing cache.
	CachePath string `mapstructure:"cache_path"`
}

// DataConfig locates the precomputed alias and latest version files, and the
// optional secrets template rendered by the credentials package.
type DataConfig struct {
	AliasesFile        string `mapstructure:"aliases_file"`
	LatestVersionsFile string `mapstructure:"latest_versions_file"`
	CredentialsFile    string `mapstructure:"credentials_file"`
}

// CacheConfig controls the in-process edge cache.
type CacheConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxEntries    int           `mapstructure:"max_entries" validate:"min=1"`
	TTL           time.Duration `mapstructure:"ttl" validate:"min=0"`
	MaxEntryBytes int64         `mapstructure:"max_entry_bytes" validate:"min=1"`
}

// TasksConfig sizes the background task scheduler.
type TasksConfig struct {
	Concurrency int           `mapstructure:"concurrency" validate:"min=1"`
	Timeout     time.Duration `mapstructure:"timeout" validate:"min=0"`
}

// PurgeConfig secures the cache purge endpoint.
type PurgeConfig struct {
	APIKey    string  `mapstructure:"api_key"`
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"min=0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
}

// MetricsConfig holds telemetry configuration.
type MetricsConfig struct {
	Prometheus    bool          `mapstructure:"prometheus"`
	OTLPEndpoint  string        `mapstructure:"otlp_endpoint"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"min=0"`
}

// DetailedErrors reports whether 500 responses may carry error messages.
func (c *Config) DetailedErrors() bool {
	return c.Environment == "dev" || c.Environment == "e2e-tests"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "prod")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.internal_token", "")

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.region", "auto")
	v.SetDefault("storage.access_key_id", "")
	v.SetDefault("storage.secret_access_key", "")
	v.SetDefault("storage.use_path_style", false)
	v.SetDefault("storage.max_keys", 1000)
	v.SetDefault("storage.retry_limit", 5)
	v.SetDefault("storage.operation_timeout", 10*time.Second)
	v.SetDefault("storage.coalesce", true)

	v.SetDefault("origin.host", "")

	v.SetDefault("listing.mode", "on")
	v.SetDefault("listing.cache_path", "")

	v.SetDefault("data.aliases_file", "")
	v.SetDefault("data.latest_versions_file", "")
	v.SetDefault("data.credentials_file", "")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_entries", 10_000)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.max_entry_bytes", 8<<20)

	v.SetDefault("tasks.concurrency", 32)
	v.SetDefault("tasks.timeout", 30*time.Second)

	v.SetDefault("purge.api_key", "")
	v.SetDefault("purge.rate_limit", 1.0)
	v.SetDefault("purge.rate_burst", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.prometheus", true)
	v.SetDefault("metrics.otlp_endpoint", "")
	v.SetDefault("metrics.flush_interval", 30*time.Second)
}

// Load reads the configuration. Precedence, highest first: overrides,
// environment, configFile, defaults. An empty configFile looks for
// release-edge.yaml in the working directory and skips it when absent.
// Overrides are keyed by dotted viper keys such as "server.address"; nil
// values are ignored. Hooks run in order after decoding and before
// validation, which lets callers fill in secrets resolved elsewhere.
func Load(configFile string, overrides map[string]any, hooks ...func(*Config) error) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("release-edge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range overrides {
		if value != nil {
			v.Set(key, value)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	for _, hook := range hooks {
		if err := hook(&cfg); err != nil {
			return nil, err
		}
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
