// Package config loads gateway configuration from YAML files and the
// environment. Precedence: explicit flags > environment (UNITRACK_ prefix)
// > config file > built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the process-wide gateway configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Crypto      CryptoConfig      `mapstructure:"crypto"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig holds settings for the two HTTP tool surfaces.
type ServerConfig struct {
	ToolsAddr         string        `mapstructure:"tools_addr"`
	QueryAddr         string        `mapstructure:"query_addr"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	DSN              string        `mapstructure:"dsn"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

// RedisConfig holds shared counter store settings. When Addr is empty the
// rate limiter falls back to its in-process implementation.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimitConfig holds fixed-window limiter defaults.
type RateLimitConfig struct {
	Window  time.Duration `mapstructure:"window"`
	Ceiling int           `mapstructure:"ceiling"`
}

// IdempotencyConfig holds idempotency record lifecycle settings.
type IdempotencyConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepSchedule string        `mapstructure:"sweep_schedule"` // cron spec
}

// CryptoConfig holds the master key material for credential encryption.
type CryptoConfig struct {
	MasterKey string `mapstructure:"master_key"`
}

// TelemetryConfig controls the OTel trace pipeline.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Stdout       bool   `mapstructure:"stdout"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.tools_addr", ":8055")
	v.SetDefault("server.query_addr", ":8056")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.heartbeat_interval", 30*time.Second)
	v.SetDefault("server.max_body_bytes", int64(1<<20))

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.statement_timeout", 30*time.Second)

	v.SetDefault("redis.db", 0)

	v.SetDefault("rate_limit.window", 60*time.Second)
	v.SetDefault("rate_limit.ceiling", 100)

	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("idempotency.sweep_schedule", "@every 10m")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "unitrack")

	v.SetDefault("log.level", "info")
}

// Load reads configuration from the given file path (optional) plus the
// environment. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("UNITRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch re-reads the config file on change and invokes onChange with the new
// configuration. Invalid edits are reported through onError and the previous
// configuration stays active.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	if path == "" {
		return fmt.Errorf("config watch requires a file path")
	}
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			onError(fmt.Errorf("reload config: %w", err))
			return
		}
		if err := cfg.Validate(); err != nil {
			onError(fmt.Errorf("reload config: %w", err))
			return
		}
		onChange(&cfg)
	})
	v.WatchConfig()
	return nil
}

// Validate checks cross-field constraints that viper cannot express.
func (c *Config) Validate() error {
	if c.RateLimit.Window < time.Second {
		return fmt.Errorf("rate_limit.window must be at least 1s (got %s)", c.RateLimit.Window)
	}
	if c.RateLimit.Ceiling < 1 {
		return fmt.Errorf("rate_limit.ceiling must be positive (got %d)", c.RateLimit.Ceiling)
	}
	if c.Idempotency.TTL < time.Minute {
		return fmt.Errorf("idempotency.ttl must be at least 1m (got %s)", c.Idempotency.TTL)
	}
	if c.Server.ToolsAddr == c.Server.QueryAddr {
		return fmt.Errorf("tools and query surfaces cannot share address %s", c.Server.ToolsAddr)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	return nil
}
