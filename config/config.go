// Package config loads server settings from defaults, an optional config
// file and WALLET_* environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	HTTP  HTTPConfig
	Store StoreConfig
	Redis RedisConfig
	Log   LogConfig
	Seed  SeedConfig
	Audit AuditConfig
}

type HTTPConfig struct {
	Addr           string
	RequestTimeout time.Duration
	AllowedOrigins []string
}

type StoreConfig struct {
	Driver      string
	SQLitePath  string
	PostgresURL string
	MaxConns    int32
}

// RedisConfig is disabled when Addr is empty.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	ReplayTTL time.Duration
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type LogConfig struct {
	Level  string
	Format string
}

type SeedConfig struct {
	Demo bool
}

// AuditConfig is disabled when Interval is zero.
type AuditConfig struct {
	Interval time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.request_timeout", 30*time.Second)
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", "wallet.db")
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("store.max_conns", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.replay_ttl", 24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("seed.demo", false)

	v.SetDefault("audit.interval", time.Hour)
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WALLET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:           v.GetString("http.addr"),
			RequestTimeout: v.GetDuration("http.request_timeout"),
			AllowedOrigins: v.GetStringSlice("http.allowed_origins"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(v.GetString("store.driver")),
			SQLitePath:  v.GetString("store.sqlite_path"),
			PostgresURL: v.GetString("store.postgres_url"),
			MaxConns:    v.GetInt32("store.max_conns"),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("redis.addr"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			ReplayTTL: v.GetDuration("redis.replay_ttl"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Seed: SeedConfig{
			Demo: v.GetBool("seed.demo"),
		},
		Audit: AuditConfig{
			Interval: v.GetDuration("audit.interval"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required for the postgres driver")
		}
		if c.Store.MaxConns < 1 {
			return fmt.Errorf("store.max_conns must be positive, got %d", c.Store.MaxConns)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q (want sqlite, postgres or memory)", c.Store.Driver)
	}
	if c.HTTP.RequestTimeout <= 0 {
		return fmt.Errorf("http.request_timeout must be positive, got %s", c.HTTP.RequestTimeout)
	}
	if c.Redis.Enabled() && c.Redis.ReplayTTL <= 0 {
		return fmt.Errorf("redis.replay_ttl must be positive, got %s", c.Redis.ReplayTTL)
	}
	if c.Audit.Interval < 0 {
		return fmt.Errorf("audit.interval must not be negative, got %s", c.Audit.Interval)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// NewLogger builds the process logger from the log section.
func NewLogger(c LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.Format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log.format %q (want json or text)", c.Format)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", s, err)
	}
	return level, nil
}
