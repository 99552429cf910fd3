// Package config loads the exchange engine configuration from YAML with
// environment overrides for deployment secrets and endpoints.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ktex/exchange-engine/internal/fixed"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the full runtime configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Auth       AuthConfig       `yaml:"auth"`
	Admins     []string         `yaml:"admins"`
	Limits     LimitsConfig     `yaml:"limits"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Assets     []AssetConfig    `yaml:"assets"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string   `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the log level and an optional rotated log file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// StoreConfig selects persistence. An empty PostgresURL means in-memory.
type StoreConfig struct {
	PostgresURL string   `yaml:"postgres_url"`
	RedisURL    string   `yaml:"redis_url"`
	CacheTTL    Duration `yaml:"cache_ttl"`
	Migrate     bool     `yaml:"migrate"`
}

// OracleConfig selects the price source. An empty URL means the
// in-process oracle seeded with Prices.
type OracleConfig struct {
	URL     string        `yaml:"url"`
	Timeout Duration      `yaml:"timeout"`
	Recency Duration      `yaml:"recency"`
	Prices  []PriceConfig `yaml:"prices"`
}

// PriceConfig seeds the in-process oracle.
type PriceConfig struct {
	AssetID    string `yaml:"asset_id"`
	Multiplier string `yaml:"multiplier"`
	Decimals   uint8  `yaml:"decimals"`
}

// TransferConfig selects the asset transfer service. An empty URL means
// the in-process bank.
type TransferConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	Issuer    string   `yaml:"issuer"`
	ClockSkew Duration `yaml:"clock_skew"`
}

// LimitsConfig caps exposure. Empty or "0" means unlimited.
type LimitsConfig struct {
	MaxHolder string            `yaml:"max_holder"`
	MaxSupply string            `yaml:"max_supply"`
	MaxPool   string            `yaml:"max_pool"`
	Pools     map[string]string `yaml:"pools"`
}

// ReconcilerConfig controls the stale operation sweep.
type ReconcilerConfig struct {
	Interval   Duration `yaml:"interval"`
	StaleAfter Duration `yaml:"stale_after"`
}

// RateLimitConfig is the per-client request budget.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// AssetConfig is an asset registered at startup when absent.
type AssetConfig struct {
	AssetID  string `yaml:"asset_id"`
	Decimals uint8  `yaml:"decimals"`
	Disabled bool   `yaml:"disabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     Duration{10 * time.Second},
			WriteTimeout:    Duration{10 * time.Second},
			IdleTimeout:     Duration{60 * time.Second},
			RequestTimeout:  Duration{30 * time.Second},
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Log:      LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Store:    StoreConfig{CacheTTL: Duration{30 * time.Second}, Migrate: true},
		Oracle:   OracleConfig{Timeout: Duration{5 * time.Second}, Recency: Duration{90 * time.Second}},
		Transfer: TransferConfig{Timeout: Duration{10 * time.Second}},
		Auth:     AuthConfig{Issuer: "ktex", ClockSkew: Duration{time.Minute}},
		Reconciler: ReconcilerConfig{
			Interval:   Duration{30 * time.Second},
			StaleAfter: Duration{5 * time.Minute},
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 600, Burst: 50},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Port, "PORT")
	set(&c.Store.PostgresURL, "DATABASE_URL")
	set(&c.Store.RedisURL, "REDIS_URL")
	set(&c.Oracle.URL, "ORACLE_URL")
	set(&c.Transfer.URL, "TRANSFER_URL")
	set(&c.Auth.JWTSecret, "JWT_SECRET")
	set(&c.Log.Level, "LOG_LEVEL")
	if v := getenv("ADMINS"); v != "" {
		c.Admins = nil
		for _, acc := range strings.Split(v, ",") {
			if acc = strings.TrimSpace(acc); acc != "" {
				c.Admins = append(c.Admins, acc)
			}
		}
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret (or JWT_SECRET) is required"))
	}
	if c.Reconciler.Interval.Duration <= 0 {
		errs = append(errs, errors.New("reconciler.interval must be positive"))
	}
	if c.Reconciler.StaleAfter.Duration <= 0 {
		errs = append(errs, errors.New("reconciler.stale_after must be positive"))
	}
	// An operation younger than a full quote plus transfer round trip may
	// still be in flight.
	if inFlight := c.Oracle.Timeout.Duration + c.Transfer.Timeout.Duration; c.Reconciler.StaleAfter.Duration > 0 && c.Reconciler.StaleAfter.Duration <= inFlight {
		errs = append(errs, fmt.Errorf("reconciler.stale_after (%s) must exceed oracle.timeout + transfer.timeout (%s)",
			c.Reconciler.StaleAfter.Duration, inFlight))
	}
	if c.Oracle.URL == "" && c.Oracle.Recency.Duration <= 0 {
		errs = append(errs, errors.New("oracle.recency must be positive for the in-process oracle"))
	}
	for _, lim := range []struct{ name, value string }{
		{"limits.max_holder", c.Limits.MaxHolder},
		{"limits.max_supply", c.Limits.MaxSupply},
		{"limits.max_pool", c.Limits.MaxPool},
	} {
		if _, err := ParseAmount(lim.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", lim.name, err))
		}
	}
	for id, v := range c.Limits.Pools {
		if _, err := ParseAmount(v); err != nil {
			errs = append(errs, fmt.Errorf("limits.pools.%s: %w", id, err))
		}
	}
	for _, p := range c.Oracle.Prices {
		if _, err := fixed.Parse(p.Multiplier); err != nil {
			errs = append(errs, fmt.Errorf("oracle.prices.%s: %w", p.AssetID, err))
		}
	}
	return errors.Join(errs...)
}

// ParseAmount parses an optional integer amount; empty is zero.
func ParseAmount(s string) (fixed.Uint, error) {
	if strings.TrimSpace(s) == "" {
		return fixed.Zero, nil
	}
	return fixed.Parse(s)
}
