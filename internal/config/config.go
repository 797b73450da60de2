// Package config loads swcache process configuration from SWCACHE_* variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration for cmd/swcache.
type Config struct {
	// Origin is the application origin the layer serves, e.g. https://app.example.
	Origin string `env:"SWCACHE_ORIGIN"`
	// Upstream is where the network fetches go; defaults to Origin.
	Upstream string `env:"SWCACHE_UPSTREAM"`
	Listen   string `env:"SWCACHE_LISTEN" envDefault:":8080"`

	Provider   string `env:"SWCACHE_PROVIDER"    envDefault:"bolt"`
	DataPath   string `env:"SWCACHE_DATA_PATH"   envDefault:"swcache.db"`
	MemoryTier string `env:"SWCACHE_MEMORY_TIER" envDefault:"ristretto"`
	MemoryMB   int    `env:"SWCACHE_MEMORY_MB"   envDefault:"64"`
	Codec      string `env:"SWCACHE_CODEC"       envDefault:"cbor"`

	EntryTTL     time.Duration `env:"SWCACHE_ENTRY_TTL"`
	MaxBodyBytes int64         `env:"SWCACHE_MAX_BODY_BYTES" envDefault:"10485760"`
	APIPrefix    string        `env:"SWCACHE_API_PREFIX"     envDefault:"/api/"`
	APITimeout   time.Duration `env:"SWCACHE_API_TIMEOUT"    envDefault:"10s"`
	LateWrite    time.Duration `env:"SWCACHE_LATE_WRITE"     envDefault:"1m"`

	// Version and Manifest describe the build installed at startup.
	Version  string   `env:"SWCACHE_VERSION"`
	Manifest []string `env:"SWCACHE_MANIFEST" envSeparator:","`

	Scheduler   string `env:"SWCACHE_SCHEDULER"    envDefault:"memory"`
	RedisAddr   string `env:"SWCACHE_REDIS_ADDR"   envDefault:"localhost:6379"`
	RedisDB     int    `env:"SWCACHE_REDIS_DB"`
	SyncRetries int    `env:"SWCACHE_SYNC_RETRIES" envDefault:"5"`

	Log      string `env:"SWCACHE_LOG"       envDefault:"zerolog"`
	LogLevel string `env:"SWCACHE_LOG_LEVEL" envDefault:"info"`

	OTelEndpoint string `env:"SWCACHE_OTEL_ENDPOINT"`
	ServiceName  string `env:"SWCACHE_SERVICE_NAME" envDefault:"swcache"`

	ShutdownTimeout time.Duration `env:"SWCACHE_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

var (
	providers   = []string{"bolt", "sqlite", "redis", "memory"}
	memoryTiers = []string{"ristretto", "bigcache", "none"}
	codecs      = []string{"cbor", "msgpack", "json", "proto"}
	schedulers  = []string{"memory", "asynq", "none"}
	logs        = []string{"zerolog", "zap", "logrus", "slog"}
	levels      = []string{"debug", "info", "warn", "error"}
)

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerations and the origin, and fills Upstream.
func (c *Config) Validate() error {
	var errs []error
	if c.Origin == "" {
		errs = append(errs, errors.New("SWCACHE_ORIGIN is required"))
	} else if err := absolute(c.Origin); err != nil {
		errs = append(errs, fmt.Errorf("SWCACHE_ORIGIN: %w", err))
	}
	if c.Upstream == "" {
		c.Upstream = c.Origin
	} else if err := absolute(c.Upstream); err != nil {
		errs = append(errs, fmt.Errorf("SWCACHE_UPSTREAM: %w", err))
	}

	errs = append(errs,
		oneOf("SWCACHE_PROVIDER", c.Provider, providers),
		oneOf("SWCACHE_MEMORY_TIER", c.MemoryTier, memoryTiers),
		oneOf("SWCACHE_CODEC", c.Codec, codecs),
		oneOf("SWCACHE_SCHEDULER", c.Scheduler, schedulers),
		oneOf("SWCACHE_LOG", c.Log, logs),
		oneOf("SWCACHE_LOG_LEVEL", c.LogLevel, levels),
	)

	if (c.Provider == "bolt" || c.Provider == "sqlite") && strings.TrimSpace(c.DataPath) == "" {
		errs = append(errs, fmt.Errorf("SWCACHE_DATA_PATH is required for provider %s", c.Provider))
	}
	if c.MemoryTier != "none" && c.MemoryMB <= 0 {
		errs = append(errs, errors.New("SWCACHE_MEMORY_MB must be positive"))
	}
	if c.Version != "" && strings.ContainsAny(c.Version, ": \t\n") {
		errs = append(errs, fmt.Errorf("SWCACHE_VERSION %q: must not contain ':' or whitespace", c.Version))
	}
	if c.Version == "" && len(c.Manifest) > 0 {
		errs = append(errs, errors.New("SWCACHE_MANIFEST set without SWCACHE_VERSION"))
	}
	for _, p := range c.Manifest {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("SWCACHE_MANIFEST entry %q: must be an absolute path", p))
		}
	}
	if c.APITimeout <= 0 {
		errs = append(errs, errors.New("SWCACHE_API_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs SWCACHE_REDIS_ADDR.
func (c Config) UsesRedis() bool {
	return c.Provider == "redis" || c.Scheduler == "asynq"
}

func oneOf(name, v string, allowed []string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s %q: want one of %s", name, v, strings.Join(allowed, ", "))
}

func absolute(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q: want http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
