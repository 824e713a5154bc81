// Package config loads the dispatch-proxy configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Sternrassler/reqdispatch/pkg/logging"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DISPATCH_"

type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Cache  CacheConfig  `yaml:"cache"`
	Redis  RedisConfig  `yaml:"redis"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Address         string        `yaml:"address"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type ClientConfig struct {
	UserAgent    string        `yaml:"userAgent"`
	PoolSize     int           `yaml:"poolSize"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	RateLimit    bool          `yaml:"rateLimit"`
	ServeStale   bool          `yaml:"serveStale"`
	PageWorkers  int           `yaml:"pageWorkers"`
	AllowedHosts []string      `yaml:"allowedHosts"`
}

type CacheConfig struct {
	// Dir selects the SQLite disk cache. Empty keeps entries in memory.
	Dir           string `yaml:"dir"`
	MaxBytes      int64  `yaml:"maxBytes"`
	MemoryEntries int    `yaml:"memoryEntries"`
}

type RedisConfig struct {
	// Address enables the Redis cache and shared error budget when set.
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			UserAgent:   "reqdispatch-proxy/0.1",
			PoolSize:    4,
			Timeout:     30 * time.Second,
			MaxAttempts: 3,
			RateLimit:   true,
			PageWorkers: 4,
		},
		Cache: CacheConfig{
			MaxBytes:      5 * 1024 * 1024,
			MemoryEntries: 1000,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (cfg *Config) Validate() error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Client.UserAgent == "" {
		return fmt.Errorf("client.userAgent is required")
	}
	if cfg.Client.PoolSize < 1 {
		return fmt.Errorf("client.poolSize must be >= 1 (got %d)", cfg.Client.PoolSize)
	}
	if cfg.Client.MaxAttempts < 1 {
		return fmt.Errorf("client.maxAttempts must be >= 1 (got %d)", cfg.Client.MaxAttempts)
	}
	if cfg.Client.PageWorkers < 1 {
		return fmt.Errorf("client.pageWorkers must be >= 1 (got %d)", cfg.Client.PageWorkers)
	}
	if cfg.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache.maxBytes must be >= 0 (got %d)", cfg.Cache.MaxBytes)
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// LogLevel returns the validated log level.
func (cfg *Config) LogLevel() logging.LogLevel {
	level, _ := logging.ParseLevel(cfg.Log.Level)
	return level
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides fields from DISPATCH_* variables.
func (cfg *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = b
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("ADDRESS", &cfg.Server.Address)
	str("USER_AGENT", &cfg.Client.UserAgent)
	str("CACHE_DIR", &cfg.Cache.Dir)
	str("REDIS_ADDR", &cfg.Redis.Address)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("LOG_LEVEL", &cfg.Log.Level)

	for _, err := range []error{
		integer("POOL_SIZE", &cfg.Client.PoolSize),
		integer("MAX_ATTEMPTS", &cfg.Client.MaxAttempts),
		integer("REDIS_DB", &cfg.Redis.DB),
		boolean("RATE_LIMIT", &cfg.Client.RateLimit),
		boolean("SERVE_STALE", &cfg.Client.ServeStale),
		boolean("LOG_PRETTY", &cfg.Log.Pretty),
		duration("TIMEOUT", &cfg.Client.Timeout),
		duration("REQUEST_TIMEOUT", &cfg.Server.RequestTimeout),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}
