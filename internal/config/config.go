// Package config holds the service configuration: listen address, cache
// sizing, origin fetch settings and the token secret. Values come from the
// config file with environment overrides.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	homedir "github.com/mitchellh/go-homedir"
)

// Config contains all service configuration options.
type Config struct {
	// Server settings
	ListenAddr      string        `yaml:"listen_addr" env:"TUNECAST_LISTEN_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"TUNECAST_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Cache settings
	CacheDir        string        `yaml:"cache_dir" env:"TUNECAST_CACHE_DIR"`
	MaxCacheMB      int64         `yaml:"max_cache_mb" env:"TUNECAST_MAX_CACHE_MB" envDefault:"512"`
	JanitorInterval time.Duration `yaml:"janitor_interval" env:"TUNECAST_JANITOR_INTERVAL" envDefault:"10m"`
	WatchCacheDir   bool          `yaml:"watch_cache_dir" env:"TUNECAST_WATCH_CACHE_DIR" envDefault:"true"`

	// Origin fetch settings
	Bitrate        string        `yaml:"bitrate" env:"TUNECAST_BITRATE" envDefault:"192k"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" env:"TUNECAST_FETCH_TIMEOUT" envDefault:"5m"`
	FetchPerMinute int           `yaml:"fetch_per_minute" env:"TUNECAST_FETCH_PER_MINUTE" envDefault:"10"`

	// Token settings
	TokenSecret string        `yaml:"token_secret" env:"TUNECAST_TOKEN_SECRET"`
	TokenTTL    time.Duration `yaml:"token_ttl" env:"TUNECAST_TOKEN_TTL" envDefault:"1h"`

	// Metadata settings
	TrackDBPath  string `yaml:"track_db_path" env:"TUNECAST_TRACK_DB_PATH"`
	SinkWorkers  int    `yaml:"sink_workers" env:"TUNECAST_SINK_WORKERS" envDefault:"2"`
	SinkCapacity int    `yaml:"sink_capacity" env:"TUNECAST_SINK_CAPACITY" envDefault:"256"`
	SinkRetries  int    `yaml:"sink_retries" env:"TUNECAST_SINK_RETRIES" envDefault:"3"`

	// Session credentials: subject id by bearer credential. Stands in for
	// the primary session system, which lives outside this service.
	Sessions map[string]string `yaml:"sessions" env:"TUNECAST_SESSIONS"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8080",
		ShutdownTimeout: 10 * time.Second,
		MaxCacheMB:      512,
		JanitorInterval: 10 * time.Minute,
		WatchCacheDir:   true,
		Bitrate:         "192k",
		FetchTimeout:    5 * time.Minute,
		FetchPerMinute:  10,
		TokenTTL:        time.Hour,
		SinkWorkers:     2,
		SinkCapacity:    256,
		SinkRetries:     3,
	}
}

// FromEnv applies environment overrides on top of cfg.
func FromEnv(cfg Config) (Config, error) {
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid and expands home-relative
// paths in place.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}

	if c.MaxCacheMB < 0 {
		return fmt.Errorf("max_cache_mb cannot be negative, got %d", c.MaxCacheMB)
	}
	if c.JanitorInterval < 0 {
		return fmt.Errorf("janitor_interval cannot be negative, got %v", c.JanitorInterval)
	}

	if c.Bitrate == "" {
		return fmt.Errorf("bitrate cannot be empty")
	}
	if c.FetchTimeout < time.Second {
		return fmt.Errorf("fetch_timeout must be at least 1 second, got %v", c.FetchTimeout)
	}
	if c.FetchPerMinute < 0 {
		return fmt.Errorf("fetch_per_minute cannot be negative, got %d", c.FetchPerMinute)
	}

	if c.TokenTTL < time.Minute {
		return fmt.Errorf("token_ttl must be at least 1 minute, got %v", c.TokenTTL)
	}

	if c.SinkWorkers < 1 || c.SinkWorkers > 64 {
		return fmt.Errorf("sink_workers must be between 1 and 64, got %d", c.SinkWorkers)
	}
	if c.SinkCapacity < 1 {
		return fmt.Errorf("sink_capacity must be at least 1, got %d", c.SinkCapacity)
	}
	if c.SinkRetries < 0 {
		return fmt.Errorf("sink_retries cannot be negative, got %d", c.SinkRetries)
	}

	for _, p := range []*string{&c.CacheDir, &c.TrackDBPath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding path %q: %w", *p, err)
		}
		*p = expanded
	}

	return nil
}

// MaxCacheBytes is the cache budget in bytes.
func (c *Config) MaxCacheBytes() int64 {
	return c.MaxCacheMB * 1024 * 1024
}
