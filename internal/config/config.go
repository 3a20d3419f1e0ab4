// Package config loads the server configuration from an optional YAML file
// with environment overrides on top. Every field has a usable default, so
// an empty environment starts a working instance against a local PMS.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	StaticDir       string   `yaml:"static_dir"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// PMSConfig points at the property-management system.
type PMSConfig struct {
	BaseURL    string   `yaml:"base_url"`
	Timeout    Duration `yaml:"timeout"`
	DefaultTTL Duration `yaml:"default_ttl"`
}

// RedisConfig configures the shared Redis instance. Empty URL disables
// Redis; the offline store then runs on LevelDB and quota gating is off.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// CacheConfig tunes the in-memory query cache.
type CacheConfig struct {
	StaleAfter    Duration `yaml:"stale_after"`
	EvictAfter    Duration `yaml:"evict_after"`
	MaxEntries    int      `yaml:"max_entries"`
	PrefetchDelay Duration `yaml:"prefetch_delay"`
}

// OfflineConfig tunes the persistent offline cache.
type OfflineConfig struct {
	Path      string   `yaml:"path"`
	APITTL    Duration `yaml:"api_ttl"`
	StaticTTL Duration `yaml:"static_ttl"`
	ImageTTL  Duration `yaml:"image_ttl"`
}

// ChannelConfig tunes the invalidation channel.
type ChannelConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	PMS     PMSConfig     `yaml:"pms"`
	Redis   RedisConfig   `yaml:"redis"`
	Cache   CacheConfig   `yaml:"cache"`
	Offline OfflineConfig `yaml:"offline"`
	Channel ChannelConfig `yaml:"channel"`
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			StaticDir:       "./static",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		PMS: PMSConfig{
			BaseURL:    "http://localhost:9000",
			Timeout:    Duration(10 * time.Second),
			DefaultTTL: Duration(10 * time.Minute),
		},
		Cache: CacheConfig{
			StaleAfter:    Duration(2 * time.Minute),
			EvictAfter:    Duration(15 * time.Minute),
			MaxEntries:    256,
			PrefetchDelay: Duration(150 * time.Millisecond),
		},
		Offline: OfflineConfig{
			Path:      "./data/offline",
			APITTL:    Duration(5 * time.Minute),
			StaticTTL: Duration(24 * time.Hour),
			ImageTTL:  Duration(7 * 24 * time.Hour),
		},
		Channel: ChannelConfig{
			HeartbeatInterval: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// $AVAILD_CONFIG when path is empty; a missing file is not an error), then
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("AVAILD_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PMS_BASE_URL"); v != "" {
		cfg.PMS.BaseURL = v
	}
	if v := os.Getenv("AVAILD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AVAILD_OFFLINE_PATH"); v != "" {
		cfg.Offline.Path = v
	}
	if v := os.Getenv("AVAILD_STATIC_DIR"); v != "" {
		cfg.Server.StaticDir = v
	}
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.PMS.BaseURL == "" {
		return fmt.Errorf("pms.base_url must not be empty")
	}
	if c.Cache.StaleAfter >= c.Cache.EvictAfter {
		return fmt.Errorf("cache.stale_after (%s) must be below cache.evict_after (%s)",
			c.Cache.StaleAfter.Std(), c.Cache.EvictAfter.Std())
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if c.Offline.APITTL.Std() <= 0 {
		return fmt.Errorf("offline.api_ttl must be positive")
	}
	if c.Channel.HeartbeatInterval.Std() <= 0 {
		return fmt.Errorf("channel.heartbeat_interval must be positive")
	}
	return nil
}
