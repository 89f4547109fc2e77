// Package config loads the spawnd configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the spawnd configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Redis    RedisConfig    `yaml:"redis"`
	Store    StoreConfig    `yaml:"store"`
	Lock     LockConfig     `yaml:"lock"`
	Watch    WatchConfig    `yaml:"watch"`
	NATS     NATSConfig     `yaml:"nats"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Provider ProviderConfig `yaml:"provider"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Sweep    SweepConfig    `yaml:"sweep"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// StoreConfig selects the record backend: "memory", "redis" or "sqlite".
type StoreConfig struct {
	Driver  string        `yaml:"driver"`
	DSN     string        `yaml:"dsn,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
	Cache   CacheConfig   `yaml:"cache"`
}

type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
	Entries int64         `yaml:"entries"`
}

// LockConfig selects the keyed lock: "local" or "redis". A redis lock
// wakes waiters through Bus, which is "memory", "redis", "nats" or "kafka".
type LockConfig struct {
	Driver       string        `yaml:"driver"`
	Bus          string        `yaml:"bus"`
	TTL          time.Duration `yaml:"ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// WatchConfig selects the change feed: "memory" or "redis".
type WatchConfig struct {
	Driver string `yaml:"driver"`
}

type NATSConfig struct {
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue,omitempty"`
}

// KafkaConfig feeds transitions from Topic. Signals is the topic of the
// kafka lock bus.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic"`
	Signals string   `yaml:"signals"`
}

// ProviderConfig describes the in-process platform spawnd runs against.
type ProviderConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxPerCategory int           `yaml:"max_per_category"`
	MaxTotal       int           `yaml:"max_total"`
	Resources      []Resource    `yaml:"resources,omitempty"`
	Roles          []string      `yaml:"roles,omitempty"`
}

// Resource seeds the platform. Kind is "category", "voice" or "text".
type Resource struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Category string `yaml:"category,omitempty"`
	Kind     string `yaml:"kind"`
}

type TracingConfig struct {
	Stdout bool `yaml:"stdout"`
}

// SweepConfig drives the periodic consistency check. Mode is one of off,
// alert or autoheal.
type SweepConfig struct {
	Mode     string        `yaml:"mode"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		HTTP:  HTTPConfig{Addr: ":8080"},
		Log:   LogConfig{Level: "info", Format: "json"},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Store: StoreConfig{
			Driver:  "memory",
			Timeout: 5 * time.Second,
			Cache:   CacheConfig{TTL: 30 * time.Second, Entries: 10000},
		},
		Lock:  LockConfig{Driver: "local", Bus: "memory", TTL: 2 * time.Minute, PollInterval: 250 * time.Millisecond},
		Watch: WatchConfig{Driver: "memory"},
		NATS:  NATSConfig{Subject: "spawn.events"},
		Kafka: KafkaConfig{Topic: "spawn-events", Signals: "spawn-signals"},
		Provider: ProviderConfig{
			Timeout:        10 * time.Second,
			MaxPerCategory: 50,
			MaxTotal:       500,
		},
		Sweep: SweepConfig{Mode: "alert", Interval: 5 * time.Minute},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported value %q", field, v)
}

// Validate checks driver names and the seeded platform.
func (c *Config) Validate() error {
	if err := oneOf("store.driver", c.Store.Driver, "memory", "redis", "sqlite"); err != nil {
		return err
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn: required for sqlite")
	}
	if err := oneOf("lock.driver", c.Lock.Driver, "local", "redis"); err != nil {
		return err
	}
	if err := oneOf("lock.bus", c.Lock.Bus, "memory", "redis", "nats", "kafka"); err != nil {
		return err
	}
	if c.Lock.Bus == "kafka" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("lock.bus: kafka requires kafka.brokers")
	}
	// The cache remembers "not a pair" answers, which another node sharing
	// the store may invalidate at any time.
	if c.Store.Cache.Enabled && c.Lock.Driver == "redis" {
		return fmt.Errorf("store.cache: cannot be enabled with the distributed lock driver")
	}
	if c.Lock.Bus == "nats" && c.NATS.URL == "" {
		return fmt.Errorf("lock.bus: nats requires nats.url")
	}
	if err := oneOf("watch.driver", c.Watch.Driver, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("sweep.mode", c.Sweep.Mode, "off", "alert", "autoheal"); err != nil {
		return err
	}
	if err := oneOf("log.format", c.Log.Format, "json", "text"); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Provider.Resources))
	for _, r := range c.Provider.Resources {
		if r.ID == "" {
			return fmt.Errorf("provider.resources: resource %q without id", r.Name)
		}
		if seen[r.ID] {
			return fmt.Errorf("provider.resources: duplicate id %q", r.ID)
		}
		seen[r.ID] = true
		if err := oneOf("provider.resources["+r.ID+"].kind", r.Kind, "category", "voice", "text"); err != nil {
			return err
		}
	}
	return nil
}
