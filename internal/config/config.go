// Package config provides centralized configuration for the event bridge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the master configuration struct for the bridge process.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Bus      BusConfig      `mapstructure:"bus" yaml:"bus"`
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Fanout   FanoutConfig   `mapstructure:"fanout" yaml:"fanout"`
	DLQ      DLQConfig      `mapstructure:"dlq" yaml:"dlq"`
	Events   EventsConfig   `mapstructure:"events" yaml:"events"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	CORS     CORSConfig     `mapstructure:"cors" yaml:"cors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// BusConfig selects and tunes the event log backend.
// Backend is "memory" or "redis".
type BusConfig struct {
	Backend string      `mapstructure:"backend" yaml:"backend"`
	Memory  MemoryBus   `mapstructure:"memory" yaml:"memory"`
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// MemoryBus holds in-memory ring buffer settings.
type MemoryBus struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// RedisConfig holds Redis stream settings.
type RedisConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	StreamKey      string        `mapstructure:"stream_key" yaml:"stream_key"`
	TrimMaxEntries int64         `mapstructure:"trim_max_entries" yaml:"trim_max_entries"`
	TrimInterval   time.Duration `mapstructure:"trim_interval" yaml:"trim_interval"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// RegistryConfig selects the subscription store.
// Backend is "memory" or "postgres".
type RegistryConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend"`
	DatabaseURL string        `mapstructure:"database_url" yaml:"database_url"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl" yaml:"snapshot_ttl"`
}

// DispatchConfig tunes webhook delivery.
type DispatchConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	QueueDepth  int           `mapstructure:"queue_depth" yaml:"queue_depth"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// FanoutConfig tunes realtime stream delivery.
type FanoutConfig struct {
	RefillRate float64       `mapstructure:"refill_rate" yaml:"refill_rate"`
	Burst      int           `mapstructure:"burst" yaml:"burst"`
	QueueDepth int           `mapstructure:"queue_depth" yaml:"queue_depth"`
	Keepalive  time.Duration `mapstructure:"keepalive" yaml:"keepalive"`
}

// DLQConfig selects the dead letter store.
// Backend is "memory" or "jetstream".
type DLQConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	NatsURL string `mapstructure:"nats_url" yaml:"nats_url"`
}

// EventsConfig bounds the publish and query surface.
type EventsConfig struct {
	MaxPayloadBytes int `mapstructure:"max_payload_bytes" yaml:"max_payload_bytes"`
	ListHardCap     int `mapstructure:"list_hard_cap" yaml:"list_hard_cap"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// CORSConfig holds CORS settings for the HTTP boundary.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// Load reads configuration from the given file (or
// $EVENTBRIDGE_CONFIG_DIR/config.yaml when path is empty) and environment
// variables. A missing config file is not an error; defaults and env vars
// apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		configDir := os.Getenv("EVENTBRIDGE_CONFIG_DIR")
		if configDir == "" {
			configDir = "/etc/eventbridge"
		}
		path = filepath.Join(configDir, "config.yaml")
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("EVENTBRIDGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Bus.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown bus backend %q", c.Bus.Backend)
	}
	switch c.Registry.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
	if c.Registry.Backend == "postgres" && c.Registry.DatabaseURL == "" {
		return fmt.Errorf("registry.database_url is required for the postgres backend")
	}
	switch c.DLQ.Backend {
	case "memory", "jetstream":
	default:
		return fmt.Errorf("unknown dlq backend %q", c.DLQ.Backend)
	}
	return nil
}

// WriteDefault emits the default configuration as YAML to path. Used by
// the "config init" command.
func WriteDefault(path string) error {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to build default config: %w", err)
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("bus.backend", "memory")
	v.SetDefault("bus.memory.capacity", 10000)
	v.SetDefault("bus.redis.url", "redis://localhost:6379/0")
	v.SetDefault("bus.redis.stream_key", "eventbridge:events")
	v.SetDefault("bus.redis.trim_max_entries", 10000)
	v.SetDefault("bus.redis.trim_interval", "30s")
	v.SetDefault("bus.redis.poll_interval", "2s")

	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.database_url", "")
	v.SetDefault("registry.snapshot_ttl", "2s")

	v.SetDefault("dispatch.timeout", "10s")
	v.SetDefault("dispatch.queue_depth", 1024)
	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.base_delay", "500ms")
	v.SetDefault("dispatch.max_delay", "30s")

	v.SetDefault("fanout.refill_rate", 100.0)
	v.SetDefault("fanout.burst", 200)
	v.SetDefault("fanout.queue_depth", 256)
	v.SetDefault("fanout.keepalive", "20s")

	v.SetDefault("dlq.backend", "memory")
	v.SetDefault("dlq.nats_url", "nats://localhost:4222")

	v.SetDefault("events.max_payload_bytes", 262144)
	v.SetDefault("events.list_hard_cap", 1000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("cors.allowed_origins", []string{"*"})
}
