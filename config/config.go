package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the coordinator's environment variables,
// e.g. HUDDLE_SERVER_PORT -> server.port.
const envPrefix = "HUDDLE_"

// Config holds all coordinator configuration. Loaded once at startup and
// immutable afterwards; safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Redis    RedisConfig    `koanf:"redis"`
	JWT      JWTConfig      `koanf:"jwt"`
	Call     CallConfig     `koanf:"call"`
	Presence PresenceConfig `koanf:"presence"`
	Meeting  MeetingConfig  `koanf:"meeting"`
	Rate     RateConfig     `koanf:"rate"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	Port           string   `koanf:"port"`
	Environment    string   `koanf:"environment"`
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type RedisConfig struct {
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// Addr returns the host:port address for the Redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

type JWTConfig struct {
	Secret string        `koanf:"secret"`
	TTL    time.Duration `koanf:"ttl"`
}

type CallConfig struct {
	// RingTimeout is how long a call may stay ringing before it is
	// cancelled with reason=timeout.
	RingTimeout time.Duration `koanf:"ring_timeout"`
	// DedupeWindow is the idempotency window for repeated lifecycle
	// events on the same session.
	DedupeWindow time.Duration `koanf:"dedupe_window"`
}

type PresenceConfig struct {
	// Grace is how long a disconnected user stays online-looking before
	// the coordinator treats the disconnect as real. Absorbs transport
	// reconnects without spurious user_left notifications.
	Grace time.Duration `koanf:"grace"`
}

type MeetingConfig struct {
	TTL             time.Duration `koanf:"ttl"`
	MaxParticipants int           `koanf:"max_participants"`
}

type RateConfig struct {
	// EventsPerSecond and Burst bound inbound events per connection.
	EventsPerSecond float64 `koanf:"events_per_second"`
	Burst           int     `koanf:"burst"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:           "8080",
			Environment:    "development",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
			DB:   0,
		},
		JWT: JWTConfig{
			Secret: "change-me-in-production",
			TTL:    24 * time.Hour,
		},
		Call: CallConfig{
			RingTimeout:  45 * time.Second,
			DedupeWindow: 5 * time.Second,
		},
		Presence: PresenceConfig{
			Grace: 5 * time.Second,
		},
		Meeting: MeetingConfig{
			TTL:             24 * time.Hour,
			MaxParticipants: 16,
		},
		Rate: RateConfig{
			EventsPerSecond: 50,
			Burst:           100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from three layers, later layers winning:
// built-in defaults, an optional YAML config file, then HUDDLE_-prefixed
// environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Comma-separated origins from the environment.
	if raw := k.String("server.allowed_origins_csv"); raw != "" {
		if err := k.Set("server.allowed_origins", strings.Split(raw, ",")); err != nil {
			return nil, fmt.Errorf("failed to set allowed origins: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransform maps HUDDLE_SERVER_PORT to server.port. Only the first
// underscore becomes a separator so multi-word keys like ring_timeout
// survive the round trip.
func envTransform(s string) string {
	return strings.Replace(
		strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", 1)
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port must not be empty")
	}
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("call.ring_timeout must be positive, got %s", c.Call.RingTimeout)
	}
	if c.Call.DedupeWindow <= 0 {
		return fmt.Errorf("call.dedupe_window must be positive, got %s", c.Call.DedupeWindow)
	}
	if c.Presence.Grace < 0 {
		return fmt.Errorf("presence.grace must not be negative, got %s", c.Presence.Grace)
	}
	if c.Meeting.MaxParticipants < 2 {
		return fmt.Errorf("meeting.max_participants must be at least 2, got %d", c.Meeting.MaxParticipants)
	}
	if c.Rate.EventsPerSecond <= 0 || c.Rate.Burst <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.Server.Environment == "production" && c.JWT.Secret == "change-me-in-production" {
		return fmt.Errorf("jwt.secret must be set in production")
	}
	return nil
}

func findConfigFile() string {
	if path := os.Getenv("HUDDLE_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	for _, path := range []string{"config.yaml", "/etc/huddle/config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
