package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("server.port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Call.RingTimeout != 45*time.Second {
		t.Errorf("call.ring_timeout = %s, want 45s", cfg.Call.RingTimeout)
	}
	if cfg.Call.DedupeWindow != 5*time.Second {
		t.Errorf("call.dedupe_window = %s, want 5s", cfg.Call.DedupeWindow)
	}
	if cfg.Presence.Grace != 5*time.Second {
		t.Errorf("presence.grace = %s, want 5s", cfg.Presence.Grace)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HUDDLE_SERVER_PORT", "9090")
	t.Setenv("HUDDLE_CALL_RING_TIMEOUT", "30s")
	t.Setenv("HUDDLE_SERVER_ALLOWED_ORIGINS_CSV", "https://a.example,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("server.port = %q, want 9090", cfg.Server.Port)
	}
	if cfg.Call.RingTimeout != 30*time.Second {
		t.Errorf("call.ring_timeout = %s, want 30s", cfg.Call.RingTimeout)
	}
	origins := cfg.Server.AllowedOrigins
	if len(origins) != 2 || origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		t.Errorf("server.allowed_origins = %v, want the two CSV origins", origins)
	}
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"HUDDLE_SERVER_PORT", "server.port"},
		{"HUDDLE_CALL_RING_TIMEOUT", "call.ring_timeout"},
		{"HUDDLE_REDIS_DB", "redis.db"},
		{"HUDDLE_MEETING_MAX_PARTICIPANTS", "meeting.max_participants"},
	}
	for _, tt := range tests {
		if got := envTransform(tt.in); got != tt.want {
			t.Errorf("envTransform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(c *Config) {}, false},
		{"empty port", func(c *Config) { c.Server.Port = "" }, true},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeout = 0 }, true},
		{"negative grace", func(c *Config) { c.Presence.Grace = -time.Second }, true},
		{"one-person meetings", func(c *Config) { c.Meeting.MaxParticipants = 1 }, true},
		{"zero rate limit", func(c *Config) { c.Rate.EventsPerSecond = 0 }, true},
		{"default secret in production", func(c *Config) { c.Server.Environment = "production" }, true},
		{"real secret in production", func(c *Config) {
			c.Server.Environment = "production"
			c.JWT.Secret = "s3cret"
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
