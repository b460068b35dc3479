package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config must be valid, got: %v", err)
	}
	if err := validBaseConfig().Validate(); err != nil {
		t.Fatalf("base config must be valid, got: %v", err)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"ws messages per second must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
		{"pong timeout must exceed ping interval", func(c *Config) {
			c.Signal.PingInterval = time.Minute
			c.Signal.PongTimeout = time.Second
		}},
		{"signal url must be a websocket url", func(c *Config) { c.Signal.URL = "localhost:8081" }},
		{"ice server scheme", func(c *Config) {
			c.WebRTC.ICEServers = []ICEServer{{URLs: []string{"http://stun.example.org"}}}
		}},
		{"ice server without urls", func(c *Config) { c.WebRTC.ICEServers = []ICEServer{{}} }},
		{"port range inverted", func(c *Config) {
			c.WebRTC.PortRange.Min = 50000
			c.WebRTC.PortRange.Max = 40000
		}},
		{"liveness threshold must be > 0", func(c *Config) { c.Call.LivenessThreshold = 0 }},
		{"negotiation timeout must be >= 0", func(c *Config) { c.Call.NegotiationTimeout = -time.Second }},
		{"nothing requested", func(c *Config) {
			c.Media.Audio.Request = false
			c.Media.Video.Request = false
		}},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"redis address when enabled", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"tracing sample rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("expected default server address, got %s", cfg.Server.Address)
	}
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
signal:
  address: ":9001"
call:
  liveness_threshold: 2s
webrtc:
  ice_servers:
    - urls: ["stun:stun.example.org:3478"]
logging:
  level: debug
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TELECONSULT_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Signal.Address != ":9001" {
		t.Errorf("expected signal address :9001, got %s", cfg.Signal.Address)
	}
	if cfg.Call.LivenessThreshold != 2*time.Second {
		t.Errorf("expected liveness threshold 2s, got %s", cfg.Call.LivenessThreshold)
	}
	if len(cfg.WebRTC.ICEServers) != 1 || cfg.WebRTC.ICEServers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Errorf("unexpected ice servers: %+v", cfg.WebRTC.ICEServers)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected env override warn, got %s", cfg.Logging.Level)
	}
	if cfg.Call.JoinTimeout != 10*time.Second {
		t.Errorf("expected default join timeout to survive, got %s", cfg.Call.JoinTimeout)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestRelays(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.Relays(); len(got) != 1 || got[0] != cfg.Signal.URL {
		t.Errorf("expected single relay %s, got %v", cfg.Signal.URL, got)
	}

	cfg.Signal.RelayURLs = []string{"ws://a/ws", "ws://b/ws"}
	if got := cfg.Relays(); len(got) != 2 || got[1] != "ws://b/ws" {
		t.Errorf("expected configured relays, got %v", got)
	}
}
