package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got error: %v", err)
	}
	if cfg.Messaging.MaxEncodedSize != 960 || cfg.Messaging.BytesPerSecond != 5700 {
		t.Errorf("unexpected messaging defaults: %+v", cfg.Messaging)
	}
	if cfg.Messaging.ParamsRetryAttempts != 3 || cfg.Messaging.ParamsRetryDelay != 100*time.Millisecond {
		t.Errorf("unexpected params retry defaults: %+v", cfg.Messaging)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "unknown default provider",
			mutate: func(c *Config) { c.Providers.Default = "vonage" },
		},
		{
			name:   "frame ceiling must be > 0",
			mutate: func(c *Config) { c.Messaging.MaxEncodedSize = 0 },
		},
		{
			name:   "pacing rate must be > 0",
			mutate: func(c *Config) { c.Messaging.BytesPerSecond = -1 },
		},
		{
			name: "redis address required when enabled",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Address = ""
			},
		},
		{
			name: "jwt secret required when auth enabled",
			mutate: func(c *Config) {
				c.Auth.Enabled = true
				c.Auth.JWTSecret = ""
			},
		},
		{
			name: "rate limiting burst",
			mutate: func(c *Config) {
				c.RateLimiting.Enabled = true
				c.RateLimiting.Burst = 0
			},
		},
		{
			name: "port range order",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 50000
				c.WebRTC.PortRange.Max = 40000
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "avatarlink.yaml")
	yaml := []byte("providers:\n  default: livekit\nmessaging:\n  max_encoded_size: 1200\n")
	if err := os.WriteFile(path, yaml, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AVATARLINK_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Providers.Default != "livekit" {
		t.Errorf("expected provider livekit, got %s", cfg.Providers.Default)
	}
	if cfg.Messaging.MaxEncodedSize != 1200 {
		t.Errorf("expected max_encoded_size 1200, got %d", cfg.Messaging.MaxEncodedSize)
	}
	if cfg.Messaging.BytesPerSecond != 5700 {
		t.Errorf("defaults must survive partial files, got %d", cfg.Messaging.BytesPerSecond)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected env override for log level, got %s", cfg.Logging.Level)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("unexpected address %s", cfg.Server.Address)
	}
}
