package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Gateway.MinProtocol != 3 || cfg.Gateway.MaxProtocol != 3 {
		t.Errorf("protocol range = [%d,%d], want [3,3]", cfg.Gateway.MinProtocol, cfg.Gateway.MaxProtocol)
	}
	if cfg.Gateway.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout = %s, want 10s", cfg.Gateway.HandshakeTimeout)
	}
	if cfg.Gateway.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %s, want 30s", cfg.Gateway.RequestTimeout)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
	if !cfg.Gateway.Reconnect.Enabled {
		t.Error("reconnect should default to enabled")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load("/tmp/nonexistent-clawdeck-config-12345.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL == "" {
		t.Error("expected default gateway URL")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
gateway:
  url: "ws://gw.local:18789/ws"
  token: "secret"
  display_name: "deck-1"
  scopes: ["chat", "health"]
  request_timeout: 5s
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.URL != "ws://gw.local:18789/ws" {
		t.Errorf("URL = %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.Token != "secret" {
		t.Errorf("Token = %q", cfg.Gateway.Token)
	}
	if cfg.Gateway.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %s, want 5s", cfg.Gateway.RequestTimeout)
	}
	if got := cfg.Gateway.Scopes; len(got) != 2 || got[0] != "chat" {
		t.Errorf("Scopes = %v", got)
	}
	// Unset sections keep defaults.
	if cfg.Gateway.MinProtocol != 3 {
		t.Errorf("MinProtocol = %d, want default 3", cfg.Gateway.MinProtocol)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLAWDECK_GATEWAY_URL", "ws://env.example/ws")
	t.Setenv("CLAWDECK_GATEWAY_TOKEN", "env-token")
	t.Setenv("CLAWDECK_REQUEST_TIMEOUT", "12s")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Gateway.URL != "ws://env.example/ws" {
		t.Errorf("URL = %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.Token != "env-token" {
		t.Errorf("Token = %q", cfg.Gateway.Token)
	}
	if cfg.Gateway.RequestTimeout != 12*time.Second {
		t.Errorf("RequestTimeout = %s", cfg.Gateway.RequestTimeout)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty url", func(c *Config) { c.Gateway.URL = "" }},
		{"inverted protocol range", func(c *Config) { c.Gateway.MinProtocol = 5 }},
		{"zero handshake timeout", func(c *Config) { c.Gateway.HandshakeTimeout = 0 }},
		{"bad logger format", func(c *Config) { c.Logger.Format = "xml" }},
		{"reconnect max below base", func(c *Config) { c.Gateway.Reconnect.MaxDelay = time.Millisecond }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("gateway:\n  url: ws://x/ws\n"), 0666); err != nil {
		t.Fatal(err)
	}
	// WriteFile's mode is subject to umask; force the 0666 mode the test needs.
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected permission error for 0666 config")
	}
}
