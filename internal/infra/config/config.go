// Package config loads and validates clawdeck configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Gateway GatewayConfig  `yaml:"gateway"`
	Chat    ChatConfig     `yaml:"chat"`
	Poller  *PollerConfig  `yaml:"poller,omitempty"`
	Journal *JournalConfig `yaml:"journal,omitempty"`
	Logger  LoggerConfig   `yaml:"logger"`
	Tracer  TracerConfig   `yaml:"tracer"`
}

// GatewayConfig holds connection and handshake settings for the gateway socket.
type GatewayConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	MinProtocol int `yaml:"min_protocol"`
	MaxProtocol int `yaml:"max_protocol"`

	ClientID    string   `yaml:"client_id"`
	DisplayName string   `yaml:"display_name"`
	Platform    string   `yaml:"platform"`
	Mode        string   `yaml:"mode"`
	Role        string   `yaml:"role"`
	Caps        []string `yaml:"caps"`
	Scopes      []string `yaml:"scopes"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	// Client-side throttle for outgoing requests; 0 disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	RequestBurst      int     `yaml:"request_burst"`
}

// ReconnectConfig tunes the exponential backoff ladder.
type ReconnectConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// ChatConfig holds streaming chat settings.
type ChatConfig struct {
	SessionKey   string        `yaml:"session_key"` // empty = generated per process
	SendTimeout  time.Duration `yaml:"send_timeout"`
	HistoryLimit int           `yaml:"history_limit"`
}

// PollerConfig schedules recurring health/status polls.
type PollerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// JournalConfig controls the local event journal.
type JournalConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"`
	KeepLast int    `yaml:"keep_last"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sane defaults applied.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:              "ws://127.0.0.1:18789/ws",
			MinProtocol:      3,
			MaxProtocol:      3,
			DisplayName:      "clawdeck",
			Platform:         "go",
			Mode:             "headless",
			Role:             "operator",
			Caps:             []string{"chat", "events"},
			Scopes:           []string{"chat", "cron", "health", "logs"},
			HandshakeTimeout: 10 * time.Second,
			RequestTimeout:   30 * time.Second,
			Reconnect: ReconnectConfig{
				Enabled:   true,
				BaseDelay: time.Second,
				MaxDelay:  30 * time.Second,
			},
		},
		Chat: ChatConfig{
			SendTimeout:  30 * time.Second,
			HistoryLimit: 200,
		},
		Poller: &PollerConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
		},
		Journal: &JournalConfig{
			Enabled:  true,
			Path:     "clawdeck.db",
			KeepLast: 5000,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing file
// is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps CLAWDECK_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAWDECK_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("CLAWDECK_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("CLAWDECK_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CLAWDECK_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CLAWDECK_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gateway.RequestTimeout = d
		}
	}
	if v := os.Getenv("CLAWDECK_REQUESTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Gateway.RequestsPerSecond = f
		}
	}
}

// Validate checks cross-field constraints.
func Validate(cfg *Config) error {
	if cfg.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if cfg.Gateway.MinProtocol > cfg.Gateway.MaxProtocol {
		return fmt.Errorf("gateway.min_protocol %d exceeds max_protocol %d",
			cfg.Gateway.MinProtocol, cfg.Gateway.MaxProtocol)
	}
	if cfg.Gateway.HandshakeTimeout <= 0 {
		return fmt.Errorf("gateway.handshake_timeout must be positive")
	}
	if cfg.Gateway.RequestTimeout <= 0 {
		return fmt.Errorf("gateway.request_timeout must be positive")
	}
	if r := cfg.Gateway.Reconnect; r.Enabled {
		if r.BaseDelay <= 0 || r.MaxDelay < r.BaseDelay {
			return fmt.Errorf("gateway.reconnect delays invalid: base=%s max=%s", r.BaseDelay, r.MaxDelay)
		}
	}
	if cfg.Poller != nil && cfg.Poller.Enabled && cfg.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive")
	}
	if cfg.Journal != nil && cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when journal is enabled")
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logger.format %q not supported (want text or json)", cfg.Logger.Format)
	}
	return nil
}

func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Token lives in this file. Allow 0600 and 0644.
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
