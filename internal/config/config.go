// Package config handles hub configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the top-level hub configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Hub     HubConfig     `json:"hub,omitempty"`
	Storage StorageConfig `json:"storage,omitempty"`
	Logging LoggingConfig `json:"logging,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8000"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS and WS origins; default ["*"]
}

// HubConfig defines message-hub behavior.
type HubConfig struct {
	ProbeInterval   Duration `json:"probe_interval,omitempty"`    // frontend liveness probe period; default 30s
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max WebSocket message size; default 64KB
}

// StorageConfig defines event-log database settings.
type StorageConfig struct {
	Driver    string   `json:"driver,omitempty"`    // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn,omitempty"`       // e.g. "relayhub.db" or ":memory:"
	Retention Duration `json:"retention,omitempty"` // event retention window
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration. Strings are parsed with
// time.ParseDuration; bare numbers are taken as seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.Hub.ProbeInterval.Duration < 0 {
		return fmt.Errorf("hub.probe_interval must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Hub.ProbeInterval.Duration == 0 {
		c.Hub.ProbeInterval.Duration = 30 * time.Second
	}
	if c.Hub.MaxMessageBytes == 0 {
		c.Hub.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "relayhub.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}

// Default returns a configuration with all defaults applied, suitable
// for `relayhub init`.
func Default() *Config {
	cfg := &Config{Server: ServerConfig{Addr: ":8000"}}
	cfg.applyDefaults()
	return cfg
}
