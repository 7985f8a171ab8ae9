// Package config provides configuration loading for the console client.
// Values come from hardcoded defaults, an optional YAML config file, and
// CONSOLE_-prefixed environment variables, in increasing precedence.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	DefaultServerURL            = "ws://127.0.0.1:8080/ws"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultStorePath            = "console.db"
	DefaultPermissionTimeout    = "60s"
	DefaultSubscriptionWindow   = 20
	DefaultReconnectMinBackoff  = "500ms"
	DefaultReconnectMaxBackoff  = "30s"
	DefaultWriteTimeout         = "10s"
	DefaultPingInterval         = "30s"
	DefaultReadBufferSize       = 4096
	DefaultWriteBufferSize      = 4096
	DefaultHistoryFetchLimit    = 200
)

type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Log           LogConfig           `koanf:"log"`
	Store         StoreConfig         `koanf:"store"`
	Approval      ApprovalConfig      `koanf:"approval"`
	Subscriptions SubscriptionsConfig `koanf:"subscriptions"`
	Transport     TransportConfig     `koanf:"transport"`
}

type ServerConfig struct {
	// URL is the websocket endpoint of the console server.
	URL string `koanf:"url"`
	// Token is an opaque bearer token forwarded on dial. The client does
	// not interpret it; handshake auth is the server's concern.
	Token string `koanf:"token"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text, or pretty
}

type StoreConfig struct {
	// Path is the SQLite database holding approval policies and thread
	// metadata snapshots.
	Path string `koanf:"path"`
}

type ApprovalConfig struct {
	// PermissionTimeout bounds how long an ACP tool-permission request
	// may stay pending before it is auto-cancelled.
	PermissionTimeout string `koanf:"permission_timeout"`
}

type SubscriptionsConfig struct {
	// WindowSize is the number of top visible threads kept live-updated.
	WindowSize int `koanf:"window_size"`
}

type TransportConfig struct {
	ReadBufferSize      int    `koanf:"read_buffer_size"`
	WriteBufferSize     int    `koanf:"write_buffer_size"`
	ReconnectMinBackoff string `koanf:"reconnect_min_backoff"`
	ReconnectMaxBackoff string `koanf:"reconnect_max_backoff"`
	WriteTimeout        string `koanf:"write_timeout"`
	PingInterval        string `koanf:"ping_interval"`
	HistoryFetchLimit   int    `koanf:"history_fetch_limit"`
}

// Load reads configuration from defaults, an optional YAML file, and the
// environment. configPath may be empty, in which case only an existing
// ~/.agent-console/config.yaml is considered.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.url":                      DefaultServerURL,
		"log.level":                       DefaultLogLevel,
		"log.format":                      DefaultLogFormat,
		"store.path":                      DefaultStorePath,
		"approval.permission_timeout":     DefaultPermissionTimeout,
		"subscriptions.window_size":       DefaultSubscriptionWindow,
		"transport.read_buffer_size":      DefaultReadBufferSize,
		"transport.write_buffer_size":     DefaultWriteBufferSize,
		"transport.reconnect_min_backoff": DefaultReconnectMinBackoff,
		"transport.reconnect_max_backoff": DefaultReconnectMaxBackoff,
		"transport.write_timeout":         DefaultWriteTimeout,
		"transport.ping_interval":         DefaultPingInterval,
		"transport.history_fetch_limit":   DefaultHistoryFetchLimit,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		globalPath := filepath.Join(home, ".agent-console", "config.yaml")
		if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
			slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
		}
	}

	// Only the first underscore separates section from key, so
	// CONSOLE_APPROVAL_PERMISSION_TIMEOUT maps to approval.permission_timeout.
	k.Load(env.Provider("CONSOLE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CONSOLE_")), "_", ".", 1)
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("invalid server.url %q: %w", c.Server.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url must use ws or wss scheme, got %q", u.Scheme)
	}
	if c.Subscriptions.WindowSize <= 0 {
		return fmt.Errorf("subscriptions.window_size must be positive, got %d", c.Subscriptions.WindowSize)
	}
	for name, value := range map[string]string{
		"approval.permission_timeout":     c.Approval.PermissionTimeout,
		"transport.reconnect_min_backoff": c.Transport.ReconnectMinBackoff,
		"transport.reconnect_max_backoff": c.Transport.ReconnectMaxBackoff,
		"transport.write_timeout":         c.Transport.WriteTimeout,
		"transport.ping_interval":         c.Transport.PingInterval,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}
	return nil
}

// PermissionTimeout returns the parsed ACP approval deadline.
func (c *Config) PermissionTimeout() time.Duration {
	return mustDuration(c.Approval.PermissionTimeout, DefaultPermissionTimeout)
}

// ReconnectMinBackoff returns the parsed initial reconnect delay.
func (c *Config) ReconnectMinBackoff() time.Duration {
	return mustDuration(c.Transport.ReconnectMinBackoff, DefaultReconnectMinBackoff)
}

// ReconnectMaxBackoff returns the parsed reconnect delay ceiling.
func (c *Config) ReconnectMaxBackoff() time.Duration {
	return mustDuration(c.Transport.ReconnectMaxBackoff, DefaultReconnectMaxBackoff)
}

// WriteTimeout returns the parsed per-send websocket write deadline.
func (c *Config) WriteTimeout() time.Duration {
	return mustDuration(c.Transport.WriteTimeout, DefaultWriteTimeout)
}

// PingInterval returns the parsed websocket keepalive interval.
func (c *Config) PingInterval() time.Duration {
	return mustDuration(c.Transport.PingInterval, DefaultPingInterval)
}

// mustDuration parses value, falling back to def. Both are validated at
// load time, so a parse failure here means a programming error.
func mustDuration(value, def string) time.Duration {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = def
	}
	d, err := time.ParseDuration(candidate)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}
