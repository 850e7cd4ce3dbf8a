// Package config loads the controldeck YAML configuration and applies
// CONTROLDECK_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/controldeck/shield"
)

// Config holds all controldeck configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Limits   LimitsConfig   `yaml:"limits"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Auth     AuthConfig     `yaml:"auth"`
	Client   ClientConfig   `yaml:"client"`
	LogLevel string         `yaml:"log_level"`
}

// ServerConfig is the network surface.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ServerID     string        `yaml:"server_id"`
	ServerName   string        `yaml:"server_name"`
	TLS          bool          `yaml:"tls"`
	WSPath       string        `yaml:"ws_path"`
	ReadLimit    int64         `yaml:"read_limit"`
	AllowOrigins []string      `yaml:"allow_origins"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// StorageConfig selects where state lives.
type StorageConfig struct {
	DBPath          string        `yaml:"db_path"`
	ProfilesBackend string        `yaml:"profiles_backend"` // sqlite or dir
	ProfilesDir     string        `yaml:"profiles_dir"`
	AuditRetention  time.Duration `yaml:"audit_retention"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// RuleConfig is one rate-limit rule.
type RuleConfig struct {
	Max     int           `yaml:"max"`
	Window  time.Duration `yaml:"window"`
	Enabled *bool         `yaml:"enabled"`
}

// Rule converts to the limiter's rule. Enabled defaults to true.
func (r RuleConfig) Rule() shield.Rule {
	enabled := r.Enabled == nil || *r.Enabled
	return shield.Rule{Max: r.Max, Window: r.Window, Enabled: enabled}
}

// LimitsConfig holds per-scope rules and the per-connection frame cap.
type LimitsConfig struct {
	Rules            map[string]RuleConfig `yaml:"rules"`
	ConnectionMax    int                   `yaml:"connection_max"`
	ConnectionWindow time.Duration         `yaml:"connection_window"`
}

// DispatchConfig sizes the action queue.
type DispatchConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
}

// AuthConfig configures device tokens, pairing and the handshake.
type AuthConfig struct {
	Required        bool          `yaml:"required"`
	JWTSecret       string        `yaml:"jwt_secret"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	StaticToken     string        `yaml:"static_token"`
	HandshakeSecret string        `yaml:"handshake_secret"`
	PairingTTL      time.Duration `yaml:"pairing_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ClientConfig is used by deckctl.
type ClientConfig struct {
	URL               string        `yaml:"url"`
	Token             string        `yaml:"token"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	MaxAttempts       int           `yaml:"max_attempts"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
}

func (c *Config) defaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":4455"
	}
	if c.Server.ServerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "controldeck"
		}
		c.Server.ServerID = host
	}
	if c.Server.ServerName == "" {
		c.Server.ServerName = "Control Deck"
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}
	if c.Server.ReadLimit <= 0 {
		c.Server.ReadLimit = 64 * 1024
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 5 * time.Second
	}
	if c.Server.ShutdownWait <= 0 {
		c.Server.ShutdownWait = 10 * time.Second
	}

	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "controldeck.db"
	}
	if c.Storage.ProfilesBackend == "" {
		c.Storage.ProfilesBackend = "sqlite"
	}
	if c.Storage.ProfilesDir == "" {
		c.Storage.ProfilesDir = "profiles"
	}
	if c.Storage.AuditRetention <= 0 {
		c.Storage.AuditRetention = 30 * 24 * time.Hour
	}
	if c.Storage.MetricsInterval <= 0 {
		c.Storage.MetricsInterval = time.Minute
	}

	if c.Limits.ConnectionMax <= 0 {
		c.Limits.ConnectionMax = 15
	}
	if c.Limits.ConnectionWindow <= 0 {
		c.Limits.ConnectionWindow = time.Second
	}

	if c.Dispatch.MaxConcurrent <= 0 {
		c.Dispatch.MaxConcurrent = 5
	}
	if c.Dispatch.Timeout <= 0 {
		c.Dispatch.Timeout = 30 * time.Second
	}

	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Auth.PairingTTL <= 0 {
		c.Auth.PairingTTL = 5 * time.Minute
	}
	if c.Auth.CleanupInterval <= 0 {
		c.Auth.CleanupInterval = time.Hour
	}

	if c.Client.URL == "" {
		c.Client.URL = "ws://127.0.0.1:4455/ws"
	}
	if c.Client.HeartbeatInterval <= 0 {
		c.Client.HeartbeatInterval = 15 * time.Second
	}
	if c.Client.BaseDelay <= 0 {
		c.Client.BaseDelay = time.Second
	}
	if c.Client.MaxDelay <= 0 {
		c.Client.MaxDelay = 30 * time.Second
	}
	if c.Client.MaxAttempts <= 0 {
		c.Client.MaxAttempts = 6
	}
	if c.Client.AckTimeout <= 0 {
		c.Client.AckTimeout = 5 * time.Second
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) validate() error {
	switch c.Storage.ProfilesBackend {
	case "sqlite", "dir":
	default:
		return fmt.Errorf("config: storage.profiles_backend: unknown backend %q", c.Storage.ProfilesBackend)
	}
	for scope, r := range c.Limits.Rules {
		if r.Max <= 0 || r.Window <= 0 {
			return fmt.Errorf("config: limits.rules.%s: max and window must be positive", scope)
		}
	}
	return nil
}

// Environment overrides, applied after the file.
const (
	EnvAddr            = "CONTROLDECK_ADDR"
	EnvDB              = "CONTROLDECK_DB"
	EnvToken           = "CONTROLDECK_TOKEN"
	EnvHandshakeSecret = "CONTROLDECK_HANDSHAKE_SECRET"
	EnvJWTSecret       = "CONTROLDECK_JWT_SECRET"
	EnvLogLevel        = "CONTROLDECK_LOG_LEVEL"
	EnvAuthRequired    = "CONTROLDECK_AUTH_REQUIRED"
)

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(EnvAddr, &c.Server.Addr)
	set(EnvDB, &c.Storage.DBPath)
	set(EnvToken, &c.Auth.StaticToken)
	set(EnvHandshakeSecret, &c.Auth.HandshakeSecret)
	set(EnvJWTSecret, &c.Auth.JWTSecret)
	set(EnvLogLevel, &c.LogLevel)
	if v := getenv(EnvAuthRequired); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvAuthRequired, err)
		}
		c.Auth.Required = b
	}
	return nil
}

// Parse decodes YAML, applies env overrides from getenv (nil for none),
// then defaults.
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if getenv != nil {
		if err := cfg.applyEnv(getenv); err != nil {
			return nil, err
		}
	}
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path (an empty path means no file) and applies the process
// environment.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		data = b
	}
	return Parse(data, os.Getenv)
}
