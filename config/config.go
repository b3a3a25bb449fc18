// Package config provides the configuration system for ingesthub:
// defaults, functional options, YAML file loading and environment
// overrides, with fail-fast validation that enumerates every problem.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kart-io/ingesthub/security"
)

// ServerConfig holds the coordinator and endpoint settings.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	// UnixSocketPath enables the Unix socket endpoint when set.
	UnixSocketPath string `json:"unix_socket_path" yaml:"unix_socket_path"`
	// WatchDir enables the file watcher endpoint when set.
	WatchDir string `json:"watch_dir" yaml:"watch_dir"`
	// ShutdownGrace bounds graceful shutdown before forced teardown.
	ShutdownGrace time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
	// WSMaxMessageBytes caps a single WebSocket message.
	WSMaxMessageBytes int64 `json:"ws_max_message_bytes" yaml:"ws_max_message_bytes"`
	// WSPingInterval drives the keepalive; a connection missing a pong
	// for one interval is dropped.
	WSPingInterval time.Duration `json:"ws_ping_interval" yaml:"ws_ping_interval"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Path is the SQLite database path; ":memory:" for ephemeral use.
	Path string `json:"path" yaml:"path"`
}

// RedisConfig selects the shared rate-limit store. Disabled means the
// in-process store, which is only correct for a single instance.
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// TelemetryConfig configures the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	ServiceName    string  `json:"service_name" yaml:"service_name"`
	ServiceVersion string  `json:"service_version" yaml:"service_version"`
	Environment    string  `json:"environment" yaml:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate"`
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string `json:"level" yaml:"level"`
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Security  security.Config `json:"security" yaml:"security"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Logger    LoggerConfig    `json:"logger" yaml:"logger"`
}

// Option defines a functional option for configuration.
type Option func(*Config) error

// New creates a configuration from defaults, then options, then
// validates it. A configuration error is fatal by design: the service
// never starts partially configured.
func New(opts ...Option) (*Config, error) {
	cfg := Default()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8090,
			ShutdownGrace:     5 * time.Second,
			WSMaxMessageBytes: 256 * 1024,
			WSPingInterval:    30 * time.Second,
		},
		Security: security.DefaultConfig(),
		Storage:  StorageConfig{Path: "ingesthub.db"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Telemetry: TelemetryConfig{
			ServiceName:    "ingesthub",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			OTLPEndpoint:   "http://localhost:4318",
			SampleRate:     1.0,
		},
		Logger: LoggerConfig{Level: "info"},
	}
}

// WithFile loads a YAML configuration file over the defaults.
func WithFile(path string) Option {
	return func(cfg *Config) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv applies INGESTION_* / SECURITY_* environment overrides.
func WithEnv() Option {
	return func(cfg *Config) error {
		return cfg.loadEnv()
	}
}

// WithPort overrides the HTTP/WebSocket port.
func WithPort(port int) Option {
	return func(cfg *Config) error {
		cfg.Server.Port = port
		return nil
	}
}

// WithWatchDir enables the file watcher endpoint.
func WithWatchDir(dir string) Option {
	return func(cfg *Config) error {
		cfg.Server.WatchDir = dir
		return nil
	}
}

// WithUnixSocket enables the Unix socket endpoint.
func WithUnixSocket(path string) Option {
	return func(cfg *Config) error {
		cfg.Server.UnixSocketPath = path
		return nil
	}
}

// Validate checks the whole configuration and returns a single error
// enumerating every problem found.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownGrace <= 0 {
		problems = append(problems, "server.shutdown_grace must be positive")
	}
	if c.Server.WSMaxMessageBytes <= 0 {
		problems = append(problems, "server.ws_max_message_bytes must be positive")
	}
	if c.Server.WSPingInterval <= 0 {
		problems = append(problems, "server.ws_ping_interval must be positive")
	}

	if c.Security.RateLimit.Window <= 0 {
		problems = append(problems, "security.rate_limit.window must be positive")
	}
	for _, pair := range []struct {
		name  string
		value int
	}{
		{"per_ip", c.Security.RateLimit.PerIP},
		{"per_key", c.Security.RateLimit.PerKey},
		{"per_endpoint", c.Security.RateLimit.PerEndpoint},
		{"per_connection", c.Security.RateLimit.PerConnection},
	} {
		if pair.value < 0 {
			problems = append(problems, fmt.Sprintf("security.rate_limit.%s cannot be negative", pair.name))
		}
	}

	if c.Security.Payload.MaxBytes <= 0 {
		problems = append(problems, "security.payload.max_bytes must be positive")
	}
	if (c.Security.Transport.TLSCertFile == "") != (c.Security.Transport.TLSKeyFile == "") {
		problems = append(problems, "security.transport: tls_cert_file and tls_key_file must be set together")
	}
	if c.Security.Audit.RetentionDays < 0 {
		problems = append(problems, "security.audit.retention_days cannot be negative")
	}

	if c.Storage.Path == "" {
		problems = append(problems, "storage.path cannot be empty")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		problems = append(problems, "redis.addr required when redis is enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		problems = append(problems, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration (%d problems):\n  - %s",
			len(problems), strings.Join(problems, "\n  - "))
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
