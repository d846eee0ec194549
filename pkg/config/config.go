// Package config loads the engine configuration from a YAML file and
// MCP_ENGINE_* environment variables.
package config

import (
	"fmt"
	"io"
	"time"

	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/observability"
	"github.com/ajitpratap0/mcp-engine-go/pkg/router"
	"github.com/ajitpratap0/mcp-engine-go/pkg/server"
	"github.com/ajitpratap0/mcp-engine-go/pkg/session"
	"github.com/ajitpratap0/mcp-engine-go/pkg/transport"
)

// Config is the top-level engine configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// ServerConfig identifies the engine in handshake results
type ServerConfig struct {
	Name         string        `mapstructure:"name" yaml:"name" validate:"required"`
	Version      string        `mapstructure:"version" yaml:"version"`
	Instructions string        `mapstructure:"instructions" yaml:"instructions"`
	CallTimeout  time.Duration `mapstructure:"call_timeout" yaml:"call_timeout" validate:"gte=0"`
	// RateLimitPerMinute caps capability calls per session; 0 disables
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute" validate:"gte=0"`
	RateLimitBurst     int `mapstructure:"rate_limit_burst" yaml:"rate_limit_burst" validate:"gte=0"`
}

// TransportConfig selects and tunes the transport
type TransportConfig struct {
	Type           string        `mapstructure:"type" yaml:"type" validate:"required,transport_type"`
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
	Path           string        `mapstructure:"path" yaml:"path" validate:"omitempty,startswith=/"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	PingInterval   time.Duration `mapstructure:"ping_interval" yaml:"ping_interval" validate:"gte=0"`
	MaxMessageSize int64         `mapstructure:"max_message_size" yaml:"max_message_size" validate:"gt=0"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// SessionConfig bounds the session store
type SessionConfig struct {
	MaxSessions   int           `mapstructure:"max_sessions" yaml:"max_sessions" validate:"gte=0"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
	IdleAfter     time.Duration `mapstructure:"idle_after" yaml:"idle_after" validate:"gte=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" validate:"gt=0"`
}

// LoggingConfig selects level and output format
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

// MetricsConfig controls the Prometheus scrape endpoint
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr      string `mapstructure:"addr" yaml:"addr" validate:"required_if=Enabled true,omitempty,hostname_port"`
	Path      string `mapstructure:"path" yaml:"path" validate:"omitempty,startswith=/"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// TracingConfig controls OpenTelemetry export
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter    string  `mapstructure:"exporter" yaml:"exporter" validate:"oneof=otlp-grpc otlp-http noop"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`
	// SampleRate of 0 is treated as unset; disable tracing with Enabled
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`
	Environment string  `mapstructure:"environment" yaml:"environment"`
}

// SetDefaults fills every unset field. Transport defaults depend on the
// selected type, so Type is resolved first.
func (c *Config) SetDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "mcp-engine"
	}
	if c.Server.Version == "" {
		c.Server.Version = "dev"
	}

	if c.Transport.Type == "" {
		c.Transport.Type = string(transport.TransportTypeStdio)
	}
	td := transport.DefaultTransportConfig(transport.TransportType(c.Transport.Type))
	if c.Transport.Host == "" {
		c.Transport.Host = td.Host
	}
	if c.Transport.Port == 0 {
		c.Transport.Port = td.Port
	}
	if c.Transport.Path == "" {
		c.Transport.Path = td.Path
	}
	if c.Transport.ReadTimeout == 0 {
		c.Transport.ReadTimeout = td.ReadTimeout
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = td.WriteTimeout
	}
	if c.Transport.PingInterval == 0 {
		c.Transport.PingInterval = td.PingInterval
	}
	if c.Transport.MaxMessageSize == 0 {
		c.Transport.MaxMessageSize = td.MaxMessageSize
	}
	if len(c.Transport.AllowedOrigins) == 0 {
		c.Transport.AllowedOrigins = td.AllowedOrigins
	}

	sd := session.DefaultConfig()
	if c.Session.MaxSessions == 0 {
		c.Session.MaxSessions = sd.MaxSessions
	}
	if c.Session.Timeout == 0 {
		c.Session.Timeout = sd.SessionTimeout
	}
	if c.Session.IdleAfter == 0 {
		c.Session.IdleAfter = sd.IdleAfter
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = sd.SweepInterval
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = string(observability.ExporterTypeNoop)
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
}

// TransportConfig converts the transport section
func (c *Config) TransportConfig() transport.TransportConfig {
	return transport.TransportConfig{
		Type:           transport.TransportType(c.Transport.Type),
		Host:           c.Transport.Host,
		Port:           c.Transport.Port,
		Path:           c.Transport.Path,
		ReadTimeout:    c.Transport.ReadTimeout,
		WriteTimeout:   c.Transport.WriteTimeout,
		PingInterval:   c.Transport.PingInterval,
		MaxMessageSize: c.Transport.MaxMessageSize,
		AllowedOrigins: c.Transport.AllowedOrigins,
	}
}

// SessionConfig converts the session section
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		MaxSessions:    c.Session.MaxSessions,
		SessionTimeout: c.Session.Timeout,
		IdleAfter:      c.Session.IdleAfter,
		SweepInterval:  c.Session.SweepInterval,
	}
}

// ServerConfig assembles the server configuration
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Name:         c.Server.Name,
		Version:      c.Server.Version,
		Instructions: c.Server.Instructions,
		Transport:    c.TransportConfig(),
		Session:      c.SessionConfig(),
		CallTimeout:  c.Server.CallTimeout,
		RateLimit: router.RateLimitConfig{
			RequestsPerMinute: c.Server.RateLimitPerMinute,
			Burst:             c.Server.RateLimitBurst,
		},

		MetricsEnabled: c.Metrics.Enabled,
		Metrics: observability.MetricsConfig{
			ServiceName:    c.Server.Name,
			ServiceVersion: c.Server.Version,
			MetricsAddr:    c.Metrics.Addr,
			MetricsPath:    c.Metrics.Path,
			Namespace:      c.Metrics.Namespace,
		},

		TracingEnabled: c.Tracing.Enabled,
		Tracing: observability.TracingConfig{
			ServiceName:    c.Server.Name,
			ServiceVersion: c.Server.Version,
			Environment:    c.Tracing.Environment,
			ExporterType:   observability.ExporterType(c.Tracing.Exporter),
			Endpoint:       c.Tracing.Endpoint,
			Insecure:       c.Tracing.Insecure,
			SampleRate:     c.Tracing.SampleRate,
			NeverSample:    []string{"ping"},
			SetGlobal:      true,
		},
	}
}

// NewLogger builds the logger described by the logging section
func (c *Config) NewLogger(w io.Writer) (logging.Logger, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	formatter, err := logging.NewFormatter(c.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	logger := logging.New(w, formatter)
	logger.SetLevel(level)
	return logger, nil
}
