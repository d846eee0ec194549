package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/observability"
	"github.com/ajitpratap0/mcp-engine-go/pkg/session"
	"github.com/ajitpratap0/mcp-engine-go/pkg/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcp-engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func loadFrom(t *testing.T, path string) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	InitViper(path)
	return Load()
}

func TestSetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	assert.Equal(t, "mcp-engine", cfg.Server.Name)
	assert.Equal(t, "stdio", cfg.Transport.Type)
	assert.Equal(t, int64(4<<20), cfg.Transport.MaxMessageSize)
	assert.Equal(t, session.DefaultConfig(), cfg.SessionConfig())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, "noop", cfg.Tracing.Exporter)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRate)
	require.NoError(t, cfg.Validate())
}

func TestSetDefaultsFollowTransportType(t *testing.T) {
	cfg := Config{Transport: TransportConfig{Type: "websocket"}}
	cfg.SetDefaults()

	assert.Equal(t, 8081, cfg.Transport.Port)
	assert.Equal(t, "/ws", cfg.Transport.Path)
	assert.Equal(t, 30*time.Second, cfg.Transport.PingInterval)

	tc := cfg.TransportConfig()
	assert.Equal(t, transport.TransportTypeWebSocket, tc.Type)
	require.NoError(t, tc.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  name: files
  version: 1.2.3
  call_timeout: 5s
  rate_limit_per_minute: 120
transport:
  type: http
  port: 9000
  allowed_origins: ["https://app.example.com"]
session:
  max_sessions: 7
  timeout: 10m
  idle_after: 1m
logging:
  level: debug
  format: json
metrics:
  enabled: true
  addr: 127.0.0.1:9100
`)

	cfg, err := loadFrom(t, path)
	require.NoError(t, err)
	assert.Equal(t, path, ConfigFileUsed())

	assert.Equal(t, "files", cfg.Server.Name)
	assert.Equal(t, 5*time.Second, cfg.Server.CallTimeout)
	assert.Equal(t, "http", cfg.Transport.Type)
	assert.Equal(t, 9000, cfg.Transport.Port)
	assert.Equal(t, "/rpc", cfg.Transport.Path)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Transport.AllowedOrigins)
	assert.Equal(t, 7, cfg.Session.MaxSessions)
	assert.Equal(t, 10*time.Minute, cfg.Session.Timeout)

	sc := cfg.ServerConfig()
	assert.Equal(t, "files", sc.Name)
	assert.Equal(t, 120, sc.RateLimit.RequestsPerMinute)
	assert.True(t, sc.RateLimit.Enabled())
	assert.True(t, sc.MetricsEnabled)
	assert.Equal(t, "127.0.0.1:9100", sc.Metrics.MetricsAddr)
	assert.False(t, sc.TracingEnabled)
	assert.Equal(t, observability.ExporterTypeNoop, sc.Tracing.ExporterType)
	assert.Equal(t, 7, sc.Session.MaxSessions)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
transport:
  type: http
session:
  max_sessions: 7
`)
	t.Setenv("MCP_ENGINE_TRANSPORT_TYPE", "websocket")
	t.Setenv("MCP_ENGINE_SESSION_MAX_SESSIONS", "3")
	t.Setenv("MCP_ENGINE_LOGGING_LEVEL", "warn")

	cfg, err := loadFrom(t, path)
	require.NoError(t, err)
	assert.Equal(t, "websocket", cfg.Transport.Type)
	assert.Equal(t, 3, cfg.Session.MaxSessions)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("HOME", dir)

	cfg, err := loadFrom(t, "")
	require.NoError(t, err)
	assert.Equal(t, "stdio", cfg.Transport.Type)
	assert.Empty(t, ConfigFileUsed())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := loadFrom(t, filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown transport",
			mutate:  func(c *Config) { c.Transport.Type = "carrier-pigeon" },
			wantErr: "Config.Transport.Type must be one of: stdio websocket http",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "Config.Logging.Level must be one of: debug info warn error",
		},
		{
			name:    "path without slash",
			mutate:  func(c *Config) { c.Transport.Path = "rpc" },
			wantErr: `Config.Transport.Path must start with "/"`,
		},
		{
			name:    "negative sessions",
			mutate:  func(c *Config) { c.Session.MaxSessions = -1 },
			wantErr: "Config.Session.MaxSessions is out of range",
		},
		{
			name: "bad metrics addr",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Addr = "not an address"
			},
			wantErr: "Config.Metrics.Addr must be a valid host:port",
		},
		{
			name:    "idle after timeout",
			mutate:  func(c *Config) { c.Session.IdleAfter = time.Hour },
			wantErr: "IdleAfter must not exceed",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp-grpc"
			},
			wantErr: "Config.Tracing.Endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.SetDefaults()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateReportsAllFields(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	cfg.Logging.Format = "xml"
	cfg.Tracing.SampleRate = 2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config.Logging.Format")
	assert.Contains(t, err.Error(), "Config.Tracing.SampleRate")
}

func TestNewLogger(t *testing.T) {
	cfg := Config{Logging: LoggingConfig{Level: "debug", Format: "json"}}
	logger, err := cfg.NewLogger(os.Stderr)
	require.NoError(t, err)
	assert.Equal(t, logging.DebugLevel, logger.GetLevel())

	cfg.Logging.Format = "xml"
	_, err = cfg.NewLogger(os.Stderr)
	assert.Error(t, err)
}
