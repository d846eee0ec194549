package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// MCP_ENGINE_TRANSPORT_TYPE overrides transport.type.
const EnvPrefix = "MCP_ENGINE"

const configName = "mcp-engine"

// envKeys lists the keys that can be overridden from the environment
var envKeys = []string{
	"server.name",
	"server.version",
	"server.instructions",
	"server.call_timeout",
	"server.rate_limit_per_minute",
	"server.rate_limit_burst",

	"transport.type",
	"transport.host",
	"transport.port",
	"transport.path",
	"transport.read_timeout",
	"transport.write_timeout",
	"transport.ping_interval",
	"transport.max_message_size",
	"transport.allowed_origins",

	"session.max_sessions",
	"session.timeout",
	"session.idle_after",
	"session.sweep_interval",

	"logging.level",
	"logging.format",

	"metrics.enabled",
	"metrics.addr",
	"metrics.path",
	"metrics.namespace",

	"tracing.enabled",
	"tracing.exporter",
	"tracing.endpoint",
	"tracing.insecure",
	"tracing.sample_rate",
	"tracing.environment",
}

// InitViper points viper at configFile, or at the first mcp-engine.yaml
// found in the standard locations, and enables environment overrides.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig then reports ConfigFileNotFoundError, which Load tolerates
		viper.SetConfigName(configName)
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	for _, key := range envKeys {
		_ = viper.BindEnv(key)
	}
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	return findConfigFileInPaths([]string{
		".",
		filepath.Join(home, "."+configName),
		filepath.Join("/etc", configName),
	})
}

// findConfigFileInPaths returns the first mcp-engine.yaml or .yml in paths
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, configName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// Load reads the configuration, applies environment overrides and
// defaults, and validates the result. A missing default config file is
// not an error; a missing explicit one is.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the loaded file, or "" in environment-only mode
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
