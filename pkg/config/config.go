// Package config defines the gateway configuration file format: YAML with
// ${VAR} environment expansion, SetDefaults/Validate pairs per section.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document. Providers, tools, MCP servers,
// vector stores, and embedders are declared as plugin manifests under the
// plugin directory, not here.
type Config struct {
	Server    ServerConfig    `yaml:"server,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
	Providers ProvidersConfig `yaml:"providers,omitempty"`
}

// LoggingConfig configures the console and file sinks.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // simple, verbose
	Dir    string `yaml:"dir,omitempty"`

	MaxSizeMB  int `yaml:"max_size_mb,omitempty"`
	MaxBackups int `yaml:"max_backups,omitempty"`
	MaxAgeDays int `yaml:"max_age_days,omitempty"`
}

// ProvidersConfig locates the plugin manifest directory.
type ProvidersConfig struct {
	// PluginDir holds the manifest categories (providers/, tools/, routes/,
	// mcp/, vector/, embedding/, compat/), loaded lazily by category.
	PluginDir string `yaml:"plugin_dir,omitempty"`

	// WatchPlugins invalidates the plugin cache on manifest file changes.
	WatchPlugins bool `yaml:"watch_plugins,omitempty"`
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} references in raw config text. Unset variables
// without a default expand to the empty string.
func ExpandEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		groups := envVarPattern.FindSubmatch(match)
		name := string(groups[1])
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		return groups[3]
	})
}

// Load reads, expands, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a Config from raw YAML.
func Parse(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(ExpandEnv(raw), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a validated zero-config setup.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults applies default values to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}

	if c.Providers.PluginDir == "" {
		c.Providers.PluginDir = "plugins"
	}
}

// Validate checks the whole document.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
