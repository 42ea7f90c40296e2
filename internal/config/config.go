// Package config provides configuration management for packd using Viper
// for flexible loading from files, environment variables, and flags.
//
// Configuration is read from .packd.yml when present, with PACKD_-prefixed
// environment variables overriding file values (PACKD_SERVER_PORT,
// PACKD_BUILD_TARGET, ...). Command-line flags bound through viper take
// the highest precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration for a packd server instance.
type Config struct {
	Server   ServerConfig `yaml:"server" mapstructure:"server"`
	Build    BuildConfig  `yaml:"build" mapstructure:"build"`
	LogLevel string       `yaml:"log-level" mapstructure:"log-level"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Host to bind. Empty means loopback.
	Host string `yaml:"host" mapstructure:"host"`
	// Port to bind. Zero picks an ephemeral port.
	Port int `yaml:"port" mapstructure:"port"`
}

// BuildConfig controls the per-compilation bundler options.
type BuildConfig struct {
	// Target is the JS language target (es2017, es2020, esnext, ...).
	Target string `yaml:"target" mapstructure:"target"`
	// Sourcemap enables inline source maps in emitted assets.
	Sourcemap bool `yaml:"sourcemap" mapstructure:"sourcemap"`
	// Minify enables whitespace/identifier/syntax minification.
	Minify bool `yaml:"minify" mapstructure:"minify"`
	// NodePaths lists extra module resolution roots (node_modules dirs).
	NodePaths []string `yaml:"node-paths" mapstructure:"node-paths"`
}

// Load reads configuration from viper's configured sources and applies
// defaults for anything unset.
func Load() (*Config, error) {
	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the built-in configuration without consulting viper.
// Used by in-process callers that embed the server directly.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "127.0.0.1", Port: 0},
		Build:    BuildConfig{Target: "es2020"},
		LogLevel: "info",
	}
}

func setDefaults() {
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 0)
	viper.SetDefault("build.target", "es2020")
	viper.SetDefault("build.sourcemap", false)
	viper.SetDefault("build.minify", false)
	viper.SetDefault("log-level", "info")
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch strings.ToLower(c.Build.Target) {
	case "", "esnext", "es5", "es2015", "es2016", "es2017", "es2018", "es2019",
		"es2020", "es2021", "es2022", "es2023", "es2024":
	default:
		return fmt.Errorf("invalid build target: %q", c.Build.Target)
	}

	return nil
}
