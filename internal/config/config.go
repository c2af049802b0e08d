// Package config loads labelpanel configuration and exposes the live
// settings the panel reads at call time (most importantly the server URL).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultServerURL is used when no server URL has been configured.
const DefaultServerURL = "http://127.0.0.1:8000"

// Config holds the resolved application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Journal JournalConfig `mapstructure:"journal"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Log     LogConfig     `mapstructure:"log"`
	Trace   TraceConfig   `mapstructure:"trace"`
}

// ServerConfig describes the remote annotation-inference service.
type ServerConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// JournalConfig controls the sqlite view-mutation journal.
type JournalConfig struct {
	// Path of the sqlite database. Empty disables the journal.
	Path string `mapstructure:"path"`
}

// CacheConfig controls the per-series client caches.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// LogConfig controls the debug log.
type LogConfig struct {
	Path  string `mapstructure:"path"`
	Level string `mapstructure:"level"`
}

// TraceConfig selects the OpenTelemetry exporter.
type TraceConfig struct {
	// Exporter is one of "none", "stdout" or "otlp".
	Exporter string `mapstructure:"exporter"`
	Endpoint string `mapstructure:"endpoint"`
}

// DefaultDir returns the directory labelpanel keeps its config and data in.
func DefaultDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "labelpanel")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".labelpanel"
	}
	return filepath.Join(home, ".config", "labelpanel")
}

func setDefaults(v *viper.Viper) {
	dir := DefaultDir()
	v.SetDefault("server.url", DefaultServerURL)
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("journal.path", filepath.Join(dir, "journal.db"))
	v.SetDefault("cache.ttl", 30*time.Minute)
	v.SetDefault("log.path", filepath.Join(dir, "debug.log"))
	v.SetDefault("log.level", "debug")
	v.SetDefault("trace.exporter", "none")
	v.SetDefault("trace.endpoint", "localhost:4317")
}

// New builds a viper instance for the given config file. An empty path
// searches DefaultDir for config.yaml. Env vars use the LABELPANEL_ prefix.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(DefaultDir())
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("LABELPANEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// Load reads configuration from file and environment.
func Load(path string) (Config, *viper.Viper, error) {
	v, err := New(path)
	if err != nil {
		return Config{}, nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, nil, err
	}
	return c, v, nil
}

// Validate checks the values that would otherwise fail late.
func (c Config) Validate() error {
	switch c.Trace.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("trace.exporter must be none, stdout or otlp, got %q", c.Trace.Exporter)
	}
	if c.Server.Timeout < 0 {
		return fmt.Errorf("server.timeout must not be negative")
	}
	return nil
}
