// Package config loads the spindle tool configuration.
//
// The file lives at $XDG_CONFIG_HOME/spindle/config.yaml and every field is
// optional:
//
//	log:
//	  level: debug
//	  format: json
//	output: yaml
//	cache:
//	  block_size: 4096
//	  blocks: 2048
//	  large_read_size: 65536
//	chain:
//	  max_depth: 16
//	libvirt:
//	  socket: /var/run/libvirt/libvirt-sock
//	  timeout: 10s
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/spindle/internal/cache"
	"github.com/jbweber/spindle/internal/libvirt"
	"github.com/jbweber/spindle/internal/output"
)

// DefaultLibvirtSocket is the qemu:///system socket.
const DefaultLibvirtSocket = libvirt.DefaultSocket

// Config is the tool configuration.
type Config struct {
	Log     LogConfig       `yaml:"log"`
	Output  string          `yaml:"output,omitempty"`
	Cache   *cache.Settings `yaml:"cache,omitempty"`
	Chain   ChainConfig     `yaml:"chain"`
	Libvirt LibvirtConfig   `yaml:"libvirt"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// ChainConfig bounds differencing chains.
type ChainConfig struct {
	// MaxDepth of zero uses the built-in limit.
	MaxDepth int `yaml:"max_depth"`
}

// LibvirtConfig locates the libvirt daemon used for libvirt:// locators.
type LibvirtConfig struct {
	Socket  string        `yaml:"socket"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Output: string(output.FormatTable),
		Libvirt: LibvirtConfig{
			Socket:  DefaultLibvirtSocket,
			Timeout: libvirt.DefaultTimeout,
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/spindle/config.yaml, falling back
// to ~/.config.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "spindle", "config.yaml"), nil
}

// Load reads the file at path, or the default path when path is empty. A
// missing default file yields Default(); a missing explicit file is an
// error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return Default(), nil
		}
		path = p
	}

	cfg, err := LoadFromFile(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// LoadFromFile reads, normalizes and validates a configuration file. Fields
// the file omits keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Normalize lowercases enumerated values and fills emptied fields.
func (c *Config) Normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Output = strings.ToLower(strings.TrimSpace(c.Output))

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Output == "" {
		c.Output = string(output.FormatTable)
	}
	if c.Libvirt.Socket == "" {
		c.Libvirt.Socket = DefaultLibvirtSocket
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := output.ValidateFormat(c.Output); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	if c.Cache != nil {
		if err := c.Cache.Validate(); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	if c.Chain.MaxDepth < 0 {
		return fmt.Errorf("chain.max_depth must be >= 0, got %d", c.Chain.MaxDepth)
	}
	if c.Libvirt.Timeout < 0 {
		return fmt.Errorf("libvirt.timeout must be >= 0, got %s", c.Libvirt.Timeout)
	}
	return nil
}

// Validate checks the logging configuration.
func (l *LogConfig) Validate() error {
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("level: %w", err)
	}
	switch l.Format {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
}

// Apply configures logger with the level and format.
func (l *LogConfig) Apply(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	switch l.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
