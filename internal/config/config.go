// Package config handles configuration loading and validation for blobmesh.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/blobmesh/pkg/bytesize"
)

// Defaults for a directory with no explicit configuration.
const (
	DefaultListen             = ":3000"
	DefaultAdminListen        = "127.0.0.1:3100"
	DefaultReplicas           = 3
	DefaultSubvolumes         = 10
	DefaultVolumeTimeout      = "1s"
	DefaultRebuildConcurrency = 16
	DefaultLockShards         = 64
	DefaultMaxObjectSize      = "256MB"
)

// ConfigError reports an invalid configuration. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// RebuildConfig tunes the volume crawler.
type RebuildConfig struct {
	Concurrency int `yaml:"concurrency"`
	// Rate is reconciliations per second; zero is unlimited.
	Rate float64 `yaml:"rate"`
}

// RebalanceConfig controls the periodic drift scan run by the server.
type RebalanceConfig struct {
	// Interval between scans, e.g. "10m". Empty disables the scan.
	Interval string `yaml:"interval"`
}

// Config holds the directory configuration.
type Config struct {
	Listen        string          `yaml:"listen"`
	AdminListen   string          `yaml:"admin_listen"`
	Database      string          `yaml:"database"`
	Volumes       []string        `yaml:"volumes"`
	Fallback      string          `yaml:"fallback"`
	Replicas      int             `yaml:"replicas"`
	Subvolumes    int             `yaml:"subvolumes"`
	Protect       bool            `yaml:"protect"`
	MD5Sum        bool            `yaml:"md5sum"`
	VolumeTimeout string          `yaml:"volume_timeout"`
	LockShards    int             `yaml:"lock_shards"`
	MaxObjectSize string          `yaml:"max_object_size"`
	Rebuild       RebuildConfig   `yaml:"rebuild"`
	Rebalance     RebalanceConfig `yaml:"rebalance"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Listen:        DefaultListen,
		AdminListen:   DefaultAdminListen,
		Replicas:      DefaultReplicas,
		Subvolumes:    DefaultSubvolumes,
		MD5Sum:        true,
		VolumeTimeout: DefaultVolumeTimeout,
		LockShards:    DefaultLockShards,
		MaxObjectSize: DefaultMaxObjectSize,
		Rebuild: RebuildConfig{
			Concurrency: DefaultRebuildConcurrency,
		},
	}
}

// Load reads a YAML configuration file. Keys missing from the file keep
// their defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.Database = expandHome(cfg.Database)
	return cfg, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Timeout returns the parsed per-volume request timeout.
func (c *Config) Timeout() (time.Duration, error) {
	return time.ParseDuration(c.VolumeTimeout)
}

// ObjectSizeLimit returns the parsed max_object_size in bytes. Zero, written
// as "0" or left empty, means unlimited.
func (c *Config) ObjectSizeLimit() (int64, error) {
	if c.MaxObjectSize == "" {
		return 0, nil
	}
	return bytesize.Parse(c.MaxObjectSize)
}

// RebalanceInterval returns the drift scan interval, zero when disabled.
func (c *Config) RebalanceInterval() (time.Duration, error) {
	if c.Rebalance.Interval == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Rebalance.Interval)
}

// Validate checks the configuration. It returns a *ConfigError.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return &ConfigError{Field: "listen", Reason: "address is required"}
	}
	if c.AdminListen != "" && c.AdminListen == c.Listen {
		return &ConfigError{Field: "admin_listen", Reason: "must differ from listen"}
	}
	if c.Database == "" {
		return &ConfigError{Field: "database", Reason: "path is required"}
	}
	if len(c.Volumes) == 0 {
		return &ConfigError{Field: "volumes", Reason: "at least one volume is required"}
	}
	for i, v := range c.Volumes {
		if strings.TrimSpace(v) == "" {
			return &ConfigError{Field: "volumes", Reason: fmt.Sprintf("entry %d is empty", i)}
		}
	}
	if c.Replicas < 1 {
		return &ConfigError{Field: "replicas", Reason: "must be at least 1"}
	}
	if len(c.Volumes) < c.Replicas {
		return &ConfigError{
			Field:  "volumes",
			Reason: fmt.Sprintf("need at least %d volumes for %d replicas, have %d", c.Replicas, c.Replicas, len(c.Volumes)),
		}
	}
	if c.Subvolumes < 1 || c.Subvolumes > 256 {
		return &ConfigError{Field: "subvolumes", Reason: "must be between 1 and 256"}
	}
	timeout, err := c.Timeout()
	if err != nil {
		return &ConfigError{Field: "volume_timeout", Reason: err.Error()}
	}
	if timeout <= 0 {
		return &ConfigError{Field: "volume_timeout", Reason: "must be positive"}
	}
	if c.LockShards < 1 {
		return &ConfigError{Field: "lock_shards", Reason: "must be at least 1"}
	}
	if _, err := c.ObjectSizeLimit(); err != nil {
		return &ConfigError{Field: "max_object_size", Reason: err.Error()}
	}
	if c.Rebuild.Concurrency < 1 {
		return &ConfigError{Field: "rebuild.concurrency", Reason: "must be at least 1"}
	}
	if c.Rebuild.Rate < 0 {
		return &ConfigError{Field: "rebuild.rate", Reason: "must not be negative"}
	}
	interval, err := c.RebalanceInterval()
	if err != nil {
		return &ConfigError{Field: "rebalance.interval", Reason: err.Error()}
	}
	if interval < 0 {
		return &ConfigError{Field: "rebalance.interval", Reason: "must not be negative"}
	}
	return nil
}
