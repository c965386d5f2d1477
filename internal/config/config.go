// Package config loads prepsync settings from defaults, an optional
// config.yaml in the data directory, a .env file and PREPSYNC_* environment
// variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the full prepsync configuration
type Config struct {
	// DataDir holds the database, credentials and config.yaml.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// DBPath defaults to tasks.db inside DataDir.
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	Firestore FirestoreConfig `yaml:"firestore" mapstructure:"firestore"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Dashboard DashboardConfig `yaml:"dashboard" mapstructure:"dashboard"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// FirestoreConfig locates the remote store. An empty project disables it.
type FirestoreConfig struct {
	Project  string `yaml:"project" mapstructure:"project"`
	Database string `yaml:"database" mapstructure:"database"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

// AuthConfig configures sign-in token verification
type AuthConfig struct {
	// JWTSecret verifies HS256 tokens. Empty reads claims unverified.
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
}

// SyncConfig configures when passes run
type SyncConfig struct {
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`

	// ProbeURL enables connectivity mode. Empty selects fallback mode.
	ProbeURL      string        `yaml:"probe_url" mapstructure:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`

	RetryInterval time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`
	RetryMax      time.Duration `yaml:"retry_max" mapstructure:"retry_max"`
}

// DashboardConfig configures the daemon's HTTP dashboard
type DashboardConfig struct {
	// Port 0 disables the dashboard.
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures daemon logging
type LogConfig struct {
	// File enables rotating file logs. Empty logs to stderr.
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// RemoteEnabled reports whether a remote store is configured.
func (c *Config) RemoteEnabled() bool {
	return c.Firestore.Project != ""
}

// ConfigPath returns the config.yaml location inside DataDir.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.DataDir, "config.yaml")
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalidConfig)
	}
	if c.Firestore.Database == "" {
		return fmt.Errorf("%w: firestore.database is required", ErrInvalidConfig)
	}
	if c.Sync.Debounce <= 0 {
		return fmt.Errorf("%w: sync.debounce must be positive", ErrInvalidConfig)
	}
	if c.Sync.ProbeInterval <= 0 {
		return fmt.Errorf("%w: sync.probe_interval must be positive", ErrInvalidConfig)
	}
	if c.Sync.RetryInterval <= 0 {
		return fmt.Errorf("%w: sync.retry_interval must be positive", ErrInvalidConfig)
	}
	if c.Sync.RetryMax < c.Sync.RetryInterval {
		return fmt.Errorf("%w: sync.retry_max must be at least sync.retry_interval", ErrInvalidConfig)
	}
	if c.Sync.ProbeURL != "" {
		u, err := url.Parse(c.Sync.ProbeURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: sync.probe_url must be an http(s) URL", ErrInvalidConfig)
		}
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("%w: dashboard.port must be between 0 and 65535", ErrInvalidConfig)
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("%w: log.max_size_mb must be positive", ErrInvalidConfig)
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
