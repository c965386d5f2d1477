package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PREPSYNC"

// LoadOptions selects where configuration is read from
type LoadOptions struct {
	// ConfigFile overrides <data_dir>/config.yaml. It must exist.
	ConfigFile string

	// DataDir overrides data_dir from every other source.
	DataDir string
}

// Load merges defaults, config.yaml, .env and PREPSYNC_* variables into a
// validated Config.
func Load(opts LoadOptions) (*Config, error) {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = v.GetString("data_dir")
	}
	dataDir = expandHome(dataDir)

	path := opts.ConfigFile
	if path == "" {
		candidate := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "tasks.db")
	}
	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.Log.File = expandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv and Unmarshal see it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", d.DBPath)

	v.SetDefault("firestore.project", d.Firestore.Project)
	v.SetDefault("firestore.database", d.Firestore.Database)
	v.SetDefault("firestore.endpoint", d.Firestore.Endpoint)

	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)

	v.SetDefault("sync.debounce", d.Sync.Debounce)
	v.SetDefault("sync.probe_url", d.Sync.ProbeURL)
	v.SetDefault("sync.probe_interval", d.Sync.ProbeInterval)
	v.SetDefault("sync.retry_interval", d.Sync.RetryInterval)
	v.SetDefault("sync.retry_max", d.Sync.RetryMax)

	v.SetDefault("dashboard.port", d.Dashboard.Port)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}
