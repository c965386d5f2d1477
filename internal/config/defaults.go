package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir: "~/.prepsync",
		Firestore: FirestoreConfig{
			Database: "(default)",
		},
		Sync: SyncConfig{
			Debounce:      500 * time.Millisecond,
			ProbeInterval: 10 * time.Second,
			RetryInterval: 30 * time.Second,
			RetryMax:      5 * time.Minute,
		},
		Dashboard: DashboardConfig{
			Port: 8080,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// WriteDefault writes a commented default configuration to path. An
// existing file is left untouched.
func WriteDefault(path string) error {
	content := `# prepsync configuration
# Every key can be overridden with PREPSYNC_<KEY>, dots replaced by
# underscores (PREPSYNC_SYNC_DEBOUNCE=1s).

# db_path: /path/to/tasks.db

firestore:
  # Google Cloud project holding users/{uid}/tasks. Empty disables sync.
  project: ""
  database: "(default)"
  endpoint: ""

auth:
  # HS256 secret for sign-in tokens. Empty reads claims unverified.
  jwt_secret: ""

sync:
  debounce: 500ms
  # HEAD-probed to detect reconnects. Empty retries with backoff instead.
  probe_url: ""
  probe_interval: 10s
  retry_interval: 30s
  retry_max: 5m

dashboard:
  # 0 disables the daemon dashboard.
  port: 8080

log:
  # Daemon log file, rotated by size. Empty logs to stderr.
  file: ""
  max_size_mb: 10
  max_backups: 3
  max_age_days: 28
`

	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
