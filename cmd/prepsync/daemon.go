package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/emergencyprep/prepsync/internal/daemon"
	"github.com/emergencyprep/prepsync/internal/dashboard"
	"github.com/emergencyprep/prepsync/internal/identity"
)

// credentialsFile is watched so sign-ins by other processes reach the
// daemon.
const credentialsFile = "credentials.json"

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Synchronize automatically in the background",
	Long: `Run until interrupted, synchronizing the signed-in account:

  - at startup and after every sign-in
  - when the server becomes reachable again (with sync.probe_url set)
  - shortly after tasks are changed by any prepsync command
  - with growing delays after a network failure (without sync.probe_url)

With dashboard.port set, a live dashboard is served:
  ws://localhost:8080/ws      sync_complete, task_update, pending, connectivity
  http://localhost:8080/health
  http://localhost:8080/metrics

Logs go to stderr, or to log.file with size-based rotation.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		var logOut io.Writer = os.Stderr
		if cfg.Log.File != "" {
			rotator := &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAgeDays,
				Compress:   true,
			}
			defer rotator.Close()
			logOut = rotator
		}
		logger := func(prefix string) *log.Logger {
			return log.New(logOut, prefix, log.LstdFlags)
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, logOut)
		if err != nil {
			return err
		}
		defer a.Close()

		if !cfg.RemoteEnabled() {
			fmt.Fprintln(os.Stderr, "Warning: firestore.project is not set; changes stay pending until a server is configured")
		}

		dcfg := &daemon.Config{
			DebounceInterval: cfg.Sync.Debounce,
			ProbeInterval:    cfg.Sync.ProbeInterval,
			RetryInterval:    cfg.Sync.RetryInterval,
			RetryMax:         cfg.Sync.RetryMax,
			DBPath:           cfg.DBPath,
			Metrics:          a.metrics,
			Logger:           logger("[daemon] "),
		}
		if cfg.Sync.ProbeURL != "" {
			dcfg.Prober = daemon.NewHTTPProber(cfg.Sync.ProbeURL)
		}

		d, err := daemon.New(a.syncer, a.store, a.ids, dcfg)
		if err != nil {
			return err
		}

		if port > 0 {
			server := dashboard.NewServer(&dashboard.Config{
				Port:     port,
				Gatherer: a.registry,
				Logger:   logger("[dashboard] "),
			})
			if err := server.Start(); err != nil {
				return err
			}
			defer func() {
				if err := server.Stop(); err != nil {
					dcfg.Logger.Printf("Error stopping dashboard: %v", err)
				}
			}()

			h := dashboard.NewHandler(server, logger("[dashboard] "))
			defer a.syncer.OnPass(h.OnPass)()
			defer a.client.OnChange(h.OnChange)()
			if mon := d.Monitor(); mon != nil {
				defer mon.OnChange(h.OnConnectivity)()
			}
			if uid := a.ids.LocalUserID(); uid != "" {
				if st, err := a.store.Stats(ctx, uid); err == nil {
					h.OnPending(uid, st.Pending())
				}
			}
			fmt.Fprintf(os.Stderr, "Dashboard on http://localhost:%d\n", port)
		}

		stopCreds, err := watchCredentials(ctx, a.ids, logger("[identity] "))
		if err != nil {
			dcfg.Logger.Printf("WARNING: Failed to watch credentials, sign-ins from other processes need a restart: %v", err)
		} else {
			defer stopCreds()
		}

		if uid := a.ids.LocalUserID(); uid == "" {
			fmt.Fprintln(os.Stderr, "Not signed in; waiting for 'prepsync login'")
		}

		return d.Start(ctx)
	},
}

// watchCredentials reloads the saved identity when another process signs
// in or out, which notifies the daemon's identity observers.
func watchCredentials(ctx context.Context, ids *identity.Provider, logger *log.Logger) (stop func(), err error) {
	fw, err := daemon.NewFileWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Start(cfg.DataDir, credentialsFile); err != nil {
		_ = fw.Stop()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Coalesce the create/write pair an atomic save produces.
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-fw.Events():
				if !ok {
					return
				}
				pending = time.After(100 * time.Millisecond)
			case err, ok := <-fw.Errors():
				if !ok {
					return
				}
				logger.Printf("WARNING: credentials watcher: %v", err)
			case <-pending:
				pending = nil
				reloadIdentity(ids, logger)
			}
		}
	}()

	return func() {
		_ = fw.Stop()
		<-done
	}, nil
}

func reloadIdentity(ids *identity.Provider, logger *log.Logger) {
	before := ids.Current()
	id, err := ids.Restore()
	if err != nil {
		logger.Printf("WARNING: Failed to reload credentials: %v", err)
		return
	}
	if id == nil && before != nil {
		if err := ids.SignOut(); err != nil {
			logger.Printf("WARNING: Failed to sign out: %v", err)
		}
	}
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 0, "dashboard port (overrides dashboard.port, 0 disables)")

	rootCmd.AddCommand(daemonCmd)
}
