package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/emergencyprep/prepsync/internal/db"
	"github.com/emergencyprep/prepsync/internal/identity"
	"github.com/emergencyprep/prepsync/internal/metrics"
	"github.com/emergencyprep/prepsync/internal/offline"
	"github.com/emergencyprep/prepsync/internal/remote"
	"github.com/emergencyprep/prepsync/internal/remote/firestore"
	"github.com/emergencyprep/prepsync/internal/schema"
	psync "github.com/emergencyprep/prepsync/internal/sync"
)

// app wires the local cache, identity, remote store and sync engine for
// one command invocation.
type app struct {
	store    *db.DB
	ids      *identity.Provider
	remote   remote.Store
	syncer   psync.Syncer
	client   *offline.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// openApp opens the database, restores the saved sign-in and builds the
// sync stack. logOut receives component logs; nil discards them unless
// --verbose is set.
func openApp(ctx context.Context, logOut io.Writer) (*app, error) {
	if logOut == nil {
		logOut = io.Discard
		if verbose {
			logOut = os.Stderr
		}
	}
	logger := func(prefix string) *log.Logger {
		return log.New(logOut, prefix, log.LstdFlags)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchemaContext(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	var secret []byte
	if cfg.Auth.JWTSecret != "" {
		secret = []byte(cfg.Auth.JWTSecret)
	}
	ids := identity.NewProvider(cfg.DataDir, identity.NewParser(secret), logger("[identity] "))
	if _, err := ids.Restore(); err != nil {
		_ = store.Close()
		return nil, err
	}

	var rs remote.Store = unconfiguredRemote{}
	if cfg.RemoteEnabled() {
		fsCfg := firestore.Config{
			Project:  cfg.Firestore.Project,
			Database: cfg.Firestore.Database,
			Endpoint: cfg.Firestore.Endpoint,
		}
		client, err := firestore.New(ctx, fsCfg, ids.TokenSource(), ids)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		rs = client
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	syncer := psync.New(store, rs, psync.Config{Logger: logger("[sync] "), Metrics: m})

	return &app{
		store:    store,
		ids:      ids,
		remote:   rs,
		syncer:   syncer,
		client:   offline.New(store, syncer, ids, logger("[offline] ")),
		registry: reg,
		metrics:  m,
	}, nil
}

func (a *app) Close() {
	a.client.Close()
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
	}
}

// localUser returns the identity owning the cache or ErrAuthRequired.
func (a *app) localUser() (string, error) {
	if uid := a.ids.LocalUserID(); uid != "" {
		return uid, nil
	}
	return "", offline.ErrAuthRequired
}

// unconfiguredRemote stands in when no Firestore project is set. Every call
// fails as unreachable, so changes stay pending until one is configured.
type unconfiguredRemote struct{}

var errNoRemote = fmt.Errorf("%w: no firestore.project configured", remote.ErrNetwork)

func (unconfiguredRemote) Write(context.Context, string, string, schema.Fields) error {
	return errNoRemote
}

func (unconfiguredRemote) Delete(context.Context, string, string) error {
	return errNoRemote
}

func (unconfiguredRemote) ListAll(context.Context, string) ([]remote.Document, error) {
	return nil, errNoRemote
}
