package cmd

import (
	"fmt"

	"go-mod-downloads/internal/database"
	"go-mod-downloads/internal/fsutil"
	"go-mod-downloads/internal/index"
	"go-mod-downloads/internal/locking"
	"go-mod-downloads/internal/models"
	"go-mod-downloads/internal/notify"
	"go-mod-downloads/internal/paths"
	"go-mod-downloads/internal/reassign"
	"go-mod-downloads/internal/store"

	log "github.com/sirupsen/logrus"
)

// app bundles the long-lived pieces a command works with.
type app struct {
	cfg        models.Config
	db         *database.DB
	idx        *index.Index
	store      *store.Store
	inProgress *locking.InProgress
	notifier   *notify.LogNotifier
	reassign   *reassign.Service
}

// newApp opens the database, the search index and the lock directory
// described by cfg. An index that cannot be opened disables search but is
// not fatal.
func newApp(cfg models.Config) (*app, error) {
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", cfg.DatabasePath, err)
	}

	idx, err := index.OpenOrCreateIndex(cfg.IndexPath)
	if err != nil {
		log.WithError(err).Warnf("Failed to open search index at %s, search is disabled", cfg.IndexPath)
		idx = nil
	}

	// Lock files live next to the database so every process sharing the
	// database also shares the per-file locks.
	inProgress, err := locking.NewFileInProgress(locking.LockDir(cfg.DatabasePath))
	if err != nil {
		if idx != nil {
			_ = idx.Close()
		}
		_ = db.Close()
		return nil, err
	}

	st := store.New(db, paths.NewResolver(cfg.DownloadsPath, cfg.DownloadPathPattern), idx)
	notifier := notify.NewLogNotifier(nil, notify.DefaultHistorySize)

	return &app{
		cfg:        cfg,
		db:         db,
		idx:        idx,
		store:      st,
		inProgress: inProgress,
		notifier:   notifier,
		reassign: reassign.NewService(st, st, fsutil.FS{}, st, notifier, inProgress,
			reassign.WithRollback(cfg.Reassign.RollbackOnStoreFailure)),
	}, nil
}

// openApp opens the app for the global configuration, exiting on failure.
func openApp() *app {
	a, err := newApp(globalConfig)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize")
	}
	return a
}

func (a *app) Close() {
	if a.idx != nil {
		if err := a.idx.Close(); err != nil {
			log.WithError(err).Warn("Error closing search index")
		}
	}
	if err := a.db.Close(); err != nil {
		log.WithError(err).Warn("Error closing database")
	}
}
