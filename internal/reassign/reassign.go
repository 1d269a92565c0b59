// Package reassign changes the games a download is associated with.
//
// Downloads are stored in a directory per primary game, so changing the
// primary game means moving the file. The move always happens first; the
// stored record is only updated once the file is where the record will say
// it is.
package reassign

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go-mod-downloads/internal/database"
	"go-mod-downloads/internal/models"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNoGames     = errors.New("at least one game id is required")
	ErrMoveFailed  = errors.New("failed to move download")
	ErrStoreUpdate = errors.New("failed to update download record")
)

// State reads downloads and download directories.
type State interface {
	// Download returns database.ErrNotFound for unknown ids.
	Download(ctx context.Context, id string) (models.Download, error)
	// DownloadPath is the directory for downloads without a game.
	DownloadPath() string
	DownloadPathForGame(ctx context.Context, gameID string) (string, error)
}

// Mutator writes download records.
type Mutator interface {
	SetCompatibleGames(ctx context.Context, id string, games models.GameList) error
	// UpdateDownloadLocation sets the game list and file name in one write.
	UpdateDownloadLocation(ctx context.Context, id string, games models.GameList, fileName string) error
}

// FileSystem performs the relocation.
type FileSystem interface {
	EnsureDirWritable(dir string) error
	// MoveRename returns the path actually used, which differs from dst
	// when dst was already taken.
	MoveRename(src, dst string) (string, error)
}

// GameRegistry looks up display names.
type GameRegistry interface {
	GameName(ctx context.Context, gameID string) string
}

// Notifier receives user-facing notifications.
type Notifier interface {
	Send(n models.Notification)
}

// Serializer runs fn while no other operation holds fileName.
type Serializer interface {
	WithAddInProgress(ctx context.Context, fileName string, fn func() error) error
}

// Service reassigns downloads between games.
type Service struct {
	state    State
	mutator  Mutator
	fs       FileSystem
	games    GameRegistry
	notifier Notifier
	serial   Serializer
	rollback bool
}

// Option configures a Service.
type Option func(*Service)

// WithRollback controls whether a file is moved back when the record update
// after a successful move fails. Enabled by default.
func WithRollback(enabled bool) Option {
	return func(s *Service) { s.rollback = enabled }
}

// NewService wires a Service from its collaborators.
func NewService(state State, mutator Mutator, fs FileSystem, games GameRegistry, notifier Notifier, serial Serializer, opts ...Option) *Service {
	s := &Service{
		state:    state,
		mutator:  mutator,
		fs:       fs,
		games:    games,
		notifier: notifier,
		serial:   serial,
		rollback: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// maxLockAttempts bounds how often SetDownloadGames follows a download that
// was renamed by a concurrent move while it waited for the file lock.
const maxLockAttempts = 5

var errRenamed = errors.New("download renamed while waiting for its lock")

// SetDownloadGames makes gameIDs the download's game list. gameIDs[0] becomes
// the primary game; if that differs from the current primary the file is
// moved into the new game's download directory before anything is written.
//
// The record is read again once the file lock is held, so the decision to
// move is always made against the latest state.
//
// An unknown download id is not an error. A failed move leaves the record as
// it was, sends an error notification and returns an error wrapping
// ErrMoveFailed.
func (s *Service) SetDownloadGames(ctx context.Context, downloadID string, gameIDs []string) error {
	if len(gameIDs) == 0 {
		return ErrNoGames
	}
	games := models.GameList(gameIDs).Clone()

	download, found, err := s.lookup(ctx, downloadID)
	if err != nil || !found {
		return err
	}

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		key := download.LocalPath
		err = s.serial.WithAddInProgress(ctx, key, func() error {
			current, found, err := s.lookup(ctx, downloadID)
			if err != nil || !found {
				return err
			}
			if current.LocalPath != key {
				download = current
				return errRenamed
			}
			return s.apply(ctx, current, games)
		})
		if !errors.Is(err, errRenamed) {
			return err
		}
		log.WithField("download", downloadID).Debugf("[Reassign] %s was renamed to %s while waiting, retrying", key, download.LocalPath)
	}
	return fmt.Errorf("download %s was renamed %d times while waiting for its lock", downloadID, maxLockAttempts)
}

// lookup reads a download, reporting unknown ids as not found rather than as
// an error.
func (s *Service) lookup(ctx context.Context, downloadID string) (models.Download, bool, error) {
	download, err := s.state.Download(ctx, downloadID)
	if errors.Is(err, database.ErrNotFound) {
		log.WithField("download", downloadID).Debug("[Reassign] Unknown download, nothing to do")
		return models.Download{}, false, nil
	}
	if err != nil {
		return models.Download{}, false, fmt.Errorf("reading download %s: %w", downloadID, err)
	}
	return download, true, nil
}

// apply runs with the file lock held.
func (s *Service) apply(ctx context.Context, download models.Download, games models.GameList) error {
	fromGameID := download.Games.Primary()
	toGameID := games.Primary()
	logger := log.WithFields(log.Fields{"download": download.ID, "from": fromGameID, "to": toGameID})

	if fromGameID == toGameID {
		logger.Debug("[Reassign] Primary game unchanged, updating compatible games only")
		if err := s.mutator.SetCompatibleGames(ctx, download.ID, games); err != nil {
			return fmt.Errorf("%w: %w", ErrStoreUpdate, err)
		}
		return nil
	}
	return s.relocate(ctx, download, fromGameID, games, logger)
}

func (s *Service) relocate(ctx context.Context, download models.Download, fromGameID string, games models.GameList, logger *log.Entry) error {
	toGameID := games.Primary()

	source, dest, finalPath, err := s.moveDownload(ctx, download.LocalPath, fromGameID, toGameID)
	if err != nil {
		logger.WithError(err).Error("[Reassign] Move failed, record left unchanged")
		s.notifyError("Failed to move download", err)
		return fmt.Errorf("%w: %w", ErrMoveFailed, err)
	}

	// The name may have changed if the target already existed, because a
	// counter was appended.
	fileName := filepath.Base(finalPath)
	if err := s.mutator.UpdateDownloadLocation(ctx, download.ID, games, fileName); err != nil {
		logger.WithError(err).Error("[Reassign] File moved but record update failed")
		if s.rollback {
			s.rollbackMove(finalPath, source, logger)
		} else {
			logger.Warnf("[Reassign] Rollback disabled, %s now lives at %s", download.LocalPath, finalPath)
		}
		s.notifyError("Failed to update download after moving it", err)
		return fmt.Errorf("%w: %w", ErrStoreUpdate, err)
	}

	logger.WithField("path", dest).Infof("[Reassign] Moved %s to %s", download.LocalPath, finalPath)
	s.notifier.Send(models.Notification{
		Type:    models.NotificationSuccess,
		Title:   "Download moved to game {{gameName}}",
		Message: download.LocalPath,
		Replace: map[string]string{
			"gameName": s.games.GameName(ctx, toGameID),
		},
	})
	return nil
}

// moveDownload moves fileName from the directory of fromGameID (the
// unassigned directory when empty) to the directory of toGameID.
func (s *Service) moveDownload(ctx context.Context, fileName, fromGameID, toGameID string) (source, dest, finalPath string, err error) {
	oldDir := s.state.DownloadPath()
	if fromGameID != "" {
		if oldDir, err = s.state.DownloadPathForGame(ctx, fromGameID); err != nil {
			return "", "", "", fmt.Errorf("resolving download path for %s: %w", fromGameID, err)
		}
	}
	newDir, err := s.state.DownloadPathForGame(ctx, toGameID)
	if err != nil {
		return "", "", "", fmt.Errorf("resolving download path for %s: %w", toGameID, err)
	}

	source = filepath.Join(oldDir, fileName)
	dest = filepath.Join(newDir, fileName)

	if err := s.fs.EnsureDirWritable(newDir); err != nil {
		return source, dest, "", err
	}
	finalPath, err = s.fs.MoveRename(source, dest)
	if err != nil {
		return source, dest, "", err
	}
	return source, dest, finalPath, nil
}

// rollbackMove puts a moved file back where it came from.
func (s *Service) rollbackMove(movedTo, originalPath string, logger *log.Entry) {
	restored, err := s.fs.MoveRename(movedTo, originalPath)
	if err != nil {
		logger.WithError(err).Errorf("[Reassign] Rollback failed, file remains at %s (record expects %s)", movedTo, originalPath)
		return
	}
	if restored != originalPath {
		logger.Errorf("[Reassign] Rollback restored file as %s, record expects %s", restored, originalPath)
		return
	}
	logger.Infof("[Reassign] Rolled back move, file restored to %s", originalPath)
}

func (s *Service) notifyError(title string, err error) {
	s.notifier.Send(models.Notification{
		Type:        models.NotificationError,
		Title:       title,
		Message:     err.Error(),
		AllowReport: false,
	})
}
