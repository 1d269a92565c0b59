// Package store combines the database, the game directory mapping and the
// search index into the state the rest of the application works against.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go-mod-downloads/internal/database"
	"go-mod-downloads/internal/index"
	"go-mod-downloads/internal/models"
	"go-mod-downloads/internal/paths"

	log "github.com/sirupsen/logrus"
)

// Store is safe for concurrent use.
type Store struct {
	db       *database.DB
	resolver *paths.Resolver
	idx      *index.Index
}

// New returns a Store. idx may be nil, which disables search.
func New(db *database.DB, resolver *paths.Resolver, idx *index.Index) *Store {
	return &Store{db: db, resolver: resolver, idx: idx}
}

// DB exposes the underlying database for game settings operations.
func (s *Store) DB() *database.DB {
	return s.db
}

func (s *Store) Download(ctx context.Context, id string) (models.Download, error) {
	return s.db.GetDownload(ctx, id)
}

// DownloadPath is the directory of downloads without a game.
func (s *Store) DownloadPath() string {
	return s.resolver.DownloadPath()
}

// DownloadPathForGame returns the download directory of a game, honoring its
// configured override. Games that were never discovered use the pattern.
func (s *Store) DownloadPathForGame(ctx context.Context, gameID string) (string, error) {
	game, err := s.db.GetGame(ctx, gameID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return "", err
	}
	return s.resolver.DownloadPathForGame(gameID, game.Name, game.DownloadPath)
}

// FilePath returns the absolute path of a download's file.
func (s *Store) FilePath(ctx context.Context, dl models.Download) (string, error) {
	dir := s.DownloadPath()
	if primary := dl.Games.Primary(); primary != "" {
		var err error
		if dir, err = s.DownloadPathForGame(ctx, primary); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, dl.LocalPath), nil
}

// GameName returns the display name of a game, or its id when the game is
// unknown or has no name.
func (s *Store) GameName(ctx context.Context, gameID string) string {
	game, err := s.db.GetGame(ctx, gameID)
	if err != nil || game.Name == "" {
		return gameID
	}
	return game.Name
}

func (s *Store) SetCompatibleGames(ctx context.Context, id string, games models.GameList) error {
	if err := s.db.SetCompatibleGames(ctx, id, games); err != nil {
		return err
	}
	s.reindex(ctx, id)
	return nil
}

func (s *Store) UpdateDownloadLocation(ctx context.Context, id string, games models.GameList, fileName string) error {
	if err := s.db.UpdateDownloadLocation(ctx, id, games, fileName); err != nil {
		return err
	}
	s.reindex(ctx, id)
	return nil
}

// PutDownload stores a download record and indexes it.
func (s *Store) PutDownload(ctx context.Context, dl models.Download) error {
	if err := s.db.PutDownload(ctx, dl); err != nil {
		return err
	}
	s.indexDownload(ctx, dl)
	return nil
}

// RemoveDownload deletes a download record and its index entry. The file is
// not touched.
func (s *Store) RemoveDownload(ctx context.Context, id string) error {
	if err := s.db.DeleteDownload(ctx, id); err != nil {
		return err
	}
	if s.idx != nil {
		if err := s.idx.DeleteDownload(id); err != nil {
			log.WithError(err).Warnf("[Store] Failed to remove %s from search index", id)
		}
	}
	return nil
}

// Downloads returns every download record, oldest first.
func (s *Store) Downloads(ctx context.Context) ([]models.Download, error) {
	var out []models.Download
	err := s.db.FoldDownloads(ctx, func(dl models.Download) error {
		out = append(out, dl)
		return nil
	})
	return out, err
}

// Search returns the downloads matching query.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]models.Download, error) {
	if s.idx == nil {
		return nil, errors.New("search index is not available")
	}
	ids, err := s.idx.Search(query, limit)
	if err != nil {
		return nil, err
	}

	results := make([]models.Download, 0, len(ids))
	for _, id := range ids {
		dl, err := s.db.GetDownload(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			log.Debugf("[Store] Index entry %s has no record, skipping", id)
			continue
		} else if err != nil {
			return nil, err
		}
		results = append(results, dl)
	}
	return results, nil
}

// Reindex rebuilds the index entry of every download.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	if s.idx == nil {
		return 0, nil
	}
	count := 0
	err := s.db.FoldDownloads(ctx, func(dl models.Download) error {
		if err := s.idx.IndexDownload(index.ItemFor(dl, s.gameNames(ctx, dl.Games))); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("rebuilding search index: %w", err)
	}
	return count, nil
}

func (s *Store) gameNames(ctx context.Context, games models.GameList) []string {
	names := make([]string, 0, len(games))
	for _, id := range games {
		names = append(names, s.GameName(ctx, id))
	}
	return names
}

func (s *Store) reindex(ctx context.Context, id string) {
	if s.idx == nil {
		return
	}
	dl, err := s.db.GetDownload(ctx, id)
	if err != nil {
		log.WithError(err).Warnf("[Store] Could not reload %s for indexing", id)
		return
	}
	s.indexDownload(ctx, dl)
}

// Index failures are logged only; the database remains the source of truth.
func (s *Store) indexDownload(ctx context.Context, dl models.Download) {
	if s.idx == nil {
		return
	}
	if err := s.idx.IndexDownload(index.ItemFor(dl, s.gameNames(ctx, dl.Games))); err != nil {
		log.WithError(err).Warnf("[Store] Failed to index download %s", dl.ID)
	}
}
