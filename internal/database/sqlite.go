package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go-mod-downloads/internal/models"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

// DB wraps the SQLite database instance and provides helper methods.
type DB struct {
	db *sql.DB
	sync.RWMutex
	closeOnce sync.Once
	closed    bool
	closeErr  error
}

// Open initializes and returns a DB instance.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database at %s: %w", path, err)
	}

	dbWrapper := &DB{db: db}
	if err := dbWrapper.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	log.Debugf("[DB] SQLite database opened at %s", path)
	return dbWrapper, nil
}

// initSchema creates the database schema if it doesn't exist
func (d *DB) initSchema() error {
	schema := `
	-- Download records. games holds a JSON array, older rows a JSON string.
	CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		local_path TEXT NOT NULL DEFAULT '',
		games TEXT NOT NULL DEFAULT '[]',
		urls TEXT NOT NULL DEFAULT '[]',
		state TEXT NOT NULL CHECK (state IN ('started', 'finished', 'failed')),
		file_hash TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Discovered games and their user settings
	CREATE TABLE IF NOT EXISTS games (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		download_path TEXT NOT NULL DEFAULT '',
		hidden BOOLEAN NOT NULL DEFAULT 0,
		tools TEXT NOT NULL DEFAULT '{}', -- JSON object keyed by tool id
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Directories searched during game discovery
	CREATE TABLE IF NOT EXISTS search_paths (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_state ON downloads(state);
	CREATE INDEX IF NOT EXISTS idx_downloads_local_path ON downloads(local_path);

	CREATE TRIGGER IF NOT EXISTS update_downloads_timestamp
		AFTER UPDATE ON downloads
		BEGIN
			UPDATE downloads SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		END;

	CREATE TRIGGER IF NOT EXISTS update_games_timestamp
		AFTER UPDATE ON games
		BEGIN
			UPDATE games SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		END;
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close safely closes the database connection.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		log.Debug("[DB] Closing database...")
		d.Lock()
		defer d.Unlock()

		d.closeErr = d.db.Close()
		d.closed = true

		if d.closeErr != nil {
			log.Errorf("[DB] Error during database close operation: %v", d.closeErr)
		}
	})

	return d.closeErr
}

const downloadColumns = `id, local_path, games, urls, state, file_hash, size, timestamp`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (models.Download, error) {
	var dl models.Download
	var gamesJSON, urlsJSON string
	if err := row.Scan(&dl.ID, &dl.LocalPath, &gamesJSON, &urlsJSON, &dl.State, &dl.FileHash, &dl.Size, &dl.Timestamp); err != nil {
		return models.Download{}, err
	}
	if err := json.Unmarshal([]byte(gamesJSON), &dl.Games); err != nil {
		return models.Download{}, fmt.Errorf("decoding games of download %s: %w", dl.ID, err)
	}
	if dl.Games == nil {
		dl.Games = models.GameList{}
	}
	if urlsJSON != "" {
		if err := json.Unmarshal([]byte(urlsJSON), &dl.URLs); err != nil {
			return models.Download{}, fmt.Errorf("decoding urls of download %s: %w", dl.ID, err)
		}
	}
	return dl, nil
}

func encodeGames(games models.GameList) (string, error) {
	if games == nil {
		games = models.GameList{}
	}
	b, err := json.Marshal([]string(games))
	return string(b), err
}

// GetDownload returns the download with the given id.
func (d *DB) GetDownload(ctx context.Context, id string) (models.Download, error) {
	d.RLock()
	defer d.RUnlock()

	row := d.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	dl, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Download{}, ErrNotFound
	} else if err != nil {
		return models.Download{}, fmt.Errorf("error querying download %s: %w", id, err)
	}
	return dl, nil
}

// PutDownload inserts or replaces a download record.
func (d *DB) PutDownload(ctx context.Context, dl models.Download) error {
	gamesJSON, err := encodeGames(dl.Games)
	if err != nil {
		return fmt.Errorf("error encoding games for download %s: %w", dl.ID, err)
	}
	urls := dl.URLs
	if urls == nil {
		urls = []string{}
	}
	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("error encoding urls for download %s: %w", dl.ID, err)
	}

	d.Lock()
	defer d.Unlock()

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO downloads (id, local_path, games, urls, state, file_hash, size, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			local_path = excluded.local_path,
			games = excluded.games,
			urls = excluded.urls,
			state = excluded.state,
			file_hash = excluded.file_hash,
			size = excluded.size,
			timestamp = excluded.timestamp
	`, dl.ID, dl.LocalPath, gamesJSON, string(urlsJSON), dl.State, dl.FileHash, dl.Size, dl.Timestamp)
	if err != nil {
		return fmt.Errorf("error storing download %s: %w", dl.ID, err)
	}
	return nil
}

// DeleteDownload removes a download record.
func (d *DB) DeleteDownload(ctx context.Context, id string) error {
	d.Lock()
	defer d.Unlock()

	result, err := d.db.ExecContext(ctx, "DELETE FROM downloads WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("error deleting download %s: %w", id, err)
	}
	return requireRow(result)
}

// FoldDownloads calls fn for every download, oldest first. The records are
// read before fn runs, so fn may write to the database.
func (d *DB) FoldDownloads(ctx context.Context, fn func(models.Download) error) error {
	d.RLock()
	rows, err := d.db.QueryContext(ctx, `SELECT `+downloadColumns+` FROM downloads ORDER BY timestamp, id`)
	if err != nil {
		d.RUnlock()
		return fmt.Errorf("error querying downloads for fold: %w", err)
	}

	var downloads []models.Download
	for rows.Next() {
		dl, err := scanDownload(rows)
		if err != nil {
			log.WithError(err).Warn("[DB] Fold: Error scanning download")
			continue
		}
		downloads = append(downloads, dl)
	}
	err = rows.Err()
	rows.Close()
	d.RUnlock()
	if err != nil {
		return fmt.Errorf("error iterating downloads: %w", err)
	}

	for _, dl := range downloads {
		if err := fn(dl); err != nil {
			return err
		}
	}
	return nil
}

// SetCompatibleGames replaces the game list of a download.
func (d *DB) SetCompatibleGames(ctx context.Context, id string, games models.GameList) error {
	gamesJSON, err := encodeGames(games)
	if err != nil {
		return fmt.Errorf("error encoding games for download %s: %w", id, err)
	}

	d.Lock()
	defer d.Unlock()

	result, err := d.db.ExecContext(ctx, "UPDATE downloads SET games = ? WHERE id = ?", gamesJSON, id)
	if err != nil {
		return fmt.Errorf("error setting games for download %s: %w", id, err)
	}
	return requireRow(result)
}

// SetDownloadFilePath changes the stored file name of a download.
func (d *DB) SetDownloadFilePath(ctx context.Context, id, fileName string) error {
	d.Lock()
	defer d.Unlock()

	result, err := d.db.ExecContext(ctx, "UPDATE downloads SET local_path = ? WHERE id = ?", fileName, id)
	if err != nil {
		return fmt.Errorf("error setting file name for download %s: %w", id, err)
	}
	return requireRow(result)
}

// UpdateDownloadLocation sets the game list and, when it changed, the file
// name of a download in a single transaction.
func (d *DB) UpdateDownloadLocation(ctx context.Context, id string, games models.GameList, fileName string) error {
	gamesJSON, err := encodeGames(games)
	if err != nil {
		return fmt.Errorf("error encoding games for download %s: %w", id, err)
	}

	d.Lock()
	defer d.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction for download %s: %w", id, err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT local_path FROM downloads WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("error reading download %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE downloads SET games = ? WHERE id = ?", gamesJSON, id); err != nil {
		return fmt.Errorf("error setting games for download %s: %w", id, err)
	}
	if fileName != current {
		if _, err := tx.ExecContext(ctx, "UPDATE downloads SET local_path = ? WHERE id = ?", fileName, id); err != nil {
			return fmt.Errorf("error setting file name for download %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing location of download %s: %w", id, err)
	}
	return nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
