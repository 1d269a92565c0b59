package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go-mod-downloads/internal/models"

	log "github.com/sirupsen/logrus"
)

const gameColumns = `id, name, path, download_path, hidden, tools`

func scanGame(row rowScanner) (models.Game, error) {
	var g models.Game
	var toolsJSON string
	if err := row.Scan(&g.ID, &g.Name, &g.Path, &g.DownloadPath, &g.Hidden, &toolsJSON); err != nil {
		return models.Game{}, err
	}
	if err := json.Unmarshal([]byte(toolsJSON), &g.Tools); err != nil {
		return models.Game{}, fmt.Errorf("decoding tools of game %s: %w", g.ID, err)
	}
	return g, nil
}

func getGameTx(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id string) (models.Game, error) {
	g, err := scanGame(q.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM games WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Game{}, ErrNotFound
	}
	return g, err
}

func putGameTx(ctx context.Context, tx *sql.Tx, g models.Game) error {
	tools := g.Tools
	if tools == nil {
		tools = map[string]models.Tool{}
	}
	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("error encoding tools for game %s: %w", g.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO games (id, name, path, download_path, hidden, tools)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			download_path = excluded.download_path,
			hidden = excluded.hidden,
			tools = excluded.tools
	`, g.ID, g.Name, g.Path, g.DownloadPath, g.Hidden, string(toolsJSON))
	if err != nil {
		return fmt.Errorf("error storing game %s: %w", g.ID, err)
	}
	return nil
}

// updateGame reads a game, applies fn and writes the result in one transaction.
func (d *DB) updateGame(ctx context.Context, id string, create bool, fn func(g *models.Game) error) error {
	d.Lock()
	defer d.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction for game %s: %w", id, err)
	}
	defer tx.Rollback()

	g, err := getGameTx(ctx, tx, id)
	if errors.Is(err, ErrNotFound) && create {
		g = models.Game{ID: id}
	} else if err != nil {
		return err
	}

	if err := fn(&g); err != nil {
		return err
	}
	if err := putGameTx(ctx, tx, g); err != nil {
		return err
	}
	return tx.Commit()
}

// GetGame returns the discovered game with the given id.
func (d *DB) GetGame(ctx context.Context, id string) (models.Game, error) {
	d.RLock()
	defer d.RUnlock()

	g, err := getGameTx(ctx, d.db, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.Game{}, fmt.Errorf("error querying game %s: %w", id, err)
	}
	return g, err
}

// ListGames returns all discovered games ordered by id.
func (d *DB) ListGames(ctx context.Context) ([]models.Game, error) {
	d.RLock()
	defer d.RUnlock()

	rows, err := d.db.QueryContext(ctx, `SELECT `+gameColumns+` FROM games ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error querying games: %w", err)
	}
	defer rows.Close()

	var games []models.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			log.WithError(err).Warn("[DB] ListGames: Error scanning game")
			continue
		}
		games = append(games, g)
	}
	return games, rows.Err()
}

// AddDiscoveredGame records a discovery result. Fields the result leaves
// empty keep their stored values. Tools are merged field by field, so a
// rediscovered tool picks up a new name or path but keeps its hidden and
// custom flags.
func (d *DB) AddDiscoveredGame(ctx context.Context, result models.Game) error {
	if result.ID == "" {
		return errors.New("game id is required")
	}
	return d.updateGame(ctx, result.ID, true, func(g *models.Game) error {
		if result.Name != "" {
			g.Name = result.Name
		}
		if result.Path != "" {
			g.Path = result.Path
		}
		if result.DownloadPath != "" {
			g.DownloadPath = result.DownloadPath
		}
		if g.Tools == nil {
			g.Tools = make(map[string]models.Tool)
		}
		for id, tool := range result.Tools {
			g.Tools[id] = mergeTool(g.Tools[id], tool)
		}
		return nil
	})
}

// mergeTool overlays the set fields of update onto stored. Flags only ever
// switch on, because false is indistinguishable from unset.
func mergeTool(stored, update models.Tool) models.Tool {
	if update.ID != "" {
		stored.ID = update.ID
	}
	if update.Name != "" {
		stored.Name = update.Name
	}
	if update.Path != "" {
		stored.Path = update.Path
	}
	stored.Hidden = stored.Hidden || update.Hidden
	stored.Custom = stored.Custom || update.Custom
	return stored
}

// AddDiscoveredTool sets a tool of a game, creating the game if needed.
func (d *DB) AddDiscoveredTool(ctx context.Context, gameID string, tool models.Tool) error {
	if tool.ID == "" {
		return errors.New("tool id is required")
	}
	return d.updateGame(ctx, gameID, true, func(g *models.Game) error {
		if g.Tools == nil {
			g.Tools = make(map[string]models.Tool)
		}
		g.Tools[tool.ID] = tool
		return nil
	})
}

// SetToolVisible shows or hides a tool. Hiding a custom tool removes it.
// Unknown games and tools are created so the setting is there once
// discovery finds them.
func (d *DB) SetToolVisible(ctx context.Context, gameID, toolID string, visible bool) error {
	return d.updateGame(ctx, gameID, true, func(g *models.Game) error {
		if g.Tools == nil {
			g.Tools = make(map[string]models.Tool)
		}
		tool, ok := g.Tools[toolID]
		if !ok {
			tool.ID = toolID
		}
		if !visible && tool.Custom {
			delete(g.Tools, toolID)
			return nil
		}
		tool.Hidden = !visible
		g.Tools[toolID] = tool
		return nil
	})
}

// SetGameParameters merges the non-nil parameters into a game.
func (d *DB) SetGameParameters(ctx context.Context, gameID string, params models.GameParameters) error {
	return d.updateGame(ctx, gameID, true, func(g *models.Game) error {
		if params.Name != nil {
			g.Name = *params.Name
		}
		if params.Path != nil {
			g.Path = *params.Path
		}
		if params.DownloadPath != nil {
			g.DownloadPath = *params.DownloadPath
		}
		return nil
	})
}

// SetGameHidden hides or shows a game, creating it if it is unknown.
func (d *DB) SetGameHidden(ctx context.Context, gameID string, hidden bool) error {
	return d.updateGame(ctx, gameID, true, func(g *models.Game) error {
		g.Hidden = hidden
		return nil
	})
}

// AddSearchPath appends a discovery search path. Known paths are ignored.
func (d *DB) AddSearchPath(ctx context.Context, path string) error {
	d.Lock()
	defer d.Unlock()

	if _, err := d.db.ExecContext(ctx, "INSERT OR IGNORE INTO search_paths (path) VALUES (?)", path); err != nil {
		return fmt.Errorf("error adding search path %s: %w", path, err)
	}
	return nil
}

// RemoveSearchPath removes a discovery search path.
func (d *DB) RemoveSearchPath(ctx context.Context, path string) error {
	d.Lock()
	defer d.Unlock()

	result, err := d.db.ExecContext(ctx, "DELETE FROM search_paths WHERE path = ?", path)
	if err != nil {
		return fmt.Errorf("error removing search path %s: %w", path, err)
	}
	return requireRow(result)
}

// SearchPaths returns the discovery search paths in the order they were added.
func (d *DB) SearchPaths(ctx context.Context) ([]string, error) {
	d.RLock()
	defer d.RUnlock()

	rows, err := d.db.QueryContext(ctx, "SELECT path FROM search_paths ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("error querying search paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("error scanning search path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}
