package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"go-mod-downloads/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err, "Failed to open database")
	t.Cleanup(func() { db.Close() })
	return db
}

func testDownload(id string, games ...string) models.Download {
	return models.Download{
		ID:        id,
		LocalPath: id + ".zip",
		Games:     models.GameList(games),
		URLs:      []string{"https://example.com/" + id + ".zip"},
		State:     models.StateFinished,
		FileHash:  "abc123",
		Size:      42,
		Timestamp: 1700000000,
	}
}

// TestSQLiteIntegrationDownloads tests core download record operations
func TestSQLiteIntegrationDownloads(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	db := openTestDB(t)
	dl := testDownload("d1", "skyrim", "skyrimse")

	t.Run("Put and Get", func(t *testing.T) {
		require.NoError(t, db.PutDownload(ctx, dl))

		got, err := db.GetDownload(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, dl, got)
	})

	t.Run("Get missing", func(t *testing.T) {
		_, err := db.GetDownload(ctx, "nope")
		assert.Equal(t, ErrNotFound, err)
	})

	t.Run("Put replaces", func(t *testing.T) {
		updated := dl
		updated.State = models.StateFailed
		require.NoError(t, db.PutDownload(ctx, updated))

		got, err := db.GetDownload(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, models.StateFailed, got.State)
		require.NoError(t, db.PutDownload(ctx, dl))
	})

	t.Run("SetCompatibleGames", func(t *testing.T) {
		require.NoError(t, db.SetCompatibleGames(ctx, "d1", models.GameList{"skyrimse"}))
		got, err := db.GetDownload(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, models.GameList{"skyrimse"}, got.Games)
		assert.Equal(t, "d1.zip", got.LocalPath)

		assert.Equal(t, ErrNotFound, db.SetCompatibleGames(ctx, "nope", models.GameList{"x"}))
	})

	t.Run("SetDownloadFilePath", func(t *testing.T) {
		require.NoError(t, db.SetDownloadFilePath(ctx, "d1", "renamed.zip"))
		got, err := db.GetDownload(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, "renamed.zip", got.LocalPath)
	})

	t.Run("UpdateDownloadLocation", func(t *testing.T) {
		require.NoError(t, db.UpdateDownloadLocation(ctx, "d1", models.GameList{"fallout4"}, "d1.1.zip"))
		got, err := db.GetDownload(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, models.GameList{"fallout4"}, got.Games)
		assert.Equal(t, "d1.1.zip", got.LocalPath)

		assert.Equal(t, ErrNotFound, db.UpdateDownloadLocation(ctx, "nope", models.GameList{"x"}, "x.zip"))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, db.DeleteDownload(ctx, "d1"))
		_, err := db.GetDownload(ctx, "d1")
		assert.Equal(t, ErrNotFound, err)
		assert.Equal(t, ErrNotFound, db.DeleteDownload(ctx, "d1"))
	})
}

func TestGetDownload_LegacyScalarGame(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.db.Exec(`INSERT INTO downloads (id, local_path, games, state, timestamp) VALUES (?, ?, ?, ?, ?)`,
		"old", "old.7z", `"skyrim"`, models.StateFinished, 1)
	require.NoError(t, err)
	_, err = db.db.Exec(`INSERT INTO downloads (id, local_path, games, state, timestamp) VALUES (?, ?, ?, ?, ?)`,
		"loose", "loose.7z", `""`, models.StateFinished, 2)
	require.NoError(t, err)

	got, err := db.GetDownload(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, models.GameList{"skyrim"}, got.Games)
	assert.Equal(t, "skyrim", got.Games.Primary())

	got, err = db.GetDownload(ctx, "loose")
	require.NoError(t, err)
	assert.Empty(t, got.Games)
	assert.Equal(t, "", got.Games.Primary())
}

func TestFoldDownloads(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for i := 3; i >= 1; i-- {
		dl := testDownload(fmt.Sprintf("d%d", i), "skyrim")
		dl.Timestamp = int64(i)
		require.NoError(t, db.PutDownload(ctx, dl))
	}

	var seen []string
	err := db.FoldDownloads(ctx, func(dl models.Download) error {
		seen = append(seen, dl.ID)
		// writing from inside the callback must not deadlock
		return db.SetCompatibleGames(ctx, dl.ID, models.GameList{"skyrimse"})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2", "d3"}, seen)

	stop := errors.New("stop")
	count := 0
	err = db.FoldDownloads(ctx, func(models.Download) error {
		count++
		return stop
	})
	assert.Equal(t, stop, err)
	assert.Equal(t, 1, count)
}

func TestConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	require.NoError(t, db.PutDownload(ctx, testDownload("d1", "skyrim")))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, db.SetDownloadFilePath(ctx, "d1", fmt.Sprintf("f%d.zip", i)))
		}(i)
	}
	wg.Wait()

	got, err := db.GetDownload(ctx, "d1")
	require.NoError(t, err)
	assert.Regexp(t, `^f\d\.zip$`, got.LocalPath)
}

func TestClose_Idempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "close.db"))
	require.NoError(t, err)
	assert.NoError(t, db.Close())
	assert.NoError(t, db.Close())
}
