package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go-mod-downloads/internal/api"
	"go-mod-downloads/internal/config"
	"go-mod-downloads/internal/database"
	"go-mod-downloads/internal/downloader"
	"go-mod-downloads/internal/helpers"
	"go-mod-downloads/internal/locking"
	"go-mod-downloads/internal/models"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*app, string) {
	t.Helper()
	base := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DownloadsPath = base
	cfg.DatabasePath = filepath.Join(base, config.DefaultDatabaseFile)
	cfg.IndexPath = "" // in-memory
	cfg.Reassign.Concurrency = 2

	a, err := newApp(cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a, base
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestAddDownload(t *testing.T) {
	a, base := newTestApp(t)
	ctx := context.Background()
	src := writeSource(t, t.TempDir(), "better-armor.zip", "armor payload")

	dl, err := addDownload(ctx, a, src, []string{"skyrim", "skyrimse"}, false)
	require.NoError(t, err)

	assert.NotEmpty(t, dl.ID)
	assert.Equal(t, "better-armor.zip", dl.LocalPath)
	assert.Equal(t, models.GameList{"skyrim", "skyrimse"}, dl.Games)
	assert.Equal(t, models.StateFinished, dl.State)
	assert.Equal(t, int64(len("armor payload")), dl.Size)
	assert.FileExists(t, filepath.Join(base, "skyrim", "better-armor.zip"))
	assert.FileExists(t, src, "copy leaves the source")

	expected, err := helpers.HashFile(src)
	require.NoError(t, err)
	assert.Equal(t, expected, dl.FileHash)

	stored, err := a.store.Download(ctx, dl.ID)
	require.NoError(t, err)
	assert.Equal(t, dl.LocalPath, stored.LocalPath)
	assert.Equal(t, dl.Games, stored.Games)
	assert.Equal(t, dl.FileHash, stored.FileHash)

	// Same name again lands next to it.
	again, err := addDownload(ctx, a, src, []string{"skyrim"}, true)
	require.NoError(t, err)
	assert.Equal(t, "better-armor.1.zip", again.LocalPath)
	assert.NoFileExists(t, src, "move removes the source")
}

func TestAddDownload_NoGame(t *testing.T) {
	a, base := newTestApp(t)
	src := writeSource(t, t.TempDir(), "loose.7z", "x")

	dl, err := addDownload(context.Background(), a, src, nil, false)
	require.NoError(t, err)
	assert.Empty(t, dl.Games)
	assert.FileExists(t, filepath.Join(base, "loose.7z"))
}

func TestRemoveDownload(t *testing.T) {
	a, base := newTestApp(t)
	ctx := context.Background()
	src := writeSource(t, t.TempDir(), "mod.zip", "bytes")

	kept, err := addDownload(ctx, a, src, []string{"fallout4"}, false)
	require.NoError(t, err)
	require.NoError(t, removeDownload(ctx, a, kept.ID, true))
	assert.FileExists(t, filepath.Join(base, "fallout4", "mod.zip"))

	removed, err := addDownload(ctx, a, src, []string{"fallout4"}, false)
	require.NoError(t, err)
	require.NoError(t, removeDownload(ctx, a, removed.ID, false))
	assert.NoFileExists(t, filepath.Join(base, "fallout4", removed.LocalPath))

	_, err = a.store.Download(ctx, removed.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.ErrorIs(t, removeDownload(ctx, a, "missing", false), database.ErrNotFound)
}

func TestRehomedGames(t *testing.T) {
	tests := []struct {
		name  string
		games models.GameList
		keep  bool
		want  models.GameList
	}{
		{"replace", models.GameList{"skyrim", "enderal"}, false, models.GameList{"skyrimse"}},
		{"keep others", models.GameList{"skyrim", "enderal"}, true, models.GameList{"skyrimse", "skyrim", "enderal"}},
		{"target already compatible", models.GameList{"skyrim", "skyrimse"}, true, models.GameList{"skyrimse", "skyrim"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rehomedGames(tt.games, "skyrimse", tt.keep))
		})
	}
}

func TestRehomeDownloads(t *testing.T) {
	a, base := newTestApp(t)
	ctx := context.Background()
	srcDir := t.TempDir()

	var moved []models.Download
	for i := 0; i < 5; i++ {
		src := writeSource(t, srcDir, fmt.Sprintf("mod%d.zip", i), fmt.Sprintf("payload %d", i))
		dl, err := addDownload(ctx, a, src, []string{"skyrim", "enderal"}, false)
		require.NoError(t, err)
		moved = append(moved, dl)
	}
	other, err := addDownload(ctx, a, writeSource(t, srcDir, "other.zip", "other"), []string{"fallout4"}, false)
	require.NoError(t, err)

	var out bytes.Buffer
	summary, err := rehomeDownloads(ctx, a, "skyrim", "skyrimse", true, 3, &out)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, int64(5), summary.Moved)
	assert.Equal(t, int64(0), summary.Failed)
	assert.Empty(t, summary.Errors)
	assert.Contains(t, out.String(), "Processed 5/5")

	for _, dl := range moved {
		got, err := a.store.Download(ctx, dl.ID)
		require.NoError(t, err)
		assert.Equal(t, models.GameList{"skyrimse", "skyrim", "enderal"}, got.Games)
		assert.FileExists(t, filepath.Join(base, "skyrimse", got.LocalPath))
		assert.NoFileExists(t, filepath.Join(base, "skyrim", dl.LocalPath))
	}

	untouched, err := a.store.Download(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GameList{"fallout4"}, untouched.Games)

	summary, err = rehomeDownloads(ctx, a, "skyrim", "skyrimse", false, 3, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
}

func TestRehomeDownloads_ReportsFailures(t *testing.T) {
	a, base := newTestApp(t)
	ctx := context.Background()

	dl, err := addDownload(ctx, a, writeSource(t, t.TempDir(), "gone.zip", "x"), []string{"skyrim"}, false)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(base, "skyrim", "gone.zip")))

	var out bytes.Buffer
	summary, err := rehomeDownloads(ctx, a, "skyrim", "skyrimse", false, 1, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Failed)
	assert.Contains(t, out.String(), "failed to move gone.zip")

	require.Len(t, summary.Errors, 1)
	assert.Equal(t, models.NotificationError, summary.Errors[0].Type)
	assert.Equal(t, "Failed to move download", summary.Errors[0].Title)

	var report bytes.Buffer
	printRehomeSummary(&report, summary, "skyrim", "skyrimse")
	assert.Contains(t, report.String(), "Rehomed 0 of 1 download(s) from skyrim to skyrimse (1 failed)")
	assert.Contains(t, report.String(), "  Failed to move download: ")

	got, err := a.store.Download(ctx, dl.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GameList{"skyrim"}, got.Games, "record unchanged after failed move")
}

func TestVerifyDownloads(t *testing.T) {
	a, base := newTestApp(t)
	ctx := context.Background()
	srcDir := t.TempDir()

	ok, err := addDownload(ctx, a, writeSource(t, srcDir, "ok.zip", "fine"), []string{"skyrim"}, false)
	require.NoError(t, err)
	missing, err := addDownload(ctx, a, writeSource(t, srcDir, "missing.zip", "soon gone"), []string{"skyrim"}, false)
	require.NoError(t, err)
	changed, err := addDownload(ctx, a, writeSource(t, srcDir, "changed.zip", "original"), []string{"skyrim"}, false)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(base, "skyrim", missing.LocalPath)))
	require.NoError(t, os.WriteFile(filepath.Join(base, "skyrim", changed.LocalPath), []byte("tampered"), 0644))

	byID := func(results []verifyResult) map[string]string {
		m := make(map[string]string)
		for _, r := range results {
			m[r.Download.ID] = r.Status
		}
		return m
	}

	results, err := verifyDownloads(ctx, a, false)
	require.NoError(t, err)
	statuses := byID(results)
	assert.Equal(t, verifyOK, statuses[ok.ID])
	assert.Equal(t, verifyMissing, statuses[missing.ID])
	assert.Equal(t, verifyOK, statuses[changed.ID], "size and content not checked without hashes")

	results, err = verifyDownloads(ctx, a, true)
	require.NoError(t, err)
	statuses = byID(results)
	assert.Equal(t, verifyOK, statuses[ok.ID])
	assert.Equal(t, verifyMismatch, statuses[changed.ID])

	var out bytes.Buffer
	assert.Equal(t, 2, printVerifyResults(&out, results))
	assert.Contains(t, out.String(), "Checked 3 download(s), 2 problem(s)")
}

func TestVerifyDownloads_SkipsInProgress(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	dl, err := addDownload(ctx, a, writeSource(t, t.TempDir(), "busy.zip", "x"), []string{"skyrim"}, false)
	require.NoError(t, err)

	var results []verifyResult
	err = a.inProgress.WithAddInProgress(ctx, dl.LocalPath, func() error {
		var verr error
		results, verr = verifyDownloads(ctx, a, true)
		return verr
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, verifySkipped, results[0].Status)
}

func TestVerifyDownloads_SkipsFileHeldByAnotherProcess(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	dl, err := addDownload(ctx, a, writeSource(t, t.TempDir(), "busy.zip", "x"), []string{"skyrim"}, false)
	require.NoError(t, err)

	// A second tracker on the same lock directory stands in for another
	// process working on the file.
	other, err := locking.NewFileInProgress(locking.LockDir(a.cfg.DatabasePath))
	require.NoError(t, err)

	var results []verifyResult
	err = other.WithAddInProgress(ctx, dl.LocalPath, func() error {
		var verr error
		results, verr = verifyDownloads(ctx, a, true)
		return verr
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, verifySkipped, results[0].Status)

	results, err = verifyDownloads(ctx, a, true)
	require.NoError(t, err)
	assert.Equal(t, verifyOK, results[0].Status)
}

func TestSetGameDownloadPath(t *testing.T) {
	a, base := newTestApp(t)
	ctx := context.Background()

	custom := filepath.Join(t.TempDir(), "custom")
	stranded, err := setGameDownloadPath(ctx, a, "skyrimse", custom)
	require.NoError(t, err)
	assert.Equal(t, 0, stranded)
	dir, err := a.store.DownloadPathForGame(ctx, "skyrimse")
	require.NoError(t, err)
	assert.Equal(t, custom, dir)

	// New downloads follow the override.
	dl, err := addDownload(ctx, a, writeSource(t, t.TempDir(), "mod.zip", "x"), []string{"skyrimse"}, false)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(custom, dl.LocalPath))

	stranded, err = setGameDownloadPath(ctx, a, "skyrimse", "")
	require.NoError(t, err)
	assert.Equal(t, 1, stranded)
	assert.FileExists(t, filepath.Join(custom, dl.LocalPath), "files are not moved")
	dir, err = a.store.DownloadPathForGame(ctx, "skyrimse")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "skyrimse"), dir)
}

func TestDiscoverGame_RenameReportsStrandedDownloads(t *testing.T) {
	base := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DownloadsPath = base
	cfg.DatabasePath = filepath.Join(base, config.DefaultDatabaseFile)
	cfg.IndexPath = ""
	cfg.DownloadPathPattern = "{gameName}"
	a, err := newApp(cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	ctx := context.Background()

	stranded, err := discoverGame(ctx, a, models.Game{ID: "skyrimse", Name: "Skyrim SE"})
	require.NoError(t, err)
	assert.Equal(t, 0, stranded)

	dl, err := addDownload(ctx, a, writeSource(t, t.TempDir(), "mod.zip", "x"), []string{"skyrimse"}, false)
	require.NoError(t, err)
	oldDir, err := a.store.DownloadPathForGame(ctx, "skyrimse")
	require.NoError(t, err)

	// Same name, only the install path changes.
	stranded, err = discoverGame(ctx, a, models.Game{ID: "skyrimse", Path: "/games/skyrimse"})
	require.NoError(t, err)
	assert.Equal(t, 0, stranded)

	stranded, err = discoverGame(ctx, a, models.Game{ID: "skyrimse", Name: "Skyrim Special Edition"})
	require.NoError(t, err)
	assert.Equal(t, 1, stranded)

	newDir, err := a.store.DownloadPathForGame(ctx, "skyrimse")
	require.NoError(t, err)
	assert.NotEqual(t, oldDir, newDir)
	assert.FileExists(t, filepath.Join(oldDir, dl.LocalPath), "files are not moved")
}

func TestFetchDownload(t *testing.T) {
	a, base := newTestApp(t)
	ctx := context.Background()

	body := []byte("remote archive")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="remote.zip"`)
		w.Write(body)
	}))
	defer server.Close()

	client := api.NewClient(models.FetchConfig{}, server.Client())
	client.Backoff = func(int, bool) time.Duration { return 0 }
	d := downloader.NewDownloader(client)

	dl, err := fetchDownload(ctx, a, d, server.URL+"/files/1", []string{"skyrim"})
	require.NoError(t, err)
	assert.Equal(t, "remote.zip", dl.LocalPath)
	assert.Equal(t, []string{server.URL + "/files/1"}, dl.URLs)
	assert.FileExists(t, filepath.Join(base, "skyrim", "remote.zip"))

	again, err := fetchDownload(ctx, a, d, server.URL+"/files/1", []string{"skyrim"})
	require.NoError(t, err)
	assert.Equal(t, dl.ID, again.ID, "identical file reuses the record")

	results, err := a.store.Search(ctx, "remote", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, dl.ID, results[0].ID)
}

func TestPrintDownloads(t *testing.T) {
	var out bytes.Buffer
	printDownloads(&out, []models.Download{
		{ID: "a", LocalPath: "mod.zip", Games: models.GameList{"skyrim", "enderal"}, State: models.StateFinished, Size: 2048},
		{ID: "b", LocalPath: "loose.7z", State: models.StateFailed},
	})
	s := out.String()
	assert.Contains(t, s, "skyrim,enderal")
	assert.Contains(t, s, "2.00KB")
	assert.Contains(t, s, "2 download(s)")
}

func TestChangedFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "info", "")
	fs.Int("concurrency", 0, "")
	fs.Bool("no-rollback", false, "")
	require.NoError(t, fs.Parse([]string{"--concurrency", "7", "--no-rollback"}))

	assert.Nil(t, changedString(fs, "log-level"), "unset flag")
	assert.Nil(t, changedString(fs, "unknown"))
	require.NotNil(t, changedInt(fs, "concurrency"))
	assert.Equal(t, 7, *changedInt(fs, "concurrency"))
	require.NotNil(t, changedBool(fs, "no-rollback"))
	assert.True(t, *changedBool(fs, "no-rollback"))
}
