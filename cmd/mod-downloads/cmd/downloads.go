package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"go-mod-downloads/internal/api"
	"go-mod-downloads/internal/database"
	"go-mod-downloads/internal/downloader"
	"go-mod-downloads/internal/fsutil"
	"go-mod-downloads/internal/helpers"
	"go-mod-downloads/internal/index"
	"go-mod-downloads/internal/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Package-level variables for downloads flags
var (
	downloadsGamesFlag      []string
	downloadsMoveFlag       bool
	downloadsKeepFileFlag   bool
	downloadsSearchLimit    int
	downloadsNoRollbackFlag bool
)

var downloadsCmd = &cobra.Command{
	Use:   "downloads",
	Short: "List and manage downloads",
}

var downloadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all downloads",
	Args:  cobra.NoArgs,
	Run:   runDownloadsList,
}

var downloadsShowCmd = &cobra.Command{
	Use:   "show [DOWNLOAD_ID]",
	Short: "Show a single download as JSON",
	Args:  cobra.ExactArgs(1),
	Run:   runDownloadsShow,
}

var downloadsAddCmd = &cobra.Command{
	Use:   "add [FILE]",
	Short: "Register a local archive as a download",
	Long: `Copies (or with --move, moves) FILE into the download directory of the
first --game and records it. Without --game the file goes to the base
downloads directory.`,
	Args: cobra.ExactArgs(1),
	Run:  runDownloadsAdd,
}

var downloadsFetchCmd = &cobra.Command{
	Use:   "fetch [URL]",
	Short: "Download a file over HTTP and record it",
	Args:  cobra.ExactArgs(1),
	Run:   runDownloadsFetch,
}

var downloadsSearchCmd = &cobra.Command{
	Use:   "search [QUERY]",
	Short: "Search downloads by file name or game",
	Long: `Searches the download index. QUERY uses the bleve query string syntax,
e.g. "armor", "games:skyrimse" or "+gameNames:skyrim -fileName:patch".`,
	Args: cobra.MaximumNArgs(1),
	Run:  runDownloadsSearch,
}

var downloadsRemoveCmd = &cobra.Command{
	Use:   "remove [DOWNLOAD_ID]",
	Short: "Remove a download record and its file",
	Args:  cobra.ExactArgs(1),
	Run:   runDownloadsRemove,
}

var downloadsSetGamesCmd = &cobra.Command{
	Use:   "set-games [DOWNLOAD_ID] [GAME_ID]...",
	Short: "Set the games a download is compatible with",
	Long: `Replaces the game list of a download. The first game becomes the primary
game; if it changes, the file is moved into that game's download directory
before the record is updated.`,
	Args: cobra.MinimumNArgs(2),
	Run:  runDownloadsSetGames,
}

func init() {
	rootCmd.AddCommand(downloadsCmd)
	downloadsCmd.AddCommand(downloadsListCmd)
	downloadsCmd.AddCommand(downloadsShowCmd)
	downloadsCmd.AddCommand(downloadsAddCmd)
	downloadsCmd.AddCommand(downloadsFetchCmd)
	downloadsCmd.AddCommand(downloadsSearchCmd)
	downloadsCmd.AddCommand(downloadsRemoveCmd)
	downloadsCmd.AddCommand(downloadsSetGamesCmd)

	downloadsAddCmd.Flags().StringSliceVarP(&downloadsGamesFlag, "game", "g", nil, "Game id (repeatable, first is the primary game)")
	downloadsAddCmd.Flags().BoolVar(&downloadsMoveFlag, "move", false, "Move the file instead of copying it")
	downloadsFetchCmd.Flags().StringSliceVarP(&downloadsGamesFlag, "game", "g", nil, "Game id (repeatable, first is the primary game)")
	downloadsSearchCmd.Flags().IntVarP(&downloadsSearchLimit, "limit", "l", index.DefaultLimit, "Maximum number of results")
	downloadsRemoveCmd.Flags().BoolVar(&downloadsKeepFileFlag, "keep-file", false, "Only remove the record, leave the file on disk")
	// Read by config.Initialize through the root command.
	downloadsSetGamesCmd.Flags().BoolVar(&downloadsNoRollbackFlag, "no-rollback", false, "Leave a moved file in place if the record update fails")
}

func runDownloadsList(cmd *cobra.Command, args []string) {
	a := openApp()
	defer a.Close()

	downloads, err := a.store.Downloads(cmd.Context())
	if err != nil {
		log.WithError(err).Fatal("Failed to read downloads")
	}
	printDownloads(os.Stdout, downloads)
}

func runDownloadsShow(cmd *cobra.Command, args []string) {
	a := openApp()
	defer a.Close()

	dl, err := a.store.Download(cmd.Context(), args[0])
	if errors.Is(err, database.ErrNotFound) {
		log.Fatalf("Download %s not found", args[0])
	} else if err != nil {
		log.WithError(err).Fatalf("Failed to read download %s", args[0])
	}
	if err := writeDownloadJSON(cmd.Context(), os.Stdout, a, dl); err != nil {
		log.WithError(err).Fatal("Failed to print download")
	}
}

func runDownloadsAdd(cmd *cobra.Command, args []string) {
	a := openApp()
	defer a.Close()

	dl, err := addDownload(cmd.Context(), a, args[0], downloadsGamesFlag, downloadsMoveFlag)
	if err != nil {
		log.WithError(err).Fatalf("Failed to add %s", args[0])
	}
	fmt.Printf("Added %s as %s\n", dl.LocalPath, dl.ID)
}

func runDownloadsFetch(cmd *cobra.Command, args []string) {
	a := openApp()
	defer a.Close()

	httpClient := &http.Client{
		Transport: globalHttpTransport,
		Timeout:   time.Duration(globalConfig.Fetch.TimeoutSec) * time.Second,
	}
	client := api.NewClient(globalConfig.Fetch, httpClient)
	dl, err := fetchDownload(cmd.Context(), a, downloader.NewDownloader(client), args[0], downloadsGamesFlag)
	if err != nil {
		log.WithError(err).Fatalf("Failed to fetch %s", args[0])
	}
	fmt.Printf("Fetched %s as %s (%s)\n", dl.LocalPath, dl.ID, helpers.BytesToSize(uint64(dl.Size)))
}

func runDownloadsSearch(cmd *cobra.Command, args []string) {
	a := openApp()
	defer a.Close()

	query := ""
	if len(args) == 1 {
		query = args[0]
	}
	results, err := a.store.Search(cmd.Context(), query, downloadsSearchLimit)
	if err != nil {
		log.WithError(err).Fatal("Search failed")
	}
	if len(results) == 0 {
		fmt.Println("No matching downloads.")
		return
	}
	printDownloads(os.Stdout, results)
}

func runDownloadsRemove(cmd *cobra.Command, args []string) {
	a := openApp()
	defer a.Close()

	if err := removeDownload(cmd.Context(), a, args[0], downloadsKeepFileFlag); err != nil {
		log.WithError(err).Fatalf("Failed to remove %s", args[0])
	}
	fmt.Printf("Removed %s\n", args[0])
}

func runDownloadsSetGames(cmd *cobra.Command, args []string) {
	a := openApp()
	defer a.Close()

	ctx := cmd.Context()
	id := args[0]
	if err := a.reassign.SetDownloadGames(ctx, id, args[1:]); err != nil {
		log.WithError(err).Fatalf("Failed to set games of %s", id)
	}

	dl, err := a.store.Download(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		fmt.Printf("Download %s not found, nothing changed.\n", id)
		return
	} else if err != nil {
		log.WithError(err).Fatalf("Failed to read download %s", id)
	}
	if err := writeDownloadJSON(ctx, os.Stdout, a, dl); err != nil {
		log.WithError(err).Fatal("Failed to print download")
	}
}

func printDownloads(out io.Writer, downloads []models.Download) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFile\tGames\tState\tSize")
	fmt.Fprintln(tw, "--\t----\t-----\t-----\t----")
	for _, dl := range downloads {
		games := strings.Join(dl.Games, ",")
		if games == "" {
			games = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", dl.ID, dl.LocalPath, games, dl.State, helpers.BytesToSize(uint64(dl.Size)))
	}
	tw.Flush()
	fmt.Fprintf(out, "\n%d download(s)\n", len(downloads))
}

func writeDownloadJSON(ctx context.Context, out io.Writer, a *app, dl models.Download) error {
	filePath, err := a.store.FilePath(ctx, dl)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(struct {
		models.Download
		FilePath string `json:"filePath"`
	}{dl, filePath}, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// downloadDir returns the directory a download with the given games lives in.
func downloadDir(ctx context.Context, a *app, games models.GameList) (string, error) {
	if primary := games.Primary(); primary != "" {
		return a.store.DownloadPathForGame(ctx, primary)
	}
	return a.store.DownloadPath(), nil
}

// addDownload places file in the download directory of games[0] and records it.
func addDownload(ctx context.Context, a *app, file string, games []string, move bool) (models.Download, error) {
	info, err := os.Stat(file)
	if err != nil {
		return models.Download{}, err
	}
	if !info.Mode().IsRegular() {
		return models.Download{}, fmt.Errorf("%s is not a regular file", file)
	}

	hash, err := helpers.HashFile(file)
	if err != nil {
		return models.Download{}, fmt.Errorf("hashing %s: %w", file, err)
	}

	gameList := models.GameList(games).Clone()
	dir, err := downloadDir(ctx, a, gameList)
	if err != nil {
		return models.Download{}, err
	}
	if err := fsutil.EnsureDirWritable(dir); err != nil {
		return models.Download{}, err
	}

	target := filepath.Join(dir, filepath.Base(file))
	var finalPath string
	if move {
		finalPath, err = fsutil.MoveRename(file, target)
	} else {
		finalPath, err = fsutil.CopyRename(file, target)
	}
	if err != nil {
		return models.Download{}, err
	}

	dl := models.Download{
		ID:        uuid.NewString(),
		LocalPath: filepath.Base(finalPath),
		Games:     gameList,
		State:     models.StateFinished,
		FileHash:  hash,
		Size:      info.Size(),
		Timestamp: time.Now().Unix(),
	}
	if err := a.store.PutDownload(ctx, dl); err != nil {
		return models.Download{}, err
	}
	log.WithField("download", dl.ID).Infof("Added %s to %s", dl.LocalPath, dir)
	return dl, nil
}

// fetchDownload downloads rawURL into the directory of games[0] and records
// it. If an identical file was already there, its existing record is
// returned when there is one.
func fetchDownload(ctx context.Context, a *app, d *downloader.Downloader, rawURL string, games []string) (models.Download, error) {
	gameList := models.GameList(games).Clone()
	dir, err := downloadDir(ctx, a, gameList)
	if err != nil {
		return models.Download{}, err
	}
	if err := fsutil.EnsureDirWritable(dir); err != nil {
		return models.Download{}, err
	}

	res, err := d.DownloadFile(ctx, dir, rawURL)
	if err != nil {
		return models.Download{}, err
	}

	if res.Existing {
		downloads, err := a.store.Downloads(ctx)
		if err != nil {
			return models.Download{}, err
		}
		for _, dl := range downloads {
			if dl.LocalPath == res.FileName && dl.Games.Primary() == gameList.Primary() {
				log.WithField("download", dl.ID).Info("File already recorded")
				return dl, nil
			}
		}
	}

	dl := models.Download{
		ID:        uuid.NewString(),
		LocalPath: res.FileName,
		Games:     gameList,
		URLs:      []string{rawURL},
		State:     models.StateFinished,
		FileHash:  res.Hash,
		Size:      res.Size,
		Timestamp: time.Now().Unix(),
	}
	if err := a.store.PutDownload(ctx, dl); err != nil {
		return models.Download{}, err
	}
	return dl, nil
}

// removeDownload deletes a record and, unless keepFile is set, its file.
func removeDownload(ctx context.Context, a *app, id string, keepFile bool) error {
	dl, err := a.store.Download(ctx, id)
	if err != nil {
		return err
	}

	return a.inProgress.WithAddInProgress(ctx, dl.LocalPath, func() error {
		filePath, err := a.store.FilePath(ctx, dl)
		if err != nil {
			return err
		}
		if err := a.store.RemoveDownload(ctx, id); err != nil {
			return err
		}
		if keepFile {
			log.Infof("Keeping %s on disk", filePath)
			return nil
		}
		if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("record removed but deleting %s failed: %w", filePath, err)
		}
		return nil
	})
}
