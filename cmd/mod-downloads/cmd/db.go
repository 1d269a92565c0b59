package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"go-mod-downloads/internal/helpers"
	"go-mod-downloads/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Package-level variables for db verify flags
var DbVerifyCheckHashFlag bool

// dbCmd represents the base command for database operations
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Interact with the download database",
}

// dbVerifyCmd checks every finished download against the filesystem
var dbVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify that every download's file is in its primary game's directory",
	Long: `Checks that the file of every finished download exists in the download
directory of its primary game and, with --check-hash, that its BLAKE3 hash
still matches the recorded one. Downloads that are being moved are skipped.`,
	Args: cobra.NoArgs,
	Run:  runDbVerify,
}

// dbReindexCmd rebuilds the search index from the database
var dbReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search index from the database",
	Args:  cobra.NoArgs,
	Run:   runDbReindex,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbVerifyCmd)
	dbCmd.AddCommand(dbReindexCmd)

	// Read by config.Initialize through the root command.
	dbVerifyCmd.Flags().BoolVar(&DbVerifyCheckHashFlag, "check-hash", false, "Also compare file hashes (overrides DB.Verify.CheckHash)")
}

// Verify outcomes
const (
	verifyOK       = "ok"
	verifyMissing  = "missing"
	verifyMismatch = "hash mismatch"
	verifyNoHash   = "no hash recorded"
	verifyError    = "error"
	verifySkipped  = "in progress"
)

type verifyResult struct {
	Download models.Download
	Path     string
	Status   string
	Err      error
}

func runDbVerify(cmd *cobra.Command, args []string) {
	a := openApp()
	results, err := verifyDownloads(cmd.Context(), a, globalConfig.DB.Verify.CheckHash)
	a.Close()
	if err != nil {
		log.WithError(err).Fatal("Verification failed")
	}
	if problems := printVerifyResults(os.Stdout, results); problems > 0 {
		os.Exit(1)
	}
}

// verifyDownloads checks that each finished download's file is where its
// primary game says it should be.
func verifyDownloads(ctx context.Context, a *app, checkHash bool) ([]verifyResult, error) {
	downloads, err := a.store.Downloads(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]verifyResult, 0, len(downloads))
	for _, dl := range downloads {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if dl.State != models.StateFinished {
			continue
		}
		results = append(results, verifyDownload(ctx, a, dl, checkHash))
	}
	return results, nil
}

func verifyDownload(ctx context.Context, a *app, dl models.Download, checkHash bool) verifyResult {
	res := verifyResult{Download: dl}
	if a.inProgress.IsInProgress(dl.LocalPath) {
		res.Status = verifySkipped
		return res
	}

	filePath, err := a.store.FilePath(ctx, dl)
	if err != nil {
		res.Status, res.Err = verifyError, err
		return res
	}
	res.Path = filePath

	info, err := os.Stat(filePath)
	if errors.Is(err, os.ErrNotExist) {
		res.Status = verifyMissing
		return res
	} else if err != nil {
		res.Status, res.Err = verifyError, err
		return res
	}
	if !info.Mode().IsRegular() {
		res.Status, res.Err = verifyError, fmt.Errorf("%s is not a regular file", filePath)
		return res
	}

	res.Status = verifyOK
	if checkHash {
		switch {
		case dl.FileHash == "":
			res.Status = verifyNoHash
		case !helpers.CheckHash(filePath, dl.FileHash):
			res.Status = verifyMismatch
		}
	}
	return res
}

// printVerifyResults writes a table of the results and returns the number of
// downloads with problems.
func printVerifyResults(out io.Writer, results []verifyResult) int {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFile\tPrimary Game\tStatus")
	fmt.Fprintln(tw, "--\t----\t------------\t------")

	problems := 0
	for _, r := range results {
		status := r.Status
		switch r.Status {
		case verifyOK, verifyNoHash, verifySkipped:
		default:
			problems++
		}
		if r.Err != nil {
			status = fmt.Sprintf("%s: %v", status, r.Err)
		} else if r.Status == verifyMissing {
			status = fmt.Sprintf("%s (expected in %s)", status, filepath.Dir(r.Path))
		}
		primary := r.Download.Games.Primary()
		if primary == "" {
			primary = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Download.ID, r.Download.LocalPath, primary, status)
	}
	tw.Flush()
	fmt.Fprintf(out, "\nChecked %d download(s), %d problem(s)\n", len(results), problems)
	return problems
}

func runDbReindex(cmd *cobra.Command, args []string) {
	a := openApp()
	defer a.Close()

	if a.idx == nil {
		log.Fatalf("Search index at %s is not available", globalConfig.IndexPath)
	}
	count, err := a.store.Reindex(cmd.Context())
	if err != nil {
		log.WithError(err).Fatal("Reindex failed")
	}
	fmt.Printf("Indexed %d download(s)\n", count)
}
