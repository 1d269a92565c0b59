package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go-mod-downloads/internal/models"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Package-level variables for rehome flags
var (
	rehomeFromFlag           string
	rehomeToFlag             string
	rehomeKeepCompatibleFlag bool
	rehomeConcurrencyFlag    int
	rehomeNoRollbackFlag     bool
)

var downloadsRehomeCmd = &cobra.Command{
	Use:   "rehome",
	Short: "Move every download of one game to another",
	Long: `Makes --to the primary game of every download whose primary game is
--from, moving the files into the new game's download directory. By default
the game list is replaced by --to alone; --keep-compatible keeps the other
games (including --from) as compatible games.`,
	Args: cobra.NoArgs,
	Run:  runDownloadsRehome,
}

func init() {
	downloadsCmd.AddCommand(downloadsRehomeCmd)

	downloadsRehomeCmd.Flags().StringVar(&rehomeFromFlag, "from", "", "Current primary game id (required)")
	downloadsRehomeCmd.Flags().StringVar(&rehomeToFlag, "to", "", "New primary game id (required)")
	downloadsRehomeCmd.Flags().BoolVar(&rehomeKeepCompatibleFlag, "keep-compatible", false, "Keep the remaining games as compatible games")
	// Read by config.Initialize through the root command.
	downloadsRehomeCmd.Flags().IntVarP(&rehomeConcurrencyFlag, "concurrency", "c", 0, "Number of concurrent moves (overrides Reassign.Concurrency)")
	downloadsRehomeCmd.Flags().BoolVar(&rehomeNoRollbackFlag, "no-rollback", false, "Leave a moved file in place if the record update fails")
	_ = downloadsRehomeCmd.MarkFlagRequired("from")
	_ = downloadsRehomeCmd.MarkFlagRequired("to")
}

// rehomeJob is one download to reassign.
type rehomeJob struct {
	download models.Download
	games    models.GameList
}

type rehomeSummary struct {
	Moved  int64
	Failed int64
	Total  int
	// Errors are the error notifications raised while moving.
	Errors []models.Notification
}

func runDownloadsRehome(cmd *cobra.Command, args []string) {
	if rehomeFromFlag == rehomeToFlag {
		log.Fatal("--from and --to must differ")
	}

	a := openApp()
	summary, err := rehomeDownloads(cmd.Context(), a, rehomeFromFlag, rehomeToFlag, rehomeKeepCompatibleFlag, globalConfig.Reassign.Concurrency, os.Stdout)
	a.Close()
	if err != nil {
		log.WithError(err).Fatal("Rehome failed")
	}
	printRehomeSummary(os.Stdout, summary, rehomeFromFlag, rehomeToFlag)
	if summary.Failed > 0 {
		os.Exit(1)
	}
}

func printRehomeSummary(out io.Writer, summary rehomeSummary, fromGameID, toGameID string) {
	fmt.Fprintf(out, "Rehomed %d of %d download(s) from %s to %s (%d failed)\n",
		summary.Moved, summary.Total, fromGameID, toGameID, summary.Failed)
	for _, n := range summary.Errors {
		fmt.Fprintf(out, "  %s: %s\n", n.Render(n.Title), n.Render(n.Message))
	}
}

// errorNotifications filters history down to error notifications.
func errorNotifications(history []models.Notification) []models.Notification {
	var errs []models.Notification
	for _, n := range history {
		if n.Type == models.NotificationError {
			errs = append(errs, n)
		}
	}
	return errs
}

// rehomedGames returns the new game list for a download moved to toGameID.
func rehomedGames(games models.GameList, toGameID string, keepCompatible bool) models.GameList {
	out := models.GameList{toGameID}
	if !keepCompatible {
		return out
	}
	for _, g := range games {
		if g != toGameID {
			out = append(out, g)
		}
	}
	return out
}

// rehomeDownloads reassigns every download whose primary game is fromGameID
// using a pool of concurrency workers. Progress goes to out.
func rehomeDownloads(ctx context.Context, a *app, fromGameID, toGameID string, keepCompatible bool, concurrency int, out io.Writer) (rehomeSummary, error) {
	downloads, err := a.store.Downloads(ctx)
	if err != nil {
		return rehomeSummary{}, err
	}

	var queue []rehomeJob
	for _, dl := range downloads {
		if dl.Games.Primary() != fromGameID {
			continue
		}
		if dl.State != models.StateFinished {
			log.WithField("download", dl.ID).Infof("Skipping %s (state %s)", dl.LocalPath, dl.State)
			continue
		}
		queue = append(queue, rehomeJob{download: dl, games: rehomedGames(dl.Games, toGameID, keepCompatible)})
	}

	summary := rehomeSummary{Total: len(queue)}
	if len(queue) == 0 {
		fmt.Fprintf(out, "No downloads with primary game %s.\n", fromGameID)
		return summary, nil
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(queue) {
		concurrency = len(queue)
	}

	// Notifications sent before this point belong to earlier work.
	mark := a.notifier.Count()

	writer := uilive.New()
	writer.Out = out
	writer.Start()
	defer writer.Stop()

	jobs := make(chan rehomeJob, len(queue))
	var wg sync.WaitGroup
	var done int64
	for w := 1; w <= concurrency; w++ {
		wg.Add(1)
		go rehomeWorker(ctx, w, jobs, a, &wg, writer, len(queue), &done, &summary)
	}

	for _, job := range queue {
		jobs <- job
	}
	close(jobs)
	wg.Wait()

	fmt.Fprintf(writer, "Processed %d/%d\n", atomic.LoadInt64(&done), len(queue))

	summary.Errors = errorNotifications(a.notifier.HistorySince(mark))
	return summary, ctx.Err()
}

func rehomeWorker(ctx context.Context, id int, jobs <-chan rehomeJob, a *app, wg *sync.WaitGroup, writer *uilive.Writer, total int, done *int64, summary *rehomeSummary) {
	defer wg.Done()

	for job := range jobs {
		if ctx.Err() != nil {
			atomic.AddInt64(&summary.Failed, 1)
			continue
		}

		err := a.reassign.SetDownloadGames(ctx, job.download.ID, job.games)
		n := atomic.AddInt64(done, 1)
		switch {
		case err == nil:
			atomic.AddInt64(&summary.Moved, 1)
			fmt.Fprintf(writer.Newline(), "Worker %d: moved %s\n", id, job.download.LocalPath)
		case errors.Is(err, context.Canceled):
			atomic.AddInt64(&summary.Failed, 1)
			fmt.Fprintf(writer.Newline(), "Worker %d: cancelled %s\n", id, job.download.LocalPath)
		default:
			atomic.AddInt64(&summary.Failed, 1)
			fmt.Fprintf(writer.Newline(), "Worker %d: failed to move %s: %v\n", id, job.download.LocalPath, err)
		}
		fmt.Fprintf(writer, "Processed %d/%d\n", n, total)
	}
}
