package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"go-mod-downloads/internal/database"
	"go-mod-downloads/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Package-level variables for games flags
var (
	gamesNameFlag         string
	gamesPathFlag         string
	gamesDownloadPathFlag string
	gamesAllFlag          bool
	toolNameFlag          string
	toolPathFlag          string
)

var gamesCmd = &cobra.Command{
	Use:   "games",
	Short: "Manage known games, their tools and download directories",
}

var gamesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known games",
	Args:  cobra.NoArgs,
	Run:   runGamesList,
}

var gamesDiscoverCmd = &cobra.Command{
	Use:   "discover [GAME_ID]",
	Short: "Record a discovered game",
	Long: `Adds a game or merges the given details into an existing one. Tools and
the hidden flag of an existing game are kept. If the change gives the game a
different download directory, existing downloads stay where they are and a
warning says how many.`,
	Args: cobra.ExactArgs(1),
	Run:  runGamesDiscover,
}

var gamesHideCmd = &cobra.Command{
	Use:   "hide [GAME_ID]",
	Short: "Hide a game from the game list",
	Args:  cobra.ExactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { runGamesSetHidden(cmd, args[0], true) },
}

var gamesShowCmd = &cobra.Command{
	Use:   "show [GAME_ID]",
	Short: "Show a hidden game again",
	Args:  cobra.ExactArgs(1),
	Run:   func(cmd *cobra.Command, args []string) { runGamesSetHidden(cmd, args[0], false) },
}

var gamesSetPathCmd = &cobra.Command{
	Use:   "set-path [GAME_ID] [DIR]",
	Short: "Set the download directory of a game",
	Long: `Overrides the download directory of a game. Use an empty DIR ("") to go
back to the directory derived from DownloadPathPattern. Files already in the
old directory are not moved.`,
	Args: cobra.ExactArgs(2),
	Run:  runGamesSetPath,
}

var gamesToolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Manage the tools of a game",
}

var gamesToolAddCmd = &cobra.Command{
	Use:   "add [GAME_ID] [TOOL_ID]",
	Short: "Add a custom tool to a game",
	Args:  cobra.ExactArgs(2),
	Run:   runGamesToolAdd,
}

var gamesToolHideCmd = &cobra.Command{
	Use:   "hide [GAME_ID] [TOOL_ID]",
	Short: "Hide a tool (custom tools are removed)",
	Args:  cobra.ExactArgs(2),
	Run:   func(cmd *cobra.Command, args []string) { runGamesToolVisible(cmd, args[0], args[1], false) },
}

var gamesToolShowCmd = &cobra.Command{
	Use:   "show [GAME_ID] [TOOL_ID]",
	Short: "Show a hidden tool again",
	Args:  cobra.ExactArgs(2),
	Run:   func(cmd *cobra.Command, args []string) { runGamesToolVisible(cmd, args[0], args[1], true) },
}

var gamesSearchPathCmd = &cobra.Command{
	Use:   "search-path",
	Short: "Manage the directories searched for games",
}

var gamesSearchPathAddCmd = &cobra.Command{
	Use:   "add [DIR]",
	Short: "Add a search path",
	Args:  cobra.ExactArgs(1),
	Run:   runSearchPathAdd,
}

var gamesSearchPathRemoveCmd = &cobra.Command{
	Use:   "remove [DIR]",
	Short: "Remove a search path",
	Args:  cobra.ExactArgs(1),
	Run:   runSearchPathRemove,
}

var gamesSearchPathListCmd = &cobra.Command{
	Use:   "list",
	Short: "List search paths in search order",
	Args:  cobra.NoArgs,
	Run:   runSearchPathList,
}

func init() {
	rootCmd.AddCommand(gamesCmd)
	gamesCmd.AddCommand(gamesListCmd)
	gamesCmd.AddCommand(gamesDiscoverCmd)
	gamesCmd.AddCommand(gamesHideCmd)
	gamesCmd.AddCommand(gamesShowCmd)
	gamesCmd.AddCommand(gamesSetPathCmd)
	gamesCmd.AddCommand(gamesToolCmd)
	gamesToolCmd.AddCommand(gamesToolAddCmd)
	gamesToolCmd.AddCommand(gamesToolHideCmd)
	gamesToolCmd.AddCommand(gamesToolShowCmd)
	gamesCmd.AddCommand(gamesSearchPathCmd)
	gamesSearchPathCmd.AddCommand(gamesSearchPathAddCmd)
	gamesSearchPathCmd.AddCommand(gamesSearchPathRemoveCmd)
	gamesSearchPathCmd.AddCommand(gamesSearchPathListCmd)

	gamesListCmd.Flags().BoolVarP(&gamesAllFlag, "all", "a", false, "Include hidden games")

	gamesDiscoverCmd.Flags().StringVar(&gamesNameFlag, "name", "", "Display name")
	gamesDiscoverCmd.Flags().StringVar(&gamesPathFlag, "path", "", "Install directory")
	gamesDiscoverCmd.Flags().StringVar(&gamesDownloadPathFlag, "download-path", "", "Download directory override")

	gamesToolAddCmd.Flags().StringVar(&toolNameFlag, "name", "", "Display name (defaults to the tool id)")
	gamesToolAddCmd.Flags().StringVar(&toolPathFlag, "path", "", "Executable path (required)")
	_ = gamesToolAddCmd.MarkFlagRequired("path")
}

// gameDB opens the database for a games command, exiting on failure.
func gameDB() *database.DB {
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		log.WithError(err).Fatalf("Failed to open database at %s", globalConfig.DatabasePath)
	}
	return db
}

func fatalIfNotFound(err error, what string) {
	if errors.Is(err, database.ErrNotFound) {
		log.Fatalf("%s not found", what)
	}
	if err != nil {
		log.WithError(err).Fatalf("Failed to update %s", what)
	}
}

func runGamesList(cmd *cobra.Command, args []string) {
	a := openApp()
	defer a.Close()

	if err := printGames(cmd.Context(), os.Stdout, a, gamesAllFlag); err != nil {
		log.WithError(err).Fatal("Failed to list games")
	}
}

func printGames(ctx context.Context, out io.Writer, a *app, includeHidden bool) error {
	games, err := a.db.ListGames(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tName\tInstall Path\tDownload Directory\tTools\tHidden")
	fmt.Fprintln(tw, "--\t----\t------------\t------------------\t-----\t------")
	shown := 0
	for _, g := range games {
		if g.Hidden && !includeHidden {
			continue
		}
		dir, err := a.store.DownloadPathForGame(ctx, g.ID)
		if err != nil {
			dir = fmt.Sprintf("(invalid: %v)", err)
		}
		tools := strings.Join(g.ToolIDs(), ",")
		if tools == "" {
			tools = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n", g.ID, g.Name, g.Path, dir, tools, g.Hidden)
		shown++
	}
	tw.Flush()
	fmt.Fprintf(out, "\n%d game(s)\n", shown)
	return nil
}

func runGamesDiscover(cmd *cobra.Command, args []string) {
	a := openApp()
	defer a.Close()

	game := models.Game{
		ID:           args[0],
		Name:         gamesNameFlag,
		Path:         gamesPathFlag,
		DownloadPath: gamesDownloadPathFlag,
	}
	if _, err := discoverGame(cmd.Context(), a, game); err != nil {
		log.WithError(err).Fatalf("Failed to record game %s", args[0])
	}
	fmt.Printf("Recorded game %s\n", args[0])
}

// discoverGame records game and returns how many downloads the change left
// behind. A new name moves the directory when the pattern uses {gameName}.
func discoverGame(ctx context.Context, a *app, game models.Game) (int, error) {
	if game.DownloadPath != "" {
		abs, err := filepath.Abs(game.DownloadPath)
		if err != nil {
			return 0, err
		}
		game.DownloadPath = abs
	}
	return changeGameDirectory(ctx, a, game.ID, func() error {
		return a.db.AddDiscoveredGame(ctx, game)
	})
}

func runGamesSetHidden(cmd *cobra.Command, gameID string, hidden bool) {
	db := gameDB()
	defer db.Close()

	if err := db.SetGameHidden(cmd.Context(), gameID, hidden); err != nil {
		log.WithError(err).Fatalf("Failed to update game %s", gameID)
	}
}

func runGamesSetPath(cmd *cobra.Command, args []string) {
	a := openApp()
	defer a.Close()

	if _, err := setGameDownloadPath(cmd.Context(), a, args[0], args[1]); err != nil {
		log.WithError(err).Fatalf("Failed to set download directory of %s", args[0])
	}
}

// setGameDownloadPath stores a download directory override for gameID and
// returns how many downloads were left in the previous directory.
func setGameDownloadPath(ctx context.Context, a *app, gameID, dir string) (int, error) {
	if dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return 0, err
		}
		dir = abs
	}
	return changeGameDirectory(ctx, a, gameID, func() error {
		return a.db.SetGameParameters(ctx, gameID, models.GameParameters{DownloadPath: &dir})
	})
}

// changeGameDirectory runs update and, if that changed the download
// directory of gameID, warns about the downloads that stayed behind. Files
// are never moved here.
func changeGameDirectory(ctx context.Context, a *app, gameID string, update func() error) (int, error) {
	before, err := a.store.DownloadPathForGame(ctx, gameID)
	if err != nil {
		return 0, err
	}
	if err := update(); err != nil {
		return 0, err
	}
	after, err := a.store.DownloadPathForGame(ctx, gameID)
	if err != nil {
		return 0, err
	}
	if before == after {
		return 0, nil
	}

	downloads, err := a.store.Downloads(ctx)
	if err != nil {
		return 0, err
	}
	stranded := 0
	for _, dl := range downloads {
		if dl.Games.Primary() == gameID {
			stranded++
		}
	}
	if stranded > 0 {
		log.Warnf("%d download(s) of %s remain in %s and must be moved to %s manually", stranded, gameID, before, after)
	}
	return stranded, nil
}

func runGamesToolAdd(cmd *cobra.Command, args []string) {
	db := gameDB()
	defer db.Close()

	name := toolNameFlag
	if name == "" {
		name = args[1]
	}
	tool := models.Tool{ID: args[1], Name: name, Path: toolPathFlag, Custom: true}
	if err := db.AddDiscoveredTool(cmd.Context(), args[0], tool); err != nil {
		log.WithError(err).Fatalf("Failed to add tool %s", args[1])
	}
	fmt.Printf("Added tool %s to %s\n", args[1], args[0])
}

func runGamesToolVisible(cmd *cobra.Command, gameID, toolID string, visible bool) {
	db := gameDB()
	defer db.Close()

	if err := db.SetToolVisible(cmd.Context(), gameID, toolID, visible); err != nil {
		log.WithError(err).Fatalf("Failed to update tool %s of %s", toolID, gameID)
	}
}

func runSearchPathAdd(cmd *cobra.Command, args []string) {
	db := gameDB()
	defer db.Close()

	dir, err := filepath.Abs(args[0])
	if err != nil {
		log.WithError(err).Fatalf("Invalid path %s", args[0])
	}
	if err := db.AddSearchPath(cmd.Context(), dir); err != nil {
		log.WithError(err).Fatalf("Failed to add search path %s", dir)
	}
}

func runSearchPathRemove(cmd *cobra.Command, args []string) {
	db := gameDB()
	defer db.Close()

	dir := args[0]
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	fatalIfNotFound(db.RemoveSearchPath(cmd.Context(), dir), "search path "+dir)
}

func runSearchPathList(cmd *cobra.Command, args []string) {
	db := gameDB()
	defer db.Close()

	searchPaths, err := db.SearchPaths(cmd.Context())
	if err != nil {
		log.WithError(err).Fatal("Failed to read search paths")
	}
	for _, p := range searchPaths {
		fmt.Println(p)
	}
}
