package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"go-mod-downloads/internal/config"
	"go-mod-downloads/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Persistent flag values. Only flags the user actually set are passed on to
// config.Initialize, so unset flags never shadow the file or environment.
var (
	cfgFile           string
	envFile           string
	logLevel          string
	logFormat         string
	logHTTPFlag       bool
	downloadsPathFlag string
	databasePathFlag  string
	indexPathFlag     string
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport holds the globally configured HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mod-downloads",
	Short: "Manage downloaded game mods",
	Long: `mod-downloads keeps track of downloaded mod archives and the games
they belong to. Each download lives in the download directory of its
primary game and moves with it when that game changes.`,
	PersistentPreRunE: loadGlobalConfig,
	SilenceUsage:      true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
// Interrupting the process cancels the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultConfigFilePath, "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", config.DefaultEnvFilePath, "Environment file loaded before reading MODDL_* variables")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Logging level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", config.DefaultLogFormat, "Logging format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&logHTTPFlag, "log-http", false, "Log HTTP requests/responses to http.log in the downloads path")
	rootCmd.PersistentFlags().StringVar(&downloadsPathFlag, "downloads-path", "", "Base directory for downloads (overrides config)")
	rootCmd.PersistentFlags().StringVar(&databasePathFlag, "database-path", "", "Database file (default is downloads.db in the downloads path)")
	rootCmd.PersistentFlags().StringVar(&indexPathFlag, "index-path", "", "Search index directory (default is downloads.bleve in the downloads path)")
}

// loadGlobalConfig builds the CLI overrides from the flags that were set on
// the executing command, loads the configuration and sets up logging.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	flags := config.CliFlags{
		ConfigFilePath:  &cfgFile,
		EnvFilePath:     &envFile,
		LogLevel:        changedString(cmd.Flags(), "log-level"),
		LogFormat:       changedString(cmd.Flags(), "log-format"),
		LogHTTPRequests: changedBool(cmd.Flags(), "log-http"),
		DownloadsPath:   changedString(cmd.Flags(), "downloads-path"),
		DatabasePath:    changedString(cmd.Flags(), "database-path"),
		IndexPath:       changedString(cmd.Flags(), "index-path"),
		Reassign: &config.CliReassignFlags{
			Concurrency: changedInt(cmd.Flags(), "concurrency"),
			NoRollback:  changedBool(cmd.Flags(), "no-rollback"),
		},
		DB: &config.CliDBFlags{
			Verify: &config.CliDBVerifyFlags{
				CheckHash: changedBool(cmd.Flags(), "check-hash"),
			},
		},
	}

	// Flags win over everything, so honor them before the config is read.
	if flags.LogLevel != nil || flags.LogFormat != nil {
		initLogging(logLevel, logFormat)
	}

	cfg, transport, err := config.Initialize(flags)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	initLogging(cfg.LogLevel, cfg.LogFormat)

	globalConfig = cfg
	globalHttpTransport = transport
	return nil
}

// initLogging configures the standard logrus logger.
func initLogging(level, format string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Invalid log level '%s', using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stderr)
}

func changedString(fs *pflag.FlagSet, name string) *string {
	f := fs.Lookup(name)
	if f == nil || !f.Changed {
		return nil
	}
	v := f.Value.String()
	return &v
}

func changedBool(fs *pflag.FlagSet, name string) *bool {
	f := fs.Lookup(name)
	if f == nil || !f.Changed {
		return nil
	}
	v, err := fs.GetBool(name)
	if err != nil {
		return nil
	}
	return &v
}

func changedInt(fs *pflag.FlagSet, name string) *int {
	f := fs.Lookup(name)
	if f == nil || !f.Changed {
		return nil
	}
	v, err := fs.GetInt(name)
	if err != nil {
		return nil
	}
	return &v
}
