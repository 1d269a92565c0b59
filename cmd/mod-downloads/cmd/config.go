package cmd

import (
	"fmt"

	"go-mod-downloads/internal/config"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configForceFlag bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
	// An existing but broken config file must not block writing a new one.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLogging(logLevel, logFormat)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [PATH]",
	Short: "Write a configuration file with the default settings",
	Long: `Writes the default configuration as TOML to PATH (default is the --config
path). Existing files are only replaced with --force.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := cfgFile
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteConfigFile(path, config.DefaultConfig(), configForceFlag); err != nil {
			log.WithError(err).Fatal("Failed to write config file")
		}
		fmt.Printf("Wrote %s\n", path)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().BoolVarP(&configForceFlag, "force", "f", false, "Overwrite an existing file")
}
