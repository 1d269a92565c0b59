package cmd

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(debugCmd)
	debugCmd.AddCommand(debugShowConfigCmd)
}

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Debugging utilities (not for general use)",
}

var debugShowConfigCmd = &cobra.Command{
	Use:   "show-config",
	Short: "Print the fully loaded configuration object as JSON",
	Long: `Loads configuration from defaults, the config file, the environment and
flags (in increasing precedence) and prints the result as JSON.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		jsonBytes, err := json.MarshalIndent(globalConfig, "", "  ")
		if err != nil {
			log.WithError(err).Fatal("Failed to marshal config")
		}
		fmt.Println(string(jsonBytes))
	},
}
