// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "filetrace",
	Short: "filetrace - file tracking and reassembly over captured traffic",
	Long: `filetrace follows files carried by network flows. Payload bytes are
reassembled per file, handed to analyzers (extraction, hashing) and every
lifecycle step is published as an event.

Features:
  - Virtual-time timer scheduler driven by packet timestamps
  - Out-of-order reassembly with gap and overflow accounting
  - MIME sniffing of the beginning of each file
  - Event sinks: structured log, NATS`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults only when empty)")

	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(validateCmd)
}
