// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/filetrace/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load the configuration given by --config, apply environment overrides
and defaults, and report whether it is usable.

Examples:
  filetrace validate -c filetrace.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(os.Stdout, configFile); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(w io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	sinks := 0
	if cfg.Events.Log {
		sinks++
	}
	if cfg.Events.NATS.Enabled {
		sinks++
	}
	fmt.Fprintf(w, "VALID: %d default analyzer(s), %d event sink(s), file timeout %s\n",
		len(cfg.Files.DefaultAnalyzers), sinks, cfg.Files.TimeoutInterval)
	return nil
}
