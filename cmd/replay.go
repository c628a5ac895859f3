// Package cmd implements CLI commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/filetrace/internal/config"
	"firestige.xyz/filetrace/internal/daemon"
)

var replayCmd = &cobra.Command{
	Use:   "replay <pcap>",
	Short: "Track files in a pcap or pcapng capture",
	Long: `Replay a capture through the file tracking engine.

Packet timestamps drive the virtual clock, so inactivity timeouts fire as
they would have on the live link. When the capture ends every pending timer
is expired and remaining files are finished.

Examples:
  filetrace replay trace.pcap
  filetrace replay -c filetrace.yml trace.pcapng
  filetrace replay --metrics :9091 trace.pcap`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(args[0])
	},
}

var metricsListen string

func init() {
	replayCmd.Flags().StringVar(&metricsListen, "metrics", "",
		"serve /metrics and /status on this address while replaying")
}

func runReplay(path string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = metricsListen
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	defer d.Stop()

	if err := d.Start(); err != nil {
		return err
	}
	return d.Replay(path)
}
