package cmd

import (
	"os"

	"github.com/openaccel/boardflash"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "boardflash",
	Short: "Flash firmware bundles onto AI accelerator boards",
	Long: `boardflash reprograms the SPI configuration flash of accelerator
boards from a signed firmware bundle, preserving board-specific persisted
state and refusing unsafe version transitions.

Examples:
  boardflash flash fw-2026.08.1.tar.gz
  boardflash flash fw-2026.08.1.tar.gz --force --no-reset
  boardflash verify --fw-tar fw-2026.08.1.tar.gz`,
	Version: boardflash.VersionString,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
		boardflash.SetLogger(log.StandardLogger())
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
}
