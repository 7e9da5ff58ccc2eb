package cmd

import (
	"github.com/openaccel/boardflash"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var verifyFwTar string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Report the firmware versions on every detected board",
	Long: `Report the running and SPI-resident firmware bundle version of every
detected board, without writing anything. With --fw-tar the versions are
also compared against the bundle that would be flashed.`,
	Run: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) {
	var bundle *boardflash.Bundle
	if verifyFwTar != "" {
		var err error
		bundle, err = boardflash.OpenBundle(verifyFwTar)
		if err != nil {
			log.Fatalf("failed to open bundle: %v", err)
		}
	}

	devices, err := boardflash.DetectDevices()
	if err != nil {
		log.Fatalf("failed to detect chips: %v", err)
	}

	for _, dev := range devices {
		versions := dev.BundleVersions()
		if versions.Err != nil {
			log.Warnf("%s (%s): could not read firmware versions: %v",
				dev, dev.Board().PublicName, versions.Err)
			continue
		}

		running, spi := "-", "-"
		if versions.Running != nil {
			running = versions.Running.String()
		}
		if versions.Spi != nil {
			spi = versions.Spi.String()
		}
		if bundle == nil {
			log.Infof("%s (%s): running %s, spi %s", dev, dev.Board().PublicName, running, spi)
			continue
		}
		log.Infof("%s (%s): running %s, spi %s, bundle %s",
			dev, dev.Board().PublicName, running, spi, bundle.Version)
	}
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFwTar, "fw-tar", "", "path to the firmware bundle to compare against")
	rootCmd.AddCommand(verifyCmd)
}
