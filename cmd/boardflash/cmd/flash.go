package cmd

import (
	"os"
	"path/filepath"

	"github.com/openaccel/boardflash"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flashForce          bool
	flashNoReset        bool
	flashSkipMissingFw  bool
	flashAllowDowngrade bool
	flashSysConfig      string
)

var flashCmd = &cobra.Command{
	Use:   "flash <bundle>",
	Short: "Flash a firmware bundle onto every detected board",
	Long: `Flash a firmware bundle onto every detected board.

Each chip is first checked against the bundle's version (stage 1), then
written, read back and verified with one retry (stage 2). Boards that
support it are reset afterwards and the new firmware is confirmed live.

The exit code is the number of chips whose flash failed terminally;
zero means full success.`,
	Args: cobra.ExactArgs(1),
	Run:  runFlash,
}

func runFlash(cmd *cobra.Command, args []string) {
	log.Infof("stage: setup")
	bundle, err := boardflash.OpenBundle(args[0])
	if err != nil {
		log.Fatalf("failed to open bundle: %v", err)
	}
	log.Infof("bundle version %s verified", bundle.Version)

	sysConfig := loadSysConfig()

	log.Infof("stage: detect")
	devices, err := boardflash.DetectDevices()
	if err != nil {
		log.Fatalf("failed to detect chips: %v", err)
	}

	opts := boardflash.FlashOptions{
		Force:                flashForce,
		NoReset:              flashNoReset,
		SkipMissingFw:        flashSkipMissingFw,
		AllowMajorDowngrades: flashAllowDowngrade,
	}

	log.Infof("stage: flash")
	fleet, err := boardflash.NewPipeline(bundle, opts).Run(devices)
	if err != nil {
		log.Fatalf("flash aborted: %v", err)
	}
	for _, result := range fleet.Results {
		if result.Err != nil {
			log.Errorf("%s: %v", result.Device, result.Err)
		}
	}

	if fleet.Failures == 0 {
		log.Infof("stage: reset")
		if err := boardflash.ResetAndConfirm(fleet, sysConfig, opts); err != nil {
			log.Errorf("reset failed: %v", err)
		}
		log.Infof("flash SUCCESS")
	} else {
		log.Errorf("flash FAILED on %d chips", fleet.Failures)
	}

	os.Exit(fleet.Failures)
}

// loadSysConfig reads the topology config from the --sys-config path or
// the default search locations. A missing config only means tray-grouped
// boards will not be reset automatically.
func loadSysConfig() *boardflash.SysConfig {
	if flashSysConfig != "" {
		cfg, err := boardflash.LoadSysConfig(flashSysConfig)
		if err != nil {
			log.Fatalf("failed to load sys-config: %v", err)
		}
		return cfg
	}

	candidates := []string{"/etc/openaccel/config.json"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "openaccel", "config.json"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := boardflash.LoadSysConfig(path)
		if err != nil {
			log.Fatalf("failed to load sys-config %s: %v", path, err)
		}
		log.Infof("loaded sys-config from %s", path)
		return cfg
	}
	log.Warnf("no sys-config found, tray systems will not be reset")
	return nil
}

func init() {
	flashCmd.Flags().BoolVar(&flashForce, "force", false, "force update the firmware regardless of version checks")
	flashCmd.Flags().BoolVar(&flashNoReset, "no-reset", false, "do not reset boards at the end of the flash")
	flashCmd.Flags().BoolVar(&flashSkipMissingFw, "skip-missing-fw", false, "continue when the bundle has no firmware for a detected board")
	flashCmd.Flags().BoolVar(&flashAllowDowngrade, "allow-major-downgrades", false, "permit flashing a bundle older than the running major version")
	flashCmd.Flags().StringVar(&flashSysConfig, "sys-config", "", "path to the pre-generated topology config")
	rootCmd.AddCommand(flashCmd)
}
