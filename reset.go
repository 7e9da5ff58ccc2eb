package boardflash

import (
	"encoding/json"
	"math/rand"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Post-reset boot windows. Boards are given longer to come back when the
// flash crossed a firmware major, since those boots re-run one-time
// migration steps.
const (
	chipRebootWait        = 15 * time.Second
	trayRebootWait        = 30 * time.Second
	majorUpgradeExtraWait = 15 * time.Second
)

// SysConfig is the operator-provided topology file. Trays name groups of
// boards that must be reset together with one broadcast command.
type SysConfig struct {
	Trays     []TrayConfig `json:"trays"`
	LinkReset struct {
		PciIndex []int `json:"pci_index"`
	} `json:"link_reset"`
}

// TrayConfig is one multi-board tray and the host interface indices of
// the chips it carries.
type TrayConfig struct {
	Name         string `json:"name"`
	HostPciIndex []int  `json:"host_pci_index"`
}

// LoadSysConfig reads a topology config from disk.
func LoadSysConfig(path string) (*SysConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading sys-config")
	}
	var cfg SysConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, configErrorf("invalid sys-config %s: %v", path, err)
	}
	return &cfg, nil
}

// ResetAndConfirm resets the chips a successful fleet flash marked for
// reset, grouped by family and tray topology, then confirms on families
// that support it that the new firmware is actually executing. It is only
// called after a flash with zero Stage-2 failures; confirmation problems
// are warnings, never failures, because the flash itself already
// verified.
func ResetAndConfirm(fleet *FleetResult, sysConfig *SysConfig, opts FlashOptions) error {
	toReset := fleet.NeedsReset()
	if len(toReset) == 0 {
		return nil
	}

	if fleet.Failures > 0 {
		pkgLog.Warnf("errors detected during flash, skipping automatic reset")
		return nil
	}
	if opts.NoReset {
		pkgLog.Infof("skipping automatic reset due to --no-reset; reset the boards manually to load the new firmware")
		return nil
	}

	driver, err := getDriver()
	if err != nil {
		return err
	}

	extraWait := time.Duration(0)
	if fleet.MajorUpgraded() {
		extraWait = majorUpgradeExtraWait
	}

	byFamily := map[Family][]int{}
	devByID := map[int]*Device{}
	for _, r := range toReset {
		byFamily[r.Device.Family()] = append(byFamily[r.Device.Family()], r.Device.ID())
		devByID[r.Device.ID()] = r.Device
	}

	// Trays reset as one unit; their member chips must not also get the
	// per-chip sequence.
	if sysConfig != nil {
		for _, tray := range sysConfig.Trays {
			if !trayHasAny(tray, devByID) {
				continue
			}
			pkgLog.Infof("resetting tray %s", tray.Name)
			if err := driver.ResetTray(tray.Name); err != nil {
				return errors.Wrapf(err, "resetting tray %s", tray.Name)
			}
			for family, ids := range byFamily {
				byFamily[family] = removeIDs(ids, tray.HostPciIndex)
			}
			sleepFn(trayRebootWait + extraWait)
		}
	}

	resetAny := false
	for _, family := range []Family{FamilyGen1, FamilyGen2, FamilyGen3} {
		ids := byFamily[family]
		if len(ids) == 0 {
			continue
		}
		pkgLog.Infof("resetting %d %s chips", len(ids), family)
		if err := driver.ResetChips(family, ids); err != nil {
			return errors.Wrapf(err, "resetting %s chips", family)
		}
		resetAny = true
	}
	if resetAny {
		sleepFn(chipRebootWait + extraWait)
	}

	// Post-reset state: every handle reopens, every telemetry snapshot
	// is stale.
	for _, r := range toReset {
		r.Device.Reinit()
	}

	for _, r := range toReset {
		confirmLive(r.Device)
	}
	return nil
}

func trayHasAny(tray TrayConfig, devByID map[int]*Device) bool {
	for _, id := range tray.HostPciIndex {
		if _, ok := devByID[id]; ok {
			return true
		}
	}
	return false
}

func removeIDs(ids, remove []int) []int {
	removed := make(map[int]bool, len(remove))
	for _, id := range remove {
		removed[id] = true
	}
	out := ids[:0]
	for _, id := range ids {
		if !removed[id] {
			out = append(out, id)
		}
	}
	return out
}

// confirmLive proves the freshly flashed firmware is the one executing:
// the chip must echo back a random nonce through the new image's message
// handler. A failed echo only warns, because the flash contents already
// verified byte for byte.
func confirmLive(dev *Device) {
	defines := dev.Defines()
	if defines.MsgEchoNonce == 0 {
		return
	}

	nonce := uint32(rand.Intn(1 << 16))
	results, err := dev.ArcMsg(defines.MsgEchoNonce, nonce)
	if err != nil || len(results) == 0 || results[0]&0xFFFF != nonce {
		pkgLog.Warnf("%s: could not confirm the new firmware is live, please reset the board manually", dev)
		return
	}
	pkgLog.Infof("%s: new firmware confirmed live", dev)
}
