package boardflash

import (
	"sync"

	"github.com/pkg/errors"
)

// Driver binds the external chip-access library: device enumeration, the
// per-chip transport and process-level reset signaling. All three are
// collaborators outside this engine; a driver package registers itself at
// init time, database/sql style.
type Driver interface {
	// Detect enumerates the chips reachable from this host, in a stable
	// order.
	Detect() ([]Transport, error)
	// ResetChips issues the per-chip reset sequence for one family.
	ResetChips(family Family, interfaceIDs []int) error
	// ResetTray broadcasts one reset to every board in a tray.
	ResetTray(tray string) error
}

var (
	driverMu     sync.Mutex
	activeDriver Driver
)

// RegisterDriver installs the chip-access driver. Calling it twice is a
// programming error.
func RegisterDriver(d Driver) {
	driverMu.Lock()
	defer driverMu.Unlock()
	if activeDriver != nil {
		panic("boardflash: chip-access driver already registered")
	}
	activeDriver = d
}

func getDriver() (Driver, error) {
	driverMu.Lock()
	defer driverMu.Unlock()
	if activeDriver == nil {
		return nil, errors.New("no chip-access driver registered")
	}
	return activeDriver, nil
}

// DetectDevices enumerates chips through the registered driver and wraps
// each one into a Device with its board identity resolved.
func DetectDevices() ([]*Device, error) {
	driver, err := getDriver()
	if err != nil {
		return nil, err
	}
	transports, err := driver.Detect()
	if err != nil {
		return nil, errors.Wrap(err, "detecting chips")
	}

	devices := make([]*Device, 0, len(transports))
	for i, transport := range transports {
		dev, err := NewDevice(transport, i)
		if err != nil {
			return nil, errors.Wrapf(err, "initializing chip %d", i)
		}
		devices = append(devices, dev)
	}
	pkgLog.Infof("detected %d chips", len(devices))
	return devices, nil
}
