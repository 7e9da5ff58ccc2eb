package boardflash

import (
	"fmt"

	"github.com/pkg/errors"
)

// Transport is the seam to the external chip-access library. Everything
// the engine does to silicon goes through these five calls; the library
// itself (PCIe setup, ARC mailboxes, SPI controller) is out of scope.
//
// ArcMsg implementations report timeouts as a *TransportError with
// Timeout set, so callers can tolerate them where that is allowed.
type Transport interface {
	SpiRead(addr, length uint32) ([]byte, error)
	SpiWrite(addr uint32, data []byte) error
	ArcMsg(msg uint32, args ...uint32) ([]uint32, error)
	GetTelemetry() (Telemetry, error)
	BoardType() (uint64, error)
}

// Telemetry is one snapshot of the chip's firmware-reported state.
type Telemetry struct {
	BoardID         uint64
	AsicLocation    int
	FwBundleVersion uint32
	M3AppFwVersion  uint32
	SmbusFwVersion  uint32
	ArcL2FwVersion  uint32
}

// FwVersions holds the bundle versions a chip reported, or the transport
// failure hit while reading them. Tolerated marks failures the chip
// family allows (firmware too old to know its own version); every other
// failure is terminal for the chip.
type FwVersions struct {
	Running   *BundleVersion
	Spi       *BundleVersion
	Err       error
	Tolerated bool
}

// Device is one chip handle: the transport, the board catalog entry
// resolved at detection time, and a cached telemetry snapshot. The cache
// is invalidated on Reinit and never survives a flash write.
type Device struct {
	transport Transport
	board     Board
	defines   FamilyDefines
	id        int

	telemetry *Telemetry
}

// NewDevice wraps a detected chip's transport into a Device, resolving
// its board catalog entry and per-family firmware defines. The id is the
// host interface index used for reset grouping.
func NewDevice(transport Transport, id int) (*Device, error) {
	dev := &Device{transport: transport, id: id}

	boardID, err := transport.BoardType()
	if err != nil {
		return nil, errors.Wrap(err, "reading board type")
	}

	board, needsLocation := LookupBoard(boardID)
	if board == nil {
		return nil, errors.Errorf("unrecognized board id %#x", boardID)
	}
	if needsLocation {
		// Dual-asic boards flash a different image per asic position.
		telem, err := dev.Telemetry()
		if err != nil {
			return nil, errors.Wrap(err, "reading asic location")
		}
		board = board.atLocation(telem.AsicLocation)
	}
	dev.board = *board

	dev.defines, err = lookupDefines(board.Family)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// ID returns the host interface index the device was detected at.
func (d *Device) ID() int { return d.id }

// Board returns the device's board catalog entry.
func (d *Device) Board() Board { return d.board }

// Family returns the device's chip family.
func (d *Device) Family() Family { return d.board.Family }

// Defines returns the per-family firmware defines.
func (d *Device) Defines() FamilyDefines { return d.defines }

func (d *Device) String() string {
	return fmt.Sprintf("%s[%d]", d.board.Family, d.id)
}

// SpiRead reads length bytes from the configuration flash.
func (d *Device) SpiRead(addr, length uint32) ([]byte, error) {
	return d.transport.SpiRead(addr, length)
}

// SpiWrite writes data to the configuration flash.
func (d *Device) SpiWrite(addr uint32, data []byte) error {
	return d.transport.SpiWrite(addr, data)
}

// ArcMsg sends one ARC mailbox message and returns its results.
func (d *Device) ArcMsg(msg uint32, args ...uint32) ([]uint32, error) {
	return d.transport.ArcMsg(msg, args...)
}

// Telemetry returns the cached telemetry snapshot, fetching it on first
// use. The snapshot stays fixed until Refresh or Reinit.
func (d *Device) Telemetry() (*Telemetry, error) {
	if d.telemetry == nil {
		telem, err := d.transport.GetTelemetry()
		if err != nil {
			return nil, err
		}
		d.telemetry = &telem
	}
	return d.telemetry, nil
}

// Reinit drops the cached telemetry so the next read sees post-reset
// firmware state.
func (d *Device) Reinit() {
	d.telemetry = nil
}

// MinFwVersion is the oldest raw firmware version with bundle support on
// this family. Older firmware cannot report versions at all.
func (d *Device) MinFwVersion() uint32 {
	return d.defines.MinFwVersion
}

// BundleVersions reads the chip's running and SPI-resident firmware
// bundle versions. Gen3 reports the running version through telemetry;
// gen1/gen2 use the legacy ARC message protocol, whose failures are
// tolerated because sufficiently old firmware does not implement it.
func (d *Device) BundleVersions() FwVersions {
	if d.board.Family == FamilyGen3 {
		telem, err := d.Telemetry()
		if err != nil {
			return FwVersions{Err: err}
		}
		running := versionFromWord(telem.FwBundleVersion)
		return FwVersions{Running: &running}
	}
	return d.legacyBundleVersions()
}

// Raw version words the legacy protocol uses to signal "no version".
const (
	versionWordUnset = 0xFFFFFFFF
	versionWordDead  = 0x0000DEAD
)

func (d *Device) legacyBundleVersions() FwVersions {
	fwVersion, err := d.arcReadWord(d.defines.MsgFwVersion, 0, 0)
	if err != nil {
		return FwVersions{Err: err, Tolerated: true}
	}

	// Pre-bundle firmware has no version reporting at all. Safe to treat
	// as needing an update.
	if fwVersion < d.defines.MinFwVersion {
		return FwVersions{Tolerated: true}
	}

	out := FwVersions{Tolerated: true}

	runningWord, err := d.arcReadWord(d.defines.MsgFwVersion, 1, 0)
	if err != nil {
		out.Err = err
		return out
	}
	if runningWord != versionWordUnset && runningWord != versionWordDead {
		running := versionFromWord(runningWord)
		out.Running = &running
	}

	// One firmware release echoes the base version instead of failing on
	// the unknown arg; the two can never legitimately be equal.
	if runningWord != versionWordDead && runningWord != fwVersion {
		spiWord, err := d.arcReadWord(d.defines.MsgFwVersion, 2, 0)
		if err != nil {
			out.Err = err
			return out
		}
		if spiWord != versionWordUnset && spiWord != versionWordDead {
			spi := versionFromWord(spiWord)
			out.Spi = &spi
		}
	}
	return out
}

func (d *Device) arcReadWord(msg uint32, args ...uint32) (uint32, error) {
	results, err := d.transport.ArcMsg(msg, args...)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, errors.Errorf("arc message %#x returned no results", msg)
	}
	return results[0], nil
}

// SubsystemVersions are the firmware component versions consulted when
// deciding whether a gen2 board can be reset automatically.
type SubsystemVersions struct {
	M3App BundleVersion
	ArcL2 BundleVersion
	Smbus BundleVersion
}

// SubsystemVersions decodes the management firmware versions from the
// telemetry snapshot.
func (d *Device) SubsystemVersions() (SubsystemVersions, error) {
	telem, err := d.Telemetry()
	if err != nil {
		return SubsystemVersions{}, err
	}
	return SubsystemVersions{
		M3App: versionFromWord(telem.M3AppFwVersion),
		ArcL2: versionFromWord(telem.ArcL2FwVersion),
		Smbus: versionFromWord(telem.SmbusFwVersion),
	}, nil
}

// IsTimeout reports whether err is a transport timeout, the one failure
// variant that is ever silently tolerated.
func IsTimeout(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr) && terr.Timeout
}
