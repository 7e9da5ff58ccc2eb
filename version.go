package boardflash

import (
	"fmt"
)

// BundleVersion is the 4-tuple firmware release identifier carried by
// manifests, telemetry and the SPI-resident image.
type BundleVersion struct {
	Component uint8
	Major     uint8
	Minor     uint8
	Patch     uint8
}

// legacyComponent marks the retired version encoding in which the tuple
// was shifted one field left. It normalizes away before any comparison.
const legacyComponent = 80

func versionFromWord(w uint32) BundleVersion {
	return BundleVersion{
		Component: uint8(w >> 24),
		Major:     uint8(w >> 16),
		Minor:     uint8(w >> 8),
		Patch:     uint8(w),
	}
}

// Word packs the version into its 32-bit big-endian-field form.
func (v BundleVersion) Word() uint32 {
	return uint32(v.Component)<<24 | uint32(v.Major)<<16 | uint32(v.Minor)<<8 | uint32(v.Patch)
}

func (v BundleVersion) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Component, v.Major, v.Minor, v.Patch)
}

// Normalize remaps the legacy encoding to the current one.
func (v BundleVersion) Normalize() BundleVersion {
	if v.Component == legacyComponent {
		return BundleVersion{Component: v.Major, Major: v.Minor, Minor: v.Patch}
	}
	return v
}

// Compare orders two versions lexicographically after normalizing both.
func (v BundleVersion) Compare(other BundleVersion) int {
	a, b := v.Normalize(), other.Normalize()
	at := [4]uint8{a.Component, a.Major, a.Minor, a.Patch}
	bt := [4]uint8{b.Component, b.Major, b.Minor, b.Patch}
	for i := range at {
		if at[i] != bt[i] {
			if at[i] < bt[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// AtLeast reports v >= other under normalized ordering.
func (v BundleVersion) AtLeast(other BundleVersion) bool {
	return v.Compare(other) >= 0
}

// Verdict is the compatibility decision for one chip.
type Verdict int

const (
	// VerdictProceed: the chip should be flashed.
	VerdictProceed Verdict = iota
	// VerdictSkip: the chip already carries this firmware or newer.
	VerdictSkip
)

// FlashOptions are the operator overrides threaded through the pipeline.
type FlashOptions struct {
	// Force flashes regardless of version checks and tolerated read
	// failures. It never skips actually performing the write.
	Force bool
	// AllowMajorDowngrades permits flashing a bundle whose major is
	// older than the running firmware's.
	AllowMajorDowngrades bool
	// SkipMissingFw treats boards absent from the bundle as skipped
	// instead of failing the run.
	SkipMissingFw bool
	// NoReset suppresses the fleet reset after a successful flash.
	NoReset bool
}

// EvaluateCompatibility runs the per-chip version state machine: read the
// chip's running and SPI-resident bundle versions, normalize legacy
// encodings, guard against major-version jumps, then decide skip or
// proceed by comparing the freshest known version against the manifest.
func EvaluateCompatibility(dev *Device, manifest BundleVersion, opts FlashOptions) (Verdict, error) {
	return evaluateVersions(dev, dev.BundleVersions(), manifest, opts)
}

func evaluateVersions(dev *Device, versions FwVersions, manifest BundleVersion, opts FlashOptions) (Verdict, error) {
	manifest = manifest.Normalize()

	if versions.Err != nil {
		if !versions.Tolerated {
			return 0, &TransportError{Op: "reading firmware version", Err: versions.Err}
		}
		// Very old firmware cannot report a version at all; that alone
		// is not proof an update is wanted.
		if !opts.Force {
			return 0, compatErrorf(
				"could not determine running firmware (%v); if you know what you are doing, re-run with --force",
				versions.Err)
		}
		pkgLog.Warnf("%s: could not determine running firmware (%v), assuming it needs an update", dev, versions.Err)
		return VerdictProceed, nil
	}

	var running, spi *BundleVersion
	if versions.Running != nil {
		v := versions.Running.Normalize()
		running = &v
	}
	if versions.Spi != nil {
		v := versions.Spi.Normalize()
		spi = &v
	}

	if running != nil {
		switch {
		case running.Component > manifest.Component:
			if !opts.AllowMajorDowngrades && !opts.Force {
				return 0, compatErrorf(
					"bundle %s is a major downgrade from running firmware %s; re-run with --allow-major-downgrades to proceed",
					manifest, running)
			}
			pkgLog.Warnf("%s: downgrading firmware %s to bundle %s", dev, running, manifest)
		case running.Component+1 == manifest.Component:
			pkgLog.Warnf("%s: single-step major upgrade %s -> %s", dev, running, manifest)
		case running.Component != manifest.Component:
			if !opts.Force {
				return 0, compatErrorf(
					"bundle fwId (%d) does not match running fwId (%d); %s != %s",
					manifest.Component, running.Component, manifest, running)
			}
			pkgLog.Warnf("%s: unexpected fwId %d, continuing under --force", dev, running.Component)
		}
		pkgLog.Infof("%s: running firmware is %s, bundle is %s", dev, running, manifest)
	}

	if opts.Force {
		pkgLog.Infof("%s: forced update requested, firmware will be flashed", dev)
		return VerdictProceed, nil
	}

	// The SPI-resident version is the best freshness signal: it reflects
	// what a reboot would run, not what is running now.
	switch {
	case spi != nil:
		if spi.AtLeast(manifest) {
			if running != nil && running.Compare(manifest) < 0 {
				pkgLog.Infof("%s: flash already up to date; running firmware is stale and will catch up after a reset", dev)
			} else {
				pkgLog.Infof("%s: firmware does not need to be updated", dev)
			}
			return VerdictSkip, nil
		}
	case running != nil:
		if running.AtLeast(manifest) {
			pkgLog.Infof("%s: firmware does not need to be updated", dev)
			return VerdictSkip, nil
		}
	default:
		pkgLog.Infof("%s: no current firmware version obtainable, assuming it needs an update", dev)
		return VerdictProceed, nil
	}

	pkgLog.Infof("%s: bundle is newer than flashed firmware, updating", dev)
	return VerdictProceed, nil
}
