package boardflash

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// How long the remote-copy and M3 settle windows last. These are fixed
// hardware timing windows, not polled deadlines.
const (
	remoteCopySettle     = 15 * time.Second
	m3ResetDisableSettle = time.Second
)

// sleepFn is stubbed in tests; the waits themselves are not cancellable.
var sleepFn = time.Sleep

// The one M3 application release that can bootloop during the
// local-to-remote copy unless its auto-reset is disabled first.
var m3BootloopVersion = BundleVersion{5, 8, 0, 1}

// ChipResult is the pipeline outcome for one chip.
type ChipResult struct {
	Device  *Device
	Skipped bool
	// Err is the chip-scoped failure, if any: a compatibility rejection
	// from Stage 1 or a terminal verify failure from Stage 2.
	Err error

	// CanReset marks chips eligible for the post-flash automatic reset.
	CanReset bool
	// MajorUpgrade marks a flash that changed the firmware major, which
	// needs a longer post-reset boot window.
	MajorUpgrade bool
	// TriggeredCopy marks chips whose local-to-remote copy was started.
	TriggeredCopy bool

	writes []FlashWrite
}

// FleetResult is the outcome of one pipeline run across all chips.
type FleetResult struct {
	Results []ChipResult
	// Failures counts chips whose Stage 2 failed terminally. It is the
	// process exit code and, when nonzero, suppresses the fleet reset.
	Failures int
}

// NeedsReset returns the chips to include in the post-flash reset.
func (f *FleetResult) NeedsReset() []*ChipResult {
	var out []*ChipResult
	for i := range f.Results {
		r := &f.Results[i]
		if r.Err == nil && !r.Skipped && r.CanReset {
			out = append(out, r)
		}
	}
	return out
}

// MajorUpgraded reports whether any flashed chip crossed a major version.
func (f *FleetResult) MajorUpgraded() bool {
	for _, r := range f.Results {
		if r.Err == nil && !r.Skipped && r.MajorUpgrade {
			return true
		}
	}
	return false
}

// Pipeline drives the two-stage flash across a fleet of chips.
type Pipeline struct {
	Bundle  *Bundle
	Options FlashOptions

	stamp *Stamp
}

// NewPipeline builds a pipeline for one bundle. The stamp values every
// tag handler reads are captured here, before any chip is touched.
func NewPipeline(bundle *Bundle, opts FlashOptions) *Pipeline {
	return &Pipeline{
		Bundle:  bundle,
		Options: opts,
		stamp:   bundle.Stamp(),
	}
}

// Run flashes the fleet: Stage 1 concurrently across chips, Stage 2
// sequentially per chip. Configuration errors abort the whole run before
// any write; every other failure is scoped to its chip.
func (p *Pipeline) Run(devices []*Device) (*FleetResult, error) {
	results := make([]ChipResult, len(devices))

	// Stage 1 only reads: chip state, the bundle and the stamp. Safe to
	// run for every chip at once.
	var wg sync.WaitGroup
	for i, dev := range devices {
		wg.Add(1)
		go func(i int, dev *Device) {
			defer wg.Done()
			results[i] = p.stage1(dev)
		}(i, dev)
	}
	wg.Wait()

	// A corrupt bundle must stop the fleet before any write happens.
	for i := range results {
		var cfgErr *ConfigError
		if errors.As(results[i].Err, &cfgErr) {
			return nil, results[i].Err
		}
	}

	fleet := &FleetResult{Results: results}
	triggeredCopy := false
	for i := range results {
		r := &results[i]
		if r.Err != nil || r.Skipped {
			if r.Err != nil {
				fleet.Failures++
			}
			continue
		}
		pkgLog.Infof("%s: flashing %s", r.Device, r.Device.Board().PublicName)
		if err := p.stage2(r); err != nil {
			r.Err = err
			fleet.Failures++
			continue
		}
		triggeredCopy = triggeredCopy || r.TriggeredCopy
	}

	if triggeredCopy {
		pkgLog.Infof("flash and verification completed, waiting for remote copy to complete")
		sleepFn(remoteCopySettle)
	}

	return fleet, nil
}

// stage1 decides whether a chip gets flashed and, if so, builds its
// write set. No flash bytes move here.
func (p *Pipeline) stage1(dev *Device) ChipResult {
	result := ChipResult{Device: dev}
	board := dev.Board()

	// Nudge the chip out of any power state that would slow SPI access.
	// Old firmware times out on this message; that is fine.
	if defines := dev.Defines(); defines.MsgArcState3 != 0 {
		if _, err := dev.ArcMsg(defines.MsgArcState3); err != nil && !IsTimeout(err) {
			pkgLog.Warnf("%s: arc state nudge failed: %v", dev, err)
		}
	}

	versions := dev.BundleVersions()
	verdict, err := evaluateVersions(dev, versions, p.Bundle.Version, p.Options)
	if err != nil {
		result.Err = err
		return result
	}
	if verdict == VerdictSkip {
		result.Skipped = true
		return result
	}
	if versions.Running != nil {
		result.MajorUpgrade = versions.Running.Normalize().Component != p.Bundle.Version.Normalize().Component
	}

	fw, err := p.Bundle.BoardFirmware(board)
	if err != nil {
		result.Err = err
		return result
	}
	if fw == nil {
		if p.Options.SkipMissingFw {
			pkgLog.Warnf("%s: no flash data for %s in bundle, skipping", dev, board.PublicName)
			result.Skipped = true
			return result
		}
		result.Err = configErrorf("could not find flash data for %s in bundle", board.PublicName)
		return result
	}

	patched, err := PatchRecords(dev, board, fw.Records, fw.Rules, p.stamp)
	if err != nil {
		result.Err = err
		return result
	}
	result.writes = BuildWriteSet(patched, board.Sparse)

	result.CanReset = p.canAutoReset(dev)
	return result
}

// canAutoReset decides whether the board may be reset by the tool after a
// successful flash, instead of needing a host power cycle.
func (p *Pipeline) canAutoReset(dev *Device) bool {
	switch dev.Board().Reset {
	case ResetAlways:
		return true
	case ResetIfFwAllows:
		subs, err := dev.SubsystemVersions()
		if err != nil {
			pkgLog.Warnf("%s: cannot determine management firmware versions, board will need a manual reset: %v", dev, err)
			return false
		}
		ok := subs.M3App.AtLeast(MinResetVersions.M3App) &&
			subs.ArcL2.AtLeast(MinResetVersions.ArcL2) &&
			subs.Smbus.AtLeast(MinResetVersions.Smbus)
		if ok {
			pkgLog.Infof("%s: board can be auto reset after a successful flash", dev)
		} else {
			pkgLog.Warnf("%s: management firmware too old for auto reset, board will need a manual reset", dev)
		}
		return ok
	default:
		return false
	}
}

// stage2 writes and verifies one chip's write set. The whole sequence
// runs under an interrupt guard: a partial flash write can leave the
// board unbootable, so operator interrupts are deferred until the chip
// is consistent again.
func (p *Pipeline) stage2(result *ChipResult) error {
	dev := result.Device

	err := withInterruptGuard(func() error {
		pkgLog.Infof("%s: writing new firmware (this may take up to a minute)", dev)
		if err := p.writeAll(dev, result.writes); err != nil {
			return err
		}

		pkgLog.Infof("%s: verifying flashed firmware", dev)
		verr, err := p.verifyAll(dev, result.writes)
		if err != nil {
			return err
		}
		if verr == nil {
			return nil
		}

		// One unconditional full rewrite, then the chip either verifies
		// clean or is declared failed.
		pkgLog.Warnf("%s: initial verification failed (first mismatch at %d, %d total), rewriting once",
			dev, verr.FirstMismatch, verr.MismatchCount)
		if err := p.writeAll(dev, result.writes); err != nil {
			return err
		}
		verr, err = p.verifyAll(dev, result.writes)
		if err != nil {
			return err
		}
		if verr != nil {
			pkgLog.Warnf("%s: second verification failed; do not reset or power off the board, contact support for assistance", dev)
			return verr
		}
		return nil
	})
	if err != nil {
		return err
	}
	pkgLog.Infof("%s: firmware verification succeeded", dev)

	if dev.Board().RemoteCopy {
		return p.triggerRemoteCopy(result)
	}
	return nil
}

func (p *Pipeline) writeAll(dev *Device, writes []FlashWrite) error {
	for _, w := range writes {
		if err := dev.SpiWrite(w.Offset, w.Data); err != nil {
			return &TransportError{Op: "flash write", Err: err}
		}
	}
	return nil
}

// verifyAll reads back every written range and byte-compares it. A
// mismatch is reported as a VerifyError carrying the first differing
// flash offset and the total mismatching byte count; a failed readback
// is a transport error.
func (p *Pipeline) verifyAll(dev *Device, writes []FlashWrite) (*VerifyError, error) {
	var verr *VerifyError
	for _, w := range writes {
		readback, err := dev.SpiRead(w.Offset, uint32(len(w.Data)))
		if err != nil {
			return nil, &TransportError{Op: "verify readback", Err: err}
		}
		for i := range w.Data {
			if readback[i] != w.Data[i] {
				if verr == nil {
					verr = &VerifyError{FirstMismatch: w.Offset + uint32(i)}
				}
				verr.MismatchCount++
			}
		}
	}
	return verr, nil
}

// triggerRemoteCopy starts the board's internal local-to-remote flash
// copy after a clean verify.
func (p *Pipeline) triggerRemoteCopy(result *ChipResult) error {
	dev := result.Device
	defines := dev.Defines()

	pkgLog.Infof("%s: initiating local to remote data copy", dev)

	subs, err := dev.SubsystemVersions()
	if err == nil && subs.M3App == m3BootloopVersion {
		pkgLog.Infof("%s: mitigating M3 bootloop bug before copy", dev)
		if _, err := dev.ArcMsg(defines.MsgM3AutoResetTimeout, 0); err != nil {
			pkgLog.Warnf("%s: failed to disable the M3 auto reset; reset the host and flash again to complete the copy", dev)
			return &TransportError{Op: "disabling M3 auto reset", Err: err}
		}
		sleepFn(m3ResetDisableSettle)
	}

	if _, err := dev.ArcMsg(defines.MsgTriggerSpiCopy); err != nil {
		pkgLog.Warnf("%s: failed to initiate local to remote copy; reset the host and re-run with --force to complete the flash", dev)
		return &TransportError{Op: "triggering remote copy", Err: err}
	}
	result.TriggeredCopy = true
	return nil
}

// withInterruptGuard runs fn with interrupt signals intercepted, so an
// operator Ctrl-C cannot abort a flash write mid-flight. The previous
// signal disposition is restored on return.
func withInterruptGuard(fn func() error) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sigs:
				pkgLog.Warnf("interrupt caught: this process should not be interrupted while flashing")
			case <-done:
				return
			}
		}
	}()
	defer func() {
		signal.Stop(sigs)
		close(done)
	}()
	return fn()
}
