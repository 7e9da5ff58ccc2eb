package boardflash

import (
	"fmt"
)

// ConfigError indicates a malformed bundle, mask or manifest. It is fatal
// for the whole invocation: a corrupt bundle must never be partially
// flashed onto any chip.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

func configErrorf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// CompatibilityError indicates that the firmware version rules reject the
// transition for one chip. It is scoped to that chip and may be bypassed
// with the force or downgrade-override flags.
type CompatibilityError struct {
	Message string
}

func (e *CompatibilityError) Error() string {
	return e.Message
}

func compatErrorf(format string, args ...interface{}) *CompatibilityError {
	return &CompatibilityError{Message: fmt.Sprintf(format, args...)}
}

// TransportError indicates that a chip-access call failed. Timeout is the
// only variant that is ever silently tolerated, and only where the chip
// family explicitly allows it (very old firmware with no version support).
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// VerifyError indicates that a post-write readback did not match what was
// written. FirstMismatch is the flash offset of the first differing byte.
type VerifyError struct {
	FirstMismatch uint32
	MismatchCount int
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verify failed: first mismatch at offset %d, %d mismatching bytes",
		e.FirstMismatch, e.MismatchCount)
}
