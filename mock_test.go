package boardflash

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var errMockTimeout = errors.New("timed out waiting for response")

func errorAs(err error, target interface{}) bool {
	return errors.As(err, target)
}

// mockTransport backs tests with an in-memory flash space.
type mockTransport struct {
	flash        []byte
	boardID      uint64
	telemetry    Telemetry
	telemetryErr error

	// arc handles ArcMsg calls; nil means every message times out,
	// like a chip running pre-bundle firmware.
	arc func(msg uint32, args ...uint32) ([]uint32, error)

	// onSpiRead can corrupt readback data to provoke verify failures.
	onSpiRead func(addr uint32, data []byte)

	arcCalls   [][]uint32
	writeCount int
}

func newMockTransport(flashSize int, boardID uint64) *mockTransport {
	flash := make([]byte, flashSize)
	for i := range flash {
		flash[i] = 0xFF
	}
	return &mockTransport{flash: flash, boardID: boardID}
}

func (m *mockTransport) SpiRead(addr, length uint32) ([]byte, error) {
	if int(addr)+int(length) > len(m.flash) {
		return nil, fmt.Errorf("spi read %d:%d out of range", addr, addr+length)
	}
	data := make([]byte, length)
	copy(data, m.flash[addr:])
	if m.onSpiRead != nil {
		m.onSpiRead(addr, data)
	}
	return data, nil
}

func (m *mockTransport) SpiWrite(addr uint32, data []byte) error {
	if int(addr)+len(data) > len(m.flash) {
		return fmt.Errorf("spi write %d:%d out of range", addr, int(addr)+len(data))
	}
	m.writeCount++
	copy(m.flash[addr:], data)
	return nil
}

func (m *mockTransport) ArcMsg(msg uint32, args ...uint32) ([]uint32, error) {
	m.arcCalls = append(m.arcCalls, append([]uint32{msg}, args...))
	if m.arc != nil {
		return m.arc(msg, args...)
	}
	return nil, &TransportError{Op: "arc message", Timeout: true, Err: errMockTimeout}
}

func (m *mockTransport) GetTelemetry() (Telemetry, error) {
	return m.telemetry, m.telemetryErr
}

func (m *mockTransport) BoardType() (uint64, error) {
	return m.boardID, nil
}

func testBoardID(upi, rev uint32) uint64 {
	return uint64(upi)<<36 | uint64(rev)<<32
}

const (
	upiN150 = 0x18
	upiN300 = 0x14
	upiP100 = 0x36
	upiP300 = 0x45
)

func newTestDevice(t *testing.T, transport *mockTransport) *Device {
	t.Helper()
	dev, err := NewDevice(transport, 0)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return dev
}

// setTestDriver installs a driver without the global registration check.
func setTestDriver(t *testing.T, d Driver) {
	t.Helper()
	driverMu.Lock()
	prev := activeDriver
	activeDriver = d
	driverMu.Unlock()
	t.Cleanup(func() {
		driverMu.Lock()
		activeDriver = prev
		driverMu.Unlock()
	})
}

// stubSleep makes the fixed settle windows instantaneous in tests.
func stubSleep(t *testing.T) {
	t.Helper()
	prev := sleepFn
	sleepFn = func(time.Duration) {}
	t.Cleanup(func() { sleepFn = prev })
}
