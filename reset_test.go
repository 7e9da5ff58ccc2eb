package boardflash

import (
	"os"
	"path/filepath"
	"testing"
)

type mockDriver struct {
	transports []Transport
	detectErr  error

	chipResets []chipReset
	trayResets []string
}

type chipReset struct {
	family Family
	ids    []int
}

func (d *mockDriver) Detect() ([]Transport, error) {
	return d.transports, d.detectErr
}

func (d *mockDriver) ResetChips(family Family, interfaceIDs []int) error {
	d.chipResets = append(d.chipResets, chipReset{family: family, ids: interfaceIDs})
	return nil
}

func (d *mockDriver) ResetTray(tray string) error {
	d.trayResets = append(d.trayResets, tray)
	return nil
}

func resetTestFleet(t *testing.T) (*FleetResult, []*mockTransport) {
	t.Helper()
	mocks := make([]*mockTransport, 3)
	results := make([]ChipResult, 3)

	for i, upi := range []uint32{upiN150, upiN150, upiP100} {
		mock := newMockTransport(64, testBoardID(upi, 0))
		mock.arc = func(msg uint32, args ...uint32) ([]uint32, error) {
			// The gen3 liveness check expects its nonce echoed back.
			return []uint32{args[0]}, nil
		}
		mocks[i] = mock
		dev, err := NewDevice(mock, i)
		if err != nil {
			t.Fatalf("NewDevice: %v", err)
		}
		results[i] = ChipResult{Device: dev, CanReset: true}
	}
	return &FleetResult{Results: results}, mocks
}

func TestResetAndConfirm(t *testing.T) {
	stubSleep(t)
	driver := &mockDriver{}
	setTestDriver(t, driver)
	fleet, mocks := resetTestFleet(t)

	sysConfig := &SysConfig{Trays: []TrayConfig{{Name: "tray0", HostPciIndex: []int{1}}}}
	if err := ResetAndConfirm(fleet, sysConfig, FlashOptions{}); err != nil {
		t.Fatalf("ResetAndConfirm: %v", err)
	}

	// Chip 1 resets with its tray, chips 0 and 2 per family.
	if len(driver.trayResets) != 1 || driver.trayResets[0] != "tray0" {
		t.Errorf("tray resets = %v, want [tray0]", driver.trayResets)
	}
	want := []chipReset{
		{family: FamilyGen2, ids: []int{0}},
		{family: FamilyGen3, ids: []int{2}},
	}
	if len(driver.chipResets) != len(want) {
		t.Fatalf("chip resets = %+v, want %+v", driver.chipResets, want)
	}
	for i, w := range want {
		got := driver.chipResets[i]
		if got.family != w.family || len(got.ids) != len(w.ids) || got.ids[0] != w.ids[0] {
			t.Errorf("chip reset %d = %+v, want %+v", i, got, w)
		}
	}

	// Only the gen3 chip has a liveness message to confirm with.
	if n := countArcMessage(mocks[2], 0x92); n != 1 {
		t.Errorf("gen3 chip got %d nonce echoes, want 1", n)
	}
	for i := 0; i < 2; i++ {
		if n := countArcMessage(mocks[i], 0x92); n != 0 {
			t.Errorf("gen2 chip %d got %d nonce echoes, want 0", i, n)
		}
	}
}

func countArcMessage(mock *mockTransport, msg uint32) int {
	n := 0
	for _, call := range mock.arcCalls {
		if call[0] == msg {
			n++
		}
	}
	return n
}

func TestResetSkippedWhenFlashFailed(t *testing.T) {
	stubSleep(t)
	driver := &mockDriver{}
	setTestDriver(t, driver)
	fleet, _ := resetTestFleet(t)
	fleet.Failures = 1

	if err := ResetAndConfirm(fleet, nil, FlashOptions{}); err != nil {
		t.Fatalf("ResetAndConfirm: %v", err)
	}
	if len(driver.chipResets) != 0 || len(driver.trayResets) != 0 {
		t.Errorf("boards were reset despite flash failures")
	}
}

func TestResetSkippedWithNoReset(t *testing.T) {
	stubSleep(t)
	driver := &mockDriver{}
	setTestDriver(t, driver)
	fleet, _ := resetTestFleet(t)

	if err := ResetAndConfirm(fleet, nil, FlashOptions{NoReset: true}); err != nil {
		t.Fatalf("ResetAndConfirm: %v", err)
	}
	if len(driver.chipResets) != 0 {
		t.Errorf("boards were reset despite --no-reset")
	}
}

func TestResetNothingToDo(t *testing.T) {
	// No resettable chips means no driver is even needed.
	setTestDriver(t, nil)
	fleet := &FleetResult{Results: []ChipResult{{Skipped: true}}}
	if err := ResetAndConfirm(fleet, nil, FlashOptions{}); err != nil {
		t.Fatalf("ResetAndConfirm: %v", err)
	}
}

func TestConfirmLiveBadEcho(t *testing.T) {
	// A wrong echo downgrades to a warning; the flash already verified.
	mock := newMockTransport(64, testBoardID(upiP100, 0))
	mock.arc = func(msg uint32, args ...uint32) ([]uint32, error) {
		return []uint32{args[0] + 1}, nil
	}
	confirmLive(newTestDevice(t, mock))

	if n := countArcMessage(mock, 0x92); n != 1 {
		t.Errorf("got %d nonce echoes, want 1", n)
	}
}

func TestLoadSysConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"trays": [{"name": "tray0", "host_pci_index": [0, 1]}],
		"link_reset": {"pci_index": [0, 1, 2]}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadSysConfig(path)
	if err != nil {
		t.Fatalf("LoadSysConfig: %v", err)
	}
	if len(cfg.Trays) != 1 || cfg.Trays[0].Name != "tray0" || len(cfg.Trays[0].HostPciIndex) != 2 {
		t.Errorf("Trays = %+v", cfg.Trays)
	}
	if len(cfg.LinkReset.PciIndex) != 3 {
		t.Errorf("LinkReset.PciIndex = %v", cfg.LinkReset.PciIndex)
	}

	if _, err := LoadSysConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Errorf("LoadSysConfig accepted a missing file")
	}
}

func TestDetectDevices(t *testing.T) {
	mock := newMockTransport(64, testBoardID(upiP100, 0))
	setTestDriver(t, &mockDriver{transports: []Transport{mock}})

	devices, err := DetectDevices()
	if err != nil {
		t.Fatalf("DetectDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}
	if devices[0].Board().Name != "P100" || devices[0].ID() != 0 {
		t.Errorf("device = %s id %d, want P100 id 0", devices[0].Board().Name, devices[0].ID())
	}
}

func TestDetectDevicesWithoutDriver(t *testing.T) {
	setTestDriver(t, nil)
	if _, err := DetectDevices(); err == nil {
		t.Errorf("DetectDevices succeeded without a registered driver")
	}
}

func TestRegisterDriverTwicePanics(t *testing.T) {
	setTestDriver(t, nil)
	RegisterDriver(&mockDriver{})
	defer func() {
		if recover() == nil {
			t.Errorf("second RegisterDriver did not panic")
		}
	}()
	RegisterDriver(&mockDriver{})
}
