package boardflash

import (
	"bytes"
	"testing"
)

// gen3BoardcfgDevice builds a sparse-family device whose flash carries a
// boot-fs directory at 0 with a boardcfg blob at payloadAddr.
func gen3BoardcfgDevice(t *testing.T, payloadAddr uint32, payload []byte) (*Device, *mockTransport) {
	t.Helper()
	mock := newMockTransport(0x4000, testBoardID(upiP100, 0))

	desc := testDescriptor(boardcfgTag, payloadAddr, uint32(len(payload)))
	desc.DataCRC = AdditiveChecksum(payload)
	desc.UpdateCRC()
	copy(mock.flash[0:], buildDirectory(desc, invalidDescriptor()))
	copy(mock.flash[payloadAddr:], payload)

	return newTestDevice(t, mock), mock
}

// boardcfgImage builds an image with a directory record pointing boardcfg
// at imageAddr, optionally with a placeholder payload record there.
func boardcfgImage(imageAddr uint32, payloadLen int, withPayload bool) []Record {
	desc := testDescriptor(boardcfgTag, imageAddr, uint32(payloadLen))
	records := []Record{
		{Offset: 0, Data: buildDirectory(desc, invalidDescriptor())},
	}
	if withPayload {
		records = append(records, Record{Offset: imageAddr, Data: make([]byte, payloadLen)})
	}
	return records
}

func TestWritebackBoardcfg(t *testing.T) {
	livePayload := bytes.Repeat([]byte{0xC5}, 16)
	dev, _ := gen3BoardcfgDevice(t, 0x2000, livePayload)

	records := boardcfgImage(0x100, len(livePayload), true)
	rules := []MaskRule{{Tag: "write-boardcfg"}}

	patched, err := PatchRecords(dev, dev.Board(), records, rules, nil)
	if err != nil {
		t.Fatalf("PatchRecords: %v", err)
	}

	// The payload record now carries the board's own configuration.
	var payloadRec *Record
	for i := range patched {
		if patched[i].Offset == 0x100 {
			payloadRec = &patched[i]
		}
	}
	if payloadRec == nil {
		t.Fatalf("no payload record at 0x100 after writeback")
	}
	if !bytes.Equal(payloadRec.Data, livePayload) {
		t.Errorf("payload = % X, want % X", payloadRec.Data, livePayload)
	}

	// The directory entry is the flash descriptor retargeted at the
	// image's address, with a checksum that still validates.
	found, err := ReadTag(sliceReader(patched[0].Data), boardcfgTag)
	if err != nil {
		t.Fatalf("ReadTag on patched directory: %v", err)
	}
	if found == nil {
		t.Fatalf("boardcfg missing from patched directory")
	}
	if found.Desc.SpiAddr != 0x100 {
		t.Errorf("descriptor spi_addr = %#x, want 0x100", found.Desc.SpiAddr)
	}
	if want := AdditiveChecksum(livePayload); found.Desc.DataCRC != want {
		t.Errorf("descriptor data_crc = %#x, want %#x", found.Desc.DataCRC, want)
	}
	if !found.Desc.ChecksumValid() {
		t.Errorf("descriptor fd_crc does not validate after retarget")
	}
}

func TestWritebackBoardcfgSynthesizesPayloadRecord(t *testing.T) {
	livePayload := bytes.Repeat([]byte{0xC5}, 16)
	dev, _ := gen3BoardcfgDevice(t, 0x2000, livePayload)

	records := boardcfgImage(0x100, len(livePayload), false)
	rules := []MaskRule{{Tag: "write-boardcfg"}}

	patched, err := PatchRecords(dev, dev.Board(), records, rules, nil)
	if err != nil {
		t.Fatalf("PatchRecords: %v", err)
	}
	if len(patched) != 2 {
		t.Fatalf("got %d records, want a synthesized payload record", len(patched))
	}
	if patched[1].Offset != 0x100 {
		t.Errorf("synthesized record at %#x, want 0x100 and sorted order", patched[1].Offset)
	}
	if !bytes.Equal(patched[1].Data, livePayload) {
		t.Errorf("synthesized payload = % X, want % X", patched[1].Data, livePayload)
	}
}

func TestWritebackBoardcfgMissingOnChip(t *testing.T) {
	// A chip whose directory starts with the sentinel has no boardcfg.
	mock := newMockTransport(0x4000, testBoardID(upiP100, 0))
	copy(mock.flash[0:], buildDirectory(invalidDescriptor()))
	dev := newTestDevice(t, mock)

	records := boardcfgImage(0x100, 16, true)
	_, err := PatchRecords(dev, dev.Board(), records, []MaskRule{{Tag: "write-boardcfg"}}, nil)
	var cfgErr *ConfigError
	if !errorAs(err, &cfgErr) {
		t.Errorf("error = %v, want a ConfigError", err)
	}
}

func TestWritebackBoardcfgMissingInImage(t *testing.T) {
	dev, _ := gen3BoardcfgDevice(t, 0x2000, bytes.Repeat([]byte{0xC5}, 16))

	// The image's directory names another blob only.
	records := []Record{
		{Offset: 0, Data: buildDirectory(testDescriptor("cmfw", 0x100, 16), invalidDescriptor())},
	}
	_, err := PatchRecords(dev, dev.Board(), records, []MaskRule{{Tag: "write-boardcfg"}}, nil)
	var cfgErr *ConfigError
	if !errorAs(err, &cfgErr) {
		t.Errorf("error = %v, want a ConfigError", err)
	}
}

func TestWritebackBoardcfgUnknownTag(t *testing.T) {
	dev, _ := gen3BoardcfgDevice(t, 0x2000, bytes.Repeat([]byte{0xC5}, 16))

	records := boardcfgImage(0x100, 16, true)
	_, err := PatchRecords(dev, dev.Board(), records, []MaskRule{{Tag: "rmw"}}, nil)
	var cfgErr *ConfigError
	if !errorAs(err, &cfgErr) {
		t.Errorf("error = %v, want a ConfigError", err)
	}
}
