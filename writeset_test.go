package boardflash

import (
	"bytes"
	"testing"
)

func TestBuildWriteSetPadded(t *testing.T) {
	records := []Record{
		{Offset: 0, Data: []byte{0xAA, 0xBB, 0xCC, 0xDD}},
		{Offset: 8, Data: []byte{0xEE, 0xFF}},
	}

	writes := BuildWriteSet(records, false)
	if len(writes) != 1 {
		t.Fatalf("got %d writes, want one contiguous write", len(writes))
	}
	if writes[0].Offset != 0 {
		t.Errorf("write offset = %d, want 0", writes[0].Offset)
	}
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xFF, 0xFF, 0xFF, 0xFF, 0xEE, 0xFF}
	if !bytes.Equal(writes[0].Data, want) {
		t.Errorf("write data = % X, want % X", writes[0].Data, want)
	}
}

func TestBuildWriteSetPaddedLeadingGap(t *testing.T) {
	// Padded images always start at offset 0, even when the first record
	// does not.
	writes := BuildWriteSet([]Record{{Offset: 4, Data: []byte{0xAA}}}, false)
	if len(writes) != 1 || writes[0].Offset != 0 {
		t.Fatalf("writes = %+v, want one write at offset 0", writes)
	}
	if want := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xAA}; !bytes.Equal(writes[0].Data, want) {
		t.Errorf("write data = % X, want % X", writes[0].Data, want)
	}
}

func TestBuildWriteSetSparse(t *testing.T) {
	records := []Record{
		{Offset: 0, Data: []byte{0xAA, 0xBB, 0xCC, 0xDD}},
		{Offset: 0x2000, Data: []byte{0xEE, 0xFF}},
	}

	writes := BuildWriteSet(records, true)
	if len(writes) != 2 {
		t.Fatalf("got %d writes, want one per record", len(writes))
	}
	for i, rec := range records {
		if writes[i].Offset != rec.Offset || !bytes.Equal(writes[i].Data, rec.Data) {
			t.Errorf("write %d = {%d, % X}, want {%d, % X}",
				i, writes[i].Offset, writes[i].Data, rec.Offset, rec.Data)
		}
	}

	// Writes own their bytes; the parsed image stays untouched.
	writes[0].Data[0] = 0x00
	if records[0].Data[0] != 0xAA {
		t.Errorf("mutating a write changed the source record")
	}
}

func TestBuildWriteSetEmpty(t *testing.T) {
	if writes := BuildWriteSet(nil, false); writes != nil {
		t.Errorf("BuildWriteSet(nil) = %+v, want nil", writes)
	}
	if writes := BuildWriteSet(nil, true); writes != nil {
		t.Errorf("BuildWriteSet(nil) = %+v, want nil", writes)
	}
}
