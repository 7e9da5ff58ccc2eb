package boardflash

import (
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/marcinbor85/gohex"
)

// Record is one contiguous run of image bytes destined for a flash offset.
// A parsed image is an ordered set of disjoint records.
type Record struct {
	Offset uint32
	Data   []byte
}

func (r Record) end() uint32 {
	return r.Offset + uint32(len(r.Data))
}

// ParseImage decodes the bundle's address-tagged hex image format: each
// line is either an address directive "@<decimal offset>" moving the
// cursor, or a hex-encoded data line appended at the cursor. Records are
// returned sorted by offset.
func ParseImage(image []byte) ([]Record, error) {
	var records []Record

	var cursor uint32
	for i, line := range strings.Split(string(image), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "@") {
			addr, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "@")), 10, 32)
			if err != nil {
				return nil, configErrorf("image line %d: bad address directive %q: %v", i+1, line, err)
			}
			cursor = uint32(addr)
			continue
		}
		data, err := hex.DecodeString(line)
		if err != nil {
			return nil, configErrorf("image line %d: bad hex data: %v", i+1, err)
		}
		records = append(records, Record{Offset: cursor, Data: data})
		cursor += uint32(len(data))
	}

	if err := sortRecords(records); err != nil {
		return nil, err
	}
	return records, nil
}

// ParseIntelHexImage decodes an Intel HEX image into the same record form.
// Some bundles ship their per-board image in this encoding instead of the
// address-tagged text format.
func ParseIntelHexImage(r io.Reader) ([]Record, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, configErrorf("bad intel hex image: %v", err)
	}

	var records []Record
	for _, segment := range mem.GetDataSegments() {
		records = append(records, Record{Offset: segment.Address, Data: segment.Data})
	}

	if err := sortRecords(records); err != nil {
		return nil, err
	}
	return records, nil
}

// sortRecords orders records by offset and rejects overlap.
func sortRecords(records []Record) error {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Offset < records[j].Offset
	})
	for i := 1; i < len(records); i++ {
		if records[i].Offset < records[i-1].end() {
			return configErrorf("image records overlap: %d:%d and %d:%d",
				records[i-1].Offset, records[i-1].end(), records[i].Offset, records[i].end())
		}
	}
	return nil
}

// SerializeImage renders records back into the address-tagged hex format.
// Parsing the output yields the same records byte for byte.
func SerializeImage(records []Record) []byte {
	var sb strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&sb, "@%d\n", rec.Offset)
		fmt.Fprintf(&sb, "%s\n", strings.ToUpper(hex.EncodeToString(rec.Data)))
	}
	return []byte(sb.String())
}
