package boardflash

// FlashWrite is one (offset, bytes) unit consumed by Stage 2. A write set
// is owned by a single chip's flash operation and never shared.
type FlashWrite struct {
	Offset uint32
	Data   []byte
}

// BuildWriteSet turns patched records into the final ordered writes.
// Sparse boards keep each record as its own write, leaving the flash
// between them untouched. Padded (legacy) boards flash one contiguous
// image from offset 0 with 0xFF in the gaps: their boot ROM expects a
// full-image write, and sparse writes would leave stale bytes in between.
// Records must already be sorted and disjoint.
func BuildWriteSet(records []Record, sparse bool) []FlashWrite {
	if len(records) == 0 {
		return nil
	}

	if sparse {
		writes := make([]FlashWrite, len(records))
		for i, rec := range records {
			data := make([]byte, len(rec.Data))
			copy(data, rec.Data)
			writes[i] = FlashWrite{Offset: rec.Offset, Data: data}
		}
		return writes
	}

	total := records[len(records)-1].end()
	image := make([]byte, total)
	for i := range image {
		image[i] = 0xFF
	}
	for _, rec := range records {
		copy(image[rec.Offset:], rec.Data)
	}
	return []FlashWrite{{Offset: 0, Data: image}}
}
