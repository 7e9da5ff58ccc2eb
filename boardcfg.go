package boardflash

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
)

// boardcfgTag names the boot-fs record holding board-specific persisted
// configuration, which a flash must carry forward rather than overwrite.
const boardcfgTag = "boardcfg"

// An imageHandler rewrites the whole patched record set of a sparse-family
// image under one mask tag.
type imageHandler func(dev *Device, records []Record) ([]Record, error)

var imageHandlers = map[string]imageHandler{
	"write-boardcfg": writebackBoardcfg,
}

func applyImageMask(dev *Device, board Board, records []Record, rules []MaskRule) ([]Record, error) {
	handlers := make([]imageHandler, len(rules))
	for i, rule := range rules {
		handler, ok := imageHandlers[rule.Tag]
		if !ok {
			return nil, configErrorf("invalid tag %q for %s; expected 'write-boardcfg'",
				rule.Tag, board.PublicName)
		}
		handlers[i] = handler
	}

	// Handlers mutate; the parsed image stays untouched.
	patched := make([]Record, len(records))
	for i, rec := range records {
		data := make([]byte, len(rec.Data))
		copy(data, rec.Data)
		patched[i] = Record{Offset: rec.Offset, Data: data}
	}

	var err error
	for _, handler := range handlers {
		patched, err = handler(dev, patched)
		if err != nil {
			return nil, err
		}
	}
	return patched, nil
}

// findRecordTag scans each record as a boot-fs directory for tag. Records
// that are not directories run out of bytes before a sentinel; those are
// simply not the record we are looking for.
func findRecordTag(records []Record, tag string) (int, *FoundDescriptor) {
	for i, rec := range records {
		found, err := ReadTag(sliceReader(rec.Data), tag)
		if err == nil && found != nil {
			return i, found
		}
	}
	return -1, nil
}

// writebackBoardcfg replaces the image's placeholder boardcfg with the
// board's own persisted copy read from live flash: the payload record is
// overwritten (or synthesized if the image has none), and the image's
// boardcfg descriptor is rewritten to the flash-sourced one, retargeted
// at the image's intended address with a recomputed checksum.
func writebackBoardcfg(dev *Device, records []Record) ([]Record, error) {
	inSpi, err := ReadTag(dev.SpiRead, boardcfgTag)
	if err != nil {
		return nil, err
	}
	if inSpi == nil {
		return nil, configErrorf("couldn't find %s on chip", boardcfgTag)
	}

	dirIdx, toFlash := findRecordTag(records, boardcfgTag)
	if toFlash == nil {
		return nil, configErrorf("couldn't find %s in flash package", boardcfgTag)
	}

	payload, err := dev.SpiRead(inSpi.Desc.SpiAddr, inSpi.Desc.ImageSize())
	if err != nil {
		return nil, &TransportError{Op: "boardcfg flash read", Err: err}
	}

	// The descriptor written out is the flash one, pointed at wherever
	// the image intends to place boardcfg.
	newFd := inSpi.Desc
	newFd.SpiAddr = toFlash.Desc.SpiAddr
	newFd.FdCRC = 0
	newFd.UpdateCRC()

	dir := records[dirIdx].Data
	copy(dir[toFlash.Offset:toFlash.Offset+DescriptorSize], newFd.Bytes())

	// Land the payload at the address the descriptor points to.
	payloadIdx := -1
	for i, rec := range records {
		if rec.Offset == toFlash.Desc.SpiAddr {
			payloadIdx = i
			break
		}
	}
	if payloadIdx >= 0 {
		rec := &records[payloadIdx]
		if len(rec.Data) < len(payload) {
			grown := make([]byte, len(payload))
			copy(grown, rec.Data)
			rec.Data = grown
		}
		copy(rec.Data[:len(payload)], payload)
	} else {
		// The image carried no boardcfg payload record at all; it gains
		// a write it didn't have.
		data := make([]byte, len(payload))
		copy(data, payload)
		records = append(records, Record{Offset: toFlash.Desc.SpiAddr, Data: data})
		sort.Slice(records, func(i, j int) bool { return records[i].Offset < records[j].Offset })
	}

	// The patched image must read back the exact descriptor just built.
	check, err := ReadTag(sliceReader(dir), boardcfgTag)
	if err != nil {
		return nil, err
	}
	if check == nil || !bytes.Equal(check.Desc.Bytes(), newFd.Bytes()) {
		return nil, errors.Errorf("%s writeback self-check failed: patched image disagrees with directory entry", boardcfgTag)
	}

	return records, nil
}
