package boardflash

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// The boot-fs is the on-flash directory of tagged descriptors pointing at
// persisted firmware and configuration blobs. Descriptors are stored
// contiguously from offset 0; a descriptor with the invalid flag set
// terminates the directory.

const (
	// ImageTagSize is the length of a descriptor's NUL-padded ASCII tag.
	ImageTagSize = 8

	// DescriptorSize is the size of one serialized descriptor.
	DescriptorSize = 32
)

// Descriptor flag bit layout: image_size:24, invalid:1, executable:1, rsvd:6.
const (
	flagImageSizeMask = 0x00FFFFFF
	flagInvalidBit    = 1 << 24
	flagExecutableBit = 1 << 25
)

// ByteReader reads length bytes starting at addr out of a flat byte space.
// The boot-fs reader is format-symmetric: the same scan runs against live
// SPI flash and against an in-memory image buffer, so the byte source is
// always injected rather than taken from a device handle.
type ByteReader func(addr, length uint32) ([]byte, error)

// Descriptor is one boot-fs directory entry. The wire layout is fixed and
// little-endian throughout; serialization never relies on in-memory layout.
type Descriptor struct {
	SpiAddr       uint32
	CopyDest      uint32
	Flags         uint32
	DataCRC       uint32
	SecurityFlags uint32
	ImageTag      [ImageTagSize]byte
	FdCRC         uint32
}

// ImageSize returns the size in bytes of the blob the descriptor points at.
func (d *Descriptor) ImageSize() uint32 {
	return d.Flags & flagImageSizeMask
}

// Invalid reports whether the descriptor terminates the directory scan.
func (d *Descriptor) Invalid() bool {
	return d.Flags&flagInvalidBit != 0
}

// Executable reports whether the blob is loaded and executed at boot.
func (d *Descriptor) Executable() bool {
	return d.Flags&flagExecutableBit != 0
}

// Tag returns the descriptor's tag trimmed at the first NUL.
func (d *Descriptor) Tag() string {
	tag := d.ImageTag[:]
	if i := bytes.IndexByte(tag, 0); i >= 0 {
		tag = tag[:i]
	}
	return string(tag)
}

// Bytes serializes the descriptor into its 32-byte wire form. The same
// serialization feeds both the checksum computation and flash writeback.
func (d *Descriptor) Bytes() []byte {
	b := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint32(b[0:], d.SpiAddr)
	binary.LittleEndian.PutUint32(b[4:], d.CopyDest)
	binary.LittleEndian.PutUint32(b[8:], d.Flags)
	binary.LittleEndian.PutUint32(b[12:], d.DataCRC)
	binary.LittleEndian.PutUint32(b[16:], d.SecurityFlags)
	copy(b[20:28], d.ImageTag[:])
	binary.LittleEndian.PutUint32(b[28:], d.FdCRC)
	return b
}

// ParseDescriptor decodes one descriptor from its wire form.
func ParseDescriptor(b []byte) (Descriptor, error) {
	if len(b) != DescriptorSize {
		return Descriptor{}, errors.Errorf("descriptor must be %d bytes, got %d", DescriptorSize, len(b))
	}
	d := Descriptor{
		SpiAddr:       binary.LittleEndian.Uint32(b[0:]),
		CopyDest:      binary.LittleEndian.Uint32(b[4:]),
		Flags:         binary.LittleEndian.Uint32(b[8:]),
		DataCRC:       binary.LittleEndian.Uint32(b[12:]),
		SecurityFlags: binary.LittleEndian.Uint32(b[16:]),
		FdCRC:         binary.LittleEndian.Uint32(b[28:]),
	}
	copy(d.ImageTag[:], b[20:28])
	return d, nil
}

// UpdateCRC recomputes fd_crc over the descriptor's preceding bytes.
func (d *Descriptor) UpdateCRC() {
	d.FdCRC = AdditiveChecksum(d.Bytes()[:DescriptorSize-4])
}

// ChecksumValid reports whether fd_crc matches the descriptor contents.
func (d *Descriptor) ChecksumValid() bool {
	return d.FdCRC == AdditiveChecksum(d.Bytes()[:DescriptorSize-4])
}

// AdditiveChecksum is the 32-bit checksum the boot ROM validates: the sum
// of the data taken as 4-byte little-endian words, mod 2^32. Data shorter
// than one word checksums to 0.
func AdditiveChecksum(data []byte) uint32 {
	if len(data) < 4 {
		return 0
	}
	var sum uint32
	for i := 0; i < len(data); i += 4 {
		word := data[i:]
		if len(word) > 4 {
			word = word[:4]
		}
		var w [4]byte
		copy(w[:], word)
		sum += binary.LittleEndian.Uint32(w[:])
	}
	return sum
}

// FoundDescriptor is a descriptor located by a directory scan, together
// with the directory offset it was read from.
type FoundDescriptor struct {
	Offset uint32
	Desc   Descriptor
}

// ReadTag scans the boot-fs directory from offset 0 for the descriptor
// with the given tag. It returns nil without error when a terminating
// invalid descriptor is reached first. A reader failure before the
// sentinel is an error: the directory has no other length bound.
func ReadTag(read ByteReader, tag string) (*FoundDescriptor, error) {
	for addr := uint32(0); ; addr += DescriptorSize {
		raw, err := read(addr, DescriptorSize)
		if err != nil {
			return nil, errors.Wrapf(err, "boot-fs directory read at offset %d", addr)
		}
		d, err := ParseDescriptor(raw)
		if err != nil {
			return nil, err
		}
		if d.Invalid() {
			return nil, nil
		}
		if d.Tag() == tag {
			return &FoundDescriptor{Offset: addr, Desc: d}, nil
		}
	}
}

// sliceReader adapts an in-memory buffer to the ByteReader contract.
func sliceReader(buf []byte) ByteReader {
	return func(addr, length uint32) ([]byte, error) {
		end := uint64(addr) + uint64(length)
		if end > uint64(len(buf)) {
			return nil, errors.Errorf("read of %d bytes at %d past end of %d byte buffer", length, addr, len(buf))
		}
		return buf[addr:end], nil
	}
}
