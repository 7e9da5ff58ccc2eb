package boardflash

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// VersionString is the tool version stamped into images by the
// flash_version tag.
const VersionString = "3.1.0"

// ToolVersion returns VersionString as a BundleVersion, padded on the
// left so "X.Y.Z" becomes (0, X, Y, Z).
func ToolVersion() BundleVersion {
	parts := strings.Split(VersionString, ".")
	for len(parts) < 4 {
		parts = append([]string{"0"}, parts...)
	}
	parts = parts[:4]

	var fields [4]uint8
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err == nil {
			fields[i] = uint8(n)
		}
	}
	return BundleVersion{Component: fields[0], Major: fields[1], Minor: fields[2], Patch: fields[3]}
}

// Stamp carries the per-invocation values tag handlers write into images.
// It is populated exactly once, from the manifest, before any chip's
// Stage 1 begins, and is read-only thereafter.
type Stamp struct {
	ToolVersion   BundleVersion
	BundleVersion BundleVersion

	// Clock provides the date for the date tag; nil means time.Now.
	Clock func() time.Time
}

func (s *Stamp) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return time.Now()
}

// MaskRule is one declarative patch rule from a board's mask.json. The
// ranged form carries start/end; the whole-image form (current families)
// carries only a tag resolved against the image's boot-fs directory.
type MaskRule struct {
	Start *uint32 `json:"start"`
	End   *uint32 `json:"end"`
	Tag   string  `json:"tag"`
}

func (r *MaskRule) ranged() bool {
	return r.Start != nil && r.End != nil
}

// ParseMask decodes a board's mask.json.
func ParseMask(data []byte, boardName string) ([]MaskRule, error) {
	var rules []MaskRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, configErrorf("invalid mask for %s: %v", boardName, err)
	}
	for _, rule := range rules {
		if rule.Tag == "" {
			return nil, configErrorf("invalid mask format for %s: every rule needs a tag", boardName)
		}
		if rule.ranged() && *rule.Start >= *rule.End {
			return nil, configErrorf("invalid mask range %d:%d for %s", *rule.Start, *rule.End, boardName)
		}
	}
	return rules, nil
}

// A rangedHandler mutates record bytes covered by one ranged mask rule.
// spiAddr is the rule's flash address, dataOff the corresponding offset
// into data, length the rule width.
type rangedHandler func(dev *Device, stamp *Stamp, data []byte, spiAddr, dataOff, length uint32) error

var rangedHandlers = map[string]rangedHandler{
	"rmw":            rmwParam,
	"incr":           incrParam,
	"date":           dateParam,
	"flash_version":  flashVersionParam,
	"bundle_version": bundleVersionParam,
}

// rmwParam copies the chip's current flash bytes into the image, for
// ranges the new image must not disturb.
func rmwParam(dev *Device, stamp *Stamp, data []byte, spiAddr, dataOff, length uint32) error {
	existing, err := dev.SpiRead(spiAddr, length)
	if err != nil {
		return &TransportError{Op: "rmw flash read", Err: err}
	}
	copy(data[dataOff:dataOff+length], existing)
	return nil
}

// incrParam increments the little-endian counter currently on flash,
// wrapping to 1 when the field overflows.
func incrParam(dev *Device, stamp *Stamp, data []byte, spiAddr, dataOff, length uint32) error {
	existing, err := dev.SpiRead(spiAddr, length)
	if err != nil {
		return &TransportError{Op: "incr flash read", Err: err}
	}

	counter := make([]byte, length)
	copy(counter, existing)
	carry := true
	for i := range counter {
		if !carry {
			break
		}
		counter[i]++
		carry = counter[i] == 0
	}
	if carry {
		// Wrapped past the field width.
		for i := range counter {
			counter[i] = 0
		}
		counter[0] = 1
	}

	copy(data[dataOff:dataOff+length], counter)
	return nil
}

// dateParam stamps today's date as 0xYYYYMMDD little-endian.
func dateParam(dev *Device, stamp *Stamp, data []byte, spiAddr, dataOff, length uint32) error {
	if length != 4 {
		return configErrorf("date tag needs a 4 byte range, got %d", length)
	}
	today := stamp.now()
	encoded, err := strconv.ParseUint(today.Format("20060102"), 16, 32)
	if err != nil {
		return configErrorf("date %s does not encode as hex", today.Format("2006-01-02"))
	}
	putUint32LE(data[dataOff:], uint32(encoded))
	return nil
}

// flashVersionParam stamps the tool version captured at startup.
func flashVersionParam(dev *Device, stamp *Stamp, data []byte, spiAddr, dataOff, length uint32) error {
	if length != 4 {
		return configErrorf("flash_version tag needs a 4 byte range, got %d", length)
	}
	putUint32LE(data[dataOff:], stamp.ToolVersion.Word())
	return nil
}

// bundleVersionParam stamps the bundle version captured from the
// manifest before any chip was touched.
func bundleVersionParam(dev *Device, stamp *Stamp, data []byte, spiAddr, dataOff, length uint32) error {
	if length != 4 {
		return configErrorf("bundle_version tag needs a 4 byte range, got %d", length)
	}
	putUint32LE(data[dataOff:], stamp.BundleVersion.Word())
	return nil
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// PatchRecords applies a board's mask to its parsed image records. Legacy
// families use ranged rules; current (sparse) families use whole-image
// tags resolved against the image's own boot-fs directory.
func PatchRecords(dev *Device, board Board, records []Record, rules []MaskRule, stamp *Stamp) ([]Record, error) {
	if board.Sparse {
		return applyImageMask(dev, board, records, rules)
	}
	return applyRangedMask(dev, board, records, rules, stamp)
}

func applyRangedMask(dev *Device, board Board, records []Record, rules []MaskRule, stamp *Stamp) ([]Record, error) {
	handlers := make([]rangedHandler, len(rules))
	for i, rule := range rules {
		if !rule.ranged() {
			return nil, configErrorf(
				"invalid mask format for %s: expected rules with start, end and tag", board.PublicName)
		}
		handler, ok := rangedHandlers[rule.Tag]
		if !ok {
			return nil, configErrorf("invalid tag %q for %s; expected one of %s",
				rule.Tag, board.PublicName, knownTags(rangedHandlers))
		}
		handlers[i] = handler
	}

	patched := make([]Record, len(records))
	for i, rec := range records {
		data := make([]byte, len(rec.Data))
		copy(data, rec.Data)

		for j, rule := range rules {
			start, end := *rule.Start, *rule.End
			if start >= rec.end() || end <= rec.Offset {
				continue
			}
			if start < rec.Offset || end > rec.end() {
				return nil, configErrorf(
					"a parameter write (%d:%d) splits a writeable region (%d:%d) in %s! This is not supported.",
					start, end, rec.Offset, rec.end(), board.PublicName)
			}
			if err := handlers[j](dev, stamp, data, start, start-rec.Offset, end-start); err != nil {
				return nil, err
			}
		}
		patched[i] = Record{Offset: rec.Offset, Data: data}
	}

	sort.Slice(patched, func(i, j int) bool { return patched[i].Offset < patched[j].Offset })
	return patched, nil
}

func knownTags(handlers map[string]rangedHandler) string {
	tags := make([]string, 0, len(handlers))
	for tag := range handlers {
		tags = append(tags, "'"+tag+"'")
	}
	sort.Strings(tags)
	if len(tags) > 1 {
		tags[len(tags)-1] = "or " + tags[len(tags)-1]
	}
	return strings.Join(tags, ", ")
}
