package boardflash

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Manifest is the bundle's ./manifest.json.
type Manifest struct {
	Version       string `json:"version"`
	BundleVersion struct {
		FwID      int `json:"fwId"`
		ReleaseID int `json:"releaseId"`
		Patch     int `json:"patch"`
		Debug     int `json:"debug"`
	} `json:"bundle_version"`
}

// Bundle is an opened firmware package: the manifest plus the per-board
// image and mask files, read fully into memory so boards can be looked up
// in any order.
type Bundle struct {
	Manifest Manifest

	// Version is the firmware bundle version every chip is compared
	// against and the value the bundle_version tag stamps.
	Version BundleVersion

	files map[string][]byte
}

// OpenBundle reads a firmware package from disk. Both plain and
// gzip-compressed tar archives are accepted.
func OpenBundle(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening firmware bundle")
	}
	defer f.Close()
	return ReadBundle(f)
}

// ReadBundle parses a firmware package from a stream.
func ReadBundle(r io.Reader) (*Bundle, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1F && magic[1] == 0x8B {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, configErrorf("bad gzip bundle: %v", err)
		}
		defer gz.Close()
		r = gz
	} else {
		r = br
	}

	files := make(map[string][]byte)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, configErrorf("bad firmware bundle: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, configErrorf("bad firmware bundle entry %s: %v", hdr.Name, err)
		}
		files[strings.TrimPrefix(hdr.Name, "./")] = data
	}

	bundle := &Bundle{files: files}
	if err := bundle.parseManifest(); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (b *Bundle) parseManifest() error {
	raw, ok := b.files["manifest.json"]
	if !ok {
		return configErrorf("could not find manifest in firmware package, please check that the correct one was used")
	}
	if err := json.Unmarshal(raw, &b.Manifest); err != nil {
		return configErrorf("invalid manifest.json: %v", err)
	}

	major, err := manifestMajor(b.Manifest.Version)
	if err != nil {
		return configErrorf("invalid version (%s) in manifest.json", b.Manifest.Version)
	}
	if major > 1 {
		return configErrorf("unsupported package version (%s): this tool only flashes pre-2.0 packages", b.Manifest.Version)
	}

	bv := b.Manifest.BundleVersion
	b.Version = BundleVersion{
		Component: uint8(bv.FwID),
		Major:     uint8(bv.ReleaseID),
		Minor:     uint8(bv.Patch),
		Patch:     uint8(bv.Debug),
	}
	return nil
}

func manifestMajor(version string) (int, error) {
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return 0, errors.Errorf("expected X.Y.Z, got %q", version)
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return 0, err
		}
	}
	return strconv.Atoi(parts[0])
}

// Stamp builds the per-invocation stamp values from the manifest. Called
// once, before any chip's Stage 1.
func (b *Bundle) Stamp() *Stamp {
	return &Stamp{
		ToolVersion:   ToolVersion(),
		BundleVersion: b.Version,
	}
}

// BoardFirmware is one board's slice of the bundle, parsed and validated.
type BoardFirmware struct {
	Records []Record
	Rules   []MaskRule
}

// BoardFirmware looks up and parses a board's image/mask pair. A board
// absent from the bundle returns (nil, nil); a half-present pair is a
// bundle defect.
func (b *Bundle) BoardFirmware(board Board) (*BoardFirmware, error) {
	mask, haveMask := b.files[board.Name+"/mask.json"]

	image, haveImage := b.files[board.Name+"/image.bin"]
	hexImage, haveHex := b.files[board.Name+"/image.hex"]

	if !haveImage && !haveHex && !haveMask {
		return nil, nil
	}
	if !haveImage && !haveHex {
		return nil, configErrorf("could not find flash image for %s in bundle; expected to see %s/image.bin",
			board.PublicName, board.Name)
	}
	if !haveMask {
		return nil, configErrorf("could not find param data for %s in bundle; expected to see %s/mask.json",
			board.PublicName, board.Name)
	}

	// Validate the mask before touching the image so a bad mask can
	// never surface after bytes have started moving.
	rules, err := ParseMask(mask, board.PublicName)
	if err != nil {
		return nil, err
	}

	var records []Record
	if haveImage {
		records, err = ParseImage(image)
	} else {
		records, err = ParseIntelHexImage(bytes.NewReader(hexImage))
	}
	if err != nil {
		return nil, err
	}

	return &BoardFirmware{Records: records, Rules: rules}, nil
}
