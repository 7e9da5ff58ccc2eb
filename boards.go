package boardflash

import "fmt"

// Family identifies a chip hardware generation. The generations differ in
// how write-sets are built (gen1/gen2 flash one padded contiguous image,
// gen3 flashes sparse records), how versions are read, and how boards are
// reset and confirmed after a flash.
type Family int

const (
	FamilyGen1 Family = iota
	FamilyGen2
	FamilyGen3
)

func (f Family) String() string {
	switch f {
	case FamilyGen1:
		return "gen1"
	case FamilyGen2:
		return "gen2"
	case FamilyGen3:
		return "gen3"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// ResetPolicy says whether a board may be reset automatically after a
// successful flash.
type ResetPolicy int

const (
	// ResetNever: the board needs a host power cycle to pick up firmware.
	ResetNever ResetPolicy = iota
	// ResetIfFwAllows: reset only when the management firmware is new
	// enough to survive it; checked against MinResetVersions.
	ResetIfFwAllows
	// ResetAlways: the family supports unconditional post-flash reset.
	ResetAlways
)

// MinResetVersions are the management firmware floors a ResetIfFwAllows
// board must meet before an automatic reset is attempted.
var MinResetVersions = SubsystemVersions{
	M3App: BundleVersion{5, 5, 0, 0},
	ArcL2: BundleVersion{2, 0xC, 0, 0},
	Smbus: BundleVersion{2, 0xC, 0, 0},
}

// Board is one catalog entry: the bundle directory name the firmware
// ships under, the name operators see, and the board's flash behavior.
type Board struct {
	Name       string
	PublicName string
	Family     Family

	// Sparse boards keep patched records as independent writes; padded
	// boards get one contiguous 0xFF-filled image starting at offset 0.
	Sparse bool

	Reset ResetPolicy

	// RemoteCopy boards hold a second flash reached by an internal
	// local-to-remote copy triggered after verification.
	RemoteCopy bool

	// Tray boards reset as a group through one broadcast command.
	Tray bool

	// DualAsic boards carry two chips and flash a per-position image.
	DualAsic bool
}

func (b *Board) atLocation(asicLocation int) *Board {
	side := "right"
	if asicLocation != 0 {
		side = "left"
	}
	located := *b
	located.Name = b.Name + "_" + side
	located.PublicName = b.PublicName + " (" + side + ")"
	return &located
}

// The catalog is keyed by the unique part identifier packed into the
// board id. Revision only disambiguates the earliest gen1 boards.
var boardCatalog = map[uint32]Board{
	0x01: {Name: "A300", PublicName: "a300", Family: FamilyGen1},
	0x03: {Name: "A150", PublicName: "a150", Family: FamilyGen1},
	0x07: {Name: "A75", PublicName: "a75", Family: FamilyGen1},
	0x0A: {Name: "A300_X2", PublicName: "a300 duo", Family: FamilyGen1},

	0x08: {Name: "N_CB", PublicName: "n-cb", Family: FamilyGen2},
	0x0B: {Name: "GALAXY", PublicName: "galaxy", Family: FamilyGen2, Tray: true},
	0x14: {Name: "N300", PublicName: "n300", Family: FamilyGen2, Reset: ResetIfFwAllows, RemoteCopy: true},
	0x18: {Name: "N150", PublicName: "n150", Family: FamilyGen2, Reset: ResetIfFwAllows},

	0x36: {Name: "P100", PublicName: "p100", Family: FamilyGen3, Sparse: true, Reset: ResetAlways},
	0x40: {Name: "P150A", PublicName: "p150a", Family: FamilyGen3, Sparse: true, Reset: ResetAlways},
	0x41: {Name: "P150B", PublicName: "p150b", Family: FamilyGen3, Sparse: true, Reset: ResetAlways},
	0x42: {Name: "P150C", PublicName: "p150c", Family: FamilyGen3, Sparse: true, Reset: ResetAlways},
	0x43: {Name: "P100A", PublicName: "p100a", Family: FamilyGen3, Sparse: true, Reset: ResetAlways},
	0x44: {Name: "P300B", PublicName: "p300b", Family: FamilyGen3, Sparse: true, Reset: ResetAlways, DualAsic: true},
	0x45: {Name: "P300A", PublicName: "p300a", Family: FamilyGen3, Sparse: true, Reset: ResetAlways, DualAsic: true},
	0x46: {Name: "P300C", PublicName: "p300c", Family: FamilyGen3, Sparse: true, Reset: ResetAlways, DualAsic: true},
}

// Board id layout: upi at bits 36..55, revision at bits 32..35.
func boardUPI(boardID uint64) uint32 {
	return uint32((boardID >> 36) & 0xFFFFF)
}

func boardRevision(boardID uint64) uint32 {
	return uint32((boardID >> 32) & 0xF)
}

// LookupBoard resolves a raw board id against the catalog. The second
// result is true when the board is dual-asic and the caller must refine
// the entry with the chip's asic location before using its Name.
func LookupBoard(boardID uint64) (*Board, bool) {
	upi := boardUPI(boardID)
	board, ok := boardCatalog[upi]
	if !ok {
		return nil, false
	}

	if upi == 0x01 {
		// The first-run a300 shipped two incompatible revisions under
		// one part identifier.
		switch boardRevision(boardID) {
		case 0x2:
			board.Name, board.PublicName = "A300_R2", "a300 r2"
		case 0x3, 0x4:
			board.Name, board.PublicName = "A300_R3", "a300 r3"
		default:
			return nil, false
		}
	}

	return &board, board.DualAsic
}
