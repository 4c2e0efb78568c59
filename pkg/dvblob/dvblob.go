// Package dvblob implements the DV weight blob container.
//
// A blob is a single memory-mappable file holding the packed weights of a
// whole network together with a JSON manifest that locates every layer. The
// packed bytes are stored exactly as the accelerator consumes them, so a
// mapped blob can be handed to the device without copying.
package dvblob

// Blob global constants must never change.
const (
	// Magic is the file magic, encoded as "DVW\0".
	Magic = "DVW\x00"

	// CurrentMajor changes only with breaking format changes.
	CurrentMajor uint16 = 1

	// CurrentMinor may add optional sections or manifest fields.
	CurrentMinor uint16 = 0

	// FlagDataZstd marks a zstd compressed data section.
	FlagDataZstd uint64 = 1 << 0
)

// Alignment is the alignment of every section start and of every layer
// region inside the data section.
const Alignment = 16

// MaxDataSize bounds the decompressed data section of a blob.
const MaxDataSize = 1 << 32

const (
	headerSize  = 48
	sectionSize = 24
)

type SectionType uint32

const (
	SectionManifest SectionType = 0x0001
	SectionData     SectionType = 0x0002
)

func (t SectionType) String() string {
	switch t {
	case SectionManifest:
		return "manifest"
	case SectionData:
		return "data"
	default:
		return "unknown"
	}
}

// Header is the fixed file header. On disk it is followed by 8 reserved
// bytes so the first section starts 16-byte aligned.
type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

func (h *Header) Valid() bool {
	if string(h.Magic[:]) != Magic {
		return false
	}
	if h.HeaderSize < headerSize {
		return false
	}
	return h.SectionCount != 0
}

func (h *Header) Compatible() bool {
	return h.Major == CurrentMajor
}

type Section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *Section) End() uint64 {
	return s.Offset + s.Size
}
