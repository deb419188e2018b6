// Package wqf implements the packed weight file format.
//
// A WQF file is a single memory-mappable container for one quantized linear
// layer: its JSON metadata, quantization parameters, packed codes and an
// optional bias. It describes layout only and never implies runtime
// behaviour.
package wqf

// WQF global constants must never change.
const (
	// Magic is the file magic, encoded as "WQF\0".
	Magic = "WQF\x00"

	// CurrentMajor changes only with a breaking format change.
	CurrentMajor uint16 = 1

	// CurrentMinor may add optional sections or metadata fields.
	CurrentMinor uint16 = 0

	// FlagPackedAligned64 marks files whose PACKED section starts on a
	// 64-byte boundary.
	FlagPackedAligned64 uint64 = 1 << 0
)

type SectionType uint32

const (
	SectionMeta   SectionType = 0x0001
	SectionScales SectionType = 0x0002
	SectionZeros  SectionType = 0x0003
	SectionPacked SectionType = 0x0004
	SectionBias   SectionType = 0x0005
)

func (t SectionType) String() string {
	switch t {
	case SectionMeta:
		return "META"
	case SectionScales:
		return "SCALES"
	case SectionZeros:
		return "ZEROS"
	case SectionPacked:
		return "PACKED"
	case SectionBias:
		return "BIAS"
	default:
		return "UNKNOWN"
	}
}

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
