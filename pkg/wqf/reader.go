package wqf

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

type File struct {
	Data     []byte
	Header   *Header
	Sections []Section
	mmapped  bool
}

// Open maps a WQF file read-only and validates its structure. If mmap is
// unavailable it falls back to ReadAt-based loading. The returned file must
// be closed to release any mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < headerSize || size64 > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		wf, parseErr := parseFileData(data, true)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, parseErr
		}
		return wf, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

// OpenReaderAt loads and validates a WQF from a random-access reader
// without mmap.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < 0 || size > int64(int(^uint(0)>>1)) {
		return nil, ErrCorruptFile
	}
	data, err := readAllAt(r, int(size))
	if err != nil {
		return nil, err
	}
	return parseFileData(data, false)
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func parseFileData(data []byte, mmapped bool) (*File, error) {
	hdr, ok := decodeHeader(data)
	if !ok {
		return nil, ErrCorruptFile
	}
	if !hdr.Valid() {
		return nil, ErrInvalidMagic
	}
	if !hdr.Compatible() {
		return nil, ErrUnsupportedMajor
	}
	if hdr.FileSize != uint64(len(data)) || uint64(hdr.HeaderSize) > uint64(len(data)) {
		return nil, ErrCorruptFile
	}

	dirStart := hdr.SectionDirOffset
	dirEnd := dirStart + uint64(hdr.SectionCount)*sectionSize
	if dirStart < uint64(hdr.HeaderSize) || dirEnd < dirStart || dirEnd > uint64(len(data)) {
		return nil, ErrCorruptFile
	}

	sections := make([]Section, hdr.SectionCount)
	for i := range sections {
		start := int(dirStart) + i*sectionSize
		sec, ok := decodeSection(data[start : start+sectionSize])
		if !ok {
			return nil, ErrCorruptFile
		}
		sections[i] = sec
	}

	for i := range sections {
		s := &sections[i]
		end := s.End()
		if end < s.Offset || end > uint64(len(data)) {
			return nil, fmt.Errorf("%w: section %d out of bounds", ErrCorruptFile, i)
		}
		if s.Offset < uint64(hdr.HeaderSize) {
			return nil, fmt.Errorf("%w: section %d overlaps header", ErrCorruptFile, i)
		}
		if rangesOverlap(s.Offset, end, dirStart, dirEnd) {
			return nil, fmt.Errorf("%w: section %d overlaps section directory", ErrCorruptFile, i)
		}
		if s.Offset%align != 0 {
			return nil, fmt.Errorf("%w: section %d offset not %d-byte aligned", ErrCorruptFile, i, align)
		}
		if SectionType(s.Type) == SectionPacked && hdr.Flags&FlagPackedAligned64 != 0 && s.Offset%PackedAlign != 0 {
			return nil, fmt.Errorf("%w: packed section not %d-byte aligned", ErrCorruptFile, PackedAlign)
		}
	}

	return &File{
		Data:     data,
		Header:   &hdr,
		Sections: sections,
		mmapped:  mmapped,
	}, nil
}

// Close releases file resources and any mmap backing.
func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.Header = nil
	f.Sections = nil
	f.mmapped = false
	return err
}

// Mapped reports whether the file data is an mmap view.
func (f *File) Mapped() bool {
	return f != nil && f.mmapped
}

// Section returns the first section of type t, or nil.
func (f *File) Section(t SectionType) *Section {
	for i := range f.Sections {
		if SectionType(f.Sections[i].Type) == t {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionData returns a zero-copy slice of the section payload. The caller
// must not retain it after Close.
func (f *File) SectionData(s *Section) []byte {
	if f == nil || s == nil || f.Data == nil {
		return nil
	}
	end := s.End()
	if end < s.Offset || end > uint64(len(f.Data)) {
		return nil
	}
	return f.Data[int(s.Offset):int(end)]
}

// Meta decodes the META section.
func (f *File) Meta() (Meta, error) {
	sec := f.Section(SectionMeta)
	if sec == nil {
		return Meta{}, fmt.Errorf("%w: META", ErrMissingSection)
	}
	return DecodeMeta(f.SectionData(sec))
}
