package wqf

import (
	"errors"
	"io"
	"os"
	"sort"
	"sync"
)

const writerPadBufSize = 4096

// Writer builds a WQF file.
//
// The writer reserves space for the header up-front and patches it during
// Finalise.
type Writer struct {
	f        *os.File
	sections []Section
	seen     map[SectionType]struct{}
	closed   bool

	flags uint64

	padBuf []byte

	mu sync.Mutex
}

// NewWriter creates a writer targeting f. It truncates the file and
// reserves space for the header.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("wqf: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	w := &Writer{
		f:      f,
		seen:   make(map[SectionType]struct{}),
		padBuf: make([]byte, writerPadBufSize),
	}
	if err := w.writeZeros(headerSize); err != nil {
		return nil, err
	}
	if err := w.alignTo(align); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteSection writes a section payload aligned to 8 bytes.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	return w.WriteSectionAligned(typ, version, data, align)
}

// WriteSectionAligned writes a section whose payload starts on an n-byte
// boundary. A section type may only be written once.
func (w *Writer) WriteSectionAligned(typ SectionType, version uint32, data []byte, n int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("wqf: writer already finalised")
	}
	if _, ok := w.seen[typ]; ok {
		return errors.New("wqf: duplicate section type")
	}
	if n < align || n%align != 0 {
		return errors.New("wqf: section alignment must be a multiple of 8")
	}
	if err := w.alignTo(int64(n)); err != nil {
		return err
	}
	offset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if err := writeFull(w.f, data); err != nil {
			return err
		}
	}
	w.sections = append(w.sections, Section{
		Type:    uint32(typ),
		Version: version,
		Offset:  uint64(offset),
		Size:    uint64(len(data)),
	})
	w.seen[typ] = struct{}{}
	return nil
}

func (w *Writer) AddFlags(flags uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("wqf: writer already finalised")
	}
	w.flags |= flags
	return nil
}

// Finalise writes the section directory and patches the header. After
// Finalise the writer must not be used again.
func (w *Writer) Finalise() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("wqf: writer already finalised")
	}
	w.closed = true

	sort.Slice(w.sections, func(i, j int) bool {
		return w.sections[i].Type < w.sections[j].Type
	})

	if err := w.alignTo(align); err != nil {
		return err
	}
	dirOffset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	var secBuf [sectionSize]byte
	for i := range w.sections {
		if !encodeSection(secBuf[:], w.sections[i]) {
			return errors.New("wqf: encode section failed")
		}
		if err := writeFull(w.f, secBuf[:]); err != nil {
			return err
		}
	}

	fileSize, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if err := w.f.Truncate(fileSize); err != nil {
		return err
	}

	var header Header
	copy(header.Magic[:], Magic)
	header.Major = CurrentMajor
	header.Minor = CurrentMinor
	header.HeaderSize = headerSize
	header.SectionCount = uint32(len(w.sections))
	header.SectionDirOffset = uint64(dirOffset)
	header.FileSize = uint64(fileSize)
	header.Flags = w.flags

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var hdrBuf [headerSize]byte
	if !encodeHeader(hdrBuf[:], header) {
		return errors.New("wqf: encode header failed")
	}
	if err := writeFull(w.f, hdrBuf[:]); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) alignTo(n int64) error {
	if n <= 1 {
		return nil
	}
	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	mod := pos % n
	if mod == 0 {
		return nil
	}
	return w.writeZeros(int(n - mod))
}

func (w *Writer) writeZeros(n int) error {
	for n > 0 {
		toWrite := min(n, len(w.padBuf))
		if err := writeFull(w.f, w.padBuf[:toWrite]); err != nil {
			return err
		}
		n -= toWrite
	}
	return nil
}

func writeFull(f *os.File, p []byte) error {
	for len(p) > 0 {
		n, err := f.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
