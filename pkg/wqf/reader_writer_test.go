package wqf

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, path string) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	meta, err := EncodeMeta(Meta{
		Name: "proj", PackID: "id", QType: "int4", Lowp: "none",
		N: 16, K: 32, BlockN: 16, BlockK: 32,
		QuantWMode: "per_channel", Groups: 1, GroupSize: 32,
	})
	if err != nil {
		t.Fatalf("encode meta: %v", err)
	}
	if err := w.WriteSection(SectionMeta, 1, meta); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	if err := w.WriteSection(SectionScales, 1, EncodeF32([]float32{0.5, -1.25})); err != nil {
		t.Fatalf("write scales: %v", err)
	}
	if err := w.WriteSectionAligned(SectionPacked, 1, []byte{1, 2, 3, 4, 5, 6}, PackedAlign); err != nil {
		t.Fatalf("write packed: %v", err)
	}
	if err := w.AddFlags(FlagPackedAligned64); err != nil {
		t.Fatalf("add flags: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close writer file: %v", err)
	}
}

func TestOpenRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "layer.wqf")
	writeTestFile(t, path)

	wf, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if cerr := wf.Close(); cerr != nil {
			t.Fatalf("close wqf file: %v", cerr)
		}
	}()

	if wf.Header.Flags&FlagPackedAligned64 == 0 {
		t.Fatalf("packed alignment flag not set")
	}
	packed := wf.Section(SectionPacked)
	if packed == nil {
		t.Fatalf("missing packed section")
	}
	if packed.Offset%PackedAlign != 0 {
		t.Fatalf("packed offset %d not %d-byte aligned", packed.Offset, PackedAlign)
	}
	if got := wf.SectionData(packed); !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("packed mismatch: got %v", got)
	}

	scales, err := DecodeF32(wf.SectionData(wf.Section(SectionScales)))
	if err != nil {
		t.Fatalf("decode scales: %v", err)
	}
	if len(scales) != 2 || scales[0] != 0.5 || scales[1] != -1.25 {
		t.Fatalf("scales mismatch: %v", scales)
	}

	meta, err := wf.Meta()
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.Name != "proj" || meta.N != 16 || meta.K != 32 || meta.QType != "int4" {
		t.Fatalf("meta mismatch: %+v", meta)
	}
	if wf.Section(SectionBias) != nil {
		t.Fatalf("unexpected bias section")
	}
}

func TestOpenReaderAtRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "layer.wqf")
	writeTestFile(t, path)

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer func() { _ = rf.Close() }()

	st, err := rf.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	wf, err := OpenReaderAt(rf, st.Size())
	if err != nil {
		t.Fatalf("open readerat: %v", err)
	}
	defer func() { _ = wf.Close() }()

	if wf.Mapped() {
		t.Fatalf("OpenReaderAt should not mmap")
	}
	if wf.Header.HeaderSize != headerSize {
		t.Fatalf("header size mismatch: got %d want %d", wf.Header.HeaderSize, headerSize)
	}
	if len(wf.Sections) != 3 {
		t.Fatalf("section count: got %d want 3", len(wf.Sections))
	}
	for i := 1; i < len(wf.Sections); i++ {
		if wf.Sections[i-1].Type >= wf.Sections[i].Type {
			t.Fatalf("section directory not sorted: %+v", wf.Sections)
		}
	}
}

func TestWriterRejectsDuplicateAndReuse(t *testing.T) {
	t.Parallel()

	f, err := os.Create(filepath.Join(t.TempDir(), "dup.wqf"))
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSection(SectionMeta, 1, []byte("{}")); err != nil {
		t.Fatalf("write meta: %v", err)
	}
	if err := w.WriteSection(SectionMeta, 1, []byte("{}")); err == nil {
		t.Fatalf("expected duplicate section error")
	}
	if err := w.WriteSectionAligned(SectionPacked, 1, nil, 12); err == nil {
		t.Fatalf("expected alignment error")
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := w.WriteSection(SectionBias, 1, nil); err == nil {
		t.Fatalf("expected error after finalise")
	}
}

func TestParseRejectsCorruptFiles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "layer.wqf")
	writeTestFile(t, path)
	good, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"short", func(b []byte) []byte { return b[:headerSize-1] }, ErrCorruptFile},
		{"magic", func(b []byte) []byte { b[0] = 'X'; return b }, ErrInvalidMagic},
		{"major", func(b []byte) []byte { le.PutUint16(b[4:], CurrentMajor+1); return b }, ErrUnsupportedMajor},
		{"truncated", func(b []byte) []byte { return b[:len(b)-8] }, ErrCorruptFile},
		{"dir offset", func(b []byte) []byte { le.PutUint64(b[16:], uint64(len(b))); return b }, ErrCorruptFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data := tt.mutate(bytes.Clone(good))
			_, err := parseFileData(data, false)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHeaderAndSectionEncodingLittleEndian(t *testing.T) {
	t.Parallel()

	h := Header{
		Magic:            [4]byte{'W', 'Q', 'F', 0},
		Major:            0x1122,
		Minor:            0x3344,
		HeaderSize:       headerSize,
		SectionCount:     5,
		SectionDirOffset: 0x0102030405060708,
		FileSize:         0x1112131415161718,
		Flags:            0x2122232425262728,
	}
	var hdrRaw [headerSize]byte
	if !encodeHeader(hdrRaw[:], h) {
		t.Fatalf("encode header failed")
	}
	if hdrRaw[4] != 0x22 || hdrRaw[5] != 0x11 {
		t.Fatalf("major is not little-endian: %x", hdrRaw[4:6])
	}
	if hdrRaw[16] != 0x08 || hdrRaw[23] != 0x01 {
		t.Fatalf("section dir offset is not little-endian: %x", hdrRaw[16:24])
	}
	decodedH, ok := decodeHeader(hdrRaw[:])
	if !ok || decodedH != h {
		t.Fatalf("header round-trip mismatch: got %+v want %+v", decodedH, h)
	}

	s := Section{Type: 0x11223344, Version: 0x55667788, Offset: 0x0102030405060708, Size: 0x1112131415161718}
	var secRaw [sectionSize]byte
	if !encodeSection(secRaw[:], s) {
		t.Fatalf("encode section failed")
	}
	if secRaw[0] != 0x44 || secRaw[3] != 0x11 {
		t.Fatalf("section type is not little-endian: %x", secRaw[0:4])
	}
	decodedS, ok := decodeSection(secRaw[:])
	if !ok || decodedS != s {
		t.Fatalf("section round-trip mismatch: got %+v want %+v", decodedS, s)
	}
}

func TestDecodeMetaRejectsBadShape(t *testing.T) {
	t.Parallel()

	if _, err := DecodeMeta([]byte(`{"n":0,"k":4,"groups":1,"group_size":4}`)); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("zero N: got %v", err)
	}
	if _, err := DecodeMeta([]byte(`not json`)); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("bad json: got %v", err)
	}
	if _, err := DecodeI32([]byte{1, 2, 3}); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("odd i32 payload: got %v", err)
	}
}
