package safetensors

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

// writeRaw creates a safetensors file from a header and data section.
func writeRaw(t *testing.T, path string, header map[string]any, data []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf := append(lenBuf[:], headerBytes...)
	buf = append(buf, data...)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func entry(dtype string, shape []int, start, end int64) map[string]any {
	return map[string]any{"dtype": dtype, "shape": shape, "data_offsets": []int64{start, end}}
}

func TestOpenValidFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "test.safetensors")
	writeRaw(t, path, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"weight":       entry("F32", []int{2, 3}, 0, 24),
	}, make([]byte, 24))

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(f.Tensors) != 1 {
		t.Fatalf("expected 1 tensor (metadata excluded), got %d", len(f.Tensors))
	}
	if f.Metadata["format"] != "pt" {
		t.Fatalf("metadata not captured: %v", f.Metadata)
	}
	info, ok := f.Tensor("weight")
	if !ok {
		t.Fatal("tensor 'weight' not found")
	}
	if info.DType != "F32" || len(info.Shape) != 2 || info.Shape[0] != 2 || info.Shape[1] != 3 {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	if _, err := Open(filepath.Join(dir, "missing.safetensors")); err == nil {
		t.Fatal("expected error for nonexistent file")
	}

	truncated := filepath.Join(dir, "truncated.safetensors")
	if err := os.WriteFile(truncated, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(truncated); err == nil {
		t.Fatal("expected error for truncated file")
	}

	hugeHeader := filepath.Join(dir, "huge.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 1<<40)
	if err := os.WriteFile(hugeHeader, lenBuf[:], 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(hugeHeader); err == nil {
		t.Fatal("expected error for oversized header length")
	}

	invalid := filepath.Join(dir, "invalid.safetensors")
	binary.LittleEndian.PutUint64(lenBuf[:], 12)
	if err := os.WriteFile(invalid, append(lenBuf[:], []byte("not valid js")...), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(invalid); err == nil {
		t.Fatal("expected error for invalid JSON header")
	}

	badOffsets := filepath.Join(dir, "bad_offsets.safetensors")
	writeRaw(t, badOffsets, map[string]any{
		"bad": map[string]any{"dtype": "F32", "shape": []int{1}, "data_offsets": []int64{0}},
	}, nil)
	if _, err := Open(badOffsets); err == nil {
		t.Fatal("expected error for invalid data_offsets")
	}
}

func TestReadTensorDTypes(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dtypes.safetensors")

	data := make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:], math.Float32bits(1.5))
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(-2))
	binary.LittleEndian.PutUint16(data[8:], 0x3F80)  // bf16 1.0
	binary.LittleEndian.PutUint16(data[10:], 0x4000) // bf16 2.0
	binary.LittleEndian.PutUint16(data[12:], 0x3C00) // f16 1.0
	binary.LittleEndian.PutUint16(data[14:], 0xC000) // f16 -2.0

	writeRaw(t, path, map[string]any{
		"f32":  entry("F32", []int{2}, 0, 8),
		"bf16": entry("BF16", []int{2}, 8, 12),
		"f16":  entry("F16", []int{2}, 12, 16),
		"i8":   entry("I8", []int{4}, 0, 4),
		"bad":  entry("F32", []int{3}, 0, 8),
		"oob":  entry("F32", []int{2}, 12, 20),
	}, data)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tests := []struct {
		name string
		want []float32
	}{
		{"f32", []float32{1.5, -2}},
		{"bf16", []float32{1, 2}},
		{"f16", []float32{1, -2}},
	}
	for _, tt := range tests {
		got, _, err := f.ReadTensorF32(tt.name)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Fatalf("%s[%d]: got %v want %v", tt.name, i, got[i], tt.want[i])
			}
		}
	}

	for _, name := range []string{"i8", "bad", "oob"} {
		if _, _, err := f.ReadTensorF32(name); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, _, err := f.ReadTensor("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWriteF32RoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out.safetensors")

	w := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{0.5, -0.5}
	err := WriteF32(path, map[string]Tensor{
		"proj.weight": {Shape: []int{2, 3}, Data: w},
		"proj.bias":   {Shape: []int{2}, Data: b},
	}, map[string]string{"source": "test"})
	if err != nil {
		t.Fatalf("WriteF32: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.DataStart%8 != 0 {
		t.Fatalf("data section not aligned: %d", f.DataStart)
	}
	names := f.Names()
	if len(names) != 2 || names[0] != "proj.bias" || names[1] != "proj.weight" {
		t.Fatalf("names: %v", names)
	}

	m, err := f.ReadMatrix("proj.weight")
	if err != nil {
		t.Fatalf("ReadMatrix: %v", err)
	}
	if m.R != 2 || m.C != 3 {
		t.Fatalf("matrix shape: %dx%d", m.R, m.C)
	}
	for i := range w {
		if m.Data[i] != w[i] {
			t.Fatalf("weight[%d]: got %v want %v", i, m.Data[i], w[i])
		}
	}
	bias, err := f.ReadVector("proj.bias")
	if err != nil {
		t.Fatalf("ReadVector: %v", err)
	}
	if bias[0] != 0.5 || bias[1] != -0.5 {
		t.Fatalf("bias: %v", bias)
	}
	if _, err := f.ReadMatrix("proj.bias"); err == nil {
		t.Fatal("expected rank error for 1D tensor")
	}

	if err := WriteF32(path, map[string]Tensor{"x": {Shape: []int{3}, Data: []float32{1}}}, nil); err == nil {
		t.Fatal("expected error for shape/data mismatch")
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shape   []int
		want    int
		wantErr bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{7}, 7, false},
		{nil, 0, true},
		{[]int{2, 0}, 0, true},
		{[]int{-1}, 0, true},
		{[]int{1 << 62, 1 << 62}, 0, true},
	}
	for _, tt := range tests {
		got, err := numElements(tt.shape)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%v: err=%v wantErr=%v", tt.shape, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("%v: got %d want %d", tt.shape, got, tt.want)
		}
	}
}
