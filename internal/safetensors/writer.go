package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
)

// Tensor is a float32 tensor to be written.
type Tensor struct {
	Shape []int
	Data  []float32
}

// WriteF32 writes tensors as F32 in name order. metadata may be nil.
func WriteF32(path string, tensors map[string]Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for _, name := range names {
		t := tensors[name]
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: %d values for shape %v", name, len(t.Data), t.Shape)
		}
		end := off + int64(n)*4
		header[name] = tensorHeader{DType: "F32", Shape: t.Shape, DataOffsets: []int64{off, end}}
		off = end
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Pad the header so the data section starts 8-byte aligned.
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	buf := make([]byte, 8, 8+len(headerBytes))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	if _, err := out.Write(buf); err != nil {
		return err
	}
	for _, name := range names {
		t := tensors[name]
		raw := make([]byte, len(t.Data)*4)
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
		if _, err := out.Write(raw); err != nil {
			return err
		}
	}
	return out.Close()
}
