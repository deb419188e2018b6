// Package safetensors reads and writes the safetensors tensor container.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/woq/internal/tensor"
)

// maxHeaderLen bounds the JSON header read from untrusted files.
const maxHeaderLen = 100 << 20

var ErrNotFound = errors.New("safetensors: tensor not found")

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	DataSize  int64
	Metadata  map[string]string
	Tensors   map[string]TensorInfo
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	headerLen, err := readU64(f)
	if err != nil {
		return nil, err
	}
	if headerLen > maxHeaderLen || int64(headerLen)+8 > st.Size() {
		return nil, fmt.Errorf("safetensors: header length %d out of range", headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, err
	}

	out := &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
	}
	out.DataSize = st.Size() - out.DataStart
	if md, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(md, &out.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		delete(raw, "__metadata__")
	}

	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		out.Tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return out, nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if t.Start < 0 || t.End < t.Start || t.End > f.DataSize {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid offsets", name)
	}
	buf := make([]byte, t.End-t.Start)

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	out, err := decodeF32(raw, info.DType, n)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

// ReadMatrix reads a 2D tensor as a [rows, cols] float32 matrix.
func (f *File) ReadMatrix(name string) (tensor.Mat, error) {
	vals, info, err := f.ReadTensorF32(name)
	if err != nil {
		return tensor.Mat{}, err
	}
	if len(info.Shape) != 2 {
		return tensor.Mat{}, fmt.Errorf("tensor %s: want 2 dims, got shape %v", name, info.Shape)
	}
	return tensor.NewMatFromData(info.Shape[0], info.Shape[1], vals), nil
}

// ReadVector reads a 1D tensor.
func (f *File) ReadVector(name string) ([]float32, error) {
	vals, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 1 {
		return nil, fmt.Errorf("tensor %s: want 1 dim, got shape %v", name, info.Shape)
	}
	return vals, nil
}

func decodeF32(raw []byte, dtype string, n int) ([]float32, error) {
	out := make([]float32, n)
	switch dtype {
	case "F32":
		if len(raw) != n*4 {
			return nil, errors.New("invalid f32 data size")
		}
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "BF16":
		if len(raw) != n*2 {
			return nil, errors.New("invalid bf16 data size")
		}
		for i := range out {
			out[i] = tensor.BF16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "F16":
		if len(raw) != n*2 {
			return nil, errors.New("invalid f16 data size")
		}
		for i := range out {
			out[i] = tensor.F16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}
	return out, nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
