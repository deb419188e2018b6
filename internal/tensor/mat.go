package tensor

import (
	"math/rand"
)

// Mat represents a dense row‑major matrix.
//
// R and C represent the number of rows and columns respectively. Stride is the
// number of elements between the starts of two consecutive rows. For f32
// matrices Data holds the values; f16/bf16 matrices keep their encoded bytes
// in Raw and are decoded a row at a time.
type Mat struct {
	R, C   int
	Stride int

	DType DType
	Data  []float32
	Raw   []byte
}

// NewMat allocates a zeroed f32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  DTypeF32,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData wraps existing f32 data. The data length must equal r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  DTypeF32,
		Data:   data,
	}
}

// NewMatFromRaw creates a matrix backed by raw little-endian bytes in dtype.
func NewMatFromRaw(r, c int, dtype DType, raw []byte) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	elemSize := dtype.ElemSize()
	if elemSize == 0 {
		return Mat{}, errUnsupportedDType
	}
	want := r * c
	if r != 0 && want/r != c {
		return Mat{}, errMatTooLarge
	}
	if len(raw) != want*elemSize {
		return Mat{}, errRawSizeMismatch
	}
	if dtype == DTypeF32 {
		data := make([]float32, want)
		for i := range data {
			data[i] = f32le(raw, i*4)
		}
		return NewMatFromData(r, c, data), nil
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  dtype,
		Raw:    raw,
	}, nil
}

// NewMatLike allocates a zeroed matrix with the given shape and m's dtype.
func NewMatLike(m *Mat, r, c int) Mat {
	if m.DType == DTypeF32 {
		return NewMat(r, c)
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  m.DType,
		Raw:    make([]byte, r*c*m.DType.ElemSize()),
	}
}

// IsRaw reports whether rows must be decoded through RowTo.
func (m *Mat) IsRaw() bool {
	return m.DType != DTypeF32
}

// Row returns a view of the i‑th row of an f32 matrix. For encoded matrices
// it returns a freshly decoded copy.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if !m.IsRaw() {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	start := i * m.Stride
	if !m.IsRaw() {
		copy(dst[:m.C], m.Data[start:start+m.C])
		return
	}
	off := start * 2
	switch m.DType {
	case DTypeBF16:
		for j := 0; j < m.C; j++ {
			dst[j] = BF16ToF32(u16le(m.Raw, off+j*2))
		}
	case DTypeF16:
		for j := 0; j < m.C; j++ {
			dst[j] = F16ToF32(u16le(m.Raw, off+j*2))
		}
	default:
		panic("unsupported dtype for row decode")
	}
}

// SetRow stores src into the i-th row, encoding it when the matrix is f16/bf16.
func (m *Mat) SetRow(i int, src []float32) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(src) < m.C {
		panic("row buffer too small")
	}
	start := i * m.Stride
	if !m.IsRaw() {
		copy(m.Data[start:start+m.C], src[:m.C])
		return
	}
	off := start * 2
	switch m.DType {
	case DTypeBF16:
		for j := 0; j < m.C; j++ {
			putU16le(m.Raw, off+j*2, F32ToBF16(src[j]))
		}
	case DTypeF16:
		for j := 0; j < m.C; j++ {
			putU16le(m.Raw, off+j*2, F32ToF16(src[j]))
		}
	default:
		panic("unsupported dtype for row encode")
	}
}

// RowRangeTo decodes columns [c0, c0+len(dst)) of row i into dst.
func (m *Mat) RowRangeTo(dst []float32, i, c0 int) {
	if i < 0 || i >= m.R || c0 < 0 || c0+len(dst) > m.C {
		panic("row range out of range")
	}
	start := i*m.Stride + c0
	if !m.IsRaw() {
		copy(dst, m.Data[start:start+len(dst)])
		return
	}
	off := start * 2
	switch m.DType {
	case DTypeBF16:
		for j := range dst {
			dst[j] = BF16ToF32(u16le(m.Raw, off+j*2))
		}
	case DTypeF16:
		for j := range dst {
			dst[j] = F16ToF32(u16le(m.Raw, off+j*2))
		}
	default:
		panic("unsupported dtype for row decode")
	}
}

// SetRowRange stores src into columns [c0, c0+len(src)) of row i.
func (m *Mat) SetRowRange(i, c0 int, src []float32) {
	if i < 0 || i >= m.R || c0 < 0 || c0+len(src) > m.C {
		panic("row range out of range")
	}
	start := i*m.Stride + c0
	if !m.IsRaw() {
		copy(m.Data[start:start+len(src)], src)
		return
	}
	off := start * 2
	switch m.DType {
	case DTypeBF16:
		for j, v := range src {
			putU16le(m.Raw, off+j*2, F32ToBF16(v))
		}
	case DTypeF16:
		for j, v := range src {
			putU16le(m.Raw, off+j*2, F32ToF16(v))
		}
	default:
		panic("unsupported dtype for row encode")
	}
}

// Float32 returns an f32 copy of m (or m itself if already f32 and dense).
func (m *Mat) Float32() Mat {
	if !m.IsRaw() && m.Stride == m.C {
		return *m
	}
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		m.RowTo(out.Data[i*m.C:(i+1)*m.C], i)
	}
	return out
}

// Encode converts an f32 matrix into dtype. Encoding to f32 returns a copy.
func (m *Mat) Encode(dtype DType) Mat {
	src := m.Float32()
	out := NewMatLike(&Mat{DType: dtype}, m.R, m.C)
	for i := 0; i < m.R; i++ {
		out.SetRow(i, src.Data[i*m.C:(i+1)*m.C])
	}
	return out
}

// FillRand fills the matrix with reproducible pseudo‑random values. A small
// range around zero is used to avoid overflow in accumulations. The seed
// controls the random sequence.
func FillRand(m *Mat, seed int64) {
	FillRandRange(m, seed, 0.01)
}

// FillRandRange fills the matrix with values in (-amp, amp).
func FillRandRange(m *Mat, seed int64, amp float32) {
	rng := rand.New(rand.NewSource(seed))
	if m.IsRaw() {
		panic("FillRand only supports f32 mats")
	}
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * amp
	}
}

var (
	errNegativeDim      = fmtError("negative dimension for matrix")
	errUnsupportedDType = fmtError("unsupported dtype for raw matrix")
	errMatTooLarge      = fmtError("matrix too large")
	errRawSizeMismatch  = fmtError("raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
