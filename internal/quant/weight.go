package quant

import (
	"fmt"
	"math"
)

// Weight is an [N, K] weight quantized into the plain code layout.
//
// INT8 codes are two's-complement bytes, one per element, row-major.
// INT4 and NF4 store two codes per byte, [N, K/2], with the even k in the
// low nibble. Scales and Zeros are laid out as [Groups, N]; Zeros is nil for
// symmetric weights.
type Weight struct {
	QType     QType
	N, K      int
	GroupSize int
	Groups    int
	Symmetric bool
	Codes     []byte
	Scales    []float32
	Zeros     []int32
}

// Int4SymZero is the implicit zero point of symmetric INT4 codes.
const Int4SymZero = 8

// CodeRange returns the inclusive code range and whether codes are signed.
func CodeRange(q QType) (lo, hi int32) {
	switch q {
	case QTypeInt8:
		return -128, 127
	default:
		return 0, 15
	}
}

// QuantizeWeight quantizes a row-major [n, k] float weight. groupSize 0 (or
// k) gives one scale per output channel; otherwise it must divide k.
func QuantizeWeight(w []float32, n, k int, qtype QType, groupSize int, sym bool) (Weight, error) {
	if n <= 0 || k <= 0 || len(w) != n*k {
		return Weight{}, fmt.Errorf("%w: %d values for [%d,%d]", ErrShape, len(w), n, k)
	}
	if !qtype.Valid() {
		return Weight{}, fmt.Errorf("%w: %s", ErrUnsupported, qtype)
	}
	if qtype.Is4Bit() && k%2 != 0 {
		return Weight{}, fmt.Errorf("%w: 4-bit weights need even K, got %d", ErrShape, k)
	}
	if qtype == QTypeNF4 {
		sym = true
	}
	if groupSize <= 0 || groupSize > k {
		groupSize = k
	}
	if k%groupSize != 0 {
		return Weight{}, fmt.Errorf("%w: group size %d does not divide K=%d", ErrBlockSize, groupSize, k)
	}
	groups := k / groupSize

	out := Weight{
		QType:     qtype,
		N:         n,
		K:         k,
		GroupSize: groupSize,
		Groups:    groups,
		Symmetric: sym,
		Scales:    make([]float32, groups*n),
	}
	if !sym {
		out.Zeros = make([]int32, groups*n)
	}
	if qtype.Is4Bit() {
		out.Codes = make([]byte, n*k/2)
	} else {
		out.Codes = make([]byte, n*k)
	}

	codes := make([]int32, groupSize)
	for row := range n {
		for g := range groups {
			vals := w[row*k+g*groupSize : row*k+(g+1)*groupSize]
			scale, zp := weightParams(vals, qtype, sym)
			out.Scales[g*n+row] = scale
			if !sym {
				out.Zeros[g*n+row] = zp
			}
			for i, v := range vals {
				codes[i] = weightCode(v, scale, zp, qtype, sym)
			}
			for i, c := range codes {
				kk := g*groupSize + i
				switch {
				case !qtype.Is4Bit():
					out.Codes[row*k+kk] = byte(int8(c))
				case kk%2 == 0:
					out.Codes[row*k/2+kk/2] = byte(c & 0xF)
				default:
					out.Codes[row*k/2+kk/2] |= byte(c&0xF) << 4
				}
			}
		}
	}
	return out, nil
}

func weightParams(vals []float32, qtype QType, sym bool) (float32, int32) {
	lo, hi := minMax(vals)
	lo = min(lo, 0)
	hi = max(hi, 0)
	absMax := max(abs32(lo), abs32(hi))

	var scale float32
	var zp int32
	switch {
	case qtype == QTypeNF4:
		scale = absMax
	case qtype == QTypeInt8 && sym:
		scale = absMax / 127
	case qtype == QTypeInt8:
		scale = (hi - lo) / 255
	case sym:
		scale = absMax / 7
	default:
		scale = (hi - lo) / 15
	}
	if !(scale >= MinScale) {
		if isNaN(scale) {
			return scale, 0
		}
		scale = MinScale
	}
	if !sym {
		cl, ch := CodeRange(qtype)
		zp = clampI32(int32(math.RoundToEven(float64(cl)-float64(lo/scale))), cl, ch)
	}
	return scale, zp
}

func weightCode(v, scale float32, zp int32, qtype QType, sym bool) int32 {
	if qtype == QTypeNF4 {
		return int32(NearestNF4(v / scale))
	}
	q := math.RoundToEven(float64(v / scale))
	if math.IsNaN(q) {
		q = 0
	}
	cl, ch := CodeRange(qtype)
	switch {
	case qtype == QTypeInt8 && sym:
		cl = -127
	case qtype == QTypeInt4 && sym:
		q += Int4SymZero
	default:
		q += float64(zp)
	}
	return int32(math.Max(float64(cl), math.Min(float64(ch), q)))
}

// CodeAt returns the code of element (row, k) from the plain layout.
func (w *Weight) CodeAt(row, k int) int32 {
	return PlainCode(w.Codes, w.QType, w.K, row, k)
}

// PlainCode reads element (row, k) of a plain [N, K] code buffer.
func PlainCode(codes []byte, qtype QType, k, row, col int) int32 {
	if !qtype.Is4Bit() {
		return int32(int8(codes[row*k+col]))
	}
	b := codes[row*k/2+col/2]
	if col%2 == 0 {
		return int32(b & 0xF)
	}
	return int32(b >> 4)
}

// Value reconstructs the float value of element (row, k).
func (w *Weight) Value(row, k int) float32 {
	g := k / w.GroupSize
	scale := w.Scales[g*w.N+row]
	code := w.CodeAt(row, k)
	switch {
	case w.QType == QTypeNF4:
		return scale * NF4Values[code]
	case w.Symmetric && w.QType == QTypeInt4:
		return scale * float32(code-Int4SymZero)
	case w.Symmetric:
		return scale * float32(code)
	default:
		return Dequantize(code, scale, w.Zeros[g*w.N+row])
	}
}
