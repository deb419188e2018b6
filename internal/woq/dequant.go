package woq

import (
	"fmt"

	"github.com/samcharles93/woq/internal/quant"
	"github.com/samcharles93/woq/internal/tensor"
)

// Dequantizer widens packed weight rows into float values. Raw values are
// the INT8 code, the INT4 code (less 8 when symmetric) or the NF4 table
// entry; zero points and scales are applied separately so a tile can keep
// its scales for the end of the K loop.
type Dequantizer struct {
	qtype quant.QType
	group int
	table [16]float32
	pairs [256][2]float32
	i8    [256]float32
}

// NewDequantizer builds the lookup tables for one weight format. Rows are
// blockN columns wide.
func NewDequantizer(qtype quant.QType, blockN int, lowp LowpMode, sym bool) (*Dequantizer, error) {
	if !qtype.Valid() {
		return nil, fmt.Errorf("%w: qtype %s", ErrUnsupported, qtype)
	}
	if blockN <= 0 || blockN%16 != 0 {
		return nil, fmt.Errorf("%w: block_n %d must be a positive multiple of 16", ErrAlignment, blockN)
	}
	d := &Dequantizer{qtype: qtype, group: nGroupSize(blockN, lowp)}
	if qtype.Is4Bit() && blockN%d.group != 0 {
		return nil, fmt.Errorf("%w: block_n %d is not a multiple of column group %d", ErrAlignment, blockN, d.group)
	}
	for c := range 16 {
		switch {
		case qtype == quant.QTypeNF4:
			d.table[c] = quant.NF4Values[c]
		case sym:
			d.table[c] = float32(c - quant.Int4SymZero)
		default:
			d.table[c] = float32(c)
		}
	}
	for b := range 256 {
		d.pairs[b] = [2]float32{d.table[b&0xF], d.table[b>>4]}
		d.i8[b] = float32(int8(b))
	}
	return d, nil
}

// Decode widens one row of the standard blocked layout.
func (d *Dequantizer) Decode(dst []float32, row []byte) {
	if d.qtype == quant.QTypeInt8 {
		dst = dst[:len(row)]
		for j, b := range row {
			dst[j] = d.i8[b]
		}
		return
	}
	half := d.group / 2
	for g0 := 0; g0 < len(dst); g0 += d.group {
		bytes := row[g0/2 : g0/2+half]
		lo := dst[g0 : g0+half]
		hi := dst[g0+half : g0+d.group]
		for i, b := range bytes {
			p := &d.pairs[b]
			lo[i] = p[0]
			hi[i] = p[1]
		}
	}
}

// DecodeCodes widens codes already extracted by PackedWeight.RowCodes.
func (d *Dequantizer) DecodeCodes(dst []float32, codes []int32) {
	dst = dst[:len(codes)]
	if d.qtype == quant.QTypeInt8 {
		for j, c := range codes {
			dst[j] = float32(c)
		}
		return
	}
	for j, c := range codes {
		dst[j] = d.table[c&0xF]
	}
}

// DequantRow decodes row and applies zero and scale. Either may be nil.
func (d *Dequantizer) DequantRow(dst []float32, row []byte, scale, zero []float32) {
	d.Decode(dst, row)
	applyZeroScale(dst, scale, zero)
}

func applyZeroScale(dst, scale, zero []float32) {
	switch {
	case zero != nil && scale != nil:
		zero = zero[:len(dst)]
		scale = scale[:len(dst)]
		for j := range dst {
			dst[j] = (dst[j] - zero[j]) * scale[j]
		}
	case zero != nil:
		zero = zero[:len(dst)]
		for j := range dst {
			dst[j] -= zero[j]
		}
	case scale != nil:
		scale = scale[:len(dst)]
		for j := range dst {
			dst[j] *= scale[j]
		}
	}
}

// groupVectors fills scale and zero with the parameters of columns
// [n0, n0+len(scale)) in weight group g. zero is left untouched and false is
// returned when the weight has no stored zero points.
func (p *WeightParams) groupVectors(scale, zero []float32, g, n0, n int) bool {
	copy(scale, p.Scales[g*n+n0:g*n+n0+len(scale)])
	if p.Zeros == nil {
		return false
	}
	for j := range zero {
		zero[j] = float32(p.Zeros[g*n+n0+j])
	}
	return true
}

// DequantizeAll expands w into a dense [K, N] f32 matrix, the layout the
// dense GEMM consumes as B. Packed weights are expanded tile by tile on
// pool.
func DequantizeAll(pool *tensor.Pool, w *PackedWeight, p *WeightParams) (tensor.Mat, error) {
	if err := w.Validate(); err != nil {
		return tensor.Mat{}, err
	}
	if err := p.Validate(w.QType, w.N, w.K); err != nil {
		return tensor.Mat{}, err
	}
	out := tensor.NewMat(w.K, w.N)
	if !w.Packed() {
		forTiles(pool, w.N, func(n int) {
			for k := range w.K {
				g := k / p.GroupSize
				out.Data[k*w.N+n] = dequantValue(w.QType, w.Code(n, k), p.Scales[g*w.N+n], p.zero(w.QType, g, n, w.N))
			}
		})
		return out, nil
	}

	d, err := NewDequantizer(w.QType, w.BlockN, w.Lowp, p.Symmetric())
	if err != nil {
		return tensor.Mat{}, err
	}
	nb, kc := w.BlockN, w.Kc()
	forTiles(pool, w.Nc()*kc, func(t int) {
		bn, bk := t/kc, t%kc
		scale := make([]float32, nb)
		zero := make([]float32, nb)
		codes := make([]int32, nb)
		g := -1
		var hasZero bool
		for kb := range w.BlockK {
			k := bk*w.BlockK + kb
			if gk := k / p.GroupSize; gk != g {
				g = gk
				hasZero = p.groupVectors(scale, zero, g, bn*nb, w.N)
			}
			dst := out.Data[k*w.N+bn*nb : k*w.N+(bn+1)*nb]
			if w.vnni() {
				w.RowCodes(codes, bn, bk, kb)
				d.DecodeCodes(dst, codes)
			} else {
				rb := w.rowBytes()
				d.Decode(dst, w.Tile(bn, bk)[kb*rb:(kb+1)*rb])
			}
			if hasZero {
				applyZeroScale(dst, scale, zero)
			} else {
				applyZeroScale(dst, scale, nil)
			}
		}
	})
	return out, nil
}

// dequantValue reconstructs one element from its code.
func dequantValue(qtype quant.QType, code int32, scale float32, zp int32) float32 {
	if qtype == quant.QTypeNF4 {
		return scale * quant.NF4Values[code&0xF]
	}
	return scale * float32(code-zp)
}
