package quant

import (
	"fmt"
	"math"

	"github.com/samcharles93/woq/internal/tensor"
)

// minMax reduces x to its minimum and maximum. The built-in min and max
// return NaN if either operand is NaN, so a single NaN poisons both results.
func minMax(x []float32) (float32, float32) {
	lo := float32(math.Inf(1))
	hi := float32(math.Inf(-1))
	for _, v := range x {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

// minMaxPar splits the reduction across pool when x has more than threshold
// elements. Partial results merge with the same NaN-propagating rule.
func minMaxPar(pool *tensor.Pool, x []float32, threshold int) (float32, float32) {
	if pool == nil || threshold <= 0 || len(x) <= threshold || pool.Size() <= 1 {
		return minMax(x)
	}
	parts := pool.Size()
	chunk := (len(x) + parts - 1) / parts
	los := make([]float32, parts)
	his := make([]float32, parts)
	pool.For(parts, func(i int) {
		lo := min(i*chunk, len(x))
		hi := min(lo+chunk, len(x))
		los[i], his[i] = minMax(x[lo:hi])
	})
	lo, hi := los[0], his[0]
	for i := 1; i < parts; i++ {
		lo = min(lo, los[i])
		hi = max(hi, his[i])
	}
	return lo, hi
}

// FromRange derives 8-bit activation parameters from a reduced range. The
// range is widened to contain zero. Asymmetric parameters map onto codes
// [0,255], symmetric onto [-128,127]. A NaN bound yields a NaN scale.
func FromRange(lo, hi float32, sym bool) (float32, int32) {
	lo = min(lo, 0)
	hi = max(hi, 0)
	if isNaN(lo) || isNaN(hi) {
		return float32(math.NaN()), 0
	}
	if sym {
		scale := max(abs32(hi), abs32(lo)) / 127
		if scale < MinScale {
			scale = MinScale
		}
		return scale, 0
	}
	scale := (hi - lo) / 255
	if scale < MinScale {
		scale = MinScale
	}
	zp := int32(-math.RoundToEven(float64(lo / scale)))
	return scale, clampI32(zp, 0, 255)
}

// EstimatePerTensor computes one (scale, zero point) pair over all of x.
func EstimatePerTensor(x []float32, sym bool) (float32, int32) {
	lo, hi := minMax(x)
	return FromRange(lo, hi, sym)
}

// Estimator computes activation quantization parameters. Pool and
// ParallelThreshold enable a parallel min/max for large per-tensor inputs.
type Estimator struct {
	Pool              *tensor.Pool
	ParallelThreshold int
}

// PerTensor is EstimatePerTensor with the optional parallel reduction.
func (e Estimator) PerTensor(x []float32, sym bool) (float32, int32) {
	lo, hi := minMaxPar(e.Pool, x, e.ParallelThreshold)
	return FromRange(lo, hi, sym)
}

// PerBlock computes parameters for a [rows, cols] tensor stored row-major in
// x. blockSize partitions the columns; 0 or a value >= cols means one block
// per row. The final block may be shorter than blockSize.
func (e Estimator) PerBlock(x []float32, rows, cols, blockSize int, gran Granularity, sym bool) (Params, error) {
	if rows < 0 || cols <= 0 || len(x) < rows*cols {
		return Params{}, fmt.Errorf("%w: %d elements for [%d,%d]", ErrShape, len(x), rows, cols)
	}
	if blockSize < 0 {
		return Params{}, fmt.Errorf("%w: %d", ErrBlockSize, blockSize)
	}
	if blockSize == 0 || blockSize > cols {
		blockSize = cols
	}
	blocks := (cols + blockSize - 1) / blockSize

	p := Params{BlockSize: blockSize, Symmetric: sym}
	switch gran {
	case PerTensor:
		p.Rows, p.Blocks, p.BlockSize = 1, 1, cols
	case PerRow:
		p.Rows, p.Blocks, p.BlockSize = rows, 1, cols
	case PerColumnBlock:
		p.Rows, p.Blocks = 1, blocks
	case PerRowColumnBlock:
		p.Rows, p.Blocks = rows, blocks
	default:
		return Params{}, fmt.Errorf("%w: granularity %s", ErrUnsupported, gran)
	}

	n := p.Rows * p.Blocks
	p.Scales = make([]float32, n)
	if !sym {
		p.Zeros = make([]int32, n)
	}

	if gran == PerTensor {
		p.Scales[0], p.Zeros = e.perTensorInto(x[:rows*cols], sym, p.Zeros)
		return p, nil
	}

	los := make([]float32, n)
	his := make([]float32, n)
	for i := range n {
		los[i] = float32(math.Inf(1))
		his[i] = float32(math.Inf(-1))
	}
	for r := range rows {
		row := x[r*cols : (r+1)*cols]
		pr := 0
		if p.Rows > 1 {
			pr = r
		}
		for b := range p.Blocks {
			k0 := b * p.BlockSize
			k1 := min(k0+p.BlockSize, cols)
			lo, hi := minMax(row[k0:k1])
			i := pr*p.Blocks + b
			los[i] = min(los[i], lo)
			his[i] = max(his[i], hi)
		}
	}
	for i := range n {
		s, zp := FromRange(los[i], his[i], sym)
		p.Scales[i] = s
		if !sym {
			p.Zeros[i] = zp
		}
	}
	return p, nil
}

func (e Estimator) perTensorInto(x []float32, sym bool, zeros []int32) (float32, []int32) {
	s, zp := e.PerTensor(x, sym)
	if zeros != nil {
		zeros[0] = zp
	}
	return s, zeros
}

func isNaN(f float32) bool {
	return f != f
}

func abs32(f float32) float32 {
	return math.Float32frombits(math.Float32bits(f) &^ (1 << 31))
}

func clampI32(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
