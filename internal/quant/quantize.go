package quant

import (
	"fmt"
	"math"

	"github.com/samcharles93/woq/internal/tensor"
)

// Quantize maps x onto an 8-bit code. Asymmetric codes lie in [0,255] and
// symmetric codes in [-128,127]. NaN maps to the code of zero.
func Quantize(x, scale float32, zp int32, sym bool) int32 {
	v := float64(x / scale)
	if math.IsNaN(v) {
		if sym {
			return 0
		}
		return zp
	}
	q := math.RoundToEven(v)
	if sym {
		return int32(math.Max(-128, math.Min(127, q)))
	}
	return int32(math.Max(0, math.Min(255, q+float64(zp))))
}

// Dequantize returns scale * (code - zp).
func Dequantize(code int32, scale float32, zp int32) float32 {
	return scale * float32(code-zp)
}

// Activation is a dynamically quantized copy of a [Rows, Cols] activation.
type Activation struct {
	Codes  []int16
	Rows   int
	Cols   int
	Params Params
}

// Row returns the codes of row i.
func (a *Activation) Row(i int) []int16 {
	return a.Codes[i*a.Cols : (i+1)*a.Cols]
}

// QuantizeActivation estimates parameters for x with the given granularity
// and converts it to codes. blockSize is the K block for the column-block
// granularities; 0 means the whole row.
func (e Estimator) QuantizeActivation(x *tensor.Mat, gran Granularity, blockSize int, sym bool) (Activation, error) {
	xf := x.Float32()
	p, err := e.PerBlock(xf.Data, xf.R, xf.C, blockSize, gran, sym)
	if err != nil {
		return Activation{}, fmt.Errorf("quantize activation: %w", err)
	}
	a := Activation{
		Codes:  make([]int16, xf.R*xf.C),
		Rows:   xf.R,
		Cols:   xf.C,
		Params: p,
	}
	quantizeRows := func(r int) {
		row := xf.Data[r*xf.C : (r+1)*xf.C]
		dst := a.Codes[r*xf.C : (r+1)*xf.C]
		for k0 := 0; k0 < xf.C; k0 += p.BlockSize {
			k1 := min(k0+p.BlockSize, xf.C)
			scale, zp := p.At(r, k0)
			for k := k0; k < k1; k++ {
				dst[k] = int16(Quantize(row[k], scale, zp, sym))
			}
		}
	}
	if e.Pool != nil && e.ParallelThreshold > 0 && len(xf.Data) > e.ParallelThreshold {
		e.Pool.For(xf.R, quantizeRows)
	} else {
		for r := range xf.R {
			quantizeRows(r)
		}
	}
	return a, nil
}

// Dequantize reconstructs the float activation.
func (a *Activation) Dequantize() tensor.Mat {
	out := tensor.NewMat(a.Rows, a.Cols)
	for r := range a.Rows {
		for k := range a.Cols {
			scale, zp := a.Params.At(r, k)
			out.Data[r*a.Cols+k] = Dequantize(int32(a.Codes[r*a.Cols+k]), scale, zp)
		}
	}
	return out
}
