package woq

import (
	"fmt"
	"math"

	"github.com/samcharles93/woq/internal/tensor"
)

// postOps is the epilogue run on each finished output tile, after the
// accumulator has been rounded to the output precision.
type postOps struct {
	fusion Fusion
	others []*tensor.Mat
}

func newPostOps(f Fusion, others []*tensor.Mat, m, n int) (*postOps, error) {
	if int(f) >= len(fusionNames) {
		return nil, fmt.Errorf("%w: fusion %d", ErrUnsupported, f)
	}
	need := f.Operands()
	if len(others) < need {
		return nil, fmt.Errorf("%w: %s needs %d tensors, got %d", ErrMissingOperand, f, need, len(others))
	}
	for i := range need {
		o := others[i]
		if o == nil {
			return nil, fmt.Errorf("%w: %s operand %d is nil", ErrMissingOperand, f, i)
		}
		if o.R != m || o.C != n {
			return nil, fmt.Errorf("%w: %s operand %d is [%d,%d], output is [%d,%d]", ErrShape, f, i, o.R, o.C, m, n)
		}
	}
	return &postOps{fusion: f, others: others[:need]}, nil
}

// apply transforms v, the columns [col0, col0+len(v)) of output row. aux is
// scratch of at least len(v).
func (p *postOps) apply(aux, v []float32, row, col0 int) {
	switch p.fusion {
	case FusionNone:
	case FusionGeluErf, FusionGeluTanh, FusionRelu, FusionSilu:
		for j, x := range v {
			v[j] = activate(x, p.fusion)
		}
	case FusionAdd:
		aux = aux[:len(v)]
		p.others[0].RowRangeTo(aux, row, col0)
		for j := range v {
			v[j] += aux[j]
		}
	case FusionAddAdd:
		aux = aux[:len(v)]
		for _, o := range p.others {
			o.RowRangeTo(aux, row, col0)
			for j := range v {
				v[j] += aux[j]
			}
		}
	case FusionMul:
		aux = aux[:len(v)]
		p.others[0].RowRangeTo(aux, row, col0)
		for j := range v {
			v[j] *= aux[j]
		}
	}
}

func activate(x float32, f Fusion) float32 {
	switch f {
	case FusionGeluErf:
		return x * 0.5 * (1 + float32(math.Erf(float64(x)*0.7071067811865476)))
	case FusionGeluTanh:
		x3 := x * x * x
		return 0.5 * x * (1 + float32(math.Tanh(0.7978845608028654*float64(x+0.044715*x3))))
	case FusionRelu:
		if x < 0 {
			return 0
		}
		return x
	case FusionSilu:
		return x / (1 + float32(math.Exp(-float64(x))))
	default:
		return x
	}
}
