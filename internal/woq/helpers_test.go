package woq

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/samcharles93/woq/internal/logger"
	"github.com/samcharles93/woq/internal/quant"
	"github.com/samcharles93/woq/internal/tensor"
)

type layer struct {
	q  quant.Weight
	w  *PackedWeight
	p  WeightParams
	wf []float32 // dequantized [N, K]
}

type layerSpec struct {
	n, k   int
	qtype  quant.QType
	group  int
	sym    bool
	blockN int
	blockK int
	lowp   LowpMode
}

func makeLayer(t testing.TB, s layerSpec) layer {
	t.Helper()
	raw := tensor.NewMat(s.n, s.k)
	tensor.FillRandRange(&raw, int64(s.n*1000+s.k), 1)
	q, err := quant.QuantizeWeight(raw.Data, s.n, s.k, s.qtype, s.group, s.sym)
	if err != nil {
		t.Fatalf("QuantizeWeight: %v", err)
	}
	var w *PackedWeight
	if s.blockN == 0 {
		w, err = NewPlainWeight(q.Codes, s.qtype, s.n, s.k)
	} else {
		w, err = Pack(nil, q.Codes, s.qtype, s.n, s.k, PackOptions{BlockN: s.blockN, BlockK: s.blockK, Lowp: s.lowp})
	}
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	wf := make([]float32, s.n*s.k)
	for r := range s.n {
		for c := range s.k {
			wf[r*s.k+c] = q.Value(r, c)
		}
	}
	return layer{q: q, w: w, p: ParamsFromWeight(q), wf: wf}
}

func randActivation(m, k int, seed int64) tensor.Mat {
	x := tensor.NewMat(m, k)
	tensor.FillRandRange(&x, seed, 1)
	return x
}

func randBias(n int) []float32 {
	b := tensor.NewMat(1, n)
	tensor.FillRandRange(&b, 99, 0.5)
	return b.Data
}

// reference computes x·wᵀ + bias in float64.
func reference(x *tensor.Mat, wf []float32, n int, bias []float32) []float32 {
	xf := x.Float32()
	out := make([]float32, xf.R*n)
	for i := range xf.R {
		for j := range n {
			var s float64
			if bias != nil {
				s = float64(bias[j])
			}
			for kk := range xf.C {
				s += float64(xf.Data[i*xf.C+kk]) * float64(wf[j*xf.C+kk])
			}
			out[i*n+j] = float32(s)
		}
	}
	return out
}

func maxAbsDiff(a, b []float32) float32 {
	if len(a) != len(b) {
		return float32(math.Inf(1))
	}
	var m float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		if d != d {
			return d
		}
		m = max(m, d)
	}
	return m
}

func assertClose(t *testing.T, got, want []float32, tol float32) {
	t.Helper()
	if d := maxAbsDiff(got, want); !(d <= tol) {
		t.Fatalf("max abs diff %g > %g", d, tol)
	}
}

func newTestPool(t testing.TB, size int) *tensor.Pool {
	t.Helper()
	p := tensor.NewPool(size)
	t.Cleanup(p.Close)
	return p
}

func newTestEngine(t testing.TB, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(cfg,
		WithPool(newTestPool(t, 4)),
		WithLogger(logger.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}
