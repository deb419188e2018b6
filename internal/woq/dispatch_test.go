package woq

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/samcharles93/woq/internal/quant"
	"github.com/samcharles93/woq/internal/tensor"
)

func TestQLinearFusedMatchesReference(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	specs := []layerSpec{
		{n: 16, k: 32, qtype: quant.QTypeInt8, blockN: 16, blockK: 32},
		{n: 16, k: 32, qtype: quant.QTypeInt4, blockN: 16, blockK: 16},
		{n: 16, k: 32, qtype: quant.QTypeNF4, blockN: 16, blockK: 8},
		{n: 64, k: 128, qtype: quant.QTypeInt4, sym: true, group: 32, blockN: 32, blockK: 64},
		{n: 64, k: 128, qtype: quant.QTypeInt8, group: 64, blockN: 64, blockK: 32},
		{n: 128, k: 64, qtype: quant.QTypeNF4, group: 16, blockN: 128, blockK: 32},
		{n: 32, k: 64, qtype: quant.QTypeInt4, blockN: 32, blockK: 32, lowp: LowpInt8},
	}
	for _, s := range specs {
		for _, m := range []int{1, 4, 7, 50} {
			t.Run(fmt.Sprintf("%s/g%d/%dx%d/m%d", s.qtype, s.group, s.blockN, s.blockK, m), func(t *testing.T) {
				t.Parallel()
				l := makeLayer(t, s)
				x := randActivation(m, s.k, int64(m))
				bias := randBias(s.n)
				res, err := e.QLinear(context.Background(), Request{X: &x, Weight: l.w, Params: &l.p, Bias: bias})
				if err != nil {
					t.Fatal(err)
				}
				if res.Strategy != StrategyFused {
					t.Fatalf("strategy %s, want fused", res.Strategy)
				}
				assertClose(t, res.Y.Data, reference(&x, l.wf, s.n, bias), 1e-4)
			})
		}
	}
}

func TestQLinearScenarioM4K32N16(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	l := makeLayer(t, layerSpec{n: 16, k: 32, qtype: quant.QTypeInt4, blockN: 16, blockK: 32})
	x := randActivation(4, 32, 1)
	res, err := e.QLinear(context.Background(), Request{X: &x, Weight: l.w, Params: &l.p, Shape: []int{2, 2, 32}})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Shape, []int{2, 2, 16}) {
		t.Fatalf("shape %v", res.Shape)
	}
	assertClose(t, res.Y.Data, reference(&x, l.wf, 16, nil), 1e-4)
}

func TestQLinearStrategiesAgree(t *testing.T) {
	t.Parallel()
	s := layerSpec{n: 64, k: 96, qtype: quant.QTypeInt8, group: 32, blockN: 32, blockK: 32}
	l := makeLayer(t, s)
	x := randActivation(40, s.k, 3)
	bias := randBias(s.n)
	want := reference(&x, l.wf, s.n, bias)

	fused := newTestEngine(t, nil)
	upfront := newTestEngine(t, func(c *Config) { c.DequantUpfrontThreshold = 1 })
	plainW, err := NewPlainWeight(l.q.Codes, s.qtype, s.n, s.k)
	if err != nil {
		t.Fatal(err)
	}

	runs := []struct {
		e    *Engine
		w    *PackedWeight
		want Strategy
	}{
		{fused, l.w, StrategyFused},
		{upfront, l.w, StrategyDequantUpfront},
		{fused, plainW, StrategyDequantUpfront},
	}
	for _, r := range runs {
		res, err := r.e.QLinear(context.Background(), Request{X: &x, Weight: r.w, Params: &l.p, Bias: bias, Fusion: FusionGeluTanh})
		if err != nil {
			t.Fatal(err)
		}
		if res.Strategy != r.want {
			t.Fatalf("strategy %s, want %s", res.Strategy, r.want)
		}
		ref := slices.Clone(want)
		for i := range ref {
			ref[i] = activate(ref[i], FusionGeluTanh)
		}
		assertClose(t, res.Y.Data, ref, 1e-4)
	}
}

func TestQLinearFourBitNeverDequantsUpfront(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, func(c *Config) { c.DequantUpfrontThreshold = 1 })
	l := makeLayer(t, layerSpec{n: 16, k: 32, qtype: quant.QTypeInt4, blockN: 16, blockK: 16})
	x := randActivation(8, 32, 4)
	res, err := e.QLinear(context.Background(), Request{X: &x, Weight: l.w, Params: &l.p})
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyFused {
		t.Fatalf("strategy %s", res.Strategy)
	}
}

func TestQLinearKSplitEquivalence(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	s := layerSpec{n: 32, k: 256, qtype: quant.QTypeInt4, group: 64, blockN: 16, blockK: 32}
	l := makeLayer(t, s)
	x := randActivation(4, s.k, 5)
	bias := randBias(s.n)

	var base []float32
	for _, ks := range []int{1, 2, 4, 8, 0} {
		res, err := e.QLinear(context.Background(), Request{X: &x, Weight: l.w, Params: &l.p, Bias: bias, KSplits: ks})
		if err != nil {
			t.Fatalf("k_splits %d: %v", ks, err)
		}
		if ks > 0 && res.KSplits != ks {
			t.Fatalf("k_splits %d ran as %d", ks, res.KSplits)
		}
		if base == nil {
			base = res.Y.Data
			assertClose(t, base, reference(&x, l.wf, s.n, bias), 1e-4)
			continue
		}
		assertClose(t, res.Y.Data, base, 1e-5)
	}
}

func TestQLinearKSplitRules(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	l := makeLayer(t, layerSpec{n: 16, k: 96, qtype: quant.QTypeInt8, blockN: 16, blockK: 32})

	x := randActivation(4, 96, 6)
	_, err := e.QLinear(context.Background(), Request{X: &x, Weight: l.w, Params: &l.p, KSplits: 2})
	if !errors.Is(err, ErrKSplit) {
		t.Fatalf("Kc=3 split 2: err = %v", err)
	}

	big := randActivation(32, 96, 7)
	res, err := e.QLinear(context.Background(), Request{X: &big, Weight: l.w, Params: &l.p, KSplits: 3})
	if err != nil {
		t.Fatal(err)
	}
	if res.KSplits != 1 {
		t.Fatalf("M=32 ran with %d splits", res.KSplits)
	}
}

func TestQLinearParallelMAndLoopOrders(t *testing.T) {
	t.Parallel()
	s := layerSpec{n: 64, k: 128, qtype: quant.QTypeInt8, blockN: 32, blockK: 16}
	l := makeLayer(t, s)
	x := randActivation(70, s.k, 8)
	want := reference(&x, l.wf, s.n, nil)
	for _, order := range []LoopOrder{LoopNM, LoopMN} {
		e := newTestEngine(t, func(c *Config) {
			c.ParallelMThreshold = 1
			c.KCBBlock = 3
			c.LoopOrder = order
		})
		res, err := e.QLinear(context.Background(), Request{X: &x, Weight: l.w, Params: &l.p})
		if err != nil {
			t.Fatal(err)
		}
		assertClose(t, res.Y.Data, want, 1e-4)
	}
}

func TestQLinearSmallAndLargeBatchKernelsAgree(t *testing.T) {
	t.Parallel()
	s := layerSpec{n: 32, k: 64, qtype: quant.QTypeNF4, group: 32, blockN: 32, blockK: 32}
	l := makeLayer(t, s)
	x := randActivation(12, s.k, 9)
	rowwise := newTestEngine(t, func(c *Config) { c.SmallBatchThreshold = 100 })
	tilewise := newTestEngine(t, func(c *Config) { c.SmallBatchThreshold = 0 })
	a, err := rowwise.QLinear(context.Background(), Request{X: &x, Weight: l.w, Params: &l.p})
	if err != nil {
		t.Fatal(err)
	}
	b, err := tilewise.QLinear(context.Background(), Request{X: &x, Weight: l.w, Params: &l.p})
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, a.Y.Data, b.Y.Data, 1e-6)
}

func TestQLinearDynamicQuant(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	specs := []layerSpec{
		{n: 32, k: 128, qtype: quant.QTypeInt8, blockN: 16, blockK: 32, lowp: LowpInt8},
		{n: 32, k: 128, qtype: quant.QTypeInt8, sym: true, group: 64, blockN: 32, blockK: 32, lowp: LowpInt8},
		{n: 32, k: 128, qtype: quant.QTypeInt4, group: 16, blockN: 32, blockK: 32, lowp: LowpInt8},
		{n: 32, k: 128, qtype: quant.QTypeInt4, sym: true, blockN: 16, blockK: 64, lowp: LowpInt8},
		{n: 32, k: 128, qtype: quant.QTypeInt8, blockN: 16, blockK: 32},
	}
	modes := []QuantAMode{
		QuantAPerTensor, QuantAPerKBlock, QuantAPerM, QuantAPerMKBlock,
		QuantAPerTensorSym, QuantAPerKBlockSym, QuantAPerMSym, QuantAPerMKBlockSym,
	}
	for _, s := range specs {
		for _, mode := range modes {
			for _, blockK := range []int{0, 32, 24} {
				t.Run(fmt.Sprintf("%s/g%d/%s/%s/b%d", s.qtype, s.group, s.lowp, mode, blockK), func(t *testing.T) {
					t.Parallel()
					l := makeLayer(t, s)
					x := randActivation(6, s.k, 10)
					bias := randBias(s.n)
					act, err := quant.Estimator{}.QuantizeActivation(&x, mode.Granularity(), blockK, mode.Sym())
					if err != nil {
						t.Fatal(err)
					}
					xq := act.Dequantize()
					res, err := e.QLinear(context.Background(), Request{
						X: &x, Weight: l.w, Params: &l.p, Bias: bias,
						Lowp: LowpInt8, QuantA: mode, QuantBlockK: blockK,
					})
					if err != nil {
						t.Fatal(err)
					}
					if res.Strategy != StrategyDynamicQuant {
						t.Fatalf("strategy %s", res.Strategy)
					}
					assertClose(t, res.Y.Data, reference(&xq, l.wf, s.n, bias), 1e-4)
				})
			}
		}
	}
}

func TestQLinearPlainWeightWithInt8Compute(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	l := makeLayer(t, layerSpec{n: 16, k: 64, qtype: quant.QTypeInt4, group: 32})
	x := randActivation(3, 64, 11)
	act, err := quant.Estimator{}.QuantizeActivation(&x, quant.PerRow, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	xq := act.Dequantize()
	res, err := e.QLinear(context.Background(), Request{X: &x, Weight: l.w, Params: &l.p, Lowp: LowpInt8, QuantA: QuantAPerM})
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, res.Y.Data, reference(&xq, l.wf, 16, nil), 1e-4)
}

func TestQLinearLowpPrecision(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	s := layerSpec{n: 32, k: 64, qtype: quant.QTypeInt4, group: 32, blockN: 32, blockK: 32}
	l := makeLayer(t, s)
	x := randActivation(5, s.k, 12)
	want := reference(&x, l.wf, s.n, nil)
	for _, tc := range []struct {
		lowp LowpMode
		tol  float32
	}{{LowpFP16, 2e-2}, {LowpBF16, 1.5e-1}} {
		res, err := e.QLinear(context.Background(), Request{X: &x, Weight: l.w, Params: &l.p, Lowp: tc.lowp})
		if err != nil {
			t.Fatal(err)
		}
		assertClose(t, res.Y.Data, want, tc.tol)
	}
}

func TestQLinearHalfPrecisionStorage(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	s := layerSpec{n: 16, k: 32, qtype: quant.QTypeInt8, blockN: 16, blockK: 16}
	l := makeLayer(t, s)
	x32 := randActivation(4, s.k, 13)
	for _, dt := range []tensor.DType{tensor.DTypeF16, tensor.DTypeBF16} {
		x := x32.Encode(dt)
		res, err := e.QLinear(context.Background(), Request{X: &x, Weight: l.w, Params: &l.p})
		if err != nil {
			t.Fatal(err)
		}
		if res.Y.DType != dt {
			t.Fatalf("output dtype %s, want %s", res.Y.DType, dt)
		}
		got := res.Y.Float32()
		want := reference(&x, l.wf, s.n, nil)
		tensor.RoundSlice(want, dt)
		tol := float32(1e-2)
		if dt == tensor.DTypeBF16 {
			tol = 0.13
		}
		assertClose(t, got.Data, want, tol)
	}
}

func TestQLinearAddAddOrderIndependent(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	l := makeLayer(t, layerSpec{n: 16, k: 32, qtype: quant.QTypeInt4, blockN: 16, blockK: 32})
	x := randActivation(4, 32, 14)
	a := randActivation(4, 16, 15)
	b := randActivation(4, 16, 16)
	ab, err := e.QLinear(context.Background(), Request{X: &x, Weight: l.w, Params: &l.p, Fusion: FusionAddAdd, Others: []*tensor.Mat{&a, &b}})
	if err != nil {
		t.Fatal(err)
	}
	ba, err := e.QLinear(context.Background(), Request{X: &x, Weight: l.w, Params: &l.p, Fusion: FusionAddAdd, Others: []*tensor.Mat{&b, &a}})
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, ab.Y.Data, ba.Y.Data, 1e-6)

	want := reference(&x, l.wf, 16, nil)
	for i := range want {
		want[i] += a.Data[i] + b.Data[i]
	}
	assertClose(t, ab.Y.Data, want, 1e-4)
}

func TestQLinearMulAndAdd(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	l := makeLayer(t, layerSpec{n: 32, k: 32, qtype: quant.QTypeInt8, blockN: 16, blockK: 16})
	x := randActivation(3, 32, 17)
	o := randActivation(3, 32, 18)
	base := reference(&x, l.wf, 32, nil)
	for _, f := range []Fusion{FusionAdd, FusionMul} {
		res, err := e.QLinear(context.Background(), Request{X: &x, Weight: l.w, Params: &l.p, Fusion: f, Others: []*tensor.Mat{&o}})
		if err != nil {
			t.Fatal(err)
		}
		want := slices.Clone(base)
		for i := range want {
			if f == FusionAdd {
				want[i] += o.Data[i]
			} else {
				want[i] *= o.Data[i]
			}
		}
		assertClose(t, res.Y.Data, want, 1e-4)
	}
}

func TestQLinearConfigurationErrors(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	l := makeLayer(t, layerSpec{n: 16, k: 32, qtype: quant.QTypeInt8, blockN: 16, blockK: 16})
	nf := makeLayer(t, layerSpec{n: 16, k: 32, qtype: quant.QTypeNF4, blockN: 16, blockK: 16, lowp: LowpInt8})
	x := randActivation(2, 32, 19)
	wrongK := randActivation(2, 16, 20)
	other := randActivation(3, 16, 21)

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"missing weight", Request{X: &x, Params: &l.p}, ErrMissingOperand},
		{"k mismatch", Request{X: &wrongK, Weight: l.w, Params: &l.p}, ErrShape},
		{"bias length", Request{X: &x, Weight: l.w, Params: &l.p, Bias: make([]float32, 3)}, ErrShape},
		{"add without operand", Request{X: &x, Weight: l.w, Params: &l.p, Fusion: FusionAdd}, ErrMissingOperand},
		{"add_add one operand", Request{X: &x, Weight: l.w, Params: &l.p, Fusion: FusionAddAdd, Others: []*tensor.Mat{&other}}, ErrMissingOperand},
		{"operand shape", Request{X: &x, Weight: l.w, Params: &l.p, Fusion: FusionMul, Others: []*tensor.Mat{&other}}, ErrShape},
		{"nf4 int8 compute", Request{X: &x, Weight: nf.w, Params: &nf.p, Lowp: LowpInt8, QuantA: QuantAPerTensor}, ErrUnsupported},
		{"shape tail", Request{X: &x, Weight: l.w, Params: &l.p, Shape: []int{2, 16}}, ErrShape},
		{"negative split", Request{X: &x, Weight: l.w, Params: &l.p, KSplits: -1}, ErrKSplit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := e.QLinear(context.Background(), tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestQLinearCanceledContext(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, nil)
	l := makeLayer(t, layerSpec{n: 16, k: 32, qtype: quant.QTypeInt8, blockN: 16, blockK: 16})
	x := randActivation(2, 32, 22)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.QLinear(ctx, Request{X: &x, Weight: l.w, Params: &l.p}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestCompensationCachedPerPacking(t *testing.T) {
	t.Parallel()
	l := makeLayer(t, layerSpec{n: 32, k: 64, qtype: quant.QTypeInt4, blockN: 16, blockK: 32, lowp: LowpInt8})
	a := l.w.Compensation(nil, &l.p)
	b := l.w.Compensation(nil, &l.p)
	if &a[0] != &b[0] {
		t.Fatal("compensation recomputed for the same packing")
	}
	for kc := range l.w.Kc() {
		for n := range l.w.N {
			var want int32
			for kb := range l.w.BlockK {
				k := kc*l.w.BlockK + kb
				want += l.w.Code(n, k) - l.p.Zeros[n]
			}
			if got := a[kc*l.w.N+n]; got != want {
				t.Fatalf("comp[%d][%d] = %d, want %d", kc, n, got, want)
			}
		}
	}

	repacked, err := Pack(nil, l.q.Codes, l.q.QType, l.w.N, l.w.K, PackOptions{BlockN: 16, BlockK: 32, Lowp: LowpInt8})
	if err != nil {
		t.Fatal(err)
	}
	c := repacked.Compensation(nil, &l.p)
	if &c[0] == &a[0] {
		t.Fatal("repacked weight shares compensation table")
	}
	assertClose(t, toF32(c), toF32(a), 0)
}

func TestCompensationTracksZeroPoints(t *testing.T) {
	t.Parallel()
	l := makeLayer(t, layerSpec{n: 32, k: 64, qtype: quant.QTypeInt8, blockN: 16, blockK: 32, lowp: LowpInt8})
	p := l.p
	p.Zeros = append([]int32(nil), l.p.Zeros...)
	a := append([]int32(nil), l.w.Compensation(nil, &p)...)

	// Rewriting the zero points in place must not return the old table.
	for i := range p.Zeros {
		p.Zeros[i]++
	}
	b := l.w.Compensation(nil, &p)
	for i := range a {
		if want := a[i] - int32(l.w.BlockK); b[i] != want {
			t.Fatalf("comp[%d] = %d, want %d", i, b[i], want)
		}
	}
}

func toF32(v []int32) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func BenchmarkQLinearFusedInt4(b *testing.B) {
	e := newTestEngine(b, nil)
	l := makeLayer(b, layerSpec{n: 256, k: 256, qtype: quant.QTypeInt4, group: 64, blockN: 64, blockK: 64})
	x := randActivation(4, 256, 1)
	req := Request{X: &x, Weight: l.w, Params: &l.p}
	b.ResetTimer()
	for b.Loop() {
		if _, err := e.QLinear(context.Background(), req); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkQLinearDynamicQuantInt8(b *testing.B) {
	e := newTestEngine(b, nil)
	l := makeLayer(b, layerSpec{n: 256, k: 256, qtype: quant.QTypeInt8, blockN: 64, blockK: 64, lowp: LowpInt8})
	x := randActivation(4, 256, 1)
	req := Request{X: &x, Weight: l.w, Params: &l.p, Lowp: LowpInt8, QuantA: QuantAPerM}
	for b.Loop() {
		if _, err := e.QLinear(context.Background(), req); err != nil {
			b.Fatal(err)
		}
	}
}
