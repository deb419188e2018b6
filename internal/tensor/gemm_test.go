package tensor

import (
	"math"
	"testing"
)

func gemmNaive(C, A, B *Mat) {
	for i := 0; i < A.R; i++ {
		for j := 0; j < B.C; j++ {
			var sum float32
			for kk := 0; kk < A.C; kk++ {
				sum += A.Row(i)[kk] * B.Row(kk)[j]
			}
			C.Row(i)[j] = sum
		}
	}
}

func maxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

func TestGemmParMatchesNaive(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, 4)
	for _, packed := range []bool{false, true} {
		A := NewMat(50, 70)
		B := NewMat(70, 45)
		C0 := NewMat(50, 45)
		C1 := NewMat(50, 45)

		FillRand(&A, 1)
		FillRand(&B, 2)

		gemmNaive(&C0, &A, &B)
		cfg := SelectGemmConfig(A.R, A.C, B.C)
		cfg.UsePackedB = packed
		GemmPar(pool, cfg, &C1, &A, &B, 1, 0)

		if maxAbs := maxAbsDiff(C0.Data, C1.Data); maxAbs > 1e-3 {
			t.Fatalf("packed=%v: max abs diff %g", packed, maxAbs)
		}
	}
}

func TestGemmParAlphaBeta(t *testing.T) {
	t.Parallel()

	A := NewMat(9, 33)
	B := NewMat(33, 17)
	C := NewMat(9, 17)
	ref := NewMat(9, 17)
	FillRand(&A, 5)
	FillRand(&B, 6)
	for i := range C.Data {
		C.Data[i] = 1
	}

	gemmNaive(&ref, &A, &B)
	GemmPar(newTestPool(t, 3), DefaultGemmConfig(), &C, &A, &B, 2, 0.5)

	for i := range ref.Data {
		want := 2*ref.Data[i] + 0.5
		if d := math.Abs(float64(C.Data[i] - want)); d > 1e-4 {
			t.Fatalf("elem %d: got %v want %v", i, C.Data[i], want)
		}
	}
}

func TestGemmParDimensionMismatchPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	A := NewMat(2, 3)
	B := NewMat(4, 2)
	C := NewMat(2, 2)
	GemmPar(nil, DefaultGemmConfig(), &C, &A, &B, 1, 0)
}

func BenchmarkGemmPar256(b *testing.B) {
	A := NewMat(256, 256)
	B := NewMat(256, 256)
	C := NewMat(256, 256)
	FillRand(&A, 1)
	FillRand(&B, 2)
	cfg := SelectGemmConfig(256, 256, 256)
	pool := DefaultPool()

	for b.Loop() {
		GemmPar(pool, cfg, &C, &A, &B, 1, 0)
	}
}
