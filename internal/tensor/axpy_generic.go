//go:build !(goexperiment.simd && amd64)

package tensor

// Axpy computes dst[i] += a * x[i] for i < min(len(dst), len(x)).
func Axpy(dst, x []float32, a float32) {
	axpyScalar(dst, x, a)
}
