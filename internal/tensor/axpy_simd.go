//go:build goexperiment.simd && amd64

package tensor

import "simd/archsimd"

// Axpy computes dst[i] += a * x[i] for i < min(len(dst), len(x)).
func Axpy(dst, x []float32, a float32) {
	if !CPU.HasAVX2 {
		axpyScalar(dst, x, a)
		return
	}
	n := min(len(dst), len(x))
	va := archsimd.BroadcastFloat32x8(a)
	i := 0
	for ; i+16 <= n; i += 16 {
		vd0 := archsimd.LoadFloat32x8Slice(dst[i:])
		vx0 := archsimd.LoadFloat32x8Slice(x[i:])
		vd0 = vx0.MulAdd(va, vd0)
		vd0.StoreSlice(dst[i:])
		vd1 := archsimd.LoadFloat32x8Slice(dst[i+8:])
		vx1 := archsimd.LoadFloat32x8Slice(x[i+8:])
		vd1 = vx1.MulAdd(va, vd1)
		vd1.StoreSlice(dst[i+8:])
	}
	for ; i+8 <= n; i += 8 {
		vd := archsimd.LoadFloat32x8Slice(dst[i:])
		vx := archsimd.LoadFloat32x8Slice(x[i:])
		vd = vx.MulAdd(va, vd)
		vd.StoreSlice(dst[i:])
	}
	for ; i < n; i++ {
		dst[i] += a * x[i]
	}
}
