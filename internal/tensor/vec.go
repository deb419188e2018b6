package tensor

func axpyScalar(dst, x []float32, a float32) {
	n := min(len(dst), len(x))
	dst = dst[:n]
	x = x[:n]
	j := 0
	for ; j+7 < n; j += 8 {
		dst[j+0] += a * x[j+0]
		dst[j+1] += a * x[j+1]
		dst[j+2] += a * x[j+2]
		dst[j+3] += a * x[j+3]
		dst[j+4] += a * x[j+4]
		dst[j+5] += a * x[j+5]
		dst[j+6] += a * x[j+6]
		dst[j+7] += a * x[j+7]
	}
	for ; j < n; j++ {
		dst[j] += a * x[j]
	}
}

// Scale multiplies every element of v by s.
func Scale(v []float32, s float32) {
	for i := range v {
		v[i] *= s
	}
}

// AddInto computes dst[i] += x[i].
func AddInto(dst, x []float32) {
	n := min(len(dst), len(x))
	for i := 0; i < n; i++ {
		dst[i] += x[i]
	}
}
