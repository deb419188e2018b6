package tensor

import "sync"

var packBPool = sync.Pool{
	New: func() any {
		buf := make([]float32, maxTileK*maxTileN)
		return &buf
	},
}

// GemmPar computes the matrix product C = alpha*A*B + beta*C using a
// blocked algorithm and parallelising across ranges of output rows.
// A, B and C must be f32 matrices.
func GemmPar(pool *Pool, cfg GemmConfig, C, A, B *Mat, alpha, beta float32) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("gemm: dimension mismatch")
	}
	if A.IsRaw() || B.IsRaw() || C.IsRaw() {
		panic("gemm: f32 operands required")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	if pool == nil {
		pool = DefaultPool()
	}

	tm := clampTile(cfg.TileM, maxTileM)
	chunks := (C.R + tm - 1) / tm
	pool.For(chunks, func(i int) {
		rs := i * tm
		re := min(rs+tm, C.R)
		gemmRangeRows(cfg, C, A, B, alpha, beta, rs, re)
	})
}

// gemmRangeRows performs a blocked GEMM on a contiguous range of rows of C.
func gemmRangeRows(cfg GemmConfig, C, A, B *Mat, alpha, beta float32, rs, re int) {
	tn := clampTile(cfg.TileN, maxTileN)
	tk := clampTile(cfg.TileK, maxTileK)

	n := C.C
	for i := rs; i < re; i++ {
		row := C.Data[i*C.Stride : i*C.Stride+n]
		switch beta {
		case 0:
			clear(row)
		case 1:
		default:
			Scale(row, beta)
		}
	}

	var packB []float32
	if cfg.UsePackedB {
		buf := packBPool.Get().(*[]float32)
		defer packBPool.Put(buf)
		packB = *buf
	}

	k := A.C
	for k0 := 0; k0 < k; k0 += tk {
		kMax := min(k0+tk, k)
		for j0 := 0; j0 < n; j0 += tn {
			jMax := min(j0+tn, n)
			bData, bStride, bOff := B.Data, B.Stride, j0
			if packB != nil {
				packBTile(packB, B.Data, B.Stride, k0, kMax, j0, jMax)
				bData, bStride, bOff = packB, jMax-j0, 0
			}
			for i := rs; i < re; i++ {
				aRow := A.Data[i*A.Stride:]
				cRow := C.Data[i*C.Stride+j0 : i*C.Stride+jMax]
				for kk := k0; kk < kMax; kk++ {
					aik := aRow[kk] * alpha
					off := kk*bStride + bOff
					if packB != nil {
						off = (kk - k0) * bStride
					}
					Axpy(cRow, bData[off:off+jMax-j0], aik)
				}
			}
		}
	}
}

func packBTile(dst []float32, bData []float32, bStride int, k0, kMax, j0, jMax int) {
	width := jMax - j0
	kInner := kMax - k0
	if width <= 0 || kInner <= 0 {
		return
	}
	if width > maxTileN || kInner > maxTileK {
		panic("packBTile exceeds max tile size")
	}
	for kk := 0; kk < kInner; kk++ {
		srcOff := (k0+kk)*bStride + j0
		copy(dst[kk*width:(kk+1)*width], bData[srcOff:srcOff+width])
	}
}
