package woq

import (
	"sync"

	"github.com/samcharles93/woq/internal/tensor"
)

// tile is one kernel invocation: rows [m0, m0+rows) of the output, N block
// nc, and K blocks [kc0, kc1).
type tile struct {
	m0, rows int
	nc       int
	kc0, kc1 int
	prefetch bool
}

// kernel accumulates a tile into c, a rows x BlockN buffer. c already
// holds the bias or a partial sum; kernels only add to it.
type kernel interface {
	run(ws *workspace, t tile, c []float32)
	shape(t tile) tileShape
}

// workspace is the per-worker scratch for one tile at a time.
type workspace struct {
	brow  []float32
	btile []float32
	acc   []float32
	cbuf  []float32
	aux   []float32
	scale []float32
	zero  []float32
	codes []int32
	wrow  []int32
	wzero []int32
	raw   []int32
	comp  []int32

	group   int
	hasZero bool
	tiles   tileConfig
	touched byte
}

var workspaces = sync.Pool{New: func() any { return new(workspace) }}

func getWorkspace(blockM, nb, kb int) *workspace {
	ws := workspaces.Get().(*workspace)
	ws.brow = growF32(ws.brow, nb)
	ws.btile = growF32(ws.btile, kb*nb)
	ws.acc = growF32(ws.acc, blockM*nb)
	ws.cbuf = growF32(ws.cbuf, blockM*nb)
	ws.aux = growF32(ws.aux, nb)
	ws.scale = growF32(ws.scale, nb)
	ws.zero = growF32(ws.zero, nb)
	ws.codes = growI32(ws.codes, nb)
	ws.wrow = growI32(ws.wrow, nb)
	ws.wzero = growI32(ws.wzero, nb)
	ws.raw = growI32(ws.raw, blockM*nb)
	ws.comp = growI32(ws.comp, nb)
	return ws
}

func putWorkspace(ws *workspace) {
	if ws.tiles.active {
		return
	}
	workspaces.Put(ws)
}

func growF32(s []float32, n int) []float32 {
	if cap(s) < n {
		return make([]float32, n)
	}
	return s[:n]
}

func growI32(s []int32, n int) []int32 {
	if cap(s) < n {
		return make([]int32, n)
	}
	return s[:n]
}

// prefetch reads one byte per cache line of the leading n bytes of b so the
// next K block is resident when the kernel reaches it.
func (ws *workspace) prefetch(b []byte, n int) {
	n = min(n, len(b))
	var s byte
	for i := 0; i < n; i += 64 {
		s ^= b[i]
	}
	ws.touched ^= s
}

// mac adds a[r*lda]*b to row r of c (stride ldc) for a fixed number of rows.
type mac func(c []float32, ldc int, a []float32, lda int, b []float32)

const macRows = 4

// macKernels is indexed by row count. Tiles are covered by macRows-row
// steps and the remainder uses the matching smaller variant.
var macKernels = [macRows + 1]mac{1: mac1, 2: mac2, 3: mac3, 4: mac4}

func macTile(c []float32, ldc int, a []float32, lda int, rows int, b []float32) {
	r := 0
	for ; r+macRows <= rows; r += macRows {
		mac4(c[r*ldc:], ldc, a[r*lda:], lda, b)
	}
	if rem := rows - r; rem > 0 {
		macKernels[rem](c[r*ldc:], ldc, a[r*lda:], lda, b)
	}
}

func mac1(c []float32, _ int, a []float32, _ int, b []float32) {
	tensor.Axpy(c[:len(b)], b, a[0])
}

func mac2(c []float32, ldc int, a []float32, lda int, b []float32) {
	a0, a1 := a[0], a[lda]
	c0 := c[:len(b)]
	c1 := c[ldc : ldc+len(b)]
	for j, bj := range b {
		c0[j] += a0 * bj
		c1[j] += a1 * bj
	}
}

func mac3(c []float32, ldc int, a []float32, lda int, b []float32) {
	a0, a1, a2 := a[0], a[lda], a[2*lda]
	c0 := c[:len(b)]
	c1 := c[ldc : ldc+len(b)]
	c2 := c[2*ldc : 2*ldc+len(b)]
	for j, bj := range b {
		c0[j] += a0 * bj
		c1[j] += a1 * bj
		c2[j] += a2 * bj
	}
}

func mac4(c []float32, ldc int, a []float32, lda int, b []float32) {
	a0, a1, a2, a3 := a[0], a[lda], a[2*lda], a[3*lda]
	c0 := c[:len(b)]
	c1 := c[ldc : ldc+len(b)]
	c2 := c[2*ldc : 2*ldc+len(b)]
	c3 := c[3*ldc : 3*ldc+len(b)]
	for j, bj := range b {
		c0[j] += a0 * bj
		c1[j] += a1 * bj
		c2[j] += a2 * bj
		c3[j] += a3 * bj
	}
}

// floatKernel dequantizes weight rows on the fly and multiplies them with
// a float activation. Per-channel scales are applied once per kernel call
// to the accumulated sum; per-K-block scales are folded into each row.
type floatKernel struct {
	w          *PackedWeight
	p          *WeightParams
	d          *Dequantizer
	a          []float32
	lowp       tensor.DType
	postScale  bool
	smallBatch int
	prefetchK  int
	kcb        int
}

func newFloatKernel(w *PackedWeight, p *WeightParams, a []float32, lowp LowpMode, cfg Config, kcb int) (*floatKernel, error) {
	d, err := NewDequantizer(w.QType, w.BlockN, w.Lowp, p.Symmetric())
	if err != nil {
		return nil, err
	}
	return &floatKernel{
		w:          w,
		p:          p,
		d:          d,
		a:          a,
		lowp:       lowpDType(lowp),
		postScale:  p.Mode() == QuantWPerChannel,
		smallBatch: cfg.SmallBatchThreshold,
		prefetchK:  cfg.PrefetchKDist,
		kcb:        max(kcb, 1),
	}, nil
}

func lowpDType(l LowpMode) tensor.DType {
	switch l {
	case LowpFP16:
		return tensor.DTypeF16
	case LowpBF16:
		return tensor.DTypeBF16
	default:
		return tensor.DTypeF32
	}
}

func (k *floatKernel) shape(t tile) tileShape {
	return tileShape{rows: t.rows, cols: k.w.BlockN, depth: k.w.BlockK}
}

func (k *floatKernel) run(ws *workspace, t tile, c []float32) {
	ws.tiles.check(k.shape(t))
	nb := k.w.BlockN
	col0 := t.nc * nb
	ws.group = -1
	for b0 := t.kc0; b0 < t.kc1; b0 += k.kcb {
		b1 := min(b0+k.kcb, t.kc1)
		dst := c[:t.rows*nb]
		if k.postScale {
			dst = ws.acc[:t.rows*nb]
			clear(dst)
		}
		for b := b0; b < b1; b++ {
			if t.prefetch && k.prefetchK > 0 && b+1 < t.kc1 {
				ws.prefetch(k.w.Tile(t.nc, b+1), k.prefetchK*k.w.rowBytes())
			}
			if t.rows < k.smallBatch {
				k.rowwise(ws, t, b, dst)
			} else {
				k.tilewise(ws, t, b, dst)
			}
		}
		if k.postScale {
			scale := k.p.Scales[col0 : col0+nb]
			for r := range t.rows {
				out := c[r*nb : (r+1)*nb]
				acc := dst[r*nb : (r+1)*nb]
				for j := range out {
					out[j] += acc[j] * scale[j]
				}
			}
		}
	}
}

// rowwise dequantizes one K row at a time and applies it to every row of
// the tile before moving on.
func (k *floatKernel) rowwise(ws *workspace, t tile, b int, dst []float32) {
	kb := k.w.BlockK
	lda := k.w.K
	a := k.a[t.m0*lda+b*kb:]
	for r := range kb {
		k.rowValues(ws, ws.brow, t.nc, b, r)
		macTile(dst, k.w.BlockN, a[r:], lda, t.rows, ws.brow)
	}
}

// tilewise dequantizes the whole K block first and then sweeps it once per
// macRows-row slice of the tile.
func (k *floatKernel) tilewise(ws *workspace, t tile, b int, dst []float32) {
	nb, kb := k.w.BlockN, k.w.BlockK
	lda := k.w.K
	bt := ws.btile[:kb*nb]
	for r := range kb {
		k.rowValues(ws, bt[r*nb:(r+1)*nb], t.nc, b, r)
	}
	for r0 := 0; r0 < t.rows; r0 += macRows {
		rows := min(macRows, t.rows-r0)
		fn := macKernels[rows]
		cr := dst[r0*nb:]
		ar := k.a[(t.m0+r0)*lda+b*kb:]
		for r := range kb {
			fn(cr, nb, ar[r:], lda, bt[r*nb:(r+1)*nb])
		}
	}
}

// rowValues dequantizes packed row kb of tile (nc, b) into dst.
func (k *floatKernel) rowValues(ws *workspace, dst []float32, nc, b, kb int) {
	nb := k.w.BlockN
	kk := b*k.w.BlockK + kb
	if g := kk / k.p.GroupSize; g != ws.group {
		ws.group = g
		ws.hasZero = k.p.groupVectors(ws.scale, ws.zero, g, nc*nb, k.w.N)
	}
	if k.w.vnni() {
		k.w.RowCodes(ws.codes, nc, b, kb)
		k.d.DecodeCodes(dst, ws.codes)
	} else {
		rb := k.w.rowBytes()
		k.d.Decode(dst, k.w.Tile(nc, b)[kb*rb:(kb+1)*rb])
	}
	var scale, zero []float32
	if !k.postScale {
		scale = ws.scale
	}
	if ws.hasZero {
		zero = ws.zero
	}
	applyZeroScale(dst, scale, zero)
	tensor.RoundSlice(dst, k.lowp)
}
