package woq

import (
	"fmt"

	"github.com/samcharles93/woq/internal/tensor"
)

// plan is the tiling of one fused or dynamically quantized product.
type plan struct {
	m, n, k   int
	nb, kb    int
	nc, kc    int
	blockM    int
	mTiles    int
	kSplits   int
	kcb       int
	parallelM bool
	prefetch  bool
	order     LoopOrder
}

// blockMFor picks the M tile: small batches are a single tile, larger ones
// use the largest of 32/48/64 that keeps the remainder tile small.
func blockMFor(m int) int {
	switch {
	case m <= 48:
		return m
	case m < 64:
		return 32
	case m < 96:
		return 48
	default:
		return 64
	}
}

func newPlan(cfg Config, m int, w *PackedWeight, kSplits, workers int, floatPath bool) (plan, error) {
	pl := plan{
		m:         m,
		n:         w.N,
		k:         w.K,
		nb:        w.BlockN,
		kb:        w.BlockK,
		nc:        w.Nc(),
		kc:        w.Kc(),
		blockM:    blockMFor(m),
		kcb:       1,
		parallelM: m >= cfg.ParallelMThreshold,
		prefetch:  cfg.PrefetchKDist > 0,
		order:     cfg.LoopOrder,
	}
	pl.mTiles = (m + pl.blockM - 1) / pl.blockM
	if pl.parallelM && floatPath && !w.QType.Is4Bit() {
		pl.kcb = min(cfg.KCBBlock, pl.kc)
	}
	s, err := resolveKSplits(cfg, kSplits, m, pl.blockM, pl.kc, pl.mTiles*pl.nc, workers)
	if err != nil {
		return plan{}, err
	}
	pl.kSplits = s
	return pl, nil
}

// resolveKSplits returns the number of K partitions. requested 0 picks one
// automatically. Splitting is disabled for M at or above cfg.KSplitMaxM
// and when M is not a multiple of the M tile.
func resolveKSplits(cfg Config, requested, m, blockM, kc, units, workers int) (int, error) {
	if requested < 0 {
		return 0, fmt.Errorf("%w: %d", ErrKSplit, requested)
	}
	if m >= cfg.KSplitMaxM || m%blockM != 0 {
		return 1, nil
	}
	if requested > 0 {
		if kc%requested != 0 {
			return 0, fmt.Errorf("%w: %d K blocks cannot split %d ways", ErrKSplit, kc, requested)
		}
		return requested, nil
	}
	if units >= workers {
		return 1, nil
	}
	want := min(cfg.MaxKSplits, (workers+units-1)/units, kc)
	for s := want; s > 1; s-- {
		if kc%s == 0 {
			return s, nil
		}
	}
	return 1, nil
}

// unit maps a flat (M tile, N block) index according to the loop order.
func (pl *plan) unit(u int) (mt, nc int) {
	if pl.order == LoopMN {
		return u / pl.nc, u % pl.nc
	}
	return u % pl.mTiles, u / pl.mTiles
}

func (pl *plan) tile(mt, nc, kc0, kc1 int) tile {
	m0 := mt * pl.blockM
	rows := min(pl.blockM, pl.m-m0)
	return tile{
		m0:       m0,
		rows:     rows,
		nc:       nc,
		kc0:      kc0,
		kc1:      kc1,
		prefetch: pl.prefetch && rows == pl.blockM,
	}
}

// runTile runs kern over t while holding the accumulator configuration for
// the tile's shape.
func runTile(ws *workspace, kern kernel, t tile, c []float32) {
	defer ws.tiles.acquire(kern.shape(t))()
	kern.run(ws, t, c)
}

func initTile(c []float32, rows, nb int, bias []float32, col0 int) {
	c = c[:rows*nb]
	if bias == nil {
		clear(c)
		return
	}
	for r := range rows {
		copy(c[r*nb:(r+1)*nb], bias[col0:col0+nb])
	}
}

// finishTile rounds the accumulated tile to the output precision, runs the
// epilogue and stores it.
func finishTile(ws *workspace, t tile, nb int, c []float32, out *tensor.Mat, post *postOps) {
	col0 := t.nc * nb
	for r := range t.rows {
		seg := c[r*nb : (r+1)*nb]
		tensor.RoundSlice(seg, out.DType)
		post.apply(ws.aux, seg, t.m0+r, col0)
		out.SetRowRange(t.m0+r, col0, seg)
	}
}

// execute runs kern over the whole output. Without K splitting each
// (M tile, N block) is owned by one worker; with it, partial sums land in
// private buffers that are reduced after all partitions finish.
func execute(pool *tensor.Pool, kern kernel, pl plan, out *tensor.Mat, bias []float32, post *postOps) {
	if pl.kSplits > 1 {
		executeSplit(pool, kern, pl, out, bias, post)
		return
	}
	if !pl.parallelM {
		pool.For(pl.nc, func(nc int) {
			ws := getWorkspace(pl.blockM, pl.nb, pl.kb)
			defer putWorkspace(ws)
			for mt := range pl.mTiles {
				runOwned(ws, kern, pl, mt, nc, out, bias, post)
			}
		})
		return
	}
	pool.For(pl.mTiles*pl.nc, func(u int) {
		ws := getWorkspace(pl.blockM, pl.nb, pl.kb)
		defer putWorkspace(ws)
		mt, nc := pl.unit(u)
		runOwned(ws, kern, pl, mt, nc, out, bias, post)
	})
}

func runOwned(ws *workspace, kern kernel, pl plan, mt, nc int, out *tensor.Mat, bias []float32, post *postOps) {
	t := pl.tile(mt, nc, 0, pl.kc)
	c := ws.cbuf[:t.rows*pl.nb]
	initTile(c, t.rows, pl.nb, bias, nc*pl.nb)
	runTile(ws, kern, t, c)
	finishTile(ws, t, pl.nb, c, out, post)
}

func executeSplit(pool *tensor.Pool, kern kernel, pl plan, out *tensor.Mat, bias []float32, post *postOps) {
	s := pl.kSplits
	units := pl.mTiles * pl.nc
	size := pl.blockM * pl.nb
	arena := make([]float32, s*units*size)
	valid := make([]bool, s*units)

	pool.For(s*units, func(i int) {
		split, u := i/units, i%units
		kc0 := split * pl.kc / s
		kc1 := (split + 1) * pl.kc / s
		if kc0 == kc1 {
			return
		}
		ws := getWorkspace(pl.blockM, pl.nb, pl.kb)
		defer putWorkspace(ws)
		mt, nc := pl.unit(u)
		t := pl.tile(mt, nc, kc0, kc1)
		buf := arena[i*size : i*size+t.rows*pl.nb]
		if kc0 == 0 {
			initTile(buf, t.rows, pl.nb, bias, nc*pl.nb)
		}
		runTile(ws, kern, t, buf)
		valid[i] = true
	})

	pool.For(units, func(u int) {
		ws := getWorkspace(pl.blockM, pl.nb, pl.kb)
		defer putWorkspace(ws)
		mt, nc := pl.unit(u)
		t := pl.tile(mt, nc, 0, pl.kc)
		c := ws.cbuf[:t.rows*pl.nb]
		clear(c)
		for split := range s {
			i := split*units + u
			if !valid[i] {
				continue
			}
			tensor.AddInto(c, arena[i*size:i*size+t.rows*pl.nb])
		}
		finishTile(ws, t, pl.nb, c, out, post)
	})
}
