package woq

import (
	"fmt"

	"github.com/samcharles93/woq/internal/quant"
)

// intKernel multiplies 8-bit activation codes with weight codes in integer
// arithmetic. Each K segment, the intersection of a K block with one
// activation quantization block and one weight group, contributes
//
//	(Σ a·(w-zw) - zp_a·Σ(w-zw)) · s_a · s_w
//
// to the output. The second sum comes from the precomputed compensation
// table when a segment covers a whole K block and is computed inline
// otherwise.
type intKernel struct {
	w         *PackedWeight
	p         *WeightParams
	act       *quant.Activation
	comp      []int32
	prefetchK int
}

func newIntKernel(w *PackedWeight, p *WeightParams, act *quant.Activation, comp []int32, cfg Config) (*intKernel, error) {
	if w.QType == quant.QTypeNF4 {
		return nil, fmt.Errorf("%w: nf4 weights have no integer form for int8 compute", ErrUnsupported)
	}
	if act.Cols != w.K {
		return nil, fmt.Errorf("%w: activation has %d columns, weight K=%d", ErrShape, act.Cols, w.K)
	}
	if act.Params.Symmetric {
		comp = nil
	}
	return &intKernel{w: w, p: p, act: act, comp: comp, prefetchK: cfg.PrefetchKDist}, nil
}

func (k *intKernel) shape(t tile) tileShape {
	return tileShape{rows: t.rows, cols: k.w.BlockN, depth: k.w.BlockK}
}

func (k *intKernel) run(ws *workspace, t tile, c []float32) {
	ws.tiles.check(k.shape(t))

	w, p := k.w, k.p
	nb, kbs, kdim, n := w.BlockN, w.BlockK, w.K, w.N
	col0 := t.nc * nb
	aBlock := k.act.Params.BlockSize
	codes, wrow, wzero := ws.codes[:nb], ws.wrow[:nb], ws.wzero[:nb]
	raw := ws.raw[:t.rows*nb]
	asym := !k.act.Params.Symmetric

	for b := t.kc0; b < t.kc1; b++ {
		if t.prefetch && k.prefetchK > 0 && b+1 < t.kc1 {
			ws.prefetch(w.Tile(t.nc, b+1), k.prefetchK*w.rowBytes())
		}
		kStart := b * kbs
		kEnd := kStart + kbs
		for s0 := kStart; s0 < kEnd; {
			g := s0 / p.GroupSize
			s1 := min(kEnd, (s0/aBlock+1)*aBlock, (g+1)*p.GroupSize)
			useTable := k.comp != nil && s0 == kStart && s1 == kEnd
			comp := ws.comp[:nb]
			if asym && !useTable {
				clear(comp)
			}
			clear(raw)
			for j := range wzero {
				wzero[j] = p.zero(w.QType, g, col0+j, n)
			}

			for kk := s0; kk < s1; kk++ {
				w.RowCodes(codes, t.nc, b, kk-kStart)
				for j, cv := range codes {
					wrow[j] = cv - wzero[j]
				}
				if asym && !useTable {
					for j, v := range wrow {
						comp[j] += v
					}
				}
				for r := range t.rows {
					av := int32(k.act.Codes[(t.m0+r)*kdim+kk])
					if av == 0 {
						continue
					}
					acc := raw[r*nb : (r+1)*nb]
					for j, v := range wrow {
						acc[j] += av * v
					}
				}
			}

			if useTable {
				comp = k.comp[b*n+col0 : b*n+col0+nb]
			}
			sw := p.Scales[g*n+col0 : g*n+col0+nb]
			for r := range t.rows {
				sa, za := k.act.Params.At(t.m0+r, s0)
				acc := raw[r*nb : (r+1)*nb]
				out := c[r*nb : (r+1)*nb]
				for j := range out {
					v := acc[j]
					if asym {
						v -= comp[j] * za
					}
					out[j] += float32(v) * sa * sw[j]
				}
			}
			s0 = s1
		}
	}
}
