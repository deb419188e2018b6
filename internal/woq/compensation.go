package woq

import (
	"slices"

	"github.com/google/uuid"

	"github.com/samcharles93/woq/internal/tensor"
)

type compensation struct {
	id    uuid.UUID
	zeros []int32
	gsize int
	data  []int32
}

// matches reports whether the cached table was built from this packing and
// the same zero points, compared by value.
func (c *compensation) matches(id uuid.UUID, p *WeightParams) bool {
	return c != nil && c.id == id && c.gsize == p.GroupSize && slices.Equal(c.zeros, p.Zeros)
}

// Compensation returns the per-K-block column sums of (code - zero point),
// laid out as [Kc, N]. The integer kernel multiplies them by the activation
// zero point to remove its contribution from the raw dot products. The
// table is computed once per packing and set of zero points.
func (w *PackedWeight) Compensation(pool *tensor.Pool, p *WeightParams) []int32 {
	w.compMu.Lock()
	defer w.compMu.Unlock()
	if w.comp.matches(w.ID, p) {
		return w.comp.data
	}

	nb, kc := w.BlockN, w.Kc()
	data := make([]int32, kc*w.N)
	forTiles(pool, w.Nc()*kc, func(t int) {
		bn, bk := t/kc, t%kc
		codes := make([]int32, nb)
		sums := data[bk*w.N+bn*nb : bk*w.N+(bn+1)*nb]
		for kb := range w.BlockK {
			g := (bk*w.BlockK + kb) / p.GroupSize
			w.RowCodes(codes, bn, bk, kb)
			for j, c := range codes {
				sums[j] += c - p.zero(w.QType, g, bn*nb+j, w.N)
			}
		}
	})
	w.comp = &compensation{id: w.ID, zeros: slices.Clone(p.Zeros), gsize: p.GroupSize, data: data}
	return data
}
