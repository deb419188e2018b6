package woq

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/samcharles93/woq/internal/quant"
	"github.com/samcharles93/woq/internal/tensor"
)

// PackOptions selects the blocked layout.
type PackOptions struct {
	BlockN int
	BlockK int
	// Lowp set to LowpInt8 produces the 4-row interleaved layout read by
	// the integer kernel.
	Lowp LowpMode
}

// Pack rearranges plain [N, K] codes into the blocked layout. Tiles are
// independent and are packed in parallel on pool (nil runs inline).
func Pack(pool *tensor.Pool, codes []byte, qtype quant.QType, n, k int, opt PackOptions) (*PackedWeight, error) {
	plain := &PackedWeight{QType: qtype, N: n, K: k, Data: codes}
	if err := plain.Validate(); err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}
	if err := checkBlocks(qtype, n, k, opt.BlockN, opt.BlockK, opt.Lowp); err != nil {
		return nil, fmt.Errorf("pack: %w", err)
	}
	lowp := LowpNone
	if opt.Lowp == LowpInt8 {
		lowp = LowpInt8
	}
	w := &PackedWeight{
		ID:     uuid.New(),
		QType:  qtype,
		Lowp:   lowp,
		N:      n,
		K:      k,
		BlockN: opt.BlockN,
		BlockK: opt.BlockK,
		Data:   make([]byte, len(codes)),
	}
	nc, kc := w.Nc(), w.Kc()
	forTiles(pool, nc*kc, func(t int) {
		bn, bk := t/kc, t%kc
		row := make([]int32, w.BlockN)
		for kb := range w.BlockK {
			kk := bk*w.BlockK + kb
			for j := range row {
				row[j] = quant.PlainCode(codes, qtype, k, bn*w.BlockN+j, kk)
			}
			w.setRowCodes(row, bn, bk, kb)
		}
	})
	return w, nil
}

// Unpack restores the plain [N, K] codes of a packed weight. Plain weights
// are returned as a copy.
func Unpack(pool *tensor.Pool, w *PackedWeight) ([]byte, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	out := make([]byte, len(w.Data))
	if !w.Packed() {
		copy(out, w.Data)
		return out, nil
	}
	nc, kc := w.Nc(), w.Kc()
	forTiles(pool, nc*kc, func(t int) {
		bn, bk := t/kc, t%kc
		row := make([]int32, w.BlockN)
		for kb := range w.BlockK {
			w.RowCodes(row, bn, bk, kb)
			kk := bk*w.BlockK + kb
			for j, c := range row {
				putPlainCode(out, w.QType, w.K, bn*w.BlockN+j, kk, c)
			}
		}
	})
	return out, nil
}

func forTiles(pool *tensor.Pool, n int, fn func(int)) {
	if pool == nil {
		for i := range n {
			fn(i)
		}
		return
	}
	pool.For(n, fn)
}

func putPlainCode(dst []byte, qtype quant.QType, k, row, col int, c int32) {
	if !qtype.Is4Bit() {
		dst[row*k+col] = byte(int8(c))
		return
	}
	i := row*k/2 + col/2
	if col%2 == 0 {
		dst[i] = dst[i]&0xF0 | byte(c&0xF)
	} else {
		dst[i] = dst[i]&0x0F | byte(c&0xF)<<4
	}
}

// setRowCodes is the inverse of RowCodes.
func (w *PackedWeight) setRowCodes(codes []int32, nc, kc, kb int) {
	nb := w.BlockN
	t := w.Tile(nc, kc)
	if !w.QType.Is4Bit() {
		if !w.vnni() {
			row := t[kb*nb : (kb+1)*nb]
			for j := range row {
				row[j] = byte(int8(codes[j]))
			}
			return
		}
		base := (kb / 4) * nb * 4
		r := kb % 4
		for j := range nb {
			t[base+j*4+r] = byte(int8(codes[j]))
		}
		return
	}

	g := w.groupN()
	half := g / 2
	if !w.vnni() {
		row := t[kb*nb/2 : (kb+1)*nb/2]
		for g0 := 0; g0 < nb; g0 += g {
			for i := range half {
				row[g0/2+i] = byte(codes[g0+i]&0xF) | byte(codes[g0+i+half]&0xF)<<4
			}
		}
		return
	}
	pair := kb &^ 1
	base := (pair/4)*(nb/2)*4 + pair%4
	shift := uint(kb&1) * 4
	keep := byte(0xF0) >> shift
	for g0 := 0; g0 < nb; g0 += g {
		for i := range half {
			off := base + (g0/2+i)*4
			t[off] = t[off]&keep | byte(codes[g0+i]&0xF)<<shift
			t[off+1] = t[off+1]&keep | byte(codes[g0+i+half]&0xF)<<shift
		}
	}
}
