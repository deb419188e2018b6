package woq

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/woq/internal/quant"
)

// PackedWeight holds quantized weight codes in either the plain [N, K]
// layout or the blocked [Nc, Kc, Kb, Nb] layout produced by Pack.
//
// 4-bit blocked rows hold Nb/2 bytes. Within each column group of G columns
// the low nibble of byte i is column i and the high nibble is column i+G/2.
// Weights packed for LowpInt8 interleave four consecutive K rows per column
// so the integer kernel reads 4-row dot products from one word.
type PackedWeight struct {
	// ID identifies this packing. Derived data such as the integer
	// compensation table is cached against it.
	ID     uuid.UUID
	QType  quant.QType
	Lowp   LowpMode
	N, K   int
	BlockN int
	BlockK int
	Data   []byte

	compMu sync.Mutex
	comp   *compensation
}

// NewPlainWeight wraps codes in the plain layout. Plain weights are always
// executed through the dequantize-upfront path.
func NewPlainWeight(codes []byte, qtype quant.QType, n, k int) (*PackedWeight, error) {
	w := &PackedWeight{
		ID:    uuid.New(),
		QType: qtype,
		N:     n,
		K:     k,
		Data:  codes,
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Packed reports whether the weight uses the blocked layout.
func (w *PackedWeight) Packed() bool {
	return w.BlockN > 0
}

// Nc is the number of N blocks.
func (w *PackedWeight) Nc() int {
	if !w.Packed() {
		return 1
	}
	return w.N / w.BlockN
}

// Kc is the number of K blocks.
func (w *PackedWeight) Kc() int {
	if !w.Packed() {
		return 1
	}
	return w.K / w.BlockK
}

func (w *PackedWeight) vnni() bool {
	return w.Lowp == LowpInt8
}

// rowBytes is the size in bytes of one packed K row of a tile.
func (w *PackedWeight) rowBytes() int {
	if w.QType.Is4Bit() {
		return w.BlockN / 2
	}
	return w.BlockN
}

func (w *PackedWeight) tileBytes() int {
	return w.BlockK * w.rowBytes()
}

// Tile returns the packed bytes of K block kc of N block nc.
func (w *PackedWeight) Tile(nc, kc int) []byte {
	tb := w.tileBytes()
	off := (nc*w.Kc() + kc) * tb
	return w.Data[off : off+tb]
}

// groupN is the column group G that pairs nibbles in 4-bit rows.
func (w *PackedWeight) groupN() int {
	return nGroupSize(w.BlockN, w.Lowp)
}

func nGroupSize(blockN int, lowp LowpMode) int {
	if lowp == LowpInt8 {
		return 16
	}
	switch blockN {
	case 16:
		return 16
	case 32:
		return 32
	default:
		return 64
	}
}

// Validate checks the layout against the stored byte count.
func (w *PackedWeight) Validate() error {
	if !w.QType.Valid() {
		return fmt.Errorf("%w: qtype %s", ErrUnsupported, w.QType)
	}
	if w.N <= 0 || w.K <= 0 {
		return fmt.Errorf("%w: weight [%d,%d]", ErrShape, w.N, w.K)
	}
	if w.QType.Is4Bit() && w.K%2 != 0 {
		return fmt.Errorf("%w: 4-bit weight needs even K, got %d", ErrShape, w.K)
	}
	if w.BlockN < 0 || w.BlockK < 0 || (w.BlockN == 0) != (w.BlockK == 0) {
		return fmt.Errorf("%w: block [%d,%d]", ErrAlignment, w.BlockN, w.BlockK)
	}
	if w.Packed() {
		if err := checkBlocks(w.QType, w.N, w.K, w.BlockN, w.BlockK, w.Lowp); err != nil {
			return err
		}
	}
	want := w.N * w.K
	if w.QType.Is4Bit() {
		want /= 2
	}
	if len(w.Data) != want {
		return fmt.Errorf("%w: %d bytes for %s [%d,%d]", ErrShape, len(w.Data), w.QType, w.N, w.K)
	}
	return nil
}

func checkBlocks(qtype quant.QType, n, k, blockN, blockK int, lowp LowpMode) error {
	if blockN <= 0 || blockK <= 0 || n%blockN != 0 || k%blockK != 0 {
		return fmt.Errorf("%w: block [%d,%d] for weight [%d,%d]", ErrAlignment, blockN, blockK, n, k)
	}
	if blockN%16 != 0 {
		return fmt.Errorf("%w: block_n %d must be a multiple of 16", ErrAlignment, blockN)
	}
	if qtype.Is4Bit() {
		g := nGroupSize(blockN, lowp)
		if blockN%g != 0 {
			return fmt.Errorf("%w: block_n %d is not a multiple of column group %d", ErrAlignment, blockN, g)
		}
		if blockK%2 != 0 {
			return fmt.Errorf("%w: 4-bit block_k %d must be even", ErrAlignment, blockK)
		}
	}
	if lowp == LowpInt8 && blockK%4 != 0 {
		return fmt.Errorf("%w: int8 compute needs block_k %% 4 == 0, got %d", ErrAlignment, blockK)
	}
	return nil
}

// RowCodes decodes the codes of packed row kb of tile (nc, kc) into dst,
// one per column of the N block. Signed INT8 codes are sign-extended.
func (w *PackedWeight) RowCodes(dst []int32, nc, kc, kb int) {
	nb := w.BlockN
	dst = dst[:nb]
	t := w.Tile(nc, kc)
	if !w.QType.Is4Bit() {
		if !w.vnni() {
			row := t[kb*nb : (kb+1)*nb]
			for j, b := range row {
				dst[j] = int32(int8(b))
			}
			return
		}
		base := (kb / 4) * nb * 4
		r := kb % 4
		for j := range dst {
			dst[j] = int32(int8(t[base+j*4+r]))
		}
		return
	}

	g := w.groupN()
	half := g / 2
	if !w.vnni() {
		row := t[kb*nb/2 : (kb+1)*nb/2]
		for g0 := 0; g0 < nb; g0 += g {
			bytes := row[g0/2 : g0/2+half]
			for i, b := range bytes {
				dst[g0+i] = int32(b & 0xF)
				dst[g0+i+half] = int32(b >> 4)
			}
		}
		return
	}
	// Rows kb and kb+1 (kb even) share bytes: slot kb%4 holds column i of
	// both rows, slot kb%4+1 holds column i+G/2. The even row sits in the
	// low nibble.
	pair := kb &^ 1
	base := (pair/4)*(nb/2)*4 + pair%4
	shift := uint(kb&1) * 4
	for g0 := 0; g0 < nb; g0 += g {
		for i := range half {
			off := base + (g0/2+i)*4
			dst[g0+i] = int32((t[off] >> shift) & 0xF)
			dst[g0+i+half] = int32((t[off+1] >> shift) & 0xF)
		}
	}
}

// Code returns the code of element (n, k) regardless of layout.
func (w *PackedWeight) Code(n, k int) int32 {
	if !w.Packed() {
		return quant.PlainCode(w.Data, w.QType, w.K, n, k)
	}
	codes := make([]int32, w.BlockN)
	w.RowCodes(codes, n/w.BlockN, k/w.BlockK, k%w.BlockK)
	return codes[n%w.BlockN]
}

// WeightParams are the dequantization parameters of a weight, laid out as
// [Groups, N]. Zeros is nil for symmetric weights.
type WeightParams struct {
	Scales    []float32
	Zeros     []int32
	Groups    int
	GroupSize int
}

// ParamsFromWeight extracts the parameters of a quantized weight.
func ParamsFromWeight(q quant.Weight) WeightParams {
	return WeightParams{
		Scales:    q.Scales,
		Zeros:     q.Zeros,
		Groups:    q.Groups,
		GroupSize: q.GroupSize,
	}
}

// Mode reports the scale granularity.
func (p *WeightParams) Mode() QuantWMode {
	if p.Groups > 1 {
		return QuantWPerKBlock
	}
	return QuantWPerChannel
}

// Symmetric reports whether the weight has no stored zero points.
func (p *WeightParams) Symmetric() bool {
	return p.Zeros == nil
}

// Validate checks the parameter shapes against a [n, k] weight of qtype.
func (p *WeightParams) Validate(qtype quant.QType, n, k int) error {
	if p.Groups <= 0 || p.GroupSize <= 0 || p.Groups*p.GroupSize != k {
		return fmt.Errorf("%w: %d groups of %d for K=%d", ErrShape, p.Groups, p.GroupSize, k)
	}
	if len(p.Scales) != p.Groups*n {
		return fmt.Errorf("%w: %d scales for [%d,%d]", ErrShape, len(p.Scales), p.Groups, n)
	}
	if p.Zeros != nil {
		if qtype == quant.QTypeNF4 {
			return fmt.Errorf("%w: nf4 weights are symmetric", ErrUnsupported)
		}
		if len(p.Zeros) != p.Groups*n {
			return fmt.Errorf("%w: %d zero points for [%d,%d]", ErrShape, len(p.Zeros), p.Groups, n)
		}
	}
	return nil
}

// zero returns the integer zero point of column n in group g. NF4 codes
// index a table and have no zero point.
func (p *WeightParams) zero(qtype quant.QType, g, n, stride int) int32 {
	switch {
	case p.Zeros != nil:
		return p.Zeros[g*stride+n]
	case qtype == quant.QTypeInt4:
		return quant.Int4SymZero
	default:
		return 0
	}
}
