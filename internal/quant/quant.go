// Package quant computes affine quantization parameters and converts
// between float values and low-bit integer codes.
//
// All schemes follow value = scale * (code - zero_point). Symmetric schemes
// carry no zero point.
package quant

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrShape       = errors.New("quant: shape mismatch")
	ErrBlockSize   = errors.New("quant: invalid block size")
	ErrUnsupported = errors.New("quant: unsupported scheme")
)

// MinScale replaces the scale of a block whose dynamic range is zero.
const MinScale float32 = 1.1920929e-07

// QType is the storage type of quantized weights.
type QType uint8

const (
	QTypeInt8 QType = iota
	QTypeInt4
	QTypeNF4
)

func (q QType) String() string {
	switch q {
	case QTypeInt8:
		return "int8"
	case QTypeInt4:
		return "int4"
	case QTypeNF4:
		return "nf4"
	default:
		return fmt.Sprintf("qtype(%d)", uint8(q))
	}
}

// Is4Bit reports whether two codes share one byte.
func (q QType) Is4Bit() bool {
	return q == QTypeInt4 || q == QTypeNF4
}

// Valid reports whether q is a known qtype.
func (q QType) Valid() bool {
	return q <= QTypeNF4
}

func ParseQType(s string) (QType, error) {
	switch strings.ToLower(s) {
	case "int8", "i8":
		return QTypeInt8, nil
	case "int4", "i4":
		return QTypeInt4, nil
	case "nf4":
		return QTypeNF4, nil
	default:
		return 0, fmt.Errorf("%w: qtype %q", ErrUnsupported, s)
	}
}

// Granularity selects how a 2D tensor is split into quantization blocks.
type Granularity uint8

const (
	// PerTensor uses a single scale for the whole tensor.
	PerTensor Granularity = iota
	// PerRow uses one scale per row.
	PerRow
	// PerColumnBlock uses one scale per block of columns, shared by all rows.
	PerColumnBlock
	// PerRowColumnBlock uses one scale per (row, column block).
	PerRowColumnBlock
)

func (g Granularity) String() string {
	switch g {
	case PerTensor:
		return "per_tensor"
	case PerRow:
		return "per_row"
	case PerColumnBlock:
		return "per_column_block"
	case PerRowColumnBlock:
		return "per_row_column_block"
	default:
		return fmt.Sprintf("granularity(%d)", uint8(g))
	}
}

// Params holds the scales and zero points of a blocked 2D tensor, laid out
// as [Rows, Blocks]. Zeros is nil for symmetric parameters.
type Params struct {
	Scales    []float32
	Zeros     []int32
	Rows      int
	Blocks    int
	BlockSize int
	Symmetric bool
}

// Index returns the slot of (row, k) in Scales/Zeros.
func (p *Params) Index(row, k int) int {
	r := 0
	if p.Rows > 1 {
		r = row
	}
	b := 0
	if p.Blocks > 1 {
		b = k / p.BlockSize
	}
	return r*p.Blocks + b
}

// At returns the scale and zero point that apply to element (row, k).
func (p *Params) At(row, k int) (float32, int32) {
	i := p.Index(row, k)
	if p.Zeros == nil {
		return p.Scales[i], 0
	}
	return p.Scales[i], p.Zeros[i]
}
