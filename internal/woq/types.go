package woq

import (
	"fmt"
	"strings"

	"github.com/samcharles93/woq/internal/quant"
)

// LowpMode selects the compute precision of the multiply-accumulate.
type LowpMode uint8

const (
	LowpNone LowpMode = iota
	LowpFP16
	LowpBF16
	LowpInt8
)

var lowpNames = [...]string{"none", "fp16", "bf16", "int8"}

func (l LowpMode) String() string {
	if int(l) < len(lowpNames) {
		return lowpNames[l]
	}
	return fmt.Sprintf("lowp(%d)", uint8(l))
}

func ParseLowpMode(s string) (LowpMode, error) {
	for i, n := range lowpNames {
		if strings.EqualFold(s, n) {
			return LowpMode(i), nil
		}
	}
	return 0, fmt.Errorf("%w: lowp mode %q", ErrUnsupported, s)
}

// QuantAMode selects dynamic activation quantization for LowpInt8.
type QuantAMode uint8

const (
	QuantAUnquantized QuantAMode = iota
	QuantAPerTensor
	QuantAPerKBlock
	QuantAPerM
	QuantAPerMKBlock
	QuantAPerTensorSym
	QuantAPerKBlockSym
	QuantAPerMSym
	QuantAPerMKBlockSym
)

var quantANames = [...]string{
	"unquantized",
	"per_tensor",
	"per_k_block",
	"per_m",
	"per_m_k_block",
	"per_tensor_sym",
	"per_k_block_sym",
	"per_m_sym",
	"per_m_k_block_sym",
}

func (q QuantAMode) String() string {
	if int(q) < len(quantANames) {
		return quantANames[q]
	}
	return fmt.Sprintf("quant_a(%d)", uint8(q))
}

func ParseQuantAMode(s string) (QuantAMode, error) {
	for i, n := range quantANames {
		if strings.EqualFold(s, n) {
			return QuantAMode(i), nil
		}
	}
	return 0, fmt.Errorf("%w: activation quant mode %q", ErrUnsupported, s)
}

// Quantized reports whether the mode quantizes the activation at all.
func (q QuantAMode) Quantized() bool {
	return q != QuantAUnquantized && int(q) < len(quantANames)
}

// Sym reports whether the mode is symmetric.
func (q QuantAMode) Sym() bool {
	return q >= QuantAPerTensorSym
}

// Granularity maps the mode onto the estimator's block layout.
func (q QuantAMode) Granularity() quant.Granularity {
	switch q {
	case QuantAPerKBlock, QuantAPerKBlockSym:
		return quant.PerColumnBlock
	case QuantAPerM, QuantAPerMSym:
		return quant.PerRow
	case QuantAPerMKBlock, QuantAPerMKBlockSym:
		return quant.PerRowColumnBlock
	default:
		return quant.PerTensor
	}
}

// QuantWMode is the granularity of weight scales.
type QuantWMode uint8

const (
	QuantWPerChannel QuantWMode = iota
	QuantWPerKBlock
)

func (q QuantWMode) String() string {
	switch q {
	case QuantWPerChannel:
		return "per_channel"
	case QuantWPerKBlock:
		return "per_k_block"
	default:
		return fmt.Sprintf("quant_w(%d)", uint8(q))
	}
}

func ParseQuantWMode(s string) (QuantWMode, error) {
	switch strings.ToLower(s) {
	case "per_channel":
		return QuantWPerChannel, nil
	case "per_k_block":
		return QuantWPerKBlock, nil
	default:
		return 0, fmt.Errorf("%w: weight quant mode %q", ErrUnsupported, s)
	}
}

// Fusion is the epilogue applied to finished output tiles.
type Fusion uint8

const (
	FusionNone Fusion = iota
	FusionGeluErf
	FusionGeluTanh
	FusionRelu
	FusionSilu
	FusionAdd
	FusionAddAdd
	FusionMul
)

var fusionNames = [...]string{"none", "gelu_erf", "gelu_tanh", "relu", "silu", "add", "add_add", "mul"}

func (f Fusion) String() string {
	if int(f) < len(fusionNames) {
		return fusionNames[f]
	}
	return fmt.Sprintf("fusion(%d)", uint8(f))
}

func ParseFusion(s string) (Fusion, error) {
	for i, n := range fusionNames {
		if strings.EqualFold(s, n) {
			return Fusion(i), nil
		}
	}
	return 0, fmt.Errorf("%w: fusion %q", ErrUnsupported, s)
}

// Operands returns how many auxiliary tensors the fusion reads.
func (f Fusion) Operands() int {
	switch f {
	case FusionAdd, FusionMul:
		return 1
	case FusionAddAdd:
		return 2
	default:
		return 0
	}
}

// Strategy is the execution plan chosen by the dispatcher.
type Strategy uint8

const (
	StrategyFused Strategy = iota
	StrategyDequantUpfront
	StrategyDynamicQuant
)

func (s Strategy) String() string {
	switch s {
	case StrategyFused:
		return "fused"
	case StrategyDequantUpfront:
		return "dequant_upfront"
	case StrategyDynamicQuant:
		return "dynamic_quant"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// LoopOrder decides which tile dimension is iterated innermost within a
// worker's share of the parallel loop.
type LoopOrder string

const (
	// LoopNM keeps consecutive M tiles of the same N block on one worker so
	// the packed weight tile stays in cache.
	LoopNM LoopOrder = "nm"
	// LoopMN keeps consecutive N blocks of the same M tile on one worker.
	LoopMN LoopOrder = "mn"
)
