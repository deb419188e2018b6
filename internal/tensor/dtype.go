package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType describes how the elements of a Mat are stored.
type DType uint8

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// ElemSize returns the storage size of one element in bytes.
func (d DType) ElemSize() int {
	switch d {
	case DTypeF32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 0
	}
}

// ParseDType accepts the names produced by String as well as the
// upper-case safetensors spellings.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f32", "float32", "fp32":
		return DTypeF32, nil
	case "f16", "float16", "fp16":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	default:
		return 0, fmt.Errorf("tensor: unknown dtype %q", s)
	}
}

// F16ToF32 widens an IEEE binary16 bit pattern.
func F16ToF32(u uint16) float32 {
	return float16.Frombits(u).Float32()
}

// F32ToF16 narrows to binary16 with round-to-nearest-even.
func F32ToF16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// BF16ToF32 widens a bfloat16 bit pattern.
func BF16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// F32ToBF16 narrows to bfloat16 with round-to-nearest-even. NaN payloads
// are forced quiet so rounding can never carry a NaN into infinity.
func F32ToBF16(f float32) uint16 {
	u := math.Float32bits(f)
	if u&0x7FFFFFFF > 0x7F800000 {
		return uint16(u>>16) | 0x0040
	}
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

// RoundF16 returns f rounded to the nearest binary16 value.
func RoundF16(f float32) float32 {
	return float16.Fromfloat32(f).Float32()
}

// RoundBF16 returns f rounded to the nearest bfloat16 value.
func RoundBF16(f float32) float32 {
	return BF16ToF32(F32ToBF16(f))
}

// RoundSlice rounds every element of v in place to the precision of dt.
// It is a no-op for DTypeF32.
func RoundSlice(v []float32, dt DType) {
	switch dt {
	case DTypeF16:
		for i, x := range v {
			v[i] = RoundF16(x)
		}
	case DTypeBF16:
		for i, x := range v {
			v[i] = RoundBF16(x)
		}
	}
}

func u16le(b []byte, off int) uint16 {
	_ = b[off+1]
	return uint16(b[off]) | uint16(b[off+1])<<8
}

func putU16le(b []byte, off int, v uint16) {
	_ = b[off+1]
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}

func f32le(b []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
}
