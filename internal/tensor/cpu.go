package tensor

import (
	"strings"

	"golang.org/x/sys/cpu"
)

// CPUFeatures holds detected CPU capabilities, checked once at init.
type CPUFeatures struct {
	HasAVX2       bool
	HasAVX512     bool
	HasAVX512VNNI bool
	HasAVX512BF16 bool
	HasASIMD      bool
	HasASIMDDP    bool
}

// CPU is the feature set of the running host.
var CPU CPUFeatures

func init() {
	CPU = CPUFeatures{
		HasAVX2:       cpu.X86.HasAVX2 && cpu.X86.HasFMA,
		HasAVX512:     cpu.X86.HasAVX512F,
		HasAVX512VNNI: cpu.X86.HasAVX512F && cpu.X86.HasAVX512VNNI,
		HasAVX512BF16: cpu.X86.HasAVX512F && cpu.X86.HasAVX512BF16,
		HasASIMD:      cpu.ARM64.HasASIMD,
		HasASIMDDP:    cpu.ARM64.HasASIMDDP,
	}
}

// VectorLanes returns the number of float32 lanes in the widest usable
// vector register.
func (f CPUFeatures) VectorLanes() int {
	switch {
	case f.HasAVX512:
		return 16
	case f.HasAVX2:
		return 8
	case f.HasASIMD:
		return 4
	default:
		return 1
	}
}

// HasIntDot reports whether the host has an 8-bit integer dot-product
// instruction.
func (f CPUFeatures) HasIntDot() bool {
	return f.HasAVX512VNNI || f.HasASIMDDP
}

func (f CPUFeatures) String() string {
	var parts []string
	add := func(ok bool, name string) {
		if ok {
			parts = append(parts, name)
		}
	}
	add(f.HasAVX2, "avx2")
	add(f.HasAVX512, "avx512f")
	add(f.HasAVX512VNNI, "avx512vnni")
	add(f.HasAVX512BF16, "avx512bf16")
	add(f.HasASIMD, "asimd")
	add(f.HasASIMDDP, "asimddp")
	if len(parts) == 0 {
		return "generic"
	}
	return strings.Join(parts, ",")
}
