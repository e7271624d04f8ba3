package tensor

import (
	"fmt"
	"strings"
)

// DType is the storage encoding of a weight tensor. The set is closed:
// kernels switch on it once per tensor, never per element.
type DType uint8

const (
	F32 DType = iota + 1
	F16
	BF16
	// Q8 stores one int8 per element with one f32 scale per block.
	Q8
	// Q4 packs two 4-bit values per byte with one f32 scale per block.
	// Within a block byte j holds element j in the low nibble and element
	// j+block/2 in the high nibble.
	Q4
)

const (
	// DefaultQ8Block is the Q8 block length written by the quantizer.
	DefaultQ8Block = 256
	// DefaultQ4Block is the Q4 block length written by the quantizer.
	DefaultQ4Block = 32
)

func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	case Q8:
		return "Q8"
	case Q4:
		return "Q4"
	default:
		return fmt.Sprintf("DType(%d)", uint8(d))
	}
}

// Quantized reports whether d carries per-block scales.
func (d DType) Quantized() bool {
	return d == Q8 || d == Q4
}

// RowBytes returns the encoded size of n elements.
func (d DType) RowBytes(n int) int {
	switch d {
	case F32:
		return n * 4
	case F16, BF16:
		return n * 2
	case Q8:
		return n
	case Q4:
		return n / 2
	default:
		return 0
	}
}

// ParseDType accepts the names used on the command line and in
// safetensors headers. "I8" is the safetensors name for Q8 payloads.
func ParseDType(s string) (DType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "F32", "FLOAT32":
		return F32, nil
	case "F16", "FLOAT16":
		return F16, nil
	case "BF16", "BFLOAT16":
		return BF16, nil
	case "Q8", "I8":
		return Q8, nil
	case "Q4":
		return Q4, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", s)
	}
}
