package kernel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samcharles93/anvil/pkg/tensor"
)

// DType names an element encoding in an operator signature. Quantized
// encodings narrower than a byte (int4, uint2, nf4, ...) exist only inside
// packed storage units and have no directly storable tensor form.
type DType string

const (
	Float32  DType = "float32"
	Float16  DType = "float16"
	BFloat16 DType = "bfloat16"
	Int32    DType = "int32"
	Int8     DType = "int8"
	UInt8    DType = "uint8"
	Int4     DType = "int4"
	UInt4    DType = "uint4"
	Int2     DType = "int2"
	UInt2    DType = "uint2"
	Int1     DType = "int1"
	UInt1    DType = "uint1"
	NF4      DType = "nf4"
)

// Source-format tags derived from a weight dtype.
const (
	FormatFloat = "float"
	FormatInt   = "int"
	FormatUInt  = "uint"
	FormatNF    = "nf"
)

// Bits returns the bit width of one element, or 0 for an unknown dtype.
func (d DType) Bits() int {
	switch d {
	case Float32, Int32:
		return 32
	case Float16, BFloat16:
		return 16
	case NF4:
		return 4
	}
	s := string(d)
	i := strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' })
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(s[i:])
	if err != nil {
		return 0
	}
	return n
}

// SourceFormat classifies the dtype into the format tag a kernel selects its
// decode path by.
func (d DType) SourceFormat() string {
	switch {
	case d == NF4:
		return FormatNF
	case d == Float32 || d == Float16 || d == BFloat16:
		return FormatFloat
	case strings.HasPrefix(string(d), "uint"):
		return FormatUInt
	case strings.HasPrefix(string(d), "int"):
		return FormatInt
	default:
		return ""
	}
}

// IsQuant reports whether the dtype is an integer or lookup encoding that a
// kernel must dequantize.
func (d DType) IsQuant() bool {
	f := d.SourceFormat()
	return f == FormatInt || f == FormatUInt || f == FormatNF
}

// Valid reports whether the dtype is one of the recognized encodings.
func (d DType) Valid() bool {
	switch d {
	case Float32, Float16, BFloat16, Int32, Int8, UInt8,
		Int4, UInt4, Int2, UInt2, Int1, UInt1, NF4:
		return true
	default:
		return false
	}
}

// TensorDType maps a storable dtype to its tensor encoding. Sub-byte
// encodings return an error since they only exist packed.
func (d DType) TensorDType() (tensor.DType, error) {
	switch d {
	case Float32:
		return tensor.DTypeF32, nil
	case Float16:
		return tensor.DTypeF16, nil
	case BFloat16:
		return tensor.DTypeBF16, nil
	case Int32:
		return tensor.DTypeI32, nil
	case Int8:
		return tensor.DTypeI8, nil
	case UInt8:
		return tensor.DTypeU8, nil
	default:
		return tensor.DTypeUnknown, fmt.Errorf("%w: %q has no storable tensor form", ErrInvalidConfig, d)
	}
}

// ZerosMode selects how zero-points are materialized and consumed.
type ZerosMode string

const (
	ZerosOriginal  ZerosMode = "original"
	ZerosRescale   ZerosMode = "rescale"
	ZerosQuantized ZerosMode = "quantized"
)

// Valid reports whether the mode is one of the three recognized values.
func (z ZerosMode) Valid() bool {
	switch z {
	case ZerosOriginal, ZerosRescale, ZerosQuantized:
		return true
	default:
		return false
	}
}

// Strategy tags the dispatch optimization a kernel is specialized for.
type Strategy int

const (
	// SingleBatchDecodeOnly optimizes for one-row activations with a dynamic
	// fallback for larger batches.
	SingleBatchDecodeOnly Strategy = iota
	// ContiguousBatching optimizes for multi-row activations.
	ContiguousBatching
)

func (s Strategy) String() string {
	switch s {
	case SingleBatchDecodeOnly:
		return "single_batch_decode_only"
	case ContiguousBatching:
		return "contiguous_batching"
	default:
		return "unknown"
	}
}
