package tensor

import (
	"encoding/binary"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType identifies the tensor element encoding.
type DType uint32

const (
	DTypeUnknown DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI8
	DTypeU8
	DTypeI32
)

// Size returns the element size in bytes, or 0 for unknown encodings.
func (d DType) Size() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeI8, DTypeU8:
		return 1
	default:
		return 0
	}
}

// IsFloat reports whether the encoding is a floating-point format.
func (d DType) IsFloat() bool {
	return d == DTypeF32 || d == DTypeF16 || d == DTypeBF16
}

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeI8:
		return "i8"
	case DTypeU8:
		return "u8"
	case DTypeI32:
		return "i32"
	default:
		return "unknown"
	}
}

// ParseDType maps a dtype name to its DType. It accepts the names produced by
// String.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32":
		return DTypeF32, nil
	case "f16":
		return DTypeF16, nil
	case "bf16":
		return DTypeBF16, nil
	case "i8":
		return DTypeI8, nil
	case "u8":
		return DTypeU8, nil
	case "i32":
		return DTypeI32, nil
	default:
		return DTypeUnknown, errUnsupportedDType
	}
}

// Convert re-encodes the tensor into the target dtype, casting through
// float32. Converting to the same dtype returns a copy.
func (t *Tensor) Convert(dtype DType) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, errUnsupportedDType
	}
	if dtype == t.DType {
		return t.Clone(), nil
	}
	out := New(t.R, t.C, dtype)
	switch {
	case t.DType == DTypeBF16 && dtype == DTypeF32:
		copy(out.F32s(), bfloat16.DecodeFloat32(t.Raw))
	case t.DType == DTypeF32 && dtype == DTypeBF16:
		copy(out.Raw, bfloat16.EncodeFloat32(t.F32s()))
	default:
		encodeRange(dtype, out.Raw, 0, t.Floats())
	}
	return out, nil
}

func decodeElem(d DType, raw []byte, idx int) float32 {
	switch d {
	case DTypeF32:
		return f32le(raw, idx*4)
	case DTypeF16:
		return float16.Frombits(u16le(raw, idx*2)).Float32()
	case DTypeBF16:
		return bfloat16.ToFloat32(bfloat16.BF16(u16le(raw, idx*2)))
	case DTypeI8:
		return float32(int8(raw[idx]))
	case DTypeU8:
		return float32(raw[idx])
	case DTypeI32:
		return float32(int32(binary.LittleEndian.Uint32(raw[idx*4:])))
	default:
		panic("unsupported dtype for element decode")
	}
}

func encodeElem(d DType, raw []byte, idx int, v float32) {
	switch d {
	case DTypeF32:
		putF32le(raw, idx*4, v)
	case DTypeF16:
		putU16le(raw, idx*2, float16.Fromfloat32(v).Bits())
	case DTypeBF16:
		putU16le(raw, idx*2, uint16(bfloat16.FromFloat32(v)))
	case DTypeI8:
		raw[idx] = byte(int8(v))
	case DTypeU8:
		raw[idx] = byte(v)
	case DTypeI32:
		binary.LittleEndian.PutUint32(raw[idx*4:], uint32(int32(v)))
	default:
		panic("unsupported dtype for element encode")
	}
}

func decodeRange(d DType, raw []byte, start int, dst []float32) {
	for i := range dst {
		dst[i] = decodeElem(d, raw, start+i)
	}
}

func encodeRange(d DType, raw []byte, start int, src []float32) {
	for i, v := range src {
		encodeElem(d, raw, start+i, v)
	}
}

func f32le(b []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
}

func putF32le(b []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(b[off:], math.Float32bits(v))
}
