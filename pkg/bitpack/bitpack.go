// Package bitpack converts between unpacked 8-bit-per-element integer tensors
// and bit-packed storage tensors. Fields of 1, 2, 4 or 8 bits are packed
// LSB-first into 8-bit or 32-bit storage units; the unit width is taken from
// the tensor's element encoding (u8/i8 for 8-bit units, i32 for 32-bit units).
package bitpack

import (
	"errors"
	"fmt"

	"github.com/samcharles93/anvil/pkg/tensor"
)

var (
	// ErrBitWidth reports a bit width outside {1, 2, 4, 8}.
	ErrBitWidth = errors.New("bitpack: unsupported bit width")
	// ErrStorageUnit reports a tensor whose dtype is not a storage unit type.
	ErrStorageUnit = errors.New("bitpack: unsupported storage unit dtype")
	// ErrColumnRatio reports a column count not divisible by the packing ratio.
	ErrColumnRatio = errors.New("bitpack: column count not divisible by packing ratio")
	// ErrValueRange reports a value that does not fit the requested bit width.
	ErrValueRange = errors.New("bitpack: value exceeds bit-width range")
)

// unitBits returns the storage-unit width for a packed tensor encoding.
func unitBits(d tensor.DType) (int, error) {
	switch d {
	case tensor.DTypeU8, tensor.DTypeI8:
		return 8, nil
	case tensor.DTypeI32:
		return 32, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrStorageUnit, d)
	}
}

func checkBits(bits int) error {
	switch bits {
	case 1, 2, 4, 8:
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrBitWidth, bits)
	}
}

// Unpack expands every storage unit of packed into unit_bits/bits separate
// elements. Fields are extracted LSB-first with a logical shift and mask; no
// sign extension is performed. The result is a u8 tensor with
// cols*unit_bits/bits columns.
func Unpack(packed *tensor.Tensor, bits int) (*tensor.Tensor, error) {
	if err := checkBits(bits); err != nil {
		return nil, err
	}
	ub, err := unitBits(packed.DType)
	if err != nil {
		return nil, err
	}
	ratio := ub / bits
	mask := uint32(1)<<bits - 1
	out := tensor.New(packed.R, packed.C*ratio, tensor.DTypeU8)
	dst := out.U8s()
	switch ub {
	case 8:
		src := packed.Raw
		for i, unit := range src {
			base := i * ratio
			for k := 0; k < ratio; k++ {
				dst[base+k] = uint8(uint32(unit) >> (bits * k) & mask)
			}
		}
	case 32:
		src := packed.I32s()
		for i, unit := range src {
			base := i * ratio
			for k := 0; k < ratio; k++ {
				dst[base+k] = uint8(uint32(unit) >> (bits * k) & mask)
			}
		}
	}
	return out, nil
}

// Pack is the exact inverse of Unpack for 8-bit storage units: it ORs
// bit-width-wide fields at increasing shift offsets into each u8 unit. The
// input column count must divide evenly by the packing ratio, and every value
// must lie in [0, 1<<bits).
func Pack(unpacked *tensor.Tensor, bits int) (*tensor.Tensor, error) {
	return packUnits(unpacked, bits, tensor.DTypeU8)
}

// Pack32 packs into 32-bit storage units, producing an i32 tensor. This is
// the unit width used by externally packed zero-point buffers.
func Pack32(unpacked *tensor.Tensor, bits int) (*tensor.Tensor, error) {
	return packUnits(unpacked, bits, tensor.DTypeI32)
}

func packUnits(unpacked *tensor.Tensor, bits int, unit tensor.DType) (*tensor.Tensor, error) {
	if err := checkBits(bits); err != nil {
		return nil, err
	}
	if unpacked.DType != tensor.DTypeU8 {
		return nil, fmt.Errorf("%w: pack input must be u8, got %s", ErrStorageUnit, unpacked.DType)
	}
	ub, _ := unitBits(unit)
	ratio := ub / bits
	if unpacked.C%ratio != 0 {
		return nil, fmt.Errorf("%w: %d columns, ratio %d", ErrColumnRatio, unpacked.C, ratio)
	}
	limit := uint8(1)<<bits - 1
	src := unpacked.U8s()
	out := tensor.New(unpacked.R, unpacked.C/ratio, unit)
	switch ub {
	case 8:
		dst := out.U8s()
		for i := range dst {
			var acc uint8
			for k := 0; k < ratio; k++ {
				v := src[i*ratio+k]
				if v > limit {
					return nil, rangeErr(v, bits, unpacked, i*ratio+k)
				}
				acc |= v << (bits * k)
			}
			dst[i] = acc
		}
	case 32:
		dst := out.I32s()
		for i := range dst {
			var acc uint32
			for k := 0; k < ratio; k++ {
				v := src[i*ratio+k]
				if v > limit {
					return nil, rangeErr(v, bits, unpacked, i*ratio+k)
				}
				acc |= uint32(v) << (bits * k)
			}
			dst[i] = int32(acc)
		}
	}
	return out, nil
}

func rangeErr(v uint8, bits int, t *tensor.Tensor, idx int) error {
	return fmt.Errorf("%w: value %d at (%d,%d) does not fit %d bits",
		ErrValueRange, v, idx/t.C, idx%t.C, bits)
}

// UnpackZeros decodes packed zero-points stored in the legacy convention,
// which holds z-1 in each field: the decoded field is incremented and
// re-masked to the bit width, so a stored 1<<bits-1 wraps back to 0.
func UnpackZeros(packed *tensor.Tensor, bits int) (*tensor.Tensor, error) {
	out, err := Unpack(packed, bits)
	if err != nil {
		return nil, err
	}
	mask := uint8(1)<<bits - 1
	dst := out.U8s()
	for i, v := range dst {
		dst[i] = (v + 1) & mask
	}
	return out, nil
}

// UnpackZerosV2 decodes packed zero-points stored without the legacy offset;
// fields are returned exactly as extracted.
func UnpackZerosV2(packed *tensor.Tensor, bits int) (*tensor.Tensor, error) {
	return Unpack(packed, bits)
}
