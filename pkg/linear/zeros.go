package linear

import (
	"fmt"

	"github.com/samcharles93/anvil/pkg/bitpack"
	"github.com/samcharles93/anvil/pkg/kernel"
	"github.com/samcharles93/anvil/pkg/tensor"
)

// emptyZeros allocates the zero-point buffer for the layer's zeros mode.
// Original and rescale modes store one value per (row, group) in the
// activation encoding; the quantized mode stores bit-packed integer zeros in
// storage orientation.
func (l *Linear) emptyZeros() (*tensor.Tensor, error) {
	switch l.kcfg.ZerosMode {
	case kernel.ZerosOriginal, kernel.ZerosRescale:
		return tensor.New(l.kcfg.N, l.groups(), l.actDType), nil
	case kernel.ZerosQuantized:
		st, err := l.kcfg.StorageDType.TensorDType()
		if err != nil {
			return nil, err
		}
		return tensor.New(l.groups(), l.kcfg.N*l.bits/8, st), nil
	default:
		return nil, fmt.Errorf("%w: %q", kernel.ErrUnsupportedZerosMode, l.kcfg.ZerosMode)
	}
}

// materializeZeros converts decoded integer zero-points, already transposed
// to (out_features, groups), into the storage form the kernel consumes.
// scales must be the scale buffer that will be stored alongside; the rescale
// mode fuses the dequantization multiply into the stored zero so the kernel
// subtracts the product directly.
func (l *Linear) materializeZeros(intZeros, scales *tensor.Tensor) (*tensor.Tensor, error) {
	if intZeros.R != l.kcfg.N || intZeros.C != l.groups() {
		return nil, fmt.Errorf("%w: zeros (%d,%d), want (%d,%d)",
			ErrShape, intZeros.R, intZeros.C, l.kcfg.N, l.groups())
	}
	switch l.kcfg.ZerosMode {
	case kernel.ZerosOriginal:
		return intZeros.Convert(l.actDType)
	case kernel.ZerosRescale:
		if scales == nil {
			return nil, fmt.Errorf("%w: rescale zeros need a scale buffer", ErrShape)
		}
		z, err := intZeros.Convert(l.actDType)
		if err != nil {
			return nil, err
		}
		return z.Mul(scales)
	case kernel.ZerosQuantized:
		packed, err := bitpack.Pack(intZeros.Transpose(), l.bits)
		if err != nil {
			return nil, err
		}
		st, err := l.kcfg.StorageDType.TensorDType()
		if err != nil {
			return nil, err
		}
		return packed.ViewAs(st)
	default:
		return nil, fmt.Errorf("%w: %q", kernel.ErrUnsupportedZerosMode, l.kcfg.ZerosMode)
	}
}
