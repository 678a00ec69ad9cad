package linear

import (
	"fmt"

	"github.com/samcharles93/anvil/pkg/bitpack"
	"github.com/samcharles93/anvil/pkg/gptq"
	"github.com/samcharles93/anvil/pkg/tensor"
)

// LoadWeights populates the layer's buffers from tensors already in this
// layer's orientation: a dense (out, in) weight or a pre-packed weight in the
// operator layout, per-row scales and zeros in storage form, and a bias. Nil
// arguments keep the buffer the layer already holds.
func (l *Linear) LoadWeights(weight, scales, zeros, bias *tensor.Tensor) error {
	if weight != nil {
		w, err := l.op.TransformWeight(weight)
		if err != nil {
			return fmt.Errorf("linear: transform weight: %w", err)
		}
		if l.quantized {
			l.qweight = w
		} else {
			l.weight = w
		}
	}
	if scales != nil {
		if !l.kcfg.WithScaling {
			return fmt.Errorf("%w: layer has no scale buffer", ErrShape)
		}
		if scales.R != l.kcfg.N || scales.C != l.groups() {
			return fmt.Errorf("%w: scales (%d,%d), want (%d,%d)",
				ErrShape, scales.R, scales.C, l.kcfg.N, l.groups())
		}
		s, err := scales.Convert(l.actDType)
		if err != nil {
			return err
		}
		l.scales = s
	}
	if zeros != nil {
		if !l.kcfg.WithZeros {
			return fmt.Errorf("%w: layer has no zero buffer", ErrShape)
		}
		z, err := l.adoptZeros(zeros)
		if err != nil {
			return err
		}
		l.zeros = z
	}
	if bias != nil {
		if !l.kcfg.WithBias {
			return fmt.Errorf("%w: layer has no bias buffer", ErrShape)
		}
		if bias.NumElems() != l.kcfg.N {
			return fmt.Errorf("%w: bias has %d elements, want %d", ErrShape, bias.NumElems(), l.kcfg.N)
		}
		b, err := bias.Convert(l.actDType)
		if err != nil {
			return err
		}
		b.R, b.C = 1, l.kcfg.N
		l.bias = b
	}
	return nil
}

// adoptZeros accepts a zero buffer already in the layer's storage form,
// re-encoding float zeros to the activation dtype.
func (l *Linear) adoptZeros(z *tensor.Tensor) (*tensor.Tensor, error) {
	want := l.zeros
	if z.R != want.R || z.C != want.C {
		return nil, fmt.Errorf("%w: zeros (%d,%d), want (%d,%d)", ErrShape, z.R, z.C, want.R, want.C)
	}
	if z.DType == want.DType {
		return z.Clone(), nil
	}
	if !z.DType.IsFloat() || !want.DType.IsFloat() {
		return nil, fmt.Errorf("%w: zeros dtype %s, want %s", ErrShape, z.DType, want.DType)
	}
	return z.Convert(want.DType)
}

// RepackGPTQ loads a foreign GPTQ module stored with the legacy zero-point
// convention (fields hold z-1).
func (l *Linear) RepackGPTQ(m *gptq.Module) error {
	return l.repack(m, false)
}

// RepackGPTQV2 loads a foreign GPTQ module stored without the legacy
// zero-point offset.
func (l *Linear) RepackGPTQV2(m *gptq.Module) error {
	return l.repack(m, true)
}

// Repack dispatches on the module's declared zero-point convention.
func (l *Linear) Repack(m *gptq.Module) error {
	return l.repack(m, m.V2)
}

// repack transposes the foreign buffers into this layer's orientation,
// unpacks the bit fields, and rebuilds every buffer through the operator's
// weight transform and the zeros materializer. All results are computed
// before any buffer is replaced, so a failing repack leaves the layer
// unchanged.
func (l *Linear) repack(m *gptq.Module, v2 bool) error {
	if !l.quantized {
		return fmt.Errorf("%w: consistent-precision layer", ErrModuleMismatch)
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Bits != l.bits {
		return fmt.Errorf("%w: module is %d-bit, layer is %d-bit", ErrModuleMismatch, m.Bits, l.bits)
	}
	if m.InFeatures() != l.kcfg.K || m.OutFeatures() != l.kcfg.N {
		return fmt.Errorf("%w: module %dx%d, layer %dx%d",
			ErrModuleMismatch, m.OutFeatures(), m.InFeatures(), l.kcfg.N, l.kcfg.K)
	}
	group := m.GroupSize
	if group <= 0 {
		group = m.InFeatures()
	}
	if group != l.kcfg.GroupSize {
		return fmt.Errorf("%w: module group size %d, layer %d", ErrModuleMismatch, group, l.kcfg.GroupSize)
	}

	intWeight, err := bitpack.Unpack(m.QWeight.Transpose(), l.bits)
	if err != nil {
		return fmt.Errorf("linear: unpack foreign weight: %w", err)
	}
	qweight, err := l.op.TransformWeight(intWeight)
	if err != nil {
		return fmt.Errorf("linear: transform weight: %w", err)
	}

	var scales *tensor.Tensor
	if l.kcfg.WithScaling {
		if scales, err = m.Scales.Transpose().Convert(l.actDType); err != nil {
			return err
		}
	}

	var zeros *tensor.Tensor
	if l.kcfg.WithZeros {
		var decoded *tensor.Tensor
		if v2 {
			decoded, err = bitpack.UnpackZerosV2(m.QZeros, l.bits)
		} else {
			decoded, err = bitpack.UnpackZeros(m.QZeros, l.bits)
		}
		if err != nil {
			return fmt.Errorf("linear: unpack foreign zeros: %w", err)
		}
		if zeros, err = l.materializeZeros(decoded.Transpose(), scales); err != nil {
			return err
		}
	}

	var bias *tensor.Tensor
	if l.kcfg.WithBias && m.Bias != nil {
		if bias, err = m.Bias.Convert(l.actDType); err != nil {
			return err
		}
		bias.R, bias.C = 1, l.kcfg.N
	}

	l.qweight = qweight
	if scales != nil {
		l.scales = scales
	}
	if zeros != nil {
		l.zeros = zeros
	}
	if bias != nil {
		l.bias = bias
	}
	return nil
}
