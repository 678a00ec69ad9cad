package gptq

import (
	"fmt"

	"github.com/samcharles93/anvil/internal/safetensors"
	"github.com/samcharles93/anvil/pkg/bitpack"
	"github.com/samcharles93/anvil/pkg/quant"
	"github.com/samcharles93/anvil/pkg/tensor"
)

// Synthesize packs grouped affine weights into GPTQ storage orientation.
// Scales and zero points are transposed into (k/group, n); the legacy
// convention stores each zero point decremented by one modulo the bit width.
func Synthesize(q *quant.Weights, bias *tensor.Tensor, v2 bool) (*Module, error) {
	packed, err := bitpack.Pack(q.Q, q.Bits)
	if err != nil {
		return nil, fmt.Errorf("gptq: pack weight fields: %w", err)
	}
	qweight, err := packed.Transpose().ViewAs(tensor.DTypeI8)
	if err != nil {
		return nil, fmt.Errorf("gptq: weight storage view: %w", err)
	}

	zfields := q.Zeros.Transpose()
	if !v2 {
		mask := uint8(1)<<q.Bits - 1
		dst := zfields.U8s()
		for i, z := range dst {
			dst[i] = (z + mask) & mask // stores z-1, wrapping 0 to the mask
		}
	}
	qzeros, err := bitpack.Pack32(zfields, q.Bits)
	if err != nil {
		return nil, fmt.Errorf("gptq: pack zero fields: %w", err)
	}

	m := &Module{
		Bits:      q.Bits,
		GroupSize: q.GroupSize,
		QWeight:   qweight,
		QZeros:    qzeros,
		Scales:    q.Scales.Transpose(),
		Bias:      bias,
		V2:        v2,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Save writes the module under prefix into a safetensors file, the layout
// Load reads back.
func (m *Module) Save(path, prefix string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	scales, err := m.Scales.Convert(tensor.DTypeF32)
	if err != nil {
		return err
	}
	tensors := map[string]safetensors.WriteTensor{
		prefix + ".qweight": {DType: "I8", Shape: []int{m.QWeight.R, m.QWeight.C}, Data: m.QWeight.Bytes()},
		prefix + ".qzeros":  {DType: "I32", Shape: []int{m.QZeros.R, m.QZeros.C}, Data: m.QZeros.Bytes()},
		prefix + ".scales":  {DType: "F32", Shape: []int{scales.R, scales.C}, Data: scales.Bytes()},
	}
	if m.Bias != nil {
		b, err := m.Bias.Convert(tensor.DTypeF32)
		if err != nil {
			return err
		}
		tensors[prefix+".bias"] = safetensors.WriteTensor{DType: "F32", Shape: []int{b.NumElems()}, Data: b.Bytes()}
	}
	return safetensors.Write(path, tensors)
}
