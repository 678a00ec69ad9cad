// Package gptq models the buffer conventions of GPTQ-quantized linear
// checkpoints so their weights can be repacked into kernel layouts. The
// storage orientation is transposed relative to this project's layers:
// qweight holds bit-packed fields in 8-bit units as (k*bits/8, n), qzeros in
// 32-bit units as (k/group, n/32*bits), scales as (k/group, n). Legacy files
// store zero points offset by one; the v2 convention stores them directly.
package gptq

import (
	"errors"
	"fmt"

	"github.com/samcharles93/anvil/internal/safetensors"
	"github.com/samcharles93/anvil/pkg/tensor"
)

var (
	// ErrShape reports a buffer whose shape does not match the declared
	// feature counts.
	ErrShape = errors.New("gptq: buffer shape mismatch")
	// ErrUnsupported reports a checkpoint feature outside the supported
	// conventions.
	ErrUnsupported = errors.New("gptq: unsupported checkpoint")
	// ErrMissingTensor reports an absent required tensor.
	ErrMissingTensor = errors.New("gptq: missing tensor")
)

// Module is one quantized linear module in GPTQ storage orientation.
type Module struct {
	Bits      int
	GroupSize int

	// QWeight is (in_features*bits/8, out_features), i8 storage units.
	QWeight *tensor.Tensor
	// QZeros is (in_features/group_size, out_features/32*bits), i32 units.
	QZeros *tensor.Tensor
	// Scales is (in_features/group_size, out_features), float encoded.
	Scales *tensor.Tensor
	// Bias is (1, out_features) or nil.
	Bias *tensor.Tensor

	// V2 marks the zero-point convention without the legacy +1 offset.
	V2 bool
}

// InFeatures derives the logical input feature count from the packed weight.
func (m *Module) InFeatures() int {
	if m.QWeight == nil || m.Bits == 0 {
		return 0
	}
	return m.QWeight.R * 8 / m.Bits
}

// OutFeatures derives the output feature count from the packed weight.
func (m *Module) OutFeatures() int {
	if m.QWeight == nil {
		return 0
	}
	return m.QWeight.C
}

// Validate checks the buffer shapes against each other and the declared bit
// width and group size.
func (m *Module) Validate() error {
	switch m.Bits {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("%w: %d-bit weights", ErrUnsupported, m.Bits)
	}
	if m.QWeight == nil || m.Scales == nil || m.QZeros == nil {
		return fmt.Errorf("%w: qweight, qzeros and scales are required", ErrMissingTensor)
	}
	if m.QWeight.DType != tensor.DTypeI8 && m.QWeight.DType != tensor.DTypeU8 {
		return fmt.Errorf("%w: qweight dtype %s, want 8-bit units", ErrShape, m.QWeight.DType)
	}
	if m.QZeros.DType != tensor.DTypeI32 {
		return fmt.Errorf("%w: qzeros dtype %s, want i32 units", ErrShape, m.QZeros.DType)
	}
	if !m.Scales.DType.IsFloat() {
		return fmt.Errorf("%w: scales dtype %s", ErrShape, m.Scales.DType)
	}

	k := m.InFeatures()
	n := m.OutFeatures()
	group := m.GroupSize
	if group <= 0 {
		group = k
	}
	if k == 0 || k%group != 0 {
		return fmt.Errorf("%w: group size %d against %d input features", ErrShape, group, k)
	}
	if n%(32/m.Bits) != 0 {
		return fmt.Errorf("%w: %d output features cannot pack into 32-bit zero units", ErrShape, n)
	}
	if m.QZeros.R != k/group || m.QZeros.C != n/32*m.Bits {
		return fmt.Errorf("%w: qzeros (%d,%d), want (%d,%d)",
			ErrShape, m.QZeros.R, m.QZeros.C, k/group, n/32*m.Bits)
	}
	if m.Scales.R != k/group || m.Scales.C != n {
		return fmt.Errorf("%w: scales (%d,%d), want (%d,%d)",
			ErrShape, m.Scales.R, m.Scales.C, k/group, n)
	}
	if m.Bias != nil && m.Bias.NumElems() != n {
		return fmt.Errorf("%w: bias has %d elements, want %d", ErrShape, m.Bias.NumElems(), n)
	}
	return nil
}

// Load reads the module tensors stored under prefix in a safetensors file:
// prefix.qweight, prefix.qzeros, prefix.scales and optionally prefix.bias.
// A prefix.g_idx tensor is accepted only when it describes the plain grouped
// order; activation-order reindexing is not supported.
func Load(path, prefix string, bits, groupSize int, v2 bool) (*Module, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gptq: open %s: %w", path, err)
	}

	m := &Module{Bits: bits, GroupSize: groupSize, V2: v2}

	raw, info, err := f.ReadTensor(prefix + ".qweight")
	if err != nil {
		return nil, fmt.Errorf("%w: %s.qweight: %v", ErrMissingTensor, prefix, err)
	}
	if info.DType != "I8" && info.DType != "U8" || len(info.Shape) != 2 {
		return nil, fmt.Errorf("%w: qweight dtype %s shape %v", ErrUnsupported, info.DType, info.Shape)
	}
	dt := tensor.DTypeI8
	if info.DType == "U8" {
		dt = tensor.DTypeU8
	}
	if m.QWeight, err = tensor.FromRaw(info.Shape[0], info.Shape[1], dt, raw); err != nil {
		return nil, fmt.Errorf("gptq: qweight: %w", err)
	}

	zraw, zinfo, err := f.ReadTensor(prefix + ".qzeros")
	if err != nil {
		return nil, fmt.Errorf("%w: %s.qzeros: %v", ErrMissingTensor, prefix, err)
	}
	if zinfo.DType != "I32" || len(zinfo.Shape) != 2 {
		return nil, fmt.Errorf("%w: qzeros dtype %s shape %v", ErrUnsupported, zinfo.DType, zinfo.Shape)
	}
	if m.QZeros, err = tensor.FromRaw(zinfo.Shape[0], zinfo.Shape[1], tensor.DTypeI32, zraw); err != nil {
		return nil, fmt.Errorf("gptq: qzeros: %w", err)
	}

	if m.Scales, err = readFloat2D(f, prefix+".scales"); err != nil {
		return nil, err
	}
	if _, ok := f.Tensor(prefix + ".bias"); ok {
		bias, err := readFloat1D(f, prefix+".bias")
		if err != nil {
			return nil, err
		}
		m.Bias = bias
	}
	if _, ok := f.Tensor(prefix + ".g_idx"); ok {
		if err := checkGroupIndex(f, prefix+".g_idx", m); err != nil {
			return nil, err
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func readFloat2D(f *safetensors.File, name string) (*tensor.Tensor, error) {
	vals, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingTensor, name, err)
	}
	if len(info.Shape) != 2 {
		return nil, fmt.Errorf("%w: %s shape %v", ErrUnsupported, name, info.Shape)
	}
	return tensor.FromF32(info.Shape[0], info.Shape[1], vals), nil
}

func readFloat1D(f *safetensors.File, name string) (*tensor.Tensor, error) {
	vals, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingTensor, name, err)
	}
	n := 1
	for _, d := range info.Shape {
		n *= d
	}
	return tensor.FromF32(1, n, vals), nil
}

// checkGroupIndex verifies a stored g_idx matches the plain grouped layout
// (feature i in group i/group_size). Checkpoints quantized in activation
// order permute this mapping and would need a feature reorder on repack.
func checkGroupIndex(f *safetensors.File, name string, m *Module) error {
	idx, _, err := f.ReadTensorI32(name)
	if err != nil {
		return fmt.Errorf("gptq: %s: %w", name, err)
	}
	group := m.GroupSize
	if group <= 0 {
		group = len(idx)
	}
	for i, g := range idx {
		if int(g) != i/group {
			return fmt.Errorf("%w: activation-order g_idx (desc_act) checkpoints", ErrUnsupported)
		}
	}
	return nil
}
