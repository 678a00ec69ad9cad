package linear

import (
	"fmt"

	"github.com/samcharles93/anvil/pkg/tensor"
)

// Forward runs one dispatch: the activation is transformed to the kernel's
// input layout and the operator is invoked with the raw argument sequence
// [activation, weight, scales?, zeros?, bias?, output, dynamic-rows?,
// stream]. The kernel writes into out directly; when out is nil a buffer of
// shape (rows, out_features) in the operator's output encoding is allocated.
// Completion is governed by the layer's stream; no synchronization happens
// here.
func (l *Linear) Forward(x, out *tensor.Tensor) (*tensor.Tensor, error) {
	xt, err := l.op.TransformInput(x)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = tensor.New(xt.R, l.kcfg.N, l.op.OutDType())
	} else {
		if out.R != xt.R || out.C != l.kcfg.N {
			return nil, fmt.Errorf("%w: output (%d,%d), want (%d,%d)",
				ErrShape, out.R, out.C, xt.R, l.kcfg.N)
		}
		if out.DType != l.op.OutDType() {
			return nil, fmt.Errorf("%w: output dtype %s, want %s",
				ErrShape, out.DType, l.op.OutDType())
		}
	}

	args := make([]any, 0, 8)
	args = append(args, xt.Ptr())
	if l.quantized {
		args = append(args, l.qweight.Ptr())
	} else {
		args = append(args, l.weight.Ptr())
	}
	if l.kcfg.WithScaling {
		args = append(args, l.scales.Ptr())
	}
	if l.kcfg.WithZeros {
		args = append(args, l.zeros.Ptr())
	}
	if l.kcfg.WithBias {
		args = append(args, l.bias.Ptr())
	}
	args = append(args, out.Ptr())
	if l.op.DynamicRange() {
		args = append(args, xt.R)
	}
	args = append(args, l.cfg.Stream)

	if err := l.op.Call(args...); err != nil {
		return nil, fmt.Errorf("linear: dispatch: %w", err)
	}
	return out, nil
}
