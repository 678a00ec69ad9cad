// Package quant converts dense float weights into grouped affine integer
// form: runs of group_size input features share one scale and one integer
// zero point. The output fields are unsigned and fit the requested bit
// width, ready for bit-packing into kernel storage.
package quant

import (
	"errors"
	"fmt"

	"github.com/samcharles93/anvil/pkg/tensor"
)

var (
	// ErrBits reports a bit width outside {1, 2, 4, 8}.
	ErrBits = errors.New("quant: unsupported bit width")
	// ErrGroupSize reports a group size that does not divide the column count.
	ErrGroupSize = errors.New("quant: group size does not divide columns")
	// ErrInput reports an input tensor the quantizer cannot consume.
	ErrInput = errors.New("quant: unsupported input tensor")
)

// Params selects the quantization grid.
type Params struct {
	Bits      int
	GroupSize int // <= 0 means one group per row
	// Symmetric centers the grid on zero with a fixed midpoint zero point
	// instead of fitting the observed min.
	Symmetric bool
}

// Weights is a quantized weight matrix: unsigned integer fields Q with one
// scale and zero point per (row, group).
type Weights struct {
	Bits      int
	GroupSize int

	// Q holds the unsigned fields, shape (rows, cols), values in [0, 1<<bits).
	Q *tensor.Tensor
	// Scales has shape (rows, cols/group_size), f32.
	Scales *tensor.Tensor
	// Zeros has shape (rows, cols/group_size), u8, same range as Q.
	Zeros *tensor.Tensor
}

// Quantize fits a grouped affine grid to a dense float tensor. The grid maps
// field q to (q - zero) * scale per group.
func Quantize(w *tensor.Tensor, p Params) (*Weights, error) {
	switch p.Bits {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("%w: %d", ErrBits, p.Bits)
	}
	if !w.DType.IsFloat() {
		return nil, fmt.Errorf("%w: dtype %s", ErrInput, w.DType)
	}
	group := p.GroupSize
	if group <= 0 {
		group = w.C
	}
	if w.C == 0 || w.C%group != 0 {
		return nil, fmt.Errorf("%w: %d %% %d", ErrGroupSize, w.C, group)
	}

	groups := w.C / group
	maxQ := float32(int(1)<<p.Bits - 1)
	out := &Weights{
		Bits:      p.Bits,
		GroupSize: group,
		Q:         tensor.New(w.R, w.C, tensor.DTypeU8),
		Scales:    tensor.New(w.R, groups, tensor.DTypeF32),
		Zeros:     tensor.New(w.R, groups, tensor.DTypeU8),
	}
	q := out.Q.U8s()
	scales := out.Scales.F32s()
	zeros := out.Zeros.U8s()

	row := make([]float32, w.C)
	for r := 0; r < w.R; r++ {
		w.RowTo(row, r)
		for g := 0; g < groups; g++ {
			seg := row[g*group : (g+1)*group]
			scale, zero := fitGroup(seg, maxQ, p.Symmetric)
			scales[r*groups+g] = scale
			zeros[r*groups+g] = zero
			base := r*w.C + g*group
			for i, v := range seg {
				q[base+i] = clampQ(v/scale+float32(zero), maxQ)
			}
		}
	}
	return out, nil
}

// Dequantize expands the grid back to dense f32, the reference the kernels
// are checked against.
func (w *Weights) Dequantize() *tensor.Tensor {
	groups := w.Q.C / w.GroupSize
	out := tensor.New(w.Q.R, w.Q.C, tensor.DTypeF32)
	dst := out.F32s()
	q := w.Q.U8s()
	scales := w.Scales.F32s()
	zeros := w.Zeros.U8s()
	for r := 0; r < w.Q.R; r++ {
		for c := 0; c < w.Q.C; c++ {
			g := c / w.GroupSize
			i := r*w.Q.C + c
			dst[i] = (float32(q[i]) - float32(zeros[r*groups+g])) * scales[r*groups+g]
		}
	}
	return out
}

func fitGroup(seg []float32, maxQ float32, symmetric bool) (float32, uint8) {
	lo, hi := seg[0], seg[0]
	for _, v := range seg[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if symmetric {
		a := hi
		if -lo > a {
			a = -lo
		}
		scale := 2 * a / maxQ
		if scale == 0 {
			scale = 1
		}
		return scale, uint8((maxQ + 1) / 2)
	}
	if lo > 0 {
		lo = 0
	}
	if hi < 0 {
		hi = 0
	}
	scale := (hi - lo) / maxQ
	if scale == 0 {
		scale = 1
	}
	return scale, clampQ(-lo/scale, maxQ)
}

func clampQ(v, maxQ float32) uint8 {
	q := int(v + 0.5)
	if q < 0 {
		q = 0
	}
	if q > int(maxQ) {
		q = int(maxQ)
	}
	return uint8(q)
}
