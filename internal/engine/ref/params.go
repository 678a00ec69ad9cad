// Package ref implements the portable matmul engine: a tiled, worker-parallel
// kernel over dense float or bit-packed low-bit weights, with group-wise
// dequantization fused into the weight decode. It serves every signature the
// specialized engines reject and is the only engine on plain CPU targets.
package ref

import (
	"errors"
	"fmt"

	"github.com/samcharles93/anvil/internal/logger"
	"github.com/samcharles93/anvil/pkg/tensor"
)

var (
	// ErrUnsupported reports a signature this engine cannot serve.
	ErrUnsupported = errors.New("ref: unsupported operator config")
	// ErrBadCall reports a malformed dispatch argument sequence.
	ErrBadCall = errors.New("ref: bad call arguments")
)

// Source-format decode families.
const (
	formatFloat = "float"
	formatInt   = "int"
	formatUInt  = "uint"
	formatNF    = "nf"
)

// Zeros-mode storage conventions.
const (
	zerosOriginal  = "original"
	zerosRescale   = "rescale"
	zerosQuantized = "quantized"
)

// Params carries the operator signature fields this engine consumes. The
// weight dtype is the element type of the weight buffer the kernel reads:
// a float encoding for consistent signatures, an 8-bit storage unit type for
// packed quantized signatures.
type Params struct {
	OptM []int
	N, K int

	Bits         int
	SourceFormat string
	GroupSize    int

	ActDType    tensor.DType
	WeightDType tensor.DType
	OutDType    tensor.DType

	WithScaling bool
	WithZeros   bool
	WithBias    bool
	ZerosMode   string

	FastDecoding    bool
	PropagateWeight bool

	Log logger.Logger
}

func (p *Params) validate() error {
	if p.N <= 0 || p.K <= 0 {
		return fmt.Errorf("%w: shape %dx%d", ErrUnsupported, p.N, p.K)
	}
	if p.GroupSize <= 0 {
		p.GroupSize = p.K
	}
	if p.K%p.GroupSize != 0 {
		return fmt.Errorf("%w: group size %d does not divide k=%d", ErrUnsupported, p.GroupSize, p.K)
	}
	if len(p.OptM) == 0 {
		p.OptM = []int{16, 32, 64, 128, 256, 512}
	}
	if p.PropagateWeight {
		return fmt.Errorf("%w: weight layout propagation requires a transform-capable engine", ErrUnsupported)
	}
	if !p.ActDType.IsFloat() || !p.OutDType.IsFloat() {
		return fmt.Errorf("%w: activation dtype %s, out dtype %s", ErrUnsupported, p.ActDType, p.OutDType)
	}
	switch p.SourceFormat {
	case formatFloat:
		if !p.WeightDType.IsFloat() {
			return fmt.Errorf("%w: float weights stored as %s", ErrUnsupported, p.WeightDType)
		}
	case formatInt, formatUInt, formatNF:
		switch p.Bits {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("%w: %d-bit weights", ErrUnsupported, p.Bits)
		}
		if p.WeightDType != tensor.DTypeI8 && p.WeightDType != tensor.DTypeU8 {
			return fmt.Errorf("%w: packed weights stored as %s", ErrUnsupported, p.WeightDType)
		}
		if p.SourceFormat == formatNF {
			if p.Bits != 4 {
				return fmt.Errorf("%w: nf weights must be 4-bit", ErrUnsupported)
			}
			if p.WithZeros {
				return fmt.Errorf("%w: nf weights do not take zero points", ErrUnsupported)
			}
		}
	default:
		return fmt.Errorf("%w: source format %q", ErrUnsupported, p.SourceFormat)
	}
	if p.WithZeros {
		switch p.ZerosMode {
		case zerosOriginal, zerosRescale, zerosQuantized:
		default:
			return fmt.Errorf("%w: zeros mode %q", ErrUnsupported, p.ZerosMode)
		}
	}
	return nil
}

func (p *Params) quantized() bool { return p.SourceFormat != formatFloat }

// groups is the number of scale/zero groups per weight row.
func (p *Params) groups() int { return p.K / p.GroupSize }

// weightRowBytes is the byte stride of one weight row in the kernel layout.
func (p *Params) weightRowBytes() int {
	if p.quantized() {
		return p.K * p.Bits / 8
	}
	return p.K * p.WeightDType.Size()
}
