package ref

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/anvil/internal/logger"
	"github.com/samcharles93/anvil/pkg/bitpack"
	"github.com/samcharles93/anvil/pkg/tensor"
)

// Matmul is one compiled operator: an immutable signature plus the schedule
// the kernel runs with. The schedule starts at a shape-derived default and is
// replaced once by Finetune or by a restored persisted state.
type Matmul struct {
	p     Params
	log   logger.Logger
	sched Schedule
	tuned bool
}

type persistedState struct {
	Schedule Schedule `json:"schedule"`
	Tuned    bool     `json:"tuned"`
}

// NewMatmul validates the signature and constructs the operator, restoring a
// previously tuned schedule when state is non-empty.
func NewMatmul(p Params, state []byte) (*Matmul, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	log := p.Log
	if log == nil {
		log = logger.Default()
	}
	m := &Matmul{p: p, log: log, sched: defaultSchedule(p.N, p.K)}
	if len(state) > 0 {
		var s persistedState
		if err := json.Unmarshal(state, &s); err != nil {
			return nil, fmt.Errorf("ref: decode operator state: %w", err)
		}
		if s.Schedule != (Schedule{}) {
			m.sched = s.Schedule.clamped()
			m.tuned = s.Tuned
		}
	}
	return m, nil
}

// Name identifies the engine.
func (m *Matmul) Name() string { return "ref" }

// Bits is the weight element bit width.
func (m *Matmul) Bits() int { return m.p.Bits }

// SourceFormat is the weight decode family.
func (m *Matmul) SourceFormat() string { return m.p.SourceFormat }

// OutDType is the output element encoding.
func (m *Matmul) OutDType() tensor.DType { return m.p.OutDType }

// DynamicRange reports whether dispatch passes the leading dimension at call
// time.
func (m *Matmul) DynamicRange() bool { return len(m.p.OptM) != 1 }

// WeightShape is the weight layout the kernel reads: {n, k*bits/8} storage
// units for packed weights, {n, k} elements for float weights.
func (m *Matmul) WeightShape() []int {
	if m.p.quantized() {
		return []int{m.p.N, m.p.K * m.p.Bits / 8}
	}
	return []int{m.p.N, m.p.K}
}

// State serializes the current schedule for the operator database.
func (m *Matmul) State() ([]byte, error) {
	return json.Marshal(persistedState{Schedule: m.sched, Tuned: m.tuned})
}

// TransformWeight converts a weight tensor into the kernel layout. Dense
// float weights are re-encoded to the signature's storage dtype; dense
// integer weights of shape (n, k) are range-checked and bit-packed; input
// already in the packed layout passes through unchanged.
func (m *Matmul) TransformWeight(w *tensor.Tensor) (*tensor.Tensor, error) {
	shape := m.WeightShape()
	if !m.p.quantized() {
		if w.R != shape[0] || w.C != shape[1] {
			return nil, fmt.Errorf("%w: weight shape (%d,%d), want (%d,%d)",
				ErrUnsupported, w.R, w.C, shape[0], shape[1])
		}
		if !w.DType.IsFloat() {
			return nil, fmt.Errorf("%w: float weight encoded as %s", ErrUnsupported, w.DType)
		}
		return w.Convert(m.p.WeightDType)
	}

	if w.R == shape[0] && w.C == shape[1] &&
		(w.DType == tensor.DTypeU8 || w.DType == tensor.DTypeI8) {
		packed, err := w.Clone().ViewAs(m.p.WeightDType)
		if err != nil {
			return nil, err
		}
		return packed, nil
	}
	if w.R != m.p.N || w.C != m.p.K {
		return nil, fmt.Errorf("%w: weight shape (%d,%d), want dense (%d,%d) or packed (%d,%d)",
			ErrUnsupported, w.R, w.C, m.p.N, m.p.K, shape[0], shape[1])
	}
	fields, err := m.fieldBits(w)
	if err != nil {
		return nil, err
	}
	packed, err := bitpack.Pack(fields, m.p.Bits)
	if err != nil {
		return nil, err
	}
	return packed.ViewAs(m.p.WeightDType)
}

// fieldBits maps a dense (n, k) integer weight tensor to the unsigned field
// values that get packed: unsigned and lookup formats as-is, signed formats
// as their low-bit two's-complement pattern.
func (m *Matmul) fieldBits(w *tensor.Tensor) (*tensor.Tensor, error) {
	switch m.p.SourceFormat {
	case formatUInt, formatNF:
		if w.DType != tensor.DTypeU8 {
			return nil, fmt.Errorf("%w: dense %s weights must be u8, got %s",
				ErrUnsupported, m.p.SourceFormat, w.DType)
		}
		return w, nil
	case formatInt:
		if w.DType != tensor.DTypeI8 {
			return nil, fmt.Errorf("%w: dense int weights must be i8, got %s", ErrUnsupported, w.DType)
		}
		lo := -(1 << (m.p.Bits - 1))
		hi := 1<<(m.p.Bits-1) - 1
		mask := uint8(1)<<m.p.Bits - 1
		out := tensor.New(w.R, w.C, tensor.DTypeU8)
		dst := out.U8s()
		for i, v := range w.I8s() {
			if int(v) < lo || int(v) > hi {
				return nil, fmt.Errorf("%w: weight value %d outside %d-bit signed range",
					bitpack.ErrValueRange, v, m.p.Bits)
			}
			dst[i] = uint8(v) & mask
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: source format %q has no dense form", ErrUnsupported, m.p.SourceFormat)
	}
}

// TransformInput checks the activation shape and re-encodes it to the
// kernel's activation dtype when needed.
func (m *Matmul) TransformInput(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.C != m.p.K {
		return nil, fmt.Errorf("%w: activation has %d features, kernel expects %d",
			ErrBadCall, x.C, m.p.K)
	}
	if !x.DType.IsFloat() {
		return nil, fmt.Errorf("%w: activation dtype %s", ErrBadCall, x.DType)
	}
	if x.DType == m.p.ActDType {
		return x, nil
	}
	return x.Convert(m.p.ActDType)
}
