package kernel

import "github.com/samcharles93/anvil/pkg/tensor"

// DefaultTuneTopK is the number of candidate schedules a tuning pass tries.
const DefaultTuneTopK = 20

// Operator is a compiled compute kernel bound to one Config and one hardware
// target. Handles are constructed on cache miss, optionally tuned once, and
// immutable afterwards; every layer that resolves the same signature shares
// one handle.
type Operator interface {
	// Name identifies the engine that built the operator.
	Name() string
	// Bits is the weight bit width the kernel decodes.
	Bits() int
	// SourceFormat is the weight decode family: float, int, uint or nf.
	SourceFormat() string
	// WeightShape is the packed (or dense, for float weights) weight layout
	// the kernel expects, as {rows, cols} of storage elements.
	WeightShape() []int
	// OutDType is the element encoding the kernel writes to the output
	// buffer.
	OutDType() tensor.DType
	// DynamicRange reports whether Call takes a dynamic leading-dimension
	// argument before the stream token.
	DynamicRange() bool

	// TransformWeight converts a dense or pre-packed weight tensor into the
	// kernel's storage layout.
	TransformWeight(w *tensor.Tensor) (*tensor.Tensor, error)
	// TransformInput validates an activation tensor and converts it to the
	// kernel's activation encoding when needed.
	TransformInput(x *tensor.Tensor) (*tensor.Tensor, error)

	// Finetune searches up to topK candidate schedules on the live hardware
	// and keeps the fastest. It is long-running and not cancellable; the
	// cache guarantees it runs at most once per signature.
	Finetune(topK int) error
	// State serializes the tuned schedule for persistence. Builders restore
	// it so hydrated operators skip re-tuning.
	State() ([]byte, error)

	// Call invokes the kernel with the ordered raw argument sequence:
	// activation, weight, then each enabled parameter buffer (scales, zeros,
	// bias) as unsafe.Pointer, the output pointer, the dynamic
	// leading-dimension int when DynamicRange is set, and a tensor.Stream
	// token last. The call may enqueue asynchronously; completion is
	// governed by the stream.
	Call(args ...any) error
}

// Builder constructs an operator for a signature on a target, restoring a
// previously persisted tuned state when non-nil. Builds happen with tuning
// disabled; tuning is a separate explicit step.
type Builder func(cfg Config, target string, state []byte) (Operator, error)
