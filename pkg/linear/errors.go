package linear

import "errors"

var (
	// ErrInvalidConfig reports a layer configuration that violates the kernel
	// tiling or grouping invariants. Raised at construction, before any
	// buffer is allocated.
	ErrInvalidConfig = errors.New("linear: invalid layer config")
	// ErrShape reports a supplied tensor whose shape does not match the
	// layer's buffer layout.
	ErrShape = errors.New("linear: tensor shape mismatch")
	// ErrModuleMismatch reports a foreign module whose structure does not
	// match the layer.
	ErrModuleMismatch = errors.New("linear: foreign module does not match layer")
)
