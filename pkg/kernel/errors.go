package kernel

import "errors"

var (
	// ErrInvalidConfig reports a structurally invalid operator signature.
	ErrInvalidConfig = errors.New("kernel: invalid config")
	// ErrUnsupportedConfig reports a valid signature no available engine can
	// serve.
	ErrUnsupportedConfig = errors.New("kernel: unsupported config")
	// ErrUnsupportedZerosMode reports a zeros mode outside the recognized set.
	ErrUnsupportedZerosMode = errors.New("kernel: unsupported zeros mode")
	// ErrNotFound reports a cache lookup miss.
	ErrNotFound = errors.New("kernel: operator not found")
)
