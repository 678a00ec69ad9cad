//go:build !cuda

package kernel

import "fmt"

const cudaEnabled = false

func newCUDAMatmul(_ Config, _ string, _ []byte) (Operator, error) {
	return nil, fmt.Errorf("%w: cuda engine not available in this build", ErrUnsupportedConfig)
}

func gpuTarget() string { return "" }
