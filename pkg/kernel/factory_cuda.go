//go:build cuda

package kernel

import (
	"strings"

	"github.com/samcharles93/anvil/internal/engine/cuda"
	"github.com/samcharles93/anvil/internal/engine/cuda/native"
)

const cudaEnabled = true

func newCUDAMatmul(cfg Config, _ string, state []byte) (Operator, error) {
	act, err := cfg.ADType.TensorDType()
	if err != nil {
		return nil, err
	}
	out, err := cfg.OutDType.TensorDType()
	if err != nil {
		return nil, err
	}
	weight, err := cfg.WDType.TensorDType()
	if err != nil {
		return nil, err
	}
	return cuda.NewMatmul(cuda.Params{
		OptM:        cfg.OptM,
		N:           cfg.N,
		K:           cfg.K,
		ActDType:    act,
		WeightDType: weight,
		OutDType:    out,
		WithScaling: cfg.WithScaling,
		WithZeros:   cfg.WithZeros,
		WithBias:    cfg.WithBias,
	}, state)
}

func gpuTarget() string {
	name, err := native.DeviceName(0)
	if err != nil || name == "" {
		return ""
	}
	return "nvidia-" + strings.ToLower(strings.ReplaceAll(name, " ", "-"))
}
