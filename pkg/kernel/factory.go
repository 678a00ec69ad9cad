package kernel

import (
	"strings"

	"github.com/samcharles93/anvil/internal/engine/ref"
	"github.com/samcharles93/anvil/pkg/tensor"
)

// DefaultBuilder constructs operators with the best engine available for the
// target: the cublas engine for consistent float signatures on an nvidia
// target when built with cuda support, the portable engine for everything
// else.
func DefaultBuilder(cfg Config, target string, state []byte) (Operator, error) {
	if cudaEnabled && strings.HasPrefix(target, "nvidia-") && !cfg.WDType.IsQuant() {
		return newCUDAMatmul(cfg, target, state)
	}
	return newRefMatmul(cfg, state)
}

func newRefMatmul(cfg Config, state []byte) (Operator, error) {
	p, err := refParams(cfg)
	if err != nil {
		return nil, err
	}
	return ref.NewMatmul(p, state)
}

func refParams(cfg Config) (ref.Params, error) {
	act, err := cfg.ADType.TensorDType()
	if err != nil {
		return ref.Params{}, err
	}
	out, err := cfg.OutDType.TensorDType()
	if err != nil {
		return ref.Params{}, err
	}
	var weight tensor.DType
	if cfg.WDType.IsQuant() {
		weight, err = cfg.StorageDType.TensorDType()
	} else {
		weight, err = cfg.WDType.TensorDType()
	}
	if err != nil {
		return ref.Params{}, err
	}
	return ref.Params{
		OptM:            cfg.OptM,
		N:               cfg.N,
		K:               cfg.K,
		Bits:            cfg.WDType.Bits(),
		SourceFormat:    cfg.WDType.SourceFormat(),
		GroupSize:       cfg.GroupSize,
		ActDType:        act,
		WeightDType:     weight,
		OutDType:        out,
		WithScaling:     cfg.WithScaling,
		WithZeros:       cfg.WithZeros,
		WithBias:        cfg.WithBias,
		ZerosMode:       string(cfg.ZerosMode),
		FastDecoding:    cfg.FastDecoding,
		PropagateWeight: cfg.PropagateWeight,
	}, nil
}
