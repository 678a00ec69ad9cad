// Package linear implements a quantized-weight linear layer. A layer resolves
// one compiled operator from the kernel cache at construction, owns the
// packed-weight, scale, zero-point and bias buffers sized to that operator's
// layout, and issues a single dispatch call per forward pass. Weights arrive
// either dense (LoadWeights) or in a foreign GPTQ packing (RepackGPTQ).
package linear

import (
	"fmt"
	"os"

	"github.com/samcharles93/anvil/internal/logger"
	"github.com/samcharles93/anvil/pkg/kernel"
	"github.com/samcharles93/anvil/pkg/tensor"
)

// Config describes one layer. InFeatures and OutFeatures are required; the
// remaining fields default to a float16 consistent-precision layer resolved
// through the shared process-wide cache on the detected target.
type Config struct {
	InFeatures  int
	OutFeatures int
	Bias        bool

	// ADType is the activation encoding; defaults to float16. WDType is the
	// weight encoding and selects quantized operation when it is a sub-byte
	// integer or lookup dtype; defaults to ADType.
	ADType     kernel.DType
	WDType     kernel.DType
	AccumDType kernel.DType
	OutDType   kernel.DType

	// GroupSize is the run of input features sharing one scale/zero pair;
	// -1 or 0 selects one group per row.
	GroupSize   int
	WithScaling bool
	WithZeros   bool
	ZerosMode   kernel.ZerosMode

	OptM            []int
	Strategy        kernel.Strategy
	PropagateWeight bool
	// FastDecoding selects the table-driven decode path; nil derives the
	// default (enabled for quantized weights).
	FastDecoding *bool

	// DisableTuning skips the hardware-aware tuning pass on cache miss.
	DisableTuning bool

	// Target overrides hardware-target detection.
	Target string
	// Cache overrides the shared operator cache.
	Cache *kernel.Cache
	// DatabasePath redirects operator persistence for this layer. A path
	// that cannot be created falls back to the default location.
	DatabasePath string
	// Stream is the execution-stream token passed to every dispatch.
	Stream tensor.Stream

	Logger logger.Logger
}

// Linear is one constructed layer. Buffers are allocated empty at
// construction and populated by LoadWeights or RepackGPTQ; they must not be
// mutated concurrently with Forward.
type Linear struct {
	cfg  Config
	kcfg kernel.Config
	log  logger.Logger

	op     kernel.Operator
	cache  *kernel.Cache
	target string

	bits         int
	sourceFormat string
	quantized    bool
	actDType     tensor.DType

	weight  *tensor.Tensor // consistent mode
	qweight *tensor.Tensor // quantized mode, operator layout
	scales  *tensor.Tensor
	zeros   *tensor.Tensor
	bias    *tensor.Tensor
}

// New validates the configuration, resolves or builds the operator through
// the cache, and allocates the layer's buffers.
func New(cfg Config) (*Linear, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	if cfg.ADType == "" {
		cfg.ADType = kernel.Float16
	}
	if cfg.WDType == "" {
		cfg.WDType = cfg.ADType
	}

	// Kernel tiles are 16 wide on both axes.
	if cfg.InFeatures%16 != 0 || cfg.OutFeatures%16 != 0 {
		return nil, fmt.Errorf("%w: features %dx%d must be multiples of 16",
			ErrInvalidConfig, cfg.InFeatures, cfg.OutFeatures)
	}
	if cfg.GroupSize > 0 && cfg.InFeatures%cfg.GroupSize != 0 {
		return nil, fmt.Errorf("%w: group size %d does not divide %d input features",
			ErrInvalidConfig, cfg.GroupSize, cfg.InFeatures)
	}

	fastDecoding := cfg.WDType.IsQuant()
	if cfg.FastDecoding != nil {
		fastDecoding = *cfg.FastDecoding
	}
	kcfg := kernel.Config{
		OptM:            cfg.OptM,
		N:               cfg.OutFeatures,
		K:               cfg.InFeatures,
		ADType:          cfg.ADType,
		WDType:          cfg.WDType,
		AccumDType:      cfg.AccumDType,
		OutDType:        cfg.OutDType,
		GroupSize:       cfg.GroupSize,
		WithScaling:     cfg.WithScaling,
		WithZeros:       cfg.WithZeros,
		WithBias:        cfg.Bias,
		FastDecoding:    fastDecoding,
		PropagateWeight: cfg.PropagateWeight,
		ZerosMode:       cfg.ZerosMode,
		Strategy:        cfg.Strategy,
	}.Normalized()
	if err := kcfg.Validate(); err != nil {
		return nil, err
	}

	target := cfg.Target
	if target == "" {
		target = kernel.DetectTarget()
	}
	cache := resolveCache(&cfg, log)
	op, err := cache.GetOrBuild(kcfg, target, !cfg.DisableTuning)
	if err != nil {
		return nil, fmt.Errorf("linear: resolve operator: %w", err)
	}

	l := &Linear{
		cfg:          cfg,
		kcfg:         kcfg,
		log:          log,
		op:           op,
		cache:        cache,
		target:       target,
		bits:         op.Bits(),
		sourceFormat: op.SourceFormat(),
		quantized:    cfg.WDType.IsQuant(),
	}
	if l.actDType, err = kcfg.ADType.TensorDType(); err != nil {
		return nil, err
	}
	if err := l.allocBuffers(); err != nil {
		return nil, err
	}
	return l, nil
}

func resolveCache(cfg *Config, log logger.Logger) *kernel.Cache {
	if cfg.Cache != nil {
		return cfg.Cache
	}
	if cfg.DatabasePath == "" {
		return kernel.Global()
	}
	if err := os.MkdirAll(cfg.DatabasePath, 0o755); err != nil {
		log.Warn("cannot create operator database path; using the default location",
			"path", cfg.DatabasePath, "default", kernel.DefaultDatabasePath(), "error", err)
		return kernel.Global()
	}
	return kernel.ForDatabasePath(cfg.DatabasePath, log)
}

// allocBuffers creates the empty buffer set for the layer's storage variant.
func (l *Linear) allocBuffers() error {
	shape := l.op.WeightShape()
	if !l.quantized {
		wt, err := l.kcfg.WDType.TensorDType()
		if err != nil {
			return err
		}
		l.weight = tensor.New(shape[0], shape[1], wt)
	} else {
		st, err := l.kcfg.StorageDType.TensorDType()
		if err != nil {
			return err
		}
		l.qweight = tensor.New(shape[0], shape[1], st)
		if l.kcfg.WithScaling {
			l.scales = tensor.New(l.kcfg.N, l.groups(), l.actDType)
		}
		if l.kcfg.WithZeros {
			z, err := l.emptyZeros()
			if err != nil {
				return err
			}
			l.zeros = z
		}
	}
	if l.kcfg.WithBias {
		l.bias = tensor.New(1, l.kcfg.N, l.actDType)
	}
	return nil
}

func (l *Linear) groups() int { return l.kcfg.K / l.kcfg.GroupSize }

// Bits is the weight bit width of the resolved operator.
func (l *Linear) Bits() int { return l.bits }

// SourceFormat is the resolved operator's weight decode family.
func (l *Linear) SourceFormat() string { return l.sourceFormat }

// Operator exposes the resolved kernel handle.
func (l *Linear) Operator() kernel.Operator { return l.op }

// Target is the hardware-target string the operator was resolved for.
func (l *Linear) Target() string { return l.target }

// InFeatures returns the input feature count.
func (l *Linear) InFeatures() int { return l.kcfg.K }

// OutFeatures returns the output feature count.
func (l *Linear) OutFeatures() int { return l.kcfg.N }

// Weight returns the dense weight buffer of a consistent-precision layer.
func (l *Linear) Weight() *tensor.Tensor { return l.weight }

// QWeight returns the packed weight buffer of a quantized layer.
func (l *Linear) QWeight() *tensor.Tensor { return l.qweight }

// Scales returns the scale buffer, nil when scaling is disabled.
func (l *Linear) Scales() *tensor.Tensor { return l.scales }

// Zeros returns the zero-point buffer, nil when zeros are disabled.
func (l *Linear) Zeros() *tensor.Tensor { return l.zeros }

// BiasTensor returns the bias buffer, nil when bias is disabled.
func (l *Linear) BiasTensor() *tensor.Tensor { return l.bias }

// Warmup re-runs the operator's tuning search and persists the refreshed
// schedule. The cache normally tunes once per signature; Warmup is for
// explicit re-timing after the process moved to different hardware
// conditions, and the new schedule applies to every layer sharing the
// handle.
func (l *Linear) Warmup(topK int) error {
	if err := l.op.Finetune(topK); err != nil {
		return err
	}
	return l.cache.RefreshState(l.kcfg, l.target)
}
