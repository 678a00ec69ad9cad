package kernel

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultOptM is the dynamic batch-size candidate set a signature is
// specialized for when none is given.
var DefaultOptM = []int{16, 32, 64, 128, 256, 512}

// Config is the immutable structural signature of one compiled operator: the
// problem shape, the element encodings on every port, the quantization
// layout, and the dispatch strategy. Two configs are equal iff every field is
// equal; the canonical form produced by Normalized is the cache key.
type Config struct {
	// OptM lists the batch sizes the kernel is specialized for. More than one
	// entry makes the leading dimension dynamic at dispatch time.
	OptM []int `json:"opt_m,omitempty"`
	// N and K are the output and input feature counts.
	N int `json:"n"`
	K int `json:"k"`

	ADType       DType `json:"a_dtype"`
	WDType       DType `json:"w_dtype"`
	AccumDType   DType `json:"accum_dtype,omitempty"`
	OutDType     DType `json:"out_dtype,omitempty"`
	StorageDType DType `json:"storage_dtype,omitempty"`

	// GroupSize is the run of input features sharing one scale/zero pair.
	// -1 or 0 selects one group per row.
	GroupSize int `json:"group_size,omitempty"`

	WithScaling     bool      `json:"with_scaling,omitempty"`
	WithZeros       bool      `json:"with_zeros,omitempty"`
	WithBias        bool      `json:"with_bias,omitempty"`
	FastDecoding    bool      `json:"fast_decoding,omitempty"`
	PropagateWeight bool      `json:"propagate_weight,omitempty"`
	ZerosMode       ZerosMode `json:"zeros_mode,omitempty"`
	Strategy        Strategy  `json:"strategy,omitempty"`
}

// Normalized returns a copy with every defaulted field made explicit so that
// configs written with and without defaults key identically.
func (c Config) Normalized() Config {
	if len(c.OptM) == 0 {
		c.OptM = DefaultOptM
	}
	if c.GroupSize <= 0 {
		c.GroupSize = c.K
	}
	if c.AccumDType == "" {
		c.AccumDType = c.ADType
	}
	if c.OutDType == "" {
		c.OutDType = c.ADType
	}
	if c.StorageDType == "" {
		c.StorageDType = Int8
	}
	if c.ZerosMode == "" {
		c.ZerosMode = ZerosOriginal
	}
	return c
}

// Validate checks the structural invariants every engine relies on. It is
// called on the normalized form.
func (c Config) Validate() error {
	if c.N <= 0 || c.K <= 0 {
		return fmt.Errorf("%w: shape %dx%d", ErrInvalidConfig, c.N, c.K)
	}
	if !c.ADType.Valid() || !c.WDType.Valid() {
		return fmt.Errorf("%w: a_dtype %q, w_dtype %q", ErrInvalidConfig, c.ADType, c.WDType)
	}
	if c.ADType.SourceFormat() != FormatFloat {
		return fmt.Errorf("%w: activations must be a float dtype, got %q", ErrInvalidConfig, c.ADType)
	}
	if !c.AccumDType.Valid() || !c.OutDType.Valid() || !c.StorageDType.Valid() {
		return fmt.Errorf("%w: accum %q, out %q, storage %q", ErrInvalidConfig,
			c.AccumDType, c.OutDType, c.StorageDType)
	}
	if c.StorageDType != Int8 && c.StorageDType != UInt8 && c.StorageDType != Int32 {
		return fmt.Errorf("%w: storage dtype %q is not a storage unit type", ErrInvalidConfig, c.StorageDType)
	}
	if c.K%c.GroupSize != 0 {
		return fmt.Errorf("%w: group size %d does not divide k=%d", ErrInvalidConfig, c.GroupSize, c.K)
	}
	if c.WithZeros && !c.ZerosMode.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedZerosMode, c.ZerosMode)
	}
	for _, m := range c.OptM {
		if m <= 0 {
			return fmt.Errorf("%w: opt_m entry %d", ErrInvalidConfig, m)
		}
	}
	return nil
}

// DynamicRange reports whether the kernel takes a dynamic leading-dimension
// argument at dispatch time.
func (c Config) DynamicRange() bool {
	return len(c.OptM) != 1
}

// Key returns the canonical signature string used as the cache key. Equal
// configs produce equal keys regardless of which defaults were spelled out.
func (c Config) Key() string {
	n := c.Normalized()
	ms := make([]string, len(n.OptM))
	for i, m := range n.OptM {
		ms[i] = strconv.Itoa(m)
	}
	return strings.Join([]string{
		"m" + strings.Join(ms, "_"),
		"n" + strconv.Itoa(n.N),
		"k" + strconv.Itoa(n.K),
		"a" + string(n.ADType),
		"w" + string(n.WDType),
		"acc" + string(n.AccumDType),
		"out" + string(n.OutDType),
		"st" + string(n.StorageDType),
		"g" + strconv.Itoa(n.GroupSize),
		"s" + flag(n.WithScaling),
		"z" + flag(n.WithZeros),
		"b" + flag(n.WithBias),
		"fd" + flag(n.FastDecoding),
		"pw" + flag(n.PropagateWeight),
		"zm" + string(n.ZerosMode),
		"sg" + n.Strategy.String(),
	}, "-")
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
