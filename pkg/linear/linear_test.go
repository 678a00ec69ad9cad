package linear

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"unsafe"

	"github.com/samcharles93/anvil/internal/logger"
	"github.com/samcharles93/anvil/pkg/gptq"
	"github.com/samcharles93/anvil/pkg/kernel"
	"github.com/samcharles93/anvil/pkg/quant"
	"github.com/samcharles93/anvil/pkg/tensor"
)

func testLogger() logger.Logger {
	return logger.New(slog.NewTextHandler(io.Discard, nil))
}

func testCache(t *testing.T) *kernel.Cache {
	t.Helper()
	return kernel.NewCache(kernel.Options{
		DatabasePath: t.TempDir(),
		Logger:       testLogger(),
	})
}

func quantLayer(t *testing.T, in, out, group int, mode kernel.ZerosMode) *Linear {
	t.Helper()
	l, err := New(Config{
		InFeatures:    in,
		OutFeatures:   out,
		ADType:        kernel.Float32,
		WDType:        kernel.UInt4,
		GroupSize:     group,
		WithScaling:   true,
		WithZeros:     true,
		ZerosMode:     mode,
		DisableTuning: true,
		Target:        "test-host",
		Cache:         testCache(t),
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

// TestDivisibilityRejection checks that feature counts not divisible by 16
// fail before any buffer is allocated.
func TestDivisibilityRejection(t *testing.T) {
	t.Parallel()

	_, err := New(Config{InFeatures: 10, OutFeatures: 64, Cache: testCache(t), Logger: testLogger()})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("in_features=10: got %v, want ErrInvalidConfig", err)
	}
	_, err = New(Config{InFeatures: 64, OutFeatures: 24, Cache: testCache(t), Logger: testLogger()})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("out_features=24: got %v, want ErrInvalidConfig", err)
	}
	_, err = New(Config{InFeatures: 64, OutFeatures: 64, GroupSize: 48, Cache: testCache(t), Logger: testLogger()})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("group=48: got %v, want ErrInvalidConfig", err)
	}
}

// TestBufferShapes checks the zeros-mode-dependent buffer shape formulas for
// a 128x64 layer with 32-wide groups.
func TestBufferShapes(t *testing.T) {
	t.Parallel()

	l := quantLayer(t, 128, 64, 32, kernel.ZerosOriginal)
	if l.Scales().R != 64 || l.Scales().C != 4 {
		t.Fatalf("scales (%d,%d), want (64,4)", l.Scales().R, l.Scales().C)
	}
	if l.Zeros().R != 64 || l.Zeros().C != 4 {
		t.Fatalf("original zeros (%d,%d), want (64,4)", l.Zeros().R, l.Zeros().C)
	}

	l = quantLayer(t, 128, 64, 32, kernel.ZerosQuantized)
	if l.Zeros().R != 4 || l.Zeros().C != 64/8*4 {
		t.Fatalf("quantized zeros (%d,%d), want (4,%d)", l.Zeros().R, l.Zeros().C, 64/8*4)
	}
	if l.QWeight().R != 64 || l.QWeight().C != 128*4/8 {
		t.Fatalf("qweight (%d,%d), want (64,64)", l.QWeight().R, l.QWeight().C)
	}
}

// TestRescaleFusion checks that the rescale mode stores zero*scale, not the
// raw zero point.
func TestRescaleFusion(t *testing.T) {
	t.Parallel()

	l := quantLayer(t, 16, 16, 16, kernel.ZerosRescale)
	scales := tensor.New(16, 1, tensor.DTypeF32)
	intZeros := tensor.New(16, 1, tensor.DTypeU8)
	for i := 0; i < 16; i++ {
		scales.Set(i, 0, 3)
		intZeros.Set(i, 0, 2)
	}
	got, err := l.materializeZeros(intZeros, scales)
	if err != nil {
		t.Fatalf("materializeZeros: %v", err)
	}
	for i := 0; i < 16; i++ {
		if got.At(i, 0) != 6 {
			t.Fatalf("zero[%d]: got %f, want 6", i, got.At(i, 0))
		}
	}
}

// TestUnsupportedZerosModeLeavesBuffersUntouched checks that a repack against
// an unrecognized zeros mode fails cleanly without replacing any buffer.
func TestUnsupportedZerosModeLeavesBuffersUntouched(t *testing.T) {
	t.Parallel()

	l := quantLayer(t, 64, 32, 32, kernel.ZerosOriginal)
	w := tensor.New(32, 64, tensor.DTypeF32)
	tensor.FillRand(w, 1)
	q, err := quant.Quantize(w, quant.Params{Bits: 4, GroupSize: 32})
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	m, err := gptq.Synthesize(q, nil, false)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	before := append([]byte(nil), l.QWeight().Bytes()...)
	l.kcfg.ZerosMode = "bogus"
	err = l.RepackGPTQ(m)
	if !errors.Is(err, kernel.ErrUnsupportedZerosMode) {
		t.Fatalf("got %v, want ErrUnsupportedZerosMode", err)
	}
	for i, b := range l.QWeight().Bytes() {
		if b != before[i] {
			t.Fatalf("qweight byte %d mutated by failed repack", i)
		}
	}
}

// stubOperator records dispatch calls for argument-order checks and carries
// a state blob set by tuning.
type stubOperator struct {
	cfg    kernel.Config
	tunes  int
	state  []byte
	calls  [][]any
	weight []int
}

func (s *stubOperator) Name() string         { return "stub" }
func (s *stubOperator) Bits() int            { return s.cfg.WDType.Bits() }
func (s *stubOperator) SourceFormat() string { return s.cfg.WDType.SourceFormat() }
func (s *stubOperator) WeightShape() []int   { return s.weight }
func (s *stubOperator) DynamicRange() bool   { return len(s.cfg.OptM) != 1 }
func (s *stubOperator) OutDType() tensor.DType {
	dt, _ := s.cfg.OutDType.TensorDType()
	return dt
}
func (s *stubOperator) TransformWeight(w *tensor.Tensor) (*tensor.Tensor, error) { return w, nil }
func (s *stubOperator) TransformInput(x *tensor.Tensor) (*tensor.Tensor, error)  { return x, nil }
func (s *stubOperator) Finetune(topK int) error {
	s.tunes++
	s.state = []byte(`{"tuned":true}`)
	return nil
}
func (s *stubOperator) State() ([]byte, error) { return s.state, nil }
func (s *stubOperator) Call(args ...any) error {
	s.calls = append(s.calls, args)
	return nil
}

// TestDispatchArgumentOrder checks the exact positional sequence handed to
// the operator when scaling, zeros and bias are all enabled.
func TestDispatchArgumentOrder(t *testing.T) {
	t.Parallel()

	var op *stubOperator
	cache := kernel.NewCache(kernel.Options{
		DatabasePath: t.TempDir(),
		Logger:       testLogger(),
		Builder: func(cfg kernel.Config, target string, state []byte) (kernel.Operator, error) {
			op = &stubOperator{cfg: cfg, weight: []int{cfg.N, cfg.K * cfg.WDType.Bits() / 8}}
			return op, nil
		},
	})
	l, err := New(Config{
		InFeatures:  64,
		OutFeatures: 32,
		Bias:        true,
		ADType:      kernel.Float32,
		WDType:      kernel.UInt4,
		GroupSize:   32,
		WithScaling: true,
		WithZeros:   true,
		ZerosMode:   kernel.ZerosOriginal,
		Target:      "test-host",
		Cache:       cache,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	x := tensor.New(3, 64, tensor.DTypeF32)
	out, err := l.Forward(x, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.R != 3 || out.C != 32 {
		t.Fatalf("output (%d,%d), want (3,32)", out.R, out.C)
	}
	if len(op.calls) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(op.calls))
	}
	args := op.calls[0]
	// activation, weight, scales, zeros, bias, output, dynamic rows, stream
	if len(args) != 8 {
		t.Fatalf("expected 8 arguments, got %d", len(args))
	}
	wantPtrs := []unsafe.Pointer{x.Ptr(), l.QWeight().Ptr(), l.Scales().Ptr(), l.Zeros().Ptr(), l.BiasTensor().Ptr(), out.Ptr()}
	for i, want := range wantPtrs {
		got, ok := args[i].(unsafe.Pointer)
		if !ok || got != want {
			t.Fatalf("argument %d: got %v, want buffer pointer %v", i, args[i], want)
		}
	}
	if rows, ok := args[6].(int); !ok || rows != 3 {
		t.Fatalf("argument 6: got %v, want dynamic row count 3", args[6])
	}
	if _, ok := args[7].(tensor.Stream); !ok {
		t.Fatalf("argument 7: got %T, want tensor.Stream", args[7])
	}
}

// TestDatabasePathOverrideSharesHandles checks that layers redirecting
// persistence to one path still resolve one shared operator handle, both
// sequentially and under concurrent construction.
func TestDatabasePathOverrideSharesHandles(t *testing.T) {
	t.Parallel()

	cfg := Config{
		InFeatures:    64,
		OutFeatures:   32,
		ADType:        kernel.Float32,
		WDType:        kernel.UInt4,
		GroupSize:     32,
		WithScaling:   true,
		DisableTuning: true,
		Target:        "test-host",
		DatabasePath:  t.TempDir(),
		Logger:        testLogger(),
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("first New: %v", err)
	}
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	if a.Operator() != b.Operator() {
		t.Fatal("layers with one database path resolved distinct handles")
	}

	const layers = 4
	ops := make([]kernel.Operator, layers)
	var wg sync.WaitGroup
	for i := 0; i < layers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := New(cfg)
			if err != nil {
				t.Errorf("New: %v", err)
				return
			}
			ops[i] = l.Operator()
		}(i)
	}
	wg.Wait()
	for i := 0; i < layers; i++ {
		if ops[i] != a.Operator() {
			t.Fatalf("layer %d got a different handle", i)
		}
	}
}

// TestWarmupPersistsRetunedState checks that an explicit warmup refreshes
// the persisted schedule, not just the in-memory handle.
func TestWarmupPersistsRetunedState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var restored []byte
	builder := func(cfg kernel.Config, target string, state []byte) (kernel.Operator, error) {
		restored = state
		return &stubOperator{cfg: cfg, state: state, weight: []int{cfg.N, cfg.K * cfg.WDType.Bits() / 8}}, nil
	}
	cache := kernel.NewCache(kernel.Options{DatabasePath: dir, Logger: testLogger(), Builder: builder})
	l, err := New(Config{
		InFeatures:    64,
		OutFeatures:   32,
		ADType:        kernel.Float32,
		WDType:        kernel.UInt4,
		GroupSize:     32,
		WithScaling:   true,
		DisableTuning: true,
		Target:        "test-host",
		Cache:         cache,
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Warmup(4); err != nil {
		t.Fatalf("Warmup: %v", err)
	}

	fresh := kernel.NewCache(kernel.Options{DatabasePath: dir, Logger: testLogger(), Builder: builder})
	if _, ok := fresh.Get(l.kcfg, "test-host"); !ok {
		t.Fatal("warmed signature missing after reload")
	}
	if string(restored) != `{"tuned":true}` {
		t.Fatalf("restored state %q, want the warmed schedule", restored)
	}
}

// forwardReference computes x @ dequant(w)^T + bias in plain float64.
func forwardReference(x, w *tensor.Tensor, bias *tensor.Tensor) [][]float64 {
	out := make([][]float64, x.R)
	for r := 0; r < x.R; r++ {
		out[r] = make([]float64, w.R)
		for n := 0; n < w.R; n++ {
			var sum float64
			for k := 0; k < x.C; k++ {
				sum += float64(x.At(r, k)) * float64(w.At(n, k))
			}
			if bias != nil {
				sum += float64(bias.At(0, n))
			}
			out[r][n] = sum
		}
	}
	return out
}

// TestForwardMatchesDequantizedReference loads quantized weights directly and
// checks the kernel output against the dequantized dense product.
func TestForwardMatchesDequantizedReference(t *testing.T) {
	t.Parallel()

	for _, mode := range []kernel.ZerosMode{kernel.ZerosOriginal, kernel.ZerosRescale, kernel.ZerosQuantized} {
		l := quantLayer(t, 64, 32, 32, mode)

		w := tensor.New(32, 64, tensor.DTypeF32)
		tensor.FillRand(w, 42)
		q, err := quant.Quantize(w, quant.Params{Bits: 4, GroupSize: 32})
		if err != nil {
			t.Fatalf("%s: Quantize: %v", mode, err)
		}
		scales, err := q.Scales.Convert(tensor.DTypeF32)
		if err != nil {
			t.Fatalf("%s: scales: %v", mode, err)
		}
		zeros, err := l.materializeZeros(q.Zeros, scales)
		if err != nil {
			t.Fatalf("%s: zeros: %v", mode, err)
		}
		if err := l.LoadWeights(q.Q, scales, nil, nil); err != nil {
			t.Fatalf("%s: LoadWeights: %v", mode, err)
		}
		l.zeros = zeros

		x := tensor.New(4, 64, tensor.DTypeF32)
		tensor.FillRand(x, 17)
		got, err := l.Forward(x, nil)
		if err != nil {
			t.Fatalf("%s: Forward: %v", mode, err)
		}
		want := forwardReference(x, q.Dequantize(), nil)
		for r := 0; r < 4; r++ {
			for n := 0; n < 32; n++ {
				if math.Abs(float64(got.At(r, n))-want[r][n]) > 1e-4 {
					t.Fatalf("%s: out(%d,%d): got %g, want %g", mode, r, n, got.At(r, n), want[r][n])
				}
			}
		}
	}
}

// TestRepackGPTQEndToEnd synthesizes a GPTQ checkpoint, repacks it through
// both zero-point conventions, and checks the forward output against the
// dequantized reference.
func TestRepackGPTQEndToEnd(t *testing.T) {
	t.Parallel()

	for _, v2 := range []bool{false, true} {
		l := quantLayer(t, 64, 32, 32, kernel.ZerosOriginal)
		w := tensor.New(32, 64, tensor.DTypeF32)
		tensor.FillRand(w, 23)
		q, err := quant.Quantize(w, quant.Params{Bits: 4, GroupSize: 32})
		if err != nil {
			t.Fatalf("Quantize: %v", err)
		}
		m, err := gptq.Synthesize(q, nil, v2)
		if err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
		if err := l.Repack(m); err != nil {
			t.Fatalf("v2=%v Repack: %v", v2, err)
		}

		x := tensor.New(2, 64, tensor.DTypeF32)
		tensor.FillRand(x, 5)
		got, err := l.Forward(x, nil)
		if err != nil {
			t.Fatalf("v2=%v Forward: %v", v2, err)
		}
		want := forwardReference(x, q.Dequantize(), nil)
		for r := 0; r < 2; r++ {
			for n := 0; n < 32; n++ {
				if math.Abs(float64(got.At(r, n))-want[r][n]) > 1e-4 {
					t.Fatalf("v2=%v out(%d,%d): got %g, want %g", v2, r, n, got.At(r, n), want[r][n])
				}
			}
		}
	}
}

// TestConsistentModeForward checks the float-weight path end to end.
func TestConsistentModeForward(t *testing.T) {
	t.Parallel()

	l, err := New(Config{
		InFeatures:    32,
		OutFeatures:   16,
		Bias:          true,
		ADType:        kernel.Float32,
		OptM:          []int{2},
		DisableTuning: true,
		Target:        "test-host",
		Cache:         testCache(t),
		Logger:        testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w := tensor.New(16, 32, tensor.DTypeF32)
	bias := tensor.New(1, 16, tensor.DTypeF32)
	tensor.FillRand(w, 9)
	tensor.FillRand(bias, 10)
	if err := l.LoadWeights(w, nil, nil, bias); err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}

	x := tensor.New(2, 32, tensor.DTypeF32)
	tensor.FillRand(x, 11)
	got, err := l.Forward(x, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want := forwardReference(x, w, bias)
	for r := 0; r < 2; r++ {
		for n := 0; n < 16; n++ {
			if math.Abs(float64(got.At(r, n))-want[r][n]) > 1e-5 {
				t.Fatalf("out(%d,%d): got %g, want %g", r, n, got.At(r, n), want[r][n])
			}
		}
	}
}
