//go:build cuda

// Package cuda implements the cublas matmul engine for consistent float
// signatures on nvidia targets. Quantized signatures stay on the portable
// engine; this one exists to route dense float layers through GemmEx.
package cuda

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/goccy/go-json"

	"github.com/samcharles93/anvil/internal/engine/cuda/native"
	"github.com/samcharles93/anvil/pkg/tensor"
)

var (
	// ErrUnsupported reports a signature this engine cannot serve.
	ErrUnsupported = errors.New("cuda: unsupported operator config")
	// ErrBadCall reports a malformed dispatch argument sequence.
	ErrBadCall = errors.New("cuda: bad call arguments")
)

// Params carries the operator signature fields this engine consumes. Only
// dense float weights are accepted; scaling and zero-point buffers have no
// cublas lowering here.
type Params struct {
	OptM []int
	N, K int

	ActDType    tensor.DType
	WeightDType tensor.DType
	OutDType    tensor.DType

	WithScaling bool
	WithZeros   bool
	WithBias    bool
}

func (p *Params) validate() error {
	if p.N <= 0 || p.K <= 0 {
		return fmt.Errorf("%w: shape %dx%d", ErrUnsupported, p.N, p.K)
	}
	if p.WithScaling || p.WithZeros {
		return fmt.Errorf("%w: scale/zero buffers", ErrUnsupported)
	}
	if p.ActDType != p.WeightDType || p.OutDType != p.ActDType {
		return fmt.Errorf("%w: mixed dtypes %s/%s/%s", ErrUnsupported, p.ActDType, p.WeightDType, p.OutDType)
	}
	if _, err := blasType(p.ActDType); err != nil {
		return err
	}
	if len(p.OptM) == 0 {
		p.OptM = []int{16, 32, 64, 128, 256, 512}
	}
	return nil
}

func blasType(d tensor.DType) (native.BlasDataType, error) {
	switch d {
	case tensor.DTypeF32:
		return native.BlasF32, nil
	case tensor.DTypeF16:
		return native.BlasF16, nil
	case tensor.DTypeBF16:
		return native.BlasBF16, nil
	default:
		return 0, fmt.Errorf("%w: dtype %s has no cublas encoding", ErrUnsupported, d)
	}
}

// Matmul is the cublas operator for one signature. Weight buffers are
// uploaded once and cached by host pointer; activations and outputs are
// staged per call on the caller's stream.
type Matmul struct {
	p      Params
	dtype  native.BlasDataType
	handle native.BlasHandle
	algo   native.BlasGemmAlgo
	tuned  bool

	mu      sync.Mutex
	weights map[unsafe.Pointer]native.DeviceBuffer
}

type matmulState struct {
	Algo  int  `json:"algo"`
	Tuned bool `json:"tuned"`
}

// NewMatmul builds the operator and restores a persisted tuning state when
// one is supplied.
func NewMatmul(p Params, state []byte) (*Matmul, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	bt, err := blasType(p.ActDType)
	if err != nil {
		return nil, err
	}
	handle, err := native.NewBlasHandle(native.WrapStream(0))
	if err != nil {
		return nil, err
	}
	m := &Matmul{
		p:       p,
		dtype:   bt,
		handle:  handle,
		algo:    native.BlasGemmDefault,
		weights: make(map[unsafe.Pointer]native.DeviceBuffer),
	}
	if len(state) > 0 {
		var s matmulState
		if err := json.Unmarshal(state, &s); err != nil {
			return nil, fmt.Errorf("cuda: decode operator state: %w", err)
		}
		m.algo = native.BlasGemmAlgo(s.Algo)
		m.tuned = s.Tuned
	}
	return m, nil
}

func (m *Matmul) Name() string         { return "cublas_matmul" }
func (m *Matmul) Bits() int            { return m.p.WeightDType.Size() * 8 }
func (m *Matmul) SourceFormat() string { return "float" }
func (m *Matmul) WeightShape() []int   { return []int{m.p.N, m.p.K} }
func (m *Matmul) DynamicRange() bool   { return len(m.p.OptM) != 1 }

func (m *Matmul) OutDType() tensor.DType { return m.p.OutDType }

// TransformWeight validates the dense (n, k) layout; cublas consumes the
// row-major buffer directly so no repacking happens.
func (m *Matmul) TransformWeight(w *tensor.Tensor) (*tensor.Tensor, error) {
	if w.R != m.p.N || w.C != m.p.K {
		return nil, fmt.Errorf("%w: weight (%d,%d), want (%d,%d)", ErrUnsupported, w.R, w.C, m.p.N, m.p.K)
	}
	if w.DType != m.p.WeightDType {
		return nil, fmt.Errorf("%w: weight dtype %s, want %s", ErrUnsupported, w.DType, m.p.WeightDType)
	}
	return w, nil
}

func (m *Matmul) TransformInput(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.C != m.p.K {
		return nil, fmt.Errorf("%w: activation width %d, want %d", ErrUnsupported, x.C, m.p.K)
	}
	if x.DType == m.p.ActDType {
		return x, nil
	}
	return x.Convert(m.p.ActDType)
}

// Finetune has a single candidate here: GemmEx with the default algorithm.
// It exists so the cache's tune-once bookkeeping holds across engines.
func (m *Matmul) Finetune(topK int) error {
	m.algo = native.BlasGemmDefault
	m.tuned = true
	return nil
}

func (m *Matmul) State() ([]byte, error) {
	return json.Marshal(matmulState{Algo: int(m.algo), Tuned: m.tuned})
}

// Close releases the cublas handle and every cached device weight.
func (m *Matmul) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for ptr, buf := range m.weights {
		if err := buf.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.weights, ptr)
	}
	if err := m.handle.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	m.handle = native.BlasHandle{}
	return firstErr
}

// Call runs one dispatch. The argument order matches the engine contract:
// activation, weight, optional bias, output, the row count when the
// signature has a dynamic range, then the stream token.
func (m *Matmul) Call(args ...any) error {
	want := 4
	if m.p.WithBias {
		want++
	}
	if m.DynamicRange() {
		want++
	}
	if len(args) != want {
		return fmt.Errorf("%w: got %d arguments, want %d", ErrBadCall, len(args), want)
	}

	i := 0
	nextPtr := func(name string) (unsafe.Pointer, error) {
		p, ok := args[i].(unsafe.Pointer)
		if !ok {
			return nil, fmt.Errorf("%w: argument %d (%s) is %T, want unsafe.Pointer", ErrBadCall, i, name, args[i])
		}
		i++
		return p, nil
	}

	aPtr, err := nextPtr("activation")
	if err != nil {
		return err
	}
	wPtr, err := nextPtr("weight")
	if err != nil {
		return err
	}
	var biasPtr unsafe.Pointer
	if m.p.WithBias {
		if biasPtr, err = nextPtr("bias"); err != nil {
			return err
		}
	}
	outPtr, err := nextPtr("output")
	if err != nil {
		return err
	}
	rows := m.p.OptM[0]
	if m.DynamicRange() {
		r, ok := args[i].(int)
		if !ok {
			return fmt.Errorf("%w: argument %d (rows) is %T, want int", ErrBadCall, i, args[i])
		}
		i++
		rows = r
	}
	token, ok := args[i].(tensor.Stream)
	if !ok {
		return fmt.Errorf("%w: argument %d (stream) is %T, want tensor.Stream", ErrBadCall, i, args[i])
	}
	if rows <= 0 {
		return fmt.Errorf("%w: %d rows", ErrBadCall, rows)
	}

	return m.execute(aPtr, wPtr, biasPtr, outPtr, rows, native.WrapStream(uintptr(token)))
}

func (m *Matmul) execute(aPtr, wPtr, biasPtr, outPtr unsafe.Pointer, rows int, stream native.Stream) error {
	size := int64(m.p.ActDType.Size())
	aBytes := int64(rows*m.p.K) * size
	outBytes := int64(rows*m.p.N) * size

	devW, err := m.deviceWeight(wPtr, stream)
	if err != nil {
		return err
	}
	devA, err := native.AllocDevice(aBytes)
	if err != nil {
		return err
	}
	defer devA.Free()
	devOut, err := native.AllocDevice(outBytes)
	if err != nil {
		return err
	}
	defer devOut.Free()

	if err := native.MemcpyH2DAsync(devA, aPtr, aBytes, stream); err != nil {
		return err
	}
	if err := m.handle.SetStream(stream); err != nil {
		return err
	}

	// Row-major out (rows, n) = x (rows, k) x w^T. In cublas column-major
	// terms that is C (n, rows) = A^T (n, k) x B (k, rows) with both host
	// buffers passed as-is.
	if err := native.GemmEx(
		m.handle,
		native.BlasOpT, native.BlasOpN,
		m.p.N, rows, m.p.K,
		1,
		devW, m.dtype, m.p.K,
		devA, m.dtype, m.p.K,
		0,
		devOut, m.dtype, m.p.N,
		native.BlasComputeF32,
		m.algo,
	); err != nil {
		return err
	}

	if err := native.MemcpyD2HAsync(outPtr, devOut, outBytes, stream); err != nil {
		return err
	}
	if err := stream.Synchronize(); err != nil {
		return err
	}
	if biasPtr != nil {
		return m.addBias(outPtr, biasPtr, rows)
	}
	return nil
}

// deviceWeight uploads a weight buffer on first use and reuses the device
// copy on later calls with the same host pointer.
func (m *Matmul) deviceWeight(wPtr unsafe.Pointer, stream native.Stream) (native.DeviceBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buf, ok := m.weights[wPtr]; ok {
		return buf, nil
	}
	bytes := int64(m.p.N*m.p.K) * int64(m.p.WeightDType.Size())
	buf, err := native.AllocDevice(bytes)
	if err != nil {
		return native.DeviceBuffer{}, err
	}
	if err := native.MemcpyH2DAsync(buf, wPtr, bytes, stream); err != nil {
		_ = buf.Free()
		return native.DeviceBuffer{}, err
	}
	if err := stream.Synchronize(); err != nil {
		_ = buf.Free()
		return native.DeviceBuffer{}, err
	}
	m.weights[wPtr] = buf
	return buf, nil
}

// addBias folds the (1, n) bias into the downloaded output on the host; the
// tensor views handle the half-precision encodings.
func (m *Matmul) addBias(outPtr, biasPtr unsafe.Pointer, rows int) error {
	size := m.p.OutDType.Size()
	out, err := tensor.FromRaw(rows, m.p.N, m.p.OutDType,
		unsafe.Slice((*byte)(outPtr), rows*m.p.N*size))
	if err != nil {
		return err
	}
	bias, err := tensor.FromRaw(1, m.p.N, m.p.OutDType,
		unsafe.Slice((*byte)(biasPtr), m.p.N*size))
	if err != nil {
		return err
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < m.p.N; c++ {
			out.Set(r, c, out.At(r, c)+bias.At(0, c))
		}
	}
	return nil
}
