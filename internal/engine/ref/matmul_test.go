package ref

import (
	"math"
	"testing"

	"github.com/samcharles93/anvil/pkg/bitpack"
	"github.com/samcharles93/anvil/pkg/tensor"
)

func baseParams(n, k, group int) Params {
	return Params{
		OptM:         []int{4},
		N:            n,
		K:            k,
		Bits:         4,
		SourceFormat: formatUInt,
		GroupSize:    group,
		ActDType:     tensor.DTypeF32,
		WeightDType:  tensor.DTypeI8,
		OutDType:     tensor.DTypeF32,
	}
}

// dispatch packs the dense field tensor through the operator's weight
// transform and runs one call with the given parameter buffers.
func dispatch(t *testing.T, m *Matmul, x, fields, scales, zeros, bias *tensor.Tensor) *tensor.Tensor {
	t.Helper()
	w, err := m.TransformWeight(fields)
	if err != nil {
		t.Fatalf("TransformWeight: %v", err)
	}
	out := tensor.New(x.R, m.p.N, m.p.OutDType)
	args := []any{x.Ptr(), w.Ptr()}
	if m.p.WithScaling {
		args = append(args, scales.Ptr())
	}
	if m.p.WithZeros {
		args = append(args, zeros.Ptr())
	}
	if m.p.WithBias {
		args = append(args, bias.Ptr())
	}
	args = append(args, out.Ptr())
	if m.DynamicRange() {
		args = append(args, x.R)
	}
	args = append(args, tensor.Stream(0))
	if err := m.Call(args...); err != nil {
		t.Fatalf("Call: %v", err)
	}
	return out
}

func checkClose(t *testing.T, got *tensor.Tensor, want [][]float64, tol float64) {
	t.Helper()
	for r := 0; r < got.R; r++ {
		for c := 0; c < got.C; c++ {
			if math.Abs(float64(got.At(r, c))-want[r][c]) > tol {
				t.Fatalf("out(%d,%d): got %g, want %g", r, c, got.At(r, c), want[r][c])
			}
		}
	}
}

// TestUIntKernelAllZeroModes checks the packed uint path against a scalar
// reference for every zeros mode and both decode paths.
func TestUIntKernelAllZeroModes(t *testing.T) {
	t.Parallel()

	const n, k, group = 16, 32, 16
	groups := k / group
	fields := tensor.New(n, k, tensor.DTypeU8)
	for i := range fields.U8s() {
		fields.U8s()[i] = uint8((i*7 + 3) % 16)
	}
	scales := tensor.New(n, groups, tensor.DTypeF32)
	intZeros := tensor.New(n, groups, tensor.DTypeU8)
	for i := range scales.F32s() {
		scales.F32s()[i] = 0.5 + float32(i%3)*0.25
		intZeros.U8s()[i] = uint8(i % 16)
	}
	x := tensor.New(4, k, tensor.DTypeF32)
	tensor.FillRand(x, 3)

	reference := func(zeroAt func(ni, gi int) float64) [][]float64 {
		out := make([][]float64, x.R)
		for r := range out {
			out[r] = make([]float64, n)
			for ni := 0; ni < n; ni++ {
				var sum float64
				for ki := 0; ki < k; ki++ {
					gi := ki / group
					q := float64(fields.U8s()[ni*k+ki])
					s := float64(scales.F32s()[ni*groups+gi])
					sum += float64(x.At(r, ki)) * ((q - zeroAt(ni, gi)) * s)
				}
				out[r][ni] = sum
			}
		}
		return out
	}
	wantZeros := reference(func(ni, gi int) float64 {
		return float64(intZeros.U8s()[ni*groups+gi])
	})

	for _, fast := range []bool{false, true} {
		for _, mode := range []string{zerosOriginal, zerosRescale, zerosQuantized} {
			p := baseParams(n, k, group)
			p.WithScaling = true
			p.WithZeros = true
			p.ZerosMode = mode
			p.FastDecoding = fast

			var zeros *tensor.Tensor
			switch mode {
			case zerosOriginal:
				z, err := intZeros.Convert(tensor.DTypeF32)
				if err != nil {
					t.Fatal(err)
				}
				zeros = z
			case zerosRescale:
				z, err := intZeros.Convert(tensor.DTypeF32)
				if err != nil {
					t.Fatal(err)
				}
				if zeros, err = z.Mul(scales); err != nil {
					t.Fatal(err)
				}
			case zerosQuantized:
				z, err := bitpack.Pack(intZeros.Transpose(), p.Bits)
				if err != nil {
					t.Fatal(err)
				}
				zeros = z
			}

			m, err := NewMatmul(p, nil)
			if err != nil {
				t.Fatalf("%s fast=%v: NewMatmul: %v", mode, fast, err)
			}
			out := dispatch(t, m, x, fields, scales, zeros, nil)
			checkClose(t, out, wantZeros, 1e-4)
		}
	}
}

// TestIntKernelSignExtension checks the signed decode path across widths.
func TestIntKernelSignExtension(t *testing.T) {
	t.Parallel()

	const n, k = 16, 16
	for _, bits := range []int{2, 4, 8} {
		p := baseParams(n, k, k)
		p.OptM = []int{2}
		p.Bits = bits
		p.SourceFormat = formatInt
		p.WithScaling = true

		lo := -(1 << (bits - 1))
		hi := 1<<(bits-1) - 1
		fields := tensor.New(n, k, tensor.DTypeI8)
		for i := range fields.I8s() {
			fields.I8s()[i] = int8(lo + (i % (hi - lo + 1)))
		}
		scales := tensor.New(n, 1, tensor.DTypeF32)
		for i := range scales.F32s() {
			scales.F32s()[i] = 0.125
		}
		x := tensor.New(2, k, tensor.DTypeF32)
		tensor.FillRand(x, 8)

		want := make([][]float64, 2)
		for r := range want {
			want[r] = make([]float64, n)
			for ni := 0; ni < n; ni++ {
				var sum float64
				for ki := 0; ki < k; ki++ {
					sum += float64(x.At(r, ki)) * float64(fields.I8s()[ni*k+ki]) * 0.125
				}
				want[r][ni] = sum
			}
		}

		m, err := NewMatmul(p, nil)
		if err != nil {
			t.Fatalf("bits=%d: NewMatmul: %v", bits, err)
		}
		out := dispatch(t, m, x, fields, scales, nil, nil)
		checkClose(t, out, want, 1e-4)
	}
}

// TestNFKernelLookup checks the nf4 table path.
func TestNFKernelLookup(t *testing.T) {
	t.Parallel()

	const n, k = 16, 16
	p := baseParams(n, k, k)
	p.OptM = []int{1}
	p.SourceFormat = formatNF
	p.WithScaling = true

	fields := tensor.New(n, k, tensor.DTypeU8)
	for i := range fields.U8s() {
		fields.U8s()[i] = uint8(i % 16)
	}
	scales := tensor.New(n, 1, tensor.DTypeF32)
	for i := range scales.F32s() {
		scales.F32s()[i] = 2
	}
	x := tensor.New(1, k, tensor.DTypeF32)
	tensor.FillRand(x, 2)

	want := make([][]float64, 1)
	want[0] = make([]float64, n)
	for ni := 0; ni < n; ni++ {
		var sum float64
		for ki := 0; ki < k; ki++ {
			sum += float64(x.At(0, ki)) * float64(nf4Table[fields.U8s()[ni*k+ki]]) * 2
		}
		want[0][ni] = sum
	}

	m, err := NewMatmul(p, nil)
	if err != nil {
		t.Fatalf("NewMatmul: %v", err)
	}
	out := dispatch(t, m, x, fields, scales, nil, nil)
	checkClose(t, out, want, 1e-4)
}

// TestConsistentKernelWithBias checks the dense float path.
func TestConsistentKernelWithBias(t *testing.T) {
	t.Parallel()

	const n, k = 16, 32
	p := baseParams(n, k, k)
	p.OptM = []int{3}
	p.Bits = 0
	p.SourceFormat = formatFloat
	p.WeightDType = tensor.DTypeF32
	p.WithBias = true

	w := tensor.New(n, k, tensor.DTypeF32)
	bias := tensor.New(1, n, tensor.DTypeF32)
	x := tensor.New(3, k, tensor.DTypeF32)
	tensor.FillRand(w, 4)
	tensor.FillRand(bias, 5)
	tensor.FillRand(x, 6)

	want := make([][]float64, 3)
	for r := range want {
		want[r] = make([]float64, n)
		for ni := 0; ni < n; ni++ {
			sum := float64(bias.At(0, ni))
			for ki := 0; ki < k; ki++ {
				sum += float64(x.At(r, ki)) * float64(w.At(ni, ki))
			}
			want[r][ni] = sum
		}
	}

	m, err := NewMatmul(p, nil)
	if err != nil {
		t.Fatalf("NewMatmul: %v", err)
	}
	out := dispatch(t, m, x, w, nil, nil, bias)
	checkClose(t, out, want, 1e-5)
}

// TestCallRejectsBadArguments covers the dispatch arity and type checks.
func TestCallRejectsBadArguments(t *testing.T) {
	t.Parallel()

	p := baseParams(16, 16, 16)
	m, err := NewMatmul(p, nil)
	if err != nil {
		t.Fatalf("NewMatmul: %v", err)
	}
	if err := m.Call(); err == nil {
		t.Fatal("empty argument list accepted")
	}
	x := tensor.New(4, 16, tensor.DTypeF32)
	out := tensor.New(4, 16, tensor.DTypeF32)
	if err := m.Call(x.Ptr(), 42, out.Ptr(), tensor.Stream(0)); err == nil {
		t.Fatal("non-pointer weight argument accepted")
	}
	w := tensor.New(16, 8, tensor.DTypeI8)
	if err := m.Call(x.Ptr(), w.Ptr(), out.Ptr(), 7); err == nil {
		t.Fatal("missing stream token accepted")
	}
}

// TestStateRoundTrip checks that a tuned schedule survives persistence.
func TestStateRoundTrip(t *testing.T) {
	p := baseParams(16, 32, 32)
	m, err := NewMatmul(p, nil)
	if err != nil {
		t.Fatalf("NewMatmul: %v", err)
	}
	if err := m.Finetune(3); err != nil {
		t.Fatalf("Finetune: %v", err)
	}
	state, err := m.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}

	restored, err := NewMatmul(p, state)
	if err != nil {
		t.Fatalf("NewMatmul(state): %v", err)
	}
	if restored.sched != m.sched {
		t.Fatalf("restored schedule %+v, want %+v", restored.sched, m.sched)
	}
	if !restored.tuned {
		t.Fatal("restored operator lost its tuned mark")
	}
}

// TestWeightShapeAndPassthrough checks layout queries and the pre-packed
// weight path.
func TestWeightShapeAndPassthrough(t *testing.T) {
	t.Parallel()

	p := baseParams(16, 32, 32)
	m, err := NewMatmul(p, nil)
	if err != nil {
		t.Fatalf("NewMatmul: %v", err)
	}
	shape := m.WeightShape()
	if shape[0] != 16 || shape[1] != 32*4/8 {
		t.Fatalf("weight shape %v, want [16 16]", shape)
	}

	packed := tensor.New(shape[0], shape[1], tensor.DTypeU8)
	for i := range packed.U8s() {
		packed.U8s()[i] = uint8(i)
	}
	got, err := m.TransformWeight(packed)
	if err != nil {
		t.Fatalf("TransformWeight(packed): %v", err)
	}
	if got.R != shape[0] || got.C != shape[1] {
		t.Fatalf("pass-through reshaped to (%d,%d)", got.R, got.C)
	}
	for i, b := range got.Bytes() {
		if b != packed.Bytes()[i] {
			t.Fatalf("pass-through altered byte %d", i)
		}
	}

	over := tensor.New(16, 32, tensor.DTypeU8)
	for i := range over.U8s() {
		over.U8s()[i] = 200 // outside the 4-bit range
	}
	if _, err := m.TransformWeight(over); err == nil {
		t.Fatal("out-of-range dense weight accepted")
	}
}
