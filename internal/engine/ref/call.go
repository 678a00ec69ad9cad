package ref

import (
	"fmt"
	"unsafe"

	"github.com/samcharles93/anvil/pkg/tensor"
)

// Call invokes the kernel with the raw positional argument sequence:
// activation, weight, then scales/zeros/bias for each enabled flag, the
// output pointer, the dynamic leading dimension when the signature has one,
// and the stream token last. All pointer reconstruction is confined here; the
// compute path only ever sees typed slices. The host kernel runs
// synchronously, so the stream token is validated and ignored.
func (m *Matmul) Call(args ...any) error {
	p := &m.p
	want := 4
	if p.WithScaling {
		want++
	}
	if p.WithZeros {
		want++
	}
	if p.WithBias {
		want++
	}
	if m.DynamicRange() {
		want++
	}
	if len(args) != want {
		return fmt.Errorf("%w: %d arguments, want %d", ErrBadCall, len(args), want)
	}

	idx := 0
	ptrArg := func(name string) (unsafe.Pointer, error) {
		v, ok := args[idx].(unsafe.Pointer)
		if !ok {
			return nil, fmt.Errorf("%w: argument %d (%s) is %T, want unsafe.Pointer",
				ErrBadCall, idx, name, args[idx])
		}
		if v == nil {
			return nil, fmt.Errorf("%w: %s pointer is nil", ErrBadCall, name)
		}
		idx++
		return v, nil
	}

	aPtr, err := ptrArg("activation")
	if err != nil {
		return err
	}
	wPtr, err := ptrArg("weight")
	if err != nil {
		return err
	}
	var scalesPtr, zerosPtr, biasPtr unsafe.Pointer
	if p.WithScaling {
		if scalesPtr, err = ptrArg("scales"); err != nil {
			return err
		}
	}
	if p.WithZeros {
		if zerosPtr, err = ptrArg("zeros"); err != nil {
			return err
		}
	}
	if p.WithBias {
		if biasPtr, err = ptrArg("bias"); err != nil {
			return err
		}
	}
	outPtr, err := ptrArg("output")
	if err != nil {
		return err
	}
	rows := p.OptM[0]
	if m.DynamicRange() {
		rv, ok := args[idx].(int)
		if !ok {
			return fmt.Errorf("%w: argument %d (dynamic leading dimension) is %T, want int",
				ErrBadCall, idx, args[idx])
		}
		idx++
		rows = rv
	}
	if _, ok := args[idx].(tensor.Stream); !ok {
		return fmt.Errorf("%w: argument %d (stream) is %T, want tensor.Stream",
			ErrBadCall, idx, args[idx])
	}
	if rows <= 0 {
		return fmt.Errorf("%w: leading dimension %d", ErrBadCall, rows)
	}

	b := &buffers{rows: rows}
	actSize := p.ActDType.Size()
	groups := p.groups()

	av, err := tensor.FromRaw(rows, p.K, p.ActDType, unsafe.Slice((*byte)(aPtr), rows*p.K*actSize))
	if err != nil {
		return err
	}
	b.a = av.Floats()
	b.w = unsafe.Slice((*byte)(wPtr), p.N*p.weightRowBytes())
	if p.WithScaling {
		sv, err := tensor.FromRaw(p.N, groups, p.ActDType, unsafe.Slice((*byte)(scalesPtr), p.N*groups*actSize))
		if err != nil {
			return err
		}
		b.scales = sv.Floats()
	}
	if p.WithZeros {
		if p.ZerosMode == zerosQuantized {
			b.packedZeros = unsafe.Slice((*byte)(zerosPtr), groups*(p.N*p.Bits/8))
		} else {
			zv, err := tensor.FromRaw(p.N, groups, p.ActDType, unsafe.Slice((*byte)(zerosPtr), p.N*groups*actSize))
			if err != nil {
				return err
			}
			b.zeros = zv.Floats()
		}
	}
	if p.WithBias {
		bv, err := tensor.FromRaw(1, p.N, p.ActDType, unsafe.Slice((*byte)(biasPtr), p.N*actSize))
		if err != nil {
			return err
		}
		b.bias = bv.Floats()
	}
	out, err := tensor.FromRaw(rows, p.N, p.OutDType, unsafe.Slice((*byte)(outPtr), rows*p.N*p.OutDType.Size()))
	if err != nil {
		return err
	}
	b.out = out

	m.execute(b)
	return nil
}
