package ref

import (
	"runtime"
	"sync"

	"github.com/samcharles93/anvil/pkg/tensor"
)

// buffers collects the decoded views one dispatch operates on. All float
// buffers are flattened row-major float32; w and packedZeros stay in their
// packed byte form and are decoded row-wise inside the workers.
type buffers struct {
	rows        int
	a           []float32
	w           []byte
	scales      []float32
	zeros       []float32
	packedZeros []byte
	bias        []float32
	out         *tensor.Tensor
}

// execute runs the kernel: out[r][n] = dot(a[r], dequant(w[n])) + bias[n],
// parallelized across contiguous ranges of output features. Accumulation is
// float32 regardless of the declared accumulator dtype.
func (m *Matmul) execute(b *buffers) {
	n := m.p.N
	k := m.p.K
	acc := make([]float32, b.rows*n)

	workers := m.sched.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > n {
		workers = n
	}
	tileK := m.sched.TileK

	work := func(ns, ne int) {
		dec := rowDecoder{p: &m.p}
		wrow := make([]float32, k)
		if !m.p.quantized() {
			wmat := &tensor.Tensor{R: n, C: k, DType: m.p.WeightDType, Raw: b.w}
			for ni := ns; ni < ne; ni++ {
				wmat.RowTo(wrow, ni)
				m.accumColumn(acc, b, wrow, ni, tileK)
			}
			return
		}
		for ni := ns; ni < ne; ni++ {
			dec.decodeRow(wrow, ni, b.w, b.scales, b.zeros, b.packedZeros)
			m.accumColumn(acc, b, wrow, ni, tileK)
		}
	}

	if workers <= 1 {
		work(0, n)
	} else {
		chunk := (n + workers - 1) / workers
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			ns := w * chunk
			ne := min(ns+chunk, n)
			if ns >= ne {
				break
			}
			wg.Add(1)
			go func(ns, ne int) {
				defer wg.Done()
				work(ns, ne)
			}(ns, ne)
		}
		wg.Wait()
	}

	if m.p.WithBias {
		for r := 0; r < b.rows; r++ {
			base := r * n
			for ni := 0; ni < n; ni++ {
				acc[base+ni] += b.bias[ni]
			}
		}
	}
	writeOut(b.out, acc)
}

// accumColumn fills output column ni for every activation row from the
// decoded weight row.
func (m *Matmul) accumColumn(acc []float32, b *buffers, wrow []float32, ni, tileK int) {
	k := m.p.K
	n := m.p.N
	for r := 0; r < b.rows; r++ {
		arow := b.a[r*k : (r+1)*k]
		acc[r*n+ni] = dotTiled(arow, wrow, tileK)
	}
}

// dotTiled computes the inner product in k-blocks with a 4-way unrolled
// inner loop.
func dotTiled(a, w []float32, tileK int) float32 {
	if tileK <= 0 {
		tileK = len(a)
	}
	var sum float32
	for k0 := 0; k0 < len(a); k0 += tileK {
		kMax := min(k0+tileK, len(a))
		j := k0
		for ; j+3 < kMax; j += 4 {
			sum += a[j]*w[j] + a[j+1]*w[j+1] + a[j+2]*w[j+2] + a[j+3]*w[j+3]
		}
		for ; j < kMax; j++ {
			sum += a[j] * w[j]
		}
	}
	return sum
}

// writeOut encodes the float32 accumulator into the output tensor's dtype.
func writeOut(out *tensor.Tensor, acc []float32) {
	switch out.DType {
	case tensor.DTypeF32:
		copy(out.F32s(), acc)
	default:
		for r := 0; r < out.R; r++ {
			base := r * out.C
			for c := 0; c < out.C; c++ {
				out.Set(r, c, acc[base+c])
			}
		}
	}
}
