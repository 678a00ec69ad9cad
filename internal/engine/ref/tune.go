package ref

import (
	"math/rand"
	"sort"
	"time"

	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/anvil/pkg/tensor"
)

const tuneSamples = 5

// Finetune times up to topK candidate schedules on synthetic buffers and
// keeps the one with the lowest median latency. It runs on the calling
// goroutine and is not cancellable; callers serialize it per signature.
func (m *Matmul) Finetune(topK int) error {
	if topK <= 0 {
		topK = 20
	}
	cands := candidateSchedules(&m.p)
	if len(cands) > topK {
		cands = cands[:topK]
	}
	b := m.scratch(m.p.OptM[0])

	limiter := rate.NewLimiter(rate.Every(500*time.Millisecond), 1)
	start := time.Now()
	best := Schedule{}
	bestMedian := -1.0
	samples := make([]float64, tuneSamples)
	for i, cand := range cands {
		m.sched = cand.clamped()
		m.execute(b) // warm up caches and the scheduler
		for s := range samples {
			t0 := time.Now()
			m.execute(b)
			samples[s] = time.Since(t0).Seconds()
		}
		sort.Float64s(samples)
		median := stat.Quantile(0.5, stat.Empirical, samples, nil)
		if limiter.Allow() {
			m.log.Debug("scored schedule candidate",
				"candidate", i+1, "total", len(cands),
				"tile_k", cand.TileK, "workers", cand.Workers,
				"median_us", median*1e6)
		}
		if bestMedian < 0 || median < bestMedian {
			bestMedian = median
			best = m.sched
		}
	}
	m.sched = best
	m.tuned = true
	m.log.Info("matmul schedule tuned",
		"n", m.p.N, "k", m.p.K,
		"tile_k", best.TileK, "workers", best.Workers,
		"median_us", bestMedian*1e6,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// scratch builds randomized dispatch buffers matching the signature, used
// only for schedule timing.
func (m *Matmul) scratch(rows int) *buffers {
	rng := rand.New(rand.NewSource(1))
	p := &m.p
	b := &buffers{
		rows: rows,
		a:    make([]float32, rows*p.K),
		w:    make([]byte, p.N*p.weightRowBytes()),
		out:  tensor.New(rows, p.N, p.OutDType),
	}
	for i := range b.a {
		b.a[i] = (rng.Float32() - 0.5) * 0.02
	}
	rng.Read(b.w)
	groups := p.groups()
	if p.WithScaling {
		b.scales = make([]float32, p.N*groups)
		for i := range b.scales {
			b.scales[i] = 0.01
		}
	}
	if p.WithZeros {
		if p.ZerosMode == zerosQuantized {
			b.packedZeros = make([]byte, groups*(p.N*p.Bits/8))
			rng.Read(b.packedZeros)
		} else {
			b.zeros = make([]float32, p.N*groups)
		}
	}
	if p.WithBias {
		b.bias = make([]float32, p.N)
	}
	return b
}
