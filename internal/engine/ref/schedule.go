package ref

import "runtime"

const (
	defaultTileK = 32
	maxTileK     = 512
	maxWorkers   = 64
)

// Schedule is the tunable execution configuration of the kernel: the k-block
// size of the inner product and the worker count the output features are
// split across.
type Schedule struct {
	TileK   int `json:"tile_k"`
	Workers int `json:"workers"`
}

func defaultSchedule(n, k int) Schedule {
	tk := defaultTileK
	if k >= 192 {
		tk = 64
	}
	return Schedule{TileK: tk, Workers: runtime.GOMAXPROCS(0)}
}

func (s Schedule) clamped() Schedule {
	s.TileK = clamp(s.TileK, 1, maxTileK)
	s.Workers = clamp(s.Workers, 1, maxWorkers)
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// candidateSchedules enumerates the schedule grid a tuning pass scores,
// widest parallelism first so early candidates are the likely winners.
func candidateSchedules(p *Params) []Schedule {
	procs := runtime.GOMAXPROCS(0)
	workerSet := dedupe([]int{procs, procs / 2, 4, 2, 1})
	tileSet := dedupe([]int{64, 32, 128, 16, 256})

	var out []Schedule
	for _, w := range workerSet {
		if w < 1 || w > maxWorkers {
			continue
		}
		for _, tk := range tileSet {
			if tk > p.K && tk != tileSet[0] {
				continue
			}
			out = append(out, Schedule{TileK: tk, Workers: w})
		}
	}
	return out
}

func dedupe(vals []int) []int {
	seen := make(map[int]bool, len(vals))
	var out []int
	for _, v := range vals {
		if v <= 0 || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
