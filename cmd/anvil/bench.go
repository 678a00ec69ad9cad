package main

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/anvil/pkg/gptq"
	"github.com/samcharles93/anvil/pkg/kernel"
	"github.com/samcharles93/anvil/pkg/linear"
	"github.com/samcharles93/anvil/pkg/quant"
	"github.com/samcharles93/anvil/pkg/tensor"
)

func benchCmd() *cli.Command {
	var (
		n, k, group int64
		batch       int64
		wDType      string
		zerosMode   string
		withBias    bool
		warmupRuns  int64
		benchRuns   int64
		noTune      bool
	)

	flags := append(commonCacheFlags(), loggingFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "n",
			Usage:       "output features",
			Value:       4096,
			Destination: &n,
		},
		&cli.Int64Flag{
			Name:        "k",
			Usage:       "input features",
			Value:       4096,
			Destination: &k,
		},
		&cli.Int64Flag{
			Name:        "group",
			Aliases:     []string{"g"},
			Usage:       "quantization group size (0 = one group per row)",
			Value:       128,
			Destination: &group,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"m"},
			Usage:       "activation rows per forward pass",
			Value:       16,
			Destination: &batch,
		},
		&cli.StringFlag{
			Name:        "w-dtype",
			Usage:       "weight dtype (uint4, int4, uint2, int8, nf4, float32, ...)",
			Value:       "uint4",
			Destination: &wDType,
		},
		&cli.StringFlag{
			Name:        "zeros-mode",
			Usage:       "zero-point mode (original, rescale, quantized)",
			Value:       "original",
			Destination: &zerosMode,
		},
		&cli.BoolFlag{
			Name:        "bias",
			Usage:       "include a bias term",
			Destination: &withBias,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       2,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       10,
			Destination: &benchRuns,
		},
		&cli.BoolFlag{
			Name:        "no-tune",
			Usage:       "skip the hardware-aware tuning pass",
			Destination: &noTune,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Benchmark one operator signature end to end",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := newLogger()
			resolved := resolveTarget()
			wd := kernel.DType(wDType)
			if !wd.Valid() {
				return cli.Exit(fmt.Sprintf("error: unknown weight dtype %q", wDType), 1)
			}
			quantized := wd.IsQuant()

			cfg := linear.Config{
				InFeatures:    int(k),
				OutFeatures:   int(n),
				Bias:          withBias,
				ADType:        kernel.Float32,
				WDType:        wd,
				DisableTuning: noTune,
				Target:        resolved,
				Cache:         newCache(log),
				Logger:        log,
			}
			if quantized {
				cfg.GroupSize = int(group)
				cfg.WithScaling = true
				cfg.WithZeros = wd.SourceFormat() == kernel.FormatUInt
				cfg.ZerosMode = kernel.ZerosMode(zerosMode)
			}

			log.Info("resolving operator", "target", resolved, "n", n, "k", k, "w_dtype", wd)
			buildStart := time.Now()
			l, err := linear.New(cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build layer: %v", err), 1)
			}
			buildDuration := time.Since(buildStart)

			if err := loadBenchWeights(l, cfg); err != nil {
				return cli.Exit(fmt.Sprintf("error: load weights: %v", err), 1)
			}

			x := tensor.New(int(batch), int(k), tensor.DTypeF32)
			tensor.FillRand(x, 1)
			out, err := l.Forward(x, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: first forward: %v", err), 1)
			}

			fmt.Println("=== Anvil Bench ===")
			fmt.Printf("Target:   %s\n", resolved)
			fmt.Printf("Engine:   %s\n", l.Operator().Name())
			fmt.Printf("Shape:    %dx%dx%d (m n k)\n", batch, n, k)
			fmt.Printf("Weights:  %s (%d-bit %s)\n", wd, l.Bits(), l.SourceFormat())
			fmt.Printf("CPUs:     %d (GOMAXPROCS %d)\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))
			fmt.Printf("Build:    %s\n", buildDuration.Round(time.Millisecond))
			fmt.Printf("Warmup:   %d runs\n", warmupRuns)
			fmt.Printf("Runs:     %d\n", benchRuns)
			fmt.Println()

			for i := 0; i < int(warmupRuns); i++ {
				if _, err := l.Forward(x, out); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			secs := make([]float64, 0, benchRuns)
			for i := 0; i < int(benchRuns); i++ {
				start := time.Now()
				if _, err := l.Forward(x, out); err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				secs = append(secs, time.Since(start).Seconds())
			}

			sort.Float64s(secs)
			mean := stat.Mean(secs, nil)
			median := stat.Quantile(0.5, stat.Empirical, secs, nil)
			sigma := stat.StdDev(secs, nil)
			flops := 2 * float64(batch) * float64(n) * float64(k)

			fmt.Println("=== Results ===")
			fmt.Printf("%-8s %12s %12s\n", "", "latency", "gflop/s")
			fmt.Printf("%-8s %12s %12.2f\n", "mean", durationString(mean), flops/mean/1e9)
			fmt.Printf("%-8s %12s %12.2f\n", "median", durationString(median), flops/median/1e9)
			fmt.Printf("%-8s %12s %12.2f\n", "best", durationString(secs[0]), flops/secs[0]/1e9)
			fmt.Printf("%-8s %12s\n", "stddev", durationString(sigma))
			return nil
		},
	}
}

// loadBenchWeights fills the layer with a synthetic checkpoint: quantized
// layers go through the GPTQ repack path, consistent layers load dense.
func loadBenchWeights(l *linear.Linear, cfg linear.Config) error {
	w := tensor.New(l.OutFeatures(), l.InFeatures(), tensor.DTypeF32)
	tensor.FillRand(w, 7)

	var bias *tensor.Tensor
	if cfg.Bias {
		bias = tensor.New(1, l.OutFeatures(), tensor.DTypeF32)
		tensor.FillRand(bias, 11)
	}

	if !cfg.WDType.IsQuant() {
		return l.LoadWeights(w, nil, nil, bias)
	}
	if cfg.WithZeros {
		q, err := quant.Quantize(w, quant.Params{Bits: cfg.WDType.Bits(), GroupSize: cfg.GroupSize})
		if err != nil {
			return err
		}
		m, err := gptq.Synthesize(q, bias, false)
		if err != nil {
			return err
		}
		return l.Repack(m)
	}

	// Zero-point-free formats get synthetic in-range fields; the timing does
	// not depend on the values.
	bits := cfg.WDType.Bits()
	group := cfg.GroupSize
	if group <= 0 {
		group = l.InFeatures()
	}
	groups := l.InFeatures() / group
	scales := tensor.New(l.OutFeatures(), groups, tensor.DTypeF32)
	for i := range scales.F32s() {
		scales.F32s()[i] = 1 / float32(int(1)<<bits)
	}
	var fields *tensor.Tensor
	if cfg.WDType.SourceFormat() == kernel.FormatInt {
		fields = tensor.New(l.OutFeatures(), l.InFeatures(), tensor.DTypeI8)
		span := int(1) << bits
		for i := range fields.I8s() {
			fields.I8s()[i] = int8(i%span - span/2)
		}
	} else {
		fields = tensor.New(l.OutFeatures(), l.InFeatures(), tensor.DTypeU8)
		for i := range fields.U8s() {
			fields.U8s()[i] = uint8(i % (int(1) << bits))
		}
	}
	return l.LoadWeights(fields, scales, nil, bias)
}

func durationString(secs float64) string {
	return time.Duration(secs * float64(time.Second)).Round(time.Microsecond).String()
}
