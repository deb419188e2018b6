package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/woq/internal/logger"
	"github.com/samcharles93/woq/internal/quant"
	"github.com/samcharles93/woq/internal/tensor"
	"github.com/samcharles93/woq/internal/woq"
)

// maxCheckedMACs bounds the size of runs checked against the reference.
const maxCheckedMACs = 1 << 28

type benchCase struct {
	M, N, K  int
	QType    quant.QType
	Group    int
	Lowp     woq.LowpMode
	QuantA   woq.QuantAMode
	BlockN   int
	BlockK   int
	DType    tensor.DType
	Fusion   woq.Fusion
	KSplits  int
	Warmup   int
	Runs     int
	Seed     int64
	Sym      bool
}

type benchResult struct {
	RunID     string        `json:"run_id"`
	M         int           `json:"m"`
	N         int           `json:"n"`
	K         int           `json:"k"`
	QType     string        `json:"qtype"`
	Lowp      string        `json:"lowp"`
	QuantA    string        `json:"quant_a"`
	DType     string        `json:"dtype"`
	Strategy  string        `json:"strategy"`
	KSplits   int           `json:"k_splits"`
	Workers   int           `json:"workers"`
	CPU       string        `json:"cpu"`
	IntDot    bool          `json:"int_dot"`
	Runs      int           `json:"runs"`
	Min       time.Duration `json:"min_ns"`
	Median    time.Duration `json:"median_ns"`
	Mean      time.Duration `json:"mean_ns"`
	GFLOPS    float64       `json:"gflops"`
	MaxAbsErr float64       `json:"max_abs_err"`
}

func benchCmd() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Benchmark QLinear on a synthetic layer",
		Flags: append(engineFlags(),
			&cli.IntFlag{Name: "m", Usage: "activation rows", Value: 1},
			&cli.IntFlag{Name: "n", Usage: "output features", Value: 4096},
			&cli.IntFlag{Name: "k", Usage: "input features", Value: 4096},
			&cli.StringFlag{Name: "qtype", Usage: "int8|int4|nf4", Value: "int4"},
			&cli.IntFlag{Name: "group-size", Usage: "K group size (0 = per channel)", Value: 128},
			&cli.BoolFlag{Name: "sym", Usage: "symmetric weights"},
			&cli.IntFlag{Name: "block-n", Usage: "N block size (0 = auto)"},
			&cli.IntFlag{Name: "block-k", Usage: "K block size (0 = auto)"},
			&cli.StringFlag{Name: "lowp", Usage: "none|fp16|bf16|int8", Value: "none"},
			&cli.StringFlag{Name: "quant-a", Usage: "activation quantization for int8 compute", Value: "unquantized"},
			&cli.StringFlag{Name: "dtype", Usage: "activation storage: f32|f16|bf16", Value: "f32"},
			&cli.StringFlag{Name: "fusion", Usage: "post-op", Value: "none"},
			&cli.IntFlag{Name: "k-splits", Usage: "K splits (0 = auto)"},
			&cli.IntFlag{Name: "warmup", Usage: "warmup runs", Value: 2},
			&cli.IntFlag{Name: "runs", Usage: "timed runs", Value: 10},
			&cli.Int64Flag{Name: "seed", Usage: "RNG seed", Value: 42},
			&cli.BoolFlag{Name: "json", Usage: "print a JSON result"},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			bc, err := benchCaseFromFlags(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			engineCfg, err := engineConfig(cmd, configFromContext(ctx).Engine)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: engine config: %v", err), 1)
			}
			engine, err := woq.NewEngine(engineCfg, woq.WithLogger(log.WithGroup("woq")))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: engine: %v", err), 1)
			}
			defer engine.Close()

			res, err := runBench(ctx, engine, bc, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if cmd.Bool("json") {
				out, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(os.Stdout, string(out))
				return err
			}
			printBench(res)
			return nil
		},
	}
}

func benchCaseFromFlags(cmd *cli.Command) (benchCase, error) {
	bc := benchCase{
		M:        cmd.Int("m"),
		N:        cmd.Int("n"),
		K:        cmd.Int("k"),
		Group:    cmd.Int("group-size"),
		KSplits:  cmd.Int("k-splits"),
		Warmup:   cmd.Int("warmup"),
		Runs:     max(cmd.Int("runs"), 1),
		Seed:     cmd.Int64("seed"),
		Sym:      cmd.Bool("sym"),
	}
	if bc.M <= 0 || bc.N <= 0 || bc.K <= 0 {
		return bc, fmt.Errorf("m, n and k must be positive")
	}
	if bc.Group == 0 {
		bc.Group = bc.K
	}
	var err error
	if bc.QType, err = quant.ParseQType(cmd.String("qtype")); err != nil {
		return bc, err
	}
	if bc.Lowp, err = woq.ParseLowpMode(cmd.String("lowp")); err != nil {
		return bc, err
	}
	if bc.QuantA, err = woq.ParseQuantAMode(cmd.String("quant-a")); err != nil {
		return bc, err
	}
	if bc.DType, err = tensor.ParseDType(cmd.String("dtype")); err != nil {
		return bc, err
	}
	if bc.Fusion, err = woq.ParseFusion(cmd.String("fusion")); err != nil {
		return bc, err
	}
	if bc.BlockN, err = pickBlock(cmd.Int("block-n"), bc.N); err != nil {
		return bc, err
	}
	if bc.BlockK, err = pickBlock(cmd.Int("block-k"), bc.K); err != nil {
		return bc, err
	}
	return bc, nil
}

// runBench builds a random layer for bc, times QLinear and checks the last
// output against a dense float64 reference.
func runBench(ctx context.Context, engine *woq.Engine, bc benchCase, log logger.Logger) (benchResult, error) {
	runID := uuid.NewString()
	log = log.With("run_id", runID)

	raw := tensor.NewMat(bc.N, bc.K)
	tensor.FillRandRange(&raw, bc.Seed, 1)
	q, err := quant.QuantizeWeight(raw.Data, bc.N, bc.K, bc.QType, bc.Group, bc.Sym)
	if err != nil {
		return benchResult{}, fmt.Errorf("quantize: %w", err)
	}
	w, err := woq.Pack(engine.Pool(), q.Codes, bc.QType, bc.N, bc.K,
		woq.PackOptions{BlockN: bc.BlockN, BlockK: bc.BlockK, Lowp: bc.Lowp})
	if err != nil {
		return benchResult{}, fmt.Errorf("pack: %w", err)
	}
	params := woq.ParamsFromWeight(q)

	xf := tensor.NewMat(bc.M, bc.K)
	tensor.FillRandRange(&xf, bc.Seed+1, 1)
	x := xf.Encode(bc.DType)

	req := woq.Request{
		X:       &x,
		Weight:  w,
		Params:  &params,
		Fusion:  bc.Fusion,
		Lowp:    bc.Lowp,
		QuantA:  bc.QuantA,
		KSplits: bc.KSplits,
	}
	for range bc.Fusion.Operands() {
		o := tensor.NewMat(bc.M, bc.N)
		tensor.FillRandRange(&o, bc.Seed+2, 1)
		req.Others = append(req.Others, &o)
	}

	for i := range bc.Warmup {
		log.Debug("warmup run", "run", i+1)
		if _, err := engine.QLinear(ctx, req); err != nil {
			return benchResult{}, fmt.Errorf("warmup run %d: %w", i+1, err)
		}
	}

	times := make([]time.Duration, 0, bc.Runs)
	var last woq.Result
	for i := range bc.Runs {
		start := time.Now()
		last, err = engine.QLinear(ctx, req)
		if err != nil {
			return benchResult{}, fmt.Errorf("run %d: %w", i+1, err)
		}
		times = append(times, time.Since(start))
		log.Debug("benchmark run", "run", i+1, "elapsed", times[i])
	}

	var sum time.Duration
	for _, d := range times {
		sum += d
	}
	sorted := slices.Clone(times)
	slices.Sort(sorted)
	res := benchResult{
		RunID:    runID,
		M:        bc.M,
		N:        bc.N,
		K:        bc.K,
		QType:    bc.QType.String(),
		Lowp:     bc.Lowp.String(),
		QuantA:   bc.QuantA.String(),
		DType:    bc.DType.String(),
		Strategy: last.Strategy.String(),
		KSplits:  last.KSplits,
		Workers:  engine.Pool().Size(),
		CPU:      tensor.CPU.String(),
		IntDot:   tensor.CPU.HasIntDot(),
		Runs:     bc.Runs,
		Min:      sorted[0],
		Median:   sorted[len(sorted)/2],
		Mean:     sum / time.Duration(len(times)),
	}
	if s := res.Median.Seconds(); s > 0 {
		res.GFLOPS = 2 * float64(bc.M) * float64(bc.N) * float64(bc.K) / s / 1e9
	}
	if bc.Fusion == woq.FusionNone && bc.M*bc.N*bc.K <= maxCheckedMACs {
		res.MaxAbsErr = maxAbsErr(&last.Y, &x, &q)
	}
	return res, nil
}

// maxAbsErr compares y with x·dequant(q)ᵀ computed in float64.
func maxAbsErr(y, x *tensor.Mat, q *quant.Weight) float64 {
	yf := y.Float32()
	xf := x.Float32()
	var worst float64
	for i := range xf.R {
		for j := range q.N {
			var s float64
			for kk := range q.K {
				s += float64(xf.Data[i*xf.C+kk]) * float64(q.Value(j, kk))
			}
			d := s - float64(yf.Data[i*yf.C+j])
			if d < 0 {
				d = -d
			}
			worst = max(worst, d)
		}
	}
	return worst
}

func printBench(r benchResult) {
	fmt.Println("=== WOQ Benchmark ===")
	fmt.Printf("Run:        %s\n", r.RunID)
	fmt.Printf("Shape:      M=%d N=%d K=%d\n", r.M, r.N, r.K)
	fmt.Printf("Weight:     %s\n", r.QType)
	fmt.Printf("Compute:    lowp=%s quant_a=%s dtype=%s\n", r.Lowp, r.QuantA, r.DType)
	fmt.Printf("Strategy:   %s (k_splits=%d)\n", r.Strategy, r.KSplits)
	fmt.Printf("CPUs:       %d (%s, int dot=%t)\n", runtime.NumCPU(), r.CPU, r.IntDot)
	fmt.Printf("Workers:    %d\n", r.Workers)
	fmt.Println()
	fmt.Printf("%-8s %12s %12s %12s %10s\n", "Runs", "Min", "Median", "Mean", "GFLOP/s")
	fmt.Printf("%-8d %12s %12s %12s %10.2f\n", r.Runs,
		r.Min.Round(time.Microsecond), r.Median.Round(time.Microsecond), r.Mean.Round(time.Microsecond), r.GFLOPS)
	if r.MaxAbsErr > 0 {
		fmt.Printf("\nMax |err| vs dequantized reference: %.3g\n", r.MaxAbsErr)
	}
}
