package woq

import (
	"context"
	"fmt"

	"github.com/samcharles93/woq/internal/logger"
	"github.com/samcharles93/woq/internal/quant"
	"github.com/samcharles93/woq/internal/tensor"
)

// Engine executes quantized linear layers on a worker pool.
type Engine struct {
	cfg      Config
	pool     *tensor.Pool
	ownsPool bool
	log      logger.Logger
}

// NewEngine validates cfg and prepares an engine. Without WithPool the
// engine uses a pool of cfg.Workers goroutines, or the shared default pool.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, log: logger.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		if cfg.Workers > 0 {
			e.pool = tensor.NewPool(cfg.Workers)
			e.ownsPool = true
		} else {
			e.pool = tensor.DefaultPool()
		}
	}
	return e, nil
}

// Config returns the engine's heuristics.
func (e *Engine) Config() Config { return e.cfg }

// Pool returns the engine's worker pool.
func (e *Engine) Pool() *tensor.Pool { return e.pool }

// Close stops the pool the engine started for cfg.Workers. Pools passed
// with WithPool and the shared default pool are left running.
func (e *Engine) Close() {
	if e.ownsPool {
		e.pool.Close()
	}
}

// Request describes one Y = X·Wᵀ + bias product.
type Request struct {
	// X is the activation flattened to [M, K].
	X *tensor.Mat
	// Shape is the unflattened shape of X. Its last entry must equal K and
	// the product of the rest M. nil means [M, K].
	Shape  []int
	Weight *PackedWeight
	Params *WeightParams
	Bias   []float32
	Fusion Fusion
	Others []*tensor.Mat
	Lowp   LowpMode
	QuantA QuantAMode
	// QuantBlockK is the activation K block for the *_K_BLOCK modes. 0
	// quantizes each row (or the whole tensor) as one block.
	QuantBlockK int
	// KSplits partitions the K loop. 0 chooses automatically.
	KSplits int
}

// Result is the output of QLinear.
type Result struct {
	// Y has X's element type and shape [M, N].
	Y tensor.Mat
	// Shape is the request shape with the last dimension replaced by N.
	Shape    []int
	Strategy Strategy
	KSplits  int
}

// QLinear computes the quantized linear layer described by req.
func (e *Engine) QLinear(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if req.X == nil || req.Weight == nil || req.Params == nil {
		return Result{}, fmt.Errorf("%w: activation, weight and params are required", ErrMissingOperand)
	}
	w, p, x := req.Weight, req.Params, req.X
	if err := w.Validate(); err != nil {
		return Result{}, err
	}
	if err := p.Validate(w.QType, w.N, w.K); err != nil {
		return Result{}, err
	}
	if x.C != w.K {
		return Result{}, fmt.Errorf("%w: activation K=%d, weight K=%d", ErrShape, x.C, w.K)
	}
	if x.R <= 0 {
		return Result{}, fmt.Errorf("%w: activation has %d rows", ErrShape, x.R)
	}
	shape, err := outputShape(req.Shape, x.R, w.K, w.N)
	if err != nil {
		return Result{}, err
	}
	if req.Bias != nil && len(req.Bias) != w.N {
		return Result{}, fmt.Errorf("%w: bias has %d entries, N=%d", ErrShape, len(req.Bias), w.N)
	}
	if int(req.Lowp) >= len(lowpNames) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, req.Lowp)
	}
	if int(req.QuantA) >= len(quantANames) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, req.QuantA)
	}
	if req.QuantBlockK < 0 {
		return Result{}, fmt.Errorf("%w: quant block %d", ErrAlignment, req.QuantBlockK)
	}
	post, err := newPostOps(req.Fusion, req.Others, x.R, w.N)
	if err != nil {
		return Result{}, err
	}

	m := x.R
	res := Result{Y: tensor.NewMatLike(x, m, w.N), Shape: shape, KSplits: 1}
	intCompute := req.Lowp == LowpInt8 && req.QuantA.Quantized()
	switch {
	case !w.Packed():
		res.Strategy = StrategyDequantUpfront
	case intCompute:
		res.Strategy = StrategyDynamicQuant
	case m >= e.cfg.DequantUpfrontThreshold && !w.QType.Is4Bit():
		res.Strategy = StrategyDequantUpfront
	default:
		res.Strategy = StrategyFused
	}

	log := e.log.With("strategy", res.Strategy.String(), "m", m, "n", w.N, "k", w.K, "qtype", w.QType.String(), "lowp", req.Lowp.String())
	switch res.Strategy {
	case StrategyDequantUpfront:
		err = e.dequantUpfront(req, post, &res.Y)
	case StrategyDynamicQuant:
		res.KSplits, err = e.dynamicQuant(ctx, req, post, &res.Y)
	default:
		res.KSplits, err = e.fused(ctx, req, post, &res.Y)
	}
	if err != nil {
		log.Debug("qlinear failed", "error", err)
		return Result{}, err
	}
	log.Debug("qlinear", "k_splits", res.KSplits)
	return res, nil
}

func outputShape(shape []int, m, k, n int) ([]int, error) {
	if shape == nil {
		return []int{m, n}, nil
	}
	if len(shape) == 0 || shape[len(shape)-1] != k {
		return nil, fmt.Errorf("%w: shape %v does not end in K=%d", ErrShape, shape, k)
	}
	lead := 1
	for _, d := range shape[:len(shape)-1] {
		if d <= 0 {
			return nil, fmt.Errorf("%w: shape %v", ErrShape, shape)
		}
		lead *= d
	}
	if lead != m {
		return nil, fmt.Errorf("%w: shape %v flattens to %d rows, activation has %d", ErrShape, shape, lead, m)
	}
	out := append([]int(nil), shape...)
	out[len(out)-1] = n
	return out, nil
}

// activationF32 returns X as dense f32, rounded to the compute precision.
// The caller's matrix is never modified.
func activationF32(x *tensor.Mat, lowp LowpMode) tensor.Mat {
	a := x.Float32()
	dt := lowpDType(lowp)
	if dt == tensor.DTypeF32 {
		return a
	}
	if !x.IsRaw() {
		a = tensor.NewMatFromData(a.R, a.C, append([]float32(nil), a.Data...))
	}
	tensor.RoundSlice(a.Data, dt)
	return a
}

func (e *Engine) estimator() quant.Estimator {
	return quant.Estimator{Pool: e.pool, ParallelThreshold: e.cfg.ParallelMinMaxThreshold}
}

func (e *Engine) quantizeActivation(req Request) (quant.Activation, error) {
	return e.estimator().QuantizeActivation(req.X, req.QuantA.Granularity(), req.QuantBlockK, req.QuantA.Sym())
}

func (e *Engine) fused(ctx context.Context, req Request, post *postOps, y *tensor.Mat) (int, error) {
	w := req.Weight
	a := activationF32(req.X, req.Lowp)
	pl, err := newPlan(e.cfg, req.X.R, w, req.KSplits, e.pool.Size(), true)
	if err != nil {
		return 0, err
	}
	kern, err := newFloatKernel(w, req.Params, a.Data, req.Lowp, e.cfg, pl.kcb)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	execute(e.pool, kern, pl, y, req.Bias, post)
	return pl.kSplits, nil
}

func (e *Engine) dynamicQuant(ctx context.Context, req Request, post *postOps, y *tensor.Mat) (int, error) {
	w := req.Weight
	if w.QType == quant.QTypeNF4 {
		return 0, fmt.Errorf("%w: nf4 weights have no integer form for int8 compute", ErrUnsupported)
	}
	act, err := e.quantizeActivation(req)
	if err != nil {
		return 0, err
	}
	var comp []int32
	if !act.Params.Symmetric {
		comp = w.Compensation(e.pool, req.Params)
	}
	kern, err := newIntKernel(w, req.Params, &act, comp, e.cfg)
	if err != nil {
		return 0, err
	}
	pl, err := newPlan(e.cfg, req.X.R, w, req.KSplits, e.pool.Size(), false)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	execute(e.pool, kern, pl, y, req.Bias, post)
	return pl.kSplits, nil
}

// dequantUpfront expands the whole weight once and runs a dense GEMM. Plain
// weights always take this path; when int8 compute was requested the
// activation is passed through its quantized form so results match the
// integer kernel's numerics.
func (e *Engine) dequantUpfront(req Request, post *postOps, y *tensor.Mat) error {
	w := req.Weight
	b, err := DequantizeAll(e.pool, w, req.Params)
	if err != nil {
		return err
	}
	var a tensor.Mat
	if req.Lowp == LowpInt8 && req.QuantA.Quantized() {
		act, err := e.quantizeActivation(req)
		if err != nil {
			return err
		}
		a = act.Dequantize()
	} else {
		a = activationF32(req.X, req.Lowp)
		tensor.RoundSlice(b.Data, lowpDType(req.Lowp))
	}

	m := req.X.R
	c := tensor.NewMat(m, w.N)
	var beta float32
	if req.Bias != nil {
		for i := range m {
			copy(c.Data[i*w.N:(i+1)*w.N], req.Bias)
		}
		beta = 1
	}
	tensor.GemmPar(e.pool, tensor.SelectGemmConfig(m, w.K, w.N), &c, &a, &b, 1, beta)

	e.pool.For(m, func(i int) {
		row := c.Data[i*w.N : (i+1)*w.N]
		aux := make([]float32, w.N)
		tensor.RoundSlice(row, y.DType)
		post.apply(aux, row, i, 0)
		y.SetRow(i, row)
	})
	return nil
}
