package woq

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/samcharles93/woq/internal/logger"
	"github.com/samcharles93/woq/internal/tensor"
)

// Environment overrides for the dispatch heuristics.
const (
	EnvDequantUpfrontThreshold = "WOQ_DEQUANT_UPFRONT_THRESHOLD"
	EnvSmallBatchThreshold     = "WOQ_SMALL_BATCH_THRESHOLD"
	EnvParallelMThreshold      = "WOQ_PARALLEL_M_THRESHOLD"
	EnvParallelMinMaxThreshold = "WOQ_PARALLEL_MINMAX_THRESHOLD"
	EnvKCBBlock                = "WOQ_KCB_BLOCK"
	EnvPrefetchKDist           = "WOQ_PREFETCH_K_DIST"
	EnvMaxKSplits              = "WOQ_MAX_K_SPLITS"
	EnvKSplitMaxM              = "WOQ_K_SPLIT_MAX_M"
	EnvLoopOrder               = "WOQ_LOOP_ORDER"
	EnvWorkers                 = "WOQ_WORKERS"
)

// Config carries the scheduling heuristics. The zero value is not useful;
// start from DefaultConfig.
type Config struct {
	// DequantUpfrontThreshold is the M at which 8-bit weights are dequantized
	// once and multiplied by a dense GEMM instead of the fused kernel.
	DequantUpfrontThreshold int `yaml:"dequant_upfront_threshold"`
	// SmallBatchThreshold is the tile row count below which the fused
	// kernel dequantizes one weight row at a time instead of a whole tile.
	SmallBatchThreshold int `yaml:"small_batch_threshold"`
	// ParallelMThreshold is the M at which M tiles become a parallel
	// dimension alongside N blocks.
	ParallelMThreshold int `yaml:"parallel_m_threshold"`
	// ParallelMinMaxThreshold is the element count at which per-tensor
	// activation ranges are reduced in parallel.
	ParallelMinMaxThreshold int `yaml:"parallel_minmax_threshold"`
	// KCBBlock is the number of K blocks handed to one kernel call when M is
	// large and the weight is 8-bit.
	KCBBlock int `yaml:"kcb_block"`
	// PrefetchKDist is the number of packed rows of the next K block touched
	// ahead of use. 0 disables prefetch.
	PrefetchKDist int `yaml:"prefetch_k_dist"`
	// MaxKSplits bounds the automatic K split chosen for small M.
	MaxKSplits int `yaml:"max_k_splits"`
	// KSplitMaxM is the M at and above which K splitting is disabled.
	KSplitMaxM int `yaml:"k_split_max_m"`
	// LoopOrder is the tile order within a worker's share.
	LoopOrder LoopOrder `yaml:"loop_order"`
	// Workers sizes the engine's pool. 0 uses the shared default pool.
	Workers int `yaml:"workers"`
}

// DefaultConfig returns the stock heuristics.
func DefaultConfig() Config {
	return Config{
		DequantUpfrontThreshold: 1024,
		SmallBatchThreshold:     5,
		ParallelMThreshold:      128,
		ParallelMinMaxThreshold: 30720,
		KCBBlock:                64,
		PrefetchKDist:           64,
		MaxKSplits:              4,
		KSplitMaxM:              32,
		LoopOrder:               LoopNM,
	}
}

// ApplyEnv overrides fields from WOQ_* environment variables. Malformed
// values are reported rather than ignored.
func (c Config) ApplyEnv() (Config, error) {
	ints := []struct {
		name string
		dst  *int
	}{
		{EnvDequantUpfrontThreshold, &c.DequantUpfrontThreshold},
		{EnvSmallBatchThreshold, &c.SmallBatchThreshold},
		{EnvParallelMThreshold, &c.ParallelMThreshold},
		{EnvParallelMinMaxThreshold, &c.ParallelMinMaxThreshold},
		{EnvKCBBlock, &c.KCBBlock},
		{EnvPrefetchKDist, &c.PrefetchKDist},
		{EnvMaxKSplits, &c.MaxKSplits},
		{EnvKSplitMaxM, &c.KSplitMaxM},
		{EnvWorkers, &c.Workers},
	}
	for _, e := range ints {
		v, ok, err := envInt(e.name)
		if err != nil {
			return c, err
		}
		if ok {
			*e.dst = v
		}
	}
	if s := strings.TrimSpace(os.Getenv(EnvLoopOrder)); s != "" {
		c.LoopOrder = LoopOrder(strings.ToLower(s))
	}
	return c, c.Validate()
}

func envInt(name string) (int, bool, error) {
	s := strings.TrimSpace(os.Getenv(name))
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", name, err)
	}
	return v, true, nil
}

// Validate rejects settings the scheduler cannot honour.
func (c Config) Validate() error {
	switch {
	case c.DequantUpfrontThreshold < 0:
		return fmt.Errorf("%w: dequant_upfront_threshold %d", ErrUnsupported, c.DequantUpfrontThreshold)
	case c.SmallBatchThreshold < 0:
		return fmt.Errorf("%w: small_batch_threshold %d", ErrUnsupported, c.SmallBatchThreshold)
	case c.ParallelMThreshold < 0:
		return fmt.Errorf("%w: parallel_m_threshold %d", ErrUnsupported, c.ParallelMThreshold)
	case c.ParallelMinMaxThreshold < 0:
		return fmt.Errorf("%w: parallel_minmax_threshold %d", ErrUnsupported, c.ParallelMinMaxThreshold)
	case c.KCBBlock <= 0:
		return fmt.Errorf("%w: kcb_block %d", ErrUnsupported, c.KCBBlock)
	case c.PrefetchKDist < 0:
		return fmt.Errorf("%w: prefetch_k_dist %d", ErrUnsupported, c.PrefetchKDist)
	case c.MaxKSplits < 1:
		return fmt.Errorf("%w: max_k_splits %d", ErrKSplit, c.MaxKSplits)
	case c.KSplitMaxM < 0:
		return fmt.Errorf("%w: k_split_max_m %d", ErrKSplit, c.KSplitMaxM)
	case c.Workers < 0:
		return fmt.Errorf("%w: workers %d", ErrUnsupported, c.Workers)
	}
	switch c.LoopOrder {
	case LoopNM, LoopMN:
	default:
		return fmt.Errorf("%w: loop order %q", ErrUnsupported, c.LoopOrder)
	}
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for dispatch diagnostics.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithPool runs the engine on an existing pool.
func WithPool(p *tensor.Pool) Option {
	return func(e *Engine) {
		if p != nil {
			e.pool = p
		}
	}
}
