package tensor

// Tuned for the benchmark shape (256^3).
const (
	defaultTileM = 32
	defaultTileN = 32
	defaultTileK = 16

	maxTileM = 64
	maxTileN = 64
	maxTileK = 64
)

// GemmConfig carries the cache blocking used by GemmPar.
type GemmConfig struct {
	TileM int
	TileN int
	TileK int

	UsePackedB bool
}

func DefaultGemmConfig() GemmConfig {
	return GemmConfig{
		TileM:      defaultTileM,
		TileN:      defaultTileN,
		TileK:      defaultTileK,
		UsePackedB: true,
	}
}

// SelectGemmConfig picks tile sizes for an m×k by k×n product.
func SelectGemmConfig(m, k, n int) GemmConfig {
	cfg := DefaultGemmConfig()
	if lanes := CPU.VectorLanes(); lanes >= 16 && n >= maxTileN {
		cfg.TileN = 4 * lanes
	}

	switch {
	case k >= 192:
		cfg.TileK = 32
	case k >= 96:
		cfg.TileK = 24
	}
	if n < cfg.TileN {
		cfg.UsePackedB = false
	}

	cfg.TileM = clampTile(cfg.TileM, maxTileM)
	cfg.TileN = clampTile(cfg.TileN, maxTileN)
	cfg.TileK = clampTile(cfg.TileK, maxTileK)

	return cfg
}

func clampTile(v, max int) int {
	if v < 1 {
		return 1
	}
	if v > max {
		return max
	}
	return v
}
