package quant

// NF4Values are the 16 NormalFloat4 levels, quantiles of a standard normal
// distribution normalised to [-1, 1].
var NF4Values = [16]float32{
	-1.0,
	-0.6961928009986877,
	-0.5250730514526367,
	-0.39491748809814453,
	-0.28444138169288635,
	-0.18477343022823334,
	-0.09105003625154495,
	0.0,
	0.07958029955625534,
	0.16093020141124725,
	0.24611230194568634,
	0.33791524171829224,
	0.44070982933044434,
	0.5626170039176941,
	0.7229568362236023,
	1.0,
}

// NearestNF4 returns the code whose level is closest to v. Ties resolve to
// the lower code.
func NearestNF4(v float32) uint8 {
	if v != v {
		return 7
	}
	lo, hi := 0, len(NF4Values)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if NF4Values[mid] < v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > 0 && v-NF4Values[lo-1] <= NF4Values[lo]-v {
		return uint8(lo - 1)
	}
	return uint8(lo)
}
