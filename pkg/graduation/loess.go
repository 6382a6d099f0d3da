package graduation

import "math"

// Loess smooths y over sorted x with locally weighted linear regression.
// Each point is fitted over its ceil(frac*n) nearest neighbours using
// tri-cube weights. Degenerate neighbourhoods fall back to the weighted mean.
func Loess(x, y []float64, frac float64) []float64 {
	n := len(x)
	out := make([]float64, n)
	if n == 0 || n != len(y) {
		return out
	}
	if n < 3 {
		copy(out, y)
		return out
	}

	k := int(math.Ceil(frac * float64(n)))
	if k < 2 {
		k = 2
	}
	if k > n {
		k = n
	}

	for i := 0; i < n; i++ {
		lo, hi := neighbours(x, i, k)
		maxDist := math.Max(x[i]-x[lo], x[hi]-x[i]) * 1.000001

		var sw, swx, swy, swxx, swxy float64
		for j := lo; j <= hi; j++ {
			w := 1.0
			if maxDist > 0 {
				w = tricube(math.Abs(x[j]-x[i]) / maxDist)
			}
			sw += w
			swx += w * x[j]
			swy += w * y[j]
			swxx += w * x[j] * x[j]
			swxy += w * x[j] * y[j]
		}

		if sw <= 0 {
			out[i] = y[i]
			continue
		}
		denom := sw*swxx - swx*swx
		if math.Abs(denom) < 1e-12 {
			out[i] = swy / sw
			continue
		}
		b := (sw*swxy - swx*swy) / denom
		a := (swy - b*swx) / sw
		out[i] = a + b*x[i]
	}
	return out
}

// neighbours returns the inclusive index range of the k points of sorted x
// nearest to x[i].
func neighbours(x []float64, i, k int) (int, int) {
	lo, hi := i, i
	for hi-lo+1 < k {
		switch {
		case lo == 0:
			hi++
		case hi == len(x)-1:
			lo--
		case x[i]-x[lo-1] <= x[hi+1]-x[i]:
			lo--
		default:
			hi++
		}
	}
	return lo, hi
}

func tricube(u float64) float64 {
	if u >= 1 {
		return 0
	}
	c := 1 - u*u*u
	return c * c * c
}
