package graduation

import (
	"errors"
	"math"
	"sort"
)

var (
	// ErrNoOverlap is returned when the pressure and angle series do not
	// share a time interval.
	ErrNoOverlap = errors.New("series do not overlap in time")
	// ErrTooFewSamples is returned when a series has fewer than two samples.
	ErrTooFewSamples = errors.New("not enough samples")
)

// maxGridPoints caps the resampling grid when timestamps jitter by tiny steps.
const maxGridPoints = 1 << 20

// Sample is one timestamped value. T is in seconds since the run start.
type Sample struct {
	T float64 `json:"t"`
	V float64 `json:"v"`
}

// sortedByTime returns a time-ordered copy split into times and values.
func sortedByTime(series []Sample) ([]float64, []float64) {
	s := make([]Sample, len(series))
	copy(s, series)
	sort.SliceStable(s, func(i, j int) bool { return s[i].T < s[j].T })

	t := make([]float64, len(s))
	v := make([]float64, len(s))
	for i := range s {
		t[i] = s[i].T
		v[i] = s[i].V
	}
	return t, v
}

// minPositiveStep returns the smallest positive difference between
// consecutive sorted times.
func minPositiveStep(times []float64) (float64, bool) {
	dt := math.Inf(1)
	for i := 1; i < len(times); i++ {
		if d := times[i] - times[i-1]; d > 0 && d < dt {
			dt = d
		}
	}
	return dt, !math.IsInf(dt, 1)
}

// UniformGrid returns tMin, tMin+dt, ... up to tMax. tMax is appended when
// the last step falls short of it.
func UniformGrid(tMin, tMax, dt float64) []float64 {
	if dt <= 0 || tMax < tMin {
		return nil
	}
	grid := make([]float64, 0, int((tMax-tMin)/dt)+2)
	for i := 0; ; i++ {
		t := tMin + float64(i)*dt
		if t > tMax {
			break
		}
		grid = append(grid, t)
	}
	if grid[len(grid)-1] < tMax {
		grid = append(grid, tMax)
	}
	return grid
}

// Interpolate resamples (x, y) at the sorted query points q with linear
// interpolation. Queries outside x take the edge value.
func Interpolate(x, y, q []float64) []float64 {
	out := make([]float64, len(q))
	if len(x) == 0 || len(x) != len(y) {
		return out
	}

	j := 0
	for i, t := range q {
		if t <= x[0] {
			out[i] = y[0]
			continue
		}
		if t >= x[len(x)-1] {
			out[i] = y[len(y)-1]
			continue
		}
		for j+1 < len(x) && x[j+1] < t {
			j++
		}
		out[i] = lerp(x[j], x[j+1], y[j], y[j+1], t)
	}
	return out
}

// InterpolateAt evaluates the piecewise linear function through sorted
// (x, y) at q. Queries at or beyond either end return the edge value.
// Empty or mismatched input yields NaN.
func InterpolateAt(x, y []float64, q float64) float64 {
	if len(x) == 0 || len(x) != len(y) {
		return math.NaN()
	}
	if q <= x[0] {
		return y[0]
	}
	if q >= x[len(x)-1] {
		return y[len(y)-1]
	}
	i1 := sort.Search(len(x), func(i int) bool { return x[i] > q })
	i0 := i1 - 1
	return lerp(x[i0], x[i1], y[i0], y[i1], q)
}

func lerp(x0, x1, y0, y1, q float64) float64 {
	if x1 == x0 {
		return y0
	}
	return y0 + (q-x0)/(x1-x0)*(y1-y0)
}

// resample puts both series on a common uniform time grid and returns the
// (pressure, angle) pairs ordered by pressure.
func resample(pressure, angle []Sample) (p, a []float64, err error) {
	if len(pressure) < 2 || len(angle) < 2 {
		return nil, nil, ErrTooFewSamples
	}

	tp, vp := sortedByTime(pressure)
	ta, va := sortedByTime(angle)

	tMin := math.Max(tp[0], ta[0])
	tMax := math.Min(tp[len(tp)-1], ta[len(ta)-1])
	if tMax <= tMin {
		return nil, nil, ErrNoOverlap
	}

	dtP, okP := minPositiveStep(tp)
	dtA, okA := minPositiveStep(ta)
	if !okP || !okA {
		return nil, nil, ErrTooFewSamples
	}

	dt := math.Min(dtP, dtA)
	if (tMax-tMin)/dt > maxGridPoints {
		dt = (tMax - tMin) / maxGridPoints
	}
	grid := UniformGrid(tMin, tMax, dt)
	p = Interpolate(tp, vp, grid)
	a = Interpolate(ta, va, grid)

	idx := make([]int, len(grid))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return p[idx[i]] < p[idx[j]] })

	ps := make([]float64, len(idx))
	as := make([]float64, len(idx))
	for i, k := range idx {
		ps[i] = p[k]
		as[i] = a[k]
	}
	return ps, as, nil
}
