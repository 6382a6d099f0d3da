package graduation

import (
	"errors"
	"math"
)

// parabolaRadius is the number of samples taken on each side of the
// nearest sample when fitting a parabola.
const parabolaRadius = 3

var errSingular = errors.New("singular system")

// parabola is a*u^2 + b*u + c with u = (t - origin) / scale.
type parabola struct {
	a, b, c       float64
	origin, scale float64
}

func (p parabola) at(t float64) float64 {
	u := (t - p.origin) / p.scale
	return p.a*u*u + p.b*u + p.c
}

// fitParabola fits a least-squares parabola through at least three points.
func fitParabola(t, v []float64, origin float64) (parabola, error) {
	if len(t) < 3 || len(t) != len(v) {
		return parabola{}, ErrTooFewSamples
	}

	scale := 0.0
	for _, ti := range t {
		scale = math.Max(scale, math.Abs(ti-origin))
	}
	if scale == 0 {
		return parabola{}, errSingular
	}

	// Normal equations for [a b c].
	var s [5]float64
	var r [3]float64
	for i := range t {
		u := (t[i] - origin) / scale
		pw := 1.0
		for k := 0; k < 5; k++ {
			s[k] += pw
			if k < 3 {
				r[k] += pw * v[i]
			}
			pw *= u
		}
	}
	m := [3][4]float64{
		{s[4], s[3], s[2], r[2]},
		{s[3], s[2], s[1], r[1]},
		{s[2], s[1], s[0], r[0]},
	}
	x, err := solve3(m)
	if err != nil {
		return parabola{}, err
	}
	return parabola{a: x[0], b: x[1], c: x[2], origin: origin, scale: scale}, nil
}

// solve3 solves an augmented 3x3 system by Gaussian elimination with
// partial pivoting.
func solve3(m [3][4]float64) ([3]float64, error) {
	var x [3]float64
	for col := 0; col < 3; col++ {
		pivot := col
		for row := col + 1; row < 3; row++ {
			if math.Abs(m[row][col]) > math.Abs(m[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(m[pivot][col]) < 1e-12 {
			return x, errSingular
		}
		m[col], m[pivot] = m[pivot], m[col]
		for row := col + 1; row < 3; row++ {
			f := m[row][col] / m[col][col]
			for k := col; k < 4; k++ {
				m[row][k] -= f * m[col][k]
			}
		}
	}
	for row := 2; row >= 0; row-- {
		sum := m[row][3]
		for k := row + 1; k < 3; k++ {
			sum -= m[row][k] * x[k]
		}
		x[row] = sum / m[row][row]
	}
	return x, nil
}

// solveFor returns the time where the parabola equals v, choosing the root
// nearest to guess.
func (p parabola) solveFor(v, guess float64) (float64, bool) {
	a, b, c := p.a, p.b, p.c-v
	if math.Abs(a) < 1e-12 {
		if math.Abs(b) < 1e-12 {
			return 0, false
		}
		return p.origin - c/b*p.scale, true
	}
	disc := b*b - 4*a*c
	if disc < 0 {
		return 0, false
	}
	// Numerically stable roots.
	q := -0.5 * (b + math.Copysign(math.Sqrt(disc), b))
	if q == 0 {
		return p.origin, true
	}
	r1 := p.origin + q/a*p.scale
	r2 := p.origin + c/q*p.scale
	if math.Abs(r1-guess) <= math.Abs(r2-guess) {
		return r1, true
	}
	return r2, true
}

// window returns up to radius samples on each side of index i.
func window(t, v []float64, i, radius int) ([]float64, []float64) {
	lo := max(i-radius, 0)
	hi := min(i+radius+1, len(t))
	return t[lo:hi], v[lo:hi]
}

// nearestIndex returns the index of the value nearest to q.
func nearestIndex(v []float64, q float64) int {
	best := 0
	for i := range v {
		if math.Abs(v[i]-q) < math.Abs(v[best]-q) {
			best = i
		}
	}
	return best
}

// graduateParabolic locates the pressure samples nearest each node, solves
// a local pressure parabola for the crossing time and evaluates a local
// angle parabola at that time.
func graduateParabolic(params Params, pressure, angle []Sample) ([]NodeResult, []DebugWindow) {
	results := invalidResults(params.NodePressures)
	if len(pressure) < 3 || len(angle) < 3 {
		return results, nil
	}

	tp, vp := sortedByTime(pressure)
	ta, va := sortedByTime(angle)

	windows := make([]DebugWindow, 0, len(results))
	for n, node := range params.NodePressures {
		i := nearestIndex(vp, node)
		if math.Abs(vp[i]-node) > params.PressureWindow {
			continue
		}

		// Second nearest neighbour brackets the crossing for the guess.
		j := i + 1
		if i > 0 && (j >= len(vp) || math.Abs(vp[i-1]-node) < math.Abs(vp[j]-node)) {
			j = i - 1
		}
		guess := tp[i]
		if vp[j] != vp[i] {
			guess = lerp(vp[i], vp[j], tp[i], tp[j], node)
		}

		wt, wv := window(tp, vp, i, parabolaRadius)
		pp, err := fitParabola(wt, wv, guess)
		if err != nil {
			continue
		}
		tNode, ok := pp.solveFor(node, guess)
		if !ok || tNode < ta[0] || tNode > ta[len(ta)-1] {
			continue
		}

		k := nearestIndex(ta, tNode)
		at, av := window(ta, va, k, parabolaRadius)
		ap, err := fitParabola(at, av, tNode)
		if err != nil {
			continue
		}

		a := ap.at(tNode)
		results[n] = NodeResult{Pressure: node, Angle: a, Valid: true}

		local := make([]float64, len(at))
		smoothed := make([]float64, len(at))
		for q := range at {
			local[q] = pp.at(at[q])
			smoothed[q] = ap.at(at[q])
		}
		windows = append(windows, DebugWindow{
			NodePressure:  node,
			LocalPressure: local,
			LocalAngle:    append([]float64(nil), av...),
			SmoothedAngle: smoothed,
		})
	}

	return results, windows
}
