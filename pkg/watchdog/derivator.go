package watchdog

// Derivator estimates the rate of change of a signal over a short history.
type Derivator struct {
	capacity int
	t        []float64
	x        []float64
}

// NewDerivator keeps at most capacity points.
func NewDerivator(capacity int) *Derivator {
	if capacity < 2 {
		capacity = 2
	}
	return &Derivator{
		capacity: capacity,
		t:        make([]float64, 0, capacity),
		x:        make([]float64, 0, capacity),
	}
}

// Push appends a point, dropping the oldest one when full.
func (d *Derivator) Push(t, x float64) {
	if len(d.t) == d.capacity {
		copy(d.t, d.t[1:])
		copy(d.x, d.x[1:])
		d.t = d.t[:len(d.t)-1]
		d.x = d.x[:len(d.x)-1]
	}
	d.t = append(d.t, t)
	d.x = append(d.x, x)
}

// Len returns the number of stored points.
func (d *Derivator) Len() int { return len(d.t) }

// Reset drops the history.
func (d *Derivator) Reset() {
	d.t = d.t[:0]
	d.x = d.x[:0]
}

// D returns dx/dt estimated over the last n points: a forward difference
// for two points, otherwise a central difference around the middle of the
// window. Fewer stored points shrink the window. Returns 0 when undefined.
func (d *Derivator) D(n int) float64 {
	if n > len(d.t) {
		n = len(d.t)
	}
	if n < 2 {
		return 0
	}
	start := len(d.t) - n
	l, r := start, start+1
	if n > 2 {
		mid := start + n/2
		if mid+1 >= len(d.t) {
			return 0
		}
		l, r = mid-1, mid+1
	}
	dt := d.t[r] - d.t[l]
	if dt == 0 {
		return 0
	}
	return (d.x[r] - d.x[l]) / dt
}
