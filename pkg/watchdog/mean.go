package watchdog

// RunningMean is an incremental arithmetic mean.
type RunningMean struct {
	mean  float64
	count int
}

// Push adds a value.
func (m *RunningMean) Push(x float64) {
	m.count++
	m.mean += (x - m.mean) / float64(m.count)
}

// Mean returns the current mean, 0 when empty.
func (m *RunningMean) Mean() float64 { return m.mean }

// Count returns the number of values pushed since the last reset.
func (m *RunningMean) Count() int { return m.count }

// Reset empties the mean.
func (m *RunningMean) Reset() {
	m.mean = 0
	m.count = 0
}
