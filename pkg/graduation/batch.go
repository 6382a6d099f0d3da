package graduation

import (
	"fmt"
	"sync"
)

// Batch fans one pressure series out to a calibrator per channel.
// Series are append-only; Graduate works on a snapshot of them.
type Batch struct {
	mu       sync.RWMutex
	pressure []Sample
	angles   [][]Sample
	cals     []*Calibrator
}

// NewBatch creates a batch for channels angle channels.
func NewBatch(channels int, params Params) (*Batch, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}
	b := &Batch{
		angles: make([][]Sample, channels),
		cals:   make([]*Calibrator, channels),
	}
	for i := range b.cals {
		b.cals[i] = NewCalibrator(params)
	}
	return b, nil
}

// Channels returns the number of angle channels.
func (b *Batch) Channels() int { return len(b.cals) }

// SetParams reconfigures every channel.
func (b *Batch) SetParams(params Params) {
	for _, c := range b.cals {
		c.SetParams(params)
	}
}

// AddPressure appends a pressure sample.
func (b *Batch) AddPressure(t, p float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pressure = append(b.pressure, Sample{T: t, V: p})
}

// AddAngle appends an angle sample to a channel.
func (b *Batch) AddAngle(ch int, t, a float64) error {
	if ch < 0 || ch >= len(b.cals) {
		return fmt.Errorf("channel %d out of range [0, %d)", ch, len(b.cals))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.angles[ch] = append(b.angles[ch], Sample{T: t, V: a})
	return nil
}

// snapshot returns the series with capacity clipped to length, so later
// appends never touch the returned elements.
func (b *Batch) snapshot() ([]Sample, [][]Sample) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p := b.pressure[:len(b.pressure):len(b.pressure)]
	a := make([][]Sample, len(b.angles))
	for i, s := range b.angles {
		a[i] = s[:len(s):len(s)]
	}
	return p, a
}

// Graduate computes the node results of every channel.
func (b *Batch) Graduate() [][]NodeResult {
	p, a := b.snapshot()
	out := make([][]NodeResult, len(b.cals))
	for i, c := range b.cals {
		out[i] = c.Graduate(p, a[i])
	}
	return out
}

// ScaleAngleRange returns the angle range per channel of the last computation.
func (b *Batch) ScaleAngleRange() []float64 {
	out := make([]float64, len(b.cals))
	for i, c := range b.cals {
		out[i] = c.ScaleAngleRange()
	}
	return out
}

// ScaleNonlinearity returns the nonlinearity per channel of the last computation.
func (b *Batch) ScaleNonlinearity() []float64 {
	out := make([]float64, len(b.cals))
	for i, c := range b.cals {
		out[i] = c.ScaleNonlinearity()
	}
	return out
}

// AnglesCount returns the number of angle samples per channel.
func (b *Batch) AnglesCount() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]int, len(b.angles))
	for i, s := range b.angles {
		out[i] = len(s)
	}
	return out
}

// PressureCount returns the number of pressure samples.
func (b *Batch) PressureCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pressure)
}

// DebugWindows returns the debug windows per channel of the last computation.
func (b *Batch) DebugWindows() [][]DebugWindow {
	out := make([][]DebugWindow, len(b.cals))
	for i, c := range b.cals {
		out[i] = c.DebugWindows()
	}
	return out
}

// Clear drops all samples and cached results.
func (b *Batch) Clear() {
	b.mu.Lock()
	b.pressure = nil
	for i := range b.angles {
		b.angles[i] = nil
	}
	b.mu.Unlock()

	for _, c := range b.cals {
		c.Clear()
	}
}
