package sensor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/itohio/gaugecal/pkg/config"
	"github.com/itohio/gaugecal/pkg/pressure"
)

// Source returns the simulated pressure value at elapsed time since Connect.
type Source func(elapsed time.Duration) float64

// Mock simulates a pressure transducer for testing and development.
type Mock struct {
	cfg    *config.MockConfig
	unit   pressure.Unit
	source Source

	samples   chan Reading
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	startTime time.Time
}

// NewMock creates a mock that sweeps a triangle wave from zero to
// MaxPressure over RiseTime and back over FallTime.
func NewMock(cfg *config.MockConfig, unit pressure.Unit) *Mock {
	if cfg == nil {
		cfg = &config.Default().Mock
	}
	if unit == pressure.Unknown {
		unit = pressure.Kgf
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Mock{
		cfg:     cfg,
		unit:    unit,
		samples: make(chan Reading, DefaultBufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.source = m.triangle
	return m
}

// SetSource replaces the simulated pressure curve.
func (m *Mock) SetSource(src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = src
}

// Connect starts generating readings.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	m.startTime = time.Now()

	go m.generateSamples()

	return nil
}

// Close stops the mock and closes the samples channel.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	m.cancel()
	m.connected = false
	close(m.samples)

	return nil
}

// Samples returns the channel for reading pressure.
func (m *Mock) Samples() <-chan Reading {
	return m.samples
}

// IsConnected returns whether the mock is connected.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *Mock) generateSamples() {
	ticker := time.NewTicker(m.cfg.SampleRate)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			if !m.connected {
				m.mu.RUnlock()
				return
			}
			r := m.generateSample()
			select {
			case m.samples <- r:
			default:
				// Channel full, skip
			}
			m.mu.RUnlock()
		}
	}
}

// generateSample must be called with m.mu held.
func (m *Mock) generateSample() Reading {
	now := time.Now()
	elapsed := now.Sub(m.startTime)

	v := m.source(elapsed)
	noise := math.Sin(float64(elapsed.Nanoseconds())*0.001) * m.cfg.NoiseLevel
	v = math.Max(v+noise, 0)

	return Reading{
		Timestamp: now,
		Pressure:  pressure.Must(v, m.unit),
	}
}

func (m *Mock) triangle(elapsed time.Duration) float64 {
	return Triangle(elapsed, m.cfg.RiseTime, m.cfg.FallTime, m.cfg.MaxPressure)
}

// Triangle rises linearly from 0 to peak over rise, falls back over fall
// and repeats.
func Triangle(elapsed, rise, fall time.Duration, peak float64) float64 {
	period := rise + fall
	if period <= 0 {
		return 0
	}
	t := elapsed % period
	if t < rise {
		return peak * float64(t) / float64(rise)
	}
	return peak * (1 - float64(t-rise)/float64(fall))
}
