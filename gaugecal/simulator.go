package main

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/gaugecal/pkg/config"
	"github.com/itohio/gaugecal/pkg/driver"
	"github.com/itohio/gaugecal/pkg/port"
)

const (
	simTick        = 5 * time.Millisecond
	angleInterval  = 100 * time.Millisecond
	fastInterval   = 25 * time.Millisecond
	needleSweepDeg = 270.0
	inletFraction  = 0.15 // inlet line pressure as a fraction of mock.max_pressure
)

// simulator models the piston, the gas volume and the gauge needles behind a
// mocked parallel port. Piston travel follows the pulses emitted by the
// driver; limit switches are written back into the status register.
type simulator struct {
	drv      *driver.Driver
	port     *port.Mock
	cfg      config.DriverConfig
	channels int
	maxP     float64

	travel float64 // impulses from start to end switch
	gain   float64 // pressure per impulse with both flaps closed
	inlet  float64

	mu       sync.RWMutex
	pos      float64
	p        float64
	last     uint32
	onAngle  func(ch int, deg float64)
	fast     atomic.Bool
	stop     chan struct{}
	finished sync.WaitGroup
}

func newSimulator(cfg *config.Config, drv *driver.Driver, p *port.Mock) *simulator {
	travel := float64(cfg.Driver.MaxFrequency) * cfg.Controller.NominalDuration.Seconds()
	if travel <= 0 {
		travel = 1
	}
	s := &simulator{
		drv:      drv,
		port:     p,
		cfg:      cfg.Driver,
		channels: cfg.Graduation.Channels,
		maxP:     cfg.Mock.MaxPressure,
		travel:   travel,
		gain:     1.2 * cfg.Mock.MaxPressure / travel,
		inlet:    inletFraction * cfg.Mock.MaxPressure,
		stop:     make(chan struct{}),
	}
	s.last = drv.Impulses()
	s.writeLimits()
	return s
}

// OnAngle registers the receiver of simulated needle angles. Must be called
// before Start.
func (s *simulator) OnAngle(fn func(ch int, deg float64)) {
	s.onAngle = fn
}

// SetFast switches the needle sampling rate.
func (s *simulator) SetFast(fast bool) {
	s.fast.Store(fast)
}

// Start runs the physics and the needle camera in the background.
func (s *simulator) Start() {
	s.finished.Add(2)
	go s.physics()
	go s.camera()
}

// Stop stops both loops and waits for them.
func (s *simulator) Stop() {
	close(s.stop)
	s.finished.Wait()
}

// Pressure returns the simulated pressure. Its signature matches
// sensor.Source so it can drive the mocked transducer.
func (s *simulator) Pressure(time.Duration) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

// Angle returns the needle angle of channel ch at pressure p. Every needle
// is a little off scale and slightly nonlinear.
func (s *simulator) Angle(ch int, p float64) float64 {
	if s.maxP <= 0 {
		return 0
	}
	x := p / s.maxP
	skew := 1 + 0.01*float64(ch)
	return needleSweepDeg*x*skew + 2*math.Sin(math.Pi*x) + 0.5*float64(ch)
}

func (s *simulator) physics() {
	defer s.finished.Done()

	ticker := time.NewTicker(simTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.step()
		}
	}
}

func (s *simulator) step() {
	n := s.drv.Impulses()

	s.mu.Lock()
	d := float64(n - s.last)
	s.last = n
	if s.drv.Direction() == driver.Backward {
		d = -d
	}

	moved := math.Min(math.Max(s.pos+d, 0), s.travel) - s.pos
	s.pos += moved

	switch s.drv.Flaps() {
	case driver.OpenInput:
		s.p += (s.inlet - s.p) * 0.2
	case driver.OpenOutput:
		s.p *= 0.8
	default:
		s.p += moved * s.gain
	}
	if s.p < 0 {
		s.p = 0
	}
	s.mu.Unlock()

	s.writeLimits()
}

// writeLimits mirrors the piston position into the status register. The
// driver inverts bit 7 on read, so an idle register reads 0x80.
func (s *simulator) writeLimits() {
	s.mu.RLock()
	pos := s.pos
	s.mu.RUnlock()

	var active byte
	if pos <= 0 {
		active |= 1 << s.cfg.BitStartLimit
	}
	if pos >= s.travel {
		active |= 1 << s.cfg.BitEndLimit
	}
	s.port.Set(s.cfg.PortAddress+port.Status, 0x80^active)
}

func (s *simulator) camera() {
	defer s.finished.Done()

	for {
		interval := angleInterval
		if s.fast.Load() {
			interval = fastInterval
		}

		select {
		case <-s.stop:
			return
		case <-time.After(interval):
		}

		if s.onAngle == nil {
			continue
		}
		p := s.Pressure(0)
		for ch := 0; ch < s.channels; ch++ {
			s.onAngle(ch, s.Angle(ch, p))
		}
	}
}
