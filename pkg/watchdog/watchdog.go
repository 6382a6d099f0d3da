// Package watchdog supervises a running sweep and performs an emergency
// stop when the motor keeps stepping but the gauge needle does not follow.
package watchdog

import (
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/gaugecal/pkg/config"
	"github.com/itohio/gaugecal/pkg/driver"
)

// RestrictedMessage is passed to restriction callbacks on a trip.
const RestrictedMessage = "impulses were applied to the stepper motor but the pressure did not change; " +
	"an emergency stop was performed, check the stand"

// minAngleRate bounds the denominator of the impulse/angle ratio.
const minAngleRate = 1e-4

// Motor is the part of the pulse driver the watchdog reads and stops.
type Motor interface {
	Impulses() uint32
	Frequency() uint32
	Direction() driver.Direction
	Stop()
}

// Interrupter aborts a running sweep without waiting for it.
type Interrupter interface {
	RequestInterrupt()
}

var _ Motor = (*driver.Driver)(nil)

// Watchdog polls the motor and the supervised channel angle.
type Watchdog struct {
	cfg   config.WatchdogConfig
	motor Motor
	ctl   Interrupter
	angle func() float64

	// owned by the poll goroutine
	impulses *Derivator
	angles   *Derivator
	mean     RunningMean
	bad      int

	tripped atomic.Bool
	running atomic.Bool
	stopReq atomic.Bool
	mu      sync.Mutex
	done    chan struct{}

	callbacks []func(msg string)
	cbMu      sync.RWMutex
}

// New creates a watchdog. angle returns the latest needle angle of the
// supervised channel in degrees.
func New(cfg *config.WatchdogConfig, motor Motor, ctl Interrupter, angle func() float64) *Watchdog {
	c := *cfg
	if c.Window < 2 {
		c.Window = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return &Watchdog{
		cfg:      c,
		motor:    motor,
		ctl:      ctl,
		angle:    angle,
		impulses: NewDerivator(c.Window),
		angles:   NewDerivator(c.Window),
	}
}

// OnRestricted registers a callback invoked once per trip.
func (w *Watchdog) OnRestricted(fn func(msg string)) {
	w.cbMu.Lock()
	defer w.cbMu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Tripped reports whether an emergency stop was performed since the last Reset.
func (w *Watchdog) Tripped() bool { return w.tripped.Load() }

// Running reports whether the poll loop is active.
func (w *Watchdog) Running() bool { return w.running.Load() }

// Start launches the poll loop. It is a no-op when already running.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running.Load() {
		return
	}
	w.reset()
	w.stopReq.Store(false)
	w.running.Store(true)
	w.done = make(chan struct{})
	go w.loop(w.done)
}

// Stop asks the poll loop to exit and waits for it.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		return
	}
	w.stopReq.Store(true)
	<-w.done
	w.done = nil
	w.stopReq.Store(false)
}

// Reset clears the trip latch and the estimators. Must not be called while running.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running.Load() {
		return
	}
	w.reset()
}

func (w *Watchdog) reset() {
	w.impulses.Reset()
	w.angles.Reset()
	w.mean.Reset()
	w.bad = 0
	w.tripped.Store(false)
}

func (w *Watchdog) loop(done chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("watchdog: panic in poll loop: %v", r)
		}
		w.running.Store(false)
		close(done)
	}()

	start := time.Now()
	for !w.stopReq.Load() {
		w.poll(time.Since(start).Seconds())
		time.Sleep(w.cfg.PollInterval)
	}
}

// poll runs one supervision step at time t seconds.
func (w *Watchdog) poll(t float64) {
	w.impulses.Push(t, float64(w.motor.Impulses()))
	w.angles.Push(t, w.angle())

	k := w.impulses.D(w.cfg.Window) / math.Max(math.Abs(w.angles.D(w.cfg.Window)), minAngleRate)
	if w.evaluate(k, w.motor.Direction() == driver.Forward, w.motor.Frequency()) {
		w.trip()
	}
}

// evaluate feeds one impulse/angle ratio and reports whether the bad
// counter reached the threshold.
func (w *Watchdog) evaluate(k float64, forward bool, freq uint32) bool {
	if freq == 0 {
		w.mean.Reset()
	}

	mean := w.mean.Mean()
	if forward && w.mean.Count() > w.cfg.MinSamples && mean > 0 && k/mean > w.cfg.RatioLimit {
		w.bad++
	} else {
		w.mean.Push(k)
		if w.bad > 0 {
			w.bad--
		}
	}

	return w.bad >= w.cfg.BadThreshold
}

// trip stops the motor and the sweep once until Reset.
func (w *Watchdog) trip() {
	if !w.tripped.CompareAndSwap(false, true) {
		return
	}

	log.Printf("watchdog: impulse/angle ratio anomaly, emergency stop")
	w.motor.Stop()
	if w.ctl != nil {
		w.ctl.RequestInterrupt()
	}

	w.cbMu.RLock()
	callbacks := make([]func(string), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.cbMu.RUnlock()

	for _, fn := range callbacks {
		fn(RestrictedMessage)
	}
}
