// Package motion runs the calibration sweep: preload, forward and backward
// strokes of the piston driven by live pressure feedback.
package motion

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/gaugecal/pkg/config"
	"github.com/itohio/gaugecal/pkg/driver"
	"github.com/itohio/gaugecal/pkg/pressure"
)

// Operator prompt texts for a stalled motor.
const (
	StallTitle   = "The engine is stuck"
	StallMessage = "The engine appears to be stuck. The sweep is paused, check the stand and respond."
	AnswerBack   = "Roll the engine back"
	AnswerFine   = "The engine is fine"
)

// minVelocityDt is the smallest time step used for the velocity estimate.
const minVelocityDt = 1e-4

var (
	// ErrNotReady wraps every reason a run cannot be prepared or started.
	ErrNotReady = errors.New("controller not ready")
	// ErrBusy is returned when a run or jog is already in progress.
	ErrBusy = errors.New("controller busy")
	// ErrInterrupted is returned by a run that was interrupted.
	ErrInterrupted = errors.New("run interrupted")
	// ErrStalled is returned when the operator rejects a stalled motor.
	ErrStalled = errors.New("motor stalled")
	// ErrEmergency is returned when both limit switches are active at once.
	ErrEmergency = errors.New("both limit switches triggered")
)

// State of the controller.
type State int32

const (
	Idle State = iota
	Preloading
	Forward
	Backward
	Stopped
	Interrupted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preloading:
		return "preloading"
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	case Stopped:
		return "stopped"
	case Interrupted:
		return "interrupted"
	}
	return "unknown"
}

// Motor is the pulse driver as seen by the controller.
type Motor interface {
	SetDirection(driver.Direction) error
	SetFrequency(f int)
	SetFlaps(driver.FlapState) error
	Start()
	Stop()
	MaxFrequency() uint32
	StartLimitTriggered() bool
	EndLimitTriggered() bool
}

var _ Motor = (*driver.Driver)(nil)

// OperatorPrompt asks the operator a question and blocks until answered.
type OperatorPrompt interface {
	Ask(title, message string, options []string) string
}

// SamplingRate switches the external angle sampling between normal and fast.
type SamplingRate interface {
	SetFast(fast bool)
}

// Run holds the parameters of one sweep. Immutable once prepared.
type Run struct {
	Mode            Mode
	Nodes           []float64
	Unit            pressure.Unit
	TargetPressure  float64
	PreloadPressure float64
	NominalVelocity float64
	MinVelocity     float64
	MaxVelocity     float64
}

// Controller drives one stand.
type Controller struct {
	cfg      config.ControllerConfig
	stand    Stand
	motor    Motor
	prompt   OperatorPrompt
	sampling SamplingRate

	pmu        sync.RWMutex
	lastT      float64
	lastP      float64
	lastUpdate time.Time
	velocity   float64
	samples    int

	runMu       sync.Mutex
	run         Run
	prepared    bool
	pendingStop bool // interrupt requested before the run began
	done        chan struct{}

	state   atomic.Int32
	running atomic.Bool
	stopReq atomic.Bool

	callbacks []func(State)
	cbMu      sync.RWMutex
}

// New creates a controller. sampling may be nil.
func New(cfg *config.ControllerConfig, stand Stand, motor Motor, prompt OperatorPrompt, sampling SamplingRate) *Controller {
	c := &Controller{
		cfg:      *cfg,
		stand:    stand,
		motor:    motor,
		prompt:   prompt,
		sampling: sampling,
	}
	if c.cfg.PollInterval <= 0 {
		c.cfg.PollInterval = 90 * time.Millisecond
	}
	if c.cfg.PreloadPollInterval <= 0 {
		c.cfg.PreloadPollInterval = 15 * time.Millisecond
	}
	if c.cfg.StallThreshold <= 0 {
		c.cfg.StallThreshold = 10
	}
	if c.cfg.PressureTimeout <= 0 {
		c.cfg.PressureTimeout = 500 * time.Millisecond
	}
	return c
}

// Stand returns the stand strategy.
func (c *Controller) Stand() Stand { return c.stand }

// OnState registers a callback invoked on every state change, on the
// goroutine that changed the state.
func (c *Controller) OnState(fn func(State)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// State returns the current state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Running reports whether a run or jog is in progress.
func (c *Controller) Running() bool { return c.running.Load() }

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))

	c.cbMu.RLock()
	callbacks := make([]func(State), len(c.callbacks))
	copy(callbacks, c.callbacks)
	c.cbMu.RUnlock()

	for _, fn := range callbacks {
		fn(s)
	}
}

// UpdatePressure feeds a pressure reading, t in seconds.
func (c *Controller) UpdatePressure(t, p float64) {
	c.pmu.Lock()
	defer c.pmu.Unlock()

	if c.samples > 0 {
		dt := t - c.lastT
		if dt < minVelocityDt {
			c.velocity = 0
		} else {
			c.velocity = (p - c.lastP) / dt
		}
	}
	c.lastT, c.lastP = t, p
	c.lastUpdate = time.Now()
	c.samples++
}

// CurrentPressure returns the latest pressure.
func (c *Controller) CurrentPressure() float64 {
	c.pmu.RLock()
	defer c.pmu.RUnlock()
	return c.lastP
}

// Velocity returns the pressure rate of the last two readings, or 0 when
// no reading arrived within the pressure timeout.
func (c *Controller) Velocity() float64 {
	c.pmu.RLock()
	defer c.pmu.RUnlock()
	if c.samples == 0 || time.Since(c.lastUpdate) > c.cfg.PressureTimeout {
		return 0
	}
	return c.velocity
}

// Prepare derives the run parameters for the gauge nodes. Nothing moves.
func (c *Controller) Prepare(nodes []float64, unit pressure.Unit, mode Mode) (Run, error) {
	if c.Running() {
		return Run{}, ErrBusy
	}
	if len(nodes) < 2 {
		return Run{}, fmt.Errorf("%w: at least 2 node pressures required, got %d", ErrNotReady, len(nodes))
	}
	if !c.stand.Supports(mode) {
		return Run{}, fmt.Errorf("%w: %s does not support mode %s", ErrNotReady, c.stand.Name, mode)
	}

	factor := c.stand.PreloadFactor(nodes, unit, c.cfg.PreloadFactors)
	if factor <= 0 {
		return Run{}, fmt.Errorf("%w: no preload factor for gauge %g %s", ErrNotReady, nodes[len(nodes)-1], unit)
	}

	last := nodes[len(nodes)-1]
	nominal := last / c.cfg.NominalDuration.Seconds()
	run := Run{
		Mode:            mode,
		Nodes:           append([]float64(nil), nodes...),
		Unit:            unit,
		TargetPressure:  c.stand.TargetPressure(nodes),
		PreloadPressure: firstPositive(nodes) * factor,
		NominalVelocity: nominal,
		MinVelocity:     nominal * c.cfg.MinVelocityFactor,
		MaxVelocity:     nominal * c.cfg.MaxVelocityFactor,
	}

	if p := c.CurrentPressure(); p > run.PreloadPressure {
		return Run{}, fmt.Errorf("%w: pressure %g above preload %g", ErrNotReady, p, run.PreloadPressure)
	}

	c.runMu.Lock()
	c.run = run
	c.prepared = true
	c.pendingStop = false
	c.runMu.Unlock()

	return run, nil
}

// begin marks the controller running. It fails when already running. An
// interrupt that arrived while prepared carries over into the run.
func (c *Controller) begin() (chan struct{}, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	c.stopReq.Store(c.pendingStop)
	c.pendingStop = false
	c.done = make(chan struct{})
	return c.done, nil
}

func (c *Controller) end(done chan struct{}) {
	c.runMu.Lock()
	c.prepared = false
	c.runMu.Unlock()
	c.running.Store(false)
	close(done)
}

// Run executes the prepared sweep and blocks until it ends.
func (c *Controller) Run() (err error) {
	c.runMu.Lock()
	run, prepared := c.run, c.prepared
	c.runMu.Unlock()
	if !prepared {
		return fmt.Errorf("%w: run not prepared", ErrNotReady)
	}

	done, err := c.begin()
	if err != nil {
		return err
	}
	defer c.end(done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("motion: panic in run: %v", r)
			err = fmt.Errorf("%w: %v", ErrInterrupted, r)
			c.abort()
		}
	}()

	if c.shouldStop() {
		c.abort()
		return ErrInterrupted
	}

	log.Printf("motion: %s run, mode %s, preload %.4g, target %.4g %s",
		c.stand.Name, run.Mode, run.PreloadPressure, run.TargetPressure, run.Unit)

	c.motor.Stop()
	if err := c.motor.SetDirection(driver.Forward); err != nil {
		c.abort()
		return err
	}

	if err := c.preload(run); err != nil {
		c.abort()
		return err
	}

	c.motor.Start()
	if err := c.forward(run); err != nil {
		c.abort()
		return err
	}

	if err := c.backward(run); err != nil {
		c.abort()
		return err
	}

	c.motor.SetFrequency(0)
	c.motor.Stop()
	c.setFast(false)
	c.setState(Stopped)
	log.Printf("motion: run finished")
	return nil
}

// abort leaves the stand safe: no pulses and the output flap vented.
func (c *Controller) abort() {
	c.motor.SetFrequency(0)
	c.motor.Stop()
	if err := c.motor.SetFlaps(driver.OpenOutput); err != nil {
		log.Printf("motion: vent on abort: %v", err)
	}
	c.setFast(false)
	c.setState(Interrupted)
	log.Printf("motion: run interrupted")
}

func (c *Controller) setFast(fast bool) {
	if c.sampling != nil {
		c.sampling.SetFast(fast)
	}
}

func (c *Controller) shouldStop() bool { return c.stopReq.Load() }

// RequestInterrupt asks a running sweep or jog to stop and returns at once.
func (c *Controller) RequestInterrupt() {
	if c.running.Load() {
		c.stopReq.Store(true)
	}
}

// Interrupt stops a running sweep or jog and waits for it to end. A
// prepared sweep that has not started yet is marked so that Run aborts
// as soon as it begins. It does nothing when idle.
func (c *Controller) Interrupt() {
	c.runMu.Lock()
	if !c.running.Load() {
		if c.prepared {
			c.pendingStop = true
		}
		c.runMu.Unlock()
		return
	}
	done := c.done
	c.stopReq.Store(true)
	c.runMu.Unlock()
	<-done
}

func (c *Controller) preload(run Run) error {
	c.setState(Preloading)

	if c.CurrentPressure() < run.PreloadPressure {
		if err := c.motor.SetFlaps(driver.OpenInput); err != nil {
			return err
		}
		for c.CurrentPressure() < run.PreloadPressure {
			if c.shouldStop() {
				return ErrInterrupted
			}
			time.Sleep(c.cfg.PreloadPollInterval)
		}
	}

	return c.motor.SetFlaps(driver.CloseBoth)
}

func (c *Controller) forward(run Run) error {
	c.setState(Forward)
	fmax := c.motor.MaxFrequency()
	graduate := c.stand.Ramp && run.Mode != ModeAim

	bad := 0
	for c.CurrentPressure() < run.TargetPressure {
		if c.shouldStop() {
			return ErrInterrupted
		}

		p := c.CurrentPressure()
		f := float64(fmax)
		near := false
		if graduate {
			f = c.stand.Frequency(p, run.TargetPressure, fmax)
			near = NearNode(run.Nodes, p, c.cfg.NodeProximityPercent)
			if near {
				f /= 3
			}
		}
		c.setFast(near)

		targetVelocity := math.Max(run.MaxVelocity*f/float64(fmax), run.MinVelocity)
		if c.Velocity() < targetVelocity/10 {
			bad++
		} else if bad > 0 {
			bad--
		}
		if bad >= c.cfg.StallThreshold {
			if !c.confirmStall() {
				return ErrStalled
			}
			bad = 0
		}

		c.motor.SetFrequency(int(f))
		time.Sleep(c.cfg.PollInterval)
	}
	return nil
}

// confirmStall pauses pulsing and asks the operator whether the motor is fine.
func (c *Controller) confirmStall() bool {
	c.motor.SetFrequency(0)
	log.Printf("motion: pressure does not follow the motor, asking operator")
	if c.prompt == nil {
		return false
	}
	answer := c.prompt.Ask(StallTitle, StallMessage, []string{AnswerBack, AnswerFine})
	log.Printf("motion: operator answered %q", answer)
	return answer == AnswerFine
}

func (c *Controller) backward(run Run) error {
	c.setState(Backward)

	c.motor.Stop()
	if err := c.motor.SetDirection(driver.Backward); err != nil {
		return err
	}
	c.motor.Start()

	fmax := c.motor.MaxFrequency()
	graduate := c.stand.Ramp && run.Mode == ModeForwardBackward

	for !c.backwardDone() {
		if c.shouldStop() {
			return ErrInterrupted
		}

		p := c.CurrentPressure()
		f := float64(fmax)
		near := false
		if graduate {
			f = c.stand.Frequency(p, run.TargetPressure, fmax)
			near = NearNode(run.Nodes, p, c.cfg.NodeProximityPercent)
			if near {
				f /= 3
			}
			if err := c.applyFlapRule(run, p); err != nil {
				return err
			}
		}
		c.setFast(near)

		c.motor.SetFrequency(int(f))
		time.Sleep(c.cfg.PollInterval)
	}

	c.motor.SetFrequency(0)
	if c.stand.BackwardToStartLimit {
		return c.motor.SetFlaps(driver.OpenOutput)
	}
	return c.applyFlapRule(run, c.CurrentPressure())
}

func (c *Controller) backwardDone() bool {
	if c.motor.StartLimitTriggered() {
		return true
	}
	return !c.stand.BackwardToStartLimit && c.CurrentPressure() <= c.cfg.PressureFloor
}

// applyFlapRule vents below the preload pressure and keeps both flaps
// closed above it.
func (c *Controller) applyFlapRule(run Run, p float64) error {
	if p <= run.PreloadPressure {
		return c.motor.SetFlaps(driver.OpenOutput)
	}
	return c.motor.SetFlaps(driver.CloseBoth)
}

// GoToEnd moves the piston forward at full speed until the end switch.
func (c *Controller) GoToEnd() error {
	return c.jog(driver.Forward)
}

// GoToStart moves the piston backward at full speed until the start switch.
func (c *Controller) GoToStart() error {
	return c.jog(driver.Backward)
}

func (c *Controller) jog(dir driver.Direction) error {
	done, err := c.begin()
	if err != nil {
		return err
	}
	defer c.end(done)

	reached := c.motor.EndLimitTriggered
	if dir == driver.Backward {
		reached = c.motor.StartLimitTriggered
	}

	c.motor.Stop()
	if err := c.motor.SetDirection(dir); err != nil {
		return err
	}
	c.motor.Start()
	defer func() {
		c.motor.SetFrequency(0)
		c.motor.Stop()
	}()

	for {
		if c.motor.StartLimitTriggered() && c.motor.EndLimitTriggered() {
			log.Printf("motion: both limit switches triggered, emergency stop")
			return ErrEmergency
		}
		if reached() {
			return nil
		}
		if c.shouldStop() {
			return ErrInterrupted
		}
		c.motor.SetFrequency(int(c.motor.MaxFrequency()))
		time.Sleep(c.cfg.PollInterval)
	}
}
