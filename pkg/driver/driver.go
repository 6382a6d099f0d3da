// Package driver generates the two-phase step pulse train for the G540
// stepper controller and reads the limit switches through a parallel port.
package driver

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/gaugecal/pkg/config"
	"github.com/itohio/gaugecal/pkg/port"
)

// idleDelay is how long the pulse loop sleeps when it has nothing to send.
const idleDelay = 15 * time.Millisecond

// statusInvertMask flips the hardware-inverted BUSY line of the status register.
const statusInvertMask = 1 << 7

var (
	// ErrRunning is returned when an operation requires a stopped pulse loop.
	ErrRunning = errors.New("pulse loop is running")
	// ErrHardware wraps driver construction and port access failures.
	ErrHardware = errors.New("hardware fault")
)

// Direction of piston travel.
type Direction int32

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// FlapState is the state of the input/output valves.
type FlapState int32

const (
	FlapsUnknown FlapState = iota
	CloseBoth
	OpenInput
	OpenOutput
)

func (s FlapState) String() string {
	switch s {
	case CloseBoth:
		return "closed"
	case OpenInput:
		return "open-input"
	case OpenOutput:
		return "open-output"
	}
	return "unknown"
}

// State is a snapshot of the motor.
type State struct {
	Direction  Direction
	Frequency  uint32
	Flaps      FlapState
	Impulses   uint32
	StartLimit bool
	EndLimit   bool
	Running    bool
}

// Option configures a Driver.
type Option func(*Driver)

// WithDelay replaces the half-period wait primitive.
func WithDelay(delay Delay) Option {
	return func(d *Driver) {
		d.delay = delay
	}
}

// Driver is the pulse driver. Commanded scalars are atomics written from any
// goroutine; the pulse loop tolerates reading a value one cycle stale.
type Driver struct {
	cfg   config.DriverConfig
	port  port.IO
	addr  uint16
	delay Delay
	epoch time.Time

	direction   atomic.Int32
	frequency   atomic.Uint32
	flaps       atomic.Int32
	impulses    atomic.Uint32
	lastCommand atomic.Int64 // nanoseconds since epoch

	running atomic.Bool
	stopReq atomic.Bool
	mu      sync.Mutex // serializes Start, Stop and SetDirection
	done    chan struct{}
}

// New creates a driver on an opened port.
func New(cfg *config.DriverConfig, p port.IO, opts ...Option) (*Driver, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: no port", ErrHardware)
	}
	if cfg.MinFrequency <= 0 || cfg.MaxFrequency < cfg.MinFrequency {
		return nil, fmt.Errorf("%w: frequency range [%d, %d]", config.ErrInvalid, cfg.MinFrequency, cfg.MaxFrequency)
	}
	if cfg.BitStartLimit > 7 || cfg.BitEndLimit > 7 {
		return nil, fmt.Errorf("%w: limit switch bits must be in 0..7", config.ErrInvalid)
	}

	d := &Driver{
		cfg:   *cfg,
		port:  p,
		addr:  cfg.PortAddress,
		delay: SpinDelay,
		epoch: time.Now(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.CommandTimeout <= 0 {
		d.cfg.CommandTimeout = 250 * time.Millisecond
	}

	return d, nil
}

// MinFrequency returns the lowest non-zero pulse frequency.
func (d *Driver) MinFrequency() uint32 { return uint32(d.cfg.MinFrequency) }

// MaxFrequency returns the highest pulse frequency.
func (d *Driver) MaxFrequency() uint32 { return uint32(d.cfg.MaxFrequency) }

// Direction returns the current direction.
func (d *Driver) Direction() Direction { return Direction(d.direction.Load()) }

// Frequency returns the commanded frequency, 0 when not pulsing.
func (d *Driver) Frequency() uint32 { return d.frequency.Load() }

// Impulses returns the number of full step cycles emitted since creation.
func (d *Driver) Impulses() uint32 { return d.impulses.Load() }

// Flaps returns the last flap state written.
func (d *Driver) Flaps() FlapState { return FlapState(d.flaps.Load()) }

// Running reports whether the pulse loop is active.
func (d *Driver) Running() bool { return d.running.Load() }

// SetDirection changes the direction. Only allowed while stopped.
func (d *Driver) SetDirection(dir Direction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return ErrRunning
	}
	d.direction.Store(int32(dir))
	return nil
}

// SetFrequency commands a pulse frequency in Hz and refreshes the command
// timestamp. Values at or below a quarter of the minimum stop pulsing, the
// rest are clamped to [min, max].
func (d *Driver) SetFrequency(f int) {
	d.frequency.Store(d.clamp(f))
	d.lastCommand.Store(int64(time.Since(d.epoch)))
}

func (d *Driver) clamp(f int) uint32 {
	lo, hi := d.cfg.MinFrequency, d.cfg.MaxFrequency
	switch {
	case f <= 0 || f <= lo/4:
		return 0
	case f < lo:
		return uint32(lo)
	case f > hi:
		return uint32(hi)
	}
	return uint32(f)
}

// SetFlaps writes the valve byte for the state.
func (d *Driver) SetFlaps(state FlapState) error {
	var v byte
	switch state {
	case CloseBoth:
		v = d.cfg.ByteCloseBothFlaps
	case OpenInput:
		v = d.cfg.ByteOpenInputFlap
	case OpenOutput:
		v = d.cfg.ByteOpenOutputFlap
	default:
		return nil
	}
	if err := d.port.Out(d.addr+port.Control, v); err != nil {
		return fmt.Errorf("%w: set flaps %s: %w", ErrHardware, state, err)
	}
	d.flaps.Store(int32(state))
	return nil
}

// StartLimitTriggered reads the start limit switch.
func (d *Driver) StartLimitTriggered() bool {
	return d.limit(d.cfg.BitStartLimit)
}

// EndLimitTriggered reads the end limit switch.
func (d *Driver) EndLimitTriggered() bool {
	return d.limit(d.cfg.BitEndLimit)
}

// AnyLimitTriggered reports whether either switch is active.
func (d *Driver) AnyLimitTriggered() bool {
	status, err := d.status()
	if err != nil {
		return true
	}
	return status&(1<<d.cfg.BitStartLimit) != 0 || status&(1<<d.cfg.BitEndLimit) != 0
}

// limit reads the status register; a failed read reports the switch as
// triggered so the loop never pulses blind.
func (d *Driver) limit(bit uint8) bool {
	status, err := d.status()
	if err != nil {
		return true
	}
	return status&(1<<bit) != 0
}

func (d *Driver) status() (byte, error) {
	v, err := d.port.In(d.addr + port.Status)
	if err != nil {
		log.Printf("driver: read status: %v", err)
		return 0, err
	}
	return v ^ statusInvertMask, nil
}

// State returns a snapshot. Limit switches are read from hardware.
func (d *Driver) State() State {
	return State{
		Direction:  d.Direction(),
		Frequency:  d.Frequency(),
		Flaps:      d.Flaps(),
		Impulses:   d.Impulses(),
		StartLimit: d.StartLimitTriggered(),
		EndLimit:   d.EndLimitTriggered(),
		Running:    d.Running(),
	}
}

// Start launches the pulse loop. Calling Start while running does nothing.
func (d *Driver) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running.Load() {
		log.Printf("driver: start requested while already running, ignored")
		return
	}

	d.stopReq.Store(false)
	d.running.Store(true)
	d.done = make(chan struct{})
	go d.loop(d.done)
}

// Stop requests the pulse loop to exit and waits until it has. Safe to call
// from several goroutines and when already stopped.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done == nil {
		return
	}
	d.stopReq.Store(true)
	<-d.done
	d.done = nil
	d.stopReq.Store(false)
}

func (d *Driver) loop(done chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("driver: panic in pulse loop: %v", r)
		}
		d.running.Store(false)
		close(done)
	}()

	for !d.stopReq.Load() {
		f := d.frequency.Load()
		dir := d.Direction()
		if f == 0 || d.stale() || d.blocked(dir) {
			time.Sleep(idleDelay)
			continue
		}

		b1, b2 := stepBytes(dir)
		half := time.Duration(500000/f) * time.Microsecond

		if err := d.port.Out(d.addr+port.Data, b1); err != nil {
			log.Printf("driver: pulse loop aborted: %v", err)
			return
		}
		d.delay(half)
		if err := d.port.Out(d.addr+port.Data, b2); err != nil {
			log.Printf("driver: pulse loop aborted: %v", err)
			return
		}
		d.delay(half)
		d.impulses.Add(1)
	}
}

// stale reports whether the last frequency command is older than the
// command timeout.
func (d *Driver) stale() bool {
	last := time.Duration(d.lastCommand.Load())
	return time.Since(d.epoch)-last > d.cfg.CommandTimeout
}

// blocked reports whether the limit switch in the direction of travel is active.
func (d *Driver) blocked(dir Direction) bool {
	if dir == Forward {
		return d.EndLimitTriggered()
	}
	return d.StartLimitTriggered()
}

// stepBytes returns the two data register values of one step cycle. Bit 0
// is STEP, bit 1 is DIR for the X axis.
func stepBytes(dir Direction) (byte, byte) {
	if dir == Backward {
		return 0x02, 0x03
	}
	return 0x00, 0x01
}
