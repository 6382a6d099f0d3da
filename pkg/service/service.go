// Package service runs a complete gauge graduation: it wires the motion
// controller, the watchdog and the calibration session together, filters
// the incoming samples and assembles the result tables.
package service

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/itohio/gaugecal/pkg/config"
	"github.com/itohio/gaugecal/pkg/graduation"
	"github.com/itohio/gaugecal/pkg/motion"
	"github.com/itohio/gaugecal/pkg/pressure"
	"github.com/itohio/gaugecal/pkg/telemetry"
	"github.com/itohio/gaugecal/pkg/watchdog"
)

// ErrWrongState is returned when an operation is not allowed in the current state.
var ErrWrongState = errors.New("operation not allowed in current state")

// eventQueueSize bounds the events waiting for the broker during a run.
const eventQueueSize = 64

// State of a graduation.
type State int

const (
	Idle State = iota
	Prepared
	Running
	Finished
	Interrupted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Prepared:
		return "prepared"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Interrupted:
		return "interrupted"
	}
	return "unknown"
}

// Motor is the pulse driver as used by both the controller and the watchdog.
type Motor interface {
	motion.Motor
	watchdog.Motor
}

// ChannelResult is the graduation table of one needle. The ranges are nil
// when the first or last node has no valid angle.
type ChannelResult struct {
	Channel      int                     `json:"channel"`
	Forward      []graduation.NodeResult `json:"forward"`
	Backward     []graduation.NodeResult `json:"backward"`
	ForwardRange *float64                `json:"forward_range"`
	BackRange    *float64                `json:"backward_range"`
	Nonlinearity *float64                `json:"nonlinearity"`
	Samples      int                     `json:"samples"`
}

// Result of one run.
type Result struct {
	RunID       string          `json:"run_id"`
	Stand       string          `json:"stand"`
	Mode        string          `json:"mode"`
	Unit        string          `json:"unit"`
	Nodes       []float64       `json:"nodes"`
	Finished    time.Time       `json:"finished"`
	Interrupted bool            `json:"interrupted"`
	Error       string          `json:"error,omitempty"`
	Channels    []ChannelResult `json:"channels"`
}

// Service owns one stand.
type Service struct {
	cfg     *config.Config
	ctl     *motion.Controller
	session *graduation.Session
	wd      *watchdog.Watchdog
	pub     telemetry.Publisher
	clock   time.Time

	mu      sync.Mutex
	state   State
	run     motion.Run
	unit    pressure.Unit
	capture bool
	result  *Result
	lastErr error
	done    chan struct{}
	angles  []float64

	callbacks []func(State)
	cbMu      sync.RWMutex

	evMu      sync.Mutex
	events    chan telemetry.Event // nil outside a run
	published chan struct{}
}

// New wires a service around the motor. prompt answers stall questions,
// sampling and pub may be nil.
func New(cfg *config.Config, motor Motor, prompt motion.OperatorPrompt, sampling motion.SamplingRate, pub telemetry.Publisher) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stand, err := motion.StandByNumber(cfg.Controller.Stand)
	if err != nil {
		return nil, err
	}
	unit, err := pressure.ParseUnit(cfg.Graduation.Unit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	session, err := graduation.NewSession(cfg.Graduation.Channels, params(&cfg.Graduation, cfg.Graduation.NodePressures))
	if err != nil {
		return nil, err
	}

	if pub == nil {
		pub = telemetry.Nop{}
	}

	s := &Service{
		cfg:     cfg,
		session: session,
		pub:     pub,
		clock:   time.Now(),
		unit:    unit,
		angles:  make([]float64, cfg.Graduation.Channels),
	}
	s.ctl = motion.New(&cfg.Controller, stand, motor, prompt, sampling)
	s.ctl.OnState(s.onControllerState)

	if cfg.Watchdog.Enabled {
		s.wd = watchdog.New(&cfg.Watchdog, motor, s.ctl, s.watchedAngle)
		s.wd.OnRestricted(s.onRestricted)
	}

	return s, nil
}

func params(g *config.GraduationConfig, nodes []float64) graduation.Params {
	return graduation.Params{
		NodePressures:  nodes,
		PressureWindow: g.PressureWindow,
		MinPoints:      g.MinPoints,
		LoessFrac:      g.LoessFrac,
		Method:         graduation.Method(g.Method),
	}
}

// Controller returns the motion controller, for manual jogging.
func (s *Service) Controller() *motion.Controller { return s.ctl }

// Session returns the calibration session.
func (s *Service) Session() *graduation.Session { return s.session }

// OnState registers a callback invoked on every service state change.
func (s *Service) OnState(fn func(State)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

// State returns the current state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notify(st)
}

func (s *Service) notify(st State) {
	s.cbMu.RLock()
	callbacks := make([]func(State), len(s.callbacks))
	copy(callbacks, s.callbacks)
	s.cbMu.RUnlock()

	for _, fn := range callbacks {
		fn(st)
	}
}

// Prepare sets up a run for a gauge with the given node pressures.
func (s *Service) Prepare(nodes []float64, unit pressure.Unit, mode motion.Mode) (motion.Run, error) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st == Running {
		return motion.Run{}, fmt.Errorf("%w: %s", ErrWrongState, st)
	}

	p := params(&s.cfg.Graduation, nodes)
	if err := p.Validate(); err != nil {
		return motion.Run{}, fmt.Errorf("%w: %v", motion.ErrNotReady, err)
	}

	run, err := s.ctl.Prepare(nodes, unit, mode)
	if err != nil {
		return motion.Run{}, err
	}

	s.session.SetParams(p)
	s.session.Clear()

	s.mu.Lock()
	s.unit = unit
	s.run = run
	s.result = nil
	s.lastErr = nil
	s.mu.Unlock()

	s.setState(Prepared)
	log.Printf("service: prepared %s run for %g %s", run.Mode, nodes[len(nodes)-1], unit)
	return run, nil
}

// Start launches the prepared run in the background.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.state != Prepared {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWrongState, st)
	}
	s.state = Running
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	runID := s.session.Begin()

	s.mu.Lock()
	s.capture = true
	s.mu.Unlock()

	s.notify(Running)
	s.startEvents()
	s.event("start", runID)

	if s.wd != nil {
		s.wd.Start()
	}

	go s.execute(done)
	return nil
}

func (s *Service) execute(done chan struct{}) {
	defer close(done)
	defer s.stopEvents()

	err := s.ctl.Run()

	if s.wd != nil {
		s.wd.Stop()
	}

	s.mu.Lock()
	s.capture = false
	s.lastErr = err
	s.mu.Unlock()

	res := s.assemble(err)

	s.mu.Lock()
	s.result = res
	s.mu.Unlock()

	if err := s.pub.PublishResult(res); err != nil {
		log.Printf("service: publish result: %v", err)
	}

	if err != nil {
		log.Printf("service: run %s interrupted: %v", res.RunID, err)
		s.event("interrupted", err.Error())
		s.setState(Interrupted)
		return
	}
	log.Printf("service: run %s finished", res.RunID)
	s.event("finished", "")
	s.setState(Finished)
}

// Wait blocks until the running graduation ends and returns its error.
// It returns at once when nothing was started.
func (s *Service) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Interrupt stops a running graduation and waits for the controller to
// stop, or drops a prepared one.
func (s *Service) Interrupt() {
	switch s.State() {
	case Running:
		s.ctl.Interrupt()
		s.Wait()
	case Prepared:
		s.setState(Idle)
	}
}

// Result returns the result of the last run, nil before the first one ends.
func (s *Service) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// OnPressure feeds a transducer reading.
func (s *Service) OnPressure(p pressure.Pressure) {
	s.mu.Lock()
	unit := s.unit
	capture := s.capture
	nodes := s.run.Nodes
	s.mu.Unlock()

	v := p.In(unit)
	s.ctl.UpdatePressure(time.Since(s.clock).Seconds(), v)

	if capture && s.near(nodes, v) {
		s.session.PushPressure(s.session.Elapsed(), v)
	}
}

// OnAngle feeds a needle angle in degrees.
func (s *Service) OnAngle(ch int, deg float64) {
	s.mu.Lock()
	if ch >= 0 && ch < len(s.angles) {
		s.angles[ch] = deg
	}
	capture := s.capture
	nodes := s.run.Nodes
	s.mu.Unlock()

	if capture && s.near(nodes, s.ctl.CurrentPressure()) {
		s.session.PushAngle(ch, s.session.Elapsed(), deg)
	}
}

// CurrentAngles returns the latest angle of every channel.
func (s *Service) CurrentAngles() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.angles...)
}

// near reports whether samples at pressure p are worth keeping.
func (s *Service) near(nodes []float64, p float64) bool {
	pct := s.cfg.Graduation.CapturePercent
	if pct <= 0 {
		return true
	}
	return motion.NearNode(nodes, p, pct)
}

func (s *Service) watchedAngle() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.angles[s.cfg.Watchdog.Channel]
}

func (s *Service) onControllerState(st motion.State) {
	if st == motion.Backward {
		s.mu.Lock()
		combined := s.run.Mode == motion.ModeForwardBackward
		if !combined {
			s.capture = false
		}
		s.mu.Unlock()
		if combined {
			s.session.SwitchToBackward()
		}
	}
	s.event("state", st.String())
}

func (s *Service) onRestricted(msg string) {
	log.Printf("service: %s", msg)
	s.event("restricted", msg)
}

// event queues an event during a run and publishes it directly otherwise.
// A full queue drops the event.
func (s *Service) event(kind, msg string) {
	e := telemetry.Event{
		RunID:   s.session.RunID(),
		Time:    time.Now(),
		Kind:    kind,
		Message: msg,
	}

	s.evMu.Lock()
	if s.events != nil {
		select {
		case s.events <- e:
		default:
			log.Printf("service: event queue full, dropping %s event", kind)
		}
		s.evMu.Unlock()
		return
	}
	s.evMu.Unlock()

	s.publishEvent(e)
}

func (s *Service) publishEvent(e telemetry.Event) {
	if err := s.pub.PublishEvent(e); err != nil {
		log.Printf("service: publish event: %v", err)
	}
}

// startEvents starts the publisher that drains the event queue of one run,
// so a slow broker never holds up the controller.
func (s *Service) startEvents() {
	events := make(chan telemetry.Event, eventQueueSize)
	published := make(chan struct{})

	s.evMu.Lock()
	s.events, s.published = events, published
	s.evMu.Unlock()

	go func() {
		defer close(published)
		for e := range events {
			s.publishEvent(e)
		}
	}()
}

// stopEvents closes the event queue and waits until it is drained.
func (s *Service) stopEvents() {
	s.evMu.Lock()
	events, published := s.events, s.published
	s.events, s.published = nil, nil
	s.evMu.Unlock()

	if events == nil {
		return
	}
	close(events)
	<-published
}

// assemble graduates both directions. A direction without samples takes
// the forward table.
func (s *Service) assemble(runErr error) *Result {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()

	res := &Result{
		RunID:       s.session.RunID(),
		Stand:       s.ctl.Stand().Name,
		Mode:        run.Mode.String(),
		Unit:        run.Unit.String(),
		Nodes:       run.Nodes,
		Finished:    time.Now(),
		Interrupted: runErr != nil,
	}
	if runErr != nil {
		res.Error = runErr.Error()
	}

	fwd := s.session.Graduate(graduation.Forward)
	back := s.session.Graduate(graduation.Backward)
	backCount := s.session.AnglesCount(graduation.Backward)
	fwdCount := s.session.AnglesCount(graduation.Forward)

	for ch := range fwd {
		cr := ChannelResult{
			Channel: ch,
			Forward: fwd[ch],
			Samples: fwdCount[ch] + backCount[ch],
		}
		if backCount[ch] > 0 {
			cr.Backward = back[ch]
		} else {
			cr.Backward = fwd[ch]
		}
		cr.ForwardRange = finite(graduation.ScaleAngleRange(cr.Forward))
		cr.BackRange = finite(graduation.ScaleAngleRange(cr.Backward))
		cr.Nonlinearity = finite(graduation.ScaleNonlinearity(cr.Forward))
		res.Channels = append(res.Channels, cr)
	}
	return res
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
