package motion

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gaugecal/pkg/config"
	"github.com/itohio/gaugecal/pkg/driver"
	"github.com/itohio/gaugecal/pkg/pressure"
)

var gauge250 = []float64{0, 50, 100, 150, 200, 250}

// standSim is a motor whose piston moves the pressure seen by the controller.
type standSim struct {
	mu   sync.Mutex
	ctl  *Controller
	t    float64
	p    float64
	step float64

	dir        driver.Direction
	running    bool
	flaps      []driver.FlapState
	freqs      []int
	startLimit bool
	endLimit   bool
	// endAfter triggers the end switch after this many forward commands.
	endAfter int
	inlet    float64
	frozen   bool
	// silent stops pressure reports while the piston moves forward.
	silent   bool
}

func (s *standSim) tick(dp float64) {
	s.t += 0.1
	s.p += dp
	if s.p <= 0 {
		s.p = 0
		s.startLimit = true
	}
	s.ctl.UpdatePressure(s.t, s.p)
}

func (s *standSim) SetDirection(d driver.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return driver.ErrRunning
	}
	s.dir = d
	return nil
}

func (s *standSim) SetFrequency(f int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freqs = append(s.freqs, f)
	if f <= 0 || !s.running {
		return
	}
	if s.dir == driver.Forward {
		s.startLimit = false
		if s.endAfter > 0 {
			s.endAfter--
			if s.endAfter == 0 {
				s.endLimit = true
			}
		}
		if s.silent {
			return
		}
		if s.frozen {
			s.tick(0)
			return
		}
		s.tick(s.step)
		return
	}
	s.tick(-s.step)
}

func (s *standSim) SetFlaps(st driver.FlapState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flaps = append(s.flaps, st)
	if st == driver.OpenInput && s.inlet > 0 {
		s.p = s.inlet
		s.tick(0)
	}
	return nil
}

func (s *standSim) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

func (s *standSim) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

func (s *standSim) MaxFrequency() uint32 { return 4000 }

func (s *standSim) StartLimitTriggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLimit
}

func (s *standSim) EndLimitTriggered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endLimit
}

func (s *standSim) lastFlaps() driver.FlapState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.flaps) == 0 {
		return driver.FlapsUnknown
	}
	return s.flaps[len(s.flaps)-1]
}

func (s *standSim) sawFlaps(st driver.FlapState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.flaps {
		if f == st {
			return true
		}
	}
	return false
}

type scriptedPrompt struct {
	mu      sync.Mutex
	answer  string
	asked   int
	onAsk   func()
	options []string
}

func (p *scriptedPrompt) Ask(title, message string, options []string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asked++
	p.options = options
	if p.onAsk != nil {
		p.onAsk()
	}
	return p.answer
}

type fastFlag struct {
	mu    sync.Mutex
	fast  int
	calls int
}

func (f *fastFlag) SetFast(fast bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if fast {
		f.fast++
	}
}

func testConfig() *config.ControllerConfig {
	cfg := config.Default().Controller
	cfg.PollInterval = time.Millisecond
	cfg.PreloadPollInterval = time.Millisecond
	return &cfg
}

func newSim(t *testing.T, stand Stand, prompt OperatorPrompt, sampling SamplingRate) (*Controller, *standSim) {
	t.Helper()
	sim := &standSim{step: 2, inlet: 20}
	ctl := New(testConfig(), stand, sim, prompt, sampling)
	sim.ctl = ctl
	return ctl, sim
}

func runAsync(ctl *Controller) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- ctl.Run() }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
		return nil
	}
}

func TestPrepare(t *testing.T) {
	tests := []struct {
		name     string
		stand    Stand
		nodes    []float64
		unit     pressure.Unit
		mode     Mode
		pressure float64
		wantErr  bool
	}{
		{"stand4 combined", Stand4, gauge250, pressure.Kgf, ModeForwardBackward, 0, false},
		{"single node", Stand4, []float64{250}, pressure.Kgf, ModeForward, 0, true},
		{"unsupported mode", Stand5, gauge250, pressure.Kgf, ModeForward, 0, true},
		{"unknown gauge", Stand4, []float64{0, 100, 300}, pressure.Kgf, ModeForward, 0, true},
		{"unknown unit for gauge", Stand4, gauge250, pressure.MPa, ModeForward, 0, true},
		{"pressure above preload", Stand4, gauge250, pressure.Kgf, ModeForward, 30, true},
		{"stand5 aim", Stand5, gauge250, pressure.Kgf, ModeAim, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := New(testConfig(), tt.stand, &standSim{}, nil, nil)
			ctl.UpdatePressure(0, tt.pressure)

			run, err := ctl.Prepare(tt.nodes, tt.unit, tt.mode)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNotReady)
				assert.Equal(t, Idle, ctl.State())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mode, run.Mode)
			assert.Equal(t, Idle, ctl.State())
		})
	}
}

func TestPrepare_DerivedValues(t *testing.T) {
	ctl := New(testConfig(), Stand4, &standSim{}, nil, nil)

	run, err := ctl.Prepare(gauge250, pressure.Kgf, ModeForwardBackward)
	require.NoError(t, err)

	assert.InDelta(t, 252.5, run.TargetPressure, 1e-9)
	assert.InDelta(t, 17.5, run.PreloadPressure, 1e-9)
	assert.InDelta(t, 250.0/60, run.NominalVelocity, 1e-9)
	assert.InDelta(t, 1.5*250.0/60, run.MaxVelocity, 1e-9)
	assert.InDelta(t, 0.5*250.0/60, run.MinVelocity, 1e-9)

	ctl5 := New(testConfig(), Stand5, &standSim{}, nil, nil)
	run, err = ctl5.Prepare(gauge250, pressure.Kgf, ModeAim)
	require.NoError(t, err)
	assert.InDelta(t, 255, run.TargetPressure, 1e-9)
	assert.InDelta(t, 25, run.PreloadPressure, 1e-9)
}

func TestRun_NotPrepared(t *testing.T) {
	ctl := New(testConfig(), Stand4, &standSim{}, nil, nil)
	assert.ErrorIs(t, ctl.Run(), ErrNotReady)
}

func TestRun_FullSweep(t *testing.T) {
	fast := &fastFlag{}
	ctl, sim := newSim(t, Stand4, nil, fast)

	var mu sync.Mutex
	var states []State
	ctl.OnState(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	_, err := ctl.Prepare(gauge250, pressure.Kgf, ModeForwardBackward)
	require.NoError(t, err)

	require.NoError(t, waitRun(t, runAsync(ctl)))

	mu.Lock()
	assert.Equal(t, []State{Preloading, Forward, Backward, Stopped}, states)
	mu.Unlock()

	assert.Equal(t, Stopped, ctl.State())
	assert.False(t, ctl.Running())
	assert.True(t, sim.sawFlaps(driver.OpenInput))
	assert.True(t, sim.sawFlaps(driver.CloseBoth))
	assert.Equal(t, driver.OpenOutput, sim.lastFlaps())
	assert.False(t, sim.running)

	fast.mu.Lock()
	assert.Greater(t, fast.fast, 0, "node proximity requests fast sampling")
	fast.mu.Unlock()
}

func TestRun_ForwardFrequencyCurve(t *testing.T) {
	ctl, sim := newSim(t, Stand4, nil, nil)
	sim.step = 10

	_, err := ctl.Prepare(gauge250, pressure.Kgf, ModeForward)
	require.NoError(t, err)
	require.NoError(t, waitRun(t, runAsync(ctl)))

	sim.mu.Lock()
	defer sim.mu.Unlock()
	require.NotEmpty(t, sim.freqs)
	slowed := false
	for _, f := range sim.freqs {
		assert.LessOrEqual(t, f, 4000)
		// the ramp alone never goes below max/4
		if f > 0 && f < 1000 {
			slowed = true
		}
	}
	assert.True(t, slowed, "top node slows the piston")
	assert.Less(t, sim.freqs[len(sim.freqs)/4], sim.freqs[0])
}

func TestRun_AimUsesMaxFrequency(t *testing.T) {
	ctl, sim := newSim(t, Stand5, nil, nil)
	sim.inlet = 30

	_, err := ctl.Prepare(gauge250, pressure.Kgf, ModeAim)
	require.NoError(t, err)
	require.NoError(t, waitRun(t, runAsync(ctl)))

	sim.mu.Lock()
	defer sim.mu.Unlock()
	for _, f := range sim.freqs {
		if f > 0 {
			assert.Equal(t, 4000, f)
		}
	}
	assert.True(t, sim.startLimit)
	assert.Equal(t, driver.OpenOutput, sim.flaps[len(sim.flaps)-1])
}

func TestRun_StallRollBack(t *testing.T) {
	prompt := &scriptedPrompt{answer: AnswerBack}
	ctl, sim := newSim(t, Stand4, prompt, nil)
	sim.frozen = true

	_, err := ctl.Prepare(gauge250, pressure.Kgf, ModeForwardBackward)
	require.NoError(t, err)

	err = waitRun(t, runAsync(ctl))
	assert.ErrorIs(t, err, ErrStalled)
	assert.Equal(t, Interrupted, ctl.State())
	assert.Equal(t, 1, prompt.asked)
	assert.Equal(t, []string{AnswerBack, AnswerFine}, prompt.options)
	assert.Equal(t, driver.OpenOutput, sim.lastFlaps())
	assert.False(t, sim.running)
}

func TestRun_StallConfirmedFine(t *testing.T) {
	ctl, sim := newSim(t, Stand4, nil, nil)
	prompt := &scriptedPrompt{answer: AnswerFine, onAsk: func() {
		sim.mu.Lock()
		sim.frozen = false
		sim.mu.Unlock()
	}}
	ctl.prompt = prompt
	sim.frozen = true

	_, err := ctl.Prepare(gauge250, pressure.Kgf, ModeForward)
	require.NoError(t, err)

	require.NoError(t, waitRun(t, runAsync(ctl)))
	assert.Equal(t, 1, prompt.asked)
	assert.Equal(t, Stopped, ctl.State())
}

func TestRun_StallWithoutPrompt(t *testing.T) {
	ctl, sim := newSim(t, Stand4, nil, nil)
	sim.frozen = true

	_, err := ctl.Prepare(gauge250, pressure.Kgf, ModeForward)
	require.NoError(t, err)
	assert.ErrorIs(t, waitRun(t, runAsync(ctl)), ErrStalled)
}

func TestRun_StallWhenPressureStops(t *testing.T) {
	ctl, sim := newSim(t, Stand4, nil, nil)
	ctl.cfg.PressureTimeout = 20 * time.Millisecond
	sim.silent = true

	// the inlet reading after this one leaves a large velocity behind
	ctl.UpdatePressure(0, 0)

	_, err := ctl.Prepare(gauge250, pressure.Kgf, ModeForward)
	require.NoError(t, err)
	require.Greater(t, ctl.Velocity(), 0.0)

	assert.ErrorIs(t, waitRun(t, runAsync(ctl)), ErrStalled)
	assert.Equal(t, driver.OpenOutput, sim.lastFlaps())
}

func TestInterrupt(t *testing.T) {
	ctl, sim := newSim(t, Stand4, nil, nil)
	sim.step = 0.5

	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	ctl.cfg = *cfg

	_, err := ctl.Prepare(gauge250, pressure.Kgf, ModeForwardBackward)
	require.NoError(t, err)

	errCh := runAsync(ctl)
	require.Eventually(t, func() bool { return ctl.State() == Forward }, time.Second, time.Millisecond)

	ctl.Interrupt()
	assert.False(t, ctl.Running())

	err = waitRun(t, errCh)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, Interrupted, ctl.State())
	assert.Equal(t, driver.OpenOutput, sim.lastFlaps())

	// idle interrupt is a no-op
	ctl.Interrupt()
}

func TestInterrupt_DuringPreload(t *testing.T) {
	ctl, sim := newSim(t, Stand4, nil, nil)
	sim.inlet = 0

	_, err := ctl.Prepare(gauge250, pressure.Kgf, ModeForward)
	require.NoError(t, err)

	errCh := runAsync(ctl)
	require.Eventually(t, func() bool { return ctl.State() == Preloading }, time.Second, time.Millisecond)

	ctl.RequestInterrupt()
	assert.ErrorIs(t, waitRun(t, errCh), ErrInterrupted)
	assert.Equal(t, driver.OpenOutput, sim.lastFlaps())
}

func TestInterrupt_BeforeRun(t *testing.T) {
	ctl, sim := newSim(t, Stand4, nil, nil)

	_, err := ctl.Prepare(gauge250, pressure.Kgf, ModeForward)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		ctl.Interrupt()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Interrupt blocked before the run began")
	}

	assert.ErrorIs(t, waitRun(t, runAsync(ctl)), ErrInterrupted)
	assert.Equal(t, Interrupted, ctl.State())
	assert.Equal(t, driver.OpenOutput, sim.lastFlaps())
	for _, f := range sim.freqs {
		assert.Zero(t, f, "piston must not move after an early interrupt")
	}

	t.Run("prepare clears it", func(t *testing.T) {
		ctl, _ := newSim(t, Stand4, nil, nil)
		_, err := ctl.Prepare(gauge250, pressure.Kgf, ModeForward)
		require.NoError(t, err)
		ctl.Interrupt()

		_, err = ctl.Prepare(gauge250, pressure.Kgf, ModeForward)
		require.NoError(t, err)
		assert.NoError(t, waitRun(t, runAsync(ctl)))
		assert.Equal(t, Stopped, ctl.State())
	})
}

func TestRun_Busy(t *testing.T) {
	ctl, sim := newSim(t, Stand4, nil, nil)
	sim.step = 0.5
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	ctl.cfg = *cfg

	_, err := ctl.Prepare(gauge250, pressure.Kgf, ModeForward)
	require.NoError(t, err)
	errCh := runAsync(ctl)
	require.Eventually(t, ctl.Running, time.Second, time.Millisecond)

	_, err = ctl.Prepare(gauge250, pressure.Kgf, ModeForward)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, ctl.GoToStart(), ErrBusy)

	ctl.Interrupt()
	assert.ErrorIs(t, waitRun(t, errCh), ErrInterrupted)
}

func TestVelocity(t *testing.T) {
	ctl := New(testConfig(), Stand4, &standSim{}, nil, nil)
	assert.Zero(t, ctl.Velocity())

	ctl.UpdatePressure(1.0, 10)
	ctl.UpdatePressure(1.5, 12)
	assert.InDelta(t, 4, ctl.Velocity(), 1e-9)
	assert.Equal(t, 12.0, ctl.CurrentPressure())

	ctl.UpdatePressure(1.5+1e-6, 20)
	assert.Zero(t, ctl.Velocity())

	ctl.cfg.PressureTimeout = 10 * time.Millisecond
	ctl.UpdatePressure(2.0, 30)
	ctl.UpdatePressure(2.5, 40)
	require.InDelta(t, 20, ctl.Velocity(), 1e-9)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, ctl.Velocity(), "stale readings mean no motion")
}

func TestJog(t *testing.T) {
	t.Run("to end", func(t *testing.T) {
		ctl, sim := newSim(t, Stand4, nil, nil)
		sim.endAfter = 5
		require.NoError(t, ctl.GoToEnd())
		assert.True(t, sim.endLimit)
		assert.False(t, sim.running)
		assert.False(t, ctl.Running())
	})

	t.Run("to start", func(t *testing.T) {
		ctl, sim := newSim(t, Stand4, nil, nil)
		sim.p = 10
		require.NoError(t, ctl.GoToStart())
		assert.True(t, sim.startLimit)
		assert.Equal(t, driver.Backward, sim.dir)
	})

	t.Run("both limits", func(t *testing.T) {
		ctl, sim := newSim(t, Stand4, nil, nil)
		sim.startLimit = true
		sim.endLimit = true
		assert.ErrorIs(t, ctl.GoToEnd(), ErrEmergency)
		assert.False(t, sim.running)
	})
}
