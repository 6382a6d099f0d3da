package graduation

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction selects the forward or backward buckets of a session.
type Direction int

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

// Session records one calibration run: forward and backward buckets of
// pressure and per-channel angle samples.
type Session struct {
	forward  *Batch
	backward *Batch

	mu         sync.RWMutex
	active     Direction
	begin      time.Time
	runID      string
	lastAngles []float64
}

// NewSession creates a session for channels angle channels.
func NewSession(channels int, params Params) (*Session, error) {
	fwd, err := NewBatch(channels, params)
	if err != nil {
		return nil, err
	}
	bwd, err := NewBatch(channels, params)
	if err != nil {
		return nil, err
	}
	return &Session{
		forward:    fwd,
		backward:   bwd,
		begin:      time.Now(),
		lastAngles: make([]float64, channels),
	}, nil
}

// Channels returns the number of angle channels.
func (s *Session) Channels() int { return s.forward.Channels() }

// SetParams reconfigures both directions.
func (s *Session) SetParams(params Params) {
	s.forward.SetParams(params)
	s.backward.SetParams(params)
}

// Begin restarts the run clock, selects the forward buckets and assigns a
// new run ID.
func (s *Session) Begin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begin = time.Now()
	s.active = Forward
	s.runID = uuid.NewString()
	return s.runID
}

// RunID returns the ID assigned by the last Begin.
func (s *Session) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runID
}

// Elapsed returns seconds since Begin.
func (s *Session) Elapsed() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.begin).Seconds()
}

// SwitchToForward directs subsequent samples to the forward buckets.
func (s *Session) SwitchToForward() { s.setActive(Forward) }

// SwitchToBackward directs subsequent samples to the backward buckets.
func (s *Session) SwitchToBackward() { s.setActive(Backward) }

func (s *Session) setActive(d Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = d
}

// Active returns the direction receiving samples.
func (s *Session) Active() Direction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Session) batch(d Direction) *Batch {
	if d == Backward {
		return s.backward
	}
	return s.forward
}

// PushPressure records a pressure sample in the active direction.
func (s *Session) PushPressure(t, p float64) {
	s.batch(s.Active()).AddPressure(t, p)
}

// PushAngle records an angle sample of a channel in the active direction.
// Samples of unknown channels are dropped.
func (s *Session) PushAngle(ch int, t, a float64) {
	if err := s.batch(s.Active()).AddAngle(ch, t, a); err != nil {
		log.Printf("graduation: angle sample dropped: %v", err)
		return
	}
	s.mu.Lock()
	s.lastAngles[ch] = a
	s.mu.Unlock()
}

// CurrentAngles returns the latest angle of each channel.
func (s *Session) CurrentAngles() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]float64(nil), s.lastAngles...)
}

// CurrentAngle returns the latest angle of a channel, 0 for unknown channels.
func (s *Session) CurrentAngle(ch int) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ch < 0 || ch >= len(s.lastAngles) {
		return 0
	}
	return s.lastAngles[ch]
}

// Graduate computes node results per channel for a direction.
func (s *Session) Graduate(d Direction) [][]NodeResult {
	return s.batch(d).Graduate()
}

// ScaleAngleRange returns per-channel angle ranges for a direction.
func (s *Session) ScaleAngleRange(d Direction) []float64 {
	return s.batch(d).ScaleAngleRange()
}

// ScaleNonlinearity returns per-channel nonlinearity for a direction.
func (s *Session) ScaleNonlinearity(d Direction) []float64 {
	return s.batch(d).ScaleNonlinearity()
}

// AnglesCount returns per-channel sample counts for a direction.
func (s *Session) AnglesCount(d Direction) []int {
	return s.batch(d).AnglesCount()
}

// DebugWindows returns per-channel debug windows for a direction.
func (s *Session) DebugWindows(d Direction) [][]DebugWindow {
	return s.batch(d).DebugWindows()
}

// Clear drops every sample and result of both directions.
func (s *Session) Clear() {
	s.forward.Clear()
	s.backward.Clear()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.lastAngles {
		s.lastAngles[i] = 0
	}
	s.active = Forward
}
