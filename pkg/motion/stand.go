package motion

import (
	"fmt"
	"math"
	"strconv"

	"github.com/itohio/gaugecal/pkg/config"
	"github.com/itohio/gaugecal/pkg/pressure"
)

// Mode selects how a stand sweeps.
type Mode int

const (
	// ModeAim runs forward at full speed without graduation slowdowns.
	ModeAim Mode = iota
	// ModeForward graduates the forward sweep and returns at full speed.
	ModeForward
	// ModeForwardBackward graduates both sweeps.
	ModeForwardBackward
)

var modeNames = map[Mode]string{
	ModeAim:             "aim",
	ModeForward:         "forward",
	ModeForwardBackward: "forward_backward",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseMode parses a configuration mode name.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Stand carries the parameters that differ between physical stands.
type Stand struct {
	Name string
	// TargetMargin raises the sweep target above the last node.
	TargetMargin float64
	Modes        []Mode
	// Ramp enables the pressure dependent frequency ramp and node slowdown.
	Ramp bool
	// BackwardToStartLimit returns the piston to the start switch instead
	// of stopping at the pressure floor.
	BackwardToStartLimit bool
	// PreloadFactor returns the fraction of the first node pressure to
	// preload to, 0 when the gauge is not supported.
	PreloadFactor func(nodes []float64, unit pressure.Unit, table config.PreloadFactors) float64
}

// Stand4 graduates with a pressure ramp and a preload table per gauge.
var Stand4 = Stand{
	Name:          "stand4",
	TargetMargin:  0.01,
	Modes:         []Mode{ModeAim, ModeForward, ModeForwardBackward},
	Ramp:          true,
	PreloadFactor: tablePreloadFactor,
}

// Stand5 sweeps at full speed and returns to the start switch.
var Stand5 = Stand{
	Name:                 "stand5",
	TargetMargin:         0.02,
	Modes:                []Mode{ModeAim},
	BackwardToStartLimit: true,
	PreloadFactor:        halfPreloadFactor,
}

// StandByNumber returns the stand for the configured stand number.
func StandByNumber(n int) (Stand, error) {
	switch n {
	case 4:
		return Stand4, nil
	case 5:
		return Stand5, nil
	}
	return Stand{}, fmt.Errorf("%w: unsupported stand %d", config.ErrInvalid, n)
}

// Supports reports whether the stand can run the mode.
func (s Stand) Supports(m Mode) bool {
	for _, sm := range s.Modes {
		if sm == m {
			return true
		}
	}
	return false
}

// TargetPressure is the pressure the forward sweep runs to.
func (s Stand) TargetPressure(nodes []float64) float64 {
	if len(nodes) < 2 {
		return 0
	}
	return nodes[len(nodes)-1] * (1 + s.TargetMargin)
}

// Frequency returns the forward frequency at pressure p. It falls linearly
// from max at zero pressure to max/4 at the target.
func (s Stand) Frequency(p, target float64, maxFreq uint32) float64 {
	fmax := float64(maxFreq)
	if !s.Ramp || target <= 0 {
		return fmax
	}
	x := math.Min(math.Max(p/target, 0), 1)
	return fmax - 0.75*fmax*x
}

func halfPreloadFactor([]float64, pressure.Unit, config.PreloadFactors) float64 {
	return 0.5
}

// tablePreloadFactor looks the factor up by the gauge upper limit and unit.
func tablePreloadFactor(nodes []float64, unit pressure.Unit, table config.PreloadFactors) float64 {
	if len(nodes) == 0 {
		return 0
	}
	key := strconv.FormatFloat(nodes[len(nodes)-1], 'f', -1, 64)
	return table[key][unit.String()]
}

// NearNode reports whether p lies within percent of the node step from any
// node. The node step is the distance between the first two nodes.
func NearNode(nodes []float64, p, percent float64) bool {
	if len(nodes) < 2 {
		return false
	}
	tol := math.Abs((nodes[1] - nodes[0]) * percent / 100)
	for _, n := range nodes {
		if math.Abs(p-n) <= tol {
			return true
		}
	}
	return false
}

// firstPositive returns the first node above zero.
func firstPositive(nodes []float64) float64 {
	for _, n := range nodes {
		if n > 0 {
			return n
		}
	}
	return 0
}
