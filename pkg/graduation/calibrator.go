// Package graduation turns pressure and needle angle time series recorded
// during a sweep into a pressure to angle table at the node pressures.
package graduation

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Method selects the node estimation algorithm.
type Method string

const (
	// MethodLoess resamples both series, smooths the angle over a pressure
	// window with LOESS and reads the smoothed curve at the node.
	MethodLoess Method = "loess"
	// MethodParabolic fits parabolas around the samples nearest the node.
	MethodParabolic Method = "parabolic"
)

// Params configures a Calibrator.
type Params struct {
	NodePressures  []float64
	PressureWindow float64
	MinPoints      int
	LoessFrac      float64
	Method         Method
}

// DefaultParams returns the stand defaults.
func DefaultParams(nodes []float64) Params {
	return Params{
		NodePressures:  nodes,
		PressureWindow: 5,
		MinPoints:      7,
		LoessFrac:      0.3,
		Method:         MethodLoess,
	}
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if len(p.NodePressures) == 0 {
		return fmt.Errorf("no node pressures")
	}
	if p.PressureWindow <= 0 {
		return fmt.Errorf("pressure window must be positive")
	}
	if p.LoessFrac <= 0 || p.LoessFrac > 1 {
		return fmt.Errorf("loess fraction %g outside (0, 1]", p.LoessFrac)
	}
	if p.Method != MethodLoess && p.Method != MethodParabolic {
		return fmt.Errorf("unknown method %q", p.Method)
	}
	return nil
}

// NodeResult is the angle found at one node pressure. Angle is NaN when
// the node could not be estimated.
type NodeResult struct {
	Pressure float64 `json:"pressure"`
	Angle    float64 `json:"angle"`
	Valid    bool    `json:"valid"`
}

// MarshalJSON writes a non-finite angle as null.
func (r NodeResult) MarshalJSON() ([]byte, error) {
	type node struct {
		Pressure float64  `json:"pressure"`
		Angle    *float64 `json:"angle"`
		Valid    bool     `json:"valid"`
	}
	n := node{Pressure: r.Pressure, Valid: r.Valid}
	if !math.IsNaN(r.Angle) && !math.IsInf(r.Angle, 0) {
		a := r.Angle
		n.Angle = &a
	}
	return json.Marshal(n)
}

// Formed reports whether a result vector covers every node.
func Formed(results []NodeResult, nodes int) bool {
	return len(results) == nodes
}

// DebugWindow is the regression input and output around one node.
type DebugWindow struct {
	NodePressure  float64   `json:"node_pressure"`
	LocalPressure []float64 `json:"local_pressure"`
	LocalAngle    []float64 `json:"local_angle"`
	SmoothedAngle []float64 `json:"smoothed_angle"`
}

// Calibrator estimates node angles of one channel. It is safe for
// concurrent use.
type Calibrator struct {
	mu        sync.Mutex
	params    Params
	cached    bool
	lastCount int
	results   []NodeResult
	windows   []DebugWindow
}

// NewCalibrator creates a calibrator. The node slice is copied.
func NewCalibrator(params Params) *Calibrator {
	c := &Calibrator{}
	c.SetParams(params)
	return c
}

// SetParams replaces the parameters and drops cached results.
func (c *Calibrator) SetParams(params Params) {
	c.mu.Lock()
	defer c.mu.Unlock()
	params.NodePressures = append([]float64(nil), params.NodePressures...)
	if params.Method == "" {
		params.Method = MethodLoess
	}
	c.params = params
	c.invalidate()
}

// Params returns a copy of the parameters.
func (c *Calibrator) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.params
	p.NodePressures = append([]float64(nil), p.NodePressures...)
	return p
}

// Clear drops cached results.
func (c *Calibrator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidate()
}

func (c *Calibrator) invalidate() {
	c.cached = false
	c.lastCount = 0
	c.results = nil
	c.windows = nil
}

// Graduate returns one result per node pressure, in configured order.
// Results are recomputed only when the number of angle samples changed
// since the previous call. The returned slice is owned by the caller.
func (c *Calibrator) Graduate(pressure, angle []Sample) []NodeResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cached || c.lastCount != len(angle) {
		switch c.params.Method {
		case MethodParabolic:
			c.results, c.windows = graduateParabolic(c.params, pressure, angle)
		default:
			c.results, c.windows = graduateLoess(c.params, pressure, angle)
		}
		c.cached = true
		c.lastCount = len(angle)
	}

	return append([]NodeResult(nil), c.results...)
}

// DebugWindows returns the windows of the last computation.
func (c *Calibrator) DebugWindows() []DebugWindow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DebugWindow(nil), c.windows...)
}

// ScaleAngleRange returns the angle between the last and the first node of
// the last computation, 0 with fewer than two results.
func (c *Calibrator) ScaleAngleRange() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ScaleAngleRange(c.results)
}

// ScaleNonlinearity returns the nonlinearity of the last computation in percent.
func (c *Calibrator) ScaleNonlinearity() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ScaleNonlinearity(c.results)
}

// ScaleAngleRange is the last node angle minus the first. It is NaN when
// either end node is invalid, as is a node below the preload pressure that
// the piston never passes.
func ScaleAngleRange(results []NodeResult) float64 {
	if len(results) < 2 {
		return 0
	}
	return results[len(results)-1].Angle - results[0].Angle
}

// ScaleNonlinearity is the largest deviation of a node to node angle
// increment from the mean increment, in percent of the mean increment.
// Only valid nodes take part. Returns 0 when the mean increment vanishes.
func ScaleNonlinearity(results []NodeResult) float64 {
	angles := make([]float64, 0, len(results))
	for _, r := range results {
		if r.Valid && !math.IsNaN(r.Angle) && !math.IsInf(r.Angle, 0) {
			angles = append(angles, r.Angle)
		}
	}
	n := len(angles)
	if n < 2 {
		return 0
	}

	avr := (angles[n-1] - angles[0]) / float64(n-1)
	if math.Abs(avr) < 1e-15 {
		return 0
	}

	var maxDev float64
	for i := 0; i+1 < n; i++ {
		maxDev = math.Max(maxDev, math.Abs(angles[i+1]-angles[i]-avr))
	}
	return maxDev / math.Abs(avr) * 100
}

func invalidResults(nodes []float64) []NodeResult {
	out := make([]NodeResult, len(nodes))
	for i, p := range nodes {
		out[i] = NodeResult{Pressure: p, Angle: math.NaN()}
	}
	return out
}

func graduateLoess(params Params, pressure, angle []Sample) ([]NodeResult, []DebugWindow) {
	results := invalidResults(params.NodePressures)

	pa, aa, err := resample(pressure, angle)
	if err != nil {
		return results, nil
	}

	windows := make([]DebugWindow, 0, len(results))
	for i, node := range params.NodePressures {
		lo := sort.SearchFloat64s(pa, node-params.PressureWindow)
		hi := sort.Search(len(pa), func(k int) bool { return pa[k] > node+params.PressureWindow })
		if hi-lo < params.MinPoints || hi-lo < 2 {
			continue
		}

		localP := append([]float64(nil), pa[lo:hi]...)
		localA := append([]float64(nil), aa[lo:hi]...)
		smoothed := Loess(localP, localA, params.LoessFrac)

		a := InterpolateAt(localP, smoothed, node)
		if math.IsNaN(a) || math.IsInf(a, 0) {
			continue
		}
		results[i] = NodeResult{Pressure: node, Angle: a, Valid: true}
		windows = append(windows, DebugWindow{
			NodePressure:  node,
			LocalPressure: localP,
			LocalAngle:    localA,
			SmoothedAngle: smoothed,
		})
	}

	return results, windows
}
