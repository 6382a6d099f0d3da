package graduation

import (
	"encoding/json"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearRun returns pressure rising 10 units per second for 30 s sampled
// at 10 Hz and an angle of 2*p+5 sampled at the same times.
func linearRun() ([]Sample, []Sample) {
	var pressure, angle []Sample
	for i := 0; i <= 300; i++ {
		ts := float64(i) * 0.1
		p := 10 * ts
		pressure = append(pressure, Sample{T: ts, V: p})
		angle = append(angle, Sample{T: ts, V: 2*p + 5})
	}
	return pressure, angle
}

func TestCalibrator_OneResultPerNodeInOrder(t *testing.T) {
	nodes := []float64{250, 10, 100, 50, 200, 150}
	c := NewCalibrator(DefaultParams(nodes))
	pressure, angle := linearRun()

	results := c.Graduate(pressure, angle)
	require.True(t, Formed(results, len(nodes)))
	for i, r := range results {
		assert.Equal(t, nodes[i], r.Pressure)
		assert.True(t, r.Valid, "node %g", r.Pressure)
		assert.InDelta(t, 2*nodes[i]+5, r.Angle, 1e-6)
	}

	windows := c.DebugWindows()
	require.Len(t, windows, len(nodes))
	for _, w := range windows {
		assert.Len(t, w.LocalPressure, len(w.LocalAngle))
		assert.Len(t, w.SmoothedAngle, len(w.LocalAngle))
		assert.GreaterOrEqual(t, len(w.LocalPressure), 7)
	}
}

func TestCalibrator_SparseNodeIsInvalid(t *testing.T) {
	var pressure, angle []Sample
	push := func(ts, p float64) {
		pressure = append(pressure, Sample{T: ts, V: p})
		angle = append(angle, Sample{T: ts, V: 3 * p})
	}
	// Slow rise through 0..10, three samples near 50, slow rise through 95..105.
	for i := 0; i <= 100; i++ {
		push(float64(i)*0.1, float64(i)*0.1)
	}
	push(10.1, 49)
	push(10.2, 50)
	push(10.3, 51)
	push(10.4, 90)
	for k := 0; k <= 10; k++ {
		push(10.5+float64(k)*0.1, 95+float64(k))
	}

	params := DefaultParams([]float64{0, 50, 100})
	params.PressureWindow = 5
	params.MinPoints = 7
	results := NewCalibrator(params).Graduate(pressure, angle)
	require.Len(t, results, 3)

	assert.True(t, results[0].Valid)
	assert.InDelta(t, 0, results[0].Angle, 1e-6)

	assert.False(t, results[1].Valid)
	assert.True(t, math.IsNaN(results[1].Angle))
	assert.Equal(t, 50.0, results[1].Pressure)

	assert.True(t, results[2].Valid)
	assert.InDelta(t, 300, results[2].Angle, 1e-6)
}

func TestCalibrator_NoDataAllInvalid(t *testing.T) {
	nodes := []float64{0, 50, 100}
	c := NewCalibrator(DefaultParams(nodes))

	results := c.Graduate(nil, nil)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.False(t, r.Valid)
		assert.True(t, math.IsNaN(r.Angle))
	}
	assert.Equal(t, 0.0, c.ScaleNonlinearity())
}

func TestCalibrator_NoOverlapAllInvalid(t *testing.T) {
	c := NewCalibrator(DefaultParams([]float64{0, 50}))
	results := c.Graduate(
		[]Sample{{0, 0}, {1, 100}},
		[]Sample{{5, 0}, {6, 10}},
	)
	require.Len(t, results, 2)
	assert.False(t, results[0].Valid)
	assert.False(t, results[1].Valid)
}

func TestCalibrator_CachedByAngleCount(t *testing.T) {
	c := NewCalibrator(DefaultParams([]float64{50, 100}))
	pressure, angle := linearRun()

	first := c.Graduate(pressure, angle)
	require.True(t, first[0].Valid)

	// Same angle count: pressure changes are not picked up.
	shifted := make([]Sample, len(pressure))
	for i, s := range pressure {
		shifted[i] = Sample{T: s.T, V: s.V + 20}
	}
	assert.Equal(t, first, c.Graduate(shifted, angle))

	// One more angle sample triggers recomputation.
	angle = append(angle, Sample{T: 30.05, V: 605})
	second := c.Graduate(shifted, angle)
	assert.InDelta(t, 2*(50-20)+5, second[0].Angle, 1e-6)
}

func TestCalibrator_ResultsAreCopies(t *testing.T) {
	c := NewCalibrator(DefaultParams([]float64{50, 100}))
	pressure, angle := linearRun()

	r := c.Graduate(pressure, angle)
	r[0].Angle = -1
	assert.InDelta(t, 105, c.Graduate(pressure, angle)[0].Angle, 1e-6)
}

func TestCalibrator_ClearInvalidatesCache(t *testing.T) {
	c := NewCalibrator(DefaultParams([]float64{50}))
	pressure, angle := linearRun()
	require.True(t, c.Graduate(pressure, angle)[0].Valid)

	c.Clear()
	assert.Empty(t, c.DebugWindows())
	assert.False(t, c.Graduate(nil, nil)[0].Valid)
}

func TestCalibrator_Parabolic(t *testing.T) {
	var pressure, angle []Sample
	for i := 0; i <= 80; i++ {
		ts := float64(i) * 0.1
		p := 5 * ts * ts
		pressure = append(pressure, Sample{T: ts, V: p})
		angle = append(angle, Sample{T: ts + 0.05, V: 10 * (ts + 0.05) * (ts + 0.05)})
	}

	params := DefaultParams([]float64{50, 100, 200})
	params.Method = MethodParabolic
	results := NewCalibrator(params).Graduate(pressure, angle)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Valid, "node %g", r.Pressure)
		assert.InDelta(t, 2*r.Pressure, r.Angle, 1e-6)
	}
}

func TestCalibrator_ParabolicOutOfRange(t *testing.T) {
	pressure, angle := linearRun()
	params := DefaultParams([]float64{100, 1000})
	params.Method = MethodParabolic
	results := NewCalibrator(params).Graduate(pressure, angle)
	require.Len(t, results, 2)
	assert.True(t, results[0].Valid)
	assert.InDelta(t, 205, results[0].Angle, 1e-6)
	assert.False(t, results[1].Valid)
}

func TestScaleMetrics(t *testing.T) {
	results := []NodeResult{
		{Pressure: 0, Angle: 0, Valid: true},
		{Pressure: 1, Angle: 10, Valid: true},
		{Pressure: 2, Angle: math.NaN(), Valid: false},
		{Pressure: 3, Angle: 20, Valid: true},
		{Pressure: 4, Angle: 35, Valid: true},
	}

	assert.InDelta(t, 35, ScaleAngleRange(results), 1e-12)
	// Mean increment 35/3, largest deviation 15-35/3.
	assert.InDelta(t, (15-35.0/3)/(35.0/3)*100, ScaleNonlinearity(results), 1e-9)

	flat := []NodeResult{{Angle: 5, Valid: true}, {Angle: 5, Valid: true}}
	assert.Equal(t, 0.0, ScaleNonlinearity(flat))
	assert.Equal(t, 0.0, ScaleAngleRange(results[:1]))
}

func TestParams_Validate(t *testing.T) {
	assert.NoError(t, DefaultParams([]float64{0, 1}).Validate())

	p := DefaultParams(nil)
	assert.Error(t, p.Validate())

	p = DefaultParams([]float64{0, 1})
	p.LoessFrac = 0
	assert.Error(t, p.Validate())

	p = DefaultParams([]float64{0, 1})
	p.Method = "cubic"
	assert.Error(t, p.Validate())
}

func TestBatch_ConcurrentPushAndGraduate(t *testing.T) {
	b, err := NewBatch(2, DefaultParams([]float64{50, 100}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i <= 300; i++ {
			ts := float64(i) * 0.1
			b.AddPressure(ts, 10*ts)
			assert.NoError(t, b.AddAngle(0, ts, 20*ts))
			assert.NoError(t, b.AddAngle(1, ts, 30*ts))
		}
	}()

	for i := 0; i < 20; i++ {
		res := b.Graduate()
		require.Len(t, res, 2)
		assert.Len(t, res[0], 2)
	}
	wg.Wait()

	res := b.Graduate()
	assert.InDelta(t, 100, res[0][0].Angle, 1e-6)
	assert.InDelta(t, 300, res[1][1].Angle, 1e-6)
	assert.Equal(t, []int{301, 301}, b.AnglesCount())
	assert.Equal(t, 301, b.PressureCount())

	assert.Error(t, b.AddAngle(2, 0, 0))
}

func TestNodeResult_JSON(t *testing.T) {
	b, err := json.Marshal([]NodeResult{
		{Pressure: 50, Angle: 12.5, Valid: true},
		{Pressure: 100, Angle: math.NaN()},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"pressure":50,"angle":12.5,"valid":true},{"pressure":100,"angle":null,"valid":false}]`, string(b))
}
