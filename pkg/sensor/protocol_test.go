package sensor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gaugecal/pkg/config"
	"github.com/itohio/gaugecal/pkg/pressure"
)

// response builds a 5 byte answer: unit code then a big endian float32.
func response(unit byte, v float32) []byte {
	b := make([]byte, 5)
	b[0] = unit
	binary.BigEndian.PutUint32(b[1:], math.Float32bits(v))
	return b
}

func defaultProtocol(t *testing.T) Protocol {
	t.Helper()
	p, err := NewProtocol(&config.Default().Sensor)
	require.NoError(t, err)
	return p
}

func TestNewProtocol(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *config.SensorConfig)
		wantErr bool
	}{
		{"defaults", func(c *config.SensorConfig) {}, false},
		{"bad hex", func(c *config.SensorConfig) { c.RequestBytes = "zz" }, true},
		{"empty request", func(c *config.SensorConfig) { c.RequestBytes = "" }, true},
		{"three indices", func(c *config.SensorConfig) { c.PressureByteIndices = []int{1, 2, 3} }, true},
		{"index outside response", func(c *config.SensorConfig) { c.PressureByteIndices = []int{5, 3, 2, 1} }, true},
		{"unit outside response", func(c *config.SensorConfig) { c.UnitByteIndex = 7 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default().Sensor
			tt.modify(&cfg)
			_, err := NewProtocol(&cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, config.ErrInvalid)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDecode(t *testing.T) {
	p := defaultProtocol(t)

	tests := []struct {
		name     string
		resp     []byte
		wantErr  error
		want     float64
		wantUnit pressure.Unit
	}{
		{"kgf", response(1, 123.5), nil, 123.5, pressure.Kgf},
		{"MPa", response(2, 2.25), nil, 2.25, pressure.MPa},
		{"bar", response(9, 0), nil, 0, pressure.Bar},
		{"short", []byte{1, 2, 3}, ErrShortResponse, 0, pressure.Unknown},
		{"NaN", response(1, float32(math.NaN())), ErrBadValue, 0, pressure.Unknown},
		{"Inf", response(1, float32(math.Inf(1))), ErrBadValue, 0, pressure.Unknown},
		{"unknown unit", response(42, 1), ErrBadUnit, 0, pressure.Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Decode(tt.resp)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUnit, got.Unit())
			assert.InDelta(t, tt.want, got.In(tt.wantUnit), 1e-6)
		})
	}
}

func TestDecode_ByteOrder(t *testing.T) {
	cfg := config.Default().Sensor
	cfg.PressureByteIndices = []int{1, 2, 3, 4}
	p, err := NewProtocol(&cfg)
	require.NoError(t, err)

	// ascending indices read the value big endian from bytes 1..4
	b := make([]byte, 5)
	b[0] = 3
	binary.BigEndian.PutUint32(b[1:], math.Float32bits(42))
	got, err := p.Decode(b)
	require.NoError(t, err)
	assert.InDelta(t, 42, got.In(pressure.KPa), 1e-6)

	// descending indices read the same wire bytes little endian
	cfg.PressureByteIndices = []int{4, 3, 2, 1}
	p, err = NewProtocol(&cfg)
	require.NoError(t, err)
	got, err = p.Decode(b)
	require.NoError(t, err)
	assert.InDelta(t, 42, got.In(pressure.KPa), 1e-6)

	// unsorted indices are taken as little endian as is
	cfg.PressureByteIndices = []int{2, 1, 4, 3}
	p, err = NewProtocol(&cfg)
	require.NoError(t, err)
	le := make([]byte, 5)
	le[0] = 3
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], math.Float32bits(7))
	le[2], le[1], le[4], le[3] = raw[0], raw[1], raw[2], raw[3]
	got, err = p.Decode(le)
	require.NoError(t, err)
	assert.InDelta(t, 7, got.In(pressure.KPa), 1e-6)
}

// loopback answers every request with a canned response.
type loopback struct {
	req  bytes.Buffer
	resp *bytes.Reader
}

func (l *loopback) Write(b []byte) (int, error) { return l.req.Write(b) }
func (l *loopback) Read(b []byte) (int, error)  { return l.resp.Read(b) }

func TestPoll(t *testing.T) {
	p := defaultProtocol(t)

	rw := &loopback{resp: bytes.NewReader(response(1, 10))}
	got, err := p.Poll(rw)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, rw.req.Bytes())
	assert.InDelta(t, 10, got.In(pressure.Kgf), 1e-6)

	rw = &loopback{resp: bytes.NewReader([]byte{1, 2})}
	_, err = p.Poll(rw)
	assert.ErrorIs(t, err, ErrShortResponse)
}
