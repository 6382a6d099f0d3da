package sensor

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/chewxy/math32"

	"github.com/itohio/gaugecal/pkg/config"
	"github.com/itohio/gaugecal/pkg/pressure"
)

var (
	// ErrShortResponse is returned when the transducer answers with fewer bytes than expected.
	ErrShortResponse = errors.New("short response")
	// ErrBadValue is returned for NaN or infinite pressure values.
	ErrBadValue = errors.New("non-finite pressure value")
	// ErrBadUnit is returned for an unknown unit code.
	ErrBadUnit = errors.New("unknown unit code")
)

// Protocol describes the request/response exchange with the transducer.
type Protocol struct {
	Request        []byte
	ResponseLength int
	PressureBytes  [4]int
	UnitByte       int
}

// NewProtocol builds the protocol from configuration.
func NewProtocol(cfg *config.SensorConfig) (Protocol, error) {
	req, err := hex.DecodeString(cfg.RequestBytes)
	if err != nil {
		return Protocol{}, fmt.Errorf("%w: sensor.request_bytes: %v", config.ErrInvalid, err)
	}
	if len(req) == 0 {
		return Protocol{}, fmt.Errorf("%w: sensor.request_bytes is empty", config.ErrInvalid)
	}
	if len(cfg.PressureByteIndices) != 4 {
		return Protocol{}, fmt.Errorf("%w: sensor.pressure_byte_indices needs 4 indices, got %d", config.ErrInvalid, len(cfg.PressureByteIndices))
	}

	p := Protocol{
		Request:        req,
		ResponseLength: cfg.ResponseLength,
		UnitByte:       cfg.UnitByteIndex,
	}
	copy(p.PressureBytes[:], cfg.PressureByteIndices)

	if p.UnitByte < 0 || p.UnitByte >= p.ResponseLength {
		return Protocol{}, fmt.Errorf("%w: sensor.unit_byte_index %d outside response", config.ErrInvalid, p.UnitByte)
	}
	for _, i := range p.PressureBytes {
		if i < 0 || i >= p.ResponseLength {
			return Protocol{}, fmt.Errorf("%w: sensor.pressure_byte_indices %d outside response", config.ErrInvalid, i)
		}
	}
	return p, nil
}

// byteOrder infers the value byte order from the index order. Descending
// indices mean little endian, ascending mean big endian, anything else is
// taken as is.
func (p Protocol) byteOrder() binary.ByteOrder {
	idx := p.PressureBytes[:]
	asc := sort.IntsAreSorted(idx)
	desc := sort.SliceIsSorted(idx, func(i, j int) bool { return idx[i] > idx[j] })
	if asc && !desc {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Decode extracts the pressure from a full response.
func (p Protocol) Decode(resp []byte) (pressure.Pressure, error) {
	if len(resp) < p.ResponseLength {
		return pressure.Pressure{}, fmt.Errorf("%w: got %d bytes, want %d", ErrShortResponse, len(resp), p.ResponseLength)
	}

	var raw [4]byte
	for i, idx := range p.PressureBytes {
		raw[i] = resp[idx]
	}
	v := math32.Float32frombits(p.byteOrder().Uint32(raw[:]))
	if math32.IsNaN(v) || math32.IsInf(v, 0) {
		return pressure.Pressure{}, ErrBadValue
	}

	unit, ok := pressure.UnitFromCode(resp[p.UnitByte])
	if !ok {
		return pressure.Pressure{}, fmt.Errorf("%w: %d", ErrBadUnit, resp[p.UnitByte])
	}

	return pressure.New(float64(v), unit)
}

// Poll sends one request and decodes the answer.
func (p Protocol) Poll(rw io.ReadWriter) (pressure.Pressure, error) {
	if _, err := rw.Write(p.Request); err != nil {
		return pressure.Pressure{}, fmt.Errorf("failed to send request: %w", err)
	}

	resp := make([]byte, p.ResponseLength)
	n := 0
	for n < len(resp) {
		m, err := rw.Read(resp[n:])
		n += m
		if err != nil {
			if errors.Is(err, io.EOF) && n < len(resp) {
				return pressure.Pressure{}, fmt.Errorf("%w: got %d bytes, want %d", ErrShortResponse, n, len(resp))
			}
			if !errors.Is(err, io.EOF) {
				return pressure.Pressure{}, fmt.Errorf("failed to read response: %w", err)
			}
		}
		// read timeout
		if m == 0 {
			break
		}
	}

	return p.Decode(resp[:n])
}
