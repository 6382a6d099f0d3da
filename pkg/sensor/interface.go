// Package sensor reads the reference pressure transducer.
package sensor

import (
	"time"

	"github.com/itohio/gaugecal/pkg/pressure"
)

// DefaultBufferSize is the default size for the readings channel buffer.
const DefaultBufferSize = 100

// Reading is one pressure measurement.
type Reading struct {
	Timestamp time.Time
	Pressure  pressure.Pressure
}

// Device defines the interface for pressure sources (real or mocked).
type Device interface {
	Connect() error
	Close() error
	Samples() <-chan Reading
	IsConnected() bool
}

var _ Device = (*Serial)(nil)

var _ Device = (*Mock)(nil)
