// Package port provides byte-oriented access to the parallel port that
// drives the stepper controller, the flaps and the limit switches.
package port

import (
	"errors"
	"fmt"

	"github.com/itohio/gaugecal/pkg/config"
)

// Register offsets relative to the base address.
const (
	Data    = 0
	Status  = 1
	Control = 2
)

// DevPortPath is the kernel character device exposing I/O port space.
const DevPortPath = "/dev/port"

var (
	// ErrClosed is returned by operations on a closed port.
	ErrClosed = errors.New("port closed")
	// ErrUnsupported is returned where raw port access is not available.
	ErrUnsupported = errors.New("raw port access not supported on this platform")
)

// IO is a byte-addressed port.
type IO interface {
	In(addr uint16) (byte, error)
	Out(addr uint16, v byte) error
	Close() error
}

var (
	_ IO = (*Mock)(nil)
	_ IO = (*DevPort)(nil)
	_ IO = (*GPIO)(nil)
)

// Open opens the port selected by cfg.Port.
func Open(cfg *config.Config) (IO, error) {
	switch cfg.Driver.Port {
	case "mock":
		return NewMock(), nil
	case "devport", "":
		p, err := OpenDevPort(DevPortPath)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "gpio":
		return OpenGPIO(cfg.Driver.PortAddress, &cfg.GPIO)
	}
	return nil, fmt.Errorf("unknown port type %q", cfg.Driver.Port)
}
