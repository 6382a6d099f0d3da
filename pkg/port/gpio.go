package port

import (
	"fmt"
	"sync"

	"github.com/itohio/gaugecal/pkg/config"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// GPIO emulates the three parallel port registers on host GPIO lines. Each
// register maps up to eight pins, bit i to pin i. Empty pin names leave the
// bit unconnected (reads as 0).
type GPIO struct {
	base uint16

	mu      sync.Mutex
	data    [8]gpio.PinIO
	status  [8]gpio.PinIO
	control [8]gpio.PinIO
	latch   [3]byte
	closed  bool
}

// OpenGPIO initializes the periph host and resolves all configured pins.
func OpenGPIO(base uint16, cfg *config.GPIOConfig) (*GPIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	g := &GPIO{base: base}
	if err := resolvePins(g.data[:], cfg.Data, false); err != nil {
		return nil, fmt.Errorf("data pins: %w", err)
	}
	if err := resolvePins(g.status[:], cfg.Status, true); err != nil {
		return nil, fmt.Errorf("status pins: %w", err)
	}
	if err := resolvePins(g.control[:], cfg.Control, false); err != nil {
		return nil, fmt.Errorf("control pins: %w", err)
	}
	return g, nil
}

func resolvePins(dst []gpio.PinIO, names []string, input bool) error {
	if len(names) > len(dst) {
		return fmt.Errorf("%d pins configured, at most %d allowed", len(names), len(dst))
	}
	for i, name := range names {
		if name == "" {
			continue
		}
		p := gpioreg.ByName(name)
		if p == nil {
			return fmt.Errorf("pin %q not found", name)
		}
		var err error
		if input {
			err = p.In(gpio.PullUp, gpio.NoEdge)
		} else {
			err = p.Out(gpio.Low)
		}
		if err != nil {
			return fmt.Errorf("pin %q: %w", name, err)
		}
		dst[i] = p
	}
	return nil
}

func (g *GPIO) register(addr uint16) ([]gpio.PinIO, int, error) {
	switch addr - g.base {
	case Data:
		return g.data[:], Data, nil
	case Status:
		return g.status[:], Status, nil
	case Control:
		return g.control[:], Control, nil
	}
	return nil, 0, fmt.Errorf("address 0x%x outside port 0x%x", addr, g.base)
}

// In samples the pins of a register. Output registers return the last
// written value.
func (g *GPIO) In(addr uint16) (byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return 0, ErrClosed
	}
	pins, reg, err := g.register(addr)
	if err != nil {
		return 0, err
	}
	if reg != Status {
		return g.latch[reg], nil
	}
	var v byte
	for i, p := range pins {
		if p != nil && p.Read() == gpio.High {
			v |= 1 << i
		}
	}
	return v, nil
}

// Out drives the pins of a register.
func (g *GPIO) Out(addr uint16, v byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrClosed
	}
	pins, reg, err := g.register(addr)
	if err != nil {
		return err
	}
	if reg == Status {
		return fmt.Errorf("status register 0x%x is read-only", addr)
	}
	for i, p := range pins {
		if p == nil {
			continue
		}
		level := gpio.Low
		if v&(1<<i) != 0 {
			level = gpio.High
		}
		if err := p.Out(level); err != nil {
			return fmt.Errorf("pin %s: %w", p.Name(), err)
		}
	}
	g.latch[reg] = v
	return nil
}

// Close drives all outputs low.
func (g *GPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	for _, pins := range [][]gpio.PinIO{g.data[:], g.control[:]} {
		for _, p := range pins {
			if p != nil {
				_ = p.Out(gpio.Low)
			}
		}
	}
	return nil
}
