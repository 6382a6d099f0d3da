//go:build !linux

package port

import "fmt"

// DevPort is only available on Linux. Use the gpio or mock port elsewhere.
type DevPort struct{}

// OpenDevPort always fails with ErrUnsupported.
func OpenDevPort(path string) (*DevPort, error) {
	return nil, fmt.Errorf("failed to open %s: %w", path, ErrUnsupported)
}

func (p *DevPort) In(addr uint16) (byte, error)  { return 0, ErrUnsupported }
func (p *DevPort) Out(addr uint16, v byte) error { return ErrUnsupported }
func (p *DevPort) Close() error                  { return nil }
