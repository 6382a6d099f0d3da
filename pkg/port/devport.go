//go:build linux

package port

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// DevPort accesses I/O ports through /dev/port. The file offset is the port
// address. Requires CAP_SYS_RAWIO.
type DevPort struct {
	mu  sync.Mutex
	fd  int
	buf [1]byte
}

// OpenDevPort opens the port device.
func OpenDevPort(path string) (*DevPort, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &DevPort{fd: fd}, nil
}

// In reads one byte from the address.
func (p *DevPort) In(addr uint16) (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return 0, ErrClosed
	}
	n, err := unix.Pread(p.fd, p.buf[:], int64(addr))
	if err != nil {
		return 0, fmt.Errorf("read port 0x%x: %w", addr, err)
	}
	if n != 1 {
		return 0, fmt.Errorf("read port 0x%x: short read", addr)
	}
	return p.buf[0], nil
}

// Out writes one byte to the address.
func (p *DevPort) Out(addr uint16, v byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return ErrClosed
	}
	p.buf[0] = v
	n, err := unix.Pwrite(p.fd, p.buf[:], int64(addr))
	if err != nil {
		return fmt.Errorf("write port 0x%x: %w", addr, err)
	}
	if n != 1 {
		return fmt.Errorf("write port 0x%x: short write", addr)
	}
	return nil
}

// Close closes the device.
func (p *DevPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}
