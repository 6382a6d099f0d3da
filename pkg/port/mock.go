package port

import "sync"

// Mock is an in-memory port. Reads return the last value written or set.
type Mock struct {
	mu      sync.RWMutex
	regs    map[uint16]byte
	writes  map[uint16]int
	onWrite []func(addr uint16, v byte)
	closed  bool
}

// NewMock creates an empty mocked port.
func NewMock() *Mock {
	return &Mock{
		regs:   make(map[uint16]byte),
		writes: make(map[uint16]int),
	}
}

// In returns the register value.
func (m *Mock) In(addr uint16) (byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.regs[addr], nil
}

// Out stores the value and notifies write hooks.
func (m *Mock) Out(addr uint16, v byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.regs[addr] = v
	m.writes[addr]++
	hooks := m.onWrite
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(addr, v)
	}
	return nil
}

// Set changes a register without counting it as a write. Used to simulate
// inputs such as the status register.
func (m *Mock) Set(addr uint16, v byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[addr] = v
}

// Writes returns how many times the address was written.
func (m *Mock) Writes(addr uint16) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[addr]
}

// OnWrite registers a hook called after every successful write.
// Hooks run on the writer's goroutine and must not block.
func (m *Mock) OnWrite(fn func(addr uint16, v byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWrite = append(m.onWrite, fn)
}

// Close marks the port closed.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
