package sensor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/itohio/gaugecal/pkg/config"
)

const (
	// DefaultBaudRate is the transducer baud rate.
	DefaultBaudRate = 9600
	readTimeout     = 500 * time.Millisecond
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Serial polls a request/response pressure transducer on a serial port.
type Serial struct {
	port     string
	baudRate int
	interval time.Duration
	proto    Protocol

	conn      serial.Port
	samples   chan Reading
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	done      chan struct{}
}

// New creates a transducer poller from configuration.
func New(cfg *config.SensorConfig) (*Serial, error) {
	proto, err := NewProtocol(cfg)
	if err != nil {
		return nil, err
	}

	baudRate := cfg.BaudRate
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 80 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Serial{
		port:     cfg.Port,
		baudRate: baudRate,
		interval: interval,
		proto:    proto,
		samples:  make(chan Reading, DefaultBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Connect opens the serial port and starts polling.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	mode := &serial.Mode{
		BaudRate: d.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(d.port, mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout on %s: %w", d.port, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		log.Printf("sensor: failed to purge %s: %v", d.port, err)
	}

	d.conn = port
	d.connected = true
	d.done = make(chan struct{})

	go d.poll(port, d.done)

	log.Printf("sensor: polling %s every %v", d.port, d.interval)
	return nil
}

// Close stops polling and closes the port. The samples channel is closed.
func (d *Serial) Close() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}
	d.cancel()
	done := d.done
	d.mu.Unlock()

	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			log.Printf("sensor: error closing serial port: %v", err)
		}
		d.conn = nil
	}
	d.connected = false
	close(d.samples)

	return nil
}

// Samples returns the channel for reading pressure.
func (d *Serial) Samples() <-chan Reading {
	return d.samples
}

// IsConnected returns whether the device is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// poll requests a reading every interval until cancelled or the port fails.
func (d *Serial) poll(port serial.Port, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("sensor: panic in poll: %v", r)
		}
	}()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}

		p, err := d.proto.Poll(port)
		switch {
		case err == nil:
		case errors.Is(err, ErrShortResponse), errors.Is(err, ErrBadValue), errors.Is(err, ErrBadUnit):
			log.Printf("sensor: skipping reading from %s: %v", d.port, err)
			continue
		default:
			log.Printf("sensor: polling %s stopped: %v", d.port, err)
			return
		}

		select {
		case d.samples <- Reading{Timestamp: time.Now(), Pressure: p}:
		case <-d.ctx.Done():
			return
		default:
			log.Printf("sensor: samples channel full, dropping reading")
		}
	}
}
