package serialport

import (
	"errors"
	"fmt"
	"log"
	"time"

	"go.bug.st/serial"
)

var (
	// ErrUnavailable is returned when the port cannot be opened within the
	// configured number of retries.
	ErrUnavailable = errors.New("serialport: port unavailable")
	// ErrReadTimeout is returned by ReadByte when the read deadline expires
	// without a byte. It is a scheduling event, not a failure.
	ErrReadTimeout = errors.New("serialport: read timed out")
)

// Config describes how to open a port. 8-N-1 framing is fixed; the protocol
// does not use anything else.
type Config struct {
	Name        string
	BaudRate    int
	ReadTimeout time.Duration
	MaxRetries  int
}

// Port wraps a serial handle with single-byte read-with-timeout and
// write-and-flush semantics. It does not interpret bytes.
type Port struct {
	port    serial.Port
	readBuf [1]byte
}

// Open opens the named port, retrying up to cfg.MaxRetries additional times
// with a 1-second back-off between attempts.
func Open(cfg Config) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("Failed to open %s: %v, retrying (%d/%d)", cfg.Name, lastErr, attempt, cfg.MaxRetries)
			time.Sleep(time.Second)
		}
		port, err := serial.Open(cfg.Name, mode)
		if err != nil {
			lastErr = err
			continue
		}
		if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
			port.Close()
			lastErr = err
			continue
		}
		return &Port{port: port}, nil
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, cfg.Name, lastErr)
}

// ReadByte performs one blocking single-byte read honoring the configured
// read timeout. A timeout returns ErrReadTimeout; anything else is an I/O
// error from the driver.
func (p *Port) ReadByte() (byte, error) {
	n, err := p.port.Read(p.readBuf[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrReadTimeout
	}
	return p.readBuf[0], nil
}

// WriteAndFlush writes all of frame and drains the OS transmit buffer.
func (p *Port) WriteAndFlush(frame []byte) error {
	for len(frame) > 0 {
		n, err := p.port.Write(frame)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		frame = frame[n:]
	}
	if err := p.port.Drain(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close releases the underlying handle.
func (p *Port) Close() error {
	return p.port.Close()
}
