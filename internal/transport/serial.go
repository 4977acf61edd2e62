package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const serialBaudRate = 115200

// serialReadTimeout is the poll interval for cooperative cancellation: reads
// wake up this often to check the context.
const serialReadTimeout = 200 * time.Millisecond

// Serial is a transport over a local serial device.
type Serial struct {
	path string

	mu     sync.Mutex
	port   serial.Port
	closed bool
}

// NewSerial returns an unopened serial transport for the given device path.
func NewSerial(path string) *Serial {
	return &Serial{path: path}
}

func (s *Serial) Kind() string     { return KindSerial }
func (s *Serial) Identity() string { return s.path }

// Open opens the serial port at the mesh firmware's fixed baud rate.
func (s *Serial) Open(ctx context.Context) error {
	port, err := serial.Open(s.path, &serial.Mode{BaudRate: serialBaudRate})
	if err != nil {
		return fmt.Errorf("open serial %s: %w", s.path, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("set read timeout: %w", err)
	}

	s.mu.Lock()
	s.port = port
	s.closed = false
	s.mu.Unlock()
	return nil
}

func (s *Serial) ReadPacket(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	port, closed := s.port, s.closed
	s.mu.Unlock()
	if closed || port == nil {
		return nil, ErrClosed
	}

	fr := frameReader{r: &pollReader{ctx: ctx, r: port}}
	payload, err := fr.ReadFrame()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("serial read: %w", err)
	}
	return payload, nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.port == nil {
		s.closed = true
		return nil
	}
	s.closed = true
	return s.port.Close()
}

// pollReader adapts a timeout-based reader to cooperative cancellation: the
// underlying read wakes up on its own timeout (returning 0 bytes, no error)
// and the context is checked before each retry.
type pollReader struct {
	ctx context.Context
	r   io.Reader
}

func (p *pollReader) Read(buf []byte) (int, error) {
	for {
		if err := p.ctx.Err(); err != nil {
			return 0, err
		}
		n, err := p.r.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
