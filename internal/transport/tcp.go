package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// defaultTCPPort is the mesh firmware's network API port.
const defaultTCPPort = "4403"

const tcpDialTimeout = 10 * time.Second

// tcpReadDeadline is the poll interval for cooperative cancellation on
// blocking reads.
const tcpReadDeadline = 250 * time.Millisecond

// TCP is a transport over the device's network API.
type TCP struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewTCP returns an unopened TCP transport. A missing port defaults to the
// firmware's API port.
func NewTCP(hostport string) *TCP {
	if !strings.Contains(hostport, ":") {
		hostport = net.JoinHostPort(hostport, defaultTCPPort)
	}
	return &TCP{addr: hostport}
}

func (t *TCP) Kind() string     { return KindTCP }
func (t *TCP) Identity() string { return t.addr }

func (t *TCP) Open(ctx context.Context) error {
	d := net.Dialer{Timeout: tcpDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	t.mu.Unlock()
	return nil
}

func (t *TCP) ReadPacket(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return nil, ErrClosed
	}

	fr := frameReader{r: &deadlineReader{ctx: ctx, conn: conn}}
	payload, err := fr.ReadFrame()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("tcp read: %w", err)
	}
	return payload, nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.conn == nil {
		t.closed = true
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// deadlineReader turns blocking connection reads into short deadline-bounded
// reads so context cancellation is observed promptly.
type deadlineReader struct {
	ctx  context.Context
	conn net.Conn
}

func (d *deadlineReader) Read(buf []byte) (int, error) {
	for {
		if err := d.ctx.Err(); err != nil {
			return 0, err
		}
		_ = d.conn.SetReadDeadline(time.Now().Add(tcpReadDeadline))
		n, err := d.conn.Read(buf)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, err
		}
	}
}
