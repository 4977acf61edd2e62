// Package device owns the single active transport to a mesh node: candidate
// discovery, connection, the read loop, and automatic reconnection.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"meshpipe/internal/config"
	"meshpipe/internal/mesh"
	"meshpipe/internal/metrics"
	"meshpipe/internal/transport"
)

// ErrNoDeviceFound is fatal: discovery produced no usable candidate, or
// every candidate failed to connect.
var ErrNoDeviceFound = errors.New("device: no mesh device found")

// connectTimeout bounds a single transport handshake.
const connectTimeout = 30 * time.Second

// maxReconnectAttempts bounds re-handshakes against the same transport
// identity before falling back to full rediscovery.
const maxReconnectAttempts = 5

// Callback receives raw packets, one call per packet in arrival order, on a
// dedicated delivery goroutine. It must not block indefinitely: the delivery
// queue is bounded and a stalled callback eventually backs up the transport
// read loop.
type Callback func(mesh.RawPacket)

// Manager owns exactly one active transport and runs the connection state
// machine around it.
type Manager struct {
	cfg config.DeviceConfig
	log zerolog.Logger

	state    atomic.Int32
	callback Callback
	queue    chan mesh.RawPacket

	stopOnce sync.Once
	stopCh   chan struct{}

	// Connected transport identity, for logs and the probe command.
	mu        sync.Mutex
	connected transport.Candidate

	// Discovery and transport construction, replaceable in tests.
	discover func(ctx context.Context) ([]transport.Candidate, error)
	dial     func(c transport.Candidate) transport.Transport
}

// NewManager returns a manager for the configured device. Subscribe must be
// called before Run.
func NewManager(cfg config.DeviceConfig, log zerolog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		log:    log,
		queue:  make(chan mesh.RawPacket, cfg.QueueSize),
		stopCh: make(chan struct{}),
		dial:   transport.New,
	}
	m.discover = m.discoverCandidates
	return m
}

// Subscribe registers the packet callback. Must be called once, before Run.
func (m *Manager) Subscribe(cb Callback) {
	m.callback = cb
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	metrics.ConnectionState.Set(float64(s))
}

// ConnectedTo returns the candidate of the currently open transport.
func (m *Manager) ConnectedTo() transport.Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Disconnect requests a stop. Idempotent; always succeeds. Run drains
// in-flight work and returns.
func (m *Manager) Disconnect() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Run drives the state machine until Disconnect is called or the context is
// cancelled. It returns nil on a clean stop and a fatal error (such as
// ErrNoDeviceFound) when the pipeline cannot continue. Transient transport
// errors are handled internally with backoff and never surface.
func (m *Manager) Run(ctx context.Context) error {
	if m.callback == nil {
		return errors.New("device: Subscribe must be called before Run")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	// Dedicated delivery goroutine keeps callback execution off the
	// transport read loop while preserving arrival order.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for pkt := range m.queue {
			m.callback(pkt)
		}
	}()
	defer func() {
		close(m.queue)
		wg.Wait()
		m.setState(Disconnected)
	}()

	err := m.runStateMachine(runCtx)
	m.setState(ShuttingDown)
	return err
}

func (m *Manager) runStateMachine(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		tr, err := m.findAndConnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		m.mu.Lock()
		m.connected = transport.Candidate{Kind: tr.Kind(), Identity: tr.Identity()}
		m.mu.Unlock()
		m.setState(Connected)
		m.log.Info().Str("kind", tr.Kind()).Str("identity", tr.Identity()).Msg("connected to mesh device")

		readErr := m.readLoop(ctx, tr)
		_ = tr.Close()
		if ctx.Err() != nil {
			return nil
		}

		m.log.Warn().Err(readErr).Msg("transport dropped, reconnecting")
		if stopped := m.reconnectSame(ctx, tr); stopped {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn().Str("identity", tr.Identity()).Msg("reconnect attempts exhausted, rescanning")
		// Loop back to full discovery.
	}
}

// findAndConnect discovers candidates and connects to the first one that
// completes a handshake. Candidate exhaustion is fatal.
func (m *Manager) findAndConnect(ctx context.Context) (transport.Transport, error) {
	m.setState(Scanning)
	candidates, err := m.discover(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoDeviceFound
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.setState(Connecting)
		m.log.Info().Str("kind", c.Kind).Str("identity", c.Identity).Msg("trying candidate")

		tr := m.dial(c)
		openCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := tr.Open(openCtx)
		cancel()
		if err != nil {
			m.log.Warn().Err(err).Str("identity", c.Identity).Msg("candidate connection failed")
			m.setState(Scanning)
			continue
		}
		return tr, nil
	}
	return nil, fmt.Errorf("%w: all %d candidates failed", ErrNoDeviceFound, len(candidates))
}

// reconnectSame retries the same transport identity with exponential
// backoff, resuming the read loop after each successful re-handshake. It
// returns true when a shutdown was requested and false when the bounded
// attempt budget is exhausted, in which case the caller falls back to full
// rediscovery.
func (m *Manager) reconnectSame(ctx context.Context, tr transport.Transport) bool {
	m.setState(Reconnecting)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.Reset()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(bo.NextBackOff()):
		}
		metrics.Reconnects.Inc()

		openCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := tr.Open(openCtx)
		cancel()
		if err == nil {
			m.setState(Connected)
			m.log.Info().Str("identity", tr.Identity()).Int("attempt", attempt).Msg("reconnected")
			readErr := m.readLoop(ctx, tr)
			_ = tr.Close()
			if ctx.Err() != nil {
				return true
			}
			m.log.Warn().Err(readErr).Msg("transport dropped again")
			m.setState(Reconnecting)
			bo.Reset()
			continue
		}
		m.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
	return false
}

// readLoop reads framed packets until the transport fails or the context is
// cancelled. In-flight reads complete gracefully: cancellation is observed
// at frame boundaries, never mid-packet.
func (m *Manager) readLoop(ctx context.Context, tr transport.Transport) error {
	for {
		payload, err := tr.ReadPacket(ctx)
		if err != nil {
			return err
		}
		pkt := mesh.RawPacket{
			Kind:      mesh.GuessKind(payload),
			Payload:   payload,
			Received:  time.Now().UTC(),
			Transport: tr.Kind(),
		}
		select {
		case m.queue <- pkt:
		case <-ctx.Done():
			// Deliver the packet we already read before stopping.
			select {
			case m.queue <- pkt:
			default:
			}
			return ctx.Err()
		}
	}
}

// discoverCandidates builds the candidate list according to the configured
// connection type. In auto mode the tie-break order is serial first (wired,
// most reliable), then BLE, then TCP.
func (m *Manager) discoverCandidates(ctx context.Context) ([]transport.Candidate, error) {
	cfg := m.cfg
	switch cfg.ConnectionType {
	case config.ConnSerial:
		if cfg.DevicePath != "" {
			return []transport.Candidate{{Kind: transport.KindSerial, Identity: cfg.DevicePath}}, nil
		}
		return transport.ScanSerial()

	case config.ConnBLE:
		addr := cfg.DevicePath
		if addr == "" {
			addr = cfg.BLEAddress
		}
		if addr != "" {
			return []transport.Candidate{{Kind: transport.KindBLE, Identity: addr}}, nil
		}
		return transport.ScanBLE(ctx, bleScanTimeout(cfg))

	case config.ConnTCP:
		return []transport.Candidate{{Kind: transport.KindTCP, Identity: cfg.Hostname}}, nil
	}

	// Auto: serial, then BLE, then TCP if a hostname is configured.
	var candidates []transport.Candidate
	serial, err := transport.ScanSerial()
	if err != nil {
		m.log.Warn().Err(err).Msg("serial scan failed")
	}
	candidates = append(candidates, serial...)

	ble, err := transport.ScanBLE(ctx, bleScanTimeout(cfg))
	if err != nil {
		m.log.Warn().Err(err).Msg("ble scan failed")
	}
	candidates = append(candidates, ble...)
	if cfg.BLEAddress != "" && !hasIdentity(candidates, cfg.BLEAddress) {
		candidates = append(candidates, transport.Candidate{Kind: transport.KindBLE, Identity: cfg.BLEAddress})
	}

	if cfg.Hostname != "" {
		candidates = append(candidates, transport.Candidate{Kind: transport.KindTCP, Identity: cfg.Hostname})
	}
	return candidates, nil
}

func bleScanTimeout(cfg config.DeviceConfig) time.Duration {
	if cfg.BLEScanTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(cfg.BLEScanTimeoutSeconds * float64(time.Second))
}

func hasIdentity(cs []transport.Candidate, id string) bool {
	for _, c := range cs {
		if c.Identity == id {
			return true
		}
	}
	return false
}
