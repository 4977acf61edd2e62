package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// GATT UUIDs of the mesh device's BLE API.
var (
	bleServiceUUID   = mustUUID("6ba1b218-15a8-461f-9fa8-5dcae273eafd")
	bleFromRadioUUID = mustUUID("8ba2bcc2-ee02-4a55-a531-c525c5e454d5")
	bleFromNumUUID   = mustUUID("ed9da18c-a800-4f66-a670-aa7547e34453")
)

func mustUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

const bleConnectScanTimeout = 15 * time.Second

// blePollInterval drives a periodic drain of the FromRadio characteristic in
// case a notification is missed.
const blePollInterval = 2 * time.Second

// BLE is a transport over the device's GATT service. BLE delivers whole
// packets per characteristic read, so no stream framing is involved.
type BLE struct {
	address string

	mu      sync.Mutex
	device  bluetooth.Device
	open    bool
	packets chan []byte
	done    chan struct{}
}

// NewBLE returns an unopened BLE transport for the given peripheral address.
func NewBLE(address string) *BLE {
	return &BLE{address: address}
}

func (b *BLE) Kind() string     { return KindBLE }
func (b *BLE) Identity() string { return b.address }

// Open scans for the peripheral, connects and subscribes to the device's
// packet characteristic. Connecting via a fresh scan keeps address handling
// portable across platforms that identify peripherals differently.
func (b *BLE) Open(ctx context.Context) error {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	result, err := scanForAddress(ctx, adapter, b.address)
	if err != nil {
		return err
	}

	device, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("connect %s: %w", b.address, err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{bleServiceUUID})
	if err != nil || len(services) == 0 {
		_ = device.Disconnect()
		return fmt.Errorf("discover mesh service on %s: %w", b.address, err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{bleFromRadioUUID, bleFromNumUUID})
	if err != nil || len(chars) < 2 {
		_ = device.Disconnect()
		return fmt.Errorf("discover mesh characteristics on %s: %w", b.address, err)
	}
	fromRadio, fromNum := chars[0], chars[1]

	packets := make(chan []byte, 64)
	done := make(chan struct{})
	notify := make(chan struct{}, 1)

	// FromNum notifies when packets are waiting; each notification triggers
	// a drain of FromRadio.
	err = fromNum.EnableNotifications(func(buf []byte) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	if err != nil {
		_ = device.Disconnect()
		return fmt.Errorf("enable notifications on %s: %w", b.address, err)
	}

	go drainLoop(fromRadio, packets, notify, done)

	b.mu.Lock()
	b.device = device
	b.packets = packets
	b.done = done
	b.open = true
	b.mu.Unlock()
	return nil
}

func scanForAddress(ctx context.Context, adapter *bluetooth.Adapter, address string) (bluetooth.ScanResult, error) {
	var (
		found bluetooth.ScanResult
		ok    bool
	)
	scanCtx, cancel := context.WithTimeout(ctx, bleConnectScanTimeout)
	defer cancel()

	go func() {
		<-scanCtx.Done()
		_ = adapter.StopScan()
	}()

	err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if strings.EqualFold(result.Address.String(), address) {
			found, ok = result, true
			_ = a.StopScan()
		}
	})
	if err != nil {
		return found, fmt.Errorf("ble scan: %w", err)
	}
	if !ok {
		return found, fmt.Errorf("ble peripheral %s not found within %s", address, bleConnectScanTimeout)
	}
	return found, nil
}

// drainLoop reads packets from the FromRadio characteristic whenever the
// device signals pending data, and on a slow poll as a safety net. A zero
// length read means the device queue is empty.
func drainLoop(fromRadio bluetooth.DeviceCharacteristic, packets chan<- []byte, notify <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(blePollInterval)
	defer ticker.Stop()

	buf := make([]byte, 512)
	drain := func() {
		for {
			n, err := fromRadio.Read(buf)
			if err != nil || n == 0 {
				return
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			select {
			case packets <- payload:
			case <-done:
				return
			}
		}
	}

	drain()
	for {
		select {
		case <-done:
			return
		case <-notify:
			drain()
		case <-ticker.C:
			drain()
		}
	}
}

func (b *BLE) ReadPacket(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	packets, done, open := b.packets, b.done, b.open
	b.mu.Unlock()
	if !open {
		return nil, ErrClosed
	}

	select {
	case payload := <-packets:
		return payload, nil
	case <-done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *BLE) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil
	}
	b.open = false
	close(b.done)
	return b.device.Disconnect()
}
