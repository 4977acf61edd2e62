package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"tinygo.org/x/bluetooth"
)

// serialKeywords match USB descriptions of mesh node boards and the USB-UART
// bridges they ship with.
var serialKeywords = []string{
	"meshtastic", "t1000", "sensecap", "cp210", "ch340",
	"ch9102", "ftdi", "silabs", "silicon labs", "esp32",
	"seeed", "heltec", "lilygo", "rak", "wisblock",
}

// bleKeywords match the advertised names of mesh nodes.
var bleKeywords = []string{"meshtastic", "t1000", "sensecap", "mesh", "tracker"}

// ScanSerial enumerates serial ports that look like mesh devices. Bootloader
// ports are skipped: a board in DFU mode is not streaming packets.
func ScanSerial() ([]Candidate, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	var found []Candidate
	for _, p := range ports {
		product := strings.ToLower(p.Product)
		device := strings.ToLower(p.Name)

		if strings.Contains(product, "boot") {
			continue
		}

		match := false
		for _, kw := range serialKeywords {
			if strings.Contains(product, kw) {
				match = true
				break
			}
		}
		if !match {
			match = strings.Contains(device, "usbmodem") ||
				strings.Contains(device, "usbserial") ||
				strings.Contains(device, "wchusbserial")
		}
		if !match {
			continue
		}

		detail := p.Product
		if p.IsUSB {
			detail = fmt.Sprintf("%s (VID:PID %s:%s)", p.Product, p.VID, p.PID)
		}
		found = append(found, Candidate{
			Kind:     KindSerial,
			Identity: p.Name,
			Name:     p.Product,
			Detail:   detail,
		})
	}
	return found, nil
}

// ScanBLE scans advertisements for the given duration and returns mesh
// device candidates, deduplicated by address.
func ScanBLE(ctx context.Context, timeout time.Duration) ([]Candidate, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		<-scanCtx.Done()
		_ = adapter.StopScan()
	}()

	seen := make(map[string]bool)
	var found []Candidate
	err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if name == "" {
			return
		}
		lower := strings.ToLower(name)
		for _, kw := range bleKeywords {
			if strings.Contains(lower, kw) {
				addr := result.Address.String()
				if !seen[addr] {
					seen[addr] = true
					found = append(found, Candidate{
						Kind:     KindBLE,
						Identity: addr,
						Name:     name,
						Detail:   fmt.Sprintf("RSSI %d", result.RSSI),
					})
				}
				return
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ble scan: %w", err)
	}
	return found, nil
}
