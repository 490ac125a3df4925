package ble

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/mjasion/balena-home/lywsd03mmc/device"
)

// Connector opens GATT sessions to thermometers
type Connector struct {
	adapter     *Adapter
	scanTimeout time.Duration
	logger      *zap.Logger
}

// NewConnector creates a connector that scans up to scanTimeout for the device before connecting
func NewConnector(adapter *Adapter, scanTimeout time.Duration, logger *zap.Logger) *Connector {
	return &Connector{adapter: adapter, scanTimeout: scanTimeout, logger: logger}
}

// Connect finds the device by MAC, connects and discovers all its characteristics
func (c *Connector) Connect(ctx context.Context, mac string) (device.Session, error) {
	if err := c.adapter.Enable(); err != nil {
		return nil, err
	}
	mac = normalizeMAC(mac)

	address, err := c.find(ctx, mac)
	if err != nil {
		return nil, err
	}

	dev, err := c.adapter.adapter.Connect(address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	session := newSession(c.adapter, mac, dev, c.logger)
	c.adapter.track(mac, session)

	if err := session.discover(); err != nil {
		_ = session.Close()
		return nil, err
	}
	return session, nil
}

// find scans until the device advertises. The scan is also what makes the
// host stack know the address before connecting.
func (c *Connector) find(ctx context.Context, mac string) (bluetooth.Address, error) {
	ctx, cancel := context.WithTimeout(ctx, c.scanTimeout)
	defer cancel()

	found := make(chan bluetooth.Address, 1)
	c.logger.Debug("scanning for device", zap.String("mac", mac), zap.Duration("timeout", c.scanTimeout))

	err := scanUntil(ctx, c.adapter.adapter, func(result bluetooth.ScanResult) bool {
		if normalizeMAC(result.Address.String()) != mac {
			return false
		}
		found <- result.Address
		return true
	})
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("failed to scan: %w", err)
	}

	select {
	case address := <-found:
		return address, nil
	default:
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return bluetooth.Address{}, err
	}
	return bluetooth.Address{}, fmt.Errorf("device %s not found within %s", mac, c.scanTimeout)
}

// scanUntil runs a blocking scan until onResult returns true or ctx is done
func scanUntil(ctx context.Context, adapter *bluetooth.Adapter, onResult func(bluetooth.ScanResult) bool) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			_ = adapter.StopScan()
		case <-done:
		}
	}()

	stopped := false
	return adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if stopped {
			return
		}
		if onResult(result) {
			stopped = true
			_ = a.StopScan()
		}
	})
}
