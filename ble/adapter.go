// Package ble adapts tinygo bluetooth to the device session interfaces.
package ble

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"
)

// Adapter owns the host BLE adapter. The stack is enabled once per process.
type Adapter struct {
	adapter *bluetooth.Adapter
	logger  *zap.Logger

	enableOnce sync.Once
	enableErr  error

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewAdapter wraps the default host adapter
func NewAdapter(logger *zap.Logger) *Adapter {
	return &Adapter{
		adapter:  bluetooth.DefaultAdapter,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Enable initializes the BLE stack and installs the connection handler
func (a *Adapter) Enable() error {
	a.enableOnce.Do(func() {
		a.logger.Info("initializing BLE adapter")
		if err := a.adapter.Enable(); err != nil {
			a.enableErr = fmt.Errorf("failed to enable BLE adapter: %w", err)
			return
		}
		a.adapter.SetConnectHandler(a.onConnectionChange)
		a.logger.Info("BLE adapter initialized successfully")
	})
	return a.enableErr
}

func (a *Adapter) onConnectionChange(device bluetooth.Device, connected bool) {
	mac := normalizeMAC(device.Address.String())
	a.logger.Debug("connection state changed", zap.String("mac", mac), zap.Bool("connected", connected))
	if connected {
		return
	}

	a.mu.Lock()
	session := a.sessions[mac]
	a.mu.Unlock()
	if session != nil {
		session.markDisconnected()
	}
}

func (a *Adapter) track(mac string, s *Session) {
	a.mu.Lock()
	a.sessions[mac] = s
	a.mu.Unlock()
}

func (a *Adapter) untrack(mac string, s *Session) {
	a.mu.Lock()
	if a.sessions[mac] == s {
		delete(a.sessions, mac)
	}
	a.mu.Unlock()
}

func normalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}
