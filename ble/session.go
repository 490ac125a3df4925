package ble

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/mjasion/balena-home/lywsd03mmc/device"
)

const (
	readBufferSize    = 512
	notificationQueue = 64
)

// gattCharacteristic is the part of *bluetooth.DeviceCharacteristic used by a
// session. EnableNotifications keeps its subscription state in the receiver,
// so the same instance must be used to enable and disable notifications.
type gattCharacteristic interface {
	Read(data []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
	EnableNotifications(callback func(buf []byte)) error
}

type notification struct {
	uuid string
	data []byte
}

// Session is a connected thermometer. Notifications are queued by the BLE
// stack and dispatched on the goroutine calling WaitForNotification.
type Session struct {
	adapter *Adapter
	mac     string
	dev     bluetooth.Device
	logger  *zap.Logger

	chars         map[string]gattCharacteristic
	notifications chan notification

	mu         sync.Mutex
	callbacks  map[string]func([]byte)
	subscribed map[string]gattCharacteristic

	disconnectOnce sync.Once
	disconnected   chan struct{}
}

func newSession(adapter *Adapter, mac string, dev bluetooth.Device, logger *zap.Logger) *Session {
	return &Session{
		adapter:       adapter,
		mac:           mac,
		dev:           dev,
		logger:        logger.With(zap.String("mac", mac)),
		chars:         make(map[string]gattCharacteristic),
		notifications: make(chan notification, notificationQueue),
		callbacks:     make(map[string]func([]byte)),
		subscribed:    make(map[string]gattCharacteristic),
		disconnected:  make(chan struct{}),
	}
}

func (s *Session) discover() error {
	services, err := s.dev.DiscoverServices(nil)
	if err != nil {
		return s.classify(fmt.Errorf("discover services: %w", err))
	}
	for _, service := range services {
		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return s.classify(fmt.Errorf("discover characteristics of %s: %w", service.UUID().String(), err))
		}
		for i := range chars {
			s.chars[strings.ToLower(chars[i].UUID().String())] = &chars[i]
		}
	}
	s.logger.Debug("discovered characteristics",
		zap.Int("services", len(services)),
		zap.Int("characteristics", len(s.chars)),
	)
	return nil
}

func (s *Session) characteristic(uuid string) (gattCharacteristic, error) {
	char, ok := s.chars[strings.ToLower(uuid)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrCharacteristicNotFound, uuid)
	}
	return char, nil
}

// ReadCharacteristic reads the current value of a characteristic
func (s *Session) ReadCharacteristic(uuid string) ([]byte, error) {
	if s.isDisconnected() {
		return nil, device.ErrDisconnected
	}
	char, err := s.characteristic(uuid)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, readBufferSize)
	n, err := char.Read(buf)
	if err != nil {
		return nil, s.classify(err)
	}
	return buf[:n], nil
}

// WriteCharacteristic writes a value. withResponse is best effort: the BlueZ
// backend issues a plain WriteValue and lets the stack pick the write type.
func (s *Session) WriteCharacteristic(uuid string, data []byte, withResponse bool) error {
	if s.isDisconnected() {
		return device.ErrDisconnected
	}
	char, err := s.characteristic(uuid)
	if err != nil {
		return err
	}

	if _, err := char.WriteWithoutResponse(data); err != nil {
		return s.classify(err)
	}
	s.logger.Debug("wrote characteristic",
		zap.String("uuid", uuid),
		zap.Bool("with_response", withResponse),
	)
	return nil
}

// Subscribe enables notifications of a characteristic
func (s *Session) Subscribe(uuid string, callback func([]byte)) error {
	char, err := s.characteristic(uuid)
	if err != nil {
		return err
	}

	key := strings.ToLower(uuid)
	s.mu.Lock()
	s.callbacks[key] = callback
	s.mu.Unlock()

	err = char.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		select {
		case s.notifications <- notification{uuid: key, data: data}:
		default:
			s.logger.Warn("notification queue full, dropping notification", zap.String("uuid", key))
		}
	})
	if err != nil {
		return s.classify(err)
	}

	s.mu.Lock()
	s.subscribed[key] = char
	s.mu.Unlock()
	return nil
}

// Unsubscribe disables notifications of a characteristic
func (s *Session) Unsubscribe(uuid string) error {
	key := strings.ToLower(uuid)
	s.mu.Lock()
	delete(s.callbacks, key)
	char, ok := s.subscribed[key]
	delete(s.subscribed, key)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if err := char.EnableNotifications(nil); err != nil {
		if s.isDisconnected() {
			return nil
		}
		return s.classify(err)
	}
	return nil
}

// releaseNotifications disables every remaining subscription so the BLE stack
// stops delivering into this session
func (s *Session) releaseNotifications() {
	s.mu.Lock()
	subscribed := s.subscribed
	s.subscribed = make(map[string]gattCharacteristic)
	s.callbacks = make(map[string]func([]byte))
	s.mu.Unlock()

	for uuid, char := range subscribed {
		if err := char.EnableNotifications(nil); err != nil {
			s.logger.Debug("failed to disable notifications",
				zap.String("uuid", uuid),
				zap.Error(err),
			)
		}
	}
}

// WaitForNotification dispatches the next queued notification
func (s *Session) WaitForNotification(timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case n := <-s.notifications:
			s.mu.Lock()
			callback := s.callbacks[n.uuid]
			s.mu.Unlock()
			if callback == nil {
				// late notification of an unsubscribed characteristic
				continue
			}
			callback(n.data)
			return true, nil
		case <-s.disconnected:
			return false, device.ErrDisconnected
		case <-timer.C:
			return false, nil
		}
	}
}

// Close disconnects from the device
func (s *Session) Close() error {
	defer s.adapter.untrack(s.mac, s)
	s.releaseNotifications()
	if s.isDisconnected() {
		return nil
	}
	s.markDisconnected()
	if err := s.dev.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

func (s *Session) markDisconnected() {
	s.disconnectOnce.Do(func() {
		close(s.disconnected)
	})
}

func (s *Session) isDisconnected() bool {
	select {
	case <-s.disconnected:
		return true
	default:
		return false
	}
}

// classify maps transport errors caused by a lost link to device.ErrDisconnected
func (s *Session) classify(err error) error {
	if s.isDisconnected() || isDisconnectError(err) {
		s.markDisconnected()
		return fmt.Errorf("%w: %v", device.ErrDisconnected, err)
	}
	return err
}

var disconnectMarkers = []string{
	"not connected",
	"disconnected",
	"connection reset",
	"unknown object",
	"service unknown",
}

func isDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, device.ErrDisconnected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range disconnectMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
