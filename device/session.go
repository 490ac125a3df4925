package device

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDisconnected is returned by a Session whose link to the device is gone
	ErrDisconnected = errors.New("device disconnected")

	// ErrCharacteristicNotFound is returned when the device does not expose a characteristic
	ErrCharacteristicNotFound = errors.New("characteristic not found")

	// ErrNotificationTimeout is returned when an awaited notification did not arrive in time
	ErrNotificationTimeout = errors.New("notification timeout")

	// ErrCursorConsumed is returned when a primed history read is reused
	ErrCursorConsumed = errors.New("history cursor already consumed")
)

// CharacteristicReader reads the raw value of a characteristic
type CharacteristicReader interface {
	ReadCharacteristic(uuid string) ([]byte, error)
}

// CharacteristicWriter writes a raw value to a characteristic
type CharacteristicWriter interface {
	WriteCharacteristic(uuid string, data []byte, withResponse bool) error
}

// NotificationSource delivers characteristic notifications.
// Callbacks run on the goroutine calling WaitForNotification.
type NotificationSource interface {
	Subscribe(uuid string, callback func([]byte)) error
	Unsubscribe(uuid string) error
	// WaitForNotification blocks until one notification was dispatched (true)
	// or the timeout elapsed (false).
	WaitForNotification(timeout time.Duration) (bool, error)
}

// Session is a single exclusive connection to a thermometer
type Session interface {
	CharacteristicReader
	CharacteristicWriter
	NotificationSource
	Close() error
}

// Connector opens sessions to devices identified by MAC address
type Connector interface {
	Connect(ctx context.Context, mac string) (Session, error)
}
