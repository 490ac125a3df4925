package ble

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/mjasion/balena-home/lywsd03mmc/device"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func atcPayload() []byte {
	return []byte{
		0xA4, 0xC1, 0x38, 0x00, 0x00, 0x01, // MAC
		0xD6, 0x00, // 214 -> 21.4°C
		0x2C,       // 44%
		0x55,       // 85%
		0x86, 0x0B, // 2950 mV
		0x07, // frame counter
	}
}

func TestScannerMatch(t *testing.T) {
	s := NewScanner(&Adapter{logger: testLogger()}, testLogger())

	tests := []struct {
		name        string
		deviceName  string
		atcData     []byte
		wantMatch   bool
		wantReading bool
	}{
		{"stock firmware", "LYWSD03MMC", nil, true, false},
		{"atc name only", "ATC_000001", nil, true, false},
		{"atc service data", "ATC_000001", atcPayload(), true, true},
		{"malformed service data", "", []byte{0x01, 0x02}, true, false},
		{"other device", "Mi Band", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adv, ok := s.match("a4:c1:38:00:00:01", tt.deviceName, -70, tt.atcData)
			if ok != tt.wantMatch {
				t.Fatalf("Expected match %v, got %v", tt.wantMatch, ok)
			}
			if !ok {
				return
			}
			if adv.MAC != "A4:C1:38:00:00:01" {
				t.Errorf("Expected normalized MAC, got %s", adv.MAC)
			}
			if (adv.Reading != nil) != tt.wantReading {
				t.Errorf("Expected reading present %v, got %+v", tt.wantReading, adv.Reading)
			}
		})
	}
}

func TestAdvertisementString(t *testing.T) {
	s := NewScanner(&Adapter{logger: testLogger()}, testLogger())
	adv, _ := s.match("A4:C1:38:00:00:01", "ATC_000001", -70, atcPayload())

	line := adv.String()
	for _, want := range []string{"A4:C1:38:00:00:01", "ATC_000001", "-70", "T: 21.4°C", "H: 44%", "B: 85% (2950 mV)"} {
		if !strings.Contains(line, want) {
			t.Errorf("Expected %q in %q", want, line)
		}
	}

	if line := (Advertisement{MAC: "A4:C1:38:00:00:02"}).String(); !strings.Contains(line, " - ") {
		t.Errorf("Expected placeholder for missing name, got %q", line)
	}
}

func TestIsDisconnectError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("Not connected"), true},
		{errors.New("org.bluez.Error.Failed: Device disconnected"), true},
		{fmt.Errorf("read: %w", device.ErrDisconnected), true},
		{errors.New("org.bluez.Error.NotPermitted: Read not permitted"), false},
	}

	for _, tt := range tests {
		if got := isDisconnectError(tt.err); got != tt.want {
			t.Errorf("isDisconnectError(%v) = %v, expected %v", tt.err, got, tt.want)
		}
	}
}

func newTestSession() *Session {
	adapter := &Adapter{logger: testLogger(), sessions: make(map[string]*Session)}
	return newSession(adapter, "A4:C1:38:00:00:01", bluetooth.Device{}, testLogger())
}

func TestSession_UnknownCharacteristic(t *testing.T) {
	s := newTestSession()
	if _, err := s.ReadCharacteristic(device.UUIDDeviceTime); !errors.Is(err, device.ErrCharacteristicNotFound) {
		t.Errorf("Expected ErrCharacteristicNotFound, got %v", err)
	}
	if err := s.Subscribe(device.UUIDMeasurement, func([]byte) {}); !errors.Is(err, device.ErrCharacteristicNotFound) {
		t.Errorf("Expected ErrCharacteristicNotFound, got %v", err)
	}
}

func TestSession_WaitForNotificationDispatches(t *testing.T) {
	s := newTestSession()

	var got []byte
	s.callbacks[device.UUIDMeasurement] = func(data []byte) { got = data }
	s.notifications <- notification{uuid: "ebe0ccbc-7a0a-4b0c-8a1a-6ff2997da3a6", data: []byte{0xFF}}
	s.notifications <- notification{uuid: device.UUIDMeasurement, data: []byte{0x01, 0x02}}

	ok, err := s.WaitForNotification(time.Second)
	if err != nil || !ok {
		t.Fatalf("Expected a dispatched notification, got ok=%v err=%v", ok, err)
	}
	if len(got) != 2 {
		t.Errorf("Expected measurement payload, got %v", got)
	}

	ok, err = s.WaitForNotification(10 * time.Millisecond)
	if err != nil || ok {
		t.Errorf("Expected timeout, got ok=%v err=%v", ok, err)
	}
}

func TestSession_DisconnectedWait(t *testing.T) {
	s := newTestSession()
	s.adapter.track(s.mac, s)
	s.adapter.onConnectionChange(bluetooth.Device{}, true)
	if s.isDisconnected() {
		t.Fatal("Expected session to stay connected")
	}

	s.markDisconnected()
	if _, err := s.WaitForNotification(time.Second); !errors.Is(err, device.ErrDisconnected) {
		t.Errorf("Expected ErrDisconnected, got %v", err)
	}
	if _, err := s.ReadCharacteristic(device.UUIDDeviceTime); !errors.Is(err, device.ErrDisconnected) {
		t.Errorf("Expected ErrDisconnected on read, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Expected no error closing a disconnected session, got %v", err)
	}
	if len(s.adapter.sessions) != 0 {
		t.Error("Expected session to be untracked after close")
	}
}

type fakeCharacteristic struct {
	value    []byte
	written  [][]byte
	callback func([]byte)
	enables  int
	disables int
}

func (c *fakeCharacteristic) Read(data []byte) (int, error) {
	return copy(data, c.value), nil
}

func (c *fakeCharacteristic) WriteWithoutResponse(p []byte) (int, error) {
	c.written = append(c.written, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeCharacteristic) EnableNotifications(callback func(buf []byte)) error {
	if callback == nil {
		if c.callback != nil {
			c.disables++
		}
	} else {
		c.enables++
	}
	c.callback = callback
	return nil
}

func TestSession_ReadWrite(t *testing.T) {
	s := newTestSession()
	char := &fakeCharacteristic{value: []byte{0x10, 0x20}}
	s.chars[device.UUIDHistoryCursor] = char

	got, err := s.ReadCharacteristic(device.UUIDHistoryCursor)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(got) != 2 || got[0] != 0x10 {
		t.Errorf("Unexpected value: %v", got)
	}

	for _, withResponse := range []bool{true, false} {
		if err := s.WriteCharacteristic(device.UUIDHistoryCursor, []byte{0x07, 0x00, 0x00, 0x00}, withResponse); err != nil {
			t.Fatalf("Expected no error writing (withResponse=%v), got: %v", withResponse, err)
		}
	}
	if len(char.written) != 2 {
		t.Errorf("Expected 2 writes, got %d", len(char.written))
	}
}

func TestSession_UnsubscribeDisablesSameCharacteristic(t *testing.T) {
	s := newTestSession()
	char := &fakeCharacteristic{}
	s.chars[device.UUIDMeasurement] = char

	var got []byte
	if err := s.Subscribe(device.UUIDMeasurement, func(data []byte) { got = data }); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	char.callback([]byte{0x01, 0x02, 0x03})
	if ok, err := s.WaitForNotification(time.Second); !ok || err != nil {
		t.Fatalf("Expected a dispatched notification, got ok=%v err=%v", ok, err)
	}
	if len(got) != 3 {
		t.Errorf("Expected queued payload, got %v", got)
	}

	if err := s.Unsubscribe(device.UUIDMeasurement); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if char.disables != 1 || char.callback != nil {
		t.Errorf("Expected notifications disabled on the subscribed characteristic, disables=%d", char.disables)
	}
	if err := s.Unsubscribe(device.UUIDMeasurement); err != nil {
		t.Errorf("Expected second unsubscribe to be a no-op, got: %v", err)
	}
	if char.disables != 1 {
		t.Errorf("Expected a single disable, got %d", char.disables)
	}
}

func TestSession_CloseReleasesNotifications(t *testing.T) {
	s := newTestSession()
	s.adapter.track(s.mac, s)
	measurement := &fakeCharacteristic{}
	history := &fakeCharacteristic{}
	s.chars[device.UUIDMeasurement] = measurement
	s.chars[device.UUIDHistory] = history

	for _, uuid := range []string{device.UUIDMeasurement, device.UUIDHistory} {
		if err := s.Subscribe(uuid, func([]byte) {}); err != nil {
			t.Fatalf("Expected no error subscribing %s, got: %v", uuid, err)
		}
	}

	// link already lost, Close must still release the subscriptions
	s.markDisconnected()
	if err := s.Close(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if measurement.disables != 1 || history.disables != 1 {
		t.Errorf("Expected both subscriptions released, got %d and %d", measurement.disables, history.disables)
	}
	if len(s.subscribed) != 0 || len(s.callbacks) != 0 {
		t.Errorf("Expected no subscriptions left, got %d", len(s.subscribed))
	}
}
