package device_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/lywsd03mmc/decoder"
	"github.com/mjasion/balena-home/lywsd03mmc/device"
	"github.com/mjasion/balena-home/lywsd03mmc/device/devicetest"
	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

func newThermometer(t *testing.T, dev *devicetest.Device) *device.Thermometer {
	t.Helper()
	session, err := dev.Connect(context.Background(), "A4:C1:38:00:00:01")
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	return device.NewThermometer(session, device.Options{
		NotificationTimeout: 10 * time.Millisecond,
		Location:            time.UTC,
	}, zap.NewNop())
}

func deviceWithEntries(n int) *devicetest.Device {
	dev := &devicetest.Device{}
	for i := 0; i < n; i++ {
		dev.AddEntry(int64(i)*3600, 20, 22, 40, 45)
	}
	return dev
}

func TestFirstHistoryIndex_WriteThenRead(t *testing.T) {
	dev := deviceWithEntries(10)
	therm := newThermometer(t, dev)
	ctx := context.Background()

	if _, err := therm.PrimeHistoryCursor(6).Read(ctx); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got, err := therm.FirstHistoryIndex(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != 6 {
		t.Errorf("Expected first history index 6, got %d", got)
	}
}

func TestCursorPrimedRead_OneShot(t *testing.T) {
	dev := deviceWithEntries(10)
	therm := newThermometer(t, dev)
	ctx := context.Background()

	read := therm.PrimeHistoryCursor(8)
	entries, err := read.Read(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries from index 8, got %d", len(entries))
	}
	if entries[0].Index != 8 || entries[2].Index != 10 {
		t.Errorf("Expected indexes 8..10, got %d..%d", entries[0].Index, entries[2].Index)
	}

	if _, err := read.Read(ctx); !errors.Is(err, device.ErrCursorConsumed) {
		t.Errorf("Expected ErrCursorConsumed on reuse, got: %v", err)
	}

	// next read is unrestricted again
	all, err := therm.History(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(all) != 10 {
		t.Errorf("Expected full history of 10 entries, got %d", len(all))
	}
}

func TestRecentHistory(t *testing.T) {
	dev := deviceWithEntries(10)
	therm := newThermometer(t, dev)

	entries, err := therm.RecentHistory(context.Background(), 3)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	writes := dev.CursorWrites()
	if len(writes) != 1 || writes[0] != 7 {
		t.Fatalf("Expected single cursor write of 7, got %v", writes)
	}
	if len(entries) != 4 {
		t.Fatalf("Expected 4 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Index != uint32(7+i) {
			t.Errorf("Expected entry %d to have index %d, got %d", i, 7+i, e.Index)
		}
	}
}

func TestRecentHistory_WindowCoversWholeHistory(t *testing.T) {
	dev := deviceWithEntries(5)
	therm := newThermometer(t, dev)

	entries, err := therm.RecentHistory(context.Background(), 5)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(dev.CursorWrites()) != 0 {
		t.Errorf("Expected no cursor write, got %v", dev.CursorWrites())
	}
	if len(entries) != 5 {
		t.Errorf("Expected full history of 5 entries, got %d", len(entries))
	}
}

func TestHistory_Disconnect(t *testing.T) {
	dev := deviceWithEntries(10)
	dev.DisconnectAfterNotifications = 4
	therm := newThermometer(t, dev)

	entries, err := therm.History(context.Background())
	if !errors.Is(err, device.ErrDisconnected) {
		t.Fatalf("Expected ErrDisconnected, got: %v", err)
	}
	if entries != nil {
		t.Errorf("Expected no partial entries, got %d", len(entries))
	}
}

func TestHistory_MalformedNotification(t *testing.T) {
	dev := &devicetest.Device{
		Raw: map[string][]byte{device.UUIDHistory: {0x01, 0x02, 0x03}},
	}
	therm := newThermometer(t, dev)

	_, err := therm.History(context.Background())
	if !errors.Is(err, decoder.ErrMalformedRecord) {
		t.Fatalf("Expected ErrMalformedRecord, got: %v", err)
	}
}

func TestComfortLevels(t *testing.T) {
	dev := &devicetest.Device{
		Comfort: types.ComfortLevels{TempHigh: 27, TempLow: 19, HumidityHigh: 85, HumidityLow: 20},
	}
	therm := newThermometer(t, dev)

	levels, err := therm.ComfortLevels(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if levels != dev.Comfort {
		t.Errorf("Expected %+v, got %+v", dev.Comfort, levels)
	}
}

func TestComfortLevels_Malformed(t *testing.T) {
	dev := &devicetest.Device{
		Raw: map[string][]byte{device.UUIDComfortLevels: {0x8C, 0x0A, 0x6C, 0x07, 0x55}},
	}
	therm := newThermometer(t, dev)

	_, err := therm.ComfortLevels(context.Background())
	if !errors.Is(err, decoder.ErrMalformedRecord) {
		t.Fatalf("Expected ErrMalformedRecord, got: %v", err)
	}
}

func TestLastHistoryEntryAndIndex(t *testing.T) {
	dev := deviceWithEntries(3)
	therm := newThermometer(t, dev)
	ctx := context.Background()

	last, err := therm.LastHistoryEntry(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if last.Index != 3 || last.TimestampSeconds != 7200 {
		t.Errorf("Expected entry 3 at 7200s, got %d at %ds", last.Index, last.TimestampSeconds)
	}

	idx, err := therm.HistoryIndex(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if idx.LastIndex != 3 || idx.NextIndex != 4 {
		t.Errorf("Expected (3, 4), got (%d, %d)", idx.LastIndex, idx.NextIndex)
	}
}

func TestCurrentMeasurement(t *testing.T) {
	dev := &devicetest.Device{
		Measurements: []types.Measurement{{Temperature: 21.37, Humidity: 44, VoltageMV: 2950}},
	}
	therm := newThermometer(t, dev)

	m, err := therm.CurrentMeasurement(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if m.Temperature != 21.37 {
		t.Errorf("Expected temperature 21.37, got %v", m.Temperature)
	}
	if m.Humidity != 44 {
		t.Errorf("Expected humidity 44, got %d", m.Humidity)
	}
	if m.Battery != 85 {
		t.Errorf("Expected battery 85, got %d", m.Battery)
	}
}

func TestCurrentMeasurement_Timeout(t *testing.T) {
	therm := newThermometer(t, &devicetest.Device{})

	_, err := therm.CurrentMeasurement(context.Background())
	if !errors.Is(err, device.ErrNotificationTimeout) {
		t.Fatalf("Expected ErrNotificationTimeout, got: %v", err)
	}
}

func TestCurrentMeasurement_Malformed(t *testing.T) {
	dev := &devicetest.Device{
		Raw: map[string][]byte{device.UUIDMeasurement: {0x01, 0x02}},
	}
	therm := newThermometer(t, dev)

	_, err := therm.CurrentMeasurement(context.Background())
	if !errors.Is(err, decoder.ErrMalformedRecord) {
		t.Fatalf("Expected ErrMalformedRecord, got: %v", err)
	}
}

func TestCustomFirmware(t *testing.T) {
	dev := deviceWithEntries(4)
	dev.Custom = &types.CustomMeasurement{Temperature1: 22.5, Humidity: 41, Temperature2: 22.75}
	therm := newThermometer(t, dev)

	m, err := therm.CustomMeasurement(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if m.Temperature1 != 22.5 || m.Humidity != 41 || m.Temperature2 != 22.75 {
		t.Errorf("Unexpected custom measurement %+v", m)
	}

	idx, err := therm.CustomHistoryIndex(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if idx.LastIndex != 4 || idx.NextIndex != 5 {
		t.Errorf("Expected (4, 5), got (%d, %d)", idx.LastIndex, idx.NextIndex)
	}
}

func TestCustomFirmware_StockDevice(t *testing.T) {
	therm := newThermometer(t, deviceWithEntries(1))

	if _, err := therm.CustomMeasurement(context.Background()); !errors.Is(err, device.ErrCharacteristicNotFound) {
		t.Errorf("Expected ErrCharacteristicNotFound, got: %v", err)
	}
	if _, err := therm.CustomHistoryIndex(context.Background()); !errors.Is(err, device.ErrCharacteristicNotFound) {
		t.Errorf("Expected ErrCharacteristicNotFound, got: %v", err)
	}
}

func TestListen_KeepsWaitingAfterTimeout(t *testing.T) {
	dev := &devicetest.Device{
		Measurements: []types.Measurement{
			{Temperature: 20.5, Humidity: 40, VoltageMV: 3000},
			{Temperature: 20.6, Humidity: 41, VoltageMV: 3000},
		},
	}
	therm := newThermometer(t, dev)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var received []types.Measurement
	err := therm.Listen(ctx, func(_ time.Time, m types.Measurement) {
		received = append(received, m)
	})

	// the fake device goes silent after two notifications; Listen must only
	// return once the context is done
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context deadline, got: %v", err)
	}
	if len(received) != 2 {
		t.Errorf("Expected 2 measurements, got %d", len(received))
	}
}

func TestWithThermometer_ClosesOnError(t *testing.T) {
	dev := deviceWithEntries(1)
	failure := errors.New("boom")

	err := device.WithThermometer(context.Background(), dev, "A4:C1:38:00:00:01", device.Options{}, zap.NewNop(),
		func(*device.Thermometer) error { return failure })
	if !errors.Is(err, failure) {
		t.Fatalf("Expected callback error, got: %v", err)
	}
	if dev.Connects != 1 || dev.Closes != 1 {
		t.Errorf("Expected 1 connect and 1 close, got %d and %d", dev.Connects, dev.Closes)
	}
}

func TestWithThermometer_ConnectError(t *testing.T) {
	dev := &devicetest.Device{ConnectErr: device.ErrDisconnected}
	called := false

	err := device.WithThermometer(context.Background(), dev, "A4:C1:38:00:00:01", device.Options{}, zap.NewNop(),
		func(*device.Thermometer) error { called = true; return nil })
	if !errors.Is(err, device.ErrDisconnected) {
		t.Fatalf("Expected ErrDisconnected, got: %v", err)
	}
	if called {
		t.Error("Expected callback not to run without a connection")
	}
}
