package history

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/lywsd03mmc/device"
	"github.com/mjasion/balena-home/lywsd03mmc/device/devicetest"
	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

var syncStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeReader struct {
	clock     device.Clock
	entries   []types.HistoryEntry
	err       error
	requested []int
}

func (f *fakeReader) Clock(ctx context.Context) (device.Clock, error) {
	return f.clock, nil
}

func (f *fakeReader) RecentHistory(ctx context.Context, recent int) ([]types.HistoryEntry, error) {
	f.requested = append(f.requested, recent)
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// thermometer returns a fake device booted at syncStart with hourly entries
func thermometer(t *testing.T, now time.Time, hours int) (*devicetest.Device, *device.Thermometer) {
	t.Helper()
	dev := &devicetest.Device{Time: types.DeviceTime{Uptime: uint32(now.Sub(syncStart).Seconds())}}
	for i := 0; i < hours; i++ {
		dev.AddEntry(int64(i)*3600, 20+float64(i), 22+float64(i), 40, 50)
	}

	session, err := dev.Connect(context.Background(), "A4:C1:38:00:00:01")
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	therm := device.NewThermometer(session, device.Options{
		NotificationTimeout: 5 * time.Millisecond,
		Location:            time.UTC,
		Now:                 fixedNow(now),
	}, zap.NewNop())
	return dev, therm
}

func newTestSyncer(t *testing.T, now time.Time) *Syncer {
	logger, _ := zap.NewDevelopment()
	return NewSyncer(Options{Now: fixedNow(now)}, logger)
}

func TestSync_FullFetch(t *testing.T) {
	now := syncStart.Add(3 * time.Hour)
	dev, therm := thermometer(t, now, 3)
	path := filepath.Join(t.TempDir(), "history.json")

	result, err := newTestSyncer(t, now).Sync(context.Background(), therm, path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Requested != 0 {
		t.Errorf("Expected full history request, got %d", result.Requested)
	}
	if writes := dev.CursorWrites(); len(writes) != 0 {
		t.Errorf("Expected no cursor writes, got %v", writes)
	}

	stored, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load history: %v", err)
	}
	want := []time.Time{
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
	}
	if len(stored) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(stored))
	}
	for i, e := range stored {
		if !e.Time().Equal(want[i]) {
			t.Errorf("Entry %d: expected %v, got %v", i, want[i], e.Time())
		}
	}
	if stored[1].TMin != 21 || stored[1].TMax != 23 {
		t.Errorf("Expected Tmin 21 Tmax 23, got %v %v", stored[1].TMin, stored[1].TMax)
	}
}

func TestSync_Idempotent(t *testing.T) {
	now := syncStart.Add(3 * time.Hour)
	_, therm := thermometer(t, now, 3)
	path := filepath.Join(t.TempDir(), "history.json")
	syncer := newTestSyncer(t, now)

	if _, err := syncer.Sync(context.Background(), therm, path); err != nil {
		t.Fatalf("First sync failed: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	result, err := syncer.Sync(context.Background(), therm, path)
	if !errors.Is(err, ErrNoNewEntries) {
		t.Fatalf("Expected ErrNoNewEntries, got: %v", err)
	}
	if len(result.Added) != 0 {
		t.Errorf("Expected no added entries, got %d", len(result.Added))
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("Expected history file to be unchanged")
	}
}

func TestSync_DuplicateBoundary(t *testing.T) {
	last := syncStart.Add(10 * time.Hour)

	tests := []struct {
		name      string
		offset    int64
		wantAdded int
	}{
		{"exactly five minutes is new", 300, 1},
		{"one second short is duplicate", 299, 0},
		{"older than last is duplicate", -3600, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "history.json")
			if err := Save(path, []Entry{{Timestamp: TimeToFloat(last), TMin: 20, TMax: 21, HMin: 40, HMax: 41}}); err != nil {
				t.Fatal(err)
			}

			reader := &fakeReader{
				clock: device.Clock{StartTime: syncStart, Uptime: 1},
				entries: []types.HistoryEntry{{
					Index:            11,
					TimestampSeconds: int64(last.Sub(syncStart).Seconds()) + tt.offset,
					TemperatureMin:   19.5,
					TemperatureMax:   20.5,
					HumidityMin:      45,
					HumidityMax:      47,
				}},
			}

			result, err := newTestSyncer(t, last.Add(time.Hour)).Sync(context.Background(), reader, path)
			if tt.wantAdded == 0 && !errors.Is(err, ErrNoNewEntries) {
				t.Fatalf("Expected ErrNoNewEntries, got: %v", err)
			}
			if tt.wantAdded > 0 && err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if len(result.Added) != tt.wantAdded {
				t.Errorf("Expected %d added entries, got %d", tt.wantAdded, len(result.Added))
			}
		})
	}
}

func TestSync_RequestsElapsedHoursPlusMargin(t *testing.T) {
	last := syncStart.Add(5 * time.Hour)
	now := last.Add(10800 * time.Second)
	path := filepath.Join(t.TempDir(), "history.json")
	if err := Save(path, []Entry{{Timestamp: TimeToFloat(last)}}); err != nil {
		t.Fatal(err)
	}

	reader := &fakeReader{clock: device.Clock{StartTime: syncStart, Uptime: 1}}
	_, err := newTestSyncer(t, now).Sync(context.Background(), reader, path)
	if !errors.Is(err, ErrNoNewEntries) {
		t.Fatalf("Expected ErrNoNewEntries, got: %v", err)
	}
	if len(reader.requested) != 1 || reader.requested[0] != 5 {
		t.Errorf("Expected a request for 5 entries, got %v", reader.requested)
	}
}

func TestSyncer_RequestCount(t *testing.T) {
	syncer := NewSyncer(Options{}, zap.NewNop())
	now := syncStart.Add(24 * time.Hour)

	tests := []struct {
		name    string
		elapsed time.Duration
		want    int
	}{
		{"three hours", 3 * time.Hour, 5},
		{"partial hour rounds up", 90 * time.Minute, 4},
		{"no time passed", 0, 2},
		{"last entry in the future", -time.Hour, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := syncer.RequestCount(now.Add(-tt.elapsed), now); got != tt.want {
				t.Errorf("RequestCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSync_DisconnectLeavesFileUntouched(t *testing.T) {
	now := syncStart.Add(10 * time.Hour)
	dev, therm := thermometer(t, now, 10)
	dev.DisconnectAfterNotifications = 2

	path := filepath.Join(t.TempDir(), "history.json")
	original := []byte("# balcony\n[{\"timestamp\": 1704067200.0, \"Tmin\": 20.0, \"Tmax\": 22.0, \"Hmin\": 40, \"Hmax\": 50}]\n")
	if err := os.WriteFile(path, original, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := newTestSyncer(t, now).Sync(context.Background(), therm, path)
	if !errors.Is(err, device.ErrDisconnected) {
		t.Fatalf("Expected ErrDisconnected, got: %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(original, after) {
		t.Errorf("Expected history file byte-for-byte unchanged, got %q", after)
	}
}

func TestSync_UnreliableClock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	reader := &fakeReader{
		clock:   device.Clock{StartTime: syncStart},
		entries: []types.HistoryEntry{{Index: 1}},
	}

	_, err := newTestSyncer(t, syncStart).Sync(context.Background(), reader, path)
	if !errors.Is(err, ErrUnreliableClock) {
		t.Fatalf("Expected ErrUnreliableClock, got: %v", err)
	}
	if len(reader.requested) != 0 {
		t.Error("Expected no history fetch with an unreliable clock")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected history file not to be created")
	}
}
