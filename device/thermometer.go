package device

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/lywsd03mmc/decoder"
	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

// Options configure a Thermometer
type Options struct {
	// NotificationTimeout bounds the wait for a single notification
	NotificationTimeout time.Duration
	// Location is used to reconcile the device clock, time.Local when nil
	Location *time.Location
	// TZOffsetHours overrides the host offset used for the device clock
	TZOffsetHours *float64
	// Now is the wall clock, time.Now when nil
	Now func() time.Time
}

// DefaultNotificationTimeout is the notification timeout used when none is configured
const DefaultNotificationTimeout = 25 * time.Second

// Thermometer maps LYWSD03MMC characteristics onto typed records.
// All operations on one Thermometer are serialized.
type Thermometer struct {
	mu      sync.Mutex
	session Session
	opts    Options
	logger  *zap.Logger
}

// NewThermometer wraps an open session
func NewThermometer(session Session, opts Options, logger *zap.Logger) *Thermometer {
	if opts.NotificationTimeout <= 0 {
		opts.NotificationTimeout = DefaultNotificationTimeout
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Thermometer{
		session: session,
		opts:    opts,
		logger:  logger,
	}
}

func (t *Thermometer) read(uuid string) ([]byte, error) {
	t.logger.Debug("reading characteristic", zap.String("uuid", uuid))
	value, err := t.session.ReadCharacteristic(uuid)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uuid, err)
	}
	t.logger.Debug("got raw data",
		zap.String("uuid", uuid),
		zap.String("data", hex.EncodeToString(value)),
		zap.Int("length", len(value)),
	)
	return value, nil
}

func (t *Thermometer) write(uuid string, value []byte) error {
	t.logger.Debug("writing characteristic",
		zap.String("uuid", uuid),
		zap.String("data", hex.EncodeToString(value)),
	)
	if err := t.session.WriteCharacteristic(uuid, value, false); err != nil {
		return fmt.Errorf("write %s: %w", uuid, err)
	}
	return nil
}

func (t *Thermometer) deviceTime(ctx context.Context) (types.DeviceTime, error) {
	_, span := otel.Tracer("device").Start(ctx, "device.DeviceTime")
	defer span.End()

	raw, err := t.read(UUIDDeviceTime)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return types.DeviceTime{}, err
	}
	return decoder.DecodeDeviceTime(raw)
}

// Clock reads the device time and reconciles it with the host clock
func (t *Thermometer) Clock(ctx context.Context) (Clock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dt, err := t.deviceTime(ctx)
	if err != nil {
		return Clock{}, err
	}

	clock := NewClock(dt, t.opts.Now(), t.opts.Location, t.opts.TZOffsetHours)
	if !clock.Valid() {
		t.logger.Warn("implausible device clock",
			zap.Uint32("uptime_seconds", dt.Uptime),
			zap.Int8("device_tz", dt.TZOffset),
			zap.Time("start_time", clock.StartTime),
		)
	}
	return clock, nil
}

// LastHistoryEntry reads the most recent history entry
func (t *Thermometer) LastHistoryEntry(ctx context.Context) (types.HistoryEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, err := t.read(UUIDLastHistoryEntry)
	if err != nil {
		return types.HistoryEntry{}, err
	}
	return decoder.DecodeHistoryEntry(raw)
}

// HistoryIndex reads the (last, next) history index pointer
func (t *Thermometer) HistoryIndex(ctx context.Context) (types.HistoryIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.historyIndex()
}

func (t *Thermometer) historyIndex() (types.HistoryIndex, error) {
	raw, err := t.read(UUIDHistoryIndex)
	if err != nil {
		return types.HistoryIndex{}, err
	}
	return decoder.DecodeHistoryIndex(raw)
}

// FirstHistoryIndex reads the first history index cursor
func (t *Thermometer) FirstHistoryIndex(ctx context.Context) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, err := t.read(UUIDHistoryCursor)
	if err != nil {
		return 0, err
	}
	return decoder.DecodeHistoryCursor(raw)
}

// ComfortLevels reads the comfort zone configuration
func (t *Thermometer) ComfortLevels(ctx context.Context) (types.ComfortLevels, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, err := t.read(UUIDComfortLevels)
	if err != nil {
		return types.ComfortLevels{}, err
	}
	return decoder.DecodeComfortLevels(raw)
}

// CustomMeasurement reads the measurement exposed by the custom firmware
func (t *Thermometer) CustomMeasurement(ctx context.Context) (types.CustomMeasurement, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, err := t.read(UUIDCustomMeasurement)
	if err != nil {
		return types.CustomMeasurement{}, err
	}
	return decoder.DecodeCustomMeasurement(raw)
}

// CustomHistoryIndex reads the history index pointer of the custom firmware
func (t *Thermometer) CustomHistoryIndex(ctx context.Context) (types.HistoryIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, err := t.read(UUIDCustomHistoryIdx)
	if err != nil {
		return types.HistoryIndex{}, err
	}
	return decoder.DecodeHistoryIndex(raw)
}

// CurrentMeasurement waits for one measurement notification
func (t *Thermometer) CurrentMeasurement(ctx context.Context) (types.Measurement, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, span := otel.Tracer("device").Start(ctx, "device.CurrentMeasurement")
	defer span.End()

	var (
		measurement types.Measurement
		decodeErr   error
		received    bool
	)
	err := t.session.Subscribe(UUIDMeasurement, func(data []byte) {
		measurement, decodeErr = decoder.DecodeMeasurement(data)
		received = true
	})
	if err != nil {
		span.RecordError(err)
		return types.Measurement{}, fmt.Errorf("subscribe measurement: %w", err)
	}
	defer t.unsubscribe(UUIDMeasurement)

	for !received {
		ok, err := t.session.WaitForNotification(t.opts.NotificationTimeout)
		if err != nil {
			span.RecordError(err)
			return types.Measurement{}, fmt.Errorf("wait for measurement: %w", err)
		}
		if !ok {
			span.SetStatus(codes.Error, "timeout")
			return types.Measurement{}, fmt.Errorf("%w: no measurement within %s", ErrNotificationTimeout, t.opts.NotificationTimeout)
		}
	}
	if decodeErr != nil {
		return types.Measurement{}, decodeErr
	}
	return measurement, nil
}

func (t *Thermometer) unsubscribe(uuid string) {
	if err := t.session.Unsubscribe(uuid); err != nil {
		t.logger.Debug("failed to unsubscribe", zap.String("uuid", uuid), zap.Error(err))
	}
}

// History reads the full history retained by the device
func (t *Thermometer) History(ctx context.Context) ([]types.HistoryEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.drainHistory(ctx)
}

// drainHistory subscribes to the history stream and collects entries until
// the device stays silent for the notification timeout.
func (t *Thermometer) drainHistory(ctx context.Context) ([]types.HistoryEntry, error) {
	_, span := otel.Tracer("device").Start(ctx, "device.drainHistory")
	defer span.End()

	entries := make(map[uint32]types.HistoryEntry)
	var decodeErr error
	err := t.session.Subscribe(UUIDHistory, func(data []byte) {
		if decodeErr != nil {
			return
		}
		entry, err := decoder.DecodeHistoryEntry(data)
		if err != nil {
			decodeErr = err
			return
		}
		entries[entry.Index] = entry
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("subscribe history: %w", err)
	}
	defer t.unsubscribe(UUIDHistory)

	for {
		ok, err := t.session.WaitForNotification(t.opts.NotificationTimeout)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "history read failed")
			return nil, fmt.Errorf("read history: %w", err)
		}
		if decodeErr != nil {
			span.RecordError(decodeErr)
			span.SetStatus(codes.Error, "malformed history entry")
			return nil, decodeErr
		}
		if !ok {
			break
		}
	}

	result := make([]types.HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })

	span.SetAttributes(attribute.Int("history.entries", len(result)))
	t.logger.Debug("history read", zap.Int("entries", len(result)))
	return result, nil
}

// RecentHistory reads about the last recent entries. When the window reaches
// the beginning of the device memory the full history is returned.
func (t *Thermometer) RecentHistory(ctx context.Context, recent int) ([]types.HistoryEntry, error) {
	if recent <= 0 {
		return t.History(ctx)
	}

	t.mu.Lock()
	idx, err := t.historyIndex()
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	start := int64(idx.LastIndex) - int64(recent)
	if start < 1 {
		t.logger.Debug("recent window covers whole history",
			zap.Int("recent", recent),
			zap.Uint32("last_index", idx.LastIndex),
		)
		return t.History(ctx)
	}

	t.logger.Debug("getting recent entries",
		zap.Int("recent", recent),
		zap.Int64("start_index", start),
	)
	return t.PrimeHistoryCursor(uint32(start)).Read(ctx)
}
