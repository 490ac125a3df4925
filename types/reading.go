package types

import "time"

// Measurement is the current snapshot reported by the thermometer
type Measurement struct {
	Temperature float64
	Humidity    int
	Battery     int
	VoltageMV   int
}

// HistoryEntry is a single hourly record stored in the device memory.
// TimestampSeconds is relative to the device boot.
type HistoryEntry struct {
	Index            uint32
	TimestampSeconds int64
	TemperatureMin   float64
	TemperatureMax   float64
	HumidityMin      int
	HumidityMax      int
}

// HistoryIndex is the device side history cursor state
type HistoryIndex struct {
	LastIndex uint32
	NextIndex uint32
}

// ComfortLevels is the comfort zone configured on the device
type ComfortLevels struct {
	TempHigh     float64
	TempLow      float64
	HumidityHigh int
	HumidityLow  int
}

// CustomMeasurement is the measurement layout exposed by the custom firmware
type CustomMeasurement struct {
	Temperature1 float64
	Humidity     int
	Temperature2 float64
}

// DeviceTime is the raw content of the device time characteristic
type DeviceTime struct {
	Uptime   uint32
	TZOffset int8
}

// AdvertisementReading is a reading broadcast by the ATC custom firmware
type AdvertisementReading struct {
	Timestamp          time.Time
	MAC                string
	TemperatureCelsius float64
	HumidityPercent    int
	BatteryPercent     int
	BatteryVoltageMV   int
	FrameCounter       int
	RSSI               int16
}

// ReadingType identifies the type of reading pushed to metric sinks
type ReadingType string

const (
	ReadingTypeLive    ReadingType = "live"
	ReadingTypeHistory ReadingType = "history"
)

// Reading is a union type that can hold a live measurement or a synced history record
type Reading struct {
	Type    ReadingType
	MAC     string
	Live    *LiveReading
	History *HistoryRecord
}

// LiveReading is a measurement received at a known wall-clock time
type LiveReading struct {
	Timestamp time.Time
	Measurement
}

// HistoryRecord is a history entry placed on the wall clock
type HistoryRecord struct {
	Timestamp      time.Time
	Index          uint32
	TemperatureMin float64
	TemperatureMax float64
	HumidityMin    int
	HumidityMax    int
}

// GetTimestamp returns the timestamp of the reading regardless of type
func (r *Reading) GetTimestamp() time.Time {
	switch r.Type {
	case ReadingTypeLive:
		return r.Live.Timestamp
	case ReadingTypeHistory:
		return r.History.Timestamp
	default:
		return time.Time{}
	}
}

// NewLiveReading wraps a measurement received from mac at ts
func NewLiveReading(mac string, ts time.Time, m Measurement) *Reading {
	return &Reading{
		Type: ReadingTypeLive,
		MAC:  mac,
		Live: &LiveReading{Timestamp: ts, Measurement: m},
	}
}

// NewHistoryReading wraps a history record of mac
func NewHistoryReading(mac string, rec HistoryRecord) *Reading {
	return &Reading{
		Type:    ReadingTypeHistory,
		MAC:     mac,
		History: &rec,
	}
}
