package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

// ErrMalformedRecord is returned when a characteristic value does not have the size of its layout
var ErrMalformedRecord = errors.New("malformed record")

// Fixed record sizes (little endian layouts)
const (
	HistoryEntrySize      = 14 // u32 index, u32 ts, i16 tmax, u8 hmax, i16 tmin, u8 hmin
	HistoryIndexSize      = 8  // u32 last, u32 next
	ComfortLevelsSize     = 6  // u16 thi, u16 tlo, u8 hhi, u8 hlo
	HistoryCursorSize     = 4  // u32 index
	CustomMeasurementSize = 5  // u16 t1, u8 hum, u16 t2
	MeasurementSize       = 5  // i16 temp, u8 hum, u16 voltage
	DeviceTimeSize        = 5  // u32 uptime, i8 tz
	ATCAdvertisementSize  = 13
)

func checkSize(record string, data []byte, want int) error {
	if len(data) != want {
		return fmt.Errorf("%w: %s expects %d bytes, got %d", ErrMalformedRecord, record, want, len(data))
	}
	return nil
}

// DecodeHistoryEntry decodes the last history entry characteristic and the
// history notification payload. Temperatures are stored in 0.1°C.
func DecodeHistoryEntry(data []byte) (types.HistoryEntry, error) {
	if err := checkSize("history entry", data, HistoryEntrySize); err != nil {
		return types.HistoryEntry{}, err
	}

	return types.HistoryEntry{
		Index:            binary.LittleEndian.Uint32(data[0:4]),
		TimestampSeconds: int64(binary.LittleEndian.Uint32(data[4:8])),
		TemperatureMax:   float64(int16(binary.LittleEndian.Uint16(data[8:10]))) / 10.0,
		HumidityMax:      int(data[10]),
		TemperatureMin:   float64(int16(binary.LittleEndian.Uint16(data[11:13]))) / 10.0,
		HumidityMin:      int(data[13]),
	}, nil
}

// EncodeHistoryEntry is the inverse of DecodeHistoryEntry, used by test devices
func EncodeHistoryEntry(e types.HistoryEntry) []byte {
	buf := make([]byte, HistoryEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], e.Index)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.TimestampSeconds))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(int16(math.Round(e.TemperatureMax*10))))
	buf[10] = byte(e.HumidityMax)
	binary.LittleEndian.PutUint16(buf[11:13], uint16(int16(math.Round(e.TemperatureMin*10))))
	buf[13] = byte(e.HumidityMin)
	return buf
}

// DecodeHistoryIndex decodes the (last, next) history index pointer
func DecodeHistoryIndex(data []byte) (types.HistoryIndex, error) {
	if err := checkSize("history index", data, HistoryIndexSize); err != nil {
		return types.HistoryIndex{}, err
	}

	return types.HistoryIndex{
		LastIndex: binary.LittleEndian.Uint32(data[0:4]),
		NextIndex: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// EncodeHistoryIndex is the inverse of DecodeHistoryIndex
func EncodeHistoryIndex(idx types.HistoryIndex) []byte {
	buf := make([]byte, HistoryIndexSize)
	binary.LittleEndian.PutUint32(buf[0:4], idx.LastIndex)
	binary.LittleEndian.PutUint32(buf[4:8], idx.NextIndex)
	return buf
}

// DecodeComfortLevels decodes the comfort levels. Temperatures are stored in 0.01°C.
func DecodeComfortLevels(data []byte) (types.ComfortLevels, error) {
	if err := checkSize("comfort levels", data, ComfortLevelsSize); err != nil {
		return types.ComfortLevels{}, err
	}

	return types.ComfortLevels{
		TempHigh:     float64(binary.LittleEndian.Uint16(data[0:2])) / 100.0,
		TempLow:      float64(binary.LittleEndian.Uint16(data[2:4])) / 100.0,
		HumidityHigh: int(data[4]),
		HumidityLow:  int(data[5]),
	}, nil
}

// EncodeComfortLevels is the inverse of DecodeComfortLevels
func EncodeComfortLevels(c types.ComfortLevels) []byte {
	buf := make([]byte, ComfortLevelsSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(math.Round(c.TempHigh*100)))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(math.Round(c.TempLow*100)))
	buf[4] = byte(c.HumidityHigh)
	buf[5] = byte(c.HumidityLow)
	return buf
}

// DecodeHistoryCursor decodes the first history index characteristic
func DecodeHistoryCursor(data []byte) (uint32, error) {
	if err := checkSize("history cursor", data, HistoryCursorSize); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// EncodeHistoryCursor encodes the value written to the first history index characteristic
func EncodeHistoryCursor(index uint32) []byte {
	buf := make([]byte, HistoryCursorSize)
	binary.LittleEndian.PutUint32(buf, index)
	return buf
}

// DecodeCustomMeasurement decodes the measurement of the custom firmware variant
func DecodeCustomMeasurement(data []byte) (types.CustomMeasurement, error) {
	if err := checkSize("custom measurement", data, CustomMeasurementSize); err != nil {
		return types.CustomMeasurement{}, err
	}

	return types.CustomMeasurement{
		Temperature1: float64(binary.LittleEndian.Uint16(data[0:2])) / 100.0,
		Humidity:     int(data[2]),
		Temperature2: float64(binary.LittleEndian.Uint16(data[3:5])) / 100.0,
	}, nil
}

// EncodeCustomMeasurement is the inverse of DecodeCustomMeasurement
func EncodeCustomMeasurement(m types.CustomMeasurement) []byte {
	buf := make([]byte, CustomMeasurementSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(math.Round(m.Temperature1*100)))
	buf[2] = byte(m.Humidity)
	binary.LittleEndian.PutUint16(buf[3:5], uint16(math.Round(m.Temperature2*100)))
	return buf
}

// DecodeMeasurement decodes the measurement notification.
// Temperature is stored in 0.01°C, battery voltage in mV.
func DecodeMeasurement(data []byte) (types.Measurement, error) {
	if err := checkSize("measurement", data, MeasurementSize); err != nil {
		return types.Measurement{}, err
	}

	voltage := int(binary.LittleEndian.Uint16(data[3:5]))
	return types.Measurement{
		Temperature: float64(int16(binary.LittleEndian.Uint16(data[0:2]))) / 100.0,
		Humidity:    int(data[2]),
		Battery:     BatteryPercent(voltage),
		VoltageMV:   voltage,
	}, nil
}

// EncodeMeasurement is the inverse of DecodeMeasurement, battery is derived from the voltage
func EncodeMeasurement(m types.Measurement) []byte {
	buf := make([]byte, MeasurementSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(int16(math.Round(m.Temperature*100))))
	buf[2] = byte(m.Humidity)
	binary.LittleEndian.PutUint16(buf[3:5], uint16(m.VoltageMV))
	return buf
}

// BatteryPercent maps the cell voltage onto 0-100%, 2.1V being empty
func BatteryPercent(voltageMV int) int {
	pct := int(math.Round(float64(voltageMV-2100) / 10.0))
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// DecodeDeviceTime decodes the device time characteristic (uptime seconds and timezone)
func DecodeDeviceTime(data []byte) (types.DeviceTime, error) {
	if err := checkSize("device time", data, DeviceTimeSize); err != nil {
		return types.DeviceTime{}, err
	}

	return types.DeviceTime{
		Uptime:   binary.LittleEndian.Uint32(data[0:4]),
		TZOffset: int8(data[4]),
	}, nil
}

// EncodeDeviceTime is the inverse of DecodeDeviceTime
func EncodeDeviceTime(t types.DeviceTime) []byte {
	buf := make([]byte, DeviceTimeSize)
	binary.LittleEndian.PutUint32(buf[0:4], t.Uptime)
	buf[4] = byte(t.TZOffset)
	return buf
}

// DecodeATCAdvertisement decodes the ATC_MiThermometer advertisement format
// Format (13 bytes):
// - Bytes 0-5: MAC address (big endian)
// - Bytes 6-7: Temperature in 0.1°C (little endian signed int16)
// - Byte 8: Humidity in %
// - Byte 9: Battery percentage
// - Bytes 10-11: Battery voltage in mV (little endian)
// - Byte 12: Frame counter
func DecodeATCAdvertisement(data []byte, rssi int16) (*types.AdvertisementReading, error) {
	if len(data) < ATCAdvertisementSize {
		return nil, fmt.Errorf("%w: ATC advertisement expects at least %d bytes, got %d", ErrMalformedRecord, ATCAdvertisementSize, len(data))
	}

	mac := fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		data[0], data[1], data[2], data[3], data[4], data[5])

	return &types.AdvertisementReading{
		Timestamp:          time.Now(),
		MAC:                mac,
		TemperatureCelsius: float64(int16(binary.LittleEndian.Uint16(data[6:8]))) / 10.0,
		HumidityPercent:    int(data[8]),
		BatteryPercent:     int(data[9]),
		BatteryVoltageMV:   int(binary.LittleEndian.Uint16(data[10:12])),
		FrameCounter:       int(data[12]),
		RSSI:               rssi,
	}, nil
}
