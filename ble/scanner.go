package ble

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/mjasion/balena-home/lywsd03mmc/decoder"
	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

// UUID 0x181A is used by ATC_MiThermometer firmware
var atcServiceUUID = bluetooth.New16BitUUID(0x181A)

// Advertisement is a thermometer seen during a scan
type Advertisement struct {
	MAC  string
	Name string
	RSSI int16
	// Reading is set for ATC firmware advertisements
	Reading *types.AdvertisementReading
}

// Scanner lists nearby thermometers
type Scanner struct {
	adapter *Adapter
	logger  *zap.Logger
}

// NewScanner creates a scanner on the given adapter
func NewScanner(adapter *Adapter, logger *zap.Logger) *Scanner {
	return &Scanner{adapter: adapter, logger: logger}
}

// Scan reports every thermometer advertisement until duration elapses or ctx is done
func (s *Scanner) Scan(ctx context.Context, duration time.Duration, handler func(Advertisement)) error {
	if err := s.adapter.Enable(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	s.logger.Info("starting BLE scan", zap.Duration("duration", duration))
	err := scanUntil(ctx, s.adapter.adapter, func(result bluetooth.ScanResult) bool {
		var atcData []byte
		for _, sd := range result.ServiceData() {
			if sd.UUID == atcServiceUUID {
				atcData = sd.Data
				break
			}
		}

		adv, ok := s.match(result.Address.String(), result.LocalName(), result.RSSI, atcData)
		if ok {
			handler(adv)
		}
		return false
	})
	if err != nil {
		return fmt.Errorf("failed to start BLE scan: %w", err)
	}
	s.logger.Info("BLE scan finished")
	return nil
}

// match keeps LYWSD03MMC and ATC firmware devices and decodes ATC service data
func (s *Scanner) match(address, name string, rssi int16, atcData []byte) (Advertisement, bool) {
	isThermometer := name == "LYWSD03MMC" || strings.HasPrefix(name, "ATC_") || atcData != nil
	if !isThermometer {
		return Advertisement{}, false
	}

	adv := Advertisement{MAC: normalizeMAC(address), Name: name, RSSI: rssi}
	if atcData != nil {
		reading, err := decoder.DecodeATCAdvertisement(atcData, rssi)
		if err != nil {
			s.logger.Warn("failed to decode ATC advertisement",
				zap.String("mac", adv.MAC),
				zap.Error(err),
			)
		} else {
			adv.Reading = reading
		}
	}
	return adv, true
}

// String formats the advertisement as one output line
func (a Advertisement) String() string {
	name := a.Name
	if name == "" {
		name = "-"
	}
	line := fmt.Sprintf("%s  %-12s  RSSI %4d dBm", a.MAC, name, a.RSSI)
	if a.Reading != nil {
		line += fmt.Sprintf("  T: %.1f°C  H: %d%%  B: %d%% (%d mV)",
			a.Reading.TemperatureCelsius,
			a.Reading.HumidityPercent,
			a.Reading.BatteryPercent,
			a.Reading.BatteryVoltageMV,
		)
	}
	return line
}
