package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/skratchdot/open-golang/open"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/lywsd03mmc/ble"
	"github.com/mjasion/balena-home/lywsd03mmc/config"
	"github.com/mjasion/balena-home/lywsd03mmc/device"
	"github.com/mjasion/balena-home/lywsd03mmc/history"
	"github.com/mjasion/balena-home/lywsd03mmc/metrics"
	"github.com/mjasion/balena-home/lywsd03mmc/telemetry"
	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

const timeLayout = "2006-01-02 15:04:05"

type advertisementScanner interface {
	Scan(ctx context.Context, duration time.Duration, handler func(ble.Advertisement)) error
}

// app carries everything the commands share. Hardware access is created on
// first use so file-only commands never touch the BLE stack.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	stdout      io.Writer
	instruments *telemetry.Instruments

	adapter   *ble.Adapter
	connector device.Connector
	scanner   advertisementScanner

	notificationTimeout time.Duration
	location            *time.Location
	now                 func() time.Time
	openFile            func(path string) error
}

func newApp(cfg *config.Config, logger *zap.Logger, stdout io.Writer) (*app, error) {
	instruments, err := telemetry.NewInstruments()
	if err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	return &app{
		cfg:         cfg,
		logger:      logger,
		stdout:      stdout,
		instruments: instruments,

		notificationTimeout: cfg.Device.NotificationTimeout(),
		location:            time.Local,
		now:                 time.Now,
		openFile:            open.Run,
	}, nil
}

func (a *app) bleAdapter() *ble.Adapter {
	if a.adapter == nil {
		a.adapter = ble.NewAdapter(a.logger)
	}
	return a.adapter
}

func (a *app) deviceConnector() device.Connector {
	if a.connector == nil {
		a.connector = ble.NewConnector(a.bleAdapter(), a.cfg.Device.ScanTimeout(), a.logger)
	}
	return a.connector
}

func (a *app) advertisementScanner() advertisementScanner {
	if a.scanner == nil {
		a.scanner = ble.NewScanner(a.bleAdapter(), a.logger)
	}
	return a.scanner
}

func (a *app) deviceOptions() device.Options {
	return device.Options{
		NotificationTimeout: a.notificationTimeout,
		Location:            a.location,
		TZOffsetHours:       a.cfg.Device.TZOverride(),
		Now:                 a.now,
	}
}

func (a *app) withThermometer(ctx context.Context, mac string, fn func(*device.Thermometer) error) error {
	return device.WithThermometer(ctx, a.deviceConnector(), mac, a.deviceOptions(), a.logger, fn)
}

func (a *app) syncer() *history.Syncer {
	return history.NewSyncer(history.Options{
		DuplicateWindow: a.cfg.History.DuplicateWindow(),
		MarginEntries:   a.cfg.History.MarginEntries,
		Now:             a.now,
	}, a.logger)
}

func (a *app) pusherConfig() metrics.Config {
	p := a.cfg.Prometheus
	return metrics.Config{
		URL:          p.URL,
		Username:     p.Username,
		Password:     p.Password,
		MetricPrefix: p.MetricPrefix,
		PushInterval: time.Duration(p.PushIntervalSeconds) * time.Second,
	}
}

// pushHistory sends newly synced entries when remote write is enabled
func (a *app) pushHistory(ctx context.Context, mac string, added []history.Entry) {
	if !a.cfg.Prometheus.Enabled || len(added) == 0 {
		return
	}

	readings := make([]*types.Reading, 0, len(added))
	for _, e := range added {
		readings = append(readings, types.NewHistoryReading(mac, types.HistoryRecord{
			Timestamp:      e.Time(),
			TemperatureMin: e.TMin,
			TemperatureMax: e.TMax,
			HumidityMin:    e.HMin,
			HumidityMax:    e.HMax,
		}))
	}
	if err := metrics.New(a.pusherConfig(), nil, a.logger).Push(ctx, readings); err != nil {
		a.logger.Error("failed to push history entries", zap.Error(err))
	}
}

// resolveMAC picks the --mac flag over the configured device
func (a *app) resolveMAC(flagValue string) (string, error) {
	mac := strings.TrimSpace(flagValue)
	if mac == "" {
		mac = a.cfg.Device.MACAddress
	}
	if mac == "" {
		return "", fmt.Errorf("%w: --mac is required when device.macAddress is not configured", ErrInvalidUserInput)
	}
	if err := config.ValidateMAC(mac); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidUserInput, err)
	}
	return strings.ToUpper(mac), nil
}

// parseRecent converts --recent; a non-integer value is reported and ignored
func (a *app) parseRecent(value string) int {
	if value == "" {
		return 0
	}
	recent, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || recent < 0 {
		a.logger.Warn("unable to convert recent to a non-negative integer, using all entries",
			zap.String("recent", value),
			zap.Error(ErrInvalidUserInput),
		)
		return 0
	}
	return recent
}

func (a *app) formatTime(t time.Time) string {
	return t.In(a.location).Format(timeLayout)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.stdout, format, args...)
}

func formatMeasurement(m types.Measurement) string {
	return fmt.Sprintf("Temperature: %.2fC Humidity: %d%% Battery: %d%%", m.Temperature, m.Humidity, m.Battery)
}

func formatValues(tmin, tmax float64, hmin, hmax int) string {
	return fmt.Sprintf("Tmin: %.1f Tmax: %.1f Hmin: %d Hmax: %d", tmin, tmax, hmin, hmax)
}
