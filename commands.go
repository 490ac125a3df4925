package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjasion/balena-home/lywsd03mmc/ble"
	"github.com/mjasion/balena-home/lywsd03mmc/buffer"
	"github.com/mjasion/balena-home/lywsd03mmc/chart"
	"github.com/mjasion/balena-home/lywsd03mmc/device"
	"github.com/mjasion/balena-home/lywsd03mmc/history"
	"github.com/mjasion/balena-home/lywsd03mmc/metrics"
	"github.com/mjasion/balena-home/lywsd03mmc/mqtt"
	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(programName+" "+name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidUserInput, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %v", ErrInvalidUserInput, fs.Args())
	}
	return nil
}

func runInfo(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("info")
	macFlag := fs.String("mac", "", "MAC address of device")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	mac, err := a.resolveMAC(*macFlag)
	if err != nil {
		return err
	}

	return a.withThermometer(ctx, mac, func(t *device.Thermometer) error {
		clock, err := t.Clock(ctx)
		if err != nil {
			return err
		}
		a.printf("Device time: uptime %d s, device tz %d\n", clock.Uptime, clock.DeviceTZ)
		if clock.Valid() {
			a.printf("Start time: %s (host offset %+.1f h)\n", a.formatTime(clock.StartTime), clock.TZOffsetHours)
		} else {
			a.printf("Start time: unreliable, raw uptime %d s\n", clock.Uptime)
		}

		idx, err := t.HistoryIndex(ctx)
		if err != nil {
			return err
		}
		a.printf("History index: last %d next %d\n", idx.LastIndex, idx.NextIndex)

		first, err := t.FirstHistoryIndex(ctx)
		if err != nil {
			return err
		}
		a.printf("First history index: %d\n", first)

		last, err := t.LastHistoryEntry(ctx)
		if err != nil {
			return err
		}
		a.printf("Last history entry: %s\n", a.formatDeviceEntry(last, clock))

		comfort, err := t.ComfortLevels(ctx)
		if err != nil {
			return err
		}
		a.printf("Comfort levels: temperature %.2f..%.2fC humidity %d..%d%%\n",
			comfort.TempLow, comfort.TempHigh, comfort.HumidityLow, comfort.HumidityHigh)

		return a.printCustomFirmware(ctx, t)
	})
}

// printCustomFirmware prints the characteristics only exposed by the custom
// firmware. Stock devices don't have them.
func (a *app) printCustomFirmware(ctx context.Context, t *device.Thermometer) error {
	custom, err := t.CustomMeasurement(ctx)
	if errors.Is(err, device.ErrCharacteristicNotFound) {
		a.logger.Debug("custom firmware characteristics not present")
		return nil
	}
	if err != nil {
		return err
	}
	a.printf("Custom measurement: temperature %.2fC humidity %d%% temperature2 %.2fC\n",
		custom.Temperature1, custom.Humidity, custom.Temperature2)

	idx, err := t.CustomHistoryIndex(ctx)
	if errors.Is(err, device.ErrCharacteristicNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	a.printf("Custom history index: last %d next %d\n", idx.LastIndex, idx.NextIndex)
	return nil
}

// formatDeviceEntry prints an entry at its wall clock time, or at its raw
// relative offset when the device clock cannot be trusted
func (a *app) formatDeviceEntry(e types.HistoryEntry, clock device.Clock) string {
	when := fmt.Sprintf("+%ds", e.TimestampSeconds)
	if clock.Valid() {
		when = a.formatTime(clock.Absolute(e.TimestampSeconds))
	}
	return fmt.Sprintf("Entry %d: %s %s", e.Index, when,
		formatValues(e.TemperatureMin, e.TemperatureMax, e.HumidityMin, e.HumidityMax))
}

func runReadData(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("readdata")
	macFlag := fs.String("mac", "", "MAC address of device")
	outAppend := fs.String("outappend", "", "Append the measurement to a capture file")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	mac, err := a.resolveMAC(*macFlag)
	if err != nil {
		return err
	}

	return a.withThermometer(ctx, mac, func(t *device.Thermometer) error {
		m, err := t.CurrentMeasurement(ctx)
		if err != nil {
			return err
		}
		receivedAt := a.now()
		a.instruments.MeasurementReceived(ctx, mac)
		a.printf("measurement: %s\n", formatMeasurement(m))

		if *outAppend == "" {
			return nil
		}
		return history.AppendCapture(*outAppend, captureOf(receivedAt, m))
	})
}

func captureOf(ts time.Time, m types.Measurement) history.RawCapture {
	return history.RawCapture{
		Timestamp: history.TimeToFloat(ts),
		T:         m.Temperature,
		H:         m.Humidity,
		B:         m.Battery,
	}
}

func runReadHistory(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("readhistory")
	macFlag := fs.String("mac", "", "MAC address of device")
	recentFlag := fs.String("recent", "", "Number of recent entries")
	outAppend := fs.String("outappend", "", "Append new entries to a history file")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	mac, err := a.resolveMAC(*macFlag)
	if err != nil {
		return err
	}

	if *outAppend != "" {
		if *recentFlag != "" {
			a.logger.Info("ignoring --recent, the window is derived from the history file")
		}
		return a.withThermometer(ctx, mac, func(t *device.Thermometer) error {
			return a.syncHistory(ctx, t, mac, *outAppend)
		})
	}

	recent := a.parseRecent(*recentFlag)
	return a.withThermometer(ctx, mac, func(t *device.Thermometer) error {
		clock, err := t.Clock(ctx)
		if err != nil {
			return err
		}
		entries, err := t.RecentHistory(ctx, recent)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			a.logger.Info("device history is empty")
			return nil
		}
		for _, e := range entries {
			a.printf("%s\n", a.formatDeviceEntry(e, clock))
		}
		return nil
	})
}

// syncHistory appends new device entries to path and pushes them when enabled
func (a *app) syncHistory(ctx context.Context, t *device.Thermometer, mac, path string) error {
	result, err := a.syncer().Sync(ctx, t, path)
	switch {
	case errors.Is(err, history.ErrNoNewEntries):
		a.instruments.SyncFinished(ctx, mac, "no_new_entries", 0)
		a.printf("no new entries\n")
		return nil
	case err != nil:
		a.instruments.SyncFinished(ctx, mac, "error", 0)
		return err
	}

	a.instruments.SyncFinished(ctx, mac, "ok", len(result.Added))
	for _, e := range result.Added {
		a.printf("Added: %s %s\n", a.formatTime(e.Time()), formatValues(e.TMin, e.TMax, e.HMin, e.HMax))
	}
	a.logger.Info("history synced",
		zap.String("file", path),
		zap.Int("requested", result.Requested),
		zap.Int("fetched", result.Fetched),
		zap.Int("added", len(result.Added)),
	)
	a.pushHistory(ctx, mac, result.Added)
	return nil
}

func runPrintHistory(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("printhistory")
	inFile := fs.String("infile", a.cfg.History.File, "History file to read")
	recentFlag := fs.String("recent", "", "Number of recent entries")
	noPrint := fs.Bool("noprint", false, "Do not print entries")
	showChart := fs.Bool("showchart", false, "Open the chart")
	outChart := fs.String("outchart", "", "Write the chart to an SVG file")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *inFile == "" {
		return fmt.Errorf("%w: --infile is required", ErrInvalidUserInput)
	}

	entries, err := history.Load(*inFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUserInput, err)
	}
	entries = history.Tail(entries, a.parseRecent(*recentFlag))
	if len(entries) == 0 {
		a.logger.Info("history is empty", zap.String("file", *inFile))
		return nil
	}

	if !*noPrint {
		for _, e := range entries {
			a.printf("%s %s\n", a.formatTime(e.Time()), formatValues(e.TMin, e.TMax, e.HMin, e.HMax))
		}
	}

	if !*showChart && *outChart == "" {
		return nil
	}

	path := *outChart
	if path == "" {
		f, err := os.CreateTemp("", programName+"-*.svg")
		if err != nil {
			return fmt.Errorf("create chart file: %w", err)
		}
		path = f.Name()
		f.Close()
	}
	if err := chart.WriteFile(path, entries, "LYWSD03MMC history", a.location); err != nil {
		return err
	}
	a.logger.Info("chart written", zap.String("file", path))

	if *showChart {
		if err := a.openFile(path); err != nil {
			return fmt.Errorf("open chart: %w", err)
		}
	}
	return nil
}

func runConvertMeasurements(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("convertmeasurements")
	inFile := fs.String("infile", "", "Capture file to read")
	outFile := fs.String("outfile", "", "History file to write")
	noPrint := fs.Bool("noprint", false, "Do not print entries")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *inFile == "" || *outFile == "" {
		return fmt.Errorf("%w: --infile and --outfile are required", ErrInvalidUserInput)
	}

	captures, err := history.LoadCaptures(*inFile)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUserInput, err)
	}
	entries := history.Aggregate(captures)
	if err := history.Save(*outFile, entries); err != nil {
		return err
	}

	if !*noPrint {
		for _, e := range entries {
			a.printf("%s %s\n", a.formatTime(e.Time()), formatValues(e.TMin, e.TMax, e.HMin, e.HMax))
		}
	}
	a.logger.Info("measurements converted",
		zap.Int("captures", len(captures)),
		zap.Int("entries", len(entries)),
		zap.String("outfile", *outFile),
	)
	return nil
}

func runListen(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("listen")
	macFlag := fs.String("mac", "", "MAC address of device")
	outAppend := fs.String("outappend", "", "Append every measurement to a capture file")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	mac, err := a.resolveMAC(*macFlag)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	var publisher *mqtt.Publisher
	if a.cfg.MQTT.Enabled {
		publisher = mqtt.NewPublisher(a.cfg.MQTT, a.logger)
		if err := publisher.Connect(ctx); err != nil {
			return err
		}
		defer publisher.Close()
	}

	var readings *buffer.Ring[*types.Reading]
	if a.cfg.Prometheus.Enabled {
		readings = buffer.New[*types.Reading](a.cfg.Prometheus.BufferSize, a.logger)
		pusher := metrics.New(a.pusherConfig(), readings, a.logger)

		if a.cfg.Prometheus.StartAtEvenSecond {
			now := time.Now()
			wait := now.Truncate(time.Second).Add(time.Second).Sub(now)
			a.logger.Debug("waiting to start at even second", zap.Duration("wait_duration", wait))
			time.Sleep(wait)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			pusher.Run(ctx)
		}()
	}

	handler := func(receivedAt time.Time, m types.Measurement) {
		a.instruments.MeasurementReceived(ctx, mac)
		a.printf("received: %s %s\n", a.formatTime(receivedAt), formatMeasurement(m))

		if *outAppend != "" {
			if err := history.AppendCapture(*outAppend, captureOf(receivedAt, m)); err != nil {
				a.logger.Error("failed to append measurement", zap.Error(err))
			}
		}
		if publisher != nil {
			if err := publisher.Publish(mac, receivedAt, m); err != nil {
				a.logger.Warn("failed to publish measurement", zap.Error(err))
			}
		}
		if readings != nil {
			readings.Push(types.NewLiveReading(mac, receivedAt, m))
		}
	}

	err = a.withThermometer(ctx, mac, func(t *device.Thermometer) error {
		return t.Listen(ctx, handler)
	})
	cancel()
	wg.Wait()
	return err
}

func runScan(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("scan")
	duration := fs.Duration("duration", a.cfg.Device.ScanTimeout(), "How long to scan")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	// print a device once, then again for every new ATC frame
	lastFrame := make(map[string]int)
	return a.advertisementScanner().Scan(ctx, *duration, func(adv ble.Advertisement) {
		frame := -1
		if adv.Reading != nil {
			frame = adv.Reading.FrameCounter
		}
		if prev, seen := lastFrame[adv.MAC]; seen && prev == frame {
			return
		}
		lastFrame[adv.MAC] = frame
		a.printf("%s\n", adv.String())
	})
}
