package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the counters recorded by the commands. With OpenTelemetry
// disabled they are backed by the global no-op meter.
type Instruments struct {
	measurements metric.Int64Counter
	historyAdded metric.Int64Counter
	syncRuns     metric.Int64Counter
}

// NewInstruments creates the counters on the global meter provider
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter("github.com/mjasion/balena-home/lywsd03mmc")

	measurements, err := meter.Int64Counter("lywsd03mmc.measurements.received",
		metric.WithDescription("Live measurements received from the device"))
	if err != nil {
		return nil, err
	}
	historyAdded, err := meter.Int64Counter("lywsd03mmc.history.entries_added",
		metric.WithDescription("History entries appended to the history file"))
	if err != nil {
		return nil, err
	}
	syncRuns, err := meter.Int64Counter("lywsd03mmc.history.sync_runs",
		metric.WithDescription("History sync runs by result"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		measurements: measurements,
		historyAdded: historyAdded,
		syncRuns:     syncRuns,
	}, nil
}

// MeasurementReceived counts one live measurement of mac
func (i *Instruments) MeasurementReceived(ctx context.Context, mac string) {
	i.measurements.Add(ctx, 1, metric.WithAttributes(attribute.String("device.mac", mac)))
}

// SyncFinished counts a sync run and the entries it added
func (i *Instruments) SyncFinished(ctx context.Context, mac, result string, added int) {
	macAttr := attribute.String("device.mac", mac)
	i.syncRuns.Add(ctx, 1, metric.WithAttributes(macAttr, attribute.String("result", result)))
	if added > 0 {
		i.historyAdded.Add(ctx, int64(added), metric.WithAttributes(macAttr))
	}
}
