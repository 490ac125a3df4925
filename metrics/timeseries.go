package metrics

import (
	"context"
	"sort"

	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

type sampleValue func(r *types.Reading) (float64, bool)

type series struct {
	suffix string
	value  sampleValue
}

var liveSeries = []series{
	{"temperature_celsius", func(r *types.Reading) (float64, bool) { return r.Live.Temperature, true }},
	{"humidity_percent", func(r *types.Reading) (float64, bool) { return float64(r.Live.Humidity), true }},
	{"battery_percent", func(r *types.Reading) (float64, bool) { return float64(r.Live.Battery), true }},
	{"battery_voltage_mv", func(r *types.Reading) (float64, bool) {
		return float64(r.Live.VoltageMV), r.Live.VoltageMV > 0
	}},
}

var historySeries = []series{
	{"history_temperature_min_celsius", func(r *types.Reading) (float64, bool) { return r.History.TemperatureMin, true }},
	{"history_temperature_max_celsius", func(r *types.Reading) (float64, bool) { return r.History.TemperatureMax, true }},
	{"history_humidity_min_percent", func(r *types.Reading) (float64, bool) { return float64(r.History.HumidityMin), true }},
	{"history_humidity_max_percent", func(r *types.Reading) (float64, bool) { return float64(r.History.HumidityMax), true }},
}

// BuildTimeSeries converts readings into remote write time series named
// <prefix>_<metric>, one series per device and metric. Labels are sorted by
// name and samples by timestamp.
func BuildTimeSeries(ctx context.Context, prefix string, readings []*types.Reading) []prompb.TimeSeries {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildTimeSeries")
	defer span.End()

	type key struct {
		name string
		mac  string
	}
	grouped := make(map[key][]prompb.Sample)
	var order []key

	add := func(r *types.Reading, defs []series) {
		ts := r.GetTimestamp().UnixMilli()
		for _, def := range defs {
			v, ok := def.value(r)
			if !ok {
				continue
			}
			k := key{name: prefix + "_" + def.suffix, mac: r.MAC}
			if _, seen := grouped[k]; !seen {
				order = append(order, k)
			}
			grouped[k] = append(grouped[k], prompb.Sample{Value: v, Timestamp: ts})
		}
	}

	for _, r := range readings {
		switch {
		case r.Type == types.ReadingTypeLive && r.Live != nil:
			add(r, liveSeries)
		case r.Type == types.ReadingTypeHistory && r.History != nil:
			add(r, historySeries)
		}
	}

	timeSeries := make([]prompb.TimeSeries, 0, len(order))
	for _, k := range order {
		samples := grouped[k]
		sort.SliceStable(samples, func(i, j int) bool { return samples[i].Timestamp < samples[j].Timestamp })
		timeSeries = append(timeSeries, prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: k.name},
				{Name: "mac", Value: k.mac},
			},
			Samples: samples,
		})
	}

	span.SetAttributes(attribute.Int("metrics.time_series_count", len(timeSeries)))
	return timeSeries
}
