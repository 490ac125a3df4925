// Package chart renders stored history as an SVG line chart.
package chart

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"math"
	"time"

	"github.com/google/renameio/v2"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgsvg"

	"github.com/mjasion/balena-home/lywsd03mmc/history"
)

// ErrNoData is returned when there is nothing to plot
var ErrNoData = errors.New("no history entries to plot")

const (
	width  = 12.5 * vg.Inch
	height = 8 * vg.Inch

	tickFormat = "01-02 15:04"
)

type series struct {
	label  string
	color  color.Color
	dashed bool
	value  func(history.Entry) float64
}

var (
	temperatureSeries = []series{
		{"Tmax", color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff}, false, func(e history.Entry) float64 { return e.TMax }},
		{"Tmin", color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}, false, func(e history.Entry) float64 { return e.TMin }},
	}
	humiditySeries = []series{
		{"Hmax", color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff}, true, func(e history.Entry) float64 { return float64(e.HMax) }},
		{"Hmin", color.RGBA{R: 0x94, G: 0x67, B: 0xbd, A: 0xff}, true, func(e history.Entry) float64 { return float64(e.HMin) }},
	}
)

// Render plots temperature min/max above humidity min/max (0-100%) on a
// shared time axis. Times are shown in loc.
func Render(entries []history.Entry, title string, loc *time.Location) ([]byte, error) {
	if len(entries) == 0 {
		return nil, ErrNoData
	}
	if loc == nil {
		loc = time.Local
	}

	start := entries[0].Timestamp
	end := entries[len(entries)-1].Timestamp
	if end <= start {
		start -= 1800
		end = start + 3600
	}
	ticker := hourTicks{loc: loc}

	tLow, tHigh := temperatureRange(entries)
	temperature, err := newPanel(entries, temperatureSeries, "Temperature (°C)", tLow, tHigh)
	if err != nil {
		return nil, err
	}
	temperature.Title.Text = title

	humidity, err := newPanel(entries, humiditySeries, "Humidity (%)", 0, 100)
	if err != nil {
		return nil, err
	}
	humidity.X.Label.Text = "Time"

	for _, p := range []*plot.Plot{temperature, humidity} {
		p.X.Min, p.X.Max = start, end
		p.X.Tick.Marker = ticker
	}

	canvas := vgsvg.New(width, height)
	tiles := draw.Tiles{
		Rows:      2,
		Cols:      1,
		PadTop:    vg.Points(10),
		PadBottom: vg.Points(10),
		PadLeft:   vg.Points(10),
		PadRight:  vg.Points(20),
		PadY:      vg.Points(20),
	}
	panels := plot.Align([][]*plot.Plot{{temperature}, {humidity}}, tiles, draw.New(canvas))
	temperature.Draw(panels[0][0])
	humidity.Draw(panels[1][0])

	var buf bytes.Buffer
	if _, err := canvas.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode svg: %w", err)
	}
	return buf.Bytes(), nil
}

func newPanel(entries []history.Entry, defs []series, label string, low, high float64) (*plot.Plot, error) {
	p := plot.New()
	p.Y.Label.Text = label
	p.Y.Min, p.Y.Max = low, high
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for _, def := range defs {
		xys := make(plotter.XYs, len(entries))
		for i, e := range entries {
			xys[i].X = e.Timestamp
			xys[i].Y = def.value(e)
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, fmt.Errorf("%s line: %w", def.label, err)
		}
		line.LineStyle.Color = def.color
		line.LineStyle.Width = vg.Points(1.5)
		if def.dashed {
			line.LineStyle.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}
		}
		p.Add(line)
		p.Legend.Add(def.label, line)
	}
	return p, nil
}

// temperatureRange pads the data range by one degree and rounds it to whole degrees
func temperatureRange(entries []history.Entry) (float64, float64) {
	low, high := math.Inf(1), math.Inf(-1)
	for _, e := range entries {
		low = min(low, e.TMin, e.TMax)
		high = max(high, e.TMin, e.TMax)
	}
	return math.Floor(low - 1), math.Ceil(high + 1)
}

// hourTicks labels whole hours on an axis of unix seconds
type hourTicks struct {
	loc *time.Location
}

func (h hourTicks) Ticks(lo, hi float64) []plot.Tick {
	from := time.Unix(int64(math.Ceil(lo)), 0)
	to := time.Unix(int64(math.Floor(hi)), 0)

	var ticks []plot.Tick
	for _, t := range timeTicks(from, to) {
		ticks = append(ticks, plot.Tick{
			Value: history.TimeToFloat(t),
			Label: t.In(h.loc).Format(tickFormat),
		})
	}
	return ticks
}

// timeTicks returns up to eight evenly spaced whole-hour ticks within [start, end]
func timeTicks(start, end time.Time) []time.Time {
	span := end.Sub(start)
	step := time.Hour
	for span/step > 8 {
		step *= 2
	}

	var ticks []time.Time
	for t := start.Truncate(time.Hour); !t.After(end); t = t.Add(step) {
		if t.Before(start) {
			continue
		}
		ticks = append(ticks, t)
	}
	return ticks
}

// WriteFile renders the chart into path
func WriteFile(path string, entries []history.Entry, title string, loc *time.Location) error {
	svg, err := Render(entries, title, loc)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, svg, 0o644); err != nil {
		return fmt.Errorf("write chart %s: %w", path, err)
	}
	return nil
}
