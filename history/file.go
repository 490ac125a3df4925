package history

import (
	"fmt"
	"math"
	"time"

	"github.com/mjasion/balena-home/lywsd03mmc/jsonfile"
)

// Entry is one persisted history record, timestamps are seconds since epoch
type Entry struct {
	Timestamp float64 `json:"timestamp"`
	TMin      float64 `json:"Tmin"`
	TMax      float64 `json:"Tmax"`
	HMin      int     `json:"Hmin"`
	HMax      int     `json:"Hmax"`
}

// Time returns the entry timestamp in UTC
func (e Entry) Time() time.Time {
	return floatToTime(e.Timestamp)
}

// RawCapture is one measurement captured directly from the device
type RawCapture struct {
	Timestamp float64 `json:"timestamp"`
	T         float64 `json:"T"`
	H         int     `json:"H"`
	B         int     `json:"B"`
}

// Time returns the capture timestamp in UTC
func (c RawCapture) Time() time.Time {
	return floatToTime(c.Timestamp)
}

func floatToTime(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// TimeToFloat converts t to fractional seconds since epoch
func TimeToFloat(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// Load reads a history file. A missing or empty file yields no entries.
func Load(path string) ([]Entry, error) {
	var entries []Entry
	if _, err := jsonfile.Read(path, &entries); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return entries, nil
}

// Save rewrites the history file with entries
func Save(path string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	if err := jsonfile.Write(path, entries, false); err != nil {
		return fmt.Errorf("save history: %w", err)
	}
	return nil
}

// LoadCaptures reads a raw capture file. A missing or empty file yields no captures.
func LoadCaptures(path string) ([]RawCapture, error) {
	var captures []RawCapture
	if _, err := jsonfile.Read(path, &captures); err != nil {
		return nil, fmt.Errorf("load captures: %w", err)
	}
	return captures, nil
}

// AppendCapture adds c to the raw capture file, rewriting it as a whole
func AppendCapture(path string, c RawCapture) error {
	captures, err := LoadCaptures(path)
	if err != nil {
		return err
	}
	captures = append(captures, c)
	if err := jsonfile.Write(path, captures, false); err != nil {
		return fmt.Errorf("save captures: %w", err)
	}
	return nil
}

// Tail returns the last n entries, all of them when n <= 0
func Tail(entries []Entry, n int) []Entry {
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}
