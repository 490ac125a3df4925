package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captures.json")

	first := RawCapture{Timestamp: 1704067200.5, T: 21.3, H: 44, B: 90}
	second := RawCapture{Timestamp: 1704067260.5, T: 21.4, H: 45, B: 90}
	if err := AppendCapture(path, first); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := AppendCapture(path, second); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	captures, err := LoadCaptures(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(captures) != 2 {
		t.Fatalf("Expected 2 captures, got %d", len(captures))
	}
	if captures[0] != first || captures[1] != second {
		t.Errorf("Unexpected captures: %+v", captures)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	if err := os.WriteFile(path, []byte(`{"not": "a list"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Expected error for a non-list history file")
	}
}

func TestEntryTime(t *testing.T) {
	e := Entry{Timestamp: 1704070800.25}
	want := time.Date(2024, 1, 1, 1, 0, 0, 250_000_000, time.UTC)
	if !e.Time().Equal(want) {
		t.Errorf("Expected %v, got %v", want, e.Time())
	}
	if got := TimeToFloat(want); got != e.Timestamp {
		t.Errorf("Expected %v, got %v", e.Timestamp, got)
	}
}

func TestTail(t *testing.T) {
	entries := []Entry{{Timestamp: 1}, {Timestamp: 2}, {Timestamp: 3}}

	tests := []struct {
		n    int
		want float64
		len  int
	}{
		{0, 1, 3},
		{2, 2, 2},
		{10, 1, 3},
	}

	for _, tt := range tests {
		got := Tail(entries, tt.n)
		if len(got) != tt.len || got[0].Timestamp != tt.want {
			t.Errorf("Tail(%d) = %+v", tt.n, got)
		}
	}
}

func TestAggregate(t *testing.T) {
	captures := []RawCapture{
		{Timestamp: 1704070800 + 1800, T: 22.0, H: 41, B: 90}, // 01:30
		{Timestamp: 1704067200 + 60, T: 20.5, H: 45, B: 90},   // 00:01
		{Timestamp: 1704067200 + 3000, T: 19.8, H: 47, B: 90}, // 00:50
		{Timestamp: 1704070800 + 10, T: 21.0, H: 43, B: 89},   // 01:00
	}

	entries := Aggregate(captures)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 hourly entries, got %d", len(entries))
	}

	want := []Entry{
		{Timestamp: 1704067200, TMin: 19.8, TMax: 20.5, HMin: 45, HMax: 47},
		{Timestamp: 1704070800, TMin: 21.0, TMax: 22.0, HMin: 41, HMax: 43},
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("Entry %d: expected %+v, got %+v", i, want[i], entries[i])
		}
	}
}

func TestAggregate_Empty(t *testing.T) {
	if entries := Aggregate(nil); len(entries) != 0 {
		t.Errorf("Expected no entries, got %d", len(entries))
	}
}
