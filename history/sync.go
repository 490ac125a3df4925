// Package history keeps a local JSON log of device history entries in sync
// with the thermometer.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/lywsd03mmc/device"
	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

var (
	// ErrNoNewEntries is reported when the device has nothing newer than the log
	ErrNoNewEntries = errors.New("no new entries")
	// ErrUnreliableClock is returned when device timestamps cannot be made absolute
	ErrUnreliableClock = errors.New("unreliable device clock")
)

// Defaults of the sync
const (
	DefaultDuplicateWindow = 300 * time.Second
	DefaultMarginEntries   = 2
)

// Reader is the part of the thermometer the sync needs
type Reader interface {
	Clock(ctx context.Context) (device.Clock, error)
	RecentHistory(ctx context.Context, recent int) ([]types.HistoryEntry, error)
}

// Options configure a Syncer
type Options struct {
	// DuplicateWindow is the distance from the last stored entry below which
	// fetched entries are treated as already stored
	DuplicateWindow time.Duration
	// MarginEntries is added to the number of elapsed hours when requesting entries
	MarginEntries int
	// Now is the wall clock, time.Now when nil
	Now func() time.Time
}

// Syncer merges device history into a history file
type Syncer struct {
	opts   Options
	logger *zap.Logger
}

// Result describes one sync run
type Result struct {
	// Requested is the number of recent entries asked for, 0 for the full history
	Requested int
	Fetched   int
	Added     []Entry
	Clock     device.Clock
}

// NewSyncer creates a Syncer, zero options take the defaults
func NewSyncer(opts Options, logger *zap.Logger) *Syncer {
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = DefaultDuplicateWindow
	}
	if opts.MarginEntries <= 0 {
		opts.MarginEntries = DefaultMarginEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{opts: opts, logger: logger}
}

// RequestCount returns how many recent entries cover the time since last,
// one entry being recorded per hour.
func (s *Syncer) RequestCount(last, now time.Time) int {
	hours := now.Sub(last).Hours()
	if hours < 0 {
		hours = 0
	}
	return int(math.Ceil(hours)) + s.opts.MarginEntries
}

// Sync fetches the entries newer than the last one stored in path and appends
// them. The file is rewritten only when the whole fetch succeeded and at least
// one entry is new; otherwise it is left untouched.
func (s *Syncer) Sync(ctx context.Context, reader Reader, path string) (result Result, err error) {
	ctx, span := otel.Tracer("history").Start(ctx, "history.Sync")
	span.SetAttributes(attribute.String("history.file", path))
	defer func() {
		if err != nil && !errors.Is(err, ErrNoNewEntries) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sync failed")
		}
		span.End()
	}()

	stored, err := Load(path)
	if err != nil {
		return result, err
	}

	var last *time.Time
	if n := len(stored); n > 0 {
		t := stored[n-1].Time()
		last = &t
		result.Requested = s.RequestCount(t, s.opts.Now().UTC())
		s.logger.Info("syncing recent history",
			zap.Time("last_entry", t),
			zap.Int("requested", result.Requested),
		)
	} else {
		s.logger.Info("no stored history, fetching full history")
	}

	clock, err := reader.Clock(ctx)
	if err != nil {
		return result, fmt.Errorf("read device clock: %w", err)
	}
	result.Clock = clock
	if !clock.Valid() {
		return result, fmt.Errorf("%w: uptime %ds", ErrUnreliableClock, clock.Uptime)
	}

	fetched, err := reader.RecentHistory(ctx, result.Requested)
	if err != nil {
		return result, fmt.Errorf("fetch history: %w", err)
	}
	result.Fetched = len(fetched)

	result.Added = s.newEntries(fetched, clock, last)
	span.SetAttributes(
		attribute.Int("history.fetched", result.Fetched),
		attribute.Int("history.added", len(result.Added)),
	)
	if len(result.Added) == 0 {
		s.logger.Info("no new history entries", zap.Int("fetched", result.Fetched))
		return result, ErrNoNewEntries
	}

	merged := make([]Entry, 0, len(stored)+len(result.Added))
	merged = append(merged, stored...)
	merged = append(merged, result.Added...)
	if err := Save(path, merged); err != nil {
		return result, err
	}

	s.logger.Info("history synced",
		zap.Int("fetched", result.Fetched),
		zap.Int("added", len(result.Added)),
		zap.Int("total", len(merged)),
	)
	return result, nil
}

// newEntries converts fetched entries to absolute time and drops the ones not
// at least DuplicateWindow after last. fetched is in ascending index order.
func (s *Syncer) newEntries(fetched []types.HistoryEntry, clock device.Clock, last *time.Time) []Entry {
	var added []Entry
	for _, e := range fetched {
		ts := clock.Absolute(e.TimestampSeconds)
		if last != nil && ts.Sub(*last) < s.opts.DuplicateWindow {
			s.logger.Debug("skipping stored entry",
				zap.Uint32("index", e.Index),
				zap.Time("timestamp", ts),
			)
			continue
		}
		added = append(added, FromDevice(e, clock))
	}
	return added
}

// FromDevice converts a device entry to a persisted entry
func FromDevice(e types.HistoryEntry, clock device.Clock) Entry {
	return Entry{
		Timestamp: TimeToFloat(clock.Absolute(e.TimestampSeconds)),
		TMin:      e.TemperatureMin,
		TMax:      e.TemperatureMax,
		HMin:      e.HumidityMin,
		HMax:      e.HumidityMax,
	}
}
