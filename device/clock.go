package device

import (
	"math"
	"time"

	"github.com/mjasion/balena-home/lywsd03mmc/types"
)

// Clock converts device relative timestamps to wall clock time
type Clock struct {
	// StartTime is the wall clock time of the device boot (UTC)
	StartTime time.Time
	// TZOffsetHours is the host offset used to undo the local interpretation of the uptime
	TZOffsetHours float64
	// Uptime and DeviceTZ are the raw values reported by the device
	Uptime   uint32
	DeviceTZ int8
}

// NewClock derives the device boot time from the device time characteristic.
//
// The uptime is interpreted as a local timestamp in loc, taken relative to the
// epoch and corrected by the host offset, then subtracted from now. When
// tzOverride is nil the host offset comes from hostOffsetHours. The result is
// exact as long as loc had that offset at epoch+uptime; otherwise the start
// time is off by the difference.
func NewClock(dt types.DeviceTime, now time.Time, loc *time.Location, tzOverride *float64) Clock {
	if loc == nil {
		loc = time.Local
	}

	tzHours := hostOffsetHours(now, loc)
	if tzOverride != nil {
		tzHours = *tzOverride
	}

	// wall clock reading of the uptime taken as a local unix timestamp
	_, offsetAtUptime := time.Unix(int64(dt.Uptime), 0).In(loc).Zone()
	localSeconds := float64(int64(dt.Uptime)+int64(offsetAtUptime)) - tzHours*3600
	startDelta := time.Duration(localSeconds * float64(time.Second))

	return Clock{
		StartTime:     now.Add(-startDelta).UTC(),
		TZOffsetHours: tzHours,
		Uptime:        dt.Uptime,
		DeviceTZ:      dt.TZOffset,
	}
}

// hostOffsetHours returns the whole-hour UTC offset of the daylight saving
// zone of loc when loc observes DST in the year of now, and the standard
// offset otherwise. Winter dates of a DST zone get the summer offset.
func hostOffsetHours(now time.Time, loc *time.Location) float64 {
	year := now.In(loc).Year()
	_, jan := time.Date(year, time.January, 1, 0, 0, 0, 0, loc).Zone()
	_, jul := time.Date(year, time.July, 1, 0, 0, 0, 0, loc).Zone()
	// equal without DST, the daylight offset is the larger one otherwise
	offset := max(jan, jul)
	return math.Floor(float64(offset) / 3600)
}

// Absolute returns the wall clock time of a timestamp relative to the device boot
func (c Clock) Absolute(relativeSeconds int64) time.Time {
	return c.StartTime.Add(time.Duration(relativeSeconds) * time.Second)
}

// Valid reports whether the clock can be trusted for absolute timestamps.
// A zero uptime or a boot time before the epoch is only useful for diagnostics.
func (c Clock) Valid() bool {
	if c.Uptime == 0 {
		return false
	}
	return c.StartTime.Unix() > 0
}
