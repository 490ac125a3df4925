package history

import (
	"sort"
	"time"
)

// Aggregate folds raw captures into hourly entries. Each entry is stamped with
// the start of its hour (UTC) and carries the min/max of the captures inside.
func Aggregate(captures []RawCapture) []Entry {
	buckets := make(map[int64]*Entry)
	for _, c := range captures {
		hour := c.Time().Truncate(time.Hour).Unix()
		bucket, ok := buckets[hour]
		if !ok {
			buckets[hour] = &Entry{
				Timestamp: float64(hour),
				TMin:      c.T,
				TMax:      c.T,
				HMin:      c.H,
				HMax:      c.H,
			}
			continue
		}
		bucket.TMin = min(bucket.TMin, c.T)
		bucket.TMax = max(bucket.TMax, c.T)
		bucket.HMin = min(bucket.HMin, c.H)
		bucket.HMax = max(bucket.HMax, c.H)
	}

	entries := make([]Entry, 0, len(buckets))
	for _, e := range buckets {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })
	return entries
}
