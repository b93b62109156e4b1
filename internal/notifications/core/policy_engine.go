package core

import (
	"time"
)

// IsQuietHour reports whether hour-of-day h falls inside the quiet window
// [start, end). The window wraps midnight when start > end (22-8 covers
// 22, 23 and 0 through 7) and is empty when start == end.
func IsQuietHour(h, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		// Same-day window (e.g. 13-15)
		return h >= start && h < end
	default:
		// Overnight window (e.g. 22-8)
		return h >= start || h < end
	}
}

// InQuietHours converts t into loc and applies IsQuietHour to its hour. A nil
// loc means UTC.
func InQuietHours(t time.Time, loc *time.Location, start, end int) bool {
	if loc == nil {
		loc = time.UTC
	}
	return IsQuietHour(t.In(loc).Hour(), start, end)
}
