package sthdb

import (
	"fmt"
	"time"
)

// Resolution is the granularity of one aggregate slot.
type Resolution string

const (
	ResolutionSecond Resolution = "second"
	ResolutionMinute Resolution = "minute"
	ResolutionHour   Resolution = "hour"
	ResolutionDay    Resolution = "day"
	ResolutionMonth  Resolution = "month"
)

// AllResolutions lists every supported resolution, finest first.
var AllResolutions = []Resolution{
	ResolutionSecond,
	ResolutionMinute,
	ResolutionHour,
	ResolutionDay,
	ResolutionMonth,
}

// ParseResolution validates an aggrPeriod value.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case ResolutionSecond, ResolutionMinute, ResolutionHour, ResolutionDay, ResolutionMonth:
		return Resolution(s), nil
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}

// Slots is the fixed points-array length of a bucket at this resolution:
// one slot per sub-unit of the parent unit.
func (r Resolution) Slots() int {
	switch r {
	case ResolutionSecond, ResolutionMinute:
		return 60
	case ResolutionHour:
		return 24
	case ResolutionDay:
		return 31
	case ResolutionMonth:
		return 12
	}
	return 0
}

// Origin truncates t to the parent unit of the resolution: a second bucket
// is keyed by its minute, a minute bucket by its hour, an hour bucket by its
// day, a day bucket by its month and a month bucket by its year.
func (r Resolution) Origin(t time.Time) time.Time {
	t = t.UTC()
	switch r {
	case ResolutionSecond:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	case ResolutionMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case ResolutionHour:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case ResolutionDay:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case ResolutionMonth:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Slot is the 0-based points index of t within its bucket.
func (r Resolution) Slot(t time.Time) int {
	t = t.UTC()
	switch r {
	case ResolutionSecond:
		return t.Second()
	case ResolutionMinute:
		return t.Minute()
	case ResolutionHour:
		return t.Hour()
	case ResolutionDay:
		return t.Day() - 1
	case ResolutionMonth:
		return int(t.Month()) - 1
	}
	return 0
}

// ParentDuration bounds how long one bucket stays current: the span of the
// parent unit starting at the bucket origin. Used by retention to decide
// when a whole bucket has aged out.
func (r Resolution) ParentDuration(origin time.Time) time.Duration {
	switch r {
	case ResolutionSecond:
		return time.Minute
	case ResolutionMinute:
		return time.Hour
	case ResolutionHour:
		return 24 * time.Hour
	case ResolutionDay:
		return origin.AddDate(0, 1, 0).Sub(origin)
	case ResolutionMonth:
		return origin.AddDate(1, 0, 0).Sub(origin)
	}
	return 0
}
