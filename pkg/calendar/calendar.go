// Package calendar isolates the date arithmetic used by the contribution
// schedule and loan terms.
//
// All dates are handled in UTC. Month arithmetic never overflows into the
// following month: a day that does not exist in the target month is clamped
// to that month's last day (Jan 31 + 1 month = Feb 28/29).
package calendar

import (
	"math"
	"time"
)

const day = 24 * time.Hour

// Date truncates t to midnight UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// clampedDate builds a date, moving dayOfMonth back to the month's last day
// when the month is shorter.
func clampedDate(year int, month time.Month, dayOfMonth int, ref time.Time) time.Time {
	// normalise month overflow (e.g. month 13) before looking at day counts
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	year, month = first.Year(), first.Month()
	if last := DaysIn(year, month); dayOfMonth > last {
		dayOfMonth = last
	}
	ref = ref.UTC()
	return time.Date(year, month, dayOfMonth, ref.Hour(), ref.Minute(), ref.Second(), ref.Nanosecond(), time.UTC)
}

// AddDays adds n calendar days.
func AddDays(t time.Time, n int) time.Time {
	return t.UTC().AddDate(0, 0, n)
}

// AddMonths adds n months, clamping the day of month.
func AddMonths(t time.Time, n int) time.Time {
	t = t.UTC()
	return clampedDate(t.Year(), t.Month()+time.Month(n), t.Day(), t)
}

// NextPayday returns the first date on or after t that falls on paydayDay.
// When t's day is already past paydayDay the result moves to the next month.
// paydayDay values beyond the month length land on the month's last day.
func NextPayday(t time.Time, paydayDay int) time.Time {
	t = Date(t)
	year, month := t.Year(), t.Month()
	if t.Day() > paydayDay {
		month++
	}
	return clampedDate(year, month, paydayDay, t)
}

// CeilDays returns the absolute distance between a and b in whole days,
// rounding any partial day up.
func CeilDays(a, b time.Time) int {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int(math.Ceil(float64(d) / float64(day)))
}

// FloorDays returns (a - b) in whole days, rounded towards negative infinity.
func FloorDays(a, b time.Time) int {
	return int(math.Floor(float64(a.Sub(b)) / float64(day)))
}

// ActiveMonths converts a tenure into 30-day months, rounding up.
func ActiveMonths(joinedAt, now time.Time) int {
	days := CeilDays(now, joinedAt)
	return int(math.Ceil(float64(days) / 30))
}

// Later returns the later of a and b.
func Later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
