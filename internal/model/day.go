package model

import (
	"fmt"
	"time"
)

// DayFormat is the calendar form used in archive names, manifests and logs.
const DayFormat = "2006-01-02"

// LaunchDay is the first date the venue published USDT-margined perpetual
// archives. No earlier date is ever probed.
var LaunchDay = NewDay(2019, time.September, 25)

// Day is a UTC calendar date. The zero value is not a valid day.
type Day struct {
	t time.Time
}

// NewDay builds a Day from calendar parts.
func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf truncates an instant to its UTC calendar date.
func DayOf(t time.Time) Day {
	u := t.UTC()
	return NewDay(u.Year(), u.Month(), u.Day())
}

// Today is the current UTC calendar date.
func Today() Day {
	return DayOf(time.Now())
}

// Yesterday is the most recent fully published date: archives for day D
// appear on D+1, so D = today-1 is the newest day worth probing.
func Yesterday() Day {
	return Today().AddDays(-1)
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	t, err := time.ParseInLocation(DayFormat, s, time.UTC)
	if err != nil {
		return Day{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return Day{t: t}, nil
}

func (d Day) String() string { return d.t.Format(DayFormat) }

// Time returns midnight UTC of the day.
func (d Day) Time() time.Time { return d.t }

func (d Day) IsZero() bool { return d.t.IsZero() }

func (d Day) AddDays(n int) Day { return Day{t: d.t.AddDate(0, 0, n)} }

func (d Day) Before(o Day) bool { return d.t.Before(o.t) }
func (d Day) After(o Day) bool  { return d.t.After(o.t) }
func (d Day) Equal(o Day) bool  { return d.t.Equal(o.t) }

// DaysBetween returns the inclusive span in days, 1 for start == end.
func DaysBetween(start, end Day) int {
	return int(end.t.Sub(start.t)/(24*time.Hour)) + 1
}

// DayRange enumerates [start, end] ascending. Empty when start > end.
func DayRange(start, end Day) []Day {
	if start.After(end) {
		return nil
	}
	out := make([]Day, 0, DaysBetween(start, end))
	for d := start; !d.After(end); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

// MarshalText lets Day appear directly in JSON reports.
func (d Day) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Day) UnmarshalText(b []byte) error {
	parsed, err := ParseDay(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
