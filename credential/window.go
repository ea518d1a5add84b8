// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Date is a calendar date with no time or zone. The zero Date means
// "unbounded" when used as a window bound.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	year, month, day := t.Date()
	return Date{Year: year, Month: month, Day: day}
}

// ParseDate parses a YYYY-MM-DD date. The empty string parses to the
// zero Date.
func ParseDate(value string) (Date, error) {
	if value == "" {
		return Date{}, nil
	}
	parsed, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return Date{}, fmt.Errorf("credential: invalid date %q: %w", value, err)
	}
	return DateOf(parsed), nil
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool { return d == Date{} }

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

// String formats d as YYYY-MM-DD, or "" for the zero Date.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// TimeOfDay is a number of seconds since local midnight, in
// [0, EndOfDay].
type TimeOfDay int

// EndOfDay is 24:00:00. As an exclusive upper bound it admits every
// second of the day.
const EndOfDay TimeOfDay = 24 * 60 * 60

// TimeOfDayOf returns the wall-clock time of t in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	hour, minute, second := t.Clock()
	return TimeOfDay(hour*3600 + minute*60 + second)
}

// ParseTimeOfDay parses HH:MM:SS or HH:MM. "24:00:00" is accepted and
// equals EndOfDay.
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	fields := strings.Split(value, ":")
	if len(fields) != 2 && len(fields) != 3 {
		return 0, fmt.Errorf("credential: invalid time of day %q", value)
	}
	var parts [3]int
	for i, field := range fields {
		number, err := strconv.Atoi(field)
		if err != nil || number < 0 {
			return 0, fmt.Errorf("credential: invalid time of day %q", value)
		}
		parts[i] = number
	}
	if parts[1] > 59 || parts[2] > 59 {
		return 0, fmt.Errorf("credential: invalid time of day %q", value)
	}
	result := TimeOfDay(parts[0]*3600 + parts[1]*60 + parts[2])
	if result > EndOfDay {
		return 0, fmt.Errorf("credential: time of day %q past end of day", value)
	}
	return result, nil
}

// String formats t as HH:MM:SS.
func (t TimeOfDay) String() string {
	seconds := int(t)
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds/60%60, seconds%60)
}

// DaysMask is a set of weekdays. Bit 0 is Monday, bit 6 is Sunday.
type DaysMask uint8

// AllDays admits every weekday.
const AllDays DaysMask = 0x7f

// ParseDaysMask parses a seven-character string of '0' and '1', the
// first character being Monday.
func ParseDaysMask(value string) (DaysMask, error) {
	if len(value) != 7 {
		return 0, fmt.Errorf("credential: days mask %q must have 7 characters", value)
	}
	var mask DaysMask
	for i := 0; i < 7; i++ {
		switch value[i] {
		case '1':
			mask |= 1 << i
		case '0':
		default:
			return 0, fmt.Errorf("credential: days mask %q contains %q", value, value[i])
		}
	}
	return mask, nil
}

// Has reports whether weekday is in the mask.
func (m DaysMask) Has(weekday time.Weekday) bool {
	index := (int(weekday) + 6) % 7
	return m&(1<<index) != 0
}

// String formats m in the seven-character wire form.
func (m DaysMask) String() string {
	var builder strings.Builder
	for i := 0; i < 7; i++ {
		if m&(1<<i) != 0 {
			builder.WriteByte('1')
		} else {
			builder.WriteByte('0')
		}
	}
	return builder.String()
}

// Window is when a credential may be used. Dates are inclusive on
// both ends; the time-of-day range is [FromTime, ToTime).
type Window struct {
	FromDate Date
	ToDate   Date
	FromTime TimeOfDay
	ToTime   TimeOfDay
	Days     DaysMask
}

// AlwaysActive is a window that admits every moment.
var AlwaysActive = Window{FromTime: 0, ToTime: EndOfDay, Days: AllDays}

// Active reports whether now falls inside the window. now is
// interpreted in its own location.
//
// A window whose FromTime is later than its ToTime (crossing
// midnight) never matches.
func (w Window) Active(now time.Time) bool {
	date := DateOf(now)
	if !w.FromDate.IsZero() && date.Before(w.FromDate) {
		return false
	}
	if !w.ToDate.IsZero() && w.ToDate.Before(date) {
		return false
	}
	if !w.Days.Has(now.Weekday()) {
		return false
	}
	timeOfDay := TimeOfDayOf(now)
	return w.FromTime <= timeOfDay && timeOfDay < w.ToTime
}

// CrossesMidnight reports whether the time range wraps past midnight.
// Such windows are stored as given but never match.
func (w Window) CrossesMidnight() bool {
	return w.FromTime > w.ToTime
}
