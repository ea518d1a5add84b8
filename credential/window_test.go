// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"testing"
	"time"
)

func mustWindow(t *testing.T, fromDate, toDate, fromTime, toTime, days string) Window {
	t.Helper()
	var window Window
	var err error
	if window.FromDate, err = ParseDate(fromDate); err != nil {
		t.Fatal(err)
	}
	if window.ToDate, err = ParseDate(toDate); err != nil {
		t.Fatal(err)
	}
	if window.FromTime, err = ParseTimeOfDay(fromTime); err != nil {
		t.Fatal(err)
	}
	if window.ToTime, err = ParseTimeOfDay(toTime); err != nil {
		t.Fatal(err)
	}
	if window.Days, err = ParseDaysMask(days); err != nil {
		t.Fatal(err)
	}
	return window
}

func TestWindowActive(t *testing.T) {
	weekdays := mustWindow(t, "2024-01-01", "2024-01-31", "08:00:00", "18:00:00", "1111100")

	tests := []struct {
		name   string
		window Window
		at     time.Time
		want   bool
	}{
		{"start of window on Monday", weekdays, time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC), true},
		{"end boundary is exclusive", weekdays, time.Date(2024, 1, 15, 18, 0, 0, 0, time.UTC), false},
		{"last second before end", weekdays, time.Date(2024, 1, 15, 17, 59, 59, 0, time.UTC), true},
		{"before start time", weekdays, time.Date(2024, 1, 15, 7, 59, 59, 0, time.UTC), false},
		{"Saturday", weekdays, time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC), false},
		{"Sunday", weekdays, time.Date(2024, 1, 21, 12, 0, 0, 0, time.UTC), false},
		{"Friday", weekdays, time.Date(2024, 1, 19, 12, 0, 0, 0, time.UTC), true},
		{"first date inclusive", weekdays, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), true},
		{"last date inclusive", weekdays, time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC), true},
		{"day after last date", weekdays, time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC), false},
		{"day before first date", weekdays, time.Date(2023, 12, 29, 9, 0, 0, 0, time.UTC), false},
		{
			"unbounded dates",
			mustWindow(t, "", "", "00:00", "24:00:00", "1111111"),
			time.Date(1999, 6, 6, 23, 59, 59, 0, time.UTC),
			true,
		},
		{
			"crossing midnight never matches late",
			mustWindow(t, "", "", "22:00:00", "06:00:00", "1111111"),
			time.Date(2024, 1, 15, 23, 0, 0, 0, time.UTC),
			false,
		},
		{
			"crossing midnight never matches early",
			mustWindow(t, "", "", "22:00:00", "06:00:00", "1111111"),
			time.Date(2024, 1, 15, 3, 0, 0, 0, time.UTC),
			false,
		},
		{"always active", AlwaysActive, time.Date(2030, 3, 3, 0, 0, 0, 0, time.UTC), true},
		{"zero window", Window{}, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.window.Active(test.at); got != test.want {
				t.Errorf("Active(%s) = %v, want %v", test.at, got, test.want)
			}
		})
	}
}

func TestWindowUsesLocation(t *testing.T) {
	window := mustWindow(t, "", "", "08:00:00", "18:00:00", "1111111")
	zone := time.FixedZone("UTC+7", 7*3600)

	// 02:00 UTC is 09:00 at UTC+7.
	at := time.Date(2024, 1, 15, 2, 0, 0, 0, time.UTC)
	if window.Active(at) {
		t.Error("02:00 UTC should be outside 08:00-18:00")
	}
	if !window.Active(at.In(zone)) {
		t.Error("09:00 local should be inside 08:00-18:00")
	}
}

func TestParseDaysMask(t *testing.T) {
	mask, err := ParseDaysMask("1000001")
	if err != nil {
		t.Fatal(err)
	}
	if !mask.Has(time.Monday) || !mask.Has(time.Sunday) {
		t.Errorf("mask %s should include Monday and Sunday", mask)
	}
	if mask.Has(time.Tuesday) || mask.Has(time.Saturday) {
		t.Errorf("mask %s should exclude Tuesday and Saturday", mask)
	}
	if mask.String() != "1000001" {
		t.Errorf("String() = %q", mask.String())
	}

	for _, invalid := range []string{"", "111111", "11111111", "11111x1"} {
		if _, err := ParseDaysMask(invalid); err == nil {
			t.Errorf("ParseDaysMask(%q) should fail", invalid)
		}
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		input string
		want  TimeOfDay
	}{
		{"00:00:00", 0},
		{"08:30", 8*3600 + 30*60},
		{"18:00:00", 18 * 3600},
		{"24:00:00", EndOfDay},
	}
	for _, test := range tests {
		got, err := ParseTimeOfDay(test.input)
		if err != nil {
			t.Errorf("ParseTimeOfDay(%q): %v", test.input, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseTimeOfDay(%q) = %d, want %d", test.input, got, test.want)
		}
	}
	for _, invalid := range []string{"", "8", "25:00:00", "12:60:00", "aa:bb:cc", "-1:00"} {
		if _, err := ParseTimeOfDay(invalid); err == nil {
			t.Errorf("ParseTimeOfDay(%q) should fail", invalid)
		}
	}
	if got := TimeOfDay(8*3600 + 5*60 + 9).String(); got != "08:05:09" {
		t.Errorf("String() = %q", got)
	}
}

func TestDate(t *testing.T) {
	date, err := ParseDate("2024-02-29")
	if err != nil {
		t.Fatal(err)
	}
	if date.String() != "2024-02-29" {
		t.Errorf("String() = %q", date.String())
	}
	if !date.Before(Date{2024, time.March, 1}) {
		t.Error("2024-02-29 should be before 2024-03-01")
	}
	if date.Before(date) {
		t.Error("a date is not before itself")
	}
	empty, err := ParseDate("")
	if err != nil || !empty.IsZero() {
		t.Errorf("ParseDate(\"\") = %v, %v; want zero", empty, err)
	}
	if _, err := ParseDate("15/01/2024"); err == nil {
		t.Error("non-ISO date should fail")
	}
}
