// Package cadence computes when a scheduled report is next due.
//
// Daily and weekly rules are evaluated with robfig/cron standard specs.
// Monthly and quarterly rules clamp the day of month to the last day of the
// target month, which cron expressions cannot express.
package cadence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"reportd/internal/report"
)

// DefaultTimeOfDay is used when a cadence has no explicit time.
const DefaultTimeOfDay = "09:00"

// horizon bounds the month scan for monthly/quarterly rules.
const horizon = 36

// ParseTimeOfDay parses "HH:MM" (24h). Empty input yields 09:00.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		s = DefaultTimeOfDay
	}
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: time of day %q: want HH:MM", report.ErrConfiguration, s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: time of day %q: bad hour", report.ErrConfiguration, s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 || len(mm) != 2 {
		return 0, 0, fmt.Errorf("%w: time of day %q: bad minute", report.ErrConfiguration, s)
	}
	return hour, minute, nil
}

// Location resolves the cadence timezone (UTC when empty).
func Location(c report.Cadence) (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" || strings.EqualFold(tz, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", report.ErrConfiguration, tz, err)
	}
	return loc, nil
}

// Validate checks that c is complete for its frequency.
func Validate(c report.Cadence) error {
	if !c.Frequency.Valid() {
		return fmt.Errorf("%w: unknown frequency %q", report.ErrConfiguration, c.Frequency)
	}
	if _, _, err := ParseTimeOfDay(c.TimeOfDay); err != nil {
		return err
	}
	if _, err := Location(c); err != nil {
		return err
	}
	switch c.Frequency {
	case report.Weekly:
		if c.DayOfWeek == nil {
			return fmt.Errorf("%w: weekly cadence requires day_of_week", report.ErrConfiguration)
		}
		if *c.DayOfWeek < 0 || *c.DayOfWeek > 6 {
			return fmt.Errorf("%w: day_of_week %d out of range 0-6", report.ErrConfiguration, *c.DayOfWeek)
		}
	case report.Monthly, report.Quarterly:
		if c.DayOfMonth == nil {
			return fmt.Errorf("%w: %s cadence requires day_of_month", report.ErrConfiguration, c.Frequency)
		}
		if *c.DayOfMonth < 1 || *c.DayOfMonth > 31 {
			return fmt.Errorf("%w: day_of_month %d out of range 1-31", report.ErrConfiguration, *c.DayOfMonth)
		}
		if c.Frequency == report.Quarterly && (c.AnchorMonth < 0 || c.AnchorMonth > 12) {
			return fmt.Errorf("%w: anchor_month %d out of range 1-12", report.ErrConfiguration, c.AnchorMonth)
		}
	}
	return nil
}

// Next returns the first tick of c strictly after ref.
// The result is expressed in the cadence timezone.
func Next(c report.Cadence, ref time.Time) (time.Time, error) {
	if err := Validate(c); err != nil {
		return time.Time{}, err
	}
	loc, _ := Location(c)
	hour, minute, _ := ParseTimeOfDay(c.TimeOfDay)

	switch c.Frequency {
	case report.Daily, report.Weekly:
		dow := "*"
		if c.Frequency == report.Weekly {
			dow = strconv.Itoa(*c.DayOfWeek)
		}
		spec := fmt.Sprintf("%d %d * * %s", minute, hour, dow)
		sched, err := cron.ParseStandard(spec)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cron %q: %v", report.ErrConfiguration, spec, err)
		}
		next := sched.Next(ref.In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: no tick for %q", report.ErrConfiguration, spec)
		}
		return next, nil
	default:
		return nextMonthly(c, ref.In(loc), hour, minute)
	}
}

func nextMonthly(c report.Cadence, ref time.Time, hour, minute int) (time.Time, error) {
	loc := ref.Location()
	anchor := c.AnchorMonth
	if anchor == 0 {
		anchor = 1
	}
	for k := 0; k < horizon; k++ {
		first := time.Date(ref.Year(), ref.Month()+time.Month(k), 1, 0, 0, 0, 0, loc)
		if c.Frequency == report.Quarterly && !quarterMonth(first.Month(), anchor) {
			continue
		}
		day := min(*c.DayOfMonth, daysIn(first.Year(), first.Month()))
		t := time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, loc)
		if t.After(ref) {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: no %s tick within %d months", report.ErrConfiguration, c.Frequency, horizon)
}

func quarterMonth(m time.Month, anchor int) bool {
	return ((int(m)-anchor)%3+3)%3 == 0
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Preview lists the next n ticks after ref.
func Preview(c report.Cadence, ref time.Time, n int) ([]time.Time, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: preview count %d: must not be negative", report.ErrConfiguration, n)
	}
	out := make([]time.Time, 0, n)
	cur := ref
	for i := 0; i < n; i++ {
		next, err := Next(c, cur)
		if err != nil {
			return nil, err
		}
		out = append(out, next)
		cur = next
	}
	return out, nil
}
