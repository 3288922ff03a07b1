package cadence

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"reportd/internal/report"
)

func intp(v int) *int { return &v }

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestNextWeeklyWednesdayToMonday(t *testing.T) {
	t.Parallel()

	c := report.Cadence{Frequency: report.Weekly, DayOfWeek: intp(1), TimeOfDay: "09:00"}
	lastRun := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC) // Monday
	ref := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)    // Wednesday

	got, err := Next(c, ref)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
	if got.Weekday() != time.Monday {
		t.Fatalf("Weekday = %v, want Monday", got.Weekday())
	}
	if d := got.YearDay() - ref.YearDay(); d != 5 {
		t.Fatalf("calendar days after ref = %d, want 5", d)
	}
	if got.Sub(lastRun) != 7*24*time.Hour {
		t.Fatalf("period = %v, want 168h", got.Sub(lastRun))
	}
}

func TestNextMonthlyClampsToFebruary(t *testing.T) {
	t.Parallel()

	c := report.Cadence{Frequency: report.Monthly, DayOfMonth: intp(31), TimeOfDay: "09:00"}
	tests := []struct {
		ref  time.Time
		want time.Time
	}{
		{time.Date(2023, 2, 10, 0, 0, 0, 0, time.UTC), time.Date(2023, 2, 28, 9, 0, 0, 0, time.UTC)},
		{time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC)},
		{time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC), time.Date(2024, 3, 31, 9, 0, 0, 0, time.UTC)},
		{time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 30, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := Next(c, tt.ref)
		if err != nil {
			t.Fatalf("Next(%v): %v", tt.ref, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("Next(%v) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestNextQuarterly(t *testing.T) {
	t.Parallel()

	c := report.Cadence{Frequency: report.Quarterly, DayOfMonth: intp(15), TimeOfDay: "08:30"}
	ref := time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)
	ticks, err := Preview(c, ref, 4)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	wantMonths := []time.Month{time.April, time.July, time.October, time.January}
	for i, tick := range ticks {
		if tick.Month() != wantMonths[i] || tick.Day() != 15 || tick.Hour() != 8 || tick.Minute() != 30 {
			t.Fatalf("tick[%d] = %v, want %v 15 08:30", i, tick, wantMonths[i])
		}
	}

	c.AnchorMonth = 2
	got, err := Next(c, ref)
	if err != nil {
		t.Fatalf("Next(anchor=2): %v", err)
	}
	if want := time.Date(2024, 5, 15, 8, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Next(anchor=2) = %v, want %v", got, want)
	}
}

func TestNextStrictlyIncreasingWithPeriod(t *testing.T) {
	t.Parallel()

	ny := mustLoc(t, "America/New_York")
	tests := []struct {
		name string
		c    report.Cadence
		// days between consecutive ticks on the wall clock
		days   int
		months int
	}{
		{"daily", report.Cadence{Frequency: report.Daily, TimeOfDay: "09:00", Timezone: "America/New_York"}, 1, 0},
		{"weekly", report.Cadence{Frequency: report.Weekly, DayOfWeek: intp(0), Timezone: "America/New_York"}, 7, 0},
		{"monthly", report.Cadence{Frequency: report.Monthly, DayOfMonth: intp(10), TimeOfDay: "23:15", Timezone: "America/New_York"}, 0, 1},
		{"quarterly", report.Cadence{Frequency: report.Quarterly, DayOfMonth: intp(1), Timezone: "America/New_York"}, 0, 3},
	}

	// Spans the March and November DST transitions.
	ref := time.Date(2024, 1, 5, 12, 0, 0, 0, ny)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ticks, err := Preview(tt.c, ref, 60)
			if err != nil {
				t.Fatalf("Preview: %v", err)
			}
			prev := ref
			for i, tick := range ticks {
				if !tick.After(prev) {
					t.Fatalf("tick[%d] = %v not after %v", i, tick, prev)
				}
				if i > 0 {
					want := prev.AddDate(0, tt.months, tt.days)
					if !tick.Equal(want) {
						t.Fatalf("tick[%d] = %v, want %v", i, tick, want)
					}
				}
				hh, mm, _ := ParseTimeOfDay(tt.c.TimeOfDay)
				if tick.Hour() != hh || tick.Minute() != mm {
					t.Fatalf("tick[%d] wall clock = %02d:%02d, want %02d:%02d", i, tick.Hour(), tick.Minute(), hh, mm)
				}
				prev = tick
			}
		})
	}
}

func TestNextExactlyAtTickMovesForward(t *testing.T) {
	t.Parallel()

	c := report.Cadence{Frequency: report.Daily}
	ref := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	got, err := Next(c, ref)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := ref.AddDate(0, 0, 1); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestPreviewCount(t *testing.T) {
	t.Parallel()

	c := report.Cadence{Frequency: report.Daily}
	ref := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	got, err := Preview(c, ref, 3)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(got) != 3 || !got[0].Equal(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("Preview = %v, want 3 ticks from 2024-06-01 09:00", got)
	}

	if got, err := Preview(c, ref, 0); err != nil || len(got) != 0 {
		t.Fatalf("Preview(0) = %v, %v, want empty", got, err)
	}
	if _, err := Preview(c, ref, -1); !errors.Is(err, report.ErrConfiguration) {
		t.Fatalf("Preview(-1) err = %v, want ErrConfiguration", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		c    report.Cadence
		ok   bool
	}{
		{"daily default time", report.Cadence{Frequency: report.Daily}, true},
		{"weekly missing dow", report.Cadence{Frequency: report.Weekly}, false},
		{"weekly dow range", report.Cadence{Frequency: report.Weekly, DayOfWeek: intp(7)}, false},
		{"monthly missing dom", report.Cadence{Frequency: report.Monthly}, false},
		{"monthly dom range", report.Cadence{Frequency: report.Monthly, DayOfMonth: intp(32)}, false},
		{"quarterly ok", report.Cadence{Frequency: report.Quarterly, DayOfMonth: intp(31)}, true},
		{"bad time", report.Cadence{Frequency: report.Daily, TimeOfDay: "25:00"}, false},
		{"bad minute", report.Cadence{Frequency: report.Daily, TimeOfDay: "09:5"}, false},
		{"bad tz", report.Cadence{Frequency: report.Daily, Timezone: "Mars/Olympus"}, false},
		{"unknown frequency", report.Cadence{Frequency: "hourly"}, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.c)
			if tt.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("Validate: expected error")
				}
				if !errors.Is(err, report.ErrConfiguration) {
					t.Fatalf("Validate err = %v, want ErrConfiguration", err)
				}
			}
		})
	}

	if _, err := Next(report.Cadence{Frequency: report.Weekly}, time.Now()); !errors.Is(err, report.ErrConfiguration) {
		t.Fatalf("Next(weekly without dow) err = %v, want ErrConfiguration", err)
	}
}
