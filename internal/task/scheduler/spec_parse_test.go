package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	_, err := ParseSchedule("not-a-schedule")
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestParsedSpecSchedule(t *testing.T) {
	t.Parallel()
	ref := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		raw  string
		want time.Time
	}{
		{raw: "30s", want: ref.Add(30 * time.Second)},
		{raw: "@every 2m", want: ref.Add(2 * time.Minute)},
		{raw: "*/15 * * * *", want: ref.Add(15 * time.Minute)},
		{raw: "00:05", want: ref.Add(5 * time.Minute)},
	}
	for _, tt := range tests {
		ps, err := ParseSchedule(tt.raw)
		if err != nil {
			t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
		}
		sched, err := ps.Schedule()
		if err != nil {
			t.Fatalf("Schedule(%q) error: %v", tt.raw, err)
		}
		if got := sched.Next(ref); !got.Equal(tt.want) {
			t.Fatalf("Next(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}

	ps, _ := ParseSchedule("500ms")
	if _, err := ps.Schedule(); err == nil {
		t.Fatal("expected error for sub-second interval")
	}
}
