package report

import (
	"errors"
	"testing"
	"time"
)

func TestParseSummaryRange(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		from, to string
		wantFrom time.Time
		wantTo   time.Time
		wantErr  bool
	}{
		{name: "defaults", wantFrom: now.Add(-DefaultSummaryWindow), wantTo: now},
		{
			name: "dates include the last day", from: "2026-01-01", to: "2026-01-31",
			wantFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			wantTo:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "rfc3339", from: "2026-03-01T06:00:00Z", to: "2026-03-02T06:00:00+02:00",
			wantFrom: time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC),
			wantTo:   time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC),
		},
		{
			name: "from only", from: "2026-03-10",
			wantFrom: time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), wantTo: now,
		},
		{name: "garbage", from: "last week", wantErr: true},
		{name: "inverted", from: "2026-03-10", to: "2026-03-01", wantErr: true},
	}
	for _, tt := range tests {
		from, to, err := ParseSummaryRange(tt.from, tt.to, now)
		if tt.wantErr {
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("%s: err = %v, want ErrConfiguration", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if !from.Equal(tt.wantFrom) || !to.Equal(tt.wantTo) {
			t.Fatalf("%s: range = %v..%v, want %v..%v", tt.name, from, to, tt.wantFrom, tt.wantTo)
		}
	}
}
