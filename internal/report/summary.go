package report

import (
	"fmt"
	"time"
)

// ComplianceSummary aggregates the audit trail and version history over
// [From, To).
type ComplianceSummary struct {
	From time.Time
	To   time.Time
	// Events counts audit entries by event name.
	Events map[string]int
	// Statuses counts versions by compliance status.
	Statuses map[ComplianceStatus]int
	// Sensitivity counts versions by the data sensitivity of their template.
	Sensitivity map[Sensitivity]int
	Versions    int
	// NonCompliant lists versions that are neither passed nor exempted,
	// newest first.
	NonCompliant []VersionRef
}

type VersionRef struct {
	ID        string
	ReportID  string
	Version   int
	Status    ComplianceStatus
	Issues    int
	CreatedAt time.Time
}

// DefaultSummaryWindow is used when a summary range has no start.
const DefaultSummaryWindow = 30 * 24 * time.Hour

// ParseSummaryRange reads a [from, to) range given as RFC3339 timestamps or
// YYYY-MM-DD dates (UTC midnight). A date-only to includes that whole day.
// Empty to means now; empty from means DefaultSummaryWindow before to.
func ParseSummaryRange(fromRaw, toRaw string, now time.Time) (from, to time.Time, err error) {
	to = now
	if toRaw != "" {
		var dateOnly bool
		if to, dateOnly, err = parseInstant(toRaw); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: to: %v", ErrConfiguration, err)
		}
		if dateOnly {
			to = to.AddDate(0, 0, 1)
		}
	}
	from = to.Add(-DefaultSummaryWindow)
	if fromRaw != "" {
		if from, _, err = parseInstant(fromRaw); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: from: %v", ErrConfiguration, err)
		}
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from %s is not before to %s", ErrConfiguration,
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return from, to, nil
}

func parseInstant(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, false, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%q: want RFC3339 or YYYY-MM-DD", s)
	}
	return t, true, nil
}
