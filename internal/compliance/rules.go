package compliance

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"reportd/internal/report"
)

var sensitivePatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"credit card", regexp.MustCompile(`\b(?:\d{4}[- ]?){3}\d{4}\b`)},
	{"email address", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
}

// retentionDays is the minimum retention per sensitivity level.
var retentionDays = map[report.Sensitivity]int{
	report.SensitivityPublic:       365,
	report.SensitivityInternal:     1095,
	report.SensitivityConfidential: 2555,
	report.SensitivityRestricted:   3650,
}

// SensitiveData flags personal identifiers in section content.
func SensitiveData() Rule {
	return RuleFunc{RuleName: "sensitive_data", Fn: func(_ context.Context, in Input) ([]report.Issue, error) {
		var issues []report.Issue
		for _, key := range sortedKeys(in.Sections) {
			seen := map[string]bool{}
			walkStrings(in.Sections[key], func(s string) {
				for _, p := range sensitivePatterns {
					if !seen[p.name] && p.re.MatchString(s) {
						seen[p.name] = true
						issues = append(issues, report.Issue{
							Severity: report.SeverityHigh,
							Section:  key,
							Message:  "content contains a " + p.name,
						})
					}
				}
			})
		}
		return issues, nil
	}}
}

// BannedTerms flags any section that mentions one of terms (case-insensitive).
func BannedTerms(terms []string) Rule {
	norm := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			norm = append(norm, t)
		}
	}
	return RuleFunc{RuleName: "banned_terms", Fn: func(_ context.Context, in Input) ([]report.Issue, error) {
		if len(norm) == 0 {
			return nil, nil
		}
		var issues []report.Issue
		for _, key := range sortedKeys(in.Sections) {
			hit := map[string]bool{}
			walkStrings(in.Sections[key], func(s string) {
				ls := strings.ToLower(s)
				for _, t := range norm {
					if !hit[t] && strings.Contains(ls, t) {
						hit[t] = true
						issues = append(issues, report.Issue{
							Severity: report.SeverityHigh,
							Section:  key,
							Message:  fmt.Sprintf("content references banned term %q", t),
						})
					}
				}
			})
		}
		return issues, nil
	}}
}

// DataRetention checks the template retention period against the minimum
// for its sensitivity. An unset period counts as zero days.
func DataRetention() Rule {
	return RuleFunc{RuleName: "data_retention", Fn: func(_ context.Context, in Input) ([]report.Issue, error) {
		sens := in.Template.Sensitivity
		if sens == "" {
			sens = report.SensitivityInternal
		}
		required, ok := retentionDays[sens]
		if !ok {
			return nil, fmt.Errorf("unknown sensitivity %q", sens)
		}
		if in.Template.RetentionDays >= required {
			return nil, nil
		}
		sev := report.SeverityMedium
		if sens == report.SensitivityRestricted {
			sev = report.SeverityHigh
		}
		return []report.Issue{{
			Severity: sev,
			Message:  fmt.Sprintf("retention of %d days is below the %d required for %s data", in.Template.RetentionDays, required, sens),
		}}, nil
	}}
}

// ExportControls requires an explicit export allowance for confidential and
// restricted reports.
func ExportControls() Rule {
	return RuleFunc{RuleName: "export_controls", Fn: func(_ context.Context, in Input) ([]report.Issue, error) {
		switch in.Template.Sensitivity {
		case report.SensitivityConfidential, report.SensitivityRestricted:
			if !in.Template.ExportAllowed {
				return []report.Issue{{
					Severity: report.SeverityHigh,
					Message:  fmt.Sprintf("%s report is not cleared for export", in.Template.Sensitivity),
				}}, nil
			}
		}
		return nil, nil
	}}
}

// AuditTrail requires a reason on every non-initial, non-scheduled change.
func AuditTrail() Rule {
	return RuleFunc{RuleName: "audit_trail", Fn: func(_ context.Context, in Input) ([]report.Issue, error) {
		switch in.ChangeType {
		case "", report.ChangeInitial, report.ChangeRegenerated:
			return nil, nil
		}
		if strings.TrimSpace(in.ChangeReason) != "" {
			return nil, nil
		}
		return []report.Issue{{
			Severity: report.SeverityMedium,
			Message:  fmt.Sprintf("%s change has no change reason", in.ChangeType),
		}}, nil
	}}
}

func walkStrings(v any, fn func(string)) {
	switch x := v.(type) {
	case string:
		fn(x)
	case []any:
		for _, e := range x {
			walkStrings(e, fn)
		}
	case map[string]any:
		for _, k := range sortedKeys(x) {
			fn(k)
			walkStrings(x[k], fn)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
