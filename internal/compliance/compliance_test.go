package compliance

import (
	"context"
	"errors"
	"testing"

	"reportd/internal/report"
)

func TestEvaluateStatus(t *testing.T) {
	t.Parallel()

	eval := Default([]string{"Eviction Blacklist"})
	tests := []struct {
		name string
		in   Input
		want report.ComplianceStatus
	}{
		{
			name: "clean",
			in: Input{
				Template: report.Template{RetentionDays: 1095},
				Sections: map[string]any{"summary": map[string]any{"occupancy": 0.93, "note": "stable"}},
			},
			want: report.CompliancePassed,
		},
		{
			name: "banned term",
			in:   Input{Sections: map[string]any{"tenants": []any{"unit 4 is on the eviction blacklist"}}},
			want: report.ComplianceFailed,
		},
		{
			name: "ssn",
			in:   Input{Sections: map[string]any{"tenants": map[string]any{"ssn": "123-45-6789"}}},
			want: report.ComplianceFailed,
		},
		{
			name: "manual edit without reason",
			in:   Input{ChangeType: report.ChangeManualEdit, Sections: map[string]any{"a": "ok"}},
			want: report.CompliancePending,
		},
		{
			name: "restricted not exportable",
			in:   Input{Template: report.Template{Sensitivity: report.SensitivityRestricted}},
			want: report.ComplianceFailed,
		},
		{
			name: "exempt",
			in: Input{
				Template: report.Template{ComplianceExempt: true},
				Sections: map[string]any{"tenants": "eviction blacklist"},
			},
			want: report.ComplianceExempted,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := eval.Evaluate(context.Background(), tt.in)
			if res.Status != tt.want {
				t.Fatalf("Status = %v, want %v (issues %+v)", res.Status, tt.want, res.Issues)
			}
			if tt.want == report.ComplianceFailed && len(res.Issues) == 0 {
				t.Fatal("failed status without issues")
			}
		})
	}
}

func TestBannedTermIssueNamesSection(t *testing.T) {
	t.Parallel()

	res := NewEvaluator(BannedTerms([]string{"forbidden"})).Evaluate(context.Background(), Input{
		Sections: map[string]any{"a": "fine", "b": map[string]any{"x": "FORBIDDEN data"}},
	})
	if len(res.Issues) != 1 {
		t.Fatalf("issues = %+v, want 1", res.Issues)
	}
	is := res.Issues[0]
	if is.Rule != "banned_terms" || is.Section != "b" || is.Severity != report.SeverityHigh {
		t.Fatalf("issue = %+v", is)
	}
}

func TestRuleErrorBecomesMediumIssue(t *testing.T) {
	t.Parallel()

	broken := RuleFunc{RuleName: "broken", Fn: func(context.Context, Input) ([]report.Issue, error) {
		return nil, errors.New("lookup failed")
	}}
	res := NewEvaluator(broken).Evaluate(context.Background(), Input{})
	if res.Status != report.CompliancePending {
		t.Fatalf("Status = %v, want pending", res.Status)
	}
	if len(res.Issues) != 1 || res.Issues[0].Severity != report.SeverityMedium || res.Issues[0].Rule != "broken" {
		t.Fatalf("issues = %+v", res.Issues)
	}
}

func TestDataRetention(t *testing.T) {
	t.Parallel()

	rule := DataRetention()
	issues, err := rule.Check(context.Background(), Input{Template: report.Template{
		Sensitivity: report.SensitivityConfidential, RetentionDays: 30,
	}})
	if err != nil || len(issues) != 1 || issues[0].Severity != report.SeverityMedium {
		t.Fatalf("confidential short retention = %+v, %v", issues, err)
	}
	issues, err = rule.Check(context.Background(), Input{Template: report.Template{
		Sensitivity: report.SensitivityPublic, RetentionDays: 400,
	}})
	if err != nil || len(issues) != 0 {
		t.Fatalf("public retention = %+v, %v", issues, err)
	}

	issues, err = rule.Check(context.Background(), Input{Template: report.Template{}})
	if err != nil || len(issues) != 1 || issues[0].Severity != report.SeverityMedium {
		t.Fatalf("unset retention = %+v, %v, want one medium issue", issues, err)
	}
	issues, err = rule.Check(context.Background(), Input{Template: report.Template{Sensitivity: report.SensitivityRestricted}})
	if err != nil || len(issues) != 1 || issues[0].Severity != report.SeverityHigh {
		t.Fatalf("unset restricted retention = %+v, %v, want one high issue", issues, err)
	}
	if st := Default(nil).Evaluate(context.Background(), Input{Sections: map[string]any{"a": "ok"}}).Status; st != report.CompliancePending {
		t.Fatalf("Status(unset retention) = %v, want %v", st, report.CompliancePending)
	}
}
