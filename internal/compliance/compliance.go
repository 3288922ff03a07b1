// Package compliance evaluates generated report content against a rule set
// and maps the findings to a version compliance status.
package compliance

import (
	"context"
	"fmt"
	"sort"

	"reportd/internal/report"
)

// Input is what rules see. Sections maps a section key to its decoded data.
type Input struct {
	Template     report.Template
	ReportID     string
	Sections     map[string]any
	ChangeType   report.ChangeType
	ChangeReason string
}

// Rule is one pluggable check.
type Rule interface {
	Name() string
	Check(ctx context.Context, in Input) ([]report.Issue, error)
}

// RuleFunc adapts a function to Rule.
type RuleFunc struct {
	RuleName string
	Fn       func(ctx context.Context, in Input) ([]report.Issue, error)
}

func (f RuleFunc) Name() string { return f.RuleName }
func (f RuleFunc) Check(ctx context.Context, in Input) ([]report.Issue, error) {
	return f.Fn(ctx, in)
}

type Result struct {
	Status report.ComplianceStatus
	Issues []report.Issue
}

type Evaluator struct {
	rules []Rule
}

func NewEvaluator(rules ...Rule) *Evaluator {
	return &Evaluator{rules: append([]Rule(nil), rules...)}
}

// Default returns the built-in rule set.
func Default(bannedTerms []string) *Evaluator {
	return NewEvaluator(
		SensitiveData(),
		BannedTerms(bannedTerms),
		DataRetention(),
		ExportControls(),
		AuditTrail(),
	)
}

func (e *Evaluator) Rules() []string {
	out := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Name())
	}
	return out
}

// Evaluate runs every rule. A rule that errors is reported as a medium
// issue rather than aborting the evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) Result {
	if in.Template.ComplianceExempt {
		return Result{Status: report.ComplianceExempted}
	}
	var issues []report.Issue
	for _, r := range e.rules {
		if err := ctx.Err(); err != nil {
			issues = append(issues, report.Issue{Rule: r.Name(), Severity: report.SeverityMedium, Message: "not evaluated: " + err.Error()})
			continue
		}
		found, err := r.Check(ctx, in)
		if err != nil {
			issues = append(issues, report.Issue{
				Rule:     r.Name(),
				Severity: report.SeverityMedium,
				Message:  fmt.Sprintf("rule error: %v", err),
			})
			continue
		}
		for _, is := range found {
			if is.Rule == "" {
				is.Rule = r.Name()
			}
			issues = append(issues, is)
		}
	}
	sort.SliceStable(issues, func(i, j int) bool {
		return severityRank(issues[i].Severity) > severityRank(issues[j].Severity)
	})
	return Result{Status: StatusFor(issues), Issues: issues}
}

// StatusFor maps issues to a status: any high issue fails the version, other
// issues leave it pending review, none passes it.
func StatusFor(issues []report.Issue) report.ComplianceStatus {
	if len(issues) == 0 {
		return report.CompliancePassed
	}
	for _, is := range issues {
		if is.Severity == report.SeverityHigh {
			return report.ComplianceFailed
		}
	}
	return report.CompliancePending
}

func severityRank(s report.Severity) int {
	switch s {
	case report.SeverityHigh:
		return 3
	case report.SeverityMedium:
		return 2
	case report.SeverityLow:
		return 1
	}
	return 0
}
