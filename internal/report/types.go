package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Frequency string

const (
	Daily     Frequency = "daily"
	Weekly    Frequency = "weekly"
	Monthly   Frequency = "monthly"
	Quarterly Frequency = "quarterly"
)

func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly, Quarterly:
		return true
	}
	return false
}

type Format string

const (
	FormatPDF   Format = "pdf"
	FormatCSV   Format = "csv"
	FormatExcel Format = "excel"
	FormatHTML  Format = "html"
)

func (f Format) Valid() bool {
	switch f {
	case FormatPDF, FormatCSV, FormatExcel, FormatHTML:
		return true
	}
	return false
}

// Ext is the file extension used for rendered artifacts.
func (f Format) Ext() string {
	if f == FormatExcel {
		return "xlsx"
	}
	return string(f)
}

type ChangeType string

const (
	ChangeInitial         ChangeType = "initial"
	ChangeRegenerated     ChangeType = "regenerated"
	ChangeManualEdit      ChangeType = "manual_edit"
	ChangeDataRefresh     ChangeType = "data_refresh"
	ChangeTemplateUpdate  ChangeType = "template_update"
	ChangeComplianceFix   ChangeType = "compliance_fix"
	ChangeErrorCorrection ChangeType = "error_correction"
)

func (c ChangeType) Valid() bool {
	switch c {
	case ChangeInitial, ChangeRegenerated, ChangeManualEdit, ChangeDataRefresh,
		ChangeTemplateUpdate, ChangeComplianceFix, ChangeErrorCorrection:
		return true
	}
	return false
}

func ParseChangeType(s string) (ChangeType, error) {
	c := ChangeType(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return ChangeRegenerated, nil
	}
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown change type %q", ErrConfiguration, s)
	}
	return c, nil
}

type ComplianceStatus string

const (
	CompliancePending  ComplianceStatus = "pending"
	CompliancePassed   ComplianceStatus = "passed"
	ComplianceFailed   ComplianceStatus = "failed"
	ComplianceExempted ComplianceStatus = "exempted"
)

// Deliverable reports whether a version with this status may be handed to
// delivery without an explicit override on the template.
func (s ComplianceStatus) Deliverable() bool {
	return s == CompliancePassed || s == ComplianceExempted
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
	SensitivityRestricted   Sensitivity = "restricted"
)

// Issue is one compliance finding attached to a version.
type Issue struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Section  string   `json:"section,omitempty"`
}

// Section is a semantic descriptor of one part of a report. Source names the
// data collaborator that feeds it; empty means the parameter bag.
type Section struct {
	Key     string         `json:"key"`
	Title   string         `json:"title,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Source  string         `json:"source,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// Cadence is the recurrence rule of a scheduled entry.
type Cadence struct {
	Frequency  Frequency `json:"frequency"`
	DayOfWeek  *int      `json:"day_of_week,omitempty"`
	DayOfMonth *int      `json:"day_of_month,omitempty"`
	// TimeOfDay is "HH:MM"; empty means 09:00.
	TimeOfDay string `json:"time_of_day,omitempty"`
	// Timezone is an IANA name; empty means UTC.
	Timezone string `json:"timezone,omitempty"`
	// AnchorMonth shifts quarterly months (1 = Jan/Apr/Jul/Oct).
	AnchorMonth int `json:"anchor_month,omitempty"`
}

type Template struct {
	ID          string
	Name        string
	Owner       string
	Description string
	Sections    []Section

	DefaultCadence    Cadence
	DefaultRecipients []string
	DefaultFormat     Format

	Active  bool
	Version int

	ComplianceExempt    bool
	DeliverNonCompliant bool
	Sensitivity         Sensitivity
	RetentionDays       int
	ExportAllowed       bool
	AnchorMonth         int

	CreatedAt time.Time
	UpdatedAt time.Time
}

type Schedule struct {
	ID         string
	TemplateID string
	Owner      string
	Cadence    Cadence
	Recipients []string
	Format     Format
	Params     json.RawMessage
	Active     bool

	LastRunAt *time.Time
	NextRunAt *time.Time

	ConsecutiveFailures int
	NeedsReview         bool
	LastError           string

	// CadenceRev increments on every cadence or activation edit.
	CadenceRev int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReportID is the version-history key for a scheduled entry.
func (s Schedule) ReportID() string { return s.ID }

// SectionDiff lists section keys that differ from the previous version.
type SectionDiff struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
}

func (d SectionDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

type Version struct {
	ID              string
	ReportID        string
	ScheduleID      string
	TemplateID      string
	TemplateVersion int
	Version         int
	Format          Format

	Content     json.RawMessage
	ContentHash string
	Diff        *SectionDiff

	ChangeType   ChangeType
	ChangeReason string
	Confidence   *float64
	DataSources  []string

	ComplianceStatus ComplianceStatus
	ComplianceIssues []Issue

	CreatedBy string
	CreatedAt time.Time
}

// Claim is the transient exclusivity marker held while an entry runs.
type Claim struct {
	ScheduleID string
	Owner      string
	Token      string
	ClaimedAt  time.Time
	ExpiresAt  time.Time
	// CadenceRev is the schedule revision seen when the claim was taken.
	CadenceRev int
}

// Failure describes a failed cycle for MarkFailed.
type Failure struct {
	RanAt       time.Time
	RetryAt     time.Time
	Failures    int
	NeedsReview bool
	Error       string
}

type AuditEntry struct {
	ID         int64
	ScheduleID string
	ReportID   string
	VersionID  string
	Event      string
	Detail     string
	At         time.Time
}

// Audit event names.
const (
	AuditClaimed      = "claimed"
	AuditCompleted    = "completed"
	AuditFailed       = "failed"
	AuditSkipped      = "skipped"
	AuditRecovered    = "recovered"
	AuditReleased     = "released"
	AuditDelivered    = "delivered"
	AuditRenderFailed = "render_failed"
	AuditDeliverFail  = "delivery_failed"
	AuditReview       = "needs_review"
	AuditVersion      = "version_created"
	AuditPurged       = "audit_purged"
)

// RenderRequest is handed to the renderer collaborator.
type RenderRequest struct {
	VersionID string
	ReportID  string
	Version   int
	Format    Format
	Content   json.RawMessage
}

// Artifact references a rendered report.
type Artifact struct {
	VersionID string
	Path      string
	Name      string
	MIME      string
	Size      int64
}

// Delivery is handed to the delivery collaborator once per version.
type Delivery struct {
	Artifact   Artifact
	Recipients []string
	VersionID  string
	ReportID   string
	Version    int
	Subject    string
	// Redelivery bypasses delivery dedup for an explicit resend.
	Redelivery bool
}
