package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"reportd/internal/report"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (pure Go driver, no cgo)
//   - "postgres": PostgreSQL via pgx; DSN is required
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means 10
}

// TemplateStore holds resolved report templates.
type TemplateStore interface {
	// PutTemplate inserts or updates t. The version counter starts at 1 and
	// is bumped whenever the section content changes.
	PutTemplate(ctx context.Context, t report.Template) (report.Template, error)
	GetTemplate(ctx context.Context, id string) (report.Template, error)
	// DeleteTemplate cascades to scheduled entries.
	DeleteTemplate(ctx context.Context, id string) error
	ListTemplates(ctx context.Context) ([]report.Template, error)
}

// ScheduleRepository persists scheduled entries and their transient claims.
type ScheduleRepository interface {
	CreateSchedule(ctx context.Context, s report.Schedule, now time.Time) (report.Schedule, error)
	GetSchedule(ctx context.Context, id string) (report.Schedule, error)
	ListSchedules(ctx context.Context, activeOnly bool) ([]report.Schedule, error)
	UpdateCadence(ctx context.Context, id string, c report.Cadence, now time.Time) (report.Schedule, error)
	SetActive(ctx context.Context, id string, active bool, now time.Time) (report.Schedule, error)

	// ListDue returns active entries with next_run_at <= now and no live
	// claim, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]report.Schedule, error)
	// MarkRunning claims id for owner until now+ttl. ok is false when the
	// entry is already claimed, inactive or gone.
	MarkRunning(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (c report.Claim, ok bool, err error)
	// MarkCompleted and MarkFailed release the claim by token and update the
	// entry only if the claim was still held (report.ErrClaimLost otherwise).
	MarkCompleted(ctx context.Context, c report.Claim, ranAt, nextRunAt time.Time) error
	MarkFailed(ctx context.Context, c report.Claim, f report.Failure) error
	ReleaseClaim(ctx context.Context, c report.Claim) error
	// SweepClaims removes claims expired at now and returns their entry ids.
	SweepClaims(ctx context.Context, now time.Time) ([]string, error)
}

// AppendOptions controls VersionStore.AppendVersion.
type AppendOptions struct {
	// SkipIfUnchanged returns the latest version without writing when its
	// content hash equals the new one.
	SkipIfUnchanged bool
	// BaseVersion is the latest version number the caller built v against,
	// 0 for none. When another writer moved the history meanwhile, the
	// change type is corrected and Rediff (if set) recomputes v.Diff
	// against the actual predecessor's content.
	BaseVersion int
	Rediff      func(prev json.RawMessage) *report.SectionDiff
}

// VersionStore is the append-only version history.
type VersionStore interface {
	// AppendVersion assigns the next sequential version number for
	// v.ReportID and writes v. created is false when the write was skipped.
	AppendVersion(ctx context.Context, v report.Version, opts AppendOptions) (out report.Version, created bool, err error)
	LatestVersion(ctx context.Context, reportID string) (v report.Version, ok bool, err error)
	GetVersion(ctx context.Context, id string) (report.Version, error)
	ListVersions(ctx context.Context, reportID string, limit int) ([]report.Version, error)
}

// AuditLog records every cycle outcome, including ones that write no version.
type AuditLog interface {
	AppendAudit(ctx context.Context, e report.AuditEntry) error
	ListAudit(ctx context.Context, scheduleID string, limit int) ([]report.AuditEntry, error)
	// PruneAudit deletes entries recorded before the cutoff and returns how
	// many went.
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
	// ComplianceSummary aggregates audit events and version compliance
	// recorded in [from, to). A zero to means now.
	ComplianceSummary(ctx context.Context, from, to time.Time) (report.ComplianceSummary, error)
}

// DedupStore persists delivery dedup keys across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

// Store is the full persistence API used by the daemon.
type Store interface {
	TemplateStore
	ScheduleRepository
	VersionStore
	AuditLog
	DedupStore

	Driver() string
	Ping(ctx context.Context) error
	Close() error
}
