package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reportd/internal/report"
)

func (s *sqlStore) AppendAudit(ctx context.Context, e report.AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO audit(at, schedule_id, report_id, version_id, event, detail)
		VALUES(?,?,?,?,?,?)`),
		ms(e.At), nullStr(e.ScheduleID), nullStr(e.ReportID), nullStr(e.VersionID), e.Event, nullStr(e.Detail),
	)
	return wrap("append audit", err)
}

// ListAudit returns the newest entries for scheduleID first.
func (s *sqlStore) ListAudit(ctx context.Context, scheduleID string, limit int) ([]report.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, at, schedule_id, report_id, version_id, event, detail
		FROM audit WHERE schedule_id = ? ORDER BY id DESC LIMIT ?`), scheduleID, limit)
	if err != nil {
		return nil, wrap("list audit", err)
	}
	defer rows.Close()

	var out []report.AuditEntry
	for rows.Next() {
		var (
			e                     report.AuditEntry
			at                    int64
			sid, rid, vid, detail sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &sid, &rid, &vid, &e.Event, &detail); err != nil {
			return nil, wrap("list audit", err)
		}
		e.At = fromMs(at)
		e.ScheduleID = sid.String
		e.ReportID = rid.String
		e.VersionID = vid.String
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, wrap("list audit", rows.Err())
}

func (s *sqlStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM audit WHERE at < ?`), ms(before))
	if err != nil {
		return 0, wrap("prune audit", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("prune audit", err)
}

// summaryListLimit caps ComplianceSummary.NonCompliant.
const summaryListLimit = 100

func (s *sqlStore) ComplianceSummary(ctx context.Context, from, to time.Time) (report.ComplianceSummary, error) {
	if to.IsZero() {
		to = time.Now()
	}
	if !from.Before(to) {
		return report.ComplianceSummary{}, fmt.Errorf("%w: summary range %s..%s is empty", report.ErrConfiguration,
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	out := report.ComplianceSummary{
		From:        from.UTC().Truncate(time.Millisecond),
		To:          to.UTC().Truncate(time.Millisecond),
		Events:      map[string]int{},
		Statuses:    map[report.ComplianceStatus]int{},
		Sensitivity: map[report.Sensitivity]int{},
	}
	lo, hi := ms(from), ms(to)

	err := s.countBy(ctx, `SELECT event, COUNT(*) FROM audit WHERE at >= ? AND at < ? GROUP BY event`,
		func(k string, n int) { out.Events[k] = n }, lo, hi)
	if err != nil {
		return report.ComplianceSummary{}, wrap("compliance summary", err)
	}
	err = s.countBy(ctx, `SELECT compliance_status, COUNT(*) FROM report_versions
		WHERE created_at >= ? AND created_at < ? GROUP BY compliance_status`,
		func(k string, n int) {
			out.Statuses[report.ComplianceStatus(k)] = n
			out.Versions += n
		}, lo, hi)
	if err != nil {
		return report.ComplianceSummary{}, wrap("compliance summary", err)
	}
	// Versions of deleted templates count as internal.
	err = s.countBy(ctx, `SELECT COALESCE(t.sensitivity, 'internal'), COUNT(*) FROM report_versions v
		LEFT JOIN report_templates t ON t.id = v.template_id
		WHERE v.created_at >= ? AND v.created_at < ? GROUP BY COALESCE(t.sensitivity, 'internal')`,
		func(k string, n int) { out.Sensitivity[report.Sensitivity(k)] += n }, lo, hi)
	if err != nil {
		return report.ComplianceSummary{}, wrap("compliance summary", err)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, report_id, version, compliance_status, compliance_issues, created_at
		FROM report_versions WHERE created_at >= ? AND created_at < ? AND compliance_status NOT IN (?, ?)
		ORDER BY created_at DESC, id LIMIT ?`),
		lo, hi, string(report.CompliancePassed), string(report.ComplianceExempted), summaryListLimit)
	if err != nil {
		return report.ComplianceSummary{}, wrap("compliance summary", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ref            report.VersionRef
			status, issues string
			created        int64
		)
		if err := rows.Scan(&ref.ID, &ref.ReportID, &ref.Version, &status, &issues, &created); err != nil {
			return report.ComplianceSummary{}, wrap("compliance summary", err)
		}
		var list []json.RawMessage
		_ = json.Unmarshal([]byte(issues), &list)
		ref.Status = report.ComplianceStatus(status)
		ref.Issues = len(list)
		ref.CreatedAt = fromMs(created)
		out.NonCompliant = append(out.NonCompliant, ref)
	}
	return out, wrap("compliance summary", rows.Err())
}

func (s *sqlStore) countBy(ctx context.Context, query string, fn func(key string, n int), args ...any) error {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int
		)
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		fn(k, n)
	}
	return rows.Err()
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO dedup(key, until) VALUES(?,?)
		ON CONFLICT(key) DO UPDATE SET until=excluded.until`),
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return wrap("put dedup", err)
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var until int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT until FROM dedup WHERE key = ?`), key).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrap("get dedup", err)
	}
	return time.UnixMilli(until), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dedup WHERE until < ?`), time.Now().UnixMilli())
	return err
}
