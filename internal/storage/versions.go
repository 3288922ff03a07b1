package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reportd/internal/report"
)

const versionCols = `id, report_id, schedule_id, template_id, template_version, version, format, content,
	content_hash, diff, change_type, change_reason, confidence, data_sources, compliance_status,
	compliance_issues, created_by, created_at`

// appendAttempts bounds retries when a concurrent writer in another process
// took the same version number.
const appendAttempts = 5

func (s *sqlStore) AppendVersion(ctx context.Context, v report.Version, opts AppendOptions) (report.Version, bool, error) {
	if v.ReportID == "" {
		return report.Version{}, false, fmt.Errorf("%w: version without report id", report.ErrConfiguration)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	v.CreatedAt = v.CreatedAt.UTC().Truncate(time.Millisecond)
	if len(v.Content) == 0 {
		v.Content = json.RawMessage("{}")
	}

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		out, created, err := s.appendOnce(ctx, v, opts)
		if err == nil {
			return out, created, nil
		}
		if !isUniqueViolation(err) {
			return report.Version{}, false, wrap("append version", err)
		}
		lastErr = err
		s.log.Debug("version number taken, retrying")
	}
	return report.Version{}, false, wrap("append version", lastErr)
}

func (s *sqlStore) appendOnce(ctx context.Context, v report.Version, opts AppendOptions) (report.Version, bool, error) {
	var (
		out     report.Version
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(`SELECT `+versionCols+` FROM report_versions
			WHERE report_id = ? ORDER BY version DESC LIMIT 1`), v.ReportID)
		latest, err := scanVersion(row)
		hasLatest := true
		if errors.Is(err, sql.ErrNoRows) {
			hasLatest = false
		} else if err != nil {
			return err
		}

		if hasLatest && opts.SkipIfUnchanged && latest.ContentHash == v.ContentHash {
			out = latest
			return nil
		}

		v.Version = 1
		if hasLatest {
			v.Version = latest.Version + 1
		}
		v = rebase(v, latest, hasLatest, opts)
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		var diff any
		if v.Diff != nil {
			diff = mustJSON(v.Diff)
		}
		var confidence any
		if v.Confidence != nil {
			confidence = *v.Confidence
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO report_versions(`+versionCols+`)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
			v.ID, v.ReportID, nullStr(v.ScheduleID), v.TemplateID, v.TemplateVersion, v.Version, string(v.Format),
			string(v.Content), v.ContentHash, diff, string(v.ChangeType), nullStr(v.ChangeReason), confidence,
			mustJSON(nonNil(v.DataSources)), string(v.ComplianceStatus), mustJSON(nonNilIssues(v.ComplianceIssues)),
			v.CreatedBy, ms(v.CreatedAt),
		)
		if err != nil {
			return err
		}
		out = v
		created = true
		return nil
	})
	return out, created, err
}

// rebase fixes the fields that depend on the predecessor as seen inside the
// append transaction, which may differ from what the caller read.
func rebase(v, latest report.Version, hasLatest bool, opts AppendOptions) report.Version {
	if !hasLatest {
		v.ChangeType = report.ChangeInitial
		v.Diff = nil
		return v
	}
	if v.ChangeType == report.ChangeInitial {
		v.ChangeType = report.ChangeRegenerated
	}
	if opts.Rediff != nil && latest.Version != opts.BaseVersion {
		v.Diff = opts.Rediff(latest.Content)
	}
	return v
}

func (s *sqlStore) LatestVersion(ctx context.Context, reportID string) (report.Version, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+versionCols+` FROM report_versions
		WHERE report_id = ? ORDER BY version DESC LIMIT 1`), reportID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Version{}, false, nil
	}
	if err != nil {
		return report.Version{}, false, wrap("latest version", err)
	}
	return v, true, nil
}

func (s *sqlStore) GetVersion(ctx context.Context, id string) (report.Version, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+versionCols+` FROM report_versions WHERE id = ?`), id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Version{}, fmt.Errorf("%w: version %s", report.ErrNotFound, id)
	}
	if err != nil {
		return report.Version{}, wrap("get version", err)
	}
	return v, nil
}

// ListVersions returns the newest versions first.
func (s *sqlStore) ListVersions(ctx context.Context, reportID string, limit int) ([]report.Version, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+versionCols+` FROM report_versions
		WHERE report_id = ? ORDER BY version DESC LIMIT ?`), reportID, limit)
	if err != nil {
		return nil, wrap("list versions", err)
	}
	defer rows.Close()

	var out []report.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, wrap("list versions", err)
		}
		out = append(out, v)
	}
	return out, wrap("list versions", rows.Err())
}

func scanVersion(r rowScanner) (report.Version, error) {
	var (
		v                  report.Version
		scheduleID, reason sql.NullString
		diff               sql.NullString
		confidence         sql.NullFloat64
		format, content    string
		changeType, status string
		sources, issues    string
		created            int64
	)
	err := r.Scan(&v.ID, &v.ReportID, &scheduleID, &v.TemplateID, &v.TemplateVersion, &v.Version, &format, &content,
		&v.ContentHash, &diff, &changeType, &reason, &confidence, &sources, &status, &issues, &v.CreatedBy, &created)
	if err != nil {
		return report.Version{}, err
	}
	v.ScheduleID = scheduleID.String
	v.ChangeReason = reason.String
	v.Format = report.Format(format)
	v.Content = json.RawMessage(content)
	v.ChangeType = report.ChangeType(changeType)
	v.ComplianceStatus = report.ComplianceStatus(status)
	if diff.Valid && diff.String != "" {
		var d report.SectionDiff
		if err := json.Unmarshal([]byte(diff.String), &d); err == nil {
			v.Diff = &d
		}
	}
	if confidence.Valid {
		c := confidence.Float64
		v.Confidence = &c
	}
	_ = json.Unmarshal([]byte(sources), &v.DataSources)
	_ = json.Unmarshal([]byte(issues), &v.ComplianceIssues)
	v.CreatedAt = fromMs(created)
	return v, nil
}

func nonNilIssues(v []report.Issue) []report.Issue {
	if v == nil {
		return []report.Issue{}
	}
	return v
}
