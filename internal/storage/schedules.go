package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reportd/internal/cadence"
	"reportd/internal/report"
)

const scheduleCols = `id, template_id, owner, frequency, day_of_week, day_of_month, time_of_day, timezone,
	anchor_month, recipients, format, params, active, last_run_at, next_run_at, consecutive_failures,
	needs_review, last_error, created_at, updated_at, cadence_rev`

// CreateSchedule attaches a cadence to a template. Empty format, recipients
// and quarterly anchor fall back to the template defaults. next_run_at is
// computed from now for active entries.
func (s *sqlStore) CreateSchedule(ctx context.Context, sc report.Schedule, now time.Time) (report.Schedule, error) {
	tpl, err := s.GetTemplate(ctx, sc.TemplateID)
	if err != nil {
		if errors.Is(err, report.ErrNotFound) {
			return report.Schedule{}, fmt.Errorf("%w: %s", report.ErrTemplateMissing, sc.TemplateID)
		}
		return report.Schedule{}, err
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.Format == "" {
		sc.Format = tpl.DefaultFormat
	}
	if !sc.Format.Valid() {
		return report.Schedule{}, fmt.Errorf("%w: unknown format %q", report.ErrConfiguration, sc.Format)
	}
	if sc.Recipients == nil {
		sc.Recipients = append([]string(nil), tpl.DefaultRecipients...)
	}
	if sc.Cadence.AnchorMonth == 0 {
		sc.Cadence.AnchorMonth = tpl.AnchorMonth
	}
	if sc.Cadence.TimeOfDay == "" {
		sc.Cadence.TimeOfDay = cadence.DefaultTimeOfDay
	}
	if len(sc.Params) > 0 && !json.Valid(sc.Params) {
		return report.Schedule{}, fmt.Errorf("%w: params must be valid JSON", report.ErrConfiguration)
	}
	if sc.Active {
		next, err := cadence.Next(sc.Cadence, now)
		if err != nil {
			return report.Schedule{}, err
		}
		next = next.UTC()
		sc.NextRunAt = &next
	} else if err := cadence.Validate(sc.Cadence); err != nil {
		return report.Schedule{}, err
	}
	sc.CreatedAt = now.UTC().Truncate(time.Millisecond)
	sc.UpdatedAt = sc.CreatedAt

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO scheduled_reports(`+scheduleCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		sc.ID, sc.TemplateID, sc.Owner, string(sc.Cadence.Frequency), intOrNil(sc.Cadence.DayOfWeek),
		intOrNil(sc.Cadence.DayOfMonth), sc.Cadence.TimeOfDay, tzOrUTC(sc.Cadence.Timezone), sc.Cadence.AnchorMonth,
		mustJSON(nonNil(sc.Recipients)), string(sc.Format), rawOrEmpty(sc.Params), b2i(sc.Active),
		msOrNil(sc.LastRunAt), msOrNil(sc.NextRunAt), 0, 0, "", ms(sc.CreatedAt), ms(sc.UpdatedAt), 0,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return report.Schedule{}, fmt.Errorf("%w: %s", report.ErrTemplateMissing, sc.TemplateID)
		}
		return report.Schedule{}, wrap("create schedule", err)
	}
	if len(sc.Params) == 0 {
		sc.Params = json.RawMessage("{}")
	}
	return sc, nil
}

func (s *sqlStore) GetSchedule(ctx context.Context, id string) (report.Schedule, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+scheduleCols+` FROM scheduled_reports WHERE id = ?`), id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Schedule{}, fmt.Errorf("%w: schedule %s", report.ErrNotFound, id)
	}
	if err != nil {
		return report.Schedule{}, wrap("get schedule", err)
	}
	return sc, nil
}

func (s *sqlStore) ListSchedules(ctx context.Context, activeOnly bool) ([]report.Schedule, error) {
	query := `SELECT ` + scheduleCols + ` FROM scheduled_reports`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at, id`
	return s.querySchedules(ctx, "list schedules", query)
}

func (s *sqlStore) ListDue(ctx context.Context, now time.Time, limit int) ([]report.Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.querySchedules(ctx, "list due", s.q(`SELECT `+scheduleCols+` FROM scheduled_reports s
		WHERE s.active = 1 AND s.next_run_at IS NOT NULL AND s.next_run_at <= ?
		AND NOT EXISTS (SELECT 1 FROM schedule_claims c WHERE c.schedule_id = s.id AND c.expires_at > ?)
		ORDER BY s.next_run_at ASC, s.id ASC
		LIMIT ?`), ms(now), ms(now), limit)
}

// UpdateCadence applies a user edit and recomputes next_run_at from now.
// A fixed cadence also clears the review flag and failure counter. The
// revision bump makes a cycle already running keep this next_run_at.
func (s *sqlStore) UpdateCadence(ctx context.Context, id string, c report.Cadence, now time.Time) (report.Schedule, error) {
	if c.TimeOfDay == "" {
		c.TimeOfDay = cadence.DefaultTimeOfDay
	}
	next, err := cadence.Next(c, now)
	if err != nil {
		return report.Schedule{}, err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE scheduled_reports SET frequency=?, day_of_week=?, day_of_month=?,
		time_of_day=?, timezone=?, anchor_month=?, next_run_at=?, needs_review=0, consecutive_failures=0,
		last_error='', updated_at=?, cadence_rev=cadence_rev+1 WHERE id=?`),
		string(c.Frequency), intOrNil(c.DayOfWeek), intOrNil(c.DayOfMonth), c.TimeOfDay, tzOrUTC(c.Timezone),
		c.AnchorMonth, ms(next), ms(now), id,
	)
	if err != nil {
		return report.Schedule{}, wrap("update cadence", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return report.Schedule{}, fmt.Errorf("%w: schedule %s", report.ErrNotFound, id)
	}
	return s.GetSchedule(ctx, id)
}

// SetActive toggles the active flag. Reactivation recomputes next_run_at
// from now so missed ticks are not replayed.
func (s *sqlStore) SetActive(ctx context.Context, id string, active bool, now time.Time) (report.Schedule, error) {
	sc, err := s.GetSchedule(ctx, id)
	if err != nil {
		return report.Schedule{}, err
	}
	var res sql.Result
	if active {
		next, err := cadence.Next(sc.Cadence, now)
		if err != nil {
			return report.Schedule{}, err
		}
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE scheduled_reports SET active=1, next_run_at=?, updated_at=?, cadence_rev=cadence_rev+1 WHERE id=?`),
			ms(next), ms(now), id)
		if err != nil {
			return report.Schedule{}, wrap("set active", err)
		}
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE scheduled_reports SET active=0, updated_at=?, cadence_rev=cadence_rev+1 WHERE id=?`), ms(now), id)
		if err != nil {
			return report.Schedule{}, wrap("set active", err)
		}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return report.Schedule{}, fmt.Errorf("%w: schedule %s", report.ErrNotFound, id)
	}
	return s.GetSchedule(ctx, id)
}

func (s *sqlStore) querySchedules(ctx context.Context, op, query string, args ...any) ([]report.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []report.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, sc)
	}
	return out, wrap(op, rows.Err())
}

func scanSchedule(r rowScanner) (report.Schedule, error) {
	var (
		sc                  report.Schedule
		freq, recipients    string
		format, params      string
		dow, dom            sql.NullInt64
		lastRun, nextRun    sql.NullInt64
		active, needsReview int
		created, updated    int64
	)
	err := r.Scan(&sc.ID, &sc.TemplateID, &sc.Owner, &freq, &dow, &dom, &sc.Cadence.TimeOfDay, &sc.Cadence.Timezone,
		&sc.Cadence.AnchorMonth, &recipients, &format, &params, &active, &lastRun, &nextRun,
		&sc.ConsecutiveFailures, &needsReview, &sc.LastError, &created, &updated, &sc.CadenceRev)
	if err != nil {
		return report.Schedule{}, err
	}
	sc.Cadence.Frequency = report.Frequency(freq)
	sc.Cadence.DayOfWeek = fromNullInt(dow)
	sc.Cadence.DayOfMonth = fromNullInt(dom)
	_ = json.Unmarshal([]byte(recipients), &sc.Recipients)
	sc.Format = report.Format(format)
	sc.Params = json.RawMessage(params)
	sc.Active = active != 0
	sc.NeedsReview = needsReview != 0
	sc.LastRunAt = fromNullMs(lastRun)
	sc.NextRunAt = fromNullMs(nextRun)
	sc.CreatedAt = fromMs(created)
	sc.UpdatedAt = fromMs(updated)
	return sc, nil
}

func tzOrUTC(tz string) string {
	if strings.TrimSpace(tz) == "" {
		return "UTC"
	}
	return tz
}
