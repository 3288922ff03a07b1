package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reportd/internal/report"
	"reportd/pkg/logx"
)

func (s *sqlStore) MarkRunning(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (report.Claim, bool, error) {
	c := report.Claim{
		ScheduleID: id,
		Owner:      owner,
		Token:      uuid.NewString(),
		ClaimedAt:  now.UTC().Truncate(time.Millisecond),
		ExpiresAt:  now.Add(ttl).UTC().Truncate(time.Millisecond),
	}
	var claimed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// An expired claim that the sweep has not reached yet does not block.
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM schedule_claims WHERE schedule_id = ? AND expires_at <= ?`),
			id, ms(now)); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`INSERT INTO schedule_claims(schedule_id, owner, token, claimed_at, expires_at)
			SELECT id, ?, ?, CAST(? AS BIGINT), CAST(? AS BIGINT) FROM scheduled_reports WHERE id = ? AND active = 1
			ON CONFLICT(schedule_id) DO NOTHING`),
			owner, c.Token, ms(c.ClaimedAt), ms(c.ExpiresAt), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		if !claimed {
			return nil
		}
		return tx.QueryRowContext(ctx, s.q(`SELECT cadence_rev FROM scheduled_reports WHERE id = ?`), id).Scan(&c.CadenceRev)
	})
	if err != nil {
		return report.Claim{}, false, wrap("mark running", err)
	}
	if !claimed {
		return report.Claim{}, false, nil
	}
	return c, true, nil
}

// MarkCompleted and MarkFailed only move next_run_at when the cadence is
// unchanged since the claim; otherwise the edit's next_run_at, review flag
// and failure counter stand and only the run itself is recorded.
func (s *sqlStore) MarkCompleted(ctx context.Context, c report.Claim, ranAt, nextRunAt time.Time) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.dropClaim(ctx, tx, c); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`UPDATE scheduled_reports SET last_run_at=?, next_run_at=?,
			consecutive_failures=0, needs_review=0, last_error='', updated_at=? WHERE id=? AND cadence_rev=?`),
			ms(ranAt), ms(nextRunAt), ms(ranAt), c.ScheduleID, c.CadenceRev)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 1 {
			return err
		}
		s.log.Info("cadence edited during run, keeping edited next_run_at", logx.String("schedule", c.ScheduleID))
		_, err = tx.ExecContext(ctx, s.q(`UPDATE scheduled_reports SET last_run_at=?, last_error='', updated_at=? WHERE id=?`),
			ms(ranAt), ms(ranAt), c.ScheduleID)
		return err
	})
	return wrap("mark completed", err)
}

func (s *sqlStore) MarkFailed(ctx context.Context, c report.Claim, f report.Failure) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.dropClaim(ctx, tx, c); err != nil {
			return err
		}
		msg := truncate(f.Error, 2000)
		res, err := tx.ExecContext(ctx, s.q(`UPDATE scheduled_reports SET last_run_at=?, next_run_at=?,
			consecutive_failures=?, needs_review=?, last_error=?, updated_at=? WHERE id=? AND cadence_rev=?`),
			ms(f.RanAt), ms(f.RetryAt), f.Failures, b2i(f.NeedsReview), msg, ms(f.RanAt), c.ScheduleID, c.CadenceRev)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 1 {
			return err
		}
		s.log.Info("cadence edited during run, keeping edited next_run_at", logx.String("schedule", c.ScheduleID))
		_, err = tx.ExecContext(ctx, s.q(`UPDATE scheduled_reports SET last_run_at=?, last_error=?, updated_at=? WHERE id=?`),
			ms(f.RanAt), msg, ms(f.RanAt), c.ScheduleID)
		return err
	})
	return wrap("mark failed", err)
}

func (s *sqlStore) ReleaseClaim(ctx context.Context, c report.Claim) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM schedule_claims WHERE schedule_id = ? AND token = ?`),
		c.ScheduleID, c.Token)
	return wrap("release claim", err)
}

func (s *sqlStore) SweepClaims(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(`SELECT schedule_id FROM schedule_claims WHERE expires_at <= ? ORDER BY schedule_id`), ms(now))
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		if len(ids) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM schedule_claims WHERE expires_at <= ?`), ms(now))
		return err
	})
	if err != nil {
		return nil, wrap("sweep claims", err)
	}
	return ids, nil
}

// dropClaim deletes the claim by token inside tx. A missing row means the
// claim expired and was swept (and possibly re-claimed) meanwhile.
func (s *sqlStore) dropClaim(ctx context.Context, tx *sql.Tx, c report.Claim) error {
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM schedule_claims WHERE schedule_id = ? AND token = ?`),
		c.ScheduleID, c.Token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: schedule %s", report.ErrClaimLost, c.ScheduleID)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
