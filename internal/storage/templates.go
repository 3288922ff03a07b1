package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reportd/internal/report"
)

const templateCols = `id, name, owner, description, sections, default_cadence, default_recipients, default_format,
	active, version, compliance_exempt, deliver_non_compliant, sensitivity, retention_days, export_allowed,
	anchor_month, created_at, updated_at`

func (s *sqlStore) PutTemplate(ctx context.Context, t report.Template) (report.Template, error) {
	if strings.TrimSpace(t.Name) == "" {
		return report.Template{}, fmt.Errorf("%w: template name is required", report.ErrConfiguration)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.DefaultFormat == "" {
		t.DefaultFormat = report.FormatPDF
	}
	if t.Sensitivity == "" {
		t.Sensitivity = report.SensitivityInternal
	}
	sections, err := json.Marshal(t.Sections)
	if err != nil {
		return report.Template{}, fmt.Errorf("%w: sections: %v", report.ErrConfiguration, err)
	}
	now := time.Now().UTC()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			oldSections string
			oldVersion  int
			createdAt   int64
		)
		err := tx.QueryRowContext(ctx, s.q(`SELECT sections, version, created_at FROM report_templates WHERE id = ?`), t.ID).
			Scan(&oldSections, &oldVersion, &createdAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			t.Version = 1
			t.CreatedAt = now
			t.UpdatedAt = now
			_, err = tx.ExecContext(ctx, s.q(`INSERT INTO report_templates(`+templateCols+`)
				VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
				t.ID, t.Name, t.Owner, t.Description, string(sections), mustJSON(t.DefaultCadence),
				mustJSON(nonNil(t.DefaultRecipients)), string(t.DefaultFormat), b2i(t.Active), t.Version,
				b2i(t.ComplianceExempt), b2i(t.DeliverNonCompliant), string(t.Sensitivity), t.RetentionDays,
				b2i(t.ExportAllowed), t.AnchorMonth, ms(now), ms(now),
			)
			return err
		case err != nil:
			return err
		}

		t.Version = oldVersion
		if !bytes.Equal([]byte(oldSections), sections) {
			t.Version++
		}
		t.CreatedAt = fromMs(createdAt)
		t.UpdatedAt = now
		_, err = tx.ExecContext(ctx, s.q(`UPDATE report_templates SET name=?, owner=?, description=?, sections=?,
			default_cadence=?, default_recipients=?, default_format=?, active=?, version=?, compliance_exempt=?,
			deliver_non_compliant=?, sensitivity=?, retention_days=?, export_allowed=?, anchor_month=?, updated_at=?
			WHERE id=?`),
			t.Name, t.Owner, t.Description, string(sections), mustJSON(t.DefaultCadence),
			mustJSON(nonNil(t.DefaultRecipients)), string(t.DefaultFormat), b2i(t.Active), t.Version,
			b2i(t.ComplianceExempt), b2i(t.DeliverNonCompliant), string(t.Sensitivity), t.RetentionDays,
			b2i(t.ExportAllowed), t.AnchorMonth, ms(now), t.ID,
		)
		return err
	})
	if err != nil {
		return report.Template{}, wrap("put template", err)
	}
	return t, nil
}

func (s *sqlStore) GetTemplate(ctx context.Context, id string) (report.Template, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+templateCols+` FROM report_templates WHERE id = ?`), id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Template{}, fmt.Errorf("%w: template %s", report.ErrNotFound, id)
	}
	if err != nil {
		return report.Template{}, wrap("get template", err)
	}
	return t, nil
}

func (s *sqlStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM report_templates WHERE id = ?`), id)
	if err != nil {
		return wrap("delete template", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: template %s", report.ErrNotFound, id)
	}
	return nil
}

func (s *sqlStore) ListTemplates(ctx context.Context) ([]report.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateCols+` FROM report_templates ORDER BY name, id`)
	if err != nil {
		return nil, wrap("list templates", err)
	}
	defer rows.Close()

	var out []report.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, wrap("list templates", err)
		}
		out = append(out, t)
	}
	return out, wrap("list templates", rows.Err())
}

func scanTemplate(r rowScanner) (report.Template, error) {
	var (
		t                                   report.Template
		sections, cadence, recipients       string
		format, sensitivity                 string
		active, exempt, deliverNC, exportOK int
		created, updated                    int64
	)
	err := r.Scan(&t.ID, &t.Name, &t.Owner, &t.Description, &sections, &cadence, &recipients, &format,
		&active, &t.Version, &exempt, &deliverNC, &sensitivity, &t.RetentionDays, &exportOK,
		&t.AnchorMonth, &created, &updated)
	if err != nil {
		return report.Template{}, err
	}
	if err := json.Unmarshal([]byte(sections), &t.Sections); err != nil {
		return report.Template{}, fmt.Errorf("decode sections: %w", err)
	}
	_ = json.Unmarshal([]byte(cadence), &t.DefaultCadence)
	_ = json.Unmarshal([]byte(recipients), &t.DefaultRecipients)
	t.DefaultFormat = report.Format(format)
	t.Sensitivity = report.Sensitivity(sensitivity)
	t.Active = active != 0
	t.ComplianceExempt = exempt != 0
	t.DeliverNonCompliant = deliverNC != 0
	t.ExportAllowed = exportOK != 0
	t.CreatedAt = fromMs(created)
	t.UpdatedAt = fromMs(updated)
	return t, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
