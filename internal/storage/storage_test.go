package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"reportd/internal/report"
	logx "reportd/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "reportd.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func intp(v int) *int { return &v }

func seedSchedule(t *testing.T, st Store, now time.Time) (report.Template, report.Schedule) {
	t.Helper()
	ctx := context.Background()
	tpl, err := st.PutTemplate(ctx, report.Template{
		Name:     "Portfolio summary",
		Active:   true,
		Sections: []report.Section{{Key: "summary", Source: "params"}},
	})
	if err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}
	sc, err := st.CreateSchedule(ctx, report.Schedule{
		TemplateID: tpl.ID,
		Owner:      "u1",
		Cadence:    report.Cadence{Frequency: report.Daily, TimeOfDay: "09:00"},
		Recipients: []string{"ops@example.com"},
		Active:     true,
	}, now)
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	return tpl, sc
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "mysql"}, logx.Nop()); err == nil {
		t.Fatal("Open(mysql): expected error")
	}
	if _, err := Open(Config{}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Open(empty) err = %v, want ErrDisabled", err)
	}
}

func TestRebindPostgres(t *testing.T) {
	t.Parallel()

	s := &sqlStore{dialect: dialectPostgres}
	got := s.q(`SELECT a FROM t WHERE b = ? AND c = ? LIMIT ?`)
	if want := `SELECT a FROM t WHERE b = $1 AND c = $2 LIMIT $3`; got != want {
		t.Fatalf("q = %q, want %q", got, want)
	}
	lite := &sqlStore{dialect: dialectSQLite}
	if got := lite.q(`x = ?`); got != `x = ?` {
		t.Fatalf("sqlite q = %q", got)
	}
}

func TestTemplateVersionBumpsOnSectionChange(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	tpl, err := st.PutTemplate(ctx, report.Template{Name: "t", Active: true, Sections: []report.Section{{Key: "a"}}})
	if err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}
	if tpl.Version != 1 {
		t.Fatalf("Version = %d, want 1", tpl.Version)
	}

	tpl.Description = "only metadata"
	tpl, err = st.PutTemplate(ctx, tpl)
	if err != nil {
		t.Fatalf("PutTemplate(meta): %v", err)
	}
	if tpl.Version != 1 {
		t.Fatalf("Version after metadata edit = %d, want 1", tpl.Version)
	}

	tpl.Sections = append(tpl.Sections, report.Section{Key: "b"})
	tpl, err = st.PutTemplate(ctx, tpl)
	if err != nil {
		t.Fatalf("PutTemplate(sections): %v", err)
	}
	got, err := st.GetTemplate(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.Version != 2 || len(got.Sections) != 2 {
		t.Fatalf("template = v%d with %d sections, want v2 with 2", got.Version, len(got.Sections))
	}
}

func TestCreateScheduleComputesNextRun(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	_, sc := seedSchedule(t, st, now)
	if sc.NextRunAt == nil {
		t.Fatal("NextRunAt is nil")
	}
	if want := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC); !sc.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", sc.NextRunAt, want)
	}
	if sc.Format != report.FormatPDF {
		t.Fatalf("Format = %q, want template default pdf", sc.Format)
	}

	_, err := st.CreateSchedule(context.Background(), report.Schedule{
		TemplateID: "missing",
		Cadence:    report.Cadence{Frequency: report.Daily},
		Active:     true,
	}, now)
	if !errors.Is(err, report.ErrTemplateMissing) {
		t.Fatalf("CreateSchedule(missing template) err = %v, want ErrTemplateMissing", err)
	}
}

func TestCreateScheduleRejectsWeeklyWithoutDay(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	tpl, err := st.PutTemplate(ctx, report.Template{Name: "t", Active: true})
	if err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}
	_, err = st.CreateSchedule(ctx, report.Schedule{
		TemplateID: tpl.ID,
		Cadence:    report.Cadence{Frequency: report.Weekly},
		Active:     true,
	}, time.Now())
	if !errors.Is(err, report.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestListDueOrderAndClaimExclusivity(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	tpl, first := seedSchedule(t, st, created)
	second, err := st.CreateSchedule(ctx, report.Schedule{
		TemplateID: tpl.ID,
		Cadence:    report.Cadence{Frequency: report.Daily, TimeOfDay: "08:00"},
		Active:     true,
	}, created)
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	now := created.Add(48 * time.Hour)
	due, err := st.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 2 || due[0].ID != second.ID || due[1].ID != first.ID {
		t.Fatalf("ListDue order = %v, want [%s %s]", ids(due), second.ID, first.ID)
	}

	claim, ok, err := st.MarkRunning(ctx, first.ID, "w1", now, time.Minute)
	if err != nil || !ok {
		t.Fatalf("MarkRunning = %v, %v; want claimed", ok, err)
	}
	if _, ok, err := st.MarkRunning(ctx, first.ID, "w2", now, time.Minute); err != nil || ok {
		t.Fatalf("second MarkRunning = %v, %v; want not claimed", ok, err)
	}

	due, err = st.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 1 || due[0].ID != second.ID {
		t.Fatalf("ListDue with claim = %v, want [%s]", ids(due), second.ID)
	}

	next := now.Add(24 * time.Hour)
	if err := st.MarkCompleted(ctx, claim, now, next); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if err := st.MarkCompleted(ctx, claim, now, next); !errors.Is(err, report.ErrClaimLost) {
		t.Fatalf("MarkCompleted twice err = %v, want ErrClaimLost", err)
	}
	got, err := st.GetSchedule(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(now) || !got.NextRunAt.Equal(next) {
		t.Fatalf("schedule run fields = %v / %v, want %v / %v", got.LastRunAt, got.NextRunAt, now, next)
	}
}

func TestConcurrentMarkRunningSingleWinner(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	_, sc := seedSchedule(t, st, now)

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := st.MarkRunning(context.Background(), sc.ID, fmt.Sprintf("w%d", i), now, time.Minute)
			if err != nil {
				t.Errorf("MarkRunning: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
}

func TestSweepRecoversStaleClaim(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	_, sc := seedSchedule(t, st, now)

	stale, ok, err := st.MarkRunning(ctx, sc.ID, "crashed", now, time.Minute)
	if err != nil || !ok {
		t.Fatalf("MarkRunning = %v, %v", ok, err)
	}

	ids, err := st.SweepClaims(ctx, now.Add(30*time.Second))
	if err != nil || len(ids) != 0 {
		t.Fatalf("early sweep = %v, %v; want nothing", ids, err)
	}
	ids, err = st.SweepClaims(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("SweepClaims: %v", err)
	}
	if len(ids) != 1 || ids[0] != sc.ID {
		t.Fatalf("SweepClaims = %v, want [%s]", ids, sc.ID)
	}

	fresh, ok, err := st.MarkRunning(ctx, sc.ID, "w2", now.Add(2*time.Minute), time.Minute)
	if err != nil || !ok {
		t.Fatalf("MarkRunning after sweep = %v, %v", ok, err)
	}
	if err := st.MarkFailed(ctx, stale, report.Failure{RanAt: now, RetryAt: now}); !errors.Is(err, report.ErrClaimLost) {
		t.Fatalf("stale MarkFailed err = %v, want ErrClaimLost", err)
	}
	if err := st.ReleaseClaim(ctx, fresh); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
}

func TestMarkFailedAndInactiveNotClaimable(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	_, sc := seedSchedule(t, st, now)

	claim, ok, err := st.MarkRunning(ctx, sc.ID, "w1", now, time.Minute)
	if err != nil || !ok {
		t.Fatalf("MarkRunning = %v, %v", ok, err)
	}
	retry := now.Add(5 * time.Minute)
	if err := st.MarkFailed(ctx, claim, report.Failure{RanAt: now, RetryAt: retry, Failures: 2, NeedsReview: true, Error: "boom"}); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, err := st.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.ConsecutiveFailures != 2 || !got.NeedsReview || got.LastError != "boom" || !got.NextRunAt.Equal(retry) {
		t.Fatalf("failed schedule = %+v", got)
	}

	if _, err := st.SetActive(ctx, sc.ID, false, now); err != nil {
		t.Fatalf("SetActive(false): %v", err)
	}
	if _, ok, err := st.MarkRunning(ctx, sc.ID, "w1", now, time.Minute); err != nil || ok {
		t.Fatalf("MarkRunning(inactive) = %v, %v; want not claimed", ok, err)
	}
	due, err := st.ListDue(ctx, now.Add(time.Hour), 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("ListDue(inactive) = %v, %v", ids(due), err)
	}

	later := now.Add(72 * time.Hour)
	re, err := st.SetActive(ctx, sc.ID, true, later)
	if err != nil {
		t.Fatalf("SetActive(true): %v", err)
	}
	if !re.NextRunAt.After(later) {
		t.Fatalf("NextRunAt after reactivation = %v, want after %v", re.NextRunAt, later)
	}
}

func TestDeleteTemplateCascades(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	tpl, sc := seedSchedule(t, st, time.Now())

	if err := st.DeleteTemplate(ctx, tpl.ID); err != nil {
		t.Fatalf("DeleteTemplate: %v", err)
	}
	if _, err := st.GetSchedule(ctx, sc.ID); !errors.Is(err, report.ErrNotFound) {
		t.Fatalf("GetSchedule after cascade err = %v, want ErrNotFound", err)
	}
	if err := st.DeleteTemplate(ctx, tpl.ID); !errors.Is(err, report.ErrNotFound) {
		t.Fatalf("DeleteTemplate twice err = %v, want ErrNotFound", err)
	}
}

func TestUpdateCadenceRecomputes(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC) // Wednesday
	_, sc := seedSchedule(t, st, now)

	got, err := st.UpdateCadence(ctx, sc.ID, report.Cadence{Frequency: report.Weekly, DayOfWeek: intp(1)}, now)
	if err != nil {
		t.Fatalf("UpdateCadence: %v", err)
	}
	if want := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC); !got.NextRunAt.Equal(want) {
		t.Fatalf("NextRunAt = %v, want %v", got.NextRunAt, want)
	}
	if _, err := st.UpdateCadence(ctx, sc.ID, report.Cadence{Frequency: report.Monthly}, now); !errors.Is(err, report.ErrConfiguration) {
		t.Fatalf("UpdateCadence(invalid) err = %v, want ErrConfiguration", err)
	}
}

func TestMarkOutcomeKeepsCadenceEditedDuringRun(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC) // Wednesday
	_, sc := seedSchedule(t, st, now)
	staleNext := now.Add(23 * time.Hour)

	claim, ok, err := st.MarkRunning(ctx, sc.ID, "w1", now, time.Minute)
	if err != nil || !ok {
		t.Fatalf("MarkRunning = %v, %v", ok, err)
	}
	if claim.CadenceRev != sc.CadenceRev {
		t.Fatalf("claim rev = %d, want %d", claim.CadenceRev, sc.CadenceRev)
	}
	edited, err := st.UpdateCadence(ctx, sc.ID, report.Cadence{Frequency: report.Weekly, DayOfWeek: intp(1)}, now)
	if err != nil {
		t.Fatalf("UpdateCadence: %v", err)
	}
	if edited.CadenceRev != sc.CadenceRev+1 {
		t.Fatalf("rev after edit = %d, want %d", edited.CadenceRev, sc.CadenceRev+1)
	}
	if err := st.MarkCompleted(ctx, claim, now, staleNext); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	got, err := st.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if !got.NextRunAt.Equal(*edited.NextRunAt) || got.LastRunAt == nil || !got.LastRunAt.Equal(now) {
		t.Fatalf("after completed = next %v last %v, want next %v last %v", got.NextRunAt, got.LastRunAt, edited.NextRunAt, now)
	}

	// Same for a failure: the edit's reset counter and next_run_at stand.
	claim, ok, err = st.MarkRunning(ctx, sc.ID, "w1", now, time.Minute)
	if err != nil || !ok {
		t.Fatalf("MarkRunning #2 = %v, %v", ok, err)
	}
	if _, err := st.SetActive(ctx, sc.ID, true, now.Add(time.Hour)); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	reactivated, _ := st.GetSchedule(ctx, sc.ID)
	err = st.MarkFailed(ctx, claim, report.Failure{RanAt: now, RetryAt: now.Add(time.Minute), Failures: 1, Error: "feed down"})
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, _ = st.GetSchedule(ctx, sc.ID)
	if !got.NextRunAt.Equal(*reactivated.NextRunAt) || got.ConsecutiveFailures != 0 || got.LastError != "feed down" {
		t.Fatalf("after failed = next %v failures %d err %q, want next %v, 0, feed down",
			got.NextRunAt, got.ConsecutiveFailures, got.LastError, reactivated.NextRunAt)
	}

	// Without an edit the outcome moves the cadence.
	claim, _, _ = st.MarkRunning(ctx, sc.ID, "w1", now, time.Minute)
	if err := st.MarkCompleted(ctx, claim, now, staleNext); err != nil {
		t.Fatalf("MarkCompleted #3: %v", err)
	}
	if got, _ := st.GetSchedule(ctx, sc.ID); !got.NextRunAt.Equal(staleNext) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, staleNext)
	}
}

func TestAppendVersionSequentialAndIdempotent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	v1, created, err := st.AppendVersion(ctx, report.Version{
		ReportID: "r1", Content: []byte(`{"a":1}`), ContentHash: "h1",
		ChangeType: report.ChangeInitial, ComplianceStatus: report.CompliancePassed,
	}, AppendOptions{SkipIfUnchanged: true})
	if err != nil || !created || v1.Version != 1 {
		t.Fatalf("first append = v%d created=%v err=%v", v1.Version, created, err)
	}

	again, created, err := st.AppendVersion(ctx, report.Version{
		ReportID: "r1", Content: []byte(`{"a":1}`), ContentHash: "h1",
		ChangeType: report.ChangeRegenerated, ComplianceStatus: report.CompliancePassed,
	}, AppendOptions{SkipIfUnchanged: true})
	if err != nil || created || again.ID != v1.ID {
		t.Fatalf("unchanged append = %s created=%v err=%v; want skip returning %s", again.ID, created, err, v1.ID)
	}

	forced, created, err := st.AppendVersion(ctx, report.Version{
		ReportID: "r1", Content: []byte(`{"a":1}`), ContentHash: "h1",
		ChangeType: report.ChangeManualEdit, ComplianceStatus: report.CompliancePassed,
	}, AppendOptions{})
	if err != nil || !created || forced.Version != 2 {
		t.Fatalf("forced append = v%d created=%v err=%v", forced.Version, created, err)
	}

	latest, ok, err := st.LatestVersion(ctx, "r1")
	if err != nil || !ok || latest.Version != 2 {
		t.Fatalf("LatestVersion = v%d ok=%v err=%v", latest.Version, ok, err)
	}
	if _, ok, _ := st.LatestVersion(ctx, "nope"); ok {
		t.Fatal("LatestVersion(nope) reported a version")
	}
}

func TestAppendVersionCorrectsChangeTypeFromStaleRead(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	first, _, err := st.AppendVersion(ctx, report.Version{
		ReportID: "r-race", Content: []byte(`{"a":1}`), ContentHash: "h1",
		ChangeType: report.ChangeInitial, ComplianceStatus: report.CompliancePassed,
	}, AppendOptions{SkipIfUnchanged: true})
	if err != nil || first.Version != 1 {
		t.Fatalf("first append = v%d err=%v", first.Version, err)
	}

	// A second writer that read an empty history before the first commit.
	var rediffed json.RawMessage
	v, created, err := st.AppendVersion(ctx, report.Version{
		ReportID: "r-race", Content: []byte(`{"b":2}`), ContentHash: "h2",
		ChangeType: report.ChangeInitial, ComplianceStatus: report.CompliancePassed,
	}, AppendOptions{
		SkipIfUnchanged: true,
		BaseVersion:     0,
		Rediff: func(prev json.RawMessage) *report.SectionDiff {
			rediffed = prev
			return &report.SectionDiff{Added: []string{"b"}, Removed: []string{"a"}}
		},
	})
	if err != nil || !created {
		t.Fatalf("stale append created=%v err=%v", created, err)
	}
	if v.Version != 2 {
		t.Fatalf("Version = %d, want 2", v.Version)
	}
	if v.ChangeType != report.ChangeRegenerated {
		t.Fatalf("ChangeType = %s, want %s", v.ChangeType, report.ChangeRegenerated)
	}
	if string(rediffed) != `{"a":1}` {
		t.Fatalf("Rediff prev = %s, want the committed v1 content", rediffed)
	}
	if v.Diff == nil || len(v.Diff.Added) != 1 || v.Diff.Added[0] != "b" {
		t.Fatalf("Diff = %+v, want recomputed against v1", v.Diff)
	}

	stored, err := st.GetVersion(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if stored.ChangeType != report.ChangeRegenerated || stored.Diff == nil {
		t.Fatalf("stored = %s diff=%+v, want regenerated with diff", stored.ChangeType, stored.Diff)
	}

	// A caller that saw the real predecessor keeps its own diff.
	calls := 0
	own := &report.SectionDiff{Changed: []string{"b"}}
	v3, _, err := st.AppendVersion(ctx, report.Version{
		ReportID: "r-race", Content: []byte(`{"b":3}`), ContentHash: "h3",
		ChangeType: report.ChangeRegenerated, ComplianceStatus: report.CompliancePassed, Diff: own,
	}, AppendOptions{
		BaseVersion: 2,
		Rediff:      func(json.RawMessage) *report.SectionDiff { calls++; return nil },
	})
	if err != nil || v3.Version != 3 {
		t.Fatalf("third append = v%d err=%v", v3.Version, err)
	}
	if calls != 0 || v3.Diff != own {
		t.Fatalf("Rediff calls = %d diff=%+v, want caller diff kept", calls, v3.Diff)
	}
}

func TestAppendVersionConcurrentNoGaps(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	const n = 12

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := st.AppendVersion(context.Background(), report.Version{
				ReportID:         "r-concurrent",
				Content:          []byte(fmt.Sprintf(`{"i":%d}`, i)),
				ContentHash:      fmt.Sprintf("h%d", i),
				ChangeType:       report.ChangeRegenerated,
				ComplianceStatus: report.CompliancePassed,
			}, AppendOptions{SkipIfUnchanged: true})
			if err != nil {
				t.Errorf("AppendVersion: %v", err)
			}
		}(i)
	}
	wg.Wait()

	vs, err := st.ListVersions(context.Background(), "r-concurrent", 100)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	nums := make([]int, 0, len(vs))
	for _, v := range vs {
		nums = append(nums, v.Version)
	}
	sort.Ints(nums)
	if len(nums) != n {
		t.Fatalf("versions = %v, want %d rows", nums, n)
	}
	for i, v := range nums {
		if v != i+1 {
			t.Fatalf("versions = %v, want 1..%d without gaps", nums, n)
		}
	}
}

func TestAuditAndDedup(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, ev := range []string{report.AuditClaimed, report.AuditCompleted} {
		if err := st.AppendAudit(ctx, report.AuditEntry{ScheduleID: "s1", Event: ev}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	entries, err := st.ListAudit(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 2 || entries[0].Event != report.AuditCompleted {
		t.Fatalf("ListAudit = %+v", entries)
	}

	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "v1:ops@example.com", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "v1:ops@example.com")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("GetDedup = %v ok=%v err=%v, want %v", got, ok, err, until)
	}
	if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
		t.Fatal("GetDedup(missing) ok")
	}
}

func TestPruneAuditAndComplianceSummary(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	jan := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	mar := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tpl, err := st.PutTemplate(ctx, report.Template{Name: "Arrears", Active: true, Sensitivity: report.SensitivityConfidential})
	if err != nil {
		t.Fatalf("PutTemplate: %v", err)
	}
	audit := []report.AuditEntry{
		{At: jan, ScheduleID: "s1", Event: report.AuditCompleted},
		{At: jan, ScheduleID: "s1", Event: report.AuditFailed},
		{At: mar, ScheduleID: "s1", Event: report.AuditCompleted},
		{At: mar.Add(time.Hour), ScheduleID: "s1", Event: report.AuditReview},
	}
	for _, e := range audit {
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	versions := []report.Version{
		{ReportID: "r1", TemplateID: tpl.ID, ContentHash: "a", ChangeType: report.ChangeInitial, ComplianceStatus: report.CompliancePassed, CreatedAt: mar},
		{ReportID: "r1", TemplateID: tpl.ID, ContentHash: "b", ChangeType: report.ChangeRegenerated, ComplianceStatus: report.ComplianceFailed,
			ComplianceIssues: []report.Issue{{Rule: "sensitive_data"}, {Rule: "banned_terms"}}, CreatedAt: mar.Add(time.Minute)},
		{ReportID: "r2", TemplateID: "gone", ContentHash: "c", ChangeType: report.ChangeInitial, ComplianceStatus: report.CompliancePending, CreatedAt: mar},
		{ReportID: "r3", TemplateID: tpl.ID, ContentHash: "d", ChangeType: report.ChangeInitial, ComplianceStatus: report.CompliancePassed, CreatedAt: jan},
	}
	for _, v := range versions {
		if _, _, err := st.AppendVersion(ctx, v, AppendOptions{}); err != nil {
			t.Fatalf("AppendVersion: %v", err)
		}
	}

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sum, err := st.ComplianceSummary(ctx, from, from.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("ComplianceSummary: %v", err)
	}
	if sum.Versions != 3 {
		t.Fatalf("Versions = %d, want 3", sum.Versions)
	}
	if sum.Events[report.AuditCompleted] != 1 || sum.Events[report.AuditReview] != 1 || sum.Events[report.AuditFailed] != 0 {
		t.Fatalf("Events = %v", sum.Events)
	}
	if sum.Statuses[report.CompliancePassed] != 1 || sum.Statuses[report.ComplianceFailed] != 1 || sum.Statuses[report.CompliancePending] != 1 {
		t.Fatalf("Statuses = %v", sum.Statuses)
	}
	if sum.Sensitivity[report.SensitivityConfidential] != 2 || sum.Sensitivity[report.SensitivityInternal] != 1 {
		t.Fatalf("Sensitivity = %v", sum.Sensitivity)
	}
	if len(sum.NonCompliant) != 2 || sum.NonCompliant[0].ReportID != "r1" || sum.NonCompliant[0].Issues != 2 {
		t.Fatalf("NonCompliant = %+v", sum.NonCompliant)
	}
	if _, err := st.ComplianceSummary(ctx, from, from); !errors.Is(err, report.ErrConfiguration) {
		t.Fatalf("empty range err = %v, want ErrConfiguration", err)
	}

	n, err := st.PruneAudit(ctx, from)
	if err != nil || n != 2 {
		t.Fatalf("PruneAudit = %d, %v; want 2", n, err)
	}
	left, err := st.ListAudit(ctx, "s1", 10)
	if err != nil || len(left) != 2 {
		t.Fatalf("ListAudit after prune = %d, %v; want 2", len(left), err)
	}
	for _, e := range left {
		if e.At.Before(from) {
			t.Fatalf("entry at %v survived prune before %v", e.At, from)
		}
	}
	// Versions are history, not audit: pruning leaves them alone.
	if vs, _ := st.ListVersions(ctx, "r3", 10); len(vs) != 1 {
		t.Fatalf("versions of r3 = %d, want 1", len(vs))
	}
}

func ids(in []report.Schedule) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, s.ID)
	}
	return out
}
