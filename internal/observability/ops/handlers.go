package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reportd/internal/delivery"
	"reportd/internal/pipeline"
	"reportd/internal/report"
	"reportd/internal/task/scheduler"
	"reportd/pkg/logx"
)

type Scheduler interface {
	Status() scheduler.Status
	TriggerNow(ctx context.Context, scheduleID string, opts scheduler.TriggerOptions) (pipeline.Result, error)
}

type Redeliverer interface {
	Redeliver(ctx context.Context, versionID string, recipients []string) (pipeline.Result, error)
}

type History interface {
	ListVersions(ctx context.Context, reportID string, limit int) ([]report.Version, error)
	ListAudit(ctx context.Context, scheduleID string, limit int) ([]report.AuditEntry, error)
	ComplianceSummary(ctx context.Context, from, to time.Time) (report.ComplianceSummary, error)
	Ping(ctx context.Context) error
}

type DeliveryStatus interface {
	Channels() []string
	Snapshot() []delivery.HistoryItem
}

// Deps are the components the handlers read from and act on. Any may be
// nil; the matching routes then answer 503.
type Deps struct {
	Scheduler Scheduler
	Pipeline  Redeliverer
	Store     History
	Delivery  DeliveryStatus
}

// Handler builds the router for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	r := mux.NewRouter()
	r.Use(authMiddleware(cfg.Token))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/schedules/{id}/trigger", s.handleTrigger).Methods(http.MethodPost)
	r.HandleFunc("/schedules/{id}/audit", s.handleAudit).Methods(http.MethodGet)
	r.HandleFunc("/versions/{id}/redeliver", s.handleRedeliver).Methods(http.MethodPost)
	r.HandleFunc("/reports/{id}/versions", s.handleVersions).Methods(http.MethodGet)
	r.HandleFunc("/compliance/summary", s.handleComplianceSummary).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	if cfg.Pprof {
		p := r.PathPrefix("/debug/pprof").Subrouter()
		p.HandleFunc("/cmdline", hpprof.Cmdline)
		p.HandleFunc("/profile", hpprof.Profile)
		p.HandleFunc("/symbol", hpprof.Symbol)
		p.HandleFunc("/trace", hpprof.Trace)
		p.PathPrefix("/").HandlerFunc(hpprof.Index)
	}
	return r
}

func authMiddleware(token string) mux.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				got = r.URL.Query().Get("token")
			}
			if strings.TrimSpace(got) != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				respondError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, report.ErrNotFound), errors.Is(err, report.ErrTemplateMissing):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrBusy), errors.Is(err, report.ErrComplianceFailure):
		return http.StatusConflict
	case errors.Is(err, report.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, report.ErrInputUnavailable), errors.Is(err, report.ErrRender), errors.Is(err, report.ErrDelivery):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func unavailable(w http.ResponseWriter, what string) {
	respondError(w, http.StatusServiceUnavailable, errors.New(what+" not configured"))
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	Scheduler *scheduler.Status      `json:"scheduler,omitempty"`
	Storage   string                 `json:"storage"`
	Channels  []string               `json:"channels,omitempty"`
	Delivery  []delivery.HistoryItem `json:"recent_deliveries,omitempty"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := statusResponse{Storage: "disabled"}
	if s.deps.Scheduler != nil {
		st := s.deps.Scheduler.Status()
		out.Scheduler = &st
	}
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := s.deps.Store.Ping(ctx); err != nil {
			out.Storage = "error: " + err.Error()
		} else {
			out.Storage = "ok"
		}
		cancel()
	}
	if s.deps.Delivery != nil {
		out.Channels = s.deps.Delivery.Channels()
		hist := s.deps.Delivery.Snapshot()
		if len(hist) > 20 {
			hist = hist[len(hist)-20:]
		}
		out.Delivery = hist
	}
	respondJSON(w, http.StatusOK, out)
}

type resultResponse struct {
	Created     bool         `json:"created"`
	Version     *versionView `json:"version,omitempty"`
	InputError  string       `json:"input_error,omitempty"`
	Artifact    string       `json:"artifact,omitempty"`
	RenderError string       `json:"render_error,omitempty"`
	Delivery    string       `json:"delivery_error,omitempty"`
}

func newResult(res pipeline.Result) resultResponse {
	out := resultResponse{Created: res.Created}
	if res.Version.ID != "" {
		v := newVersionView(res.Version, false)
		out.Version = &v
	}
	if res.InputErr != nil {
		out.InputError = res.InputErr.Error()
	}
	if res.Artifact != nil {
		out.Artifact = res.Artifact.Path
	}
	if res.RenderErr != nil {
		out.RenderError = res.RenderErr.Error()
	}
	if res.DeliveryErr != nil {
		out.Delivery = res.DeliveryErr.Error()
	}
	return out
}

func (s *Service) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		unavailable(w, "scheduler")
		return
	}
	id := mux.Vars(r)["id"]
	q := r.URL.Query()
	force, _ := strconv.ParseBool(q.Get("force"))
	opts := scheduler.TriggerOptions{
		Force:  force,
		Reason: q.Get("reason"),
		Actor:  q.Get("actor"),
	}
	if ct := q.Get("change_type"); ct != "" {
		opts.ChangeType = report.ChangeType(ct)
	}
	if opts.Actor == "" {
		opts.Actor = "ops"
	}

	res, err := s.deps.Scheduler.TriggerNow(r.Context(), id, opts)
	if err != nil {
		s.log.Warn("manual trigger failed", logx.String("schedule", id), logx.Err(err))
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, newResult(res))
}

type redeliverRequest struct {
	Recipients []string `json:"recipients"`
}

func (s *Service) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		unavailable(w, "pipeline")
		return
	}
	var req redeliverRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	id := mux.Vars(r)["id"]
	res, err := s.deps.Pipeline.Redeliver(r.Context(), id, req.Recipients)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusAccepted, newResult(res))
}

func (s *Service) handleVersions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		unavailable(w, "storage")
		return
	}
	limit := queryInt(r, "limit", 20)
	withContent, _ := strconv.ParseBool(r.URL.Query().Get("content"))
	vs, err := s.deps.Store.ListVersions(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	out := make([]versionView, 0, len(vs))
	for _, v := range vs {
		out = append(out, newVersionView(v, withContent))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Service) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		unavailable(w, "storage")
		return
	}
	es, err := s.deps.Store.ListAudit(r.Context(), mux.Vars(r)["id"], queryInt(r, "limit", 50))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	out := make([]auditView, 0, len(es))
	for _, e := range es {
		out = append(out, auditView{At: e.At, Event: e.Event, VersionID: e.VersionID, Detail: e.Detail})
	}
	respondJSON(w, http.StatusOK, out)
}

// handleComplianceSummary answers ?from=&to= (RFC3339 or YYYY-MM-DD),
// defaulting to the last 30 days.
func (s *Service) handleComplianceSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		unavailable(w, "storage")
		return
	}
	q := r.URL.Query()
	from, to, err := report.ParseSummaryRange(q.Get("from"), q.Get("to"), time.Now().UTC())
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	sum, err := s.deps.Store.ComplianceSummary(r.Context(), from, to)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, newSummaryView(sum))
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return min(v, 500)
}

type versionView struct {
	ID               string              `json:"id"`
	ReportID         string              `json:"report_id"`
	ScheduleID       string              `json:"schedule_id,omitempty"`
	Version          int                 `json:"version"`
	TemplateVersion  int                 `json:"template_version"`
	Format           report.Format       `json:"format"`
	ContentHash      string              `json:"content_hash"`
	ChangeType       report.ChangeType   `json:"change_type"`
	ChangeReason     string              `json:"change_reason,omitempty"`
	Diff             *report.SectionDiff `json:"diff,omitempty"`
	Confidence       *float64            `json:"confidence,omitempty"`
	DataSources      []string            `json:"data_sources,omitempty"`
	ComplianceStatus string              `json:"compliance_status"`
	Issues           int                 `json:"compliance_issues"`
	CreatedBy        string              `json:"created_by"`
	CreatedAt        time.Time           `json:"created_at"`
	Content          json.RawMessage     `json:"content,omitempty"`
}

func newVersionView(v report.Version, withContent bool) versionView {
	out := versionView{
		ID:               v.ID,
		ReportID:         v.ReportID,
		ScheduleID:       v.ScheduleID,
		Version:          v.Version,
		TemplateVersion:  v.TemplateVersion,
		Format:           v.Format,
		ContentHash:      v.ContentHash,
		ChangeType:       v.ChangeType,
		ChangeReason:     v.ChangeReason,
		Diff:             v.Diff,
		Confidence:       v.Confidence,
		DataSources:      v.DataSources,
		ComplianceStatus: string(v.ComplianceStatus),
		Issues:           len(v.ComplianceIssues),
		CreatedBy:        v.CreatedBy,
		CreatedAt:        v.CreatedAt,
	}
	if withContent {
		out.Content = v.Content
	}
	return out
}

type auditView struct {
	At        time.Time `json:"at"`
	Event     string    `json:"event"`
	VersionID string    `json:"version_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

type summaryView struct {
	From         time.Time                       `json:"from"`
	To           time.Time                       `json:"to"`
	Versions     int                             `json:"versions"`
	Events       map[string]int                  `json:"events"`
	Statuses     map[report.ComplianceStatus]int `json:"compliance_status"`
	Sensitivity  map[report.Sensitivity]int      `json:"data_sensitivity"`
	NonCompliant []nonCompliantView              `json:"non_compliant"`
}

type nonCompliantView struct {
	ID        string                  `json:"id"`
	ReportID  string                  `json:"report_id"`
	Version   int                     `json:"version"`
	Status    report.ComplianceStatus `json:"compliance_status"`
	Issues    int                     `json:"compliance_issues"`
	CreatedAt time.Time               `json:"created_at"`
}

func newSummaryView(sum report.ComplianceSummary) summaryView {
	out := summaryView{
		From:         sum.From,
		To:           sum.To,
		Versions:     sum.Versions,
		Events:       sum.Events,
		Statuses:     sum.Statuses,
		Sensitivity:  sum.Sensitivity,
		NonCompliant: make([]nonCompliantView, 0, len(sum.NonCompliant)),
	}
	for _, v := range sum.NonCompliant {
		out.NonCompliant = append(out.NonCompliant, nonCompliantView{
			ID: v.ID, ReportID: v.ReportID, Version: v.Version, Status: v.Status, Issues: v.Issues, CreatedAt: v.CreatedAt,
		})
	}
	return out
}
