package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"reportd/internal/compliance"
	"reportd/internal/eventbus"
	"reportd/internal/observability/metrics"
	"reportd/internal/report"
	"reportd/internal/storage"
	"reportd/internal/task/engine"
	"reportd/pkg/logx"
)

// Store is the slice of storage the pipeline needs.
type Store interface {
	GetTemplate(ctx context.Context, id string) (report.Template, error)
	GetSchedule(ctx context.Context, id string) (report.Schedule, error)
	AppendVersion(ctx context.Context, v report.Version, opts storage.AppendOptions) (report.Version, bool, error)
	LatestVersion(ctx context.Context, reportID string) (report.Version, bool, error)
	GetVersion(ctx context.Context, id string) (report.Version, error)
	AppendAudit(ctx context.Context, e report.AuditEntry) error
}

type Deps struct {
	Store   Store
	Sources []DataSource
	// Compliance overrides the default rule set built from Config.BannedTerms.
	Compliance *compliance.Evaluator
	Renderer   Renderer
	Deliverer  Deliverer
	Bus        eventbus.Bus
	Log        logx.Logger
	Now        func() time.Time
}

type Pipeline struct {
	log   logx.Logger
	bus   eventbus.Bus
	store Store
	now   func() time.Time

	renderer  Renderer
	deliverer Deliverer

	mu         sync.RWMutex
	cfg        Config
	sources    map[string]DataSource
	eval       *compliance.Evaluator
	customEval bool

	locks keyedMutex
}

func New(cfg Config, d Deps) *Pipeline {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := d.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	p := &Pipeline{
		log:       log.With(logx.String("comp", "pipeline")),
		bus:       bus,
		store:     d.Store,
		now:       now,
		renderer:  d.Renderer,
		deliverer: d.Deliverer,
		sources:   map[string]DataSource{},
	}
	for _, s := range d.Sources {
		p.sources[s.Name()] = s
	}
	if d.Compliance != nil {
		p.eval = d.Compliance
		p.customEval = true
	}
	p.Apply(cfg)
	return p
}

// Apply swaps retry settings and, unless a custom evaluator was injected,
// rebuilds the rule set from the banned-term list.
func (p *Pipeline) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	p.cfg = cfg
	if !p.customEval {
		p.eval = compliance.Default(cfg.BannedTerms)
	}
	p.mu.Unlock()
}

func (p *Pipeline) settings() (Config, *compliance.Evaluator) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg, p.eval
}

// job is a Request resolved against its schedule and template.
type job struct {
	req        Request
	reportID   string
	scheduleID string
	tpl        report.Template
	format     report.Format
	recipients []string
	params     map[string]any
	changeType report.ChangeType
	actor      string
}

// Generate runs one generation. Only storage failures, configuration errors
// and non-final input failures are returned as errors; everything else is a
// recorded outcome on the returned version.
func (p *Pipeline) Generate(ctx context.Context, req Request) (Result, error) {
	metrics.GenerationsInFlight.Inc()
	defer metrics.GenerationsInFlight.Dec()

	j, err := p.prepare(ctx, req)
	if err != nil {
		return Result{}, err
	}

	data, confidence, sources, err := p.gather(ctx, j)
	if err != nil {
		if !errors.Is(err, report.ErrInputUnavailable) || !req.FinalAttempt || ctx.Err() != nil {
			return Result{}, err
		}
		return p.recordInputFailure(ctx, j, err)
	}

	content, hash, err := encode(buildDocument(j.reportID, j.tpl, data))
	if err != nil {
		return Result{}, err
	}

	unlock := p.locks.lock(j.reportID)
	latest, hasLatest, err := p.store.LatestVersion(ctx, j.reportID)
	if err != nil {
		unlock()
		return Result{}, err
	}
	if hasLatest && latest.ContentHash == hash && !req.Force {
		unlock()
		p.skipped(ctx, j, latest)
		return Result{Version: latest}, nil
	}

	v := report.Version{
		ReportID:        j.reportID,
		ScheduleID:      j.scheduleID,
		TemplateID:      j.tpl.ID,
		TemplateVersion: j.tpl.Version,
		Format:          j.format,
		Content:         content,
		ContentHash:     hash,
		ChangeType:      j.changeType,
		ChangeReason:    req.ChangeReason,
		Confidence:      confidence,
		DataSources:     sources,
		CreatedBy:       j.actor,
		CreatedAt:       p.now(),
	}
	if !hasLatest {
		v.ChangeType = report.ChangeInitial
	} else {
		v.Diff = diffSections(latest.Content, content)
	}

	p.bus.Publish(eventbus.Event{Type: eventbus.TypeCompliancePending, Data: eventbus.VersionEvent{
		ReportID: j.reportID, ScheduleID: j.scheduleID, Status: string(report.CompliancePending),
	}})
	_, eval := p.settings()
	res := eval.Evaluate(ctx, compliance.Input{
		Template:     j.tpl,
		ReportID:     j.reportID,
		Sections:     sectionValues(content),
		ChangeType:   v.ChangeType,
		ChangeReason: v.ChangeReason,
	})
	v.ComplianceStatus = res.Status
	v.ComplianceIssues = res.Issues

	out, created, err := p.store.AppendVersion(ctx, v, storage.AppendOptions{
		SkipIfUnchanged: !req.Force,
		BaseVersion:     latest.Version,
		Rediff:          func(prev json.RawMessage) *report.SectionDiff { return diffSections(prev, content) },
	})
	unlock()
	if err != nil {
		return Result{}, err
	}
	if !created {
		// Another process wrote the same content first.
		p.skipped(ctx, j, out)
		return Result{Version: out}, nil
	}
	p.created(ctx, j, out)

	result := Result{Version: out, Created: true}
	if out.ComplianceStatus.Deliverable() || j.tpl.DeliverNonCompliant {
		p.deliver(ctx, j.tpl, out, j.recipients, false, &result)
	} else {
		p.log.Info("delivery withheld",
			logx.String("report", j.reportID),
			logx.Int("version", out.Version),
			logx.String("status", string(out.ComplianceStatus)),
			logx.Int("issues", len(out.ComplianceIssues)),
		)
	}
	return result, nil
}

func (p *Pipeline) prepare(ctx context.Context, req Request) (job, error) {
	j := job{req: req, actor: req.Actor}
	templateID := req.TemplateID
	rawParams := req.Params
	if s := req.Schedule; s != nil {
		j.reportID = s.ReportID()
		j.scheduleID = s.ID
		templateID = s.TemplateID
		if len(rawParams) == 0 {
			rawParams = s.Params
		}
		j.recipients = s.Recipients
		j.format = s.Format
	} else {
		if templateID == "" {
			return job{}, fmt.Errorf("%w: ad-hoc request without template", report.ErrConfiguration)
		}
		j.reportID = req.ReportID
		if j.reportID == "" {
			j.reportID = templateID
		}
	}
	if len(req.Recipients) > 0 {
		j.recipients = req.Recipients
	}
	if req.Format != "" {
		j.format = req.Format
	}

	tpl, err := p.store.GetTemplate(ctx, templateID)
	if errors.Is(err, report.ErrNotFound) {
		return job{}, fmt.Errorf("%w: %s", report.ErrTemplateMissing, templateID)
	}
	if err != nil {
		return job{}, err
	}
	if !tpl.Active {
		return job{}, fmt.Errorf("%w: %s is inactive", report.ErrTemplateMissing, templateID)
	}
	j.tpl = tpl

	if j.format == "" {
		j.format = tpl.DefaultFormat
	}
	if j.format == "" {
		j.format = report.FormatPDF
	}
	if !j.format.Valid() {
		return job{}, fmt.Errorf("%w: unknown format %q", report.ErrConfiguration, j.format)
	}
	if len(j.recipients) == 0 {
		j.recipients = tpl.DefaultRecipients
	}

	j.params = map[string]any{}
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &j.params); err != nil {
			return job{}, fmt.Errorf("%w: params: %v", report.ErrConfiguration, err)
		}
	}

	j.changeType = req.ChangeType
	if j.changeType == "" {
		j.changeType = report.ChangeRegenerated
	}
	if !j.changeType.Valid() {
		return job{}, fmt.Errorf("%w: unknown change type %q", report.ErrConfiguration, j.changeType)
	}
	if j.actor == "" {
		cfg, _ := p.settings()
		j.actor = cfg.DefaultActor
	}
	return j, nil
}

// gather fetches every distinct source concurrently. The returned source
// names are sorted; confidence is the minimum any source reported.
func (p *Pipeline) gather(ctx context.Context, j job) (map[string]any, *float64, []string, error) {
	data := map[string]any{}
	groups := map[string][]report.Section{}
	for _, sec := range j.tpl.Sections {
		if sec.Source == "" || sec.Source == ParamsSource {
			data[sec.Key] = j.params[sec.Key]
			continue
		}
		groups[sec.Source] = append(groups[sec.Source], sec)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		if _, ok := p.sources[name]; !ok {
			return nil, nil, nil, fmt.Errorf("%w: template %s uses unknown data source %q", report.ErrConfiguration, j.tpl.ID, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu         sync.Mutex
		confidence *float64
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		src := p.sources[name]
		secs := groups[name]
		g.Go(func() error {
			d, err := p.fetch(gctx, src, FetchRequest{
				ReportID: j.reportID,
				Template: j.tpl,
				Sections: secs,
				Params:   j.params,
			})
			if err != nil {
				if errors.Is(err, report.ErrConfiguration) {
					return err
				}
				return fmt.Errorf("%w: source %s: %w", report.ErrInputUnavailable, src.Name(), err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, sec := range secs {
				data[sec.Key] = d.Sections[sec.Key]
			}
			if c := d.Confidence; c != nil && (confidence == nil || *c < *confidence) {
				v := *c
				confidence = &v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return data, confidence, names, nil
}

func (p *Pipeline) fetch(ctx context.Context, src DataSource, req FetchRequest) (Data, error) {
	cfg, _ := p.settings()
	opt := engine.TaskOptions{RetryBase: cfg.InputRetryBase, RetryMaxDelay: cfg.InputRetryMaxDelay}

	var lastErr error
	for attempt := 0; attempt <= cfg.InputRetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(engine.Backoff(opt, attempt, lastErr))
			select {
			case <-ctx.Done():
				t.Stop()
				return Data{}, errors.Join(lastErr, ctx.Err())
			case <-t.C:
			}
		}
		fctx, cancel := context.WithTimeout(ctx, cfg.InputTimeout)
		d, err := src.Fetch(fctx, req)
		cancel()
		if err == nil {
			metrics.InputFetches.WithLabelValues(src.Name(), "ok").Inc()
			return d, nil
		}
		metrics.InputFetches.WithLabelValues(src.Name(), "error").Inc()
		lastErr = err
		p.log.Debug("input fetch failed",
			logx.String("source", src.Name()),
			logx.String("report", req.ReportID),
			logx.Int("attempt", attempt+1),
			logx.Err(err),
		)
		if engine.IsNoRetry(err) || ctx.Err() != nil {
			break
		}
	}
	return Data{}, lastErr
}

// recordInputFailure writes a failed version describing why inputs were
// missing. It is never skipped: each final failure is part of the history.
func (p *Pipeline) recordInputFailure(ctx context.Context, j job, cause error) (Result, error) {
	doc := buildDocument(j.reportID, j.tpl, nil)
	doc.Sections = []sectionContent{}
	doc.Error = cause.Error()
	for _, sec := range j.tpl.Sections {
		if sec.Source != "" && sec.Source != ParamsSource {
			doc.FailedSources = append(doc.FailedSources, sec.Source)
		}
	}
	doc.FailedSources = uniqueSorted(doc.FailedSources)
	content, hash, err := encode(doc)
	if err != nil {
		return Result{}, err
	}

	unlock := p.locks.lock(j.reportID)
	defer unlock()
	latest, hasLatest, err := p.store.LatestVersion(ctx, j.reportID)
	if err != nil {
		return Result{}, err
	}
	v := report.Version{
		ReportID:         j.reportID,
		ScheduleID:       j.scheduleID,
		TemplateID:       j.tpl.ID,
		TemplateVersion:  j.tpl.Version,
		Format:           j.format,
		Content:          content,
		ContentHash:      hash,
		ChangeType:       j.changeType,
		ChangeReason:     j.req.ChangeReason,
		DataSources:      doc.FailedSources,
		ComplianceStatus: report.ComplianceFailed,
		ComplianceIssues: []report.Issue{{
			Rule:     "inputs",
			Severity: report.SeverityHigh,
			Message:  cause.Error(),
		}},
		CreatedBy: j.actor,
		CreatedAt: p.now(),
	}
	if !hasLatest {
		v.ChangeType = report.ChangeInitial
	} else {
		v.Diff = diffSections(latest.Content, content)
	}
	out, _, err := p.store.AppendVersion(ctx, v, storage.AppendOptions{
		BaseVersion: latest.Version,
		Rediff:      func(prev json.RawMessage) *report.SectionDiff { return diffSections(prev, content) },
	})
	if err != nil {
		return Result{}, err
	}
	p.created(ctx, j, out)
	return Result{Version: out, Created: true, InputErr: cause}, nil
}

func (p *Pipeline) created(ctx context.Context, j job, v report.Version) {
	metrics.VersionsTotal.WithLabelValues(string(v.ComplianceStatus)).Inc()
	p.audit(ctx, report.AuditEntry{
		ScheduleID: j.scheduleID,
		ReportID:   v.ReportID,
		VersionID:  v.ID,
		Event:      report.AuditVersion,
		Detail:     fmt.Sprintf("v%d %s %s", v.Version, v.ChangeType, v.ComplianceStatus),
	})
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeVersionCreated, Data: eventbus.VersionEvent{
		ReportID:   v.ReportID,
		ScheduleID: j.scheduleID,
		VersionID:  v.ID,
		Version:    v.Version,
		Status:     string(v.ComplianceStatus),
	}})
	p.log.Info("version created",
		logx.String("report", v.ReportID),
		logx.Int("version", v.Version),
		logx.String("change", string(v.ChangeType)),
		logx.String("status", string(v.ComplianceStatus)),
	)
}

func (p *Pipeline) skipped(ctx context.Context, j job, latest report.Version) {
	metrics.VersionsSkipped.Inc()
	p.audit(ctx, report.AuditEntry{
		ScheduleID: j.scheduleID,
		ReportID:   latest.ReportID,
		VersionID:  latest.ID,
		Event:      report.AuditSkipped,
		Detail:     "content unchanged",
	})
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeVersionSkipped, Data: eventbus.VersionEvent{
		ReportID:   latest.ReportID,
		ScheduleID: j.scheduleID,
		VersionID:  latest.ID,
		Version:    latest.Version,
		Status:     string(latest.ComplianceStatus),
	}})
	p.log.Debug("content unchanged", logx.String("report", latest.ReportID), logx.Int("version", latest.Version))
}

// deliver renders v and hands the artifact to delivery, recording the
// outcome on res. Failures are logged and audited; the version stays as
// written.
func (p *Pipeline) deliver(ctx context.Context, tpl report.Template, v report.Version, recipients []string, redeliver bool, res *Result) {
	if p.renderer == nil {
		return
	}
	art, err := p.renderer.Render(ctx, report.RenderRequest{
		VersionID: v.ID,
		ReportID:  v.ReportID,
		Version:   v.Version,
		Format:    v.Format,
		Content:   v.Content,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", report.ErrRender, err)
		p.log.Warn("render failed", logx.String("version", v.ID), logx.Err(err))
		p.audit(ctx, report.AuditEntry{ScheduleID: v.ScheduleID, ReportID: v.ReportID, VersionID: v.ID, Event: report.AuditRenderFailed, Detail: err.Error()})
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeRenderFailed, Data: eventbus.DeliveryEvent{VersionID: v.ID, Err: err.Error()}})
		res.RenderErr = err
		return
	}
	res.Artifact = &art
	if len(recipients) == 0 || p.deliverer == nil {
		return
	}

	name := tpl.Name
	if name == "" {
		name = v.ReportID
	}
	err = p.deliverer.Deliver(ctx, report.Delivery{
		Artifact:   art,
		Recipients: recipients,
		VersionID:  v.ID,
		ReportID:   v.ReportID,
		Version:    v.Version,
		Subject:    fmt.Sprintf("%s (v%d)", name, v.Version),
		Redelivery: redeliver,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", report.ErrDelivery, err)
		p.log.Warn("delivery failed", logx.String("version", v.ID), logx.Err(err))
		p.audit(ctx, report.AuditEntry{ScheduleID: v.ScheduleID, ReportID: v.ReportID, VersionID: v.ID, Event: report.AuditDeliverFail, Detail: err.Error()})
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Data: eventbus.DeliveryEvent{VersionID: v.ID, Err: err.Error()}})
		res.DeliveryErr = err
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryQueued, Data: eventbus.DeliveryEvent{VersionID: v.ID}})
}

// Redeliver renders and delivers a stored version again. Recipients default
// to the owning schedule's, then the template's.
func (p *Pipeline) Redeliver(ctx context.Context, versionID string, recipients []string) (Result, error) {
	v, err := p.store.GetVersion(ctx, versionID)
	if err != nil {
		return Result{}, err
	}
	tpl, err := p.store.GetTemplate(ctx, v.TemplateID)
	if err != nil && !errors.Is(err, report.ErrNotFound) {
		return Result{}, err
	}
	if !v.ComplianceStatus.Deliverable() && !tpl.DeliverNonCompliant {
		return Result{Version: v}, fmt.Errorf("%w: version %s is %s", report.ErrComplianceFailure, v.ID, v.ComplianceStatus)
	}
	if len(recipients) == 0 && v.ScheduleID != "" {
		s, err := p.store.GetSchedule(ctx, v.ScheduleID)
		switch {
		case err == nil:
			recipients = s.Recipients
		case !errors.Is(err, report.ErrNotFound):
			return Result{}, err
		}
	}
	if len(recipients) == 0 {
		recipients = tpl.DefaultRecipients
	}
	if p.renderer == nil {
		return Result{Version: v}, fmt.Errorf("%w: no renderer configured", report.ErrRender)
	}

	res := Result{Version: v}
	p.deliver(ctx, tpl, v, recipients, true, &res)
	if res.RenderErr != nil {
		return res, res.RenderErr
	}
	return res, res.DeliveryErr
}

func (p *Pipeline) audit(ctx context.Context, e report.AuditEntry) {
	if e.At.IsZero() {
		e.At = p.now()
	}
	if err := p.store.AppendAudit(ctx, e); err != nil {
		p.log.Warn("audit write failed", logx.String("event", e.Event), logx.Err(err))
	}
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
