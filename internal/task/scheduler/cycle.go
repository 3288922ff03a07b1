package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"reportd/internal/cadence"
	"reportd/internal/eventbus"
	"reportd/internal/observability/metrics"
	"reportd/internal/pipeline"
	"reportd/internal/report"
	"reportd/pkg/logx"
)

// Cycle outcomes, used as metric labels and in cycle events.
const (
	outcomeCompleted   = "completed"
	outcomeUnchanged   = "unchanged"
	outcomeInputFinal  = "input_final"
	outcomeRetry       = "retry"
	outcomeReview      = "needs_review"
	outcomeConfigError = "config_error"
	outcomeStorage     = "storage_error"
	outcomeCancelled   = "cancelled"
	outcomeClaimLost   = "claim_lost"
	outcomeExpired     = "claim_expired"
)

// finalAttempt reports whether a failure of the coming run would exhaust the
// retry budget or push the retry onto or past the next natural tick.
func finalAttempt(cfg Config, sc report.Schedule, ranAt, natural time.Time) bool {
	n := sc.ConsecutiveFailures + 1
	if n >= cfg.RetryMax {
		return true
	}
	return !ranAt.Add(cfg.Backoff(n)).Before(natural)
}

// runCycle generates one version for a claimed entry. Generation is cut
// off ahead of the claim expiry, however long the task waited in the queue;
// a task that starts past the cutoff gives its claim back untouched.
func (s *Service) runCycle(ctx context.Context, sc report.Schedule, claim report.Claim) {
	cfg := s.config()
	ranAt := s.now()
	cutoff := cfg.cutoff(claim)
	if !ranAt.Before(cutoff) {
		s.skipExpired(sc, claim, ranAt)
		return
	}
	natural, nerr := cadence.Next(sc.Cadence, ranAt)

	var (
		res pipeline.Result
		err error
	)
	if nerr != nil {
		err = nerr
	} else {
		rctx, cancel := context.WithTimeout(ctx, cutoff.Sub(ranAt))
		res, err = s.generate(rctx, sc.ID, pipeline.Request{
			Schedule:     &sc,
			FinalAttempt: finalAttempt(cfg, sc, ranAt, natural),
		})
		cancel()
	}
	s.finish(ctx, cfg, sc, claim, ranAt, natural, res, err)
}

// generate turns a generator panic into an ordinary failure so the cycle
// still records its outcome and drops the claim.
func (s *Service) generate(ctx context.Context, scheduleID string, req pipeline.Request) (res pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("generation panic",
				logx.String("schedule", scheduleID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			res, err = pipeline.Result{}, fmt.Errorf("generation panicked: %v", r)
		}
	}()
	return s.gen.Generate(ctx, req)
}

func (s *Service) skipExpired(sc report.Schedule, claim report.Claim, ranAt time.Time) {
	s.log.Warn("claim expired while queued, cycle skipped",
		logx.String("schedule", sc.ID),
		logx.Time("expires_at", claim.ExpiresAt),
		logx.Time("started_at", ranAt),
	)
	s.release(claim, errClaimExpired)
	metrics.CyclesTotal.WithLabelValues(outcomeExpired).Inc()
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleSkipped, Data: eventbus.CycleEvent{
		ScheduleID: sc.ID, Outcome: outcomeExpired, Failures: sc.ConsecutiveFailures,
	}})
}

func (s *Service) finish(ctx context.Context, cfg Config, sc report.Schedule, claim report.Claim, ranAt, natural time.Time, res pipeline.Result, runErr error) {
	log := s.log.With(logx.String("schedule", sc.ID))

	// Shutdown cancels the task context; an expired deadline is a failure.
	if runErr != nil && errors.Is(ctx.Err(), context.Canceled) && !errors.Is(runErr, report.ErrConfiguration) {
		metrics.CyclesTotal.WithLabelValues(outcomeCancelled).Inc()
		log.Info("cycle cancelled, releasing claim", logx.Err(runErr))
		s.release(claim, ctx.Err())
		return
	}
	// The run context may be spent; recording the outcome gets its own.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	failures := sc.ConsecutiveFailures + 1
	ev := eventbus.CycleEvent{ScheduleID: sc.ID, VersionID: res.Version.ID, Version: res.Version.Version}
	var (
		outcome string
		markErr error
	)

	switch {
	case runErr == nil && res.InputErr == nil:
		outcome = outcomeCompleted
		if !res.Created {
			outcome = outcomeUnchanged
		}
		markErr = s.store.MarkCompleted(wctx, claim, ranAt, natural)
		failures = 0

	case runErr == nil:
		// Inputs stayed unavailable on the final attempt; a failed version
		// was recorded and the entry waits for its next tick.
		outcome = outcomeInputFinal
		f := report.Failure{RanAt: ranAt, RetryAt: natural, Failures: failures, Error: res.InputErr.Error()}
		if failures >= cfg.RetryMax {
			f.NeedsReview, f.Failures = true, 0
		}
		markErr = s.store.MarkFailed(wctx, claim, f)
		ev.Err = f.Error
		if f.NeedsReview {
			s.flagReview(wctx, log, sc, failures, f.Error)
		}

	case errors.Is(runErr, report.ErrStorage):
		outcome = outcomeStorage
		ev.Err = runErr.Error()
		s.storageFailed(runErr)
		s.release(claim, runErr)

	case errors.Is(runErr, report.ErrConfiguration), errors.Is(runErr, report.ErrTemplateMissing):
		outcome = outcomeConfigError
		f := report.Failure{
			RanAt:       ranAt,
			RetryAt:     ranAt.Add(cfg.ConfigErrorBackoff),
			Failures:    failures,
			NeedsReview: true,
			Error:       runErr.Error(),
		}
		markErr = s.store.MarkFailed(wctx, claim, f)
		ev.Err = f.Error
		s.flagReview(wctx, log, sc, failures, f.Error)

	default:
		f := report.Failure{RanAt: ranAt, Failures: failures, Error: runErr.Error()}
		if failures >= cfg.RetryMax {
			outcome = outcomeReview
			f.NeedsReview, f.Failures, f.RetryAt = true, 0, natural
		} else {
			outcome = outcomeRetry
			f.RetryAt = ranAt.Add(cfg.Backoff(failures))
		}
		markErr = s.store.MarkFailed(wctx, claim, f)
		ev.Err = f.Error
		if f.NeedsReview {
			s.flagReview(wctx, log, sc, failures, f.Error)
		} else {
			log.Warn("cycle failed, retry scheduled",
				logx.Int("failures", failures),
				logx.Time("retry_at", f.RetryAt),
				logx.String("kind", report.Kind(runErr)),
				logx.Err(runErr),
			)
		}
	}

	if markErr != nil {
		if errors.Is(markErr, report.ErrClaimLost) {
			log.Warn("claim lost before outcome was recorded", logx.String("outcome", outcome))
			outcome = outcomeClaimLost
		} else {
			s.storageFailed(markErr)
			s.release(claim, markErr)
			outcome = outcomeStorage
		}
		ev.Err = markErr.Error()
	} else if outcome != outcomeStorage {
		s.storageOK()
	}

	ev.Outcome = outcome
	ev.Failures = failures
	metrics.CyclesTotal.WithLabelValues(outcome).Inc()

	event := report.AuditFailed
	typ := eventbus.TypeCycleFailed
	if outcome == outcomeCompleted || outcome == outcomeUnchanged {
		event = report.AuditCompleted
		typ = eventbus.TypeCycleCompleted
		log.Info("cycle completed",
			logx.String("outcome", outcome),
			logx.Int("version", res.Version.Version),
			logx.Time("next_run_at", natural),
		)
	}
	s.audit(wctx, report.AuditEntry{
		ScheduleID: sc.ID,
		ReportID:   sc.ReportID(),
		VersionID:  res.Version.ID,
		Event:      event,
		Detail:     detail(outcome, ev.Err),
	})
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (s *Service) flagReview(ctx context.Context, log logx.Logger, sc report.Schedule, failures int, cause string) {
	log.Warn("schedule needs review", logx.Int("failures", failures), logx.String("cause", cause))
	s.audit(ctx, report.AuditEntry{ScheduleID: sc.ID, ReportID: sc.ReportID(), Event: report.AuditReview, Detail: cause})
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeNeedsReview, Data: eventbus.CycleEvent{
		ScheduleID: sc.ID, Outcome: outcomeReview, Err: cause, Failures: failures,
	}})
}

func detail(outcome, err string) string {
	if err == "" {
		return outcome
	}
	return outcome + ": " + err
}

// TriggerNow runs a schedule immediately and synchronously. The cadence is
// not moved and the claim is released afterwards; unchanged content writes
// nothing unless opts.Force is set.
func (s *Service) TriggerNow(ctx context.Context, scheduleID string, opts TriggerOptions) (pipeline.Result, error) {
	cfg := s.config()
	sc, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return pipeline.Result{}, err
	}
	if !sc.Active {
		return pipeline.Result{}, fmt.Errorf("%w: schedule %s is inactive", report.ErrConfiguration, scheduleID)
	}
	claim, ok, err := s.store.MarkRunning(ctx, scheduleID, s.owner, s.now(), cfg.ClaimTimeout)
	if err != nil {
		return pipeline.Result{}, err
	}
	if !ok {
		return pipeline.Result{}, ErrBusy
	}
	defer s.release(claim, nil)

	actor := opts.Actor
	if actor == "" {
		actor = "manual"
	}
	s.audit(ctx, report.AuditEntry{ScheduleID: sc.ID, ReportID: sc.ReportID(), Event: report.AuditClaimed, Detail: "manual trigger by " + actor})

	rctx, cancel := context.WithTimeout(ctx, cfg.cutoff(claim).Sub(s.now()))
	defer cancel()
	res, err := s.generate(rctx, sc.ID, pipeline.Request{
		Schedule:     &sc,
		ChangeType:   opts.ChangeType,
		ChangeReason: opts.Reason,
		Actor:        actor,
		Force:        opts.Force,
		FinalAttempt: true,
	})
	outcome := outcomeCompleted
	switch {
	case err != nil:
		outcome = report.Kind(err)
	case res.InputErr != nil:
		outcome = outcomeInputFinal
	case !res.Created:
		outcome = outcomeUnchanged
	}
	s.log.Info("manual trigger",
		logx.String("schedule", sc.ID),
		logx.String("actor", actor),
		logx.Bool("force", opts.Force),
		logx.String("outcome", outcome),
		logx.Int("version", res.Version.Version),
	)
	return res, err
}
