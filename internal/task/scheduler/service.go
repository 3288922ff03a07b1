package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"reportd/internal/eventbus"
	"reportd/internal/observability/metrics"
	"reportd/internal/report"
	"reportd/internal/task/engine"
	"reportd/pkg/logx"
)

const (
	// releaseTimeout bounds claim cleanup after the run context is gone.
	releaseTimeout  = 5 * time.Second
	auditPruneEvery = time.Hour
)

type Deps struct {
	Store     Store
	Generator Generator
	Engine    *engine.Service
	Bus       eventbus.Bus
	Log       logx.Logger
	Now       func() time.Time
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	bus    eventbus.Bus
	store  Store
	gen    Generator
	engine *engine.Service
	now    func() time.Time
	owner  string

	c         *cron.Cron
	pollEntry cron.EntryID
	runCtx    context.Context
	cancel    context.CancelFunc

	polling       atomic.Bool
	dispatched    atomic.Uint64
	storageStreak atomic.Int32
	lastPoll      atomic.Value // time.Time
	lastPollErr   atomic.Value // string
	lastPrune     atomic.Value // time.Time
}

func New(cfg Config, d Deps) *Service {
	cfg = cfg.withDefaults()
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
	owner := cfg.Owner
	if owner == "" {
		owner = defaultOwner()
	}
	return &Service{
		log:    log.With(logx.String("comp", "scheduler")),
		cfg:    cfg,
		bus:    bus,
		store:  d.Store,
		gen:    d.Generator,
		engine: d.Engine,
		now:    now,
		owner:  owner,
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Owner is the claim owner id of this process.
func (s *Service) Owner() string { return s.owner }

func (s *Service) Enabled() bool { return s.config().Enabled }

// Apply swaps the config; a changed poll interval re-registers the trigger.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if cfg.Owner == "" {
		cfg.Owner = s.owner
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c == nil || prev.PollInterval == cfg.PollInterval {
		return nil
	}
	sched, err := s.pollTrigger(cfg.PollInterval)
	if err != nil {
		s.cfg.PollInterval = prev.PollInterval
		return err
	}
	s.c.Remove(s.pollEntry)
	s.pollEntry = s.c.Schedule(sched, cron.FuncJob(s.pollJob))
	s.log.Info("poll interval changed", logx.String("from", prev.PollInterval), logx.String("to", cfg.PollInterval))
	return nil
}

func (s *Service) pollTrigger(raw string) (cron.Schedule, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: scheduler.poll_interval: %v", report.ErrConfiguration, err)
	}
	sched, err := ps.Schedule()
	if err != nil {
		return nil, fmt.Errorf("%w: scheduler.poll_interval: %v", report.ErrConfiguration, err)
	}
	return sched, nil
}

// Start registers the poll trigger and runs a first poll right away so
// claims left by a crashed process are swept on startup.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	sched, err := s.pollTrigger(s.cfg.PollInterval)
	if err != nil {
		return err
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithLocation(time.UTC))
	s.pollEntry = s.c.Schedule(sched, cron.FuncJob(s.pollJob))
	s.c.Start()
	go s.pollJob()

	s.log.Info("service started",
		logx.String("owner", s.owner),
		logx.String("poll", s.cfg.PollInterval),
		logx.Duration("claim_timeout", s.cfg.ClaimTimeout),
	)
	return nil
}

// Stop stops triggering and waits for a running poll. In-flight cycles
// belong to the engine; stopping it cancels them and releases their claims.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	s.log.Info("stop requested")
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

func (s *Service) pollJob() {
	if !s.polling.CompareAndSwap(false, true) {
		s.log.Debug("poll still running, tick skipped")
		return
	}
	defer s.polling.Store(false)

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.config().runTimeout())
	defer cancel()
	if _, err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("poll failed", logx.Err(err))
	}
}

// PollOnce sweeps stale claims, then claims and dispatches every due entry.
// It returns how many cycles were handed to the engine.
func (s *Service) PollOnce(ctx context.Context) (int, error) {
	cfg := s.config()
	start := time.Now()
	now := s.now()
	defer func() {
		metrics.PollDuration.Observe(time.Since(start).Seconds())
		s.lastPoll.Store(now)
	}()

	recovered, err := s.store.SweepClaims(ctx, now)
	if err != nil {
		s.storageFailed(err)
		s.lastPollErr.Store(err.Error())
		return 0, err
	}
	for _, id := range recovered {
		metrics.ClaimRecoveries.Inc()
		s.log.Warn("stale claim recovered", logx.String("schedule", id))
		s.audit(ctx, report.AuditEntry{ScheduleID: id, ReportID: id, Event: report.AuditRecovered, Detail: "claim expired"})
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeClaimRecovered, Data: eventbus.CycleEvent{ScheduleID: id, Outcome: "recovered"}})
	}

	due, err := s.store.ListDue(ctx, now, cfg.BatchSize)
	if err != nil {
		s.storageFailed(err)
		s.lastPollErr.Store(err.Error())
		return 0, err
	}
	s.storageOK()
	s.lastPollErr.Store("")

	n := 0
	for _, sc := range due {
		if ctx.Err() != nil {
			break
		}
		claim, ok, err := s.store.MarkRunning(ctx, sc.ID, s.owner, now, cfg.ClaimTimeout)
		if err != nil {
			s.storageFailed(err)
			continue
		}
		if !ok {
			s.log.Debug("claimed elsewhere", logx.String("schedule", sc.ID))
			continue
		}
		if claim.CadenceRev != sc.CadenceRev {
			// Edited between listing and claiming; run the current row.
			fresh, due, err := s.stillDue(ctx, sc.ID, now)
			if err != nil || !due {
				s.release(claim, err)
				continue
			}
			sc = fresh
		}
		if err := s.dispatch(cfg, sc, claim); err != nil {
			if errors.Is(err, engine.ErrQueueFull) || errors.Is(err, engine.ErrOverlapSkip) {
				s.log.Debug("dispatch deferred", logx.String("schedule", sc.ID), logx.Err(err))
			} else {
				s.log.Warn("dispatch failed", logx.String("schedule", sc.ID), logx.Err(err))
			}
			s.release(claim, err)
			continue
		}
		n++
	}
	s.dispatched.Add(uint64(n))

	s.pruneAudit(ctx, cfg, now)

	s.bus.Publish(eventbus.Event{Type: eventbus.TypePollCompleted, Data: n})
	if n > 0 || len(recovered) > 0 {
		s.log.Debug("poll done",
			logx.Int("due", len(due)),
			logx.Int("dispatched", n),
			logx.Int("recovered", len(recovered)),
			logx.Duration("took", time.Since(start)),
		)
	}
	return n, nil
}

// pruneAudit applies the audit retention. Failures are logged and retried
// on a later poll.
func (s *Service) pruneAudit(ctx context.Context, cfg Config, now time.Time) {
	if cfg.AuditRetention <= 0 {
		return
	}
	if last, ok := s.lastPrune.Load().(time.Time); ok && now.Sub(last) < auditPruneEvery {
		return
	}
	before := now.Add(-cfg.AuditRetention)
	n, err := s.store.PruneAudit(ctx, before)
	if err != nil {
		s.log.Warn("audit prune failed", logx.Err(err))
		return
	}
	s.lastPrune.Store(now)
	if n == 0 {
		return
	}
	metrics.AuditPruned.Add(float64(n))
	s.log.Info("audit entries pruned", logx.Int64("deleted", n), logx.Time("before", before))
	s.audit(ctx, report.AuditEntry{Event: report.AuditPurged, Detail: fmt.Sprintf("%d entries before %s", n, before.UTC().Format(time.RFC3339))})
}

func (s *Service) stillDue(ctx context.Context, id string, now time.Time) (report.Schedule, bool, error) {
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return report.Schedule{}, false, err
	}
	due := sc.Active && sc.NextRunAt != nil && !sc.NextRunAt.After(now)
	if !due {
		s.log.Debug("cadence edited before dispatch, no longer due", logx.String("schedule", id))
	}
	return sc, due, nil
}

func (s *Service) dispatch(cfg Config, sc report.Schedule, claim report.Claim) error {
	if s.engine == nil {
		return engine.ErrDisabled
	}
	return s.engine.Enqueue(engine.Task{
		ID:      claim.Token,
		Name:    "report.cycle",
		Key:     sc.ID,
		Timeout: cfg.ClaimTimeout,
		Run: func(ctx context.Context) error {
			s.runCycle(ctx, sc, claim)
			return nil
		},
		OnDrop: func(reason error) { s.release(claim, reason) },
		Opt:    engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
	})
}

// release drops a claim without moving the schedule, using a fresh context
// since the run context may already be cancelled.
func (s *Service) release(claim report.Claim, reason error) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := s.store.ReleaseClaim(ctx, claim); err != nil && !errors.Is(err, report.ErrClaimLost) {
		s.log.Warn("claim release failed", logx.String("schedule", claim.ScheduleID), logx.Err(err))
		return
	}
	detail := "released"
	if reason != nil {
		detail = reason.Error()
	}
	s.audit(ctx, report.AuditEntry{ScheduleID: claim.ScheduleID, ReportID: claim.ScheduleID, Event: report.AuditReleased, Detail: detail})
}

func (s *Service) storageFailed(err error) {
	streak := int(s.storageStreak.Add(1))
	metrics.StorageFailureStreak.Set(float64(streak))
	cfg := s.config()
	if streak >= cfg.StorageAlertAfter {
		s.log.Error("storage failing",
			logx.Int("streak", streak),
			logx.Bool("alert", true),
			logx.Err(err),
		)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeStorageAlert, Data: eventbus.CycleEvent{Outcome: "storage_error", Err: err.Error(), Failures: streak}})
		return
	}
	s.log.Warn("storage error", logx.Int("streak", streak), logx.Err(err))
}

func (s *Service) storageOK() {
	if s.storageStreak.Swap(0) != 0 {
		metrics.StorageFailureStreak.Set(0)
		s.log.Info("storage recovered")
	}
}

func (s *Service) audit(ctx context.Context, e report.AuditEntry) {
	if e.At.IsZero() {
		e.At = s.now()
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.log.Debug("audit write failed", logx.String("event", e.Event), logx.Err(err))
	}
}

// Status reports the daemon state for the ops endpoint.
func (s *Service) Status() Status {
	cfg := s.config()
	st := Status{
		Owner:         s.owner,
		PollInterval:  cfg.PollInterval,
		Dispatched:    s.dispatched.Load(),
		StorageStreak: int(s.storageStreak.Load()),
	}
	if t, ok := s.lastPoll.Load().(time.Time); ok {
		st.LastPoll = t
	}
	if e, ok := s.lastPollErr.Load().(string); ok {
		st.LastPollError = e
	}
	s.mu.Lock()
	if s.c != nil {
		st.Running = true
		st.NextPoll = s.c.Entry(s.pollEntry).Next
	}
	s.mu.Unlock()
	if !st.NextPoll.IsZero() {
		st.NextPollIn = max(time.Until(st.NextPoll), 0)
	}
	if s.engine != nil {
		st.Engine = s.engine.Snapshot()
	}
	return st
}
