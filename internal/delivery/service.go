package delivery

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reportd/internal/eventbus"
	"reportd/internal/observability/metrics"
	"reportd/internal/report"
	rtsup "reportd/internal/runtime/supervisor"
	"reportd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("delivery disabled")
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery stopped")
	ErrNoRoute   = errors.New("no delivery channel for recipient")
)

type job struct {
	msg      Message
	sender   Sender
	dedupKey string
}

// Service is a queue plus worker pool with rate limiting, retry and dedup.
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	bus     eventbus.Bus
	store   Store
	senders []Sender

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, senders []Sender, store Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "delivery")),
		bus:   bus,
		store: store,
		dedup: map[string]time.Time{},
	}
	for _, snd := range senders {
		if snd != nil {
			s.senders = append(s.senders, snd)
		}
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Channels lists the configured sender channels.
func (s *Service) Channels() []string {
	out := make([]string, 0, len(s.senders))
	for _, snd := range s.senders {
		out = append(out, snd.Channel())
	}
	return out
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 5000
	}
	s.cfg = cfg
	// Burst equals the per-second rate so a multi-recipient version goes out together.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	// Delivery failures must not take the daemon down.
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup
	q := s.queue
	pch := s.persistCh
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch)
			return s.loopExit(c, "persist loop")
		}, 250*time.Millisecond, 5*time.Second)
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.loopExit(c, "worker")
		}, 250*time.Millisecond, 5*time.Second)
	}
	s.log.Info("service started", logx.Int("workers", workers), logx.Any("channels", s.Channels()))
}

// loopExit turns a returned loop into nil on shutdown and an error otherwise,
// so the supervisor restarts only unexpected exits.
func (s *Service) loopExit(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping || c.Err() != nil {
		return nil
	}
	return fmt.Errorf("delivery %s exited unexpectedly", what)
}

// Stop stops intake and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	pch := s.persistCh
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			_ = sup.Stop(context.Background())
		}
	}
}

// Deliver queues one job per recipient. Unroutable recipients and a full
// queue are reported together; the routable rest is still queued.
func (s *Service) Deliver(ctx context.Context, d report.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	var errs []error
	for _, r := range d.Recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		snd := s.route(r)
		if snd == nil {
			errs = append(errs, fmt.Errorf("%w: %q", ErrNoRoute, r))
			metrics.Deliveries.WithLabelValues("none", "unroutable").Inc()
			continue
		}
		key := dedupKey(d.VersionID, r)
		if !d.Redelivery && cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg, pch) {
			metrics.Deliveries.WithLabelValues(snd.Channel(), "deduped").Inc()
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryDeduped, Data: eventbus.DeliveryEvent{VersionID: d.VersionID, Recipient: r, Channel: snd.Channel()}})
			continue
		}
		msg := Message{
			Recipient: r,
			Subject:   d.Subject,
			Body:      body(d),
			Artifact:  d.Artifact,
			ReportID:  d.ReportID,
			VersionID: d.VersionID,
			Version:   d.Version,
		}
		select {
		case q <- job{msg: msg, sender: snd, dedupKey: key}:
		default:
			s.forget(key)
			metrics.Deliveries.WithLabelValues(snd.Channel(), "dropped").Inc()
			errs = append(errs, fmt.Errorf("%w: %q", ErrQueueFull, r))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) route(recipient string) Sender {
	for _, snd := range s.senders {
		if snd.Accepts(recipient) {
			return snd
		}
	}
	return nil
}

func body(d report.Delivery) string {
	b := fmt.Sprintf("Report %s, version %d.", d.ReportID, d.Version)
	if d.Artifact.Name != "" {
		b += "\nAttached: " + d.Artifact.Name
	}
	return b
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, time.Second)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	channel := j.sender.Channel()
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			s.forget(j.dedupKey)
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := j.sender.Send(callCtx, j.msg)
		cancel()
		if err == nil {
			s.sent(ctx, channel, j)
			return
		}
		lastErr = err
		s.log.Debug("send failed",
			logx.String("channel", channel),
			logx.String("recipient", j.msg.Recipient),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err),
		)
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			s.forget(j.dedupKey)
			return
		}
	}
	s.failed(ctx, channel, j, lastErr)
}

func (s *Service) sent(ctx context.Context, channel string, j job) {
	metrics.Deliveries.WithLabelValues(channel, "sent").Inc()
	s.appendHistory(HistoryItem{At: time.Now(), Channel: channel, Recipient: j.msg.Recipient, VersionID: j.msg.VersionID})
	s.audit(ctx, report.AuditEntry{ReportID: j.msg.ReportID, VersionID: j.msg.VersionID, Event: report.AuditDelivered, Detail: channel + ":" + j.msg.Recipient})
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliverySent, Data: eventbus.DeliveryEvent{VersionID: j.msg.VersionID, Recipient: j.msg.Recipient, Channel: channel}})
}

// failed forgets the dedup key so a later redelivery or regeneration is not
// suppressed by a send that never happened.
func (s *Service) failed(ctx context.Context, channel string, j job, err error) {
	s.forget(j.dedupKey)
	metrics.Deliveries.WithLabelValues(channel, "failed").Inc()
	s.appendHistory(HistoryItem{At: time.Now(), Channel: channel, Recipient: j.msg.Recipient, VersionID: j.msg.VersionID, Error: err.Error()})
	s.log.Warn("delivery failed",
		logx.String("channel", channel),
		logx.String("recipient", j.msg.Recipient),
		logx.String("version", j.msg.VersionID),
		logx.Err(err),
	)
	s.audit(ctx, report.AuditEntry{ReportID: j.msg.ReportID, VersionID: j.msg.VersionID, Event: report.AuditDeliverFail, Detail: fmt.Sprintf("%s:%s: %v", channel, j.msg.Recipient, err)})
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Data: eventbus.DeliveryEvent{VersionID: j.msg.VersionID, Recipient: j.msg.Recipient, Channel: channel, Err: err.Error()}})
}

func (s *Service) audit(ctx context.Context, e report.AuditEntry) {
	if s.store == nil {
		return
	}
	e.At = time.Now()
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.store.AppendAudit(cctx, e); err != nil {
		s.log.Debug("audit write failed", logx.Err(err))
	}
}

func dedupKey(versionID, recipient string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(versionID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(strings.ToLower(recipient)))
	return fmt.Sprintf("delivery:%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (s *Service) forget(key string) {
	s.dmu.Lock()
	_, had := s.dedup[key]
	delete(s.dedup, key)
	s.dmu.Unlock()

	s.mu.Lock()
	persist := s.cfg.PersistDedup && s.store != nil
	s.mu.Unlock()
	if had && persist {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.store.PutDedup(ctx, key, time.Now())
		cancel()
	}
}

// retryDelay is the wait after attempt (1-based): exponential from RetryBase
// with 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
