package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"reportd/internal/eventbus"
	"reportd/internal/report"
	"reportd/internal/storage"
	"reportd/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	channel  string
	prefix   string
	failN    int
	sent     []Message
	attempts int
}

func (f *fakeSender) Channel() string { return f.channel }

func (f *fakeSender) Accepts(r string) bool {
	return len(r) >= len(f.prefix) && r[:len(f.prefix)] == f.prefix
}

func (f *fakeSender) Send(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failN {
		return errors.New("smtp 421 try later")
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type memStore struct {
	mu    sync.Mutex
	dedup map[string]time.Time
	audit []report.AuditEntry
}

func newMemStore() *memStore { return &memStore{dedup: map[string]time.Time{}} }

func (m *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until
	return nil
}

func (m *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.dedup[key]
	return u, ok, nil
}

func (m *memStore) AppendAudit(_ context.Context, e report.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *memStore) events(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.audit {
		if e.Event == name {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		SendTimeout:   time.Second,
		DedupWindow:   time.Hour,
	}
}

func waitEvents(t *testing.T, ch <-chan eventbus.Event, typ string, n int) []eventbus.Event {
	t.Helper()
	var got []eventbus.Event
	deadline := time.After(3 * time.Second)
	for len(got) < n {
		select {
		case e := <-ch:
			if e.Type == typ {
				got = append(got, e)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d %s events, got %d", n, typ, len(got))
		}
	}
	return got
}

func start(t *testing.T, cfg Config, store Store, senders ...Sender) (*Service, <-chan eventbus.Event) {
	t.Helper()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)
	s := New(cfg, senders, store, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, ch
}

func delivery(versionID string, recipients ...string) report.Delivery {
	return report.Delivery{
		Artifact:   report.Artifact{VersionID: versionID, Path: "/tmp/rent-roll-v1.pdf", Name: "rent-roll-v1.pdf"},
		Recipients: recipients,
		VersionID:  versionID,
		ReportID:   "rent-roll",
		Version:    1,
		Subject:    "Rent roll v1",
	}
}

func TestDeliverDedupAndRedelivery(t *testing.T) {
	t.Parallel()

	mail := &fakeSender{channel: "email", prefix: "ops"}
	store := newMemStore()
	s, ch := start(t, testConfig(), store, mail)
	ctx := context.Background()

	if err := s.Deliver(ctx, delivery("v1", "ops@example.com")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	waitEvents(t, ch, eventbus.TypeDeliverySent, 1)

	// Same version, same recipient (case differs): suppressed.
	if err := s.Deliver(ctx, delivery("v1", "OPS@example.com")); err != nil {
		t.Fatalf("Deliver dup: %v", err)
	}
	waitEvents(t, ch, eventbus.TypeDeliveryDeduped, 1)

	d := delivery("v1", "ops@example.com")
	d.Redelivery = true
	if err := s.Deliver(ctx, d); err != nil {
		t.Fatalf("Redeliver: %v", err)
	}
	waitEvents(t, ch, eventbus.TypeDeliverySent, 1)

	if got := mail.sentCount(); got != 2 {
		t.Fatalf("sent = %d, want 2", got)
	}
	if got := store.events(report.AuditDelivered); got != 2 {
		t.Fatalf("delivered audit entries = %d, want 2", got)
	}
	if h := s.Snapshot(); len(h) != 2 || h[0].Channel != "email" {
		t.Fatalf("history = %+v", h)
	}
}

func TestDeliverRoutesByRecipient(t *testing.T) {
	t.Parallel()

	mail := &fakeSender{channel: "email", prefix: "ops"}
	tg := &fakeSender{channel: "telegram", prefix: "tg:"}
	s, ch := start(t, testConfig(), nil, mail, tg)

	err := s.Deliver(context.Background(), delivery("v2", "ops@example.com", "tg:-100123", "fax:555"))
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v, want ErrNoRoute", err)
	}
	waitEvents(t, ch, eventbus.TypeDeliverySent, 2)
	if mail.sentCount() != 1 || tg.sentCount() != 1 {
		t.Fatalf("email=%d telegram=%d, want 1 each", mail.sentCount(), tg.sentCount())
	}
	if got := tg.sent[0].Body; got == "" {
		t.Fatal("empty body")
	}
}

func TestDeliverRetriesThenFails(t *testing.T) {
	t.Parallel()

	flaky := &fakeSender{channel: "email", prefix: "a", failN: 2}
	dead := &fakeSender{channel: "email", prefix: "b", failN: 100}
	store := newMemStore()
	s, ch := start(t, testConfig(), store, flaky, dead)
	ctx := context.Background()

	if err := s.Deliver(ctx, delivery("v3", "a@example.com")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	waitEvents(t, ch, eventbus.TypeDeliverySent, 1)

	if err := s.Deliver(ctx, delivery("v3", "b@example.com")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	evs := waitEvents(t, ch, eventbus.TypeDeliveryFailed, 1)
	if de := evs[0].Data.(eventbus.DeliveryEvent); de.Recipient != "b@example.com" || de.Err == "" {
		t.Fatalf("failed event = %+v", de)
	}
	dead.mu.Lock()
	attempts := dead.attempts
	dead.mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if store.events(report.AuditDeliverFail) != 1 {
		t.Fatal("missing delivery_failed audit entry")
	}

	// A failed send does not hold the dedup window.
	dead.mu.Lock()
	dead.failN = 0
	dead.mu.Unlock()
	if err := s.Deliver(ctx, delivery("v3", "b@example.com")); err != nil {
		t.Fatalf("Deliver after failure: %v", err)
	}
	waitEvents(t, ch, eventbus.TypeDeliverySent, 1)
}

func TestDeliverDisabledAndStopped(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, nil, logx.Nop(), nil)
	if err := s.Deliver(context.Background(), delivery("v4", "ops")); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}

	s = New(testConfig(), []Sender{&fakeSender{channel: "email", prefix: "ops"}}, nil, logx.Nop(), nil)
	if err := s.Deliver(context.Background(), delivery("v4", "ops")); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if err := s.Deliver(context.Background(), delivery("v4", "ops")); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err = %v", err)
	}
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()

	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "reportd.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := testConfig()
	cfg.PersistDedup = true

	mail := &fakeSender{channel: "email", prefix: "ops"}
	first := New(cfg, []Sender{mail}, st, logx.Nop(), nil)
	first.Start(context.Background())
	if err := first.Deliver(context.Background(), delivery("v5", "ops@example.com")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first.Stop(ctx)
	if mail.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", mail.sentCount())
	}

	second, ch := start(t, cfg, st, mail)
	if err := second.Deliver(context.Background(), delivery("v5", "ops@example.com")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	waitEvents(t, ch, eventbus.TypeDeliveryDeduped, 1)
	if mail.sentCount() != 1 {
		t.Fatalf("sent after restart = %d, want 1", mail.sentCount())
	}
}

func TestRetryDelayCapped(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("retryDelay(%d) = %v", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 700*time.Millisecond || d > 1300*time.Millisecond {
		t.Fatalf("retryDelay(1) = %v, want ~1s", d)
	}
}
