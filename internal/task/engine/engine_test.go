package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	logx "reportd/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestOverlapSkipSameKey(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})

	release := make(chan struct{})
	started := make(chan struct{})
	err := s.Enqueue(Task{Name: "cycle", Key: "s1", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	err = s.Enqueue(Task{Name: "cycle", Key: "s1", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue err = %v, want ErrOverlapSkip", err)
	}
	done := make(chan struct{})
	if err := s.Enqueue(Task{Name: "cycle", Key: "s2", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error {
		close(done)
		return nil
	}}); err != nil {
		t.Fatalf("other key Enqueue: %v", err)
	}
	<-done
	close(release)
}

func TestRetryAndNoRetry(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})

	var calls atomic.Int32
	done := make(chan struct{})
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not retried to success")
	}

	var permanent atomic.Int32
	finished := make(chan struct{}, 1)
	err = s.Enqueue(Task{
		Name: "permanent",
		Opt:  TaskOptions{RetryMax: 5, RetryBase: time.Millisecond},
		Run: func(context.Context) error {
			defer func() {
				select {
				case finished <- struct{}{}:
				default:
				}
			}()
			permanent.Add(1)
			return NoRetry(errors.New("bad config"))
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-finished
	time.Sleep(20 * time.Millisecond)
	if n := permanent.Load(); n != 1 {
		t.Fatalf("NoRetry task ran %d times, want 1", n)
	}
}

func TestNegativeRetryMaxRunsOnce(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 5})

	var calls atomic.Int32
	if err := s.Enqueue(Task{Name: "once", Opt: TaskOptions{RetryMax: -1}, Run: func(context.Context) error {
		calls.Add(1)
		return errors.New("fail")
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(s.Snapshot().History) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h := s.Snapshot().History
	if len(h) != 1 || h[0].Attempts != 1 || calls.Load() != 1 {
		t.Fatalf("history = %+v calls = %d, want a single attempt", h, calls.Load())
	}
}

func TestStopDropsQueuedTasks(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	block := make(chan struct{})
	running := make(chan struct{})
	_ = s.Enqueue(Task{Name: "busy", Run: func(ctx context.Context) error {
		close(running)
		select {
		case <-ctx.Done():
		case <-block:
		}
		return ctx.Err()
	}})
	<-running

	var dropped atomic.Int32
	if err := s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }, OnDrop: func(reason error) {
		if errors.Is(reason, ErrStopping) {
			dropped.Add(1)
		}
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if dropped.Load() != 1 {
		t.Fatalf("OnDrop calls = %d, want 1", dropped.Load())
	}
	if err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after Stop err = %v, want ErrStopped", err)
	}
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	t.Parallel()

	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: -1}
	prev := time.Duration(0)
	for retry := 1; retry <= 10; retry++ {
		d := Backoff(opt, retry, nil)
		if d < prev {
			t.Fatalf("Backoff(%d) = %v < previous %v", retry, d, prev)
		}
		if d > time.Second {
			t.Fatalf("Backoff(%d) = %v exceeds cap", retry, d)
		}
		prev = d
	}
	if prev != time.Second {
		t.Fatalf("Backoff plateau = %v, want 1s", prev)
	}
	if d := Backoff(opt, 1, RetryAfter(errors.New("429"), 5*time.Second)); d != time.Second {
		t.Fatalf("RetryAfter hint = %v, want capped 1s", d)
	}
}

type permanentErr struct{}

func (permanentErr) Error() string   { return "bad template" }
func (permanentErr) Permanent() bool { return true }

func TestNoRetryClassification(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	if IsNoRetry(base) || IsNoRetry(RetryAfter(base, time.Second)) {
		t.Fatal("retryable error classified permanent")
	}
	nr := NoRetry(base)
	if !IsNoRetry(nr) || !errors.Is(nr, base) {
		t.Fatalf("NoRetry(%v) lost classification or cause", base)
	}
	if got := unwrapNoRetry(nr); got != base {
		t.Fatalf("unwrapNoRetry = %v, want %v", got, base)
	}
	if !IsNoRetry(fmt.Errorf("fetch: %w", permanentErr{})) {
		t.Fatal("Permanent() opt-in ignored")
	}
	opt := TaskOptions{RetryBase: 200 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: -1}
	if d := Backoff(opt, 1, nr); d != 200*time.Millisecond {
		t.Fatalf("Backoff(no-retry) = %v, want base delay", d)
	}
}
