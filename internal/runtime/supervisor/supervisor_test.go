package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRestartRecoversPanics(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("poller", func(ctx context.Context) error {
		switch runs.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("transient")
		default:
			close(done)
			<-ctx.Done()
			return ctx.Err()
		}
	}, time.Millisecond, 5*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop was not restarted")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	snap := s.Snapshot()
	var found bool
	for _, g := range snap.Goroutines {
		if g.Name == "poller" {
			found = true
			if g.Restarts != 2 || g.Panics != 1 {
				t.Fatalf("poller stats = %+v, want 2 restarts 1 panic", g)
			}
		}
	}
	if !found {
		t.Fatalf("snapshot missing poller: %+v", snap.Goroutines)
	}
}

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("worker", func(context.Context) error { return errors.New("fatal") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || err.Error() != "worker: fatal" {
		t.Fatalf("Wait err = %v, want worker: fatal", err)
	}
	if s.Context().Err() == nil {
		t.Fatal("context should be canceled on error")
	}
}
