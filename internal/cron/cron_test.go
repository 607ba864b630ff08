package cron

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseEveryInvalid(t *testing.T) {
	if _, err := parseEvery("every 1s"); err == nil { // missing '@'
		t.Fatalf("expected error for bad format")
	}
	if _, err := parseEvery("@every -1s"); err == nil { // non-positive
		t.Fatalf("expected error for non-positive duration")
	}
	if _, err := parseEvery("@every nonsense"); err == nil {
		t.Fatalf("expected error for unparseable duration")
	}
}

func TestAddValidation(t *testing.T) {
	s := NewScheduler(slog.New(slog.DiscardHandler))
	fn := func(context.Context) error { return nil }

	if err := s.Add(&Task{Name: "", Schedule: "@every 1s", Fn: fn}); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if err := s.Add(&Task{Name: "a", Schedule: "", Fn: fn}); err == nil {
		t.Fatalf("expected error for empty schedule")
	}
	if err := s.Add(&Task{Name: "b", Schedule: "@every 1s"}); err == nil {
		t.Fatalf("expected error for nil fn")
	}
	if err := s.Add(&Task{Name: "c", Schedule: "@every 1s", Fn: fn}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(&Task{Name: "c", Schedule: "@every 2s", Fn: fn}); err == nil {
		t.Fatalf("expected error for duplicate name")
	}
}

func TestTicksRun(t *testing.T) {
	s := NewScheduler(slog.New(slog.DiscardHandler))
	var runs atomic.Int32
	err := s.Add(&Task{
		Name:     "tick",
		Schedule: "@every 20ms",
		Fn: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatalf("expected at least 2 runs, got %d", runs.Load())
	}
}

func TestSingletonSkipsOverlappingTicks(t *testing.T) {
	s := NewScheduler(slog.New(slog.DiscardHandler))
	var started atomic.Int32
	release := make(chan struct{})
	err := s.Add(&Task{
		Name:     "slow",
		Schedule: "@every 20ms",
		Fn: func(context.Context) error {
			started.Add(1)
			<-release
			return nil
		},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	// let several ticks elapse while the first run blocks
	time.Sleep(200 * time.Millisecond)
	if got := started.Load(); got != 1 {
		close(release)
		t.Fatalf("overlapping runs started: %d", got)
	}
	close(release)
}

func TestStartTwiceFails(t *testing.T) {
	s := NewScheduler(nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("second start should fail")
	}
}
