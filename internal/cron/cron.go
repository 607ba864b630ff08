package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Task is a periodic background job.
// Schedule supports only the form "@every <duration>" (e.g., "@every 5m").
// Singleton tasks skip a tick while the previous run is still active; this is
// the non-overlap guarantee the sync engine and analyzer rely on.
//
// Name must be unique across tasks inside the same Scheduler.
type Task struct {
	Name      string
	Schedule  string
	Singleton bool // default true; set by Scheduler.Add when zero
	Fn        func(ctx context.Context) error

	// internal (guarded via atomic)
	running atomic.Bool
}

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	durStr := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

func (t *Task) validate() error {
	if t.Name == "" {
		return errors.New("cron task requires a name")
	}
	if t.Schedule == "" {
		return errors.New("cron task requires a schedule")
	}
	if t.Fn == nil {
		return errors.New("cron task requires a function")
	}
	return nil
}

// Scheduler runs tasks on their tick intervals.
// Use Start to launch the background tickers, and Stop to cancel them.
type Scheduler struct {
	log   *slog.Logger
	tasks []*Task
	quit  chan struct{}
}

func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log}
}

func (s *Scheduler) Add(task *Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	if _, err := parseEvery(task.Schedule); err != nil {
		return fmt.Errorf("task %s: %w", task.Name, err)
	}
	for _, t := range s.tasks {
		if t.Name == task.Name {
			return fmt.Errorf("duplicate cron task %s", task.Name)
		}
	}
	// default Singleton true when not explicitly set
	if !task.Singleton {
		task.Singleton = true
	}
	s.tasks = append(s.tasks, task)
	return nil
}

// Start launches all task loops. Call Stop to cancel.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.quit != nil {
		return errors.New("scheduler already started")
	}
	s.quit = make(chan struct{})
	for _, t := range s.tasks {
		d, _ := parseEvery(t.Schedule) // validated in Add
		go s.runTask(ctx, t, d)
	}
	return nil
}

func (s *Scheduler) runTask(ctx context.Context, t *Task, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-ticker.C:
			if t.Singleton {
				// attempt to mark running; if already true, skip this tick
				if !t.running.CompareAndSwap(false, true) {
					s.log.Debug("previous run still active, skipping tick", "task", t.Name)
					continue
				}
			} else {
				t.running.Store(true)
			}
			// run off the ticker goroutine so a slow task cannot
			// block tick delivery for shutdown
			go func(t *Task) {
				defer t.running.Store(false)
				if err := t.Fn(ctx); err != nil {
					s.log.Error("cron task failed", "task", t.Name, "err", err)
				}
			}(t)
		}
	}
}

// Stop cancels all task loops. Runs already in flight finish on their own.
func (s *Scheduler) Stop() {
	if s.quit == nil {
		return
	}
	select {
	case <-s.quit:
		// already closed
	default:
		close(s.quit)
	}
}
