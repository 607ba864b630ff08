package metric

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLStore("sqlite://:memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleCommand(pid, name string, runDate time.Time) CommandMetric {
	return CommandMetric{
		ProcessID:   pid,
		CommandName: name,
		Source:      SourceConsole,
		TotalTime:   12.5,
		JobCount:    10,
		SuccessJobs: 9,
		FailedJobs:  1,
		AvgJobTime:  1.25,
		PeakMemory:  64 << 20,
		RunDate:     runDate,
	}
}

func TestUpsertCommandMetric_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := sampleCommand("pid-1", "report:daily", time.Now().UTC())
	if err := s.UpsertCommandMetric(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	m.JobCount = 20
	m.SuccessJobs = 20
	m.FailedJobs = 0
	if err := s.UpsertCommandMetric(ctx, m); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.LastExecution(ctx, "report:daily")
	if err != nil {
		t.Fatalf("last execution: %v", err)
	}
	if got.JobCount != 20 || got.SuccessJobs != 20 {
		t.Fatalf("update not applied: %+v", got)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Commands != 1 {
		t.Fatalf("upsert duplicated row: %+v", st)
	}
}

func TestRecentCommandMetrics_Order(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, pid := range []string{"pid-a", "pid-b", "pid-c"} {
		m := sampleCommand(pid, "sync:orders", now.AddDate(0, 0, -i))
		m.CreatedAt = now.AddDate(0, 0, -i)
		if err := s.UpsertCommandMetric(ctx, m); err != nil {
			t.Fatalf("insert %s: %v", pid, err)
		}
	}

	ms, err := s.RecentCommandMetrics(ctx, "sync:orders", now.AddDate(0, 0, -7))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(ms) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(ms))
	}
	if ms[0].ProcessID != "pid-a" || ms[2].ProcessID != "pid-c" {
		t.Fatalf("wrong order: %s .. %s", ms[0].ProcessID, ms[2].ProcessID)
	}

	// retention window excludes the oldest row
	ms, err = s.RecentCommandMetrics(ctx, "sync:orders", now.AddDate(0, 0, -2).Add(time.Hour))
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(ms) != 2 {
		t.Fatalf("since filter not applied, got %d rows", len(ms))
	}
}

func TestLastExecutionBySource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	api := sampleCommand("pid-api", "sync:partners", now.Add(-2*time.Hour))
	api.Source = SourceAPI
	console := sampleCommand("pid-console", "sync:partners", now)
	if err := s.UpsertCommandMetric(ctx, api); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.UpsertCommandMetric(ctx, console); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.LastExecution(ctx, "sync:partners")
	if err != nil {
		t.Fatalf("last execution: %v", err)
	}
	if got.ProcessID != "pid-console" {
		t.Fatalf("expected newest run, got %s", got.ProcessID)
	}
	got, err = s.LastExecutionBySource(ctx, "sync:partners", SourceAPI)
	if err != nil {
		t.Fatalf("last by source: %v", err)
	}
	if got.ProcessID != "pid-api" {
		t.Fatalf("expected api run, got %s", got.ProcessID)
	}
	if _, err := s.LastExecution(ctx, "missing:command"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertJobMetrics_BatchAndQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	batch := []JobMetric{
		{JobID: "job-1", ProcessID: "pid-1", CommandName: "report:daily",
			JobType: "App\\Jobs\\BuildReport", ExecutionTime: 1.2, MemoryUsage: 1 << 20,
			QueueTime: 0.1, Status: StatusSuccess, CreatedAt: now.Add(-time.Minute)},
		{JobID: "job-2", ProcessID: "pid-1", CommandName: "report:daily",
			ExecutionTime: 2.4, QueueTime: 0.2, Status: StatusFailed, CreatedAt: now},
		{JobID: "job-3", ProcessID: "pid-2", CommandName: "sync:orders",
			ExecutionTime: 0.5, Status: StatusSuccess, CreatedAt: now},
	}
	if err := s.UpsertJobMetrics(ctx, batch); err != nil {
		t.Fatalf("batch: %v", err)
	}
	// replay of the same batch must not duplicate rows
	if err := s.UpsertJobMetrics(ctx, batch); err != nil {
		t.Fatalf("replay: %v", err)
	}

	failed, err := s.FailedJobs(ctx, 10)
	if err != nil {
		t.Fatalf("failed jobs: %v", err)
	}
	if len(failed) != 1 || failed[0].JobID != "job-2" {
		t.Fatalf("unexpected failed jobs: %+v", failed)
	}

	jobs, err := s.JobsByProcess(ctx, "pid-1")
	if err != nil {
		t.Fatalf("jobs by process: %v", err)
	}
	if len(jobs) != 2 || jobs[0].JobID != "job-1" {
		t.Fatalf("unexpected process jobs: %+v", jobs)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Jobs != 3 || st.SuccessJobs != 2 || st.FailedJobs != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestUpsertJobMetrics_RejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []JobMetric{
		{JobID: "job-ok", ProcessID: "pid", CommandName: "c", Status: StatusSuccess},
		{JobID: "job-bad", ProcessID: "pid", CommandName: "c", Status: "completed"},
	}
	if err := s.UpsertJobMetrics(ctx, batch); err == nil {
		t.Fatalf("expected validation error")
	}
	st, _ := s.Stats(ctx)
	if st.Jobs != 0 {
		t.Fatalf("invalid batch must write nothing, got %+v", st)
	}
}

func TestDistinctCommands(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, m := range []CommandMetric{
		sampleCommand("p1", "b:cmd", now),
		sampleCommand("p2", "a:cmd", now),
		sampleCommand("p3", "b:cmd", now),
	} {
		if err := s.UpsertCommandMetric(ctx, m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	names, err := s.DistinctCommands(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("distinct: %v", err)
	}
	if len(names) != 2 || names[0] != "a:cmd" || names[1] != "b:cmd" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestCommandMetricValidate(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name string
		mut  func(*CommandMetric)
		ok   bool
	}{
		{"valid", func(*CommandMetric) {}, true},
		{"missing process id", func(m *CommandMetric) { m.ProcessID = "" }, false},
		{"missing command", func(m *CommandMetric) { m.CommandName = "" }, false},
		{"negative time", func(m *CommandMetric) { m.TotalTime = -1 }, false},
		{"counter overflow", func(m *CommandMetric) { m.SuccessJobs = 20 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := sampleCommand("pid", "cmd", now)
			tc.mut(&m)
			err := m.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestNewFromDSN(t *testing.T) {
	s, err := NewFromDSN("sqlite://:memory:")
	if err != nil {
		t.Fatalf("sqlite dsn: %v", err)
	}
	_ = s.Close()
	if _, err := NewFromDSN(""); err == nil {
		t.Fatalf("empty dsn must fail")
	}
}
