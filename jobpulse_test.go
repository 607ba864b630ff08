package jobpulse

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type testPayload struct {
	pid string
	cmd string
}

func (p testPayload) ProcessID() string   { return p.pid }
func (p testPayload) CommandName() string { return p.cmd }
func (p testPayload) JobType() string     { return "test" }

func newPipeline(t *testing.T) (*Config, KVStore, MetricStore) {
	t.Helper()
	c := DefaultConfig()
	c.Store.DSN = "sqlite://:memory:"
	kvStore, err := NewKVStore(c)
	if err != nil {
		t.Fatalf("kv store: %v", err)
	}
	t.Cleanup(func() { _ = kvStore.Close() })
	store, err := NewMetricStore(c)
	if err != nil {
		t.Fatalf("metric store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return c, kvStore, store
}

func TestPipelineQueueToDurableStore(t *testing.T) {
	c, kvStore, store := newPipeline(t)
	ctx := context.Background()

	mon := NewMonitor(kvStore, c)
	payload := testPayload{pid: "pid-e2e", cmd: "report:daily"}

	mon.JobQueued(ctx, JobQueued{JobID: "job-1", Queue: "default", Payload: payload})
	time.Sleep(10 * time.Millisecond)
	mon.JobProcessing(ctx, JobProcessing{JobID: "job-1", Queue: "default", Payload: payload})
	time.Sleep(10 * time.Millisecond)
	mon.JobCompleted(ctx, JobCompleted{JobID: "job-1", Queue: "default", Payload: payload})

	rep, err := NewSyncer(kvStore, store, c).Run(ctx, SyncOptions{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rep.JobsSynced != 1 || rep.CommandsSynced != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	cm, err := store.LastExecution(ctx, "report:daily")
	if err != nil {
		t.Fatalf("last execution: %v", err)
	}
	if cm.JobCount != 1 || cm.SuccessJobs != 1 {
		t.Fatalf("unexpected command metric: %+v", cm)
	}

	// one data point is not enough history, the analyzer must say so
	an, err := NewAnalyzer(store, nil, c).AnalyzeCommand(ctx, "report:daily")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if an.Reason == "" || len(an.Anomalies) != 0 {
		t.Fatalf("expected insufficient-data analysis, got %+v", an)
	}
}

func TestCronFacade(t *testing.T) {
	c := DefaultConfig()
	sch := NewCronScheduler(c)
	runs := make(chan struct{}, 8)
	task := CronTask{
		Name:     "tick",
		Schedule: "@every 20ms",
		Fn: func(context.Context) error {
			select {
			case runs <- struct{}{}:
			default:
			}
			return nil
		},
	}
	if err := sch.Add(&task); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := sch.Start(context.Background()); err != nil {
		t.Fatalf("start sched: %v", err)
	}
	defer sch.Stop()
	select {
	case <-runs:
	case <-time.After(2 * time.Second):
		t.Fatalf("cron task never ran")
	}
}

func TestConfigHelpers(t *testing.T) {
	dir := t.TempDir()
	cfg := `
[store]
dsn = "sqlite://metrics.db"

[monitor]
queues = ["default", "payments"]

[analyze]
retention_days = 14

[analyze.scheduled_commands]
"report:daily" = "24h"
`
	p := filepath.Join(dir, "cfg.toml")
	if err := os.WriteFile(p, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	config, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(config.Monitor.Queues) != 2 {
		t.Fatalf("queues: %v", config.Monitor.Queues)
	}
	if config.Analyze.RetentionDays != 14 {
		t.Fatalf("retention_days: %d", config.Analyze.RetentionDays)
	}
	if config.Analyze.ScheduledCommands["report:daily"] != 24*time.Hour {
		t.Fatalf("scheduled_commands: %v", config.Analyze.ScheduledCommands)
	}
	// defaults fill the rest
	if config.Sync.BatchSize != 500 {
		t.Fatalf("batch_size default: %d", config.Sync.BatchSize)
	}
}

func TestMetricsHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("RegisterMetricsDefault: %v", err)
	}
}
