package jobpulse

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/soroux/jobpulse/internal/analyzer"
	cfg "github.com/soroux/jobpulse/internal/config"
	"github.com/soroux/jobpulse/internal/cron"
	"github.com/soroux/jobpulse/internal/event"
	"github.com/soroux/jobpulse/internal/kv"
	"github.com/soroux/jobpulse/internal/logger"
	"github.com/soroux/jobpulse/internal/metric"
	"github.com/soroux/jobpulse/internal/metrics"
	"github.com/soroux/jobpulse/internal/recorder"
	iapi "github.com/soroux/jobpulse/internal/server"
	"github.com/soroux/jobpulse/internal/syncer"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type KVStore = kv.Store

type MetricStore = metric.Store

type CommandMetric = metric.CommandMetric

type JobMetric = metric.JobMetric

type Anomaly = event.Anomaly

type AnomalySink = event.Sink

type JobQueued = recorder.JobQueued

type JobProcessing = recorder.JobProcessing

type JobCompleted = recorder.JobCompleted

type JobFailed = recorder.JobFailed

type CommandStarting = recorder.CommandStarting

type CommandFinished = recorder.CommandFinished

type SyncOptions = syncer.Options

type SyncReport = syncer.Report

type AnalysisSummary = analyzer.Summary

type CommandAnalysis = analyzer.CommandAnalysis

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// DefaultConfig returns the built-in defaults with a single monitored queue.
func DefaultConfig() *Config { return cfg.Default() }

// NewKVStore opens the correlation store named by the config.
func NewKVStore(c *Config) (KVStore, error) {
	return kv.New(kv.Config{
		Backend:    c.KV.Backend,
		Path:       c.KV.Path,
		SyncWrites: c.KV.SyncWrites,
		Logger:     logger.New(c.Log),
	})
}

// NewMetricStore opens the durable store named by the config DSN.
func NewMetricStore(c *Config) (MetricStore, error) {
	return metric.NewFromDSN(c.Store.DSN)
}

// Monitor is a thin facade over internal/recorder.Recorder. Lifecycle
// notifications are fire-and-forget; correlation-store failures are logged,
// never surfaced to the caller's hot path.
type Monitor struct{ inner *recorder.Recorder }

func NewMonitor(store KVStore, c *Config) *Monitor {
	return &Monitor{inner: recorder.New(store, *c, logger.New(c.Log))}
}

func (m *Monitor) JobQueued(ctx context.Context, n JobQueued)         { m.inner.OnJobQueued(ctx, n) }
func (m *Monitor) JobProcessing(ctx context.Context, n JobProcessing) { m.inner.OnJobProcessing(ctx, n) }
func (m *Monitor) JobCompleted(ctx context.Context, n JobCompleted)   { m.inner.OnJobCompleted(ctx, n) }
func (m *Monitor) JobFailed(ctx context.Context, n JobFailed)         { m.inner.OnJobFailed(ctx, n) }
func (m *Monitor) CommandStarting(ctx context.Context, n CommandStarting) {
	m.inner.OnCommandStarting(ctx, n)
}
func (m *Monitor) CommandFinished(ctx context.Context, n CommandFinished) {
	m.inner.OnCommandFinished(ctx, n)
}

// Syncer facade
type Syncer struct{ inner *syncer.Engine }

func NewSyncer(kvStore KVStore, store MetricStore, c *Config) *Syncer {
	return &Syncer{inner: syncer.New(kvStore, store, c.Sync, logger.New(c.Log))}
}

func (s *Syncer) Run(ctx context.Context, opts SyncOptions) (SyncReport, error) {
	return s.inner.Run(ctx, opts)
}

// Analyzer facade. sink may be nil to log anomalies instead of delivering them.
type Analyzer struct{ inner *analyzer.Analyzer }

func NewAnalyzer(store MetricStore, sink AnomalySink, c *Config) *Analyzer {
	return &Analyzer{inner: analyzer.New(store, sink, *c, logger.New(c.Log))}
}

func (a *Analyzer) AnalyzeCommand(ctx context.Context, command string) (CommandAnalysis, error) {
	return a.inner.AnalyzeCommand(ctx, command)
}

func (a *Analyzer) AnalyzeAll(ctx context.Context) (AnalysisSummary, error) {
	return a.inner.AnalyzeAll(ctx)
}

func (a *Analyzer) CheckMissedExecutions(ctx context.Context) ([]Anomaly, error) {
	return a.inner.CheckMissedExecutions(ctx)
}

// NewWebhookSink posts anomalies to url as JSON.
func NewWebhookSink(url string) AnomalySink { return event.NewWebhookSink(url) }

type CronScheduler struct{ inner *cron.Scheduler }

type CronTask = cron.Task // alias; use pointer when adding to avoid copying atomics

func NewCronScheduler(c *Config) *CronScheduler {
	return &CronScheduler{inner: cron.NewScheduler(logger.New(c.Log))}
}

func (s *CronScheduler) Add(t *CronTask) error           { return s.inner.Add(t) }
func (s *CronScheduler) Start(ctx context.Context) error { return s.inner.Start(ctx) }
func (s *CronScheduler) Stop()                           { s.inner.Stop() }

// NewHTTPServer starts the read API on addr using the given stores.
func NewHTTPServer(addr, basePath string, store MetricStore, kvStore KVStore) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, store, kvStore)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
