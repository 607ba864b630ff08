package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"time"

	"github.com/soroux/jobpulse/internal/config"
	"github.com/soroux/jobpulse/internal/kv"
	"github.com/soroux/jobpulse/internal/metric"
	"github.com/soroux/jobpulse/internal/metrics"
)

// Options control one sync run. Zero values fall back to configuration.
type Options struct {
	DryRun         bool
	BatchSize      int
	CleanupEnabled bool
}

// Report summarizes one sync run.
type Report struct {
	CommandsSynced int           `json:"commands_synced"`
	JobsSynced     int           `json:"jobs_synced"`
	Errors         int           `json:"errors"`
	Warnings       int           `json:"warnings"`
	CleanedKeys    int           `json:"cleaned_keys"`
	Duration       time.Duration `json:"duration"`
}

// Engine folds transient correlation state into the durable metric store.
// Runs must not overlap; the scheduler enforces that.
type Engine struct {
	kv    kv.Store
	store metric.Store
	cfg   config.SyncConfig
	log   *slog.Logger
	now   func() time.Time
	heap  func() uint64
}

func New(kvStore kv.Store, store metric.Store, cfg config.SyncConfig, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		kv:    kvStore,
		store: store,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		heap: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapAlloc
		},
	}
}

// Run performs one sync pass. Per-record failures are counted and skipped;
// bulk-insert failures and ceiling breaches abort the run with an error while
// preserving everything already committed.
func (e *Engine) Run(ctx context.Context, opts Options) (Report, error) {
	start := e.now()
	var rep Report
	defer func() {
		rep.Duration = e.now().Sub(start)
		metrics.ObserveSyncDuration(rep.Duration.Seconds())
		metrics.AddSynced("commands", rep.CommandsSynced)
		metrics.AddSynced("jobs", rep.JobsSynced)
		metrics.AddSyncErrors(rep.Errors)
	}()

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}
	if batchSize <= 0 {
		batchSize = 500
	}

	if err := e.syncCommandMetrics(ctx, &rep, opts, start, batchSize); err != nil {
		return rep, err
	}
	if err := e.syncJobMetrics(ctx, &rep, opts, start, batchSize); err != nil {
		return rep, err
	}
	if (opts.CleanupEnabled || e.cfg.CleanupEnabled) && !opts.DryRun {
		e.cleanup(ctx, &rep)
	}

	e.log.Info("sync completed",
		"commands_synced", rep.CommandsSynced,
		"jobs_synced", rep.JobsSynced,
		"errors", rep.Errors,
		"warnings", rep.Warnings,
		"dry_run", opts.DryRun,
	)
	return rep, nil
}

func (e *Engine) syncCommandMetrics(ctx context.Context, rep *Report, opts Options, start time.Time, batchSize int) error {
	keys, err := e.kv.Keys(ctx, kv.CommandMetricsPrefix())
	if err != nil {
		return fmt.Errorf("scan command counters: %w", err)
	}
	for i, key := range keys {
		if i%batchSize == 0 {
			if err := e.checkCeilings(start); err != nil {
				return err
			}
		}
		fields, err := e.kv.HGetAll(ctx, key)
		if err != nil {
			rep.Warnings++
			e.log.Warn("counter hash unreadable", "key", key, "err", err)
			continue
		}
		if len(fields) == 0 {
			continue
		}
		m, ok := e.commandFromCounters(key, fields)
		if !ok {
			rep.Warnings++
			continue
		}
		if opts.DryRun {
			e.log.Info("would sync command metric", "key", key, "command", m.CommandName)
			rep.CommandsSynced++
			continue
		}
		if err := e.store.UpsertCommandMetric(ctx, m); err != nil {
			rep.Errors++
			e.log.Error("command metric sync failed", "key", key, "err", err)
			continue
		}
		rep.CommandsSynced++
	}
	return nil
}

// commandFromCounters converts one counter hash into a durable row. Identity
// comes from the key, with hash fields as fallback.
func (e *Engine) commandFromCounters(key string, fields map[string]string) (metric.CommandMetric, bool) {
	name, pid, ok := kv.SplitCommandMetricsKey(key)
	if !ok || name == "" || pid == "" {
		name, pid = fields["command_name"], fields["process_id"]
	}
	if name == "" || pid == "" {
		e.log.Warn("counter hash missing identity", "key", key)
		return metric.CommandMetric{}, false
	}
	jobCount := parseInt(fields["job_count"])
	totalJobTime := parseFloat(fields["total_job_time"])
	source := fields["source"]
	if source == "" {
		source = metric.SourceConsole
	}
	runDate := e.now().UTC()
	if ts, err := time.Parse(time.RFC3339, fields["start_time"]); err == nil {
		runDate = ts
	}
	div := jobCount
	if div < 1 {
		div = 1
	}
	return metric.CommandMetric{
		ProcessID:   pid,
		CommandName: name,
		Source:      source,
		TotalTime:   totalJobTime,
		JobCount:    jobCount,
		SuccessJobs: parseInt(fields["success_jobs"]),
		FailedJobs:  parseInt(fields["failed_jobs"]),
		AvgJobTime:  totalJobTime / float64(div),
		PeakMemory:  parseInt(fields["peak_memory"]),
		RunDate:     runDate,
	}, true
}

// transientJob mirrors the recorder's per-job JSON document.
type transientJob struct {
	Status        string  `json:"status"`
	ProcessID     string  `json:"process_id"`
	CommandName   string  `json:"command_name"`
	JobType       string  `json:"job_type"`
	QueueTime     float64 `json:"queue_time"`
	ExecutionTime float64 `json:"execution_time"`
	CreatedAt     float64 `json:"created_at"`
	CompletedAt   float64 `json:"completed_at"`
	FailedAt      float64 `json:"failed_at"`
}

func (e *Engine) syncJobMetrics(ctx context.Context, rep *Report, opts Options, start time.Time, batchSize int) error {
	var batch []metric.JobMetric
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := e.checkCeilings(start); err != nil {
			return err
		}
		if !opts.DryRun {
			if err := e.store.UpsertJobMetrics(ctx, batch); err != nil {
				// all-or-nothing: the whole batch failed
				return fmt.Errorf("bulk job insert: %w", err)
			}
		}
		rep.JobsSynced += len(batch)
		batch = batch[:0]
		return nil
	}

	// per-process job hashes written by the recorder
	keys, err := e.kv.Keys(ctx, kv.JobsScanPrefix())
	if err != nil {
		return fmt.Errorf("scan job hashes: %w", err)
	}
	for _, key := range keys {
		if !kv.IsJobsKey(key) {
			continue
		}
		pid := kv.ProcessIDFromJobsKey(key)
		fields, err := e.kv.HGetAll(ctx, key)
		if err != nil {
			rep.Warnings++
			e.log.Warn("job hash unreadable", "key", key, "err", err)
			continue
		}
		for jobID, raw := range fields {
			var tj transientJob
			if err := json.Unmarshal([]byte(raw), &tj); err != nil {
				rep.Warnings++
				e.log.Warn("malformed job record", "key", key, "job_id", jobID, "err", err)
				continue
			}
			status, terminal := durableStatus(tj.Status)
			if !terminal {
				continue
			}
			if tj.ProcessID == "" {
				tj.ProcessID = pid
			}
			if tj.ProcessID == "" || tj.CommandName == "" {
				rep.Warnings++
				e.log.Warn("job record missing identity", "key", key, "job_id", jobID)
				continue
			}
			jm := metric.JobMetric{
				JobID:         jobID,
				ProcessID:     tj.ProcessID,
				CommandName:   tj.CommandName,
				JobType:       tj.JobType,
				ExecutionTime: tj.ExecutionTime,
				QueueTime:     tj.QueueTime,
				Status:        status,
				CreatedAt:     unixToTime(tj.CompletedAt, tj.FailedAt, tj.CreatedAt),
			}
			// keep invalid records out of the batch: the bulk insert is
			// all-or-nothing and must only ever see clean rows
			if err := jm.Validate(); err != nil {
				rep.Warnings++
				e.log.Warn("invalid job record", "key", key, "job_id", jobID, "err", err)
				continue
			}
			batch = append(batch, jm)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}

	// flat hashes written directly for manual dispatches
	manualKeys, err := e.kv.Keys(ctx, kv.JobMetricsPrefix())
	if err != nil {
		return fmt.Errorf("scan manual job metrics: %w", err)
	}
	for _, key := range manualKeys {
		fields, err := e.kv.HGetAll(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		jobID := kv.JobIDFromJobMetricsKey(key)
		if jobID == "" || fields["process_id"] == "" || fields["command_name"] == "" {
			rep.Warnings++
			e.log.Warn("manual job metric missing identity", "key", key)
			continue
		}
		created := e.now().UTC()
		if ts, err := time.Parse(time.RFC3339, fields["timestamp"]); err == nil {
			created = ts
		}
		jm := metric.JobMetric{
			JobID:         jobID,
			ProcessID:     fields["process_id"],
			CommandName:   fields["command_name"],
			JobType:       fields["job_type"],
			ExecutionTime: parseFloat(fields["execution_time"]),
			MemoryUsage:   parseInt(fields["memory_usage"]),
			QueueTime:     parseFloat(fields["queue_time"]),
			Status:        fields["status"],
			CreatedAt:     created,
		}
		if err := jm.Validate(); err != nil {
			rep.Warnings++
			e.log.Warn("invalid manual job metric", "key", key, "err", err)
			continue
		}
		batch = append(batch, jm)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// cleanup drops transient entries older than the configured age. Failures
// here are warnings; cleanup is advisory and TTLs are the backstop.
func (e *Engine) cleanup(ctx context.Context, rep *Report) {
	cutoff := e.now().Add(-time.Duration(e.cfg.CleanupAfterHours) * time.Hour)

	counterKeys, err := e.kv.Keys(ctx, kv.CommandMetricsPrefix())
	if err == nil {
		for _, key := range counterKeys {
			fields, err := e.kv.HGetAll(ctx, key)
			if err != nil {
				continue
			}
			ts, err := time.Parse(time.RFC3339, fields["last_update"])
			if err != nil || !ts.Before(cutoff) {
				continue
			}
			if err := e.kv.Del(ctx, key); err != nil {
				rep.Warnings++
				e.log.Warn("counter cleanup failed", "key", key, "err", err)
				continue
			}
			rep.CleanedKeys++
		}
	}

	jobKeys, err := e.kv.Keys(ctx, kv.JobsScanPrefix())
	if err == nil {
		for _, key := range jobKeys {
			if !kv.IsJobsKey(key) {
				continue
			}
			fields, err := e.kv.HGetAll(ctx, key)
			if err != nil {
				continue
			}
			var stale []string
			for jobID, raw := range fields {
				var tj transientJob
				if err := json.Unmarshal([]byte(raw), &tj); err != nil {
					continue
				}
				if _, terminal := durableStatus(tj.Status); !terminal {
					continue
				}
				if unixToTime(tj.CompletedAt, tj.FailedAt, tj.CreatedAt).Before(cutoff) {
					stale = append(stale, jobID)
				}
			}
			if len(stale) == 0 {
				continue
			}
			if err := e.kv.HDel(ctx, key, stale...); err != nil {
				rep.Warnings++
				e.log.Warn("job cleanup failed", "key", key, "err", err)
				continue
			}
			rep.CleanedKeys += len(stale)
		}
	}

	manualKeys, err := e.kv.Keys(ctx, kv.JobMetricsPrefix())
	if err == nil {
		for _, key := range manualKeys {
			fields, err := e.kv.HGetAll(ctx, key)
			if err != nil {
				continue
			}
			ts, err := time.Parse(time.RFC3339, fields["timestamp"])
			if err != nil || !ts.Before(cutoff) {
				continue
			}
			if err := e.kv.Del(ctx, key); err != nil {
				rep.Warnings++
				continue
			}
			rep.CleanedKeys++
		}
	}
}

func (e *Engine) checkCeilings(start time.Time) error {
	if e.cfg.TimeoutSeconds > 0 {
		elapsed := e.now().Sub(start)
		if elapsed > time.Duration(e.cfg.TimeoutSeconds)*time.Second {
			return fmt.Errorf("sync aborted: elapsed %s exceeds %ds ceiling", elapsed.Round(time.Millisecond), e.cfg.TimeoutSeconds)
		}
	}
	if e.cfg.MaxMemoryMB > 0 {
		if heap := e.heap(); heap > uint64(e.cfg.MaxMemoryMB)<<20 {
			return fmt.Errorf("sync aborted: heap %dMB exceeds %dMB ceiling", heap>>20, e.cfg.MaxMemoryMB)
		}
	}
	return nil
}

// durableStatus maps a transient job status to its durable form. Only
// terminal jobs sync; the rest stay in the correlation store.
func durableStatus(s string) (string, bool) {
	switch s {
	case "completed":
		return metric.StatusSuccess, true
	case "failed":
		return metric.StatusFailed, true
	default:
		return "", false
	}
}

func unixToTime(candidates ...float64) time.Time {
	for _, v := range candidates {
		if v > 0 {
			sec := int64(v)
			return time.Unix(sec, int64((v-float64(sec))*1e9)).UTC()
		}
	}
	return time.Time{}
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
