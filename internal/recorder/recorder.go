package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/soroux/jobpulse/internal/config"
	"github.com/soroux/jobpulse/internal/kv"
	"github.com/soroux/jobpulse/internal/metrics"
)

// Job statuses as stored in the correlation store. These are transient; the
// sync engine maps completed to the durable "success".
const (
	statusPending    = "pending"
	statusProcessing = "processing"
	statusCompleted  = "completed"
	statusFailed     = "failed"
)

// jobRecord is the per-job JSON document stored as one hash field under
// command:{processId}:jobs. Timestamps are unix seconds.
type jobRecord struct {
	Status        string  `json:"status"`
	ProcessID     string  `json:"process_id"`
	CommandName   string  `json:"command_name"`
	JobType       string  `json:"job_type,omitempty"`
	Queue         string  `json:"queue,omitempty"`
	JobClass      string  `json:"job_class,omitempty"`
	Attempts      int     `json:"attempts,omitempty"`
	CreatedAt     float64 `json:"created_at,omitempty"`
	StartedAt     float64 `json:"started_at,omitempty"`
	CompletedAt   float64 `json:"completed_at,omitempty"`
	FailedAt      float64 `json:"failed_at,omitempty"`
	QueueTime     float64 `json:"queue_time,omitempty"`
	ExecutionTime float64 `json:"execution_time,omitempty"`
	TotalTime     float64 `json:"total_time,omitempty"`
	Error         string  `json:"error,omitempty"`
	ErrorClass    string  `json:"exception_class,omitempty"`
	StackTrace    []Frame `json:"stack_trace,omitempty"`
}

// Recorder translates lifecycle notifications into correlation-store writes.
// It is telemetry: every store failure is logged and swallowed so the host
// job or command execution is never blocked or failed by it.
type Recorder struct {
	store kv.Store
	cfg   config.Config
	log   *slog.Logger
	now   func() time.Time
}

func New(store kv.Store, cfg config.Config, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, cfg: cfg, log: log, now: time.Now}
}

// OnJobQueued records a pending job and bumps the parent run's job_count.
func (r *Recorder) OnJobQueued(ctx context.Context, n JobQueued) {
	if !r.cfg.Monitor.JobCorrelationEnabled || !r.cfg.Monitor.MonitoredQueue(n.Queue) {
		return
	}
	if n.JobID == "" {
		r.log.Warn("job queued without id", "queue", n.Queue)
		return
	}
	t, ok := n.Payload.(Trackable)
	if !ok {
		r.log.Debug("job payload is not trackable", "job_id", n.JobID)
		return
	}
	pid, cmd := t.ProcessID(), t.CommandName()
	if pid == "" {
		// standalone dispatch: synthesize a run so correlation still works
		pid = uuid.New().String()
	}
	if cmd == "" {
		cmd = config.ManualDispatchCommand
	}

	rec := jobRecord{
		Status:      statusPending,
		ProcessID:   pid,
		CommandName: cmd,
		JobType:     t.JobType(),
		Queue:       n.Queue,
		JobClass:    fmt.Sprintf("%T", n.Payload),
		CreatedAt:   unixSeconds(r.now()),
	}
	r.writeJob(ctx, pid, n.JobID, rec, r.cfg.Monitor.TrackingTTL)

	if r.cfg.Analyze.Enabled && cmd != config.ManualDispatchCommand {
		key := kv.CommandMetricsKey(cmd, pid)
		if _, err := r.store.HIncrBy(ctx, key, "job_count", 1); err != nil {
			r.logKV("job_count increment", key, err)
			return
		}
		r.touchCounters(ctx, key, cmd, pid)
	}

	metrics.IncJobTracked("queued")
	r.log.Info("job queued", "job_id", n.JobID, "process_id", pid, "command", cmd)
}

// OnJobProcessing marks the job started and derives queue_time from the
// queued record. A missing prior record yields queue_time 0.
func (r *Recorder) OnJobProcessing(ctx context.Context, n JobProcessing) {
	if !r.cfg.Monitor.JobCorrelationEnabled || !r.cfg.Monitor.MonitoredQueue(n.Queue) {
		return
	}
	if n.JobID == "" {
		r.log.Warn("job processing without id", "queue", n.Queue)
		return
	}
	t, ok := n.Payload.(Trackable)
	if !ok {
		r.log.Debug("job payload is not trackable", "job_id", n.JobID)
		return
	}
	pid := t.ProcessID()
	if pid == "" {
		r.log.Warn("job processing without process id", "job_id", n.JobID)
		return
	}
	cmd := t.CommandName()
	if cmd == "" {
		cmd = config.ManualDispatchCommand
	}

	now := r.now()
	prior, _ := r.readJob(ctx, pid, n.JobID)
	var queueTime float64
	if prior.CreatedAt > 0 {
		queueTime = unixSeconds(now) - prior.CreatedAt
	}

	rec := jobRecord{
		Status:      statusProcessing,
		ProcessID:   pid,
		CommandName: cmd,
		JobType:     t.JobType(),
		Queue:       n.Queue,
		JobClass:    fmt.Sprintf("%T", n.Payload),
		Attempts:    n.Attempts,
		CreatedAt:   prior.CreatedAt,
		StartedAt:   unixSeconds(now),
		QueueTime:   round4(queueTime),
	}
	r.writeJob(ctx, pid, n.JobID, rec, r.cfg.Monitor.TrackingTTL)

	metrics.IncJobTracked("processing")
	r.log.Info("job processing", "job_id", n.JobID, "process_id", pid)
}

// OnJobCompleted finalizes timing and bumps success counters, or writes a
// standalone metric hash for manual dispatches.
func (r *Recorder) OnJobCompleted(ctx context.Context, n JobCompleted) {
	r.finishJob(ctx, n.JobID, n.Queue, n.Payload, n.PeakMemory, nil)
}

// OnJobFailed finalizes timing, captures bounded failure detail and bumps
// failed counters.
func (r *Recorder) OnJobFailed(ctx context.Context, n JobFailed) {
	f := n.Failure
	r.finishJob(ctx, n.JobID, n.Queue, n.Payload, n.PeakMemory, &f)
}

func (r *Recorder) finishJob(ctx context.Context, jobID, queue string, payload any, peakMemory int64, failure *Failure) {
	if !r.cfg.Monitor.JobCorrelationEnabled || !r.cfg.Monitor.MonitoredQueue(queue) {
		return
	}
	if jobID == "" {
		r.log.Warn("job finished without id", "queue", queue)
		return
	}
	t, ok := payload.(Trackable)
	if !ok {
		r.log.Debug("job payload is not trackable", "job_id", jobID)
		return
	}
	pid := t.ProcessID()
	if pid == "" {
		r.log.Warn("job finished without process id", "job_id", jobID)
		return
	}
	cmd := t.CommandName()
	if cmd == "" {
		cmd = config.ManualDispatchCommand
	}

	now := r.now()
	prior, _ := r.readJob(ctx, pid, jobID)
	startedAt := prior.StartedAt
	if startedAt == 0 {
		// degraded case: no processing record seen, execution time reads 0
		startedAt = unixSeconds(now)
	}
	execution := unixSeconds(now) - startedAt
	queueTime := prior.QueueTime
	total := execution + queueTime

	rec := jobRecord{
		ProcessID:     pid,
		CommandName:   cmd,
		JobType:       t.JobType(),
		Queue:         queue,
		JobClass:      fmt.Sprintf("%T", payload),
		CreatedAt:     prior.CreatedAt,
		StartedAt:     prior.StartedAt,
		QueueTime:     round4(queueTime),
		ExecutionTime: round4(execution),
		TotalTime:     round4(total),
	}
	ttl := r.cfg.Monitor.CompletedTTL
	status := metricStatusSuccess
	if failure != nil {
		rec.Status = statusFailed
		rec.FailedAt = unixSeconds(now)
		rec.Error = failure.Message
		rec.ErrorClass = failure.Class
		rec.StackTrace = r.boundFrames(failure.Frames)
		ttl = r.cfg.Monitor.FailedTTL
		status = metricStatusFailed
	} else {
		rec.Status = statusCompleted
		rec.CompletedAt = unixSeconds(now)
	}
	r.writeJob(ctx, pid, jobID, rec, ttl)

	if r.cfg.Analyze.Enabled {
		r.recordOutcome(ctx, jobID, rec, status, r.peakMemory(peakMemory), ttl)
	}

	if failure != nil {
		metrics.IncJobTracked("failed")
		r.log.Error("job failed", "job_id", jobID, "process_id", pid, "error", failure.Message)
	} else {
		metrics.IncJobTracked("completed")
		r.log.Info("job completed", "job_id", jobID, "process_id", pid,
			"execution_time", rec.ExecutionTime)
	}
}

const (
	metricStatusSuccess = "success"
	metricStatusFailed  = "failed"
)

// recordOutcome feeds the per-run counters, or for manual dispatches writes a
// flat job:metrics:{jobId} hash the sync engine picks up directly.
func (r *Recorder) recordOutcome(ctx context.Context, jobID string, rec jobRecord, status string, peakMemory int64, ttl time.Duration) {
	if rec.CommandName == config.ManualDispatchCommand {
		key := kv.JobMetricsKey(jobID)
		fields := map[string]string{
			"execution_time": formatFloat(rec.ExecutionTime),
			"queue_time":     formatFloat(rec.QueueTime),
			"process_id":     rec.ProcessID,
			"command_name":   rec.CommandName,
			"job_type":       rec.JobType,
			"memory_usage":   strconv.FormatInt(peakMemory, 10),
			"status":         status,
			"timestamp":      r.now().UTC().Format(time.RFC3339),
		}
		for f, v := range fields {
			if err := r.store.HSet(ctx, key, f, v); err != nil {
				r.logKV("manual job metric", key, err)
				return
			}
		}
		if err := r.store.Expire(ctx, key, ttl); err != nil {
			r.logKV("manual job metric expire", key, err)
		}
		return
	}

	key := kv.CommandMetricsKey(rec.CommandName, rec.ProcessID)
	counter := "success_jobs"
	if status == metricStatusFailed {
		counter = "failed_jobs"
	}
	if _, err := r.store.HIncrBy(ctx, key, counter, 1); err != nil {
		r.logKV(counter+" increment", key, err)
		return
	}
	if _, err := r.store.HIncrByFloat(ctx, key, "total_job_time", rec.ExecutionTime); err != nil {
		r.logKV("total_job_time increment", key, err)
	}
	if _, err := r.store.HMaxInt(ctx, key, "peak_memory", peakMemory); err != nil {
		r.logKV("peak_memory max", key, err)
	}
	r.touchCounters(ctx, key, rec.CommandName, rec.ProcessID)
}

// OnCommandStarting registers a running command process and initializes its
// run counters at zero.
func (r *Recorder) OnCommandStarting(ctx context.Context, n CommandStarting) {
	if !r.cfg.Monitor.CommandsEnabled || r.cfg.Monitor.IgnoredCommand(n.Name) {
		return
	}
	pid := uuid.New().String()
	source := n.Source
	if source == "" {
		source = "console"
	}
	now := r.now()

	entry, err := json.Marshal(map[string]any{
		"id":         pid,
		"command":    n.Name,
		"source":     source,
		"arguments":  n.Args,
		"started_at": now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		r.logKV("marshal running entry", kv.RunningCommandsKey, err)
		return
	}
	if err := r.store.HSet(ctx, kv.RunningCommandsKey, pid, string(entry)); err != nil {
		r.logKV("running entry", kv.RunningCommandsKey, err)
		return
	}
	if err := r.store.Expire(ctx, kv.RunningCommandsKey, r.cfg.Monitor.TrackingTTL); err != nil {
		r.logKV("running expire", kv.RunningCommandsKey, err)
	}

	// best-effort correlation for the finish event; races if the same
	// command name runs concurrently
	if err := r.store.Set(ctx, kv.PIDMapKey(n.Name), pid, kv.PIDMapTTL); err != nil {
		r.logKV("pid map", kv.PIDMapKey(n.Name), err)
	}

	if r.cfg.Analyze.Enabled {
		key := kv.CommandMetricsKey(n.Name, pid)
		// increments by zero initialize the counters without clobbering
		// jobs that were queued before this event landed
		if _, err := r.store.HIncrBy(ctx, key, "job_count", 0); err != nil {
			r.logKV("init job_count", key, err)
		}
		_, _ = r.store.HIncrBy(ctx, key, "success_jobs", 0)
		_, _ = r.store.HIncrBy(ctx, key, "failed_jobs", 0)
		_, _ = r.store.HIncrByFloat(ctx, key, "total_job_time", 0)
		_, _ = r.store.HMaxInt(ctx, key, "peak_memory", 0)
		for f, v := range map[string]string{
			"command_name": n.Name,
			"process_id":   pid,
			"source":       source,
			"start_time":   now.UTC().Format(time.RFC3339),
			"last_update":  now.UTC().Format(time.RFC3339),
		} {
			if err := r.store.HSet(ctx, key, f, v); err != nil {
				r.logKV("counter metadata", key, err)
				break
			}
		}
		if err := r.store.Expire(ctx, key, r.cfg.Monitor.TrackingTTL); err != nil {
			r.logKV("counter expire", key, err)
		}
	}

	r.log.Info("command started", "command", n.Name, "process_id", pid, "source", source)
}

// OnCommandFinished moves the running entry to the finished set via the
// name-keyed reverse index.
func (r *Recorder) OnCommandFinished(ctx context.Context, n CommandFinished) {
	if !r.cfg.Monitor.CommandsEnabled || r.cfg.Monitor.IgnoredCommand(n.Name) {
		return
	}
	pid, err := r.store.Get(ctx, kv.PIDMapKey(n.Name))
	if err != nil {
		r.log.Debug("no pid mapping for finished command", "command", n.Name)
		return
	}
	entry, err := json.Marshal(map[string]any{
		"id":          pid,
		"command":     n.Name,
		"exit_code":   n.ExitCode,
		"finished_at": r.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		r.logKV("marshal finished entry", kv.FinishedCommandsKey, err)
		return
	}
	if err := r.store.HSet(ctx, kv.FinishedCommandsKey, pid, string(entry)); err != nil {
		r.logKV("finished entry", kv.FinishedCommandsKey, err)
		return
	}
	if err := r.store.Expire(ctx, kv.FinishedCommandsKey, r.cfg.Monitor.TrackingTTL); err != nil {
		r.logKV("finished expire", kv.FinishedCommandsKey, err)
	}
	if err := r.store.HDel(ctx, kv.RunningCommandsKey, pid); err != nil {
		r.logKV("running delete", kv.RunningCommandsKey, err)
	}
	if err := r.store.Del(ctx, kv.PIDMapKey(n.Name)); err != nil {
		r.logKV("pid map delete", kv.PIDMapKey(n.Name), err)
	}

	r.log.Info("command finished", "command", n.Name, "process_id", pid, "exit_code", n.ExitCode)
}

// touchCounters stamps identity fields so counters created by queued jobs
// before (or without) a command-start event remain syncable.
func (r *Recorder) touchCounters(ctx context.Context, key, cmd, pid string) {
	for f, v := range map[string]string{
		"command_name": cmd,
		"process_id":   pid,
		"last_update":  r.now().UTC().Format(time.RFC3339),
	} {
		if err := r.store.HSet(ctx, key, f, v); err != nil {
			r.logKV("counter metadata", key, err)
			return
		}
	}
	if err := r.store.Expire(ctx, key, r.cfg.Monitor.TrackingTTL); err != nil {
		r.logKV("counter expire", key, err)
	}
}

func (r *Recorder) writeJob(ctx context.Context, pid, jobID string, rec jobRecord, ttl time.Duration) {
	key := kv.JobsKey(pid)
	data, err := json.Marshal(rec)
	if err != nil {
		r.logKV("marshal job record", key, err)
		return
	}
	if err := r.store.HSet(ctx, key, jobID, string(data)); err != nil {
		r.logKV("job record", key, err)
		return
	}
	if err := r.store.Expire(ctx, key, ttl); err != nil {
		r.logKV("job record expire", key, err)
	}
}

func (r *Recorder) readJob(ctx context.Context, pid, jobID string) (jobRecord, bool) {
	raw, err := r.store.HGet(ctx, kv.JobsKey(pid), jobID)
	if err != nil {
		return jobRecord{}, false
	}
	var rec jobRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		r.log.Warn("corrupt job record", "process_id", pid, "job_id", jobID, "err", err)
		return jobRecord{}, false
	}
	return rec, true
}

// peakMemory prefers the worker-reported value, falling back to a heap
// sample of this process.
func (r *Recorder) peakMemory(reported int64) int64 {
	if reported > 0 {
		return reported
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapAlloc)
}

// boundFrames caps reported frames at the configured count; with no frames
// reported it captures this process's own callers instead.
func (r *Recorder) boundFrames(frames []Frame) []Frame {
	limit := r.cfg.Monitor.FrameCount
	if limit <= 0 {
		return nil
	}
	if len(frames) > 0 {
		if len(frames) > limit {
			frames = frames[:limit]
		}
		return frames
	}
	pcs := make([]uintptr, limit)
	n := runtime.Callers(4, pcs)
	iter := runtime.CallersFrames(pcs[:n])
	var out []Frame
	for {
		f, more := iter.Next()
		if f.Function != "" {
			out = append(out, Frame{File: f.File, Line: f.Line, Call: f.Function})
		}
		if !more || len(out) >= limit {
			break
		}
	}
	return out
}

func (r *Recorder) logKV(op, key string, err error) {
	r.log.Error("correlation store operation failed", "op", op, "key", key, "err", err)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
