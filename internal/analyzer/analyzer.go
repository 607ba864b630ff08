package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/soroux/jobpulse/internal/config"
	"github.com/soroux/jobpulse/internal/event"
	"github.com/soroux/jobpulse/internal/metric"
	"github.com/soroux/jobpulse/internal/metrics"
)

// Band is one metric's baseline with its multiplicative detection band.
type Band struct {
	Average float64 `json:"average"`
	StdDev  float64 `json:"std_dev"`
	Upper   float64 `json:"threshold_upper"`
	Lower   float64 `json:"threshold_lower"`
}

// Baseline is computed from the retention window excluding the latest run.
// Standard deviations are retained for future use.
type Baseline struct {
	TotalTime      Band    `json:"total_time"`
	JobCount       Band    `json:"job_count"`
	FailedJobs     Band    `json:"failed_jobs"`
	SuccessJobsAvg float64 `json:"success_jobs_avg"`
}

// CommandAnalysis is the per-command result.
type CommandAnalysis struct {
	Command    string                `json:"command"`
	DataPoints int                   `json:"data_points"`
	Reason     string                `json:"reason,omitempty"`
	Baseline   Baseline              `json:"baseline"`
	Latest     *metric.CommandMetric `json:"latest_metric,omitempty"`
	Anomalies  []event.Anomaly       `json:"anomalies,omitempty"`
}

// Summary aggregates one AnalyzeAll invocation.
type Summary struct {
	Timestamp        time.Time                 `json:"timestamp"`
	CommandsAnalyzed int                       `json:"commands_analyzed"`
	CommandsFlagged  int                       `json:"commands_flagged"`
	TotalAnomalies   int                       `json:"total_anomalies"`
	ByType           map[event.AnomalyType]int `json:"by_type"`
	BySeverity       map[event.Severity]int    `json:"by_severity"`
	AnomalyRate      float64                   `json:"anomaly_rate"`
	Errors           []string                  `json:"errors,omitempty"`
	Warnings         []string                  `json:"warnings,omitempty"`
}

// Analyzer detects anomalies over durable command metrics. It never writes
// to the metric store; findings go to the event sink.
type Analyzer struct {
	store metric.Store
	sink  event.Sink
	cfg   config.Config
	log   *slog.Logger
	now   func() time.Time
}

func New(store metric.Store, sink event.Sink, cfg config.Config, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	if sink == nil {
		sink = event.LogSink{Logger: log}
	}
	return &Analyzer{store: store, sink: sink, cfg: cfg, log: log, now: time.Now}
}

// AnalyzeCommand runs anomaly detection for one command over the retention
// window. Fewer than two data points yields no anomalies.
func (a *Analyzer) AnalyzeCommand(ctx context.Context, command string) (CommandAnalysis, error) {
	since := a.now().AddDate(0, 0, -a.cfg.Analyze.RetentionDays)
	rows, err := a.store.RecentCommandMetrics(ctx, command, since)
	if err != nil {
		return CommandAnalysis{}, fmt.Errorf("fetch metrics for %s: %w", command, err)
	}
	res := CommandAnalysis{Command: command, DataPoints: len(rows)}
	if len(rows) < 2 {
		res.Reason = "insufficient data for analysis (need at least 2 data points)"
		return res, nil
	}

	latest := rows[0]
	res.Latest = &latest
	res.Baseline = a.baseline(rows[1:])
	res.Anomalies = a.detect(latest, res.Baseline)

	for _, an := range res.Anomalies {
		metrics.IncAnomaly(string(an.Type), string(an.Severity))
		if err := a.sink.Send(ctx, an); err != nil {
			a.log.Error("anomaly delivery failed", "command", command, "type", string(an.Type), "err", err)
		}
	}
	return res, nil
}

// AnalyzeAll analyzes every command seen in the retention window, skipping
// ignored commands, and runs the missed-execution check once.
func (a *Analyzer) AnalyzeAll(ctx context.Context) (Summary, error) {
	sum := Summary{
		Timestamp:  a.now().UTC(),
		ByType:     map[event.AnomalyType]int{},
		BySeverity: map[event.Severity]int{},
	}
	since := a.now().AddDate(0, 0, -a.cfg.Analyze.RetentionDays)
	names, err := a.store.DistinctCommands(ctx, since)
	if err != nil {
		return sum, fmt.Errorf("list commands: %w", err)
	}
	for _, name := range names {
		if a.cfg.Monitor.IgnoredCommand(name) {
			continue
		}
		sum.CommandsAnalyzed++
		res, err := a.AnalyzeCommand(ctx, name)
		if err != nil {
			sum.Errors = append(sum.Errors, err.Error())
			a.log.Error("command analysis failed", "command", name, "err", err)
			continue
		}
		if len(res.Anomalies) > 0 {
			sum.CommandsFlagged++
		}
		sum.count(res.Anomalies)
	}
	if sum.CommandsAnalyzed == 0 {
		sum.Warnings = append(sum.Warnings, "no commands found for analysis")
	} else {
		sum.AnomalyRate = math.Round(float64(sum.CommandsFlagged)/float64(sum.CommandsAnalyzed)*10000) / 100
	}

	if a.cfg.Analyze.ScheduleAnalysisEnabled {
		missed, err := a.CheckMissedExecutions(ctx)
		if err != nil {
			sum.Errors = append(sum.Errors, err.Error())
		}
		sum.count(missed)
		for _, an := range missed {
			sum.Warnings = append(sum.Warnings, fmt.Sprintf("%s: %s", an.Command, an.Type))
		}
	}

	a.log.Info("analysis completed",
		"commands_analyzed", sum.CommandsAnalyzed,
		"commands_flagged", sum.CommandsFlagged,
		"total_anomalies", sum.TotalAnomalies,
	)
	return sum, nil
}

func (s *Summary) count(anomalies []event.Anomaly) {
	for _, an := range anomalies {
		s.TotalAnomalies++
		s.ByType[an.Type]++
		s.BySeverity[an.Severity]++
	}
}

// CheckMissedExecutions inspects configured schedules against last
// executions and emits never_executed / missed_execution findings.
func (a *Analyzer) CheckMissedExecutions(ctx context.Context) ([]event.Anomaly, error) {
	now := a.now().UTC()
	grace := time.Duration(a.cfg.Analyze.MissedExecutionHours) * time.Hour
	var out []event.Anomaly

	for name, interval := range a.cfg.Analyze.ScheduledCommands {
		last, err := a.store.LastExecution(ctx, name)
		if errors.Is(err, metric.ErrNotFound) {
			out = append(out, event.Anomaly{
				Command:    name,
				Type:       event.NeverExecuted,
				Metric:     "last_execution",
				Direction:  "worse",
				Severity:   event.SeverityHigh,
				DetectedAt: now,
			})
			continue
		}
		if err != nil {
			return out, fmt.Errorf("last execution of %s: %w", name, err)
		}
		if last.Source != metric.SourceConsole {
			continue
		}
		expected := last.RunDate.Add(interval)
		if overdue := now.Sub(expected); overdue > grace {
			out = append(out, event.Anomaly{
				Command:      name,
				Type:         event.MissedExecution,
				Metric:       "last_execution",
				Direction:    "worse",
				Severity:     event.SeverityMedium,
				ProcessID:    last.ProcessID,
				HoursOverdue: math.Round(overdue.Hours()*100) / 100,
				DetectedAt:   now,
			})
		}
	}

	for name, intervalMin := range a.cfg.Analyze.APICommands {
		interval := time.Duration(intervalMin) * time.Minute
		last, err := a.store.LastExecutionBySource(ctx, name, metric.SourceAPI)
		if errors.Is(err, metric.ErrNotFound) || (err == nil && now.Sub(last.CreatedAt) > interval) {
			an := event.Anomaly{
				Command:    name,
				Type:       event.MissedExecution,
				Metric:     "last_api_execution",
				Direction:  "worse",
				Severity:   event.SeverityMedium,
				DetectedAt: now,
			}
			if err == nil {
				an.ProcessID = last.ProcessID
				an.HoursOverdue = math.Round((now.Sub(last.CreatedAt)-interval).Hours()*100) / 100
			}
			out = append(out, an)
			continue
		}
		if err != nil {
			return out, fmt.Errorf("last api execution of %s: %w", name, err)
		}
	}

	for _, an := range out {
		metrics.IncAnomaly(string(an.Type), string(an.Severity))
		if err := a.sink.Send(ctx, an); err != nil {
			a.log.Error("anomaly delivery failed", "command", an.Command, "type", string(an.Type), "err", err)
		}
	}
	return out, nil
}

func (a *Analyzer) baseline(hist []metric.CommandMetric) Baseline {
	totals := make([]float64, len(hist))
	counts := make([]float64, len(hist))
	fails := make([]float64, len(hist))
	var success float64
	for i, m := range hist {
		totals[i] = m.TotalTime
		counts[i] = float64(m.JobCount)
		fails[i] = float64(m.FailedJobs)
		success += float64(m.SuccessJobs)
	}
	c := a.cfg.Analyze
	return Baseline{
		TotalTime:      band(totals, c.PerformanceThreshold, c.PerformanceThresholdLower),
		JobCount:       band(counts, c.JobCountThreshold, c.JobCountThresholdLower),
		FailedJobs:     band(fails, c.FailedJobsThreshold, c.FailedJobsThresholdLower),
		SuccessJobsAvg: success / float64(len(hist)),
	}
}

func band(values []float64, upper, lower float64) Band {
	avg := mean(values)
	return Band{
		Average: avg,
		StdDev:  stddev(values, avg),
		Upper:   avg * upper,
		Lower:   avg * lower,
	}
}

// detect applies the dual-threshold checks. Boundaries are exclusive: a value
// exactly at a threshold does not fire.
func (a *Analyzer) detect(latest metric.CommandMetric, b Baseline) []event.Anomaly {
	now := a.now().UTC()
	var out []event.Anomaly
	add := func(t event.AnomalyType, metricName string, current, threshold, baseline float64, direction string) {
		out = append(out, event.Anomaly{
			Command:          latest.CommandName,
			Type:             t,
			Metric:           metricName,
			Current:          current,
			Threshold:        threshold,
			BaselineAvg:      baseline,
			Direction:        direction,
			PercentageChange: percentageChange(current, baseline),
			Severity:         severity(current, baseline),
			ProcessID:        latest.ProcessID,
			DetectedAt:       now,
		})
	}

	if latest.TotalTime > b.TotalTime.Upper {
		add(event.PerformanceDegradation, "total_time", latest.TotalTime, b.TotalTime.Upper, b.TotalTime.Average, "worse")
	}
	if latest.TotalTime < b.TotalTime.Lower {
		add(event.PerformanceImprovement, "total_time", latest.TotalTime, b.TotalTime.Lower, b.TotalTime.Average, "better")
	}

	jobCount := float64(latest.JobCount)
	if jobCount > b.JobCount.Upper {
		add(event.UnusualWorkloadHigh, "job_count", jobCount, b.JobCount.Upper, b.JobCount.Average, "higher")
	}
	if jobCount < b.JobCount.Lower {
		add(event.UnusualWorkloadLow, "job_count", jobCount, b.JobCount.Lower, b.JobCount.Average, "lower")
	}

	failed := float64(latest.FailedJobs)
	if failed > b.FailedJobs.Upper {
		add(event.HighFailureRate, "failed_jobs", failed, b.FailedJobs.Upper, b.FailedJobs.Average, "worse")
	}
	if failed < b.FailedJobs.Lower {
		add(event.LowFailureRate, "failed_jobs", failed, b.FailedJobs.Lower, b.FailedJobs.Average, "better")
	}

	// a run with jobs but zero successes is always critical
	if latest.JobCount > 0 && latest.SuccessJobs == 0 {
		out = append(out, event.Anomaly{
			Command:          latest.CommandName,
			Type:             event.CompleteFailure,
			Metric:           "success_jobs",
			Current:          0,
			BaselineAvg:      b.SuccessJobsAvg,
			Direction:        "worse",
			PercentageChange: percentageChange(0, b.SuccessJobsAvg),
			Severity:         event.SeverityCritical,
			ProcessID:        latest.ProcessID,
			DetectedAt:       now,
		})
	}
	return out
}

// percentageChange returns 0 for a zero baseline rather than dividing by it.
func percentageChange(current, baseline float64) float64 {
	if baseline == 0 {
		return 0
	}
	return (current - baseline) / baseline * 100
}

func severity(current, baseline float64) event.Severity {
	if baseline == 0 {
		return event.SeverityWarning
	}
	deviation := math.Abs((current - baseline) / baseline)
	switch {
	case deviation >= 3.0:
		return event.SeverityCritical
	case deviation >= 2.0:
		return event.SeverityHigh
	case deviation >= 1.5:
		return event.SeverityMedium
	default:
		return event.SeverityLow
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev is the sample standard deviation; fewer than two values yield 0.
func stddev(values []float64, avg float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var variance float64
	for _, v := range values {
		variance += (v - avg) * (v - avg)
	}
	return math.Sqrt(variance / float64(len(values)-1))
}
