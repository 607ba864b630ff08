package event

import (
	"context"
	"log/slog"
	"time"
)

// AnomalyType identifies the detector rule that fired.
type AnomalyType string

const (
	PerformanceDegradation AnomalyType = "performance_degradation"
	PerformanceImprovement AnomalyType = "performance_improvement"
	UnusualWorkloadHigh    AnomalyType = "unusual_workload_high"
	UnusualWorkloadLow     AnomalyType = "unusual_workload_low"
	HighFailureRate        AnomalyType = "high_failure_rate"
	LowFailureRate         AnomalyType = "low_failure_rate"
	CompleteFailure        AnomalyType = "complete_failure"
	MissedExecution        AnomalyType = "missed_execution"
	NeverExecuted          AnomalyType = "never_executed"
)

// Severity classifies how far the current value deviates from baseline.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
	// SeverityWarning marks low-confidence findings (zero baseline).
	SeverityWarning Severity = "warning"
)

// Anomaly is emitted by the analyzer for each detected deviation. It is
// ephemeral: the collector hands it to sinks and keeps nothing.
type Anomaly struct {
	Command          string      `json:"command"`
	Type             AnomalyType `json:"type"`
	Metric           string      `json:"metric"`
	Current          float64     `json:"current"`
	Threshold        float64     `json:"threshold"`
	BaselineAvg      float64     `json:"baseline_avg"`
	Direction        string      `json:"direction"` // worse|better|higher|lower
	PercentageChange float64     `json:"percentage_change"`
	Severity         Severity    `json:"severity"`
	ProcessID        string      `json:"process_id,omitempty"`
	HoursOverdue     float64     `json:"hours_overdue,omitempty"`
	DetectedAt       time.Time   `json:"detected_at"`
}

// Sink is a destination for anomaly events (notification fan-out).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, a Anomaly) error
}

// LogSink writes anomalies to the collector log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Send(_ context.Context, a Anomaly) error {
	s.Logger.Warn("performance anomaly detected",
		"command", a.Command,
		"type", string(a.Type),
		"metric", a.Metric,
		"current", a.Current,
		"baseline_avg", a.BaselineAvg,
		"severity", string(a.Severity),
		"percentage_change", a.PercentageChange,
	)
	return nil
}

// MultiSink fans one anomaly out to several sinks; the first error wins but
// all sinks are attempted.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, a Anomaly) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
