package metric

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = errors.New("metric: not found")

// Job statuses as persisted. Transient "completed" maps to StatusSuccess
// during sync.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Command sources.
const (
	SourceConsole = "console"
	SourceAPI     = "api"
)

// CommandMetric is one durable row per command invocation, keyed by the
// unique process id. Written only by the sync engine.
type CommandMetric struct {
	ProcessID   string    `json:"process_id"`
	CommandName string    `json:"command_name"`
	Source      string    `json:"source"`
	TotalTime   float64   `json:"total_time"`
	JobCount    int64     `json:"job_count"`
	SuccessJobs int64     `json:"success_jobs"`
	FailedJobs  int64     `json:"failed_jobs"`
	AvgJobTime  float64   `json:"avg_job_time"`
	PeakMemory  int64     `json:"peak_memory"`
	RunDate     time.Time `json:"run_date"`
	CreatedAt   time.Time `json:"created_at"`
}

// JobMetric is one durable row per job execution, keyed by the unique job id.
type JobMetric struct {
	JobID         string    `json:"job_id"`
	ProcessID     string    `json:"process_id"`
	CommandName   string    `json:"command_name"`
	JobType       string    `json:"job_type,omitempty"`
	ExecutionTime float64   `json:"execution_time"`
	MemoryUsage   int64     `json:"memory_usage"`
	QueueTime     float64   `json:"queue_time"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Stats is the aggregate snapshot served by the read API.
type Stats struct {
	Commands    int64 `json:"commands"`
	Jobs        int64 `json:"jobs"`
	SuccessJobs int64 `json:"success_jobs"`
	FailedJobs  int64 `json:"failed_jobs"`
}

// Store is the durable metric store. The sync engine owns all writes; the
// analyzer and read API only read.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// UpsertCommandMetric inserts or replaces the row for m.ProcessID.
	UpsertCommandMetric(ctx context.Context, m CommandMetric) error
	// UpsertJobMetrics writes a batch keyed on job_id, all-or-nothing.
	UpsertJobMetrics(ctx context.Context, ms []JobMetric) error

	// RecentCommandMetrics returns rows for command since the given time,
	// most recent run first.
	RecentCommandMetrics(ctx context.Context, command string, since time.Time) ([]CommandMetric, error)
	// DistinctCommands lists command names seen since the given time.
	DistinctCommands(ctx context.Context, since time.Time) ([]string, error)
	// LastExecution returns the most recent run of command, any source.
	// Returns ErrNotFound when the command never ran.
	LastExecution(ctx context.Context, command string) (CommandMetric, error)
	// LastExecutionBySource restricts LastExecution to one source.
	LastExecutionBySource(ctx context.Context, command, source string) (CommandMetric, error)

	FailedJobs(ctx context.Context, limit int) ([]JobMetric, error)
	JobsByProcess(ctx context.Context, processID string) ([]JobMetric, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Validate checks the CommandMetric invariants before a write.
func (m CommandMetric) Validate() error {
	if m.ProcessID == "" {
		return errors.New("command metric requires process_id")
	}
	if m.CommandName == "" {
		return errors.New("command metric requires command_name")
	}
	if m.TotalTime < 0 || m.AvgJobTime < 0 {
		return fmt.Errorf("command metric %s: negative time", m.ProcessID)
	}
	if m.JobCount < 0 || m.SuccessJobs < 0 || m.FailedJobs < 0 || m.PeakMemory < 0 {
		return fmt.Errorf("command metric %s: negative counter", m.ProcessID)
	}
	if m.SuccessJobs+m.FailedJobs > m.JobCount {
		return fmt.Errorf("command metric %s: success+failed (%d) exceeds job_count (%d)",
			m.ProcessID, m.SuccessJobs+m.FailedJobs, m.JobCount)
	}
	return nil
}

// Validate checks the JobMetric invariants before a write.
func (m JobMetric) Validate() error {
	if m.JobID == "" {
		return errors.New("job metric requires job_id")
	}
	if m.ProcessID == "" {
		return errors.New("job metric requires process_id")
	}
	if m.CommandName == "" {
		return errors.New("job metric requires command_name")
	}
	if m.Status != StatusSuccess && m.Status != StatusFailed {
		return fmt.Errorf("job metric %s: invalid status %q", m.JobID, m.Status)
	}
	if m.ExecutionTime < 0 || m.QueueTime < 0 || m.MemoryUsage < 0 {
		return fmt.Errorf("job metric %s: negative value", m.JobID)
	}
	return nil
}
