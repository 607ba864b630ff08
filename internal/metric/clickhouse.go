package metric

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseStore persists metrics in ClickHouse using the official client.
// Upsert semantics come from ReplacingMergeTree keyed on the natural id with
// updated_at as the version column; reads use FINAL so the last write wins.
type ClickHouseStore struct {
	conn driver.Conn
}

func NewClickHouseStore(dsn string) (*ClickHouseStore, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &ClickHouseStore{conn: conn}
	if err := s.EnsureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *ClickHouseStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS command_metrics (
			process_id String,
			command_name String,
			source String,
			total_time Float64,
			job_count Int64,
			success_jobs Int64,
			failed_jobs Int64,
			avg_job_time Float64,
			peak_memory Int64,
			run_date DateTime,
			created_at DateTime,
			updated_at DateTime
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY process_id;`,
		`CREATE TABLE IF NOT EXISTS job_metrics (
			job_id String,
			process_id String,
			command_name String,
			job_type String,
			execution_time Float64,
			memory_usage Int64,
			queue_time Float64,
			status String,
			created_at DateTime,
			updated_at DateTime
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY job_id;`,
	}
	for _, q := range stmts {
		if err := s.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *ClickHouseStore) UpsertCommandMetric(ctx context.Context, m CommandMetric) error {
	if err := m.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	created := m.CreatedAt
	if created.IsZero() {
		created = now
	}
	err := s.conn.Exec(ctx, `
		INSERT INTO command_metrics (process_id, command_name, source, total_time, job_count,
			success_jobs, failed_jobs, avg_job_time, peak_memory, run_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ProcessID, m.CommandName, m.Source, m.TotalTime, m.JobCount,
		m.SuccessJobs, m.FailedJobs, m.AvgJobTime, m.PeakMemory,
		m.RunDate.UTC(), created, now)
	if err != nil {
		return fmt.Errorf("upsert command metric %s: %w", m.ProcessID, err)
	}
	return nil
}

func (s *ClickHouseStore) UpsertJobMetrics(ctx context.Context, ms []JobMetric) error {
	if len(ms) == 0 {
		return nil
	}
	for _, m := range ms {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO job_metrics (job_id, process_id, command_name, job_type, execution_time,
			memory_usage, queue_time, status, created_at, updated_at)`)
	if err != nil {
		return fmt.Errorf("prepare job metrics batch: %w", err)
	}
	now := time.Now().UTC()
	for _, m := range ms {
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}
		if err := batch.Append(m.JobID, m.ProcessID, m.CommandName, m.JobType,
			m.ExecutionTime, m.MemoryUsage, m.QueueTime, m.Status, created, now); err != nil {
			return fmt.Errorf("append job metric %s: %w", m.JobID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send job metrics batch: %w", err)
	}
	return nil
}

const chCommandColumns = `process_id, command_name, source, total_time, job_count,
	success_jobs, failed_jobs, avg_job_time, peak_memory, run_date, created_at`

func (s *ClickHouseStore) scanCommands(rows driver.Rows) ([]CommandMetric, error) {
	defer func() { _ = rows.Close() }()
	var out []CommandMetric
	for rows.Next() {
		var m CommandMetric
		if err := rows.Scan(&m.ProcessID, &m.CommandName, &m.Source, &m.TotalTime,
			&m.JobCount, &m.SuccessJobs, &m.FailedJobs, &m.AvgJobTime, &m.PeakMemory,
			&m.RunDate, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) RecentCommandMetrics(ctx context.Context, command string, since time.Time) ([]CommandMetric, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+chCommandColumns+`
		FROM command_metrics FINAL
		WHERE command_name = ? AND created_at >= ?
		ORDER BY run_date DESC, created_at DESC`, command, since.UTC())
	if err != nil {
		return nil, err
	}
	return s.scanCommands(rows)
}

func (s *ClickHouseStore) DistinctCommands(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT command_name FROM command_metrics FINAL
		WHERE created_at >= ? ORDER BY command_name`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) lastExecution(ctx context.Context, query string, args ...any) (CommandMetric, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return CommandMetric{}, err
	}
	ms, err := s.scanCommands(rows)
	if err != nil {
		return CommandMetric{}, err
	}
	if len(ms) == 0 {
		return CommandMetric{}, ErrNotFound
	}
	return ms[0], nil
}

func (s *ClickHouseStore) LastExecution(ctx context.Context, command string) (CommandMetric, error) {
	return s.lastExecution(ctx, `
		SELECT `+chCommandColumns+`
		FROM command_metrics FINAL
		WHERE command_name = ?
		ORDER BY run_date DESC, created_at DESC LIMIT 1`, command)
}

func (s *ClickHouseStore) LastExecutionBySource(ctx context.Context, command, source string) (CommandMetric, error) {
	return s.lastExecution(ctx, `
		SELECT `+chCommandColumns+`
		FROM command_metrics FINAL
		WHERE command_name = ? AND source = ?
		ORDER BY run_date DESC, created_at DESC LIMIT 1`, command, source)
}

const chJobColumns = `job_id, process_id, command_name, job_type, execution_time,
	memory_usage, queue_time, status, created_at`

func (s *ClickHouseStore) scanJobs(rows driver.Rows) ([]JobMetric, error) {
	defer func() { _ = rows.Close() }()
	var out []JobMetric
	for rows.Next() {
		var m JobMetric
		if err := rows.Scan(&m.JobID, &m.ProcessID, &m.CommandName, &m.JobType,
			&m.ExecutionTime, &m.MemoryUsage, &m.QueueTime, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *ClickHouseStore) FailedJobs(ctx context.Context, limit int) ([]JobMetric, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.conn.Query(ctx, `
		SELECT `+chJobColumns+`
		FROM job_metrics FINAL
		WHERE status = ?
		ORDER BY created_at DESC LIMIT ?`, StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	return s.scanJobs(rows)
}

func (s *ClickHouseStore) JobsByProcess(ctx context.Context, processID string) ([]JobMetric, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+chJobColumns+`
		FROM job_metrics FINAL
		WHERE process_id = ?
		ORDER BY created_at`, processID)
	if err != nil {
		return nil, err
	}
	return s.scanJobs(rows)
}

func (s *ClickHouseStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.conn.QueryRow(ctx, `SELECT toInt64(count()) FROM command_metrics FINAL`)
	if err := row.Scan(&st.Commands); err != nil {
		return st, err
	}
	row = s.conn.QueryRow(ctx, `
		SELECT toInt64(count()),
			toInt64(countIf(status = ?)),
			toInt64(countIf(status = ?))
		FROM job_metrics FINAL`, StatusSuccess, StatusFailed)
	if err := row.Scan(&st.Jobs, &st.SuccessJobs, &st.FailedJobs); err != nil {
		return st, err
	}
	return st, nil
}

func (s *ClickHouseStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
