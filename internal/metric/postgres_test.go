package metric

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgresContainer starts a PostgreSQL container and returns a DSN
// suitable for pgx stdlib. It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}
	return dsn, terminate
}

func waitForPostgres(t *testing.T, dsn string) {
	t.Helper()
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresStore_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	dsn, terminate := startPostgresContainer(t)
	defer terminate()
	waitForPostgres(t, dsn)

	s, err := NewSQLStore(dsn)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	now := time.Now().UTC()

	m := sampleCommand("pg-pid-1", "report:daily", now)
	if err := s.UpsertCommandMetric(ctx, m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	m.JobCount = 42
	m.SuccessJobs = 40
	m.FailedJobs = 2
	if err := s.UpsertCommandMetric(ctx, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.LastExecution(ctx, "report:daily")
	if err != nil {
		t.Fatalf("last execution: %v", err)
	}
	if got.JobCount != 42 {
		t.Fatalf("upsert not applied: %+v", got)
	}

	jobs := []JobMetric{
		{JobID: "pg-job-1", ProcessID: "pg-pid-1", CommandName: "report:daily",
			ExecutionTime: 1.5, Status: StatusSuccess},
		{JobID: "pg-job-2", ProcessID: "pg-pid-1", CommandName: "report:daily",
			ExecutionTime: 0.5, Status: StatusFailed},
	}
	if err := s.UpsertJobMetrics(ctx, jobs); err != nil {
		t.Fatalf("job batch: %v", err)
	}
	if err := s.UpsertJobMetrics(ctx, jobs); err != nil {
		t.Fatalf("job batch replay: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Commands != 1 || st.Jobs != 2 || st.FailedJobs != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
