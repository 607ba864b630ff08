package metric

import (
	"errors"
	"strings"
)

// NewFromDSN builds a Store for the given DSN.
// Supported schemes: sqlite:// (or a bare file path / :memory:),
// postgres:// / postgresql://, clickhouse://.
func NewFromDSN(dsn string) (Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty metric store DSN")
	}
	if strings.HasPrefix(strings.ToLower(d), "clickhouse://") {
		return NewClickHouseStore(d)
	}
	return NewSQLStore(d)
}
