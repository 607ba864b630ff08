package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("kv: not found")

// Store is the correlation-store protocol: string keys addressing either a
// hash of string fields or a plain value, with per-key expiry. A given key is
// only ever used as one or the other.
//
// Increment and max operations must be atomic at the store level so that
// concurrent job completions under the same process id cannot lose updates.
type Store interface {
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error)
	// HMaxInt stores max(current, v) in field and returns the stored value.
	HMaxInt(ctx context.Context, key, field string, v int64) (int64, error)

	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error

	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	// Backend is "memory" or "badger".
	Backend string
	// Path is the badger data directory. Ignored for memory.
	Path string
	// SyncWrites enables synchronous badger writes.
	SyncWrites bool
	// Logger receives backend-internal logging. Optional.
	Logger *slog.Logger
}

// New opens a Store for the configured backend.
func New(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemory(), nil
	case "badger":
		return NewBadger(cfg)
	default:
		return nil, fmt.Errorf("unknown kv backend %q", cfg.Backend)
	}
}
