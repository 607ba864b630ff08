package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Badger is a Store backed by an embedded BadgerDB. Keys map 1:1 to badger
// keys; hash values are stored as one JSON object per key so that every
// read-modify-write runs inside a single serializable transaction. Commit
// conflicts are retried, which gives the atomicity the counter fields need.
type Badger struct {
	db *badger.DB
}

const badgerMaxRetries = 16

// NewBadger opens the badger backend. An empty path opens an in-memory
// database, which is what the tests use.
func NewBadger(cfg Config) (*Badger, error) {
	var opts badger.Options
	if cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Path, err)
	}
	return &Badger{db: db}, nil
}

// badgerLogger bridges badger's internal logging onto slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// update runs fn in a read-modify-write transaction, retrying on commit
// conflicts.
func (b *Badger) update(fn func(txn *badger.Txn) error) error {
	for i := 0; i < badgerMaxRetries; i++ {
		err := b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("badger update: %w after %d retries", badger.ErrConflict, badgerMaxRetries)
}

// readHash loads the hash at key along with its remaining TTL. A missing key
// yields an empty map and zero TTL.
func readHash(txn *badger.Txn, key string) (map[string]string, time.Duration, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return map[string]string{}, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	ttl := remainingTTL(item)
	var h map[string]string
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &h)
	})
	if err != nil {
		return nil, 0, err
	}
	if h == nil {
		h = map[string]string{}
	}
	return h, ttl, nil
}

func remainingTTL(item *badger.Item) time.Duration {
	exp := item.ExpiresAt()
	if exp == 0 {
		return 0
	}
	d := time.Until(time.Unix(int64(exp), 0))
	if d < 0 {
		d = time.Second
	}
	return d
}

func writeHash(txn *badger.Txn, key string, h map[string]string, ttl time.Duration) error {
	buf, err := json.Marshal(h)
	if err != nil {
		return err
	}
	e := badger.NewEntry([]byte(key), buf)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return txn.SetEntry(e)
}

func (b *Badger) HSet(_ context.Context, key, field, value string) error {
	return b.update(func(txn *badger.Txn) error {
		h, ttl, err := readHash(txn, key)
		if err != nil {
			return err
		}
		h[field] = value
		return writeHash(txn, key, h, ttl)
	})
}

func (b *Badger) HGet(ctx context.Context, key, field string) (string, error) {
	h, err := b.HGetAll(ctx, key)
	if err != nil {
		return "", err
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (b *Badger) HGetAll(_ context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := b.db.View(func(txn *badger.Txn) error {
		h, _, err := readHash(txn, key)
		if err != nil {
			return err
		}
		out = h
		return nil
	})
	return out, err
}

func (b *Badger) HDel(_ context.Context, key string, fields ...string) error {
	return b.update(func(txn *badger.Txn) error {
		h, ttl, err := readHash(txn, key)
		if err != nil {
			return err
		}
		for _, f := range fields {
			delete(h, f)
		}
		if len(h) == 0 {
			return txn.Delete([]byte(key))
		}
		return writeHash(txn, key, h, ttl)
	})
}

func (b *Badger) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	var out int64
	err := b.update(func(txn *badger.Txn) error {
		h, ttl, err := readHash(txn, key)
		if err != nil {
			return err
		}
		cur, _ := strconv.ParseInt(h[field], 10, 64)
		cur += delta
		h[field] = strconv.FormatInt(cur, 10)
		out = cur
		return writeHash(txn, key, h, ttl)
	})
	return out, err
}

func (b *Badger) HIncrByFloat(_ context.Context, key, field string, delta float64) (float64, error) {
	var out float64
	err := b.update(func(txn *badger.Txn) error {
		h, ttl, err := readHash(txn, key)
		if err != nil {
			return err
		}
		cur, _ := strconv.ParseFloat(h[field], 64)
		cur += delta
		h[field] = strconv.FormatFloat(cur, 'f', -1, 64)
		out = cur
		return writeHash(txn, key, h, ttl)
	})
	return out, err
}

func (b *Badger) HMaxInt(_ context.Context, key, field string, v int64) (int64, error) {
	var out int64
	err := b.update(func(txn *badger.Txn) error {
		h, ttl, err := readHash(txn, key)
		if err != nil {
			return err
		}
		cur, _ := strconv.ParseInt(h[field], 10, 64)
		if v > cur {
			cur = v
		}
		h[field] = strconv.FormatInt(cur, 10)
		out = cur
		return writeHash(txn, key, h, ttl)
	})
	return out, err
}

func (b *Badger) Set(_ context.Context, key, value string, ttl time.Duration) error {
	return b.update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), []byte(value))
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

func (b *Badger) Get(_ context.Context, key string) (string, error) {
	var out string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	return out, err
}

func (b *Badger) Del(_ context.Context, key string) error {
	return b.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *Badger) Expire(_ context.Context, key string, ttl time.Duration) error {
	return b.update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var val []byte
		if val, err = item.ValueCopy(nil); err != nil {
			return err
		}
		e := badger.NewEntry([]byte(key), val)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

func (b *Badger) Exists(_ context.Context, key string) (bool, error) {
	var found bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (b *Badger) Keys(_ context.Context, prefix string) ([]string, error) {
	out := make([]string, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	return out, err
}

func (b *Badger) Close() error { return b.db.Close() }
