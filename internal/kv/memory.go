package kv

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store used for tests and single-process
// deployments. All operations run under one mutex, which also makes the
// increment/max operations atomic. Expired keys are dropped lazily on access.
type Memory struct {
	mu   sync.Mutex
	data map[string]*memEntry
}

type memEntry struct {
	hash     map[string]string
	value    string
	isHash   bool
	expireAt time.Time // zero means no expiry
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]*memEntry)}
}

// live returns the entry for key if present and unexpired, pruning it otherwise.
// Callers must hold mu.
func (m *Memory) live(key string) *memEntry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && time.Now().After(e.expireAt) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *Memory) hashEntry(key string) *memEntry {
	e := m.live(key)
	if e == nil {
		e = &memEntry{hash: make(map[string]string), isHash: true}
		m.data[key] = e
	}
	return e
}

func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashEntry(key).hash[field] = value
	return nil
}

func (m *Memory) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return "", ErrNotFound
	}
	v, ok := e.hash[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return nil
	}
	for _, f := range fields {
		delete(e.hash, f)
	}
	if len(e.hash) == 0 {
		delete(m.data, key)
	}
	return nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.hashEntry(key)
	cur, _ := strconv.ParseInt(e.hash[field], 10, 64)
	cur += delta
	e.hash[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Memory) HIncrByFloat(_ context.Context, key, field string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.hashEntry(key)
	cur, _ := strconv.ParseFloat(e.hash[field], 64)
	cur += delta
	e.hash[field] = strconv.FormatFloat(cur, 'f', -1, 64)
	return cur, nil
}

func (m *Memory) HMaxInt(_ context.Context, key, field string, v int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.hashEntry(key)
	cur, _ := strconv.ParseInt(e.hash[field], 10, 64)
	if v > cur {
		cur = v
	}
	e.hash[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &memEntry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.isHash {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return nil
	}
	if ttl <= 0 {
		e.expireAt = time.Time{}
		return nil
	}
	e.expireAt = time.Now().Add(ttl)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(key) != nil, nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0)
	for k := range m.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if m.live(k) != nil {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
