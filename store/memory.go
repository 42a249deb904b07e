package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Memory is a process local Store for single instance deployments and
// tests. Expired entries are dropped lazily on access.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem

	// now is replaced in tests.
	now func() time.Time
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{items: map[string]memoryItem{}, now: time.Now}
}

// get must be called with mu held.
func (m *Memory) get(key string) (memoryItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return it, false
	}
	if !it.expires.IsZero() && !m.now().Before(it.expires) {
		delete(m.items, key)
		return it, false
	}
	return it, true
}

func (m *Memory) float(key string) (float64, memoryItem, error) {
	it, ok := m.get(key)
	if !ok {
		return 0, it, nil
	}
	f, err := strconv.ParseFloat(string(it.value), 64)
	if err != nil {
		return 0, it, errors.Wrapf(err, "parse %s", key)
	}
	return f, it, nil
}

func (m *Memory) IncrByFloat(_ context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, _, err := m.float(key)
	if err != nil {
		return 0, err
	}
	f += delta
	m.items[key] = memoryItem{
		value:   []byte(strconv.FormatFloat(f, 'f', -1, 64)),
		expires: m.now().Add(ttl),
	}
	return f, nil
}

func (m *Memory) DecrByFloatOrDelete(_ context.Context, key string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, it, err := m.float(key)
	if err != nil {
		return 0, err
	}
	f -= delta
	if f <= 0 {
		delete(m.items, key)
		return f, nil
	}
	m.items[key] = memoryItem{
		value:   []byte(strconv.FormatFloat(f, 'f', -1, 64)),
		expires: it.expires,
	}
	return f, nil
}

func (m *Memory) GetFloats(_ context.Context, keys ...string) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]float64, len(keys))
	for i, k := range keys {
		f, _, err := m.float(k)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if it, ok := m.get(key); ok {
		var err error
		if n, err = strconv.ParseInt(string(it.value), 10, 64); err != nil {
			return 0, errors.Wrapf(err, "parse %s", key)
		}
	}
	n++
	m.items[key] = memoryItem{
		value:   []byte(strconv.FormatInt(n, 10)),
		expires: m.now().Add(ttl),
	}
	return n, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), it.value...), true, nil
}

func (m *Memory) SetMulti(_ context.Context, entries map[string][]byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	for k, v := range entries {
		m.items[k] = memoryItem{value: append([]byte(nil), v...), expires: expires}
	}
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}
