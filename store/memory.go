package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/qsafevault/qsafevault-server/observability"
)

type memoryRecord struct {
	value     []byte
	version   uint64
	expiresAt int64
}

// Memory is the in-process backend used for development and tests.
//
// All operations are serialized by a single mutex, which gives PutIfVersion
// genuine compare-and-swap semantics within the process.
type Memory struct {
	// Now is the clock used for expiry checks. Replace before first use in
	// tests that need to travel in time.
	Now func() time.Time
	// Observer receives lifecycle events; nil means no metrics.
	Observer observability.StoreObserver

	mu      sync.Mutex
	records map[string]memoryRecord
	closed  bool
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		Now:     time.Now,
		records: make(map[string]memoryRecord),
	}
}

func (m *Memory) observer() observability.StoreObserver {
	if m.Observer != nil {
		return m.Observer
	}
	return observability.NoopStoreObserver
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, 0, ErrClosed
	}
	rec, ok := m.records[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	if rec.expiresAt > 0 && m.Now().UnixMilli() > rec.expiresAt {
		delete(m.records, key)
		m.observer().ExpiredOnRead()
		return nil, 0, ErrExpired
	}
	out := make([]byte, len(rec.value))
	copy(out, rec.value)
	return out, rec.version, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.store(key, value)
	return nil
}

func (m *Memory) PutIfVersion(ctx context.Context, key string, value []byte, expected uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	rec, ok := m.records[key]
	live := ok && !(rec.expiresAt > 0 && m.Now().UnixMilli() > rec.expiresAt)
	switch {
	case !live && expected != 0:
		return ErrVersionMismatch
	case live && rec.version != expected:
		return ErrVersionMismatch
	}
	m.store(key, value)
	return nil
}

func (m *Memory) store(key string, value []byte) {
	meta := probeMeta(value)
	cp := make([]byte, len(value))
	copy(cp, value)
	m.records[key] = memoryRecord{value: cp, version: meta.Version, expiresAt: meta.ExpiresAt}
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, key)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var keys []string
	for k := range m.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	return nil
}

// Len reports the number of stored records, stale ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
