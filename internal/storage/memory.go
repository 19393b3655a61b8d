package storage

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store for tests. It counts writes and can be
// told to fail reads or writes.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	writes  int
	getErr  error
	setErr  error
	written []string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get implements Store.
func (m *MemoryStore) Get(keys ...string) (Values, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.getErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, m.getErr)
	}
	values := make(Values, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			values[k] = json.RawMessage(append([]byte(nil), v...))
		}
	}
	return values, nil
}

// Set implements Store.
func (m *MemoryStore) Set(values map[string]any) error {
	encoded, err := encodeAll(values)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.setErr != nil {
		return m.setErr
	}
	for k, v := range encoded {
		m.data[k] = v
		m.written = append(m.written, k)
	}
	m.writes++
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// Writes returns the number of successful Set calls.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// WrittenKeys returns every key written, in write order.
func (m *MemoryStore) WrittenKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.written...)
}

// FailGets makes Get return err until called again with nil.
func (m *MemoryStore) FailGets(err error) {
	m.mu.Lock()
	m.getErr = err
	m.mu.Unlock()
}

// FailSets makes Set return err until called again with nil.
func (m *MemoryStore) FailSets(err error) {
	m.mu.Lock()
	m.setErr = err
	m.mu.Unlock()
}

// Raw returns the JSON stored under key.
func (m *MemoryStore) Raw(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.data[key])
}

// Put stores raw JSON under key without counting a write.
func (m *MemoryStore) Put(key, rawJSON string) {
	m.mu.Lock()
	m.data[key] = []byte(rawJSON)
	m.mu.Unlock()
}
