// Package storage provides the durable key-value store that backs groups,
// group order and the failure journal.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Keys of the persisted state layout.
const (
	KeyGroups        = "groups"
	KeyGroupOrder    = "groupOrder"
	KeyFailedToggles = "failedToggles"
)

// ErrLoad marks a failure to read persisted state.
var ErrLoad = errors.New("persisted state load error")

// Store is a process-wide durable key-value store. Values are JSON.
// There is no transactional isolation between callers: last writer wins.
type Store interface {
	// Get returns the stored values for keys. Missing keys are absent
	// from the result.
	Get(keys ...string) (Values, error)

	// Set JSON-encodes and stores every entry of values atomically.
	Set(values map[string]any) error

	Close() error
}

// Values holds raw JSON values keyed by storage key.
type Values map[string]json.RawMessage

// Decode unmarshals the value stored under key into dst. It reports false
// when the key is absent or stored as JSON null.
func (v Values) Decode(key string, dst any) (bool, error) {
	raw, ok := v[key]
	if !ok || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func encodeAll(values map[string]any) (map[string][]byte, error) {
	out := make(map[string][]byte, len(values))
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", k, err)
		}
		out[k] = b
	}
	return out, nil
}
