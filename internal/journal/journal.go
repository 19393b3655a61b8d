// Package journal persists a bounded history of failed toggles for
// diagnostics.
package journal

import (
	"fmt"
	"sync"
	"time"

	"github.com/kelseywhytock/extension-wrangler/internal/clock"
	"github.com/kelseywhytock/extension-wrangler/internal/host"
	"github.com/kelseywhytock/extension-wrangler/internal/storage"

	"go.uber.org/zap"
)

// DefaultCapacity is the number of failures kept.
const DefaultCapacity = 50

// Entry is one failed toggle.
type Entry struct {
	ExtensionID      string                `json:"extensionId"`
	ExtensionName    string                `json:"extensionName,omitempty"`
	TargetState      bool                  `json:"targetState"`
	ErrorMessage     string                `json:"error"`
	ErrorCode        string                `json:"errorCode,omitempty"`
	Timestamp        time.Time             `json:"timestamp"`
	ExtensionDetails *host.ExtensionRecord `json:"extensionDetails,omitempty"`
}

// Journal is a write-through FIFO log of toggle failures.
type Journal struct {
	store  storage.Store
	clock  clock.Clock
	logger *zap.Logger

	mu   sync.Mutex
	ring *Ring[Entry]
}

// Open loads the persisted journal. A read failure is logged and the
// journal starts empty.
func Open(store storage.Store, capacity int, clk clock.Clock, logger *zap.Logger) *Journal {
	j := &Journal{
		store:  store,
		clock:  clk,
		logger: logger.Named("journal"),
		ring:   NewRing[Entry](capacity),
	}

	if err := j.syncLocked(); err != nil {
		j.logger.Warn("Failed to load failure journal, starting empty", zap.Error(err))
		return j
	}
	if j.ring.Len() > 0 {
		j.logger.Warn("Previous toggle failures recorded", zap.Int("count", j.ring.Len()))
	}
	return j
}

// Record appends e, evicting the oldest entry when full, and persists the
// journal. The persisted journal is re-read first so entries written by
// other processes are kept. Icons are stripped from the details snapshot.
func (j *Journal) Record(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = j.clock.Now()
	}
	if e.ExtensionDetails != nil {
		e.ExtensionDetails = e.ExtensionDetails.WithoutIcons()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.syncLocked(); err != nil {
		j.logger.Warn("Failed to re-read failure journal, appending to the in-memory copy", zap.Error(err))
	}
	if evicted, ok := j.ring.Push(e); ok {
		j.logger.Debug("Evicted oldest journal entry",
			zap.String("extension_id", evicted.ExtensionID),
			zap.Time("timestamp", evicted.Timestamp))
	}
	return j.persistLocked()
}

// Entries returns the persisted journal oldest first. When it cannot be
// read the in-memory copy is returned.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.syncLocked(); err != nil {
		j.logger.Debug("Serving in-memory failure journal", zap.Error(err))
	}
	return j.ring.Items()
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ring.Len()
}

// Clear empties the journal and persists the empty state.
func (j *Journal) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ring.Reset()
	return j.persistLocked()
}

// FailedIDs returns the set of extension IDs with at least one entry.
func (j *Journal) FailedIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, e := range j.Entries() {
		ids[e.ExtensionID] = true
	}
	return ids
}

// syncLocked replaces the ring with the persisted entries. On error the
// ring is left as it was.
func (j *Journal) syncLocked() error {
	values, err := j.store.Get(storage.KeyFailedToggles)
	if err != nil {
		return err
	}
	var entries []Entry
	if _, err := values.Decode(storage.KeyFailedToggles, &entries); err != nil {
		return err
	}
	j.ring.Reset()
	for _, e := range entries {
		j.ring.Push(e)
	}
	return nil
}

func (j *Journal) persistLocked() error {
	if err := j.store.Set(map[string]any{storage.KeyFailedToggles: j.ring.Items()}); err != nil {
		return fmt.Errorf("failed to persist failure journal: %w", err)
	}
	return nil
}
