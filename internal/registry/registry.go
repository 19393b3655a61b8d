// Package registry keeps the point-in-time snapshot of installed extensions.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kelseywhytock/extension-wrangler/internal/clock"
	"github.com/kelseywhytock/extension-wrangler/internal/host"

	"go.uber.org/zap"
)

// ErrLoad is returned by Refresh when the host listing failed. The previous
// snapshot is kept.
var ErrLoad = errors.New("extension registry load error")

// Snapshot maps extension ID to its record. Snapshots are replaced
// wholesale on every refresh and never mutated afterwards.
type Snapshot map[string]*host.ExtensionRecord

// IDs returns the snapshot's extension IDs in sorted order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether id is present.
func (s Snapshot) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Lister is the part of the host the registry needs.
type Lister interface {
	ListExtensions() ([]*host.ExtensionRecord, error)
	SelfID() string
}

// Registry refreshes and serves the extension snapshot.
type Registry struct {
	host   Lister
	clock  clock.Clock
	logger *zap.Logger

	mu          sync.RWMutex
	snapshot    Snapshot
	loadFailed  bool
	lastRefresh time.Time
}

// New creates an empty registry.
func New(h Lister, clk clock.Clock, logger *zap.Logger) *Registry {
	return &Registry{
		host:     h,
		clock:    clk,
		logger:   logger.Named("registry"),
		snapshot: Snapshot{},
	}
}

// Refresh reloads the snapshot from the host. On failure the previous
// snapshot stays in place, LoadFailed reports true and the returned error
// wraps ErrLoad. An empty listing is retried once before it is accepted.
func (r *Registry) Refresh() (Snapshot, error) {
	snap, err := r.load()
	if err == nil && len(snap) == 0 {
		r.logger.Warn("Host returned no extensions, retrying once")
		snap, err = r.load()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.loadFailed = true
		r.logger.Error("Failed to load extensions", zap.Error(err))
		return r.snapshot, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	r.snapshot = snap
	r.loadFailed = false
	r.lastRefresh = r.clock.Now()

	if len(snap) == 0 {
		r.logger.Warn("Registry is empty after refresh; destructive cleanup will be skipped")
	} else {
		r.logger.Debug("Registry refreshed", zap.Int("extensions", len(snap)))
	}
	return snap, nil
}

func (r *Registry) load() (Snapshot, error) {
	records, err := r.host.ListExtensions()
	if err != nil {
		return nil, err
	}

	self := r.host.SelfID()
	snap := make(Snapshot, len(records))
	for _, rec := range records {
		if rec == nil || rec.Type != host.TypeExtension || rec.ID == self {
			continue
		}
		snap[rec.ID] = rec.Clone()
	}
	return snap, nil
}

// Snapshot returns the current snapshot. Callers must not modify it.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Get returns the record for id, or nil when absent.
func (r *Registry) Get(id string) *host.ExtensionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot[id]
}

// LoadFailed reports whether the most recent refresh failed.
func (r *Registry) LoadFailed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadFailed
}

// Trusted reports whether the snapshot may drive destructive decisions:
// the last refresh succeeded and returned at least one extension.
func (r *Registry) Trusted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.loadFailed && len(r.snapshot) > 0
}

// LastRefresh returns the time of the last successful refresh.
func (r *Registry) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh
}

// Sorted returns the snapshot's records ordered by name, then ID.
func (r *Registry) Sorted() []*host.ExtensionRecord {
	snap := r.Snapshot()
	out := make([]*host.ExtensionRecord, 0, len(snap))
	for _, rec := range snap {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
