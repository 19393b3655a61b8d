package groups

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kelseywhytock/extension-wrangler/internal/registry"
	"github.com/kelseywhytock/extension-wrangler/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the in-memory view of the persisted groups and group order.
// Every mutation re-reads persisted state, applies the change to that copy
// and adopts it once written, so changes made by other processes survive.
// Writes of the same key are last writer wins.
type Store struct {
	kv     storage.Store
	logger *zap.Logger
	newID  func() string

	mu     sync.RWMutex
	groups map[string]*Group
	order  []string
}

// snapshot is one copy of the persisted state. dirty lists the keys that
// normalising changed and that need writing back.
type snapshot struct {
	groups map[string]*Group
	order  []string
	dirty  []string
}

func (st *snapshot) values(keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		switch k {
		case storage.KeyGroups:
			out[k] = st.groups
		case storage.KeyGroupOrder:
			out[k] = st.order
		}
	}
	return out
}

// NewStore creates a store holding only the always-on group. Call Load to
// read persisted state.
func NewStore(kv storage.Store, logger *zap.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logger.Named("groups"),
		newID:  func() string { return IDPrefix + uuid.NewString() },
		groups: map[string]*Group{AlwaysOnID: newAlwaysOnGroup()},
		order:  []string{AlwaysOnID},
	}
}

// Load replaces the in-memory state with the persisted one. The always-on
// group is created if absent and an empty order is initialised from the
// group IDs. When persisted state cannot be read the store falls back to
// just the always-on group and returns an error wrapping storage.ErrLoad.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.read()
	if err != nil {
		s.logger.Error("Failed to load groups, falling back to the Fixed group only", zap.Error(err))
		s.groups = map[string]*Group{AlwaysOnID: newAlwaysOnGroup()}
		s.order = []string{AlwaysOnID}
		return err
	}

	s.groups, s.order = st.groups, st.order
	if len(st.dirty) == 0 {
		s.logger.Debug("Loaded groups", zap.Int("groups", len(s.groups)))
		return nil
	}
	return s.writeLocked(st.values(st.dirty))
}

// read decodes and normalises the persisted groups and order.
func (s *Store) read() (*snapshot, error) {
	values, err := s.kv.Get(storage.KeyGroups, storage.KeyGroupOrder)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrLoad, err)
	}
	st := &snapshot{}
	if _, err := values.Decode(storage.KeyGroups, &st.groups); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrLoad, err)
	}
	if _, err := values.Decode(storage.KeyGroupOrder, &st.order); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrLoad, err)
	}

	if st.groups == nil {
		st.groups = make(map[string]*Group)
	}
	for id, g := range st.groups {
		if g == nil {
			delete(st.groups, id)
			continue
		}
		g.ID = id
		g.IsDefault = id == AlwaysOnID
		g.Extensions = dedupe(g.Extensions)
	}
	if _, ok := st.groups[AlwaysOnID]; !ok {
		st.groups[AlwaysOnID] = newAlwaysOnGroup()
		st.dirty = append(st.dirty, storage.KeyGroups)
		s.logger.Info("Created the Fixed group")
	}
	if len(st.order) == 0 {
		st.order = sortedIDs(st.groups)
		st.dirty = append(st.dirty, storage.KeyGroupOrder)
	}
	return st, nil
}

// update re-reads persisted state, lets fn change it and returns fn's
// error. fn reports the keys it changed. The result is written together
// with any keys normalising fixed and adopted only after a successful
// write.
func (s *Store) update(fn func(st *snapshot) ([]string, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.read()
	if err != nil {
		s.logger.Error("Failed to re-read groups before update", zap.Error(err))
		return err
	}
	changed, err := fn(st)
	if err != nil {
		return err
	}

	keys := st.dirty
	for _, k := range changed {
		if indexOf(keys, k) == -1 {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		if err := s.writeLocked(st.values(keys)); err != nil {
			return err
		}
	}
	s.groups, s.order = st.groups, st.order
	return nil
}

// EnsureDefaultGroup creates the always-on group if it is absent from
// persisted state and reports whether it did.
func (s *Store) EnsureDefaultGroup() (bool, error) {
	created := false
	err := s.update(func(st *snapshot) ([]string, error) {
		created = indexOf(st.dirty, storage.KeyGroups) != -1
		return nil, nil
	})
	return created && err == nil, err
}

// Group returns a copy of one group.
func (s *Store) Group(id string) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
	}
	return g.Clone(), nil
}

// Groups returns a copy of every group keyed by ID.
func (s *Store) Groups() map[string]*Group {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*Group, len(s.groups))
	for id, g := range s.groups {
		out[id] = g.Clone()
	}
	return out
}

// Order returns the stored group order.
func (s *Store) Order() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.order...)
}

// Ordered returns the groups in display order: stored order first, then
// groups missing from it, with the always-on group pinned last.
func (s *Store) Ordered() []*Group {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Group, 0, len(s.groups))
	placed := make(map[string]bool, len(s.groups))
	for _, id := range s.order {
		g, ok := s.groups[id]
		if !ok || g.IsDefault || placed[id] {
			continue
		}
		placed[id] = true
		out = append(out, g.Clone())
	}
	for _, id := range s.sortedIDsLocked() {
		g := s.groups[id]
		if placed[id] || g.IsDefault {
			continue
		}
		out = append(out, g.Clone())
	}
	if fixed, ok := s.groups[AlwaysOnID]; ok {
		out = append(out, fixed.Clone())
	}
	return out
}

// CreateGroup validates name, stores a new group and puts it first in the
// display order. It returns the new group's ID.
func (s *Store) CreateGroup(name string, members []string) (string, error) {
	cleaned, err := ValidateName(name)
	if err != nil {
		return "", err
	}

	id := s.newID()
	err = s.update(func(st *snapshot) ([]string, error) {
		st.groups[id] = &Group{ID: id, Name: cleaned, Extensions: dedupe(members)}
		st.order = append([]string{id}, st.order...)
		return []string{storage.KeyGroups, storage.KeyGroupOrder}, nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("Created group", zap.String("group_id", id), zap.String("name", cleaned))
	return id, nil
}

// UpdateGroup renames a group and replaces its members.
func (s *Store) UpdateGroup(id, name string, members []string) error {
	cleaned, err := ValidateName(name)
	if err != nil {
		return err
	}

	return s.update(func(st *snapshot) ([]string, error) {
		g, ok := st.groups[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
		}
		g.Name = cleaned
		g.Extensions = dedupe(members)
		return []string{storage.KeyGroups}, nil
	})
}

// DeleteGroup removes a group and its order entry. The always-on group
// cannot be deleted.
func (s *Store) DeleteGroup(id string) error {
	return s.update(func(st *snapshot) ([]string, error) {
		g, ok := st.groups[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, id)
		}
		if g.IsDefault {
			return nil, ErrProtectedGroup
		}

		delete(st.groups, id)
		st.order = without(st.order, id)
		s.logger.Info("Deleted group", zap.String("group_id", id), zap.String("name", g.Name))
		return []string{storage.KeyGroups, storage.KeyGroupOrder}, nil
	})
}

// AddMember adds extID to a group. Adding an existing member is a no-op.
func (s *Store) AddMember(groupID, extID string) error {
	return s.update(func(st *snapshot) ([]string, error) {
		g, ok := st.groups[groupID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
		}
		if g.Has(extID) {
			return nil, nil
		}
		g.Extensions = append(g.Extensions, extID)
		return []string{storage.KeyGroups}, nil
	})
}

// RemoveMember removes extID from a group. Removing a non-member is a no-op.
func (s *Store) RemoveMember(groupID, extID string) error {
	return s.update(func(st *snapshot) ([]string, error) {
		g, ok := st.groups[groupID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
		}
		if !g.Has(extID) {
			return nil, nil
		}
		g.Extensions = without(g.Extensions, extID)
		return []string{storage.KeyGroups}, nil
	})
}

// SetMembers replaces a group's members.
func (s *Store) SetMembers(groupID string, ids []string) error {
	return s.update(func(st *snapshot) ([]string, error) {
		g, ok := st.groups[groupID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
		}
		g.Extensions = dedupe(ids)
		return []string{storage.KeyGroups}, nil
	})
}

// PruneOrphans removes members absent from snap and returns how many were
// removed. An empty snapshot is never trusted: nothing is pruned or
// written. Groups themselves are never removed.
func (s *Store) PruneOrphans(snap registry.Snapshot) (int, error) {
	if len(snap) == 0 {
		s.logger.Warn("No extensions loaded, skipping orphan cleanup")
		return 0, nil
	}

	removed := 0
	err := s.update(func(st *snapshot) ([]string, error) {
		for _, g := range st.groups {
			kept := make([]string, 0, len(g.Extensions))
			for _, id := range g.Extensions {
				if snap.Has(id) {
					kept = append(kept, id)
					continue
				}
				removed++
				s.logger.Warn("Removing orphaned extension from group",
					zap.String("extension_id", id),
					zap.String("group", g.Name))
			}
			g.Extensions = kept
		}
		if removed == 0 {
			return nil, nil
		}
		return []string{storage.KeyGroups}, nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("Cleaned up orphaned extensions", zap.Int("removed", removed))
	}
	return removed, nil
}

// Reorder moves draggedID next to targetID. A group dragged downwards
// lands after the target, one dragged upwards lands before it. Unknown IDs
// leave the order unchanged.
func (s *Store) Reorder(draggedID, targetID string) error {
	return s.update(func(st *snapshot) ([]string, error) {
		from, to := indexOf(st.order, draggedID), indexOf(st.order, targetID)
		if from == -1 || to == -1 || from == to {
			return nil, nil
		}

		order := without(st.order, draggedID)
		at := indexOf(order, targetID)
		if from < to {
			at++
		}
		st.order = append(order[:at], append([]string{draggedID}, order[at:]...)...)
		return []string{storage.KeyGroupOrder}, nil
	})
}

// GroupsContaining returns, in display order, the names of the groups
// that hold extID.
func (s *Store) GroupsContaining(extID string) []string {
	var names []string
	for _, g := range s.Ordered() {
		if g.Has(extID) {
			names = append(names, g.Name)
		}
	}
	return names
}

// AlwaysOnMembers reads the always-on group's members from persisted
// state, bypassing the in-memory copy.
func (s *Store) AlwaysOnMembers() ([]string, error) {
	values, err := s.kv.Get(storage.KeyGroups)
	if err != nil {
		return nil, err
	}
	var groups map[string]*Group
	if _, err := values.Decode(storage.KeyGroups, &groups); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrLoad, err)
	}
	g, ok := groups[AlwaysOnID]
	if !ok || g == nil {
		return nil, nil
	}
	return g.Extensions, nil
}

func (s *Store) writeLocked(values map[string]any) error {
	if err := s.kv.Set(values); err != nil {
		s.logger.Error("Failed to save groups", zap.Error(err))
		return fmt.Errorf("failed to save groups: %w", err)
	}
	return nil
}

func (s *Store) sortedIDsLocked() []string {
	return sortedIDs(s.groups)
}

func sortedIDs(groups map[string]*Group) []string {
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
