package groups

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kelseywhytock/extension-wrangler/internal/host"
	"github.com/kelseywhytock/extension-wrangler/internal/registry"
	"github.com/kelseywhytock/extension-wrangler/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, kv *storage.MemoryStore) *Store {
	t.Helper()
	s := NewStore(kv, zap.NewNop())
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("%s%d", IDPrefix, n)
	}
	return s
}

func snapshotOf(ids ...string) registry.Snapshot {
	snap := make(registry.Snapshot, len(ids))
	for _, id := range ids {
		snap[id] = &host.ExtensionRecord{ID: id, Name: id, Type: host.TypeExtension}
	}
	return snap
}

func persistedGroups(t *testing.T, kv *storage.MemoryStore) map[string]*Group {
	t.Helper()
	var groups map[string]*Group
	require.NoError(t, json.Unmarshal([]byte(kv.Raw(storage.KeyGroups)), &groups))
	return groups
}

func TestStore_LoadCreatesFixedGroupOnFirstRun(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := newTestStore(t, kv)

	require.NoError(t, s.Load())

	fixed, err := s.Group(AlwaysOnID)
	require.NoError(t, err)
	assert.Equal(t, AlwaysOnName, fixed.Name)
	assert.True(t, fixed.IsDefault)
	assert.Empty(t, fixed.Extensions)
	assert.Equal(t, []string{AlwaysOnID}, s.Order())

	assert.Contains(t, persistedGroups(t, kv), AlwaysOnID)
	assert.JSONEq(t, `["always-on"]`, kv.Raw(storage.KeyGroupOrder))
}

func TestStore_LoadIsIdempotent(t *testing.T) {
	kv := storage.NewMemoryStore()
	require.NoError(t, newTestStore(t, kv).Load())
	writes := kv.Writes()

	require.NoError(t, newTestStore(t, kv).Load())
	assert.Equal(t, writes, kv.Writes(), "second load finds everything in place")
}

func TestStore_LoadNormalisesStoredGroups(t *testing.T) {
	kv := storage.NewMemoryStore()
	kv.Put(storage.KeyGroups, `{
		"always-on": {"id":"always-on","name":"Fixed","extensions":["x","x"],"isDefault":true},
		"group-1": {"id":"wrong","name":"Work","extensions":["a"],"isDefault":true}
	}`)
	kv.Put(storage.KeyGroupOrder, `["group-1","always-on"]`)

	s := newTestStore(t, kv)
	require.NoError(t, s.Load())

	g, err := s.Group("group-1")
	require.NoError(t, err)
	assert.Equal(t, "group-1", g.ID)
	assert.False(t, g.IsDefault, "only the Fixed group is default")

	fixed, err := s.Group(AlwaysOnID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, fixed.Extensions)
}

func TestStore_LoadFailureFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		setup func(kv *storage.MemoryStore)
	}{
		{
			name:  "read error",
			setup: func(kv *storage.MemoryStore) { kv.FailGets(errors.New("disk error")) },
		},
		{
			name:  "corrupt groups",
			setup: func(kv *storage.MemoryStore) { kv.Put(storage.KeyGroups, `"not an object"`) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := storage.NewMemoryStore()
			tt.setup(kv)
			s := newTestStore(t, kv)

			err := s.Load()
			require.Error(t, err)
			assert.ErrorIs(t, err, storage.ErrLoad)

			ordered := s.Ordered()
			require.Len(t, ordered, 1)
			assert.Equal(t, AlwaysOnID, ordered[0].ID)
			assert.Equal(t, 0, kv.Writes(), "fallback is not persisted")
		})
	}
}

func TestStore_CreateGroupPrependsToOrder(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := newTestStore(t, kv)
	require.NoError(t, s.Load())

	first, err := s.CreateGroup("Work", []string{"a", "b", "a"})
	require.NoError(t, err)
	second, err := s.CreateGroup("  Play  ", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{second, first, AlwaysOnID}, s.Order())

	g, err := s.Group(first)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, g.Extensions)

	g, err = s.Group(second)
	require.NoError(t, err)
	assert.Equal(t, "Play", g.Name)

	assert.Len(t, persistedGroups(t, kv), 3)
}

func TestStore_CreateGroupUsesUUIDs(t *testing.T) {
	s := NewStore(storage.NewMemoryStore(), zap.NewNop())
	a, err := s.CreateGroup("A", nil)
	require.NoError(t, err)
	b, err := s.CreateGroup("B", nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, IDPrefix))
	assert.NotEqual(t, a, b)
}

func TestStore_CreateGroupRejectsInvalidName(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := newTestStore(t, kv)

	_, err := s.CreateGroup(`  <>"'  `, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "name", verr.Field)
	assert.Equal(t, 0, kv.Writes(), "rejected before any mutation")
}

func TestStore_DeleteGroup(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := newTestStore(t, kv)
	require.NoError(t, s.Load())
	id, err := s.CreateGroup("Work", nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteGroup(id))
	assert.Equal(t, []string{AlwaysOnID}, s.Order())
	assert.NotContains(t, persistedGroups(t, kv), id)

	err = s.DeleteGroup(id)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestStore_FixedGroupCannotBeDeleted(t *testing.T) {
	s := newTestStore(t, storage.NewMemoryStore())
	require.NoError(t, s.Load())

	err := s.DeleteGroup(AlwaysOnID)
	assert.ErrorIs(t, err, ErrProtectedGroup)

	_, err = s.Group(AlwaysOnID)
	assert.NoError(t, err)
}

func TestStore_Membership(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := newTestStore(t, kv)
	require.NoError(t, s.Load())
	id, err := s.CreateGroup("Work", []string{"a"})
	require.NoError(t, err)

	writes := kv.Writes()
	require.NoError(t, s.AddMember(id, "a"))
	assert.Equal(t, writes, kv.Writes(), "adding an existing member does not write")

	require.NoError(t, s.AddMember(id, "b"))
	g, _ := s.Group(id)
	assert.Equal(t, []string{"a", "b"}, g.Extensions)

	require.NoError(t, s.RemoveMember(id, "a"))
	g, _ = s.Group(id)
	assert.Equal(t, []string{"b"}, g.Extensions)

	require.NoError(t, s.SetMembers(id, []string{"c", "d", "c"}))
	g, _ = s.Group(id)
	assert.Equal(t, []string{"c", "d"}, g.Extensions)

	require.NoError(t, s.UpdateGroup(id, "Office", []string{"e"}))
	g, _ = s.Group(id)
	assert.Equal(t, "Office", g.Name)
	assert.Equal(t, []string{"e"}, g.Extensions)

	assert.ErrorIs(t, s.AddMember("missing", "a"), ErrGroupNotFound)
	assert.ErrorIs(t, s.RemoveMember("missing", "a"), ErrGroupNotFound)
	assert.ErrorIs(t, s.SetMembers("missing", nil), ErrGroupNotFound)
	assert.ErrorIs(t, s.UpdateGroup("missing", "x", nil), ErrGroupNotFound)
}

func TestStore_PruneOrphans(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := newTestStore(t, kv)
	require.NoError(t, s.Load())
	id, err := s.CreateGroup("Work", []string{"a", "gone", "b"})
	require.NoError(t, err)
	require.NoError(t, s.SetMembers(AlwaysOnID, []string{"gone-too"}))

	removed, err := s.PruneOrphans(snapshotOf("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	g, _ := s.Group(id)
	assert.Equal(t, []string{"a", "b"}, g.Extensions)

	fixed, err := s.Group(AlwaysOnID)
	require.NoError(t, err, "the Fixed group survives losing every member")
	assert.Empty(t, fixed.Extensions)
	assert.Empty(t, persistedGroups(t, kv)[AlwaysOnID].Extensions)
}

func TestStore_PruneOrphansSkipsEmptySnapshot(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := newTestStore(t, kv)
	require.NoError(t, s.Load())
	id, err := s.CreateGroup("Work", []string{"nonexistent"})
	require.NoError(t, err)
	writes := kv.Writes()

	removed, err := s.PruneOrphans(registry.Snapshot{})
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, writes, kv.Writes(), "no persistence write")

	g, _ := s.Group(id)
	assert.Equal(t, []string{"nonexistent"}, g.Extensions)
}

func TestStore_PruneOrphansNothingToDo(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := newTestStore(t, kv)
	require.NoError(t, s.Load())
	_, err := s.CreateGroup("Work", []string{"a"})
	require.NoError(t, err)
	writes := kv.Writes()

	removed, err := s.PruneOrphans(snapshotOf("a"))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, writes, kv.Writes())
}

func TestStore_Reorder(t *testing.T) {
	tests := []struct {
		name    string
		dragged string
		target  string
		want    []string
	}{
		{"downwards lands after target", "a", "c", []string{"b", "c", "a", "d"}},
		{"upwards lands before target", "d", "b", []string{"a", "d", "b", "c"}},
		{"adjacent downwards", "a", "b", []string{"b", "a", "c", "d"}},
		{"unknown dragged", "x", "b", []string{"a", "b", "c", "d"}},
		{"unknown target", "a", "x", []string{"a", "b", "c", "d"}},
		{"onto itself", "b", "b", []string{"a", "b", "c", "d"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := storage.NewMemoryStore()
			kv.Put(storage.KeyGroups, `{"a":{"name":"A"},"b":{"name":"B"},"c":{"name":"C"},"d":{"name":"D"}}`)
			kv.Put(storage.KeyGroupOrder, `["a","b","c","d"]`)
			s := newTestStore(t, kv)
			require.NoError(t, s.Load())

			require.NoError(t, s.Reorder(tt.dragged, tt.target))
			assert.Equal(t, tt.want, s.Order())
		})
	}
}

func TestStore_ReorderPersistsOnlyOrder(t *testing.T) {
	kv := storage.NewMemoryStore()
	kv.Put(storage.KeyGroups, `{"a":{"name":"A"},"b":{"name":"B"},"always-on":{"name":"Fixed"}}`)
	kv.Put(storage.KeyGroupOrder, `["a","b","always-on"]`)
	s := newTestStore(t, kv)
	require.NoError(t, s.Load())

	require.NoError(t, s.Reorder("a", "b"))
	keys := kv.WrittenKeys()
	require.Len(t, keys, 1)
	assert.Equal(t, storage.KeyGroupOrder, keys[0])
	assert.JSONEq(t, `["b","a","always-on"]`, kv.Raw(storage.KeyGroupOrder))
}

func TestStore_OrderedPinsFixedLast(t *testing.T) {
	kv := storage.NewMemoryStore()
	kv.Put(storage.KeyGroups, `{
		"always-on":{"name":"Fixed"},
		"b":{"name":"B"},
		"a":{"name":"A"},
		"z":{"name":"Z"}
	}`)
	kv.Put(storage.KeyGroupOrder, `["always-on","b","deleted","a"]`)
	s := newTestStore(t, kv)
	require.NoError(t, s.Load())

	var ids []string
	for _, g := range s.Ordered() {
		ids = append(ids, g.ID)
	}
	assert.Equal(t, []string{"b", "a", "z", AlwaysOnID}, ids)
}

func TestStore_GroupsContaining(t *testing.T) {
	s := newTestStore(t, storage.NewMemoryStore())
	require.NoError(t, s.Load())
	_, err := s.CreateGroup("Work", []string{"a"})
	require.NoError(t, err)
	_, err = s.CreateGroup("Play", []string{"a", "b"})
	require.NoError(t, err)
	require.NoError(t, s.AddMember(AlwaysOnID, "a"))

	assert.Equal(t, []string{"Play", "Work", AlwaysOnName}, s.GroupsContaining("a"))
	assert.Equal(t, []string{"Play"}, s.GroupsContaining("b"))
	assert.Empty(t, s.GroupsContaining("c"))
}

func TestStore_AlwaysOnMembersRereadsPersistedState(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := newTestStore(t, kv)
	require.NoError(t, s.Load())
	require.NoError(t, s.AddMember(AlwaysOnID, "x"))

	members, err := s.AlwaysOnMembers()
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, members)

	// Another surface rewrote the groups
	kv.Put(storage.KeyGroups, `{"always-on":{"id":"always-on","name":"Fixed","extensions":["y"],"isDefault":true}}`)
	members, err = s.AlwaysOnMembers()
	require.NoError(t, err)
	assert.Equal(t, []string{"y"}, members)

	kv.FailGets(errors.New("disk error"))
	_, err = s.AlwaysOnMembers()
	assert.ErrorIs(t, err, storage.ErrLoad)
}

func TestStore_EnsureDefaultGroup(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := newTestStore(t, kv)
	require.NoError(t, s.Load())

	created, err := s.EnsureDefaultGroup()
	require.NoError(t, err)
	assert.False(t, created)

	// Another surface wrote groups without the Fixed group
	kv.Put(storage.KeyGroups, `{"g":{"name":"G"}}`)
	created, err = s.EnsureDefaultGroup()
	require.NoError(t, err)
	assert.True(t, created)
	assert.Contains(t, persistedGroups(t, kv), AlwaysOnID)
	_, err = s.Group("g")
	assert.NoError(t, err, "the other surface's group is kept")

	created, err = s.EnsureDefaultGroup()
	require.NoError(t, err)
	assert.False(t, created)
}

func TestStore_MutationsKeepChangesFromOtherProcesses(t *testing.T) {
	kv := storage.NewMemoryStore()
	daemon := newTestStore(t, kv)
	require.NoError(t, daemon.Load())
	work, err := daemon.CreateGroup("Work", []string{"a"})
	require.NoError(t, err)

	cli := NewStore(kv, zap.NewNop())
	require.NoError(t, cli.Load())
	dev, err := cli.CreateGroup("Dev", []string{"b"})
	require.NoError(t, err)
	require.NoError(t, cli.AddMember(work, "c"))

	t.Log("The long-lived store changes an unrelated group")
	require.NoError(t, daemon.AddMember(AlwaysOnID, "x"))

	fresh := NewStore(kv, zap.NewNop())
	require.NoError(t, fresh.Load())
	g, err := fresh.Group(dev)
	require.NoError(t, err, "the other writer's group survives")
	assert.Equal(t, []string{"b"}, g.Extensions)
	g, err = fresh.Group(work)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, g.Extensions)
	fixed, err := fresh.Group(AlwaysOnID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, fixed.Extensions)
	assert.Equal(t, []string{dev, work, AlwaysOnID}, fresh.Order())

	_, err = daemon.Group(dev)
	assert.NoError(t, err, "the mutating store adopts what it re-read")
}

func TestStore_MutationRereadFailureChangesNothing(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := newTestStore(t, kv)
	require.NoError(t, s.Load())
	writes := kv.Writes()

	kv.FailGets(errors.New("disk error"))
	_, err := s.CreateGroup("Work", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrLoad)
	assert.Equal(t, writes, kv.Writes())
	assert.Len(t, s.Groups(), 1)
}

func TestStore_FailedSaveLeavesMemoryUnchanged(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := newTestStore(t, kv)
	require.NoError(t, s.Load())
	keep, err := s.CreateGroup("Keep", []string{"a"})
	require.NoError(t, err)

	kv.FailSets(errors.New("quota exceeded"))

	_, err = s.Import([]byte(`{"groups":{"g":{"name":"Imported"}},"version":"1.0"}`))
	require.Error(t, err)
	_, err = s.Group("g")
	assert.ErrorIs(t, err, ErrGroupNotFound, "import is not applied in memory")
	assert.Equal(t, []string{keep, AlwaysOnID}, s.Order())

	require.Error(t, s.AddMember(keep, "b"))
	g, err := s.Group(keep)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.Extensions)
}

func TestStore_SaveFailureIsReported(t *testing.T) {
	kv := storage.NewMemoryStore()
	s := newTestStore(t, kv)
	require.NoError(t, s.Load())

	kv.FailSets(errors.New("quota exceeded"))
	_, err := s.CreateGroup("Work", nil)
	assert.Error(t, err)
}

func TestStore_ExportImportRoundTrip(t *testing.T) {
	src := newTestStore(t, storage.NewMemoryStore())
	require.NoError(t, src.Load())
	_, err := src.CreateGroup("Work", []string{"a", "b"})
	require.NoError(t, err)
	require.NoError(t, src.AddMember(AlwaysOnID, "src-fixed"))

	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	file := src.Export(now)
	assert.Equal(t, ExportVersion, file.Version)
	assert.Equal(t, "2026-05-04T12:00:00Z", file.ExportDate)
	data, err := json.Marshal(file)
	require.NoError(t, err)

	kv := storage.NewMemoryStore()
	dst := newTestStore(t, kv)
	dst.newID = func() string { return IDPrefix + "old" }
	require.NoError(t, dst.Load())
	require.NoError(t, dst.AddMember(AlwaysOnID, "dst-fixed"))
	old, err := dst.CreateGroup("Old", nil)
	require.NoError(t, err)

	n, err := dst.Import(data)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fixed, err := dst.Group(AlwaysOnID)
	require.NoError(t, err)
	assert.Equal(t, []string{"dst-fixed"}, fixed.Extensions, "caller's Fixed group is preserved")

	_, err = dst.Group(old)
	assert.ErrorIs(t, err, ErrGroupNotFound)
	assert.NotContains(t, dst.Order(), old)
	assert.Len(t, dst.Ordered(), 2)
	assert.Len(t, persistedGroups(t, kv), 2)
}

func TestStore_ImportClearsStrayDefaultFlag(t *testing.T) {
	s := newTestStore(t, storage.NewMemoryStore())
	require.NoError(t, s.Load())

	_, err := s.Import([]byte(`{"groups":{"g":{"name":"Sneaky","extensions":[],"isDefault":true}},"version":"1.0"}`))
	require.NoError(t, err)

	g, err := s.Group("g")
	require.NoError(t, err)
	assert.False(t, g.IsDefault)
	assert.NoError(t, s.DeleteGroup("g"))
}

func TestStore_ImportRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{groups`},
		{"missing groups", `{"version":"1.0"}`},
		{"null groups", `{"groups":null}`},
		{"groups is an array", `{"groups":[1,2]}`},
		{"groups is a string", `{"groups":"x"}`},
		{"bad version", `{"groups":{},"version":"one"}`},
		{"future major version", `{"groups":{},"version":"2.0"}`},
		{"null group", `{"groups":{"g":null}}`},
		{"unnamed group", `{"groups":{"g":{"name":"  "}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := storage.NewMemoryStore()
			s := newTestStore(t, kv)
			require.NoError(t, s.Load())
			id, err := s.CreateGroup("Keep", nil)
			require.NoError(t, err)
			writes := kv.Writes()

			_, err = s.Import([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)

			assert.Equal(t, writes, kv.Writes())
			_, err = s.Group(id)
			assert.NoError(t, err, "existing groups untouched")
		})
	}
}

func TestStore_ImportAcceptsMinorVersionsAndLegacyFiles(t *testing.T) {
	for _, version := range []string{"", "1.0", "1.3"} {
		t.Run("version="+version, func(t *testing.T) {
			s := newTestStore(t, storage.NewMemoryStore())
			data := fmt.Sprintf(`{"groups":{"g":{"name":"G"}},"version":%q}`, version)
			n, err := s.Import([]byte(data))
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}
