package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/kelseywhytock/extension-wrangler/internal/clock"
	"github.com/kelseywhytock/extension-wrangler/internal/host"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHost() *host.MockHost {
	h := host.NewMockHost("self-id")
	h.AddExtension(&host.ExtensionRecord{ID: "a", Name: "Alpha", Enabled: true})
	h.AddExtension(&host.ExtensionRecord{ID: "b", Name: "Beta"})
	h.AddExtension(&host.ExtensionRecord{ID: "theme", Name: "Dark", Type: "theme"})
	h.AddExtension(&host.ExtensionRecord{ID: "self-id", Name: "Extension Wrangler", Enabled: true})
	return h
}

func newClock() *clock.MockClock {
	return clock.NewMockClock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
}

func TestRegistry_LastRefreshUsesClock(t *testing.T) {
	h := newHost()
	clk := newClock()
	reg := New(h, clk, zap.NewNop())
	assert.True(t, reg.LastRefresh().IsZero())

	_, err := reg.Refresh()
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), reg.LastRefresh())

	clk.Advance(time.Minute)
	h.FailListing(errors.New("management API unavailable"))
	_, err = reg.Refresh()
	require.Error(t, err)
	assert.True(t, clk.Now().Add(-time.Minute).Equal(reg.LastRefresh()), "failed refresh keeps the old time")

	h.FailListing(nil)
	_, err = reg.Refresh()
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), reg.LastRefresh())
}

func TestRegistry_RefreshFiltersTypesAndSelf(t *testing.T) {
	reg := New(newHost(), newClock(), zap.NewNop())

	snap, err := reg.Refresh()
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, snap.IDs())
	assert.False(t, snap.Has("theme"))
	assert.False(t, snap.Has("self-id"))
	assert.True(t, reg.Trusted())
	assert.False(t, reg.LoadFailed())
	assert.False(t, reg.LastRefresh().IsZero())

	sorted := reg.Sorted()
	require.Len(t, sorted, 2)
	assert.Equal(t, "Alpha", sorted[0].Name)
}

func TestRegistry_FailsClosed(t *testing.T) {
	h := newHost()
	reg := New(h, newClock(), zap.NewNop())

	_, err := reg.Refresh()
	require.NoError(t, err)

	h.FailListing(errors.New("management API unavailable"))
	snap, err := reg.Refresh()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoad)

	assert.Equal(t, []string{"a", "b"}, snap.IDs(), "previous snapshot is kept")
	assert.Equal(t, []string{"a", "b"}, reg.Snapshot().IDs())
	assert.True(t, reg.LoadFailed())
	assert.False(t, reg.Trusted())

	h.FailListing(nil)
	_, err = reg.Refresh()
	require.NoError(t, err)
	assert.False(t, reg.LoadFailed())
}

func TestRegistry_EmptyListingIsRetriedOnce(t *testing.T) {
	t.Run("retry recovers", func(t *testing.T) {
		h := newHost()
		h.ReturnEmptyListings(1)
		reg := New(h, newClock(), zap.NewNop())

		snap, err := reg.Refresh()
		require.NoError(t, err)
		assert.Len(t, snap, 2)
		assert.Equal(t, 2, h.ListCalls())
	})

	t.Run("still empty is untrusted", func(t *testing.T) {
		h := newHost()
		h.ReturnEmptyListings(2)
		reg := New(h, newClock(), zap.NewNop())

		snap, err := reg.Refresh()
		require.NoError(t, err)
		assert.Empty(t, snap)
		assert.False(t, reg.LoadFailed())
		assert.False(t, reg.Trusted())
	})
}

func TestRegistry_SnapshotIsACopyOfHostState(t *testing.T) {
	h := newHost()
	reg := New(h, newClock(), zap.NewNop())
	_, err := reg.Refresh()
	require.NoError(t, err)

	require.NoError(t, h.SetEnabled("b", true))
	assert.False(t, reg.Get("b").Enabled, "snapshot only changes on refresh")

	_, err = reg.Refresh()
	require.NoError(t, err)
	assert.True(t, reg.Get("b").Enabled)
	assert.Nil(t, reg.Get("missing"))
}
