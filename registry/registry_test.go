package registry

import (
	"testing"
	"time"

	"github.com/andfish/truckdb/codec"
	"github.com/andfish/truckdb/config"
	"github.com/andfish/truckdb/obslog"
	"github.com/stretchr/testify/require"
)

func testOpts() config.Options {
	o := config.Defaults()
	o.FlushCountThreshold = 4
	o.CompactThreshold = 1 << 30
	o.WorkerTimeout = 2 * time.Second
	o.MaxLiveTrucks = 2
	return o
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(t.TempDir(), testOpts(), obslog.Noop{})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegistryPutGet(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Put("t1", "users", "u1", codec.Value{"name": "Alice"}, true))

	v, ok, err := r.Get("t1", "users", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Alice", v["name"])
}

func TestRegistryPutClassifiesPutThenUpdate(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Put("t1", "users", "u1", codec.Value{"v": int64(1)}, true))

	ch, cancel := r.Bus().Subscribe()
	defer cancel()
	require.NoError(t, r.Put("t1", "users", "u1", codec.Value{"v": int64(2)}, true))

	select {
	case evt := <-ch:
		require.Equal(t, "UPDATE", string(evt.Op))
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestRegistryDeleteTagRemovesFromCache(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Put("t1", "b", "a", codec.Value{"v": int64(1)}, true))
	require.NoError(t, r.DeleteTag("t1", "b", "a", true))

	_, ok, err := r.Get("t1", "b", "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRegistryDeleteBoxClearsGlobalCache(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Put("t1", "b", "a", codec.Value{"v": int64(1)}, true))
	require.NoError(t, r.Put("t1", "c", "x", codec.Value{"v": int64(9)}, true))

	require.NoError(t, r.DeleteBox("t1", "b"))

	_, ok, err := r.Get("t1", "c", "x")
	require.NoError(t, err)
	require.True(t, ok, "unaffected box's value should still be readable from the truck even though the global cache entry was cleared")
}

func TestRegistryEvictsLeastRecentlyResolvedTruck(t *testing.T) {
	r := newTestRegistry(t) // MaxLiveTrucks = 2
	require.NoError(t, r.Put("t1", "b", "a", codec.Value{"v": int64(1)}, true))
	require.NoError(t, r.Put("t2", "b", "a", codec.Value{"v": int64(2)}, true))
	require.Len(t, r.workers, 2)

	require.NoError(t, r.Put("t3", "b", "a", codec.Value{"v": int64(3)}, true))
	require.Len(t, r.workers, 2)
	require.NotContains(t, r.workers, "t1")

	// Force the read past the global cache so this exercises t1's worker
	// being respawned and its data file recovered, not just a cache hit.
	r.globalCache.Clear()
	v, ok, err := r.Get("t1", "b", "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), v["v"])
}

func TestRegistryDeleteTruckRemovesFiles(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Put("t1", "b", "a", codec.Value{"v": int64(1)}, true))
	require.NoError(t, r.DeleteTruck("t1"))

	boxes, err := r.GetAllBoxes("t1")
	require.NoError(t, err)
	require.Empty(t, boxes)
}

func TestRegistryWatchYieldsCurrentThenUpdates(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Put("t1", "b", "a", codec.Value{"v": int64(1)}, true))

	updates, cancel, err := r.Watch("t1", "b", "a")
	require.NoError(t, err)
	defer cancel()

	first := <-updates
	require.True(t, first.Ok)
	require.Equal(t, int64(1), first.Value["v"])

	require.NoError(t, r.Put("t1", "b", "a", codec.Value{"v": int64(2)}, true))

	select {
	case u := <-updates:
		require.True(t, u.Ok)
		require.Equal(t, int64(2), u.Value["v"])
	case <-time.After(time.Second):
		t.Fatal("watch did not observe the update")
	}
}

func TestRegistryWatchBoxSeesBoxWideDelete(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Put("t1", "b", "a", codec.Value{"v": int64(1)}, true))

	updates, cancel, err := r.WatchBox("t1", "b")
	require.NoError(t, err)
	defer cancel()

	<-updates // initial snapshot

	require.NoError(t, r.DeleteBox("t1", "b"))

	select {
	case u := <-updates:
		require.Empty(t, u.Entries)
	case <-time.After(time.Second):
		t.Fatal("watchBox did not observe the box deletion")
	}
}
