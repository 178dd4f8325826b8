package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOffsetIndexSetLookupRemove(t *testing.T) {
	idx := New()
	idx.Set("trucks", "alice", Address{Offset: 10, Length: 20})

	addr, ok := idx.Lookup("trucks", "alice")
	require.True(t, ok)
	require.Equal(t, Address{Offset: 10, Length: 20}, addr)

	idx.Remove("trucks", "alice")
	_, ok = idx.Lookup("trucks", "alice")
	require.False(t, ok)
}

func TestOffsetIndexSaveLoadRoundTrip(t *testing.T) {
	idx := New()
	idx.Set("trucks", "alice", Address{Offset: 0, Length: 100})
	idx.Set("trucks", "bob", Address{Offset: 100, Length: 50})
	idx.Set("parts", "widget", Address{Offset: 150, Length: 30})

	path := filepath.Join(t.TempDir(), "test.idx")
	require.NoError(t, idx.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	addr, ok := loaded.Lookup("trucks", "alice")
	require.True(t, ok)
	require.Equal(t, Address{Offset: 0, Length: 100}, addr)

	addr, ok = loaded.Lookup("parts", "widget")
	require.True(t, ok)
	require.Equal(t, Address{Offset: 150, Length: 30}, addr)

	require.ElementsMatch(t, []string{"parts", "trucks"}, loaded.Boxes(""))
}

func TestOffsetIndexLoadMissingFileIsEmpty(t *testing.T) {
	idx, err := Load(filepath.Join(t.TempDir(), "missing.idx"))
	require.NoError(t, err)
	require.Empty(t, idx.Boxes(""))
}

func TestOffsetIndexMaxIndexedOffset(t *testing.T) {
	idx := New()
	idx.Set("b", "t1", Address{Offset: 0, Length: 40})
	idx.Set("b", "t2", Address{Offset: 40, Length: 60})
	require.Equal(t, uint32(100), idx.MaxIndexedOffset())
}

func TestOffsetIndexRemoveBoxDropsAllTags(t *testing.T) {
	idx := New()
	idx.Set("b", "t1", Address{Offset: 0, Length: 1})
	idx.Set("b", "t2", Address{Offset: 1, Length: 1})
	idx.RemoveBox("b")
	require.Empty(t, idx.ListBox("b"))
	require.NotContains(t, idx.Boxes(""), "b")
}

func TestOffsetIndexBoxesExcludesReserved(t *testing.T) {
	idx := New()
	idx.Set("__SYS__", "TX_START_1", Address{Offset: 0, Length: 1})
	idx.Set("trucks", "alice", Address{Offset: 1, Length: 1})
	require.Equal(t, []string{"trucks"}, idx.Boxes("__SYS__"))
}
