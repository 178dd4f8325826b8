package truck

import (
	"path/filepath"
	"testing"

	"github.com/andfish/truckdb/codec"
	"github.com/andfish/truckdb/config"
	"github.com/andfish/truckdb/obslog"
	"github.com/stretchr/testify/require"
)

func testOpts() config.Options {
	o := config.Defaults()
	o.FlushCountThreshold = 4
	o.CompactThreshold = 1 << 30 // don't trigger background compaction during ordinary tests
	return o
}

func openTestTruck(t *testing.T) *Truck {
	t.Helper()
	tr, err := Open(t.TempDir(), "t1", testOpts(), obslog.Noop{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestBasicPutGet(t *testing.T) {
	tr := openTestTruck(t)
	require.NoError(t, tr.Write("users", "u1", codec.Value{"name": "Alice", "age": int64(30)}, true))

	v, ok, err := tr.Read("users", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Alice", v["name"])
	require.Equal(t, int64(30), v["age"])
}

func TestReadAbsentTag(t *testing.T) {
	tr := openTestTruck(t)
	_, ok, err := tr.Read("users", "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveTagThenRead(t *testing.T) {
	tr := openTestTruck(t)
	require.NoError(t, tr.Write("b", "t", codec.Value{"v": int64(1)}, true))
	require.NoError(t, tr.RemoveTag("b", "t", true))
	_, ok, err := tr.Read("b", "t")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCASSuccessThenFailure(t *testing.T) {
	tr := openTestTruck(t)
	require.NoError(t, tr.Write("k", "t", codec.Value{"ver": int64(1)}, true))

	ok, err := tr.PutCAS("k", "t", codec.Value{"ver": int64(2)}, "ver", int64(1), true)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.PutCAS("k", "t", codec.Value{"ver": int64(3)}, "ver", int64(1), true)
	require.NoError(t, err)
	require.False(t, ok)

	v, _, err := tr.Read("k", "t")
	require.NoError(t, err)
	require.Equal(t, int64(2), v["ver"])
}

func TestPrefixQuery(t *testing.T) {
	tr := openTestTruck(t)
	names := []string{"Alice", "Alan", "Bob", "Albert", "Zed"}
	for i, n := range names {
		tag := "u" + string(rune('0'+i))
		require.NoError(t, tr.Write("users", tag, codec.Value{"name": n}, true))
	}
	results := tr.Query("users", "name", "Al")
	require.Len(t, results, 3)
	var got []string
	for _, v := range results {
		got = append(got, v["name"].(string))
	}
	require.ElementsMatch(t, []string{"Alice", "Alan", "Albert"}, got)
}

func TestBatchAllOrNothingOnCommit(t *testing.T) {
	tr := openTestTruck(t)
	err := tr.Batch("b", map[string]codec.Value{
		"a": {"v": int64(1)},
		"b": {"v": int64(2)},
		"c": {"v": int64(3)},
	})
	require.NoError(t, err)

	for _, tag := range []string{"a", "b", "c"} {
		v, ok, err := tr.Read("b", tag)
		require.NoError(t, err)
		require.True(t, ok)
		require.NotNil(t, v)
	}
}

func TestReadBoxExcludesTombstones(t *testing.T) {
	tr := openTestTruck(t)
	require.NoError(t, tr.Write("box", "a", codec.Value{"v": int64(1)}, true))
	require.NoError(t, tr.Write("box", "b", codec.Value{"v": int64(2)}, true))
	require.NoError(t, tr.RemoveTag("box", "a", true))

	all := tr.ReadBox("box")
	require.Len(t, all, 1)
	require.Contains(t, all, "b")
}

func TestRemoveBoxDropsEveryTag(t *testing.T) {
	tr := openTestTruck(t)
	require.NoError(t, tr.Write("box", "a", codec.Value{"v": int64(1)}, true))
	require.NoError(t, tr.Write("box", "b", codec.Value{"v": int64(2)}, true))
	require.NoError(t, tr.RemoveBox("box", true))

	require.Empty(t, tr.ReadBox("box"))
	require.NotContains(t, tr.GetAllBoxes(), "box")
}

func TestGetAllBoxesExcludesReserved(t *testing.T) {
	tr := openTestTruck(t)
	require.NoError(t, tr.Write("users", "u1", codec.Value{"v": int64(1)}, true))
	boxes := tr.GetAllBoxes()
	require.Contains(t, boxes, "users")
	require.NotContains(t, boxes, SysBox)
}

func TestReservedBoxRejected(t *testing.T) {
	tr := openTestTruck(t)
	err := tr.Write(SysBox, "x", codec.Value{"v": int64(1)}, true)
	require.Error(t, err)
}

func TestRecoveryAfterReopen(t *testing.T) {
	dir := t.TempDir()
	opts := testOpts()

	tr, err := Open(dir, "t1", opts, obslog.Noop{})
	require.NoError(t, err)
	require.NoError(t, tr.Write("users", "u1", codec.Value{"name": "Alice"}, true))
	require.NoError(t, tr.Close())

	reopened, err := Open(dir, "t1", opts, obslog.Noop{})
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Read("users", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Alice", v["name"])
}

func TestCompactPreservesLiveValues(t *testing.T) {
	tr := openTestTruck(t)
	for i := 0; i < 20; i++ {
		tag := "tag" + string(rune('a'+i))
		require.NoError(t, tr.Write("box", tag, codec.Value{"n": int64(i)}, true))
	}
	for i := 0; i < 20; i++ {
		tag := "tag" + string(rune('a'+i))
		require.NoError(t, tr.Write("box", tag, codec.Value{"n": int64(i * 10)}, true))
	}
	for i := 0; i < 10; i++ {
		tag := "tag" + string(rune('a'+i))
		require.NoError(t, tr.RemoveTag("box", tag, true))
	}

	require.NoError(t, tr.Compact())

	all := tr.ReadBox("box")
	require.Len(t, all, 10)
	for i := 10; i < 20; i++ {
		tag := "tag" + string(rune('a'+i))
		v, ok := all[tag]
		require.True(t, ok)
		require.Equal(t, int64(i*10), v["n"])
	}
}

func TestDataFilePathsUseIDPrefix(t *testing.T) {
	dir := t.TempDir()
	tr, err := Open(dir, "myid", testOpts(), obslog.Noop{})
	require.NoError(t, err)
	defer tr.Close()
	require.Equal(t, filepath.Join(dir, "myid.dat"), tr.dataPath)
	require.Equal(t, filepath.Join(dir, "myid.idx"), tr.idxPath)
}
