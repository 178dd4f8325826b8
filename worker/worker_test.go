package worker

import (
	"testing"
	"time"

	"github.com/andfish/truckdb/codec"
	"github.com/andfish/truckdb/config"
	"github.com/andfish/truckdb/dberr"
	"github.com/andfish/truckdb/obslog"
	"github.com/stretchr/testify/require"
)

func testOpts() config.Options {
	o := config.Defaults()
	o.FlushCountThreshold = 4
	o.CompactThreshold = 1 << 30
	o.WorkerTimeout = 2 * time.Second
	return o
}

func spawnTestWorker(t *testing.T) *TruckWorker {
	t.Helper()
	w, err := Spawn(t.TempDir(), "t1", testOpts(), obslog.Noop{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWorkerWriteRead(t *testing.T) {
	w := spawnTestWorker(t)
	require.NoError(t, w.Write("users", "u1", codec.Value{"name": "Alice"}, true))

	v, ok, err := w.Read("users", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Alice", v["name"])
}

func TestWorkerWriteAsyncEventuallyVisible(t *testing.T) {
	w := spawnTestWorker(t)
	require.NoError(t, w.WriteAsync("users", "u1", codec.Value{"name": "Bob"}, true))

	require.Eventually(t, func() bool {
		v, ok, err := w.Read("users", "u1")
		return err == nil && ok && v["name"] == "Bob"
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerPutCAS(t *testing.T) {
	w := spawnTestWorker(t)
	require.NoError(t, w.Write("k", "t", codec.Value{"ver": int64(1)}, true))

	ok, err := w.PutCAS("k", "t", codec.Value{"ver": int64(2)}, "ver", int64(1), true)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = w.PutCAS("k", "t", codec.Value{"ver": int64(3)}, "ver", int64(1), true)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWorkerBatchAndReadBox(t *testing.T) {
	w := spawnTestWorker(t)
	require.NoError(t, w.Batch("b", map[string]codec.Value{
		"a": {"v": int64(1)},
		"b": {"v": int64(2)},
	}))

	all, err := w.ReadBox("b")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestWorkerQuery(t *testing.T) {
	w := spawnTestWorker(t)
	require.NoError(t, w.Write("users", "u1", codec.Value{"name": "Alice"}, true))
	require.NoError(t, w.Write("users", "u2", codec.Value{"name": "Alan"}, true))
	require.NoError(t, w.Write("users", "u3", codec.Value{"name": "Zed"}, true))

	results, err := w.Query("users", "name", "Al")
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestWorkerRemoveTagAndBox(t *testing.T) {
	w := spawnTestWorker(t)
	require.NoError(t, w.Write("b", "a", codec.Value{"v": int64(1)}, true))
	require.NoError(t, w.Write("b", "c", codec.Value{"v": int64(2)}, true))
	require.NoError(t, w.RemoveTag("b", "a", true))

	ok, err := w.Contains("b", "a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, w.RemoveBox("b", true))
	boxes, err := w.GetAllBoxes()
	require.NoError(t, err)
	require.NotContains(t, boxes, "b")
}

func TestWorkerCompact(t *testing.T) {
	w := spawnTestWorker(t)
	require.NoError(t, w.Write("b", "a", codec.Value{"v": int64(1)}, true))
	require.NoError(t, w.Compact())

	v, ok, err := w.Read("b", "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), v["v"])
}

func TestWorkerCloseIsIdempotentAndRejectsFurtherCalls(t *testing.T) {
	w, err := Spawn(t.TempDir(), "t1", testOpts(), obslog.Noop{})
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, _, err = w.Read("b", "a")
	require.ErrorIs(t, err, dberr.ErrClosed)
}
