// Compaction per spec.md §4.5.5: rewrite the data file to contain only
// live latest records, then swap it into place via backup-rename so a
// crash mid-compact leaves either the complete old or complete new file
// set. Grounded on vi88i-kvstash's store.autoCompact (backup, build a
// fresh store, copy every live key across, then swap directories with a
// restore-from-backup fallback on failure) adapted to this spec's
// single-data-file-per-truck layout instead of a directory of segments.
package truck

import (
	"os"
	"time"

	"github.com/andfish/truckdb/codec"
	"github.com/andfish/truckdb/dberr"
	"github.com/andfish/truckdb/index"
	"github.com/andfish/truckdb/internal/mmapfile"
	"github.com/andfish/truckdb/obslog"
)

// Compact runs the rewrite-and-swap procedure immediately.
func (t *Truck) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpenLocked(); err != nil {
		return err
	}
	return t.compactLocked()
}

func (t *Truck) compactLocked() error {
	if err := t.flushLocked(); err != nil {
		return dberr.Wrapf(err, "truck %s: pre-compact flush", t.id)
	}

	tempDataPath := t.dataPath + "_temp"
	tempIdxPath := t.idxPath + "_temp"
	bakDataPath := t.dataPath + "_bak"
	bakIdxPath := t.idxPath + "_bak"

	os.Remove(tempDataPath)
	os.Remove(tempIdxPath)

	tempData, err := mmapfile.Open(tempDataPath, os.O_RDWR|os.O_CREATE, initialFileSize, true)
	if err != nil {
		return dberr.Wrapf(err, "truck %s: open compaction temp file", t.id)
	}

	freshIdx := index.New()
	var tempSize uint32

	snapshot := t.idx.Snapshot()
	preSize := t.size

	for box, tags := range snapshot {
		for tag, addr := range tags {
			raw, err := t.data.ReadAt(int(addr.Offset), int(addr.Length))
			if err != nil {
				obslog.Emit(t.obs, time.Now(), t.id, "compact.read_failed", obslog.LevelWarn, map[string]any{"box": box, "tag": tag, "error": err.Error()})
				continue
			}
			rec, err := codec.DecodeRecord(raw)
			if err != nil || rec.IsTombstone() {
				continue
			}
			buf := codec.EncodeRecord(box, tag, rec.Data)
			offset := tempSize
			end, err := tempData.AppendBuffer(offset, buf)
			if err != nil {
				tempData.Delete()
				return dberr.Wrapf(err, "truck %s: append to compaction temp file", t.id)
			}
			tempSize = end
			freshIdx.Set(box, tag, index.Address{Offset: offset, Length: tempSize - offset})
		}
	}

	if err := tempData.Truncate(int64(tempSize)); err != nil {
		tempData.Delete()
		return dberr.Wrapf(err, "truck %s: trim compaction temp file", t.id)
	}
	if err := freshIdx.Save(tempIdxPath); err != nil {
		tempData.Delete()
		return dberr.Wrapf(err, "truck %s: save compaction temp index", t.id)
	}
	if err := tempData.Close(); err != nil {
		return dberr.Wrapf(err, "truck %s: close compaction temp file", t.id)
	}

	if err := t.swapCompactedFiles(tempDataPath, tempIdxPath, bakDataPath, bakIdxPath, freshIdx, tempSize); err != nil {
		return err
	}

	obslog.Emit(t.obs, time.Now(), t.id, "compact.done", obslog.LevelInfo, map[string]any{"pre_size": preSize, "post_size": tempSize})
	return nil
}

// swapCompactedFiles performs the rename dance and reopens the writer.
// On any failure once the old files have been moved aside, it attempts
// to restore them from the backup copies so the truck is left usable
// either way.
func (t *Truck) swapCompactedFiles(tempDataPath, tempIdxPath, bakDataPath, bakIdxPath string, freshIdx *index.OffsetIndex, tempSize uint32) error {
	os.Remove(bakDataPath)
	os.Remove(bakIdxPath)

	if err := t.data.Close(); err != nil {
		os.Remove(tempDataPath)
		os.Remove(tempIdxPath)
		return dberr.Wrapf(err, "truck %s: close data file before swap", t.id)
	}

	restore := func(cause error) error {
		os.Rename(bakDataPath, t.dataPath)
		os.Rename(bakIdxPath, t.idxPath)
		reopened, reopenErr := mmapfile.Open(t.dataPath, os.O_RDWR|os.O_CREATE, initialFileSize, true)
		if reopenErr != nil {
			return dberr.Wrapf(reopenErr, "truck %s: reopen data file after failed compaction swap (cause: %v)", t.id, cause)
		}
		t.data = reopened
		return dberr.Wrapf(cause, "truck %s: compaction swap failed, restored previous files", t.id)
	}

	if err := os.Rename(t.dataPath, bakDataPath); err != nil {
		return restore(err)
	}
	if err := os.Rename(t.idxPath, bakIdxPath); err != nil {
		return restore(err)
	}
	if err := os.Rename(tempDataPath, t.dataPath); err != nil {
		return restore(err)
	}
	if err := os.Rename(tempIdxPath, t.idxPath); err != nil {
		return restore(err)
	}

	reopened, err := mmapfile.Open(t.dataPath, os.O_RDWR|os.O_CREATE, initialFileSize, true)
	if err != nil {
		return restore(err)
	}

	t.data = reopened
	t.idx.Replace(freshIdx)
	t.size = tempSize

	os.Remove(bakDataPath)
	os.Remove(bakIdxPath)
	return nil
}
