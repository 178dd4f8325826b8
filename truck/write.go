// Write buffer and flush pipeline per spec.md §4.5.2. Grounded on
// And-fish-kvDB's db.go writeRequests/runWrite (batch several pending
// requests into one physical write, then apply index updates once the
// write is durable) and vi88i-kvstash's LogWriter (append at a tracked
// offset under a mutex, one physical file per store).
package truck

import (
	"time"

	"github.com/andfish/truckdb/codec"
	"github.com/andfish/truckdb/dberr"
	"github.com/andfish/truckdb/index"
	"github.com/andfish/truckdb/obslog"
)

// Write installs value for (box, tag). If sync is true the value is
// durable on disk before Write returns; otherwise it is buffered and a
// flush is scheduled per the count/time thresholds.
func (t *Truck) Write(box, tag string, value codec.Value, sync bool) error {
	if box == SysBox {
		return dberr.ErrReservedBox
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpenLocked(); err != nil {
		return err
	}
	return t.stageWriteLocked(box, tag, value, sync)
}

func (t *Truck) stageWriteLocked(box, tag string, value codec.Value, sync bool) error {
	old, _ := t.readLocked(box, tag)
	t.fieldIndex.Index(box, tag, old, value)
	t.tagCache.Put(box, tag, value)
	t.writeBuffer[bufKey(box, tag)] = &bufEntry{Box: box, Tag: tag, Value: value}
	return t.afterStageLocked(sync)
}

// RemoveTag tombstones (box, tag).
func (t *Truck) RemoveTag(box, tag string, sync bool) error {
	if box == SysBox {
		return dberr.ErrReservedBox
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpenLocked(); err != nil {
		return err
	}
	return t.stageRemoveLocked(box, tag, sync)
}

func (t *Truck) stageRemoveLocked(box, tag string, sync bool) error {
	old, ok := t.readLocked(box, tag)
	if ok {
		t.fieldIndex.Remove(box, tag, old)
	}
	t.tagCache.Remove(box, tag)
	t.writeBuffer[bufKey(box, tag)] = &bufEntry{Box: box, Tag: tag, Value: nil}
	return t.afterStageLocked(sync)
}

// RemoveBox tombstones every currently-live tag under box.
func (t *Truck) RemoveBox(box string, sync bool) error {
	if box == SysBox {
		return dberr.ErrReservedBox
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpenLocked(); err != nil {
		return err
	}

	tags := t.liveTagsLocked(box)
	for _, tag := range tags {
		old, ok := t.readLocked(box, tag)
		if ok {
			t.fieldIndex.Remove(box, tag, old)
		}
		t.tagCache.Remove(box, tag)
		t.writeBuffer[bufKey(box, tag)] = &bufEntry{Box: box, Tag: tag, Value: nil}
	}
	t.fieldIndex.RemoveBox(box)
	return t.afterStageLocked(sync)
}

// Batch appends every entry in one transaction envelope, always flushed
// durably before returning.
func (t *Truck) Batch(box string, entries map[string]codec.Value) error {
	if box == SysBox {
		return dberr.ErrReservedBox
	}
	if len(entries) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpenLocked(); err != nil {
		return err
	}
	for tag, value := range entries {
		old, _ := t.readLocked(box, tag)
		t.fieldIndex.Index(box, tag, old, value)
		t.tagCache.Put(box, tag, value)
		t.writeBuffer[bufKey(box, tag)] = &bufEntry{Box: box, Tag: tag, Value: value}
	}
	return t.flushLocked()
}

// liveTagsLocked returns every tag currently visible under box, whether
// committed in the index or only present in the write buffer.
func (t *Truck) liveTagsLocked(box string) []string {
	seen := make(map[string]struct{})
	var out []string
	for tag := range t.idx.ListBox(box) {
		if e, buffered := t.writeBuffer[bufKey(box, tag)]; buffered && e.Value == nil {
			continue // buffered tombstone shadows an as-yet-unflushed index entry
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	for _, e := range t.writeBuffer {
		if e.Box != box || e.Value == nil {
			continue
		}
		if _, ok := seen[e.Tag]; !ok {
			seen[e.Tag] = struct{}{}
			out = append(out, e.Tag)
		}
	}
	return out
}

// afterStageLocked cancels any pending flush timer and either flushes
// synchronously (sync=true) or schedules a flush per the buffer's
// count/time thresholds.
func (t *Truck) afterStageLocked(sync bool) error {
	if t.flushTimer != nil {
		t.flushTimer.Stop()
		t.flushTimer = nil
	}
	if sync {
		return t.flushLocked()
	}
	if len(t.writeBuffer) >= t.opts.FlushCountThreshold {
		return t.flushLocked()
	}
	t.armFlushTimerLocked()
	return nil
}

func (t *Truck) armFlushTimerLocked() {
	interval := t.opts.FlushInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	t.flushTimer = time.AfterFunc(interval, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed || len(t.writeBuffer) == 0 {
			return
		}
		if err := t.flushLocked(); err != nil {
			obslog.Emit(t.obs, time.Now(), t.id, "flush.timer_failed", obslog.LevelError, map[string]any{"error": err.Error()})
		}
	})
}

// flushLocked serializes the entire current write buffer as one
// transaction envelope, performs a single physical sync, then applies
// address updates to the OffsetIndex. Runs under t.mu, so it is never
// preempted by another mutation; a mutation that arrives while a flush
// (including the timer-triggered path) is running simply blocks on t.mu.
func (t *Truck) flushLocked() error {
	if t.flushTimer != nil {
		t.flushTimer.Stop()
		t.flushTimer = nil
	}
	if len(t.writeBuffer) == 0 {
		return nil
	}

	entries := make([]*bufEntry, 0, len(t.writeBuffer))
	for _, e := range t.writeBuffer {
		entries = append(entries, e)
	}

	txID := t.nextTxID()

	startPayload := codec.EncodeMapValue(codec.Value{"count": int64(len(entries))})
	if err := t.appendRecordLocked(SysBox, txStartPrefix+txID, startPayload); err != nil {
		return dberr.Wrapf(err, "truck %s: flush TX_START", t.id)
	}

	type addrUpdate struct {
		box, tag string
		addr     index.Address
		tomb     bool
	}
	updates := make([]addrUpdate, 0, len(entries))

	for _, e := range entries {
		var payload []byte
		if e.Value != nil {
			payload = codec.EncodeMapValue(e.Value)
		}
		offset := t.size
		if err := t.appendRecordLocked(e.Box, e.Tag, payload); err != nil {
			return dberr.Wrapf(err, "truck %s: flush record %s/%s", t.id, e.Box, e.Tag)
		}
		updates = append(updates, addrUpdate{box: e.Box, tag: e.Tag, addr: index.Address{Offset: offset, Length: t.size - offset}, tomb: e.Value == nil})
	}

	if err := t.appendRecordLocked(SysBox, txCommitPrefix+txID, nil); err != nil {
		return dberr.Wrapf(err, "truck %s: flush TX_COMMIT", t.id)
	}

	if err := t.data.Sync(); err != nil {
		return dberr.Wrapf(err, "truck %s: fsync data file", t.id)
	}

	for _, u := range updates {
		if u.tomb {
			t.idx.Remove(u.box, u.tag)
		} else {
			t.idx.Set(u.box, u.tag, u.addr)
		}
	}

	t.writeBuffer = make(map[string]*bufEntry)
	t.dirtySinceSave += len(updates)
	t.opsSinceCompact += len(updates)

	if t.dirtySinceSave >= t.opts.FlushCountThreshold {
		if err := t.idx.Save(t.idxPath); err != nil {
			obslog.Emit(t.obs, time.Now(), t.id, "index.save_failed", obslog.LevelWarn, map[string]any{"error": err.Error()})
		} else {
			t.dirtySinceSave = 0
		}
	}
	if t.opsSinceCompact >= t.opts.CompactThreshold {
		t.opsSinceCompact = 0
		go func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.closed {
				return
			}
			if err := t.compactLocked(); err != nil {
				obslog.Emit(t.obs, time.Now(), t.id, "compact.background_failed", obslog.LevelError, map[string]any{"error": err.Error()})
			}
		}()
	}

	return nil
}

// appendRecordLocked encodes and appends one framed record at the
// current tail, advancing t.size.
func (t *Truck) appendRecordLocked(box, tag string, data []byte) error {
	buf := codec.EncodeRecord(box, tag, data)
	end, err := t.data.AppendBuffer(t.size, buf)
	if err != nil {
		return err
	}
	t.size = end
	return nil
}
