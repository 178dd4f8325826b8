// Read path per spec.md §4.5.3: write buffer, then tag LRU, then the
// OffsetIndex address, with CRC validation on V2 records. Grounded on
// And-fish-kvDB's db.go Get (check an in-memory shadow before falling
// through to durable storage, decode on the way out) and vi88i-kvstash's
// store.Get (index lookup, then fetch and validate the on-disk record,
// purging it from the index on integrity failure).
package truck

import (
	"time"

	"github.com/andfish/truckdb/codec"
	"github.com/andfish/truckdb/obslog"
)

// Read returns the current value for (box, tag), or false if absent.
func (t *Truck) Read(box, tag string) (codec.Value, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureOpenLocked(); err != nil {
		return nil, false, err
	}
	v, ok := t.readLocked(box, tag)
	return v, ok, nil
}

// readLocked implements the three-tier lookup: write buffer, tag LRU,
// OffsetIndex. Never returns an error: a decode/CRC failure is logged and
// treated as absent per spec.md §7.
func (t *Truck) readLocked(box, tag string) (codec.Value, bool) {
	if e, ok := t.writeBuffer[bufKey(box, tag)]; ok {
		if e.Value == nil {
			return nil, false
		}
		return e.Value, true
	}
	if v, ok := t.tagCache.Get(box, tag); ok {
		if v == nil {
			return nil, false
		}
		return v.(codec.Value), true
	}
	addr, ok := t.idx.Lookup(box, tag)
	if !ok {
		return nil, false
	}
	raw, err := t.data.ReadAt(int(addr.Offset), int(addr.Length))
	if err != nil {
		obslog.Emit(t.obs, time.Now(), t.id, "read.io_error", obslog.LevelWarn, map[string]any{"box": box, "tag": tag, "error": err.Error()})
		return nil, false
	}
	rec, err := codec.DecodeRecord(raw)
	if err != nil {
		obslog.Emit(t.obs, time.Now(), t.id, "read.decode_failed", obslog.LevelWarn, map[string]any{"box": box, "tag": tag, "error": err.Error()})
		return nil, false
	}
	if rec.IsTombstone() {
		return nil, false
	}
	val, err := codec.DecodeMapValue(rec.Data)
	if err != nil {
		obslog.Emit(t.obs, time.Now(), t.id, "read.codec_error", obslog.LevelWarn, map[string]any{"box": box, "tag": tag, "error": err.Error()})
		return nil, false
	}
	t.tagCache.Put(box, tag, val)
	return val, true
}

// ReadBox returns every live tag under box mapped to its current value.
func (t *Truck) ReadBox(box string) map[string]codec.Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	out := make(map[string]codec.Value)
	for _, tag := range t.liveTagsLocked(box) {
		if v, ok := t.readLocked(box, tag); ok {
			out[tag] = v
		}
	}
	return out
}

// Query returns the values of every live tag under box whose string
// value at field starts with prefix.
func (t *Truck) Query(box, field, prefix string) []codec.Value {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	tags := t.fieldIndex.PrefixTags(box, field, prefix)
	out := make([]codec.Value, 0, len(tags))
	for _, tag := range tags {
		if v, ok := t.readLocked(box, tag); ok {
			out = append(out, v)
		}
	}
	return out
}

// Contains reports whether (box, tag) currently resolves to a live value.
func (t *Truck) Contains(box, tag string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	_, ok := t.readLocked(box, tag)
	return ok
}
