// Package index implements the persistent OffsetIndex: the mapping from
// (box, tag) to the file offset and length of that tag's latest committed
// record. Grounded on And-fish-kvDB's file/manifet.go, which persists a
// similar box/level manifest as a flat length-prefixed record stream; this
// index instead uses the fixed binary layout spec.md §4.2 mandates
// (box-count, then per box a tag-count and per-tag offset/length pairs)
// rather than the teacher's protobuf-encoded change-set log, since no
// generated protobuf package for this domain was available to reuse.
package index

import (
	"encoding/binary"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Address is the on-disk location of one record.
type Address struct {
	Offset uint32
	Length uint32
}

// OffsetIndex is the in-memory mirror of a truck's .idx file. Safe for
// concurrent use; callers additionally serialize through the truck mutex
// for compound read-modify-write sequences (e.g. CAS).
type OffsetIndex struct {
	mu    sync.RWMutex
	boxes map[string]map[string]Address
}

// New returns an empty index.
func New() *OffsetIndex {
	return &OffsetIndex{boxes: make(map[string]map[string]Address)}
}

// Load reads path into a fresh OffsetIndex. A missing file yields an empty
// index. A parse failure also yields an empty index; the caller is
// expected to log this and fall back to a full recovery scan.
func Load(path string) (*OffsetIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return New(), errors.Wrapf(err, "index: read %s", path)
	}
	idx, err := decode(data)
	if err != nil {
		return New(), errors.Wrapf(err, "index: decode %s", path)
	}
	return idx, nil
}

func decode(data []byte) (*OffsetIndex, error) {
	idx := New()
	pos := 0
	readU32 := func() (uint32, error) {
		if pos+4 > len(data) {
			return 0, io.ErrUnexpectedEOF
		}
		v := binary.LittleEndian.Uint32(data[pos : pos+4])
		pos += 4
		return v, nil
	}
	readStr := func() (string, error) {
		l, err := readU32()
		if err != nil {
			return "", err
		}
		if pos+int(l) > len(data) {
			return "", io.ErrUnexpectedEOF
		}
		s := string(data[pos : pos+int(l)])
		pos += int(l)
		return s, nil
	}

	boxCount, err := readU32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < boxCount; i++ {
		boxID, err := readStr()
		if err != nil {
			return nil, err
		}
		tagCount, err := readU32()
		if err != nil {
			return nil, err
		}
		tags := make(map[string]Address, tagCount)
		for j := uint32(0); j < tagCount; j++ {
			tag, err := readStr()
			if err != nil {
				return nil, err
			}
			offset, err := readU32()
			if err != nil {
				return nil, err
			}
			length, err := readU32()
			if err != nil {
				return nil, err
			}
			tags[tag] = Address{Offset: offset, Length: length}
		}
		idx.boxes[boxID] = tags
	}
	return idx, nil
}

// Save writes the index to path as one full rewrite, fsyncing before
// returning so a crash never observes a partially written index file.
func (idx *OffsetIndex) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	buf := idx.encodeLocked()

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return errors.Wrapf(err, "index: create %s", tmp)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return errors.Wrapf(err, "index: write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "index: fsync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "index: close %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "index: rename %s to %s", tmp, path)
	}
	return nil
}

func (idx *OffsetIndex) encodeLocked() []byte {
	boxIDs := make([]string, 0, len(idx.boxes))
	for id := range idx.boxes {
		boxIDs = append(boxIDs, id)
	}
	sort.Strings(boxIDs)

	buf := make([]byte, 0, 64)
	buf = putU32(buf, uint32(len(boxIDs)))
	for _, boxID := range boxIDs {
		buf = putStr(buf, boxID)
		tags := idx.boxes[boxID]
		tagIDs := make([]string, 0, len(tags))
		for t := range tags {
			tagIDs = append(tagIDs, t)
		}
		sort.Strings(tagIDs)
		buf = putU32(buf, uint32(len(tagIDs)))
		for _, tag := range tagIDs {
			addr := tags[tag]
			buf = putStr(buf, tag)
			buf = putU32(buf, addr.Offset)
			buf = putU32(buf, addr.Length)
		}
	}
	return buf
}

func putU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func putStr(buf []byte, s string) []byte {
	buf = putU32(buf, uint32(len(s)))
	return append(buf, s...)
}

// Lookup returns the address for (box, tag), if present.
func (idx *OffsetIndex) Lookup(box, tag string) (Address, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	tags, ok := idx.boxes[box]
	if !ok {
		return Address{}, false
	}
	addr, ok := tags[tag]
	return addr, ok
}

// Set installs or overwrites the address for (box, tag).
func (idx *OffsetIndex) Set(box, tag string, addr Address) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	tags, ok := idx.boxes[box]
	if !ok {
		tags = make(map[string]Address)
		idx.boxes[box] = tags
	}
	tags[tag] = addr
}

// Remove deletes the address for (box, tag), dropping the box entry
// entirely once it holds no more tags.
func (idx *OffsetIndex) Remove(box, tag string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	tags, ok := idx.boxes[box]
	if !ok {
		return
	}
	delete(tags, tag)
	if len(tags) == 0 {
		delete(idx.boxes, box)
	}
}

// RemoveBox drops every tag under box.
func (idx *OffsetIndex) RemoveBox(box string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.boxes, box)
}

// ListBox returns a copy of the tag->address mapping for box.
func (idx *OffsetIndex) ListBox(box string) map[string]Address {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	tags, ok := idx.boxes[box]
	if !ok {
		return nil
	}
	out := make(map[string]Address, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// Boxes returns the box ids currently present in the index, excluding any
// caller-specified reserved id (the truck passes "__SYS__" here).
func (idx *OffsetIndex) Boxes(exclude string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, 0, len(idx.boxes))
	for id := range idx.boxes {
		if id == exclude {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MaxIndexedOffset returns the supremum of offset+length over every
// address currently in the index. Used at startup to locate the tail from
// which the recovery scan must resume.
func (idx *OffsetIndex) MaxIndexedOffset() uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var max uint32
	for _, tags := range idx.boxes {
		for _, addr := range tags {
			end := addr.Offset + addr.Length
			if end > max {
				max = end
			}
		}
	}
	return max
}

// Snapshot returns a deep copy of the full box->tag->address mapping, used
// by compaction to iterate every live record without holding the lock for
// the duration of the rewrite.
func (idx *OffsetIndex) Snapshot() map[string]map[string]Address {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]map[string]Address, len(idx.boxes))
	for box, tags := range idx.boxes {
		cp := make(map[string]Address, len(tags))
		for tag, addr := range tags {
			cp[tag] = addr
		}
		out[box] = cp
	}
	return out
}

// Replace atomically swaps the entire index contents with fresh, used by
// compaction to install the freshly built index after a successful swap.
func (idx *OffsetIndex) Replace(fresh *OffsetIndex) {
	fresh.mu.RLock()
	boxes := make(map[string]map[string]Address, len(fresh.boxes))
	for box, tags := range fresh.boxes {
		cp := make(map[string]Address, len(tags))
		for tag, addr := range tags {
			cp[tag] = addr
		}
		boxes[box] = cp
	}
	fresh.mu.RUnlock()

	idx.mu.Lock()
	idx.boxes = boxes
	idx.mu.Unlock()
}
