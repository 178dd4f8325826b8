// Package mmapfile memory-maps a truck's data file so the read path can
// address any offset without a syscall per read, and the append path can
// grow the mapping in place. Adapted from And-fish-kvDB's file.MmapFile /
// utils/mmap, trimmed to what a single append-only record log needs: no
// size-prefixed slice allocator (a truck's records are addressed by the
// OffsetIndex, not by walking size prefixes).
package mmapfile

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

const growStep = 1 << 20 // grow the mapping by at least 1MiB at a time, capped at 1GiB below
const growCap = 1 << 30

// File is a memory-mapped, growable file. Not safe for concurrent use;
// callers serialize access (the truck mutex does this for its data file).
type File struct {
	Fd   *os.File
	Data []byte
}

// Open maps filename into memory, creating it with minSz bytes if it does
// not exist or is empty. writable controls the mmap protection flags.
func Open(filename string, flag int, minSz int64, writable bool) (*File, error) {
	fd, err := os.OpenFile(filename, flag, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "mmapfile: open %s", filename)
	}
	fi, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "mmapfile: stat %s", filename)
	}
	size := fi.Size()
	if size == 0 && minSz > 0 {
		if err := fd.Truncate(minSz); err != nil {
			fd.Close()
			return nil, errors.Wrapf(err, "mmapfile: truncate %s", filename)
		}
		size = minSz
	}
	data, err := mmap(fd, writable, size)
	if err != nil {
		fd.Close()
		return nil, errors.Wrapf(err, "mmapfile: mmap %s size=%d", filename, size)
	}
	return &File{Fd: fd, Data: data}, nil
}

// Size returns the current length of the file (mapping length, which may
// exceed the last written byte after a grow).
func (f *File) Size() int64 {
	return int64(len(f.Data))
}

// ReadAt reads sz bytes at off. Errors with io.EOF if the range is out of
// bounds instead of panicking on a bad index.
func (f *File) ReadAt(off, sz int) ([]byte, error) {
	if off < 0 || sz < 0 || off+sz > len(f.Data) {
		return nil, io.EOF
	}
	return f.Data[off : off+sz], nil
}

// AppendBuffer writes buf at offset, growing (and remapping) the file first
// if needed. Returns the offset one past the written bytes.
func (f *File) AppendBuffer(offset uint32, buf []byte) (uint32, error) {
	end := int(offset) + len(buf)
	if end > len(f.Data) {
		if err := f.grow(end); err != nil {
			return 0, err
		}
	}
	n := copy(f.Data[offset:end], buf)
	if n != len(buf) {
		return 0, errors.New("mmapfile: short copy during AppendBuffer")
	}
	return uint32(end), nil
}

func (f *File) grow(minLen int) error {
	size := len(f.Data)
	growBy := size
	if growBy > growCap {
		growBy = growCap
	}
	if growBy < growStep {
		growBy = growStep
	}
	newSize := size + growBy
	if newSize < minLen {
		newSize = minLen
	}
	return f.Truncate(int64(newSize))
}

// Truncate resizes the underlying file and remaps it to match. Growing a
// mapping is unmap-then-remap rather than a Linux-only mremap(2) call, so
// the same code path works on every unix mmapfile targets.
func (f *File) Truncate(size int64) error {
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Fd.Truncate(size); err != nil {
		return errors.Wrapf(err, "mmapfile: truncate %s to %d", f.Fd.Name(), size)
	}
	if len(f.Data) > 0 {
		if err := munmap(f.Data); err != nil {
			return errors.Wrapf(err, "mmapfile: munmap %s before remap", f.Fd.Name())
		}
	}
	if size == 0 {
		// mmap(2) rejects a zero-length mapping; leave the file unmapped
		// until the next grow() remaps it at a nonzero size.
		f.Data = nil
		return nil
	}
	data, err := mmap(f.Fd, true, size)
	if err != nil {
		return errors.Wrapf(err, "mmapfile: remap %s to %d", f.Fd.Name(), size)
	}
	f.Data = data
	return nil
}

// Sync flushes the mapped pages to durable storage.
func (f *File) Sync() error {
	if f == nil || len(f.Data) == 0 {
		return nil
	}
	return msync(f.Data)
}

// Close syncs, unmaps, and closes the file descriptor.
func (f *File) Close() error {
	if err := f.Sync(); err != nil {
		return err
	}
	if err := munmap(f.Data); err != nil {
		return errors.Wrapf(err, "mmapfile: munmap %s", f.Fd.Name())
	}
	return f.Fd.Close()
}

// Delete unmaps, truncates to zero, closes, and removes the file. Used to
// clean up compaction temp/backup files that must not survive a crash.
func (f *File) Delete() error {
	name := f.Fd.Name()
	if err := munmap(f.Data); err != nil {
		return errors.Wrapf(err, "mmapfile: munmap %s", name)
	}
	f.Data = nil
	if err := f.Fd.Truncate(0); err != nil {
		return errors.Wrapf(err, "mmapfile: truncate %s to 0", name)
	}
	if err := f.Fd.Close(); err != nil {
		return errors.Wrapf(err, "mmapfile: close %s", name)
	}
	return os.Remove(name)
}

// SyncDir fsyncs a directory entry, needed after creating/renaming files
// within it so the directory entry itself is durable.
func SyncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "mmapfile: open dir %s", dir)
	}
	defer df.Close()
	if err := df.Sync(); err != nil {
		return errors.Wrapf(err, "mmapfile: sync dir %s", dir)
	}
	return nil
}
