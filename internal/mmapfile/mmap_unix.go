//go:build linux || darwin

// Adapted from And-fish-kvDB's utils/mmap/mmap.go: thin wrappers over the
// mmap/munmap/msync syscalls via golang.org/x/sys/unix. Growing a mapping
// is done as unmap-then-remap rather than via the Linux-only mremap(2)
// syscall the teacher used, so this builds on darwin too.
package mmapfile

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmap(fd *os.File, writable bool, size int64) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(fd.Fd()), 0, int(size), prot, unix.MAP_SHARED)
}

func munmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}

func msync(data []byte) error {
	return unix.Msync(data, unix.MS_SYNC)
}
