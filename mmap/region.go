// Package mmap implements a persistent, lock-free bump allocator backed
// by a memory-mapped file, grounded on the mmap/madvise/msync sequence
// go-ublk's queue runner uses to map per-queue command buffers, and on
// the CAS-loop allocator the original reactive-streams engine built on
// top of nix's mman bindings.
package mmap

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/rxnet/internal/logging"
	"golang.org/x/sys/unix"
)

const (
	magic     uint64 = 0x4242424242424242
	align            = 8 // word size; all allocations are rounded up to this
	headerLen        = 24
)

// Region is a persistent bump allocator: a single memory-mapped file
// with a small header (magic, total size, next-free offset) followed by
// the allocation arena. Allocations only ever grow; there is no free.
// A Region is safe for concurrent use by multiple goroutines within one
// process (the offset is advanced with a CAS loop) but is not safe to
// map from more than one process at a time for writing.
type Region struct {
	file      *os.File
	data      []byte
	totalSize int64
	allocated atomic.Int64 // allocations since this Region was opened, not persisted
}

// Header layout, byte-exact per the file format: magic at offset 0,
// current at offset word (8), total_size at offset 2*word (16).
func (r *Region) magicPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[0]))
}

func (r *Region) currentPtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[8]))
}

func (r *Region) totalSizePtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[16]))
}

func roundUp(n uint64) uint64 {
	return ((n - 1) | (align - 1)) + 1
}

// New creates (or truncates and reinitializes) a mmap-backed region of
// exactly totalSize bytes at path, with a fresh header.
func New(path string, totalSize int64) (*Region, error) {
	if totalSize < headerLen+align {
		return nil, fmt.Errorf("mmap: total size %d cannot hold the region header", totalSize)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0664)
	if err != nil {
		return nil, fmt.Errorf("mmap: open %s: %w", path, err)
	}
	if err := f.Truncate(totalSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap: truncate %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap: mmap %s: %w", path, err)
	}
	_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)

	r := &Region{file: f, data: data, totalSize: totalSize}
	atomic.StoreUint64(r.magicPtr(), magic)
	atomic.StoreUint64(r.totalSizePtr(), uint64(totalSize))
	atomic.StoreUint64(r.currentPtr(), roundUp(headerLen))
	return r, nil
}

// Load reopens a region previously created with New, validating the
// persisted header against the file's actual size. Either a magic
// mismatch or a size mismatch is treated as corruption on its own; the
// file is trusted only when both fields check out.
func Load(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0664)
	if err != nil {
		return nil, fmt.Errorf("mmap: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap: stat %s: %w", path, err)
	}
	size := fi.Size()

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap: mmap %s: %w", path, err)
	}

	r := &Region{file: f, data: data, totalSize: size}
	gotMagic := atomic.LoadUint64(r.magicPtr())
	gotSize := atomic.LoadUint64(r.totalSizePtr())
	if gotMagic != magic || gotSize != uint64(size) {
		unix.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("mmap: %s failed validation: magic=%x size=%d file_size=%d", path, gotMagic, gotSize, size)
	}
	return r, nil
}

// Alloc bump-allocates size bytes from the arena via a CAS loop on the
// header's current-offset field, returning a slice that aliases the
// mapped file. It satisfies iobuf.Allocator.
//
// Overflow is checked before the CAS, so a failed allocation leaves the
// persisted offset untouched and the region usable for smaller requests.
func (r *Region) Alloc(size int) ([]byte, error) {
	ptr := r.currentPtr()
	var offset uint64
	for {
		offset = atomic.LoadUint64(ptr)
		next := roundUp(offset + uint64(size))
		if next > uint64(r.totalSize) {
			return nil, fmt.Errorf("mmap: region exhausted: offset=%d size=%d total=%d", offset, size, r.totalSize)
		}
		if atomic.CompareAndSwapUint64(ptr, offset, next) {
			break
		}
	}
	r.allocated.Add(1)
	return r.data[offset : offset+uint64(size)], nil
}

// AllocAligned is Alloc with the caller's required alignment made
// explicit. The region's alignment is fixed at word size; asking for
// anything else is a programming error and panics rather than silently
// handing back a differently-aligned range.
func (r *Region) AllocAligned(size, alignTo int) ([]byte, error) {
	if alignTo != align {
		panic(fmt.Sprintf("mmap: unsupported alignment %d, region alignment is fixed at %d", alignTo, align))
	}
	return r.Alloc(size)
}

// Dealloc is a no-op: the region is append-only and individual
// allocations are never reclaimed. Lifetime is the file's.
func (r *Region) Dealloc([]byte) {}

// NumAllocated returns the number of allocations served since this
// Region was opened via New or Load — not a persisted, lifetime total.
func (r *Region) NumAllocated() int64 {
	return r.allocated.Load()
}

// TotalSize returns the arena's fixed total size in bytes.
func (r *Region) TotalSize() int64 { return r.totalSize }

// Close flushes the mapping to disk, unmaps it, and closes the
// underlying file. A Region must not be used after Close. There is no
// recovery path for a failed msync/munmap, so the first failure is
// logged here as well as returned — callers on this path typically
// ignore the error.
func (r *Region) Close() error {
	var firstErr error
	if err := unix.Msync(r.data, unix.MS_SYNC); err != nil {
		firstErr = err
	}
	if err := unix.Munmap(r.data); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		logging.Default().Errorf("mmap: close %s: %v", r.file.Name(), firstErr)
	}
	return firstErr
}
