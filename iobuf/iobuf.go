// Package iobuf implements the refcounted byte-range abstraction the rest
// of rxnet builds on: a read-only, cheaply-cloneable window onto a shared
// backing array (RBR), and a growable append buffer that hands out RBR
// snapshots of its own contents without copying (AB).
//
// Go has no ecosystem-standard equivalent of this type (the closest,
// bytes.Buffer, neither refcounts nor supports cheap sub-range clones), so
// it is implemented directly here rather than imported.
package iobuf

import (
	"errors"
	"sync/atomic"
)

// ErrReleased names use of an RBR whose backing array has already
// reached a zero refcount. No operation in this package checks for that
// condition or returns this error.
var ErrReleased = errors.New("iobuf: use of released buffer")

// Allocator supplies the backing storage for an AB. mmap.Region satisfies
// this interface; AB falls back to a pooled heap allocator when none is
// supplied.
type Allocator interface {
	Alloc(size int) ([]byte, error)
}

type backing struct {
	buf     []byte
	refs    atomic.Int32
	pooled  bool // true if buf came from the heap pool and must be returned to it
}

func newBacking(buf []byte, pooled bool) *backing {
	b := &backing{buf: buf, pooled: pooled}
	b.refs.Store(1)
	return b
}

func (b *backing) retain() {
	b.refs.Add(1)
}

func (b *backing) release() {
	if b.refs.Add(-1) == 0 && b.pooled {
		putBuffer(b.buf)
	}
}

// RBR is a Refcounted Byte Range: an immutable view over [off, off+length)
// of a shared backing array. Cloning an RBR is O(1) and bumps the backing
// array's refcount instead of copying bytes; Release must be called
// exactly once per RBR value (including ones produced by Clone or
// SplitAt) to let the backing array be freed or returned to its pool.
type RBR struct {
	back   *backing
	off    int
	length int
}

// heapRBR wraps a freshly allocated, unshared buffer into an owning RBR.
func heapRBR(buf []byte) RBR {
	return RBR{back: newBacking(buf, true), off: 0, length: len(buf)}
}

// NewRBR copies src into a pooled heap buffer and returns an owning view
// over it. Used where callers hand in transient data (e.g. a protocol's
// framed message payload) that must outlive the caller's stack frame.
func NewRBR(src []byte) RBR {
	buf := getBuffer(len(src))
	copy(buf, src)
	return heapRBR(buf)
}

// Len returns the number of bytes visible through this view.
func (r RBR) Len() int { return r.length }

// Bytes returns the byte slice this view covers. The returned slice
// aliases the shared backing array and must not be retained past
// Release.
func (r RBR) Bytes() []byte {
	if r.back == nil {
		return nil
	}
	return r.back.buf[r.off : r.off+r.length]
}

// Clone returns a second RBR over the same range, bumping the backing
// array's refcount. Both the original and the clone must be released
// independently.
func (r RBR) Clone() RBR {
	if r.back != nil {
		r.back.retain()
	}
	return r
}

// SplitAt divides the view at byte offset n into two adjacent views that
// together cover the original range, as go-ublk's framers do when only a
// prefix of a read buffer belongs to the message just parsed. The
// receiver stays live and both returned views must be released
// independently, so the backing array's refcount is bumped by two.
func (r RBR) SplitAt(n int) (head, tail RBR) {
	if n < 0 {
		n = 0
	}
	if n > r.length {
		n = r.length
	}
	if r.back != nil {
		r.back.retain()
		r.back.retain()
	}
	head = RBR{back: r.back, off: r.off, length: n}
	tail = RBR{back: r.back, off: r.off + n, length: r.length - n}
	return head, tail
}

// Release decrements the backing array's refcount, freeing or pooling it
// once no view remains. Safe to call on a zero-value RBR.
func (r RBR) Release() {
	if r.back != nil {
		r.back.release()
	}
}

// AB is an Append Buffer: a growable, single-writer byte buffer that
// hands out RBR snapshots of its already-written prefix without copying.
// Growth beyond the current backing array's capacity allocates a new,
// larger array and copies the written bytes forward; snapshots already
// handed out keep the old array alive via its refcount rather than
// being invalidated.
type AB struct {
	alloc Allocator
	back  *backing
	cap   int
	len   int
}

// NewAB creates an append buffer with the given initial capacity, raised
// to 64 bytes if smaller. If
// alloc is nil, growth is served from the pooled heap allocator.
func NewAB(alloc Allocator, initialCap int) *AB {
	if initialCap < 64 {
		initialCap = 64
	}
	ab := &AB{alloc: alloc, cap: initialCap}
	ab.back = newBacking(ab.rawAlloc(initialCap), alloc == nil)
	return ab
}

func (ab *AB) rawAlloc(size int) []byte {
	if ab.alloc != nil {
		buf, err := ab.alloc.Alloc(size)
		if err == nil {
			return buf
		}
	}
	return getBuffer(size)
}

// Len returns the number of bytes written so far.
func (ab *AB) Len() int { return ab.len }

// Cap returns the current backing array's capacity.
func (ab *AB) Cap() int { return ab.cap }

// Append writes p to the buffer, growing the backing array if necessary.
// Growth never shrinks or mutates bytes already handed out via Snapshot.
func (ab *AB) Append(p []byte) {
	if ab.len+len(p) > ab.cap {
		ab.grow(ab.len + len(p))
	}
	copy(ab.back.buf[ab.len:], p)
	ab.len += len(p)
}

func (ab *AB) grow(need int) {
	newCap := ab.cap * 2
	for newCap < need {
		newCap *= 2
	}
	newBuf := ab.rawAlloc(newCap)
	copy(newBuf, ab.back.buf[:ab.len])
	// Drop our own reference to the old backing; any outstanding
	// snapshots retain their own reference and keep it alive.
	ab.back.release()
	ab.back = newBacking(newBuf, ab.alloc == nil)
	ab.cap = newCap
}

// Snapshot returns an RBR over the bytes written so far, bumping the
// backing array's refcount. Subsequent Append calls never overwrite the
// snapshotted range: either they fit in remaining capacity (writing
// past the snapshot's end) or they trigger a grow that copies into a
// fresh array, leaving the snapshot's array untouched.
func (ab *AB) Snapshot() RBR {
	ab.back.retain()
	return RBR{back: ab.back, off: 0, length: ab.len}
}

// Reset discards all written bytes, releasing the AB's reference to its
// current backing array. Outstanding snapshots remain valid.
func (ab *AB) Reset() {
	ab.back.release()
	ab.back = newBacking(ab.rawAlloc(ab.cap), ab.alloc == nil)
	ab.len = 0
}

// Release gives up the AB's own reference to its backing array. Call
// once the AB itself is no longer needed; any outstanding snapshots
// keep the array alive until they are released too.
func (ab *AB) Release() {
	ab.back.release()
}
