// Package ipcring implements a bounded, lock-free, multi-producer
// multi-consumer queue. The queue lives either on the Go heap (New) or in a
// named shared-memory segment that several processes map at the same time
// (Open).
//
// Both variants use the same layout: a header holding the capacity and the
// two position counters, followed by capacity cells of (sequence, payload).
// The algorithm only uses indices into that layout, never pointers, so it
// works no matter where each process maps the segment.
//
// Enqueue and Dequeue never block. A full or empty queue is reported as a
// plain false; retry policy is up to the caller (see package backoff).
package ipcring

// Original algorithm by Dmitry Vyukov
// https://www.1024cores.net/home/lock-free-algorithms/queues/bounded-mpmc-queue

import (
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

const (
	layoutMagic   = "IPCRING\x00"
	layoutVersion = uint32(1)

	// readyMark is published by the initializing binder once the header and
	// every cell are in their starting state.
	readyMark = uint32(0x52454459)

	// removedMark is stored in attached by the binder that is about to
	// unlink the segment. Binders that see it start over on a fresh one.
	removedMark = int64(math.MinInt32)

	cacheLine  = unsafe.Sizeof(cpu.CacheLinePad{})
	headerSize = (unsafe.Sizeof(header{}) + cacheLine - 1) &^ (cacheLine - 1)

	// maxLayoutSize stays below the largest allocation or mapping the
	// runtime and the kernel accept on 64-bit platforms.
	maxLayoutSize = uint64(min(1<<46, math.MaxInt))
)

// cell is one slot of the ring.
type cell[T any] struct {
	seq atomic.Uint64 // sequence number (controls visibility and slot ownership)
	val T             // payload, plain data only
}

// header sits at offset 0 of the segment. Everything before the padding is
// written once by the initializing binder and read-only afterwards.
type header struct {
	magic    [8]byte
	version  uint32
	cellSize uint32
	capacity uint64
	mask     uint64
	ready    atomic.Uint32
	_        uint32
	attached atomic.Int64 // binders currently mapped (shared variant)
	_        cpu.CacheLinePad
	enqueue  atomic.Uint64 // logical tail (producers)
	_        cpu.CacheLinePad
	dequeue  atomic.Uint64 // logical head (consumers)
	_        cpu.CacheLinePad
}

// layout describes the byte size of a queue with a given capacity and
// payload type.
type layout struct {
	capacity uint64
	cellSize uintptr
}

func layoutFor[T any](capacity uint64) layout {
	var c cell[T]
	return layout{capacity: capacity, cellSize: unsafe.Sizeof(c)}
}

// newLayout validates capacity and checks that the whole queue fits in one
// allocation.
func newLayout[T any](capacity uint64) (layout, error) {
	if err := validCapacity(capacity); err != nil {
		return layout{}, err
	}
	l := layoutFor[T](capacity)
	hi, cells := bits.Mul64(capacity, uint64(l.cellSize))
	if hi != 0 || cells > maxLayoutSize-uint64(headerSize) {
		return layout{}, fmt.Errorf("%w: %d cells of %d bytes are too large", ErrInvalidCapacity, capacity, l.cellSize)
	}
	return l, nil
}

// size is the exact number of bytes a segment with this layout occupies.
func (l layout) size() int {
	return int(headerSize + uintptr(l.capacity)*l.cellSize)
}

func (h *header) init(l layout) {
	copy(h.magic[:], layoutMagic)
	h.version = layoutVersion
	h.cellSize = uint32(l.cellSize)
	h.capacity = l.capacity
	h.mask = l.capacity - 1
	h.enqueue.Store(0)
	h.dequeue.Store(0)
}

// check reports whether the header was written by a binder that agrees on
// l. It must only be called after ready has been observed.
func (h *header) check(l layout) error {
	switch {
	case string(h.magic[:]) != layoutMagic:
		return fmt.Errorf("%w: bad magic %q", ErrLayoutMismatch, h.magic[:])
	case h.version != layoutVersion:
		return fmt.Errorf("%w: version %d, want %d", ErrLayoutMismatch, h.version, layoutVersion)
	case h.capacity != l.capacity:
		return fmt.Errorf("%w: capacity %d, want %d", ErrLayoutMismatch, h.capacity, l.capacity)
	case uintptr(h.cellSize) != l.cellSize:
		return fmt.Errorf("%w: cell size %d, want %d", ErrLayoutMismatch, h.cellSize, l.cellSize)
	}
	return nil
}

func validCapacity(capacity uint64) error {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	return nil
}
