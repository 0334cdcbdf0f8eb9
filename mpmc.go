package ipcring

import (
	"log/slog"
	"unsafe"
)

// Queue is a bounded lock-free MPMC queue bound to a heap allocation or to a
// shared-memory segment. T must be plain data (see New).
//
// All methods except Close are safe to call concurrently from any number of
// goroutines, and, for a shared queue, from any number of processes bound to
// the same segment.
type Queue[T any] struct {
	hdr   *header
	cells []cell[T]
	mask  uint64

	stats  *counters
	seg    *segment // nil for the heap variant
	logger *slog.Logger
}

// New allocates a queue on the heap. capacity must be a power of two >= 2.
//
// T must be plain data: fixed size, with no pointers, slices, maps, strings,
// interfaces, channels, funcs or uintptrs anywhere in it. The same rule
// applies to Open, so a payload type that works here also works across
// processes.
func New[T any](capacity uint64, opts ...Option) (*Queue[T], error) {
	l, err := newLayout[T](capacity)
	if err != nil {
		return nil, err
	}
	if err := checkPlain[T](); err != nil {
		return nil, err
	}
	o := applyOptions(opts...)

	q := &Queue[T]{
		hdr:    new(header),
		cells:  make([]cell[T], capacity),
		logger: o.logger,
	}
	if o.stats {
		q.stats = new(counters)
	}
	q.init(l)
	q.hdr.ready.Store(readyMark)
	q.hdr.attached.Store(1)
	return q, nil
}

// NewMPMC is like New but panics on an invalid capacity or payload type.
func NewMPMC[T any](capacity uint64) *Queue[T] {
	q, err := New[T](capacity)
	if err != nil {
		panic(err)
	}
	return q
}

// bind builds a queue view over a mapped segment.
func bind[T any](seg *segment, capacity uint64, o *options) *Queue[T] {
	q := &Queue[T]{
		hdr:    (*header)(unsafe.Pointer(&seg.mem[0])),
		cells:  unsafe.Slice((*cell[T])(unsafe.Pointer(&seg.mem[headerSize])), capacity),
		mask:   capacity - 1,
		seg:    seg,
		logger: o.logger,
	}
	if o.stats {
		q.stats = new(counters)
	}
	seg.hdr = q.hdr
	return q
}

// init puts the header and every cell into the starting state: cell i holds
// sequence i and both counters are zero.
func (q *Queue[T]) init(l layout) {
	q.hdr.init(l)
	q.mask = l.capacity - 1
	for i := range q.cells {
		q.cells[i].seq.Store(uint64(i))
	}
}

// Enqueue pushes an element into the queue.
// Returns false if the queue is full.
// Safe to call concurrently from many producers.
func (q *Queue[T]) Enqueue(v T) bool {
	s := q.stats
	if s != nil {
		s.enqueueAttempts.Add(1)
	}

	pos := q.hdr.enqueue.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		diff := int64(seq - pos)

		if diff == 0 {
			// Slot is free for this position, try to reserve it.
			if q.hdr.enqueue.CompareAndSwap(pos, pos+1) {
				c.val = v
				// Publish the value: seq = pos+1
				c.seq.Store(pos + 1)
				if s != nil {
					s.enqueued.Add(1)
				}
				return true
			}
		} else if diff < 0 {
			// The consumer of the previous lap has not freed this slot.
			if s != nil {
				s.enqueueFull.Add(1)
			}
			return false
		}

		// Another producer took pos first.
		if s != nil {
			s.enqueueRetries.Add(1)
		}
		pos = q.hdr.enqueue.Load()
	}
}

// Dequeue pops an element from the queue.
// Returns (zero, false) if the queue is empty.
// Safe to call concurrently from many consumers.
func (q *Queue[T]) Dequeue() (T, bool) {
	s := q.stats
	if s != nil {
		s.dequeueAttempts.Add(1)
	}

	pos := q.hdr.dequeue.Load()
	for {
		c := &q.cells[pos&q.mask]
		seq := c.seq.Load()
		diff := int64(seq - (pos + 1))

		if diff == 0 {
			// Element is ready for this position, try to claim it.
			if q.hdr.dequeue.CompareAndSwap(pos, pos+1) {
				v := c.val
				// Free the slot for the next lap.
				c.seq.Store(pos + q.mask + 1)
				if s != nil {
					s.dequeued.Add(1)
				}
				return v, true
			}
		} else if diff < 0 {
			// No producer has published this position yet.
			if s != nil {
				s.dequeueEmpty.Add(1)
			}
			var zero T
			return zero, false
		}

		// Another consumer took pos first.
		if s != nil {
			s.dequeueRetries.Add(1)
		}
		pos = q.hdr.dequeue.Load()
	}
}

// Capacity returns the fixed queue capacity.
func (q *Queue[T]) Capacity() uint64 {
	return q.mask + 1
}

// Len returns a snapshot of the number of reserved but undelivered slots.
// Under concurrent use the value is stale as soon as it is returned.
func (q *Queue[T]) Len() int {
	if q.seg != nil {
		q.seg.mu.RLock()
		defer q.seg.mu.RUnlock()
		if q.seg.mem == nil {
			return 0
		}
	}

	// enqueue first: a later dequeue can only make the difference smaller,
	// so the result never exceeds the capacity.
	enq := q.hdr.enqueue.Load()
	deq := q.hdr.dequeue.Load()
	n := int64(enq - deq)
	if n < 0 {
		return 0
	}
	return int(n)
}

// Stats returns the counters collected by this binder. It is all zeroes
// unless the queue was created with WithStats.
func (q *Queue[T]) Stats() Stats {
	return q.stats.snapshot()
}

// Name returns the segment name, or "" for a heap queue.
func (q *Queue[T]) Name() string {
	if q.seg == nil {
		return ""
	}
	return q.seg.name
}

// Path returns the file backing the segment, or "" for a heap queue.
func (q *Queue[T]) Path() string {
	if q.seg == nil {
		return ""
	}
	return q.seg.path
}

// Owner reports whether this binder initialized the queue. A heap queue is
// always its own owner.
func (q *Queue[T]) Owner() bool {
	return q.seg == nil || q.seg.owner
}

// Attached returns the number of binders currently mapping the segment. It
// is 0 once this binder is closed or the segment is being removed.
func (q *Queue[T]) Attached() int64 {
	if q.seg != nil {
		q.seg.mu.RLock()
		defer q.seg.mu.RUnlock()
		if q.seg.mem == nil {
			return 0
		}
	}
	return max(q.hdr.attached.Load(), 0)
}

// Close releases the binding. For a shared queue the mapping and descriptor
// are released, and the segment is unlinked if the teardown policy says so.
// Close is idempotent. Enqueue and Dequeue must not be called after Close;
// Capacity, Len and Attached stay safe and report an empty queue.
func (q *Queue[T]) Close() error {
	if q.seg == nil {
		return nil
	}
	return q.seg.close()
}

// Remove unlinks the backing segment from the namespace. Binders that still
// have it mapped keep working; new binders get a fresh segment.
func (q *Queue[T]) Remove() error {
	if q.seg == nil {
		return nil
	}
	return q.seg.remove()
}
