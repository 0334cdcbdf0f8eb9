package ipcring

import "sync/atomic"

// Stats is a snapshot of the operation counters of one binder. Counters are
// process-local; they are not stored in the shared segment.
type Stats struct {
	EnqueueAttempts uint64
	Enqueued        uint64
	EnqueueFull     uint64
	EnqueueRetries  uint64 // lost reservation races

	DequeueAttempts uint64
	Dequeued        uint64
	DequeueEmpty    uint64
	DequeueRetries  uint64 // lost reservation races
}

// Add returns the field-wise sum of s and o.
func (s Stats) Add(o Stats) Stats {
	return Stats{
		EnqueueAttempts: s.EnqueueAttempts + o.EnqueueAttempts,
		Enqueued:        s.Enqueued + o.Enqueued,
		EnqueueFull:     s.EnqueueFull + o.EnqueueFull,
		EnqueueRetries:  s.EnqueueRetries + o.EnqueueRetries,
		DequeueAttempts: s.DequeueAttempts + o.DequeueAttempts,
		Dequeued:        s.Dequeued + o.Dequeued,
		DequeueEmpty:    s.DequeueEmpty + o.DequeueEmpty,
		DequeueRetries:  s.DequeueRetries + o.DequeueRetries,
	}
}

type counters struct {
	enqueueAttempts atomic.Uint64
	enqueued        atomic.Uint64
	enqueueFull     atomic.Uint64
	enqueueRetries  atomic.Uint64

	dequeueAttempts atomic.Uint64
	dequeued        atomic.Uint64
	dequeueEmpty    atomic.Uint64
	dequeueRetries  atomic.Uint64
}

func (c *counters) snapshot() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		EnqueueAttempts: c.enqueueAttempts.Load(),
		Enqueued:        c.enqueued.Load(),
		EnqueueFull:     c.enqueueFull.Load(),
		EnqueueRetries:  c.enqueueRetries.Load(),
		DequeueAttempts: c.dequeueAttempts.Load(),
		Dequeued:        c.dequeued.Load(),
		DequeueEmpty:    c.dequeueEmpty.Load(),
		DequeueRetries:  c.dequeueRetries.Load(),
	}
}
