// Package backoff provides retry strategies for callers of non-blocking
// queues. A queue reports full or empty immediately; what to do next (spin,
// yield the processor, sleep) is decided here, outside the queue.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"time"

	"github.com/valyala/fastrand"
)

// ErrGaveUp is returned when the context ends before the operation succeeds.
var ErrGaveUp = errors.New("backoff: gave up")

// Strategy decides how long to pause after a failed attempt. attempt counts
// consecutive failures starting at 0.
type Strategy interface {
	Wait(attempt int)
}

// goschedEvery is the default spin count between runtime.Gosched calls.
const goschedEvery = 64

// Spin busy-retries and yields the processor every Every attempts
// (64 if Every is zero).
type Spin struct {
	Every int
}

func (s Spin) Wait(attempt int) {
	every := s.Every
	if every <= 0 {
		every = goschedEvery
	}
	if (attempt+1)%every == 0 {
		runtime.Gosched()
	}
}

// Yield calls runtime.Gosched after every failed attempt.
type Yield struct{}

func (Yield) Wait(int) {
	runtime.Gosched()
}

// Exponential sleeps Min, 2*Min, 4*Min, ... capped at Max. With Jitter set
// up to 25% is added to each pause to keep contending callers apart.
type Exponential struct {
	Min    time.Duration
	Max    time.Duration
	Jitter bool
}

// DefaultExponential suits producers and consumers that can tolerate
// tens of microseconds of extra latency.
func DefaultExponential() Exponential {
	return Exponential{
		Min:    time.Microsecond,
		Max:    time.Millisecond,
		Jitter: true,
	}
}

// Delay returns the pause for attempt, including jitter.
func (e Exponential) Delay(attempt int) time.Duration {
	lo, hi := e.Min, e.Max
	if lo <= 0 {
		lo = time.Microsecond
	}
	if hi < lo {
		hi = lo
	}

	d := lo
	for i := 0; i < attempt && d < hi; i++ {
		if d > hi/2 {
			d = hi
			break
		}
		d *= 2
	}
	if d > hi {
		d = hi
	}

	if e.Jitter && d >= 4 {
		span := uint64(d / 4)
		if span > math.MaxUint32 {
			span = math.MaxUint32
		}
		if j := time.Duration(fastrand.Uint32n(uint32(span))); d <= math.MaxInt64-j {
			d += j
		}
	}
	return d
}

func (e Exponential) Wait(attempt int) {
	time.Sleep(e.Delay(attempt))
}

// Parse returns the strategy named by s: "spin", "yield" or "exponential".
func Parse(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spin":
		return Spin{}, nil
	case "", "yield":
		return Yield{}, nil
	case "exponential", "exp":
		return DefaultExponential(), nil
	}
	return nil, fmt.Errorf("backoff: unknown strategy %q", s)
}

// Producer is the enqueue side of a non-blocking queue.
type Producer[T any] interface {
	Enqueue(T) bool
}

// Consumer is the dequeue side of a non-blocking queue.
type Consumer[T any] interface {
	Dequeue() (T, bool)
}

// Until calls cond until it returns true, pausing with s between calls.
// It returns an error wrapping ErrGaveUp and ctx.Err() if ctx ends first.
func Until(ctx context.Context, s Strategy, cond func() bool) error {
	for attempt := 0; ; attempt++ {
		if cond() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w after %d attempts: %w", ErrGaveUp, attempt+1, err)
		}
		s.Wait(attempt)
	}
}

// Enqueue retries p.Enqueue(v) with s until it succeeds or ctx ends.
func Enqueue[T any](ctx context.Context, p Producer[T], v T, s Strategy) error {
	return Until(ctx, s, func() bool {
		return p.Enqueue(v)
	})
}

// Dequeue retries c.Dequeue with s until it yields a value or ctx ends.
func Dequeue[T any](ctx context.Context, c Consumer[T], s Strategy) (T, error) {
	var v T
	err := Until(ctx, s, func() bool {
		var ok bool
		v, ok = c.Dequeue()
		return ok
	})
	return v, err
}
