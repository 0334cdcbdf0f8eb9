package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aradilov/ipcring"
	"github.com/aradilov/ipcring/backoff"
)

var errCorrupt = errors.New("received a corrupted message")

// result summarizes one run.
type result struct {
	Mode     string
	Name     string
	Sent     int64
	Received int64
	Elapsed  time.Duration
	Stats    ipcring.Stats
}

// Throughput is messages per second over the whole run.
func (r result) Throughput() float64 {
	n := max(r.Sent, r.Received)
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(n) / r.Elapsed.Seconds()
}

// Latency is the average time per message.
func (r result) Latency() time.Duration {
	n := max(r.Sent, r.Received)
	if n == 0 {
		return 0
	}
	return r.Elapsed / time.Duration(n)
}

// binder hands every worker a queue handle and collects its counters when
// the worker is done.
type binder interface {
	bind() (*ipcring.Queue[message], error)
	unbind(q *ipcring.Queue[message])
	Stats() ipcring.Stats
}

// heapBinder shares one heap queue between all workers.
type heapBinder struct {
	q *ipcring.Queue[message]
}

func (b heapBinder) bind() (*ipcring.Queue[message], error) { return b.q, nil }
func (b heapBinder) unbind(*ipcring.Queue[message])         {}
func (b heapBinder) Stats() ipcring.Stats                   { return b.q.Stats() }

// shmBinder opens a separate handle on the shared segment for every worker,
// the way separate processes would.
type shmBinder struct {
	name     string
	capacity uint64
	opts     []ipcring.Option
	logger   *slog.Logger

	mu     sync.Mutex
	live   map[*ipcring.Queue[message]]struct{}
	closed ipcring.Stats
}

func newShmBinder(name string, capacity uint64, logger *slog.Logger, opts ...ipcring.Option) *shmBinder {
	return &shmBinder{
		name:     name,
		capacity: capacity,
		opts:     append([]ipcring.Option{ipcring.WithStats(), ipcring.WithLogger(logger)}, opts...),
		logger:   logger,
		live:     make(map[*ipcring.Queue[message]]struct{}),
	}
}

func (b *shmBinder) bind() (*ipcring.Queue[message], error) {
	q, err := ipcring.Open[message](b.name, b.capacity, b.opts...)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.live[q] = struct{}{}
	b.mu.Unlock()
	return q, nil
}

func (b *shmBinder) unbind(q *ipcring.Queue[message]) {
	b.mu.Lock()
	delete(b.live, q)
	b.closed = b.closed.Add(q.Stats())
	b.mu.Unlock()

	if err := q.Close(); err != nil {
		b.logger.Warn("closing queue handle failed", "name", b.name, "error", err)
	}
}

// Stats sums the counters of every handle, open or closed.
func (b *shmBinder) Stats() ipcring.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.closed
	for q := range b.live {
		s = s.Add(q.Stats())
	}
	return s
}

// observed exports one queue's gauges with the counters of all handles.
type observed struct {
	*ipcring.Queue[message]
	b binder
}

func (o observed) Stats() ipcring.Stats { return o.b.Stats() }

// run executes the benchmark described by cfg. reg may be nil.
func run(ctx context.Context, cfg Config, logger *slog.Logger, reg prometheus.Registerer) (result, error) {
	res := result{Mode: cfg.Mode, Name: cfg.Name}

	strategy, err := backoff.Parse(cfg.Backoff)
	if err != nil {
		return res, err
	}
	teardown, err := ipcring.ParseTeardown(cfg.Teardown)
	if err != nil {
		return res, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	shmOpts := []ipcring.Option{
		ipcring.WithDir(cfg.Dir),
		ipcring.WithTeardown(teardown),
		ipcring.WithAttachTimeout(cfg.AttachTimeout),
	}

	switch cfg.Mode {
	case modeRemove:
		return res, ipcring.Remove(cfg.Name, ipcring.WithDir(cfg.Dir), ipcring.WithLogger(logger))

	case modeInproc:
		q, err := ipcring.New[message](cfg.Capacity, ipcring.WithStats(), ipcring.WithLogger(logger))
		if err != nil {
			return res, err
		}
		b := heapBinder{q: q}
		unregister, err := register(reg, q, b, "")
		if err != nil {
			return res, err
		}
		defer unregister()
		return drive(ctx, res, b, strategy, cfg.Producers, cfg.Consumers, cfg.Messages, logger)

	case modeShm:
		if res.Name == "" {
			res.Name = "ipcbench-" + uuid.NewString()
		}
		// A segment left by an earlier run may have another layout.
		if err := ipcring.Remove(res.Name, ipcring.WithDir(cfg.Dir)); err != nil {
			return res, err
		}
		b := newShmBinder(res.Name, cfg.Capacity, logger, shmOpts...)
		root, err := ipcring.Open[message](res.Name, cfg.Capacity, shmOpts...)
		if err != nil {
			return res, err
		}
		defer func() {
			if err := root.Close(); err != nil {
				logger.Warn("closing queue handle failed", "name", res.Name, "error", err)
			}
			if teardown == ipcring.TeardownManual {
				// Every worker has detached by now.
				if err := ipcring.Remove(res.Name, ipcring.WithDir(cfg.Dir), ipcring.WithLogger(logger)); err != nil {
					logger.Warn("removing segment failed", "name", res.Name, "error", err)
				}
			}
		}()
		unregister, err := register(reg, root, b, res.Name)
		if err != nil {
			return res, err
		}
		// Runs before root is closed, so scrapes never reach unmapped memory.
		defer unregister()
		return drive(ctx, res, b, strategy, cfg.Producers, cfg.Consumers, cfg.Messages, logger)

	case modeProducer, modeConsumer:
		producers, consumers := cfg.Producers, 0
		if cfg.Mode == modeConsumer {
			producers, consumers = 0, cfg.Consumers
		}
		b := newShmBinder(cfg.Name, cfg.Capacity, logger, shmOpts...)
		return drive(ctx, res, b, strategy, producers, consumers, cfg.Messages, logger)
	}
	return res, fmt.Errorf("invalid mode %q", cfg.Mode)
}

// register exports q on reg until the returned func is called.
func register(reg prometheus.Registerer, q *ipcring.Queue[message], b binder, name string) (func(), error) {
	if reg == nil {
		return func() {}, nil
	}
	if name == "" {
		name = "inproc"
	}
	c := ipcring.NewCollector(observed{Queue: q, b: b}, prometheus.Labels{"queue": name})
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return func() { reg.Unregister(c) }, nil
}

// drive runs the producers and consumers and waits for them. Producers split
// messages between them; consumers stop once messages values have been
// received in total.
func drive(ctx context.Context, res result, b binder, strategy backoff.Strategy,
	producers, consumers, messages int, logger *slog.Logger) (result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		sent     atomic.Int64
		received atomic.Int64
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	start := time.Now()

	for p := 0; p < producers; p++ {
		count := messages / producers
		if p < messages%producers {
			count++
		}
		wg.Add(1)
		go func(id, count int) {
			defer wg.Done()
			q, err := b.bind()
			if err != nil {
				fail(fmt.Errorf("producer %d: %w", id, err))
				return
			}
			defer b.unbind(q)

			for i := 0; i < count; i++ {
				if err := backoff.Enqueue(ctx, q, newMessage(id, i), strategy); err != nil {
					fail(fmt.Errorf("producer %d: %w", id, err))
					return
				}
				sent.Add(1)
			}
			logger.Debug("producer done", "id", id, "sent", count)
		}(p, count)
	}

	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q, err := b.bind()
			if err != nil {
				fail(fmt.Errorf("consumer %d: %w", id, err))
				return
			}
			defer b.unbind(q)

			attempt := 0
			for received.Load() < int64(messages) {
				m, ok := q.Dequeue()
				if !ok {
					if err := ctx.Err(); err != nil {
						fail(fmt.Errorf("consumer %d: %w", id, err))
						return
					}
					strategy.Wait(attempt)
					attempt++
					continue
				}
				attempt = 0
				if !m.valid() {
					fail(fmt.Errorf("consumer %d: %w: %q", id, errCorrupt, m.text()))
					return
				}
				received.Add(1)
			}
			logger.Debug("consumer done", "id", id)
		}(c)
	}

	wg.Wait()
	res.Elapsed = time.Since(start)
	res.Sent = sent.Load()
	res.Received = received.Load()
	res.Stats = b.Stats()
	return res, firstErr
}
