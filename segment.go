package ipcring

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aradilov/ipcring/backoff"
)

// segmentPrefix is prepended to every segment file name.
const segmentPrefix = "ipcring."

// segment is one binder's handle on a named shared-memory object.
type segment struct {
	name     string
	path     string
	fd       int
	mem      []byte
	hdr      *header
	owner    bool
	teardown Teardown
	logger   *slog.Logger

	// mu guards mem against readers that outlive Close.
	mu       sync.RWMutex
	once     sync.Once
	closeErr error
}

// pollBackoff paces waiting for a concurrent creator or remover.
var pollBackoff = backoff.Exponential{
	Min:    10 * time.Microsecond,
	Max:    2 * time.Millisecond,
	Jitter: true,
}

var errSegmentRemoved = errors.New("segment is being removed")

// Open binds to the shared queue called name, creating and initializing it
// if it does not exist yet. Exactly one of any number of concurrent binders
// becomes the owner and initializes the queue; the others wait up to the
// attach timeout for it to finish and then check that the segment has the
// capacity and payload layout they expect.
//
// Every binder of one name must agree on capacity and T. The payload rules
// of New apply.
func Open[T any](name string, capacity uint64, opts ...Option) (*Queue[T], error) {
	l, err := newLayout[T](capacity)
	if err != nil {
		return nil, err
	}
	if err := checkPlain[T](); err != nil {
		return nil, err
	}
	o := applyOptions(opts...)

	path, err := segmentPath(o.dir, name)
	if err != nil {
		return nil, &SegmentError{Op: "open", Name: name, Kind: ErrSegmentOpen, Err: err}
	}

	deadline := time.Now().Add(o.attachTimeout)
	for attempt := 0; ; attempt++ {
		seg, err := openSegment(name, path, l, o)
		if err != nil {
			return nil, err
		}

		q := bind[T](seg, capacity, o)
		if seg.owner {
			q.init(l)
			q.hdr.attached.Store(1)
			q.hdr.ready.Store(readyMark)
		} else {
			if err := seg.awaitReady(l, o); err != nil {
				seg.release()
				return nil, err
			}
			if !seg.join() {
				// The last binder is unlinking this segment; wait for the
				// name to be released and bind to its successor.
				seg.release()
				if time.Now().After(deadline) {
					return nil, segmentError("attach", seg, ErrSegmentNotReady, errSegmentRemoved)
				}
				seg.logger.Debug("segment is being removed, retrying", "name", name, "path", path, "attempt", attempt)
				pollBackoff.Wait(attempt)
				continue
			}
		}

		seg.logger.Debug("bound shared queue",
			"name", name, "path", path, "owner", seg.owner,
			"capacity", capacity, "bytes", l.size(), "attached", q.hdr.attached.Load())
		return q, nil
	}
}

// Remove unlinks the named segment. A missing segment is not an error.
// Only the directory option is used from opts.
func Remove(name string, opts ...Option) error {
	o := applyOptions(opts...)
	path, err := segmentPath(o.dir, name)
	if err != nil {
		return &SegmentError{Op: "unlink", Name: name, Kind: ErrSegmentOpen, Err: err}
	}
	s := &segment{name: name, path: path, logger: o.logger}
	return s.remove()
}

// segmentPath maps a queue name to its backing file, the way shm_open maps
// names into /dev/shm. A single leading slash is accepted and dropped.
func segmentPath(dir, name string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	if name == "" || strings.ContainsRune(name, '/') || name == "." || name == ".." {
		return "", fmt.Errorf("invalid segment name %q", name)
	}
	if dir == "" {
		dir = defaultDir()
	}
	return filepath.Join(dir, segmentPrefix+name), nil
}

// defaultDir prefers /dev/shm and falls back to the temporary directory.
func defaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// join counts this binder in. It fails once another binder has marked the
// segment for removal.
func (s *segment) join() bool {
	for {
		n := s.hdr.attached.Load()
		if n < 0 {
			return false
		}
		if s.hdr.attached.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// close detaches this binder and applies the teardown policy.
func (s *segment) close() error {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		left := s.hdr.attached.Add(-1)
		var unlink bool
		switch s.teardown {
		case TeardownOwner:
			if s.owner {
				s.hdr.attached.Store(removedMark)
				unlink = true
			}
		case TeardownLastDetach:
			// Fails if a late binder joined after our decrement.
			unlink = left == 0 && s.hdr.attached.CompareAndSwap(0, removedMark)
		}

		s.closeErr = s.release()
		s.logger.Debug("detached shared queue",
			"name", s.name, "path", s.path, "owner", s.owner, "attached", left, "unlink", unlink)

		if unlink {
			if err := s.remove(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}
