//go:build unix

package ipcring

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/aradilov/ipcring/backoff"
)

// openAttempts bounds the create/open loop when a segment is unlinked
// between our O_EXCL create failing and our plain open.
const openAttempts = 3

// openSegment creates the segment exclusively or, if it already exists,
// attaches to it. The creator comes back sized and mapped with owner set;
// an attacher comes back mapped once the file has reached the full size.
func openSegment(name, path string, l layout, o *options) (*segment, error) {
	s := &segment{
		name:     name,
		path:     path,
		fd:       -1,
		teardown: o.teardown,
		logger:   o.logger,
	}

	for i := 0; i < openAttempts; i++ {
		if o.create {
			fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, uint32(o.mode))
			if err == nil {
				s.fd = fd
				s.owner = true
				return s, s.create(l)
			}
			if !errors.Is(err, unix.EEXIST) {
				return nil, segmentError("create", s, ErrSegmentOpen, err)
			}
		}

		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == nil {
			s.fd = fd
			return s, s.attach(l, o)
		}
		if !o.create || !errors.Is(err, unix.ENOENT) {
			return nil, segmentError("open", s, ErrSegmentOpen, err)
		}
		s.logger.Debug("segment vanished between create and open, retrying", "name", name, "path", path)
	}
	return nil, segmentError("open", s, ErrSegmentOpen, unix.ENOENT)
}

// create sizes and maps a segment this binder just created. On failure the
// half-made segment is unlinked so the next binder can start clean.
func (s *segment) create(l layout) error {
	fail := func(op string, kind, err error) error {
		s.release()
		_ = unix.Unlink(s.path)
		return segmentError(op, s, kind, err)
	}

	if err := unix.Ftruncate(s.fd, int64(l.size())); err != nil {
		return fail("truncate", ErrSegmentSize, err)
	}
	if err := s.mmap(l.size()); err != nil {
		return fail("map", ErrSegmentMap, err)
	}
	return nil
}

// attach maps an existing segment after it has been sized by its creator.
func (s *segment) attach(l layout, o *options) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.attachTimeout)
	defer cancel()

	var (
		size    int64
		statErr error
	)
	err := backoff.Until(ctx, pollBackoff, func() bool {
		var st unix.Stat_t
		if statErr = unix.Fstat(s.fd, &st); statErr != nil {
			return true
		}
		size = st.Size
		return size != 0
	})
	switch {
	case statErr != nil:
		s.release()
		return segmentError("stat", s, ErrSegmentSize, statErr)
	case err != nil:
		s.release()
		return segmentError("attach", s, ErrSegmentNotReady, err)
	case size != int64(l.size()):
		s.release()
		return segmentError("attach", s, ErrLayoutMismatch,
			fmt.Errorf("segment is %d bytes, want %d", size, l.size()))
	}

	if err := s.mmap(l.size()); err != nil {
		s.release()
		return segmentError("map", s, ErrSegmentMap, err)
	}
	return nil
}

// awaitReady waits for the owner to publish the initialized header, then
// checks it against l.
func (s *segment) awaitReady(l layout, o *options) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.attachTimeout)
	defer cancel()

	err := backoff.Until(ctx, pollBackoff, func() bool {
		return s.hdr.ready.Load() == readyMark
	})
	if err != nil {
		return segmentError("attach", s, ErrSegmentNotReady, err)
	}
	if err := s.hdr.check(l); err != nil {
		return segmentError("attach", s, ErrLayoutMismatch, err)
	}
	return nil
}

func (s *segment) mmap(size int) error {
	mem, err := unix.Mmap(s.fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	s.mem = mem
	return nil
}

// release unmaps and closes. It never unlinks.
func (s *segment) release() error {
	var errs []error
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil {
			errs = append(errs, segmentError("unmap", s, ErrSegmentMap, err))
		}
		s.mem = nil
	}
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, segmentError("close", s, ErrSegmentOpen, err))
		}
		s.fd = -1
	}
	return errors.Join(errs...)
}

func (s *segment) remove() error {
	err := unix.Unlink(s.path)
	if err != nil && !errors.Is(err, unix.ENOENT) {
		return segmentError("unlink", s, ErrSegmentOpen, err)
	}
	s.logger.Debug("unlinked shared queue", "name", s.name, "path", s.path, "existed", err == nil)
	return nil
}
