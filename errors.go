package ipcring

import (
	"errors"
	"fmt"
)

// Construction errors.
var (
	ErrInvalidCapacity = errors.New("ipcring: capacity must be a power of two >= 2")
	ErrPayloadNotPlain = errors.New("ipcring: payload type is not plain data")
)

// Segment lifecycle errors. They are returned wrapped in a *SegmentError and
// are fatal to the binding attempt.
var (
	ErrSegmentOpen     = errors.New("ipcring: segment open failed")
	ErrSegmentSize     = errors.New("ipcring: segment sizing failed")
	ErrSegmentMap      = errors.New("ipcring: segment mapping failed")
	ErrSegmentNotReady = errors.New("ipcring: segment was not initialized in time")
	ErrLayoutMismatch  = errors.New("ipcring: segment layout mismatch")
	ErrUnsupported     = errors.New("ipcring: shared segments are not supported on this platform")
)

// SegmentError describes a failed operation on a named segment.
type SegmentError struct {
	Op   string // create, open, stat, truncate, map, attach, unmap, close, unlink
	Name string
	Path string
	Kind error // one of the ErrSegment* sentinels
	Err  error // underlying cause, usually a syscall.Errno
}

func (e *SegmentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s %q (%s)", e.Kind, e.Op, e.Name, e.Path)
	}
	return fmt.Sprintf("%v: %s %q (%s): %v", e.Kind, e.Op, e.Name, e.Path, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *SegmentError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func segmentError(op string, s *segment, kind, err error) *SegmentError {
	return &SegmentError{Op: op, Name: s.name, Path: s.path, Kind: kind, Err: err}
}
