package ipcring

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Teardown selects what Close does with a shared segment.
type Teardown int

const (
	// TeardownManual never unlinks on Close. The segment stays in the
	// namespace until Remove is called, typically once every participant
	// has detached.
	TeardownManual Teardown = iota
	// TeardownOwner unlinks on Close of the binder that created the
	// segment. Other binders only unmap. Processes still attached when the
	// owner closes keep their mapping, but later binders get a new segment.
	TeardownOwner
	// TeardownLastDetach unlinks when the attached count drops to zero.
	TeardownLastDetach
)

func (t Teardown) String() string {
	switch t {
	case TeardownManual:
		return "manual"
	case TeardownOwner:
		return "owner"
	case TeardownLastDetach:
		return "last-detach"
	default:
		return fmt.Sprintf("Teardown(%d)", int(t))
	}
}

// ParseTeardown maps "manual", "owner" and "last-detach" to a Teardown.
func ParseTeardown(s string) (Teardown, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "manual":
		return TeardownManual, nil
	case "owner":
		return TeardownOwner, nil
	case "last-detach", "last_detach", "refcount":
		return TeardownLastDetach, nil
	}
	return 0, fmt.Errorf("ipcring: unknown teardown policy %q", s)
}

// DefaultAttachTimeout bounds how long Open waits for another binder to
// finish initializing a segment it just created.
const DefaultAttachTimeout = time.Second

// Option configures New and Open.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	stats         bool
	teardown      Teardown
	create        bool
	attachTimeout time.Duration
	dir           string
	mode          os.FileMode
}

// WithLogger sets the logger used for segment lifecycle events.
// If logger is nil, this option is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithStats enables per-binder operation counters (see Queue.Stats).
func WithStats() Option {
	return func(o *options) {
		o.stats = true
	}
}

// WithTeardown sets the Close behaviour of a shared queue.
func WithTeardown(t Teardown) Option {
	return func(o *options) {
		o.teardown = t
	}
}

// WithCreate controls whether Open may create a missing segment. With
// create set to false Open only attaches.
func WithCreate(create bool) Option {
	return func(o *options) {
		o.create = create
	}
}

// WithAttachTimeout bounds how long Open waits for a concurrent creator.
func WithAttachTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.attachTimeout = d
		}
	}
}

// WithDir places segments in dir instead of /dev/shm. All binders of one
// queue must use the same directory.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithMode sets the permission bits of a newly created segment.
func WithMode(mode os.FileMode) Option {
	return func(o *options) {
		o.mode = mode.Perm()
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		teardown:      TeardownManual,
		create:        true,
		attachTimeout: DefaultAttachTimeout,
		mode:          0o600,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
