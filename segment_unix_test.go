//go:build unix

package ipcring

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradilov/ipcring/backoff"
)

// record is the payload exchanged between processes in these tests.
type record struct {
	ID   uint64
	Sum  uint64
	Body [48]byte
}

func newRecord(id uint64) record {
	r := record{ID: id}
	copy(r.Body[:], fmt.Sprintf("record-%d", id))
	for _, b := range r.Body {
		r.Sum += uint64(b)
	}
	return r
}

func segmentName() string {
	return "test-" + uuid.NewString()
}

func TestOpenCreatesAndAttaches(t *testing.T) {
	dir := t.TempDir()
	name := segmentName()

	owner, err := Open[record](name, 8, WithDir(dir))
	require.NoError(t, err)
	defer owner.Close()

	assert.True(t, owner.Owner())
	assert.Equal(t, name, owner.Name())
	assert.Equal(t, filepath.Join(dir, segmentPrefix+name), owner.Path())
	assert.Equal(t, uint64(8), owner.Capacity())

	info, err := os.Stat(owner.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(layoutFor[record](8).size()), info.Size())

	peer, err := Open[record](name, 8, WithDir(dir))
	require.NoError(t, err)
	defer peer.Close()

	assert.False(t, peer.Owner())
	assert.Equal(t, int64(2), owner.Attached())

	// A value published through one mapping is visible through the other.
	want := newRecord(7)
	require.True(t, owner.Enqueue(want))
	assert.Equal(t, 1, peer.Len())

	got, ok := peer.Dequeue()
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = owner.Dequeue()
	assert.False(t, ok)
}

func TestOpenLeadingSlashName(t *testing.T) {
	dir := t.TempDir()
	name := segmentName()

	a, err := Open[int64]("/"+name, 4, WithDir(dir))
	require.NoError(t, err)
	defer a.Close()

	b, err := Open[int64](name, 4, WithDir(dir))
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, a.Path(), b.Path())
	assert.False(t, b.Owner())
}

func TestOpenRejectsBadArguments(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"", "/", "a/b", ".."} {
		_, err := Open[int](name, 8, WithDir(dir))
		require.ErrorIs(t, err, ErrSegmentOpen, "name %q", name)
	}

	_, err := Open[int](segmentName(), 12, WithDir(dir))
	require.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = Open[[]byte](segmentName(), 8, WithDir(dir))
	require.ErrorIs(t, err, ErrPayloadNotPlain)
}

func TestOpenAttachOnlyMissing(t *testing.T) {
	_, err := Open[int](segmentName(), 8, WithDir(t.TempDir()), WithCreate(false))
	require.ErrorIs(t, err, ErrSegmentOpen)
	require.ErrorIs(t, err, fs.ErrNotExist)

	var se *SegmentError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "open", se.Op)
}

func TestOpenLayoutMismatch(t *testing.T) {
	dir := t.TempDir()
	name := segmentName()

	q, err := Open[int64](name, 8, WithDir(dir))
	require.NoError(t, err)
	defer q.Close()

	_, err = Open[int64](name, 16, WithDir(dir))
	require.ErrorIs(t, err, ErrLayoutMismatch)

	_, err = Open[record](name, 8, WithDir(dir))
	require.ErrorIs(t, err, ErrLayoutMismatch)

	// 4 cells of 32 bytes take as much room as 8 cells of 16 bytes, so only
	// the header tells them apart.
	type wide struct{ A, B, C int64 }
	_, err = Open[wide](name, 4, WithDir(dir))
	require.ErrorIs(t, err, ErrLayoutMismatch)

	assert.Equal(t, int64(1), q.Attached())
}

func TestOpenRejectsOversizedCapacity(t *testing.T) {
	dir := t.TempDir()
	name := segmentName()

	for _, c := range []uint64{1 << 50, 1 << 60, 1 << 63} {
		_, err := Open[int64](name, c, WithDir(dir))
		require.ErrorIs(t, err, ErrInvalidCapacity, "capacity %d", c)
	}

	// Nothing was created, so the name is still usable.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	q, err := Open[int64](name, 8, WithDir(dir))
	require.NoError(t, err)
	assert.True(t, q.Owner())
	require.NoError(t, q.Close())
}

func TestOpenWaitsForCreator(t *testing.T) {
	dir := t.TempDir()
	name := segmentName()
	path := filepath.Join(dir, segmentPrefix+name)

	// A creator that stalls before sizing the segment.
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	start := time.Now()
	_, err := Open[int](name, 8, WithDir(dir), WithAttachTimeout(20*time.Millisecond))
	require.ErrorIs(t, err, ErrSegmentNotReady)
	assert.Less(t, time.Since(start), time.Second)

	// A creator that sized the segment but never published it.
	require.NoError(t, os.Truncate(path, int64(layoutFor[int](8).size())))
	_, err = Open[int](name, 8, WithDir(dir), WithAttachTimeout(20*time.Millisecond))
	require.ErrorIs(t, err, ErrSegmentNotReady)
}

func TestOpenConcurrentCreators(t *testing.T) {
	const binders = 16
	dir := t.TempDir()
	name := segmentName()

	queues := make([]*Queue[uint64], binders)
	errs := make([]error, binders)

	var wg sync.WaitGroup
	wg.Add(binders)
	for i := 0; i < binders; i++ {
		go func(i int) {
			defer wg.Done()
			queues[i], errs[i] = Open[uint64](name, 64, WithDir(dir))
		}(i)
	}
	wg.Wait()

	owners := 0
	for i := 0; i < binders; i++ {
		require.NoError(t, errs[i])
		if queues[i].Owner() {
			owners++
		}
	}
	assert.Equal(t, 1, owners)
	assert.Equal(t, int64(binders), queues[0].Attached())

	for i := 0; i < binders; i++ {
		require.True(t, queues[i].Enqueue(uint64(i)))
	}
	seen := make(map[uint64]bool)
	for i := 0; i < binders; i++ {
		v, ok := queues[binders-1-i].Dequeue()
		require.True(t, ok)
		seen[v] = true
	}
	assert.Len(t, seen, binders)

	for _, q := range queues {
		require.NoError(t, q.Close())
	}
}

func TestTeardownOwner(t *testing.T) {
	dir := t.TempDir()
	name := segmentName()

	owner, err := Open[int](name, 8, WithDir(dir), WithTeardown(TeardownOwner))
	require.NoError(t, err)
	peer, err := Open[int](name, 8, WithDir(dir), WithTeardown(TeardownOwner))
	require.NoError(t, err)
	require.True(t, owner.Owner())
	require.False(t, peer.Owner())

	// A non-owner leaves the segment in place.
	require.NoError(t, peer.Close())
	_, err = os.Stat(owner.Path())
	require.NoError(t, err)
	assert.Equal(t, int64(1), owner.Attached())
	require.True(t, owner.Enqueue(1))

	// The owner removes it.
	require.NoError(t, owner.Close())
	_, err = os.Stat(filepath.Join(dir, segmentPrefix+name))
	require.ErrorIs(t, err, fs.ErrNotExist)

	// Close is idempotent.
	require.NoError(t, owner.Close())
	require.NoError(t, peer.Close())
}

func TestTeardownOwnerKeepsPeerMapping(t *testing.T) {
	dir := t.TempDir()
	name := segmentName()

	owner, err := Open[int](name, 8, WithDir(dir), WithTeardown(TeardownOwner))
	require.NoError(t, err)
	peer, err := Open[int](name, 8, WithDir(dir))
	require.NoError(t, err)
	defer peer.Close()

	require.True(t, owner.Enqueue(42))
	require.NoError(t, owner.Close())

	// The peer keeps its mapping after the name is gone.
	v, ok := peer.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestTeardownManual(t *testing.T) {
	dir := t.TempDir()
	name := segmentName()

	a, err := Open[int](name, 8, WithDir(dir))
	require.NoError(t, err)
	b, err := Open[int](name, 8, WithDir(dir))
	require.NoError(t, err)

	require.True(t, a.Enqueue(5))
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	// Nobody unlinked: a new binder sees the old contents.
	c, err := Open[int](name, 8, WithDir(dir))
	require.NoError(t, err)
	assert.False(t, c.Owner())
	v, ok := c.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 5, v)
	require.NoError(t, c.Close())

	require.NoError(t, Remove(name, WithDir(dir)))
	_, err = os.Stat(filepath.Join(dir, segmentPrefix+name))
	require.ErrorIs(t, err, fs.ErrNotExist)

	// Removing twice is fine.
	require.NoError(t, Remove(name, WithDir(dir)))
}

func TestTeardownLastDetach(t *testing.T) {
	dir := t.TempDir()
	name := segmentName()

	a, err := Open[int](name, 8, WithDir(dir), WithTeardown(TeardownLastDetach))
	require.NoError(t, err)
	b, err := Open[int](name, 8, WithDir(dir), WithTeardown(TeardownLastDetach))
	require.NoError(t, err)

	// The owner leaving first does not remove the segment.
	require.NoError(t, a.Close())
	_, err = os.Stat(b.Path())
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, err = os.Stat(filepath.Join(dir, segmentPrefix+name))
	require.ErrorIs(t, err, fs.ErrNotExist)
}

// A binder that finds the segment marked for removal waits for the name to
// be released and binds to a fresh segment instead of the dying one.
func TestOpenRetriesSegmentBeingRemoved(t *testing.T) {
	dir := t.TempDir()
	name := segmentName()

	old, err := Open[int](name, 8, WithDir(dir))
	require.NoError(t, err)
	require.True(t, old.Enqueue(7))

	// Freeze the state between the last detach and the unlink.
	old.hdr.attached.Store(removedMark)
	removed := make(chan error, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		removed <- Remove(name, WithDir(dir))
	}()

	q, err := Open[int](name, 8, WithDir(dir), WithTeardown(TeardownLastDetach))
	require.NoError(t, err)
	require.NoError(t, <-removed)

	assert.True(t, q.Owner())
	assert.Equal(t, int64(1), q.Attached())
	_, ok := q.Dequeue()
	assert.False(t, ok, "the new segment must not share the old contents")

	require.NoError(t, q.Close())
	_, err = os.Stat(filepath.Join(dir, segmentPrefix+name))
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.NoError(t, old.Close())
}

func TestOpenGivesUpOnSegmentNeverRemoved(t *testing.T) {
	dir := t.TempDir()
	name := segmentName()

	old, err := Open[int](name, 8, WithDir(dir))
	require.NoError(t, err)
	defer old.Close()
	old.hdr.attached.Store(removedMark)

	_, err = Open[int](name, 8, WithDir(dir), WithAttachTimeout(20*time.Millisecond))
	require.ErrorIs(t, err, ErrSegmentNotReady)
	assert.Equal(t, int64(0), old.Attached())
}

// Monitoring reads stay safe after the mapping is gone.
func TestClosedQueueReadsAreSafe(t *testing.T) {
	dir := t.TempDir()

	q, err := Open[int](segmentName(), 8, WithDir(dir), WithStats(), WithTeardown(TeardownLastDetach))
	require.NoError(t, err)
	require.True(t, q.Enqueue(1))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(q, prometheus.Labels{"queue": "closed"})))
	require.NoError(t, q.Close())

	assert.Equal(t, 0, q.Len())
	assert.Equal(t, int64(0), q.Attached())
	assert.Equal(t, uint64(8), q.Capacity())
	assert.Equal(t, uint64(1), q.Stats().Enqueued)

	_, err = reg.Gather()
	require.NoError(t, err)
}

func TestQueueRemoveKeepsMapping(t *testing.T) {
	dir := t.TempDir()
	name := segmentName()

	q, err := Open[int](name, 4, WithDir(dir))
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Remove())
	_, err = os.Stat(q.Path())
	require.ErrorIs(t, err, fs.ErrNotExist)

	require.True(t, q.Enqueue(9))
	v, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 9, v)

	// The name is free for a new, independent segment.
	fresh, err := Open[int](name, 4, WithDir(dir))
	require.NoError(t, err)
	defer fresh.Close()
	assert.True(t, fresh.Owner())
}

func TestOpenDefaultDir(t *testing.T) {
	name := segmentName()
	q, err := Open[int](name, 2)
	require.NoError(t, err)
	t.Cleanup(func() {
		q.Close()
		Remove(name)
	})

	assert.Equal(t, filepath.Join(defaultDir(), segmentPrefix+name), q.Path())
}

func TestSharedQueueConcurrentBinders(t *testing.T) {
	const (
		capacity  = 256
		N         = 40_000
		producers = 4
		consumers = 4
	)
	dir := t.TempDir()
	name := segmentName()

	root, err := Open[record](name, capacity, WithDir(dir), WithTeardown(TeardownLastDetach))
	require.NoError(t, err)

	seen := make([]int32, N)
	var mu sync.Mutex
	received := 0

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			q, err := Open[record](name, capacity, WithDir(dir), WithTeardown(TeardownLastDetach))
			if !assert.NoError(t, err) {
				return
			}
			defer q.Close()
			for i := p; i < N; i += producers {
				if !assert.NoError(t, backoff.Enqueue(ctx, q, newRecord(uint64(i)), backoff.Yield{})) {
					return
				}
			}
		}(p)
	}
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := Open[record](name, capacity, WithDir(dir), WithTeardown(TeardownLastDetach))
			if !assert.NoError(t, err) {
				return
			}
			defer q.Close()
			for {
				mu.Lock()
				done := received >= N
				mu.Unlock()
				if done || ctx.Err() != nil {
					return
				}
				r, ok := q.Dequeue()
				if !ok {
					backoff.Yield{}.Wait(0)
					continue
				}
				if r != newRecord(r.ID) {
					t.Errorf("corrupted record %+v", r)
				}
				mu.Lock()
				seen[r.ID]++
				received++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.NoError(t, ctx.Err())
	for i, n := range seen {
		require.Equal(t, int32(1), n, "record %d", i)
	}
	require.NoError(t, root.Close())
	_, err = os.Stat(filepath.Join(dir, segmentPrefix+name))
	require.ErrorIs(t, err, fs.ErrNotExist)
}

// Cross-process tests re-run this test binary as a helper that binds to the
// segment named in the environment.
const (
	helperEnvRole  = "IPCRING_HELPER_ROLE"
	helperEnvName  = "IPCRING_HELPER_NAME"
	helperEnvDir   = "IPCRING_HELPER_DIR"
	helperEnvCount = "IPCRING_HELPER_COUNT"
	helperCapacity = 64
)

func TestHelperProcess(t *testing.T) {
	role := os.Getenv(helperEnvRole)
	if role == "" {
		return
	}
	count, _ := strconv.Atoi(os.Getenv(helperEnvCount))

	q, err := Open[record](os.Getenv(helperEnvName), helperCapacity,
		WithDir(os.Getenv(helperEnvDir)), WithCreate(false))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(2)
	}
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	switch role {
	case "producer":
		for i := 0; i < count; i++ {
			if err := backoff.Enqueue(ctx, q, newRecord(uint64(i)), backoff.Yield{}); err != nil {
				fmt.Fprintln(os.Stderr, "enqueue:", err)
				os.Exit(3)
			}
		}
	case "consumer":
		for i := 0; i < count; i++ {
			r, err := backoff.Dequeue[record](ctx, q, backoff.Yield{})
			if err != nil {
				fmt.Fprintln(os.Stderr, "dequeue:", err)
				os.Exit(3)
			}
			if want := newRecord(uint64(i)); r != want {
				fmt.Fprintf(os.Stderr, "record %d: got %+v\n", i, r)
				os.Exit(4)
			}
		}
	}
	q.Close()
	os.Exit(0)
}

func helperCommand(t *testing.T, role, dir, name string, count int) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(),
		helperEnvRole+"="+role,
		helperEnvName+"="+name,
		helperEnvDir+"="+dir,
		helperEnvCount+"="+strconv.Itoa(count),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	t.Cleanup(func() {
		if t.Failed() && stderr.Len() > 0 {
			t.Logf("helper %s stderr:\n%s", role, stderr.String())
		}
	})
	return cmd
}

func TestCrossProcessProducer(t *testing.T) {
	const count = 5000
	dir := t.TempDir()
	name := segmentName()

	q, err := Open[record](name, helperCapacity, WithDir(dir), WithTeardown(TeardownOwner))
	require.NoError(t, err)
	defer q.Close()

	cmd := helperCommand(t, "producer", dir, name, count)
	require.NoError(t, cmd.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	for i := 0; i < count; i++ {
		r, err := backoff.Dequeue[record](ctx, q, backoff.Yield{})
		require.NoError(t, err, "record %d", i)
		require.Equal(t, newRecord(uint64(i)), r)
	}

	require.NoError(t, cmd.Wait())
	_, ok := q.Dequeue()
	assert.False(t, ok)
	assert.Equal(t, int64(1), q.Attached())
}

func TestCrossProcessConsumer(t *testing.T) {
	const count = 5000
	dir := t.TempDir()
	name := segmentName()

	q, err := Open[record](name, helperCapacity, WithDir(dir), WithTeardown(TeardownOwner))
	require.NoError(t, err)
	defer q.Close()

	cmd := helperCommand(t, "consumer", dir, name, count)
	require.NoError(t, cmd.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	for i := 0; i < count; i++ {
		require.NoError(t, backoff.Enqueue(ctx, q, newRecord(uint64(i)), backoff.Yield{}))
	}

	require.NoError(t, cmd.Wait())
	assert.Equal(t, 0, q.Len())
}
