package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hau2park/parking-monitor/pkg/types"
)

// flakyStore fails the next n writes, then delegates to Memory.
type flakyStore struct {
	*Memory
	mu       sync.Mutex
	failNext int
	calls    int
}

var errBackendDown = errors.New("backend down")

func (f *flakyStore) UpdateStatus(ctx context.Context, u Update) error {
	f.mu.Lock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		f.mu.Unlock()
		return errBackendDown
	}
	f.mu.Unlock()
	return f.Memory.UpdateStatus(ctx, u)
}

func (f *flakyStore) setFailures(n int) {
	f.mu.Lock()
	f.failNext = n
	f.mu.Unlock()
}

func (f *flakyStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastRetry() WriterConfig {
	cfg := DefaultWriterConfig()
	cfg.Backoff = time.Millisecond
	cfg.Timeout = time.Second
	return cfg
}

func closeWriter(t *testing.T, w *Writer) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.Close(ctx)
}

func TestWriterPersistsUpdates(t *testing.T) {
	mem := NewMemory()
	w := NewWriter(mem, fastRetry())

	assert.True(t, w.Enqueue(Update{SpaceID: "A1", Status: types.StatusOccupied, At: time.Unix(1, 0)}))
	assert.True(t, w.Enqueue(Update{SpaceID: "A2", Status: types.StatusOccupied, At: time.Unix(2, 0)}))
	require.NoError(t, closeWriter(t, w))

	got := mem.Updates()
	require.Len(t, got, 2)
	assert.Equal(t, "A1", got[0].SpaceID)
	assert.Equal(t, "A2", got[1].SpaceID)
}

func TestWriterRetriesTransientFailure(t *testing.T) {
	fs := &flakyStore{Memory: NewMemory(), failNext: 2}
	var (
		mu      sync.Mutex
		results []error
	)
	w := NewWriter(fs, fastRetry(), WithResultHook(func(_ Update, err error) {
		mu.Lock()
		results = append(results, err)
		mu.Unlock()
	}))

	w.Enqueue(Update{SpaceID: "A1", Status: types.StatusOccupied, At: time.Unix(1, 0)})
	require.NoError(t, closeWriter(t, w))

	assert.Equal(t, 3, fs.callCount())
	assert.Len(t, fs.Updates(), 1)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []error{nil}, results)
}

func TestWriterLogPolicyTriesOnce(t *testing.T) {
	fs := &flakyStore{Memory: NewMemory(), failNext: 1}
	cfg := fastRetry()
	cfg.Policy = PolicyLog
	w := NewWriter(fs, cfg)

	w.Enqueue(Update{SpaceID: "A1", Status: types.StatusOccupied, At: time.Unix(1, 0)})
	// The close-time replay succeeds because the store has recovered.
	require.NoError(t, closeWriter(t, w))
	assert.Equal(t, 2, fs.callCount())
	assert.Len(t, fs.Updates(), 1)
}

func TestWriterNewerUpdateSupersedesParked(t *testing.T) {
	fs := &flakyStore{Memory: NewMemory(), failNext: 3}
	w := NewWriter(fs, fastRetry())

	w.Enqueue(Update{SpaceID: "A1", Status: types.StatusOccupied, At: time.Unix(1, 0)})
	require.Eventually(t, func() bool { return w.Pending() == 1 }, 2*time.Second, time.Millisecond)

	w.Enqueue(Update{SpaceID: "A1", Status: types.StatusOpen, At: time.Unix(6, 0), ClearOccupant: true})
	require.NoError(t, closeWriter(t, w))

	got := fs.Updates()
	require.Len(t, got, 1)
	assert.Equal(t, types.StatusOpen, got[0].Status)
	assert.Equal(t, 0, w.Pending())
}

func TestWriterReplaysParkedBeforeNextWrite(t *testing.T) {
	fs := &flakyStore{Memory: NewMemory(), failNext: 3}
	w := NewWriter(fs, fastRetry())

	w.Enqueue(Update{SpaceID: "A1", Status: types.StatusOccupied, At: time.Unix(1, 0)})
	require.Eventually(t, func() bool { return w.Pending() == 1 }, 2*time.Second, time.Millisecond)

	w.Enqueue(Update{SpaceID: "B1", Status: types.StatusOccupied, At: time.Unix(2, 0)})
	require.NoError(t, closeWriter(t, w))

	got := fs.Updates()
	require.Len(t, got, 2)
	assert.Equal(t, "A1", got[0].SpaceID)
	assert.Equal(t, "B1", got[1].SpaceID)
}

// gatedStore blocks its first write until release is closed.
type gatedStore struct {
	*Memory
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedStore) UpdateStatus(ctx context.Context, u Update) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		<-g.release
	}
	return g.Memory.UpdateStatus(ctx, u)
}

func TestWriterQueueFullKeepsLatestStatus(t *testing.T) {
	gs := &gatedStore{Memory: NewMemory(), started: make(chan struct{}), release: make(chan struct{})}
	cfg := fastRetry()
	cfg.QueueSize = 1
	w := NewWriter(gs, cfg)

	require.True(t, w.Enqueue(Update{SpaceID: "B1", Status: types.StatusOccupied, At: time.Unix(1000, 0)}))
	<-gs.started

	require.True(t, w.Enqueue(Update{SpaceID: "A1", Status: types.StatusOccupied, At: time.Unix(1005, 0)}))
	require.False(t, w.Enqueue(Update{SpaceID: "A1", Status: types.StatusOpen, At: time.Unix(1010, 0), ClearOccupant: true}))
	assert.Equal(t, 1, w.Pending())

	close(gs.release)
	require.NoError(t, closeWriter(t, w))

	recs, err := gs.LoadStatuses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, recs["A1"].Status)
	assert.Equal(t, types.StatusOccupied, recs["B1"].Status)

	for _, u := range gs.Updates() {
		assert.False(t, u.SpaceID == "A1" && u.At.Equal(time.Unix(1005, 0)), "older update written after newer one")
	}
	assert.Equal(t, 0, w.Pending())
}

func TestWriterDropsUpdateOlderThanWritten(t *testing.T) {
	mem := NewMemory()
	w := NewWriter(mem, fastRetry())

	w.Enqueue(Update{SpaceID: "A1", Status: types.StatusOpen, At: time.Unix(20, 0)})
	w.Enqueue(Update{SpaceID: "A1", Status: types.StatusOccupied, At: time.Unix(10, 0)})
	require.NoError(t, closeWriter(t, w))

	got := mem.Updates()
	require.Len(t, got, 1)
	assert.Equal(t, types.StatusOpen, got[0].Status)
}

func TestWriterCloseReportsUnpersisted(t *testing.T) {
	fs := &flakyStore{Memory: NewMemory()}
	fs.setFailures(1000)
	w := NewWriter(fs, fastRetry())

	w.Enqueue(Update{SpaceID: "A1", Status: types.StatusOccupied, At: time.Unix(1, 0)})
	err := closeWriter(t, w)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 status updates")

	assert.False(t, w.Enqueue(Update{SpaceID: "A2"}))
	assert.ErrorIs(t, w.Close(context.Background()), ErrClosed)
}

func TestMemoryTransitionsFilterAndLimit(t *testing.T) {
	mem := NewMemory(types.SpaceRecord{ID: "A1", Status: types.StatusOccupied, Occupant: "resident"})
	ctx := context.Background()
	require.NoError(t, mem.UpdateStatus(ctx, Update{SpaceID: "A1", Status: types.StatusOpen, At: time.Unix(1, 0), ClearOccupant: true}))
	require.NoError(t, mem.UpdateStatus(ctx, Update{SpaceID: "B1", Status: types.StatusOccupied, At: time.Unix(2, 0)}))
	require.NoError(t, mem.UpdateStatus(ctx, Update{SpaceID: "A1", Status: types.StatusOccupied, At: time.Unix(3, 0)}))

	recs, err := mem.LoadStatuses(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs["A1"].Occupant)

	a1, err := mem.Transitions(ctx, "A1", 1)
	require.NoError(t, err)
	require.Len(t, a1, 1)
	assert.Equal(t, types.StatusOccupied, a1[0].Status)

	require.NoError(t, mem.Close())
	_, err = mem.LoadStatuses(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
