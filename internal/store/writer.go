package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/hau2park/parking-monitor/internal/logger"
)

// Policy decides what the writer does when a store write fails.
type Policy string

const (
	// PolicyLog tries once and logs the failure.
	PolicyLog Policy = "log"
	// PolicyRetry retries with exponential backoff before giving up.
	PolicyRetry Policy = "retry"
)

// WriterConfig tunes the asynchronous write path.
type WriterConfig struct {
	Policy      Policy
	MaxAttempts int
	Backoff     time.Duration
	QueueSize   int
	Timeout     time.Duration
}

// DefaultWriterConfig retries three times starting at 500ms.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Policy:      PolicyRetry,
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		QueueSize:   64,
		Timeout:     5 * time.Second,
	}
}

// WriterOption customizes a Writer.
type WriterOption func(*Writer)

// WithClock replaces the clock used for backoff.
func WithClock(c clock.Clock) WriterOption {
	return func(w *Writer) { w.clock = c }
}

// WithResultHook is called after every final write outcome, including
// replays of parked updates.
func WithResultHook(fn func(Update, error)) WriterOption {
	return func(w *Writer) { w.onResult = fn }
}

// Writer applies updates to a Store off the frame-processing path.
// Updates that cannot be written are parked per space and replayed before
// the next write; a newer update for the same space replaces a parked one.
type Writer struct {
	store    Store
	cfg      WriterConfig
	clock    clock.Clock
	onResult func(Update, error)

	queue  chan Update
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	parked  map[string]Update
	written map[string]time.Time
	closed  bool
}

// NewWriter starts the writer goroutine.
func NewWriter(s Store, cfg WriterConfig, opts ...WriterOption) *Writer {
	def := DefaultWriterConfig()
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Policy == PolicyLog {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		store:    s,
		cfg:      cfg,
		clock:    clock.New(),
		onResult: func(Update, error) {},
		queue:    make(chan Update, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		parked:   make(map[string]Update),
		written:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}

	go w.run()
	return w
}

// Enqueue hands u to the writer without blocking. It returns false if the
// queue was full, in which case u is parked for a later replay.
func (w *Writer) Enqueue(u Update) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- u:
		return true
	default:
		logger.Warn("Store", "Write queue full, parking update for %s", u.SpaceID)
		w.parkLocked(u)
		return false
	}
}

// Pending returns the number of parked updates.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.parked)
}

// Close drains the queue and makes one last attempt at parked updates.
// If ctx expires first, in-flight backoff is abandoned.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	select {
	case <-w.done:
	case <-ctx.Done():
		w.cancel()
		<-w.done
	}
	w.cancel()

	if n := w.Pending(); n > 0 {
		return fmt.Errorf("%d status updates were not persisted", n)
	}
	return nil
}

func (w *Writer) run() {
	defer close(w.done)
	for u := range w.queue {
		stale := w.supersede(u)
		w.replayParked()
		if stale {
			logger.Debug("Store", "Dropping stale update %s -> %s", u.SpaceID, u.Status)
			continue
		}
		w.write(u)
	}
	w.replayParked()
}

// supersede drops a parked update older than u. It reports whether u itself
// is stale: a newer update for the space is parked or already written.
func (w *Writer) supersede(u Update) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.parked[u.SpaceID]; ok {
		if p.At.After(u.At) {
			return true
		}
		delete(w.parked, u.SpaceID)
	}
	return w.staleLocked(u)
}

func (w *Writer) staleLocked(u Update) bool {
	last, ok := w.written[u.SpaceID]
	return ok && last.After(u.At)
}

func (w *Writer) markWritten(u Update) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.written[u.SpaceID]; !ok || u.At.After(last) {
		w.written[u.SpaceID] = u.At
	}
}

func (w *Writer) parkLocked(u Update) {
	if p, ok := w.parked[u.SpaceID]; ok && p.At.After(u.At) {
		return
	}
	w.parked[u.SpaceID] = u
}

// replayParked tries each parked update once, oldest first, and stops at
// the first failure.
func (w *Writer) replayParked() {
	w.mu.Lock()
	parked := make([]Update, 0, len(w.parked))
	for _, u := range w.parked {
		parked = append(parked, u)
	}
	w.mu.Unlock()
	if len(parked) == 0 {
		return
	}
	sort.Slice(parked, func(i, j int) bool { return parked[i].At.Before(parked[j].At) })

	for _, u := range parked {
		w.mu.Lock()
		stale := w.staleLocked(u)
		if stale {
			delete(w.parked, u.SpaceID)
		}
		w.mu.Unlock()
		if stale {
			continue
		}

		err := w.attempt(u)
		if err != nil {
			logger.Debug("Store", "Replay of parked update for %s failed: %v", u.SpaceID, err)
			return
		}
		w.mu.Lock()
		if p, ok := w.parked[u.SpaceID]; ok && p.At.Equal(u.At) {
			delete(w.parked, u.SpaceID)
		}
		w.mu.Unlock()
		w.markWritten(u)
		logger.Info("Store", "Replayed parked update %s -> %s", u.SpaceID, u.Status)
		w.onResult(u, nil)
	}
}

func (w *Writer) attempt(u Update) error {
	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.Timeout)
	defer cancel()
	return w.store.UpdateStatus(ctx, u)
}

func (w *Writer) write(u Update) {
	var err error
	backoff := w.cfg.Backoff
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if err = w.attempt(u); err == nil {
			w.markWritten(u)
			logger.Debug("Store", "Persisted %s -> %s", u.SpaceID, u.Status)
			w.onResult(u, nil)
			return
		}
		logger.Warn("Store", "Write %s -> %s failed (attempt %d/%d): %v",
			u.SpaceID, u.Status, attempt, w.cfg.MaxAttempts, err)
		if attempt == w.cfg.MaxAttempts {
			break
		}
		select {
		case <-w.clock.After(backoff):
		case <-w.ctx.Done():
			attempt = w.cfg.MaxAttempts
		}
		backoff *= 2
	}

	w.mu.Lock()
	if !w.staleLocked(u) {
		w.parkLocked(u)
	}
	w.mu.Unlock()
	w.onResult(u, err)
}
