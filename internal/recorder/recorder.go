package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hau2park/parking-monitor/internal/annotate"
	"github.com/hau2park/parking-monitor/internal/logger"
	"github.com/hau2park/parking-monitor/internal/occupancy"
	"github.com/hau2park/parking-monitor/pkg/types"
)

// Screenshot reasons.
const (
	ReasonInterval   = "interval"
	ReasonTransition = "transition"
	ReasonManual     = "manual"
)

// Shot is one frame queued for an annotated screenshot.
type Shot struct {
	Reason string
	Epoch  uint64
	Frame  types.Frame
	Spaces []occupancy.Space
	Hits   []string
}

// Recorder saves annotated JPEG screenshots
type Recorder struct {
	mu           sync.RWMutex
	basePath     string
	every        uint64
	opts         annotate.Options
	recording    bool
	shotCount    uint64
	bytesWritten uint64
	lastFile     string
	startTime    time.Time
	shotChan     chan Shot
	wg           sync.WaitGroup
	onSaved      func(path string)
}

// NewRecorder creates a recorder writing to basePath. every > 0 captures
// on every Nth epoch in addition to transitions.
func NewRecorder(basePath string, every int, opts annotate.Options) *Recorder {
	r := &Recorder{
		basePath: basePath,
		opts:     opts,
		shotChan: make(chan Shot, 8),
		onSaved:  func(string) {},
	}
	if every > 0 {
		r.every = uint64(every)
	}
	return r
}

// OnSaved registers a callback run after each screenshot is written.
func (r *Recorder) OnSaved(fn func(path string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSaved = fn
}

// Start creates the output directory and starts the writer goroutine
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("already recording")
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return fmt.Errorf("failed to create screenshot dir: %w", err)
	}

	r.recording = true
	r.shotCount = 0
	r.bytesWritten = 0
	r.startTime = time.Now()
	r.shotChan = make(chan Shot, cap(r.shotChan))

	r.wg.Add(1)
	go r.writeShots(r.shotChan)

	logger.Info("Recorder", "Saving screenshots to %s", r.basePath)
	return nil
}

// Stop stops recording and waits for queued screenshots
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return fmt.Errorf("not recording")
	}
	r.recording = false
	close(r.shotChan)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// Capture reports whether the given epoch should be captured and why.
func (r *Recorder) Capture(epoch uint64, transitions int) (string, bool) {
	if transitions > 0 {
		return ReasonTransition, true
	}
	if r.every > 0 && epoch > 0 && epoch%r.every == 0 {
		return ReasonInterval, true
	}
	return "", false
}

// SendShot queues a screenshot (non-blocking)
func (r *Recorder) SendShot(s Shot) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.recording {
		return false
	}

	select {
	case r.shotChan <- s:
		return true
	default:
		logger.Debug("Recorder", "Screenshot queue full, dropping frame %d", s.Frame.Number)
		return false
	}
}

func (r *Recorder) writeShots(ch <-chan Shot) {
	defer r.wg.Done()
	for s := range ch {
		if err := r.writeShot(s); err != nil {
			logger.Warn("Recorder", "Screenshot failed: %v", err)
		}
	}
}

func (r *Recorder) writeShot(s Shot) error {
	data, err := annotate.JPEG(s.Frame, s.Spaces, s.Hits, r.opts)
	if err != nil {
		return err
	}

	reason := s.Reason
	if reason == "" {
		reason = ReasonManual
	}
	name := fmt.Sprintf("frame_%d_epoch%d_%s.jpg", s.Frame.Number, s.Epoch, reason)
	path := filepath.Join(r.basePath, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	r.mu.Lock()
	r.shotCount++
	r.bytesWritten += uint64(len(data))
	r.lastFile = name
	onSaved := r.onSaved
	r.mu.Unlock()

	logger.Debug("Recorder", "Saved %s (%d bytes)", name, len(data))
	onSaved(path)
	return nil
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Directory:    r.basePath,
		LastFile:     r.lastFile,
		Screenshots:  r.shotCount,
		BytesWritten: r.bytesWritten,
		Duration:     duration,
		StartTime:    r.startTime,
	}
}

// Close closes the recorder
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool          `json:"recording"`
	Directory    string        `json:"directory"`
	LastFile     string        `json:"last_file,omitempty"`
	Screenshots  uint64        `json:"screenshots"`
	BytesWritten uint64        `json:"bytes_written"`
	Duration     time.Duration `json:"duration_ms"`
	StartTime    time.Time     `json:"start_time"`
}
