// Package pipeline runs the frame loop: it pulls frames from a source,
// feeds the estimator, and fans results out to the store writer, metrics,
// the web monitor and the screenshot recorder.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/hau2park/parking-monitor/internal/annotate"
	"github.com/hau2park/parking-monitor/internal/logger"
	"github.com/hau2park/parking-monitor/internal/metrics"
	"github.com/hau2park/parking-monitor/internal/occupancy"
	"github.com/hau2park/parking-monitor/internal/recorder"
	"github.com/hau2park/parking-monitor/internal/source"
	"github.com/hau2park/parking-monitor/internal/store"
	"github.com/hau2park/parking-monitor/internal/webmonitor"
	"github.com/hau2park/parking-monitor/pkg/types"
)

// Timing selects what drives epoch boundaries.
type Timing string

const (
	// TimingWall uses the runner clock. Epochs close on a ticker even when
	// no frames arrive.
	TimingWall Timing = "wall"
	// TimingFrame uses frame timestamps, for recorded replays.
	TimingFrame Timing = "frame"
)

// StatusBroadcaster pushes serialized snapshots to live clients.
type StatusBroadcaster interface {
	Broadcast(payload []byte)
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// WithTiming selects wall or frame timing.
func WithTiming(t Timing) Option {
	return func(r *Runner) { r.timing = t }
}

// WithMetrics records into m instead of a private registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithMonitor publishes snapshots, preview frames and epoch reports.
func WithMonitor(s *webmonitor.Server, preview annotate.Options) Option {
	return func(r *Runner) {
		r.monitor = s
		r.preview = preview
	}
}

// WithBroadcaster sends every snapshot as JSON to b.
func WithBroadcaster(b StatusBroadcaster) Option {
	return func(r *Runner) { r.broadcast = b }
}

// WithRecorder queues screenshots on transitions and every Nth epoch.
func WithRecorder(rec *recorder.Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithEpochHook is called on the runner goroutine after each epoch.
func WithEpochHook(fn func(occupancy.EpochReport)) Option {
	return func(r *Runner) { r.onEpoch = fn }
}

// Runner owns the estimator; nothing else may touch it while Run is active.
type Runner struct {
	est    *occupancy.Estimator
	src    source.Source
	writer *store.Writer

	clock     clock.Clock
	timing    Timing
	metrics   *metrics.Metrics
	monitor   *webmonitor.Server
	preview   annotate.Options
	broadcast StatusBroadcaster
	recorder  *recorder.Recorder
	onEpoch   func(occupancy.EpochReport)

	frames    uint64
	epochs    uint64
	lastFrame types.Frame
	lastHits  []string
}

// New builds a runner. writer may be nil when nothing is persisted.
func New(est *occupancy.Estimator, src source.Source, writer *store.Writer, opts ...Option) *Runner {
	r := &Runner{
		est:     est,
		src:     src,
		writer:  writer,
		clock:   clock.New(),
		timing:  TimingWall,
		onEpoch: func(occupancy.EpochReport) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	return r
}

// Seed loads stored status for the estimator. Failures are logged and an
// empty seed is returned, which leaves every space Open.
func Seed(ctx context.Context, s store.Store) map[string]types.SpaceRecord {
	records, err := s.LoadStatuses(ctx)
	if err != nil {
		logger.Warn("Pipeline", "Failed to load stored status, starting all spaces Open: %v", err)
		return map[string]types.SpaceRecord{}
	}
	logger.Info("Pipeline", "Loaded %d stored space records", len(records))
	return records
}

// tickInterval is how often wall timing checks the epoch boundary between
// frames.
func tickInterval(epoch time.Duration) time.Duration {
	d := epoch / 10
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// Run processes frames until the source ends, a read fails or ctx is
// canceled. End of stream and cancellation return nil; the open epoch is
// discarded.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	frameCh := make(chan types.Frame)

	g.Go(func() error {
		defer close(frameCh)
		for {
			frame, err := r.src.Next(gctx)
			if errors.Is(err, io.EOF) {
				logger.Info("Pipeline", "Source exhausted after %d frames", r.metrics.FramesProcessed.Load())
				return nil
			}
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read frame: %w", err)
			}
			select {
			case frameCh <- frame:
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		var tickC <-chan time.Time
		if r.timing == TimingWall {
			r.handleTick(r.clock.Now())
			ticker := r.clock.Ticker(tickInterval(r.est.Config().Epoch))
			defer ticker.Stop()
			tickC = ticker.C
		}

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-tickC:
				r.handleTick(r.clock.Now())
			case frame, ok := <-frameCh:
				if !ok {
					return nil
				}
				r.handleFrame(frame)
			}
		}
	})

	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) now(f types.Frame) time.Time {
	if r.timing == TimingFrame && !f.Timestamp.IsZero() {
		return f.Timestamp
	}
	return r.clock.Now()
}

func (r *Runner) handleTick(now time.Time) {
	if report := r.est.Tick(now); report != nil {
		r.handleEpoch(report)
	}
}

func (r *Runner) handleFrame(f types.Frame) {
	start := time.Now()
	now := r.now(f)

	report, hits, err := r.est.ProcessFrame(f, now)
	if report != nil {
		r.handleEpoch(report)
	}
	if err != nil {
		r.metrics.FramesSkipped.Add(1)
		if errors.Is(err, occupancy.ErrFrameSize) {
			logger.Debug("Pipeline", "Skipping frame: %v", err)
		} else {
			logger.Warn("Pipeline", "Skipping frame: %v", err)
		}
		return
	}

	r.frames++
	r.lastFrame = f
	r.lastHits = hits
	r.metrics.ObserveFrame(len(f.Detections), time.Since(start))
	r.publish(now)
}

func (r *Runner) handleEpoch(report *occupancy.EpochReport) {
	r.epochs++
	r.metrics.ObserveEpoch(report)

	for _, t := range report.Transitions {
		logger.Info("Pipeline", "Space %s: %s -> %s (ratio %.2f)", t.SpaceID, t.From, t.To, t.Ratio)
		if r.writer == nil {
			continue
		}
		r.writer.Enqueue(store.Update{
			SpaceID:       t.SpaceID,
			Status:        t.To,
			At:            t.At,
			Ratio:         t.Ratio,
			ClearOccupant: t.ClearOccupant,
		})
	}
	if r.writer != nil {
		r.metrics.StorePending.Store(int64(r.writer.Pending()))
	}
	logger.Debug("Pipeline", "Epoch %d closed: %d frames, %d transitions", r.epochs, report.Frames, len(report.Transitions))

	if r.monitor != nil {
		r.monitor.PublishEpoch(*report)
	}
	if r.recorder != nil {
		if reason, ok := r.recorder.Capture(r.epochs, len(report.Transitions)); ok {
			r.recorder.SendShot(recorder.Shot{
				Reason: reason,
				Epoch:  r.epochs,
				Frame:  r.lastFrame,
				Spaces: r.est.Spaces(),
				Hits:   r.lastHits,
			})
		}
	}
	r.onEpoch(*report)
}

func (r *Runner) publish(now time.Time) {
	if r.monitor == nil && r.broadcast == nil {
		return
	}

	spaces := r.est.Spaces()
	ratios := make(map[string]float64, len(spaces))
	for _, s := range spaces {
		ratios[s.ID] = r.est.Ratio(s.ID)
	}
	snap := webmonitor.NewSnapshot(r.lastFrame.Number, r.epochs, r.est.EpochStart(), spaces, ratios, r.lastHits, now)

	if r.monitor != nil {
		r.monitor.PublishSnapshot(snap)
		if r.monitor.WantsFrames() {
			data, err := annotate.JPEG(r.lastFrame, spaces, r.lastHits, r.preview)
			if err != nil {
				logger.Warn("Pipeline", "Failed to render preview: %v", err)
			} else {
				r.monitor.PublishFrame(data)
			}
		}
	}
	if r.broadcast != nil {
		payload, err := json.Marshal(snap)
		if err != nil {
			logger.Warn("Pipeline", "Failed to encode snapshot: %v", err)
			return
		}
		r.broadcast.Broadcast(payload)
	}
}
