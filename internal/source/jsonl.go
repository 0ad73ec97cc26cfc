package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/hau2park/parking-monitor/internal/logger"
	"github.com/hau2park/parking-monitor/pkg/types"
)

const maxLineSize = 4 << 20

// inferenceRecord is the hosted inference response shape, optionally
// stamped with the capture time in unix seconds.
type inferenceRecord struct {
	Time  *float64 `json:"time,omitempty"`
	Image struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"image"`
	Predictions []types.Detection `json:"predictions"`
}

// JSONLConfig describes a recorded inference file.
type JSONLConfig struct {
	Path       string
	Normalized bool
	// Realtime sleeps between records according to their timestamps.
	Realtime bool
	Clock    clock.Clock
}

// JSONL replays recorded inference results, one JSON object per line.
type JSONL struct {
	cfg    JSONLConfig
	closer io.Closer
	scan   *bufio.Scanner
	line   int
	number uint64

	firstRecord time.Time
	firstWall   time.Time
}

// OpenJSONL opens cfg.Path for replay.
func OpenJSONL(cfg JSONLConfig) (*JSONL, error) {
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open replay %s: %w", cfg.Path, err)
	}
	s := NewJSONL(f, cfg)
	s.closer = f
	logger.Info("Source", "Replaying detections from %s", cfg.Path)
	return s, nil
}

// NewJSONL replays from r. Closing the source does not close r.
func NewJSONL(r io.Reader, cfg JSONLConfig) *JSONL {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 64*1024), maxLineSize)
	return &JSONL{cfg: cfg, scan: scan}
}

func (s *JSONL) Next(ctx context.Context) (types.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.Frame{}, err
		}
		if !s.scan.Scan() {
			if err := s.scan.Err(); err != nil {
				return types.Frame{}, fmt.Errorf("read replay line %d: %w", s.line+1, err)
			}
			return types.Frame{}, io.EOF
		}
		s.line++
		text := strings.TrimSpace(s.scan.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var rec inferenceRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return types.Frame{}, fmt.Errorf("decode replay line %d: %w", s.line, err)
		}

		s.number++
		f := types.Frame{
			Number:     s.number,
			Width:      rec.Image.Width,
			Height:     rec.Image.Height,
			Normalized: s.cfg.Normalized,
			Detections: rec.Predictions,
		}
		if rec.Time != nil {
			sec, frac := math.Modf(*rec.Time)
			f.Timestamp = time.Unix(int64(sec), int64(frac*1e9))
		} else {
			f.Timestamp = s.cfg.Clock.Now()
		}

		if s.cfg.Realtime && rec.Time != nil {
			if err := s.pace(ctx, f.Timestamp); err != nil {
				return types.Frame{}, err
			}
		}
		return f, nil
	}
}

func (s *JSONL) pace(ctx context.Context, at time.Time) error {
	now := s.cfg.Clock.Now()
	if s.firstRecord.IsZero() {
		s.firstRecord, s.firstWall = at, now
		return nil
	}
	wait := at.Sub(s.firstRecord) - now.Sub(s.firstWall)
	if wait <= 0 {
		return nil
	}
	select {
	case <-s.cfg.Clock.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *JSONL) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}
