// Package source produces frames of detections for the occupancy pipeline.
package source

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/hau2park/parking-monitor/pkg/types"
)

// ErrSHMUnsupported is returned by NewSHM on builds without Linux cgo
// support.
var ErrSHMUnsupported = errors.New("shared memory source requires linux and cgo")

// ErrClosedSource is returned by Next after Close.
var ErrClosedSource = errors.New("source closed")

// Source yields frames in capture order. Next returns io.EOF once the
// source is exhausted.
type Source interface {
	Next(ctx context.Context) (types.Frame, error)
	Close() error
}

// Kind names a source implementation in configuration.
type Kind string

const (
	KindJSONL    Kind = "jsonl"
	KindRoboflow Kind = "roboflow"
	KindSHM      Kind = "shm"
)

// Slice yields a fixed list of frames. It backs tests and one-shot tools.
type Slice struct {
	mu     sync.Mutex
	frames []types.Frame
	closed bool
}

// NewSlice returns a source over frames, in order.
func NewSlice(frames ...types.Frame) *Slice {
	return &Slice{frames: frames}
}

func (s *Slice) Next(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.Frame{}, ErrClosedSource
	}
	if len(s.frames) == 0 {
		return types.Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *Slice) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
