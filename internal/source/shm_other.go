//go:build !linux || !cgo

package source

import (
	"context"

	"github.com/hau2park/parking-monitor/pkg/types"
)

// SHM is unavailable on this build.
type SHM struct{}

func NewSHM(SHMConfig) (*SHM, error) {
	return nil, ErrSHMUnsupported
}

func (s *SHM) Next(context.Context) (types.Frame, error) {
	return types.Frame{}, ErrSHMUnsupported
}

func (s *SHM) Close() error { return nil }
