// Package store persists parking space status. The estimator reads every
// record once at startup and writes only on transitions, through Writer.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hau2park/parking-monitor/pkg/types"
)

// ErrClosed is returned by operations on a closed store or writer.
var ErrClosed = errors.New("store closed")

// Update is one status write for a single space.
type Update struct {
	SpaceID       string       `json:"space_id"`
	Status        types.Status `json:"status"`
	At            time.Time    `json:"at"`
	Ratio         float64      `json:"ratio"`
	ClearOccupant bool         `json:"clear_occupant"`
}

// Store is a keyed table of space status.
type Store interface {
	LoadStatuses(ctx context.Context) (map[string]types.SpaceRecord, error)
	UpdateStatus(ctx context.Context, u Update) error
	Close() error
}

// TransitionRecord is one row of the transition log.
type TransitionRecord struct {
	ID      string       `json:"id"`
	SpaceID string       `json:"space_id"`
	Status  types.Status `json:"status"`
	Ratio   float64      `json:"ratio"`
	At      time.Time    `json:"at"`
}

// History is implemented by stores that keep a transition log.
type History interface {
	Transitions(ctx context.Context, spaceID string, limit int) ([]TransitionRecord, error)
}
