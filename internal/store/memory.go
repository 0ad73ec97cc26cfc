package store

import (
	"context"
	"sync"

	"github.com/hau2park/parking-monitor/pkg/types"
)

// Memory is an in-process Store. It is used when no store is configured and
// in tests.
type Memory struct {
	mu      sync.Mutex
	records map[string]types.SpaceRecord
	updates []Update
	closed  bool
}

// NewMemory returns a store pre-filled with records.
func NewMemory(records ...types.SpaceRecord) *Memory {
	m := &Memory{records: make(map[string]types.SpaceRecord, len(records))}
	for _, r := range records {
		m.records[r.ID] = r
	}
	return m
}

func (m *Memory) LoadStatuses(ctx context.Context) (map[string]types.SpaceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]types.SpaceRecord, len(m.records))
	for id, r := range m.records {
		out[id] = r
	}
	return out, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	r := m.records[u.SpaceID]
	r.ID = u.SpaceID
	r.Status = u.Status
	r.UpdatedAt = u.At
	if u.ClearOccupant {
		r.Occupant = ""
	}
	m.records[u.SpaceID] = r
	m.updates = append(m.updates, u)
	return nil
}

// Updates returns every update applied so far, oldest first.
func (m *Memory) Updates() []Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Update, len(m.updates))
	copy(out, m.updates)
	return out
}

func (m *Memory) Transitions(ctx context.Context, spaceID string, limit int) ([]TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TransitionRecord
	for i := len(m.updates) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		u := m.updates[i]
		if spaceID != "" && u.SpaceID != spaceID {
			continue
		}
		out = append(out, TransitionRecord{SpaceID: u.SpaceID, Status: u.Status, Ratio: u.Ratio, At: u.At})
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
