package store

import (
	"context"
	"sync"
)

type ownerState struct {
	deleted map[string]struct{}
	read    map[string]struct{}
	archive map[string]Record
}

// Memory is a process-local Store.
type Memory struct {
	mu     sync.RWMutex
	owners map[string]*ownerState
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{owners: make(map[string]*ownerState)}
}

// state must be called with m.mu held for writing.
func (m *Memory) state(owner string) *ownerState {
	s, ok := m.owners[owner]
	if !ok {
		s = &ownerState{
			deleted: make(map[string]struct{}),
			read:    make(map[string]struct{}),
			archive: make(map[string]Record),
		}
		m.owners[owner] = s
	}
	return s
}

func (m *Memory) MarkDeleted(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	s := m.state(owner)
	s.deleted[id] = struct{}{}
	delete(s.archive, id)
	return nil
}

func (m *Memory) DeletedIDs(ctx context.Context, owner string) (map[string]struct{}, error) {
	return m.ids(owner, func(s *ownerState) map[string]struct{} { return s.deleted })
}

func (m *Memory) MarkRead(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.state(owner).read[id] = struct{}{}
	return nil
}

func (m *Memory) ReadIDs(ctx context.Context, owner string) (map[string]struct{}, error) {
	return m.ids(owner, func(s *ownerState) map[string]struct{} { return s.read })
}

func (m *Memory) ids(owner string, pick func(*ownerState) map[string]struct{}) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]struct{})
	if s, ok := m.owners[owner]; ok {
		for id := range pick(s) {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (m *Memory) Archive(ctx context.Context, owner string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	s := m.state(owner)
	if _, gone := s.deleted[rec.ID]; gone {
		return nil
	}
	s.archive[rec.ID] = rec
	return nil
}

func (m *Memory) Archived(ctx context.Context, owner string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Record
	if s, ok := m.owners[owner]; ok {
		for _, rec := range s.archive {
			out = append(out, rec)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
