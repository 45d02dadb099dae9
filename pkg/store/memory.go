package store

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory EventStore and SnapshotStore for tests
// and single-process deployments without durability requirements.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*PersistedEvent
	byID      map[string]*PersistedEvent
	byInst    map[string][]*PersistedEvent
	snapshots map[string]*InstanceSnapshot
	seq       uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*PersistedEvent),
		byInst:    make(map[string][]*PersistedEvent),
		snapshots: make(map[string]*InstanceSnapshot),
	}
}

func (s *MemoryStore) Append(event *PersistedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	event.Sequence = s.seq
	cp := *event
	s.events = append(s.events, &cp)
	s.byID[cp.ID] = &cp
	s.byInst[cp.InstanceID] = append(s.byInst[cp.InstanceID], &cp)
	return nil
}

func (s *MemoryStore) EventsForInstance(instanceID string) ([]*PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.byInst[instanceID]
	out := make([]*PersistedEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) EventsInRange(from, to time.Time) ([]*PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PersistedEvent
	for _, e := range s.events {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) EventByID(id string) (*PersistedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) SaveSnapshot(snapshot *InstanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snapshot
	s.snapshots[snapshot.Instance.ID] = &cp
	return nil
}

func (s *MemoryStore) Snapshot(instanceID string) (*InstanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (s *MemoryStore) ListInstanceIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Compile-time interface assertions.
var (
	_ EventStore    = (*MemoryStore)(nil)
	_ SnapshotStore = (*MemoryStore)(nil)
)
