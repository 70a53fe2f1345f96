package catalog

import (
	"context"
	"sync"
	"time"
)

// SnapshotKey identifies the history of one signal at one location.
type SnapshotKey struct {
	OrganizationID string
	LocationID     string
	Signal         string
}

// Snapshot is the normalized state of a signal at a point in time.
type Snapshot struct {
	Items    []Item    `json:"items"`
	Insights []string  `json:"insights,omitempty"`
	TakenAt  time.Time `json:"takenAt"`
}

// SnapshotStore keeps signal history used for diffing.
type SnapshotStore interface {
	// Latest returns the most recent snapshot, or nil when there is none.
	Latest(ctx context.Context, key SnapshotKey) (*Snapshot, error)
	Save(ctx context.Context, key SnapshotKey, snap Snapshot) error
	// AttachInsights records insights on the most recent snapshot.
	AttachInsights(ctx context.Context, key SnapshotKey, insights []string) error
}

// MemorySnapshotStore keeps only the latest snapshot per key.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[SnapshotKey]Snapshot
}

var _ SnapshotStore = (*MemorySnapshotStore)(nil)

// NewMemorySnapshotStore creates an empty store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[SnapshotKey]Snapshot)}
}

func (m *MemorySnapshotStore) Latest(_ context.Context, key SnapshotKey) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[key]
	if !ok {
		return nil, nil
	}
	s.Items = append([]Item(nil), s.Items...)
	s.Insights = append([]string(nil), s.Insights...)
	return &s, nil
}

func (m *MemorySnapshotStore) Save(_ context.Context, key SnapshotKey, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Items = append([]Item(nil), snap.Items...)
	m.snaps[key] = snap
	return nil
}

func (m *MemorySnapshotStore) AttachInsights(_ context.Context, key SnapshotKey, insights []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[key]
	if !ok {
		return nil
	}
	s.Insights = append([]string(nil), insights...)
	m.snaps[key] = s
	return nil
}
