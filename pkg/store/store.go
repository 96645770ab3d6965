package store

import (
	"context"
	"time"

	"wirtbot/pkg/model"
)

// Snapshot is one persisted topology: the serialized backup document plus the
// revision it was written at.
type Snapshot struct {
	Revision uint64    `json:"revision"`
	Version  string    `json:"version"`
	Data     []byte    `json:"data"`
	SavedAt  time.Time `json:"savedAt"`
}

// SnapshotStore defines the persistence layer for topology state.
// The latest snapshot is what Load restores; older ones are kept as history.
type SnapshotStore interface {
	SaveSnapshot(Snapshot) error
	LoadSnapshot() (Snapshot, bool, error)
	ListSnapshots(limit int) ([]Snapshot, error)
	AppendAudit(model.AuditEntry) error
	ListAudit(limit int) ([]model.AuditEntry, error)
	Ping() error
}

// Watcher is implemented by stores shared between controllers. The channel
// yields the latest snapshot whenever another writer replaces it.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Snapshot, error)
}

// DefaultHistory is how many snapshots a store keeps.
const DefaultHistory = 20

// NewMemory is a helper to construct the in-memory implementation without importing it directly.
func NewMemory() SnapshotStore {
	return NewMemoryStore()
}

func tail[T any](items []T, limit int) []T {
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	return append([]T(nil), items[len(items)-limit:]...)
}
