package store

import (
	"sync"
	"time"

	"wirtbot/pkg/model"
)

// MemoryStore is a simple in-memory implementation, intended for dev/demo and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	history  []Snapshot
	audit    []model.AuditEntry
	keep     int
	failSave error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keep: DefaultHistory}
}

// FailSaves makes every SaveSnapshot return err until called with nil.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSave = err
}

func (m *MemoryStore) SaveSnapshot(s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	if s.SavedAt.IsZero() {
		s.SavedAt = time.Now()
	}
	s.Data = append([]byte(nil), s.Data...)
	m.history = append(m.history, s)
	if len(m.history) > m.keep {
		m.history = append([]Snapshot(nil), m.history[len(m.history)-m.keep:]...)
	}
	return nil
}

func (m *MemoryStore) LoadSnapshot() (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return Snapshot{}, false, nil
	}
	s := m.history[len(m.history)-1]
	s.Data = append([]byte(nil), s.Data...)
	return s, true, nil
}

func (m *MemoryStore) ListSnapshots(limit int) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.history, limit), nil
}

func (m *MemoryStore) AppendAudit(entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *MemoryStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.audit, limit), nil
}

// Ping reports readiness for health/info endpoints.
func (m *MemoryStore) Ping() error { return nil }
