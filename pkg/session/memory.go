package session

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps sessions in a map. Used in tests and when no
// persistent backend is configured.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]Record)}
}

func (m *MemoryBackend) Upsert(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.SessionID] = r.Clone()
	return nil
}

func (m *MemoryBackend) UpdateTimestamps(_ context.Context, sessionID string, lastAccessAt time.Time, ttl time.Duration, expiresAt, lastExtendedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[sessionID]
	if !ok {
		return ErrNotFound
	}
	r.LastAccessAt = lastAccessAt
	r.TTL = ttl
	r.ExpiresAt = expiresAt
	r.LastExtendedAt = lastExtendedAt
	m.records[sessionID] = r
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, sessionID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryBackend) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionID)
	return nil
}

func (m *MemoryBackend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.records {
		if r.Expired(now) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Latest(_ context.Context) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest Record
	found := false
	for _, r := range m.records {
		if !found || r.LastAccessAt.After(latest.LastAccessAt) ||
			(r.LastAccessAt.Equal(latest.LastAccessAt) && r.SessionID > latest.SessionID) {
			latest = r
			found = true
		}
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return latest.Clone(), nil
}

func (m *MemoryBackend) ListByVault(_ context.Context, vaultID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if r.VaultID == vaultID {
			out = append(out, r.Clone())
		}
	}
	SortLatestFirst(out)
	return out, nil
}
