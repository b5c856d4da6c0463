package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process RecordStore. Records are copied on every read
// and write so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*PipelineRecord
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*PipelineRecord)}
}

// GetRecord implements RecordStore.
func (m *MemoryStore) GetRecord(_ context.Context, pipelineID string) (*PipelineRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[pipelineID]
	if !ok {
		return nil, NewPipelineNotFoundError(pipelineID)
	}
	return rec.Clone(), nil
}

// CreateRecord implements RecordStore.
func (m *MemoryStore) CreateRecord(_ context.Context, rec *PipelineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.PipelineID]; ok {
		return NewAlreadyExistsError(rec.PipelineID)
	}
	rec.Version = 1
	m.records[rec.PipelineID] = rec.Clone()
	return nil
}

// UpdateRecord implements RecordStore.
func (m *MemoryStore) UpdateRecord(_ context.Context, rec *PipelineRecord, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[rec.PipelineID]
	if !ok {
		return NewPipelineNotFoundError(rec.PipelineID)
	}
	if cur.Version != expectedVersion {
		return NewConflictError("pipeline record version mismatch", nil).
			WithCode(ErrCodeVersionConflict).
			WithResource(rec.PipelineID).
			WithDetail("expected", expectedVersion).
			WithDetail("actual", cur.Version)
	}
	rec.Version = expectedVersion + 1
	m.records[rec.PipelineID] = rec.Clone()
	return nil
}

// ListRecords implements RecordStore.
func (m *MemoryStore) ListRecords(_ context.Context, filter PipelineFilter) ([]*PipelineRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*PipelineRecord
	for _, id := range ids {
		rec := m.records[id]
		if !filter.Matches(rec) {
			continue
		}
		out = append(out, rec.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// MemoryLocks is an in-process LockManager with expiring leases.
type MemoryLocks struct {
	mu    sync.Mutex
	locks map[string]memoryLease
	now   func() time.Time
}

type memoryLease struct {
	holder  string
	expires time.Time
}

// NewMemoryLocks creates an in-process lock manager.
func NewMemoryLocks() *MemoryLocks {
	return &MemoryLocks{
		locks: make(map[string]memoryLease),
		now:   time.Now,
	}
}

// TryLock implements LockManager.
func (l *MemoryLocks) TryLock(_ context.Context, pipelineID, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lease, ok := l.locks[pipelineID]; ok && lease.holder != holder && now.Before(lease.expires) {
		return false, nil
	}
	l.locks[pipelineID] = memoryLease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

// Unlock implements LockManager.
func (l *MemoryLocks) Unlock(_ context.Context, pipelineID, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, ok := l.locks[pipelineID]; ok && lease.holder == holder {
		delete(l.locks, pipelineID)
	}
	return nil
}
