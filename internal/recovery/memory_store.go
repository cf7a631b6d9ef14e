package recovery

import (
	"context"
	"sync"
)

// MemoryStore is the in-memory recovery store used in demo/development mode
// and by the engine test suite.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Action
	chrono []string // ids in creation order
}

// NewMemoryStore creates an empty in-memory recovery store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Action)}
}

func (m *MemoryStore) Create(ctx context.Context, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID[a.ID] = a.Clone()
	m.chrono = append(m.chrono, a.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, a *Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[a.ID]; !ok {
		return ErrNotFound
	}
	m.byID[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) ByDispute(ctx context.Context, disputeID string) ([]*Action, error) {
	return m.scan(func(a *Action) bool { return a.DisputeID == disputeID }), nil
}

func (m *MemoryStore) List(ctx context.Context, status Status) ([]*Action, error) {
	return m.scan(func(a *Action) bool { return status == "" || a.Status == status }), nil
}

// scan walks the creation order backwards so results come out newest first.
func (m *MemoryStore) scan(keep func(*Action) bool) []*Action {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Action
	for i := len(m.chrono) - 1; i >= 0; i-- {
		a := m.byID[m.chrono[i]]
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
