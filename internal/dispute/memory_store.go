package dispute

import (
	"context"
	"sync"
)

// MemoryStore is the in-memory dispute store used in demo/development mode
// and by the manager test suite.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Case
	chrono []string // ids in filing order
}

// NewMemoryStore creates an empty in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Case)}
}

func (m *MemoryStore) Create(ctx context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID[c.ID] = c.Clone()
	m.chrono = append(m.chrono, c.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[c.ID]; !ok {
		return ErrNotFound
	}
	m.byID[c.ID] = c.Clone()
	return nil
}

func (m *MemoryStore) ByTransaction(ctx context.Context, txID string) ([]*Case, error) {
	return m.scan(Filter{TransactionID: txID}), nil
}

func (m *MemoryStore) ByAgent(ctx context.Context, agentID string) ([]*Case, error) {
	return m.scan(Filter{AgentID: agentID}), nil
}

func (m *MemoryStore) Query(ctx context.Context, f Filter) ([]*Case, error) {
	return m.scan(f), nil
}

// scan walks the filing order backwards so results come out newest first.
func (m *MemoryStore) scan(f Filter) []*Case {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Case
	for i := len(m.chrono) - 1; i >= 0; i-- {
		c := m.byID[m.chrono[i]]
		if !f.matches(c) {
			continue
		}
		out = append(out, c.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
