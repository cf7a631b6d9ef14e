package policy

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory policy store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*SpendPolicy // by ID
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]*SpendPolicy),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *SpendPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.policies {
		if existing.Name == p.Name {
			return ErrNameTaken
		}
	}
	m.policies[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*SpendPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context) ([]*SpendPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*SpendPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		result = append(result, p.Clone())
	}

	// CreatedAt is ISO-8601, so string order is chronological; id breaks ties.
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, p *SpendPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[p.ID]; !ok {
		return ErrPolicyNotFound
	}
	for _, existing := range m.policies {
		if existing.ID != p.ID && existing.Name == p.Name {
			return ErrNameTaken
		}
	}
	m.policies[p.ID] = p.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(m.policies, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
