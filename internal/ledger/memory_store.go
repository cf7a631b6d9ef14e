package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/paysentinel/internal/payment"
)

// MemoryStore is the in-memory ledger store used in demo/development mode
// and by the engine test suites. Indices are derived state over the primary
// map and can always be rebuilt from the chronological list.
type MemoryStore struct {
	mu          sync.RWMutex
	byID        map[string]*payment.Transaction
	byAgent     map[string]map[string]struct{}
	byService   map[string]map[string]struct{}
	byRecipient map[string]map[string]struct{}
	chrono      []string // ids in first-insert order
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:        make(map[string]*payment.Transaction),
		byAgent:     make(map[string]map[string]struct{}),
		byService:   make(map[string]map[string]struct{}),
		byRecipient: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Record(ctx context.Context, tx *payment.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := tx.Clone()
	if _, exists := m.byID[cp.ID]; exists {
		// Update in place: primary entry only. Identity fields do not move
		// between index buckets after first insert.
		m.byID[cp.ID] = cp
		return nil
	}

	m.byID[cp.ID] = cp
	addToIndex(m.byAgent, cp.AgentID, cp.ID)
	if cp.ServiceID != "" {
		addToIndex(m.byService, cp.ServiceID, cp.ID)
	}
	addToIndex(m.byRecipient, cp.Recipient, cp.ID)
	m.chrono = append(m.chrono, cp.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*payment.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.Clone(), nil
}

func (m *MemoryStore) ByAgent(ctx context.Context, agentID string) ([]*payment.Transaction, error) {
	return m.collect(m.byAgent, agentID), nil
}

func (m *MemoryStore) ByService(ctx context.Context, serviceID string) ([]*payment.Transaction, error) {
	return m.collect(m.byService, serviceID), nil
}

func (m *MemoryStore) ByRecipient(ctx context.Context, recipient string) ([]*payment.Transaction, error) {
	return m.collect(m.byRecipient, recipient), nil
}

// collect walks the chronological list backwards so results come out newest
// first without a sort.
func (m *MemoryStore) collect(index map[string]map[string]struct{}, key string) []*payment.Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := index[key]
	if len(ids) == 0 {
		return nil
	}
	out := make([]*payment.Transaction, 0, len(ids))
	for i := len(m.chrono) - 1; i >= 0; i-- {
		id := m.chrono[i]
		if _, ok := ids[id]; !ok {
			continue
		}
		out = append(out, m.byID[id].Clone())
	}
	return out
}

func (m *MemoryStore) Query(ctx context.Context, f Filter) ([]*payment.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Start from the most selective available index; ties break in
	// agent > service > recipient order.
	var candidates map[string]struct{}
	pick := func(index map[string]map[string]struct{}, key string) {
		if key == "" {
			return
		}
		set := index[key]
		if candidates == nil || len(set) < len(candidates) {
			candidates = set
			if candidates == nil {
				candidates = map[string]struct{}{}
			}
		}
	}
	pick(m.byAgent, f.AgentID)
	pick(m.byService, f.ServiceID)
	pick(m.byRecipient, f.Recipient)

	var out []*payment.Transaction
	for i := len(m.chrono) - 1; i >= 0; i-- {
		id := m.chrono[i]
		if candidates != nil {
			if _, ok := candidates[id]; !ok {
				continue
			}
		}
		tx := m.byID[id]
		if !f.matches(tx) {
			continue
		}
		out = append(out, tx.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Size(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID), nil
}

func (m *MemoryStore) Agents(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.byAgent), nil
}

func (m *MemoryStore) Recipients(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.byRecipient), nil
}

func addToIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func sortedKeys(index map[string]map[string]struct{}) []string {
	keys := make([]string, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
