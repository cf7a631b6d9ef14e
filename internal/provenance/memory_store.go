package provenance

import (
	"context"
	"sync"
)

// MemoryStore keeps provenance chains in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*Record
	order  []string // transaction ids in first-record order
	total  int
}

// NewMemoryStore creates an empty in-memory provenance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]*Record)}
}

func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	cp := rec.clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.chains[cp.TxID]; !seen {
		s.order = append(s.order, cp.TxID)
	}
	s.chains[cp.TxID] = append(s.chains[cp.TxID], cp)
	s.total++
	return nil
}

func (s *MemoryStore) Chain(_ context.Context, txID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.chains[txID]
	chain := make([]*Record, 0, len(stored))
	for _, rec := range stored {
		chain = append(chain, rec.clone())
	}
	return chain, nil
}

func (s *MemoryStore) TransactionIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids, nil
}

func (s *MemoryStore) TotalRecords(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total, nil
}
