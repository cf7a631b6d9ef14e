// Package ledger tracks every transaction the control plane sees.
//
// Flow:
//  1. Adapter (or API caller) records a transaction after settlement
//  2. Ledger upserts it into primary storage and the secondary indices
//  3. Alert evaluator and analytics read back through the query surface
//  4. Dispute manager and recovery engine reference ledger rows by id
//
// The ledger owns transaction records; other engines hold ids only.
package ledger

import (
	"context"
	"errors"

	"github.com/mbd888/paysentinel/internal/metrics"
	"github.com/mbd888/paysentinel/internal/payment"
)

var (
	ErrNotFound      = errors.New("ledger: transaction not found")
	ErrMissingID     = errors.New("ledger: transaction id is required")
	ErrInvalidFilter = errors.New("ledger: invalid query filter")
)

// Filter narrows a ledger query. Zero-valued fields are ignored; the
// remaining predicates combine with AND semantics. After and Before compare
// against CreatedAt as canonical ISO-8601 strings (strictly after, strictly
// before).
type Filter struct {
	AgentID   string           `json:"agentId,omitempty" form:"agentId"`
	Recipient string           `json:"recipient,omitempty" form:"recipient"`
	ServiceID string           `json:"serviceId,omitempty" form:"serviceId"`
	Protocol  payment.Protocol `json:"protocol,omitempty" form:"protocol"`
	Status    payment.Status   `json:"status,omitempty" form:"status"`
	Currency  string           `json:"currency,omitempty" form:"currency"`
	MinAmount *float64         `json:"minAmount,omitempty" form:"minAmount"`
	MaxAmount *float64         `json:"maxAmount,omitempty" form:"maxAmount"`
	After     string           `json:"after,omitempty" form:"after"`
	Before    string           `json:"before,omitempty" form:"before"`
	Limit     int              `json:"limit,omitempty" form:"limit"`
}

// matches applies every set predicate except the index-backed identity
// fields the caller already consumed.
func (f Filter) matches(tx *payment.Transaction) bool {
	if f.AgentID != "" && tx.AgentID != f.AgentID {
		return false
	}
	if f.Recipient != "" && tx.Recipient != f.Recipient {
		return false
	}
	if f.ServiceID != "" && tx.ServiceID != f.ServiceID {
		return false
	}
	if f.Protocol != "" && tx.Protocol != f.Protocol {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if f.Currency != "" && tx.Currency != f.Currency {
		return false
	}
	if f.MinAmount != nil && tx.Amount < *f.MinAmount {
		return false
	}
	if f.MaxAmount != nil && tx.Amount > *f.MaxAmount {
		return false
	}
	if f.After != "" && !(tx.CreatedAt > f.After) {
		return false
	}
	if f.Before != "" && !(tx.CreatedAt < f.Before) {
		return false
	}
	return true
}

// Store persists transactions. Reads return clones; callers may mutate the
// result freely and re-Record it.
type Store interface {
	Record(ctx context.Context, tx *payment.Transaction) error
	Get(ctx context.Context, id string) (*payment.Transaction, error)
	ByAgent(ctx context.Context, agentID string) ([]*payment.Transaction, error)
	ByService(ctx context.Context, serviceID string) ([]*payment.Transaction, error)
	ByRecipient(ctx context.Context, recipient string) ([]*payment.Transaction, error)
	Query(ctx context.Context, f Filter) ([]*payment.Transaction, error)
	Size(ctx context.Context) (int, error)
	Agents(ctx context.Context) ([]string, error)
	Recipients(ctx context.Context) ([]string, error)
}

// Ledger is the spend-tracking service over a Store.
type Ledger struct {
	store Store
}

// New creates a ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Record inserts a new transaction or overwrites an existing one in place.
// Re-recording is how the adapter lands status and amount updates; identity
// fields (agent, service, recipient) are fixed at first insert.
func (l *Ledger) Record(ctx context.Context, tx *payment.Transaction) error {
	if tx == nil || tx.ID == "" {
		return ErrMissingID
	}
	if err := l.store.Record(ctx, tx); err != nil {
		return err
	}
	metrics.TransactionsRecorded.WithLabelValues(string(tx.Protocol), string(tx.Status)).Inc()
	return nil
}

// Get returns the transaction with the given id, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (*payment.Transaction, error) {
	return l.store.Get(ctx, id)
}

// ByAgent returns the agent's transactions, newest first.
func (l *Ledger) ByAgent(ctx context.Context, agentID string) ([]*payment.Transaction, error) {
	return l.store.ByAgent(ctx, agentID)
}

// ByService returns the service's transactions, newest first.
func (l *Ledger) ByService(ctx context.Context, serviceID string) ([]*payment.Transaction, error) {
	return l.store.ByService(ctx, serviceID)
}

// ByRecipient returns a recipient's transactions, newest first.
func (l *Ledger) ByRecipient(ctx context.Context, recipient string) ([]*payment.Transaction, error) {
	return l.store.ByRecipient(ctx, recipient)
}

// Query runs a filtered search, newest first, truncated to f.Limit when set.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]*payment.Transaction, error) {
	if f.Limit < 0 {
		return nil, ErrInvalidFilter
	}
	return l.store.Query(ctx, f)
}

// Size returns the number of distinct transactions recorded.
func (l *Ledger) Size(ctx context.Context) (int, error) {
	return l.store.Size(ctx)
}

// Agents returns the distinct agent ids seen by the ledger.
func (l *Ledger) Agents(ctx context.Context) ([]string, error) {
	return l.store.Agents(ctx)
}

// Recipients returns the distinct recipients seen by the ledger.
func (l *Ledger) Recipients(ctx context.Context) ([]string, error) {
	return l.store.Recipients(ctx)
}
