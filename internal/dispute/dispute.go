// Package dispute tracks contested payments from filing to resolution.
//
// Flow:
//  1. Agent (or operator) files a dispute against a ledger transaction
//  2. The current provenance chain is frozen into the first evidence record
//  3. Evidence accumulates while the case is open or under investigation
//  4. Resolve closes the case with a liability and optional refund amount
//  5. Resolved refund/partial cases feed the recovery engine
//
// A transaction carries at most one non-closed dispute at a time.
package dispute

import (
	"context"
	"errors"

	"github.com/mbd888/paysentinel/internal/payment"
)

var (
	ErrNotFound            = errors.New("dispute: not found")
	ErrActiveDisputeExists = errors.New("dispute: active dispute already exists")
	ErrDisputeClosed       = errors.New("dispute: dispute is closed")
	ErrInvalidStatus       = errors.New("dispute: invalid status")
	ErrInvalidLiability    = errors.New("dispute: invalid liability")
	ErrInvalidInput        = errors.New("dispute: invalid input")
	ErrInvalidFilter       = errors.New("dispute: invalid filter")
)

// Status is the lifecycle state of a dispute case.
type Status string

const (
	StatusOpen             Status = "open"
	StatusInvestigating    Status = "investigating"
	StatusResolvedRefunded Status = "resolved_refunded"
	StatusResolvedDenied   Status = "resolved_denied"
	StatusResolvedPartial  Status = "resolved_partial"
	StatusEscalated        Status = "escalated"
)

// Valid reports whether the status is one of the defined states.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInvestigating, StatusResolvedRefunded,
		StatusResolvedDenied, StatusResolvedPartial, StatusEscalated:
		return true
	}
	return false
}

// Closed reports whether the status is terminal (resolved_*).
func (s Status) Closed() bool {
	switch s {
	case StatusResolvedRefunded, StatusResolvedDenied, StatusResolvedPartial:
		return true
	}
	return false
}

// Liability names the party found responsible for a disputed payment.
type Liability string

const (
	LiabilityAgent           Liability = "agent"
	LiabilityServiceProvider Liability = "service_provider"
	LiabilityProtocol        Liability = "protocol"
	LiabilityUser            Liability = "user"
	LiabilityUndetermined    Liability = "undetermined"
)

// Valid reports whether the liability is one of the defined parties.
func (l Liability) Valid() bool {
	switch l {
	case LiabilityAgent, LiabilityServiceProvider, LiabilityProtocol,
		LiabilityUser, LiabilityUndetermined:
		return true
	}
	return false
}

// EvidenceTransactionLog is the evidence type holding the provenance chain
// frozen at filing time. It is always the first entry when a provenance log
// is configured.
const EvidenceTransactionLog = "transaction_log"

// Evidence is one item in a case's ordered evidence list.
type Evidence struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	SubmittedAt string         `json:"submittedAt"`
}

// Case is a dispute over a single ledger transaction.
type Case struct {
	ID              string     `json:"id"`
	TransactionID   string     `json:"transactionId"`
	AgentID         string     `json:"agentId"`
	Reason          string     `json:"reason"`
	Status          Status     `json:"status"`
	Liability       Liability  `json:"liability"`
	RequestedAmount float64    `json:"requestedAmount"`
	ResolvedAmount  *float64   `json:"resolvedAmount,omitempty"`
	Currency        string     `json:"currency,omitempty"`
	Evidence        []Evidence `json:"evidence"`
	CreatedAt       string     `json:"createdAt"`
	UpdatedAt       string     `json:"updatedAt"`
	ResolvedAt      string     `json:"resolvedAt,omitempty"`
}

// Closed reports whether the case is in a terminal status.
func (c *Case) Closed() bool {
	return c.Status.Closed()
}

// Clone returns a deep copy of the case.
func (c *Case) Clone() *Case {
	cp := *c
	if c.ResolvedAmount != nil {
		v := *c.ResolvedAmount
		cp.ResolvedAmount = &v
	}
	if c.Evidence != nil {
		cp.Evidence = make([]Evidence, len(c.Evidence))
		copy(cp.Evidence, c.Evidence)
		for i, e := range c.Evidence {
			if e.Data != nil {
				data := make(map[string]any, len(e.Data))
				for k, v := range e.Data {
					data[k] = v
				}
				cp.Evidence[i].Data = data
			}
		}
	}
	return &cp
}

// Filter narrows a dispute query. Zero-valued fields are ignored; the rest
// combine with AND semantics. Before compares against CreatedAt as a
// canonical ISO-8601 string, strictly before.
type Filter struct {
	Status        Status    `json:"status,omitempty" form:"status"`
	AgentID       string    `json:"agentId,omitempty" form:"agentId"`
	TransactionID string    `json:"transactionId,omitempty" form:"transactionId"`
	Liability     Liability `json:"liability,omitempty" form:"liability"`
	Before        string    `json:"before,omitempty" form:"before"`
	Limit         int       `json:"limit,omitempty" form:"limit"`
}

func (f Filter) matches(c *Case) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.AgentID != "" && c.AgentID != f.AgentID {
		return false
	}
	if f.TransactionID != "" && c.TransactionID != f.TransactionID {
		return false
	}
	if f.Liability != "" && c.Liability != f.Liability {
		return false
	}
	if f.Before != "" && !(c.CreatedAt < f.Before) {
		return false
	}
	return true
}

// Stats summarizes the dispute store for dashboards.
type Stats struct {
	Total          int            `json:"total"`
	Open           int            `json:"open"`
	ByStatus       map[Status]int `json:"byStatus"`
	TotalRequested float64        `json:"totalRequested"`
	TotalResolved  float64        `json:"totalResolved"`
}

// StatusListener observes dispute status changes. Listeners run after the
// mutation commits and receive the prior status; panics are recovered and
// logged by the manager.
type StatusListener func(c *Case, prev Status)

// TransactionReader is the slice of the ledger the manager needs. Filing
// verifies the disputed transaction exists and pulls its currency.
type TransactionReader interface {
	Get(ctx context.Context, id string) (*payment.Transaction, error)
}

// Store persists dispute cases. Reads return clones.
type Store interface {
	Create(ctx context.Context, c *Case) error
	Get(ctx context.Context, id string) (*Case, error)
	ByTransaction(ctx context.Context, txID string) ([]*Case, error)
	ByAgent(ctx context.Context, agentID string) ([]*Case, error)
	Update(ctx context.Context, c *Case) error
	Query(ctx context.Context, f Filter) ([]*Case, error)
}
