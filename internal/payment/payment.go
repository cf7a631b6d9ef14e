// Package payment defines the canonical transaction record shared by all
// control-plane engines.
//
// A Transaction is created once (usually by the facilitator adapter or an
// API caller), then referenced by id everywhere else: the ledger owns the
// record, the provenance log, dispute manager, and recovery engine hold
// weak references. Status changes follow a fixed lifecycle graph and always
// stamp UpdatedAt.
package payment

import (
	"errors"
	"fmt"

	"github.com/mbd888/paysentinel/internal/idgen"
	"github.com/mbd888/paysentinel/internal/isotime"
)

// IDPrefix is the identifier prefix for payment transactions.
const IDPrefix = "ps"

var (
	ErrMissingAgent      = errors.New("payment: agent id is required")
	ErrMissingRecipient  = errors.New("payment: recipient is required")
	ErrMissingCurrency   = errors.New("payment: currency is required")
	ErrNonPositiveAmount = errors.New("payment: amount must be positive")
	ErrUnknownProtocol   = errors.New("payment: unknown protocol")
)

// Protocol tags the payment rail a transaction travels over.
type Protocol string

const (
	ProtocolX402          Protocol = "x402"
	ProtocolAgentCommerce Protocol = "agent_commerce"
	ProtocolAgentMandate  Protocol = "agent_mandate"
	ProtocolCard          Protocol = "card"
	ProtocolCustom        Protocol = "custom"
)

// Valid reports whether p is one of the closed protocol set.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolX402, ProtocolAgentCommerce, ProtocolAgentMandate, ProtocolCard, ProtocolCustom:
		return true
	}
	return false
}

// Status is a transaction lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDisputed  Status = "disputed"
	StatusRefunded  Status = "refunded"
)

// transitions is the lifecycle graph. A status absent from the map accepts
// no further transitions.
var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusRejected},
	StatusApproved:  {StatusExecuting},
	StatusExecuting: {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusDisputed, StatusRefunded},
	StatusFailed:    {StatusDisputed},
	StatusDisputed:  {StatusCompleted, StatusRefunded},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Transaction is a proposed or executed agent payment.
type Transaction struct {
	ID           string            `json:"id"`
	AgentID      string            `json:"agentId"`
	Recipient    string            `json:"recipient"`
	Amount       float64           `json:"amount"`
	Currency     string            `json:"currency"`
	Purpose      string            `json:"purpose,omitempty"`
	Protocol     Protocol          `json:"protocol"`
	Status       Status            `json:"status"`
	ServiceID    string            `json:"serviceId,omitempty"`
	CreatedAt    string            `json:"createdAt"`
	UpdatedAt    string            `json:"updatedAt"`
	ProtocolTxID string            `json:"protocolTxId,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Input carries the caller-supplied fields for a new transaction.
type Input struct {
	AgentID   string            `json:"agentId" binding:"required"`
	Recipient string            `json:"recipient" binding:"required"`
	Amount    float64           `json:"amount" binding:"required"`
	Currency  string            `json:"currency" binding:"required"`
	Purpose   string            `json:"purpose"`
	Protocol  Protocol          `json:"protocol"`
	ServiceID string            `json:"serviceId"`
	Metadata  map[string]string `json:"metadata"`
}

// New validates the input and builds a pending transaction. The metadata
// map is copied; callers keep no handle that could mutate the record later.
func New(in Input) (*Transaction, error) {
	if in.AgentID == "" {
		return nil, ErrMissingAgent
	}
	if in.Recipient == "" {
		return nil, ErrMissingRecipient
	}
	if in.Currency == "" {
		return nil, ErrMissingCurrency
	}
	if in.Amount <= 0 {
		return nil, ErrNonPositiveAmount
	}
	proto := in.Protocol
	if proto == "" {
		proto = ProtocolCustom
	}
	if !proto.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, in.Protocol)
	}

	now := isotime.Now()
	tx := &Transaction{
		ID:        idgen.New(IDPrefix),
		AgentID:   in.AgentID,
		Recipient: in.Recipient,
		Amount:    in.Amount,
		Currency:  in.Currency,
		Purpose:   in.Purpose,
		Protocol:  proto,
		Status:    StatusPending,
		ServiceID: in.ServiceID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(in.Metadata) > 0 {
		tx.Metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			tx.Metadata[k] = v
		}
	}
	return tx, nil
}

// UpdateStatus moves the transaction along the lifecycle graph and stamps
// UpdatedAt. Illegal steps leave the record untouched.
func (t *Transaction) UpdateStatus(next Status) error {
	if !CanTransition(t.Status, next) {
		return fmt.Errorf("payment: illegal status transition %s -> %s for %s", t.Status, next, t.ID)
	}
	t.Status = next
	t.UpdatedAt = isotime.Now()
	return nil
}

// ForceStatus sets the status without lifecycle validation and stamps
// UpdatedAt. Stores use it when rehydrating adapter-driven updates whose
// intermediate steps were not individually recorded.
func (t *Transaction) ForceStatus(next Status) {
	t.Status = next
	t.UpdatedAt = isotime.Now()
}

// Clone returns a deep copy. Stores hand out clones so readers can never
// alias writer state.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
