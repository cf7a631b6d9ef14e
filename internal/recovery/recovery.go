// Package recovery turns resolved disputes into refund actions and drives
// them through an external executor with linear-backoff retries.
//
// Disputes resolved as resolved_refunded or resolved_partial are eligible.
// Initiate computes the refund amount and type from the resolution, persists
// a pending action, and enqueues it FIFO. ProcessQueue drains the queue and
// hands each action to the RefundExecutor, retrying up to the configured
// attempt count with a wait of retryDelay x attemptNumber between tries.
//
// A dispute carries at most one standing recovery: failed and cancelled
// attempts step aside, anything else blocks a new one.
package recovery

import (
	"context"
	"errors"

	"github.com/mbd888/paysentinel/internal/dispute"
	"github.com/mbd888/paysentinel/internal/payment"
)

var (
	ErrNotFound           = errors.New("recovery: not found")
	ErrRecoveryExists     = errors.New("recovery: standing recovery already exists")
	ErrDisputeNotEligible = errors.New("recovery: dispute not eligible for recovery")
	ErrNotCancellable     = errors.New("recovery: only pending actions can be cancelled")
	ErrNoExecutor         = errors.New("recovery: no refund executor configured")
	ErrInvalidInput       = errors.New("recovery: invalid input")
)

// Type classifies how the money comes back.
type Type string

const (
	TypeFullRefund    Type = "full_refund"
	TypePartialRefund Type = "partial_refund"
	TypeChargeback    Type = "chargeback"
	TypeCredit        Type = "credit"
)

// Valid reports whether the type is one of the defined kinds.
func (t Type) Valid() bool {
	switch t {
	case TypeFullRefund, TypePartialRefund, TypeChargeback, TypeCredit:
		return true
	}
	return false
}

// Status is the lifecycle state of a recovery action.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether the status is one of the defined states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Action is one refund attempt chain for a resolved dispute.
type Action struct {
	ID            string  `json:"id"`
	DisputeID     string  `json:"disputeId"`
	TransactionID string  `json:"transactionId,omitempty"`
	AgentID       string  `json:"agentId,omitempty"`
	Type          Type    `json:"type"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	Status        Status  `json:"status"`
	Attempts      int     `json:"attempts"`
	LastError     string  `json:"lastError,omitempty"`
	RefundTxID    string  `json:"refundTxId,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
	CompletedAt   string  `json:"completedAt,omitempty"`
}

// Clone returns a copy of the action.
func (a *Action) Clone() *Action {
	cp := *a
	return &cp
}

// ExecutorResult is what a RefundExecutor reports back for one attempt.
type ExecutorResult struct {
	Success    bool   `json:"success"`
	RefundTxID string `json:"refundTxId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RefundExecutor moves the money back. Implementations talk to whatever rail
// the payment went out on (on-chain transfer, card refund, provider credit).
// A nil error with Success=false is an attempt-level failure and is retried,
// same as a returned error.
type RefundExecutor interface {
	Execute(ctx context.Context, a *Action) (*ExecutorResult, error)
}

// DisputeReader is the slice of the dispute manager the engine needs.
type DisputeReader interface {
	Get(ctx context.Context, id string) (*dispute.Case, error)
}

// TransactionLedger lets a completed refund land the refunded status on the
// underlying transaction. Record re-inserts the mutated transaction.
type TransactionLedger interface {
	Get(ctx context.Context, id string) (*payment.Transaction, error)
	Record(ctx context.Context, tx *payment.Transaction) error
}

// Stats summarizes the recovery store for dashboards.
type Stats struct {
	Total          int            `json:"total"`
	ByStatus       map[Status]int `json:"byStatus"`
	TotalRecovered float64        `json:"totalRecovered"`
	QueueDepth     int            `json:"queueDepth"`
}

// Store persists recovery actions. Reads return clones; List with an empty
// status returns everything, newest first.
type Store interface {
	Create(ctx context.Context, a *Action) error
	Get(ctx context.Context, id string) (*Action, error)
	ByDispute(ctx context.Context, disputeID string) ([]*Action, error)
	Update(ctx context.Context, a *Action) error
	List(ctx context.Context, status Status) ([]*Action, error)
}
