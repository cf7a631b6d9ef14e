// Package provenance maintains an append-only audit chain for every payment.
//
// Flow:
//  1. RecordIntent when a payment is first seen
//  2. RecordPolicyCheck with the engine's decision
//  3. RecordApproval and RecordExecution as the payment advances
//  4. RecordSettlement (or RecordDispute, later) closes the chain
//  5. Chain, LastStage, and IsComplete answer audit queries
//
// Records are never updated, removed, or reordered once appended.
package provenance

import (
	"context"
	"errors"
	"maps"

	"github.com/mbd888/paysentinel/internal/isotime"
	"github.com/mbd888/paysentinel/internal/metrics"
	"github.com/mbd888/paysentinel/internal/payment"
	"github.com/mbd888/paysentinel/internal/syncutil"
)

var (
	// ErrMissingTxID is returned when a record is appended without a transaction id.
	ErrMissingTxID = errors.New("provenance: transaction id is required")
	// ErrNoRecords is returned when a chain query finds no records.
	ErrNoRecords = errors.New("provenance: no records for transaction")
)

// Stage identifies where in the payment lifecycle a record was written.
type Stage string

const (
	StageIntent      Stage = "intent"
	StagePolicyCheck Stage = "policy_check"
	StageApproval    Stage = "approval"
	StageExecution   Stage = "execution"
	StageSettlement  Stage = "settlement"
	StageDispute     Stage = "dispute"
)

// Outcome is the result carried by a provenance record.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomePending Outcome = "pending"
)

// Record is a single entry in a transaction's provenance chain.
type Record struct {
	TxID      string         `json:"transactionId"`
	Stage     Stage          `json:"stage"`
	Timestamp string         `json:"timestamp"`
	Action    string         `json:"action"`
	Outcome   Outcome        `json:"outcome"`
	Details   map[string]any `json:"details,omitempty"`
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Details = maps.Clone(r.Details)
	return &cp
}

// Store persists provenance chains.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Chain(ctx context.Context, txID string) ([]*Record, error)
	TransactionIDs(ctx context.Context) ([]string, error)
	TotalRecords(ctx context.Context) (int, error)
}

// Log is the provenance service. Appends for the same transaction are
// serialized so a chain's timestamps are monotone in list order; appends for
// different transactions proceed in parallel.
type Log struct {
	store Store
	keys  syncutil.KeyedMutex
}

// New creates a provenance log over the given store.
func New(store Store) *Log {
	return &Log{store: store}
}

func (l *Log) append(ctx context.Context, txID string, stage Stage, action string, outcome Outcome, details map[string]any) (*Record, error) {
	if txID == "" {
		return nil, ErrMissingTxID
	}

	// The per-transaction lock spans stamping and appending, so two records
	// for one transaction can never land out of timestamp order.
	unlock := l.keys.Lock(txID)
	defer unlock()

	rec := &Record{
		TxID:      txID,
		Stage:     stage,
		Timestamp: isotime.Now(),
		Action:    action,
		Outcome:   outcome,
		Details:   maps.Clone(details),
	}
	if err := l.store.Append(ctx, rec); err != nil {
		return nil, err
	}
	metrics.ProvenanceRecords.WithLabelValues(string(stage)).Inc()
	return rec.clone(), nil
}

// RecordIntent opens a chain for a newly created payment.
func (l *Log) RecordIntent(ctx context.Context, tx *payment.Transaction) (*Record, error) {
	if tx == nil {
		return nil, ErrMissingTxID
	}
	return l.append(ctx, tx.ID, StageIntent, "payment intent recorded", OutcomePending, map[string]any{
		"agentId":   tx.AgentID,
		"recipient": tx.Recipient,
		"amount":    tx.Amount,
		"currency":  tx.Currency,
		"purpose":   tx.Purpose,
		"protocol":  string(tx.Protocol),
	})
}

// RecordPolicyCheck appends the policy engine's verdict for the payment.
func (l *Log) RecordPolicyCheck(ctx context.Context, txID string, outcome Outcome, details map[string]any) (*Record, error) {
	return l.append(ctx, txID, StagePolicyCheck, "policy evaluated", outcome, details)
}

// RecordApproval appends the result of a manual approval step.
func (l *Log) RecordApproval(ctx context.Context, txID string, approved bool, details map[string]any) (*Record, error) {
	action, outcome := "approval granted", OutcomePass
	if !approved {
		action, outcome = "approval denied", OutcomeFail
	}
	return l.append(ctx, txID, StageApproval, action, outcome, details)
}

// RecordExecution marks the payment as handed to its settlement rail.
func (l *Log) RecordExecution(ctx context.Context, txID string, details map[string]any) (*Record, error) {
	return l.append(ctx, txID, StageExecution, "execution started", OutcomePending, details)
}

// RecordSettlement appends the settlement result, closing the happy path.
func (l *Log) RecordSettlement(ctx context.Context, txID string, success bool, details map[string]any) (*Record, error) {
	action, outcome := "settlement confirmed", OutcomePass
	if !success {
		action, outcome = "settlement failed", OutcomeFail
	}
	return l.append(ctx, txID, StageSettlement, action, outcome, details)
}

// RecordDispute appends a dispute filing against the transaction.
func (l *Log) RecordDispute(ctx context.Context, txID string, details map[string]any) (*Record, error) {
	return l.append(ctx, txID, StageDispute, "dispute filed", OutcomePending, details)
}

// Chain returns the transaction's records in append order. An unknown
// transaction yields an empty chain, not an error.
func (l *Log) Chain(ctx context.Context, txID string) ([]*Record, error) {
	return l.store.Chain(ctx, txID)
}

// IsComplete reports whether the chain has an intent and at least one of
// settlement or dispute.
func (l *Log) IsComplete(ctx context.Context, txID string) (bool, error) {
	chain, err := l.store.Chain(ctx, txID)
	if err != nil {
		return false, err
	}
	var hasIntent, hasClose bool
	for _, rec := range chain {
		switch rec.Stage {
		case StageIntent:
			hasIntent = true
		case StageSettlement, StageDispute:
			hasClose = true
		}
	}
	return hasIntent && hasClose, nil
}

// LastStage returns the stage of the most recent record, or ErrNoRecords for
// an unknown transaction.
func (l *Log) LastStage(ctx context.Context, txID string) (Stage, error) {
	chain, err := l.store.Chain(ctx, txID)
	if err != nil {
		return "", err
	}
	if len(chain) == 0 {
		return "", ErrNoRecords
	}
	return chain[len(chain)-1].Stage, nil
}

// TransactionIDs lists every transaction with at least one record, oldest
// chain first.
func (l *Log) TransactionIDs(ctx context.Context) ([]string, error) {
	return l.store.TransactionIDs(ctx)
}

// TotalRecords returns the record count across all chains.
func (l *Log) TotalRecords(ctx context.Context) (int, error) {
	return l.store.TotalRecords(ctx)
}
