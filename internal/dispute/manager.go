package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbd888/paysentinel/internal/idgen"
	"github.com/mbd888/paysentinel/internal/isotime"
	"github.com/mbd888/paysentinel/internal/metrics"
	"github.com/mbd888/paysentinel/internal/provenance"
	"github.com/mbd888/paysentinel/internal/syncutil"
	"github.com/mbd888/paysentinel/internal/traces"
)

// FileInput is the request to open a dispute.
type FileInput struct {
	TransactionID   string  `json:"transactionId" binding:"required"`
	AgentID         string  `json:"agentId"`
	Reason          string  `json:"reason" binding:"required"`
	RequestedAmount float64 `json:"requestedAmount" binding:"required,gt=0"`
}

// EvidenceInput is a caller-supplied evidence item.
type EvidenceInput struct {
	Type        string         `json:"type" binding:"required"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data"`
}

// ResolveInput closes a dispute.
type ResolveInput struct {
	Status         Status    `json:"status" binding:"required"`
	Liability      Liability `json:"liability" binding:"required"`
	ResolvedAmount *float64  `json:"resolvedAmount"`
}

// Manager owns the dispute lifecycle. Mutations to one case (and filings
// against one transaction) are serialized through keyed locks; the
// provenance log, when configured, is frozen into evidence at filing time.
type Manager struct {
	store  Store
	prov   *provenance.Log   // optional
	ledger TransactionReader // optional
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []StatusListener

	txLocks   syncutil.KeyedMutex // filing, keyed by transaction id
	caseLocks syncutil.KeyedMutex // mutation, keyed by dispute id
}

// NewManager creates a dispute manager over the given store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// WithProvenance wires a provenance log. Filing then freezes the chain into
// the first evidence record and appends a dispute provenance record.
func (m *Manager) WithProvenance(prov *provenance.Log) *Manager {
	m.prov = prov
	return m
}

// WithLedger wires a transaction reader used to enrich filings with the
// disputed transaction's currency and agent.
func (m *Manager) WithLedger(ledger TransactionReader) *Manager {
	m.ledger = ledger
	return m
}

// OnStatusChange registers a listener notified after every status change.
func (m *Manager) OnStatusChange(fn StatusListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// File opens a dispute against a transaction. It fails if the transaction
// already has a non-closed dispute; nothing is written in that case.
func (m *Manager) File(ctx context.Context, input FileInput) (*Case, error) {
	if input.TransactionID == "" || input.Reason == "" || input.RequestedAmount <= 0 {
		return nil, fmt.Errorf("%w: transactionId, reason, and a positive requestedAmount are required", ErrInvalidInput)
	}

	ctx, span := traces.StartSpan(ctx, "dispute.file", traces.TransactionID(input.TransactionID))
	defer span.End()

	// Serialize filings per transaction so two racing filings cannot both
	// pass the active-dispute check.
	unlock := m.txLocks.Lock(input.TransactionID)
	defer unlock()

	existing, err := m.store.ByTransaction(ctx, input.TransactionID)
	if err != nil {
		return nil, err
	}
	for _, d := range existing {
		if !d.Closed() {
			return nil, fmt.Errorf("%w for transaction %s: %s", ErrActiveDisputeExists, input.TransactionID, d.ID)
		}
	}

	now := isotime.Now()
	c := &Case{
		ID:              idgen.New("dsp"),
		TransactionID:   input.TransactionID,
		AgentID:         input.AgentID,
		Reason:          input.Reason,
		Status:          StatusOpen,
		Liability:       LiabilityUndetermined,
		RequestedAmount: input.RequestedAmount,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if m.ledger != nil {
		if tx, err := m.ledger.Get(ctx, input.TransactionID); err == nil {
			c.Currency = tx.Currency
			if c.AgentID == "" {
				c.AgentID = tx.AgentID
			}
		}
	}

	if m.prov != nil {
		chain, err := m.prov.Chain(ctx, input.TransactionID)
		if err != nil {
			return nil, fmt.Errorf("dispute: freeze provenance for %s: %w", input.TransactionID, err)
		}
		records := make([]map[string]any, 0, len(chain))
		for _, rec := range chain {
			records = append(records, map[string]any{
				"stage":     string(rec.Stage),
				"timestamp": rec.Timestamp,
				"action":    rec.Action,
				"outcome":   string(rec.Outcome),
				"details":   rec.Details,
			})
		}
		c.Evidence = append(c.Evidence, Evidence{
			ID:          idgen.New("evd"),
			Type:        EvidenceTransactionLog,
			Description: fmt.Sprintf("provenance chain at filing (%d records)", len(records)),
			Data:        map[string]any{"records": records},
			SubmittedAt: now,
		})
	}

	if err := m.store.Create(ctx, c); err != nil {
		return nil, err
	}
	span.SetAttributes(traces.DisputeID(c.ID))
	metrics.DisputesOpened.Inc()

	if m.prov != nil {
		_, err := m.prov.RecordDispute(ctx, input.TransactionID, map[string]any{
			"disputeId":       c.ID,
			"reason":          c.Reason,
			"requestedAmount": c.RequestedAmount,
		})
		if err != nil {
			// The case exists; a missing provenance record is an audit gap,
			// not a reason to fail the filing.
			m.logger.Error("dispute provenance record failed", "disputeId", c.ID, "error", err)
		}
	}

	m.logger.Info("dispute filed",
		"disputeId", c.ID, "transactionId", c.TransactionID,
		"agentId", c.AgentID, "requestedAmount", c.RequestedAmount)
	return c.Clone(), nil
}

// AddEvidence appends evidence to an open case. Closed cases reject
// evidence without mutation.
func (m *Manager) AddEvidence(ctx context.Context, id string, input EvidenceInput) (*Case, error) {
	if input.Type == "" {
		return nil, fmt.Errorf("%w: evidence type is required", ErrInvalidInput)
	}

	unlock := m.caseLocks.Lock(id)
	defer unlock()

	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Closed() {
		return nil, fmt.Errorf("%w: %s is %s", ErrDisputeClosed, id, c.Status)
	}

	c.Evidence = append(c.Evidence, Evidence{
		ID:          idgen.New("evd"),
		Type:        input.Type,
		Description: input.Description,
		Data:        input.Data,
		SubmittedAt: isotime.Now(),
	})
	c.UpdatedAt = isotime.Now()

	if err := m.store.Update(ctx, c); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// UpdateStatus moves an existing case to the given status and notifies
// listeners with the prior one. Moving out of a closed status clears
// resolvedAt; resolution details are otherwise left in place.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status Status) (*Case, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	unlock := m.caseLocks.Lock(id)
	defer unlock()

	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	prev := c.Status
	c.Status = status
	c.UpdatedAt = isotime.Now()
	if !status.Closed() {
		c.ResolvedAt = ""
	}

	if err := m.store.Update(ctx, c); err != nil {
		return nil, err
	}

	out := c.Clone()
	m.notify(out, prev)
	return out, nil
}

// Resolve closes a case with a final status, liability, and optional
// resolved amount. Already-closed cases cannot be re-resolved.
func (m *Manager) Resolve(ctx context.Context, id string, input ResolveInput) (*Case, error) {
	if !input.Status.Closed() {
		return nil, fmt.Errorf("%w: resolve requires a resolved_* status, got %q", ErrInvalidStatus, input.Status)
	}
	if !input.Liability.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLiability, input.Liability)
	}

	unlock := m.caseLocks.Lock(id)
	defer unlock()

	c, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Closed() {
		return nil, fmt.Errorf("%w: %s is already %s", ErrDisputeClosed, id, c.Status)
	}

	now := isotime.Now()
	prev := c.Status
	c.Status = input.Status
	c.Liability = input.Liability
	c.ResolvedAmount = input.ResolvedAmount
	c.ResolvedAt = now
	c.UpdatedAt = now

	if err := m.store.Update(ctx, c); err != nil {
		return nil, err
	}
	metrics.DisputesResolved.WithLabelValues(string(c.Status)).Inc()

	m.logger.Info("dispute resolved",
		"disputeId", c.ID, "status", c.Status, "liability", c.Liability)

	out := c.Clone()
	m.notify(out, prev)
	return out, nil
}

// Get returns a case by id, or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Case, error) {
	return m.store.Get(ctx, id)
}

// ByTransaction returns every case filed against the transaction, newest
// first.
func (m *Manager) ByTransaction(ctx context.Context, txID string) ([]*Case, error) {
	return m.store.ByTransaction(ctx, txID)
}

// ByAgent returns the agent's cases, newest first.
func (m *Manager) ByAgent(ctx context.Context, agentID string) ([]*Case, error) {
	return m.store.ByAgent(ctx, agentID)
}

// Query runs a filtered search, newest first, truncated to f.Limit when set.
func (m *Manager) Query(ctx context.Context, f Filter) ([]*Case, error) {
	if f.Limit < 0 {
		return nil, ErrInvalidFilter
	}
	return m.store.Query(ctx, f)
}

// Stats summarizes the store.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	all, err := m.store.Query(ctx, Filter{})
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByStatus: make(map[Status]int)}
	for _, c := range all {
		stats.Total++
		stats.ByStatus[c.Status]++
		if !c.Closed() {
			stats.Open++
		}
		stats.TotalRequested += c.RequestedAmount
		if c.ResolvedAmount != nil {
			stats.TotalResolved += *c.ResolvedAmount
		}
	}
	return stats, nil
}

// notify delivers the status change to every listener. A panicking listener
// is logged and skipped.
func (m *Manager) notify(c *Case, prev Status) {
	m.mu.RLock()
	listeners := make([]StatusListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, fn := range listeners {
		m.dispatch(fn, c, prev)
	}
}

func (m *Manager) dispatch(fn StatusListener, c *Case, prev Status) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("dispute listener panicked", "disputeId", c.ID, "panic", r)
		}
	}()
	fn(c.Clone(), prev)
}
