package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/paysentinel/internal/dispute"
	"github.com/mbd888/paysentinel/internal/idgen"
	"github.com/mbd888/paysentinel/internal/isotime"
	"github.com/mbd888/paysentinel/internal/metrics"
	"github.com/mbd888/paysentinel/internal/payment"
	"github.com/mbd888/paysentinel/internal/syncutil"
	"github.com/mbd888/paysentinel/internal/traces"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	defaultCurrency   = "USDC"
)

// Engine queues and executes refund actions for resolved disputes.
type Engine struct {
	store    Store
	disputes DisputeReader
	executor RefundExecutor
	ledger   TransactionLedger
	logger   *slog.Logger

	maxRetries int
	retryDelay time.Duration

	mu    sync.Mutex
	queue []string

	disputeLocks syncutil.KeyedMutex // initiation, keyed by dispute id
	actionLocks  syncutil.KeyedMutex // status flips, keyed by action id

	now func() time.Time // swapped in tests
}

// NewEngine creates a recovery engine over the given store.
func NewEngine(store Store, disputes DisputeReader, executor RefundExecutor, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		disputes:   disputes,
		executor:   executor,
		logger:     logger,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		now:        time.Now,
	}
}

// WithRetryPolicy sets the attempt cap and the base delay for the linear
// backoff between attempts. Non-positive values keep the defaults.
func (e *Engine) WithRetryPolicy(maxRetries int, retryDelay time.Duration) *Engine {
	if maxRetries > 0 {
		e.maxRetries = maxRetries
	}
	if retryDelay > 0 {
		e.retryDelay = retryDelay
	}
	return e
}

// WithLedger wires a transaction ledger. Completed refunds then move the
// disputed transaction to the refunded status.
func (e *Engine) WithLedger(led TransactionLedger) *Engine {
	e.ledger = led
	return e
}

// Initiate creates a pending refund action for a resolved dispute and
// enqueues it. The dispute must be resolved_refunded or resolved_partial,
// and must not already carry a standing recovery. The amount is the
// resolved amount when one was set, otherwise the requested amount.
func (e *Engine) Initiate(ctx context.Context, disputeID string) (*Action, error) {
	if disputeID == "" {
		return nil, fmt.Errorf("%w: missing dispute id", ErrInvalidInput)
	}

	// Serialize per dispute so two racing initiations cannot both pass the
	// standing-recovery check.
	unlock := e.disputeLocks.Lock(disputeID)
	defer unlock()

	d, err := e.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, fmt.Errorf("recovery: load dispute %s: %w", disputeID, err)
	}
	if d.Status != dispute.StatusResolvedRefunded && d.Status != dispute.StatusResolvedPartial {
		return nil, fmt.Errorf("%w: dispute %s is %s", ErrDisputeNotEligible, disputeID, d.Status)
	}

	existing, err := e.store.ByDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	for _, prior := range existing {
		// Failed and cancelled attempts step aside; pending, processing and
		// completed ones block.
		if prior.Status != StatusFailed && prior.Status != StatusCancelled {
			return nil, fmt.Errorf("%w: dispute %s has recovery %s (%s)",
				ErrRecoveryExists, disputeID, prior.ID, prior.Status)
		}
	}

	amount := d.RequestedAmount
	if d.ResolvedAmount != nil {
		amount = *d.ResolvedAmount
	}
	typ := TypeFullRefund
	if d.Status == dispute.StatusResolvedPartial {
		typ = TypePartialRefund
	}
	currency := d.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	now := isotime.Format(e.now())
	a := &Action{
		ID:            idgen.New("rcv"),
		DisputeID:     disputeID,
		TransactionID: d.TransactionID,
		AgentID:       d.AgentID,
		Type:          typ,
		Amount:        amount,
		Currency:      currency,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("recovery: create action: %w", err)
	}

	e.mu.Lock()
	e.queue = append(e.queue, a.ID)
	depth := len(e.queue)
	e.mu.Unlock()

	e.logger.Info("recovery queued",
		"recovery", a.ID,
		"dispute", disputeID,
		"type", typ,
		"amount", amount,
		"currency", currency,
		"queueDepth", depth)
	return a.Clone(), nil
}

// ProcessQueue drains the queue in FIFO order and runs each still-pending
// action through the executor. Actions cancelled while queued are skipped.
// The returned slice holds the actions that were run, in execution order;
// per-action executor failures are reflected in the action status, not in
// the returned error. A cancelled context stops the run early and puts the
// unstarted remainder back at the front of the queue.
func (e *Engine) ProcessQueue(ctx context.Context) ([]*Action, error) {
	if e.executor == nil {
		return nil, ErrNoExecutor
	}

	e.mu.Lock()
	ids := e.queue
	e.queue = nil
	e.mu.Unlock()

	var processed []*Action
	for i, id := range ids {
		a, err := e.claim(ctx, id)
		if err != nil {
			e.logger.Error("recovery claim failed", "recovery", id, "error", err)
			continue
		}
		if a == nil {
			continue
		}
		e.run(ctx, a)
		processed = append(processed, a.Clone())

		if ctx.Err() != nil && i+1 < len(ids) {
			e.requeue(ids[i+1:])
			return processed, ctx.Err()
		}
	}
	return processed, nil
}

// claim flips a queued action from pending to processing under its lock.
// A nil action with nil error means the action was cancelled (or otherwise
// moved on) while it sat in the queue.
func (e *Engine) claim(ctx context.Context, id string) (*Action, error) {
	unlock := e.actionLocks.Lock(id)
	defer unlock()

	a, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, nil
	}
	a.Status = StatusProcessing
	a.UpdatedAt = isotime.Format(e.now())
	if err := e.store.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// run drives one claimed action to completed or failed.
func (e *Engine) run(ctx context.Context, a *Action) {
	ctx, span := traces.StartSpan(ctx, "recovery.execute",
		traces.RecoveryID(a.ID),
		traces.DisputeID(a.DisputeID),
		traces.Amount(a.Amount),
	)
	defer span.End()

	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		a.Attempts = attempt

		res, err := e.executor.Execute(ctx, a.Clone())
		if err == nil && res != nil && res.Success {
			metrics.RecoveryAttempts.WithLabelValues("success").Inc()
			now := isotime.Format(e.now())
			a.Status = StatusCompleted
			a.RefundTxID = res.RefundTxID
			a.LastError = ""
			a.CompletedAt = now
			a.UpdatedAt = now
			break
		}

		metrics.RecoveryAttempts.WithLabelValues("failure").Inc()
		switch {
		case err != nil:
			a.LastError = err.Error()
		case res != nil && res.Error != "":
			a.LastError = res.Error
		default:
			a.LastError = "executor reported failure"
		}
		e.logger.Warn("refund attempt failed",
			"recovery", a.ID,
			"attempt", attempt,
			"error", a.LastError)

		// Linear backoff: delay x attempt number. No wait after the last
		// attempt.
		if attempt == e.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(e.retryDelay * time.Duration(attempt)):
		}
		if ctx.Err() != nil {
			break
		}
	}

	if a.Status != StatusCompleted {
		a.Status = StatusFailed
		a.UpdatedAt = isotime.Format(e.now())
	}
	if err := e.store.Update(ctx, a); err != nil {
		e.logger.Error("recovery update failed", "recovery", a.ID, "error", err)
	}

	if a.Status == StatusCompleted {
		e.markRefunded(ctx, a)
		e.logger.Info("refund completed",
			"recovery", a.ID,
			"dispute", a.DisputeID,
			"refundTx", a.RefundTxID,
			"attempts", a.Attempts)
	} else {
		e.logger.Error("refund failed",
			"recovery", a.ID,
			"dispute", a.DisputeID,
			"attempts", a.Attempts,
			"error", a.LastError)
	}
}

// markRefunded moves the disputed transaction to refunded after a completed
// refund. The refund already happened; a ledger miss here is an audit gap,
// not a reason to unwind the action.
func (e *Engine) markRefunded(ctx context.Context, a *Action) {
	if e.ledger == nil || a.TransactionID == "" {
		return
	}
	tx, err := e.ledger.Get(ctx, a.TransactionID)
	if err != nil {
		e.logger.Warn("refunded status not recorded", "transaction", a.TransactionID, "error", err)
		return
	}
	if err := tx.UpdateStatus(payment.StatusRefunded); err != nil {
		e.logger.Warn("refunded status not recorded", "transaction", a.TransactionID, "error", err)
		return
	}
	if err := e.ledger.Record(ctx, tx); err != nil {
		e.logger.Warn("refunded status not recorded", "transaction", a.TransactionID, "error", err)
	}
}

func (e *Engine) requeue(ids []string) {
	e.mu.Lock()
	e.queue = append(append([]string{}, ids...), e.queue...)
	e.mu.Unlock()
}

// Cancel withdraws a pending action. The queue entry stays behind and is
// skipped when the queue drains.
func (e *Engine) Cancel(ctx context.Context, id string) (*Action, error) {
	unlock := e.actionLocks.Lock(id)
	defer unlock()

	a, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, a.Status)
	}
	a.Status = StatusCancelled
	a.UpdatedAt = isotime.Format(e.now())
	if err := e.store.Update(ctx, a); err != nil {
		return nil, err
	}
	e.logger.Info("recovery cancelled", "recovery", id, "dispute", a.DisputeID)
	return a.Clone(), nil
}

// Get returns the action with the given id, or ErrNotFound.
func (e *Engine) Get(ctx context.Context, id string) (*Action, error) {
	return e.store.Get(ctx, id)
}

// ByDispute returns a dispute's actions, newest first.
func (e *Engine) ByDispute(ctx context.Context, disputeID string) ([]*Action, error) {
	return e.store.ByDispute(ctx, disputeID)
}

// List returns actions newest first, optionally filtered by status.
func (e *Engine) List(ctx context.Context, status Status) ([]*Action, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return e.store.List(ctx, status)
}

// QueueDepth reports how many actions are waiting in the queue.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// LoadPending re-enqueues pending actions from the store, oldest first.
// Called at boot when the store outlives the process; actions already in
// the queue are not enqueued twice. Returns how many were added.
func (e *Engine) LoadPending(ctx context.Context) (int, error) {
	pending, err := e.store.List(ctx, StatusPending)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	queued := make(map[string]bool, len(e.queue))
	for _, id := range e.queue {
		queued[id] = true
	}
	added := 0
	// List is newest first; walk backwards to restore FIFO order.
	for i := len(pending) - 1; i >= 0; i-- {
		if queued[pending[i].ID] {
			continue
		}
		e.queue = append(e.queue, pending[i].ID)
		added++
	}
	return added, nil
}

// Stats summarizes the store plus the live queue depth.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	all, err := e.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	s := &Stats{
		Total:      len(all),
		ByStatus:   make(map[Status]int),
		QueueDepth: e.QueueDepth(),
	}
	for _, a := range all {
		s.ByStatus[a.Status]++
		if a.Status == StatusCompleted {
			s.TotalRecovered += a.Amount
		}
	}
	return s, nil
}
