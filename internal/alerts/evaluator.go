package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mbd888/paysentinel/internal/idgen"
	"github.com/mbd888/paysentinel/internal/isotime"
	"github.com/mbd888/paysentinel/internal/ledger"
	"github.com/mbd888/paysentinel/internal/metrics"
	"github.com/mbd888/paysentinel/internal/payment"
)

// historyCap bounds the in-memory ring of recent alerts served by the API.
const historyCap = 256

// Evaluator runs registered rules over each transaction, using the spend
// ledger as the source of history. Evaluate collects all fired alerts first
// and only then fans them out, so handler failures cannot suppress later
// rules.
type Evaluator struct {
	mu       sync.RWMutex
	rules    map[string]*Rule
	order    []string
	handlers []Handler
	history  []Alert

	seenMu sync.Mutex
	seen   map[string]map[string]bool // new_recipient scope key -> recipients

	led    *ledger.Ledger
	logger *slog.Logger

	now func() time.Time // swapped in tests
}

// NewEvaluator creates an evaluator over the given ledger.
func NewEvaluator(led *ledger.Ledger, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		rules:  make(map[string]*Rule),
		seen:   make(map[string]map[string]bool),
		led:    led,
		logger: logger,
		now:    time.Now,
	}
}

// AddRule validates and registers the rule. A rule with an existing id is
// replaced in place.
func (ev *Evaluator) AddRule(r *Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()

	if _, ok := ev.rules[r.ID]; !ok {
		ev.order = append(ev.order, r.ID)
	}
	cp := *r
	ev.rules[r.ID] = &cp
	return nil
}

// RemoveRule unregisters the rule. Removing an unknown id is a no-op.
func (ev *Evaluator) RemoveRule(id string) bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	if _, ok := ev.rules[id]; !ok {
		return false
	}
	delete(ev.rules, id)
	for i, oid := range ev.order {
		if oid == id {
			ev.order = append(ev.order[:i], ev.order[i+1:]...)
			break
		}
	}
	return true
}

// Rules returns the registered rules in registration order.
func (ev *Evaluator) Rules() []*Rule {
	ev.mu.RLock()
	defer ev.mu.RUnlock()

	out := make([]*Rule, 0, len(ev.order))
	for _, id := range ev.order {
		cp := *ev.rules[id]
		out = append(out, &cp)
	}
	return out
}

// OnAlert registers a handler to receive every fired alert.
func (ev *Evaluator) OnAlert(h Handler) {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.handlers = append(ev.handlers, h)
}

// Recent returns the newest alerts, most recent first.
func (ev *Evaluator) Recent(limit int) []Alert {
	ev.mu.RLock()
	defer ev.mu.RUnlock()

	if limit <= 0 || limit > len(ev.history) {
		limit = len(ev.history)
	}
	out := make([]Alert, 0, limit)
	for i := len(ev.history) - 1; i >= len(ev.history)-limit; i-- {
		out = append(out, ev.history[i])
	}
	return out
}

// Evaluate runs every enabled rule against the transaction, then delivers
// each fired alert to every handler. A panicking handler is logged and
// skipped; it never stops delivery to the others.
func (ev *Evaluator) Evaluate(ctx context.Context, tx *payment.Transaction) []Alert {
	ev.mu.RLock()
	snapshot := make([]*Rule, 0, len(ev.order))
	for _, id := range ev.order {
		if r := ev.rules[id]; r.Enabled {
			snapshot = append(snapshot, r)
		}
	}
	handlers := make([]Handler, len(ev.handlers))
	copy(handlers, ev.handlers)
	ev.mu.RUnlock()

	var fired []Alert
	for _, r := range snapshot {
		a, err := ev.evalRule(ctx, r, tx)
		if err != nil {
			ev.logger.Error("alert rule evaluation failed", "ruleId", r.ID, "type", r.Type, "error", err)
			continue
		}
		if a != nil {
			fired = append(fired, *a)
		}
	}

	if len(fired) == 0 {
		return nil
	}

	ev.mu.Lock()
	for _, a := range fired {
		ev.history = append(ev.history, a)
	}
	if len(ev.history) > historyCap {
		ev.history = ev.history[len(ev.history)-historyCap:]
	}
	ev.mu.Unlock()

	for _, a := range fired {
		metrics.AlertsFired.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
		for _, h := range handlers {
			ev.deliver(h, a)
		}
	}
	return fired
}

func (ev *Evaluator) deliver(h Handler, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			ev.logger.Error("alert handler panicked", "alertId", a.ID, "type", a.Type, "panic", r)
		}
	}()
	h(a)
}

func (ev *Evaluator) evalRule(ctx context.Context, r *Rule, tx *payment.Transaction) (*Alert, error) {
	switch r.Type {
	case RuleBudgetThreshold:
		return ev.evalBudgetThreshold(ctx, r, tx)
	case RuleLargeTransaction:
		return ev.evalLargeTransaction(r, tx)
	case RuleRateSpike:
		return ev.evalRateSpike(ctx, r, tx)
	case RuleNewRecipient:
		return ev.evalNewRecipient(ctx, r, tx)
	case RuleAnomaly:
		return ev.evalAnomaly(ctx, r, tx)
	}
	return nil, fmt.Errorf("unknown rule type %q", r.Type)
}

func (ev *Evaluator) fire(r *Rule, tx *payment.Transaction, message string, extra map[string]any) *Alert {
	data := map[string]any{
		"ruleId":   r.ID,
		"ruleName": r.Name,
	}
	for k, v := range extra {
		data[k] = v
	}
	return &Alert{
		ID:            idgen.New("alr"),
		Type:          r.Type,
		Severity:      r.Severity,
		Message:       message,
		TransactionID: tx.ID,
		AgentID:       tx.AgentID,
		Timestamp:     isotime.Format(ev.now()),
		Data:          data,
	}
}

func (ev *Evaluator) evalBudgetThreshold(ctx context.Context, r *Rule, tx *payment.Transaction) (*Alert, error) {
	var p BudgetThresholdParams
	if err := json.Unmarshal(r.Params, &p); err != nil {
		return nil, err
	}
	if tx.Currency != p.Currency {
		return nil, nil
	}
	if p.AgentID != "" && tx.AgentID != p.AgentID {
		return nil, nil
	}

	windowStart := ev.now().Add(-time.Duration(p.WindowMs) * time.Millisecond)
	past, err := ev.led.Query(ctx, ledger.Filter{
		AgentID:  p.AgentID,
		Currency: p.Currency,
		Status:   payment.StatusCompleted,
		After:    isotime.Format(windowStart),
	})
	if err != nil {
		return nil, err
	}

	var sum float64
	for _, t := range past {
		if t.ID == tx.ID {
			continue // the transaction under evaluation counts once, below
		}
		sum += t.Amount
	}
	projected := sum + tx.Amount
	if projected < p.Threshold*p.AlertAtPercent {
		return nil, nil
	}

	percent := projected / p.Threshold * 100
	return ev.fire(r, tx,
		fmt.Sprintf("Window spend %.2f %s is %.0f%% of the %.2f threshold", projected, p.Currency, percent, p.Threshold),
		map[string]any{
			"windowSpend": projected,
			"threshold":   p.Threshold,
			"percentUsed": percent,
		}), nil
}

func (ev *Evaluator) evalLargeTransaction(r *Rule, tx *payment.Transaction) (*Alert, error) {
	var p LargeTransactionParams
	if err := json.Unmarshal(r.Params, &p); err != nil {
		return nil, err
	}
	if tx.Currency != p.Currency || tx.Amount < p.Threshold {
		return nil, nil
	}
	return ev.fire(r, tx,
		fmt.Sprintf("Transaction of %.2f %s meets the %.2f large-transaction threshold", tx.Amount, tx.Currency, p.Threshold),
		map[string]any{
			"amount":    tx.Amount,
			"threshold": p.Threshold,
		}), nil
}

func (ev *Evaluator) evalRateSpike(ctx context.Context, r *Rule, tx *payment.Transaction) (*Alert, error) {
	var p RateSpikeParams
	if err := json.Unmarshal(r.Params, &p); err != nil {
		return nil, err
	}
	if p.AgentID != "" && tx.AgentID != p.AgentID {
		return nil, nil
	}

	windowStart := ev.now().Add(-time.Duration(p.WindowMs) * time.Millisecond)
	past, err := ev.led.Query(ctx, ledger.Filter{
		AgentID: tx.AgentID,
		After:   isotime.Format(windowStart),
	})
	if err != nil {
		return nil, err
	}

	count := 1 // the transaction under evaluation
	for _, t := range past {
		if t.ID != tx.ID {
			count++
		}
	}
	if count <= p.MaxTransactions {
		return nil, nil
	}
	return ev.fire(r, tx,
		fmt.Sprintf("Agent %s made %d transactions in the window (max %d)", tx.AgentID, count, p.MaxTransactions),
		map[string]any{
			"count":           count,
			"maxTransactions": p.MaxTransactions,
			"windowMs":        p.WindowMs,
		}), nil
}

func (ev *Evaluator) evalNewRecipient(ctx context.Context, r *Rule, tx *payment.Transaction) (*Alert, error) {
	var p NewRecipientParams
	if err := json.Unmarshal(r.Params, &p); err != nil {
		return nil, err
	}
	if p.AgentID != "" && tx.AgentID != p.AgentID {
		return nil, nil
	}

	scope := p.AgentID
	if scope == "" {
		scope = "*"
	}

	ev.seenMu.Lock()
	defer ev.seenMu.Unlock()

	set, ok := ev.seen[scope]
	if !ok {
		var err error
		if set, err = ev.seedRecipients(ctx, p.AgentID); err != nil {
			return nil, err
		}
		ev.seen[scope] = set
	}

	if set[tx.Recipient] {
		return nil, nil
	}
	set[tx.Recipient] = true
	return ev.fire(r, tx,
		fmt.Sprintf("First payment to recipient %s", tx.Recipient),
		map[string]any{"recipient": tx.Recipient}), nil
}

// seedRecipients builds the initial known-recipient set from the ledger:
// everything the scoped agent (or anyone, for the wildcard scope) has
// already paid.
func (ev *Evaluator) seedRecipients(ctx context.Context, agentID string) (map[string]bool, error) {
	set := make(map[string]bool)
	if agentID == "" {
		recipients, err := ev.led.Recipients(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range recipients {
			set[rec] = true
		}
		return set, nil
	}

	txs, err := ev.led.ByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for _, t := range txs {
		set[t.Recipient] = true
	}
	return set, nil
}

func (ev *Evaluator) evalAnomaly(ctx context.Context, r *Rule, tx *payment.Transaction) (*Alert, error) {
	var p AnomalyParams
	if err := json.Unmarshal(r.Params, &p); err != nil {
		return nil, err
	}
	if p.AgentID != "" && tx.AgentID != p.AgentID {
		return nil, nil
	}

	past, err := ev.led.Query(ctx, ledger.Filter{
		AgentID:  p.AgentID,
		Currency: tx.Currency,
		Status:   payment.StatusCompleted,
	})
	if err != nil {
		return nil, err
	}

	var amounts []float64
	for _, t := range past {
		if t.ID != tx.ID {
			amounts = append(amounts, t.Amount)
		}
	}
	n := len(amounts)
	if n < p.MinSampleSize {
		return nil, nil
	}

	var sum float64
	for _, a := range amounts {
		sum += a
	}
	mean := sum / float64(n)

	// Population standard deviation: divide by n, not n-1.
	var sq float64
	for _, a := range amounts {
		d := a - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(n))
	if stddev == 0 {
		return nil, nil
	}

	z := (tx.Amount - mean) / stddev
	if z <= p.StdDevThreshold {
		return nil, nil
	}
	return ev.fire(r, tx,
		fmt.Sprintf("Amount %.2f is %.1f standard deviations above the %.2f mean", tx.Amount, z, mean),
		map[string]any{
			"zScore":     z,
			"mean":       mean,
			"stdDev":     stddev,
			"sampleSize": n,
		}), nil
}
