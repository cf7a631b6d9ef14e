package policy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/paysentinel/internal/metrics"
	"github.com/mbd888/paysentinel/internal/payment"
)

// bucket tracks recorded spend for one budget window. Amounts and counts
// only grow until Reset.
type bucket struct {
	Amount float64
	Count  int
}

// Spend is a read-only view of one budget bucket.
type Spend struct {
	Amount float64 `json:"amount"`
	Count  int     `json:"count"`
}

// Engine evaluates transactions against the loaded policies and tracks
// recorded spend. Evaluation never mutates buckets; only RecordTransaction
// and Reset do. All methods are safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*SpendPolicy
	order    []string // policy ids in load order, for deterministic iteration
	buckets  map[string]*bucket
	lastTx   map[string]time.Time // agent id -> time of last recorded tx

	now func() time.Time // swapped in tests
}

// NewEngine creates an engine with no policies loaded. In that state every
// transaction is allowed.
func NewEngine() *Engine {
	return &Engine{
		policies: make(map[string]*SpendPolicy),
		buckets:  make(map[string]*bucket),
		lastTx:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// LoadPolicy adds the policy, or replaces it in place if the id is already
// loaded. Replacement keeps the original load position so combining stays
// deterministic.
func (e *Engine) LoadPolicy(p *SpendPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.policies[p.ID]; !ok {
		e.order = append(e.order, p.ID)
	}
	e.policies[p.ID] = p.Clone()
	return nil
}

// RemovePolicy unloads the policy. Removing an unknown id is a no-op.
func (e *Engine) RemovePolicy(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.policies[id]; !ok {
		return false
	}
	delete(e.policies, id)
	for i, oid := range e.order {
		if oid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

// Policies returns the loaded policies in load order.
func (e *Engine) Policies() []*SpendPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*SpendPolicy, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.policies[id].Clone())
	}
	return out
}

// Policy returns one loaded policy by id.
func (e *Engine) Policy(id string) (*SpendPolicy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return p.Clone(), nil
}

// Evaluate runs every enabled policy over the transaction and returns the
// most restrictive decision. It never rejects with an error: policy
// rejection is expressed in the decision itself.
func (e *Engine) Evaluate(tx *payment.Transaction) *Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.now()

	var strictest *Decision
	for _, id := range e.order {
		p := e.policies[id]
		if !p.Enabled {
			continue
		}
		d := e.evaluatePolicy(p, tx, now)
		if strictest == nil || severityRank[d.Action] < severityRank[strictest.Action] {
			strictest = d
		}
	}

	if strictest == nil {
		strictest = &Decision{Allowed: true, Action: ActionAllow, Reason: "no policies"}
	}
	metrics.PolicyDecisions.WithLabelValues(string(strictest.Action)).Inc()
	return strictest
}

// evaluatePolicy applies one policy: budgets first, then cooldown, then the
// rule scan. Caller holds at least the read lock.
func (e *Engine) evaluatePolicy(p *SpendPolicy, tx *payment.Transaction, now time.Time) *Decision {
	for i := range p.Budgets {
		b := &p.Budgets[i]
		if !b.appliesTo(tx) {
			continue
		}
		current := e.windowSpend(p.ID, b, now)
		projected := current + tx.Amount
		if projected > b.MaxAmount {
			return &Decision{
				Allowed:    false,
				Action:     ActionDeny,
				Reason:     fmt.Sprintf("budget exceeded: %s limit %.2f, recorded %.2f + requested %.2f", b.Window, b.MaxAmount, current, tx.Amount),
				PolicyID:   p.ID,
				PolicyName: p.Name,
				Details: map[string]any{
					"window":        string(b.Window),
					"maxAmount":     b.MaxAmount,
					"currentAmount": current,
					"projected":     projected,
				},
			}
		}
	}

	if p.CooldownMs > 0 {
		if last, ok := e.lastTx[tx.AgentID]; ok {
			cooldown := time.Duration(p.CooldownMs) * time.Millisecond
			elapsed := now.Sub(last)
			if elapsed < cooldown {
				remaining := (cooldown - elapsed).Milliseconds()
				return &Decision{
					Allowed:    false,
					Action:     ActionDeny,
					Reason:     fmt.Sprintf("Cooldown active for agent %s: %d ms remaining", tx.AgentID, remaining),
					PolicyID:   p.ID,
					PolicyName: p.Name,
					Details: map[string]any{
						"cooldownMs":  p.CooldownMs,
						"remainingMs": remaining,
					},
				}
			}
		}
	}

	rules := make([]Rule, 0, len(p.Rules))
	for _, r := range p.Rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	// Stable: rules sharing a priority keep declaration order.
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	for i := range rules {
		r := &rules[i]
		if !r.Conditions.Matches(tx) {
			continue
		}
		return &Decision{
			Allowed:    r.Action.Permits(),
			Action:     r.Action,
			Reason:     ruleReason(r),
			PolicyID:   p.ID,
			PolicyName: p.Name,
			RuleID:     r.ID,
		}
	}

	return &Decision{
		Allowed:    true,
		Action:     ActionAllow,
		Reason:     "no matching rules",
		PolicyID:   p.ID,
		PolicyName: p.Name,
	}
}

func ruleReason(r *Rule) string {
	label := r.Name
	if label == "" {
		label = r.ID
	}
	switch r.Action {
	case ActionDeny:
		return fmt.Sprintf("denied by rule %s", label)
	case ActionRequireApproval:
		return fmt.Sprintf("approval required by rule %s", label)
	case ActionFlag:
		return fmt.Sprintf("flagged by rule %s", label)
	default:
		return fmt.Sprintf("allowed by rule %s", label)
	}
}

// windowSpend returns the amount already recorded in the budget's current
// window. Per-transaction windows always read zero: each evaluation stands
// alone there.
func (e *Engine) windowSpend(policyID string, b *BudgetLimit, now time.Time) float64 {
	if b.Window == WindowPerTransaction {
		return 0
	}
	if bk, ok := e.buckets[bucketKey(policyID, b, now)]; ok {
		return bk.Amount
	}
	return 0
}

// RecordTransaction adds the transaction to every matching budget bucket of
// every enabled policy and stamps the agent's last-transaction time. Callers
// invoke this only after funds actually moved, so denied or failed payments
// never consume budget.
func (e *Engine) RecordTransaction(tx *payment.Transaction) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for _, id := range e.order {
		p := e.policies[id]
		if !p.Enabled {
			continue
		}
		for i := range p.Budgets {
			b := &p.Budgets[i]
			if !b.appliesTo(tx) {
				continue
			}
			key := bucketKey(p.ID, b, now)
			bk, ok := e.buckets[key]
			if !ok {
				bk = &bucket{}
				e.buckets[key] = bk
			}
			bk.Amount += tx.Amount
			bk.Count++
		}
	}
	e.lastTx[tx.AgentID] = now
}

// CurrentSpend reports the bucket addressed by the budget at the reference
// time. A zero time means now.
func (e *Engine) CurrentSpend(policyID string, b BudgetLimit, at time.Time) Spend {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if at.IsZero() {
		at = e.now()
	}
	if bk, ok := e.buckets[bucketKey(policyID, &b, at)]; ok {
		return Spend{Amount: bk.Amount, Count: bk.Count}
	}
	return Spend{}
}

// Reset clears all buckets and cooldown state, returning the engine to its
// freshly constructed spend state. Loaded policies are kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buckets = make(map[string]*bucket)
	e.lastTx = make(map[string]time.Time)
}
