package policy

import (
	"strings"
	"testing"
	"time"

	"github.com/mbd888/paysentinel/internal/payment"
)

func usdcTx(amount float64) *payment.Transaction {
	return &payment.Transaction{
		ID:        "ps_test_00000001",
		AgentID:   "agent-1",
		Recipient: "merchant-1",
		Amount:    amount,
		Currency:  "USDC",
		Protocol:  payment.ProtocolX402,
		Status:    payment.StatusPending,
	}
}

func f64(v float64) *float64 { return &v }

// tieredPolicy builds the three-rule policy used by the evaluation
// scenarios: hard deny above 1000 USDC, approval above 100 USDC, allow
// everything else.
func tieredPolicy(dailyBudget float64) *SpendPolicy {
	return &SpendPolicy{
		ID:      "pol_tiered",
		Name:    "tiered-usdc",
		Enabled: true,
		Rules: []Rule{
			{ID: "block-above-1000", Enabled: true, Priority: 1, Action: ActionDeny,
				Conditions: Condition{MinAmount: f64(1000), Currencies: []string{"USDC"}}},
			{ID: "require-above-100", Enabled: true, Priority: 2, Action: ActionRequireApproval,
				Conditions: Condition{MinAmount: f64(100), Currencies: []string{"USDC"}}},
			{ID: "allow-all", Enabled: true, Priority: 3, Action: ActionAllow},
		},
		Budgets: []BudgetLimit{
			{Window: WindowDaily, MaxAmount: dailyBudget, Currency: "USDC"},
		},
	}
}

// ============================================================================
// Evaluation scenarios
// ============================================================================

func TestEvaluateTieredRules(t *testing.T) {
	e := NewEngine()
	if err := e.LoadPolicy(tieredPolicy(500)); err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	d := e.Evaluate(usdcTx(10))
	if !d.Allowed || d.Action != ActionAllow {
		t.Fatalf("amount 10: got %s (allowed=%v), want allow", d.Action, d.Allowed)
	}
	if d.RuleID != "allow-all" {
		t.Errorf("amount 10: fired rule %q, want allow-all", d.RuleID)
	}

	d = e.Evaluate(usdcTx(150))
	if d.Allowed || d.Action != ActionRequireApproval {
		t.Fatalf("amount 150: got %s (allowed=%v), want require_approval", d.Action, d.Allowed)
	}
	if d.RuleID != "require-above-100" {
		t.Errorf("amount 150: fired rule %q, want require-above-100", d.RuleID)
	}

	d = e.Evaluate(usdcTx(1500))
	if d.Allowed || d.Action != ActionDeny {
		t.Fatalf("amount 1500: got %s (allowed=%v), want deny", d.Action, d.Allowed)
	}
}

func TestEvaluateRuleDeny(t *testing.T) {
	// Budget large enough that only the hard-cap rule can deny.
	e := NewEngine()
	if err := e.LoadPolicy(tieredPolicy(100000)); err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	d := e.Evaluate(usdcTx(1500))
	if d.Action != ActionDeny {
		t.Fatalf("got %s, want deny", d.Action)
	}
	if d.RuleID != "block-above-1000" {
		t.Errorf("fired rule %q, want block-above-1000", d.RuleID)
	}
	if !strings.Contains(d.Reason, "block-above-1000") {
		t.Errorf("reason %q does not name the rule", d.Reason)
	}
}

func TestEvaluateBudgetExhaustion(t *testing.T) {
	e := NewEngine()
	if err := e.LoadPolicy(tieredPolicy(100)); err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	e.RecordTransaction(usdcTx(80))

	d := e.Evaluate(usdcTx(30))
	if d.Allowed || d.Action != ActionDeny {
		t.Fatalf("got %s (allowed=%v), want deny", d.Action, d.Allowed)
	}
	if !strings.Contains(d.Reason, "budget exceeded") {
		t.Errorf("reason %q does not contain %q", d.Reason, "budget exceeded")
	}
}

func TestEvaluateBudgetBoundary(t *testing.T) {
	// Projected spend equal to the limit passes; only exceeding it denies.
	e := NewEngine()
	if err := e.LoadPolicy(tieredPolicy(100)); err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	e.RecordTransaction(usdcTx(80))

	if d := e.Evaluate(usdcTx(20)); !d.Allowed {
		t.Errorf("projected == limit should pass, got deny: %s", d.Reason)
	}
	if d := e.Evaluate(usdcTx(20.01)); d.Allowed {
		t.Error("projected just above limit should deny")
	}
}

func TestEvaluateCooldown(t *testing.T) {
	e := NewEngine()
	base := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	current := base
	e.now = func() time.Time { return current }

	if err := e.LoadPolicy(&SpendPolicy{
		ID: "pol_cd", Name: "cooldown", Enabled: true, CooldownMs: 60_000,
	}); err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	e.RecordTransaction(usdcTx(10))

	current = base.Add(30 * time.Second)
	d := e.Evaluate(usdcTx(10))
	if d.Allowed || d.Action != ActionDeny {
		t.Fatalf("got %s (allowed=%v), want deny during cooldown", d.Action, d.Allowed)
	}
	if !strings.Contains(d.Reason, "Cooldown") {
		t.Errorf("reason %q does not contain %q", d.Reason, "Cooldown")
	}
	if got := d.Details["remainingMs"].(int64); got != 30_000 {
		t.Errorf("remainingMs = %d, want 30000", got)
	}

	// Exactly cooldownMs elapsed allows the next transaction.
	current = base.Add(60 * time.Second)
	if d := e.Evaluate(usdcTx(10)); !d.Allowed {
		t.Errorf("exactly cooldownMs elapsed should allow, got: %s", d.Reason)
	}
}

func TestCooldownIsPerAgent(t *testing.T) {
	e := NewEngine()
	base := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	current := base
	e.now = func() time.Time { return current }

	if err := e.LoadPolicy(&SpendPolicy{
		ID: "pol_cd", Name: "cooldown", Enabled: true, CooldownMs: 60_000,
	}); err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	e.RecordTransaction(usdcTx(10)) // agent-1

	current = base.Add(time.Second)
	other := usdcTx(10)
	other.AgentID = "agent-2"
	if d := e.Evaluate(other); !d.Allowed {
		t.Errorf("different agent should not share cooldown, got: %s", d.Reason)
	}
	if d := e.Evaluate(usdcTx(10)); d.Allowed {
		t.Error("same agent inside cooldown should be denied")
	}
}

// ============================================================================
// Combining policies
// ============================================================================

func TestCombineMostRestrictiveWins(t *testing.T) {
	e := NewEngine()
	allow := &SpendPolicy{ID: "pol_a", Name: "permissive", Enabled: true,
		Rules: []Rule{{ID: "r1", Enabled: true, Action: ActionAllow}}}
	flag := &SpendPolicy{ID: "pol_b", Name: "flagging", Enabled: true,
		Rules: []Rule{{ID: "r2", Enabled: true, Action: ActionFlag}}}
	deny := &SpendPolicy{ID: "pol_c", Name: "blocking", Enabled: true,
		Rules: []Rule{{ID: "r3", Enabled: true, Action: ActionDeny}}}

	for _, p := range []*SpendPolicy{allow, flag, deny} {
		if err := e.LoadPolicy(p); err != nil {
			t.Fatalf("LoadPolicy(%s): %v", p.ID, err)
		}
	}

	d := e.Evaluate(usdcTx(10))
	if d.Action != ActionDeny || d.PolicyID != "pol_c" {
		t.Errorf("got action %s from %s, want deny from pol_c", d.Action, d.PolicyID)
	}

	e.RemovePolicy("pol_c")
	d = e.Evaluate(usdcTx(10))
	if d.Action != ActionFlag || !d.Allowed {
		t.Errorf("got action %s (allowed=%v), want flag/allowed", d.Action, d.Allowed)
	}
}

func TestCombineTieKeepsLoadOrder(t *testing.T) {
	e := NewEngine()
	first := &SpendPolicy{ID: "pol_first", Name: "first", Enabled: true,
		Rules: []Rule{{ID: "r1", Enabled: true, Action: ActionDeny}}}
	second := &SpendPolicy{ID: "pol_second", Name: "second", Enabled: true,
		Rules: []Rule{{ID: "r2", Enabled: true, Action: ActionDeny}}}
	if err := e.LoadPolicy(first); err != nil {
		t.Fatal(err)
	}
	if err := e.LoadPolicy(second); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if d := e.Evaluate(usdcTx(10)); d.PolicyID != "pol_first" {
			t.Fatalf("tie broke to %s, want pol_first every time", d.PolicyID)
		}
	}
}

func TestNoPolicies(t *testing.T) {
	e := NewEngine()
	d := e.Evaluate(usdcTx(10))
	if !d.Allowed || d.Action != ActionAllow || d.Reason != "no policies" {
		t.Errorf("got %+v, want allow with reason \"no policies\"", d)
	}
}

func TestDisabledPolicySkipped(t *testing.T) {
	e := NewEngine()
	p := tieredPolicy(500)
	p.Enabled = false
	if err := e.LoadPolicy(p); err != nil {
		t.Fatal(err)
	}

	d := e.Evaluate(usdcTx(1500))
	if !d.Allowed || d.Reason != "no policies" {
		t.Errorf("disabled policy evaluated: %+v", d)
	}
}

func TestDisabledRuleSkipped(t *testing.T) {
	e := NewEngine()
	p := tieredPolicy(100000)
	p.Rules[0].Enabled = false // hard cap off
	if err := e.LoadPolicy(p); err != nil {
		t.Fatal(err)
	}

	d := e.Evaluate(usdcTx(1500))
	if d.Action != ActionRequireApproval {
		t.Errorf("got %s, want require_approval once the deny rule is disabled", d.Action)
	}
}

func TestRulePriorityStableOnTies(t *testing.T) {
	e := NewEngine()
	p := &SpendPolicy{
		ID: "pol_tie", Name: "tie", Enabled: true,
		Rules: []Rule{
			{ID: "declared-first", Enabled: true, Priority: 5, Action: ActionFlag},
			{ID: "declared-second", Enabled: true, Priority: 5, Action: ActionDeny},
		},
	}
	if err := e.LoadPolicy(p); err != nil {
		t.Fatal(err)
	}

	d := e.Evaluate(usdcTx(10))
	if d.RuleID != "declared-first" {
		t.Errorf("equal priority fired %q, want declaration order (declared-first)", d.RuleID)
	}
}

func TestNoMatchingRulesDefaultsAllow(t *testing.T) {
	e := NewEngine()
	p := &SpendPolicy{
		ID: "pol_narrow", Name: "narrow", Enabled: true,
		Rules: []Rule{{ID: "r1", Enabled: true, Action: ActionDeny,
			Conditions: Condition{Agents: []string{"someone-else"}}}},
	}
	if err := e.LoadPolicy(p); err != nil {
		t.Fatal(err)
	}

	d := e.Evaluate(usdcTx(10))
	if !d.Allowed || d.Reason != "no matching rules" {
		t.Errorf("got %+v, want default allow with reason \"no matching rules\"", d)
	}
}

// ============================================================================
// Condition matching
// ============================================================================

func TestConditionGlobAndExact(t *testing.T) {
	e := NewEngine()
	p := &SpendPolicy{
		ID: "pol_scoped", Name: "scoped", Enabled: true,
		Rules: []Rule{{ID: "r1", Enabled: true, Action: ActionDeny,
			Conditions: Condition{
				Agents:     []string{"trading-*"},
				Recipients: []string{"*.exchange.example"},
				Currencies: []string{"USDC"},
			}}},
	}
	if err := e.LoadPolicy(p); err != nil {
		t.Fatal(err)
	}

	tx := usdcTx(10)
	tx.AgentID = "trading-bot-7"
	tx.Recipient = "api.exchange.example"
	if d := e.Evaluate(tx); d.Allowed {
		t.Error("glob-matched agent and recipient should hit the deny rule")
	}

	tx.AgentID = "research-bot"
	if d := e.Evaluate(tx); !d.Allowed {
		t.Errorf("non-matching agent should fall through to allow, got: %s", d.Reason)
	}

	tx.AgentID = "trading-bot-7"
	tx.Currency = "ETH" // exact currency match required
	if d := e.Evaluate(tx); !d.Allowed {
		t.Errorf("other currency should fall through to allow, got: %s", d.Reason)
	}
}

func TestConditionMetadataAllPairsRequired(t *testing.T) {
	e := NewEngine()
	p := &SpendPolicy{
		ID: "pol_meta", Name: "meta", Enabled: true,
		Rules: []Rule{{ID: "r1", Enabled: true, Action: ActionDeny,
			Conditions: Condition{Metadata: map[string]string{"env": "prod", "team": "ops"}}}},
	}
	if err := e.LoadPolicy(p); err != nil {
		t.Fatal(err)
	}

	tx := usdcTx(10)
	tx.Metadata = map[string]string{"env": "prod", "team": "ops", "extra": "ok"}
	if d := e.Evaluate(tx); d.Allowed {
		t.Error("all condition pairs present should match the deny rule")
	}

	tx.Metadata = map[string]string{"env": "prod"}
	if d := e.Evaluate(tx); !d.Allowed {
		t.Error("missing metadata key should fail the match")
	}

	tx.Metadata = map[string]string{"env": "prod", "team": "eng"}
	if d := e.Evaluate(tx); !d.Allowed {
		t.Error("differing metadata value should fail the match")
	}
}

func TestConditionAmountBoundsInclusive(t *testing.T) {
	e := NewEngine()
	p := &SpendPolicy{
		ID: "pol_band", Name: "band", Enabled: true,
		Rules: []Rule{{ID: "r1", Enabled: true, Action: ActionDeny,
			Conditions: Condition{MinAmount: f64(100), MaxAmount: f64(200)}}},
	}
	if err := e.LoadPolicy(p); err != nil {
		t.Fatal(err)
	}

	for _, amount := range []float64{100, 150, 200} {
		if d := e.Evaluate(usdcTx(amount)); d.Allowed {
			t.Errorf("amount %v inside inclusive bounds should deny", amount)
		}
	}
	for _, amount := range []float64{99.99, 200.01} {
		if d := e.Evaluate(usdcTx(amount)); !d.Allowed {
			t.Errorf("amount %v outside bounds should fall through, got deny", amount)
		}
	}
}

func TestEmptyConditionMatchesEverything(t *testing.T) {
	e := NewEngine()
	p := &SpendPolicy{
		ID: "pol_all", Name: "all", Enabled: true,
		Rules: []Rule{{ID: "r1", Enabled: true, Action: ActionFlag}},
	}
	if err := e.LoadPolicy(p); err != nil {
		t.Fatal(err)
	}

	tx := usdcTx(10)
	tx.Metadata = map[string]string{"anything": "goes"}
	if d := e.Evaluate(tx); d.Action != ActionFlag {
		t.Errorf("empty condition set should match every transaction, got %s", d.Action)
	}
}

// ============================================================================
// Buckets and recording
// ============================================================================

func TestEvaluateNeverMutatesBuckets(t *testing.T) {
	e := NewEngine()
	if err := e.LoadPolicy(tieredPolicy(100)); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		e.Evaluate(usdcTx(1500)) // denied
		e.Evaluate(usdcTx(10))   // allowed
	}

	s := e.CurrentSpend("pol_tiered", BudgetLimit{Window: WindowDaily, MaxAmount: 100, Currency: "USDC"}, time.Time{})
	if s.Amount != 0 || s.Count != 0 {
		t.Errorf("evaluate mutated buckets: %+v", s)
	}
}

func TestRecordTransactionScoping(t *testing.T) {
	e := NewEngine()
	p := &SpendPolicy{
		ID: "pol_scope", Name: "scoping", Enabled: true,
		Budgets: []BudgetLimit{
			{Window: WindowDaily, MaxAmount: 1000, Currency: "USDC"},
			{Window: WindowDaily, MaxAmount: 1000, Currency: "ETH"},
			{Window: WindowDaily, MaxAmount: 1000, AgentIDs: []string{"agent-other"}},
		},
	}
	if err := e.LoadPolicy(p); err != nil {
		t.Fatal(err)
	}

	e.RecordTransaction(usdcTx(40)) // agent-1, USDC

	if s := e.CurrentSpend("pol_scope", p.Budgets[0], time.Time{}); s.Amount != 40 || s.Count != 1 {
		t.Errorf("USDC bucket = %+v, want amount 40 count 1", s)
	}
	if s := e.CurrentSpend("pol_scope", p.Budgets[1], time.Time{}); s.Amount != 0 {
		t.Errorf("ETH bucket should be untouched, got %+v", s)
	}
	if s := e.CurrentSpend("pol_scope", p.Budgets[2], time.Time{}); s.Amount != 0 {
		t.Errorf("other agent's bucket should be untouched, got %+v", s)
	}
}

func TestRecordSkipsDisabledPolicies(t *testing.T) {
	e := NewEngine()
	p := tieredPolicy(100)
	p.Enabled = false
	if err := e.LoadPolicy(p); err != nil {
		t.Fatal(err)
	}

	e.RecordTransaction(usdcTx(40))

	if s := e.CurrentSpend("pol_tiered", p.Budgets[0], time.Time{}); s.Amount != 0 {
		t.Errorf("disabled policy's bucket grew: %+v", s)
	}
}

func TestWindowRollover(t *testing.T) {
	e := NewEngine()
	base := time.Date(2026, 3, 11, 23, 30, 0, 0, time.UTC)
	current := base
	e.now = func() time.Time { return current }

	if err := e.LoadPolicy(tieredPolicy(100)); err != nil {
		t.Fatal(err)
	}

	e.RecordTransaction(usdcTx(80))

	// Still the same UTC day: budget is nearly spent.
	if d := e.Evaluate(usdcTx(30)); d.Allowed {
		t.Error("same window should count earlier spend")
	}

	// Past midnight the daily bucket is fresh.
	current = base.Add(time.Hour)
	if d := e.Evaluate(usdcTx(30)); !d.Allowed {
		t.Errorf("new day should start a fresh bucket, got: %s", d.Reason)
	}
}

func TestReset(t *testing.T) {
	e := NewEngine()
	if err := e.LoadPolicy(tieredPolicy(100)); err != nil {
		t.Fatal(err)
	}

	e.RecordTransaction(usdcTx(80))
	if d := e.Evaluate(usdcTx(30)); d.Allowed {
		t.Fatal("precondition: budget should be exhausted")
	}

	e.Reset()

	if d := e.Evaluate(usdcTx(30)); !d.Allowed {
		t.Errorf("reset should clear buckets, got: %s", d.Reason)
	}
	if got := len(e.Policies()); got != 1 {
		t.Errorf("reset dropped policies: have %d, want 1", got)
	}
	if s := e.CurrentSpend("pol_tiered", BudgetLimit{Window: WindowDaily, MaxAmount: 100, Currency: "USDC"}, time.Time{}); s.Amount != 0 {
		t.Errorf("bucket survived reset: %+v", s)
	}
}

// ============================================================================
// Policy management
// ============================================================================

func TestLoadPolicyValidates(t *testing.T) {
	e := NewEngine()
	if err := e.LoadPolicy(&SpendPolicy{Name: "no-id"}); err == nil {
		t.Error("expected error for missing id")
	}
	if err := e.LoadPolicy(&SpendPolicy{ID: "pol_x", Name: "bad-window", Enabled: true,
		Budgets: []BudgetLimit{{Window: "fortnightly", MaxAmount: 10}}}); err == nil {
		t.Error("expected error for unknown window")
	}
}

func TestLoadPolicyReplacesInPlace(t *testing.T) {
	e := NewEngine()
	if err := e.LoadPolicy(&SpendPolicy{ID: "pol_a", Name: "a", Enabled: true,
		Rules: []Rule{{ID: "r1", Enabled: true, Action: ActionDeny}}}); err != nil {
		t.Fatal(err)
	}
	if err := e.LoadPolicy(&SpendPolicy{ID: "pol_b", Name: "b", Enabled: true,
		Rules: []Rule{{ID: "r2", Enabled: true, Action: ActionDeny}}}); err != nil {
		t.Fatal(err)
	}

	// Replace pol_a with an allow-only version; it must stay first in order.
	if err := e.LoadPolicy(&SpendPolicy{ID: "pol_a", Name: "a", Enabled: true,
		Rules: []Rule{{ID: "r1", Enabled: true, Action: ActionAllow}}}); err != nil {
		t.Fatal(err)
	}

	ps := e.Policies()
	if len(ps) != 2 || ps[0].ID != "pol_a" || ps[1].ID != "pol_b" {
		t.Fatalf("order after replace: %v", []string{ps[0].ID, ps[1].ID})
	}
	if ps[0].Rules[0].Action != ActionAllow {
		t.Error("replace did not take effect")
	}
}

func TestLoadedPolicyIsIsolated(t *testing.T) {
	e := NewEngine()
	p := tieredPolicy(500)
	if err := e.LoadPolicy(p); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's copy must not affect the engine.
	p.Rules[0].Enabled = false
	p.Budgets[0].MaxAmount = 1

	d := e.Evaluate(usdcTx(1500))
	if d.Action != ActionDeny {
		t.Errorf("engine saw caller-side mutation: %s", d.Action)
	}
	if d := e.Evaluate(usdcTx(10)); !d.Allowed {
		t.Errorf("engine saw caller-side budget mutation: %s", d.Reason)
	}
}

func TestRemovePolicy(t *testing.T) {
	e := NewEngine()
	if err := e.LoadPolicy(tieredPolicy(500)); err != nil {
		t.Fatal(err)
	}

	if !e.RemovePolicy("pol_tiered") {
		t.Error("RemovePolicy returned false for a loaded policy")
	}
	if e.RemovePolicy("pol_tiered") {
		t.Error("RemovePolicy returned true for an unloaded policy")
	}
	if _, err := e.Policy("pol_tiered"); err != ErrPolicyNotFound {
		t.Errorf("Policy after remove: %v, want ErrPolicyNotFound", err)
	}
}

// ============================================================================
// Per-transaction windows
// ============================================================================

func TestPerTransactionWindow(t *testing.T) {
	e := NewEngine()
	p := &SpendPolicy{
		ID: "pol_pt", Name: "per-tx", Enabled: true,
		Budgets: []BudgetLimit{{Window: WindowPerTransaction, MaxAmount: 50, Currency: "USDC"}},
	}
	if err := e.LoadPolicy(p); err != nil {
		t.Fatal(err)
	}

	// Each evaluation stands alone: recorded history never counts against it.
	e.RecordTransaction(usdcTx(40))
	e.RecordTransaction(usdcTx(40))

	if d := e.Evaluate(usdcTx(50)); !d.Allowed {
		t.Errorf("per-transaction window: amount at limit should pass, got: %s", d.Reason)
	}
	if d := e.Evaluate(usdcTx(50.01)); d.Allowed {
		t.Error("per-transaction window: amount above limit should deny")
	}
}
