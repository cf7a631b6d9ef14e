// Package policy decides whether agent payments may proceed.
//
// A SpendPolicy is a named, ordered set of rules plus budget limits and an
// optional per-agent cooldown. The Engine evaluates transactions against
// every enabled policy and returns the most restrictive decision. Budget
// buckets only move when the caller records a transaction, so a payment that
// never settles never consumes budget.
package policy

import (
	"errors"
	"fmt"

	"github.com/mbd888/paysentinel/internal/glob"
	"github.com/mbd888/paysentinel/internal/payment"
)

// Errors
var (
	ErrPolicyNotFound = errors.New("policy: not found")
	ErrNameTaken      = errors.New("policy: name already exists")
)

// Action is the verdict a rule can attach to a matching transaction.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionFlag            Action = "flag"
	ActionRequireApproval Action = "require_approval"
	ActionDeny            Action = "deny"
)

// severityRank orders actions from most to least restrictive. When several
// policies disagree, the lowest rank wins.
var severityRank = map[Action]int{
	ActionDeny:            0,
	ActionRequireApproval: 1,
	ActionFlag:            2,
	ActionAllow:           3,
}

// Valid reports whether a is one of the four known actions.
func (a Action) Valid() bool {
	_, ok := severityRank[a]
	return ok
}

// Permits reports whether the action lets the payment proceed without
// intervention.
func (a Action) Permits() bool {
	return a == ActionAllow || a == ActionFlag
}

// Window identifies the time bucket a budget limit applies to.
type Window string

const (
	WindowPerTransaction Window = "per_transaction"
	WindowHourly         Window = "hourly"
	WindowDaily          Window = "daily"
	WindowWeekly         Window = "weekly"
	WindowMonthly        Window = "monthly"
)

// Valid reports whether w is a known budget window.
func (w Window) Valid() bool {
	switch w {
	case WindowPerTransaction, WindowHourly, WindowDaily, WindowWeekly, WindowMonthly:
		return true
	}
	return false
}

// Condition is the AND of its present fields. An empty condition matches
// every transaction.
type Condition struct {
	Agents     []string          `json:"agents,omitempty"`     // glob patterns
	Recipients []string          `json:"recipients,omitempty"` // glob patterns
	Services   []string          `json:"services,omitempty"`   // exact
	Protocols  []string          `json:"protocols,omitempty"`  // exact
	MinAmount  *float64          `json:"minAmount,omitempty"`  // inclusive
	MaxAmount  *float64          `json:"maxAmount,omitempty"`  // inclusive
	Currencies []string          `json:"currencies,omitempty"` // exact
	Metadata   map[string]string `json:"metadata,omitempty"`   // all pairs must match
}

// Matches reports whether the transaction satisfies every present field.
func (c *Condition) Matches(tx *payment.Transaction) bool {
	if len(c.Agents) > 0 && !glob.MatchAny(tx.AgentID, c.Agents) {
		return false
	}
	if len(c.Recipients) > 0 && !glob.MatchAny(tx.Recipient, c.Recipients) {
		return false
	}
	if len(c.Services) > 0 && !containsString(c.Services, tx.ServiceID) {
		return false
	}
	if len(c.Protocols) > 0 && !containsString(c.Protocols, string(tx.Protocol)) {
		return false
	}
	if c.MinAmount != nil && tx.Amount < *c.MinAmount {
		return false
	}
	if c.MaxAmount != nil && tx.Amount > *c.MaxAmount {
		return false
	}
	if len(c.Currencies) > 0 && !containsString(c.Currencies, tx.Currency) {
		return false
	}
	for k, want := range c.Metadata {
		if got, ok := tx.Metadata[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// Rule is a single constraint within a policy. Lower priority evaluates
// earlier; ties keep declaration order.
type Rule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Priority    int       `json:"priority"`
	Conditions  Condition `json:"conditions"`
	Action      Action    `json:"action"`
}

// BudgetLimit caps spend within a window, optionally scoped to a currency
// and to sets of agents and services.
type BudgetLimit struct {
	Window     Window   `json:"window"`
	MaxAmount  float64  `json:"maxAmount"`
	Currency   string   `json:"currency,omitempty"`
	AgentIDs   []string `json:"agentIds,omitempty"`
	ServiceIDs []string `json:"serviceIds,omitempty"`
}

// appliesTo reports whether the transaction falls under this budget's scope.
func (b *BudgetLimit) appliesTo(tx *payment.Transaction) bool {
	if b.Currency != "" && b.Currency != tx.Currency {
		return false
	}
	if len(b.AgentIDs) > 0 && !containsString(b.AgentIDs, tx.AgentID) {
		return false
	}
	if len(b.ServiceIDs) > 0 && !containsString(b.ServiceIDs, tx.ServiceID) {
		return false
	}
	return true
}

// SpendPolicy is a named, ordered set of rules with optional budgets and a
// per-agent cooldown.
type SpendPolicy struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Enabled    bool          `json:"enabled"`
	Rules      []Rule        `json:"rules"`
	Budgets    []BudgetLimit `json:"budgets,omitempty"`
	CooldownMs int64         `json:"cooldownMs,omitempty"`
	CreatedAt  string        `json:"createdAt,omitempty"`
	UpdatedAt  string        `json:"updatedAt,omitempty"`
}

// Clone deep-copies the policy so callers cannot mutate engine state.
func (p *SpendPolicy) Clone() *SpendPolicy {
	cp := *p
	cp.Rules = make([]Rule, len(p.Rules))
	copy(cp.Rules, p.Rules)
	for i := range cp.Rules {
		cp.Rules[i].Conditions = cloneCondition(p.Rules[i].Conditions)
	}
	cp.Budgets = make([]BudgetLimit, len(p.Budgets))
	copy(cp.Budgets, p.Budgets)
	for i := range cp.Budgets {
		cp.Budgets[i].AgentIDs = append([]string(nil), p.Budgets[i].AgentIDs...)
		cp.Budgets[i].ServiceIDs = append([]string(nil), p.Budgets[i].ServiceIDs...)
	}
	return &cp
}

func cloneCondition(c Condition) Condition {
	cp := c
	cp.Agents = append([]string(nil), c.Agents...)
	cp.Recipients = append([]string(nil), c.Recipients...)
	cp.Services = append([]string(nil), c.Services...)
	cp.Protocols = append([]string(nil), c.Protocols...)
	cp.Currencies = append([]string(nil), c.Currencies...)
	if c.MinAmount != nil {
		v := *c.MinAmount
		cp.MinAmount = &v
	}
	if c.MaxAmount != nil {
		v := *c.MaxAmount
		cp.MaxAmount = &v
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// Validate checks the policy's shape before it is loaded or persisted.
func (p *SpendPolicy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy: id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("policy %s: name is required", p.ID)
	}
	for i, r := range p.Rules {
		if r.ID == "" {
			return fmt.Errorf("policy %s: rule[%d]: id is required", p.ID, i)
		}
		if !r.Action.Valid() {
			return fmt.Errorf("policy %s: rule[%d]: unknown action %q", p.ID, i, r.Action)
		}
		if r.Conditions.MinAmount != nil && r.Conditions.MaxAmount != nil &&
			*r.Conditions.MinAmount > *r.Conditions.MaxAmount {
			return fmt.Errorf("policy %s: rule[%d]: minAmount exceeds maxAmount", p.ID, i)
		}
	}
	for i, b := range p.Budgets {
		if !b.Window.Valid() {
			return fmt.Errorf("policy %s: budget[%d]: unknown window %q", p.ID, i, b.Window)
		}
		if b.MaxAmount <= 0 {
			return fmt.Errorf("policy %s: budget[%d]: maxAmount must be positive", p.ID, i)
		}
	}
	if p.CooldownMs < 0 {
		return fmt.Errorf("policy %s: cooldownMs must not be negative", p.ID)
	}
	return nil
}

// Decision is the engine's verdict for one transaction.
type Decision struct {
	Allowed    bool           `json:"allowed"`
	Action     Action         `json:"action"`
	Reason     string         `json:"reason"`
	PolicyID   string         `json:"policyId,omitempty"`
	PolicyName string         `json:"policyName,omitempty"`
	RuleID     string         `json:"ruleId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
