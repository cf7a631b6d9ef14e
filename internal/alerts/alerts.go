// Package alerts watches recorded transactions for suspicious spend.
//
// Rules are evaluated against the spend ledger after each transaction.
// Fired alerts fan out to registered handlers (websocket hub, webhook
// sink, log); a failing handler never blocks the others.
package alerts

import (
	"encoding/json"
	"fmt"
)

// Severity classifies how urgent an alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// RuleType identifies the detection a rule performs.
type RuleType string

const (
	RuleBudgetThreshold  RuleType = "budget_threshold"
	RuleLargeTransaction RuleType = "large_transaction"
	RuleRateSpike        RuleType = "rate_spike"
	RuleNewRecipient     RuleType = "new_recipient"
	RuleAnomaly          RuleType = "anomaly"
)

// Rule is a single registered detection. Params holds the type-specific
// parameters as raw JSON; Validate decodes and checks them.
type Rule struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      RuleType        `json:"type"`
	Severity  Severity        `json:"severity"`
	Enabled   bool            `json:"enabled"`
	Params    json.RawMessage `json:"params"`
	CreatedAt string          `json:"createdAt,omitempty"`
}

// BudgetThresholdParams configures a sliding-window spend alarm. The alert
// fires once projected spend reaches alertAtPercent of the threshold.
type BudgetThresholdParams struct {
	AgentID        string  `json:"agentId,omitempty"`
	Currency       string  `json:"currency"`
	WindowMs       int64   `json:"windowMs"`
	Threshold      float64 `json:"threshold"`
	AlertAtPercent float64 `json:"alertAtPercent"`
}

// LargeTransactionParams fires on any single transaction at or above the
// threshold.
type LargeTransactionParams struct {
	Currency  string  `json:"currency"`
	Threshold float64 `json:"threshold"`
}

// RateSpikeParams fires when an agent exceeds maxTransactions within the
// window.
type RateSpikeParams struct {
	AgentID         string `json:"agentId,omitempty"`
	MaxTransactions int    `json:"maxTransactions"`
	WindowMs        int64  `json:"windowMs"`
}

// NewRecipientParams fires the first time an agent (or anyone, when
// unscoped) pays a recipient not seen before.
type NewRecipientParams struct {
	AgentID string `json:"agentId,omitempty"`
}

// AnomalyParams fires when a transaction's amount sits more than
// stdDevThreshold population standard deviations above the historical mean.
type AnomalyParams struct {
	AgentID         string  `json:"agentId,omitempty"`
	StdDevThreshold float64 `json:"stdDevThreshold"`
	MinSampleSize   int     `json:"minSampleSize"`
}

// Validate checks the rule's shape and decodes its params.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("alerts: rule id is required")
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("alerts: rule %s: unknown severity %q", r.ID, r.Severity)
	}

	switch r.Type {
	case RuleBudgetThreshold:
		var p BudgetThresholdParams
		if err := json.Unmarshal(r.Params, &p); err != nil {
			return fmt.Errorf("alerts: rule %s budget_threshold: invalid params: %w", r.ID, err)
		}
		if p.Currency == "" {
			return fmt.Errorf("alerts: rule %s budget_threshold: currency is required", r.ID)
		}
		if p.WindowMs <= 0 {
			return fmt.Errorf("alerts: rule %s budget_threshold: windowMs must be positive", r.ID)
		}
		if p.Threshold <= 0 {
			return fmt.Errorf("alerts: rule %s budget_threshold: threshold must be positive", r.ID)
		}
		if p.AlertAtPercent <= 0 || p.AlertAtPercent > 1 {
			return fmt.Errorf("alerts: rule %s budget_threshold: alertAtPercent must be in (0, 1]", r.ID)
		}
	case RuleLargeTransaction:
		var p LargeTransactionParams
		if err := json.Unmarshal(r.Params, &p); err != nil {
			return fmt.Errorf("alerts: rule %s large_transaction: invalid params: %w", r.ID, err)
		}
		if p.Currency == "" {
			return fmt.Errorf("alerts: rule %s large_transaction: currency is required", r.ID)
		}
		if p.Threshold <= 0 {
			return fmt.Errorf("alerts: rule %s large_transaction: threshold must be positive", r.ID)
		}
	case RuleRateSpike:
		var p RateSpikeParams
		if err := json.Unmarshal(r.Params, &p); err != nil {
			return fmt.Errorf("alerts: rule %s rate_spike: invalid params: %w", r.ID, err)
		}
		if p.MaxTransactions <= 0 {
			return fmt.Errorf("alerts: rule %s rate_spike: maxTransactions must be positive", r.ID)
		}
		if p.WindowMs <= 0 {
			return fmt.Errorf("alerts: rule %s rate_spike: windowMs must be positive", r.ID)
		}
	case RuleNewRecipient:
		var p NewRecipientParams
		if err := json.Unmarshal(r.Params, &p); err != nil {
			return fmt.Errorf("alerts: rule %s new_recipient: invalid params: %w", r.ID, err)
		}
	case RuleAnomaly:
		var p AnomalyParams
		if err := json.Unmarshal(r.Params, &p); err != nil {
			return fmt.Errorf("alerts: rule %s anomaly: invalid params: %w", r.ID, err)
		}
		if p.StdDevThreshold <= 0 {
			return fmt.Errorf("alerts: rule %s anomaly: stdDevThreshold must be positive", r.ID)
		}
		if p.MinSampleSize <= 0 {
			return fmt.Errorf("alerts: rule %s anomaly: minSampleSize must be positive", r.ID)
		}
	default:
		return fmt.Errorf("alerts: rule %s: unknown rule type %q", r.ID, r.Type)
	}
	return nil
}

// Alert is one fired detection. Data always carries ruleId and ruleName
// plus type-specific context.
type Alert struct {
	ID            string         `json:"id"`
	Type          RuleType       `json:"type"`
	Severity      Severity       `json:"severity"`
	Message       string         `json:"message"`
	TransactionID string         `json:"transactionId"`
	AgentID       string         `json:"agentId"`
	Timestamp     string         `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
}

// Handler consumes fired alerts. Handlers may block; the evaluator calls
// them synchronously and recovers panics so one handler cannot take the
// others down.
type Handler func(Alert)
