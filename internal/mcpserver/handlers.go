package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SentinelClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SentinelClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckPayment runs a proposed payment through the policy engine.
func (h *Handlers) HandleCheckPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recipient := req.GetString("recipient", "")
	if recipient == "" {
		return mcp.NewToolResultError("recipient is required"), nil
	}
	amount, errResult := parseAmountArg(req.GetString("amount", ""))
	if errResult != nil {
		return errResult, nil
	}
	agentID := req.GetString("agent_id", h.client.cfg.AgentID)
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required (no default agent configured)"), nil
	}

	input := map[string]any{
		"agentId":   agentID,
		"recipient": recipient,
		"amount":    amount,
		"currency":  req.GetString("currency", "USDC"),
	}
	if v := req.GetString("purpose", ""); v != "" {
		input["purpose"] = v
	}
	if v := req.GetString("service_id", ""); v != "" {
		input["serviceId"] = v
	}

	raw, err := h.client.EvaluatePayment(ctx, input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Policy check failed: %v", err)), nil
	}

	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetSpending shows spend against each budget window of a policy.
func (h *Handlers) HandleGetSpending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	policyID := req.GetString("policy_id", "")
	if policyID == "" {
		return mcp.NewToolResultError("policy_id is required"), nil
	}

	raw, err := h.client.GetPolicySpend(ctx, policyID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get spending: %v", err)), nil
	}

	text, err := formatPolicySpend(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse spending: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleSpendingSummary returns the ledger-wide or per-agent summary.
func (h *Handlers) HandleSpendingSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	since := req.GetString("since", "")

	var (
		raw json.RawMessage
		err error
	)
	if agentID != "" {
		raw, err = h.client.GetAgentSummary(ctx, agentID, since)
	} else {
		raw, err = h.client.GetSummary(ctx, since)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get summary: %v", err)), nil
	}

	text, err := formatSummary(raw, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse summary: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListAlerts lists recent alerts, most recent first.
func (h *Handlers) HandleListAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 10)

	raw, err := h.client.ListAlerts(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list alerts: %v", err)), nil
	}

	text, err := formatAlerts(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse alerts: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleTracePayment returns the ledger record plus the provenance chain.
func (h *Handlers) HandleTracePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txID := req.GetString("transaction_id", "")
	if txID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	txRaw, err := h.client.GetTransaction(ctx, txID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load transaction: %v", err)), nil
	}

	var sb strings.Builder
	if err := writeTransaction(&sb, txRaw); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}

	// The chain is best effort: a payment recorded out of band has a ledger
	// row but no provenance.
	provRaw, provErr := h.client.GetProvenance(ctx, txID)
	if provErr != nil {
		sb.WriteString("\nProvenance: no records available\n")
	} else if err := writeProvenance(&sb, provRaw); err != nil {
		sb.WriteString("\nProvenance: failed to parse records\n")
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleFileDispute opens a dispute against a ledger transaction.
func (h *Handlers) HandleFileDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txID := req.GetString("transaction_id", "")
	if txID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	// Default to disputing the full payment amount.
	requested := 0.0
	if rawAmount := req.GetString("requested_amount", ""); rawAmount != "" {
		v, errResult := parseAmountArg(rawAmount)
		if errResult != nil {
			return errResult, nil
		}
		requested = v
	} else {
		txRaw, err := h.client.GetTransaction(ctx, txID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load transaction: %v", err)), nil
		}
		tx, err := parseTransaction(txRaw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
		}
		requested = tx.Amount
	}

	raw, err := h.client.FileDispute(ctx, txID, h.client.cfg.AgentID, reason, requested)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to file dispute: %v", err)), nil
	}

	var resp struct {
		Dispute struct {
			ID              string  `json:"id"`
			Status          string  `json:"status"`
			RequestedAmount float64 `json:"requestedAmount"`
			Currency        string  `json:"currency"`
		} `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Dispute.ID == "" {
		return mcp.NewToolResultError("Failed to parse dispute response"), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute %s filed against payment %s.\n"+
			"Requested: %s %s\n"+
			"Status: %s\n"+
			"Reason: %s\n\n"+
			"The payment's provenance chain has been frozen as evidence.",
		resp.Dispute.ID, txID,
		formatAmount(resp.Dispute.RequestedAmount), orDefault(resp.Dispute.Currency, "USDC"),
		resp.Dispute.Status, reason)), nil
}

// HandleRecordPayment records an out-of-band payment in the spend ledger.
func (h *Handlers) HandleRecordPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recipient := req.GetString("recipient", "")
	if recipient == "" {
		return mcp.NewToolResultError("recipient is required"), nil
	}
	amount, errResult := parseAmountArg(req.GetString("amount", ""))
	if errResult != nil {
		return errResult, nil
	}
	agentID := req.GetString("agent_id", h.client.cfg.AgentID)
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required (no default agent configured)"), nil
	}

	currency := req.GetString("currency", "USDC")
	input := map[string]any{
		"agentId":   agentID,
		"recipient": recipient,
		"amount":    amount,
		"currency":  currency,
	}
	if v := req.GetString("purpose", ""); v != "" {
		input["purpose"] = v
	}
	if v := req.GetString("service_id", ""); v != "" {
		input["serviceId"] = v
	}

	raw, err := h.client.RecordTransaction(ctx, input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record payment: %v", err)), nil
	}

	tx, err := parseTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Recorded payment %s: %s %s from %s to %s.\n"+
			"Status: %s\n\n"+
			"Budgets, analytics, and alert rules now see this payment.",
		tx.ID, formatAmount(tx.Amount), tx.Currency, tx.AgentID, tx.Recipient, tx.Status)), nil
}

// HandleListBreakers shows circuit breaker state per dependency key.
func (h *Handlers) HandleListBreakers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListBreakers(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list breakers: %v", err)), nil
	}

	text, err := formatBreakers(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse breakers: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

// parseAmountArg turns a tool amount string into a positive float, or an
// error result suitable for returning straight to the model.
func parseAmountArg(raw string) (float64, *mcp.CallToolResult) {
	if raw == "" {
		return 0, mcp.NewToolResultError("amount is required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, mcp.NewToolResultError(fmt.Sprintf("amount must be a positive number, got %q", raw))
	}
	return v, nil
}

func formatDecision(raw json.RawMessage) (string, error) {
	var resp struct {
		Decision struct {
			Allowed    bool           `json:"allowed"`
			Action     string         `json:"action"`
			Reason     string         `json:"reason"`
			PolicyID   string         `json:"policyId"`
			PolicyName string         `json:"policyName"`
			RuleID     string         `json:"ruleId"`
			Details    map[string]any `json:"details"`
		} `json:"decision"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	d := resp.Decision
	if d.Action == "" {
		return "", fmt.Errorf("unexpected decision response format")
	}

	var sb strings.Builder
	if d.Allowed {
		sb.WriteString("Decision: ALLOWED")
	} else {
		sb.WriteString("Decision: BLOCKED")
	}
	fmt.Fprintf(&sb, " (%s)\n", d.Action)
	fmt.Fprintf(&sb, "Reason: %s\n", d.Reason)
	if d.PolicyName != "" {
		fmt.Fprintf(&sb, "Policy: %s (%s)\n", d.PolicyName, d.PolicyID)
	}
	switch d.Action {
	case "require_approval":
		sb.WriteString("\nThis payment needs explicit approval before it can proceed.")
	case "flag":
		sb.WriteString("\nThe payment may proceed but will be flagged for review.")
	case "deny":
		sb.WriteString("\nDo not attempt this payment; it will be rejected.")
	}
	return sb.String(), nil
}

func formatPolicySpend(raw json.RawMessage) (string, error) {
	var resp struct {
		PolicyID string `json:"policyId"`
		Name     string `json:"name"`
		Budgets  []struct {
			Window    string  `json:"window"`
			MaxAmount float64 `json:"maxAmount"`
			Currency  string  `json:"currency"`
			Amount    float64 `json:"amount"`
			Count     int     `json:"count"`
			Remaining float64 `json:"remaining"`
		} `json:"budgets"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	if resp.Name != "" {
		fmt.Fprintf(&sb, "Policy: %s (%s)\n", resp.Name, resp.PolicyID)
	} else {
		fmt.Fprintf(&sb, "Policy: %s\n", resp.PolicyID)
	}
	if len(resp.Budgets) == 0 {
		sb.WriteString("No budget limits configured.\n")
		return sb.String(), nil
	}
	for _, b := range resp.Budgets {
		currency := orDefault(b.Currency, "all currencies")
		fmt.Fprintf(&sb, "  %s: %s/%s %s spent (%s remaining, %d payment(s))\n",
			b.Window,
			formatAmount(b.Amount), formatAmount(b.MaxAmount), currency,
			formatAmount(b.Remaining), b.Count)
	}
	return sb.String(), nil
}

func formatSummary(raw json.RawMessage, agentID string) (string, error) {
	var s struct {
		Transactions    int                `json:"transactions"`
		SpendByCurrency map[string]float64 `json:"spendByCurrency"`
		CountByStatus   map[string]int     `json:"countByStatus"`
		SpendByService  map[string]float64 `json:"spendByService"`
		TopRecipients   []struct {
			Recipient string  `json:"recipient"`
			Amount    float64 `json:"amount"`
			Count     int     `json:"count"`
		} `json:"topRecipients"`
		Services      []string `json:"services"`
		LargestAmount float64  `json:"largestAmount"`
		FirstSeen     string   `json:"firstSeen"`
		LastSeen      string   `json:"lastSeen"`
		Since         string   `json:"since"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}

	var sb strings.Builder
	if agentID != "" {
		fmt.Fprintf(&sb, "Spending summary for agent %s", agentID)
	} else {
		sb.WriteString("Spending summary")
	}
	if s.Since != "" {
		fmt.Fprintf(&sb, " (since %s)", s.Since)
	}
	sb.WriteString(":\n")
	fmt.Fprintf(&sb, "  Payments: %d\n", s.Transactions)
	for _, currency := range slices.Sorted(maps.Keys(s.SpendByCurrency)) {
		fmt.Fprintf(&sb, "  Spend: %s %s\n", formatAmount(s.SpendByCurrency[currency]), currency)
	}
	if len(s.CountByStatus) > 0 {
		parts := make([]string, 0, len(s.CountByStatus))
		for _, status := range slices.Sorted(maps.Keys(s.CountByStatus)) {
			parts = append(parts, fmt.Sprintf("%s %d", status, s.CountByStatus[status]))
		}
		fmt.Fprintf(&sb, "  By status: %s\n", strings.Join(parts, ", "))
	}
	if s.LargestAmount > 0 {
		fmt.Fprintf(&sb, "  Largest payment: %s\n", formatAmount(s.LargestAmount))
	}
	if s.LastSeen != "" {
		fmt.Fprintf(&sb, "  Last activity: %s\n", s.LastSeen)
	}
	if len(s.TopRecipients) > 0 {
		sb.WriteString("  Top recipients:\n")
		for _, r := range s.TopRecipients {
			fmt.Fprintf(&sb, "    %s: %s (%d payment(s))\n", r.Recipient, formatAmount(r.Amount), r.Count)
		}
	}
	if s.Transactions == 0 {
		sb.WriteString("  No payments recorded.\n")
	}
	return sb.String(), nil
}

func formatAlerts(raw json.RawMessage) (string, error) {
	var resp struct {
		Alerts []struct {
			Type          string `json:"type"`
			Severity      string `json:"severity"`
			Message       string `json:"message"`
			TransactionID string `json:"transactionId"`
			AgentID       string `json:"agentId"`
			Timestamp     string `json:"timestamp"`
		} `json:"alerts"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Alerts) == 0 {
		return "No alerts fired.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d alert(s), most recent first:\n\n", len(resp.Alerts))
	for i, a := range resp.Alerts {
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, strings.ToUpper(a.Severity), a.Message)
		fmt.Fprintf(&sb, "   Type: %s | Agent: %s\n", a.Type, a.AgentID)
		if a.TransactionID != "" {
			fmt.Fprintf(&sb, "   Payment: %s\n", a.TransactionID)
		}
		if a.Timestamp != "" {
			fmt.Fprintf(&sb, "   At: %s\n", a.Timestamp)
		}
		if i < len(resp.Alerts)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

// parsedTransaction is the slice of the ledger record the tools surface.
type parsedTransaction struct {
	ID           string  `json:"id"`
	AgentID      string  `json:"agentId"`
	Recipient    string  `json:"recipient"`
	Amount       float64 `json:"amount"`
	Currency     string  `json:"currency"`
	Purpose      string  `json:"purpose"`
	Protocol     string  `json:"protocol"`
	Status       string  `json:"status"`
	ServiceID    string  `json:"serviceId"`
	CreatedAt    string  `json:"createdAt"`
	ProtocolTxID string  `json:"protocolTxId"`
}

func parseTransaction(raw json.RawMessage) (*parsedTransaction, error) {
	var resp struct {
		Transaction *parsedTransaction `json:"transaction"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Transaction == nil {
		return nil, fmt.Errorf("unexpected transaction response format")
	}
	return resp.Transaction, nil
}

func writeTransaction(sb *strings.Builder, raw json.RawMessage) error {
	tx, err := parseTransaction(raw)
	if err != nil {
		return err
	}

	fmt.Fprintf(sb, "Payment %s:\n", tx.ID)
	fmt.Fprintf(sb, "  %s %s from %s to %s\n", formatAmount(tx.Amount), tx.Currency, tx.AgentID, tx.Recipient)
	fmt.Fprintf(sb, "  Status: %s | Protocol: %s\n", tx.Status, tx.Protocol)
	if tx.Purpose != "" {
		fmt.Fprintf(sb, "  Purpose: %s\n", tx.Purpose)
	}
	if tx.ProtocolTxID != "" {
		fmt.Fprintf(sb, "  Settled as: %s\n", tx.ProtocolTxID)
	}
	fmt.Fprintf(sb, "  Created: %s\n", tx.CreatedAt)
	return nil
}

func writeProvenance(sb *strings.Builder, raw json.RawMessage) error {
	var resp struct {
		Records []struct {
			Stage     string `json:"stage"`
			Action    string `json:"action"`
			Outcome   string `json:"outcome"`
			Timestamp string `json:"timestamp"`
		} `json:"records"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}

	fmt.Fprintf(sb, "\nProvenance (%d record(s)):\n", len(resp.Records))
	for i, r := range resp.Records {
		fmt.Fprintf(sb, "  %d. [%s] %s", i+1, r.Stage, r.Action)
		if r.Outcome != "" {
			fmt.Fprintf(sb, " (%s)", r.Outcome)
		}
		if r.Timestamp != "" {
			fmt.Fprintf(sb, " at %s", r.Timestamp)
		}
		sb.WriteString("\n")
	}
	return nil
}

func formatBreakers(raw json.RawMessage) (string, error) {
	var resp struct {
		Breakers map[string]struct {
			State       string `json:"state"`
			Failures    int    `json:"failures"`
			RemainingMs int64  `json:"remainingMs"`
		} `json:"breakers"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Breakers) == 0 {
		return "No circuit breakers tracked yet; no dependency has failed.", nil
	}

	keys := slices.Sorted(maps.Keys(resp.Breakers))

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d circuit breaker(s):\n", len(keys))
	for _, k := range keys {
		b := resp.Breakers[k]
		fmt.Fprintf(&sb, "  %s: %s", k, b.State)
		if b.Failures > 0 {
			fmt.Fprintf(&sb, " (%d failure(s)", b.Failures)
			if b.RemainingMs > 0 {
				fmt.Fprintf(&sb, ", retry in %dms", b.RemainingMs)
			}
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
