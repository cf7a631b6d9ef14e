// Package guard gates HTTP routes on the policy engine. Each request
// proposes a payment; the middleware evaluates it, optionally asks an
// ApprovalHandler to confirm require_approval decisions, and either lets
// the request through with the transaction in the gin context or answers
// 403 with the blocking reason.
package guard

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paysentinel/internal/payment"
	"github.com/mbd888/paysentinel/internal/policy"
	"github.com/mbd888/paysentinel/internal/provenance"
)

// Context keys set on requests that pass the gate.
const (
	ContextTransaction = "guard_transaction"
	ContextDecision    = "guard_decision"
)

// AgentHeader names the caller's agent id.
const AgentHeader = "X-Agent-ID"

// ApprovalHandler confirms or rejects a payment the policy engine marked
// require_approval. It may block while a human or an upstream system
// decides.
type ApprovalHandler func(*payment.Transaction) bool

// Extractor derives the proposed payment from the request.
type Extractor func(c *gin.Context) (*payment.Transaction, error)

// Config wires the gate's collaborators.
type Config struct {
	// Engine evaluates every proposed payment. Required.
	Engine *policy.Engine
	// Extract derives the payment. Required; FixedPrice covers the
	// flat-rate case.
	Extract Extractor
	// Approval confirms require_approval decisions. Without it those
	// decisions block.
	Approval ApprovalHandler
	// Prov, when set, records intent, policy check, and approval stages.
	Prov *provenance.Log
	// OnDecision observes every evaluation, pass or block.
	OnDecision func(*payment.Transaction, *policy.Decision)

	Logger *slog.Logger
}

// FixedPrice is an Extractor charging every request the same amount. The
// agent comes from the X-Agent-ID header; the route path rides along as
// the service tag so policies can target it.
func FixedPrice(amount float64, currency, recipient, purpose string) Extractor {
	return func(c *gin.Context) (*payment.Transaction, error) {
		agent := c.GetHeader(AgentHeader)
		if agent == "" {
			agent = "anonymous"
		}
		return payment.New(payment.Input{
			AgentID:   agent,
			Recipient: recipient,
			Amount:    amount,
			Currency:  currency,
			Purpose:   purpose,
			Protocol:  payment.ProtocolCustom,
			ServiceID: c.FullPath(),
		})
	}
}

// Middleware builds the payment gate.
func Middleware(cfg Config) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		tx, err := cfg.Extract(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
			return
		}

		decision := cfg.Engine.Evaluate(tx)
		recordCheck(c, cfg, tx, decision)
		if cfg.OnDecision != nil {
			cfg.OnDecision(tx, decision)
		}

		switch {
		case decision.Allowed:
			if decision.Action == policy.ActionFlag {
				logger.Warn("flagged payment allowed",
					"transaction", tx.ID,
					"agent", tx.AgentID,
					"reason", decision.Reason)
			}

		case decision.Action == policy.ActionRequireApproval && cfg.Approval != nil:
			approved, err := askApproval(cfg.Approval, tx)
			if err != nil {
				logger.Error("approval handler panicked",
					"transaction", tx.ID,
					"error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal_error",
				})
				return
			}
			recordApproval(c, cfg, tx, approved)
			if !approved {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "Approval denied",
				})
				return
			}
			logger.Info("payment approved",
				"transaction", tx.ID,
				"agent", tx.AgentID,
				"amount", tx.Amount)

		default:
			// deny, or require_approval with nobody to ask.
			body := gin.H{
				"error":         blockCode(decision.Action),
				"message":       decision.Reason,
				"transactionId": tx.ID,
			}
			if len(decision.Details) > 0 {
				body["details"] = decision.Details
			}
			c.AbortWithStatusJSON(http.StatusForbidden, body)
			return
		}

		c.Set(ContextTransaction, tx)
		c.Set(ContextDecision, decision)
		c.Next()
	}
}

func blockCode(action policy.Action) string {
	if action == policy.ActionRequireApproval {
		return "approval_required"
	}
	return "payment_blocked"
}

// askApproval runs the handler behind a recover so a panicking approver
// degrades to an opaque 500 instead of taking the server down.
func askApproval(h ApprovalHandler, tx *payment.Transaction) (approved bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			approved = false
			err = fmt.Errorf("approval handler panic: %v", r)
		}
	}()
	return h(tx), nil
}

func recordCheck(c *gin.Context, cfg Config, tx *payment.Transaction, decision *policy.Decision) {
	if cfg.Prov == nil {
		return
	}
	ctx := c.Request.Context()
	if _, err := cfg.Prov.RecordIntent(ctx, tx); err != nil && cfg.Logger != nil {
		cfg.Logger.Error("intent provenance record failed", "transaction", tx.ID, "error", err)
	}
	outcome := provenance.OutcomePass
	if !decision.Allowed {
		outcome = provenance.OutcomeFail
	}
	details := map[string]any{
		"action": string(decision.Action),
		"reason": decision.Reason,
	}
	if decision.PolicyID != "" {
		details["policyId"] = decision.PolicyID
	}
	if _, err := cfg.Prov.RecordPolicyCheck(ctx, tx.ID, outcome, details); err != nil && cfg.Logger != nil {
		cfg.Logger.Error("policy provenance record failed", "transaction", tx.ID, "error", err)
	}
}

func recordApproval(c *gin.Context, cfg Config, tx *payment.Transaction, approved bool) {
	if cfg.Prov == nil {
		return
	}
	if _, err := cfg.Prov.RecordApproval(c.Request.Context(), tx.ID, approved, nil); err != nil && cfg.Logger != nil {
		cfg.Logger.Error("approval provenance record failed", "transaction", tx.ID, "error", err)
	}
}

// TransactionFrom returns the gated payment stored on the context.
func TransactionFrom(c *gin.Context) (*payment.Transaction, bool) {
	v, ok := c.Get(ContextTransaction)
	if !ok {
		return nil, false
	}
	tx, ok := v.(*payment.Transaction)
	return tx, ok
}

// DecisionFrom returns the policy decision stored on the context.
func DecisionFrom(c *gin.Context) (*policy.Decision, bool) {
	v, ok := c.Get(ContextDecision)
	if !ok {
		return nil, false
	}
	d, ok := v.(*policy.Decision)
	return d, ok
}
