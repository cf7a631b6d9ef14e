// Package facilitator wraps an external payment-protocol client with policy
// gating, a per-target circuit breaker, and spend bookkeeping.
//
// Verify derives an internal transaction from the x402 pair, runs it through
// the policy engine, and only forwards to the wrapped facilitator when
// allowed. Settle forwards through the breaker, then lands the outcome in
// the ledger, the provenance log, the alert evaluator, and (on success) the
// policy engine's budgets, so budgets count settled funds only.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/paysentinel/internal/alerts"
	"github.com/mbd888/paysentinel/internal/circuitbreaker"
	"github.com/mbd888/paysentinel/internal/ledger"
	"github.com/mbd888/paysentinel/internal/metrics"
	"github.com/mbd888/paysentinel/internal/payment"
	"github.com/mbd888/paysentinel/internal/policy"
	"github.com/mbd888/paysentinel/internal/provenance"
	"github.com/mbd888/paysentinel/internal/traces"
	"github.com/mbd888/paysentinel/pkg/x402"
)

// deniedPrefix opens every policy-denial reason returned to protocol peers.
const deniedPrefix = "Payment blocked by policy"

// Client is the wrapped facilitator. Implementations settle real payments:
// a remote x402 facilitator, the in-process sandbox, or a card rail.
type Client interface {
	Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResponse, error)
	Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResponse, error)
	Supported(ctx context.Context) (*x402.SupportedResponse, error)
}

// Extractor derives the internal transaction that gets evaluated, tracked,
// and alerted on from one x402 payload/requirements pair.
type Extractor func(payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*payment.Transaction, error)

// Config tunes how transactions are derived and how breaker keys are named.
type Config struct {
	// Key prefixes the circuit-breaker keys: "<key>:verify", "<key>:settle".
	Key string
	// DefaultAgent stands in when the payload names no payer.
	DefaultAgent string
	// DefaultCurrency is the currency stamped on derived transactions.
	DefaultCurrency string
	// Decimals overrides base-unit decimals per currency symbol.
	Decimals map[string]int
}

// Adapter is the policy-gated wrapper around a facilitator client.
type Adapter struct {
	client  Client
	policy  *policy.Engine
	breaker *circuitbreaker.Breaker
	ledger  *ledger.Ledger
	prov    *provenance.Log
	alerts  *alerts.Evaluator
	logger  *slog.Logger

	key     string
	extract Extractor
}

// NewAdapter wraps client with policy gating and spend tracking.
func NewAdapter(client Client, pol *policy.Engine, breaker *circuitbreaker.Breaker, led *ledger.Ledger, logger *slog.Logger, cfg Config) *Adapter {
	key := cfg.Key
	if key == "" {
		key = "x402"
	}
	return &Adapter{
		client:  client,
		policy:  pol,
		breaker: breaker,
		ledger:  led,
		logger:  logger,
		key:     key,
		extract: DefaultExtractor(cfg),
	}
}

// WithProvenance wires a provenance log recording the lifecycle stages.
func (ad *Adapter) WithProvenance(prov *provenance.Log) *Adapter {
	ad.prov = prov
	return ad
}

// WithAlerts wires an alert evaluator run against every settled transaction.
func (ad *Adapter) WithAlerts(ev *alerts.Evaluator) *Adapter {
	ad.alerts = ev
	return ad
}

// WithExtractor replaces the default transaction extractor.
func (ad *Adapter) WithExtractor(fn Extractor) *Adapter {
	ad.extract = fn
	return ad
}

// DefaultExtractor derives a transaction the standard way: agent from the
// payload's payer (or the configured fallback), recipient from payTo,
// amount from maxAmountRequired scaled by currency decimals.
func DefaultExtractor(cfg Config) Extractor {
	currency := cfg.DefaultCurrency
	if currency == "" {
		currency = "USDC"
	}
	decimals, ok := cfg.Decimals[currency]
	if !ok {
		decimals = x402.DecimalsFor(currency)
	}

	return func(payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*payment.Transaction, error) {
		if payload == nil || req == nil {
			return nil, errors.New("facilitator: payload and requirements required")
		}
		agent := payload.Payer
		if agent == "" {
			agent = cfg.DefaultAgent
		}
		amount, err := x402.ParseAmount(req.MaxAmountRequired, decimals)
		if err != nil {
			return nil, err
		}

		return payment.New(payment.Input{
			AgentID:   agent,
			Recipient: req.PayTo,
			Amount:    amount,
			Currency:  currency,
			Purpose:   req.Description,
			Protocol:  payment.ProtocolX402,
			Metadata: map[string]string{
				"scheme":     req.Scheme,
				"network":    req.Network,
				"resource":   req.Resource,
				"paymentKey": x402.PaymentKey(payload, req),
			},
		})
	}
}

// Verify gates a verification request on policy before forwarding.
// Policy denials come back as a negative verification, never as an error;
// the wrapped facilitator is not consulted for denied payments. Breaker
// rejections and facilitator errors propagate.
func (ad *Adapter) Verify(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	ctx, span := traces.StartSpan(ctx, "facilitator.verify")
	defer span.End()

	tx, err := ad.extract(payload, req)
	if err != nil {
		ad.logger.Warn("payment extraction failed", "error", err)
		metrics.FacilitatorCalls.WithLabelValues("verify", "invalid").Inc()
		return &x402.VerifyResponse{IsValid: false, InvalidReason: "invalid payment request: " + err.Error()}, nil
	}
	span.SetAttributes(
		traces.TransactionID(tx.ID),
		traces.AgentID(tx.AgentID),
		traces.Amount(tx.Amount),
		traces.Currency(tx.Currency),
		traces.BreakerKey(ad.key+":verify"),
	)

	decision := ad.policy.Evaluate(tx)
	span.SetAttributes(traces.PolicyAction(string(decision.Action)))
	ad.recordPolicyCheck(ctx, tx, decision)

	if !decision.Allowed {
		ad.logger.Info("payment blocked",
			"transaction", tx.ID,
			"agent", tx.AgentID,
			"amount", tx.Amount,
			"reason", decision.Reason)
		metrics.FacilitatorCalls.WithLabelValues("verify", "denied").Inc()
		return &x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: fmt.Sprintf("%s: %s", deniedPrefix, decision.Reason),
		}, nil
	}

	var resp *x402.VerifyResponse
	err = ad.breaker.Execute(ad.key+":verify", func() error {
		r, callErr := ad.client.Verify(ctx, payload, req)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	if err != nil {
		metrics.FacilitatorCalls.WithLabelValues("verify", "error").Inc()
		return nil, err
	}
	metrics.FacilitatorCalls.WithLabelValues("verify", "ok").Inc()
	return resp, nil
}

// Settle forwards a settlement through the breaker and records the outcome:
// ledger entry, settlement provenance, alert evaluation, and on success the
// policy engine's budget consumption. Facilitator failures are recorded as
// a failed settlement and then returned; breaker rejections propagate
// untouched since no external call happened.
func (ad *Adapter) Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	ctx, span := traces.StartSpan(ctx, "facilitator.settle")
	defer span.End()

	tx, err := ad.extract(payload, req)
	if err != nil {
		metrics.FacilitatorCalls.WithLabelValues("settle", "invalid").Inc()
		return nil, fmt.Errorf("facilitator: derive transaction: %w", err)
	}
	span.SetAttributes(
		traces.TransactionID(tx.ID),
		traces.AgentID(tx.AgentID),
		traces.Amount(tx.Amount),
		traces.Currency(tx.Currency),
		traces.BreakerKey(ad.key+":settle"),
	)

	if ad.prov != nil {
		if _, err := ad.prov.RecordExecution(ctx, tx.ID, map[string]any{
			"network": req.Network,
			"scheme":  req.Scheme,
			"payTo":   req.PayTo,
		}); err != nil {
			ad.logger.Error("execution provenance record failed", "transaction", tx.ID, "error", err)
		}
	}

	var resp *x402.SettleResponse
	callErr := ad.breaker.Execute(ad.key+":settle", func() error {
		r, err := ad.client.Settle(ctx, payload, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	var open *circuitbreaker.OpenError
	if errors.As(callErr, &open) {
		metrics.FacilitatorCalls.WithLabelValues("settle", "rejected").Inc()
		return nil, callErr
	}

	if callErr != nil {
		ad.recordSettlement(ctx, tx, false, "", map[string]any{"error": callErr.Error()})
		metrics.FacilitatorCalls.WithLabelValues("settle", "error").Inc()
		return nil, callErr
	}

	if resp.Success {
		ad.recordSettlement(ctx, tx, true, resp.TxHash, map[string]any{
			"txHash":  resp.TxHash,
			"network": resp.Network,
		})
		ad.policy.RecordTransaction(tx)
		metrics.FacilitatorCalls.WithLabelValues("settle", "ok").Inc()
	} else {
		ad.recordSettlement(ctx, tx, false, resp.TxHash, map[string]any{
			"error":   resp.Error,
			"network": resp.Network,
		})
		metrics.FacilitatorCalls.WithLabelValues("settle", "failed").Inc()
	}
	return resp, nil
}

// Supported is a direct passthrough.
func (ad *Adapter) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	return ad.client.Supported(ctx)
}

// recordPolicyCheck lands the verify decision in the provenance log.
func (ad *Adapter) recordPolicyCheck(ctx context.Context, tx *payment.Transaction, decision *policy.Decision) {
	if ad.prov == nil {
		return
	}
	if _, err := ad.prov.RecordIntent(ctx, tx); err != nil {
		ad.logger.Error("intent provenance record failed", "transaction", tx.ID, "error", err)
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
	if decision.RuleID != "" {
		details["ruleId"] = decision.RuleID
	}
	if _, err := ad.prov.RecordPolicyCheck(ctx, tx.ID, outcome, details); err != nil {
		ad.logger.Error("policy provenance record failed", "transaction", tx.ID, "error", err)
	}
}

// recordSettlement walks the derived transaction to its terminal status and
// lands it in the ledger, the provenance log, and the alert evaluator.
func (ad *Adapter) recordSettlement(ctx context.Context, tx *payment.Transaction, success bool, protocolTxID string, details map[string]any) {
	terminal := payment.StatusCompleted
	if !success {
		terminal = payment.StatusFailed
	}
	for _, next := range []payment.Status{payment.StatusApproved, payment.StatusExecuting, terminal} {
		if err := tx.UpdateStatus(next); err != nil {
			ad.logger.Error("settlement status walk failed", "transaction", tx.ID, "error", err)
			break
		}
	}
	tx.ProtocolTxID = protocolTxID

	if err := ad.ledger.Record(ctx, tx); err != nil {
		ad.logger.Error("settlement ledger record failed", "transaction", tx.ID, "error", err)
	}
	if ad.prov != nil {
		if _, err := ad.prov.RecordSettlement(ctx, tx.ID, success, details); err != nil {
			ad.logger.Error("settlement provenance record failed", "transaction", tx.ID, "error", err)
		}
	}
	if ad.alerts != nil {
		ad.alerts.Evaluate(ctx, tx)
	}

	ad.logger.Info("settlement recorded",
		"transaction", tx.ID,
		"agent", tx.AgentID,
		"amount", tx.Amount,
		"currency", tx.Currency,
		"success", success,
		"protocolTx", protocolTxID)
}
