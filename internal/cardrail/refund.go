package cardrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/paysentinel/internal/payment"
	"github.com/mbd888/paysentinel/internal/recovery"
)

// TransactionSource resolves internal transaction ids to their records;
// the spend ledger satisfies it.
type TransactionSource interface {
	Get(ctx context.Context, id string) (*payment.Transaction, error)
}

// RefundExecutor pushes recovery actions through Stripe refunds. Full
// refunds reverse the whole intent; partial ones refund the action's
// amount in cents.
type RefundExecutor struct {
	sc     *client.API
	txs    TransactionSource
	logger *slog.Logger
}

// NewRefundExecutor creates a Stripe-backed refund executor.
func NewRefundExecutor(apiKey string, txs TransactionSource, logger *slog.Logger) *RefundExecutor {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &RefundExecutor{sc: sc, txs: txs, logger: logger}
}

// Execute refunds the action's transaction. Stripe rejections come back
// as a failed result so the engine can retry; transport problems as
// errors.
func (e *RefundExecutor) Execute(ctx context.Context, action *recovery.Action) (*recovery.ExecutorResult, error) {
	tx, err := e.txs.Get(ctx, action.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("cardrail: load transaction %s: %w", action.TransactionID, err)
	}
	if tx.ProtocolTxID == "" {
		return &recovery.ExecutorResult{
			Success: false,
			Error:   fmt.Sprintf("transaction %s has no payment intent to refund", tx.ID),
		}, nil
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(tx.ProtocolTxID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if action.Type == recovery.TypePartialRefund {
		params.Amount = stripe.Int64(toCents(action.Amount))
	}
	params.AddMetadata("recoveryId", action.ID)
	params.AddMetadata("disputeId", action.DisputeID)

	ref, err := e.sc.Refunds.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			e.logger.Warn("card refund rejected",
				"recovery", action.ID,
				"paymentIntent", tx.ProtocolTxID,
				"code", stripeErr.Code)
			return &recovery.ExecutorResult{Success: false, Error: stripeErr.Msg}, nil
		}
		return nil, fmt.Errorf("cardrail: refund %s: %w", tx.ProtocolTxID, err)
	}

	e.logger.Info("card refund issued",
		"recovery", action.ID,
		"paymentIntent", tx.ProtocolTxID,
		"refund", ref.ID)
	return &recovery.ExecutorResult{Success: true, RefundTxID: ref.ID}, nil
}

var _ recovery.RefundExecutor = (*RefundExecutor)(nil)
