package sandbox

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/paysentinel/internal/recovery"
)

// RefundExecutor simulates refund execution for rails with no refund
// operation (the sandbox itself, and remote x402 facilitators). Every
// attempt succeeds with a deterministic fake refund hash derived from the
// action, the same way settlement hashes are derived from the payment key.
type RefundExecutor struct {
	logger *slog.Logger
}

// NewRefundExecutor creates a simulated refund executor.
func NewRefundExecutor(logger *slog.Logger) *RefundExecutor {
	return &RefundExecutor{logger: logger}
}

// Execute marks the action refunded with a fake refund transaction hash.
func (e *RefundExecutor) Execute(_ context.Context, action *recovery.Action) (*recovery.ExecutorResult, error) {
	hash := crypto.Keccak256Hash([]byte("refund:" + action.ID + ":" + action.DisputeID)).Hex()
	e.logger.Info("sandbox refund simulated",
		"recovery", action.ID,
		"dispute", action.DisputeID,
		"amount", action.Amount,
		"currency", action.Currency,
		"refundTx", hash)
	return &recovery.ExecutorResult{Success: true, RefundTxID: hash}, nil
}

var _ recovery.RefundExecutor = (*RefundExecutor)(nil)
