// Package x402 holds the wire types of the x402 payment protocol and an
// HTTP client for remote facilitators. It is the public contract between
// PaySentinel and protocol-speaking peers; the control-plane logic lives
// under internal/.
package x402

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PaymentPayload is the payment proof an agent presents with a request.
// The inner payload is scheme-specific and opaque to the control plane.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Resource    string          `json:"resource,omitempty"`
	Payer       string          `json:"payer,omitempty"`
}

// PaymentRequirements is what a resource server demands before serving.
// MaxAmountRequired is a stringified integer in base units of the asset.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource,omitempty"`
	PayTo             string `json:"payTo"`
	Description       string `json:"description,omitempty"`
}

// VerifyResponse is the facilitator's answer to a verification request.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	Payer         string `json:"payer,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

// SettleResponse is the facilitator's answer to a settlement request.
type SettleResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Network string `json:"network"`
	Error   string `json:"error,omitempty"`
}

// SupportedResponse lists the schemes and networks a facilitator settles.
type SupportedResponse struct {
	Schemes  []string `json:"schemes"`
	Networks []string `json:"networks"`
}

// PaymentKey builds the de-duplication key for a payment attempt. Two
// requests with the same payer, receiver, and amount are the same payment.
func PaymentKey(payload *PaymentPayload, req *PaymentRequirements) string {
	return fmt.Sprintf("x402:%s:%s:%s", payload.Payer, req.PayTo, req.MaxAmountRequired)
}

// DecimalsFor returns the base-unit decimals conventionally used by a
// currency symbol. Six-decimal stablecoins are the default.
func DecimalsFor(currency string) int {
	switch currency {
	case "ETH", "WETH":
		return 18
	default:
		return 6
	}
}

// ParseAmount converts a stringified base-unit integer into a decimal
// amount. Base units for 18-decimal assets overflow int64, so the
// conversion goes through big numbers.
func ParseAmount(baseUnits string, decimals int) (float64, error) {
	n, ok := new(big.Int).SetString(baseUnits, 10)
	if !ok {
		return 0, fmt.Errorf("x402: amount %q is not a base-unit integer", baseUnits)
	}
	if n.Sign() < 0 {
		return 0, fmt.Errorf("x402: amount %q is negative", baseUnits)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	f := new(big.Float).Quo(new(big.Float).SetInt(n), new(big.Float).SetInt(scale))
	out, _ := f.Float64()
	return out, nil
}

// ValidAddress reports whether s looks like an EVM address. Schemes with
// non-EVM payer identifiers skip this check.
func ValidAddress(s string) bool {
	return common.IsHexAddress(s)
}
