// Package cardrail relays settlements onto Stripe. The scheme payload
// names a payment method (and optionally a customer); settle confirms a
// PaymentIntent for the requirement's amount in cents and reports the
// intent id as the protocol transaction id. Card declines come back as
// failed settlements, transport problems as errors.
package cardrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/paysentinel/internal/facilitator"
	"github.com/mbd888/paysentinel/pkg/x402"
)

// Network is the network tag stamped on card settlements.
const Network = "stripe"

// envelope is the card scheme payload.
type envelope struct {
	PaymentMethod string `json:"paymentMethod"`
	Customer      string `json:"customer,omitempty"`
}

// Facilitator settles payments through Stripe PaymentIntents.
type Facilitator struct {
	sc       *client.API
	logger   *slog.Logger
	currency string
}

// New creates a card facilitator charging in the given ISO currency,
// defaulting to usd.
func New(apiKey string, logger *slog.Logger, currency string) *Facilitator {
	if currency == "" {
		currency = "usd"
	}
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &Facilitator{sc: sc, logger: logger, currency: currency}
}

// Verify checks the payment pair locally. The card rail has no cheap
// remote verification; settle is the authoritative step.
func (f *Facilitator) Verify(_ context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	env, _, reason := check(payload, req)
	if reason != "" {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: reason}, nil
	}
	payer := env.Customer
	if payer == "" {
		payer = env.PaymentMethod
	}
	return &x402.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// Settle confirms a PaymentIntent for the requirement's amount.
func (f *Facilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	env, cents, reason := check(payload, req)
	if reason != "" {
		return &x402.SettleResponse{Success: false, Error: reason, Network: Network}, nil
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(cents),
		Currency:      stripe.String(f.currency),
		PaymentMethod: stripe.String(env.PaymentMethod),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(req.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	if env.Customer != "" {
		params.Customer = stripe.String(env.Customer)
	}
	params.AddMetadata("paymentKey", x402.PaymentKey(payload, req))
	params.AddMetadata("resource", req.Resource)

	pi, err := f.sc.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			// Declines and invalid requests are settlement failures,
			// not transport errors.
			f.logger.Warn("card settlement declined",
				"code", stripeErr.Code,
				"paymentMethod", env.PaymentMethod)
			return &x402.SettleResponse{Success: false, Error: stripeErr.Msg, Network: Network}, nil
		}
		return nil, fmt.Errorf("cardrail: create payment intent: %w", err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return &x402.SettleResponse{
			Success: false,
			TxHash:  pi.ID,
			Error:   fmt.Sprintf("payment intent %s is %s", pi.ID, pi.Status),
			Network: Network,
		}, nil
	}

	f.logger.Info("card settlement succeeded",
		"paymentIntent", pi.ID,
		"amountCents", cents,
		"currency", f.currency)
	return &x402.SettleResponse{Success: true, TxHash: pi.ID, Network: Network}, nil
}

// Supported reports the card rail's capabilities.
func (f *Facilitator) Supported(_ context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{
		Schemes:  []string{"exact"},
		Networks: []string{Network},
	}, nil
}

// check validates the pair and returns the envelope and the amount in
// cents, or a reason the payment is invalid.
func check(payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*envelope, int64, string) {
	if payload == nil || req == nil {
		return nil, 0, "payment payload and requirements required"
	}
	if req.Scheme != "exact" {
		return nil, 0, fmt.Sprintf("unsupported scheme %q", req.Scheme)
	}
	cents, err := strconv.ParseInt(req.MaxAmountRequired, 10, 64)
	if err != nil || cents <= 0 {
		return nil, 0, "maxAmountRequired must be a positive amount in cents"
	}
	if req.PayTo == "" {
		return nil, 0, "payTo required"
	}

	var env envelope
	if err := json.Unmarshal(payload.Payload, &env); err != nil {
		return nil, 0, "malformed scheme payload"
	}
	if env.PaymentMethod == "" {
		return nil, 0, "paymentMethod required"
	}
	return &env, cents, ""
}

// toCents converts a display amount to Stripe's smallest-unit integer.
func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

var _ facilitator.Client = (*Facilitator)(nil)
