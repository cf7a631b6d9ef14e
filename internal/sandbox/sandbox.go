// Package sandbox is a deterministic in-process facilitator for
// development. Verification recovers the payer from an EIP-191 signature
// over the payment key, settlement marks the key used and answers with a
// fake transaction hash derived from it, and mandates put a spend cap in
// front of a payer without any chain involvement.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/paysentinel/internal/facilitator"
	"github.com/mbd888/paysentinel/internal/idgen"
	"github.com/mbd888/paysentinel/internal/isotime"
	"github.com/mbd888/paysentinel/pkg/x402"
)

var (
	// ErrMandateNotFound is returned for unknown mandate ids.
	ErrMandateNotFound = errors.New("sandbox: mandate not found")
	// ErrInvalidInput is returned when mandate parameters fail validation.
	ErrInvalidInput = errors.New("sandbox: invalid input")
)

// Mandate is a pre-authorized spend cap for one payer. Settlements that
// reference it draw the cap down; an exhausted or expired mandate blocks
// the payment.
type Mandate struct {
	ID        string  `json:"id"`
	Payer     string  `json:"payer"`
	Cap       float64 `json:"cap"`
	Remaining float64 `json:"remaining"`
	Currency  string  `json:"currency"`
	CreatedAt string  `json:"createdAt"`
	ExpiresAt string  `json:"expiresAt,omitempty"`
}

func (m *Mandate) clone() *Mandate {
	cp := *m
	return &cp
}

// envelope is the sandbox's scheme payload: a signature over the payment
// key, optionally pinned to a mandate.
type envelope struct {
	Signature string `json:"signature"`
	Mandate   string `json:"mandate,omitempty"`
}

// Facilitator verifies and settles payments entirely in memory.
type Facilitator struct {
	logger   *slog.Logger
	networks []string
	lookup   map[string]bool

	mu       sync.Mutex
	settled  map[string]string // payment key -> tx hash
	mandates map[string]*Mandate
	issued   []string // mandate ids in issue order

	now func() time.Time // swapped in tests
}

// New creates a sandbox facilitator accepting the given networks,
// defaulting to base-sepolia.
func New(logger *slog.Logger, networks ...string) *Facilitator {
	if len(networks) == 0 {
		networks = []string{"base-sepolia"}
	}
	lookup := make(map[string]bool, len(networks))
	for _, n := range networks {
		lookup[n] = true
	}
	return &Facilitator{
		logger:   logger,
		networks: networks,
		lookup:   lookup,
		settled:  make(map[string]string),
		mandates: make(map[string]*Mandate),
		now:      time.Now,
	}
}

// Verify checks the payment pair without settling it. Protocol-level
// problems come back as an invalid verification, never as an error.
func (f *Facilitator) Verify(_ context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	payer, _, reason := f.check(payload, req)
	if reason != "" {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: reason}, nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// Settle re-runs the verification checks, marks the payment key settled,
// draws down any referenced mandate, and answers with a deterministic fake
// transaction hash derived from the key.
func (f *Facilitator) Settle(_ context.Context, payload *x402.PaymentPayload, req *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	payer, env, reason := f.check(payload, req)
	if reason != "" {
		network := ""
		if req != nil {
			network = req.Network
		}
		return &x402.SettleResponse{Success: false, Error: reason, Network: network}, nil
	}

	key := x402.PaymentKey(payload, req)
	hash := crypto.Keccak256Hash([]byte(key)).Hex()
	f.settled[key] = hash

	if env.Mandate != "" {
		m := f.mandates[env.Mandate]
		amount, _ := x402.ParseAmount(req.MaxAmountRequired, x402.DecimalsFor(m.Currency))
		m.Remaining -= amount
	}

	f.logger.Info("sandbox settlement",
		"payer", payer,
		"payTo", req.PayTo,
		"maxAmount", req.MaxAmountRequired,
		"txHash", hash,
		"mandate", env.Mandate)

	return &x402.SettleResponse{Success: true, TxHash: hash, Network: req.Network}, nil
}

// Supported reports the sandbox's capabilities.
func (f *Facilitator) Supported(_ context.Context) (*x402.SupportedResponse, error) {
	return &x402.SupportedResponse{
		Schemes:  []string{"exact"},
		Networks: append([]string{}, f.networks...),
	}, nil
}

// check validates one payment pair. It returns the recovered payer and the
// decoded envelope, or a human-readable reason the payment is invalid.
// Callers hold f.mu.
func (f *Facilitator) check(payload *x402.PaymentPayload, req *x402.PaymentRequirements) (string, *envelope, string) {
	if payload == nil || req == nil {
		return "", nil, "payment payload and requirements required"
	}
	if req.Scheme != "exact" {
		return "", nil, fmt.Sprintf("unsupported scheme %q", req.Scheme)
	}
	if !f.lookup[req.Network] {
		return "", nil, fmt.Sprintf("unsupported network %q", req.Network)
	}
	if !x402.ValidAddress(req.PayTo) {
		return "", nil, "invalid payTo address"
	}
	if _, err := x402.ParseAmount(req.MaxAmountRequired, 0); err != nil {
		return "", nil, "invalid maxAmountRequired"
	}
	if payload.Payer == "" {
		return "", nil, "payer required"
	}
	if !x402.ValidAddress(payload.Payer) {
		return "", nil, "invalid payer address"
	}

	var env envelope
	if err := json.Unmarshal(payload.Payload, &env); err != nil {
		return "", nil, "malformed scheme payload"
	}
	if env.Signature == "" {
		return "", nil, "signature required"
	}

	key := x402.PaymentKey(payload, req)
	signer, err := RecoverSigner(key, env.Signature)
	if err != nil {
		return "", nil, "invalid signature"
	}
	if !strings.EqualFold(signer, payload.Payer) {
		return "", nil, "signature does not match payer"
	}

	if f.settled[key] != "" {
		return "", nil, "payment already settled"
	}

	if env.Mandate != "" {
		m := f.mandates[env.Mandate]
		if m == nil {
			return "", nil, fmt.Sprintf("unknown mandate %s", env.Mandate)
		}
		if m.ExpiresAt != "" && isotime.Format(f.now()) >= m.ExpiresAt {
			return "", nil, fmt.Sprintf("mandate %s expired", m.ID)
		}
		if !strings.EqualFold(m.Payer, payload.Payer) {
			return "", nil, "mandate payer mismatch"
		}
		amount, err := x402.ParseAmount(req.MaxAmountRequired, x402.DecimalsFor(m.Currency))
		if err != nil || amount > m.Remaining {
			return "", nil, fmt.Sprintf("mandate %s cap exceeded", m.ID)
		}
	}

	return signer, &env, ""
}

// IssueMandate creates a spend cap for payer. A non-positive ttl issues a
// mandate that never expires.
func (f *Facilitator) IssueMandate(payer string, cap float64, currency string, ttl time.Duration) (*Mandate, error) {
	if !x402.ValidAddress(payer) {
		return nil, fmt.Errorf("%w: payer must be a hex address", ErrInvalidInput)
	}
	if cap <= 0 {
		return nil, fmt.Errorf("%w: cap must be positive", ErrInvalidInput)
	}
	if currency == "" {
		currency = "USDC"
	}

	now := f.now()
	m := &Mandate{
		ID:        idgen.New("mdt"),
		Payer:     payer,
		Cap:       cap,
		Remaining: cap,
		Currency:  currency,
		CreatedAt: isotime.Format(now),
	}
	if ttl > 0 {
		m.ExpiresAt = isotime.Format(now.Add(ttl))
	}

	f.mu.Lock()
	f.mandates[m.ID] = m
	f.issued = append(f.issued, m.ID)
	f.mu.Unlock()

	f.logger.Info("mandate issued",
		"mandate", m.ID,
		"payer", m.Payer,
		"cap", m.Cap,
		"currency", m.Currency,
		"expiresAt", m.ExpiresAt)
	return m.clone(), nil
}

// Mandate returns one mandate by id.
func (f *Facilitator) Mandate(id string) (*Mandate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.mandates[id]
	if m == nil {
		return nil, ErrMandateNotFound
	}
	return m.clone(), nil
}

// Mandates returns all mandates in issue order.
func (f *Facilitator) Mandates() []*Mandate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Mandate, 0, len(f.issued))
	for _, id := range f.issued {
		out = append(out, f.mandates[id].clone())
	}
	return out
}

var _ facilitator.Client = (*Facilitator)(nil)
