package sandbox

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/paysentinel/pkg/x402"
)

const testPayTo = "0x1111111111111111111111111111111111111111"

func newSandbox(t *testing.T, networks ...string) *Facilitator {
	t.Helper()
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), networks...)
}

func testKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv, crypto.PubkeyToAddress(priv.PublicKey).Hex()
}

// signedPayment builds a payload/requirements pair whose envelope carries a
// valid signature over the payment key, optionally pinned to a mandate.
func signedPayment(t *testing.T, priv *ecdsa.PrivateKey, maxAmount, mandate string) (*x402.PaymentPayload, *x402.PaymentRequirements) {
	t.Helper()
	req := &x402.PaymentRequirements{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: maxAmount,
		Resource:          "https://api.example.com/data",
		PayTo:             testPayTo,
		Description:       "API access",
	}
	payload := &x402.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Resource:    req.Resource,
		Payer:       crypto.PubkeyToAddress(priv.PublicKey).Hex(),
	}

	sig, err := Sign(priv, x402.PaymentKey(payload, req))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, err := json.Marshal(envelope{Signature: sig, Mandate: mandate})
	if err != nil {
		t.Fatal(err)
	}
	payload.Payload = raw
	return payload, req
}

// ============================================================================
// Signature recovery
// ============================================================================

func TestSignAndRecover(t *testing.T) {
	priv, addr := testKey(t)

	sig, err := Sign(priv, "x402:payer:payee:100")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !strings.HasPrefix(sig, "0x") || len(sig) != 2+130 {
		t.Errorf("signature %q is not 65 hex bytes", sig)
	}

	signer, err := RecoverSigner("x402:payer:payee:100", sig)
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	if !strings.EqualFold(signer, addr) {
		t.Errorf("recovered %s, want %s", signer, addr)
	}
}

func TestRecoverSignerRejectsGarbage(t *testing.T) {
	if _, err := RecoverSigner("msg", "not-hex"); err == nil {
		t.Error("expected an error for non-hex input")
	}
	if _, err := RecoverSigner("msg", "0xabcd"); err == nil {
		t.Error("expected an error for a short signature")
	}
}

func TestRecoverSignerDetectsTampering(t *testing.T) {
	priv, addr := testKey(t)
	sig, err := Sign(priv, "x402:payer:payee:100")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// A different message recovers a different key.
	signer, err := RecoverSigner("x402:payer:payee:999", sig)
	if err == nil && strings.EqualFold(signer, addr) {
		t.Error("tampered message recovered the original signer")
	}
}

// ============================================================================
// Verify
// ============================================================================

func TestVerifySignedPayment(t *testing.T) {
	sb := newSandbox(t)
	priv, addr := testKey(t)
	payload, req := signedPayment(t, priv, "1500000", "")

	resp, err := sb.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("expected valid, got %q", resp.InvalidReason)
	}
	if !strings.EqualFold(resp.Payer, addr) {
		t.Errorf("Payer = %s, want %s", resp.Payer, addr)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	sb := newSandbox(t)
	priv, _ := testKey(t)
	_, other := testKey(t)

	payload, req := signedPayment(t, priv, "1500000", "")
	// Claim someone else's address; the key changes, the recovery drifts.
	payload.Payer = other

	resp, err := sb.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid {
		t.Fatal("expected the claim to fail")
	}
	if !strings.Contains(resp.InvalidReason, "signature") {
		t.Errorf("InvalidReason = %q", resp.InvalidReason)
	}
}

func TestVerifyRejectsTamperedAmount(t *testing.T) {
	sb := newSandbox(t)
	priv, _ := testKey(t)

	payload, req := signedPayment(t, priv, "1500000", "")
	req.MaxAmountRequired = "9500000"

	resp, err := sb.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid {
		t.Fatal("expected the tampered amount to fail verification")
	}
}

func TestVerifyRejectsBadRequirements(t *testing.T) {
	sb := newSandbox(t)
	priv, _ := testKey(t)

	cases := []struct {
		name   string
		mutate func(p *x402.PaymentPayload, r *x402.PaymentRequirements)
		want   string
	}{
		{"unsupported scheme", func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { r.Scheme = "subscription" }, "unsupported scheme"},
		{"unsupported network", func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { r.Network = "mainnet" }, "unsupported network"},
		{"bad payTo", func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { r.PayTo = "merchant-7" }, "payTo"},
		{"bad amount", func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { r.MaxAmountRequired = "1.5" }, "maxAmountRequired"},
		{"missing payer", func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { p.Payer = "" }, "payer required"},
		{"malformed envelope", func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { p.Payload = json.RawMessage(`[1,2]`) }, "malformed"},
		{"missing signature", func(p *x402.PaymentPayload, r *x402.PaymentRequirements) { p.Payload = json.RawMessage(`{}`) }, "signature required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, req := signedPayment(t, priv, "1500000", "")
			tc.mutate(payload, req)

			resp, err := sb.Verify(context.Background(), payload, req)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if resp.IsValid {
				t.Fatal("expected invalid")
			}
			if !strings.Contains(resp.InvalidReason, tc.want) {
				t.Errorf("InvalidReason = %q, want %q in it", resp.InvalidReason, tc.want)
			}
		})
	}
}

// ============================================================================
// Settle
// ============================================================================

func TestSettleProducesDeterministicHash(t *testing.T) {
	sb := newSandbox(t)
	priv, _ := testKey(t)
	payload, req := signedPayment(t, priv, "1500000", "")

	resp, err := sb.Settle(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %q", resp.Error)
	}

	want := crypto.Keccak256Hash([]byte(x402.PaymentKey(payload, req))).Hex()
	if resp.TxHash != want {
		t.Errorf("TxHash = %s, want the key digest %s", resp.TxHash, want)
	}
	if resp.Network != "base-sepolia" {
		t.Errorf("Network = %s", resp.Network)
	}
}

func TestSettleEnforcesDedup(t *testing.T) {
	sb := newSandbox(t)
	priv, _ := testKey(t)
	payload, req := signedPayment(t, priv, "1500000", "")

	if resp, err := sb.Settle(context.Background(), payload, req); err != nil || !resp.Success {
		t.Fatalf("first settle: %v %+v", err, resp)
	}

	resp, err := sb.Settle(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if resp.Success {
		t.Fatal("the same payment key settled twice")
	}
	if !strings.Contains(resp.Error, "already settled") {
		t.Errorf("Error = %q", resp.Error)
	}

	// Verification of a spent key fails the same way.
	vr, err := sb.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if vr.IsValid {
		t.Error("a settled key still verifies")
	}
}

func TestSettleDistinctAmountsAreDistinctPayments(t *testing.T) {
	sb := newSandbox(t)
	priv, _ := testKey(t)

	first, firstReq := signedPayment(t, priv, "1000000", "")
	second, secondReq := signedPayment(t, priv, "2000000", "")

	for _, pair := range []struct {
		payload *x402.PaymentPayload
		req     *x402.PaymentRequirements
	}{{first, firstReq}, {second, secondReq}} {
		resp, err := sb.Settle(context.Background(), pair.payload, pair.req)
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}
		if !resp.Success {
			t.Fatalf("settle failed: %q", resp.Error)
		}
	}
}

// ============================================================================
// Mandates
// ============================================================================

func TestIssueMandate(t *testing.T) {
	sb := newSandbox(t)
	_, addr := testKey(t)

	m, err := sb.IssueMandate(addr, 10, "", 0)
	if err != nil {
		t.Fatalf("IssueMandate: %v", err)
	}
	if !strings.HasPrefix(m.ID, "mdt_") {
		t.Errorf("ID = %q, want mdt_ prefix", m.ID)
	}
	if m.Cap != 10 || m.Remaining != 10 {
		t.Errorf("cap/remaining = %v/%v", m.Cap, m.Remaining)
	}
	if m.Currency != "USDC" {
		t.Errorf("Currency = %q, want the USDC default", m.Currency)
	}
	if m.CreatedAt == "" {
		t.Error("CreatedAt not set")
	}
	if m.ExpiresAt != "" {
		t.Errorf("ExpiresAt = %q, want none without a ttl", m.ExpiresAt)
	}
}

func TestIssueMandateValidation(t *testing.T) {
	sb := newSandbox(t)
	_, addr := testKey(t)

	if _, err := sb.IssueMandate("merchant-7", 10, "USDC", 0); err == nil {
		t.Error("expected a non-address payer to fail")
	}
	if _, err := sb.IssueMandate(addr, 0, "USDC", 0); err == nil {
		t.Error("expected a zero cap to fail")
	}
}

func TestMandateCapDrawdown(t *testing.T) {
	sb := newSandbox(t)
	priv, addr := testKey(t)

	m, err := sb.IssueMandate(addr, 10, "USDC", 0)
	if err != nil {
		t.Fatalf("IssueMandate: %v", err)
	}

	// 6 USDC fits the 10 USDC cap.
	payload, req := signedPayment(t, priv, "6000000", m.ID)
	resp, err := sb.Settle(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !resp.Success {
		t.Fatalf("settle failed: %q", resp.Error)
	}

	got, err := sb.Mandate(m.ID)
	if err != nil {
		t.Fatalf("Mandate: %v", err)
	}
	if got.Remaining != 4 {
		t.Errorf("Remaining = %v, want 4", got.Remaining)
	}

	// 5 USDC no longer fits.
	payload, req = signedPayment(t, priv, "5000000", m.ID)
	resp, err = sb.Settle(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if resp.Success {
		t.Fatal("settlement above the remaining cap succeeded")
	}
	if !strings.Contains(resp.Error, "cap exceeded") {
		t.Errorf("Error = %q", resp.Error)
	}
}

func TestMandateExpiry(t *testing.T) {
	sb := newSandbox(t)
	priv, addr := testKey(t)

	m, err := sb.IssueMandate(addr, 10, "USDC", time.Hour)
	if err != nil {
		t.Fatalf("IssueMandate: %v", err)
	}
	if m.ExpiresAt == "" {
		t.Fatal("expected an expiry")
	}

	sb.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	payload, req := signedPayment(t, priv, "1000000", m.ID)
	resp, err := sb.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid {
		t.Fatal("an expired mandate still verifies")
	}
	if !strings.Contains(resp.InvalidReason, "expired") {
		t.Errorf("InvalidReason = %q", resp.InvalidReason)
	}
}

func TestMandatePayerMismatch(t *testing.T) {
	sb := newSandbox(t)
	priv, _ := testKey(t)
	_, other := testKey(t)

	m, err := sb.IssueMandate(other, 10, "USDC", 0)
	if err != nil {
		t.Fatalf("IssueMandate: %v", err)
	}

	payload, req := signedPayment(t, priv, "1000000", m.ID)
	resp, err := sb.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid {
		t.Fatal("someone else's mandate was accepted")
	}
	if !strings.Contains(resp.InvalidReason, "payer mismatch") {
		t.Errorf("InvalidReason = %q", resp.InvalidReason)
	}
}

func TestUnknownMandate(t *testing.T) {
	sb := newSandbox(t)
	priv, _ := testKey(t)

	payload, req := signedPayment(t, priv, "1000000", "mdt_missing")
	resp, err := sb.Verify(context.Background(), payload, req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid {
		t.Fatal("an unknown mandate was accepted")
	}
}

func TestMandateLookup(t *testing.T) {
	sb := newSandbox(t)
	_, addr := testKey(t)

	first, err := sb.IssueMandate(addr, 5, "USDC", 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := sb.IssueMandate(addr, 15, "EURC", 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := sb.Mandate("mdt_missing"); err != ErrMandateNotFound {
		t.Errorf("Mandate(missing) = %v, want ErrMandateNotFound", err)
	}

	all := sb.Mandates()
	if len(all) != 2 || all[0].ID != first.ID || all[1].ID != second.ID {
		t.Errorf("Mandates() out of issue order: %+v", all)
	}

	// Returned mandates are copies.
	all[0].Remaining = -1
	got, err := sb.Mandate(first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Remaining != 5 {
		t.Error("caller mutation reached the stored mandate")
	}
}

// ============================================================================
// Supported
// ============================================================================

func TestSupported(t *testing.T) {
	sb := newSandbox(t)
	resp, err := sb.Supported(context.Background())
	if err != nil {
		t.Fatalf("Supported: %v", err)
	}
	if len(resp.Schemes) != 1 || resp.Schemes[0] != "exact" {
		t.Errorf("Schemes = %v", resp.Schemes)
	}
	if len(resp.Networks) != 1 || resp.Networks[0] != "base-sepolia" {
		t.Errorf("Networks = %v, want the default", resp.Networks)
	}

	custom := newSandbox(t, "base", "base-sepolia")
	resp, err = custom.Supported(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Networks) != 2 {
		t.Errorf("Networks = %v", resp.Networks)
	}
}
