package ledger

import (
	"context"
	"math"
	"testing"

	"github.com/mbd888/paysentinel/internal/payment"
)

func seedAnalytics(t *testing.T) *Analytics {
	t.Helper()
	l := newTestLedger()

	completed := []payment.Input{
		{AgentID: "agent-1", Recipient: "search.api", Amount: 1.00, Currency: "USDC", ServiceID: "search", Protocol: payment.ProtocolX402},
		{AgentID: "agent-1", Recipient: "search.api", Amount: 3.00, Currency: "USDC", ServiceID: "search", Protocol: payment.ProtocolX402},
		{AgentID: "agent-2", Recipient: "llm.api", Amount: 10.00, Currency: "USDC", ServiceID: "llm", Protocol: payment.ProtocolAgentCommerce},
	}
	for _, in := range completed {
		tx := mustTx(t, in)
		tx.ForceStatus(payment.StatusCompleted)
		record(t, l, tx)
	}

	failed := mustTx(t, payment.Input{
		AgentID: "agent-1", Recipient: "flaky.api", Amount: 50, Currency: "USDC", Protocol: payment.ProtocolX402,
	})
	failed.ForceStatus(payment.StatusFailed)
	record(t, l, failed)

	return NewAnalytics(l)
}

func TestSummary(t *testing.T) {
	a := seedAnalytics(t)

	s, err := a.Summary(context.Background(), "")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	if s.Transactions != 4 {
		t.Errorf("Transactions = %d, want 4", s.Transactions)
	}
	// Failed transactions count toward status totals but not spend.
	if got := s.SpendByCurrency["USDC"]; got != 14.00 {
		t.Errorf("SpendByCurrency[USDC] = %v, want 14", got)
	}
	if got := s.CountByStatus["failed"]; got != 1 {
		t.Errorf("CountByStatus[failed] = %d, want 1", got)
	}
	if got := s.CountByProtocol["x402"]; got != 3 {
		t.Errorf("CountByProtocol[x402] = %d, want 3", got)
	}
	if got := s.SpendByService["search"]; got != 4.00 {
		t.Errorf("SpendByService[search] = %v, want 4", got)
	}
	if got := s.AvgByCurrency["USDC"]; math.Abs(got-14.0/3.0) > 1e-9 {
		t.Errorf("AvgByCurrency[USDC] = %v, want %v", got, 14.0/3.0)
	}

	if len(s.TopRecipients) == 0 || s.TopRecipients[0].Recipient != "llm.api" {
		t.Errorf("TopRecipients = %+v, want llm.api first", s.TopRecipients)
	}
}

func TestAgentSummary(t *testing.T) {
	a := seedAnalytics(t)

	s, err := a.AgentSummary(context.Background(), "agent-1", "")
	if err != nil {
		t.Fatalf("AgentSummary: %v", err)
	}

	if s.Transactions != 3 {
		t.Errorf("Transactions = %d, want 3", s.Transactions)
	}
	if got := s.SpendByCurrency["USDC"]; got != 4.00 {
		t.Errorf("SpendByCurrency[USDC] = %v, want 4 (failed tx excluded)", got)
	}
	if s.LargestAmount != 3.00 {
		t.Errorf("LargestAmount = %v, want 3", s.LargestAmount)
	}
	if len(s.Recipients) != 2 {
		t.Errorf("Recipients = %v, want 2", s.Recipients)
	}
	if s.FirstSeen == "" || s.LastSeen < s.FirstSeen {
		t.Errorf("timestamps wrong: first=%q last=%q", s.FirstSeen, s.LastSeen)
	}
}

func TestSummaryEmptyLedger(t *testing.T) {
	a := NewAnalytics(newTestLedger())
	s, err := a.Summary(context.Background(), "")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if s.Transactions != 0 || len(s.TopRecipients) != 0 {
		t.Errorf("empty summary = %+v", s)
	}
}
