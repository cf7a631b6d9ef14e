package ledger

import (
	"context"
	"sort"

	"github.com/mbd888/paysentinel/internal/payment"
)

// topRecipientCount caps the recipient leaderboard in summaries.
const topRecipientCount = 5

// Summary aggregates ledger activity, optionally bounded to transactions
// created after a cutoff. Spend figures count completed transactions only;
// counts cover every status.
type Summary struct {
	Transactions    int                `json:"transactions"`
	SpendByCurrency map[string]float64 `json:"spendByCurrency"`
	AvgByCurrency   map[string]float64 `json:"avgByCurrency"`
	CountByStatus   map[string]int     `json:"countByStatus"`
	CountByProtocol map[string]int     `json:"countByProtocol"`
	SpendByService  map[string]float64 `json:"spendByService"`
	TopRecipients   []RecipientSpend   `json:"topRecipients"`
	Since           string             `json:"since,omitempty"`
}

// RecipientSpend is one row of the recipient leaderboard.
type RecipientSpend struct {
	Recipient string  `json:"recipient"`
	Amount    float64 `json:"amount"`
	Count     int     `json:"count"`
}

// AgentSummary aggregates one agent's activity.
type AgentSummary struct {
	AgentID         string             `json:"agentId"`
	Transactions    int                `json:"transactions"`
	SpendByCurrency map[string]float64 `json:"spendByCurrency"`
	CountByStatus   map[string]int     `json:"countByStatus"`
	Services        []string           `json:"services"`
	Recipients      []string           `json:"recipients"`
	LargestAmount   float64            `json:"largestAmount"`
	FirstSeen       string             `json:"firstSeen,omitempty"`
	LastSeen        string             `json:"lastSeen,omitempty"`
	Since           string             `json:"since,omitempty"`
}

// Analytics computes aggregated views over the ledger.
type Analytics struct {
	ledger *Ledger
}

// NewAnalytics creates an analytics view over the given ledger.
func NewAnalytics(l *Ledger) *Analytics {
	return &Analytics{ledger: l}
}

// Summary aggregates all activity after the optional cutoff (canonical
// ISO-8601, exclusive; empty = everything).
func (a *Analytics) Summary(ctx context.Context, since string) (*Summary, error) {
	txs, err := a.ledger.Query(ctx, Filter{After: since})
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Transactions:    len(txs),
		SpendByCurrency: make(map[string]float64),
		AvgByCurrency:   make(map[string]float64),
		CountByStatus:   make(map[string]int),
		CountByProtocol: make(map[string]int),
		SpendByService:  make(map[string]float64),
		Since:           since,
	}

	completedByCurrency := make(map[string]int)
	byRecipient := make(map[string]*RecipientSpend)
	for _, tx := range txs {
		s.CountByStatus[string(tx.Status)]++
		s.CountByProtocol[string(tx.Protocol)]++
		if tx.Status != payment.StatusCompleted {
			continue
		}
		s.SpendByCurrency[tx.Currency] += tx.Amount
		completedByCurrency[tx.Currency]++
		if tx.ServiceID != "" {
			s.SpendByService[tx.ServiceID] += tx.Amount
		}
		r, ok := byRecipient[tx.Recipient]
		if !ok {
			r = &RecipientSpend{Recipient: tx.Recipient}
			byRecipient[tx.Recipient] = r
		}
		r.Amount += tx.Amount
		r.Count++
	}

	for currency, total := range s.SpendByCurrency {
		s.AvgByCurrency[currency] = total / float64(completedByCurrency[currency])
	}

	ranked := make([]RecipientSpend, 0, len(byRecipient))
	for _, r := range byRecipient {
		ranked = append(ranked, *r)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Amount != ranked[j].Amount {
			return ranked[i].Amount > ranked[j].Amount
		}
		return ranked[i].Recipient < ranked[j].Recipient
	})
	if len(ranked) > topRecipientCount {
		ranked = ranked[:topRecipientCount]
	}
	s.TopRecipients = ranked

	return s, nil
}

// AgentSummary aggregates a single agent's activity after the optional
// cutoff.
func (a *Analytics) AgentSummary(ctx context.Context, agentID, since string) (*AgentSummary, error) {
	txs, err := a.ledger.Query(ctx, Filter{AgentID: agentID, After: since})
	if err != nil {
		return nil, err
	}

	s := &AgentSummary{
		AgentID:         agentID,
		Transactions:    len(txs),
		SpendByCurrency: make(map[string]float64),
		CountByStatus:   make(map[string]int),
		Since:           since,
	}

	services := make(map[string]struct{})
	recipients := make(map[string]struct{})
	for _, tx := range txs {
		s.CountByStatus[string(tx.Status)]++
		recipients[tx.Recipient] = struct{}{}
		if tx.ServiceID != "" {
			services[tx.ServiceID] = struct{}{}
		}
		if s.FirstSeen == "" || tx.CreatedAt < s.FirstSeen {
			s.FirstSeen = tx.CreatedAt
		}
		if tx.CreatedAt > s.LastSeen {
			s.LastSeen = tx.CreatedAt
		}
		if tx.Status != payment.StatusCompleted {
			continue
		}
		s.SpendByCurrency[tx.Currency] += tx.Amount
		if tx.Amount > s.LargestAmount {
			s.LargestAmount = tx.Amount
		}
	}

	s.Services = sortedSet(services)
	s.Recipients = sortedSet(recipients)
	return s, nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
