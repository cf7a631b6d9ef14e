package policy

import (
	"sort"
	"strings"
	"time"
)

// windowKey names the bucket a moment in time falls into, always in UTC.
// Per-transaction budgets get an empty key: every evaluation is its own
// window, and the addressed bucket just accumulates lifetime totals.
// Weekly keys use the ISO week's Monday.
func windowKey(w Window, t time.Time) string {
	t = t.UTC()
	switch w {
	case WindowPerTransaction:
		return ""
	case WindowHourly:
		return t.Format("2006-01-02T15")
	case WindowDaily:
		return t.Format("2006-01-02")
	case WindowWeekly:
		back := (int(t.Weekday()) + 6) % 7 // days since Monday
		return t.AddDate(0, 0, -back).Format("2006-01-02")
	case WindowMonthly:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// scopeKey serializes a budget's agent, service, and currency filters into a
// deterministic bucket-key component. Unscoped budgets share "global".
func scopeKey(b *BudgetLimit) string {
	if len(b.AgentIDs) == 0 && len(b.ServiceIDs) == 0 && b.Currency == "" {
		return "global"
	}

	agents := append([]string(nil), b.AgentIDs...)
	sort.Strings(agents)
	services := append([]string(nil), b.ServiceIDs...)
	sort.Strings(services)

	var sb strings.Builder
	sb.WriteString("agents=")
	sb.WriteString(strings.Join(agents, ","))
	sb.WriteString("|services=")
	sb.WriteString(strings.Join(services, ","))
	sb.WriteString("|currency=")
	sb.WriteString(b.Currency)
	return sb.String()
}

// bucketKey addresses one budget bucket: policy, scope, window kind, and the
// concrete window the reference time falls into.
func bucketKey(policyID string, b *BudgetLimit, t time.Time) string {
	return policyID + "|" + scopeKey(b) + "|" + string(b.Window) + "|" + windowKey(b.Window, t)
}
