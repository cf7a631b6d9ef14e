// Package isotime formats the timestamps stored on control-plane records.
//
// Every persisted timestamp is UTC at fixed millisecond precision
// ("2026-01-02T15:04:05.000Z"), so comparing two timestamps as strings
// gives the same answer as comparing them as instants. Ledger queries and
// the chronological indices rely on that property.
package isotime

import "time"

// Layout is the canonical wire format. Unlike time.RFC3339Nano it never
// drops trailing zeros, which would break lexicographic ordering.
const Layout = "2006-01-02T15:04:05.000Z"

// Now returns the current time in canonical form.
func Now() string {
	return Format(time.Now())
}

// Format renders t in canonical form.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Parse reads a canonical timestamp back into a time.Time. It also accepts
// RFC 3339 input with other fractional widths, since external callers are
// not obliged to produce the fixed-width form.
func Parse(s string) (time.Time, error) {
	t, err := time.Parse(Layout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
